package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher(srv *httptest.Server, timeout time.Duration) *fetcher {
	return &fetcher{source: "test", client: srv.Client(), timeout: timeout, userAgent: "mangaverse-test", referer: srv.URL + "/"}
}

func TestFetcherSendsHeaders(t *testing.T) {
	var gotUA, gotRef string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA, gotRef = r.UserAgent(), r.Referer()
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := testFetcher(srv, time.Second).get(context.Background(), srv.URL+"/x")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, "mangaverse-test", gotUA)
	assert.Equal(t, srv.URL+"/", gotRef)
}

func TestFetcherClassifiesFailures(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/challenge", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Cf-Ray", "8abc")
		w.Header().Set("Server", "cloudflare")
		_, _ = w.Write([]byte("<html><title>Just a moment...</title></html>"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := testFetcher(srv, 100*time.Millisecond)
	tests := []struct {
		path   string
		kind   Kind
		status int
	}{
		{"/forbidden", KindBlocked, http.StatusForbidden},
		{"/challenge", KindBlocked, http.StatusOK},
		{"/slow", KindTransport, 0},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			body, err := f.get(context.Background(), srv.URL+tt.path)
			assert.Nil(t, body)
			require.Error(t, err)

			var se *Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.kind, se.Kind)
			assert.Equal(t, tt.status, se.Status)
			assert.Equal(t, "test", se.Source)
		})
	}
}

func TestIsChallenge(t *testing.T) {
	cf := http.Header{}
	cf.Set("Cf-Ray", "1")
	mitigated := cf.Clone()
	mitigated.Set("Cf-Mitigated", "challenge")

	assert.True(t, isChallenge(mitigated, []byte("<html></html>")))
	assert.True(t, isChallenge(cf, []byte("Checking your browser before accessing")))
	assert.False(t, isChallenge(cf, []byte("<h1>Solo Leveling</h1>")))
	assert.False(t, isChallenge(http.Header{}, []byte("Just a moment")))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transport_failure", KindTransport.String())
	assert.Equal(t, "structural_mismatch", KindStructural.String())
	assert.Equal(t, "upstream_blocked", KindBlocked.String())
	assert.Equal(t, "decode_failure", KindDecode.String())
	assert.Equal(t, KindUnknown, KindOf(assert.AnError))
}
