package manga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangaverse/internal/refcodec"
	"mangaverse/internal/sources"
	"mangaverse/pkg/models"
)

type fakeService struct {
	popular  []models.MangaRecord
	live     []models.Summary
	details  map[string]*models.Detail
	bySlug   map[string][]models.MangaRecord
	chapters map[string]*models.ChapterData
	genres   []string
	err      error

	lastSource string
}

func (f *fakeService) GetPopular(_ context.Context, _, _ int) ([]models.MangaRecord, error) {
	return f.popular, f.err
}

func (f *fakeService) ListPopular(_ context.Context, source string, _ int) ([]models.Summary, error) {
	if source == "missing" {
		return nil, fmt.Errorf("%w: %q", sources.ErrNoSource, source)
	}
	return f.live, nil
}

func (f *fakeService) Search(_ context.Context, q, _ string) ([]models.Summary, error) {
	var out []models.Summary
	for _, s := range f.live {
		if strings.Contains(strings.ToLower(s.Title), strings.ToLower(q)) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeService) FetchDetail(_ context.Context, source, link string) (*models.Detail, error) {
	f.lastSource = source
	return f.details[link], nil
}

func (f *fakeService) GetDetailBySlug(_ context.Context, slug string) ([]models.MangaRecord, error) {
	return f.bySlug[slug], f.err
}

func (f *fakeService) GetChapterImages(_ context.Context, source, link string) (*models.ChapterData, error) {
	f.lastSource = source
	return f.chapters[link], nil
}

func (f *fakeService) ListGenres(context.Context, string) ([]string, error) { return f.genres, nil }

func (f *fakeService) ListByGenre(_ context.Context, _, genre string, _ int) ([]models.Summary, error) {
	if genre == "Isekai" {
		return f.live, nil
	}
	return nil, nil
}

type fakeResolver map[string]string

// idOnly is a Source that only has a name.
type idOnly string

func (idOnly) ListPopular(context.Context, int) ([]models.Summary, error)  { return nil, nil }
func (idOnly) FetchDetail(context.Context, string) (*models.Detail, error) { return nil, nil }
func (idOnly) FetchChapterImages(context.Context, string) (*models.ChapterData, error) {
	return nil, nil
}
func (idOnly) Search(context.Context, string) ([]models.Summary, error) { return nil, nil }
func (i idOnly) ID() string                                             { return string(i) }

func (r fakeResolver) ForLink(link string) (sources.Source, sources.Config, bool) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, sources.Config{}, false
	}
	id, ok := r[u.Host]
	if !ok {
		return nil, sources.Config{}, false
	}
	return idOnly(id), sources.Config{ID: id}, true
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, fakeResolver{"site.test": "natomanga"}, nil).RegisterRoutes(r.Group(""))
	return r
}

func doGet(t *testing.T, r http.Handler, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestLiveHidesUpstreamLinks(t *testing.T) {
	svc := &fakeService{live: []models.Summary{{
		Title: "Solo", Source: "natomanga", Image: "https://cdn.test/solo.jpg", Link: "https://site.test/manga/solo/",
	}}}
	r := newTestRouter(svc)

	rec, body := doGet(t, r, "/manga/live")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "site.test")
	assert.NotContains(t, rec.Body.String(), "cdn.test")

	items := body["items"].([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	got, err := refcodec.Decode(item["ref"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.Reference{Source: "natomanga", Link: "https://site.test/manga/solo/"}, *got)
	assert.True(t, strings.HasPrefix(item["image"].(string), "/image?ref="))

	rec, _ = doGet(t, r, "/manga/live?source=missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDetailByRef(t *testing.T) {
	link := "https://site.test/manga/solo/"
	svc := &fakeService{details: map[string]*models.Detail{link: {
		Title:    "Solo",
		Source:   "natomanga",
		Link:     link,
		Chapters: []models.Chapter{{Title: "Chapter 1", Link: link + "chapter-1/", Released: "May 1, 2024"}},
	}}}
	r := newTestRouter(svc)

	token := refcodec.Encode(models.Reference{Source: "natomanga", Link: link})
	rec, body := doGet(t, r, "/manga/detail?ref="+url.QueryEscape(token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Solo", body["title"])
	ch := body["chapters"].([]any)[0].(map[string]any)
	got, err := refcodec.Decode(ch["ref"].(string))
	require.NoError(t, err)
	assert.Equal(t, link+"chapter-1/", got.Link)
	assert.Equal(t, []any{}, body["genres"])

	// legacy raw URL resolves its source by host
	rec, _ = doGet(t, r, "/manga/detail?ref="+url.QueryEscape(link))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "natomanga", svc.lastSource)

	rec, _ = doGet(t, r, "/manga/detail?ref="+url.QueryEscape("https://unknown.test/x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doGet(t, r, "/manga/detail?ref=%25%25garbage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	missing := refcodec.Encode(models.Reference{Source: "natomanga", Link: "https://site.test/manga/none/"})
	rec, _ = doGet(t, r, "/manga/detail?ref="+missing)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChaptersEncodesNavigation(t *testing.T) {
	link := "https://site.test/manga/solo/chapter-2/"
	svc := &fakeService{chapters: map[string]*models.ChapterData{link: {
		Images: []string{"https://cdn.test/1.jpg", "https://cdn.test/2.jpg"},
		Next:   "https://site.test/manga/solo/chapter-3/",
	}}}
	r := newTestRouter(svc)

	rec, body := doGet(t, r, "/chapters?ref="+refcodec.Encode(models.Reference{Source: "natomanga", Link: link}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["images"], 2)
	next, err := refcodec.Decode(body["next"].(string))
	require.NoError(t, err)
	assert.Equal(t, "https://site.test/manga/solo/chapter-3/", next.Link)
	_, hasPrev := body["prev"]
	assert.False(t, hasPrev)

	rec, _ = doGet(t, r, "/chapters?ref="+refcodec.Encode(models.Reference{Source: "natomanga", Link: link + "x"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSlugAndPopularDegradeInsteadOf500(t *testing.T) {
	svc := &fakeService{err: errors.New("database is locked")}
	r := newTestRouter(svc)

	rec, _ := doGet(t, r, "/manga/solo-leveling")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := doGet(t, r, "/manga/popular")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, body["items"])
}

func TestSlugFound(t *testing.T) {
	svc := &fakeService{bySlug: map[string][]models.MangaRecord{"solo": {{ID: 1, Title: "Solo", Source: "natomanga", Link: "https://site.test/manga/solo/"}}}}
	r := newTestRouter(svc)

	rec, body := doGet(t, r, "/manga/solo")
	require.Equal(t, http.StatusOK, rec.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "Solo", items[0].(map[string]any)["title"])
}

func TestSearchAndGenres(t *testing.T) {
	svc := &fakeService{
		live:   []models.Summary{{Title: "Reincarnated Isekai", Source: "kaynscan", Link: "https://k/series/r"}},
		genres: []string{"Action", "Isekai"},
	}
	r := newTestRouter(svc)

	rec, _ := doGet(t, r, "/manga/search")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doGet(t, r, "/manga/search?q=isekai")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["items"], 1)

	_, body = doGet(t, r, "/genres")
	assert.Equal(t, []any{"Action", "Isekai"}, body["items"])

	_, body = doGet(t, r, "/genres/Isekai?page=1")
	assert.Len(t, body["items"], 1)
	_, body = doGet(t, r, "/genres/Horror")
	assert.Equal(t, []any{}, body["items"])
}
