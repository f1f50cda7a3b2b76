package logger

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newRouter(log *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(log), Recovery(log))
	r.GET("/manga/popular", func(c *gin.Context) { c.JSON(http.StatusOK, []string{}) })
	r.GET("/image", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(*gin.Context) { panic("selector exploded") })
	return r
}

func serve(r http.Handler, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestMiddlewareLogsStructuredRequest(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r := newRouter(zap.New(core))

	serve(r, "/manga/popular?page=2")
	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/manga/popular", fields["path"])
	assert.Equal(t, "page=2", fields["query"])
	assert.EqualValues(t, http.StatusOK, fields["status"])

	serve(r, "/image?ref=abc")
	last := logs.All()[logs.Len()-1]
	assert.Equal(t, zapcore.DebugLevel, last.Level)
}

func TestRecoveryAnswersNotFound(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := newRouter(zap.New(core))

	rec := serve(r, "/boom")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 1, logs.FilterMessage("handler panic").Len())
}
