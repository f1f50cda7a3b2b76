package manga

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mangaverse/internal/refcodec"
	"mangaverse/internal/sources"
	"mangaverse/pkg/models"
)

// Service is the acquisition core as seen by the API; the scraper
// Orchestrator implements it.
type Service interface {
	GetPopular(ctx context.Context, page, limit int) ([]models.MangaRecord, error)
	ListPopular(ctx context.Context, sourceFilter string, page int) ([]models.Summary, error)
	Search(ctx context.Context, query, sourceFilter string) ([]models.Summary, error)
	FetchDetail(ctx context.Context, source, link string) (*models.Detail, error)
	GetDetailBySlug(ctx context.Context, slug string) ([]models.MangaRecord, error)
	GetChapterImages(ctx context.Context, source, link string) (*models.ChapterData, error)
	ListGenres(ctx context.Context, sourceFilter string) ([]string, error)
	ListByGenre(ctx context.Context, sourceFilter, genre string, page int) ([]models.Summary, error)
}

// LinkResolver finds the source serving a raw link; *sources.Registry
// implements it.
type LinkResolver interface {
	ForLink(link string) (sources.Source, sources.Config, bool)
}

type Handler struct {
	Svc       Service
	Resolver  LinkResolver
	ImagePath string
	Log       *zap.Logger
}

func NewHandler(svc Service, resolver LinkResolver, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{Svc: svc, Resolver: resolver, ImagePath: "/image", Log: log}
}

// RegisterRoutes mounts the manga routes on rg. Upstream failures surface
// as 404 or an empty list, never as a 500.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	m := rg.Group("/manga")
	m.GET("/popular", h.popular)    // GET /manga/popular?page&limit
	m.GET("/live", h.live)          // GET /manga/live?source&page
	m.GET("/search", h.search)      // GET /manga/search?q&source
	m.GET("/detail", h.detail)      // GET /manga/detail?ref
	m.GET("/:slug", h.detailBySlug) // GET /manga/:slug

	rg.GET("/chapters", h.chapters) // GET /chapters?ref
	rg.GET("/genres", h.genres)
	rg.GET("/genres/:genre", h.byGenre)
}

func (h *Handler) popular(c *gin.Context) {
	page := parseInt(c.Query("page"), 1)
	limit := parseInt(c.Query("limit"), 20)
	items, err := h.Svc.GetPopular(c.Request.Context(), page, limit)
	if err != nil {
		h.Log.Error("get popular failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "limit": limit, "items": h.recordViews(items)})
}

func (h *Handler) live(c *gin.Context) {
	page := parseInt(c.Query("page"), 1)
	items, err := h.Svc.ListPopular(c.Request.Context(), c.Query("source"), page)
	if h.unknownSource(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"page": page, "items": h.summaryViews(items)})
}

func (h *Handler) search(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	items, err := h.Svc.Search(c.Request.Context(), q, c.Query("source"))
	if h.unknownSource(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "items": h.summaryViews(items)})
}

func (h *Handler) detail(c *gin.Context) {
	r, ok := h.reference(c)
	if !ok {
		return
	}
	d, err := h.Svc.FetchDetail(c.Request.Context(), r.Source, r.Link)
	if err != nil {
		h.Log.Warn("fetch detail failed", zap.String("source", r.Source), zap.Error(err))
	}
	if d == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, h.detailView(d))
}

func (h *Handler) detailBySlug(c *gin.Context) {
	slug := c.Param("slug")
	records, err := h.Svc.GetDetailBySlug(c.Request.Context(), slug)
	if err != nil {
		h.Log.Warn("detail by slug failed", zap.String("slug", slug), zap.Error(err))
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"slug": slug, "items": h.recordViews(records)})
}

func (h *Handler) chapters(c *gin.Context) {
	r, ok := h.reference(c)
	if !ok {
		return
	}
	data, err := h.Svc.GetChapterImages(c.Request.Context(), r.Source, r.Link)
	if err != nil {
		h.Log.Warn("chapter images failed", zap.String("source", r.Source), zap.Error(err))
	}
	if data.Empty() {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, h.chapterDataView(r.Source, data))
}

func (h *Handler) genres(c *gin.Context) {
	genres, err := h.Svc.ListGenres(c.Request.Context(), c.Query("source"))
	if h.unknownSource(c, err) {
		return
	}
	if genres == nil {
		genres = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"items": genres})
}

func (h *Handler) byGenre(c *gin.Context) {
	page := parseInt(c.Query("page"), 1)
	genre := c.Param("genre")
	items, err := h.Svc.ListByGenre(c.Request.Context(), c.Query("source"), genre, page)
	if h.unknownSource(c, err) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"genre": genre, "page": page, "items": h.summaryViews(items)})
}

// reference decodes the ref query parameter. Legacy raw URLs are matched to
// a source by host.
func (h *Handler) reference(c *gin.Context) (*models.Reference, bool) {
	r, err := refcodec.Decode(c.Query("ref"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ref"})
		return nil, false
	}
	if r.Source == "" && h.Resolver != nil {
		if src, _, ok := h.Resolver.ForLink(r.Link); ok {
			r.Source = src.ID()
		}
	}
	if r.Source == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
		return nil, false
	}
	return r, true
}

// unknownSource answers 404 for an unregistered source filter. Other errors
// are logged and the request continues with whatever data there is.
func (h *Handler) unknownSource(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sources.ErrNoSource) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown source"})
		return true
	}
	h.Log.Warn("request degraded", zap.String("path", c.FullPath()), zap.Error(err))
	return false
}

func parseInt(s string, def int) int {
	if strings.TrimSpace(s) == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}
