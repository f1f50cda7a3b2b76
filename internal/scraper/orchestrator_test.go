package scraper

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangaverse/internal/chaptercache"
	"mangaverse/internal/manga"
	"mangaverse/internal/metrics"
	"mangaverse/internal/sources"
	"mangaverse/pkg/database"
	"mangaverse/pkg/models"
)

// fakeSource serves canned data and counts calls per operation.
type fakeSource struct {
	id       string
	popular  []models.Summary
	details  map[string]*models.Detail
	chapters map[string]*models.ChapterData
	genres   map[string][]models.Summary
	err      error
	panics   bool

	mu    sync.Mutex
	calls map[string]int
}

func newFake(id string) *fakeSource {
	return &fakeSource{
		id:       id,
		details:  map[string]*models.Detail{},
		chapters: map[string]*models.ChapterData{},
		genres:   map[string][]models.Summary{},
		calls:    map[string]int{},
	}
}

func (f *fakeSource) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeSource) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) ListPopular(context.Context, int) ([]models.Summary, error) {
	f.count("list-popular")
	if f.panics {
		panic("selector exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.popular, nil
}

func (f *fakeSource) FetchDetail(_ context.Context, link string) (*models.Detail, error) {
	f.count("fetch-detail")
	if f.err != nil {
		return nil, f.err
	}
	return f.details[link], nil
}

func (f *fakeSource) FetchChapterImages(_ context.Context, link string) (*models.ChapterData, error) {
	f.count("fetch-chapter-images")
	if f.err != nil {
		return nil, f.err
	}
	d, ok := f.chapters[link]
	if !ok {
		return nil, nil
	}
	cp := *d
	cp.Images = append([]string(nil), d.Images...)
	return &cp, nil
}

func (f *fakeSource) Search(context.Context, string) ([]models.Summary, error) {
	f.count("search")
	return f.popular, f.err
}

func (f *fakeSource) GuessDetailLink(slug string) string {
	return "https://" + f.id + ".test/manga/" + slug + "/"
}

// genreSource adds the optional genre capability.
type genreSource struct{ *fakeSource }

func (g genreSource) ListGenres(context.Context) ([]string, error) {
	var out []string
	for k := range g.genres {
		out = append(out, k)
	}
	return out, nil
}

func (g genreSource) ListByGenre(_ context.Context, genre string, _ int) ([]models.Summary, error) {
	return g.genres[genre], nil
}

type testEnv struct {
	orch    *Orchestrator
	records *manga.Repo
	cache   *chaptercache.Repo
}

func newEnv(t *testing.T, cfg Config, srcs ...sources.Source) *testEnv {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "orch.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := sources.NewRegistry(nil, sources.Options{})
	require.NoError(t, err)
	for _, s := range srcs {
		reg.Add(s, sources.Config{BaseURL: "https://" + s.ID() + ".test"})
	}

	records := manga.NewRepo(db)
	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records.Now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	}
	cache := chaptercache.NewRepo(db)
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &testEnv{orch: New(reg, records, cache, cfg), records: records, cache: cache}
}

func TestGetChapterImagesScrapesOnce(t *testing.T) {
	src := newFake("natomanga")
	link := "https://natomanga.test/manga/solo/chapter-1/"
	src.chapters[link] = &models.ChapterData{
		Images: []string{"https://cdn.test/3.jpg", "https://cdn.test/1.jpg", "https://cdn.test/2.jpg"},
		Next:   "https://natomanga.test/manga/solo/chapter-2/",
	}
	env := newEnv(t, Config{}, src)
	ctx := context.Background()

	first, err := env.orch.GetChapterImages(ctx, "natomanga", link)
	require.NoError(t, err)
	second, err := env.orch.GetChapterImages(ctx, "natomanga", link)
	require.NoError(t, err)

	assert.Equal(t, 1, src.Calls("fetch-chapter-images"))
	assert.Equal(t, first.Images, second.Images)
	assert.Equal(t, first.Next, second.Next)
}

func TestGetChapterImagesAbsence(t *testing.T) {
	src := newFake("natomanga")
	env := newEnv(t, Config{}, src)
	ctx := context.Background()

	data, err := env.orch.GetChapterImages(ctx, "natomanga", "https://natomanga.test/none")
	require.NoError(t, err)
	assert.Nil(t, data)

	// absence is not cached
	_, _ = env.orch.GetChapterImages(ctx, "natomanga", "https://natomanga.test/none")
	assert.Equal(t, 2, src.Calls("fetch-chapter-images"))

	_, err = env.orch.GetChapterImages(ctx, "nope", "https://x")
	assert.ErrorIs(t, err, sources.ErrNoSource)
}

func TestRefreshPopularCache(t *testing.T) {
	a := newFake("a")
	a.popular = []models.Summary{
		{Title: "Solo", Source: "a", Link: "https://a.test/manga/solo/", Chapter: "Ch 2"},
		{Title: "solo!", Source: "a", Link: "https://a.test/manga/solo-dup/"},
		{Title: "Tower", Source: "a", Link: "https://a.test/manga/tower/"},
	}
	b := newFake("b")
	b.err = &sources.Error{Kind: sources.KindBlocked, Source: "b", Status: 403}
	c := newFake("c")
	c.panics = true
	env := newEnv(t, Config{}, a, b, c)
	ctx := context.Background()

	n, err := env.orch.RefreshPopularCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = env.orch.RefreshPopularCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := env.records.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	popular, err := env.orch.GetPopular(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, popular, 2)
}

func TestRefreshWithNothingKeepsCache(t *testing.T) {
	a := newFake("a")
	env := newEnv(t, Config{}, a)
	ctx := context.Background()

	require.NoError(t, env.records.UpsertTrending(ctx, models.Summary{Title: "Solo", Source: "a", Chapter: "Ch 9"}, 3))
	before, err := env.orch.GetPopular(ctx, 1, 10)
	require.NoError(t, err)

	a.err = &sources.Error{Kind: sources.KindTransport, Source: "a", Err: errors.New("connection refused")}
	n, err := env.orch.RefreshPopularCache(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	after, err := env.orch.GetPopular(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestGetDetailBySlugRepairsCorruptedChapters(t *testing.T) {
	src := newFake("a")
	link := "https://a.test/manga/solo/"
	src.details[link] = &models.Detail{
		Title:  "Solo",
		Source: "a",
		Link:   link,
		Genres: []string{"Action"},
		Chapters: []models.Chapter{
			{Title: "Chapter 2", Link: link + "chapter-2/", Released: "May 2, 2024"},
			{Title: "Chapter 1", Link: link + "chapter-1/", Released: "May 1, 2024"},
		},
	}
	env := newEnv(t, Config{}, src)
	ctx := context.Background()

	_, err := env.records.Save(ctx, &models.MangaRecord{
		Title:    "Solo",
		Source:   "a",
		Link:     link,
		Genres:   []string{"Action"},
		Chapters: []models.Chapter{{Title: "Chapter 2 May 2, 2024", Link: link + "chapter-2/"}},
	})
	require.NoError(t, err)

	got, err := env.orch.GetDetailBySlug(ctx, "solo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Chapter 2", got[0].Chapters[0].Title)
	assert.Equal(t, "Chapter 2", got[0].Chapter)
	assert.Equal(t, "Chapter 1", got[0].PreviousChapter)

	stored, err := env.records.GetByTitleSource(ctx, "Solo", "a")
	require.NoError(t, err)
	assert.Len(t, stored.Chapters, 2)

	_, err = env.orch.GetDetailBySlug(ctx, "solo")
	require.NoError(t, err)
	assert.Equal(t, 1, src.Calls("fetch-detail"))
}

func TestGetDetailBySlugBackfillsSharedTitle(t *testing.T) {
	a := newFake("a")
	b := newFake("b")
	dated := []models.Chapter{{Title: "Chapter 1", Link: "https://a.test/manga/tower/chapter-1/", Released: "2024-01-01"}}
	a.details["https://a.test/manga/tower/"] = &models.Detail{
		Title: "Tower", Source: "a", Genres: []string{"Fantasy"}, Synopsis: "Climb.", Chapters: dated,
	}
	env := newEnv(t, Config{}, a, b)
	ctx := context.Background()

	_, err := env.records.Save(ctx, &models.MangaRecord{Title: "Tower", Source: "b", Link: "https://b.test/series/tower", Chapters: dated})
	require.NoError(t, err)
	_, err = env.records.Save(ctx, &models.MangaRecord{Title: "Tower", Source: "a", Link: "https://a.test/manga/tower/", Chapters: dated})
	require.NoError(t, err)

	got, err := env.orch.GetDetailBySlug(ctx, "tower")
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, rec := range got {
		assert.Equal(t, []string{"Fantasy"}, rec.Genres, rec.Source)
		assert.Equal(t, "Climb.", rec.Synopsis, rec.Source)
	}

	stored, err := env.records.GetByTitleSource(ctx, "Tower", "b")
	require.NoError(t, err)
	assert.Equal(t, []string{"Fantasy"}, stored.Genres)
}

func TestGetDetailBySlugFirstTouch(t *testing.T) {
	src := newFake("natomanga")
	link := src.GuessDetailLink("omniscient-reader")
	src.details[link] = &models.Detail{
		Title:    "Omniscient Reader",
		Source:   "natomanga",
		Link:     link,
		Chapters: []models.Chapter{{Title: "Chapter 1", Link: link + "chapter-1/", Released: "2024-01-01"}},
	}
	env := newEnv(t, Config{DefaultSource: "natomanga"}, src)
	ctx := context.Background()

	got, err := env.orch.GetDetailBySlug(ctx, "omniscient-reader")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Omniscient Reader", got[0].Title)
	assert.NotZero(t, got[0].ID)

	none, err := env.orch.GetDetailBySlug(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFirstTouchDefaultsToFirstRegisteredSource(t *testing.T) {
	first, second := newFake("natomanga"), newFake("kaynscan")
	link := first.GuessDetailLink("omniscient-reader")
	first.details[link] = &models.Detail{Title: "Omniscient Reader", Link: link, Genres: []string{"Action"}}
	env := newEnv(t, Config{}, first, second)
	assert.Equal(t, "natomanga", env.orch.DefaultSource())

	got, err := env.orch.GetDetailBySlug(context.Background(), "omniscient-reader")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "natomanga", got[0].Source)
	assert.Equal(t, 1, first.Calls("fetch-detail"))
	assert.Zero(t, second.Calls("fetch-detail"))
}

func TestFetchDetailPersistsRecord(t *testing.T) {
	src := newFake("natomanga")
	link := "https://natomanga.test/manga/tower/"
	src.details[link] = &models.Detail{
		Title:    "Tower",
		Genres:   []string{"Fantasy"},
		Chapters: []models.Chapter{{Title: "Chapter 3", Link: link + "chapter-3/", Released: "2024-02-01"}},
	}
	env := newEnv(t, Config{}, src)
	ctx := context.Background()

	d, err := env.orch.FetchDetail(ctx, "natomanga", link)
	require.NoError(t, err)
	require.NotNil(t, d)

	rec, err := env.records.GetByTitleSource(ctx, "Tower", "natomanga")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, link, rec.Link)
	assert.Equal(t, "Chapter 3", rec.Chapter)
	assert.Equal(t, []string{"Fantasy"}, rec.Genres)

	missing, err := env.orch.FetchDetail(ctx, "natomanga", "https://natomanga.test/manga/none/")
	require.NoError(t, err)
	assert.Nil(t, missing)
	all, err := env.records.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpdateAllCounts(t *testing.T) {
	a := newFake("a")
	a.details["https://a.test/manga/ok/"] = &models.Detail{
		Title: "Ok", Source: "a", Status: "Completed",
		Chapters: []models.Chapter{{Title: "Chapter 9", Link: "https://a.test/manga/ok/chapter-9/"}},
	}
	env := newEnv(t, Config{UpdateDelay: time.Millisecond}, a)
	ctx := context.Background()

	for _, rec := range []*models.MangaRecord{
		{Title: "Ok", Source: "a", Link: "https://a.test/manga/ok/"},
		{Title: "Gone", Source: "a", Link: "https://a.test/manga/gone/"},
		{Title: "Orphan", Source: "retired", Link: "https://retired.test/x"},
	} {
		_, err := env.records.Save(ctx, rec)
		require.NoError(t, err)
	}

	st, err := env.orch.UpdateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1, Failed: 2}, st)

	ok, err := env.records.GetByTitleSource(ctx, "Ok", "a")
	require.NoError(t, err)
	assert.Equal(t, "Completed", ok.Status)
	assert.Equal(t, "Chapter 9", ok.Chapter)
}

func TestUpdateAllStopsOnCancel(t *testing.T) {
	a := newFake("a")
	env := newEnv(t, Config{UpdateDelay: time.Hour}, a)
	ctx, cancel := context.WithCancel(context.Background())

	for _, title := range []string{"One", "Two"} {
		_, err := env.records.Save(ctx, &models.MangaRecord{Title: title, Source: "a", Link: "https://a.test/" + title})
		require.NoError(t, err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	st, err := env.orch.UpdateAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, st.Failed)
}

func TestGenresOnlyFromListers(t *testing.T) {
	plain := newFake("plain")
	g := genreSource{newFake("genre")}
	g.genres["Isekai"] = []models.Summary{{Title: "Reborn", Source: "genre"}}
	env := newEnv(t, Config{}, plain, g)
	ctx := context.Background()

	genres, err := env.orch.ListGenres(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"Isekai"}, genres)

	list, err := env.orch.ListByGenre(ctx, "", "Isekai", 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Reborn", list[0].Title)

	list, err = env.orch.ListByGenre(ctx, "plain", "Isekai", 1)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = env.orch.ListByGenre(ctx, "nope", "Isekai", 1)
	assert.ErrorIs(t, err, sources.ErrNoSource)
}

func TestSearchFansOutAndSurvivesFailures(t *testing.T) {
	a := newFake("a")
	a.popular = []models.Summary{{Title: "Solo", Source: "a"}, {Title: "SOLO", Source: "a"}}
	b := newFake("b")
	b.err = &sources.Error{Kind: sources.KindStructural, Source: "b"}
	env := newEnv(t, Config{}, a, b)

	got, err := env.orch.Search(context.Background(), "solo", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Solo", got[0].Title)
}

func TestLooksCorrupted(t *testing.T) {
	tests := []struct {
		name     string
		chapters []models.Chapter
		want     bool
	}{
		{"clean", []models.Chapter{{Title: "Chapter 3", Released: "2024-01-01"}}, false},
		{"missing date", []models.Chapter{{Title: "Chapter 3", Released: "2024-01-01"}, {Title: "Chapter 2"}}, true},
		{"date in title", []models.Chapter{{Title: "Chapter 3 January 5, 2024", Released: "x"}}, true},
		{"abbreviated month", []models.Chapter{{Title: "Sep. 21st 2023", Released: "x"}}, true},
		{"number only", []models.Chapter{{Title: "Chapter 2024", Released: "x"}}, false},
		{"empty list", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, looksCorrupted(tt.chapters))
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "solo leveling", normalizeKey("  Solo -- Leveling!! "))
	assert.Equal(t, []string{"Action", "Drama"}, mergeStringSlices([]string{"Action"}, []string{"action", "Drama"}))
}
