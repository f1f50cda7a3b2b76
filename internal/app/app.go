// Package app wires the storage, sources and orchestrator shared by the
// api-server and scraper binaries.
package app

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mangaverse/internal/chaptercache"
	"mangaverse/internal/manga"
	"mangaverse/internal/metrics"
	"mangaverse/internal/scraper"
	"mangaverse/internal/sources"
	"mangaverse/pkg/database"
	"mangaverse/pkg/utils"
)

type App struct {
	DB           *sql.DB
	Registry     *sources.Registry
	Records      *manga.Repo
	Chapters     *chaptercache.Repo
	Orchestrator *scraper.Orchestrator
	Metrics      *metrics.Metrics
}

// Build opens the database at dbCfg, loads the source registry and assembles
// the orchestrator. Callers own Close.
func Build(cfg utils.Config, dbCfg database.Config, log *zap.Logger) (*App, error) {
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	reg, err := sources.LoadRegistry(cfg.SourcesFile, sources.Options{
		Timeout:     cfg.FetchTimeout,
		UserAgent:   cfg.UserAgent,
		SnapshotDir: cfg.SnapshotDir,
		Logger:      log,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load sources: %w", err)
	}

	m := metrics.New(prometheus.NewRegistry())
	records := manga.NewRepo(db)
	chapters := chaptercache.NewRepo(db)
	orch := scraper.New(reg, records, chapters, scraper.Config{
		DefaultSource: cfg.DefaultSource,
		UpdateDelay:   cfg.UpdateDelay,
		Logger:        log,
		Metrics:       m,
	})

	return &App{
		DB:           db,
		Registry:     reg,
		Records:      records,
		Chapters:     chapters,
		Orchestrator: orch,
		Metrics:      m,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
