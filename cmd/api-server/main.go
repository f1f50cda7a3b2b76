package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"mangaverse/internal/app"
	"mangaverse/internal/imageproxy"
	"mangaverse/internal/logger"
	"mangaverse/internal/manga"
	"mangaverse/pkg/database"
	"mangaverse/pkg/utils"
)

func main() {
	cfg := utils.LoadConfig()
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	dbCfg := database.DefaultConfig()
	a, err := app.Build(cfg, dbCfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	proxy := imageproxy.New(a.Registry.Configs(), imageproxy.Config{
		MaxInFlight: int32(cfg.ProxyMaxInFlight),
		Timeout:     cfg.ProxyTimeout,
		UserAgent:   cfg.UserAgent,
		Logger:      log.Named("imageproxy"),
		Metrics:     a.Metrics,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(logger.Middleware(log.Named("http")), logger.Recovery(log))
	_ = router.SetTrustedProxies([]string{"127.0.0.1"})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := a.DB.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "db_error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          "ready",
			"sources":         len(a.Registry.All()),
			"proxy_in_flight": proxy.InFlight(),
		})
	})
	router.GET("/metrics", gin.WrapH(a.Metrics.Handler()))
	router.GET("/image", proxy.Handle)

	manga.NewHandler(a.Orchestrator, a.Registry, log.Named("api")).RegisterRoutes(router.Group(""))

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	refresh := func() {
		ctx, cancel := context.WithTimeout(rootCtx, 5*time.Minute)
		defer cancel()
		n, err := a.Orchestrator.RefreshPopularCache(ctx)
		if err != nil {
			log.Warn("scheduled refresh incomplete", zap.Int("upserted", n), zap.Error(err))
		}
	}
	sched := cron.New()
	if _, err := sched.AddFunc(cfg.RefreshSchedule, refresh); err != nil {
		log.Fatal("bad refresh schedule", zap.String("schedule", cfg.RefreshSchedule), zap.Error(err))
	}
	sched.Start()

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		refresh()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("HTTP API server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server error", zap.Error(err))
	}

	log.Info("shutting down")
	stop()
	<-sched.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown error", zap.Error(err))
	}

	wg.Wait()
	log.Info("server stopped")
}
