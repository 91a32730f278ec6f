package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reflectai/api/internal/app"
	"reflectai/api/internal/config"
	"reflectai/api/internal/email"
	"reflectai/api/internal/export"
	"reflectai/api/internal/logger"
	"reflectai/api/internal/realtime"
	"reflectai/api/internal/redisconn"
	"reflectai/api/internal/revision"
	"reflectai/api/internal/search"
	"reflectai/api/internal/store"
	"reflectai/api/internal/streak"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database.URL, store.PoolOptions{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.MigrateUp(db); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	dataStore := store.NewPostgresStore(db)

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		redisClient, err = redisconn.Open(ctx, cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisClient.Close()
		log.Info("redis enabled for realtime relay and job lock")
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.Search.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)
	go searchService.ReindexAllFromPG(ctx, pgfts)

	if err := os.MkdirAll(cfg.Revisions.Dir, 0o755); err != nil {
		return fmt.Errorf("create revisions dir: %w", err)
	}
	revisions := revision.New(cfg.Revisions.Dir)

	var uploader *export.Uploader
	if strings.TrimSpace(cfg.Export.Endpoint) != "" {
		uploader, err = export.NewUploader(cfg.Export)
		if err != nil {
			return fmt.Errorf("object storage client: %w", err)
		}
		if err := uploader.EnsureBucket(ctx); err != nil {
			log.Warn("export bucket unavailable, exports will be served inline", zap.Error(err))
			uploader = nil
		}
	}
	exporter := export.NewService(uploader, log)

	mailer := email.NewService(cfg.SMTP)
	if !mailer.IsConfigured() {
		log.Info("smtp not configured, welcome emails disabled")
	}

	streaks := streak.NewService(dataStore, cfg.Streak, streak.RealClock{}, log)
	var locker streak.Locker
	if redisClient != nil {
		locker = streak.NewRedisLocker(redisClient)
	}
	job := streak.NewJob(streaks, cfg.Streak, locker, log)
	if err := job.Start(); err != nil {
		return fmt.Errorf("schedule streak job: %w", err)
	}

	service := app.New(cfg, dataStore, app.Dependencies{
		Streaks:   streaks,
		Search:    searchService,
		Revisions: revisions,
		Exporter:  exporter,
		Mailer:    mailer,
	}, log)

	var relay realtime.Relay = realtime.NewLocalRelay()
	if redisClient != nil {
		relay = realtime.NewRedisRelay(redisClient, cfg.Redis.Channel, log)
	}
	defer relay.Close()
	hub := realtime.NewHub(service, relay, log)
	hubErr := make(chan error, 1)
	go func() { hubErr <- hub.Run(ctx) }()

	wsHandler := realtime.NewHandler(hub, service, cfg.Realtime.MaxMessageSize, log)
	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.NewHTTPServer(service, cfg.Server.CORSOrigin, wsHandler, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("reflect api listening", zap.String("addr", cfg.Server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("server failed: %w", err)
	case err := <-hubErr:
		if err != nil {
			runErr = fmt.Errorf("realtime hub failed: %w", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	job.Stop(shutdownCtx)
	return runErr
}
