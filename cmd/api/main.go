package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lexicontract/api/internal/app"
	"lexicontract/api/internal/clausegen"
	"lexicontract/api/internal/config"
	"lexicontract/api/internal/export"
	"lexicontract/api/internal/gitrepo"
	"lexicontract/api/internal/logging"
	"lexicontract/api/internal/roomhub"
	"lexicontract/api/internal/roomstate"
	"lexicontract/api/internal/search"
	"lexicontract/api/internal/session"
	"lexicontract/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("load config")
	}
	logger, closeLog, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("init logging")
	}
	defer closeLog()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{
		MaxOpen: cfg.DBMaxConns,
		MaxIdle: cfg.DBMaxIdleConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir), logging.Component(logger, "migrate"))
	if err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}
	logger.Info().Int("applied", applied).Msg("schema up to date")

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("failed to create repos dir")
	}

	dataStore := store.NewPostgresStore(db)
	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.Component(logger, "meili"))
		defer meiliClient.Close()
	}

	deps := app.Deps{
		Store:  dataStore,
		Git:    gitrepo.New(cfg.ReposDir),
		Search: search.NewService(meiliClient, pgfts, logging.Component(logger, "search")),
		Loader: pgfts,
		Hub:    roomhub.New(logging.Component(logger, "rooms")),
		Log:    logging.Component(logger, "app"),
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		deps.Refresh = redisStore

		rooms, err := roomstate.NewStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis room state failed")
		}
		defer rooms.Close()
		deps.Roster = rooms
		logger.Info().Msg("using redis for refresh tokens and room rosters")
	} else {
		logger.Info().Msg("using postgres for refresh tokens; room rosters disabled")
	}

	paper, err := export.ParsePaper(cfg.ExportPaper)
	if err != nil {
		logger.Fatal().Err(err).Msg("export paper")
	}
	var archive export.Archiver
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := export.NewObjectStore(ctx, export.StorageConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioSecure,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("export archive disabled")
		} else {
			archive = objects
		}
	}
	deps.Export = export.NewService(archive, logging.Component(logger, "export")).WithPaper(paper)

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		client, err := clausegen.New(clausegen.Options{
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			APIKey:  cfg.OpenAIAPIKey,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("clause generator")
		}
		deps.Clauses = client
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set; clause generation returns placeholders")
		deps.Clauses = clausegen.Offline{}
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("bootstrap error (will retry on next restart)")
	}
	if meiliClient != nil {
		go deps.Search.ReindexAllFromPG(ctx, pgfts)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logging.Component(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("LexiContract API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
