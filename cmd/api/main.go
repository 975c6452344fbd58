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
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"mychat/api/internal/app"
	"mychat/api/internal/authpw"
	"mychat/api/internal/config"
	"mychat/api/internal/email"
	"mychat/api/internal/export"
	"mychat/api/internal/oauth"
	"mychat/api/internal/realtime"
	"mychat/api/internal/search"
	"mychat/api/internal/session"
	"mychat/api/internal/storage"
	"mychat/api/internal/store"
)

func setupLogging(cfg config.Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	hub := realtime.NewHub()
	deps := app.Deps{
		Store:     dataStore,
		Publisher: hub,
		Export:    export.NewService(dataStore),
		Checks:    map[string]func(context.Context) error{},
	}

	// Redis backs refresh sessions and the cross-instance realtime bridge.
	var broker *realtime.RedisBroker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer client.Close()
		redisStore := session.NewRedisStoreWithClient(client)
		deps.Sessions = redisStore
		deps.Checks["redis"] = redisStore.Ping
		broker = realtime.NewRedisBroker(client, hub)
		log.Info().Msg("using redis for sessions and realtime fan-out")
	} else {
		log.Info().Msg("using postgres for sessions, realtime stays local to this instance")
	}

	if cfg.StorageEnabled() {
		objects, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			Region:          cfg.S3Region,
			UseSSL:          cfg.S3UseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("object storage setup failed")
		}
		deps.Files = storage.NewService(objects, storage.Config{
			Bucket:    cfg.S3Bucket,
			PublicURL: cfg.S3PublicURL,
			MaxBytes:  cfg.UploadMaxBytes,
		})
	} else {
		log.Warn().Msg("object storage not configured, uploads disabled")
	}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))
	deps.Search = searchService

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
		AppName:  "MyChat",
	})
	if !mailer.IsConfigured() {
		log.Warn().Msg("smtp not configured, magic links return a dev token")
	}
	deps.Credentials = authpw.NewService(dataStore, mailer, cfg.AppURL, cfg.MagicLinkTTL)

	if cfg.OAuthEnabled() {
		deps.OAuth = oauth.NewGoogle(oauth.Config{
			ClientID:       cfg.GoogleClientID,
			ClientSecret:   cfg.GoogleClientSecret,
			RedirectURL:    cfg.GoogleRedirectURL,
			AllowedDomains: cfg.OAuthAllowedDomains,
		})
	}

	service := app.New(cfg, deps)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).WithHub(hub)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Msg("mychat api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if broker != nil {
		g.Go(func() error {
			return broker.Run(gctx)
		})
	}
	g.Go(func() error {
		searchService.ReindexAllFromPG(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}
