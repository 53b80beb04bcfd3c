package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"coedit/api/internal/app"
	"coedit/api/internal/archive"
	"coedit/api/internal/config"
	"coedit/api/internal/docstore"
	"coedit/api/internal/gateway"
	"coedit/api/internal/logging"
	"coedit/api/internal/metrics"
	"coedit/api/internal/session"
	"coedit/api/internal/store"

	"github.com/go-logr/logr"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, flush, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer flush()

	if err := run(cfg, logger); err != nil {
		logger.Error(err, "co-edit api stopped")
		flush()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger logr.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}

	durable := docstore.New(redisClient, docstore.WithPrefix(cfg.RedisKeyPrefix))
	browser := session.NewRedisStoreWithClient(redisClient, cfg.BrowserSessionTTL)

	client := gateway.New(ctx, gateway.Config{
		Domain:       cfg.CircuitDomain,
		BaseURL:      cfg.CircuitBaseURL,
		ClientID:     cfg.BotClientID,
		ClientSecret: cfg.BotClientSecret,
		Scopes:       []string{"ALL"},
	}, logger)
	if err := client.Logon(ctx); err != nil {
		return err
	}
	login := &oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Endpoint:     client.Endpoint(),
		RedirectURL:  cfg.PublicURL + "/oauthCallback",
		Scopes:       strings.Fields(cfg.OAuthScope),
	}

	m := metrics.New()
	opts := []app.Option{app.WithMetrics(m)}

	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		opts = append(opts, app.WithHistory(store.NewPostgresStore(db)))
		logger.Info("session history enabled", "migrationsApplied", applied)
	}

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		docs, err := archive.New(archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			Bucket:    cfg.ArchiveBucket,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Region:    cfg.ArchiveRegion,
			Insecure:  cfg.ArchiveInsecure,
		})
		if err != nil {
			return err
		}
		if err := docs.EnsureBucket(ctx); err != nil {
			return err
		}
		opts = append(opts, app.WithArchive(docs))
		logger.Info("document archive enabled", "bucket", cfg.ArchiveBucket)
	}

	service := app.New(cfg, durable, docstore.NewHeadless(durable), client, logger, opts...)
	defer service.Shutdown()

	restored, err := service.Recover(ctx)
	if err != nil {
		return err
	}
	logger.Info("sessions recovered", "count", restored)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		service.Run(ctx, client.Events(ctx))
	}()
	if cfg.OrphanSweepAfter > 0 {
		go sweepOrphans(ctx, service, cfg.OrphanSweepAfter, logger)
	}

	httpServer := app.NewHTTPServer(service, browser, login, client, cfg, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.OperationTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("co-edit api listening", "addr", cfg.Addr, "publicUrl", cfg.PublicURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "shutdown")
	}
	<-runDone
	return nil
}

// sweepOrphans periodically marks records left behind by starts that
// crashed before the document existed.
func sweepOrphans(ctx context.Context, service *app.Service, olderThan time.Duration, logger logr.Logger) {
	ticker := time.NewTicker(olderThan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := service.SweepOrphans(ctx, olderThan); err != nil {
				logger.Error(err, "orphan sweep")
			}
		}
	}
}
