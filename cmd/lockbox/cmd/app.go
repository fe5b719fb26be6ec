package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/lockbox/account"
	"github.com/jmcleod/lockbox/api"
	"github.com/jmcleod/lockbox/audit"
	"github.com/jmcleod/lockbox/auth"
	"github.com/jmcleod/lockbox/ceremony"
	"github.com/jmcleod/lockbox/config"
	"github.com/jmcleod/lockbox/guard"
	"github.com/jmcleod/lockbox/password"
	"github.com/jmcleod/lockbox/storage"
	bboltstorage "github.com/jmcleod/lockbox/storage/bbolt"
	"github.com/jmcleod/lockbox/storage/memory"
	"github.com/jmcleod/lockbox/storage/postgres"
	"github.com/jmcleod/lockbox/token"
)

// app is the fully wired service.
type app struct {
	store   *account.RepositoryStore
	api     *api.API
	handler http.Handler
	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// openRepository opens the configured storage backend.
func openRepository(ctx context.Context, cfg config.Storage) (storage.Repository, func() error, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewRepository(), func() error { return nil }, nil
	case config.BackendPostgres:
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() error { repo.Close(); return nil }, nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, "lockbox.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open credential storage: %w", err)
		}
		return repo, repo.Close, nil
	}
}

// openStore opens the credential store alone, for the admin commands.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*account.RepositoryStore, func() error, error) {
	repo, closeRepo, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return nil, nil, err
	}
	key, err := cfg.StorageKey()
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	store, err := account.NewRepositoryStore(repo, key, account.WithLogger(logger))
	if err != nil {
		closeRepo()
		return nil, nil, err
	}
	return store, closeRepo, nil
}

// newAuditSink fans records out to the log, the spike detector and the
// optional webhook and Redis stream.
func newAuditSink(cfg config.Audit, logger *slog.Logger) (audit.Sink, []func() error) {
	spikes := audit.NewSpikeDetector(audit.DefaultSpikeWindow, audit.DefaultSpikeThreshold, func(a audit.Alert) {
		logger.Warn("security alert",
			slog.String("type", string(a.Type)),
			slog.String("message", a.Message),
			slog.String("actor", a.Actor),
			slog.Int("count", a.Count))
	})
	sinks := audit.MultiSink{audit.NewLogSink(logger), spikes}
	var closers []func() error

	if cfg.WebhookURL != "" {
		wh := audit.NewWebhookSink(cfg.WebhookURL, cfg.WebhookHeader, logger)
		sinks = append(sinks, wh)
		closers = append(closers, func() error { wh.Close(); return nil })
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sinks = append(sinks, audit.NewRedisSink(client, cfg.RedisStream, cfg.RedisMaxLen))
		closers = append(closers, client.Close)
	}
	return sinks, closers
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, closeRepo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeRepo)

	sink, sinkClosers := newAuditSink(cfg.Audit, logger)
	a.closers = append(a.closers, sinkClosers...)
	recorder := audit.NewRecorder(sink, logger)

	hasher, err := password.NewHasher(cfg.PasswordParams())
	if err != nil {
		return nil, err
	}
	secret, err := cfg.TokenSecret()
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec(secret, cfg.TokenConfig(), token.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	w, err := ceremony.NewWebAuthn(cfg.RP)
	if err != nil {
		return nil, err
	}
	proxies, err := cfg.ProxyPrefixes()
	if err != nil {
		return nil, err
	}

	cer := ceremony.New(store, w, codec, recorder, cfg.CeremonyConfig(), ceremony.WithLogger(logger))
	svc := auth.NewService(store, password.NewAuthenticator(store, hasher, recorder, logger), cer, codec, recorder, auth.WithLogger(logger))
	g := guard.New(store, codec, guard.WithCache(cfg.NewTokenCache()), guard.WithLogger(logger))

	a.api = api.New(svc, g,
		api.WithLogger(logger),
		api.WithTrustedProxies(proxies),
		api.WithAccountLimit(api.LimitPolicy{
			MaxFailures: cfg.Limits.MaxFailures,
			BaseLockout: cfg.Limits.BaseLockout,
			MaxLockout:  cfg.Limits.MaxLockout,
			Expiry:      time.Hour,
		}),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Mount("/api/v1", a.api.Router())
	a.handler = r
	return a, nil
}
