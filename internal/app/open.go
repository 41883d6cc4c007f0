package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth/gotrue"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth/localauth"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/blob"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/config"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/db"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/imagequeue"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/kv"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/realtime"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/remote"
)

// Open builds an App from cfg. The local database always backs local auth
// and, unless Redis is configured, the key-value store. The hosted backend
// and object storage are used only when fully configured; anything missing
// degrades to local-only without an error.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	var closers []func() error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return nil, err
	}

	database, err := db.Open(cfg.Local.DBPath)
	if err != nil {
		return nil, err
	}
	closers = append(closers, database.Close)
	if err := db.Migrate(database); err != nil {
		return fail(err)
	}
	log.Info("database ready", "path", cfg.Local.DBPath)

	var storage kv.Storage = kv.NewSQLite(database)
	if cfg.RedisConfigured() {
		r, err := kv.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, "")
		if err != nil {
			return fail(err)
		}
		closers = append(closers, r.Close)
		storage = r
		log.Info("using redis key-value store", "addr", cfg.Redis.Addr)
	}

	deps := Deps{
		KV:              storage,
		Files:           imagequeue.OSFiles{},
		Bucket:          cfg.Storage.Bucket,
		QueueMaxRetries: cfg.Queue.MaxRetries,
		QueueRetention:  cfg.Queue.Retention,
		Logger:          log,
	}

	var accounts *localauth.Provider
	if cfg.BackendConfigured() {
		pool, err := remote.Connect(ctx, cfg.Database.DSN)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() error { pool.Close(); return nil })
		pg := remote.New(pool)

		provider, err := gotrue.New(gotrue.Config{URL: cfg.Backend.URL, APIKey: cfg.Backend.AnonKey, Logger: log}, storage)
		if err != nil {
			return fail(err)
		}
		deps.Provider, deps.Profiles, deps.Remote = provider, pg, pg

		if cfg.Backend.Realtime {
			deps.Feed = realtime.New(realtime.Config{
				URL:    cfg.Backend.URL,
				APIKey: cfg.Backend.AnonKey,
				Token:  accessToken(provider),
				Logger: log,
			})
		}
		log.Info("hosted backend configured", "url", cfg.Backend.URL, "realtime", cfg.Backend.Realtime)
	} else {
		secret := cfg.Backend.JWTSecret
		if secret == "" {
			if secret, err = localauth.LoadOrCreateSecret(ctx, storage); err != nil {
				return fail(err)
			}
		}
		provider, err := localauth.New(database, storage, secret, log)
		if err != nil {
			return fail(err)
		}
		deps.Provider, deps.Profiles = provider, provider
		accounts = provider
		log.Info("hosted backend not configured, running local-only")
	}

	if cfg.StorageConfigured() {
		s3, err := blob.NewS3(ctx, blob.Config{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			PublicURL: cfg.Storage.PublicURL,
			PathStyle: cfg.Storage.PathStyle,
		})
		if err != nil {
			return fail(err)
		}
		deps.Uploader = s3
	}

	a, err := New(deps)
	if err != nil {
		return fail(fmt.Errorf("creating app: %w", err))
	}
	a.closers = closers
	a.accounts = accounts
	return a, nil
}

// accessToken feeds the current session's token to the realtime join.
func accessToken(p auth.Provider) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		s, err := p.GetSession(ctx)
		if err != nil {
			return "", err
		}
		if s == nil {
			return "", nil
		}
		return s.AccessToken, nil
	}
}
