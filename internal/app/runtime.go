package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"contenthistory/internal/cache"
	"contenthistory/internal/config"
	"contenthistory/internal/content"
	"contenthistory/internal/history"
	"contenthistory/internal/policy"
	"contenthistory/internal/store"
	"github.com/rs/zerolog"
)

// Runtime is the history core shared by the API server and the CLI.
type Runtime struct {
	DB      *sql.DB
	Dialect store.Dialect
	Store   *store.SQLStore
	Policy  *policy.Registry
	Engine  *history.Engine
	Content *content.Service
	// Cache is nil when REDIS_URL is not set.
	Cache *cache.RedisCache
}

// OpenRuntime connects the database, loads the observation policy and
// builds the engine. Migrations are applied when migrate is true.
func OpenRuntime(ctx context.Context, cfg config.Config, log zerolog.Logger, migrate bool) (*Runtime, error) {
	db, dialect, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	rt := &Runtime{DB: db, Dialect: dialect, Store: store.NewSQLStore(db, dialect)}

	if migrate {
		if err := store.ApplyMigrations(ctx, db, store.MigrationsDir(cfg.MigrationsDir, dialect)); err != nil {
			rt.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
	}

	rt.Policy = policy.Default()
	if strings.TrimSpace(cfg.PolicyFile) != "" {
		loaded, err := policy.Load(cfg.PolicyFile)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("load policy: %w", err)
		}
		rt.Policy = loaded
	}

	opts := history.Options{Location: cfg.Location(), Logger: &log}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			log.Warn().Err(err).Msg("version cache disabled")
		} else {
			rt.Cache = rc
			opts.Cache = rc
		}
	}

	rt.Engine = history.New(history.NewSQLStore(rt.Store), rt.Policy, opts)
	rt.Content = content.NewService(rt.Engine)
	return rt, nil
}

func (rt *Runtime) Close() {
	if rt.Cache != nil {
		_ = rt.Cache.Close()
	}
	_ = rt.DB.Close()
}
