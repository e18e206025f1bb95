package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"auth-service/internal/auth"
	"auth-service/internal/config"
	"auth-service/internal/db"
	"auth-service/internal/directory"
	"auth-service/internal/observability"
	"auth-service/internal/session"
)

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// Core holds the stores and the authenticator built from a Config, without
// any HTTP surface. The operator CLI uses it directly.
type Core struct {
	Service  *auth.Service
	Users    directory.Directory
	Sessions session.Store

	checks  []healthCheck
	closers []func() error
}

func NewCore(ctx context.Context, cfg config.Config, logger *observability.Logger) (*Core, error) {
	core := &Core{}

	var database *sql.DB
	switch cfg.DirectoryDriver {
	case config.DirectoryPostgres:
		var err error
		database, err = db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		core.closers = append(core.closers, database.Close)
		core.checks = append(core.checks, healthCheck{name: "postgres", check: database.PingContext})

		if cfg.RunMigrations {
			if err := db.RunMigrations(ctx, database); err != nil {
				_ = core.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		core.Users = directory.NewPostgres(database)

	case config.DirectorySQLite:
		store, err := directory.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		core.closers = append(core.closers, store.Close)
		core.checks = append(core.checks, healthCheck{name: "sqlite", check: store.DB().PingContext})
		core.Users = store

	default:
		return nil, fmt.Errorf("unsupported directory driver %q", cfg.DirectoryDriver)
	}

	switch cfg.SessionStore {
	case config.SessionPostgres:
		if database == nil {
			_ = core.Close()
			return nil, errors.New("postgres session store requires the postgres directory")
		}
		core.Sessions = session.NewPostgres(database)

	case config.SessionRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			_ = core.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		core.closers = append(core.closers, client.Close)
		core.checks = append(core.checks, healthCheck{name: "redis", check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
		core.Sessions = session.NewRedis(client, cfg.RedisSessionKey)

	case config.SessionBolt:
		store, err := session.OpenBolt(cfg.BoltPath)
		if err != nil {
			_ = core.Close()
			return nil, err
		}
		core.closers = append(core.closers, store.Close)
		core.Sessions = store

	case config.SessionMemory:
		logger.Warn("session_store_in_memory", map[string]any{"note": "session records are lost on restart"})
		core.Sessions = session.NewMemory()

	default:
		_ = core.Close()
		return nil, fmt.Errorf("unsupported session store %q", cfg.SessionStore)
	}

	core.Service = auth.NewService(core.Users, core.Sessions, cfg.JWTSecret).
		WithLogger(logger).
		WithSecurityConfig(auth.SecurityConfig{
			MaxAttempts:          cfg.LoginMaxAttempts,
			LockDuration:         cfg.LoginLockDuration,
			AccessTTL:            cfg.AccessTokenTTL,
			RefreshTTL:           cfg.RefreshTokenTTL,
			BcryptCost:           cfg.BcryptCost,
			RequireActiveSession: cfg.RequireActiveSession,
		})

	return core, nil
}

// Health runs every backend check and returns the first failure.
func (c *Core) Health(ctx context.Context) error {
	for _, hc := range c.checks {
		if err := hc.check(ctx); err != nil {
			return fmt.Errorf("%s: %w", hc.name, err)
		}
	}
	return nil
}

// Close releases backends in reverse order of opening.
func (c *Core) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
