// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const (
	DirectoryPostgres = "postgres"
	DirectorySQLite   = "sqlite"

	SessionPostgres = "postgres"
	SessionRedis    = "redis"
	SessionBolt     = "bolt"
	SessionMemory   = "memory"
)

type Config struct {
	Port   string `env:"PORT"    envDefault:"8080"`
	AppEnv string `env:"APP_ENV" envDefault:"development"`

	JWTSecret            string        `env:"JWT_SECRET"`
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL"       envDefault:"15m"`
	RefreshTokenTTL      time.Duration `env:"REFRESH_TOKEN_TTL"      envDefault:"168h"`
	BcryptCost           int           `env:"BCRYPT_COST"            envDefault:"10"`
	LoginMaxAttempts     int           `env:"LOGIN_MAX_ATTEMPTS"     envDefault:"5"`
	LoginLockDuration    time.Duration `env:"LOGIN_LOCK_DURATION"    envDefault:"2h"`
	RequireActiveSession bool          `env:"REQUIRE_ACTIVE_SESSION" envDefault:"false"`

	AdminUsername string `env:"ADMIN_USERNAME"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	DirectoryDriver   string        `env:"DIRECTORY_DRIVER"      envDefault:"postgres"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	SQLitePath        string        `env:"SQLITE_PATH"           envDefault:"auth.db"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"     envDefault:"10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"     envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME"  envDefault:"30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"10m"`
	RunMigrations     bool          `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`

	SessionStore    string `env:"SESSION_STORE"     envDefault:"postgres"`
	RedisAddr       string `env:"REDIS_ADDR"        envDefault:"localhost:6379"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB"          envDefault:"0"`
	RedisSessionKey string `env:"REDIS_SESSION_KEY" envDefault:"token"`
	BoltPath        string `env:"BOLT_PATH"         envDefault:"sessions.db"`

	SentryDSN string `env:"SENTRY_DSN"`

	LoginRateLimitMax    int           `env:"LOGIN_RATE_LIMIT_MAX"    envDefault:"10"`
	LoginRateLimitWindow time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW" envDefault:"1m"`

	CronSecret       string        `env:"CRON_SECRET"`
	SessionRetention time.Duration `env:"SESSION_RETENTION"  envDefault:"336h"`
	CleanupBatchSize int           `env:"CLEANUP_BATCH_SIZE" envDefault:"500"`
}

// Load optionally reads a .env file, then parses and validates the
// environment.
func Load(loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		// A missing .env file is normal outside local development.
		_ = godotenv.Load()
	}
	return Parse()
}

func Parse() (Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	cfg.DirectoryDriver = strings.ToLower(strings.TrimSpace(cfg.DirectoryDriver))
	cfg.SessionStore = strings.ToLower(strings.TrimSpace(cfg.SessionStore))
	cfg.CronSecret = strings.TrimSpace(cfg.CronSecret)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("missing required env: JWT_SECRET"))
	}

	switch c.DirectoryDriver {
	case DirectoryPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("missing required env: DATABASE_URL"))
		}
	case DirectorySQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("missing required env: SQLITE_PATH"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported DIRECTORY_DRIVER %q", c.DirectoryDriver))
	}

	switch c.SessionStore {
	case SessionPostgres:
		if c.DirectoryDriver != DirectoryPostgres {
			errs = append(errs, errors.New("SESSION_STORE=postgres requires DIRECTORY_DRIVER=postgres"))
		}
	case SessionRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("missing required env: REDIS_ADDR"))
		}
	case SessionBolt:
		if strings.TrimSpace(c.BoltPath) == "" {
			errs = append(errs, errors.New("missing required env: BOLT_PATH"))
		}
	case SessionMemory:
	default:
		errs = append(errs, fmt.Errorf("unsupported SESSION_STORE %q", c.SessionStore))
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if c.LoginMaxAttempts <= 0 {
		errs = append(errs, errors.New("LOGIN_MAX_ATTEMPTS must be positive"))
	}
	if c.LoginLockDuration <= 0 {
		errs = append(errs, errors.New("LOGIN_LOCK_DURATION must be positive"))
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_USERNAME and ADMIN_PASSWORD are required together"))
	}

	return errors.Join(errs...)
}

func (c Config) Addr() string {
	return ":" + c.Port
}
