package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"auth-service/internal/auth"
	"auth-service/internal/config"
	"auth-service/internal/maintenance"
	"auth-service/internal/observability"
)

type Options struct {
	LoadDotEnv bool
	// Config skips environment loading when set.
	Config *config.Config
}

type Runtime struct {
	Handler http.Handler
	Config  config.Config
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	var cfg config.Config
	if options.Config != nil {
		cfg = *options.Config
	} else {
		loaded, err := config.Load(options.LoadDotEnv)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	logger := observability.NewLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	core, err := NewCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := core.Service.Bootstrap(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = core.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	return &Runtime{
		Handler: Routes(core, cfg, logger),
		Config:  cfg,
		Close: func() error {
			observability.FlushSentry()
			return core.Close()
		},
	}, nil
}

// Routes mounts the auth endpoints, maintenance and health on one mux.
func Routes(core *Core, cfg config.Config, logger *observability.Logger) http.Handler {
	authHandler := auth.NewHandler(core.Service)
	cleanupHandler := maintenance.NewCleanupHandler(
		core.Sessions,
		logger,
		cfg.CronSecret,
		cfg.SessionRetention,
		cfg.CleanupBatchSize,
	)

	loginThrottle := auth.NewIPThrottle(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	signupThrottle := auth.NewIPThrottle(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	passwordThrottle := auth.NewIPThrottle(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow)
	requireAccess := func(h http.HandlerFunc) http.Handler {
		return auth.Middleware(core.Service, h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/signup", signupThrottle.Middleware(http.HandlerFunc(authHandler.Signup)))
	mux.Handle("POST /auth/login", loginThrottle.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/refresh", authHandler.Refresh)
	mux.Handle("POST /auth/logout", requireAccess(authHandler.Logout))
	mux.Handle("POST /auth/password", passwordThrottle.Middleware(requireAccess(authHandler.ChangePassword)))
	mux.Handle("GET /auth/me", requireAccess(authHandler.Me))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(core))

	return observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))
}

func healthHandler(core *Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := core.Health(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
