// Package main is the entry point for the Inkwell auth server. It loads
// configuration, establishes database connections, loads the signing key,
// wires the auth service, and starts the HTTP server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkwellcms/inkwell/internal/app"
	"github.com/inkwellcms/inkwell/internal/auth"
	"github.com/inkwellcms/inkwell/internal/capability"
	"github.com/inkwellcms/inkwell/internal/config"
	"github.com/inkwellcms/inkwell/internal/database"
	"github.com/inkwellcms/inkwell/internal/keys"
	"github.com/inkwellcms/inkwell/internal/obs"
	"github.com/inkwellcms/inkwell/internal/password"
	"github.com/inkwellcms/inkwell/internal/session"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Configure structured logging based on environment.
	setupLogging(cfg)

	slog.Info("starting Inkwell",
		slog.String("env", cfg.Env),
		slog.Int("port", cfg.Port),
	)

	// --- Load Signing Key ---
	// Env var wins over the key file; in development a missing key is
	// generated and persisted, in production it is a hard error.
	keyManager, err := keys.Load(keys.Config{
		EnvVar:     cfg.Auth.SigningKeyEnvVar,
		FilePath:   cfg.Auth.SigningKeyFile,
		Production: cfg.IsProduction(),
	})
	if err != nil {
		slog.Error("failed to load signing key", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("signing key loaded", slog.String("fingerprint", keyManager.Fingerprint()))

	// --- Connect to MariaDB ---
	db, err := database.NewMariaDB(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to MariaDB", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to MariaDB")

	// --- Run Migrations ---
	if err := database.RunMigrations(db, "db/migrations"); err != nil {
		slog.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	// --- Connect to Redis ---
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to Redis")

	// --- Metrics ---
	obs.Init()

	// --- Wire the Auth Service ---
	tokens := capability.NewService(keyManager, capability.Config{
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	sessions := session.NewRedisStore(rdb)
	authService := auth.NewAuthService(
		auth.NewUserRepository(db),
		password.NewService(),
		tokens,
		sessions,
		auth.Config{
			RefreshTTL:           cfg.Auth.RefreshTTL,
			RememberMeRefreshTTL: cfg.Auth.RememberMeRefreshTTL,
		},
	)

	// --- Create Application ---
	application := app.New(cfg, db, rdb, authService)
	application.RegisterRoutes()

	// --- Session Sweeper ---
	// Redis expires session keys on its own; the sweeper catches records
	// whose embedded expiry passed early (shortened sessions) and keeps
	// the metric honest.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepSessions(sweepCtx, sessions, cfg.Auth.SweepInterval)

	// --- Graceful Shutdown ---
	// Listen for interrupt/term signals to drain connections cleanly.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down server...")
		stopSweep()

		// Give in-flight requests 10 seconds to complete.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := application.Echo.Shutdown(ctx); err != nil {
			slog.Error("server forced shutdown", slog.Any("error", err))
		}
	}()

	// --- Start Server ---
	if err := application.Start(); err != nil {
		// Echo returns http.ErrServerClosed on graceful shutdown, which is expected.
		slog.Info("server stopped", slog.Any("reason", err))
	}
}

// sweepSessions periodically evicts expired session records.
func sweepSessions(ctx context.Context, store session.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.SweepExpired(ctx)
			if err != nil {
				slog.Warn("session sweep failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				obs.SessionsSwept.Add(float64(n))
				slog.Debug("session sweep completed", slog.Int("removed", n))
			}
		}
	}
}

// setupLogging configures the global slog logger based on the environment.
// Development uses text format for readability. Production uses JSON for
// structured log aggregation.
func setupLogging(cfg *config.Config) {
	var handler slog.Handler

	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel(cfg.LogLevel, slog.LevelDebug),
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel(cfg.LogLevel, slog.LevelInfo),
		})
	}

	slog.SetDefault(slog.New(handler))
}

// logLevel maps the LOG_LEVEL setting to a slog level, falling back to the
// given default for unknown values.
func logLevel(name string, fallback slog.Level) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}
