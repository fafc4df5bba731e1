package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shehryarbajwa/examflow/internal/api"
	"github.com/shehryarbajwa/examflow/internal/audit"
	"github.com/shehryarbajwa/examflow/internal/automation"
	"github.com/shehryarbajwa/examflow/internal/batch"
	"github.com/shehryarbajwa/examflow/internal/browser"
	"github.com/shehryarbajwa/examflow/internal/catalog"
	"github.com/shehryarbajwa/examflow/internal/config"
	"github.com/shehryarbajwa/examflow/internal/logging"
	"github.com/shehryarbajwa/examflow/internal/metrics"
	"github.com/shehryarbajwa/examflow/internal/ratelimit"
	"github.com/shehryarbajwa/examflow/internal/session"
	"github.com/shehryarbajwa/examflow/internal/worker"
	"github.com/shehryarbajwa/examflow/pkg/auth"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logging.Init()
	logger := slog.Default()

	logger.Info("Starting examflow automation worker...", "environment", cfg.Environment)

	// Audit trail
	store, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		fatal("Failed to open audit store", err)
	}
	defer store.Close()
	if n, err := store.MarkUnfinishedAbandoned(context.Background(), time.Now()); err != nil {
		fatal("Failed to close out unfinished runs", err)
	} else if n > 0 {
		logger.Warn("⚠️  Marked runs from a previous process as abandoned", "count", n)
	}
	logger.Info("✓ Audit store ready", "path", cfg.AuditDBPath)

	// Exam catalog
	exams, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		fatal("Failed to load exam catalog", err)
	}
	logger.Info("✓ Exam catalog loaded", "path", cfg.CatalogPath, "active", len(exams.Active()))

	// Browser launcher
	launcher, err := newLauncher(cfg, logger)
	if err != nil {
		fatal("Failed to prepare browser launcher", err)
	}
	defer launcher.Close()

	signer, err := auth.NewSigner(cfg.JWTSecret, 0)
	if err != nil {
		fatal("Failed to create token verifier", err)
	}

	runs := session.NewManager(
		session.WithStore(store),
		session.WithMaxRunsPerUser(cfg.MaxRunsPerUser),
		session.WithScreenshotTTL(cfg.ScreenshotTTL),
		session.WithLogger(logger),
	)
	logger.Info("✓ Run manager initialized", "max_runs_per_user", cfg.MaxRunsPerUser)

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	logger.Info("✓ Rate limiter initialized", "per_hour", cfg.RateLimitPerHour, "burst", cfg.RateLimitBurst)

	m := metrics.Default()
	workflowServer := worker.NewServer(worker.Config{
		Exams:          exams,
		Runs:           runs,
		Automation:     automation.NewDriver(launcher, automation.WithLogger(logger)),
		Verifier:       signer,
		Limiter:        rateLimiter,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	batches := batch.NewManager(workflowServer, exams,
		batch.WithRetention(cfg.BatchRetention),
		batch.WithLogger(logger),
	)

	handler := api.NewHandler(runs, store, exams, logger)
	router := handler.SetupRoutes(api.Routes{
		Workflow:       workflowServer.HandleWorkflow,
		Verifier:       signer,
		Limiter:        rateLimiter,
		Metrics:        m,
		AllowedOrigins: cfg.AllowedOrigins,
		Batches:        batches,
		Inputs:         workflowServer,
	})
	logger.Info("✓ HTTP routes configured")

	// WriteTimeout stays zero: the workflow socket lives as long as the run.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pruneLimiter(ctx, rateLimiter, logger)

	go func() {
		logger.Info("🚀 Server starting", "addr", "http://localhost:"+cfg.Port)
		logger.Info("📍 Workflow socket available", "url", "ws://localhost:"+cfg.Port+"/v1/workflow")
		logger.Info("🧭 Browser mode", "mode", cfg.BrowserMode)
		logger.Info("⏱️  Rate limit", "per_hour", cfg.RateLimitPerHour)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("Server error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("⏳ Shutting down server gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websockets are not tracked by http.Server, so runs are
	// cancelled first and then the listener drains.
	if err := batches.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Batches did not stop in time", "error", err)
	}
	if err := workflowServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Runs did not stop in time", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("✅ Server stopped cleanly")
}

func newLauncher(cfg *config.Config, logger *slog.Logger) (browser.Launcher, error) {
	if cfg.BrowserMode == config.BrowserLocal {
		logger.Info("✓ Local Chrome launcher ready", "headless", cfg.Headless)
		return browser.NewLocalLauncher(cfg.ChromePath, cfg.Headless), nil
	}

	l, err := browser.NewDockerLauncher(browser.DockerOptions{
		Image:        cfg.ChromeImage,
		Host:         cfg.ChromeHost,
		ReadyTimeout: cfg.BrowserReady,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger.Info("⏳ Ensuring Chrome image is available...", "image", cfg.ChromeImage)
	if err := l.EnsureImage(ctx); err != nil {
		l.Close()
		return nil, err
	}
	logger.Info("✓ Chrome image ready")
	return l, nil
}

// pruneLimiter drops idle rate limit buckets once they would have refilled
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(max(time.Hour, l.RefillTime())); n > 0 {
				logger.Debug("pruned idle rate limit buckets", "count", n)
			}
		}
	}
}

func fatal(msg string, err error) {
	slog.Error("❌ "+msg, "error", err)
	os.Exit(1)
}
