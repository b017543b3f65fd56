package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/phiguard/pkg/app"
	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/config"
	"github.com/platinummonkey/phiguard/pkg/observability"
)

var version = "dev"

func main() {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logrus.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logrus.Fatalf("Failed to initialize phiguard: %v", err)
	}

	router := mux.NewRouter()
	router.Use(observability.RecoveryMiddleware(logger), observability.RequestMiddleware(logger))
	observability.RegisterHealthRoutes(router, a.HealthChecker(version))
	if cfg.Observability.MetricsEnabled {
		router.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)
	}
	audit.NewHandlers(a.Chain, a.Verifier, logger).RegisterRoutes(router)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      otelhttp.NewHandler(router, "phiguard-admin"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return a.Close() })
	if providers != nil {
		shutdown.Register("opentelemetry", providers.Shutdown)
	}

	watcher := a.PolicyWatcher()
	go func() {
		defer observability.RecoverPanic(logger, "policy watcher")
		if err := watcher.Run(ctx); err != nil {
			logger.WithError(err).Error("Policy watcher stopped")
		}
	}()

	if cfg.Verification.Enabled {
		scheduler, err := scheduleVerification(ctx, a, logger)
		if err != nil {
			logrus.Fatalf("Failed to schedule verification: %v", err)
		}
		scheduler.Start()
		shutdown.Register("verification", func(context.Context) error {
			<-scheduler.Stop().Done()
			return nil
		})
	}

	go func() {
		logger.Infof("Starting phiguard admin server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Admin server failed: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
	}
}

// scheduleVerification verifies the whole chain on the configured schedule.
// When archival is configured each run that verifies cleanly also uploads
// the entries appended since the previous upload.
func scheduleVerification(ctx context.Context, a *app.App, logger *observability.Logger) (*cron.Cron, error) {
	job := a.VerificationJob()
	archiver, err := a.Archiver(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu          sync.Mutex
		archiveFrom int64
	)
	run := func() {
		defer observability.RecoverPanic(logger, "verification job")
		report, err := job.Run(ctx)
		if err != nil || archiver == nil {
			return
		}

		mu.Lock()
		defer mu.Unlock()
		r := audit.Range{From: archiveFrom, To: report.Range.To}
		if r.Len() <= 0 {
			return
		}
		result, err := archiver.Archive(ctx, r)
		if err != nil {
			logger.WithError(err).Error("Chain archival failed")
			return
		}
		archiveFrom = result.Range.To
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(a.Config.Verification.Schedule, run); err != nil {
		return nil, err
	}
	logger.Infof("Chain verification schedule: %s", a.Config.Verification.Schedule)
	return c, nil
}
