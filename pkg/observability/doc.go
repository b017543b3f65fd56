// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for phiguard.
//
// # Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("sequence", entry.Sequence).Info("audit entry appended")
//
// Never attach field values, keys or patient identifiers to a log line.
//
// # Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.ChainAppendsTotal.WithLabelValues("success").Inc()
//
// # Health checks
//
//	checker := observability.NewHealthChecker(version, db, redisClient)
//	checker.AddCheck("audit_chain", true, chainProbe)
//
// # Tracing
//
// InitOTel installs global tracer and meter providers exporting over OTLP
// gRPC. StartSpan uses the global tracer, so spans are no-ops when OTel is
// disabled.
package observability
