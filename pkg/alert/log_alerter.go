package alert

import (
	"context"

	"github.com/platinummonkey/phiguard/pkg/observability"
)

// LogAlerter writes alerts to the service log and counts them.
type LogAlerter struct {
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewLogAlerter logs through logger. metrics may be nil.
func NewLogAlerter(logger *observability.Logger, metrics *observability.Metrics) *LogAlerter {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &LogAlerter{logger: logger.WithField("component", "alert"), metrics: metrics}
}

func (l *LogAlerter) Raise(ctx context.Context, a Alert) error {
	l.metrics.SecurityAlertsTotal.WithLabelValues(string(a.Kind)).Inc()

	entry := observability.FromContext(ctx, l.logger).WithFields(map[string]interface{}{
		"alert_kind":     string(a.Kind),
		"alert_severity": string(a.Severity),
	})
	if len(a.Fields) > 0 {
		entry = entry.WithFields(a.Fields)
	}

	switch a.Severity {
	case SeverityCritical:
		entry.Error(a.Message)
	case SeverityWarning:
		entry.Warn(a.Message)
	default:
		entry.Info(a.Message)
	}
	return nil
}
