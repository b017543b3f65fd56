package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/phiguard/pkg/alert"
	"github.com/platinummonkey/phiguard/pkg/observability"
)

// SystemActor is the actor recorded for entries written by the service itself.
const SystemActor = "system:phiguard"

// VerificationJob verifies the whole chain, raises an alert on any
// mismatch, and records the run as a chain.verification entry.
type VerificationJob struct {
	store    *ChainStore
	verifier *Verifier
	alerter  alert.Alerter
	logger   *observability.Logger
}

// NewVerificationJob builds a job over store.
func NewVerificationJob(store *ChainStore, verifier *Verifier, alerter alert.Alerter, logger *observability.Logger) *VerificationJob {
	if alerter == nil {
		alerter = alert.Nop{}
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &VerificationJob{
		store:    store,
		verifier: verifier,
		alerter:  alerter,
		logger:   logger.WithField("component", "verification_job"),
	}
}

// Run performs one verification. The returned error wraps ErrChainIntegrity
// when mismatches were found. A run that cannot complete is alerted and
// recorded like a failed one.
func (j *VerificationJob) Run(ctx context.Context) (*VerificationReport, error) {
	report, verifyErr := j.verifier.VerifyAll(ctx)

	var (
		outcome = OutcomeSuccess
		data    map[string]any
	)
	switch {
	case report == nil:
		outcome = OutcomeError
		data = map[string]any{"failure": "verification_incomplete"}
		j.logger.WithError(verifyErr).Error("Chain verification could not run")
		j.raise(ctx, alert.New(alert.KindVerificationFailure, "Audit chain verification could not complete", map[string]any{
			"chain_id": j.store.ChainID(),
		}))
	case errors.Is(verifyErr, ErrChainIntegrity):
		outcome = OutcomeError
		data = reportData(report)
		j.logger.WithFields(map[string]interface{}{
			"mismatches": report.Mismatches,
			"checked":    report.Checked,
		}).Error("Chain verification found mismatches")
		j.raise(ctx, alert.New(alert.KindChainIntegrity, "Audit chain verification found mismatched entries", map[string]any{
			"chain_id":   j.store.ChainID(),
			"mismatches": report.Mismatches,
			"range_from": report.Range.From,
			"range_to":   report.Range.To,
		}))
	default:
		data = reportData(report)
		j.logger.WithField("checked", report.Checked).Info("Chain verification passed")
	}

	_, err := j.store.Append(context.WithoutCancel(ctx), Draft{
		ActorID:        SystemActor,
		EventType:      EventChainVerification,
		ResourceType:   "audit_chain",
		ResourceID:     j.store.ChainID(),
		Action:         "verify",
		Outcome:        outcome,
		AdditionalData: data,
	})
	if err != nil {
		j.logger.WithError(err).Error("Failed to record chain verification")
		j.raise(ctx, alert.New(alert.KindAuditWriteFailure, "Failed to record chain verification", map[string]any{
			"chain_id": j.store.ChainID(),
		}))
		if verifyErr == nil {
			return report, fmt.Errorf("recording verification: %w", err)
		}
	}
	return report, verifyErr
}

func (j *VerificationJob) raise(ctx context.Context, a alert.Alert) {
	if err := j.alerter.Raise(context.WithoutCancel(ctx), a); err != nil {
		j.logger.WithError(err).WithField("kind", string(a.Kind)).Error("Failed to deliver alert")
	}
}

func reportData(r *VerificationReport) map[string]any {
	return map[string]any{
		"range_from": r.Range.From,
		"range_to":   r.Range.To,
		"checked":    r.Checked,
		"mismatches": r.Mismatches,
	}
}
