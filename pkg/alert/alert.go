package alert

import (
	"context"
	"time"
)

// Kind names the condition being reported.
type Kind string

const (
	KindAuditWriteFailure Kind = "audit_write_failure"
	KindChainIntegrity    Kind = "chain_integrity"
	KindEmergencyAccess   Kind = "emergency_access"
	KindDecryptFailure    Kind = "decrypt_failure"

	// KindVerificationFailure means verification could not complete, so
	// the chain's integrity is unknown.
	KindVerificationFailure Kind = "verification_failure"
)

// Severity orders alerts for routing.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// DefaultSeverity is the severity used when an alert does not set one.
func (k Kind) DefaultSeverity() Severity {
	switch k {
	case KindAuditWriteFailure, KindChainIntegrity, KindVerificationFailure:
		return SeverityCritical
	case KindDecryptFailure:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Alert is one notification.
type Alert struct {
	Kind     Kind           `json:"kind"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	RaisedAt time.Time      `json:"raised_at"`
}

// New builds an alert with the kind's default severity.
func New(kind Kind, message string, fields map[string]any) Alert {
	return Alert{
		Kind:     kind,
		Severity: kind.DefaultSeverity(),
		Message:  message,
		Fields:   fields,
		RaisedAt: time.Now().UTC(),
	}
}

// Alerter delivers alerts. Implementations must be safe for concurrent use.
type Alerter interface {
	Raise(ctx context.Context, a Alert) error
}
