package gateway

import (
	"errors"
	"fmt"

	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/keys"
	"github.com/platinummonkey/phiguard/pkg/policy"
)

// ErrAccessDenied is returned when no requested field was permitted. The
// denial has been audited. The message carries only the reason code.
var ErrAccessDenied = errors.New("access denied")

// State is the stage a request has reached.
type State int

const (
	StateValidating State = iota
	StateDecrypting
	StateEncrypting
	StateLogging
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateValidating:
		return "VALIDATING"
	case StateDecrypting:
		return "DECRYPTING"
	case StateEncrypting:
		return "ENCRYPTING"
	case StateLogging:
		return "LOGGING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Error is returned when an operation fails. State is the stage that failed.
type Error struct {
	Op    string
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s failed while %s: %v", e.Op, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is transient and the operation may be
// retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, audit.ErrConcurrencyConflict) || errors.Is(err, keys.ErrKeyUnavailable)
}

// IsSecurityIncident reports whether err must reach an operator.
func IsSecurityIncident(err error) bool {
	return errors.Is(err, audit.ErrAuditWriteFailure) || errors.Is(err, audit.ErrChainIntegrity)
}

func denied(reason policy.ReasonCode) error {
	return fmt.Errorf("%w: %s", ErrAccessDenied, reason)
}
