package policy

import (
	"errors"
	"fmt"

	"github.com/hengadev/errsx"
)

// ErrValidation marks a malformed request. It is returned before any policy
// evaluation and is never audited.
var ErrValidation = errors.New("invalid access request")

// MaxFields bounds the number of fields a single request may name.
const MaxFields = 256

// ValidateRequest checks the shape of a request. Problems are aggregated so
// the caller sees all of them at once; messages never echo the offending
// values.
func ValidateRequest(ac AccessContext, res ResourceDescriptor, fields []string, action Action) error {
	var errs errsx.Map
	if ac.ActorID == "" {
		errs.Set("actor_id", errors.New("is required"))
	}
	if !ac.Role.Valid() {
		errs.Set("role", errors.New("is not a known role"))
	}
	if !ac.Purpose.Valid() {
		errs.Set("purpose", errors.New("is not a known purpose"))
	}
	if !action.Valid() {
		errs.Set("action", errors.New("is not a known action"))
	}
	if res.Type == "" {
		errs.Set("resource_type", errors.New("is required"))
	}
	if res.ID == "" {
		errs.Set("resource_id", errors.New("is required"))
	}
	switch {
	case len(fields) == 0:
		errs.Set("fields", errors.New("at least one field is required"))
	case len(fields) > MaxFields:
		errs.Set("fields", fmt.Errorf("at most %d fields may be requested", MaxFields))
	default:
		for _, f := range fields {
			if f == "" {
				errs.Set("fields", errors.New("field names must not be empty"))
				break
			}
		}
	}

	if err := errs.AsError(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}
