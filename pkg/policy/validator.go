package policy

import "sync/atomic"

// Validator serves the current policy snapshot. Each call to Authorize reads
// exactly one snapshot, so a concurrent reload never mixes two policies in one
// decision.
type Validator struct {
	current atomic.Pointer[Policy]
}

// NewValidator starts with p.
func NewValidator(p *Policy) *Validator {
	v := &Validator{}
	v.current.Store(p)
	return v
}

// Authorize evaluates the request against the current snapshot.
func (v *Validator) Authorize(ac AccessContext, res ResourceDescriptor, fields []string, action Action) Decision {
	return v.current.Load().Authorize(ac, res, fields, action)
}

// Policy returns the current snapshot.
func (v *Validator) Policy() *Policy {
	return v.current.Load()
}

// Swap installs p and returns the previous snapshot.
func (v *Validator) Swap(p *Policy) *Policy {
	return v.current.Swap(p)
}
