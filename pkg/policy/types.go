package policy

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// Role is the actor's clinical or administrative role.
type Role string

const (
	RolePhysician    Role = "physician"
	RoleNurse        Role = "nurse"
	RolePharmacist   Role = "pharmacist"
	RoleBillingClerk Role = "billing_clerk"
	RoleResearcher   Role = "researcher"
	RoleAuditor      Role = "auditor"
	RoleSystem       Role = "system"
)

// Roles lists every role.
func Roles() []Role {
	return []Role{RolePhysician, RoleNurse, RolePharmacist, RoleBillingClerk, RoleResearcher, RoleAuditor, RoleSystem}
}

func (r Role) Valid() bool {
	switch r {
	case RolePhysician, RoleNurse, RolePharmacist, RoleBillingClerk, RoleResearcher, RoleAuditor, RoleSystem:
		return true
	}
	return false
}

// Purpose is the stated reason for an access.
type Purpose string

const (
	PurposeTreatment  Purpose = "treatment"
	PurposePayment    Purpose = "payment"
	PurposeOperations Purpose = "operations"
	PurposeResearch   Purpose = "research"
	PurposeEmergency  Purpose = "emergency"
)

// Purposes lists every purpose.
func Purposes() []Purpose {
	return []Purpose{PurposeTreatment, PurposePayment, PurposeOperations, PurposeResearch, PurposeEmergency}
}

func (p Purpose) Valid() bool {
	switch p {
	case PurposeTreatment, PurposePayment, PurposeOperations, PurposeResearch, PurposeEmergency:
		return true
	}
	return false
}

// Action is what the actor intends to do with the fields.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

func (a Action) Valid() bool {
	return a == ActionRead || a == ActionWrite
}

// ReasonCode explains a decision. Codes are stable and safe to log.
type ReasonCode string

const (
	ReasonGranted             ReasonCode = "granted"
	ReasonPartial             ReasonCode = "partial"
	ReasonRoleNotPermitted    ReasonCode = "role_not_permitted"
	ReasonPurposeNotPermitted ReasonCode = "purpose_not_permitted"
	ReasonActionNotPermitted  ReasonCode = "action_not_permitted"
	ReasonConsentMissing      ReasonCode = "consent_missing"
	ReasonUnknownField        ReasonCode = "unknown_field"
	ReasonUnknownResource     ReasonCode = "unknown_resource"
	ReasonIntegrityFailure    ReasonCode = "integrity_failure"
)

func (r ReasonCode) Valid() bool {
	switch r {
	case ReasonGranted, ReasonPartial, ReasonRoleNotPermitted, ReasonPurposeNotPermitted,
		ReasonActionNotPermitted, ReasonConsentMissing, ReasonUnknownField,
		ReasonUnknownResource, ReasonIntegrityFailure:
		return true
	}
	return false
}

// ConsentGrant is one permission a subject has given.
type ConsentGrant struct {
	Purpose   Purpose   `json:"purpose" yaml:"purpose"`
	GrantedAt time.Time `json:"granted_at" yaml:"granted_at"`
	// ExpiresAt is exclusive. Zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Revoked   bool      `json:"revoked,omitempty" yaml:"revoked,omitempty"`
}

// ConsentSnapshot is a subject's grants evaluated at AsOf. Decisions read the
// snapshot's clock, never the wall clock.
type ConsentSnapshot struct {
	SubjectID string         `json:"subject_id"`
	AsOf      time.Time      `json:"as_of"`
	Grants    []ConsentGrant `json:"grants"`
}

// ActiveFor reports whether a grant for p is in force at AsOf.
func (s ConsentSnapshot) ActiveFor(p Purpose) bool {
	for _, g := range s.Grants {
		if g.Purpose != p || g.Revoked {
			continue
		}
		if !g.GrantedAt.IsZero() && s.AsOf.Before(g.GrantedAt) {
			continue
		}
		if !g.ExpiresAt.IsZero() && !s.AsOf.Before(g.ExpiresAt) {
			continue
		}
		return true
	}
	return false
}

// AccessContext identifies who is asking and why. It is built by the
// authentication layer and is immutable for the duration of a request.
type AccessContext struct {
	ActorID   string
	Role      Role
	Purpose   Purpose
	Consent   ConsentSnapshot
	IPAddress string
	SessionID string
}

// ResourceDescriptor names the record being accessed.
type ResourceDescriptor struct {
	Type string
	ID   string
	// ConsentRequired is set when the record itself demands consent,
	// independently of its resource type's catalog entry.
	ConsentRequired bool
}

// FieldGrant is an allowed field together with its catalog classification.
type FieldGrant struct {
	Name           string             `json:"name"`
	Classification phi.Classification `json:"classification"`
}

// FieldDenial is a refused field and the reason it was refused.
type FieldDenial struct {
	Name   string     `json:"name"`
	Reason ReasonCode `json:"reason"`
}

// Decision is the outcome of an authorization. Allowed and Denied keep the
// order of the requested fields.
type Decision struct {
	Allowed       []FieldGrant  `json:"allowed"`
	Denied        []FieldDenial `json:"denied"`
	Reason        ReasonCode    `json:"reason"`
	Emergency     bool          `json:"emergency"`
	PolicyVersion string        `json:"policy_version"`
}

// AllowedNames returns the names of the allowed fields.
func (d Decision) AllowedNames() []string {
	names := make([]string, len(d.Allowed))
	for i, f := range d.Allowed {
		names[i] = f.Name
	}
	return names
}

// DeniedNames returns the names of the denied fields.
func (d Decision) DeniedNames() []string {
	names := make([]string, len(d.Denied))
	for i, f := range d.Denied {
		names[i] = f.Name
	}
	return names
}

// Deny moves an allowed field to the denied list with reason and recomputes
// the overall reason. Unknown names are ignored.
func (d *Decision) Deny(name string, reason ReasonCode) {
	for i, f := range d.Allowed {
		if f.Name == name {
			d.Allowed = append(d.Allowed[:i:i], d.Allowed[i+1:]...)
			d.Denied = append(d.Denied, FieldDenial{Name: name, Reason: reason})
			d.Reason = overallReason(d.Allowed, d.Denied)
			return
		}
	}
}

func overallReason(allowed []FieldGrant, denied []FieldDenial) ReasonCode {
	switch {
	case len(denied) == 0:
		return ReasonGranted
	case len(allowed) > 0:
		return ReasonPartial
	default:
		return denied[0].Reason
	}
}

// Enum text encodings. The canonical form is the lowercase constant value.

func (r *Role) UnmarshalText(b []byte) error    { return parseInto(r, "role", b, Role.Valid) }
func (p *Purpose) UnmarshalText(b []byte) error { return parseInto(p, "purpose", b, Purpose.Valid) }
func (a *Action) UnmarshalText(b []byte) error  { return parseInto(a, "action", b, Action.Valid) }
func (r *ReasonCode) UnmarshalText(b []byte) error {
	return parseInto(r, "reason code", b, ReasonCode.Valid)
}

func (r ReasonCode) Value() (driver.Value, error) { return string(r), nil }

func (r *ReasonCode) Scan(src any) error {
	s, err := phi.ScanString(src)
	if err != nil {
		return err
	}
	return parseInto(r, "reason code", []byte(s), ReasonCode.Valid)
}

// ParseRole normalizes s and checks it against the closed set.
func ParseRole(s string) (Role, error) {
	var r Role
	err := r.UnmarshalText([]byte(s))
	return r, err
}

// ParsePurpose normalizes s and checks it against the closed set.
func ParsePurpose(s string) (Purpose, error) {
	var p Purpose
	err := p.UnmarshalText([]byte(s))
	return p, err
}

func parseInto[T ~string](dst *T, kind string, b []byte, valid func(T) bool) error {
	v := T(phi.Canonical(string(b)))
	if !valid(v) {
		return fmt.Errorf("unknown %s %q", kind, string(b))
	}
	*dst = v
	return nil
}
