package policy

import (
	"fmt"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

type grantKey struct {
	role    Role
	class   phi.Classification
	purpose Purpose
}

type roleClass struct {
	role  Role
	class phi.Classification
}

type resource struct {
	consentRequired bool
	fields          map[string]phi.Classification
}

// Policy is a compiled, immutable Config.
type Policy struct {
	version   string
	bypass    bool
	grants    map[grantKey]map[Action]bool
	roleClass map[roleClass]bool
	resources map[string]resource
}

// Compile validates cfg and builds the lookup tables.
func Compile(cfg Config) (*Policy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	p := &Policy{
		version:   cfg.Version,
		bypass:    cfg.EmergencyBypassesConsent,
		grants:    make(map[grantKey]map[Action]bool),
		roleClass: make(map[roleClass]bool),
		resources: make(map[string]resource, len(cfg.Resources)),
	}
	for _, r := range cfg.Rules {
		for _, c := range r.Classifications {
			p.roleClass[roleClass{r.Role, c}] = true
			for _, purpose := range r.Purposes {
				k := grantKey{r.Role, c, purpose}
				if p.grants[k] == nil {
					p.grants[k] = make(map[Action]bool)
				}
				for _, a := range r.Actions {
					p.grants[k][a] = true
				}
			}
		}
	}
	for name, res := range cfg.Resources {
		fields := make(map[string]phi.Classification, len(res.Fields))
		for f, c := range res.Fields {
			fields[f] = c
		}
		p.resources[name] = resource{consentRequired: res.ConsentRequired, fields: fields}
	}
	return p, nil
}

// Version identifies the source config.
func (p *Policy) Version() string { return p.version }

// Classification returns the catalog classification of a field.
func (p *Policy) Classification(resourceType, field string) (phi.Classification, bool) {
	res, ok := p.resources[resourceType]
	if !ok {
		return "", false
	}
	c, ok := res.fields[field]
	return c, ok
}

// Authorize evaluates each requested field. It depends only on its
// arguments and the policy, and never returns an error.
func (p *Policy) Authorize(ac AccessContext, res ResourceDescriptor, fields []string, action Action) Decision {
	d := Decision{
		Allowed:       []FieldGrant{},
		Denied:        []FieldDenial{},
		Emergency:     ac.Purpose == PurposeEmergency,
		PolicyVersion: p.version,
	}

	catalog, known := p.resources[res.Type]
	consentRequired := res.ConsentRequired || catalog.consentRequired
	consentWaived := d.Emergency && p.bypass
	seen := make(map[string]bool, len(fields))

	for _, name := range fields {
		if seen[name] {
			continue
		}
		seen[name] = true

		if !known {
			d.Denied = append(d.Denied, FieldDenial{Name: name, Reason: ReasonUnknownResource})
			continue
		}
		class, ok := catalog.fields[name]
		if !ok {
			d.Denied = append(d.Denied, FieldDenial{Name: name, Reason: ReasonUnknownField})
			continue
		}
		if reason := p.check(ac, class, action); reason != ReasonGranted {
			d.Denied = append(d.Denied, FieldDenial{Name: name, Reason: reason})
			continue
		}
		if consentRequired && !consentWaived && !ac.Consent.ActiveFor(ac.Purpose) {
			d.Denied = append(d.Denied, FieldDenial{Name: name, Reason: ReasonConsentMissing})
			continue
		}
		d.Allowed = append(d.Allowed, FieldGrant{Name: name, Classification: class})
	}

	d.Reason = overallReason(d.Allowed, d.Denied)
	return d
}

func (p *Policy) check(ac AccessContext, class phi.Classification, action Action) ReasonCode {
	if !p.roleClass[roleClass{ac.Role, class}] {
		return ReasonRoleNotPermitted
	}
	actions, ok := p.grants[grantKey{ac.Role, class, ac.Purpose}]
	if !ok {
		return ReasonPurposeNotPermitted
	}
	if !actions[action] {
		return ReasonActionNotPermitted
	}
	return ReasonGranted
}
