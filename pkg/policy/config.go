package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// Config is the on-disk policy. Each rule grants its actions for every
// combination of its classifications and purposes.
type Config struct {
	Version                  string                    `yaml:"version"`
	EmergencyBypassesConsent bool                      `yaml:"emergency_bypasses_consent"`
	Rules                    []Rule                    `yaml:"rules"`
	Resources                map[string]ResourceConfig `yaml:"resources"`
}

// Rule grants Actions to Role.
type Rule struct {
	Role            Role                 `yaml:"role"`
	Classifications []phi.Classification `yaml:"classifications"`
	Purposes        []Purpose            `yaml:"purposes"`
	Actions         []Action             `yaml:"actions"`
}

// ResourceConfig catalogs the protected fields of a resource type.
type ResourceConfig struct {
	ConsentRequired bool                          `yaml:"consent_required"`
	Fields          map[string]phi.Classification `yaml:"fields"`
}

// LoadFile reads, parses and compiles a policy file.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML and compiles it.
func Parse(data []byte) (*Policy, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return Compile(cfg)
}

// Validate checks structural problems that would make the policy ambiguous.
func (c Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("policy version is required")
	}
	if len(c.Resources) == 0 {
		return fmt.Errorf("policy defines no resources")
	}
	for i, r := range c.Rules {
		if !r.Role.Valid() {
			return fmt.Errorf("rule %d: unknown role %q", i, r.Role)
		}
		if len(r.Classifications) == 0 || len(r.Purposes) == 0 || len(r.Actions) == 0 {
			return fmt.Errorf("rule %d (%s): classifications, purposes and actions are required", i, r.Role)
		}
	}
	for name, res := range c.Resources {
		if name == "" {
			return fmt.Errorf("resource type name is required")
		}
		if len(res.Fields) == 0 {
			return fmt.Errorf("resource %s: no fields", name)
		}
		for field, class := range res.Fields {
			if field == "" {
				return fmt.Errorf("resource %s: empty field name", name)
			}
			if !class.Valid() {
				return fmt.Errorf("resource %s field %s: unknown classification %q", name, field, class)
			}
		}
	}
	return nil
}

// DefaultConfig is a conservative starting policy for a patient record.
func DefaultConfig() Config {
	all := phi.Classifications()
	return Config{
		Version:                  "builtin-1",
		EmergencyBypassesConsent: true,
		Rules: []Rule{
			{Role: RolePhysician, Classifications: all, Purposes: []Purpose{PurposeTreatment, PurposeEmergency}, Actions: []Action{ActionRead, ActionWrite}},
			{Role: RoleNurse, Classifications: []phi.Classification{phi.Public, phi.Internal, phi.Confidential}, Purposes: []Purpose{PurposeTreatment}, Actions: []Action{ActionRead}},
			{Role: RoleNurse, Classifications: all, Purposes: []Purpose{PurposeEmergency}, Actions: []Action{ActionRead}},
			{Role: RolePharmacist, Classifications: []phi.Classification{phi.Public, phi.Internal, phi.Confidential}, Purposes: []Purpose{PurposeTreatment}, Actions: []Action{ActionRead}},
			{Role: RoleBillingClerk, Classifications: []phi.Classification{phi.Public, phi.Internal}, Purposes: []Purpose{PurposePayment}, Actions: []Action{ActionRead}},
			{Role: RoleResearcher, Classifications: []phi.Classification{phi.Public}, Purposes: []Purpose{PurposeResearch}, Actions: []Action{ActionRead}},
			{Role: RoleSystem, Classifications: all, Purposes: []Purpose{PurposeOperations}, Actions: []Action{ActionRead, ActionWrite}},
		},
		Resources: map[string]ResourceConfig{
			"patient": {
				ConsentRequired: true,
				Fields: map[string]phi.Classification{
					"name":          phi.Internal,
					"date_of_birth": phi.Confidential,
					"address":       phi.Confidential,
					"phone":         phi.Confidential,
					"ssn":           phi.Restricted,
					"diagnosis":     phi.Restricted,
					"medications":   phi.Confidential,
					"insurance_id":  phi.Internal,
					"blood_type":    phi.Confidential,
				},
			},
		},
	}
}
