package phi

import (
	"database/sql/driver"
	"fmt"
	"strings"
)

// Classification determines which key encrypts a field and which rules
// govern access to it.
type Classification string

const (
	Public       Classification = "public"
	Internal     Classification = "internal"
	Confidential Classification = "confidential"
	Restricted   Classification = "restricted"
)

// Classifications lists every classification, least sensitive first.
func Classifications() []Classification {
	return []Classification{Public, Internal, Confidential, Restricted}
}

// ParseClassification normalizes s and checks it against the closed set.
func ParseClassification(s string) (Classification, error) {
	c := Classification(Canonical(s))
	if !c.Valid() {
		return "", fmt.Errorf("unknown classification %q", s)
	}
	return c, nil
}

// Valid reports whether c is a member of the closed set.
func (c Classification) Valid() bool {
	switch c {
	case Public, Internal, Confidential, Restricted:
		return true
	}
	return false
}

func (c Classification) String() string { return string(c) }

// Value implements driver.Valuer.
func (c Classification) Value() (driver.Value, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("unknown classification %q", string(c))
	}
	return string(c), nil
}

// Scan implements sql.Scanner.
func (c *Classification) Scan(src any) error {
	s, err := ScanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseClassification(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler, covering JSON and YAML.
func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c), nil
}

// Canonical returns the canonical spelling of an enum value.
func Canonical(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ScanString extracts a string from a database column value.
func ScanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case nil:
		return "", fmt.Errorf("cannot scan NULL into enum")
	default:
		return "", fmt.Errorf("cannot scan %T into enum", src)
	}
}
