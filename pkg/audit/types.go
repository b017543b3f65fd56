package audit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// Genesis is the previous_log_hash of the first entry of every chain.
const Genesis = "GENESIS"

// DefaultChainID names the chain used when none is configured.
const DefaultChainID = "default"

// EventType is the closed set of things the chain records.
type EventType string

const (
	EventPHIRead           EventType = "phi.read"
	EventPHIWrite          EventType = "phi.write"
	EventPHIReencrypt      EventType = "phi.reencrypt"
	EventPHIEmergencyRead  EventType = "phi.emergency_read"
	EventChainVerification EventType = "chain.verification"
	EventChainArchive      EventType = "chain.archive"
	EventPolicyReload      EventType = "policy.reload"
)

// EventTypes lists every event type.
func EventTypes() []EventType {
	return []EventType{
		EventPHIRead, EventPHIWrite, EventPHIReencrypt, EventPHIEmergencyRead,
		EventChainVerification, EventChainArchive, EventPolicyReload,
	}
}

func (t EventType) Valid() bool {
	switch t {
	case EventPHIRead, EventPHIWrite, EventPHIReencrypt, EventPHIEmergencyRead,
		EventChainVerification, EventChainArchive, EventPolicyReload:
		return true
	}
	return false
}

func (t EventType) Value() (driver.Value, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("unknown event type %q", string(t))
	}
	return string(t), nil
}

func (t *EventType) Scan(src any) error {
	s, err := phi.ScanString(src)
	if err != nil {
		return err
	}
	return t.UnmarshalText([]byte(s))
}

func (t *EventType) UnmarshalText(b []byte) error {
	v := EventType(phi.Canonical(string(b)))
	if !v.Valid() {
		return fmt.Errorf("unknown event type %q", string(b))
	}
	*t = v
	return nil
}

// Outcome is the result recorded for an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeDenied || o == OutcomeError
}

func (o Outcome) Value() (driver.Value, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("unknown outcome %q", string(o))
	}
	return string(o), nil
}

func (o *Outcome) Scan(src any) error {
	s, err := phi.ScanString(src)
	if err != nil {
		return err
	}
	return o.UnmarshalText([]byte(s))
}

func (o *Outcome) UnmarshalText(b []byte) error {
	v := Outcome(phi.Canonical(string(b)))
	if !v.Valid() {
		return fmt.Errorf("unknown outcome %q", string(b))
	}
	*o = v
	return nil
}

// Draft is what a caller supplies to Append. The store assigns identity,
// position, time and hashes.
type Draft struct {
	ActorID        string
	EventType      EventType
	ResourceType   string
	ResourceID     string
	Action         string
	Outcome        Outcome
	IPAddress      string
	SessionID      string
	FieldsAccessed []string
	AdditionalData map[string]any
}

func (d Draft) validate() error {
	switch {
	case d.ActorID == "":
		return fmt.Errorf("actor id is required")
	case !d.EventType.Valid():
		return fmt.Errorf("unknown event type %q", string(d.EventType))
	case !d.Outcome.Valid():
		return fmt.Errorf("unknown outcome %q", string(d.Outcome))
	case d.ResourceType == "":
		return fmt.Errorf("resource type is required")
	case d.Action == "":
		return fmt.Errorf("action is required")
	}
	return nil
}

// Entry is one immutable link of the chain.
type Entry struct {
	ChainID         string          `json:"chain_id"`
	SequenceNumber  int64           `json:"sequence_number"`
	ID              string          `json:"id"`
	Timestamp       time.Time       `json:"timestamp"`
	ActorID         string          `json:"actor_id"`
	EventType       EventType       `json:"event_type"`
	ResourceType    string          `json:"resource_type"`
	ResourceID      string          `json:"resource_id"`
	Action          string          `json:"action"`
	Outcome         Outcome         `json:"outcome"`
	IPAddress       string          `json:"ip_address"`
	SessionID       string          `json:"session_id"`
	FieldsAccessed  []string        `json:"fields_accessed"`
	AdditionalData  json.RawMessage `json:"additional_data"`
	PreviousLogHash string          `json:"previous_log_hash"`
	LogHash         string          `json:"log_hash"`

	// malformed names a stored column that could not be decoded.
	malformed string
}

// Malformed reports the name of a stored column that could not be decoded,
// or "" when the entry was read intact.
func (e *Entry) Malformed() string { return e.malformed }

// Head describes the tail of a chain. Length is the number of entries, so
// the next append receives sequence number Length.
type Head struct {
	ChainID   string    `json:"chain_id"`
	Length    int64     `json:"length"`
	LogHash   string    `json:"log_hash"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Range is the half-open interval [From, To) of sequence numbers.
type Range struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (r Range) Validate() error {
	if r.From < 0 || r.To < r.From {
		return fmt.Errorf("invalid range [%d, %d)", r.From, r.To)
	}
	return nil
}

// Len is the number of sequence numbers the range covers.
func (r Range) Len() int64 { return r.To - r.From }
