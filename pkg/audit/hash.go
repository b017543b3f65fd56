package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TimestampFormat is the canonical timestamp layout. Storage engines keep
// microseconds, so entries are truncated to that precision before hashing.
const TimestampFormat = "2006-01-02T15:04:05.000000Z07:00"

// ComputeHash returns hex(SHA-256(prev || 0x00 || canonical(e))). The
// entry's own LogHash is not part of the input.
func ComputeHash(prev string, e *Entry) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{0})
	h.Write(canonical(e))
	return hex.EncodeToString(h.Sum(nil))
}

// canonical writes every field except log_hash in a fixed order, each value
// length-prefixed so that no two distinct entries share an encoding.
func canonical(e *Entry) []byte {
	var b bytes.Buffer
	write := func(name, value string) {
		fmt.Fprintf(&b, "%s=%d:%s\n", name, len(value), value)
	}

	write("chain_id", e.ChainID)
	write("sequence_number", strconv.FormatInt(e.SequenceNumber, 10))
	write("id", e.ID)
	write("timestamp", formatTimestamp(e.Timestamp))
	write("actor_id", e.ActorID)
	write("event_type", string(e.EventType))
	write("resource_type", e.ResourceType)
	write("resource_id", e.ResourceID)
	write("action", e.Action)
	write("outcome", string(e.Outcome))
	write("ip_address", e.IPAddress)
	write("session_id", e.SessionID)
	write("fields_accessed", strconv.Itoa(len(e.FieldsAccessed)))
	for i, f := range e.FieldsAccessed {
		write("fields_accessed."+strconv.Itoa(i), f)
	}
	write("additional_data", string(e.AdditionalData))
	write("previous_log_hash", e.PreviousLogHash)
	return b.Bytes()
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// canonicalJSON encodes additional data compactly with sorted map keys.
func canonicalJSON(v map[string]any) (json.RawMessage, error) {
	if len(v) == 0 {
		return json.RawMessage("{}"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode additional data: %w", err)
	}
	return data, nil
}

// compactJSON restores the stored form of additional data read back from an
// export that may have been re-indented.
func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
