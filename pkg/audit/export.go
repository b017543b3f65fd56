package audit

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ExportFormat is the serialization used for exports and archives.
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson" // Newline-delimited JSON
)

// ParseExportFormat accepts any case; empty selects JSON.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch f := ExportFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return ExportFormatJSON, nil
	case ExportFormatJSON, ExportFormatCSV, ExportFormatNDJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType is the MIME type of the format.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatCSV:
		return "text/csv"
	case ExportFormatNDJSON:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Export writes entries to w. JSON and NDJSON exports carry every stored
// column and can be verified offline; CSV is for spreadsheets. Entries
// with an undecodable column are refused, since they cannot be written
// back as stored.
func Export(w io.Writer, entries []*Entry, format ExportFormat) error {
	if err := checkDecoded(entries); err != nil {
		return err
	}
	switch format {
	case ExportFormatJSON:
		return exportJSON(w, entries)
	case ExportFormatNDJSON:
		return exportNDJSON(w, entries)
	case ExportFormatCSV:
		return exportCSV(w, entries)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func checkDecoded(entries []*Entry) error {
	for _, e := range entries {
		if col := e.Malformed(); col != "" {
			return fmt.Errorf("%w: entry %d has an undecodable %s column", ErrChainIntegrity, e.SequenceNumber, col)
		}
	}
	return nil
}

// exportJSON exports entries as a JSON array
func exportJSON(w io.Writer, entries []*Entry) error {
	if entries == nil {
		entries = []*Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(entries); err != nil {
		return fmt.Errorf("failed to encode entries: %w", err)
	}
	return nil
}

// exportNDJSON exports entries as newline-delimited JSON
func exportNDJSON(w io.Writer, entries []*Entry) error {
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.SequenceNumber, err)
		}
	}
	return nil
}

var csvHeader = []string{
	"ChainID",
	"SequenceNumber",
	"ID",
	"Timestamp",
	"ActorID",
	"EventType",
	"ResourceType",
	"ResourceID",
	"Action",
	"Outcome",
	"IPAddress",
	"SessionID",
	"FieldsAccessed",
	"AdditionalData",
	"PreviousLogHash",
	"LogHash",
}

// exportCSV exports entries as CSV
func exportCSV(w io.Writer, entries []*Entry) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ChainID,
			strconv.FormatInt(e.SequenceNumber, 10),
			e.ID,
			formatTimestamp(e.Timestamp),
			e.ActorID,
			string(e.EventType),
			e.ResourceType,
			e.ResourceID,
			e.Action,
			string(e.Outcome),
			e.IPAddress,
			e.SessionID,
			strings.Join(e.FieldsAccessed, ";"),
			string(e.AdditionalData),
			e.PreviousLogHash,
			e.LogHash,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}

// exported is an Entry as written. The enums are kept verbatim so that a
// value altered after export fails verification instead of being
// normalized back.
type exported struct {
	Entry
	EventType string `json:"event_type"`
	Outcome   string `json:"outcome"`
}

func (x *exported) entry() (*Entry, error) {
	e := x.Entry
	e.EventType = EventType(x.EventType)
	e.Outcome = Outcome(x.Outcome)
	if err := restore(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ReadNDJSON decodes an NDJSON export.
func ReadNDJSON(r io.Reader) ([]*Entry, error) {
	dec := json.NewDecoder(r)
	var entries []*Entry
	for {
		var x exported
		err := dec.Decode(&x)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode entry %d: %w", len(entries), err)
		}
		e, err := x.entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// ReadJSON decodes a JSON array export.
func ReadJSON(r io.Reader) ([]*Entry, error) {
	var raw []exported
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode export: %w", err)
	}
	entries := make([]*Entry, 0, len(raw))
	for i := range raw {
		e, err := raw[i].entry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// restore undoes formatting an export may have applied so the entry hashes
// as stored.
func restore(e *Entry) error {
	data, err := compactJSON(e.AdditionalData)
	if err != nil {
		return fmt.Errorf("entry %d: invalid additional_data: %w", e.SequenceNumber, err)
	}
	e.AdditionalData = data
	e.FieldsAccessed = nonNil(e.FieldsAccessed)
	e.Timestamp = e.Timestamp.UTC()
	return nil
}
