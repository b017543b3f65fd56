package audit

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/platinummonkey/phiguard/pkg/observability"
)

// ObjectPutter stores an archive segment and returns its hex SHA-256.
// objectstore.S3Client implements it.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, content []byte, contentType string, metadata map[string]string) (string, error)
	Bucket() string
}

// ArchiveResult describes one uploaded segment.
type ArchiveResult struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	Range       Range  `json:"range"`
	Count       int    `json:"count"`
	SHA256      string `json:"sha256"`
	LastLogHash string `json:"last_log_hash"`
	// SequenceNumber is the chain.archive entry recording this upload.
	SequenceNumber int64 `json:"sequence_number"`
}

// Archiver copies chain segments to object storage as NDJSON. Archiving
// never removes entries; the copy is itself recorded on the chain.
type Archiver struct {
	store  *ChainStore
	putter ObjectPutter
	prefix string
	logger *observability.Logger
}

// NewArchiver writes objects under prefix.
func NewArchiver(store *ChainStore, putter ObjectPutter, prefix string, logger *observability.Logger) *Archiver {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Archiver{store: store, putter: putter, prefix: prefix, logger: logger.WithField("component", "archiver")}
}

// Archive uploads the entries in r and appends a chain.archive entry.
func (a *Archiver) Archive(ctx context.Context, r Range) (*ArchiveResult, error) {
	entries, err := a.store.ReadRange(ctx, r)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no entries in [%d, %d)", r.From, r.To)
	}

	var buf bytes.Buffer
	if err := Export(&buf, entries, ExportFormatNDJSON); err != nil {
		return nil, err
	}

	first, last := entries[0], entries[len(entries)-1]
	key := path.Join(a.prefix, a.store.ChainID(), fmt.Sprintf("%020d-%020d.ndjson", first.SequenceNumber, last.SequenceNumber+1))
	checksum, err := a.putter.PutObject(ctx, key, buf.Bytes(), ExportFormatNDJSON.ContentType(), map[string]string{
		"chain-id":      a.store.ChainID(),
		"range-from":    strconv.FormatInt(first.SequenceNumber, 10),
		"range-to":      strconv.FormatInt(last.SequenceNumber+1, 10),
		"last-log-hash": last.LogHash,
	})
	if err != nil {
		return nil, err
	}

	res := &ArchiveResult{
		Bucket:      a.putter.Bucket(),
		Key:         key,
		Range:       Range{From: first.SequenceNumber, To: last.SequenceNumber + 1},
		Count:       len(entries),
		SHA256:      checksum,
		LastLogHash: last.LogHash,
	}

	entry, err := a.store.Append(context.WithoutCancel(ctx), Draft{
		ActorID:      SystemActor,
		EventType:    EventChainArchive,
		ResourceType: "audit_chain",
		ResourceID:   a.store.ChainID(),
		Action:       "archive",
		Outcome:      OutcomeSuccess,
		AdditionalData: map[string]any{
			"bucket":        res.Bucket,
			"key":           res.Key,
			"range_from":    res.Range.From,
			"range_to":      res.Range.To,
			"count":         res.Count,
			"sha256":        res.SHA256,
			"last_log_hash": res.LastLogHash,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("recording archive: %w", err)
	}
	res.SequenceNumber = entry.SequenceNumber

	a.logger.WithFields(map[string]interface{}{
		"key":        key,
		"range_from": res.Range.From,
		"range_to":   res.Range.To,
		"sha256":     checksum,
	}).Info("Archived audit chain segment")
	return res, nil
}
