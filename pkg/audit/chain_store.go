package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/phiguard/pkg/observability"
	"github.com/platinummonkey/phiguard/pkg/storage/sqldb"
)

var (
	// ErrAuditWriteFailure means an entry could not be persisted. The
	// enclosing operation must fail.
	ErrAuditWriteFailure = errors.New("audit write failure")
	// ErrConcurrencyConflict is transient; the caller may retry with backoff.
	ErrConcurrencyConflict = errors.New("audit chain concurrency conflict")
)

// TableName is the chain table.
const TableName = "audit_chain"

// TxFunc is a data mutation committed atomically with an audit entry.
type TxFunc func(ctx context.Context, tx *sql.Tx) error

// StoreOptions configures a ChainStore. Zero values select defaults.
type StoreOptions struct {
	ChainID     string
	Locker      Locker
	LockTimeout time.Duration
	Clock       func() time.Time
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// ChainStore is the append-only, hash-linked audit log. It owns the chain
// tail: the only way to extend the chain is Append or AppendWith, and the
// store exposes no update or delete.
type ChainStore struct {
	db      *sqldb.DB
	chainID string
	locker  Locker
	clock   func() time.Time
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewChainStore creates the chain table and its append-only triggers if
// needed.
func NewChainStore(ctx context.Context, db *sqldb.DB, opts StoreOptions) (*ChainStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if opts.ChainID == "" {
		opts.ChainID = DefaultChainID
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 2 * time.Second
	}
	if opts.Locker == nil {
		opts.Locker = NewLocalLocker(opts.LockTimeout)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNopMetrics()
	}

	s := &ChainStore{
		db:      db,
		chainID: opts.ChainID,
		locker:  opts.Locker,
		clock:   opts.Clock,
		logger:  opts.Logger.WithFields(map[string]interface{}{"component": "audit_chain", "chain_id": opts.ChainID}),
		metrics: opts.Metrics,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure %s table: %w", TableName, err)
	}
	return s, nil
}

func (s *ChainStore) ensureSchema(ctx context.Context) error {
	d := s.db.Dialect
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	chain_id VARCHAR(64) NOT NULL,
	sequence_number BIGINT NOT NULL,
	id VARCHAR(36) NOT NULL UNIQUE,
	timestamp %s NOT NULL,
	actor_id VARCHAR(255) NOT NULL,
	event_type VARCHAR(64) NOT NULL,
	resource_type VARCHAR(64) NOT NULL,
	resource_id VARCHAR(255) NOT NULL,
	action VARCHAR(32) NOT NULL,
	outcome VARCHAR(16) NOT NULL,
	ip_address VARCHAR(45) NOT NULL,
	session_id VARCHAR(255) NOT NULL,
	fields_accessed TEXT NOT NULL,
	additional_data TEXT NOT NULL,
	previous_log_hash VARCHAR(64) NOT NULL,
	log_hash VARCHAR(64) NOT NULL,
	PRIMARY KEY (chain_id, sequence_number)
)`, TableName, d.TimestampType()),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_resource ON %s(resource_type, resource_id)`, TableName, TableName),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_actor ON %s(actor_id)`, TableName, TableName),
	}
	stmts = append(stmts, d.AppendOnly(TableName)...)
	return s.db.ExecAll(ctx, stmts...)
}

// ChainID names the chain this store writes.
func (s *ChainStore) ChainID() string { return s.chainID }

// Append records d as the next entry.
func (s *ChainStore) Append(ctx context.Context, d Draft) (*Entry, error) {
	return s.AppendWith(ctx, d, nil)
}

// mutationError carries a failure of the caller's TxFunc out of the
// transaction unchanged.
type mutationError struct{ err error }

func (m *mutationError) Error() string { return m.err.Error() }
func (m *mutationError) Unwrap() error { return m.err }

// AppendWith runs fn and appends d in one transaction. If fn fails its error
// is returned as is and nothing is written. If the append fails the
// transaction, including fn's writes, is rolled back and the error wraps
// ErrAuditWriteFailure or ErrConcurrencyConflict.
//
// Reading the tail, hashing and inserting happen under the chain lock, so
// two writers never link to the same predecessor.
func (s *ChainStore) AppendWith(ctx context.Context, d Draft, fn TxFunc) (entry *Entry, err error) {
	ctx, span := observability.StartSpan(ctx, "audit.append",
		attribute.String("audit.chain_id", s.chainID),
		attribute.String("audit.event_type", string(d.EventType)),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := d.validate(); err != nil {
		s.metrics.ChainAppendsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %w", ErrAuditWriteFailure, err)
	}
	additional, err := canonicalJSON(d.AdditionalData)
	if err != nil {
		s.metrics.ChainAppendsTotal.WithLabelValues("invalid").Inc()
		return nil, fmt.Errorf("%w: %w", ErrAuditWriteFailure, err)
	}
	fieldsJSON, err := json.Marshal(nonNil(d.FieldsAccessed))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuditWriteFailure, err)
	}

	waitStart := time.Now()
	release, err := s.locker.Acquire(ctx, s.chainID)
	s.metrics.ChainLockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		s.metrics.ChainAppendsTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}
	defer release()

	start := time.Now()
	err = s.db.InTx(ctx, func(tx *sql.Tx) error {
		if fn != nil {
			if err := fn(ctx, tx); err != nil {
				return &mutationError{err}
			}
		}
		if err := s.db.Dialect.LockChain(ctx, tx, s.chainID); err != nil {
			return err
		}

		tail, err := s.head(ctx, tx)
		if err != nil {
			return err
		}

		e := &Entry{
			ChainID:         s.chainID,
			SequenceNumber:  tail.Length,
			ID:              uuid.NewString(),
			Timestamp:       normalizeTime(s.clock()),
			ActorID:         d.ActorID,
			EventType:       d.EventType,
			ResourceType:    d.ResourceType,
			ResourceID:      d.ResourceID,
			Action:          d.Action,
			Outcome:         d.Outcome,
			IPAddress:       d.IPAddress,
			SessionID:       d.SessionID,
			FieldsAccessed:  nonNil(d.FieldsAccessed),
			AdditionalData:  additional,
			PreviousLogHash: tail.LogHash,
		}
		// Timestamps never run backwards along the chain, even if the
		// clock does.
		if e.Timestamp.Before(tail.Timestamp) {
			e.Timestamp = tail.Timestamp
		}
		e.LogHash = ComputeHash(e.PreviousLogHash, e)

		if _, err := tx.ExecContext(ctx, insertEntryQuery,
			e.ChainID, e.SequenceNumber, e.ID, e.Timestamp,
			e.ActorID, e.EventType, e.ResourceType, e.ResourceID,
			e.Action, e.Outcome, e.IPAddress, e.SessionID,
			string(fieldsJSON), string(e.AdditionalData),
			e.PreviousLogHash, e.LogHash,
		); err != nil {
			return err
		}
		entry = e
		return nil
	})
	s.metrics.ChainAppendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		entry = nil
		var mErr *mutationError
		switch {
		case errors.As(err, &mErr):
			s.metrics.ChainAppendsTotal.WithLabelValues("aborted").Inc()
			return nil, mErr.err
		case s.db.Dialect.IsUniqueViolation(err):
			s.metrics.ChainAppendsTotal.WithLabelValues("conflict").Inc()
			return nil, fmt.Errorf("%w: sequence already taken", ErrConcurrencyConflict)
		default:
			s.metrics.ChainAppendsTotal.WithLabelValues("failed").Inc()
			s.logger.WithError(err).WithField("event_type", string(d.EventType)).Error("Audit append failed")
			return nil, fmt.Errorf("%w: %w", ErrAuditWriteFailure, err)
		}
	}

	s.metrics.ChainAppendsTotal.WithLabelValues("ok").Inc()
	s.metrics.ChainHeadSequence.Set(float64(entry.SequenceNumber))
	s.logger.WithFields(map[string]interface{}{
		"sequence_number": entry.SequenceNumber,
		"event_type":      string(entry.EventType),
		"outcome":         string(entry.Outcome),
	}).Debug("Audit entry appended")
	return entry, nil
}

const insertEntryQuery = `INSERT INTO ` + TableName + ` (
	chain_id, sequence_number, id, timestamp,
	actor_id, event_type, resource_type, resource_id,
	action, outcome, ip_address, session_id,
	fields_accessed, additional_data,
	previous_log_hash, log_hash
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

const selectEntryColumns = `chain_id, sequence_number, id, timestamp,
	actor_id, event_type, resource_type, resource_id,
	action, outcome, ip_address, session_id,
	fields_accessed, additional_data,
	previous_log_hash, log_hash`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *ChainStore) head(ctx context.Context, q queryer) (Head, error) {
	h := Head{ChainID: s.chainID, LogHash: Genesis}
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT sequence_number, log_hash, timestamp FROM `+TableName+`
		WHERE chain_id = $1 ORDER BY sequence_number DESC LIMIT 1`,
		s.chainID,
	).Scan(&seq, &h.LogHash, &h.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return Head{}, fmt.Errorf("failed to read chain tail: %w", err)
	}
	h.Length = seq + 1
	h.Timestamp = h.Timestamp.UTC()
	return h, nil
}

// Head reads the current tail outside any lock. It is a checkpoint: a
// concurrent append may extend the chain immediately after.
func (s *ChainStore) Head(ctx context.Context) (Head, error) {
	return s.head(ctx, s.db)
}

// LatestHash returns the log hash of the tail, or Genesis for an empty chain.
func (s *ChainStore) LatestHash(ctx context.Context) (string, error) {
	h, err := s.Head(ctx)
	if err != nil {
		return "", err
	}
	return h.LogHash, nil
}

// ReadRange returns the stored entries in r, ordered by sequence number.
// Missing sequence numbers are simply absent from the result. A row whose
// fields_accessed column does not decode is still returned, marked
// Malformed, so verification can report it.
func (s *ChainStore) ReadRange(ctx context.Context, r Range) ([]*Entry, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectEntryColumns+` FROM `+TableName+`
		WHERE chain_id = $1 AND sequence_number >= $2 AND sequence_number < $3
		ORDER BY sequence_number`,
		s.chainID, r.From, r.To,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read chain range: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, min(r.Len(), 1024))
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read chain range: %w", err)
	}
	return entries, nil
}

// scanEntry reads columns verbatim, without enum normalization, so that the
// verifier hashes exactly what is stored.
func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		e          Entry
		eventType  string
		outcome    string
		fieldsJSON string
		additional string
	)
	if err := rows.Scan(
		&e.ChainID, &e.SequenceNumber, &e.ID, &e.Timestamp,
		&e.ActorID, &eventType, &e.ResourceType, &e.ResourceID,
		&e.Action, &outcome, &e.IPAddress, &e.SessionID,
		&fieldsJSON, &additional,
		&e.PreviousLogHash, &e.LogHash,
	); err != nil {
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &e.FieldsAccessed); err != nil {
		e.FieldsAccessed = nil
		e.malformed = "fields_accessed"
	}
	e.EventType = EventType(eventType)
	e.Outcome = Outcome(outcome)
	e.FieldsAccessed = nonNil(e.FieldsAccessed)
	e.AdditionalData = json.RawMessage(additional)
	e.Timestamp = e.Timestamp.UTC()
	return &e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
