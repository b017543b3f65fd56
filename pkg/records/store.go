package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/phiguard/pkg/cipher"
	"github.com/platinummonkey/phiguard/pkg/storage/sqldb"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is a protected record. Fields maps field names to ciphertext.
type Record struct {
	ID              string
	ResourceType    string
	SubjectID       string
	ConsentRequired bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Fields          map[string]cipher.ProtectedField
}

// FieldNames returns the stored field names in sorted order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewID returns a fresh record id. Ids are assigned before any insert so
// dependent rows never wait on the database for their parent's identity.
func NewID() string {
	return uuid.NewString()
}

// Store reads and writes protected records.
type Store struct {
	db *sqldb.DB
}

// NewStore creates the record tables if needed.
func NewStore(ctx context.Context, db *sqldb.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ts, bin := s.db.Dialect.TimestampType(), s.db.Dialect.BinaryType()
	err := s.db.ExecAll(ctx,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS protected_records (
			id TEXT PRIMARY KEY,
			resource_type TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			consent_required BOOLEAN NOT NULL DEFAULT FALSE,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS protected_fields (
			record_id TEXT NOT NULL REFERENCES protected_records(id),
			name TEXT NOT NULL,
			classification TEXT NOT NULL,
			key_version INTEGER NOT NULL,
			algorithm TEXT NOT NULL,
			ciphertext %s NOT NULL,
			integrity_tag %s NOT NULL,
			PRIMARY KEY (record_id, name)
		)`, bin, bin),
		`CREATE INDEX IF NOT EXISTS idx_protected_records_subject ON protected_records(subject_id)`,
	)
	if err != nil {
		return fmt.Errorf("failed to create record schema: %w", err)
	}
	return nil
}

// Insert writes rec and its fields inside tx. rec.ID is assigned when empty.
func (s *Store) Insert(ctx context.Context, tx *sql.Tx, rec *Record) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	if rec.ResourceType == "" {
		return fmt.Errorf("resource type is required")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO protected_records (id, resource_type, subject_id, consent_required, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.ResourceType, rec.SubjectID, rec.ConsentRequired, rec.CreatedAt, rec.UpdatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	return s.upsertFields(ctx, tx, rec.ID, rec.Fields)
}

// ReplaceFields overwrites or adds the given fields of record id inside tx.
// Fields not named are left untouched.
func (s *Store) ReplaceFields(ctx context.Context, tx *sql.Tx, id string, fields map[string]cipher.ProtectedField) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE protected_records SET updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to touch record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to touch record: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.upsertFields(ctx, tx, id, fields)
}

func (s *Store) upsertFields(ctx context.Context, tx *sql.Tx, id string, fields map[string]cipher.ProtectedField) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := fields[name]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO protected_fields (record_id, name, classification, key_version, algorithm, ciphertext, integrity_tag)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (record_id, name) DO UPDATE SET
				classification = excluded.classification,
				key_version = excluded.key_version,
				algorithm = excluded.algorithm,
				ciphertext = excluded.ciphertext,
				integrity_tag = excluded.integrity_tag`,
			id, name, f.Classification, f.KeyVersion, f.Algorithm, f.Ciphertext, f.Tag,
		); err != nil {
			return fmt.Errorf("failed to write field %q: %w", name, err)
		}
	}
	return nil
}

// Get reads a record and all of its fields.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec := &Record{ID: id, Fields: map[string]cipher.ProtectedField{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT resource_type, subject_id, consent_required, created_at, updated_at
		FROM protected_records WHERE id = $1`,
		id,
	).Scan(&rec.ResourceType, &rec.SubjectID, &rec.ConsentRequired, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	rec.CreatedAt, rec.UpdatedAt = rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, classification, key_version, algorithm, ciphertext, integrity_tag
		FROM protected_fields WHERE record_id = $1`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read record fields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name string
			f    cipher.ProtectedField
		)
		if err := rows.Scan(&name, &f.Classification, &f.KeyVersion, &f.Algorithm, &f.Ciphertext, &f.Tag); err != nil {
			return nil, fmt.Errorf("failed to scan field: %w", err)
		}
		rec.Fields[name] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read record fields: %w", err)
	}
	return rec, nil
}
