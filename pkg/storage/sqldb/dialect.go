package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect captures the engine specific pieces of DDL and locking.
type Dialect interface {
	// Name returns the database/sql driver name.
	Name() string
	// TimestampType is the column type used for event times.
	TimestampType() string
	// BinaryType is the column type used for ciphertext and tags.
	BinaryType() string
	// AppendOnly returns statements installing triggers that reject UPDATE
	// and DELETE on table.
	AppendOnly(table string) []string
	// LockChain serializes writers of one chain for the lifetime of tx.
	LockChain(ctx context.Context, tx *sql.Tx, chainID string) error
	// IsUniqueViolation reports whether err is a unique or primary key
	// constraint failure.
	IsUniqueViolation(err error) bool
}

// DialectFor returns the dialect registered under a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "postgresql":
		return Postgres{}, nil
	case "sqlite3", "sqlite":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Postgres is the PostgreSQL dialect.
type Postgres struct{}

func (Postgres) Name() string          { return "postgres" }
func (Postgres) TimestampType() string { return "TIMESTAMPTZ" }
func (Postgres) BinaryType() string    { return "BYTEA" }

func (Postgres) AppendOnly(table string) []string {
	fn := table + "_reject_mutation"
	return []string{
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION '%s is append-only';
END;
$$ LANGUAGE plpgsql`, fn, table),
		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_append_only ON %s`, table, table),
		fmt.Sprintf(`CREATE TRIGGER %s_append_only BEFORE UPDATE OR DELETE ON %s
	FOR EACH ROW EXECUTE FUNCTION %s()`, table, table, fn),
	}
}

// LockChain takes a transaction scoped advisory lock keyed on the chain id.
// The lock is released by commit or rollback.
func (Postgres) LockChain(ctx context.Context, tx *sql.Tx, chainID string) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, chainID); err != nil {
		return fmt.Errorf("failed to acquire chain advisory lock: %w", err)
	}
	return nil
}

func (Postgres) IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// SQLite is the SQLite dialect. Write transactions are opened with
// _txlock=immediate, which already excludes other writers, so LockChain is a
// no-op.
type SQLite struct{}

func (SQLite) Name() string          { return "sqlite3" }
func (SQLite) TimestampType() string { return "TIMESTAMP" }
func (SQLite) BinaryType() string    { return "BLOB" }

func (SQLite) AppendOnly(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_update BEFORE UPDATE ON %s
BEGIN
	SELECT RAISE(ABORT, '%s is append-only');
END`, table, table, table),
		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s_no_delete BEFORE DELETE ON %s
BEGIN
	SELECT RAISE(ABORT, '%s is append-only');
END`, table, table, table),
	}
}

func (SQLite) LockChain(context.Context, *sql.Tx, string) error { return nil }

func (SQLite) IsUniqueViolation(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
