// Package sqldb opens the transactional store backing the audit chain and the
// protected record tables.
//
// Two engines are supported: PostgreSQL (lib/pq) for production and SQLite
// (mattn/go-sqlite3) for single-node deployments and tests. Engine
// differences that matter to the chain (column types, append-only triggers,
// the per-chain transaction lock and unique-violation detection) are hidden
// behind the Dialect interface.
//
// Both drivers accept $n placeholders. SQLite numbers them by first
// appearance, so queries must introduce them in ascending order.
package sqldb
