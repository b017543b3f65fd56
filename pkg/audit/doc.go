// Package audit implements the append-only, hash-linked audit chain.
//
// # Chain
//
// Every entry stores the log hash of its predecessor (Genesis for the first)
// and its own log hash:
//
//	log_hash = hex(SHA-256(previous_log_hash || 0x00 || canonical(entry)))
//
// where canonical writes each column except log_hash in a fixed order as
// name=<len>:<value>. Sequence numbers start at 0 and are gap-free.
//
// ChainStore is the only writer. Append and AppendWith read the tail,
// compute the hash and insert while holding the chain lock (a Locker, plus
// the dialect's transaction-scoped lock), so concurrent writers never fork
// the chain. AppendWith commits a caller's data mutation in the same
// transaction as its audit entry; if either fails, both roll back.
//
// The table rejects UPDATE and DELETE with triggers, and nothing in this
// package issues them.
//
// # Verification
//
// Verifier recomputes each entry's hash from its own stored fields and
// checks linkage, contiguity and timestamp order over a range:
//
//	report, err := audit.NewVerifier(store, 1000, metrics).Verify(ctx, audit.Range{From: 0, To: 5})
//	if errors.Is(err, audit.ErrChainIntegrity) {
//		// report.Mismatches lists the affected sequence numbers
//	}
//
// VerificationJob runs a full verification on a schedule, alerts on
// mismatches and records the run on the chain.
//
// # Export and archival
//
// Ranges export as JSON, NDJSON or CSV. JSON and NDJSON exports read back
// with ReadJSON and ReadNDJSON verify offline through SliceSource. Archiver
// uploads NDJSON segments to object storage and records each upload as a
// chain.archive entry. Entries are never deleted.
package audit
