// Package records persists protected records and their encrypted fields.
//
// A record row carries only non-sensitive metadata: its client-generated id,
// resource type, subject and whether the record itself demands consent.
// Field values live in protected_fields as ciphertext produced by
// pkg/cipher; plaintext never reaches this package.
//
// Writes take a *sql.Tx so the gateway can commit them atomically with the
// audit entry that records them:
//
//	_, err := chain.AppendWith(ctx, draft, func(ctx context.Context, tx *sql.Tx) error {
//		return store.Insert(ctx, tx, rec)
//	})
package records
