// Package gateway is the only entry point for reading or writing protected
// fields.
//
// Every operation runs the same pipeline: validate the request shape,
// authorize it against one policy snapshot, decrypt or encrypt only the
// permitted fields, then append exactly one audit entry. The entry is
// written whether access was granted, partially granted or denied. For
// writes the data mutation commits in the same transaction as the entry, so
// a failed append leaves nothing behind.
//
// Plaintext is returned only after its audit entry is durable. If the append
// fails, or the caller cancels before it completes, no plaintext is
// returned.
//
//	gw, err := gateway.New(gateway.Options{
//		Policies: validator,
//		Cipher:   fieldCipher,
//		Records:  recordStore,
//		Chain:    chainStore,
//		Alerter:  alerter,
//	})
//	res, err := gw.Request(ctx, accessCtx, policy.ResourceDescriptor{Type: "patient", ID: id}, []string{"name"})
package gateway
