// Package cipher encrypts and decrypts individual protected field values.
//
// Each value is sealed with an AEAD under the key for its classification and
// key version. The classification, version and algorithm are bound into the
// associated data, so a ciphertext moved to a different classification or
// relabeled with another version fails authentication. The nonce is stored as
// a prefix of the ciphertext and the authentication tag is stored separately.
//
// Nothing in this package logs. Errors never carry plaintext or key material.
package cipher
