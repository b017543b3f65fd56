// Package keys resolves symmetric field-encryption keys by classification and
// version.
//
// Several live versions exist per classification so that fields written
// before a rotation stay readable. Backends:
//
//   - StaticProvider derives every key from per-version master secrets with
//     HKDF-SHA256. Suitable for tests and single-node installs.
//   - VaultProvider reads versioned keys from a HashiCorp Vault KV v2 mount.
//   - KMSProvider unwraps data keys listed in a YAML manifest with AWS KMS.
//   - CachingProvider wraps any of the above with a short-lived LRU.
//
// All failures are reported as ErrKeyUnavailable.
package keys
