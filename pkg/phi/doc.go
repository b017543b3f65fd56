// Package phi holds the vocabulary shared by the key, cipher, policy and
// record packages: data classifications and the canonical text form used for
// every closed enum at the persistence and configuration boundaries.
//
// Canonical form is lowercase. Parsing accepts any case and normalizes;
// values outside the closed set are rejected.
package phi
