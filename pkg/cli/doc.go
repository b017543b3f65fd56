// Package cli implements phiguardctl, the operator tool for the audit chain.
//
// verify recomputes every hash in the database chain, or in an exported
// segment, and exits non-zero on any mismatch:
//
//	phiguardctl verify
//	phiguardctl verify -file audit-2026-10.ndjson
//
// export writes a range of the chain for offline review:
//
//	phiguardctl export -format csv -from 1000 -to 2000 -out audit.csv
//
// rotate re-encrypts records under the current key versions:
//
//	phiguardctl rotate -type patient -ids 7f3c...,91ab... -actor ops-1
//
// Commands other than a file verify read PHIGUARD_* configuration; see
// package config.
package cli
