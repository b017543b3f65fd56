// Package redisclient builds the shared go-redis client used for the
// cross-instance chain lock, security alert fan-out and health checks.
package redisclient
