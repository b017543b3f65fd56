// Package config loads service configuration from PHIGUARD_* environment
// variables.
//
// Every setting has a default except the database URL. Binaries may load a
// .env file first with godotenv.
//
//	PHIGUARD_PORT="9090"
//	PHIGUARD_DB_DRIVER="postgres"            # postgres, sqlite3
//	PHIGUARD_DB_URL="postgres://localhost/phiguard?sslmode=disable"
//	PHIGUARD_POLICY_FILE="configs/policy.yaml"
//
//	PHIGUARD_CHAIN_ID="default"
//	PHIGUARD_CHAIN_LOCK_TIMEOUT="2s"
//	PHIGUARD_CHAIN_REDIS_LOCK="true"         # requires PHIGUARD_REDIS_URL
//	PHIGUARD_REDIS_URL="redis://localhost:6379/0"
//
//	PHIGUARD_KEY_PROVIDER="vault"            # static, vault, kms
//	PHIGUARD_VAULT_MOUNT="secret"
//	PHIGUARD_KMS_MANIFEST="configs/keys.yaml"
//
//	PHIGUARD_ARCHIVE_BUCKET="phiguard-audit" # empty disables archival
//	PHIGUARD_VERIFY_SCHEDULE="@every 1h"
//	PHIGUARD_LOG_LEVEL="info"
//	PHIGUARD_OTEL_ENABLED="false"
package config
