// Package app assembles the audit chain, key provider, policy and gateway
// from configuration. Binaries build one App and close it on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/phiguard/pkg/alert"
	"github.com/platinummonkey/phiguard/pkg/audit"
	"github.com/platinummonkey/phiguard/pkg/cipher"
	"github.com/platinummonkey/phiguard/pkg/config"
	"github.com/platinummonkey/phiguard/pkg/gateway"
	"github.com/platinummonkey/phiguard/pkg/keys"
	"github.com/platinummonkey/phiguard/pkg/observability"
	"github.com/platinummonkey/phiguard/pkg/phi"
	"github.com/platinummonkey/phiguard/pkg/policy"
	"github.com/platinummonkey/phiguard/pkg/records"
	"github.com/platinummonkey/phiguard/pkg/storage/objectstore"
	"github.com/platinummonkey/phiguard/pkg/storage/redisclient"
	"github.com/platinummonkey/phiguard/pkg/storage/sqldb"
)

// App holds the wired components.
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	DB    *sqldb.DB
	Redis *redis.Client

	Chain    *audit.ChainStore
	Verifier *audit.Verifier
	Records  *records.Store
	Keys     keys.Provider
	Cipher   *cipher.FieldCipher
	Policies *policy.Validator
	Alerter  alert.Alerter
	Gateway  *gateway.Gateway
}

// New connects every dependency named by cfg. On error anything already
// opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (a *App, err error) {
	registry := prometheus.NewRegistry()
	a = &App{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		Metrics:  observability.NewMetrics(registry),
	}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	a.DB, err = sqldb.Open(sqldb.Config{
		Driver:      cfg.Database.Driver,
		URL:         cfg.Database.URL,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		Timeout:     cfg.Database.Timeout,
		MaxLifetime: cfg.Database.MaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Redis.URL != "" {
		a.Redis, err = redisclient.New(ctx, redisclient.Config{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			return nil, err
		}
	}

	local := audit.NewLocalLocker(cfg.Chain.LockTimeout)
	var locker audit.Locker = local
	if cfg.Chain.RedisLock && a.Redis != nil {
		locker = audit.Lockers(local, audit.NewRedisLocker(a.Redis, cfg.Chain.RedisLockTTL, cfg.Chain.LockTimeout, logger))
	}
	a.Chain, err = audit.NewChainStore(ctx, a.DB, audit.StoreOptions{
		ChainID:     cfg.Chain.ChainID,
		Locker:      locker,
		LockTimeout: cfg.Chain.LockTimeout,
		Logger:      logger,
		Metrics:     a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	a.Verifier = audit.NewVerifier(a.Chain, cfg.Chain.VerifyPageSize, a.Metrics)

	a.Records, err = records.NewStore(ctx, a.DB)
	if err != nil {
		return nil, err
	}

	provider, err := NewKeyProvider(ctx, cfg.Keys)
	if err != nil {
		return nil, err
	}
	a.Keys = keys.NewCachingProvider(provider, cfg.Keys.CacheSize, cfg.Keys.CacheTTL)
	a.Cipher = cipher.New(a.Keys)

	p, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	a.Policies = policy.NewValidator(p)

	alerters := alert.NewMultiAlerter(alert.NewLogAlerter(logger, a.Metrics))
	if cfg.Chain.EnableRedisAlert && a.Redis != nil {
		alerters.Add(alert.NewRedisAlerter(a.Redis, cfg.Chain.AlertChannel))
	}
	a.Alerter = alerters

	a.Gateway, err = gateway.New(gateway.Options{
		Policies:           a.Policies,
		Cipher:             a.Cipher,
		Records:            a.Records,
		Chain:              a.Chain,
		Alerter:            a.Alerter,
		Logger:             logger,
		Metrics:            a.Metrics,
		AppendTimeout:      cfg.Chain.AppendTimeout,
		DecryptConcurrency: cfg.Chain.DecryptWorkers,
	})
	if err != nil {
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"driver":         a.DB.Dialect.Name(),
		"chain_id":       a.Chain.ChainID(),
		"key_provider":   cfg.Keys.Provider,
		"policy_version": p.Version(),
	}).Info("Components initialized")
	return a, nil
}

// NewKeyProvider builds the provider selected by cfg, without caching.
func NewKeyProvider(ctx context.Context, cfg config.KeysConfig) (keys.Provider, error) {
	switch cfg.Provider {
	case "static":
		masters, err := cfg.StaticMasters()
		if err != nil {
			return nil, err
		}
		return keys.NewStaticProvider(masters)
	case "vault":
		return keys.NewVaultProvider(keys.VaultConfig{
			Address:   cfg.VaultAddress,
			Token:     cfg.VaultToken,
			Namespace: cfg.VaultNamespace,
			Mount:     cfg.VaultMount,
			Prefix:    cfg.VaultPrefix,
		})
	case "kms":
		manifest, err := keys.LoadManifest(cfg.KMSManifest)
		if err != nil {
			return nil, err
		}
		return keys.NewKMSProvider(ctx, cfg.KMSRegion, manifest)
	default:
		return nil, fmt.Errorf("unknown key provider %q", cfg.Provider)
	}
}

// PolicyWatcher reloads the policy file on change and records every
// attempt on the chain as a policy.reload entry.
func (a *App) PolicyWatcher() *policy.Watcher {
	return policy.NewWatcher(a.Config.PolicyFile, a.Policies, a.Logger, a.Metrics, a.recordReload)
}

func (a *App) recordReload(ctx context.Context, ev policy.ReloadEvent) {
	draft := audit.Draft{
		EventType:    audit.EventPolicyReload,
		ActorID:      "system",
		ResourceType: "policy",
		ResourceID:   ev.Path,
		Action:       "reload",
		Outcome:      audit.OutcomeSuccess,
		AdditionalData: map[string]any{
			"previous_version": ev.PreviousVersion,
			"version":          ev.Version,
		},
	}
	if ev.Err != nil {
		draft.Outcome = audit.OutcomeError
		draft.AdditionalData["rejected"] = true
	}
	if _, err := a.Chain.Append(context.WithoutCancel(ctx), draft); err != nil {
		a.Logger.WithError(err).Error("Failed to record policy reload")
	}
}

// Archiver returns nil when no archive bucket is configured.
func (a *App) Archiver(ctx context.Context) (*audit.Archiver, error) {
	cfg := a.Config.Archive
	if cfg.Bucket == "" {
		return nil, nil
	}
	s3, err := objectstore.NewS3Client(ctx, objectstore.Config{
		Bucket:       cfg.Bucket,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		AccessKey:    cfg.AccessKey,
		SecretKey:    cfg.SecretKey,
		UsePathStyle: cfg.UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	return audit.NewArchiver(a.Chain, s3, cfg.Prefix, a.Logger), nil
}

// VerificationJob returns the scheduled verification over the chain.
func (a *App) VerificationJob() *audit.VerificationJob {
	return audit.NewVerificationJob(a.Chain, a.Verifier, a.Alerter, a.Logger)
}

// HealthChecker probes the database, Redis and the current key versions.
func (a *App) HealthChecker(version string) *observability.HealthChecker {
	h := observability.NewHealthChecker(version, a.DB.DB, a.Redis)
	h.AddCheck("keys", true, func(ctx context.Context) error {
		_, err := a.Keys.CurrentVersion(ctx, phi.Restricted)
		return err
	})
	return h
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
