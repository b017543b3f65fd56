package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path"
	"strconv"

	"github.com/hashicorp/vault/api"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// vaultLogical is the subset of *api.Logical used here.
type vaultLogical interface {
	ReadWithDataWithContext(ctx context.Context, path string, data map[string][]string) (*api.Secret, error)
}

// VaultConfig locates field keys in a KV v2 mount. The secret at
// <Mount>/data/<Prefix>/<classification> holds the base64 key under "key",
// and each KV version is a key version.
type VaultConfig struct {
	Address   string
	Token     string
	Namespace string
	Mount     string
	Prefix    string
}

// VaultProvider reads field keys from HashiCorp Vault.
type VaultProvider struct {
	logical vaultLogical
	mount   string
	prefix  string
}

// NewVaultProvider builds a Vault client from cfg. Address and token fall back
// to VAULT_ADDR and VAULT_TOKEN.
func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("failed to load Vault config: %w", config.Error)
	}
	if cfg.Address != "" {
		config.Address = cfg.Address
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := cfg.Mount
	if mount == "" {
		mount = "secret"
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "phiguard/field-keys"
	}
	return &VaultProvider{logical: client.Logical(), mount: mount, prefix: prefix}, nil
}

func (p *VaultProvider) GetKey(ctx context.Context, class phi.Classification, version int) ([]byte, error) {
	if !class.Valid() || version <= 0 {
		return nil, unavailable(class, version, "invalid key reference")
	}

	secret, err := p.logical.ReadWithDataWithContext(ctx, p.secretPath("data", class),
		map[string][]string{"version": {strconv.Itoa(version)}})
	if err != nil {
		return nil, unavailable(class, version, "vault read failed: %v", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, unavailable(class, version, "not found")
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, unavailable(class, version, "invalid secret format")
	}
	encoded, ok := data["key"].(string)
	if !ok {
		return nil, unavailable(class, version, "secret has no key")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, unavailable(class, version, "key is not base64")
	}
	if err := checkKey(class, version, key); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *VaultProvider) CurrentVersion(ctx context.Context, class phi.Classification) (int, error) {
	if !class.Valid() {
		return 0, unavailable(class, 0, "unknown classification")
	}
	secret, err := p.logical.ReadWithDataWithContext(ctx, p.secretPath("metadata", class), nil)
	if err != nil {
		return 0, unavailable(class, 0, "vault read failed: %v", err)
	}
	if secret == nil || secret.Data == nil {
		return 0, unavailable(class, 0, "not found")
	}
	v, err := asInt(secret.Data["current_version"])
	if err != nil || v <= 0 {
		return 0, unavailable(class, 0, "invalid current_version")
	}
	return v, nil
}

func (p *VaultProvider) secretPath(kind string, class phi.Classification) string {
	return path.Join(p.mount, kind, p.prefix, string(class))
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
