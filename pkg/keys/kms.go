package keys

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// kmsClient allows mocking of AWS KMS
type kmsClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Manifest lists wrapped data keys. Each key was encrypted by KMS with the
// encryption context {"classification": ..., "version": ...}.
type Manifest struct {
	KeyID string          `yaml:"key_id"`
	Keys  []ManifestEntry `yaml:"keys"`
}

// ManifestEntry is one wrapped key.
type ManifestEntry struct {
	Classification phi.Classification `yaml:"classification"`
	Version        int                `yaml:"version"`
	WrappedKey     string             `yaml:"wrapped_key"`
	Current        bool               `yaml:"current"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read key manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse key manifest: %w", err)
	}

	seen := make(map[string]bool)
	current := make(map[phi.Classification]int)
	for _, e := range m.Keys {
		if e.Version <= 0 {
			return nil, fmt.Errorf("key manifest: %s has invalid version %d", e.Classification, e.Version)
		}
		id := fmt.Sprintf("%s/%d", e.Classification, e.Version)
		if seen[id] {
			return nil, fmt.Errorf("key manifest: duplicate entry %s", id)
		}
		seen[id] = true
		if e.Current {
			current[e.Classification]++
		}
	}
	for class, n := range current {
		if n > 1 {
			return nil, fmt.Errorf("key manifest: %s has %d current versions", class, n)
		}
	}
	return &m, nil
}

// KMSProvider unwraps manifest keys with AWS KMS on demand. Wrap it in a
// CachingProvider to avoid a KMS round trip per field.
type KMSProvider struct {
	client  kmsClient
	keyID   string
	wrapped map[string][]byte
	current map[phi.Classification]int
}

// NewKMSProvider loads the default AWS configuration for region.
func NewKMSProvider(ctx context.Context, region string, manifest *Manifest) (*KMSProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newKMSProvider(kms.NewFromConfig(awsConfig), manifest)
}

func newKMSProvider(client kmsClient, manifest *Manifest) (*KMSProvider, error) {
	p := &KMSProvider{
		client:  client,
		keyID:   manifest.KeyID,
		wrapped: make(map[string][]byte, len(manifest.Keys)),
		current: make(map[phi.Classification]int),
	}
	// Without an explicit current entry the highest version wins.
	explicit := make(map[phi.Classification]bool)
	for _, e := range manifest.Keys {
		blob, err := base64.StdEncoding.DecodeString(e.WrappedKey)
		if err != nil {
			return nil, fmt.Errorf("key manifest: %s v%d wrapped key is not base64", e.Classification, e.Version)
		}
		p.wrapped[fmt.Sprintf("%s/%d", e.Classification, e.Version)] = blob
		if e.Current {
			explicit[e.Classification] = true
			p.current[e.Classification] = e.Version
		} else if !explicit[e.Classification] && e.Version > p.current[e.Classification] {
			p.current[e.Classification] = e.Version
		}
	}
	return p, nil
}

func (p *KMSProvider) GetKey(ctx context.Context, class phi.Classification, version int) ([]byte, error) {
	blob, ok := p.wrapped[fmt.Sprintf("%s/%d", class, version)]
	if !ok {
		return nil, unavailable(class, version, "not in manifest")
	}

	input := &kms.DecryptInput{
		CiphertextBlob: blob,
		EncryptionContext: map[string]string{
			"classification": string(class),
			"version":        strconv.Itoa(version),
		},
	}
	if p.keyID != "" {
		input.KeyId = aws.String(p.keyID)
	}

	out, err := p.client.Decrypt(ctx, input)
	if err != nil {
		return nil, unavailable(class, version, "kms decrypt failed: %v", err)
	}
	if err := checkKey(class, version, out.Plaintext); err != nil {
		return nil, err
	}
	return out.Plaintext, nil
}

func (p *KMSProvider) CurrentVersion(_ context.Context, class phi.Classification) (int, error) {
	v, ok := p.current[class]
	if !ok {
		return 0, unavailable(class, 0, "no keys in manifest")
	}
	return v, nil
}
