package keys

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// Mock KMS client for testing
type mockKMSClient struct {
	decryptFunc func(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	calls       int
}

func (m *mockKMSClient) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	m.calls++
	if m.decryptFunc != nil {
		return m.decryptFunc(ctx, params, optFns...)
	}
	return &kms.DecryptOutput{}, nil
}

// unwrapping strips a fixed "wrapped:" prefix, standing in for KMS.
func unwrapping(t *testing.T) *mockKMSClient {
	return &mockKMSClient{
		decryptFunc: func(_ context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			assert.NotEmpty(t, params.EncryptionContext["classification"])
			assert.NotEmpty(t, params.EncryptionContext["version"])
			plain, ok := bytes.CutPrefix(params.CiphertextBlob, []byte("wrapped:"))
			if !ok {
				return nil, errors.New("InvalidCiphertextException")
			}
			return &kms.DecryptOutput{Plaintext: plain}, nil
		},
	}
}

func wrap(key []byte) string {
	return base64.StdEncoding.EncodeToString(append([]byte("wrapped:"), key...))
}

func TestParseManifest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		m, err := ParseManifest([]byte(`
key_id: alias/phiguard
keys:
  - classification: RESTRICTED
    version: 1
    wrapped_key: ` + wrap(bytes.Repeat([]byte{1}, KeySize)) + `
  - classification: restricted
    version: 2
    wrapped_key: ` + wrap(bytes.Repeat([]byte{2}, KeySize)) + `
    current: true
`))
		require.NoError(t, err)
		assert.Equal(t, "alias/phiguard", m.KeyID)
		require.Len(t, m.Keys, 2)
		assert.Equal(t, phi.Restricted, m.Keys[0].Classification)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := ParseManifest([]byte(`
keys:
  - {classification: internal, version: 1, wrapped_key: eA==}
  - {classification: internal, version: 1, wrapped_key: eA==}
`))
		assert.ErrorContains(t, err, "duplicate")
	})

	t.Run("two current", func(t *testing.T) {
		_, err := ParseManifest([]byte(`
keys:
  - {classification: internal, version: 1, wrapped_key: eA==, current: true}
  - {classification: internal, version: 2, wrapped_key: eA==, current: true}
`))
		assert.ErrorContains(t, err, "current versions")
	})

	t.Run("unknown classification", func(t *testing.T) {
		_, err := ParseManifest([]byte(`
keys:
  - {classification: secret, version: 1, wrapped_key: eA==}
`))
		assert.Error(t, err)
	})
}

func TestKMSProvider(t *testing.T) {
	ctx := context.Background()
	k1 := bytes.Repeat([]byte{1}, KeySize)
	k2 := bytes.Repeat([]byte{2}, KeySize)
	m := &Manifest{Keys: []ManifestEntry{
		{Classification: phi.Restricted, Version: 2, WrappedKey: wrap(k2), Current: true},
		{Classification: phi.Restricted, Version: 3, WrappedKey: wrap(k2)},
		{Classification: phi.Restricted, Version: 1, WrappedKey: wrap(k1)},
		{Classification: phi.Internal, Version: 1, WrappedKey: wrap(k1)},
		{Classification: phi.Internal, Version: 4, WrappedKey: wrap([]byte("too-short"))},
	}}

	p, err := newKMSProvider(unwrapping(t), m)
	require.NoError(t, err)

	key, err := p.GetKey(ctx, phi.Restricted, 1)
	require.NoError(t, err)
	assert.Equal(t, k1, key)

	v, err := p.CurrentVersion(ctx, phi.Restricted)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "explicit current wins over a higher version")

	v, err = p.CurrentVersion(ctx, phi.Internal)
	require.NoError(t, err)
	assert.Equal(t, 4, v, "highest version without an explicit current")

	_, err = p.GetKey(ctx, phi.Internal, 4)
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = p.GetKey(ctx, phi.Confidential, 1)
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	_, err = p.CurrentVersion(ctx, phi.Public)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestKMSProviderDecryptFailure(t *testing.T) {
	client := &mockKMSClient{
		decryptFunc: func(context.Context, *kms.DecryptInput, ...func(*kms.Options)) (*kms.DecryptOutput, error) {
			return nil, errors.New("AccessDeniedException")
		},
	}
	p, err := newKMSProvider(client, &Manifest{Keys: []ManifestEntry{
		{Classification: phi.Restricted, Version: 1, WrappedKey: wrap(bytes.Repeat([]byte{1}, KeySize))},
	}})
	require.NoError(t, err)

	_, err = p.GetKey(context.Background(), phi.Restricted, 1)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestNewKMSProviderRejectsBadBase64(t *testing.T) {
	_, err := newKMSProvider(&mockKMSClient{}, &Manifest{Keys: []ManifestEntry{
		{Classification: phi.Restricted, Version: 1, WrappedKey: "!!!"},
	}})
	assert.Error(t, err)
}
