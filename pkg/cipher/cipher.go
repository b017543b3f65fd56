package cipher

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/platinummonkey/phiguard/pkg/keys"
	"github.com/platinummonkey/phiguard/pkg/phi"
)

var (
	// ErrDecryption covers authentication failures and unavailable keys.
	ErrDecryption = errors.New("decryption failed")
	// ErrEncryption is returned when a value cannot be sealed.
	ErrEncryption = errors.New("encryption failed")
)

// Algorithm names an AEAD construction.
type Algorithm string

const (
	AES256GCM         Algorithm = "aes-256-gcm"
	XChaCha20Poly1305 Algorithm = "xchacha20-poly1305"
)

const (
	tagSize            = 16
	associatedDataHead = "phiguard.field.v1"
)

// Valid reports whether a is supported.
func (a Algorithm) Valid() bool {
	return a == AES256GCM || a == XChaCha20Poly1305
}

// Value implements driver.Valuer.
func (a Algorithm) Value() (driver.Value, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown algorithm %q", string(a))
	}
	return string(a), nil
}

// Scan implements sql.Scanner.
func (a *Algorithm) Scan(src any) error {
	s, err := phi.ScanString(src)
	if err != nil {
		return err
	}
	alg := Algorithm(phi.Canonical(s))
	if !alg.Valid() {
		return fmt.Errorf("unknown algorithm %q", s)
	}
	*a = alg
	return nil
}

// ProtectedField is an encrypted field value. The plaintext is never stored.
type ProtectedField struct {
	Classification phi.Classification `json:"classification"`
	KeyVersion     int                `json:"key_version"`
	Algorithm      Algorithm          `json:"algorithm"`
	// Ciphertext is nonce || encrypted body.
	Ciphertext []byte `json:"ciphertext"`
	Tag        []byte `json:"integrity_tag"`
}

// FieldCipher seals and opens ProtectedFields using keys from a Provider.
// It holds no per-request state and is safe for concurrent use.
type FieldCipher struct {
	keys      keys.Provider
	algorithm Algorithm
	random    io.Reader
}

// Option configures a FieldCipher.
type Option func(*FieldCipher)

// WithAlgorithm selects the AEAD used for new ciphertext. Decryption always
// follows the algorithm recorded on the field.
func WithAlgorithm(a Algorithm) Option {
	return func(c *FieldCipher) { c.algorithm = a }
}

// WithRandom replaces the nonce source.
func WithRandom(r io.Reader) Option {
	return func(c *FieldCipher) { c.random = r }
}

// New returns a FieldCipher backed by provider.
func New(provider keys.Provider, opts ...Option) *FieldCipher {
	c := &FieldCipher{keys: provider, algorithm: AES256GCM, random: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encrypt seals plaintext under the key for class and version.
func (c *FieldCipher) Encrypt(ctx context.Context, class phi.Classification, version int, plaintext []byte) (ProtectedField, error) {
	if !class.Valid() {
		return ProtectedField{}, fmt.Errorf("%w: unknown classification", ErrEncryption)
	}
	key, err := c.keys.GetKey(ctx, class, version)
	if err != nil {
		return ProtectedField{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	defer clear(key)

	aead, err := newAEAD(c.algorithm, key)
	if err != nil {
		return ProtectedField{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return ProtectedField{}, fmt.Errorf("%w: failed to generate nonce", ErrEncryption)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, associatedData(c.algorithm, class, version))
	split := len(sealed) - tagSize
	return ProtectedField{
		Classification: class,
		KeyVersion:     version,
		Algorithm:      c.algorithm,
		Ciphertext:     sealed[:split:split],
		Tag:            append([]byte(nil), sealed[split:]...),
	}, nil
}

// EncryptCurrent seals plaintext under the current key version for class.
func (c *FieldCipher) EncryptCurrent(ctx context.Context, class phi.Classification, plaintext []byte) (ProtectedField, error) {
	version, err := c.keys.CurrentVersion(ctx, class)
	if err != nil {
		return ProtectedField{}, fmt.Errorf("%w: %w", ErrEncryption, err)
	}
	return c.Encrypt(ctx, class, version, plaintext)
}

// Decrypt authenticates and opens f. Every failure wraps ErrDecryption; a
// missing key additionally wraps keys.ErrKeyUnavailable.
func (c *FieldCipher) Decrypt(ctx context.Context, f ProtectedField) ([]byte, error) {
	if !f.Classification.Valid() || !f.Algorithm.Valid() {
		return nil, fmt.Errorf("%w: malformed field header", ErrDecryption)
	}
	if len(f.Tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed integrity tag", ErrDecryption)
	}

	key, err := c.keys.GetKey(ctx, f.Classification, f.KeyVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	defer clear(key)

	aead, err := newAEAD(f.Algorithm, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	if len(f.Ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, body := f.Ciphertext[:aead.NonceSize()], f.Ciphertext[aead.NonceSize():]
	sealed := make([]byte, 0, len(body)+tagSize)
	sealed = append(append(sealed, body...), f.Tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, associatedData(f.Algorithm, f.Classification, f.KeyVersion))
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return plaintext, nil
}

func newAEAD(a Algorithm, key []byte) (cipher.AEAD, error) {
	switch a {
	case AES256GCM:
		if len(key) != 32 {
			return nil, fmt.Errorf("aes-256-gcm requires a 32 byte key")
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case XChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unknown algorithm %q", string(a))
	}
}

func associatedData(a Algorithm, class phi.Classification, version int) []byte {
	return []byte(associatedDataHead + "|" + string(a) + "|" + string(class) + "|" + strconv.Itoa(version))
}
