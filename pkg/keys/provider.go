package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// KeySize is the length in bytes of every field key.
const KeySize = 32

// ErrKeyUnavailable is returned when no key exists for a classification and
// version, or the backend cannot be reached.
var ErrKeyUnavailable = errors.New("key unavailable")

// Provider returns symmetric keys by classification and version.
type Provider interface {
	// GetKey returns the key material. The returned slice belongs to the
	// caller, which may zero it after use.
	GetKey(ctx context.Context, class phi.Classification, version int) ([]byte, error)
	// CurrentVersion is the version new ciphertext should be written under.
	CurrentVersion(ctx context.Context, class phi.Classification) (int, error)
}

func unavailable(class phi.Classification, version int, format string, args ...any) error {
	return fmt.Errorf("%w: %s v%d: %s", ErrKeyUnavailable, class, version, fmt.Sprintf(format, args...))
}

func checkKey(class phi.Classification, version int, key []byte) error {
	if len(key) != KeySize {
		return unavailable(class, version, "key must be %d bytes, got %d", KeySize, len(key))
	}
	return nil
}
