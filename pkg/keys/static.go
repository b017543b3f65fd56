package keys

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// StaticProvider derives a distinct key per classification and version from a
// master secret per version.
type StaticProvider struct {
	masters map[int][]byte
	current int
}

// NewStaticProvider returns a provider for the given master secrets. The
// highest version is current.
func NewStaticProvider(masters map[int][]byte) (*StaticProvider, error) {
	if len(masters) == 0 {
		return nil, fmt.Errorf("at least one master secret is required")
	}
	copied := make(map[int][]byte, len(masters))
	versions := make([]int, 0, len(masters))
	for v, m := range masters {
		if v <= 0 {
			return nil, fmt.Errorf("key versions start at 1, got %d", v)
		}
		if len(m) < KeySize {
			return nil, fmt.Errorf("master secret v%d must be at least %d bytes", v, KeySize)
		}
		copied[v] = append([]byte(nil), m...)
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return &StaticProvider{masters: copied, current: versions[len(versions)-1]}, nil
}

func (p *StaticProvider) GetKey(_ context.Context, class phi.Classification, version int) ([]byte, error) {
	if !class.Valid() {
		return nil, unavailable(class, version, "unknown classification")
	}
	master, ok := p.masters[version]
	if !ok {
		return nil, unavailable(class, version, "no such version")
	}

	info := fmt.Sprintf("phiguard/field/%s/v%d", class, version)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, unavailable(class, version, "derivation failed")
	}
	return key, nil
}

func (p *StaticProvider) CurrentVersion(_ context.Context, class phi.Classification) (int, error) {
	if !class.Valid() {
		return 0, unavailable(class, 0, "unknown classification")
	}
	return p.current, nil
}
