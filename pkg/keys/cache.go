package keys

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/phiguard/pkg/phi"
)

// CachingProvider keeps recently used keys in memory for a bounded time.
// Evicted key material is zeroed.
type CachingProvider struct {
	next     Provider
	keys     *lru.LRU[string, []byte]
	versions *lru.LRU[phi.Classification, int]
}

// NewCachingProvider wraps next. Current versions are cached for the same
// ttl, which bounds how long a rotation takes to reach writers.
func NewCachingProvider(next Provider, size int, ttl time.Duration) *CachingProvider {
	if size <= 0 {
		size = 64
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachingProvider{
		next: next,
		keys: lru.NewLRU[string, []byte](size, func(_ string, key []byte) {
			clear(key)
		}, ttl),
		versions: lru.NewLRU[phi.Classification, int](len(phi.Classifications()), nil, ttl),
	}
}

func (c *CachingProvider) GetKey(ctx context.Context, class phi.Classification, version int) ([]byte, error) {
	id := fmt.Sprintf("%s/%d", class, version)
	if key, ok := c.keys.Get(id); ok {
		return append([]byte(nil), key...), nil
	}

	key, err := c.next.GetKey(ctx, class, version)
	if err != nil {
		return nil, err
	}
	c.keys.Add(id, append([]byte(nil), key...))
	return key, nil
}

func (c *CachingProvider) CurrentVersion(ctx context.Context, class phi.Classification) (int, error) {
	if v, ok := c.versions.Get(class); ok {
		return v, nil
	}
	v, err := c.next.CurrentVersion(ctx, class)
	if err != nil {
		return 0, err
	}
	c.versions.Add(class, v)
	return v, nil
}

// Purge drops every cached key and version.
func (c *CachingProvider) Purge() {
	c.keys.Purge()
	c.versions.Purge()
}
