package fabric

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduper remembers envelope ids a consumer group has already handled.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// LRUDeduper keeps handled ids in a bounded in-process cache.
type LRUDeduper struct {
	cache *expirable.LRU[string, struct{}]
}

func NewLRUDeduper(size int, ttl time.Duration) *LRUDeduper {
	if size <= 0 {
		size = 10000
	}
	return &LRUDeduper{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (d *LRUDeduper) Seen(_ context.Context, key string) (bool, error) {
	return d.cache.Contains(key), nil
}

func (d *LRUDeduper) Mark(_ context.Context, key string) error {
	d.cache.Add(key, struct{}{})
	return nil
}

func (d *LRUDeduper) Len() int { return d.cache.Len() }
