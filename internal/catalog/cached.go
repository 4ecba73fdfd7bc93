package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"bibliobot/internal/domain"
)

const DefaultCacheTTL = 5 * time.Minute

// CachedSource keeps the last snapshot of another Source for a fixed TTL.
// A failed refresh is returned to the caller and leaves the old snapshot untouched.
type CachedSource struct {
	next Source
	ttl  time.Duration
	now  func() time.Time

	mu        sync.Mutex
	snapshot  []domain.CatalogEntry
	fetchedAt time.Time
	loaded    bool
}

// NewCachedSource wraps next. A non-positive ttl means DefaultCacheTTL.
func NewCachedSource(next Source, ttl time.Duration) (*CachedSource, error) {
	if next == nil {
		return nil, errors.New("catalog: source must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedSource{next: next, ttl: ttl, now: time.Now}, nil
}

// Entries returns a copy of the snapshot, refreshing it once the TTL has passed.
func (c *CachedSource) Entries(ctx context.Context) ([]domain.CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded && c.now().Sub(c.fetchedAt) < c.ttl {
		return append([]domain.CatalogEntry(nil), c.snapshot...), nil
	}
	entries, err := c.next.Entries(ctx)
	if err != nil {
		return nil, err
	}
	c.snapshot = append([]domain.CatalogEntry(nil), entries...)
	c.fetchedAt = c.now()
	c.loaded = true
	return entries, nil
}
