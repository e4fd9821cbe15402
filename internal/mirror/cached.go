package mirror

import (
	"context"

	"fintrack/internal/cache"
	"fintrack/internal/core"
)

// Cached is a read-through, write-through decorator over a Mirror. Reads for
// a user hit the backing mirror once; later reads are served from memory
// until the entry is evicted.
type Cached struct {
	next  Mirror
	cache cache.Cache[core.AppState]
}

func NewCached(next Mirror, c cache.Cache[core.AppState]) *Cached {
	return &Cached{next: next, cache: c}
}

func (c *Cached) Read(ctx context.Context, userID string) (core.AppState, bool, error) {
	if state, ok := c.cache.Get(userID); ok {
		return state.Clone(), true, nil
	}
	state, ok, err := c.next.Read(ctx, userID)
	if err != nil || !ok {
		return state, ok, err
	}
	c.cache.Set(userID, state.Clone())
	return state, true, nil
}

// Write invalidates before writing so a failed write never leaves a cached
// value the backing store does not hold.
func (c *Cached) Write(ctx context.Context, userID string, state core.AppState) error {
	c.cache.Delete(userID)
	if err := c.next.Write(ctx, userID, state); err != nil {
		return err
	}
	c.cache.Set(userID, state.Clone())
	return nil
}
