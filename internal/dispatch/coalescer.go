package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// lockEntry is the lock shared by every caller of one request identity
type lockEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// Coalescer keeps at most one execution in flight per request identity.
// Entries are created on first use and dropped once no caller holds or
// waits on them.
type Coalescer struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewCoalescer creates an empty lock table
func NewCoalescer() *Coalescer {
	return &Coalescer{
		locks: make(map[string]*lockEntry),
	}
}

// Acquire takes the lock for id. waited reports whether another caller held
// it first. release must be called once the caller is done; extra calls are
// ignored.
func (c *Coalescer) Acquire(ctx context.Context, id string) (release func(), waited bool, err error) {
	c.mu.Lock()
	entry, ok := c.locks[id]
	if !ok {
		entry = &lockEntry{sem: semaphore.NewWeighted(1)}
		c.locks[id] = entry
	}
	entry.refs++
	c.mu.Unlock()

	if !entry.sem.TryAcquire(1) {
		waited = true
		if err := entry.sem.Acquire(ctx, 1); err != nil {
			c.unref(id, entry)
			return nil, true, err
		}
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			entry.sem.Release(1)
			c.unref(id, entry)
		})
	}
	return release, waited, nil
}

func (c *Coalescer) unref(id string, entry *lockEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry.refs--
	if entry.refs == 0 && c.locks[id] == entry {
		delete(c.locks, id)
	}
}

// Len returns the number of tracked identities
func (c *Coalescer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
