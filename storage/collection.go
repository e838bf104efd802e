package storage

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"meetup-server/utils/errors"
)

// Version is the optimistic-concurrency token handed out by Load and
// required by Save. A save against a stale token fails with CONFLICT
// instead of silently clobbering a concurrent writer.
type Version uint64

// Collection treats "the JSON array stored under one key" as a typed,
// validated, cached collection. Every mutation is a full-array rewrite:
// load the whole collection, change one element, write the whole
// collection back.
//
// The cache is process-wide with no TTL; staleness across independent
// processes is an accepted limitation of the design.
type Collection[T any] struct {
	store Store
	key   string

	// validate normalizes one raw record on load and on save. Records it
	// rejects are dropped with a log line rather than failing the whole
	// collection.
	validate func(T) (T, bool)

	// afterSave runs on each successful save (backup hook).
	afterSave func(items []T)

	mu      sync.Mutex
	cache   []T
	cached  bool
	version Version
}

func NewCollection[T any](store Store, key string, validate func(T) (T, bool)) *Collection[T] {
	if validate == nil {
		validate = func(item T) (T, bool) { return item, true }
	}
	return &Collection[T]{store: store, key: key, validate: validate}
}

// OnSave registers the hook fired after every successful save.
func (c *Collection[T]) OnSave(hook func(items []T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterSave = hook
}

// Load returns the collection and its current version. An absent key or a
// parse failure yields an empty collection and resets the cache: storage
// contents are never trusted to be well-formed.
func (c *Collection[T]) Load(ctx context.Context) ([]T, Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(ctx)
}

func (c *Collection[T]) loadLocked(ctx context.Context) ([]T, Version) {
	if c.cached {
		return copySlice(c.cache), c.version
	}

	raw, ok, err := c.store.Get(ctx, c.key)
	if err != nil {
		log.Printf("Failed to read %s: %v", c.key, err)
		c.resetLocked()
		return nil, c.version
	}
	if !ok {
		c.cache = nil
		c.cached = true
		return nil, c.version
	}

	var items []T
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		log.Printf("Corrupt document under %s, starting empty: %v", c.key, err)
		c.resetLocked()
		return nil, c.version
	}

	validated := make([]T, 0, len(items))
	for _, item := range items {
		v, keep := c.validate(item)
		if !keep {
			log.Printf("Dropping invalid record from %s", c.key)
			continue
		}
		validated = append(validated, v)
	}

	c.cache = validated
	c.cached = true
	return copySlice(c.cache), c.version
}

// Save validates, serializes and writes the full array back. A failed write
// leaves the cache untouched and surfaces STORAGE_FAILURE; a stale version
// surfaces CONFLICT. Only a successful write replaces the cache, bumps the
// version and fires the after-save hook.
func (c *Collection[T]) Save(ctx context.Context, items []T, v Version) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx, items, v)
}

func (c *Collection[T]) saveLocked(ctx context.Context, items []T, v Version) error {
	if v != c.version {
		return errors.ErrConflict
	}

	validated := make([]T, 0, len(items))
	for _, item := range items {
		vi, keep := c.validate(item)
		if !keep {
			log.Printf("Refusing to persist invalid record into %s", c.key)
			continue
		}
		validated = append(validated, vi)
	}

	raw, err := json.Marshal(validated)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to serialize "+c.key, errors.ErrStorage.Status)
	}
	if err := c.store.Set(ctx, c.key, string(raw)); err != nil {
		log.Printf("Failed to write %s: %v", c.key, err)
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to write "+c.key, errors.ErrStorage.Status)
	}

	c.cache = validated
	c.cached = true
	c.version++
	if c.afterSave != nil {
		c.afterSave(copySlice(validated))
	}
	return nil
}

// Mutate runs one load-modify-save cycle under the collection's mutex,
// serializing concurrent logical operations against the same key. The
// callback returns the new contents, or an error to abort without writing.
func (c *Collection[T]) Mutate(ctx context.Context, fn func(items []T) ([]T, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items, v := c.loadLocked(ctx)
	updated, err := fn(items)
	if err != nil {
		return err
	}
	return c.saveLocked(ctx, updated, v)
}

// ClearCache drops the in-memory copy; the next Load goes back to the store.
func (c *Collection[T]) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = nil
	c.cached = false
}

func (c *Collection[T]) resetLocked() {
	c.cache = nil
	c.cached = true
}

func copySlice[T any](items []T) []T {
	if items == nil {
		return nil
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}
