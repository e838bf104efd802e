package storage

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"meetup-server/utils/errors"
)

// Document applies the Collection discipline to a single JSON document
// under one key: the chat map, the global chat, the pedometer stats. The
// whole document is the rewrite granularity, which is what makes chat
// fan-out atomic within one call.
type Document[T any] struct {
	store Store
	key   string

	// fresh builds the zero document used when the key is absent or corrupt.
	fresh func() T

	mu      sync.Mutex
	cache   T
	cached  bool
	version Version
}

func NewDocument[T any](store Store, key string, fresh func() T) *Document[T] {
	if fresh == nil {
		fresh = func() T { var zero T; return zero }
	}
	return &Document[T]{store: store, key: key, fresh: fresh}
}

// Load returns the document and its version. Absent or corrupt state yields
// a fresh document, never an error.
func (d *Document[T]) Load(ctx context.Context) (T, Version) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loadLocked(ctx)
}

func (d *Document[T]) loadLocked(ctx context.Context) (T, Version) {
	if d.cached {
		return d.cache, d.version
	}

	raw, ok, err := d.store.Get(ctx, d.key)
	if err != nil || !ok {
		if err != nil {
			log.Printf("Failed to read %s: %v", d.key, err)
		}
		d.cache = d.fresh()
		d.cached = true
		return d.cache, d.version
	}

	var doc T
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		log.Printf("Corrupt document under %s, starting fresh: %v", d.key, err)
		d.cache = d.fresh()
		d.cached = true
		return d.cache, d.version
	}

	d.cache = doc
	d.cached = true
	return d.cache, d.version
}

// Save writes the document back. Stale versions fail with CONFLICT, write
// failures with STORAGE_FAILURE, and in both cases the cache keeps its
// pre-save state.
func (d *Document[T]) Save(ctx context.Context, doc T, v Version) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveLocked(ctx, doc, v)
}

func (d *Document[T]) saveLocked(ctx context.Context, doc T, v Version) error {
	if v != d.version {
		return errors.ErrConflict
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to serialize "+d.key, errors.ErrStorage.Status)
	}
	if err := d.store.Set(ctx, d.key, string(raw)); err != nil {
		log.Printf("Failed to write %s: %v", d.key, err)
		// drop the cache so the next load rereads the durable state
		var zero T
		d.cache = zero
		d.cached = false
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to write "+d.key, errors.ErrStorage.Status)
	}

	d.cache = doc
	d.cached = true
	d.version++
	return nil
}

// Mutate runs one load-modify-save cycle under the document's mutex. The
// callback receives a deep copy, so a failed save or a returned error never
// leaves the cache half-mutated even for documents holding maps or slices.
func (d *Document[T]) Mutate(ctx context.Context, fn func(doc *T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	doc, v := d.loadLocked(ctx)
	working, err := deepCopy(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrStorage.Code, "failed to copy "+d.key, errors.ErrStorage.Status)
	}
	if err := fn(&working); err != nil {
		return err
	}
	return d.saveLocked(ctx, working, v)
}

func deepCopy[T any](doc T) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

// ClearCache drops the in-memory copy.
func (d *Document[T]) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	d.cache = zero
	d.cached = false
}
