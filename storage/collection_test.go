package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meetup-server/utils/errors"
)

type record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func validRecord(r record) (record, bool) {
	if r.ID == "" {
		return r, false
	}
	if r.Name == "" {
		r.Name = "unnamed"
	}
	return r, true
}

func TestCollectionLoadAbsentKey(t *testing.T) {
	c := NewCollection(NewMemoryStore(), "test_records", validRecord)

	items, v := c.Load(context.Background())
	assert.Empty(t, items)
	assert.Equal(t, Version(0), v)
}

func TestCollectionSaveThenLoad(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCollection(store, "test_records", validRecord)

	items, v := c.Load(ctx)
	items = append(items, record{ID: "a", Name: "first"})
	require.NoError(t, c.Save(ctx, items, v))

	// fresh collection over the same store sees the write
	again := NewCollection(store, "test_records", validRecord)
	loaded, _ := again.Load(ctx)
	require.Len(t, loaded, 1)
	assert.Equal(t, "first", loaded[0].Name)
}

func TestCollectionStaleVersionConflicts(t *testing.T) {
	ctx := context.Background()
	c := NewCollection(NewMemoryStore(), "test_records", validRecord)

	_, v := c.Load(ctx)
	require.NoError(t, c.Save(ctx, []record{{ID: "a"}}, v))

	err := c.Save(ctx, []record{{ID: "b"}}, v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	// the conflicting save must not have touched the data
	items, _ := c.Load(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
}

func TestCollectionWriteFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewCollection(store, "test_records", validRecord)

	_, v := c.Load(ctx)
	require.NoError(t, c.Save(ctx, []record{{ID: "a"}}, v))

	store.FailWrites = true
	items, v := c.Load(ctx)
	err := c.Save(ctx, append(items, record{ID: "b"}), v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStorage))

	// cache still reflects the last successful save, and the version is
	// unchanged so a retry with the same token can succeed
	store.FailWrites = false
	items, v2 := c.Load(ctx)
	require.Len(t, items, 1)
	assert.Equal(t, v, v2)
	require.NoError(t, c.Save(ctx, append(items, record{ID: "b"}), v2))
}

func TestCollectionCorruptValueYieldsEmpty(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "test_records", "{not json"))

	c := NewCollection(store, "test_records", validRecord)
	items, v := c.Load(ctx)
	assert.Empty(t, items)

	// saving over the corrupt value recovers the key
	require.NoError(t, c.Save(ctx, []record{{ID: "a"}}, v))
	items, _ = c.Load(ctx)
	assert.Len(t, items, 1)
}

func TestCollectionDropsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "test_records",
		`[{"id":"a","name":""},{"id":"","name":"ghost"},{"id":"b","name":"ok"}]`))

	c := NewCollection(store, "test_records", validRecord)
	items, _ := c.Load(ctx)
	require.Len(t, items, 2)
	assert.Equal(t, "unnamed", items[0].Name)
	assert.Equal(t, "b", items[1].ID)
}

func TestCollectionMutateSerializes(t *testing.T) {
	ctx := context.Background()
	c := NewCollection(NewMemoryStore(), "test_records", validRecord)

	for i := 0; i < 5; i++ {
		err := c.Mutate(ctx, func(items []record) ([]record, error) {
			return append(items, record{ID: "r", Name: "n"}), nil
		})
		require.NoError(t, err)
	}
	items, _ := c.Load(ctx)
	assert.Len(t, items, 5)
}

func TestCollectionLoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewCollection(NewMemoryStore(), "test_records", validRecord)
	_, v := c.Load(ctx)
	require.NoError(t, c.Save(ctx, []record{{ID: "a", Name: "orig"}}, v))

	items, _ := c.Load(ctx)
	items[0].Name = "mutated"

	again, _ := c.Load(ctx)
	assert.Equal(t, "orig", again[0].Name)
}
