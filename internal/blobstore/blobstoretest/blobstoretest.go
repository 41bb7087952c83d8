// Package blobstoretest holds a behavioural suite that every blobstore driver must pass.
package blobstoretest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/watchsync/internal/blobstore"
)

// Run exercises store semantics against fresh stores produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) blobstore.Store) {
	t.Helper()

	t.Run("get missing key", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		value, found, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, found)
		assert.Nil(t, value)

		_, version, err := store.Gets(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, version)
	})

	t.Run("set then get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", []byte("v1"), 0))

		value, found, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("v1"), value)
	})

	t.Run("every write changes the version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", []byte("v1"), 0))
		_, v1, err := store.Gets(ctx, "k")
		require.NoError(t, err)
		require.NotZero(t, v1)

		require.NoError(t, store.Set(ctx, "k", []byte("v2"), 0))
		_, v2, err := store.Gets(ctx, "k")
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)
	})

	t.Run("compare and swap", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", []byte("a"), 0))
		_, version, err := store.Gets(ctx, "k")
		require.NoError(t, err)

		ok, err := store.CompareAndSwap(ctx, "k", []byte("b"), version, 0)
		require.NoError(t, err)
		assert.True(t, ok)

		// the version presented above is now stale
		ok, err = store.CompareAndSwap(ctx, "k", []byte("c"), version, 0)
		require.NoError(t, err)
		assert.False(t, ok)

		value, _, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("b"), value)
	})

	t.Run("compare and swap on missing key", func(t *testing.T) {
		store := newStore(t)

		ok, err := store.CompareAndSwap(context.Background(), "missing", []byte("x"), 1, 0)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("add only once", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		ok, err := store.Add(ctx, "k", []byte("first"), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Add(ctx, "k", []byte("second"), 0)
		require.NoError(t, err)
		assert.False(t, ok)

		value, _, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), value)
	})

	t.Run("append", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		ok, err := store.Append(ctx, "k", []byte("x"), 0)
		require.NoError(t, err)
		assert.False(t, ok, "append to a missing key must fail")

		require.NoError(t, store.Set(ctx, "k", []byte("a\n"), time.Hour))
		ok, err = store.Append(ctx, "k", []byte("b\n"), 0)
		require.NoError(t, err)
		assert.True(t, ok)

		value, _, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("a\nb\n"), value)
	})

	t.Run("get many", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
		require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))

		values, err := store.GetMany(ctx, []string{"a", "b", "c"})
		require.NoError(t, err)
		assert.Equal(t, map[string][]byte{
			"a": []byte("1"),
			"b": []byte("2"),
		}, values)

		values, err = store.GetMany(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, values)
	})
}
