// Package storetest holds the behavioural checks every store.Store backend
// must pass. Backend tests call Run with a freshly created, empty store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/idlestop/internal/store"
)

func Run(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.EnsureSchema(ctx))

	t.Run("MissingRecordIsColdStart", func(t *testing.T) {
		_, err := st.Get(ctx, "i-missing")
		assert.True(t, errors.Is(err, store.ErrNotFound), "got %v", err)
		n, err := store.IdleCount(ctx, st, "i-missing")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		prev, err := store.Lookup(ctx, st, "i-missing")
		require.NoError(t, err)
		assert.Nil(t, prev)
	})

	t.Run("PutIsIdempotentUpsert", func(t *testing.T) {
		before := time.Now().UTC().Add(-time.Second)
		for i := 0; i < 3; i++ {
			require.NoError(t, st.Put(ctx, store.Record{InstanceID: "i-put", IdleCount: 2}))
		}
		rec, err := st.Get(ctx, "i-put")
		require.NoError(t, err)
		assert.Equal(t, "i-put", rec.InstanceID)
		assert.Equal(t, 2, rec.IdleCount)
		assert.True(t, rec.LastUpdated.After(before), "last_updated not refreshed: %v", rec.LastUpdated)

		require.NoError(t, st.Put(ctx, store.Record{InstanceID: "i-put", IdleCount: 0}))
		n, err := store.IdleCount(ctx, st, "i-put")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})

	t.Run("CompareAndSwapCreate", func(t *testing.T) {
		require.NoError(t, st.CompareAndSwap(ctx, "i-cas-new", nil, 1))
		// a second create must lose
		err := st.CompareAndSwap(ctx, "i-cas-new", nil, 1)
		assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
		n, err := store.IdleCount(ctx, st, "i-cas-new")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("CompareAndSwapUpdate", func(t *testing.T) {
		require.NoError(t, st.Put(ctx, store.Record{InstanceID: "i-cas", IdleCount: 2}))
		prev, err := store.Lookup(ctx, st, "i-cas")
		require.NoError(t, err)
		require.NotNil(t, prev)
		require.NoError(t, st.CompareAndSwap(ctx, "i-cas", prev, 3))

		// stale read: prev still says 2, stored value is 3
		err = st.CompareAndSwap(ctx, "i-cas", prev, 0)
		assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
		n, err := store.IdleCount(ctx, st, "i-cas")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("CompareAndSwapExpectsMissingRecord", func(t *testing.T) {
		err := st.CompareAndSwap(ctx, "i-cas-ghost", &store.Record{InstanceID: "i-cas-ghost", IdleCount: 0}, 1)
		assert.True(t, errors.Is(err, store.ErrConflict), "got %v", err)
	})
}
