package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestMemory(t *testing.T) Store {
	t.Helper()
	return NewMemory()
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("GetAbsent", func(t *testing.T) {
		s := newStore(t)
		v, err := s.Get(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("SetAndGet", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "participant", json.RawMessage(`{"id":"U-1234"}`)))

		v, err := s.Get(ctx, "participant")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"U-1234"}`, string(v))
	})

	t.Run("SetOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", json.RawMessage(`1`)))
		require.NoError(t, s.Set(ctx, "k", json.RawMessage(`2`)))

		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "2", string(v))
	})

	t.Run("Remove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "k", json.RawMessage(`1`)))
		require.NoError(t, s.Remove(ctx, "k"))

		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Nil(t, v)

		// Removing an absent key is not an error.
		require.NoError(t, s.Remove(ctx, "k"))
	})

	t.Run("KeysByPrefix", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "outbox/sessions/U-1", json.RawMessage(`{}`)))
		require.NoError(t, s.Set(ctx, "outbox/notification/N-1", json.RawMessage(`{}`)))
		require.NoError(t, s.Set(ctx, "participant", json.RawMessage(`{}`)))

		keys, err := s.Keys(ctx, "outbox/")
		require.NoError(t, err)
		assert.Equal(t, []string{"outbox/notification/N-1", "outbox/sessions/U-1"}, keys)

		none, err := s.Keys(ctx, "draft/")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("GetJSONCorruptValueTreatedAsAbsent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Set(ctx, "bad", json.RawMessage(`{not json`)))

		var v map[string]string
		ok, err := GetJSON(ctx, s, "bad", &v)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetJSONRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		type rec struct {
			ID    string  `json:"id"`
			Value float64 `json:"value"`
		}
		require.NoError(t, SetJSON(ctx, s, "rec", rec{ID: "a", Value: 1.5}))

		var got rec
		ok, err := GetJSON(ctx, s, "rec", &got)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, rec{ID: "a", Value: 1.5}, got)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestMemoryStore(t *testing.T) {
	storeTestSuite(t, newTestMemory)
}

func TestMemoryStoreCountsWrites(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", json.RawMessage(`1`)))
	require.NoError(t, s.Set(ctx, "a", json.RawMessage(`2`)))
	assert.Equal(t, 2, s.Writes())
}
