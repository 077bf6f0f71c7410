package ckvd

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/ckvd/internal/ckvfs"
)

func openTestStore(t *testing.T, cfg Config) (*Store, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "store.ckvd")

	s := NewStore(ckvfs.NewReal(), cfg)

	require.NoError(t, s.Open(path, true))
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func Test_Store_Set_Get_Delete_Round_Trip(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AutoSync = false

	s, _ := openTestStore(t, cfg)

	key, err := NewKey("users", "alice")
	require.NoError(t, err)

	require.NoError(t, s.Set(key, map[string]any{"name": "Alice", "age": 30.0}))

	entry, err := s.Get(key)
	require.NoError(t, err)
	require.NotNil(t, entry)

	val, err := decodeValue(entry.Transaction.Payload)
	require.NoError(t, err)

	got, ok := val.(map[string]any)
	require.True(t, ok, "decoded value should be a map")
	require.Equal(t, "Alice", got["name"])

	require.NoError(t, s.Delete(key))

	entry, err = s.Get(key)
	require.NoError(t, err)
	require.Nil(t, entry, "key should be gone after delete")
}

func Test_Store_Iterate_Numeric_Range(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AutoSync = false

	s, _ := openTestStore(t, cfg)

	for i := 0; i < 10; i++ {
		key, err := NewKey("events", float64(i))
		require.NoError(t, err)
		require.NoError(t, s.Set(key, float64(i)))
	}

	q, err := NewQuery("events", RangeFragment{From: 3.0, To: 6.0})
	require.NoError(t, err)

	entries, err := s.ListAll(q, 0, false)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var got []int
	for _, e := range entries {
		v, derr := decodeValue(e.Transaction.Payload)
		require.NoError(t, derr)

		f, ok := v.(float64)
		require.True(t, ok)

		got = append(got, int(f))
	}

	want := []int{3, 4, 5, 6}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("range mismatch (-want +got):\n%s", diff)
	}
}

func Test_Store_Transaction_Commits_All_Or_Nothing(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AutoSync = false

	s, _ := openTestStore(t, cfg)

	require.NoError(t, s.BeginTransaction())

	k1, _ := NewKey("tx", "a")
	k2, _ := NewKey("tx", "b")

	require.NoError(t, s.Set(k1, 1))
	require.NoError(t, s.Set(k2, 2))

	// Nothing should be visible until EndTransaction commits the batch.
	count, err := s.Count(Query{})
	require.NoError(t, err)
	require.Equal(t, 0, count)

	require.NoError(t, s.EndTransaction())

	e1, err := s.Get(k1)
	require.NoError(t, err)
	require.NotNil(t, e1)

	e2, err := s.Get(k2)
	require.NoError(t, err)
	require.NotNil(t, e2)
}

func Test_Store_AbortTransaction_Discards_Pending_Writes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AutoSync = false

	s, _ := openTestStore(t, cfg)

	require.NoError(t, s.BeginTransaction())

	k, _ := NewKey("tx", "c")
	require.NoError(t, s.Set(k, 1))

	require.NoError(t, s.AbortTransaction())

	entry, err := s.Get(k)
	require.NoError(t, err)
	require.Nil(t, entry)
}

func Test_Store_Cross_Process_Sync_Sees_Peer_Writes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AutoSync = false

	s1, path := openTestStore(t, cfg)

	s2 := NewStore(ckvfs.NewReal(), cfg)
	require.NoError(t, s2.Open(path, false))
	t.Cleanup(func() { _ = s2.Close() })

	key, _ := NewKey("shared", "k")
	require.NoError(t, s1.Set(key, "from-peer"))

	status := s2.Sync(true, true)
	require.Equal(t, SyncReady, status)

	entry, err := s2.Get(key)
	require.NoError(t, err)
	require.NotNil(t, entry)

	val, err := decodeValue(entry.Transaction.Payload)
	require.NoError(t, err)
	require.Equal(t, "from-peer", val)
}

func Test_Store_Vacuum_Preserves_Live_Data_Through_Facade(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AutoSync = false

	s, _ := openTestStore(t, cfg)

	k1, _ := NewKey("v", "1")
	k2, _ := NewKey("v", "2")

	require.NoError(t, s.Set(k1, "keep"))
	require.NoError(t, s.Set(k2, "drop"))
	require.NoError(t, s.Delete(k2))

	require.NoError(t, s.Vacuum())

	e1, err := s.Get(k1)
	require.NoError(t, err)
	require.NotNil(t, e1)

	e2, err := s.Get(k2)
	require.NoError(t, err)
	require.Nil(t, e2)
}

func Test_Store_Watch_Fires_On_Matching_Write_And_Rejects_Reentrant_Writes(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.AutoSync = false

	s, _ := openTestStore(t, cfg)

	var fired []string
	var reentrantErr error

	otherKey, _ := NewKey("watched", "other")

	h := s.Watch(mustQuery(t, "watched"), true, func(e DecodedEntry) {
		fired = append(fired, e.Transaction.Key.Stringify())
		reentrantErr = s.Set(otherKey, "nope")
	})

	key, _ := NewKey("watched", "a")
	require.NoError(t, s.Set(key, 1))

	require.ErrorIs(t, reentrantErr, ErrReentrant)
	require.Equal(t, []string{key.Stringify()}, fired)

	require.True(t, s.Unwatch(h))
	require.False(t, s.Unwatch(h), "second unwatch of the same handle should report false")
}

func Test_Store_Watchdog_Starts_And_Stops_With_AutoSync(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.SyncIntervalMs = 5

	s, _ := openTestStore(t, cfg)

	s.mu.Lock()
	active := s.watchdogActive
	s.mu.Unlock()

	require.True(t, active, "watchdog should start automatically when AutoSync is enabled")

	require.NoError(t, s.Close())

	s.mu.Lock()
	active = s.watchdogActive
	s.mu.Unlock()

	require.False(t, active, "watchdog should be stopped after Close")
}

func Test_Store_Operations_On_Unopened_Store_Return_ErrNotOpen(t *testing.T) {
	t.Parallel()

	s := NewStore(ckvfs.NewReal(), DefaultConfig())

	_, ok := s.GetLedgerPath()
	require.False(t, ok)

	key, _ := NewKey("k")
	require.ErrorIs(t, s.Set(key, 1), ErrNotOpen)
}

func mustQuery(t *testing.T, parts ...any) Query {
	t.Helper()

	q, err := NewQuery(parts...)
	require.NoError(t, err)

	return q
}
