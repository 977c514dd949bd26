package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/shmcache/cache"
)

type fakeStore struct {
	entries map[string]cache.Entry
	values  map[string]cache.Value
	removed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: map[string]cache.Entry{
			"a.npy": {Key: "a.npy", Handle: "shmc_1", Shape: []int{2, 2}, DType: "float64", Size: 32, Hits: 1, Representation: cache.SharedBuffer},
			"names": {Key: "names", Handle: "shmc_2", Size: 40, Hits: 5, Representation: cache.ShareableList},
		},
		values: map[string]cache.Value{
			"a.npy": cache.Array{Shape: []int{2, 2}, DType: cache.Float64, Data: make([]byte, 32)},
			"names": cache.List{"x", "y"},
		},
	}
}

func (f *fakeStore) Contains(key string) bool { _, ok := f.entries[key]; return ok }

func (f *fakeStore) Lookup(key string) (cache.Entry, bool) { e, ok := f.entries[key]; return e, ok }

func (f *fakeStore) Retrieve(key string) (cache.Value, error) {
	v, ok := f.values[key]
	if !ok {
		return nil, cache.ErrAbsentKey
	}
	return v, nil
}

func (f *fakeStore) Remove(key string) error {
	if _, ok := f.entries[key]; !ok {
		return cache.ErrAbsentKey
	}
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakeStore) Entries() []cache.Entry {
	es := make([]cache.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		es = append(es, e)
	}
	return es
}

func (f *fakeStore) Len() int { return len(f.entries) }

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := new(bytes.Buffer)
	prev := out
	out = buf
	t.Cleanup(func() { out = prev })
	return buf
}

func TestExecuteCommand(t *testing.T) {
	s := newFakeStore()

	t.Run("has", func(t *testing.T) {
		buf := capture(t)
		_, err := executeCommand("has a.npy", s)
		require.NoError(t, err)
		_, err = executeCommand("HAS missing", s)
		require.NoError(t, err)
		require.Equal(t, "true\nfalse\n", buf.String())
	})

	t.Run("get", func(t *testing.T) {
		buf := capture(t)
		_, err := executeCommand("get a.npy", s)
		require.NoError(t, err)
		require.Contains(t, buf.String(), "float64[2 2] (32 bytes)")

		_, err = executeCommand("get missing", s)
		require.ErrorIs(t, err, cache.ErrAbsentKey)
	})

	t.Run("info", func(t *testing.T) {
		buf := capture(t)
		_, err := executeCommand("info names", s)
		require.NoError(t, err)
		require.Contains(t, buf.String(), "hits=5")
		_, err = executeCommand("info missing", s)
		require.ErrorIs(t, err, cache.ErrAbsentKey)
	})

	t.Run("ls orders by hits", func(t *testing.T) {
		buf := capture(t)
		_, err := executeCommand("ls", s)
		require.NoError(t, err)
		got := buf.String()
		require.Less(t, bytes.Index([]byte(got), []byte("names")), bytes.Index([]byte(got), []byte("a.npy")))
		require.Contains(t, got, "(2 entries)")
	})

	t.Run("stats", func(t *testing.T) {
		buf := capture(t)
		_, err := executeCommand("stats", s)
		require.NoError(t, err)
		require.Contains(t, buf.String(), "used:    72 bytes")
	})

	t.Run("rm", func(t *testing.T) {
		_, err := executeCommand("rm names", s)
		require.NoError(t, err)
		require.Equal(t, []string{"names"}, s.removed)
	})

	t.Run("arguments", func(t *testing.T) {
		_, err := executeCommand("get", s)
		require.ErrorIs(t, err, errMissingArgument)
		_, err = executeCommand("get a b", s)
		require.ErrorIs(t, err, errTooManyArguments)
		_, err = executeCommand("frobnicate", s)
		require.ErrorIs(t, err, errUnknownCommand)
	})

	t.Run("quit", func(t *testing.T) {
		capture(t)
		term, err := executeCommand("quit", s)
		require.NoError(t, err)
		require.True(t, term)
		term, err = executeCommand("   ", s)
		require.NoError(t, err)
		require.False(t, term)
	})
}

func TestPreviewTruncates(t *testing.T) {
	items := make(cache.List, maxPreview+3)
	for i := range items {
		items[i] = int64(i)
	}
	require.Contains(t, preview(items), "(11 items)")
	require.Equal(t, "[1 two]", preview(cache.Tuple{int64(1), "two"}))
}
