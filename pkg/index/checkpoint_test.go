package index

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	store, err := OpenCheckpointStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	hnsw := NewHNSW(DefaultConfig())
	vectors := randomVectors(100, 8, 5)
	for i, vec := range vectors {
		require.NoError(t, hnsw.Insert(fmt.Sprintf("vec_%d", i), vec))
	}
	require.NoError(t, hnsw.Delete("vec_3"))

	require.NoError(t, store.Save(hnsw, 17))

	loaded, err := store.Load(17)
	require.NoError(t, err)
	assert.Equal(t, hnsw.Len(), loaded.Len())
	assert.Equal(t, 1, loaded.Tombstones())
	assert.Equal(t, 8, loaded.Dimension())

	want, err := hnsw.Search(vectors[10], 5, 50)
	require.NoError(t, err)
	got, err := loaded.Search(vectors[10], 5, 50)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCheckpointStaleSequence(t *testing.T) {
	store, err := OpenCheckpointStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Load(1)
	assert.ErrorIs(t, err, ErrStaleCheckpoint)

	hnsw := NewHNSW(DefaultConfig())
	require.NoError(t, hnsw.Insert("a", []float32{1, 0}))
	require.NoError(t, store.Save(hnsw, 5))

	_, err = store.Load(6)
	assert.ErrorIs(t, err, ErrStaleCheckpoint)
}

func TestCheckpointOverwrite(t *testing.T) {
	store, err := OpenCheckpointStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer store.Close()

	first := NewHNSW(DefaultConfig())
	for i, vec := range randomVectors(20, 4, 1) {
		require.NoError(t, first.Insert(fmt.Sprintf("old_%d", i), vec))
	}
	require.NoError(t, store.Save(first, 1))

	second := NewHNSW(DefaultConfig())
	require.NoError(t, second.Insert("new", []float32{1, 1, 1, 1}))
	require.NoError(t, store.Save(second, 2))

	loaded, err := store.Load(2)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())
	assert.True(t, loaded.Contains("new"))
	assert.False(t, loaded.Contains("old_0"))
}
