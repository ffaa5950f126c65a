package epishard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robodata/epishard/epishard_errors"
)

func TestBuildManifestPartition(t *testing.T) {
	eps := chainEpisodes(7, 30, 10, "image", 3)
	m, err := BuildManifest(VideoStore("image"), eps)
	require.NoError(t, err)

	// 7 episodes, 3 per file: shards of 3, 3, 1 episodes.
	assert.Equal(t, 3, m.Len())
	from, to := m.Span()
	assert.Equal(t, GlobalIndex(0), from)
	assert.Equal(t, GlobalIndex(210), to)

	var next GlobalIndex
	for e := range m.Shards() {
		assert.Equal(t, next, e.From)
		assert.Equal(t, int64(e.To-e.From), e.Rows)
		next = e.To
	}
	assert.Equal(t, to, next)
	assert.NoError(t, m.Check())
}

func TestManifestResolveEveryIndex(t *testing.T) {
	eps := chainEpisodes(5, 20, 10, "image", 2)
	m, err := BuildManifest(StoreData, eps)
	require.NoError(t, err)

	for g := GlobalIndex(0); g < 100; g++ {
		coord, off, err := m.Resolve(g)
		require.NoError(t, err)
		ep := eps[int(g)/20]
		assert.Equal(t, ep.Data, coord)
		want := int64(g - eps[int(ep.Data.File)*2].FromIndex)
		assert.Equal(t, want, off, "index %d", g)
	}

	_, _, err = m.Resolve(100)
	assert.ErrorIs(t, err, epishard_errors.ErrEpisodeNotFound)

	// Second pass hits the locate cache; answers must not change.
	coord, off, err := m.Resolve(55)
	require.NoError(t, err)
	coord2, off2, err := m.Resolve(55)
	require.NoError(t, err)
	assert.Equal(t, coord, coord2)
	assert.Equal(t, off, off2)
}

func TestManifestResolveConcurrent(t *testing.T) {
	eps := chainEpisodes(8, 25, 10, "image", 2)
	m, err := BuildManifest(StoreData, eps)
	require.NoError(t, err)

	// First-time lookups from many goroutines at once; run with the
	// race detector on.
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for g := GlobalIndex(w); g < 200; g += 8 {
				coord, off, err := m.Resolve(g)
				if err != nil {
					t.Errorf("resolve %d: %v", g, err)
					return
				}
				ep := eps[int(g)/25]
				if coord != ep.Data {
					t.Errorf("resolve %d: got %s, want %s", g, coord, ep.Data)
				}
				if want := int64(g) - int64(ep.Data.File)*50; off != want {
					t.Errorf("resolve %d: offset %d, want %d", g, off, want)
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestBuildManifestRejectsGaps(t *testing.T) {
	eps := chainEpisodes(3, 10, 10, "image", 3)
	eps[2].FromIndex += 5
	eps[2].ToIndex += 5
	_, err := BuildManifest(StoreData, eps)
	assert.ErrorIs(t, err, epishard_errors.ErrShardConsistency)
}

func TestBuildManifestRejectsSplitShard(t *testing.T) {
	eps := chainEpisodes(3, 10, 10, "image", 1)
	// Episodes 0 and 2 claim the same data file with episode 1 in
	// another file between them.
	eps[0].Data = ShardCoord{Chunk: 0, File: 0}
	eps[1].Data = ShardCoord{Chunk: 0, File: 1}
	eps[2].Data = ShardCoord{Chunk: 0, File: 0}
	_, err := BuildManifest(StoreData, eps)
	assert.ErrorIs(t, err, epishard_errors.ErrShardConsistency)
}

func TestBuildManifestMissingCoord(t *testing.T) {
	eps := chainEpisodes(2, 10, 10, "image", 2)
	_, err := BuildManifest(VideoStore("depth"), eps)
	assert.ErrorIs(t, err, epishard_errors.ErrShardConsistency)
}

func TestManifestSaveLoad(t *testing.T) {
	root := t.TempDir()
	eps := chainEpisodes(6, 25, 10, "image", 2)
	data, err := BuildManifest(StoreData, eps)
	require.NoError(t, err)
	vid, err := BuildManifest(VideoStore("image"), eps)
	require.NoError(t, err)

	require.NoError(t, SaveManifests(root, "v1", []*Manifest{data, vid}))

	loaded, err := LoadManifests(root)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, data.Entries, loaded[StoreData].Entries)
	assert.Equal(t, vid.Entries, loaded[VideoStore("image")].Entries)

	coord, off, err := loaded[StoreData].Resolve(60)
	require.NoError(t, err)
	assert.Equal(t, ShardCoord{Chunk: 0, File: 1}, coord)
	assert.Equal(t, int64(10), off)
}

func TestManifestLoadRejectsTampering(t *testing.T) {
	root := t.TempDir()
	eps := chainEpisodes(4, 10, 10, "image", 2)
	m, err := BuildManifest(StoreData, eps)
	require.NoError(t, err)
	m.Entries[1].To += 3
	require.NoError(t, SaveManifests(root, "v1", []*Manifest{m}))

	_, err = LoadManifests(root)
	assert.ErrorIs(t, err, epishard_errors.ErrShardConsistency)
}

func TestLoadManifestsMissingFile(t *testing.T) {
	loaded, err := LoadManifests(t.TempDir())
	assert.NoError(t, err)
	assert.Nil(t, loaded)
}
