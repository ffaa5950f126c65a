package epishard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONTableStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "chunk-000", "file-000.parquet")
	rows := []FrameRecord{
		{Global: 0, Episode: 0, Frame: 0, Timestamp: 0, Payload: map[string]float64{"action": 1.5}},
		{Global: 1, Episode: 0, Frame: 1, Timestamp: 0.1, Payload: map[string]float64{"action": 2.5}},
	}

	st := JSONTableStore{}
	w, err := st.NewWriter(ctx, path)
	require.NoError(t, err)
	require.NoError(t, w.Append(rows...))
	require.NoError(t, w.Close())

	got, err := st.ReadRows(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	_, err = st.ReadRows(ctx, filepath.Join(t.TempDir(), "absent.parquet"))
	assert.Error(t, err)
}

func TestJSONEpisodeStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta", "episodes", "chunk-000", "file-000.parquet")
	eps := chainEpisodes(3, 10, 10, "image", 2)

	st := JSONEpisodeStore{}
	w, err := st.NewWriter(ctx, path)
	require.NoError(t, err)
	require.NoError(t, w.Append(eps...))
	require.NoError(t, w.Close())

	got, err := st.ReadEpisodes(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, eps, got)
}

// Loading a dataset persisted with the JSON stores and no manifest file
// exercises the directory-scan fallback.
func TestLoadDatasetFromDiskScan(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	eps := chainEpisodes(4, 10, 10, "image", 2)

	st := JSONEpisodeStore{}
	cur := NoCoord
	var w EpisodeWriter
	for i := range eps {
		if eps[i].Meta != cur {
			if w != nil {
				require.NoError(t, w.Close())
			}
			var err error
			w, err = st.NewWriter(ctx, filepath.Join(root, StoreMeta.ShardPath(eps[i].Meta)))
			require.NoError(t, err)
			cur = eps[i].Meta
		}
		require.NoError(t, w.Append(eps[i]))
	}
	require.NoError(t, w.Close())

	inf := &Info{
		Version:       "disk",
		FPS:           10,
		TotalEpisodes: len(eps),
		TotalFrames:   40,
		VideoKeys:     []string{"image"},
		FilesPerChunk: DefaultFilesPerChunk,
	}
	require.NoError(t, inf.Save(root))

	ds, err := LoadDataset(ctx, root, Options{
		Tables:       JSONTableStore{},
		Episodes:     JSONEpisodeStore{},
		SkipManifest: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	ep, err := ds.Episode(2)
	require.NoError(t, err)
	assert.Equal(t, eps[2], ep)
}
