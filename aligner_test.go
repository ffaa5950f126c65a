package epishard_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robodata/epishard"
	"github.com/robodata/epishard/epishard_errors"
	"github.com/robodata/epishard/test_utils"
)

func buildSource(t *testing.T, lengths []int64) (*epishard.Dataset, *test_utils.Stores) {
	t.Helper()
	st := test_utils.NewStores()
	tasks := make([][]string, len(lengths))
	for i := range tasks {
		if i%2 == 0 {
			tasks[i] = []string{"pick cube"}
		} else {
			tasks[i] = []string{"place cube"}
		}
	}
	ds, err := test_utils.Builder{Lengths: lengths, Tasks: tasks}.Build(
		context.Background(), t.TempDir(), st)
	require.NoError(t, err)
	return ds, st
}

func TestAlignMatchesReferenceBoundaries(t *testing.T) {
	ctx := context.Background()
	src, st := buildSource(t, []int64{5, 7, 6, 4, 8, 5})
	outDir := filepath.Join(t.TempDir(), "aligned")

	out, err := epishard.Align(ctx, src, epishard.AlignOptions{
		OutputDir:    outDir,
		ReferenceKey: "image",
	})
	require.NoError(t, err)

	srcEps := src.Episodes()
	for _, e := range out.Episodes() {
		se := srcEps[e.Index]
		ref := e.Videos["image"].Coord
		assert.Equal(t, ref, e.Data)
		assert.Equal(t, ref, e.Meta)
		assert.Equal(t, se.FromIndex, e.FromIndex)
		assert.Equal(t, se.ToIndex, e.ToIndex)
		assert.Equal(t, se.Tasks, e.Tasks)
		assert.Equal(t, se.Videos, e.Videos)
	}

	// Data shards now mirror the reference video shards one to one.
	dm, err := out.Manifest(epishard.StoreData)
	require.NoError(t, err)
	vm, err := src.Manifest(epishard.VideoStore("image"))
	require.NoError(t, err)
	require.Equal(t, vm.Len(), dm.Len())
	for e := range dm.Shards() {
		coord, _, err := vm.Resolve(e.From)
		require.NoError(t, err)
		assert.Equal(t, coord, e.Coord)
	}

	// Row content and order survive untouched: globals across the new
	// shards are exactly 0..N-1 ascending, payloads unchanged.
	var global epishard.GlobalIndex
	for e := range dm.Shards() {
		rows, err := st.Tables.ReadRows(ctx, filepath.Join(outDir, epishard.StoreData.ShardPath(e.Coord)))
		require.NoError(t, err)
		for _, row := range rows {
			assert.Equal(t, global, row.Global)
			assert.Equal(t, float64(global), row.Payload["action"])
			global++
		}
	}
	assert.Equal(t, epishard.GlobalIndex(out.Info.TotalFrames), global)

	// The output is a published dataset: reloading it from scratch
	// passes the same validation the loader applies everywhere.
	reloaded, err := epishard.LoadDataset(ctx, outDir, st.Options())
	require.NoError(t, err)
	assert.Equal(t, out.Info.Version, reloaded.Info.Version)
	assert.NotEqual(t, src.Info.Version, out.Info.Version)
	assert.NotEmpty(t, reloaded.Info.DataFiles)
}

func TestAlignAlreadyAligned(t *testing.T) {
	ctx := context.Background()
	st := test_utils.NewStores()
	src, err := test_utils.Builder{
		Lengths:              []int64{4, 4, 4, 4},
		EpisodesPerDataFile:  2,
		EpisodesPerVideoFile: map[string]int{"image": 2},
	}.Build(ctx, t.TempDir(), st)
	require.NoError(t, err)

	out, err := epishard.Align(ctx, src, epishard.AlignOptions{
		OutputDir:    filepath.Join(t.TempDir(), "aligned"),
		ReferenceKey: "image",
	})
	require.NoError(t, err)
	srcEps, outEps := src.Episodes(), out.Episodes()
	for i := range outEps {
		assert.Equal(t, srcEps[i].Data, outEps[i].Data)
	}
}

func TestAlignRefusesExistingOutput(t *testing.T) {
	ctx := context.Background()
	src, _ := buildSource(t, []int64{3, 3})
	outDir := t.TempDir()
	marker := filepath.Join(outDir, "keep.txt")
	require.NoError(t, os.WriteFile(marker, []byte("x"), 0o644))

	_, err := epishard.Align(ctx, src, epishard.AlignOptions{
		OutputDir:    outDir,
		ReferenceKey: "image",
	})
	assert.ErrorIs(t, err, epishard_errors.ErrOutputExists)
	_, err = os.Stat(marker)
	assert.NoError(t, err, "an existing output tree is never touched")
}

func TestAlignUnknownReference(t *testing.T) {
	ctx := context.Background()
	src, _ := buildSource(t, []int64{3, 3})
	outDir := filepath.Join(t.TempDir(), "aligned")

	_, err := epishard.Align(ctx, src, epishard.AlignOptions{
		OutputDir:    outDir,
		ReferenceKey: "depth",
	})
	assert.ErrorIs(t, err, epishard_errors.ErrShardConsistency)
	_, err = os.Stat(outDir)
	assert.True(t, os.IsNotExist(err), "nothing published on failure")
}

func TestAlignNoOutputDir(t *testing.T) {
	src, _ := buildSource(t, []int64{3})
	_, err := epishard.Align(context.Background(), src, epishard.AlignOptions{ReferenceKey: "image"})
	assert.ErrorIs(t, err, epishard_errors.ErrNoOutput)
}
