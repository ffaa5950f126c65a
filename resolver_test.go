package epishard

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robodata/epishard/epishard_errors"
	"github.com/robodata/epishard/utils"
)

// testSnapshot builds an in-memory dataset handle without touching any
// store.
func testSnapshot(fps float64, eps []Episode) *Dataset {
	return &Dataset{
		Info: &Info{
			Version:       "test",
			FPS:           fps,
			TotalEpisodes: len(eps),
			FilesPerChunk: DefaultFilesPerChunk,
		},
		episodes: eps,
		log:      utils.NewDefaultLogger(slog.LevelError),
	}
}

// chainEpisodes makes n dense episodes of the given length, one video
// file per episodesPerFile, with proper window chaining for key.
func chainEpisodes(n int, length int64, fps float64, key string, episodesPerFile int) []Episode {
	eps := make([]Episode, n)
	var global GlobalIndex
	var cursor AbsTime
	cur := NoCoord
	for i := 0; i < n; i++ {
		coord := ShardCoord{Chunk: 0, File: i / episodesPerFile}
		if coord != cur {
			cursor = 0
			cur = coord
		}
		dur := AbsTime(float64(length) / fps)
		eps[i] = Episode{
			Index:     i,
			FromIndex: global,
			ToIndex:   global + GlobalIndex(length),
			Length:    length,
			Data:      ShardCoord{Chunk: 0, File: i / 2},
			Meta:      ShardCoord{Chunk: 0, File: i / 2},
			Videos: map[string]VideoSegment{
				key: {Coord: coord, From: cursor, To: cursor + dur},
			},
		}
		cursor += dur
		global += GlobalIndex(length)
	}
	return eps
}

func TestResolveEndpoints(t *testing.T) {
	ds := testSnapshot(10, chainEpisodes(4, 50, 10, "image", 2))
	r := NewResolver(ds)

	for i := 0; i < 4; i++ {
		ep, err := ds.Episode(i)
		require.NoError(t, err)
		seg := ep.Videos["image"]

		at, err := r.ResolveAt(i, 0, "image")
		require.NoError(t, err)
		assert.Equal(t, seg.From, at)

		at, err = r.ResolveAt(i, seg.Duration(), "image")
		require.NoError(t, err)
		assert.Equal(t, seg.To, at)
	}
}

// Regression for the defect that motivated the relative-space clamping
// rule: frame 0 of an episode deep inside a video file must seek to
// the episode's own window start, not to a position derived from the
// global frame index, and not to the window end.
func TestResolveEpisode318(t *testing.T) {
	eps := chainEpisodes(320, 145, 10, "image", 100)
	eps[318].Videos["image"] = VideoSegment{
		Coord: ShardCoord{Chunk: 0, File: 3},
		From:  1448.85,
		To:    1463.35,
	}
	ds := testSnapshot(10, eps)
	r := NewResolver(ds)

	at, err := r.ResolveAt(318, 0, "image")
	require.NoError(t, err)
	assert.InDelta(t, 1448.85, float64(at), 1e-9)

	// The global index of the same frame divided by fps lands kilo-
	// seconds away; make sure nothing resolves there.
	wrong := float64(eps[318].FromIndex) / 10
	assert.Greater(t, math.Abs(wrong-float64(at)), 100.0)
}

func TestResolveDeltaClamping(t *testing.T) {
	ds := testSnapshot(10, chainEpisodes(3, 50, 10, "image", 3))
	r := NewResolver(ds)
	ep, _ := ds.Episode(1)
	seg := ep.Videos["image"]

	seeks, err := r.Resolve(1, 0, []int{-4, 4, -100000, 100000}, []string{"image"})
	require.NoError(t, err)
	at := seeks["image"]
	require.Len(t, at, 5)
	assert.Equal(t, seg.From, at[0])
	assert.Equal(t, seg.From, at[1], "negative delta at episode start clamps, no wrap into the previous episode")
	assert.InDelta(t, float64(seg.From)+0.4, float64(at[2]), 1e-9)
	assert.Equal(t, seg.From, at[3])
	assert.Equal(t, seg.To, at[4])

	// Clamping is idempotent: a wildly out-of-range delta resolves to
	// the same seek as the largest in-bounds one.
	dur := seg.Duration()
	maxDelta := int(float64(dur) * 10)
	exact, err := r.Resolve(1, 0, []int{maxDelta}, []string{"image"})
	require.NoError(t, err)
	assert.Equal(t, exact["image"][1], at[4])
}

func TestResolveZeroDuration(t *testing.T) {
	eps := chainEpisodes(2, 50, 10, "image", 2)
	eps[1].Videos["image"] = VideoSegment{Coord: eps[1].Videos["image"].Coord, From: 5, To: 5}
	ds := testSnapshot(10, eps)
	r := NewResolver(ds)

	seeks, err := r.Resolve(1, 0.3, []int{-2, 7}, []string{"image"})
	require.NoError(t, err)
	for _, at := range seeks["image"] {
		assert.Equal(t, AbsTime(5), at)
	}
}

func TestResolveMultiKeyWindows(t *testing.T) {
	eps := chainEpisodes(2, 50, 10, "image", 2)
	// Same episode, second key living in another file with its own
	// window: seeks must differ per key.
	for i := range eps {
		eps[i].Videos["wrist_image"] = VideoSegment{
			Coord: ShardCoord{Chunk: 0, File: 9},
			From:  AbsTime(float64(i) * 5.0 * 2),
			To:    AbsTime(float64(i)*5.0*2 + 5.0),
		}
	}
	ds := testSnapshot(10, eps)
	ds.Info.VideoKeys = []string{"image", "wrist_image"}
	r := NewResolver(ds)

	seeks, err := r.Resolve(1, 1.5, nil, []string{"image", "wrist_image"})
	require.NoError(t, err)
	assert.InDelta(t, 5.0+1.5, float64(seeks["image"][0]), 1e-9)
	assert.InDelta(t, 10.0+1.5, float64(seeks["wrist_image"][0]), 1e-9)
}

func TestResolveErrors(t *testing.T) {
	ds := testSnapshot(10, chainEpisodes(2, 50, 10, "image", 2))
	r := NewResolver(ds)

	_, err := r.Resolve(99, 0, nil, []string{"image"})
	assert.ErrorIs(t, err, epishard_errors.ErrEpisodeNotFound)

	_, err = r.Resolve(0, 0, nil, []string{"depth"})
	assert.ErrorIs(t, err, epishard_errors.ErrMissingStream)

	_, err = r.Resolve(0, RelTime(math.NaN()), nil, []string{"image"})
	assert.ErrorIs(t, err, epishard_errors.ErrInvalidOffset)

	_, err = r.Resolve(0, RelTime(math.Inf(1)), nil, []string{"image"})
	assert.ErrorIs(t, err, epishard_errors.ErrInvalidOffset)
}

func TestLocateAndResolveGlobal(t *testing.T) {
	ds := testSnapshot(10, chainEpisodes(3, 50, 10, "image", 3))
	r := NewResolver(ds)

	ep, rel, err := r.Locate(120)
	require.NoError(t, err)
	assert.Equal(t, 2, ep.Index)
	assert.InDelta(t, 2.0, float64(rel), 1e-9)

	seeks, err := r.ResolveGlobal(120, nil, []string{"image"})
	require.NoError(t, err)
	seg := ds.episodes[2].Videos["image"]
	assert.InDelta(t, float64(seg.From)+2.0, float64(seeks["image"][0]), 1e-9)

	_, _, err = r.Locate(150)
	assert.ErrorIs(t, err, epishard_errors.ErrEpisodeNotFound)
}
