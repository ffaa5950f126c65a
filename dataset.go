package epishard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/robodata/epishard/epishard_errors"
	"github.com/robodata/epishard/utils"
)

// timeEpsilon absorbs float drift when chaining segment boundaries.
const timeEpsilon = 1e-6

// Options wires the external collaborators into a dataset handle.
type Options struct {
	Tables   TableStore
	Episodes EpisodeStore
	Decoder  FrameDecoder
	Encoder  VideoEncoder
	Logger   utils.Logger

	// SkipManifest forces a rebuild from episode records instead of
	// trusting a persisted meta/manifest.json.
	SkipManifest bool
}

// Dataset is an immutable snapshot of one dataset version. Readers
// share it freely; realignment and shuffling never mutate it, they
// produce a new snapshot at a new location.
type Dataset struct {
	Root string
	Info *Info

	episodes  []Episode
	manifests utils.CMap[Store, *Manifest]
	opts      Options
	log       utils.Logger
}

// LoadDataset opens the dataset rooted at root: reads meta/info.json,
// every episode-metadata shard, and validates the coordinate
// invariants before handing out the snapshot.
func LoadDataset(ctx context.Context, root string, opts Options) (*Dataset, error) {
	if opts.Episodes == nil {
		return nil, errors.New("epishard: no episode store configured")
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	inf, err := LoadInfo(root)
	if err != nil {
		return nil, err
	}
	ds := &Dataset{Root: root, Info: inf, opts: opts, log: opts.Logger}

	var coords []ShardCoord
	if !opts.SkipManifest {
		persisted, err := LoadManifests(root)
		if err != nil {
			return nil, err
		}
		if m, ok := persisted[StoreMeta]; ok {
			for e := range m.Shards() {
				coords = append(coords, e.Coord)
			}
		}
		for store, m := range persisted {
			ds.manifests.Store(store, m)
		}
	}
	if coords == nil {
		coords, err = scanStore(root, StoreMeta)
		if err != nil {
			return nil, errors.Wrap(err, "scan episode shards")
		}
	}

	for _, c := range coords {
		eps, err := opts.Episodes.ReadEpisodes(ctx, filepath.Join(root, StoreMeta.ShardPath(c)))
		if err != nil {
			return nil, errors.Wrapf(err, "read episode shard %s", c)
		}
		ds.episodes = append(ds.episodes, eps...)
	}
	sort.Slice(ds.episodes, func(i, j int) bool {
		return ds.episodes[i].Index < ds.episodes[j].Index
	})
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	ds.log.Info("dataset open", "root", root,
		"episodes", len(ds.episodes), "frames", inf.TotalFrames)
	return ds, nil
}

// Episode returns a copy of the boundary record for one episode index.
func (ds *Dataset) Episode(i int) (Episode, error) {
	if i < 0 || i >= len(ds.episodes) {
		return Episode{}, fmt.Errorf("%w: index %d of %d",
			epishard_errors.ErrEpisodeNotFound, i, len(ds.episodes))
	}
	return ds.episodes[i].clone(), nil
}

// Episodes returns copies of all boundary records in index order.
func (ds *Dataset) Episodes() []Episode {
	out := make([]Episode, 0, len(ds.episodes))
	for i := range ds.episodes {
		out = append(out, ds.episodes[i].clone())
	}
	return out
}

func (ds *Dataset) Len() int     { return len(ds.episodes) }
func (ds *Dataset) FPS() float64 { return ds.Info.FPS }

// Stores enumerates every store present in this dataset.
func (ds *Dataset) Stores() []Store {
	out := []Store{StoreData, StoreMeta}
	for _, key := range ds.Info.VideoKeys {
		out = append(out, VideoStore(key))
	}
	return out
}

// Manifest returns the shard manifest of one store, building and
// memoizing it on first use.
func (ds *Dataset) Manifest(store Store) (*Manifest, error) {
	if m, ok := ds.manifests.Load(store); ok {
		return m, nil
	}
	m, err := BuildManifest(store, ds.episodes)
	if err != nil {
		return nil, err
	}
	actual, _ := ds.manifests.LoadOrStore(store, m)
	return actual, nil
}

// Validate checks the global-index and timestamp-chaining invariants
// over the loaded episode records.
func (ds *Dataset) Validate() error {
	type cursor struct {
		coord ShardCoord
		to    AbsTime
	}
	cursors := make(map[string]cursor)
	var next GlobalIndex
	for i := range ds.episodes {
		e := &ds.episodes[i]
		if e.Index != i {
			return fmt.Errorf("%w: episode records not dense at %d (got index %d)",
				epishard_errors.ErrDatasetMalformed, i, e.Index)
		}
		if e.FromIndex != next {
			return fmt.Errorf("%w: episode %d starts at %d, want %d",
				epishard_errors.ErrShardConsistency, i, e.FromIndex, next)
		}
		if int64(e.ToIndex-e.FromIndex) != e.Length {
			return fmt.Errorf("%w: episode %d length %d does not match range [%d,%d)",
				epishard_errors.ErrDatasetMalformed, i, e.Length, e.FromIndex, e.ToIndex)
		}
		for key, seg := range e.Videos {
			cur, ok := cursors[key]
			want := AbsTime(0)
			if ok && cur.coord == seg.Coord {
				want = cur.to
			}
			if math.Abs(float64(seg.From-want)) > timeEpsilon {
				return fmt.Errorf("%w: episode %d key %q starts at %v in %s, want %v",
					epishard_errors.ErrShardConsistency, i, key, seg.From, seg.Coord, want)
			}
			if seg.To < seg.From {
				return fmt.Errorf("%w: episode %d key %q window inverted",
					epishard_errors.ErrShardConsistency, i, key)
			}
			cursors[key] = cursor{coord: seg.Coord, to: seg.To}
		}
		next = e.ToIndex
	}
	if ds.Info.TotalEpisodes != 0 && ds.Info.TotalEpisodes != len(ds.episodes) {
		return fmt.Errorf("%w: info says %d episodes, found %d",
			epishard_errors.ErrDatasetMalformed, ds.Info.TotalEpisodes, len(ds.episodes))
	}
	if ds.Info.TotalFrames != 0 && ds.Info.TotalFrames != int64(next) {
		return fmt.Errorf("%w: info says %d frames, found %d",
			epishard_errors.ErrDatasetMalformed, ds.Info.TotalFrames, next)
	}
	return nil
}

// scanStore enumerates the shard coordinates of a store by walking its
// chunk directories. Only a fallback; readers normally go through the
// persisted manifest.
func scanStore(root string, store Store) ([]ShardCoord, error) {
	var base string
	switch store {
	case StoreData:
		base = "data"
	case StoreMeta:
		base = filepath.Join("meta", "episodes")
	default:
		base = "videos"
	}
	key, isVideo := store.VideoKey()

	chunks, err := os.ReadDir(filepath.Join(root, base))
	if err != nil {
		return nil, err
	}
	var coords []ShardCoord
	for _, cd := range chunks {
		chunk, ok := ParseChunkDir(cd.Name())
		if !ok || !cd.IsDir() {
			continue
		}
		dir := filepath.Join(root, base, cd.Name())
		if isVideo {
			dir = filepath.Join(dir, key)
		}
		files, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, fd := range files {
			file, ok := ParseFileName(fd.Name())
			if !ok || fd.IsDir() {
				continue
			}
			coords = append(coords, ShardCoord{Chunk: chunk, File: file})
		}
	}
	sort.Slice(coords, func(i, j int) bool {
		if coords[i].Chunk != coords[j].Chunk {
			return coords[i].Chunk < coords[j].Chunk
		}
		return coords[i].File < coords[j].File
	})
	return coords, nil
}
