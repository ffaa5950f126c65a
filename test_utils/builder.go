package test_utils

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/robodata/epishard"
)

// Stores bundles one set of collaborator doubles.
type Stores struct {
	Tables   *MemTableStore
	Episodes *MemEpisodeStore
	Codec    *FakeCodec
}

func NewStores() *Stores {
	return &Stores{
		Tables:   NewMemTableStore(),
		Episodes: NewMemEpisodeStore(),
		Codec:    NewFakeCodec(),
	}
}

func (s *Stores) Options() epishard.Options {
	return epishard.Options{
		Tables:   s.Tables,
		Episodes: s.Episodes,
		Decoder:  s.Codec,
		Encoder:  s.Codec,
	}
}

// Builder materializes a synthetic source dataset: the metadata store
// shares the tabular store's shard boundaries while every video key
// gets its own, so the stores start out misaligned the way ingested
// datasets really are.
type Builder struct {
	FPS                  float64
	FilesPerChunk        int
	EpisodesPerDataFile  int
	EpisodesPerVideoFile map[string]int
	Lengths              []int64
	Tasks                [][]string
}

func (b Builder) Build(ctx context.Context, root string, st *Stores) (*epishard.Dataset, error) {
	if b.FPS == 0 {
		b.FPS = 10
	}
	if b.FilesPerChunk == 0 {
		b.FilesPerChunk = epishard.DefaultFilesPerChunk
	}
	if b.EpisodesPerDataFile == 0 {
		b.EpisodesPerDataFile = 2
	}
	if b.EpisodesPerVideoFile == nil {
		b.EpisodesPerVideoFile = map[string]int{"image": 3}
	}
	keys := make([]string, 0, len(b.EpisodesPerVideoFile))
	for key := range b.EpisodesPerVideoFile {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	coordAt := func(seq int) epishard.ShardCoord {
		return epishard.ShardCoord{Chunk: seq / b.FilesPerChunk, File: seq % b.FilesPerChunk}
	}

	type vcursor struct {
		coord epishard.ShardCoord
		to    epishard.AbsTime
	}
	cursors := make(map[string]*vcursor)
	eps := make([]epishard.Episode, len(b.Lengths))
	var global epishard.GlobalIndex
	for i, length := range b.Lengths {
		dcoord := coordAt(i / b.EpisodesPerDataFile)
		ep := epishard.Episode{
			Index:     i,
			FromIndex: global,
			ToIndex:   global + epishard.GlobalIndex(length),
			Length:    length,
			Data:      dcoord,
			Meta:      dcoord,
			Videos:    make(map[string]epishard.VideoSegment, len(keys)),
		}
		if i < len(b.Tasks) {
			ep.Tasks = append([]string(nil), b.Tasks[i]...)
		}
		for _, key := range keys {
			vcoord := coordAt(i / b.EpisodesPerVideoFile[key])
			cur, ok := cursors[key]
			if !ok || cur.coord != vcoord {
				cur = &vcursor{coord: vcoord}
				cursors[key] = cur
			}
			dur := epishard.AbsTime(float64(length) / b.FPS)
			ep.Videos[key] = epishard.VideoSegment{Coord: vcoord, From: cur.to, To: cur.to + dur}
			cur.to += dur
		}
		eps[i] = ep
		global += epishard.GlobalIndex(length)
	}

	if err := b.writeMeta(ctx, root, st, eps); err != nil {
		return nil, err
	}
	if err := b.writeRows(ctx, root, st, eps); err != nil {
		return nil, err
	}
	if err := b.writeVideos(ctx, root, st, eps, keys); err != nil {
		return nil, err
	}

	tasks := make(map[string]struct{})
	for i := range eps {
		for _, task := range eps[i].Tasks {
			tasks[task] = struct{}{}
		}
	}
	inf := &epishard.Info{
		Version:       "source",
		FPS:           b.FPS,
		TotalEpisodes: len(eps),
		TotalFrames:   int64(global),
		TotalTasks:    len(tasks),
		VideoKeys:     keys,
		FilesPerChunk: b.FilesPerChunk,
	}

	// Shards live in the in-memory stores, so the loader has to go
	// through persisted manifests rather than a directory scan.
	stores := []epishard.Store{epishard.StoreData, epishard.StoreMeta}
	for _, key := range keys {
		stores = append(stores, epishard.VideoStore(key))
	}
	manifests := make([]*epishard.Manifest, 0, len(stores))
	for _, store := range stores {
		m, err := epishard.BuildManifest(store, eps)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}
	if err := epishard.SaveManifests(root, inf.Version, manifests); err != nil {
		return nil, err
	}
	if err := inf.Save(root); err != nil {
		return nil, err
	}
	return epishard.LoadDataset(ctx, root, st.Options())
}

func (b Builder) writeMeta(ctx context.Context, root string, st *Stores, eps []epishard.Episode) error {
	cur := epishard.NoCoord
	var w epishard.EpisodeWriter
	for i := range eps {
		if eps[i].Meta != cur {
			if w != nil {
				if err := w.Close(); err != nil {
					return err
				}
			}
			var err error
			w, err = st.Episodes.NewWriter(ctx, filepath.Join(root, epishard.StoreMeta.ShardPath(eps[i].Meta)))
			if err != nil {
				return err
			}
			cur = eps[i].Meta
		}
		if err := w.Append(eps[i]); err != nil {
			return err
		}
	}
	if w != nil {
		return w.Close()
	}
	return nil
}

func (b Builder) writeRows(ctx context.Context, root string, st *Stores, eps []epishard.Episode) error {
	cur := epishard.NoCoord
	var w epishard.TableWriter
	for i := range eps {
		e := &eps[i]
		if e.Data != cur {
			if w != nil {
				if err := w.Close(); err != nil {
					return err
				}
			}
			var err error
			w, err = st.Tables.NewWriter(ctx, filepath.Join(root, epishard.StoreData.ShardPath(e.Data)))
			if err != nil {
				return err
			}
			cur = e.Data
		}
		for f := int64(0); f < e.Length; f++ {
			row := epishard.FrameRecord{
				Global:    e.FromIndex + epishard.GlobalIndex(f),
				Episode:   e.Index,
				Frame:     f,
				Timestamp: epishard.FrameRelTime(f, b.FPS),
				Payload:   map[string]float64{"action": float64(e.FromIndex) + float64(f)},
			}
			if err := w.Append(row); err != nil {
				return err
			}
		}
	}
	if w != nil {
		return w.Close()
	}
	return nil
}

func (b Builder) writeVideos(ctx context.Context, root string, st *Stores, eps []epishard.Episode, keys []string) error {
	for _, key := range keys {
		cur := epishard.NoCoord
		var sink epishard.FrameSink
		for i := range eps {
			e := &eps[i]
			seg := e.Videos[key]
			if seg.Coord != cur {
				if sink != nil {
					if err := sink.Close(); err != nil {
						return err
					}
				}
				var err error
				path := filepath.Join(root, epishard.VideoStore(key).ShardPath(seg.Coord))
				sink, err = st.Codec.NewEncoder(ctx, path, b.FPS)
				if err != nil {
					return err
				}
				cur = seg.Coord
			}
			for f := int64(0); f < e.Length; f++ {
				if err := sink.Write(MakeFrame(e.Index, f)); err != nil {
					return err
				}
			}
		}
		if sink != nil {
			if err := sink.Close(); err != nil {
				return err
			}
		}
	}
	return nil
}
