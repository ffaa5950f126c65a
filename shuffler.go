package epishard

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/robodata/epishard/epishard_errors"
	"github.com/robodata/epishard/utils"
)

var ShuffleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "epishard",
	Subsystem: "shuffler",
	Name:      "duration_seconds",
	Buckets:   []float64{1, 5, 10, 30, 60, 300, 1800, 7200},
})

var ShuffleEpisodes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epishard",
	Subsystem: "shuffler",
	Name:      "episodes",
}, []string{"result"})

// DefaultMaxShardFrames caps how many frames one output (chunk,file)
// coordinate holds across all three stores.
const DefaultMaxShardFrames = 10_000

// ShuffleOptions configures one shuffle run.
type ShuffleOptions struct {
	OutputDir string
	// Seed keys the pseudorandom episode permutation. Same seed, same
	// input: same permutation and the same coordinate metadata.
	Seed int64
	// Workers bounds the parallel per-episode decode stage. Defaults
	// to GOMAXPROCS.
	Workers int
	// MaxShardFrames is the output shard sizing policy.
	MaxShardFrames int64
}

// Shuffle produces a new dataset with episodes physically reordered by
// a seed-deterministic permutation. Frame content order changes, so
// every video is decoded in old order and re-encoded concatenated in
// new order; global indices, shard coordinates, segment windows and
// manifests are recomputed from scratch. Episode decoding runs on a
// bounded worker pool; the finalize pass that assigns global indices
// is strictly sequential in new episode order. Any codec failure
// aborts the run with nothing published. Fewer than two episodes is a
// no-op returning the source unchanged.
func Shuffle(ctx context.Context, src *Dataset, opts ShuffleOptions) (*Dataset, error) {
	start := time.Now()
	out, err := shuffle(ctx, src, opts)
	ShuffleDuration.Observe(time.Since(start).Seconds())
	return out, err
}

// epLoad carries everything the finalize pass needs for one episode:
// its rows, and all of its frames per video key, decoded in old order.
type epLoad struct {
	pos    int // position in the new order
	src    Episode
	rows   []FrameRecord
	frames map[string][]Frame
}

func shuffle(ctx context.Context, src *Dataset, opts ShuffleOptions) (*Dataset, error) {
	if src.Len() < 2 {
		return src, nil
	}
	if opts.OutputDir == "" {
		return nil, epishard_errors.ErrNoOutput
	}
	if src.opts.Decoder == nil || src.opts.Encoder == nil {
		return nil, epishard_errors.ErrNoCodec
	}
	if _, err := os.Stat(opts.OutputDir); err == nil {
		return nil, fmt.Errorf("%w: %s", epishard_errors.ErrOutputExists, opts.OutputDir)
	}
	if opts.MaxShardFrames <= 0 {
		opts.MaxShardFrames = DefaultMaxShardFrames
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	// perm[newPos] = old episode index.
	perm := rand.New(rand.NewSource(opts.Seed)).Perm(src.Len())

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(opts.OutputDir)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(workers)
	results := make(chan *epLoad, workers)
	var werr error
	go func() {
		for pos, old := range perm {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				load, err := loadEpisode(gctx, src, pos, old)
				if err != nil {
					ShuffleEpisodes.WithLabelValues("decode_error").Inc()
					return err
				}
				select {
				case results <- load:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		werr = g.Wait()
		close(results)
	}()

	// Finalize: map-then-scan. Workers complete out of order; a
	// min-heap on the new position hands episodes over strictly
	// sequentially, because each episode's global-index block depends
	// on every prior episode's frame count.
	w := &shuffleWriter{
		src:            src,
		outDir:         opts.OutputDir,
		maxShardFrames: opts.MaxShardFrames,
	}
	var (
		ready   utils.Heap[int]
		pending = make(map[int]*epLoad)
		next    int
	)
	consume := func() error {
		for load := range results {
			pending[load.pos] = load
			ready.Push(load.pos)
			for ready.Len() > 0 && ready.Peek() == next {
				pos := ready.Pop()
				if err := w.emit(runCtx, pending[pos]); err != nil {
					return err
				}
				delete(pending, pos)
				ShuffleEpisodes.WithLabelValues("written").Inc()
				next++
			}
		}
		return nil
	}
	if err := consume(); err != nil {
		cancel()
		for range results {
		}
		w.abort()
		return nil, err
	}
	if werr != nil {
		w.abort()
		return nil, werr
	}
	if next != src.Len() {
		w.abort()
		return nil, ctx.Err()
	}
	if err := w.closeShard(); err != nil {
		return nil, err
	}

	inf := src.Info.clone()
	inf.Version = uuid.NewString()
	inf.TotalEpisodes = len(w.outEps)
	inf.TotalFrames = int64(w.nextGlobal)
	inf.TotalTasks = countTasks(w.outEps)
	out := &Dataset{Root: opts.OutputDir, Info: inf, episodes: w.outEps, opts: src.opts, log: src.log}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateShuffled(src, out); err != nil {
		return nil, err
	}
	if err := publish(out); err != nil {
		return nil, err
	}
	cleanup = false
	src.log.Info("shuffle published", "output", opts.OutputDir,
		"version", inf.Version, "seed", opts.Seed, "episodes", len(w.outEps))
	return out, nil
}

// loadEpisode reads one source episode's rows and decodes all of its
// frames for every video key, in old order. Independent per episode,
// runs on the worker pool.
func loadEpisode(ctx context.Context, src *Dataset, pos, old int) (*epLoad, error) {
	e := src.episodes[old].clone()
	fps := src.FPS()

	rows, err := src.opts.Tables.ReadRows(ctx, filepath.Join(src.Root, StoreData.ShardPath(e.Data)))
	if err != nil {
		return nil, err
	}
	own := make([]FrameRecord, 0, e.Length)
	for _, row := range rows {
		if e.Contains(row.Global) {
			own = append(own, row)
		}
	}
	if int64(len(own)) != e.Length {
		return nil, fmt.Errorf("%w: episode %d has %d rows, want %d",
			epishard_errors.ErrShardConsistency, e.Index, len(own), e.Length)
	}

	frames := make(map[string][]Frame, len(e.Videos))
	for key, seg := range e.Videos {
		seeks := make([]AbsTime, 0, e.Length)
		duration := seg.Duration()
		for f := int64(0); f < e.Length; f++ {
			seeks = append(seeks, seg.Seek(FrameRelTime(f, fps).Clamp(duration)))
		}
		path := filepath.Join(src.Root, VideoStore(key).ShardPath(seg.Coord))
		decoded, err := src.opts.Decoder.Decode(ctx, path, seeks)
		if err != nil {
			return nil, fmt.Errorf("%w: decode episode %d key %q: %v",
				epishard_errors.ErrMediaCodec, e.Index, key, err)
		}
		if int64(len(decoded)) != e.Length {
			return nil, fmt.Errorf("%w: decode episode %d key %q returned %d frames, want %d",
				epishard_errors.ErrMediaCodec, e.Index, key, len(decoded), e.Length)
		}
		frames[key] = decoded
	}
	return &epLoad{pos: pos, src: e, rows: own, frames: frames}, nil
}

// shuffleWriter is the sequential scan stage: it owns the running
// output coordinate, the global-index cursor and the per-key absolute
// time cursors, which reset to zero at every new output video file.
type shuffleWriter struct {
	src            *Dataset
	outDir         string
	maxShardFrames int64

	coord         ShardCoord
	opened        bool
	framesInShard int64
	nextGlobal    GlobalIndex
	tw            TableWriter
	ew            EpisodeWriter
	sinks         map[string]FrameSink
	cursors       map[string]AbsTime
	outEps        []Episode
}

func (w *shuffleWriter) openShard(ctx context.Context) error {
	var err error
	w.tw, err = w.src.opts.Tables.NewWriter(ctx, filepath.Join(w.outDir, StoreData.ShardPath(w.coord)))
	if err != nil {
		return err
	}
	w.ew, err = w.src.opts.Episodes.NewWriter(ctx, filepath.Join(w.outDir, StoreMeta.ShardPath(w.coord)))
	if err != nil {
		return err
	}
	w.sinks = make(map[string]FrameSink, len(w.src.Info.VideoKeys))
	w.cursors = make(map[string]AbsTime, len(w.src.Info.VideoKeys))
	for _, key := range w.src.Info.VideoKeys {
		path := filepath.Join(w.outDir, VideoStore(key).ShardPath(w.coord))
		sink, err := w.src.opts.Encoder.NewEncoder(ctx, path, w.src.FPS())
		if err != nil {
			return fmt.Errorf("%w: open encoder %s key %q: %v",
				epishard_errors.ErrMediaCodec, w.coord, key, err)
		}
		w.sinks[key] = sink
	}
	w.framesInShard = 0
	w.opened = true
	return nil
}

func (w *shuffleWriter) closeShard() error {
	if !w.opened {
		return nil
	}
	w.opened = false
	err := w.tw.Close()
	if cerr := w.ew.Close(); err == nil {
		err = cerr
	}
	for key, sink := range w.sinks {
		if cerr := sink.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close encoder key %q: %v",
				epishard_errors.ErrMediaCodec, key, cerr)
		}
	}
	w.tw, w.ew, w.sinks = nil, nil, nil
	return err
}

func (w *shuffleWriter) abort() {
	if w.opened {
		w.closeShard()
	}
}

// emit appends one episode, already decoded, at the next new position.
// Called strictly in new-order; everything derived here (global index
// block, segment windows, shard cut points) depends on that ordering.
func (w *shuffleWriter) emit(ctx context.Context, load *epLoad) error {
	length := load.src.Length
	if w.opened && w.framesInShard > 0 && w.framesInShard+length > w.maxShardFrames {
		if err := w.closeShard(); err != nil {
			return err
		}
		w.coord = w.coord.Next(w.src.Info.FilesPerChunk)
	}
	if !w.opened {
		if err := w.openShard(ctx); err != nil {
			return err
		}
	}

	ne := Episode{
		Index:     load.pos,
		FromIndex: w.nextGlobal,
		ToIndex:   w.nextGlobal + GlobalIndex(length),
		Length:    length,
		Tasks:     append([]string(nil), load.src.Tasks...),
		Data:      w.coord,
		Meta:      w.coord,
		Videos:    make(map[string]VideoSegment, len(load.frames)),
	}
	for key, frames := range load.frames {
		seg := load.src.Videos[key]
		from := w.cursors[key]
		to := from + AbsTime(seg.Duration())
		ne.Videos[key] = VideoSegment{Coord: w.coord, From: from, To: to}
		w.cursors[key] = to
		if err := w.sinks[key].Write(frames...); err != nil {
			return fmt.Errorf("%w: encode episode %d key %q: %v",
				epishard_errors.ErrMediaCodec, load.pos, key, err)
		}
	}

	for j, row := range load.rows {
		row.Global = w.nextGlobal + GlobalIndex(j)
		row.Episode = load.pos
		// frame_index and timestamp reset per episode; they survive
		// the move untouched.
		if err := w.tw.Append(row); err != nil {
			return err
		}
	}
	if err := w.ew.Append(ne); err != nil {
		return err
	}
	w.outEps = append(w.outEps, ne)
	w.nextGlobal += GlobalIndex(length)
	w.framesInShard += length
	return nil
}
