package epishard

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robodata/epishard/epishard_errors"
)

var AlignDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "epishard",
	Subsystem: "aligner",
	Name:      "duration_seconds",
	Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 300, 1800},
})

var AlignResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epishard",
	Subsystem: "aligner",
	Name:      "runs",
}, []string{"result"})

// AlignOptions configures one realignment run.
type AlignOptions struct {
	OutputDir string
	// ReferenceKey picks the video key whose shard structure governs
	// the new tabular/metadata boundaries.
	ReferenceKey string
	// CopyVideos physically copies video files into the output tree.
	// Leave false when the videos are relocated out of band; only the
	// location metadata is rewritten either way.
	CopyVideos bool
}

// Align produces a new dataset whose tabular-store and metadata-store
// shard boundaries exactly match the reference video key's boundaries.
// Row content, row order and video bytes are untouched; only the
// partition points and location metadata move. The source dataset is
// never mutated; either a fully valid output appears at OutputDir or
// nothing is published.
func Align(ctx context.Context, src *Dataset, opts AlignOptions) (*Dataset, error) {
	start := time.Now()
	out, err := align(ctx, src, opts)
	AlignDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		AlignResults.WithLabelValues("error").Inc()
		return nil, err
	}
	AlignResults.WithLabelValues("success").Inc()
	return out, nil
}

func align(ctx context.Context, src *Dataset, opts AlignOptions) (*Dataset, error) {
	if opts.OutputDir == "" {
		return nil, epishard_errors.ErrNoOutput
	}
	if _, err := os.Stat(opts.OutputDir); err == nil {
		return nil, fmt.Errorf("%w: %s", epishard_errors.ErrOutputExists, opts.OutputDir)
	}
	refStore := VideoStore(opts.ReferenceKey)
	refManifest, err := src.Manifest(refStore)
	if err != nil {
		return nil, err
	}
	if refManifest.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", epishard_errors.ErrEmptyReference, refStore)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, err
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(opts.OutputDir)
		}
	}()

	var (
		cur     = NoCoord
		tw      TableWriter
		ew      EpisodeWriter
		outEps  = make([]Episode, 0, src.Len())
		rowPath string
		rows    []FrameRecord
	)
	closeWriters := func() error {
		var err error
		if tw != nil {
			err = tw.Close()
			tw = nil
		}
		if ew != nil {
			if cerr := ew.Close(); err == nil {
				err = cerr
			}
			ew = nil
		}
		return err
	}

	for i := range src.episodes {
		if err := ctx.Err(); err != nil {
			closeWriters()
			return nil, err
		}
		e := &src.episodes[i]
		seg, err := e.Segment(opts.ReferenceKey)
		if err != nil {
			closeWriters()
			return nil, err
		}
		ref := seg.Coord

		if ref != cur {
			if err := closeWriters(); err != nil {
				return nil, err
			}
			tw, err = src.opts.Tables.NewWriter(ctx, filepath.Join(opts.OutputDir, StoreData.ShardPath(ref)))
			if err != nil {
				return nil, err
			}
			ew, err = src.opts.Episodes.NewWriter(ctx, filepath.Join(opts.OutputDir, StoreMeta.ShardPath(ref)))
			if err != nil {
				closeWriters()
				return nil, err
			}
			cur = ref
		}

		// A source data file can hold several episodes; read it once
		// and slice out this episode's rows unmodified.
		if p := filepath.Join(src.Root, StoreData.ShardPath(e.Data)); p != rowPath {
			rows, err = src.opts.Tables.ReadRows(ctx, p)
			if err != nil {
				closeWriters()
				return nil, err
			}
			rowPath = p
		}
		for _, row := range rows {
			if !e.Contains(row.Global) {
				continue
			}
			if err := tw.Append(row); err != nil {
				closeWriters()
				return nil, err
			}
		}

		ne := e.clone()
		ne.Data = ref
		ne.Meta = ref
		if err := ew.Append(ne); err != nil {
			closeWriters()
			return nil, err
		}
		outEps = append(outEps, ne)
	}
	if err := closeWriters(); err != nil {
		return nil, err
	}

	if opts.CopyVideos {
		if err := copyVideoShards(ctx, src, opts.OutputDir); err != nil {
			return nil, err
		}
	}
	reportMisalignedKeys(src, opts.ReferenceKey)

	inf := src.Info.clone()
	inf.Version = uuid.NewString()
	inf.TotalTasks = countTasks(outEps)
	out := &Dataset{Root: opts.OutputDir, Info: inf, episodes: outEps, opts: src.opts, log: src.log}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateAligned(src, out, opts.ReferenceKey); err != nil {
		return nil, err
	}
	if err := publish(out); err != nil {
		return nil, err
	}
	cleanup = false
	src.log.Info("align published", "output", opts.OutputDir,
		"version", inf.Version, "reference", opts.ReferenceKey)
	return out, nil
}

// publish commits the new dataset version: manifests first, then the
// info summary whose appearance makes the output readable. Both writes
// are atomic file swaps.
func publish(out *Dataset) error {
	manifests := make([]*Manifest, 0, len(out.Stores()))
	for _, store := range out.Stores() {
		m, err := out.Manifest(store)
		if err != nil {
			return err
		}
		manifests = append(manifests, m)
	}
	if err := SaveManifests(out.Root, out.Info.Version, manifests); err != nil {
		return err
	}
	dm, err := out.Manifest(StoreData)
	if err != nil {
		return err
	}
	files := make([]string, 0, dm.Len())
	for e := range dm.Shards() {
		files = append(files, StoreData.ShardPath(e.Coord))
	}
	out.Info.DataFiles = files
	return out.Info.Save(out.Root)
}

func copyVideoShards(ctx context.Context, src *Dataset, outDir string) error {
	for _, key := range src.Info.VideoKeys {
		m, err := src.Manifest(VideoStore(key))
		if err != nil {
			return err
		}
		for entry := range m.Shards() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rel := VideoStore(key).ShardPath(entry.Coord)
			if err := copyFile(filepath.Join(src.Root, rel), filepath.Join(outDir, rel)); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Other video keys keep their own shard structure after alignment.
// Divergence is an accepted output condition, recorded rather than
// rejected.
func reportMisalignedKeys(src *Dataset, refKey string) {
	for _, key := range src.Info.VideoKeys {
		if key == refKey {
			continue
		}
		diverged := 0
		for i := range src.episodes {
			e := &src.episodes[i]
			ref, ok := e.Videos[refKey]
			if !ok {
				continue
			}
			if seg, ok := e.Videos[key]; ok && seg.Coord != ref.Coord {
				diverged++
			}
		}
		if diverged > 0 {
			src.log.Warn("video key shard structure diverges from reference",
				"key", key, "reference", refKey, "episodes", diverged)
		}
	}
}
