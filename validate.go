package epishard

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/robodata/epishard/epishard_errors"
)

// Post-rewrite validation contract: counts must match the source, and
// after alignment every episode must sit at the same (chunk,file)
// coordinate in the tabular store, the metadata store and the
// reference video store.

func validateTotals(src, out *Dataset) error {
	if out.Len() != src.Len() {
		return fmt.Errorf("%w: episode count %d != %d",
			epishard_errors.ErrShardConsistency, out.Len(), src.Len())
	}
	srcFrames := totalFrames(src.episodes)
	outFrames := totalFrames(out.episodes)
	if srcFrames != outFrames {
		return fmt.Errorf("%w: frame count %d != %d",
			epishard_errors.ErrShardConsistency, outFrames, srcFrames)
	}
	if countTasks(out.episodes) != countTasks(src.episodes) {
		return fmt.Errorf("%w: task count changed", epishard_errors.ErrShardConsistency)
	}
	if out.Info.FPS != src.Info.FPS {
		return fmt.Errorf("%w: fps changed", epishard_errors.ErrShardConsistency)
	}
	return nil
}

func totalFrames(eps []Episode) int64 {
	var n int64
	for i := range eps {
		n += eps[i].Length
	}
	return n
}

// ValidateAligned checks the alignment postcondition: content order
// untouched episode by episode, and data/meta coordinates equal to the
// reference video coordinate.
func ValidateAligned(src, out *Dataset, refKey string) error {
	if err := validateTotals(src, out); err != nil {
		return err
	}
	for i := range out.episodes {
		oe, se := &out.episodes[i], &src.episodes[i]
		if oe.Length != se.Length || oe.FromIndex != se.FromIndex || oe.ToIndex != se.ToIndex {
			return fmt.Errorf("%w: episode %d boundaries changed",
				epishard_errors.ErrShardConsistency, i)
		}
		if !equalTasks(oe.Tasks, se.Tasks) {
			return fmt.Errorf("%w: episode %d tasks changed",
				epishard_errors.ErrShardConsistency, i)
		}
		ref, err := oe.Segment(refKey)
		if err != nil {
			return err
		}
		if oe.Data != ref.Coord || oe.Meta != ref.Coord {
			return fmt.Errorf("%w: episode %d data %s meta %s reference %s",
				epishard_errors.ErrShardConsistency, i, oe.Data, oe.Meta, ref.Coord)
		}
		for key, seg := range oe.Videos {
			if src := se.Videos[key]; seg != src {
				return fmt.Errorf("%w: episode %d key %q video segment changed",
					epishard_errors.ErrShardConsistency, i, key)
			}
		}
	}
	return nil
}

// ValidateShuffled checks that a shuffle preserved the aggregate
// content: same episode-length and task multisets, full alignment of
// all three stores in the output, and contiguous reassigned indices.
func ValidateShuffled(src, out *Dataset) error {
	if err := validateTotals(src, out); err != nil {
		return err
	}
	if !equalMultiset(lengths(src.episodes), lengths(out.episodes)) {
		return fmt.Errorf("%w: episode length multiset changed",
			epishard_errors.ErrShardConsistency)
	}
	if !equalMultiset(taskFingerprints(src.episodes), taskFingerprints(out.episodes)) {
		return fmt.Errorf("%w: task distribution changed",
			epishard_errors.ErrShardConsistency)
	}
	for i := range out.episodes {
		e := &out.episodes[i]
		if e.Meta != e.Data {
			return fmt.Errorf("%w: episode %d meta %s != data %s",
				epishard_errors.ErrShardConsistency, i, e.Meta, e.Data)
		}
		for key, seg := range e.Videos {
			if seg.Coord != e.Data {
				return fmt.Errorf("%w: episode %d key %q video %s != data %s",
					epishard_errors.ErrShardConsistency, i, key, seg.Coord, e.Data)
			}
		}
	}
	return nil
}

// SampleDecode spot-checks that sampled frames of a rewritten dataset
// decode: first, middle and last episode, frame zero of each, every
// video key. Shape/value checks on the pixels stay with the caller.
func SampleDecode(ctx context.Context, ds *Dataset, keys []string) error {
	if ds.opts.Decoder == nil {
		return epishard_errors.ErrNoCodec
	}
	r := NewResolver(ds)
	samples := []int{0, ds.Len() / 2, ds.Len() - 1}
	for _, i := range samples {
		seeks, err := r.Resolve(i, 0, nil, keys)
		if err != nil {
			return err
		}
		ep, err := ds.Episode(i)
		if err != nil {
			return err
		}
		for key, at := range seeks {
			seg := ep.Videos[key]
			path := filepath.Join(ds.Root, VideoStore(key).ShardPath(seg.Coord))
			frames, err := ds.opts.Decoder.Decode(ctx, path, at)
			if err != nil {
				return fmt.Errorf("%w: sample episode %d key %q: %v",
					epishard_errors.ErrMediaCodec, i, key, err)
			}
			if len(frames) != len(at) {
				return fmt.Errorf("%w: sample episode %d key %q: %d frames for %d seeks",
					epishard_errors.ErrMediaCodec, i, key, len(frames), len(at))
			}
		}
	}
	return nil
}

func equalTasks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func lengths(eps []Episode) []string {
	out := make([]string, 0, len(eps))
	for i := range eps {
		out = append(out, fmt.Sprintf("%d", eps[i].Length))
	}
	return out
}

func taskFingerprints(eps []Episode) []string {
	out := make([]string, 0, len(eps))
	for i := range eps {
		out = append(out, fmt.Sprintf("%q", eps[i].Tasks))
	}
	return out
}

func equalMultiset(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
