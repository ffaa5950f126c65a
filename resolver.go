package epishard

import (
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/robodata/epishard/epishard_errors"
	"github.com/robodata/epishard/utils"
)

var ResolveCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epishard",
	Subsystem: "resolver",
	Name:      "resolves",
}, []string{"key"})

var ResolveClamped = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epishard",
	Subsystem: "resolver",
	Name:      "clamped",
}, []string{"key"})

var ResolveErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epishard",
	Subsystem: "resolver",
	Name:      "errors",
}, []string{"reason"})

type segKey struct {
	ep  int
	key string
}

// Resolver converts episode-relative query times, plus bounded frame
// offsets for temporal stacking, into absolute seek timestamps inside
// whichever video shard currently holds the episode. It is pure over
// the immutable dataset snapshot; any number of goroutines may resolve
// concurrently.
type Resolver struct {
	ds       *Dataset
	segments *xsync.MapOf[segKey, VideoSegment]
	latency  *utils.AvgVal
}

func NewResolver(ds *Dataset) *Resolver {
	return &Resolver{
		ds:       ds,
		segments: xsync.NewMapOf[segKey, VideoSegment](),
		latency:  new(utils.AvgVal),
	}
}

func (r *Resolver) segment(ep *Episode, key string) (VideoSegment, error) {
	sk := segKey{ep: ep.Index, key: key}
	if seg, ok := r.segments.Load(sk); ok {
		return seg, nil
	}
	seg, err := ep.Segment(key)
	if err != nil {
		ResolveErrors.WithLabelValues("missing_stream").Inc()
		return VideoSegment{}, err
	}
	r.segments.Store(sk, seg)
	return seg, nil
}

// Resolve produces, per requested video key, one absolute seek time
// for the base instant t followed by one per delta. Every requested
// instant is clamped into [0, duration] in the relative coordinate
// system before the shift into absolute space; offsets that fall
// outside the episode clamp to its edge, they never wrap into a
// neighboring episode.
func (r *Resolver) Resolve(episode int, t RelTime, deltas []int, keys []string) (map[string][]AbsTime, error) {
	start := time.Now()
	defer func() { r.latency.Add(time.Since(start).Seconds()) }()

	if !t.Finite() {
		ResolveErrors.WithLabelValues("invalid_offset").Inc()
		return nil, fmt.Errorf("%w: t=%v", epishard_errors.ErrInvalidOffset, t)
	}
	ep, err := r.ds.Episode(episode)
	if err != nil {
		ResolveErrors.WithLabelValues("unknown_episode").Inc()
		return nil, err
	}
	fps := r.ds.FPS()

	rels := make([]RelTime, 0, 1+len(deltas))
	rels = append(rels, t)
	for _, d := range deltas {
		rel := t.Offset(d, fps)
		if !rel.Finite() {
			ResolveErrors.WithLabelValues("invalid_offset").Inc()
			return nil, fmt.Errorf("%w: delta=%d", epishard_errors.ErrInvalidOffset, d)
		}
		rels = append(rels, rel)
	}

	out := make(map[string][]AbsTime, len(keys))
	for _, key := range keys {
		seg, err := r.segment(&ep, key)
		if err != nil {
			return nil, err
		}
		duration := seg.Duration()
		seeks := make([]AbsTime, 0, len(rels))
		for _, rel := range rels {
			clamped := rel.Clamp(duration)
			if clamped != rel {
				ResolveClamped.WithLabelValues(key).Inc()
			}
			seeks = append(seeks, seg.Seek(clamped))
		}
		out[key] = seeks
		ResolveCount.WithLabelValues(key).Inc()
	}
	return out, nil
}

// ResolveAt is the single-instant, single-key form of Resolve.
func (r *Resolver) ResolveAt(episode int, t RelTime, key string) (AbsTime, error) {
	seeks, err := r.Resolve(episode, t, nil, []string{key})
	if err != nil {
		return 0, err
	}
	return seeks[key][0], nil
}

// Locate finds the episode owning a global frame index and the
// episode-relative timestamp of that frame. Used by streaming readers
// that address frames by global index.
func (r *Resolver) Locate(g GlobalIndex) (Episode, RelTime, error) {
	eps := r.ds.episodes
	at := sort.Search(len(eps), func(i int) bool {
		return eps[i].ToIndex > g
	})
	if at == len(eps) || !eps[at].Contains(g) {
		ResolveErrors.WithLabelValues("unknown_index").Inc()
		return Episode{}, 0, fmt.Errorf("%w: global index %d",
			epishard_errors.ErrEpisodeNotFound, g)
	}
	rel, err := eps[at].RelTimeOf(g, r.ds.FPS())
	if err != nil {
		return Episode{}, 0, err
	}
	return eps[at].clone(), rel, nil
}

// ResolveGlobal is Resolve addressed by global frame index instead of
// an (episode, relative time) pair.
func (r *Resolver) ResolveGlobal(g GlobalIndex, deltas []int, keys []string) (map[string][]AbsTime, error) {
	ep, rel, err := r.Locate(g)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ep.Index, rel, deltas, keys)
}

// AvgLatency reports the running mean resolve latency in seconds.
func (r *Resolver) AvgLatency() float64 {
	return r.latency.Val()
}
