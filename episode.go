package epishard

import (
	"fmt"

	"github.com/robodata/epishard/epishard_errors"
)

// FrameRecord is one tabular-store row. Timestamp has meaning only
// relative to the owning episode, never as a position in a video file.
type FrameRecord struct {
	Global    GlobalIndex        `json:"global_index"`
	Episode   int                `json:"episode_index"`
	Frame     int64              `json:"frame_index"`
	Timestamp RelTime            `json:"timestamp"`
	Payload   map[string]float64 `json:"payload,omitempty"`
}

// VideoSegment locates the stretch of one video shard file occupied by
// an episode for one camera key. From resets to zero whenever the
// episode opens a new video file, otherwise it equals the previous
// episode's To within the same file.
type VideoSegment struct {
	Coord ShardCoord `json:"coord"`
	From  AbsTime    `json:"from_timestamp"`
	To    AbsTime    `json:"to_timestamp"`
}

// Duration is shard-independent: relocating the episode to another
// file changes From/To but never To-From.
func (s VideoSegment) Duration() RelTime {
	return RelTime(s.To - s.From)
}

// Seek shifts an episode-relative instant into the absolute seek
// coordinate of the file holding this segment. The caller clamps rel
// first; Seek itself never clamps.
func (s VideoSegment) Seek(rel RelTime) AbsTime {
	return s.From + AbsTime(rel)
}

// Episode is one per-episode boundary record of the metadata store.
type Episode struct {
	Index     int                     `json:"episode_index"`
	FromIndex GlobalIndex             `json:"dataset_from_index"`
	ToIndex   GlobalIndex             `json:"dataset_to_index"`
	Length    int64                   `json:"length"`
	Tasks     []string                `json:"tasks"`
	Data      ShardCoord              `json:"data"`
	Meta      ShardCoord              `json:"meta"`
	Videos    map[string]VideoSegment `json:"videos"`
}

// Segment returns the video segment for one camera key.
func (e *Episode) Segment(key string) (VideoSegment, error) {
	seg, ok := e.Videos[key]
	if !ok {
		return VideoSegment{}, fmt.Errorf("%w: episode %d key %q",
			epishard_errors.ErrMissingStream, e.Index, key)
	}
	return seg, nil
}

// Coord reports the shard coordinate of this episode in the given store.
func (e *Episode) Coord(store Store) (ShardCoord, bool) {
	switch store {
	case StoreData:
		return e.Data, true
	case StoreMeta:
		return e.Meta, true
	default:
		if key, ok := store.VideoKey(); ok {
			seg, ok := e.Videos[key]
			return seg.Coord, ok
		}
	}
	return NoCoord, false
}

// Contains reports whether the episode owns the global index.
func (e *Episode) Contains(g GlobalIndex) bool {
	return g >= e.FromIndex && g < e.ToIndex
}

// RelTimeOf converts a global frame index owned by this episode into
// its episode-relative timestamp. This is the only sanctioned path
// from the global numbering into the relative one; dividing a global
// index by fps yields garbage whenever the episode is not the first
// one in the dataset.
func (e *Episode) RelTimeOf(g GlobalIndex, fps float64) (RelTime, error) {
	if !e.Contains(g) {
		return 0, fmt.Errorf("%w: index %d outside episode %d [%d,%d)",
			epishard_errors.ErrEpisodeNotFound, g, e.Index, e.FromIndex, e.ToIndex)
	}
	return FrameRelTime(int64(g-e.FromIndex), fps), nil
}

func (e *Episode) clone() Episode {
	ne := *e
	ne.Tasks = append([]string(nil), e.Tasks...)
	ne.Videos = make(map[string]VideoSegment, len(e.Videos))
	for k, v := range e.Videos {
		ne.Videos[k] = v
	}
	return ne
}
