package epishard

import (
	"fmt"
	"math"
	"strings"
)

// Three numbering systems coexist in a dataset and must never be mixed
// by plain arithmetic:
//   - GlobalIndex: dataset-wide monotonic frame counter, never resets;
//   - RelTime: seconds since the start of the owning episode;
//   - AbsTime: seek position in seconds inside one specific video file.
//
// Conversions between them are named methods so every crossing is an
// explicit call site.
type GlobalIndex uint64

type RelTime float64

type AbsTime float64

// FrameRelTime converts a 0-based in-episode frame number to its
// episode-relative timestamp.
func FrameRelTime(frame int64, fps float64) RelTime {
	return RelTime(float64(frame) / fps)
}

// Offset applies a frame-count delta used for temporal stacking.
func (t RelTime) Offset(delta int, fps float64) RelTime {
	return t + RelTime(float64(delta)/fps)
}

// Clamp pins t into [0, max]. Clamping is always done in the relative
// coordinate system; clamping absolute seek times conflates "out of
// episode bounds" with "out of video-file bounds".
func (t RelTime) Clamp(max RelTime) RelTime {
	if t < 0 {
		return 0
	}
	if t > max {
		return max
	}
	return t
}

func (t RelTime) Finite() bool {
	f := float64(t)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ShardCoord addresses one physical shard within one store.
type ShardCoord struct {
	Chunk int `json:"chunk_index"`
	File  int `json:"file_index"`
}

// NoCoord is the zero-ish invalid coordinate.
var NoCoord = ShardCoord{Chunk: -1, File: -1}

func (c ShardCoord) Valid() bool {
	return c.Chunk >= 0 && c.File >= 0
}

func (c ShardCoord) String() string {
	return fmt.Sprintf("chunk-%03d/file-%03d", c.Chunk, c.File)
}

// Next returns the coordinate that follows c, rolling over into the
// next chunk after filesPerChunk files.
func (c ShardCoord) Next(filesPerChunk int) ShardCoord {
	if filesPerChunk > 0 && c.File+1 >= filesPerChunk {
		return ShardCoord{Chunk: c.Chunk + 1, File: 0}
	}
	return ShardCoord{Chunk: c.Chunk, File: c.File + 1}
}

// Store names one of the three parallel stores. Video stores are keyed
// per camera stream ("videos/<key>").
type Store string

const (
	StoreData Store = "data"
	StoreMeta Store = "meta"
)

func VideoStore(key string) Store {
	return Store("videos/" + key)
}

// VideoKey reports the camera key if s is a video store.
func (s Store) VideoKey() (string, bool) {
	key, ok := strings.CutPrefix(string(s), "videos/")
	return key, ok
}

// ShardPath renders the repository-relative path of one shard of s,
// following the persisted layout:
//
//	data/chunk-000/file-000.parquet
//	videos/chunk-000/<key>/file-000.mp4
//	meta/episodes/chunk-000/file-000.parquet
func (s Store) ShardPath(c ShardCoord) string {
	switch s {
	case StoreData:
		return fmt.Sprintf("data/chunk-%03d/file-%03d.parquet", c.Chunk, c.File)
	case StoreMeta:
		return fmt.Sprintf("meta/episodes/chunk-%03d/file-%03d.parquet", c.Chunk, c.File)
	default:
		if key, ok := s.VideoKey(); ok {
			return fmt.Sprintf("videos/chunk-%03d/%s/file-%03d.mp4", c.Chunk, key, c.File)
		}
	}
	return fmt.Sprintf("%s/chunk-%03d/file-%03d", s, c.Chunk, c.File)
}

// ParseChunkDir extracts the chunk index from a "chunk-NNN" directory name.
func ParseChunkDir(name string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(name, "chunk-%d", &n); err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// ParseFileName extracts the file index from a "file-NNN.<ext>" name.
func ParseFileName(name string) (int, bool) {
	base, _, found := strings.Cut(name, ".")
	if !found {
		base = name
	}
	var n int
	if _, err := fmt.Sscanf(base, "file-%d", &n); err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
