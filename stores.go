package epishard

import "context"

// The parquet codec and the video codecs are external collaborators.
// The engine only ever talks to them through the interfaces below:
// a table store supporting append/read-range, an episode-record store
// with the same shape, and decode/encode services that turn absolute
// seek times into frames and ordered frames into a shard file.

// TableStore reads and writes the tabular per-frame store. Paths are
// repository-absolute; implementations own directory creation.
type TableStore interface {
	ReadRows(ctx context.Context, path string) ([]FrameRecord, error)
	NewWriter(ctx context.Context, path string) (TableWriter, error)
}

type TableWriter interface {
	Append(rows ...FrameRecord) error
	Close() error
}

// EpisodeStore reads and writes per-episode boundary records.
type EpisodeStore interface {
	ReadEpisodes(ctx context.Context, path string) ([]Episode, error)
	NewWriter(ctx context.Context, path string) (EpisodeWriter, error)
}

type EpisodeWriter interface {
	Append(eps ...Episode) error
	Close() error
}

// Frame is an opaque decoded video frame. The engine never looks
// inside; tensor semantics live with the caller.
type Frame []byte

// FrameDecoder decodes one frame per absolute seek position out of the
// video file at path.
type FrameDecoder interface {
	Decode(ctx context.Context, path string, seeks []AbsTime) ([]Frame, error)
}

// VideoEncoder opens a sink that encodes ordered frames at the given
// fps into a new video shard file at path.
type VideoEncoder interface {
	NewEncoder(ctx context.Context, path string, fps float64) (FrameSink, error)
}

type FrameSink interface {
	Write(frames ...Frame) error
	Close() error
}
