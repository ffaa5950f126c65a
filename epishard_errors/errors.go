// Provides common epishard errors definitions.
package epishard_errors

import "errors"

var (
	// Coordinate errors: data contract violations on the read path,
	// surfaced to the caller immediately and never retried.
	ErrEpisodeNotFound = errors.New("epishard: unknown episode")
	ErrMissingStream   = errors.New("epishard: video stream not present for episode")
	ErrInvalidOffset   = errors.New("epishard: non-finite time or offset")

	// ErrShardConsistency means a manifest/boundary invariant does not
	// hold (gap, overlap or non-contiguous global indices). Fatal to the
	// current batch operation.
	ErrShardConsistency = errors.New("epishard: shard boundary invariant violated")

	// ErrMediaCodec wraps a decode/encode failure for one episode. Fatal
	// to the whole align/shuffle run, nothing gets published.
	ErrMediaCodec = errors.New("epishard: media codec failure")

	ErrEmptyReference   = errors.New("epishard: reference store has no shards")
	ErrNoOutput         = errors.New("epishard: no output location")
	ErrOutputExists     = errors.New("epishard: output location already exists")
	ErrNoCodec          = errors.New("epishard: codec service not configured")
	ErrDatasetMalformed = errors.New("epishard: malformed dataset metadata")
)
