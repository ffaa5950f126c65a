package epishard

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
)

// JSONTableStore and JSONEpisodeStore are newline-delimited-JSON
// reference implementations of the store interfaces, used by the
// tooling and by on-disk round-trip tests. Production deployments plug
// in real parquet-backed stores; the engine treats shard paths as
// opaque either way.

type JSONTableStore struct{}

func (JSONTableStore) ReadRows(ctx context.Context, path string) ([]FrameRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var rows []FrameRecord
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var row FrameRecord
		if err := dec.Decode(&row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (JSONTableStore) NewWriter(ctx context.Context, path string) (TableWriter, error) {
	f, err := createShardFile(path)
	if err != nil {
		return nil, err
	}
	return &jsonWriter[FrameRecord]{f: f, w: bufio.NewWriter(f)}, nil
}

type JSONEpisodeStore struct{}

func (JSONEpisodeStore) ReadEpisodes(ctx context.Context, path string) ([]Episode, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var eps []Episode
	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var e Episode
		if err := dec.Decode(&e); err != nil {
			return nil, err
		}
		eps = append(eps, e)
	}
	return eps, nil
}

func (JSONEpisodeStore) NewWriter(ctx context.Context, path string) (EpisodeWriter, error) {
	f, err := createShardFile(path)
	if err != nil {
		return nil, err
	}
	return &jsonWriter[Episode]{f: f, w: bufio.NewWriter(f)}, nil
}

func createShardFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

type jsonWriter[T any] struct {
	f *os.File
	w *bufio.Writer
}

func (jw *jsonWriter[T]) Append(items ...T) error {
	enc := json.NewEncoder(jw.w)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func (jw *jsonWriter[T]) Close() error {
	if err := jw.w.Flush(); err != nil {
		jw.f.Close()
		return err
	}
	return jw.f.Close()
}
