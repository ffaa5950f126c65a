// In-memory doubles for the external store collaborators, plus a
// synthetic dataset builder. Test-only.
package test_utils

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/robodata/epishard"
)

type MemTableStore struct {
	mu    sync.Mutex
	files map[string][]epishard.FrameRecord
}

func NewMemTableStore() *MemTableStore {
	return &MemTableStore{files: make(map[string][]epishard.FrameRecord)}
}

func (s *MemTableStore) ReadRows(ctx context.Context, path string) ([]epishard.FrameRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	return append([]epishard.FrameRecord(nil), rows...), nil
}

func (s *MemTableStore) NewWriter(ctx context.Context, path string) (epishard.TableWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = nil
	return &memTableWriter{store: s, path: path}, nil
}

// Paths reports how many shard files the store holds.
func (s *MemTableStore) Paths() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type memTableWriter struct {
	store *MemTableStore
	path  string
}

func (w *memTableWriter) Append(rows ...epishard.FrameRecord) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.files[w.path] = append(w.store.files[w.path], rows...)
	return nil
}

func (w *memTableWriter) Close() error { return nil }

type MemEpisodeStore struct {
	mu    sync.Mutex
	files map[string][]epishard.Episode
}

func NewMemEpisodeStore() *MemEpisodeStore {
	return &MemEpisodeStore{files: make(map[string][]epishard.Episode)}
}

func (s *MemEpisodeStore) ReadEpisodes(ctx context.Context, path string) ([]epishard.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eps, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", os.ErrNotExist, path)
	}
	return append([]epishard.Episode(nil), eps...), nil
}

func (s *MemEpisodeStore) NewWriter(ctx context.Context, path string) (epishard.EpisodeWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = nil
	return &memEpisodeWriter{store: s, path: path}, nil
}

type memEpisodeWriter struct {
	store *MemEpisodeStore
	path  string
}

func (w *memEpisodeWriter) Append(eps ...epishard.Episode) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.store.files[w.path] = append(w.store.files[w.path], eps...)
	return nil
}

func (w *memEpisodeWriter) Close() error { return nil }
