package epishard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
)

const (
	InfoPath     = "meta/info.json"
	ManifestPath = "meta/manifest.json"

	DefaultFilesPerChunk = 1000
)

// Info is the dataset-level summary persisted at meta/info.json.
// DataFiles optionally enumerates the tabular shard paths so readers
// can skip directory listing entirely.
type Info struct {
	Version       string   `json:"version"`
	FPS           float64  `json:"fps"`
	TotalEpisodes int      `json:"total_episodes"`
	TotalFrames   int64    `json:"total_frames"`
	TotalTasks    int      `json:"total_tasks"`
	VideoKeys     []string `json:"video_keys"`
	FilesPerChunk int      `json:"files_per_chunk"`
	DataFiles     []string `json:"data_files,omitempty"`
}

func LoadInfo(root string) (*Info, error) {
	raw, err := os.ReadFile(filepath.Join(root, InfoPath))
	if err != nil {
		return nil, errors.Wrap(err, "read info")
	}
	var inf Info
	if err := json.Unmarshal(raw, &inf); err != nil {
		return nil, errors.Wrap(err, "parse info")
	}
	if inf.FilesPerChunk == 0 {
		inf.FilesPerChunk = DefaultFilesPerChunk
	}
	return &inf, nil
}

// Save writes info.json atomically so readers never observe a torn
// summary.
func (inf *Info) Save(root string) error {
	raw, err := json.MarshalIndent(inf, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(root, InfoPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(raw))
}

func (inf *Info) clone() *Info {
	ni := *inf
	ni.VideoKeys = append([]string(nil), inf.VideoKeys...)
	ni.DataFiles = append([]string(nil), inf.DataFiles...)
	return &ni
}

// UpdateInfoDataFiles regenerates the data_files list in meta/info.json
// from the tabular-store manifest and rewrites the file in place.
func UpdateInfoDataFiles(root string, m *Manifest) ([]string, error) {
	inf, err := LoadInfo(root)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		files = append(files, StoreData.ShardPath(e.Coord))
	}
	inf.DataFiles = files
	if err := inf.Save(root); err != nil {
		return nil, err
	}
	return files, nil
}

func countTasks(eps []Episode) int {
	seen := make(map[string]struct{})
	for i := range eps {
		for _, task := range eps[i].Tasks {
			seen[task] = struct{}{}
		}
	}
	return len(seen)
}
