package epishard

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/robodata/epishard/epishard_errors"
)

var ManifestLocates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "epishard",
	Subsystem: "manifest",
	Name:      "locates",
}, []string{"store", "cache"})

const locateCacheSize = 1 << 16

// ShardEntry maps one (chunk,file) shard to the half-open global-index
// range it holds. Fingerprint is an xxhash over the range bounds and
// coordinate, used to detect stale manifests after a rewrite.
type ShardEntry struct {
	Coord       ShardCoord  `json:"coord"`
	From        GlobalIndex `json:"from_index"`
	To          GlobalIndex `json:"to_index"`
	Rows        int64       `json:"rows"`
	Fingerprint uint64      `json:"fingerprint"`
}

func (e *ShardEntry) fingerprint() uint64 {
	var buf [8 * 4]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(e.Coord.Chunk))
	binary.LittleEndian.PutUint64(buf[8:], uint64(e.Coord.File))
	binary.LittleEndian.PutUint64(buf[16:], uint64(e.From))
	binary.LittleEndian.PutUint64(buf[24:], uint64(e.To))
	return xxhash.Sum64(buf[:])
}

// Manifest is the ordered, contiguous, non-overlapping partition of
// the global index space for one store. It is rebuilt from episode
// records after every rewrite, never patched incrementally.
type Manifest struct {
	Store   Store        `json:"store"`
	Entries []ShardEntry `json:"entries"`

	locate *lru.Cache[GlobalIndex, int]
}

// BuildManifest derives the shard partition of one store by walking
// episodes in ascending order. Episodes never span a shard by
// construction, so entry boundaries fall on episode boundaries.
func BuildManifest(store Store, eps []Episode) (*Manifest, error) {
	m := &Manifest{Store: store}
	seen := make(map[ShardCoord]struct{})
	var next GlobalIndex
	for i := range eps {
		e := &eps[i]
		coord, ok := e.Coord(store)
		if !ok || !coord.Valid() {
			return nil, fmt.Errorf("%w: episode %d has no %s coordinate",
				epishard_errors.ErrShardConsistency, e.Index, store)
		}
		if e.FromIndex != next {
			return nil, fmt.Errorf("%w: %s episode %d starts at %d, want %d",
				epishard_errors.ErrShardConsistency, store, e.Index, e.FromIndex, next)
		}
		if e.ToIndex < e.FromIndex {
			return nil, fmt.Errorf("%w: episode %d range inverted",
				epishard_errors.ErrShardConsistency, e.Index)
		}
		next = e.ToIndex

		if n := len(m.Entries); n > 0 && m.Entries[n-1].Coord == coord {
			m.Entries[n-1].To = e.ToIndex
			m.Entries[n-1].Rows += int64(e.ToIndex - e.FromIndex)
			continue
		}
		if _, dup := seen[coord]; dup {
			return nil, fmt.Errorf("%w: %s shard %s holds non-consecutive episodes",
				epishard_errors.ErrShardConsistency, store, coord)
		}
		seen[coord] = struct{}{}
		m.Entries = append(m.Entries, ShardEntry{
			Coord: coord,
			From:  e.FromIndex,
			To:    e.ToIndex,
			Rows:  int64(e.ToIndex - e.FromIndex),
		})
	}
	for i := range m.Entries {
		m.Entries[i].Fingerprint = m.Entries[i].fingerprint()
	}
	m.locate, _ = lru.New[GlobalIndex, int](locateCacheSize)
	return m, nil
}

// Resolve maps a global index to the shard holding it plus the local
// row offset inside that shard. O(log shard_count). Safe for any
// number of concurrent callers; the manifest fields are never written
// here, only the internally synchronized locate cache.
func (m *Manifest) Resolve(g GlobalIndex) (ShardCoord, int64, error) {
	if m.locate != nil {
		if at, ok := m.locate.Get(g); ok {
			e := &m.Entries[at]
			if g >= e.From && g < e.To {
				ManifestLocates.WithLabelValues(string(m.Store), "hit").Inc()
				return e.Coord, int64(g - e.From), nil
			}
		}
	}
	ManifestLocates.WithLabelValues(string(m.Store), "miss").Inc()
	at := sort.Search(len(m.Entries), func(i int) bool {
		return m.Entries[i].To > g
	})
	if at == len(m.Entries) || g < m.Entries[at].From {
		return NoCoord, 0, fmt.Errorf("%w: index %d not held by any %s shard",
			epishard_errors.ErrEpisodeNotFound, g, m.Store)
	}
	if m.locate != nil {
		m.locate.Add(g, at)
	}
	e := &m.Entries[at]
	return e.Coord, int64(g - e.From), nil
}

// Shards walks the shard descriptors in global-index order.
func (m *Manifest) Shards() iter.Seq[ShardEntry] {
	return func(yield func(ShardEntry) bool) {
		for _, e := range m.Entries {
			if !yield(e) {
				return
			}
		}
	}
}

func (m *Manifest) Len() int { return len(m.Entries) }

// Span reports the half-open global range the manifest covers.
func (m *Manifest) Span() (GlobalIndex, GlobalIndex) {
	if len(m.Entries) == 0 {
		return 0, 0
	}
	return m.Entries[0].From, m.Entries[len(m.Entries)-1].To
}

// Check verifies the partition invariants: contiguity, no overlaps,
// intact fingerprints.
func (m *Manifest) Check() error {
	var next GlobalIndex
	for i := range m.Entries {
		e := &m.Entries[i]
		if e.From != next {
			return fmt.Errorf("%w: %s shard %s starts at %d, want %d",
				epishard_errors.ErrShardConsistency, m.Store, e.Coord, e.From, next)
		}
		if e.To < e.From {
			return fmt.Errorf("%w: %s shard %s range inverted",
				epishard_errors.ErrShardConsistency, m.Store, e.Coord)
		}
		if e.Fingerprint != 0 && e.Fingerprint != e.fingerprint() {
			return fmt.Errorf("%w: %s shard %s fingerprint mismatch",
				epishard_errors.ErrShardConsistency, m.Store, e.Coord)
		}
		next = e.To
	}
	return nil
}

type manifestFile struct {
	Version string      `json:"version"`
	Stores  []*Manifest `json:"stores"`
}

// SaveManifests persists all per-store manifests as one atomic JSON
// artifact at meta/manifest.json.
func SaveManifests(root, version string, ms []*Manifest) error {
	raw, err := json.MarshalIndent(manifestFile{Version: version, Stores: ms}, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(root, ManifestPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(raw))
}

// LoadManifests reads meta/manifest.json. A missing file is not an
// error; the caller falls back to rebuilding from episode records.
func LoadManifests(root string) (map[Store]*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(root, ManifestPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mf manifestFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, err
	}
	out := make(map[Store]*Manifest, len(mf.Stores))
	for _, m := range mf.Stores {
		if err := m.Check(); err != nil {
			return nil, err
		}
		m.locate, _ = lru.New[GlobalIndex, int](locateCacheSize)
		out[m.Store] = m
	}
	return out, nil
}
