// Package filestate tracks per-path (size, mtime, mode) tuples across
// builds as the fast path for change detection, falling back to a
// full content hash only when the tuple changes. It implements the
// two-tier validation described for the Action Cache: a metadata
// comparison is the primary optimization, and content is only rehashed
// on a metadata mismatch or on an mtime/content inconsistency.
package filestate

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/distr1/builder/internal/digest"
)

// State is one tracked file's last-known metadata and, once computed,
// its content digest.
type State struct {
	Path    string        `json:"path"`
	Size    int64         `json:"size"`
	MtimeNs int64         `json:"mtime_ns"`
	Mode    uint32        `json:"mode"`
	Content digest.Digest `json:"content,omitempty"`
}

// shardCount is the number of Tracker.locks; each lock guards a disjoint
// slice of the path space so unrelated paths never contend, mirroring
// the teacher's sharded-lock approach to concurrent metadata tracking.
const shardCount = 64

// Tracker is the in-memory FileState index backed by the journal file
// passed to Load (cmd/builder uses filestate.json in the cache root).
type Tracker struct {
	journalPath string

	locks [shardCount]sync.Mutex
	mu    sync.RWMutex
	byPath map[string]*State
}

// Load reads the journal file, if present, into memory.
func Load(journalPath string) (*Tracker, error) {
	t := &Tracker{journalPath: journalPath, byPath: make(map[string]*State)}
	b, err := os.ReadFile(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, err
	}
	var entries []*State
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, err
	}
	for _, e := range entries {
		t.byPath[e.Path] = e
	}
	return t, nil
}

// Flush persists the in-memory index to the journal file, atomically
// (write-to-temp then rename).
func (t *Tracker) Flush() error {
	t.mu.RLock()
	entries := make([]*State, 0, len(t.byPath))
	for _, s := range t.byPath {
		entries = append(entries, s)
	}
	t.mu.RUnlock()

	b, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	tmp := t.journalPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, t.journalPath)
}

func shardFor(path string) int {
	var h uint32
	for i := 0; i < len(path); i++ {
		h = h*31 + uint32(path[i])
	}
	return int(h % shardCount)
}

// Digest returns path's current content digest, consulting the
// metadata fast path first. It returns (digest, changed, error):
// changed is true if the content digest differs from what was last
// recorded (or nothing was recorded yet).
func (t *Tracker) Digest(path string) (digest.Digest, bool, error) {
	lock := &t.locks[shardFor(path)]
	lock.Lock()
	defer lock.Unlock()

	fi, err := os.Stat(path)
	if err != nil {
		return "", false, err
	}
	size := fi.Size()
	mtimeNs := fi.ModTime().UnixNano()
	mode := uint32(fi.Mode())

	t.mu.RLock()
	prev, ok := t.byPath[path]
	t.mu.RUnlock()

	if ok && prev.Size == size && prev.MtimeNs == mtimeNs && prev.Mode == mode {
		// Fast path: metadata tuple unchanged, assume content unchanged.
		return prev.Content, false, nil
	}

	d, _, err := digest.OfFile(path)
	if err != nil {
		return "", false, err
	}

	changed := !ok || prev.Content != d
	if ok && prev.MtimeNs == mtimeNs && prev.Content != d {
		// mtime matched (only size or mode moved) but content differs: the
		// filesystem did not report mtime monotonically with the write. Treat as a miss
		// and trust the content hash, per the documented fallback.
		changed = true
	}

	t.mu.Lock()
	t.byPath[path] = &State{Path: path, Size: size, MtimeNs: mtimeNs, Mode: mode, Content: d}
	t.mu.Unlock()

	return d, changed, nil
}

// Forget removes path from the tracker, e.g. after a declared output
// is deleted by gc.
func (t *Tracker) Forget(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byPath, path)
}
