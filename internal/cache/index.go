// Package cache's directory layout, under the cache root
// (BUILDER_CACHE_DIR, or ~/.cache/builder by default):
//
//	cas/<digest[0:2]>/<digest[2:4]>/<digest>    blob file, mode 0o444
//	actions/<ActionId[0:2]>/<ActionId>           per-action JSON record, replaced on re-insert
//
// There is no separate index file: Open rebuilds the in-memory index by
// walking actions/. The FileState journal is not kept in this package's
// layout; cmd/builder stores it as filestate.json in the cache root.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/errs"
)

// ActionRecord is the persisted result of a successful (or failed, if
// recorded for diagnostics) action: ActionId -> output digests.
type ActionRecord struct {
	ActionID      digest.Digest            `json:"action_id"`
	OutputDigests map[string]digest.Digest `json:"output_digests"` // declared path -> digest
	Success       bool                     `json:"success"`
	StderrDigest  digest.Digest            `json:"stderr_digest,omitempty"`
}

// ActionCache is the two-tier cache: lookup/insert against a persisted
// ActionRecord index backed by the CAS, with a single-flight guarantee
// that at most one executor runs per ActionId at any time.
type ActionCache struct {
	root string
	cas  *CAS

	mu    sync.RWMutex
	byID  map[digest.Digest]*ActionRecord

	flight singleflight.Group
}

// Open loads (or initializes) the ActionCache rooted at root, which
// must already contain (or will be given) a cas/ subdirectory.
func Open(root string, cas *CAS) (*ActionCache, error) {
	actionsDir := filepath.Join(root, "actions")
	if err := os.MkdirAll(actionsDir, 0o755); err != nil {
		return nil, err
	}
	ac := &ActionCache{root: root, cas: cas, byID: make(map[digest.Digest]*ActionRecord)}
	if err := ac.loadIndex(); err != nil {
		return nil, err
	}
	return ac, nil
}

func (ac *ActionCache) recordPath(id digest.Digest) string {
	a, _ := id.Shard()
	return filepath.Join(ac.root, "actions", a, string(id))
}

func (ac *ActionCache) loadIndex() error {
	actionsDir := filepath.Join(ac.root, "actions")
	return filepath.Walk(actionsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		b, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil // corrupted entries are skipped, not fatal
		}
		var rec ActionRecord
		if jsonErr := json.Unmarshal(b, &rec); jsonErr != nil {
			return nil
		}
		ac.mu.Lock()
		ac.byID[rec.ActionID] = &rec
		ac.mu.Unlock()
		return nil
	})
}

// Lookup returns the cached record for id, if present and all of its
// output digests still exist in the CAS. A record with evicted outputs
// is treated as a miss and removed from the index.
func (ac *ActionCache) Lookup(id digest.Digest) (*ActionRecord, bool) {
	ac.mu.RLock()
	rec, ok := ac.byID[id]
	ac.mu.RUnlock()
	if !ok {
		return nil, false
	}
	for _, d := range rec.OutputDigests {
		if !ac.cas.Has(d) {
			ac.mu.Lock()
			delete(ac.byID, id)
			ac.mu.Unlock()
			_ = os.Remove(ac.recordPath(id))
			return nil, false
		}
	}
	return rec, true
}

// Insert writes output contents into the CAS (already the caller's
// responsibility via CAS.Put/PutFile) and commits the ActionRecord.
// The record is written to a temp file and renamed into place so a
// crash never commits a record whose outputs are not yet durable.
func (ac *ActionCache) Insert(rec *ActionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	path := ac.recordPath(rec.ActionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ac.mu.Lock()
	ac.byID[rec.ActionID] = rec
	ac.mu.Unlock()
	return nil
}

// Execute enforces the single-flight guarantee: concurrent callers for
// the same ActionId share the first executor's result instead of each
// spawning their own action.
func (ac *ActionCache) Execute(id digest.Digest, fn func() (*ActionRecord, error)) (*ActionRecord, error, bool) {
	v, err, shared := ac.flight.Do(string(id), func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err, shared
	}
	return v.(*ActionRecord), nil, shared
}

// Invalidate drops id from the index without touching the CAS. Per the
// invalidation contract, clearing the ActionRecord index alone is
// always safe.
func (ac *ActionCache) Invalidate(id digest.Digest) error {
	ac.mu.Lock()
	delete(ac.byID, id)
	ac.mu.Unlock()
	if err := os.Remove(ac.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Clear removes the entire ActionRecord index. Clearing the CAS itself
// additionally requires clearing this index first (see ClearAll),
// otherwise stale records could point at since-removed blobs.
func (ac *ActionCache) Clear() error {
	ac.mu.Lock()
	ac.byID = make(map[digest.Digest]*ActionRecord)
	ac.mu.Unlock()
	return os.RemoveAll(filepath.Join(ac.root, "actions"))
}

// ClearAll clears the ActionRecord index and then the CAS, in that
// order, which is the only invalidation ordering that cannot leave the
// two stores inconsistent.
func ClearAll(ac *ActionCache, cas *CAS) error {
	if err := ac.Clear(); err != nil {
		return errs.Wrap(errs.CacheCorrupted, "clear action index", err)
	}
	return os.RemoveAll(cas.root)
}

// ReferencedDigests returns every output digest referenced by a live
// ActionRecord, the mark set for CAS garbage collection.
func (ac *ActionCache) ReferencedDigests() map[digest.Digest]bool {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	out := make(map[digest.Digest]bool)
	for _, rec := range ac.byID {
		for _, d := range rec.OutputDigests {
			out[d] = true
		}
	}
	return out
}
