// Package cache implements the two-tier Action Cache: content-addressed
// storage (CAS) for artifacts, and an ActionRecord index mapping an
// ActionId to the digests of the outputs it produced. See the cache
// directory layout in the package doc of index.go.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio"

	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/errs"
)

// CAS is a content-addressable blob store rooted at <cacheDir>/cas.
// Writes are atomic (stage to a temp file, then rename into place) so
// a crash mid-write never leaves a partially-written blob reachable by
// its digest.
type CAS struct {
	root string

	mu       sync.Mutex
	size     int64
	accessed map[digest.Digest]time.Time
	pinned   map[digest.Digest]int // refcount; >0 protects from eviction
}

// OpenCAS creates (if needed) and opens the CAS rooted at root.
func OpenCAS(root string) (*CAS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	c := &CAS{root: root, accessed: make(map[digest.Digest]time.Time), pinned: make(map[digest.Digest]int)}
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CAS) path(d digest.Digest) string {
	a, b := d.Shard()
	return filepath.Join(c.root, a, b, string(d))
}

func (c *CAS) scan() error {
	return filepath.Walk(c.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		c.mu.Lock()
		c.size += info.Size()
		c.accessed[digest.Digest(info.Name())] = info.ModTime()
		c.mu.Unlock()
		return nil
	})
}

// Has reports whether d is present in the CAS.
func (c *CAS) Has(d digest.Digest) bool {
	_, err := os.Stat(c.path(d))
	return err == nil
}

// Put stores content under its BLAKE3 digest, returning the digest.
// If the blob already exists it is not rewritten.
func (c *CAS) Put(content []byte) (digest.Digest, error) {
	d := digest.OfBytes(content)
	dst := c.path(d)
	if _, err := os.Stat(dst); err == nil {
		c.touch(d)
		return d, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return "", err
	}
	defer t.Cleanup()
	if _, err := t.Write(content); err != nil {
		return "", err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", err
	}
	if err := os.Chmod(dst, 0o444); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.size += int64(len(content))
	c.accessed[d] = time.Now()
	c.mu.Unlock()
	return d, nil
}

// PutFile streams a file's content into the CAS without buffering it
// fully, returning the digest it was stored under.
func (c *CAS) PutFile(src string) (digest.Digest, int64, error) {
	d, n, err := digest.OfFile(src)
	if err != nil {
		return "", 0, err
	}
	dst := c.path(d)
	if _, err := os.Stat(dst); err == nil {
		c.touch(d)
		return d, n, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, err
	}
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return "", 0, err
	}
	defer t.Cleanup()
	if _, err := io.Copy(t, in); err != nil {
		return "", 0, err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return "", 0, err
	}
	if err := os.Chmod(dst, 0o444); err != nil {
		return "", 0, err
	}
	c.mu.Lock()
	c.size += n
	c.accessed[d] = time.Now()
	c.mu.Unlock()
	return d, n, nil
}

// Open returns a reader for d's content, recording an access for LRU
// purposes.
func (c *CAS) Open(d digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(c.path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.CacheCorrupted, fmt.Sprintf("missing blob %s", d), nil)
		}
		return nil, err
	}
	c.touch(d)
	return f, nil
}

func (c *CAS) touch(d digest.Digest) {
	c.mu.Lock()
	c.accessed[d] = time.Now()
	c.mu.Unlock()
}

// Pin protects d from eviction while an in-flight Node references it.
func (c *CAS) Pin(d digest.Digest) {
	c.mu.Lock()
	c.pinned[d]++
	c.mu.Unlock()
}

// Unpin releases a Pin.
func (c *CAS) Unpin(d digest.Digest) {
	c.mu.Lock()
	if c.pinned[d] > 0 {
		c.pinned[d]--
		if c.pinned[d] == 0 {
			delete(c.pinned, d)
		}
	}
	c.mu.Unlock()
}

// Size returns the CAS's total stored byte count.
func (c *CAS) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// EvictLRU removes least-recently-accessed, unpinned blobs until the
// total size is at or below maxBytes. It never breaks an active build:
// pinned digests are skipped regardless of age.
func (c *CAS) EvictLRU(maxBytes int64) (freed int64, err error) {
	c.mu.Lock()
	if c.size <= maxBytes {
		c.mu.Unlock()
		return 0, nil
	}
	candidates := make([]lruEntry, 0, len(c.accessed))
	for d, t := range c.accessed {
		if c.pinned[d] == 0 {
			candidates = append(candidates, lruEntry{d, t})
		}
	}
	c.mu.Unlock()

	sortByTimeAsc(candidates)

	for _, cand := range candidates {
		c.mu.Lock()
		if c.size <= maxBytes {
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		p := c.path(cand.d)
		fi, statErr := os.Stat(p)
		if statErr != nil {
			continue
		}
		if rmErr := os.Remove(p); rmErr != nil {
			continue
		}
		c.mu.Lock()
		c.size -= fi.Size()
		delete(c.accessed, cand.d)
		c.mu.Unlock()
		freed += fi.Size()
	}
	return freed, nil
}

type lruEntry struct {
	d digest.Digest
	t time.Time
}

func sortByTimeAsc(e []lruEntry) {
	for i := 1; i < len(e); i++ {
		for j := i; j > 0 && e[j].t.Before(e[j-1].t); j-- {
			e[j], e[j-1] = e[j-1], e[j]
		}
	}
}
