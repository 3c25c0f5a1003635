// Package digest computes the content hashes used for Artifact
// addressing and ActionId derivation. Content hashing uses BLAKE3
// (fast, parallel-friendly, and what the wider build-tool ecosystem
// reaches for — see thought-machine/please's zeebo/blake3 dependency);
// MetaFingerprint offers a cheap xxhash of the metadata tuple, which is
// not collision-resistant and is never used for content addressing.
package digest

import (
	"encoding/hex"
	"io"
	"os"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 content digest, hex-encoded for use as a
// map key and CAS path component.
type Digest string

// Empty reports whether d is the zero value.
func (d Digest) Empty() bool { return d == "" }

// Bytes decodes the hex-encoded digest back to raw bytes.
func (d Digest) Bytes() []byte {
	b, _ := hex.DecodeString(string(d))
	return b
}

// Shard returns the two two-character path components used for the
// CAS directory layout: cas/<d[0:2]>/<d[2:4]>/<d>.
func (d Digest) Shard() (string, string) {
	s := string(d)
	if len(s) < 4 {
		return s, s
	}
	return s[0:2], s[2:4]
}

// OfBytes hashes a byte slice.
func OfBytes(b []byte) Digest {
	h := blake3.New()
	h.Write(b)
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// OfReader hashes a stream without buffering it fully in memory.
func OfReader(r io.Reader) (Digest, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return Digest(hex.EncodeToString(h.Sum(nil))), n, nil
}

// OfFile hashes a file's content.
func OfFile(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return OfReader(f)
}

// Builder incrementally accumulates the canonical ActionId input:
// tool identity, argv (order preserved), a sorted whitelisted env
// subset, sorted input digests, and sorted declared output paths.
// Canonicalization never reorders argv.
type Builder struct {
	h *blake3.Hasher
}

// NewActionBuilder starts a fresh ActionId computation.
func NewActionBuilder() *Builder {
	return &Builder{h: blake3.New()}
}

func (b *Builder) writeField(name string, vals ...string) {
	b.h.Write([]byte(name))
	b.h.Write([]byte{0})
	for _, v := range vals {
		b.h.Write([]byte(v))
		b.h.Write([]byte{0})
	}
	b.h.Write([]byte{0xff})
}

// Tool records the tool identity (e.g. a compiler binary's own
// digest or resolved absolute path).
func (b *Builder) Tool(identity string) *Builder {
	b.writeField("tool", identity)
	return b
}

// Argv records the command-line arguments, in order.
func (b *Builder) Argv(argv []string) *Builder {
	b.writeField("argv", argv...)
	return b
}

// Env records a whitelisted environment subset, sorted by key.
func (b *Builder) Env(env map[string]string, whitelist []string) *Builder {
	allow := make(map[string]bool, len(whitelist))
	for _, k := range whitelist {
		allow[k] = true
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		if allow[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		vals = append(vals, k, env[k])
	}
	b.writeField("env", vals...)
	return b
}

// Input is a single content-addressed input to an action.
type Input struct {
	Path   string
	Digest Digest
}

// Inputs records inputs sorted by path, each contributing its digest.
func (b *Builder) Inputs(inputs []Input) *Builder {
	sorted := append([]Input(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	vals := make([]string, 0, len(sorted)*2)
	for _, in := range sorted {
		vals = append(vals, in.Path, string(in.Digest))
	}
	b.writeField("inputs", vals...)
	return b
}

// Outputs records declared output paths, sorted.
func (b *Builder) Outputs(paths []string) *Builder {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	b.writeField("outputs", sorted...)
	return b
}

// ActionID finalizes the computation into a stable 32-byte digest.
func (b *Builder) ActionID() Digest {
	return Digest(hex.EncodeToString(b.h.Sum(nil)))
}

// MetaFingerprint is the cheap, non-cryptographic xxhash of a file's
// (size, mtime_ns, mode) tuple. It is never used for content
// addressing; filestate.Tracker's fast path compares the raw tuple
// fields and does not call it.
func MetaFingerprint(size int64, mtimeNs int64, mode uint32) uint64 {
	h := xxhash.New()
	buf := make([]byte, 0, 20)
	buf = appendInt64(buf, size)
	buf = appendInt64(buf, mtimeNs)
	buf = appendInt64(buf, int64(mode))
	h.Write(buf)
	return h.Sum64()
}

func appendInt64(buf []byte, v int64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}
