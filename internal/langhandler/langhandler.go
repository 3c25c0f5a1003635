// Package langhandler defines the LanguageHandler collaborator
// interface the Core invokes but never implements: per-language
// command construction lives outside the Core (§1 non-goals). A
// ShellHandler reference implementation is provided for tests and for
// Target.Kind == Custom, where the action is already a literal
// command.
package langhandler

import (
	"path/filepath"

	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/filestate"
	"github.com/distr1/builder/internal/target"
)

// Import is one discovered dependency edge, e.g. a #include or an
// import statement found by scanning sources.
type Import struct {
	Path string // resolved target identity or source-relative path
}

// Handler is the narrow interface the Core calls into for anything
// language-specific. Kind variants of Target are tagged data, not a
// class hierarchy: a single Handler implementation may serve several
// Kinds.
type Handler interface {
	// Argv returns the command to run for t, with inputs resolved to
	// absolute paths under workspaceRoot.
	Argv(t *target.Target, workspaceRoot string) ([]string, error)
	// Outputs returns t's declared output paths, used to populate the
	// SandboxSpec.
	Outputs(t *target.Target, workspaceRoot string) ([]string, error)
	// NeedsRebuild is an optional fast-path hint; the ActionCache
	// remains authoritative regardless of what this returns.
	NeedsRebuild(t *target.Target, workspaceRoot string) bool
	// AnalyzeImports is optional; a Handler with no dynamic-dep
	// discovery can return nil, nil.
	AnalyzeImports(sources []string) ([]Import, error)
}

// ShellHandler treats a Target's Flags as a literal argv (Flags[0] is
// the tool, the rest are arguments), and Sources as plain file inputs
// with no import scanning. It grounds Target.Kind == Custom and is
// the handler cmd/builder uses for every target.
type ShellHandler struct{}

func (ShellHandler) Argv(t *target.Target, workspaceRoot string) ([]string, error) {
	return append([]string(nil), t.Flags...), nil
}

func (ShellHandler) Outputs(t *target.Target, workspaceRoot string) ([]string, error) {
	out := make([]string, len(t.Outputs))
	for i, o := range t.Outputs {
		out[i] = filepath.Join(workspaceRoot, o)
	}
	return out, nil
}

func (ShellHandler) NeedsRebuild(t *target.Target, workspaceRoot string) bool { return true }

func (ShellHandler) AnalyzeImports(sources []string) ([]Import, error) { return nil, nil }

// InputDigests hashes a target's declared sources for ActionId
// computation, used by callers building a digest.Builder. Every
// source is rehashed unconditionally; TrackedInputDigests is the
// metadata-fast-path variant callers should prefer on a warm cache.
func InputDigests(t *target.Target, workspaceRoot string) ([]digest.Input, error) {
	inputs := make([]digest.Input, 0, len(t.Sources))
	for _, src := range t.Sources {
		path := filepath.Join(workspaceRoot, src)
		d, _, err := digest.OfFile(path)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, digest.Input{Path: src, Digest: d})
	}
	return inputs, nil
}

// TrackedInputDigests hashes t's declared sources the same way as
// InputDigests, but consults tracker's (size, mtime, mode) fast path
// first so an unchanged source skips a full content rehash.
func TrackedInputDigests(t *target.Target, workspaceRoot string, tracker *filestate.Tracker) ([]digest.Input, error) {
	inputs := make([]digest.Input, 0, len(t.Sources))
	for _, src := range t.Sources {
		path := filepath.Join(workspaceRoot, src)
		d, _, err := tracker.Digest(path)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, digest.Input{Path: src, Digest: d})
	}
	return inputs, nil
}
