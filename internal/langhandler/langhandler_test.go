package langhandler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distr1/builder/internal/filestate"
	"github.com/distr1/builder/internal/target"
)

func TestShellHandlerArgvReturnsFlagsVerbatim(t *testing.T) {
	h := ShellHandler{}
	tgt := &target.Target{Flags: []string{"sh", "-c", "echo hi"}}

	argv, err := h.Argv(tgt, "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "echo hi"}, argv)
}

func TestShellHandlerOutputsJoinsWorkspaceRoot(t *testing.T) {
	h := ShellHandler{}
	tgt := &target.Target{Outputs: []string{"out.txt", "sub/out2.txt"}}

	outs, err := h.Outputs(tgt, "/work")
	require.NoError(t, err)
	assert.Equal(t, []string{"/work/out.txt", "/work/sub/out2.txt"}, outs)
}

func TestInputDigestsHashesEachSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("two"), 0o644))

	tgt := &target.Target{Sources: []string{"a.txt", "b.txt"}}
	inputs, err := InputDigests(tgt, dir)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.NotEqual(t, inputs[0].Digest, inputs[1].Digest)
}

func TestTrackedInputDigestsMatchesInputDigests(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0o644))

	tgt := &target.Target{Sources: []string{"a.txt"}}
	plain, err := InputDigests(tgt, dir)
	require.NoError(t, err)

	tr, err := filestate.Load(filepath.Join(dir, "journal.json"))
	require.NoError(t, err)
	tracked, err := TrackedInputDigests(tgt, dir, tr)
	require.NoError(t, err)

	require.Len(t, tracked, 1)
	assert.Equal(t, plain[0].Digest, tracked[0].Digest)
}

func TestTrackedInputDigestsReusesFastPathOnSecondCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("one"), 0o644))

	tgt := &target.Target{Sources: []string{"a.txt"}}
	tr, err := filestate.Load(filepath.Join(dir, "journal.json"))
	require.NoError(t, err)

	first, err := TrackedInputDigests(tgt, dir, tr)
	require.NoError(t, err)
	second, err := TrackedInputDigests(tgt, dir, tr)
	require.NoError(t, err)
	assert.Equal(t, first[0].Digest, second[0].Digest)
}
