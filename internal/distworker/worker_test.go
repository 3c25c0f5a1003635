package distworker

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distr1/builder/internal/cache"
	"github.com/distr1/builder/internal/config"
	"github.com/distr1/builder/internal/corectx"
	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/distproto"
	"github.com/distr1/builder/internal/executor"
)

func newTestWorker(t *testing.T) (*Worker, net.Conn) {
	t.Helper()
	root := t.TempDir()
	cas, err := cache.OpenCAS(filepath.Join(root, "cas"))
	require.NoError(t, err)

	exec := executor.New(executor.Options{Timeout: 5 * time.Second})
	server, client := net.Pipe()
	w := New(corectx.New(&config.Config{}), "w1", server, cas, exec)
	return w, client
}

func TestWorkerRunsEnqueuedEchoAction(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell assumed")
	}
	w, client := newTestWorker(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, time.Hour) }()

	msg := distproto.EnqueueMsg{
		ActionID: digest.OfBytes([]byte("echo-action")),
		Argv:     []string{"/bin/sh", "-c", "echo hi"},
	}
	require.NoError(t, distproto.Encode(client, distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpEnqueue, Payload: msg.Marshal(),
	}))

	f, err := distproto.Decode(bufio.NewReader(client))
	require.NoError(t, err)
	assert.Equal(t, distproto.OpResult, f.Opcode)

	res, err := distproto.UnmarshalResult(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, msg.ActionID, res.ActionID)
	assert.False(t, res.Failed)
	assert.Equal(t, int32(0), res.ExitCode)
}

func TestWorkerFetchBlobServesLocalCAS(t *testing.T) {
	w, client := newTestWorker(t)
	defer client.Close()

	d, err := w.cas.Put([]byte("blob-content"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, time.Hour) }()

	req := distproto.FetchBlobMsg{Digest: d}
	require.NoError(t, distproto.Encode(client, distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpFetchBlob, CorrelationID: 42, Payload: req.Marshal(),
	}))

	f, err := distproto.Decode(bufio.NewReader(client))
	require.NoError(t, err)
	assert.Equal(t, distproto.OpBlobData, f.Opcode)
	assert.Equal(t, uint64(42), f.CorrelationID)

	blob, err := distproto.UnmarshalPutBlob(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob-content"), blob.Bytes)
}

func TestWorkerPutBlobStoresIntoCAS(t *testing.T) {
	w, client := newTestWorker(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, time.Hour) }()

	d := digest.OfBytes([]byte("pushed"))
	msg := distproto.PutBlobMsg{Digest: d, Bytes: []byte("pushed")}
	require.NoError(t, distproto.Encode(client, distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpPutBlob, CorrelationID: 7, Payload: msg.Marshal(),
	}))

	f, err := distproto.Decode(bufio.NewReader(client))
	require.NoError(t, err)
	assert.Equal(t, distproto.OpAck, f.Opcode)
	assert.True(t, w.cas.Has(d))
}

func TestWorkerAbortCancelsInflightAction(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell assumed")
	}
	w, client := newTestWorker(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, time.Hour) }()

	actionID := digest.OfBytes([]byte("slow-action"))
	enqueue := distproto.EnqueueMsg{ActionID: actionID, Argv: []string{"/bin/sh", "-c", "sleep 5"}}
	require.NoError(t, distproto.Encode(client, distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpEnqueue, Payload: enqueue.Marshal(),
	}))

	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		_, ok := w.inflight[actionID]
		return ok
	}, time.Second, 5*time.Millisecond)

	abort := distproto.AbortActionMsg{ActionID: actionID}
	require.NoError(t, distproto.Encode(client, distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpAbortAction, CorrelationID: 9, Payload: abort.Marshal(),
	}))

	br := bufio.NewReader(client)
	f, err := distproto.Decode(br)
	require.NoError(t, err)
	assert.Equal(t, distproto.OpAck, f.Opcode)

	f, err = distproto.Decode(br)
	require.NoError(t, err)
	assert.Equal(t, distproto.OpResult, f.Opcode)
	res, err := distproto.UnmarshalResult(f.Payload)
	require.NoError(t, err)
	assert.True(t, res.Failed)
}

func TestWorkerEnqueueMaterializesInputs(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell assumed")
	}
	w, client := newTestWorker(t)
	defer client.Close()

	content := []byte("hello input")
	d, err := w.cas.Put(content)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx, time.Hour) }()

	msg := distproto.EnqueueMsg{
		ActionID:     digest.OfBytes([]byte("cat-action")),
		Argv:         []string{"/bin/cat", "in.txt"},
		InputDigests: []distproto.InputDigest{{Path: "in.txt", Digest: d}},
	}
	require.NoError(t, distproto.Encode(client, distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpEnqueue, Payload: msg.Marshal(),
	}))

	f, err := distproto.Decode(bufio.NewReader(client))
	require.NoError(t, err)
	res, err := distproto.UnmarshalResult(f.Payload)
	require.NoError(t, err)
	assert.False(t, res.Failed)
}
