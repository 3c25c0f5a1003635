// Package distworker implements the worker side of the distributed
// execution layer: it accepts Enqueue messages from a coordinator,
// executes them through the same hermetic Executor the local scheduler
// uses, pulls inputs lazily from whichever peer has them, and reports
// results back.
package distworker

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/distr1/builder/internal/cache"
	"github.com/distr1/builder/internal/corectx"
	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/distproto"
	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/executor"
	"github.com/distr1/builder/internal/oninterrupt"
	"github.com/distr1/builder/internal/sandbox"
)

// Worker holds one connection to a coordinator and the local resources
// (CAS, executor) needed to run actions dispatched over it.
type Worker struct {
	cx   *corectx.Context
	id   string
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex

	cas  *cache.CAS
	exec *executor.Executor

	mu       sync.Mutex
	pending  map[uint64]chan distproto.Frame
	inflight map[digest.Digest]context.CancelFunc
	corrSeq  uint64
}

// New constructs a Worker bound to an already-dialed connection.
func New(cx *corectx.Context, id string, conn net.Conn, cas *cache.CAS, exec *executor.Executor) *Worker {
	return &Worker{
		cx:       cx,
		id:       id,
		conn:     conn,
		r:        bufio.NewReader(conn),
		cas:      cas,
		exec:     exec,
		pending:  make(map[uint64]chan distproto.Frame),
		inflight: make(map[digest.Digest]context.CancelFunc),
	}
}

// Run reads frames until ctx is cancelled or the connection closes,
// dispatching actions and sending heartbeats on heartbeatInterval.
func (w *Worker) Run(ctx context.Context, heartbeatInterval time.Duration) error {
	go w.heartbeatLoop(ctx, heartbeatInterval)

	for {
		f, err := distproto.Decode(w.r)
		if err != nil {
			return err
		}
		if w.deliverPending(f) {
			continue
		}
		switch f.Opcode {
		case distproto.OpEnqueue:
			go w.handleEnqueue(ctx, f)
		case distproto.OpAbortAction:
			w.handleAbort(f)
		case distproto.OpFetchBlob:
			go w.handleFetchBlob(f)
		case distproto.OpPutBlob:
			go w.handlePutBlob(f)
		}
	}
}

func (w *Worker) send(f distproto.Frame) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	return distproto.Encode(w.conn, f)
}

func (w *Worker) nextCorrelation() uint64 {
	return atomic.AddUint64(&w.corrSeq, 1)
}

// deliverPending routes a frame to a waiting request/response caller
// (FetchBlob/PutBlob issued by this worker), returning true if one was
// found. Unsolicited frames (Enqueue, AbortAction, peer FetchBlob) are
// never registered as pending and fall through to the opcode switch.
func (w *Worker) deliverPending(f distproto.Frame) bool {
	w.mu.Lock()
	ch, ok := w.pending[f.CorrelationID]
	if ok {
		delete(w.pending, f.CorrelationID)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	ch <- f
	return true
}

func (w *Worker) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			depth := int32(len(w.inflight))
			w.mu.Unlock()
			_ = w.send(distproto.Frame{
				Version: distproto.CurrentVersion, Opcode: distproto.OpHeartbeat,
				Payload: distproto.HeartbeatMsg{WorkerID: w.id, QueueDepth: depth, Load: float64(depth)}.Marshal(),
			})
		}
	}
}

func (w *Worker) handleAbort(f distproto.Frame) {
	msg, err := distproto.UnmarshalAbortAction(f.Payload)
	if err != nil {
		return
	}
	w.mu.Lock()
	cancel, ok := w.inflight[msg.ActionID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	_ = w.send(distproto.Frame{Version: distproto.CurrentVersion, Opcode: distproto.OpAck, CorrelationID: f.CorrelationID})
}

func (w *Worker) handleFetchBlob(f distproto.Frame) {
	req, err := distproto.UnmarshalFetchBlob(f.Payload)
	if err != nil {
		return
	}
	rc, err := w.cas.Open(req.Digest)
	if err != nil {
		_ = w.send(distproto.Frame{
			Version: distproto.CurrentVersion, Opcode: distproto.OpError, CorrelationID: f.CorrelationID,
			Payload: distproto.ErrorMsg{Kind: errs.CacheUnavailable.String(), Message: err.Error()}.Marshal(),
		})
		return
	}
	defer rc.Close()
	content, err := io.ReadAll(rc)
	if err != nil {
		return
	}
	_ = w.send(distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpBlobData, CorrelationID: f.CorrelationID,
		Payload: distproto.PutBlobMsg{Digest: req.Digest, Bytes: content}.Marshal(),
	})
}

func (w *Worker) handlePutBlob(f distproto.Frame) {
	msg, err := distproto.UnmarshalPutBlob(f.Payload)
	if err != nil {
		return
	}
	if _, err := w.cas.Put(msg.Bytes); err == nil {
		_ = w.send(distproto.Frame{Version: distproto.CurrentVersion, Opcode: distproto.OpAck, CorrelationID: f.CorrelationID})
	}
}

// fetchBlob pulls digest's content from the peer on the other end of
// this connection (coordinator or, on a worker-to-worker link, another
// worker), storing it into the local CAS as a side effect.
func (w *Worker) fetchBlob(d digest.Digest) ([]byte, error) {
	if rc, err := w.cas.Open(d); err == nil {
		defer rc.Close()
		return io.ReadAll(rc)
	}

	corr := w.nextCorrelation()
	ch := make(chan distproto.Frame, 1)
	w.mu.Lock()
	w.pending[corr] = ch
	w.mu.Unlock()

	if err := w.send(distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpFetchBlob,
		CorrelationID: corr, Payload: distproto.FetchBlobMsg{Digest: d}.Marshal(),
	}); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		if f.Opcode == distproto.OpError {
			em, _ := distproto.UnmarshalError(f.Payload)
			return nil, errs.New(errs.WorkerUnreachable, em.Message, nil)
		}
		blob, err := distproto.UnmarshalPutBlob(f.Payload)
		if err != nil {
			return nil, err
		}
		if _, err := w.cas.Put(blob.Bytes); err != nil {
			return nil, err
		}
		return blob.Bytes, nil
	case <-time.After(30 * time.Second):
		return nil, errs.New(errs.Timeout, "fetch blob timed out", map[string]interface{}{"digest": d})
	}
}

// handleEnqueue materializes an action's inputs into a scratch
// workspace, runs it through the local Executor, and reports a Result
// frame back to the coordinator.
func (w *Worker) handleEnqueue(ctx context.Context, f distproto.Frame) {
	msg, err := distproto.UnmarshalEnqueue(f.Payload)
	if err != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.inflight[msg.ActionID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.inflight, msg.ActionID)
		w.mu.Unlock()
		cancel()
	}()

	result, err := w.runAction(runCtx, msg)
	if err != nil {
		w.reportFailure(msg.ActionID, err)
		return
	}
	w.reportSuccess(msg.ActionID, result)
}

func (w *Worker) runAction(ctx context.Context, msg distproto.EnqueueMsg) (*executor.Outcome, error) {
	workDir, err := os.MkdirTemp("", "builder-worker-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)
	oninterrupt.Register(func() { os.RemoveAll(workDir) })

	for _, in := range msg.InputDigests {
		content, err := w.fetchBlob(in.Digest)
		if err != nil {
			return nil, errs.Wrap(errs.WorkerUnreachable, "fetch input "+in.Path, err)
		}
		dst := filepath.Join(workDir, in.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil {
			return nil, err
		}
	}

	b := sandbox.NewBuilder(msg.Argv)
	for _, in := range msg.InputDigests {
		b.WithInput(filepath.Join(workDir, in.Path))
	}
	for _, out := range msg.OutputPaths {
		b.WithOutput(filepath.Join(workDir, out))
	}
	for i, k := range msg.EnvKeys {
		if i < len(msg.EnvVals) {
			b.WithEnv(k, msg.EnvVals[i])
		}
	}
	b.WithLimits(sandbox.Limits{
		MaxMemoryBytes: limitOrUnlimited(msg.MaxMemoryBytes),
		MaxCPUSeconds:  limitOrUnlimited(msg.MaxCPUSeconds),
		MaxWallSeconds: limitOrUnlimited(msg.MaxWallSeconds),
	})

	spec, violations := b.Build()
	if violations != nil {
		return nil, &errs.InvalidSpecError{Violations: violations}
	}

	return w.exec.Run(ctx, spec, workDir)
}

func limitOrUnlimited(v int64) sandbox.ResourceLimit {
	if v <= 0 {
		return sandbox.Unlimited()
	}
	return sandbox.Limit(v)
}

func (w *Worker) reportSuccess(id digest.Digest, outcome *executor.Outcome) {
	outputs := make([]distproto.InputDigest, 0, len(outcome.OutputDigests))
	paths := make([]string, 0, len(outcome.OutputDigests))
	for path, d := range outcome.OutputDigests {
		outputs = append(outputs, distproto.InputDigest{Path: path, Digest: d})
		paths = append(paths, path)
		if content, err := os.ReadFile(path); err == nil {
			_, _ = w.cas.Put(content)
		}
	}
	res := distproto.ResultMsg{
		ActionID:      id,
		OutputPaths:   paths,
		OutputDigests: outputs,
		ExitCode:      int32(outcome.ExitCode),
		StderrDigest:  digest.OfBytes(outcome.Stderr),
		WallSeconds:   outcome.Metrics.WallTime.Seconds(),
	}
	_ = w.send(distproto.Frame{Version: distproto.CurrentVersion, Opcode: distproto.OpResult, Payload: res.Marshal()})
}

func (w *Worker) reportFailure(id digest.Digest, runErr error) {
	res := distproto.ResultMsg{ActionID: id, Failed: true, ErrorMessage: runErr.Error()}
	_ = w.send(distproto.Frame{Version: distproto.CurrentVersion, Opcode: distproto.OpResult, Payload: res.Marshal()})
}
