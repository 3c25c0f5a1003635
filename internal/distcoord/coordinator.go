// Package distcoord implements the coordinator side of the distributed
// execution layer: it tracks a fleet of connected workers, dispatches
// actions to the least-loaded one, and wraps every outbound call in a
// circuit breaker and rate limiter so a slow or wedged worker degrades
// gracefully instead of cascading.
package distcoord

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/distr1/builder/internal/cache"
	"github.com/distr1/builder/internal/corectx"
	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/distproto"
	"github.com/distr1/builder/internal/errs"
)

// ReenqueueFunc re-dispatches an action the coordinator gave up
// waiting on (worker crash, lapsed heartbeat) back onto the local
// scheduler's frontier. distcoord never imports the scheduler package
// directly, to keep the dependency one-directional.
type ReenqueueFunc func(id digest.Digest)

// Coordinator tracks connected workers and dispatches Enqueue messages
// across them, degrading per destination via a CircuitBreaker and a
// token-bucket limiter.
type Coordinator struct {
	cx      *corectx.Context
	cas     *cache.CAS
	actions *cache.ActionCache

	retryBudget      int
	heartbeatTimeout time.Duration

	mu      sync.RWMutex
	workers map[string]*workerConn
	corrSeq uint64

	predictor   *Predictor
	onReenqueue ReenqueueFunc
}

// workerConn is one connected worker's transport plus scheduling state.
type workerConn struct {
	id   string
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex

	breaker *CircuitBreaker
	limiter *rate.Limiter

	mu            sync.Mutex
	queueDepth    int32
	loadEMA       float64
	lastHeartbeat time.Time
	inflight      map[digest.Digest]bool
}

func newWorkerConn(id string, conn net.Conn) *workerConn {
	return &workerConn{
		id:            id,
		conn:          conn,
		r:             bufio.NewReader(conn),
		breaker:       NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 5*time.Second, 3),
		limiter:       rate.NewLimiter(rate.Limit(50), 10),
		lastHeartbeat: time.Now(),
		inflight:      make(map[digest.Digest]bool),
	}
}

func (wc *workerConn) send(f distproto.Frame) error {
	wc.wmu.Lock()
	defer wc.wmu.Unlock()
	return distproto.Encode(wc.conn, f)
}

func (wc *workerConn) score() float64 {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return float64(wc.queueDepth) + wc.loadEMA
}

func (wc *workerConn) trackInflight(id digest.Digest) {
	wc.mu.Lock()
	wc.inflight[id] = true
	wc.mu.Unlock()
}

func (wc *workerConn) untrackInflight(id digest.Digest) {
	wc.mu.Lock()
	delete(wc.inflight, id)
	wc.mu.Unlock()
}

func (wc *workerConn) inflightIDs() []digest.Digest {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	out := make([]digest.Digest, 0, len(wc.inflight))
	for id := range wc.inflight {
		out = append(out, id)
	}
	return out
}

// New constructs a Coordinator backed by cas/actions for blob transfer
// and result dedup, retrying dispatch up to retryBudget times and
// treating a worker silent for more than 3*heartbeatInterval as dead.
func New(cx *corectx.Context, cas *cache.CAS, actions *cache.ActionCache, retryBudget int, heartbeatInterval time.Duration, onReenqueue ReenqueueFunc) *Coordinator {
	return &Coordinator{
		cx:               cx,
		cas:              cas,
		actions:          actions,
		retryBudget:      retryBudget,
		heartbeatTimeout: 3 * heartbeatInterval,
		workers:          make(map[string]*workerConn),
		predictor:        NewPredictor(DefaultPredictorConfig()),
		onReenqueue:      onReenqueue,
	}
}

// AddWorker registers a freshly dialed/accepted worker connection and
// starts reading frames from it until it disconnects.
func (c *Coordinator) AddWorker(id string, conn net.Conn) {
	wc := newWorkerConn(id, conn)
	c.mu.Lock()
	c.workers[id] = wc
	c.mu.Unlock()

	go c.readLoop(wc)
}

func (c *Coordinator) readLoop(wc *workerConn) {
	for {
		f, err := distproto.Decode(wc.r)
		if err != nil {
			c.dropWorker(wc)
			return
		}
		c.handleFrame(wc, f)
	}
}

func (c *Coordinator) dropWorker(wc *workerConn) {
	c.mu.Lock()
	delete(c.workers, wc.id)
	c.mu.Unlock()
	wc.conn.Close()

	for _, id := range wc.inflightIDs() {
		if c.onReenqueue != nil {
			c.onReenqueue(id)
		}
	}
	if c.cx.Log != nil {
		c.cx.Log.WithField("worker", wc.id).Warn("worker disconnected, inflight actions re-enqueued")
	}
}

func (c *Coordinator) handleFrame(wc *workerConn, f distproto.Frame) {
	switch f.Opcode {
	case distproto.OpHeartbeat:
		c.handleHeartbeat(wc, f)
	case distproto.OpResult:
		c.handleResult(wc, f)
	case distproto.OpFetchBlob:
		c.handleFetchBlob(wc, f)
	case distproto.OpPutBlob:
		c.handlePutBlob(wc, f)
	}
}

func (c *Coordinator) handleHeartbeat(wc *workerConn, f distproto.Frame) {
	hb, err := distproto.UnmarshalHeartbeat(f.Payload)
	if err != nil {
		return
	}
	wc.mu.Lock()
	wc.queueDepth = hb.QueueDepth
	wc.loadEMA = hb.Load
	wc.lastHeartbeat = time.Now()
	wc.mu.Unlock()
	wc.breaker.RecordResult(true)

	smoothed, verdict := c.predictor.Observe(c.fleetUtilization())
	if verdict != ScaleHold && c.cx.Log != nil {
		c.cx.Log.WithFields(map[string]interface{}{
			"smoothed_load": smoothed, "verdict": verdict,
		}).Info("autoscaling predictor verdict")
	}
}

// fleetUtilization averages each connected worker's score (reported
// queue depth plus reported load) as a
// crude load signal for the autoscaling predictor; a real deployment
// would normalize against per-worker capacity, which this Core does
// not model.
func (c *Coordinator) fleetUtilization() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.workers) == 0 {
		return 0
	}
	var sum float64
	for _, wc := range c.workers {
		sum += wc.score()
	}
	return sum / float64(len(c.workers))
}

func (c *Coordinator) handleResult(wc *workerConn, f distproto.Frame) {
	res, err := distproto.UnmarshalResult(f.Payload)
	if err != nil {
		return
	}
	wc.untrackInflight(res.ActionID)
	wc.breaker.RecordResult(!res.Failed)

	if res.Failed {
		return
	}

	// CAS dedup: a late duplicate Result for an ActionId already
	// committed is simply dropped, never double-recorded.
	if _, ok := c.actions.Lookup(res.ActionID); ok {
		return
	}
	outputs := make(map[string]digest.Digest, len(res.OutputDigests))
	for _, d := range res.OutputDigests {
		outputs[d.Path] = d.Digest
	}
	_ = c.actions.Insert(&cache.ActionRecord{
		ActionID:      res.ActionID,
		OutputDigests: outputs,
		Success:       true,
		StderrDigest:  res.StderrDigest,
	})
}

func (c *Coordinator) handleFetchBlob(wc *workerConn, f distproto.Frame) {
	req, err := distproto.UnmarshalFetchBlob(f.Payload)
	if err != nil {
		return
	}
	rc, err := c.cas.Open(req.Digest)
	if err != nil {
		_ = wc.send(distproto.Frame{
			Version: distproto.CurrentVersion, Opcode: distproto.OpError, CorrelationID: f.CorrelationID,
			Payload: distproto.ErrorMsg{Kind: errs.CacheUnavailable.String(), Message: err.Error()}.Marshal(),
		})
		return
	}
	defer rc.Close()
	content, readErr := io.ReadAll(rc)
	if readErr != nil {
		return
	}
	_ = wc.send(distproto.Frame{
		Version: distproto.CurrentVersion, Opcode: distproto.OpBlobData, CorrelationID: f.CorrelationID,
		Payload: distproto.PutBlobMsg{Digest: req.Digest, Bytes: content}.Marshal(),
	})
}

func (c *Coordinator) handlePutBlob(wc *workerConn, f distproto.Frame) {
	msg, err := distproto.UnmarshalPutBlob(f.Payload)
	if err != nil {
		return
	}
	if _, err := c.cas.Put(msg.Bytes); err == nil {
		_ = wc.send(distproto.Frame{Version: distproto.CurrentVersion, Opcode: distproto.OpAck, CorrelationID: f.CorrelationID})
	}
}

// Dispatch sends msg to the least-loaded available worker, retrying up
// to retryBudget times with exponential backoff across workers (a
// breaker-tripped worker is skipped by leastLoaded, so a retry after a
// trip naturally lands on a different peer).
func (c *Coordinator) Dispatch(msg distproto.EnqueueMsg) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	retrier := backoff.WithMaxRetries(b, uint64(c.retryBudget))

	return backoff.Retry(func() error {
		wc := c.leastLoaded()
		if wc == nil {
			return errs.New(errs.WorkerUnreachable, "no available worker", nil)
		}
		wc.trackInflight(msg.ActionID)
		corr := atomic.AddUint64(&c.corrSeq, 1)
		if err := wc.send(distproto.Frame{
			Version: distproto.CurrentVersion, Opcode: distproto.OpEnqueue,
			CorrelationID: corr, Payload: msg.Marshal(),
		}); err != nil {
			wc.untrackInflight(msg.ActionID)
			wc.breaker.RecordResult(false)
			return err
		}
		return nil
	}, retrier)
}

// leastLoaded picks the lowest-scoring worker whose breaker is closed
// (or probing) and whose limiter admits a call right now.
func (c *Coordinator) leastLoaded() *workerConn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *workerConn
	var bestScore float64
	for _, wc := range c.workers {
		if !wc.breaker.Allow() || !wc.limiter.Allow() {
			continue
		}
		s := wc.score()
		if best == nil || s < bestScore {
			best, bestScore = wc, s
		}
	}
	return best
}

// MonitorHeartbeats runs until ctx is done, dropping (and
// re-enqueueing the inflight work of) any worker silent longer than
// the configured heartbeat timeout.
func (c *Coordinator) MonitorHeartbeats(done <-chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.sweepStaleWorkers()
		}
	}
}

func (c *Coordinator) sweepStaleWorkers() {
	c.mu.RLock()
	var stale []*workerConn
	for _, wc := range c.workers {
		wc.mu.Lock()
		last := wc.lastHeartbeat
		wc.mu.Unlock()
		if time.Since(last) > c.heartbeatTimeout {
			stale = append(stale, wc)
		}
	}
	c.mu.RUnlock()

	for _, wc := range stale {
		c.dropWorker(wc)
	}
}

// WorkerCount reports how many workers are currently connected.
func (c *Coordinator) WorkerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.workers)
}
