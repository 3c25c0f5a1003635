// Package scheduler executes a Graph's ready nodes in parallel using a
// fixed pool of worker goroutines, each owning a local work-stealing
// deque, honoring DAG order, cache reuse, and backpressure.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/distr1/builder/internal/corectx"
	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/graph"
	"github.com/distr1/builder/internal/trace"
)

// FailurePolicy selects how the scheduler reacts to an action failure.
type FailurePolicy int

const (
	// FailFast cancels the build and marks all dependents Skipped.
	FailFast FailurePolicy = iota
	// KeepGoing lets independent subgraphs continue to completion.
	KeepGoing
)

// ActionResult is what running one node produced.
type ActionResult struct {
	Outputs     []string
	DynamicDeps []graph.NodeRef // newly discovered dependencies, e.g. #include headers
}

// ActionFunc executes the action for node n. It must honor ctx
// cancellation (returning promptly once ctx.Done() fires).
type ActionFunc func(ctx context.Context, n *graph.Node) (*ActionResult, error)

const maxStealAttempts = 4

// Scheduler dispatches a Graph's nodes across a fixed worker pool.
type Scheduler struct {
	cx     *corectx.Context
	g      *graph.Graph
	run    ActionFunc
	policy FailurePolicy
	jobs   int
	sem    *semaphore.Weighted

	deques []*deque

	mu        sync.Mutex
	cond      *sync.Cond
	remaining int64
	failures  map[graph.NodeRef]error
	cancelled bool
}

// New constructs a Scheduler with jobs workers and the given
// backpressure limit (maximum actions in flight, including those
// dispatched to a distributed worker pool by a higher layer).
func New(cx *corectx.Context, g *graph.Graph, run ActionFunc, jobs int, backpressure int64, policy FailurePolicy) *Scheduler {
	if jobs < 1 {
		jobs = 1
	}
	s := &Scheduler{
		cx:       cx,
		g:        g,
		run:      run,
		policy:   policy,
		jobs:     jobs,
		sem:      semaphore.NewWeighted(backpressure),
		deques:   make([]*deque, jobs),
		failures: make(map[graph.NodeRef]error),
	}
	for i := range s.deques {
		s.deques[i] = newDeque()
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run dispatches the graph's nodes to completion. g must already be
// resolved (g.Resolve() called) so static edges are wired before the
// initial frontier is computed. Run returns the first error under
// FailFast, or a combined error under KeepGoing if any node failed.
func (s *Scheduler) Run(ctx context.Context) error {
	total := int64(s.g.NodeCount())
	if total == 0 {
		return nil
	}
	s.remaining = total

	eg, ctx := errgroup.WithContext(ctx)

	initial := s.g.ReadyFrontier()
	for i, ref := range initial {
		s.deques[i%s.jobs].PushBottom(ref)
	}
	if len(initial) > 0 {
		s.cond.Broadcast()
	}

	for w := 0; w < s.jobs; w++ {
		w := w
		eg.Go(func() error {
			return s.workerLoop(ctx, w)
		})
	}

	// Wake parked workers promptly on outer cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.cancelled = true
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()

	if err := eg.Wait(); err != nil && s.policy == FailFast {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return nil
	}
	var combined *multierror.Error
	for ref, err := range s.failures {
		n := s.g.Node(ref)
		combined = multierror.Append(combined, fmt.Errorf("%s: %w", n.Target().Identity, err))
	}
	return combined.ErrorOrNil()
}

func (s *Scheduler) workerLoop(ctx context.Context, id int) error {
	rnd := rand.New(rand.NewSource(int64(id) + time.Now().UnixNano()))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ref, ok := s.deques[id].PopBottom()
		if !ok {
			ref, ok = s.steal(id, rnd)
		}

		if !ok {
			done, parked := s.parkUntilWorkOrDone()
			if done {
				return nil
			}
			if !parked {
				return ctx.Err()
			}
			continue
		}

		if err := s.process(ctx, id, ref); err != nil && s.policy == FailFast {
			return err
		}

		if s.finished() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
			return nil
		}
	}
}

func (s *Scheduler) steal(self int, rnd *rand.Rand) (graph.NodeRef, bool) {
	for i := 0; i < maxStealAttempts && s.jobs > 1; i++ {
		victim := stealVictim(self, s.jobs, rnd)
		if ref, ok := s.deques[victim].PopTop(); ok {
			return ref, true
		}
	}
	return 0, false
}

// parkUntilWorkOrDone waits on the shared condition variable until
// either work appears, the build is cancelled, or every node has
// reached a terminal status. It returns (done, parkedSuccessfully).
func (s *Scheduler) parkUntilWorkOrDone() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.remaining <= 0 {
			return true, false
		}
		if s.cancelled {
			return false, false
		}
		if s.anyQueueNonEmptyLocked() {
			return false, true
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) anyQueueNonEmptyLocked() bool {
	for _, d := range s.deques {
		if d.Len() > 0 {
			return true
		}
	}
	return false
}

func (s *Scheduler) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining <= 0
}

// process runs one node to completion and fans out its downstream
// effects: pushing newly-ready successors onto this worker's own queue
// (locality), or propagating Skipped on failure.
func (s *Scheduler) process(ctx context.Context, workerID int, ref graph.NodeRef) error {
	n := s.g.Node(ref)
	if !n.CAS(graph.Ready, graph.Running) {
		return nil // lost the race (shouldn't normally happen: single producer per ref)
	}

	if s.cx.Status != nil {
		s.cx.Status.Update(workerID, "building "+n.Target().Identity)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		n.CAS(graph.Running, graph.Failed)
		return err
	}
	ev := trace.Event(n.Target().Identity, workerID)
	result, err := s.run(ctx, n)
	ev.Done()
	s.sem.Release(1)

	if err != nil {
		n.CAS(graph.Running, graph.Failed)
		s.recordFailure(ref, err)

		skipped := s.g.MarkSkipped(ref)
		s.mu.Lock()
		s.remaining -= int64(1 + len(skipped))
		s.mu.Unlock()

		if s.policy == FailFast {
			s.mu.Lock()
			s.cancelled = true
			s.mu.Unlock()
			s.cond.Broadcast()
		}
		return errs.Wrap(errs.ActionFailed, n.Target().Identity, err)
	}

	if len(result.DynamicDeps) > 0 {
		if derr := s.g.AttachDynamicDeps(ref, result.DynamicDeps); derr != nil {
			n.CAS(graph.Running, graph.Failed)
			s.recordFailure(ref, derr)
			s.mu.Lock()
			s.remaining--
			s.mu.Unlock()
			return derr
		}
	}

	n.SetOutputs(result.Outputs)
	n.CAS(graph.Running, graph.Success)

	s.mu.Lock()
	s.remaining--
	s.mu.Unlock()

	for _, succ := range s.g.Successors(ref) {
		if s.g.TryReady(succ) {
			s.deques[workerID].PushBottom(succ)
		}
	}
	s.cond.Broadcast()

	return nil
}

func (s *Scheduler) recordFailure(ref graph.NodeRef, err error) {
	s.mu.Lock()
	s.failures[ref] = err
	s.mu.Unlock()
}
