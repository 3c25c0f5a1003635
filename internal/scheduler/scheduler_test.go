package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distr1/builder/internal/config"
	"github.com/distr1/builder/internal/corectx"
	"github.com/distr1/builder/internal/graph"
	"github.com/distr1/builder/internal/target"
)

func newTestContext() *corectx.Context {
	return corectx.New(&config.Config{})
}

func addTarget(t *testing.T, g *graph.Graph, identity string, deps ...string) graph.NodeRef {
	t.Helper()
	ref, err := g.AddTarget(&target.Target{Identity: identity, Deps: deps})
	require.NoError(t, err)
	return ref
}

// chainGraph builds a linear a -> b -> c -> d dependency chain.
func chainGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New(graph.Deferred)
	addTarget(t, g, "//x:a")
	addTarget(t, g, "//x:b", "//x:a")
	addTarget(t, g, "//x:c", "//x:b")
	addTarget(t, g, "//x:d", "//x:c")
	_, err := g.Resolve()
	require.NoError(t, err)
	return g
}

func recordingRun(order *[]string, mu *sync.Mutex) ActionFunc {
	return func(ctx context.Context, n *graph.Node) (*ActionResult, error) {
		mu.Lock()
		*order = append(*order, n.Target().Identity)
		mu.Unlock()
		return &ActionResult{}, nil
	}
}

func TestSchedulerRunsInDependencyOrder(t *testing.T) {
	g := chainGraph(t)

	var mu sync.Mutex
	var order []string

	s := New(newTestContext(), g, recordingRun(&order, &mu), 2, 8, FailFast)
	require.NoError(t, s.Run(context.Background()))

	require.Equal(t, []string{"//x:a", "//x:b", "//x:c", "//x:d"}, order)

	for _, id := range order {
		n, ok := g.NodeByIdentity(id)
		require.True(t, ok)
		assert.Equal(t, graph.Success, n.Status())
	}
}

func TestSchedulerParallelIndependentTargets(t *testing.T) {
	g := graph.New(graph.Deferred)
	addTarget(t, g, "//x:a")
	addTarget(t, g, "//x:b")
	addTarget(t, g, "//x:c")
	_, err := g.Resolve()
	require.NoError(t, err)

	var started int32
	var mu sync.Mutex
	var order []string

	run := func(ctx context.Context, n *graph.Node) (*ActionResult, error) {
		atomic.AddInt32(&started, 1)
		mu.Lock()
		order = append(order, n.Target().Identity)
		mu.Unlock()
		return &ActionResult{}, nil
	}

	s := New(newTestContext(), g, run, 3, 8, KeepGoing)
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, int32(3), started)
	assert.Len(t, order, 3)
}

func TestSchedulerFailFastSkipsDependents(t *testing.T) {
	g := chainGraph(t)

	run := func(ctx context.Context, n *graph.Node) (*ActionResult, error) {
		if n.Target().Identity == "//x:b" {
			return nil, fmt.Errorf("boom")
		}
		return &ActionResult{}, nil
	}

	s := New(newTestContext(), g, run, 2, 8, FailFast)
	err := s.Run(context.Background())
	require.Error(t, err)

	aNode, _ := g.NodeByIdentity("//x:a")
	bNode, _ := g.NodeByIdentity("//x:b")
	cNode, _ := g.NodeByIdentity("//x:c")
	dNode, _ := g.NodeByIdentity("//x:d")

	assert.Equal(t, graph.Success, aNode.Status())
	assert.Equal(t, graph.Failed, bNode.Status())
	assert.Equal(t, graph.Skipped, cNode.Status())
	assert.Equal(t, graph.Skipped, dNode.Status())
}

func TestSchedulerKeepGoingRunsIndependentSubgraph(t *testing.T) {
	g := graph.New(graph.Deferred)
	addTarget(t, g, "//x:a")
	addTarget(t, g, "//x:b", "//x:a")
	addTarget(t, g, "//x:unrelated")
	_, err := g.Resolve()
	require.NoError(t, err)

	var mu sync.Mutex
	var ran []string

	run := func(ctx context.Context, n *graph.Node) (*ActionResult, error) {
		if n.Target().Identity == "//x:a" {
			return nil, fmt.Errorf("boom")
		}
		mu.Lock()
		ran = append(ran, n.Target().Identity)
		mu.Unlock()
		return &ActionResult{}, nil
	}

	s := New(newTestContext(), g, run, 2, 8, KeepGoing)
	err = s.Run(context.Background())
	require.Error(t, err) // combined error reports the one failure

	bNode, _ := g.NodeByIdentity("//x:b")
	unrelated, _ := g.NodeByIdentity("//x:unrelated")
	assert.Equal(t, graph.Skipped, bNode.Status())
	assert.Equal(t, graph.Success, unrelated.Status())
	assert.Contains(t, ran, "//x:unrelated")
}

func TestSchedulerRespectsBackpressure(t *testing.T) {
	g := graph.New(graph.Deferred)
	for i := 0; i < 6; i++ {
		addTarget(t, g, fmt.Sprintf("//x:t%d", i))
	}
	_, err := g.Resolve()
	require.NoError(t, err)

	var inFlight int32
	var maxObserved int32

	run := func(ctx context.Context, n *graph.Node) (*ActionResult, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxObserved)
			if cur <= old || atomic.CompareAndSwapInt32(&maxObserved, old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &ActionResult{}, nil
	}

	s := New(newTestContext(), g, run, 6, 2, KeepGoing)
	require.NoError(t, s.Run(context.Background()))
	assert.LessOrEqual(t, maxObserved, int32(2))
}

func TestSchedulerContextCancellation(t *testing.T) {
	g := graph.New(graph.Deferred)
	for i := 0; i < 4; i++ {
		addTarget(t, g, fmt.Sprintf("//x:t%d", i))
	}
	_, err := g.Resolve()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var started int32

	run := func(ctx context.Context, n *graph.Node) (*ActionResult, error) {
		atomic.AddInt32(&started, 1)
		cancel()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &ActionResult{}, nil
		}
	}

	s := New(newTestContext(), g, run, 4, 8, FailFast)
	err = s.Run(ctx)
	require.Error(t, err)
}

func TestSchedulerAttachesDynamicDeps(t *testing.T) {
	g := graph.New(graph.Deferred)
	a := addTarget(t, g, "//x:a")
	b := addTarget(t, g, "//x:b")
	c := addTarget(t, g, "//x:c", "//x:b")
	_, err := g.Resolve()
	require.NoError(t, err)

	run := func(ctx context.Context, n *graph.Node) (*ActionResult, error) {
		if n.Target().Identity == "//x:a" {
			return &ActionResult{DynamicDeps: []graph.NodeRef{b}}, nil
		}
		return &ActionResult{}, nil
	}

	s := New(newTestContext(), g, run, 2, 8, FailFast)
	require.NoError(t, s.Run(context.Background()))

	for _, ref := range []graph.NodeRef{a, b, c} {
		assert.Equal(t, graph.Success, g.Node(ref).Status())
	}
}
