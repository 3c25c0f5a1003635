// Package graph implements the build-target DAG: static edges declared
// by targets plus dynamic edges discovered during execution (e.g.
// #include headers), topological ordering, cycle detection, and the
// frontier of nodes ready to run.
//
// Edges point from a dependency to its dependent (dep -> dependent),
// so a topological order visits dependencies before the targets that
// need them, and in-degree counts unsatisfied dependencies directly.
package graph

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/target"
)

// Status is a Node's position in its state machine.
type Status int32

const (
	Pending Status = iota
	Ready
	Running
	Success
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Success:
		return "Success"
	case Failed:
		return "Failed"
	case Skipped:
		return "Skipped"
	default:
		return "Unknown"
	}
}

// NodeRef identifies a Node within one Graph instance.
type NodeRef int64

// Node tracks per-target build state. The Graph exclusively owns
// Nodes; the Scheduler borrows them and mutates Status via atomic
// compare-and-swap.
type Node struct {
	id     int64
	target *target.Target

	status   atomic.Int32
	attempts atomic.Int32

	mu       sync.Mutex
	outputs  []string
	cacheKey string
}

func (n *Node) ID() int64 { return n.id } // satisfies gonum/graph.Node

// Target returns the underlying target declaration.
func (n *Node) Target() *target.Target { return n.target }

// Status returns the current state-machine status.
func (n *Node) Status() Status { return Status(n.status.Load()) }

// Attempts returns how many times this node has been moved from Failed
// back to Ready for a retry.
func (n *Node) Attempts() int32 { return n.attempts.Load() }

// CacheKey returns the node's post-hash ActionId, if computed.
func (n *Node) CacheKey() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cacheKey
}

// SetCacheKey records the ActionId computed just before scheduling.
func (n *Node) SetCacheKey(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cacheKey = key
}

// Outputs returns the node's observed output paths.
func (n *Node) Outputs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.outputs...)
}

// SetOutputs records the node's observed output paths on completion.
func (n *Node) SetOutputs(paths []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outputs = append([]string(nil), paths...)
}

// transitions enumerates the state machine's legal edges. Failed may
// return to Ready via explicit retry; Skipped and Success are terminal.
var transitions = map[Status]map[Status]bool{
	Pending: {Ready: true, Skipped: true},
	Ready:   {Running: true, Skipped: true},
	Running: {Success: true, Failed: true},
	Failed:  {Ready: true, Skipped: true},
}

// CAS attempts an atomic state transition, returning whether it
// succeeded. Exactly one caller wins a given transition under
// concurrent contention.
func (n *Node) CAS(from, to Status) bool {
	if !transitions[from][to] {
		return false
	}
	if to == Ready && from == Failed {
		n.attempts.Add(1)
	}
	return n.status.CompareAndSwap(int32(from), int32(to))
}

// Mode selects the cycle-validation strategy.
type Mode int

const (
	// Deferred performs one O(V+E) DFS at resolve time; suitable for
	// batch loads.
	Deferred Mode = iota
	// Immediate rejects each added edge that would introduce a cycle;
	// O(V^2) but suitable for interactive editing.
	Immediate
)

// Graph owns Nodes exclusively. Nodes hold weak references to Targets
// via lookup-by-identity through the Graph.
type Graph struct {
	mode Mode

	mu       sync.RWMutex
	g        *simple.DirectedGraph
	byID     map[string]*Node
	byNodeID map[int64]*Node
	nextID   int64

	depthMu    sync.Mutex
	depthCache map[int64]int

	parentLocks sync.Map // NodeRef -> *sync.Mutex, guards attach_dynamic_deps per parent
}

// New constructs an empty Graph using the given cycle-validation mode.
func New(mode Mode) *Graph {
	return &Graph{
		mode:       mode,
		g:          simple.NewDirectedGraph(),
		byID:       make(map[string]*Node),
		byNodeID:   make(map[int64]*Node),
		depthCache: make(map[int64]int),
	}
}

// AddTarget inserts a node for t, wiring static dependency edges to
// already-added dependencies (dependencies must be added first, or
// resolved later via UnknownDependency at Resolve time — static edges
// to not-yet-seen identities are deferred and checked at Resolve).
func (gr *Graph) AddTarget(t *target.Target) (NodeRef, error) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	if _, exists := gr.byID[t.Identity]; exists {
		return 0, errs.New(errs.DuplicateTarget, t.Identity, nil)
	}

	n := &Node{id: gr.nextID, target: t.Clone()}
	gr.nextID++
	gr.g.AddNode(n)
	gr.byID[t.Identity] = n
	gr.byNodeID[n.id] = n

	for _, dep := range t.Deps {
		if d, ok := gr.byID[dep]; ok {
			if d == n && gr.mode == Deferred {
				continue // self-dependency: Resolve reports it as a one-node cycle
			}
			e := gr.g.NewEdge(d, n)
			if gr.mode == Immediate && wouldCycle(gr.g, e) {
				gr.g.RemoveNode(n.id)
				delete(gr.byID, t.Identity)
				delete(gr.byNodeID, n.id)
				return 0, &errs.CycleError{Nodes: []string{d.target.Identity, t.Identity}}
			}
			gr.g.SetEdge(e)
		}
		// Deps not yet present are resolved lazily at Resolve(); an
		// identity that never appears surfaces as UnknownDependency.
	}

	return NodeRef(n.id), nil
}

// wouldCycle checks, for Immediate mode, whether adding e introduces a
// cycle by testing reachability from e.To() back to e.From().
func wouldCycle(g *simple.DirectedGraph, e graph.Edge) bool {
	if e.From().ID() == e.To().ID() {
		return true
	}
	visited := map[int64]bool{}
	var stack []int64
	stack = append(stack, e.To().ID())
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == e.From().ID() {
			return true
		}
		if visited[cur] {
			continue
		}
		visited[cur] = true
		it := g.From(cur)
		for it.Next() {
			stack = append(stack, it.Node().ID())
		}
	}
	return false
}

// TopoOrder is a resolved topological ordering: NodeRefs such that for
// every edge u->v (u a dependency of v), u precedes v.
type TopoOrder []NodeRef

// Resolve validates the graph (checking deferred-edge UnknownDependency
// and cycles) and returns a topological order.
func (gr *Graph) Resolve() (TopoOrder, error) {
	gr.mu.Lock()
	defer gr.mu.Unlock()

	// Wire any deps that were unresolved at AddTarget time (deferred
	// targets added out of order), and report truly unknown ones.
	for identity, n := range gr.byID {
		for _, dep := range n.target.Deps {
			d, ok := gr.byID[dep]
			if !ok {
				return nil, errs.New(errs.UnknownDependency,
					fmt.Sprintf("%s depends on unknown target %s", identity, dep), nil)
			}
			if d == n {
				return nil, &errs.CycleError{Nodes: []string{identity}}
			}
			if !gr.g.HasEdgeFromTo(d.id, n.id) {
				gr.g.SetEdge(gr.g.NewEdge(d, n))
			}
		}
	}

	sorted, err := topo.Sort(gr.g)
	if err != nil {
		unorderable, ok := err.(topo.Unorderable)
		if !ok {
			return nil, err
		}
		var nodes []string
		for _, component := range unorderable {
			for _, n := range component {
				nodes = append(nodes, n.(*Node).target.Identity)
			}
			break // report the first offending cycle
		}
		return nil, &errs.CycleError{Nodes: nodes}
	}

	order := make(TopoOrder, len(sorted))
	for i, n := range sorted {
		order[i] = NodeRef(n.ID())
	}
	return order, nil
}

// Node looks up a Node by reference.
func (gr *Graph) Node(ref NodeRef) *Node {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	return gr.byNodeID[int64(ref)]
}

// NodeByIdentity looks up a Node by target identity.
func (gr *Graph) NodeByIdentity(identity string) (*Node, bool) {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	n, ok := gr.byID[identity]
	return n, ok
}

// Identities returns every target identity currently in the graph, for
// did-you-mean suggestions on UnknownDependency / unknown-target CLI
// errors.
func (gr *Graph) Identities() []string {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	out := make([]string, 0, len(gr.byID))
	for id := range gr.byID {
		out = append(out, id)
	}
	return out
}

// Depth returns the longest path from any leaf (a node with in-degree
// 0) to ref, memoized so repeated calls are O(1) and the total cost
// across all nodes is O(V+E).
func (gr *Graph) Depth(ref NodeRef) int {
	gr.depthMu.Lock()
	defer gr.depthMu.Unlock()
	return gr.depth(int64(ref), map[int64]bool{})
}

func (gr *Graph) depth(id int64, visiting map[int64]bool) int {
	if d, ok := gr.depthCache[id]; ok {
		return d
	}
	if visiting[id] {
		return 0 // cycle guard; Resolve() is the authority on cycles
	}
	visiting[id] = true
	defer delete(visiting, id)

	gr.mu.RLock()
	from := gr.g.To(id) // predecessors: dependencies of id
	gr.mu.RUnlock()

	max := -1
	for from.Next() {
		d := gr.depth(from.Node().ID(), visiting)
		if d > max {
			max = d
		}
	}
	result := max + 1
	gr.depthCache[id] = result
	return result
}

// Predecessors returns the dependency NodeRefs of ref.
func (gr *Graph) Predecessors(ref NodeRef) []NodeRef {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	it := gr.g.To(int64(ref))
	var out []NodeRef
	for it.Next() {
		out = append(out, NodeRef(it.Node().ID()))
	}
	return out
}

// Successors returns the dependent NodeRefs of ref.
func (gr *Graph) Successors(ref NodeRef) []NodeRef {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	it := gr.g.From(int64(ref))
	var out []NodeRef
	for it.Next() {
		out = append(out, NodeRef(it.Node().ID()))
	}
	return out
}

// InDegree reports how many dependencies ref currently has in the
// graph (used by the scheduler to decide readiness).
func (gr *Graph) InDegree(ref NodeRef) int {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	return gr.g.To(int64(ref)).Len()
}

// AttachDynamicDeps adds edges discovered during execution (e.g. a
// compile action reporting an #include'd header as an input). It is
// serialized per parent node, must not retroactively create a cycle,
// and must not add a dependency on a node that already succeeded
// (Success nodes cannot gain new unsatisfied predecessors).
func (gr *Graph) AttachDynamicDeps(parent NodeRef, deps []NodeRef) error {
	lockIface, _ := gr.parentLocks.LoadOrStore(parent, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	gr.mu.Lock()
	defer gr.mu.Unlock()

	pn, ok := gr.byNodeID[int64(parent)]
	if !ok {
		return fmt.Errorf("graph: unknown parent node %d", parent)
	}
	if pn.Status() == Success {
		return fmt.Errorf("graph: cannot attach dynamic deps to already-succeeded node %s", pn.target.Identity)
	}

	var added []graph.Edge
	for _, dep := range deps {
		dn, ok := gr.byNodeID[int64(dep)]
		if !ok {
			gr.rollback(added)
			return fmt.Errorf("graph: unknown dynamic dep node %d", dep)
		}
		e := gr.g.NewEdge(dn, pn)
		if wouldCycle(gr.g, e) {
			gr.rollback(added)
			return &errs.CycleError{Nodes: []string{dn.target.Identity, pn.target.Identity}}
		}
		gr.g.SetEdge(e)
		added = append(added, e)
	}

	// New in-edges invalidate memoized depth for the parent subtree.
	gr.depthMu.Lock()
	delete(gr.depthCache, int64(parent))
	gr.depthMu.Unlock()

	return nil
}

func (gr *Graph) rollback(edges []graph.Edge) {
	for _, e := range edges {
		gr.g.RemoveEdge(e.From().ID(), e.To().ID())
	}
}

// ReadyFrontier atomically transitions every Pending node with
// in-degree 0 to Ready and returns their refs.
func (gr *Graph) ReadyFrontier() []NodeRef {
	gr.mu.RLock()
	it := gr.g.Nodes()
	var candidates []*Node
	for it.Next() {
		n := it.Node().(*Node)
		if gr.g.To(n.id).Len() == 0 {
			candidates = append(candidates, n)
		}
	}
	gr.mu.RUnlock()

	var ready []NodeRef
	for _, n := range candidates {
		if n.CAS(Pending, Ready) {
			ready = append(ready, NodeRef(n.id))
		}
	}
	return ready
}

// NodeCount returns the total number of nodes in the graph.
func (gr *Graph) NodeCount() int {
	gr.mu.RLock()
	defer gr.mu.RUnlock()
	return gr.g.Nodes().Len()
}

// TryReady transitions ref from Pending to Ready if every one of its
// predecessors has reached Success. It is how the scheduler advances
// the frontier on completion, without needing a separately maintained
// in-degree counter: the Node's Status already records completion.
func (gr *Graph) TryReady(ref NodeRef) bool {
	gr.mu.RLock()
	it := gr.g.To(int64(ref))
	var preds []*Node
	for it.Next() {
		preds = append(preds, it.Node().(*Node))
	}
	n := gr.byNodeID[int64(ref)]
	gr.mu.RUnlock()

	for _, p := range preds {
		if p.Status() != Success {
			return false
		}
	}
	return n.CAS(Pending, Ready)
}

// MarkSkipped transitions ref and every node transitively reachable
// from it (its dependents) to Skipped, stopping at nodes already
// Success, Failed, or Skipped. It is used for fail-fast propagation:
// the cause is the ActionId (or identity) of the upstream failure.
func (gr *Graph) MarkSkipped(ref NodeRef) []NodeRef {
	gr.mu.RLock()
	root := gr.byNodeID[int64(ref)]
	gr.mu.RUnlock()
	if root == nil {
		return nil
	}

	var skipped []NodeRef
	queue := []NodeRef{ref}
	seen := map[NodeRef]bool{}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true

		gr.mu.RLock()
		n := gr.byNodeID[int64(cur)]
		succIt := gr.g.From(int64(cur))
		var succs []NodeRef
		for succIt.Next() {
			succs = append(succs, NodeRef(succIt.Node().ID()))
		}
		gr.mu.RUnlock()

		if cur != ref { // the failed node itself keeps its Failed status
			if n.CAS(Pending, Skipped) || n.CAS(Ready, Skipped) {
				skipped = append(skipped, cur)
			} else {
				continue // already Success/Failed/Skipped: don't propagate past it
			}
		}
		queue = append(queue, succs...)
	}
	return skipped
}
