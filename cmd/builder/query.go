package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/distr1/builder/internal/cache"
	"github.com/distr1/builder/internal/config"
	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/graph"
	"github.com/distr1/builder/internal/manifest"
)

// unknownTargetError reports id as missing, annotated with the closest
// known identity by edit distance, the way a typo'd flag gets a
// did-you-mean suggestion.
func unknownTargetError(g *graph.Graph, id string) error {
	known := g.Identities()
	best, bestDist := "", -1
	for _, k := range known {
		d := levenshtein.DistanceForStrings([]rune(id), []rune(k), levenshtein.DefaultOptions)
		if bestDist == -1 || d < bestDist {
			best, bestDist = k, d
		}
	}
	msg := fmt.Sprintf("unknown target %q", id)
	if best != "" && bestDist <= 4 {
		msg += fmt.Sprintf(" (did you mean %q?)", best)
	}
	return errs.New(errs.UnknownDependency, msg, nil)
}

// runQuery evaluates deps/rdeps/somepath/allpaths expressions over the
// manifest's dependency graph without running any action.
func runQuery(args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "workspace.json", "path to the workspace manifest")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.InvalidSpec, "parse flags", err)
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return errs.New(errs.InvalidSpec, "query requires an expression: deps|rdeps|somepath <target> [target2]", nil)
	}

	g := graph.New(graph.Deferred)
	if _, err := manifest.Load(*manifestPath, g); err != nil {
		return err
	}
	if _, err := g.Resolve(); err != nil {
		return err
	}

	expr := rest[0]
	switch expr {
	case "deps", "rdeps":
		if len(rest) < 2 {
			return errs.New(errs.InvalidSpec, expr+" requires a target argument", nil)
		}
		id := rest[1]
		n, ok := g.NodeByIdentity(id)
		if !ok {
			return unknownTargetError(g, id)
		}
		var refs []graph.NodeRef
		if expr == "deps" {
			refs = transitiveClosure(g, g.Predecessors, ref(g, n))
		} else {
			refs = transitiveClosure(g, g.Successors, ref(g, n))
		}
		printIdentities(g, refs)
		return nil

	case "somepath", "allpaths":
		if len(rest) < 3 {
			return errs.New(errs.InvalidSpec, expr+" requires two target arguments", nil)
		}
		from, ok1 := g.NodeByIdentity(rest[1])
		to, ok2 := g.NodeByIdentity(rest[2])
		if !ok1 {
			return unknownTargetError(g, rest[1])
		}
		if !ok2 {
			return unknownTargetError(g, rest[2])
		}
		paths := findPaths(g, ref(g, from), ref(g, to), expr == "somepath")
		if len(paths) == 0 {
			fmt.Println("no path found")
			return nil
		}
		for _, p := range paths {
			printIdentities(g, p)
		}
		return nil

	default:
		return errs.New(errs.InvalidSpec, "unknown query expression "+expr, nil)
	}
}

func ref(g *graph.Graph, n *graph.Node) graph.NodeRef { return graph.NodeRef(n.ID()) }

func transitiveClosure(g *graph.Graph, step func(graph.NodeRef) []graph.NodeRef, start graph.NodeRef) []graph.NodeRef {
	seen := map[graph.NodeRef]bool{}
	var out []graph.NodeRef
	queue := []graph.NodeRef{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range step(cur) {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}

// findPaths walks dependency (predecessor) edges from 'from' to 'to', returning the
// first path found if somePathOnly, or every simple path otherwise.
func findPaths(g *graph.Graph, from, to graph.NodeRef, somePathOnly bool) [][]graph.NodeRef {
	var results [][]graph.NodeRef
	var walk func(cur graph.NodeRef, path []graph.NodeRef, visited map[graph.NodeRef]bool) bool
	walk = func(cur graph.NodeRef, path []graph.NodeRef, visited map[graph.NodeRef]bool) bool {
		path = append(path, cur)
		if cur == to {
			cp := append([]graph.NodeRef(nil), path...)
			results = append(results, cp)
			return somePathOnly
		}
		visited[cur] = true
		defer delete(visited, cur)
		for _, next := range g.Predecessors(cur) {
			if visited[next] {
				continue
			}
			if walk(next, path, visited) {
				return true
			}
		}
		return false
	}
	walk(from, nil, map[graph.NodeRef]bool{})
	return results
}

func printIdentities(g *graph.Graph, refs []graph.NodeRef) {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if n := g.Node(r); n != nil {
			ids = append(ids, n.Target().Identity)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Println(id)
	}
}

// runClean removes declared target outputs, or the entire cache with
// --cache.
func runClean(args []string) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "workspace.json", "path to the workspace manifest")
	wipeCache := fs.Bool("cache", false, "remove the entire action cache and CAS")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.InvalidSpec, "parse flags", err)
	}

	cfg := config.FromEnv()

	if *wipeCache {
		cas, err := cache.OpenCAS(filepath.Join(cfg.CacheDir, "cas"))
		if err != nil {
			return errs.Wrap(errs.CacheUnavailable, "open CAS", err)
		}
		actions, err := cache.Open(cfg.CacheDir, cas)
		if err != nil {
			return errs.Wrap(errs.CacheUnavailable, "open action cache", err)
		}
		return cache.ClearAll(actions, cas)
	}

	g := graph.New(graph.Deferred)
	if _, err := manifest.Load(*manifestPath, g); err != nil {
		return err
	}
	for _, id := range g.Identities() {
		n, ok := g.NodeByIdentity(id)
		if !ok {
			continue
		}
		for _, out := range n.Target().Outputs {
			_ = os.Remove(out)
		}
	}
	return nil
}

// runGC marks every digest referenced by a live ActionRecord and
// evicts everything else from the CAS down to a target size.
func runGC(args []string) error {
	fs := flag.NewFlagSet("gc", flag.ContinueOnError)
	maxBytes := fs.Int64("max-bytes", 10<<30, "CAS size to shrink to, in bytes")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.InvalidSpec, "parse flags", err)
	}

	cfg := config.FromEnv()
	cas, err := cache.OpenCAS(filepath.Join(cfg.CacheDir, "cas"))
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "open CAS", err)
	}
	actions, err := cache.Open(cfg.CacheDir, cas)
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "open action cache", err)
	}
	referenced := actions.ReferencedDigests()
	for d := range referenced {
		cas.Pin(d)
	}
	defer func() {
		for d := range referenced {
			cas.Unpin(d)
		}
	}()

	freed, err := cas.EvictLRU(*maxBytes)
	if err != nil {
		return err
	}
	fmt.Printf("freed %d bytes\n", freed)
	return nil
}

// exitCodeFor maps an error's classification to the process exit code
// contract: 0 success, 1 build failure, 2 configuration error, 3 test
// failure.
func exitCodeFor(err error) int {
	if _, ok := err.(*testFailureError); ok {
		return 3
	}
	if _, ok := err.(*errs.CycleError); ok {
		return 2
	}
	if _, ok := err.(*errs.InvalidSpecError); ok {
		return 2
	}
	e, ok := err.(*errs.Error)
	if !ok {
		return 1
	}
	switch e.Kind {
	case errs.InvalidSpec, errs.UnknownDependency, errs.DuplicateTarget, errs.CycleDetected:
		return 2
	default:
		return 1
	}
}
