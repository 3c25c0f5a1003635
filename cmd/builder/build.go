package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio"

	"github.com/distr1/builder/internal/cache"
	"github.com/distr1/builder/internal/config"
	"github.com/distr1/builder/internal/corectx"
	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/executor"
	"github.com/distr1/builder/internal/filestate"
	"github.com/distr1/builder/internal/graph"
	"github.com/distr1/builder/internal/langhandler"
	"github.com/distr1/builder/internal/manifest"
	"github.com/distr1/builder/internal/sandbox"
	"github.com/distr1/builder/internal/scheduler"
	"github.com/distr1/builder/internal/target"
)

func runBuild(args []string, runTests bool) error {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	manifestPath := fs.String("manifest", "workspace.json", "path to the workspace manifest")
	jobs := fs.Int("jobs", 0, "parallel worker count, 0 uses BUILDER_JOBS/NumCPU")
	keepGoing := fs.Bool("keep-going", false, "continue building independent targets after a failure")
	watch := fs.Bool("watch", false, "rebuild automatically when a source file changes")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.InvalidSpec, "parse flags", err)
	}
	requested := fs.Args()

	cfg := config.FromEnv()
	if *jobs > 0 {
		cfg.Jobs = *jobs
	}
	if *keepGoing {
		cfg.KeepGoing = true
	}
	cx := corectx.New(cfg)

	cas, err := cache.OpenCAS(filepath.Join(cfg.CacheDir, "cas"))
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "open CAS", err)
	}
	actions, err := cache.Open(cfg.CacheDir, cas)
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "open action cache", err)
	}

	exec := executor.New(executor.Options{
		GracePeriod:       time.Duration(cfg.GracePeriodSec) * time.Second,
		StrictDeterminism: cfg.StrictDeterminism,
		DeterminismRuns:   cfg.DeterminismRuns,
		SourceDateEpoch:   cfg.SourceDateEpoch,
	})

	tracker, err := filestate.Load(filepath.Join(cfg.CacheDir, "filestate.json"))
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "load file state", err)
	}

	policy := scheduler.FailFast
	if cfg.KeepGoing {
		policy = scheduler.KeepGoing
	}

	for {
		g := graph.New(graph.Deferred)
		ws, err := manifest.Load(*manifestPath, g)
		if err != nil {
			return err
		}
		if _, err := g.Resolve(); err != nil {
			return err
		}
		if err := validateRequested(g, requested); err != nil {
			return err
		}

		run := func(ctx context.Context, n *graph.Node) (*scheduler.ActionResult, error) {
			return runOneAction(ctx, cx, g, cas, actions, exec, tracker, n)
		}
		sched := scheduler.New(cx, g, run, cfg.Jobs, int64(cfg.Jobs*2), policy)
		buildErr := sched.Run(cx.Context())
		if flushErr := tracker.Flush(); flushErr != nil {
			cx.Log.WithError(flushErr).Warn("failed to persist file state")
		}
		if buildErr != nil {
			if !*watch {
				return buildErr
			}
			cx.Log.WithError(buildErr).Warn("build failed, watching for changes")
		} else if runTests {
			if testErr := runTargetTests(cx, g, ws, requested); testErr != nil {
				if !*watch {
					return testErr
				}
			}
		}

		if !*watch {
			return nil
		}
		if err := waitForChange(cx, ws); err != nil {
			return err
		}
	}
}

// runOneAction adapts one graph.Node into the Executor's Spec/Outcome
// shape, consulting the ActionCache before ever touching the sandbox.
func runOneAction(ctx context.Context, cx *corectx.Context, g *graph.Graph, cas *cache.CAS, actions *cache.ActionCache, exec *executor.Executor, tracker *filestate.Tracker, n *graph.Node) (*scheduler.ActionResult, error) {
	t := n.Target()
	var handler langhandler.Handler = langhandler.ShellHandler{}

	argv, err := handler.Argv(t, ".")
	if err != nil {
		return nil, errs.Wrap(errs.ToolNotFound, t.Identity, err)
	}
	outputs, err := handler.Outputs(t, ".")
	if err != nil {
		return nil, err
	}
	inputs, err := langhandler.TrackedInputDigests(t, ".", tracker)
	if err != nil {
		return nil, errs.Wrap(errs.OutputMissing, t.Identity, err)
	}

	actionID := digest.NewActionBuilder().
		Tool(t.Language).
		Argv(argv).
		Env(t.Env, envKeys(t.Env)).
		Inputs(inputs).
		Outputs(t.Outputs).
		ActionID()
	n.SetCacheKey(string(actionID))

	if cached, ok := actions.Lookup(actionID); ok {
		if err := restoreOutputs(cas, cached); err != nil {
			return nil, err
		}
		paths := make([]string, 0, len(cached.OutputDigests))
		for p := range cached.OutputDigests {
			paths = append(paths, p)
		}
		return &scheduler.ActionResult{Outputs: paths}, nil
	}

	rec, err, _ := actions.Execute(actionID, func() (*cache.ActionRecord, error) {
		b := sandbox.NewBuilder(argv)
		for _, in := range inputs {
			b.WithInput(in.Path)
		}
		for _, out := range outputs {
			b.WithOutput(out)
		}
		for k, v := range t.Env {
			b.WithEnv(k, v)
		}
		b.WithLimits(sandbox.Limits{
			MaxMemoryBytes: sandbox.Unlimited(),
			MaxCPUSeconds:  sandbox.Unlimited(),
			MaxWallSeconds: sandbox.Unlimited(),
		})
		spec, violations := b.Build()
		if violations != nil {
			return nil, &errs.InvalidSpecError{Violations: violations}
		}

		outcome, err := exec.Run(ctx, spec, ".")
		if err != nil {
			return nil, err
		}
		for path := range outcome.OutputDigests {
			if _, _, putErr := cas.PutFile(path); putErr != nil {
				return nil, putErr
			}
		}
		rec := &cache.ActionRecord{
			ActionID:      actionID,
			OutputDigests: outcome.OutputDigests,
			Success:       true,
			StderrDigest:  digest.OfBytes(outcome.Stderr),
		}
		if insertErr := actions.Insert(rec); insertErr != nil {
			return nil, insertErr
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(rec.OutputDigests))
	for p := range rec.OutputDigests {
		paths = append(paths, p)
	}
	return &scheduler.ActionResult{Outputs: paths}, nil
}

// restoreOutputs re-materializes a cached action's declared outputs
// onto disk when they are missing or stale, so a cache hit is
// observationally identical to a fresh run from the caller's side.
func restoreOutputs(cas *cache.CAS, rec *cache.ActionRecord) error {
	for path, d := range rec.OutputDigests {
		if existing, _, err := digest.OfFile(path); err == nil && existing == d {
			continue
		}
		rc, err := cas.Open(d)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			rc.Close()
			return err
		}
		t, err := renameio.TempFile("", path)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(t, rc)
		rc.Close()
		if copyErr != nil {
			t.Cleanup()
			return copyErr
		}
		if err := t.CloseAtomicallyReplace(); err != nil {
			return err
		}
	}
	return nil
}

func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	return keys
}

// validateRequested checks every explicitly-named target exists,
// surfacing a did-you-mean suggestion for typos.
func validateRequested(g *graph.Graph, requested []string) error {
	for _, id := range requested {
		if _, ok := g.NodeByIdentity(id); !ok {
			return unknownTargetError(g, id)
		}
	}
	return nil
}

// testFailureError distinguishes a failed Test-kind target from a
// general build failure for exitCodeFor's sake; the scheduler itself
// has no notion of "test" vs. "build" actions.
type testFailureError struct{ identity string }

func (e *testFailureError) Error() string { return "test failed: " + e.identity }

func runTargetTests(cx *corectx.Context, g *graph.Graph, ws *manifest.Workspace, requested []string) error {
	ids := requested
	if len(ids) == 0 {
		ids = g.Identities()
	}
	for _, id := range ids {
		n, ok := g.NodeByIdentity(id)
		if !ok || n.Target().Kind != target.Test {
			continue
		}
		if n.Status() != graph.Success {
			return &testFailureError{identity: id}
		}
	}
	return nil
}

// waitForChange blocks until a source file named by any target in ws
// changes, so --watch can trigger a rebuild without polling.
func waitForChange(cx *corectx.Context, ws *manifest.Workspace) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	seen := map[string]bool{}
	for _, e := range ws.Targets {
		for _, src := range e.Sources {
			dir := filepath.Dir(src)
			if !seen[dir] {
				seen[dir] = true
				_ = watcher.Add(dir)
			}
		}
	}

	select {
	case <-cx.Done():
		return cx.Err()
	case ev := <-watcher.Events:
		cx.Log.WithField("file", ev.Name).Info("change detected, rebuilding")
		return nil
	case err := <-watcher.Errors:
		return err
	}
}
