// Package executor implements the Hermetic Executor: it runs an
// action's command through a sandbox.Strategy, applies resource
// limits and timeouts, and optionally re-runs the action to enforce
// determinism.
package executor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/sandbox"
)

// Options configures one action's hermetic execution.
type Options struct {
	Timeout           time.Duration
	GracePeriod       time.Duration // not passed to the sandbox strategy, which SIGKILLs a cancelled child at once
	StrictDeterminism bool
	DeterminismRuns   int // number of fresh-sandbox re-runs to compare, >= 2
	SourceDateEpoch   string
}

// Executor runs actions hermetically via the platform Strategy.
type Executor struct {
	strategy sandbox.Strategy
	opts     Options
}

// New constructs an Executor using the best available platform
// strategy (sandbox.Available).
func New(opts Options) *Executor {
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.DeterminismRuns < 2 {
		opts.DeterminismRuns = 2
	}
	return &Executor{strategy: sandbox.Available(), opts: opts}
}

// Outcome is one action's execution result.
type Outcome struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Metrics  sandbox.Metrics
	// OutputDigests maps declared output path to its content digest,
	// computed after a successful run.
	OutputDigests map[string]digest.Digest
}

// Run executes spec once in workDir, applying opts.Timeout and
// honoring ctx cancellation (the caller's CancellationToken). If
// StrictDeterminism is set, the action is re-run opts.DeterminismRuns-1
// additional times in fresh work directories and the output digests
// compared; a mismatch surfaces NonDeterministicOutput.
func (e *Executor) Run(ctx context.Context, spec *sandbox.Spec, workDir string) (*Outcome, error) {
	if e.opts.StrictDeterminism && e.opts.SourceDateEpoch != "" {
		if spec.Env == nil {
			spec.Env = map[string]string{}
		}
		spec.Env["SOURCE_DATE_EPOCH"] = e.opts.SourceDateEpoch
		spec.EnvWhitelist = append(spec.EnvWhitelist, "SOURCE_DATE_EPOCH")
	}

	outcome, err := e.runOnce(ctx, spec, workDir)
	if err != nil {
		return nil, err
	}

	if !e.opts.StrictDeterminism {
		return outcome, nil
	}

	baseline := outputSetDigest(outcome.OutputDigests)
	for i := 1; i < e.opts.DeterminismRuns; i++ {
		repeatDir := fmt.Sprintf("%s.det%d", workDir, i)
		if err := os.MkdirAll(repeatDir, 0o755); err != nil {
			return nil, err
		}
		defer os.RemoveAll(repeatDir)

		repeat, err := e.runOnce(ctx, spec, repeatDir)
		if err != nil {
			return nil, err
		}
		if outputSetDigest(repeat.OutputDigests) != baseline {
			return nil, errs.New(errs.NonDeterministicOutput, "output digests differ across runs", map[string]interface{}{
				"run0": outcome.OutputDigests,
				"runN": repeat.OutputDigests,
			})
		}
	}

	return outcome, nil
}

func (e *Executor) runOnce(ctx context.Context, spec *sandbox.Spec, workDir string) (*Outcome, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if e.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	result, err := e.strategy.Run(runCtx, spec, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Wrap(errs.Cancelled, "action cancelled", ctx.Err())
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, errs.Wrap(errs.Timeout, "action exceeded timeout", runCtx.Err())
		}
		return nil, errs.Wrap(errs.SandboxUnavailable, fmt.Sprintf("strategy %s failed", e.strategy.Name()), err)
	}

	if len(result.Metrics.Violations) > 0 {
		v := result.Metrics.Violations[0]
		return nil, errs.New(errs.ResourceExceeded, v.Message, map[string]interface{}{
			"kind": v.Kind, "actual": v.Actual, "limit": v.Limit,
		})
	}

	if result.ExitCode != 0 {
		stderrDigest := digest.OfBytes(result.Stderr)
		return nil, errs.New(errs.ActionFailed, fmt.Sprintf("exit code %d", result.ExitCode), map[string]interface{}{
			"exit": result.ExitCode, "stderr_digest": stderrDigest,
		})
	}

	digests := make(map[string]digest.Digest, len(spec.Outputs))
	for path := range spec.Outputs {
		if _, err := os.Stat(path); err != nil {
			return nil, errs.Wrap(errs.OutputMissing, path, err)
		}
		d, _, err := digest.OfFile(path)
		if err != nil {
			return nil, err
		}
		digests[path] = d
	}

	return &Outcome{
		ExitCode:      result.ExitCode,
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		Metrics:       result.Metrics,
		OutputDigests: digests,
	}, nil
}

// outputSetDigest collapses a path->digest map into one comparable
// value, independent of map iteration order.
func outputSetDigest(digests map[string]digest.Digest) digest.Digest {
	b := digest.NewActionBuilder()
	var pairs []string
	for _, p := range sortedKeys(digests) {
		pairs = append(pairs, p, string(digests[p]))
	}
	b.Argv(pairs)
	return b.ActionID()
}

func sortedKeys(m map[string]digest.Digest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}
