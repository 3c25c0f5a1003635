// Package corectx bundles the small set of cross-cutting collaborators
// the Core needs — logger, configuration, cancellation, progress sink —
// into a single context object constructed once in main and passed by
// reference. This replaces the global-singleton pattern (toolchain
// registry, shutdown coordinator, logger) with explicit wiring.
package corectx

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/distr1/builder/internal/config"
)

// StatusSink is the narrow interface through which the Core reports
// per-worker progress lines to an external terminal-rendering
// collaborator. The Core never imports a terminal UI package directly.
type StatusSink interface {
	Update(workerID int, line string)
}

// nopSink discards status updates; used when no renderer is attached.
type nopSink struct{}

func (nopSink) Update(int, string) {}

// Context is the Core's single non-global handle to ambient services.
type Context struct {
	Log    *logrus.Entry
	Config *config.Config
	Status StatusSink

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Context whose cancellation is wired to SIGINT and
// SIGTERM, mirroring the teacher's InterruptibleContext.
func New(cfg *config.Config) *Context {
	logger := logrus.New()
	if cfg.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		signal.Stop(sig)
		cancel()
	}()

	return &Context{
		Log:    logrus.NewEntry(logger),
		Config: cfg,
		Status: nopSink{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Done returns the cancellation token's done channel; workers and the
// executor poll this between actions/steps.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Context returns the underlying context.Context, for functions that
// need to pass it to os/exec or other context-aware APIs.
func (c *Context) Context() context.Context { return c.ctx }

// Cancel cancels the build, e.g. on fail-fast.
func (c *Context) Cancel() { c.cancel() }

// Err reports the cancellation cause, if any.
func (c *Context) Err() error { return c.ctx.Err() }

// With returns a copy of the Context with additional logger fields,
// used to attach component/action_id/target fields at call sites.
func (c *Context) With(fields logrus.Fields) *Context {
	cp := *c
	cp.Log = c.Log.WithFields(fields)
	return &cp
}
