package main

import (
	"flag"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/distr1/builder/internal/addrfd"
	"github.com/distr1/builder/internal/cache"
	"github.com/distr1/builder/internal/config"
	"github.com/distr1/builder/internal/corectx"
	"github.com/distr1/builder/internal/digest"
	"github.com/distr1/builder/internal/distcoord"
	"github.com/distr1/builder/internal/distworker"
	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/executor"
)

// runServe listens for worker connections and runs the distributed
// coordinator until interrupted. The Core's own scheduler is not
// started here: serve is for a standalone coordinator process fronting
// a pool of work workers, not a hybrid local+distributed build.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	listenAddr := fs.String("listen", ":7713", "address to accept worker connections on")
	heartbeat := fs.Duration("heartbeat", 5*time.Second, "expected worker heartbeat interval")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.InvalidSpec, "parse flags", err)
	}

	cfg := config.FromEnv()
	cx := corectx.New(cfg)

	cas, err := cache.OpenCAS(filepath.Join(cfg.CacheDir, "cas"))
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "open CAS", err)
	}
	actions, err := cache.Open(cfg.CacheDir, cas)
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "open action cache", err)
	}

	// serve runs the coordinator standalone, with no local scheduler to
	// re-enqueue into; a crashed worker's inflight actions are logged
	// and must be redispatched by a client driving this coordinator.
	onReenqueue := func(id digest.Digest) {
		cx.Log.WithField("action", id).Warn("worker lost, action needs re-dispatch")
	}

	coord := distcoord.New(cx, cas, actions, cfg.RetryBudget, *heartbeat, onReenqueue)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return errs.Wrap(errs.SandboxUnavailable, "listen", err)
	}
	defer ln.Close()
	addrfd.MustWrite(ln.Addr().String())
	cx.Log.WithField("addr", ln.Addr().String()).Info("coordinator listening")

	go coord.MonitorHeartbeats(cx.Done(), *heartbeat)

	go func() {
		<-cx.Done()
		ln.Close()
	}()

	id := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if cx.Err() != nil {
				return nil
			}
			return err
		}
		id++
		coord.AddWorker(fmt.Sprintf("worker-%d", id), conn)
	}
}

// runWork dials a coordinator and runs the worker protocol loop until
// the connection drops or the process is interrupted.
func runWork(args []string) error {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	id := fs.String("id", "", "worker identity reported in heartbeats (default: local address)")
	heartbeat := fs.Duration("heartbeat", 5*time.Second, "heartbeat interval")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.InvalidSpec, "parse flags", err)
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return errs.New(errs.InvalidSpec, "work requires a coordinator address", nil)
	}
	addr := rest[0]

	cfg := config.FromEnv()
	cx := corectx.New(cfg)

	cas, err := cache.OpenCAS(filepath.Join(cfg.CacheDir, "cas"))
	if err != nil {
		return errs.Wrap(errs.CacheUnavailable, "open CAS", err)
	}
	exec := executor.New(executor.Options{
		GracePeriod:       time.Duration(cfg.GracePeriodSec) * time.Second,
		StrictDeterminism: cfg.StrictDeterminism,
		DeterminismRuns:   cfg.DeterminismRuns,
		SourceDateEpoch:   cfg.SourceDateEpoch,
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return errs.Wrap(errs.WorkerUnreachable, "dial coordinator", err)
	}
	defer conn.Close()

	workerID := *id
	if workerID == "" {
		workerID = conn.LocalAddr().String()
	}

	w := distworker.New(cx, workerID, conn, cas, exec)
	cx.Log.WithField("coordinator", addr).Info("worker connected")
	return w.Run(cx.Context(), *heartbeat)
}
