// Command builder is the thin CLI collaborator wrapping the Build
// Execution Core: it parses flags and a workspace manifest, then
// drives graph.Graph, scheduler.Scheduler, and cache.* to do the
// actual work.
package main

import (
	"fmt"
	"os"

	"github.com/distr1/builder/internal/sandbox"
)

func main() {
	// The sandbox's Linux strategy re-executes this same binary inside
	// a fresh mount/pid/net namespace to run the action; that child
	// invocation is intercepted here, before any flag parsing.
	if len(os.Args) > 1 && os.Args[1] == "__sandbox_child__" {
		if err := sandbox.RunSandboxChild(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var (
		cmd  = os.Args[1]
		args = os.Args[2:]
		err  error
	)
	switch cmd {
	case "build":
		err = runBuild(args, false)
	case "test":
		err = runBuild(args, true)
	case "query":
		err = runQuery(args)
	case "clean":
		err = runClean(args)
	case "gc":
		err = runGC(args)
	case "serve":
		err = runServe(args)
	case "work":
		err = runWork(args)
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "builder: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "builder: "+err.Error())
		os.Exit(exitCodeFor(err))
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: builder <command> [arguments]

commands:
  build <targets...>   build named targets
  test <targets...>    build, then run Test-kind targets
  query <expr> <args>  deps|rdeps|somepath|allpaths over the workspace graph
  clean [--cache]       remove declared outputs, or the whole cache with --cache
  gc                    evict unreferenced CAS blobs
  serve                 run the distributed coordinator
  work <addr>           connect to a coordinator as a worker

environment:
  BUILDER_CACHE_DIR, BUILDER_JOBS, BUILDER_KEEP_GOING, BUILDER_VERBOSE, SOURCE_DATE_EPOCH
`)
}
