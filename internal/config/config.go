// Package config captures the Core's enumerated configuration option
// set, populated from environment variables and CLI flags. There is
// no duck-typed configuration map: every option has an explicit field.
package config

import (
	"os"
	"runtime"
	"strconv"
)

// Config is the one configuration struct threaded through the Core via
// corectx.Context. It is built once per invocation and never mutated
// concurrently.
type Config struct {
	Jobs              int    // BUILDER_JOBS, default hardware parallelism
	KeepGoing         bool   // BUILDER_KEEP_GOING
	Verbose           bool   // BUILDER_VERBOSE
	CacheDir          string // BUILDER_CACHE_DIR
	StrictDeterminism bool
	DeterminismRuns   int
	SourceDateEpoch   string // SOURCE_DATE_EPOCH, passed through when StrictDeterminism is on
	GraphMode         string // "immediate" or "deferred"
	GracePeriodSec    int    // cancellation grace period before SIGKILL
	RetryBudget       int    // distributed layer retry budget
}

// FromEnv populates defaults from environment variables; CLI flags
// parsed in cmd/builder override these afterwards.
func FromEnv() *Config {
	c := &Config{
		Jobs:            runtime.NumCPU(),
		CacheDir:        defaultCacheDir(),
		GraphMode:       "deferred",
		GracePeriodSec:  5,
		RetryBudget:     3,
		DeterminismRuns: 2,
	}
	if v := os.Getenv("BUILDER_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Jobs = n
		}
	}
	if v := os.Getenv("BUILDER_KEEP_GOING"); v != "" {
		c.KeepGoing = isTruthy(v)
	}
	if v := os.Getenv("BUILDER_VERBOSE"); v != "" {
		c.Verbose = isTruthy(v)
	}
	if v := os.Getenv("BUILDER_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	c.SourceDateEpoch = os.Getenv("SOURCE_DATE_EPOCH")
	return c
}

func defaultCacheDir() string {
	if v := os.Getenv("BUILDER_CACHE_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cache/builder"
	}
	return home + "/.cache/builder"
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "yes", "on":
		return true
	default:
		return false
	}
}
