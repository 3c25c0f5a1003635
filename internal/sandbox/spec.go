// Package sandbox builds and validates SandboxSpecs and implements the
// hermetic execution strategies behind a common Strategy interface.
package sandbox

import (
	"fmt"
	"strings"
)

// ResourceLimit is either a positive bound or Unlimited.
type ResourceLimit struct {
	Value     int64
	Unlimited bool
}

// Unlimited is the sentinel meaning "no limit enforced".
func Unlimited() ResourceLimit { return ResourceLimit{Unlimited: true} }

// Limit constructs a positive bound.
func Limit(v int64) ResourceLimit { return ResourceLimit{Value: v} }

func (r ResourceLimit) valid() bool { return r.Unlimited || r.Value > 0 }

// Limits bounds an action's resource consumption.
type Limits struct {
	MaxMemoryBytes ResourceLimit
	MaxCPUSeconds  ResourceLimit
	MaxWallSeconds ResourceLimit
	MaxDiskBytes   ResourceLimit
}

// NetworkPolicy controls whether a sandboxed action may reach the
// network.
type NetworkPolicy int

const (
	NetworkDenied NetworkPolicy = iota
	NetworkLoopbackOnly
	NetworkAllowed
)

// Spec describes one action's sandboxed execution environment.
type Spec struct {
	Argv        []string
	Env         map[string]string
	EnvWhitelist []string

	Inputs  map[string]bool // allowed input paths
	Outputs map[string]bool // declared output paths
	TempDirs []string

	Network NetworkPolicy
	Limits  Limits
}

// sensitiveEnvKeys are excluded from the env whitelist by default
// because they leak host identity or wall-clock time into an action
// that must otherwise be reproducible.
var sensitiveEnvKeys = map[string]bool{
	"HOME": true, "USER": true, "LOGNAME": true,
	"TZ": true,
}

// Builder constructs a Spec fluently, the way the teacher's build
// context is assembled field-by-field before being handed to the
// execution step.
type Builder struct {
	s                Spec
	allowSensitiveEnv map[string]bool
}

// NewBuilder starts a new SandboxSpec builder.
func NewBuilder(argv []string) *Builder {
	return &Builder{
		s: Spec{
			Argv:    argv,
			Env:     map[string]string{},
			Inputs:  map[string]bool{},
			Outputs: map[string]bool{},
		},
		allowSensitiveEnv: map[string]bool{},
	}
}

func (b *Builder) WithInput(path string) *Builder {
	b.s.Inputs[path] = true
	return b
}

func (b *Builder) WithInputs(paths []string) *Builder {
	for _, p := range paths {
		b.s.Inputs[p] = true
	}
	return b
}

func (b *Builder) WithOutput(path string) *Builder {
	b.s.Outputs[path] = true
	return b
}

func (b *Builder) WithOutputs(paths []string) *Builder {
	for _, p := range paths {
		b.s.Outputs[p] = true
	}
	return b
}

func (b *Builder) WithTempDir(path string) *Builder {
	b.s.TempDirs = append(b.s.TempDirs, path)
	return b
}

func (b *Builder) WithEnv(key, value string) *Builder {
	b.s.Env[key] = value
	b.s.EnvWhitelist = append(b.s.EnvWhitelist, key)
	return b
}

// AllowSensitiveEnv explicitly permits a normally-excluded key (HOME,
// USER, LOGNAME, TZ) through the whitelist.
func (b *Builder) AllowSensitiveEnv(key string) *Builder {
	b.allowSensitiveEnv[key] = true
	return b
}

func (b *Builder) WithNetwork(p NetworkPolicy) *Builder {
	b.s.Network = p
	return b
}

func (b *Builder) WithLimits(l Limits) *Builder {
	b.s.Limits = l
	return b
}

// Build validates the accumulated spec, returning every violation
// found (not just the first) as a string slice, which callers wrap in
// an *errs.InvalidSpecError.
func (b *Builder) Build() (*Spec, []string) {
	var violations []string

	for out := range b.s.Outputs {
		if b.s.Inputs[out] {
			violations = append(violations, fmt.Sprintf("output %q is also declared as an input", out))
		}
		for _, tmp := range b.s.TempDirs {
			if out == tmp || strings.HasPrefix(out, tmp+"/") {
				violations = append(violations, fmt.Sprintf("output %q overlaps temp dir %q", out, tmp))
			}
		}
	}

	for key := range b.s.Env {
		if sensitiveEnvKeys[key] && !b.allowSensitiveEnv[key] {
			violations = append(violations, fmt.Sprintf("env key %q is excluded from the whitelist unless explicitly permitted", key))
		}
	}

	checkLimit := func(name string, l ResourceLimit) {
		if !l.valid() {
			violations = append(violations, fmt.Sprintf("resource limit %s must be positive or unlimited, got %d", name, l.Value))
		}
	}
	checkLimit("MaxMemoryBytes", b.s.Limits.MaxMemoryBytes)
	checkLimit("MaxCPUSeconds", b.s.Limits.MaxCPUSeconds)
	checkLimit("MaxWallSeconds", b.s.Limits.MaxWallSeconds)
	checkLimit("MaxDiskBytes", b.s.Limits.MaxDiskBytes)

	if len(violations) > 0 {
		return nil, violations
	}

	spec := b.s
	return &spec, nil
}
