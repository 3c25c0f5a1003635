// Package manifest loads a declarative workspace description (the
// thin collaborator format cmd/builder reads) into target.Targets and
// wires them into a graph.Graph. The Core itself never parses this
// format; only the CLI collaborator depends on this package.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/distr1/builder/internal/errs"
	"github.com/distr1/builder/internal/graph"
	"github.com/distr1/builder/internal/target"
)

// entry is one JSON-declared target, deserialized then converted to a
// target.Target (whose Kind field needs string-to-enum translation).
// Flags is the literal argv for Kind == "custom", the same field
// langhandler.ShellHandler reads off Target.Flags.
type entry struct {
	Identity string            `json:"identity"`
	Kind     string            `json:"kind"`
	Language string            `json:"language"`
	Sources  []string          `json:"sources"`
	Deps     []string          `json:"deps"`
	Flags    []string          `json:"flags"`
	Env      map[string]string `json:"env"`
	Outputs  []string          `json:"outputs"`
}

// Workspace is the top-level manifest document: a flat list of
// targets, order-independent (the Graph resolves dependency order).
type Workspace struct {
	Targets []entry `json:"targets"`
}

func kindOf(s string) target.Kind {
	switch s {
	case "executable":
		return target.Executable
	case "library":
		return target.Library
	case "test":
		return target.Test
	default:
		return target.Custom
	}
}

// Load parses path into a Graph with one node per declared target. It
// does not call Resolve; callers decide the cycle-validation mode
// first via graph.New.
func Load(path string, g *graph.Graph) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidSpec, "read manifest", err)
	}

	var ws Workspace
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, errs.Wrap(errs.InvalidSpec, "parse manifest", err)
	}

	for _, e := range ws.Targets {
		if e.Identity == "" {
			return nil, errs.New(errs.InvalidSpec, "target with empty identity", nil)
		}
		t := &target.Target{
			Identity: e.Identity,
			Kind:     kindOf(e.Kind),
			Language: e.Language,
			Sources:  e.Sources,
			Deps:     e.Deps,
			Flags:    e.Flags,
			Env:      e.Env,
			Outputs:  e.Outputs,
		}
		if _, err := g.AddTarget(t); err != nil {
			return nil, fmt.Errorf("target %s: %w", e.Identity, err)
		}
	}
	return &ws, nil
}
