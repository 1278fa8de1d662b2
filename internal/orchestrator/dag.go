package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/dsa110-lab/contimg-ingest/internal/core/pipeline"
)

// StageInput is what one stage invocation sees: the claimed group, an
// immutable artifact snapshot built from its dependencies' outputs, and a
// resource scope released when the invocation ends.
type StageInput struct {
	Group *pipeline.Group
	Ctx   pipeline.StageContext
	Scope *Scope
}

// StageFunc executes one stage against its input and returns the artifacts
// it produced. Failures must be classified with pipeline.Retryable or
// pipeline.Terminal; unclassified errors are treated as terminal.
type StageFunc func(ctx context.Context, in StageInput) (pipeline.ArtifactSet, error)

// Stage is one named unit of the processing graph.
type Stage struct {
	Name      string
	DependsOn []string
	Run       StageFunc
}

// Graph is the validated stage DAG. It is fixed at startup: cycle and
// dependency errors are construction failures, never runtime ones.
type Graph struct {
	stages map[string]Stage
	// topo is a stable topological order used for deterministic context
	// assembly and sequential fallback execution.
	topo []string
	// ancestors maps each stage to its transitive dependencies.
	ancestors map[string]map[string]bool
}

// NewGraph validates the declared stages and returns the executable DAG.
func NewGraph(stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("stage graph must declare at least one stage")
	}

	g := &Graph{
		stages:    make(map[string]Stage, len(stages)),
		ancestors: make(map[string]map[string]bool, len(stages)),
	}

	for _, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage with empty name")
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %s has no run function", s.Name)
		}
		if _, dup := g.stages[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage name %s", s.Name)
		}
		g.stages[s.Name] = s
	}

	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if dep == s.Name {
				return nil, fmt.Errorf("stage %s depends on itself", s.Name)
			}
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("stage %s depends on unknown stage %s", s.Name, dep)
			}
		}
	}

	topo, err := topoSort(stages)
	if err != nil {
		return nil, err
	}
	g.topo = topo

	// Transitive dependency closure, computed once in topological order.
	for _, name := range topo {
		anc := make(map[string]bool)
		for _, dep := range g.stages[name].DependsOn {
			anc[dep] = true
			for a := range g.ancestors[dep] {
				anc[a] = true
			}
		}
		g.ancestors[name] = anc
	}

	return g, nil
}

// topoSort is Kahn's algorithm with name-ordered tie-breaking so the order
// is stable across runs. A leftover node means a dependency cycle.
func topoSort(stages []Stage) ([]string, error) {
	indegree := make(map[string]int, len(stages))
	dependents := make(map[string][]string, len(stages))
	for _, s := range stages {
		indegree[s.Name] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var unlocked []string
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}

	if len(order) != len(stages) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("stage graph has a dependency cycle involving %v", stuck)
	}
	return order, nil
}

// Stages returns the stage names in stable topological order.
func (g *Graph) Stages() []string {
	return append([]string(nil), g.topo...)
}

// inputContext assembles the immutable snapshot a stage starts from: the
// outputs of its transitive dependencies merged in topological order.
// Outputs of unrelated stages are invisible, which keeps concurrent
// execution deterministic.
func (g *Graph) inputContext(stage string, outputs map[string]pipeline.ArtifactSet) pipeline.StageContext {
	sc := pipeline.NewStageContext()
	for _, name := range g.topo {
		if !g.ancestors[stage][name] {
			continue
		}
		if out, ok := outputs[name]; ok {
			sc = sc.Merge(out)
		}
	}
	return sc
}
