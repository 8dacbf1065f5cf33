// Package phase defines the test-cycle phase dependency graph and the
// per-phase lifecycle handlers.
package phase

import (
	"fmt"
	"sort"
	"strings"
)

// Canonical phase names, in execution order for the reference configuration.
const (
	Planning           = "Planning"
	DataProfiling      = "Data Profiling"
	Scoping            = "Scoping"
	SampleSelection    = "Sample Selection"
	DataProviderID     = "Data Provider ID"
	RequestInfo        = "Request Info"
	Testing            = "Testing"
	Observations       = "Observations"
	FinalizeTestReport = "Finalize Test Report"
)

// canonicalOrder is the reference linear chain. Each phase depends on its
// predecessor, but the graph machinery supports arbitrary DAGs.
var canonicalOrder = []string{
	Planning,
	DataProfiling,
	Scoping,
	SampleSelection,
	DataProviderID,
	RequestInfo,
	Testing,
	Observations,
	FinalizeTestReport,
}

// Graph maps each phase to the set of phases that must complete before it
// may start.
type Graph struct {
	deps  map[string][]string
	order []string
}

// NewGraph returns the reference nine-phase linear chain.
func NewGraph() *Graph {
	deps := make(map[string][]string, len(canonicalOrder))
	for i, name := range canonicalOrder {
		if i == 0 {
			deps[name] = nil
			continue
		}
		deps[name] = []string{canonicalOrder[i-1]}
	}
	return &Graph{deps: deps, order: append([]string(nil), canonicalOrder...)}
}

// NewCustomGraph builds a graph from an explicit dependency map. Every
// dependency must itself be a phase in the map, and the graph must be
// acyclic. A cyclic configuration can never make progress, so it is
// rejected up front.
func NewCustomGraph(deps map[string][]string) (*Graph, error) {
	if len(deps) == 0 {
		return nil, fmt.Errorf("phase: graph has no phases")
	}

	order := make([]string, 0, len(deps))
	for name := range deps {
		order = append(order, name)
	}
	sort.Strings(order)

	for name, requires := range deps {
		for _, dep := range requires {
			if _, ok := deps[dep]; !ok {
				return nil, fmt.Errorf("phase: %q depends on unknown phase %q", name, dep)
			}
			if dep == name {
				return nil, fmt.Errorf("phase: %q depends on itself", name)
			}
		}
	}

	g := &Graph{deps: deps, order: order}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// Phases returns every phase name in the graph. For the reference graph the
// slice is in canonical execution order.
func (g *Graph) Phases() []string {
	return append([]string(nil), g.order...)
}

// Contains reports whether name is a phase in this graph.
func (g *Graph) Contains(name string) bool {
	_, ok := g.deps[name]
	return ok
}

// Dependencies returns the prerequisite phases for name.
func (g *Graph) Dependencies(name string) ([]string, error) {
	requires, ok := g.deps[name]
	if !ok {
		return nil, fmt.Errorf("phase: unknown phase %q", name)
	}
	return append([]string(nil), requires...), nil
}

// IsReady reports whether every dependency of name is in the completed set.
// Unknown phases are never ready.
func (g *Graph) IsReady(name string, completed map[string]bool) bool {
	requires, ok := g.deps[name]
	if !ok {
		return false
	}
	for _, dep := range requires {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Ready returns the phases whose dependencies are satisfied but which are
// neither completed nor in the started set. The run loop dispatches the
// whole batch concurrently.
func (g *Graph) Ready(completed, started map[string]bool) []string {
	var ready []string
	for _, name := range g.order {
		if completed[name] || started[name] {
			continue
		}
		if g.IsReady(name, completed) {
			ready = append(ready, name)
		}
	}
	return ready
}

// validateAcyclic simulates readiness propagation: if at any point no
// remaining phase is ready, the graph contains a cycle.
func (g *Graph) validateAcyclic() error {
	completed := make(map[string]bool, len(g.order))
	started := make(map[string]bool, len(g.order))
	for len(completed) < len(g.order) {
		ready := g.Ready(completed, started)
		if len(ready) == 0 {
			var stuck []string
			for _, name := range g.order {
				if !completed[name] {
					stuck = append(stuck, name)
				}
			}
			return fmt.Errorf("phase: dependency cycle involving %s", strings.Join(stuck, ", "))
		}
		for _, name := range ready {
			completed[name] = true
		}
	}
	return nil
}

// ValidateSkipPhases checks a skip list against the graph's known phase set.
// Returns the validated list with duplicates removed, preserving order.
func (g *Graph) ValidateSkipPhases(skip []string) ([]string, error) {
	seen := make(map[string]bool, len(skip))
	out := make([]string, 0, len(skip))
	for _, name := range skip {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !g.Contains(name) {
			return nil, fmt.Errorf("phase: cannot skip unknown phase %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}
