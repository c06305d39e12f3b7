// Package callgraph assembles the program call graph from the call sites
// recorded during summarization. Strongly connected components give the
// propagator a callees-first schedule; recursion shows up as components
// of size two or more (or a self edge) and is handled by iteration, not
// by unrolling.
package callgraph

import (
	"sort"

	"github.com/yourbasic/graph"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/internal/analysis/core"
	"github.com/vulnpredict/vulnflow/internal/analysis/flow"
	"github.com/vulnpredict/vulnflow/internal/analysis/symbols"
)

// Edge is one caller-to-callee relation at a specific call site. Ambiguous
// calls contribute one edge per candidate.
type Edge struct {
	Caller symbols.FuncID
	Callee symbols.FuncID
	Site   core.Location
}

// Graph is the call graph over all summarized functions.
type Graph struct {
	ids         []symbols.FuncID
	index       map[symbols.FuncID]int
	out         []map[int]bool
	in          []map[int]bool
	edges       []Edge
	opaqueSites int
}

// Build assembles the graph from the given summaries. Input order does not
// matter; the graph is canonicalized internally.
func Build(sums []*flow.Summary, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Graph{index: make(map[symbols.FuncID]int, len(sums))}

	ordered := append([]*flow.Summary(nil), sums...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID.Less(ordered[j].ID) })
	for _, s := range ordered {
		g.add(s.ID)
	}
	for _, s := range ordered {
		ci := g.index[s.ID]
		for _, site := range s.Calls {
			if site.Opaque {
				g.opaqueSites++
				continue
			}
			for _, callee := range site.Targets {
				ti := g.add(callee)
				g.out[ci][ti] = true
				g.in[ti][ci] = true
				g.edges = append(g.edges, Edge{Caller: s.ID, Callee: callee, Site: site.Loc})
			}
		}
	}

	logger.Debug("call graph assembled",
		zap.Int("functions", len(g.ids)),
		zap.Int("edges", len(g.edges)),
		zap.Int("opaque_sites", g.opaqueSites))
	return g
}

func (g *Graph) add(id symbols.FuncID) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.out = append(g.out, make(map[int]bool))
	g.in = append(g.in, make(map[int]bool))
	return i
}

// Functions returns every function in the graph, sorted.
func (g *Graph) Functions() []symbols.FuncID {
	out := append([]symbols.FuncID(nil), g.ids...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// EdgeCount reports the number of resolved call edges.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// OpaqueSites reports how many call sites resolved to code outside the
// scan.
func (g *Graph) OpaqueSites() int { return g.opaqueSites }

// Edges returns all edges sorted by caller, callee, then site.
func (g *Graph) Edges() []Edge {
	out := append([]Edge(nil), g.edges...)
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Caller != b.Caller {
			return a.Caller.Less(b.Caller)
		}
		if a.Callee != b.Callee {
			return a.Callee.Less(b.Callee)
		}
		return a.Site.Compare(b.Site) < 0
	})
	return out
}

// CallersOf returns the functions with a call edge into id, sorted. This
// is the revisit set when id's summary changes.
func (g *Graph) CallersOf(id symbols.FuncID) []symbols.FuncID {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]symbols.FuncID, 0, len(g.in[i]))
	for c := range g.in[i] {
		out = append(out, g.ids[c])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// CalleesOf returns the resolved callees of id, sorted.
func (g *Graph) CalleesOf(id symbols.FuncID) []symbols.FuncID {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]symbols.FuncID, 0, len(g.out[i]))
	for c := range g.out[i] {
		out = append(out, g.ids[c])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// adjacency adapts the graph for SCC computation.
type adjacency struct {
	order int
	out   []map[int]bool
}

func (a adjacency) Order() int { return a.order }

func (a adjacency) Visit(v int, do func(w int, c int64) (skip bool)) (aborted bool) {
	for w := range a.out[v] {
		if do(w, 1) {
			return true
		}
	}
	return false
}

// Components returns the strongly connected components, each sorted, the
// list ordered by each component's smallest member.
func (g *Graph) Components() [][]symbols.FuncID {
	comps := g.components()
	out := make([][]symbols.FuncID, len(comps))
	for i, comp := range comps {
		ids := make([]symbols.FuncID, len(comp))
		for j, n := range comp {
			ids[j] = g.ids[n]
		}
		out[i] = ids
	}
	return out
}

func (g *Graph) components() [][]int {
	comps := graph.StrongComponents(adjacency{order: len(g.ids), out: g.out})
	for _, comp := range comps {
		sort.Slice(comp, func(i, j int) bool { return g.ids[comp[i]].Less(g.ids[comp[j]]) })
	}
	sort.Slice(comps, func(i, j int) bool {
		return g.ids[comps[i][0]].Less(g.ids[comps[j][0]])
	})
	return comps
}

// CycleCount reports how many components are recursive: mutual recursion
// groups plus direct self recursion.
func (g *Graph) CycleCount() int {
	n := 0
	for _, comp := range g.components() {
		if len(comp) > 1 || g.out[comp[0]][comp[0]] {
			n++
		}
	}
	return n
}

// BottomUp returns every function ordered so that callees come before
// their callers wherever the condensation allows it. Ties break toward
// the component with the smallest member, so the order is stable across
// runs.
func (g *Graph) BottomUp() []symbols.FuncID {
	comps := g.components()
	compOf := make([]int, len(g.ids))
	for ci, comp := range comps {
		for _, n := range comp {
			compOf[n] = ci
		}
	}

	// condensation out-degrees and reverse edges
	outdeg := make([]int, len(comps))
	rev := make([]map[int]bool, len(comps))
	seen := make([]map[int]bool, len(comps))
	for i := range comps {
		rev[i] = make(map[int]bool)
		seen[i] = make(map[int]bool)
	}
	for v := range g.out {
		cv := compOf[v]
		for w := range g.out[v] {
			cw := compOf[w]
			if cv == cw || seen[cv][cw] {
				continue
			}
			seen[cv][cw] = true
			outdeg[cv]++
			rev[cw][cv] = true
		}
	}

	var ready []int
	for i, d := range outdeg {
		if d == 0 {
			ready = append(ready, i)
		}
	}
	sort.Ints(ready)

	out := make([]symbols.FuncID, 0, len(g.ids))
	for len(ready) > 0 {
		c := ready[0]
		ready = ready[1:]
		for _, n := range comps[c] {
			out = append(out, g.ids[n])
		}
		var woken []int
		for caller := range rev[c] {
			outdeg[caller]--
			if outdeg[caller] == 0 {
				woken = append(woken, caller)
			}
		}
		sort.Ints(woken)
		ready = mergeSorted(ready, woken)
	}
	return out
}

func mergeSorted(a, b []int) []int {
	out := make([]int, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
