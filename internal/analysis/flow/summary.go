package flow

import (
	"sort"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/analysis/core"
	"github.com/vulnpredict/vulnflow/internal/analysis/symbols"
)

// Step is one hop of path evidence: a call boundary the tainted value
// crossed (symbol = the parameter it was bound to), or the terminal sink
// call (symbol = the matched sink name).
type Step struct {
	Loc    core.Location
	Symbol string
}

// HitKey identifies one sink route inside a summary: the sink site, its
// kind, and the first hop taken from the summarized function (zero for a
// sink called directly in its body). Keeping routes separate keeps the
// recorded evidence truthful when several call sites reach one sink.
type HitKey struct {
	Kind schemas.SinkKind
	Sink core.Location
	Head core.Location
}

// SinkHit is one reachable sink accumulated into a summary. Label and
// parameter sets only ever grow across recomputations.
type SinkHit struct {
	Kind     schemas.SinkKind
	Sink     core.Location
	SinkName string
	// ParamsIn marks which of the function's parameters reach this sink.
	ParamsIn map[int]bool
	// Labels are the real source labels (from this function's body or
	// below) that reach the sink.
	Labels core.LabelSet
	// Path holds the hops from this function's frame down to the sink.
	Path []Step
	// Ambiguous is set when any hop involved ambiguous resolution.
	Ambiguous bool
	// Unknown marks the conservative unknown-callee treatment.
	Unknown bool
}

func (h *SinkHit) clone() *SinkHit {
	out := &SinkHit{
		Kind:      h.Kind,
		Sink:      h.Sink,
		SinkName:  h.SinkName,
		ParamsIn:  make(map[int]bool, len(h.ParamsIn)),
		Labels:    h.Labels.Clone(),
		Path:      append([]Step(nil), h.Path...),
		Ambiguous: h.Ambiguous,
		Unknown:   h.Unknown,
	}
	for p := range h.ParamsIn {
		out.ParamsIn[p] = true
	}
	return out
}

func (h *SinkHit) equal(other *SinkHit) bool {
	if h.Kind != other.Kind || h.Sink != other.Sink || h.SinkName != other.SinkName ||
		h.Ambiguous != other.Ambiguous || h.Unknown != other.Unknown {
		return false
	}
	if len(h.ParamsIn) != len(other.ParamsIn) {
		return false
	}
	for p := range h.ParamsIn {
		if !other.ParamsIn[p] {
			return false
		}
	}
	return h.Labels.Equal(other.Labels)
}

// CallSite records one call found during the walk, with its resolution
// outcome, so the call graph can be assembled without a second pass.
type CallSite struct {
	Caller  symbols.FuncID
	Path    []string
	Loc     core.Location
	Targets []symbols.FuncID
	Opaque  bool
}

// Summary is the per-function taint propagation behavior. It is the unit
// the interprocedural propagator iterates to a fixed point, so everything
// in it is monotone: recomputation with richer callee summaries may add
// labels, parameters and hits, never remove them.
type Summary struct {
	ID     symbols.FuncID
	Params []string
	// ParamToReturn[i] reports whether taint entering parameter i reaches
	// the return value.
	ParamToReturn []bool
	// ReturnLabels are the real source labels reaching the return value
	// regardless of parameters.
	ReturnLabels core.LabelSet
	Hits         map[HitKey]*SinkHit
	// Suppressed records sink sites whose taint was entirely cleared by
	// sanitizers during this function's walk. Tracked as a site set so a
	// site revisited across loop passes counts once.
	Suppressed map[core.Location]bool
	// Calls lists every call site seen, in walk order.
	Calls []CallSite
}

func (s *Summary) markSuppressed(loc core.Location) {
	if s.Suppressed == nil {
		s.Suppressed = make(map[core.Location]bool)
	}
	s.Suppressed[loc] = true
}

// SuppressedCount reports how many sink sites were silenced by sanitizers.
func (s *Summary) SuppressedCount() int {
	return len(s.Suppressed)
}

// ParamReachesSink is the boolean matrix view over the recorded hits.
func (s *Summary) ParamReachesSink(param int, kind schemas.SinkKind) bool {
	for _, h := range s.Hits {
		if h.Kind == kind && h.ParamsIn[param] {
			return true
		}
	}
	return false
}

// TaintsReturn reports whether any real source taints the return value.
func (s *Summary) TaintsReturn() bool {
	return s.ReturnLabels.IsTainted()
}

// UnconditionalHits returns the hits that fire independently of any
// parameter, sorted for deterministic emission.
func (s *Summary) UnconditionalHits() []*SinkHit {
	var out []*SinkHit
	for _, h := range s.Hits {
		if h.Labels.IsTainted() {
			out = append(out, h)
		}
	}
	sortHits(out)
	return out
}

// SortedHits returns every hit in deterministic order.
func (s *Summary) SortedHits() []*SinkHit {
	out := make([]*SinkHit, 0, len(s.Hits))
	for _, h := range s.Hits {
		out = append(out, h)
	}
	sortHits(out)
	return out
}

func sortHits(hits []*SinkHit) {
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if c := a.Sink.Compare(b.Sink); c != 0 {
			return c < 0
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if len(a.Path) > 0 && len(b.Path) > 0 {
			return a.Path[0].Loc.Compare(b.Path[0].Loc) < 0
		}
		return len(a.Path) < len(b.Path)
	})
}

// addHit merges a route into the summary, unioning with any hit already
// recorded for the same key.
func (s *Summary) addHit(hit *SinkHit) {
	if s.Hits == nil {
		s.Hits = make(map[HitKey]*SinkHit)
	}
	key := HitKey{Kind: hit.Kind, Sink: hit.Sink}
	if len(hit.Path) > 0 {
		key.Head = hit.Path[0].Loc
	}
	existing, ok := s.Hits[key]
	if !ok {
		s.Hits[key] = hit
		return
	}
	for p := range hit.ParamsIn {
		if existing.ParamsIn == nil {
			existing.ParamsIn = make(map[int]bool)
		}
		existing.ParamsIn[p] = true
	}
	existing.Labels = existing.Labels.Union(hit.Labels)
	existing.Ambiguous = existing.Ambiguous || hit.Ambiguous
	existing.Unknown = existing.Unknown || hit.Unknown
}

// Equal compares the fixpoint-relevant parts of two summaries. Call sites
// are excluded: they are a function of the tree alone and never change
// across recomputations.
func (s *Summary) Equal(other *Summary) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.ID != other.ID || len(s.ParamToReturn) != len(other.ParamToReturn) {
		return false
	}
	for i := range s.ParamToReturn {
		if s.ParamToReturn[i] != other.ParamToReturn[i] {
			return false
		}
	}
	if !s.ReturnLabels.Equal(other.ReturnLabels) {
		return false
	}
	if len(s.Suppressed) != len(other.Suppressed) {
		return false
	}
	for loc := range s.Suppressed {
		if !other.Suppressed[loc] {
			return false
		}
	}
	if len(s.Hits) != len(other.Hits) {
		return false
	}
	for key, hit := range s.Hits {
		o, ok := other.Hits[key]
		if !ok || !hit.equal(o) {
			return false
		}
	}
	return true
}

// Covers reports whether s carries at least everything old does. The
// propagator asserts this invariant on every recomputation: summary
// facts never retract within one scan.
func (s *Summary) Covers(old *Summary) bool {
	if old == nil {
		return true
	}
	if s == nil {
		return false
	}
	for i, was := range old.ParamToReturn {
		if was && (i >= len(s.ParamToReturn) || !s.ParamToReturn[i]) {
			return false
		}
	}
	for l := range old.ReturnLabels {
		if _, ok := s.ReturnLabels[l]; !ok {
			return false
		}
	}
	for key, oldHit := range old.Hits {
		newHit, ok := s.Hits[key]
		if !ok {
			return false
		}
		for p := range oldHit.ParamsIn {
			if !newHit.ParamsIn[p] {
				return false
			}
		}
		for l := range oldHit.Labels {
			if _, ok := newHit.Labels[l]; !ok {
				return false
			}
		}
	}
	return true
}
