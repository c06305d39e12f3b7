// Package flow builds per-function taint summaries: it walks a function
// body once (or a few times for loops), tracking which local symbols carry
// which taint labels, and records every sink the taint reaches. Parameters
// are seeded with symbolic labels so the resulting summary describes the
// function's behavior for any caller.
package flow

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/analysis/core"
	"github.com/vulnpredict/vulnflow/internal/analysis/symbols"
	"github.com/vulnpredict/vulnflow/internal/rules"
)

const defaultLoopPasses = 2

// Resolver answers call-target questions during the walk. The symbol
// program implements it.
type Resolver interface {
	ResolveCall(from symbols.FuncID, path []string) symbols.Resolution
}

// SummarySource supplies the current summaries of other functions. A nil
// result means the callee has not been summarized yet and contributes
// nothing; the propagator revisits the caller once it has.
type SummarySource interface {
	Lookup(id symbols.FuncID) *Summary
}

// Builder turns function declarations into summaries. It is stateless
// across calls and safe for concurrent use as long as the resolver and
// summary source it was given are.
type Builder struct {
	rules      *rules.CompiledRules
	resolver   Resolver
	summaries  SummarySource
	loopPasses int
	logger     *zap.Logger
}

func NewBuilder(compiled *rules.CompiledRules, resolver Resolver, summaries SummarySource, loopPasses int, logger *zap.Logger) *Builder {
	if loopPasses <= 0 {
		loopPasses = defaultLoopPasses
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		rules:      compiled,
		resolver:   resolver,
		summaries:  summaries,
		loopPasses: loopPasses,
		logger:     logger,
	}
}

// BuildSummary walks one function and returns its summary. Languages the
// rule bundle does not cover are still walked so call-site propagation
// stays intact; their pattern lookups simply never match.
func (b *Builder) BuildSummary(decl *symbols.FuncDecl, lang schemas.Language) *Summary {
	m, _ := b.rules.ForLanguage(lang)
	w := &walkState{
		b:             b,
		m:             m,
		decl:          decl,
		file:          decl.ID.File,
		sum:           &Summary{ID: decl.ID, Params: decl.Params},
		facts:         make(map[string]core.LabelSet, len(decl.Params)),
		cleansed:      make(map[string]core.LabelSet),
		cleansedCalls: make(map[*schemas.Node]core.LabelSet),
		seenCalls:     make(map[core.Location]bool),
	}
	for i, p := range decl.Params {
		w.facts[p] = core.NewLabelSet(core.ParamLabel(i))
	}

	w.walkNode(decl.Body)

	w.sum.ParamToReturn = make([]bool, len(decl.Params))
	for l := range w.returnLabels {
		if l.IsParam() {
			if l.Param >= 0 && l.Param < len(decl.Params) {
				w.sum.ParamToReturn[l.Param] = true
			}
			continue
		}
		w.sum.ReturnLabels.Add(l)
	}

	b.logger.Debug("function summarized",
		zap.String("func", decl.ID.String()),
		zap.Int("hits", len(w.sum.Hits)),
		zap.Int("calls", len(w.sum.Calls)))
	return w.sum
}

// walkState is the mutable per-function flow state. facts maps a local
// symbol to the labels it currently carries; absent means clean. cleansed
// shadows symbols whose taint a sanitizer removed, so silenced sinks can
// be counted without ever emitting them.
type walkState struct {
	b             *Builder
	m             *rules.Matcher
	decl          *symbols.FuncDecl
	file          string
	sum           *Summary
	facts         map[string]core.LabelSet
	cleansed      map[string]core.LabelSet
	cleansedCalls map[*schemas.Node]core.LabelSet
	seenCalls     map[core.Location]bool
	returnLabels  core.LabelSet
}

func (w *walkState) loc(n *schemas.Node) core.Location {
	return core.LocationOf(w.file, n.Span)
}

func (w *walkState) walkNode(n *schemas.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case schemas.KindModule, schemas.KindBlock, schemas.KindUnknown:
		// unknown statements still carry their children; walking them keeps
		// assignments and calls inside unmodeled constructs visible
		for _, c := range n.Children {
			w.walkNode(c)
		}
	case schemas.KindAssign:
		w.walkAssign(n)
	case schemas.KindConditional:
		w.walkConditional(n)
	case schemas.KindLoop:
		w.walkLoop(n)
	case schemas.KindReturn:
		if v := n.Child(0); v != nil {
			w.returnLabels = w.returnLabels.Union(w.evalExpr(v))
		}
	case schemas.KindFunction, schemas.KindImport:
		// declarations get their own summaries; imports were bound by the
		// resolver up front
	default:
		w.evalExpr(n)
	}
}

func (w *walkState) walkAssign(n *schemas.Node) {
	target := n.Child(0)
	rhs := w.evalExpr(n.Child(1))
	if target == nil {
		return
	}

	// writes into dangerous slots (element.innerHTML = v) are sinks too
	if target.Kind == schemas.KindMember {
		if path, ok := flattenPath(target); ok {
			if kind, name, ok := w.m.Sink(path); ok {
				w.recordSink(kind, name, w.loc(target), []core.LabelSet{rhs}, []*schemas.Node{n.Child(1)}, false)
			}
		}
	}

	switch target.Kind {
	case schemas.KindIdent:
		// strong update: the old value is gone
		if rhs.IsTainted() {
			w.facts[target.Text] = rhs
			delete(w.cleansed, target.Text)
			return
		}
		delete(w.facts, target.Text)
		if washed := w.cleansedOf(n.Child(1)); washed.IsTainted() {
			w.cleansed[target.Text] = washed
		} else {
			delete(w.cleansed, target.Text)
		}
	case schemas.KindMember, schemas.KindIndex:
		// weak update: the container may hold other values too
		if rhs.IsTainted() {
			if base := rootIdent(target); base != "" {
				w.facts[base] = w.facts[base].Union(rhs)
			}
		}
	default:
		// destructuring and anything else we cannot name precisely:
		// taint every bound symbol underneath
		if rhs.IsTainted() {
			for _, name := range identsUnder(target) {
				w.facts[name] = w.facts[name].Union(rhs)
			}
		}
	}
}

func (w *walkState) walkConditional(n *schemas.Node) {
	w.evalExpr(n.Child(0))

	origFacts, origCleansed := w.facts, w.cleansed
	w.facts, w.cleansed = snapshot(origFacts), snapshot(origCleansed)
	w.walkNode(n.Child(1))
	thenFacts, thenCleansed := w.facts, w.cleansed

	w.facts, w.cleansed = origFacts, origCleansed
	if els := n.Child(2); els != nil {
		w.walkNode(els)
	}

	// join: a symbol keeps a label if any path could have given it one
	w.facts = mergeFacts(thenFacts, w.facts)
	w.cleansed = mergeFacts(thenCleansed, w.cleansed)
}

// walkLoop re-runs the loop until the facts stabilize, bounded by the
// configured pass cap. Each pass joins with the pre-pass state so the
// zero-iteration path is always included.
func (w *walkState) walkLoop(n *schemas.Node) {
	for pass := 0; pass < w.b.loopPasses; pass++ {
		beforeFacts := snapshot(w.facts)
		beforeCleansed := snapshot(w.cleansed)
		for _, c := range n.Children {
			w.walkNode(c)
		}
		w.facts = mergeFacts(beforeFacts, w.facts)
		w.cleansed = mergeFacts(beforeCleansed, w.cleansed)
		if factsEqual(beforeFacts, w.facts) {
			break
		}
	}
}

func (w *walkState) evalExpr(n *schemas.Node) core.LabelSet {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case schemas.KindIdent:
		return w.facts[n.Text]
	case schemas.KindLiteral, schemas.KindFunction:
		return nil
	case schemas.KindCall:
		return w.evalCall(n)
	case schemas.KindMember:
		return w.evalMember(n)
	case schemas.KindIndex:
		return w.evalExpr(n.Child(0)).Union(w.evalExpr(n.Child(1)))
	default:
		var out core.LabelSet
		for _, c := range n.Children {
			out = out.Union(w.evalExpr(c))
		}
		return out
	}
}

// evalMember reads a property. Property reads matching a source pattern
// (request.args, location.hash) introduce a fresh label at the read site.
func (w *walkState) evalMember(n *schemas.Node) core.LabelSet {
	base := w.evalExpr(n.Child(0))
	if path, ok := flattenPath(n); ok {
		if cat, ok := w.m.Source(path); ok {
			return base.Union(core.NewLabelSet(core.SourceLabel(cat, w.loc(n))))
		}
	}
	return base
}

// evalCall handles the four things a call can be, in precedence order:
// a configured source, a configured sanitizer, a configured sink, or a
// call to other code (resolved, or unresolvable and treated
// conservatively).
func (w *walkState) evalCall(n *schemas.Node) core.LabelSet {
	callee := n.Child(0)
	var args []*schemas.Node
	if len(n.Children) > 1 {
		args = n.Children[1:]
	}
	argLabels := make([]core.LabelSet, len(args))
	for i, a := range args {
		argLabels[i] = w.evalExpr(a)
	}
	loc := w.loc(n)

	path, pathOK := flattenPath(callee)
	if pathOK {
		if cat, ok := w.m.Source(path); ok {
			out := core.NewLabelSet(core.SourceLabel(cat, loc))
			for _, al := range argLabels {
				out = out.Union(al)
			}
			return out
		}
		if w.m.Sanitizer(path) {
			var washed core.LabelSet
			for _, al := range argLabels {
				washed = washed.Union(al)
			}
			if washed.IsTainted() {
				w.cleansedCalls[n] = washed
			}
			return nil
		}
		if kind, name, ok := w.m.Sink(path); ok {
			w.recordSink(kind, name, loc, argLabels, args, false)
			return unionAll(argLabels)
		}

		res := w.b.resolver.ResolveCall(w.decl.ID, path)
		if !w.seenCalls[loc] {
			w.seenCalls[loc] = true
			site := CallSite{Caller: w.decl.ID, Path: path, Loc: loc, Opaque: res.Opaque}
			for _, cand := range res.Candidates {
				site.Targets = append(site.Targets, cand.ID)
			}
			w.sum.Calls = append(w.sum.Calls, site)
		}

		if res.Resolved() {
			var out core.LabelSet
			for _, cand := range res.Candidates {
				out = out.Union(w.applySummary(cand, loc, argLabels, res.Ambiguous))
			}
			return out
		}
		// the callee is code the scan cannot see: an opaque import, an
		// undeclared name, or a method on a local value. Assume the
		// arguments may reach any sink kind the language declares, and
		// taint the result.
		return w.unknownCallee(callee, strings.Join(path, "."), loc, argLabels, args)
	}

	// a callee with no stable name (dynamic dispatch through a value)
	// gets the same conservative treatment
	return w.unknownCallee(callee, "<dynamic>", loc, argLabels, args)
}

// unknownCallee applies the unresolvable-call policy: every declared sink
// kind is recorded against the tainted arguments at low confidence, the
// arguments flow to the result, and a method receiver absorbs whatever
// was passed in.
func (w *walkState) unknownCallee(callee *schemas.Node, name string, loc core.Location, argLabels []core.LabelSet, args []*schemas.Node) core.LabelSet {
	for _, kind := range w.m.Kinds() {
		w.recordSink(kind, name, loc, argLabels, args, true)
	}
	out := unionAll(argLabels)
	if callee != nil && callee.Kind == schemas.KindMember && out.IsTainted() {
		if base := rootIdent(callee.Child(0)); base != "" {
			w.facts[base] = w.facts[base].Union(out)
		}
	}
	return out
}

// applySummary folds a resolved callee's summary into the caller: bound
// argument labels flow to the return value and into the callee's recorded
// sink routes, each route extended with the call-boundary hop.
func (w *walkState) applySummary(cand *symbols.FuncDecl, callLoc core.Location, argLabels []core.LabelSet, ambiguous bool) core.LabelSet {
	sum := w.b.summaries.Lookup(cand.ID)
	if sum == nil {
		return nil
	}
	out := sum.ReturnLabels
	for i := range argLabels {
		if i < len(sum.ParamToReturn) && sum.ParamToReturn[i] {
			out = out.Union(argLabels[i])
		}
	}
	for _, h := range sum.SortedHits() {
		for _, p := range sortedParams(h.ParamsIn) {
			if p >= len(argLabels) || !argLabels[p].IsTainted() {
				continue
			}
			bound := "?"
			if p < len(cand.Params) {
				bound = cand.Params[p]
			}
			hit := &SinkHit{
				Kind:      h.Kind,
				Sink:      h.Sink,
				SinkName:  h.SinkName,
				ParamsIn:  make(map[int]bool),
				Ambiguous: h.Ambiguous || ambiguous,
				Unknown:   h.Unknown,
				Path:      append([]Step{{Loc: callLoc, Symbol: bound}}, h.Path...),
			}
			for l := range argLabels[p] {
				if l.IsParam() {
					hit.ParamsIn[l.Param] = true
				} else {
					hit.Labels.Add(l)
				}
			}
			w.sum.addHit(hit)
		}
	}
	return out
}

// recordSink checks the union of the argument labels against the sink. A
// clean sink whose arguments were sanitized is counted as suppressed so
// the scan can report how much the sanitizers earned.
func (w *walkState) recordSink(kind schemas.SinkKind, name string, loc core.Location, argLabels []core.LabelSet, args []*schemas.Node, unknown bool) {
	all := unionAll(argLabels)
	if !all.IsTainted() {
		for _, a := range args {
			if w.cleansedOf(a).IsTainted() {
				w.sum.markSuppressed(loc)
				break
			}
		}
		return
	}
	hit := &SinkHit{
		Kind:     kind,
		Sink:     loc,
		SinkName: name,
		ParamsIn: make(map[int]bool),
		Unknown:  unknown,
		Path:     []Step{{Loc: loc, Symbol: name}},
	}
	for l := range all {
		if l.IsParam() {
			hit.ParamsIn[l.Param] = true
		} else {
			hit.Labels.Add(l)
		}
	}
	w.sum.addHit(hit)
}

// cleansedOf reports the labels sanitizers stripped from an expression.
// Pure: it reads the shadow maps the walk already filled in.
func (w *walkState) cleansedOf(n *schemas.Node) core.LabelSet {
	if n == nil {
		return nil
	}
	if n.Kind == schemas.KindIdent {
		return w.cleansed[n.Text]
	}
	out := w.cleansedCalls[n]
	for _, c := range n.Children {
		out = out.Union(w.cleansedOf(c))
	}
	return out
}

// flattenPath renders an ident/member chain as a qualified name. Chains
// interrupted by calls, subscripts or literals cannot be named.
func flattenPath(n *schemas.Node) ([]string, bool) {
	if n == nil {
		return nil, false
	}
	switch n.Kind {
	case schemas.KindIdent:
		if n.Text == "" {
			return nil, false
		}
		return []string{n.Text}, true
	case schemas.KindMember:
		// the attribute name is the node's own text; the object is the
		// only child
		if n.Text == "" {
			return nil, false
		}
		base, ok := flattenPath(n.Child(0))
		if !ok {
			return nil, false
		}
		return append(base, n.Text), true
	default:
		return nil, false
	}
}

// rootIdent finds the symbol a member/index chain hangs off, or "".
func rootIdent(n *schemas.Node) string {
	for n != nil {
		switch n.Kind {
		case schemas.KindIdent:
			return n.Text
		case schemas.KindMember, schemas.KindIndex:
			n = n.Child(0)
		default:
			return ""
		}
	}
	return ""
}

func identsUnder(n *schemas.Node) []string {
	if n == nil {
		return nil
	}
	if n.Kind == schemas.KindIdent {
		if n.Text == "" {
			return nil
		}
		return []string{n.Text}
	}
	var out []string
	for _, c := range n.Children {
		out = append(out, identsUnder(c)...)
	}
	return out
}

func unionAll(sets []core.LabelSet) core.LabelSet {
	var out core.LabelSet
	for _, s := range sets {
		out = out.Union(s)
	}
	return out
}

func sortedParams(params map[int]bool) []int {
	out := make([]int, 0, len(params))
	for p := range params {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func snapshot(m map[string]core.LabelSet) map[string]core.LabelSet {
	out := make(map[string]core.LabelSet, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// mergeFacts joins two states per symbol. Empty sets are dropped so state
// maps never carry clean entries.
func mergeFacts(a, b map[string]core.LabelSet) map[string]core.LabelSet {
	out := make(map[string]core.LabelSet, len(a)+len(b))
	for k, v := range a {
		if v.IsTainted() {
			out[k] = v
		}
	}
	for k, v := range b {
		if v.IsTainted() {
			out[k] = out[k].Union(v)
		}
	}
	return out
}

func factsEqual(a, b map[string]core.LabelSet) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if !v.Equal(b[k]) {
			return false
		}
	}
	return true
}
