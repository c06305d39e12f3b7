package flow

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/vulnpredict/vulnflow/api/schemas"
	b "github.com/vulnpredict/vulnflow/internal/analysis/astbuild"
	"github.com/vulnpredict/vulnflow/internal/analysis/core"
	"github.com/vulnpredict/vulnflow/internal/analysis/symbols"
	"github.com/vulnpredict/vulnflow/internal/rules"
)

type summaryMap map[symbols.FuncID]*Summary

func (m summaryMap) Lookup(id symbols.FuncID) *Summary { return m[id] }

func testRules(t *testing.T) *rules.CompiledRules {
	t.Helper()
	rs := &rules.Ruleset{Languages: map[schemas.Language]*rules.LanguageRules{
		schemas.LangPython: {
			Sources: []rules.SourceRule{
				{Pattern: "input", Category: schemas.SourceUserInput},
				{Pattern: "request.args", Category: schemas.SourceUserInput},
			},
			Sinks: []rules.SinkRule{
				{Pattern: "exec", Kind: schemas.SinkCodeExecution},
				{Pattern: "execute", Kind: schemas.SinkQueryExecution},
			},
			Sanitizers: []string{"escape"},
		},
		schemas.LangJavaScript: {
			Sources: []rules.SourceRule{
				{Pattern: "location.hash", Category: schemas.SourceUserInput},
			},
			Sinks: []rules.SinkRule{
				{Pattern: "innerHTML", Kind: schemas.SinkMarkupWrite},
			},
		},
	}}
	compiled, err := rs.Compile()
	if err != nil {
		t.Fatalf("compile test rules: %v", err)
	}
	return compiled
}

func summarize(t *testing.T, prog *symbols.Program, id symbols.FuncID, lang schemas.Language, sums SummarySource, passes int) *Summary {
	t.Helper()
	decl, ok := prog.Lookup(id)
	if !ok {
		t.Fatalf("function %s not declared", id)
	}
	if sums == nil {
		sums = summaryMap{}
	}
	builder := NewBuilder(testRules(t), prog, sums, passes, zaptest.NewLogger(t))
	return builder.BuildSummary(decl, lang)
}

func summarizeFile(t *testing.T, f *schemas.FileAST, name string, sums SummarySource, passes int) *Summary {
	t.Helper()
	prog := symbols.Resolve([]*schemas.FileAST{f}, zaptest.NewLogger(t))
	return summarize(t, prog, symbols.FuncID{File: f.Path, Name: name}, f.Language, sums, passes)
}

func onlyHit(t *testing.T, sum *Summary) *SinkHit {
	t.Helper()
	if len(sum.Hits) != 1 {
		t.Fatalf("want exactly one hit, got %d: %+v", len(sum.Hits), sum.Hits)
	}
	for _, h := range sum.Hits {
		return h
	}
	return nil
}

func TestTaintFlowsThroughAssignments(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("x"), b.At(2, 5, b.Call(b.Ident("input")))),
		b.Assign(b.Ident("y"), b.Ident("x")),
		b.At(4, 1, b.Call(b.Ident("exec"), b.Ident("y"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)

	hit := onlyHit(t, sum)
	if hit.Kind != schemas.SinkCodeExecution {
		t.Errorf("kind = %s, want code-execution", hit.Kind)
	}
	if hit.Sink != (core.Location{File: "app.py", Line: 4, Col: 1}) {
		t.Errorf("sink location = %s", hit.Sink)
	}
	want := core.SourceLabel(schemas.SourceUserInput, core.Location{File: "app.py", Line: 2, Col: 5})
	if _, ok := hit.Labels[want]; !ok {
		t.Errorf("hit labels = %s, want source at app.py:2:5", hit.Labels)
	}
	if len(hit.ParamsIn) != 0 || hit.Unknown {
		t.Errorf("module-level hit should be unconditional and known: %+v", hit)
	}
	if len(hit.Path) != 1 || hit.Path[0].Symbol != "exec" {
		t.Errorf("path = %+v, want single sink hop", hit.Path)
	}
}

func TestSinkInsideCallArgument(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.At(2, 1, b.Call(b.Ident("exec"), b.At(2, 6, b.Call(b.Ident("input"))))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)
	hit := onlyHit(t, sum)
	if !hit.Labels.IsTainted() {
		t.Error("nested source argument should taint the sink directly")
	}
}

func TestStrongUpdateClearsTaint(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("x"), b.At(2, 5, b.Call(b.Ident("input")))),
		b.Assign(b.Ident("x"), b.Lit("safe")),
		b.At(4, 1, b.Call(b.Ident("exec"), b.Ident("x"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)
	if len(sum.Hits) != 0 {
		t.Errorf("reassigned symbol should be clean, got hits %+v", sum.Hits)
	}
	if sum.SuppressedCount() != 0 {
		t.Errorf("plain reassignment is not sanitization, suppressed = %d", sum.SuppressedCount())
	}
}

func TestWeakUpdateOnFieldWrite(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("cfg"), b.Lit("{}")),
		b.Assign(b.Member(b.Ident("cfg"), "cmd"), b.At(3, 11, b.Call(b.Ident("input")))),
		b.At(4, 1, b.Call(b.Ident("exec"), b.Member(b.Ident("cfg"), "cmd"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)
	if len(sum.Hits) != 1 {
		t.Fatalf("field write should taint the container, hits = %d", len(sum.Hits))
	}
}

func TestBranchStatesUnion(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.If(b.Ident("cond"),
			b.Block(b.Assign(b.Ident("x"), b.At(3, 9, b.Call(b.Ident("input"))))),
			b.Block(b.Assign(b.Ident("x"), b.Lit("ok"))),
		),
		b.At(6, 1, b.Call(b.Ident("exec"), b.Ident("x"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)
	if len(sum.Hits) != 1 {
		t.Fatalf("taint from one branch must survive the join, hits = %d", len(sum.Hits))
	}
}

func TestSanitizerOnAllPathsSuppresses(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("x"), b.At(2, 5, b.Call(b.Ident("input")))),
		b.If(b.Ident("cond"),
			b.Block(b.Assign(b.Ident("x"), b.Call(b.Ident("escape"), b.Ident("x")))),
			b.Block(b.Assign(b.Ident("x"), b.Call(b.Ident("escape"), b.Ident("x")))),
		),
		b.At(7, 1, b.Call(b.Ident("exec"), b.Ident("x"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)
	if len(sum.Hits) != 0 {
		t.Errorf("fully sanitized value must not alarm, hits = %+v", sum.Hits)
	}
	if sum.SuppressedCount() != 1 {
		t.Errorf("suppressed = %d, want 1", sum.SuppressedCount())
	}
}

func TestSanitizerOnOnePathStillFlags(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("x"), b.At(2, 5, b.Call(b.Ident("input")))),
		b.If(b.Ident("cond"),
			b.Block(b.Assign(b.Ident("x"), b.Call(b.Ident("escape"), b.Ident("x")))),
			nil,
		),
		b.At(5, 1, b.Call(b.Ident("exec"), b.Ident("x"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)
	if len(sum.Hits) != 1 {
		t.Fatalf("partially sanitized value must still alarm, hits = %d", len(sum.Hits))
	}
	if sum.SuppressedCount() != 0 {
		t.Errorf("a flagged sink is not suppressed, suppressed = %d", sum.SuppressedCount())
	}
}

func TestLoopCarriedTaintNeedsSecondPass(t *testing.T) {
	t.Parallel()

	file := func() *schemas.FileAST {
		return b.File("app.py", schemas.LangPython,
			b.Assign(b.Ident("x"), b.At(2, 5, b.Call(b.Ident("input")))),
			b.Loop(
				b.Assign(b.Ident("buf"), b.Ident("acc")),
				b.Assign(b.Ident("acc"), b.Ident("x")),
			),
			b.At(6, 1, b.Call(b.Ident("exec"), b.Ident("buf"))),
		)
	}

	sum := summarizeFile(t, file(), symbols.ModuleFunc, nil, 2)
	if len(sum.Hits) != 1 {
		t.Errorf("two passes should carry taint across the loop back edge, hits = %d", len(sum.Hits))
	}

	sum = summarizeFile(t, file(), symbols.ModuleFunc, nil, 1)
	if len(sum.Hits) != 0 {
		t.Errorf("a single pass cannot see the back edge, hits = %d", len(sum.Hits))
	}
}

func TestLoopStabilizesEarly(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("x"), b.At(2, 5, b.Call(b.Ident("input")))),
		b.Loop(b.Assign(b.Ident("y"), b.Ident("x"))),
		b.At(5, 1, b.Call(b.Ident("exec"), b.Ident("y"))),
	)
	// a generous cap must not change the result once the state stabilizes
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 50)
	if len(sum.Hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(sum.Hits))
	}
}

func TestParamsProjectIntoSummary(t *testing.T) {
	t.Parallel()

	f := b.File("lib.py", schemas.LangPython,
		b.Func("run", []string{"cmd", "tag"},
			b.At(2, 3, b.Call(b.Ident("exec"), b.Ident("cmd"))),
			b.Ret(b.Ident("tag")),
		),
	)
	sum := summarizeFile(t, f, "run", nil, 0)

	hit := onlyHit(t, sum)
	if !hit.ParamsIn[0] || hit.ParamsIn[1] {
		t.Errorf("params in = %v, want only param 0", hit.ParamsIn)
	}
	if hit.Labels.IsTainted() {
		t.Errorf("parameter-conditional hit carries no real labels, got %s", hit.Labels)
	}
	if !sum.ParamReachesSink(0, schemas.SinkCodeExecution) {
		t.Error("ParamReachesSink(0, code-execution) = false")
	}
	if sum.ParamReachesSink(1, schemas.SinkCodeExecution) {
		t.Error("ParamReachesSink(1, code-execution) = true")
	}
	if len(sum.ParamToReturn) != 2 || sum.ParamToReturn[0] || !sum.ParamToReturn[1] {
		t.Errorf("ParamToReturn = %v, want [false true]", sum.ParamToReturn)
	}
	if sum.TaintsReturn() {
		t.Error("no real source reaches the return")
	}
}

func TestCallChainBuildsEvidencePath(t *testing.T) {
	t.Parallel()

	f := b.File("lib.py", schemas.LangPython,
		b.Func("inner", []string{"v"},
			b.At(2, 3, b.Call(b.Ident("exec"), b.Ident("v")))),
		b.Func("outer", []string{"u"},
			b.At(5, 3, b.Call(b.Ident("inner"), b.Ident("u")))),
		b.Assign(b.Ident("x"), b.At(7, 5, b.Call(b.Ident("input")))),
		b.At(8, 1, b.Call(b.Ident("outer"), b.Ident("x"))),
	)
	prog := symbols.Resolve([]*schemas.FileAST{f}, zaptest.NewLogger(t))

	store := summaryMap{}
	innerID := symbols.FuncID{File: "lib.py", Name: "inner"}
	outerID := symbols.FuncID{File: "lib.py", Name: "outer"}
	moduleID := symbols.FuncID{File: "lib.py", Name: symbols.ModuleFunc}

	store[innerID] = summarize(t, prog, innerID, f.Language, store, 0)
	store[outerID] = summarize(t, prog, outerID, f.Language, store, 0)

	outerHit := onlyHit(t, store[outerID])
	if len(outerHit.Path) != 2 || outerHit.Path[0].Symbol != "v" {
		t.Fatalf("outer path = %+v, want boundary hop into inner then sink", outerHit.Path)
	}
	if !outerHit.ParamsIn[0] {
		t.Fatalf("outer hit should be conditional on param 0: %+v", outerHit)
	}

	modSum := summarize(t, prog, moduleID, f.Language, store, 0)
	hit := onlyHit(t, modSum)
	if !hit.Labels.IsTainted() {
		t.Fatal("module-level hit must carry the real source label")
	}
	if hit.Sink != (core.Location{File: "lib.py", Line: 2, Col: 3}) {
		t.Errorf("sink = %s, want lib.py:2:3", hit.Sink)
	}
	if len(hit.Path) != 3 {
		t.Fatalf("path length = %d, want 3 hops", len(hit.Path))
	}
	if hit.Path[0].Symbol != "u" || hit.Path[1].Symbol != "v" || hit.Path[2].Symbol != "exec" {
		t.Errorf("path symbols = %q %q %q", hit.Path[0].Symbol, hit.Path[1].Symbol, hit.Path[2].Symbol)
	}
	if hit.Path[0].Loc != (core.Location{File: "lib.py", Line: 8, Col: 1}) {
		t.Errorf("first hop = %s, want the outer call site", hit.Path[0].Loc)
	}
}

func TestRecomputationGrowsMonotonically(t *testing.T) {
	t.Parallel()

	f := b.File("lib.py", schemas.LangPython,
		b.Func("inner", []string{"v"},
			b.At(2, 3, b.Call(b.Ident("exec"), b.Ident("v")))),
		b.Func("outer", []string{"u"},
			b.At(5, 3, b.Call(b.Ident("inner"), b.Ident("u")))),
	)
	prog := symbols.Resolve([]*schemas.FileAST{f}, zaptest.NewLogger(t))
	innerID := symbols.FuncID{File: "lib.py", Name: "inner"}
	outerID := symbols.FuncID{File: "lib.py", Name: "outer"}

	before := summarize(t, prog, outerID, f.Language, summaryMap{}, 0)

	store := summaryMap{innerID: summarize(t, prog, innerID, f.Language, summaryMap{}, 0)}
	after := summarize(t, prog, outerID, f.Language, store, 0)

	if !after.Covers(before) {
		t.Error("recomputation with a richer store must cover the earlier summary")
	}
	if before.Covers(after) {
		t.Error("the richer summary should carry strictly more")
	}
	if after.Equal(before) {
		t.Error("Equal must notice the new hit")
	}

	again := summarize(t, prog, outerID, f.Language, store, 0)
	if !again.Equal(after) {
		t.Error("same inputs must reproduce the same summary")
	}
}

func TestOpaqueImportTreatedConservatively(t *testing.T) {
	t.Parallel()

	f := b.File("svc.py", schemas.LangPython,
		b.ImportModule("vendorlib", "vendorlib"),
		b.Assign(b.Ident("x"), b.At(3, 5, b.Call(b.Ident("input")))),
		b.Assign(b.Ident("y"), b.At(4, 5, b.Call(b.Member(b.Ident("vendorlib"), "process"), b.Ident("x")))),
		b.At(5, 1, b.Call(b.Ident("exec"), b.Ident("y"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)

	// one potential hit per declared sink kind at the opaque call, plus
	// the real sink fed by the flowed-through result
	if len(sum.Hits) != 3 {
		t.Fatalf("hits = %d, want 3: %+v", len(sum.Hits), sum.Hits)
	}
	opaqueLoc := core.Location{File: "svc.py", Line: 4, Col: 5}
	var unknowns, knowns int
	for _, h := range sum.Hits {
		if h.Unknown {
			unknowns++
			if h.Sink != opaqueLoc {
				t.Errorf("unknown hit at %s, want the opaque call site", h.Sink)
			}
			if h.SinkName != "vendorlib.process" {
				t.Errorf("unknown hit name = %q", h.SinkName)
			}
		} else {
			knowns++
			if h.Kind != schemas.SinkCodeExecution {
				t.Errorf("known hit kind = %s", h.Kind)
			}
		}
	}
	if unknowns != 2 || knowns != 1 {
		t.Errorf("unknown/known = %d/%d, want 2/1", unknowns, knowns)
	}
}

func TestUndeclaredBareCallTreatedConservatively(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("x"), b.At(2, 5, b.Call(b.Ident("input")))),
		b.Assign(b.Ident("y"), b.At(3, 5, b.Call(b.Ident("transform"), b.Ident("x")))),
		b.At(4, 1, b.Call(b.Ident("exec"), b.Ident("y"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)

	// two potential hits at the undeclared call (one per declared sink
	// kind), plus the real sink fed by the flowed-through result
	if len(sum.Hits) != 3 {
		t.Fatalf("hits = %d, want 3: %+v", len(sum.Hits), sum.Hits)
	}
	callLoc := core.Location{File: "app.py", Line: 3, Col: 5}
	var unknowns, knowns int
	for _, h := range sum.Hits {
		if h.Unknown {
			unknowns++
			if h.Sink != callLoc {
				t.Errorf("unknown hit at %s, want the undeclared call site", h.Sink)
			}
			if h.SinkName != "transform" {
				t.Errorf("unknown hit name = %q", h.SinkName)
			}
		} else {
			knowns++
			if h.Sink != (core.Location{File: "app.py", Line: 4, Col: 1}) {
				t.Errorf("known sink = %s, taint should flow through the undeclared call", h.Sink)
			}
		}
	}
	if unknowns != 2 || knowns != 1 {
		t.Errorf("unknown/known = %d/%d, want 2/1", unknowns, knowns)
	}
}

func TestLocalMethodCallTreatedConservatively(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("parts"), b.Lit("[]")),
		b.At(3, 1, b.Call(b.Member(b.Ident("parts"), "append"), b.At(3, 14, b.Call(b.Ident("input"))))),
		b.At(4, 1, b.Call(b.Ident("exec"), b.Ident("parts"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)

	// the unresolvable method gets the unknown-callee hits, and the
	// receiver absorbs the tainted argument so the later sink still fires
	if len(sum.Hits) != 3 {
		t.Fatalf("hits = %d, want 3: %+v", len(sum.Hits), sum.Hits)
	}
	var unknowns int
	sawReceiverSink := false
	for _, h := range sum.Hits {
		if h.Unknown {
			unknowns++
			if h.SinkName != "parts.append" {
				t.Errorf("unknown hit name = %q", h.SinkName)
			}
			continue
		}
		if h.Sink == (core.Location{File: "app.py", Line: 4, Col: 1}) {
			sawReceiverSink = true
		}
	}
	if unknowns != 2 {
		t.Errorf("unknowns = %d, want one per declared sink kind", unknowns)
	}
	if !sawReceiverSink {
		t.Error("appending taint should taint the receiver")
	}
}

func TestPropertyReadMatchesSource(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Assign(b.Ident("q"), b.At(2, 5, b.Member(b.Ident("request"), "args"))),
		b.At(3, 1, b.Call(b.Ident("exec"), b.Ident("q"))),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)

	hit := onlyHit(t, sum)
	want := core.SourceLabel(schemas.SourceUserInput, core.Location{File: "app.py", Line: 2, Col: 5})
	if _, ok := hit.Labels[want]; !ok {
		t.Errorf("labels = %s, want property-read source at app.py:2:5", hit.Labels)
	}
}

func TestPropertyWriteMatchesSink(t *testing.T) {
	t.Parallel()

	f := b.File("page.js", schemas.LangJavaScript,
		b.Assign(b.Ident("h"), b.At(2, 9, b.Member(b.Ident("location"), "hash"))),
		b.Assign(b.At(3, 1, b.Member(b.Ident("el"), "innerHTML")), b.Ident("h")),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 0)

	hit := onlyHit(t, sum)
	if hit.Kind != schemas.SinkMarkupWrite {
		t.Errorf("kind = %s, want markup-write", hit.Kind)
	}
	if hit.Sink != (core.Location{File: "page.js", Line: 3, Col: 1}) {
		t.Errorf("sink = %s, want the property-write site", hit.Sink)
	}
	if hit.SinkName != "innerHTML" {
		t.Errorf("sink name = %q", hit.SinkName)
	}
}

func TestAmbiguousStarImportMarksHits(t *testing.T) {
	t.Parallel()

	libA := b.File("lib_a.py", schemas.LangPython,
		b.Func("handle", []string{"d"},
			b.At(2, 3, b.Call(b.Ident("exec"), b.Ident("d")))),
	)
	libB := b.File("lib_b.py", schemas.LangPython,
		b.Func("handle", []string{"d"},
			b.At(2, 3, b.Call(b.Ident("execute"), b.Ident("d")))),
	)
	app := b.File("app.py", schemas.LangPython,
		b.ImportStar("lib_a"),
		b.ImportStar("lib_b"),
		b.Assign(b.Ident("x"), b.At(4, 5, b.Call(b.Ident("input")))),
		b.At(5, 1, b.Call(b.Ident("handle"), b.Ident("x"))),
	)
	prog := symbols.Resolve([]*schemas.FileAST{libA, libB, app}, zaptest.NewLogger(t))

	store := summaryMap{}
	for _, id := range []symbols.FuncID{
		{File: "lib_a.py", Name: "handle"},
		{File: "lib_b.py", Name: "handle"},
	} {
		store[id] = summarize(t, prog, id, schemas.LangPython, store, 0)
	}

	modSum := summarize(t, prog, symbols.FuncID{File: "app.py", Name: symbols.ModuleFunc}, schemas.LangPython, store, 0)
	if len(modSum.Hits) != 2 {
		t.Fatalf("hits = %d, want one per candidate", len(modSum.Hits))
	}
	for _, h := range modSum.Hits {
		if !h.Ambiguous {
			t.Errorf("hit %s should be marked ambiguous", h.Sink)
		}
		if !h.Labels.IsTainted() {
			t.Errorf("hit %s should carry the source label", h.Sink)
		}
	}
}

func TestCallSitesRecordedOnce(t *testing.T) {
	t.Parallel()

	f := b.File("app.py", schemas.LangPython,
		b.Func("helper", nil, b.Ret(b.Lit("1"))),
		b.Loop(
			b.At(4, 3, b.Call(b.Ident("helper"))),
		),
	)
	sum := summarizeFile(t, f, symbols.ModuleFunc, nil, 3)
	if len(sum.Calls) != 1 {
		t.Fatalf("calls = %d, loop passes must not duplicate sites", len(sum.Calls))
	}
	site := sum.Calls[0]
	if site.Opaque || len(site.Targets) != 1 {
		t.Errorf("site = %+v, want one resolved target", site)
	}
	if site.Targets[0] != (symbols.FuncID{File: "app.py", Name: "helper"}) {
		t.Errorf("target = %s", site.Targets[0])
	}
}
