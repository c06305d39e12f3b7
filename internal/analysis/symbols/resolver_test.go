package symbols

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/vulnpredict/vulnflow/api/schemas"
	b "github.com/vulnpredict/vulnflow/internal/analysis/astbuild"
)

func TestFileTableCollectsDeclarations(t *testing.T) {
	t.Parallel()

	file := b.File("app.py", schemas.LangPython,
		b.ImportModule("os", "os"),
		b.ImportSymbol("utils", "helper", "helper"),
		b.Func("handler", []string{"req", "resp"},
			b.Func("inner", nil,
				b.Ret(b.Lit("1")),
			),
		),
		b.Assign(b.Ident("cb"), b.Func("", []string{"x"}, b.Ret(b.Ident("x")))),
	)

	p := Resolve([]*schemas.FileAST{file}, zaptest.NewLogger(t))
	table := p.Files["app.py"]
	if table == nil {
		t.Fatal("file table missing")
	}

	// Module function, handler, handler.inner, cb.
	if len(table.Functions) != 4 {
		t.Fatalf("expected 4 functions, got %d: %v", len(table.Functions), table.Order)
	}

	handler := table.Functions["handler"]
	if handler == nil {
		t.Fatal("handler not registered")
	}
	if len(handler.Params) != 2 || handler.Params[0] != "req" || handler.Params[1] != "resp" {
		t.Errorf("unexpected params: %v", handler.Params)
	}
	if handler.Body == nil || handler.Body.Kind != schemas.KindBlock {
		t.Error("handler body must be the block child")
	}

	if table.Functions["handler.inner"] == nil {
		t.Error("nested function not registered under qualified name")
	}
	if table.Functions["cb"] == nil {
		t.Error("assigned function literal not registered under target name")
	}

	if _, ok := table.Imports["os"]; !ok {
		t.Error("module import binding missing")
	}
	ref, ok := table.Imports["helper"]
	if !ok || ref.Symbol != "helper" || ref.Module != "utils" {
		t.Errorf("symbol import binding wrong: %+v", ref)
	}
}

func TestResolveCallScopeOrder(t *testing.T) {
	t.Parallel()

	file := b.File("app.py", schemas.LangPython,
		b.Func("work", nil, b.Ret(b.Lit("0"))),
		b.Func("outer", nil,
			b.Func("work", nil, b.Ret(b.Lit("1"))),
			b.Call(b.Ident("work")),
		),
	)
	p := Resolve([]*schemas.FileAST{file}, zaptest.NewLogger(t))

	// From inside outer, the nested work shadows the module level one.
	res := p.ResolveCall(FuncID{File: "app.py", Name: "outer"}, []string{"work"})
	if !res.Resolved() || len(res.Candidates) != 1 {
		t.Fatalf("expected one candidate, got %+v", res)
	}
	if res.Candidates[0].ID.Name != "outer.work" {
		t.Errorf("scope order broken: resolved to %s", res.Candidates[0].ID.Name)
	}

	// From the module function the outer work wins.
	res = p.ResolveCall(FuncID{File: "app.py", Name: ModuleFunc}, []string{"work"})
	if !res.Resolved() || res.Candidates[0].ID.Name != "work" {
		t.Fatalf("module scope resolution wrong: %+v", res)
	}
}

func TestResolveCallAcrossFiles(t *testing.T) {
	t.Parallel()

	utils := b.File("lib/utils.py", schemas.LangPython,
		b.Func("helper", []string{"v"}, b.Ret(b.Ident("v"))),
	)
	app := b.File("app.py", schemas.LangPython,
		b.ImportSymbol("utils", "helper", "helper"),
		b.ImportModule("utils", "utils"),
	)
	p := Resolve([]*schemas.FileAST{utils, app}, zaptest.NewLogger(t))
	from := FuncID{File: "app.py", Name: ModuleFunc}

	// from utils import helper; helper(x)
	res := p.ResolveCall(from, []string{"helper"})
	if !res.Resolved() {
		t.Fatalf("imported symbol not resolved: %+v", res)
	}
	if got := res.Candidates[0].ID; got.File != "lib/utils.py" || got.Name != "helper" {
		t.Errorf("resolved to wrong declaration: %s", got)
	}

	// import utils; utils.helper(x)
	res = p.ResolveCall(from, []string{"utils", "helper"})
	if !res.Resolved() || res.Candidates[0].ID.File != "lib/utils.py" {
		t.Errorf("qualified module call not resolved: %+v", res)
	}
}

func TestOpaqueImports(t *testing.T) {
	t.Parallel()

	app := b.File("app.py", schemas.LangPython,
		b.ImportModule("blackbox", "blackbox"),
		b.ImportSymbol("missing_mod", "thing", "thing"),
	)
	p := Resolve([]*schemas.FileAST{app}, zaptest.NewLogger(t))
	from := FuncID{File: "app.py", Name: ModuleFunc}

	res := p.ResolveCall(from, []string{"blackbox", "run"})
	if !res.Opaque {
		t.Errorf("attribute call on unresolvable module must be opaque: %+v", res)
	}

	res = p.ResolveCall(from, []string{"thing"})
	if !res.Opaque {
		t.Errorf("call of a symbol from an unresolvable module must be opaque: %+v", res)
	}

	// Undeclared bare names are NOT opaque; taint flows through but no
	// conservative sink treatment applies.
	res = p.ResolveCall(from, []string{"print"})
	if res.Opaque || res.Resolved() {
		t.Errorf("builtin-like name must resolve to nothing, got %+v", res)
	}
}

func TestStarImportAmbiguity(t *testing.T) {
	t.Parallel()

	one := b.File("one.py", schemas.LangPython,
		b.Func("shared", nil, b.Ret(b.Lit("1"))),
	)
	two := b.File("two.py", schemas.LangPython,
		b.Func("shared", nil, b.Ret(b.Lit("2"))),
	)
	app := b.File("app.py", schemas.LangPython,
		b.ImportStar("one"),
		b.ImportStar("two"),
	)
	p := Resolve([]*schemas.FileAST{one, two, app}, zaptest.NewLogger(t))

	res := p.ResolveCall(FuncID{File: "app.py", Name: ModuleFunc}, []string{"shared"})
	if !res.Resolved() || len(res.Candidates) != 2 {
		t.Fatalf("expected both star candidates, got %+v", res)
	}
	if !res.Ambiguous {
		t.Error("two candidates must flag ambiguity")
	}
	// Deterministic candidate order.
	if res.Candidates[0].ID.File != "one.py" || res.Candidates[1].ID.File != "two.py" {
		t.Errorf("candidates out of order: %s, %s", res.Candidates[0].ID, res.Candidates[1].ID)
	}
}

func TestMalformedTreesDegrade(t *testing.T) {
	t.Parallel()

	broken := &schemas.FileAST{Path: "broken.py", Language: schemas.LangPython}
	odd := b.File("odd.py", schemas.LangPython,
		b.Unknown(b.Func("inside", nil, b.Ret(nil))),
	)
	odd.Root.Children = append(odd.Root.Children, nil)

	p := Resolve([]*schemas.FileAST{broken, odd, nil}, zaptest.NewLogger(t))

	if p.Files["broken.py"] == nil {
		t.Fatal("nil-root file must still get a table")
	}
	if len(p.Files["broken.py"].Functions) != 0 {
		t.Error("nil-root file must have no functions")
	}
	// Declarations inside unknown wrappers are still collected.
	if _, ok := p.Lookup(FuncID{File: "odd.py", Name: "inside"}); !ok {
		t.Error("function inside unknown node not collected")
	}
}

func TestFunctionsOrderIsDeterministic(t *testing.T) {
	t.Parallel()

	files := []*schemas.FileAST{
		b.File("b.py", schemas.LangPython, b.Func("beta", nil)),
		b.File("a.py", schemas.LangPython, b.Func("alpha", nil), b.Func("gamma", nil)),
	}
	p := Resolve(files, zaptest.NewLogger(t))

	var first []string
	for _, d := range p.Functions() {
		first = append(first, d.ID.String())
	}
	for run := 0; run < 8; run++ {
		q := Resolve(files, zaptest.NewLogger(t))
		var again []string
		for _, d := range q.Functions() {
			again = append(again, d.ID.String())
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: length changed: %v vs %v", run, again, first)
		}
		for i := range again {
			if again[i] != first[i] {
				t.Fatalf("run %d: order changed at %d: %v vs %v", run, i, again, first)
			}
		}
	}
}
