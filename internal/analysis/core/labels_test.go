package core

import (
	"testing"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

func srcLabel(file string, line int) Label {
	return SourceLabel(schemas.SourceUserInput, Location{File: file, Line: line, Col: 1})
}

func TestLabelSetUnion(t *testing.T) {
	t.Parallel()

	a := NewLabelSet(srcLabel("a.py", 1))
	b := NewLabelSet(srcLabel("b.py", 2))

	merged := a.Union(b)
	if len(merged) != 2 {
		t.Fatalf("expected 2 labels after union, got %d", len(merged))
	}
	// Operands must stay untouched.
	if len(a) != 1 || len(b) != 1 {
		t.Errorf("union mutated an operand: len(a)=%d len(b)=%d", len(a), len(b))
	}

	// Union with an empty side returns the non-empty side unchanged.
	if got := a.Union(nil); !got.Equal(a) {
		t.Errorf("union with nil changed the set: %s", got)
	}
	if got := LabelSet(nil).Union(b); !got.Equal(b) {
		t.Errorf("nil union b = %s, want %s", got, b)
	}
}

func TestLabelSetUnionIsIdempotentAndCommutative(t *testing.T) {
	t.Parallel()

	a := NewLabelSet(srcLabel("a.py", 1), ParamLabel(0))
	b := NewLabelSet(srcLabel("a.py", 1), srcLabel("c.py", 9))

	ab := a.Union(b)
	ba := b.Union(a)
	if !ab.Equal(ba) {
		t.Errorf("union not commutative: %s vs %s", ab, ba)
	}
	if got := ab.Union(ab); !got.Equal(ab) {
		t.Errorf("union not idempotent: %s", got)
	}
	if len(ab) != 3 {
		t.Errorf("expected 3 distinct labels, got %d (%s)", len(ab), ab)
	}
}

func TestLabelSetAbsorbAndClone(t *testing.T) {
	t.Parallel()

	var s LabelSet
	s.Add(ParamLabel(2))
	s.Absorb(NewLabelSet(srcLabel("x.js", 3)))
	if len(s) != 2 {
		t.Fatalf("expected 2 labels, got %d", len(s))
	}

	clone := s.Clone()
	clone.Add(srcLabel("y.js", 4))
	if len(s) != 2 {
		t.Errorf("mutating a clone leaked into the original: %s", s)
	}

	if LabelSet(nil).Clone() != nil {
		t.Error("clone of nil must stay nil")
	}
}

func TestLabelSetPartition(t *testing.T) {
	t.Parallel()

	s := NewLabelSet(ParamLabel(1), ParamLabel(0), srcLabel("a.py", 5))

	params := s.Params()
	if len(params) != 2 || params[0] != 0 || params[1] != 1 {
		t.Errorf("unexpected param indices: %v", params)
	}

	sources := s.Sources()
	if len(sources) != 1 || sources[0].Origin.Line != 5 {
		t.Errorf("unexpected sources: %v", sources)
	}
	if sources[0].IsParam() {
		t.Error("source label must not report as param")
	}
}

func TestLabelSetStringIsDeterministic(t *testing.T) {
	t.Parallel()

	s := NewLabelSet(
		srcLabel("b.py", 2),
		srcLabel("a.py", 1),
		ParamLabel(3),
	)
	want := "param:3|user-input@a.py:1:1|user-input@b.py:2:1"
	for i := 0; i < 16; i++ {
		if got := s.String(); got != want {
			t.Fatalf("iteration %d: got %q, want %q", i, got, want)
		}
	}
	if got := LabelSet(nil).String(); got != "clean" {
		t.Errorf("empty set renders as %q", got)
	}
}

func TestLocationCompare(t *testing.T) {
	t.Parallel()

	a := Location{File: "a.py", Line: 2, Col: 1}
	b := Location{File: "a.py", Line: 2, Col: 9}
	c := Location{File: "b.py", Line: 1, Col: 1}

	if a.Compare(b) >= 0 {
		t.Error("column must break line ties")
	}
	if b.Compare(c) >= 0 {
		t.Error("file must dominate position")
	}
	if a.Compare(a) != 0 {
		t.Error("location must compare equal to itself")
	}
	if a.IsZero() {
		t.Error("populated location reported zero")
	}
	if !(Location{}).IsZero() {
		t.Error("zero location not detected")
	}
}

func TestSpanResolution(t *testing.T) {
	t.Parallel()

	loc := LocationOf("pkg/app.py", schemas.Span{StartLine: 12, StartCol: 5, EndLine: 12, EndCol: 20})
	if loc.String() != "pkg/app.py:12:5" {
		t.Errorf("unexpected location rendering: %s", loc)
	}
}
