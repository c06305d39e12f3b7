package core

import (
	"sort"
	"strings"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

// -- Taint Labels --
//
// A value under analysis carries a set of labels. Real labels point at a
// configured source occurrence; parameter labels are the symbolic taint a
// function's own parameters start with, so a finished walk can attribute
// flows back to parameter positions when the summary is built.

// Label is one unit of taint. Exactly one of the two shapes is used: a
// source label (Param == NoParam, Category and Origin set) or a parameter
// label (Param >= 0, the rest zero).
type Label struct {
	Category schemas.SourceCategory
	Origin   Location
	Param    int
}

// NoParam marks a label as originating from a real source.
const NoParam = -1

// SourceLabel builds the label attached where a configured source is read.
func SourceLabel(category schemas.SourceCategory, origin Location) Label {
	return Label{Category: category, Origin: origin, Param: NoParam}
}

// ParamLabel builds the symbolic label seeded on parameter index i.
func ParamLabel(i int) Label {
	return Label{Param: i}
}

// IsParam reports whether the label is a symbolic parameter label.
func (l Label) IsParam() bool {
	return l.Param >= 0
}

// Compare gives labels a total order: parameter labels first by index,
// then source labels by origin, then category.
func (l Label) Compare(other Label) int {
	if l.IsParam() != other.IsParam() {
		if l.IsParam() {
			return -1
		}
		return 1
	}
	if l.IsParam() {
		return l.Param - other.Param
	}
	if c := l.Origin.Compare(other.Origin); c != 0 {
		return c
	}
	return strings.Compare(string(l.Category), string(other.Category))
}

func (l Label) String() string {
	if l.IsParam() {
		return "param:" + itoa(l.Param)
	}
	return string(l.Category) + "@" + l.Origin.String()
}

// itoa avoids pulling strconv into every call site for tiny indices.
func itoa(i int) string {
	if i >= 0 && i < 10 {
		return string(rune('0' + i))
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// -- Label Sets --

// LabelSet is the union of labels a value carries. A nil set means clean.
// Sets combine by union only; nothing in the engine ever removes a single
// label from a set (sanitizers replace the whole set with nil).
type LabelSet map[Label]struct{}

// NewLabelSet builds a set from the given labels.
func NewLabelSet(labels ...Label) LabelSet {
	if len(labels) == 0 {
		return nil
	}
	s := make(LabelSet, len(labels))
	for _, l := range labels {
		s[l] = struct{}{}
	}
	return s
}

// IsTainted reports whether the set carries any label.
func (s LabelSet) IsTainted() bool {
	return len(s) > 0
}

// Add inserts one label, allocating on first use.
func (s *LabelSet) Add(l Label) {
	if *s == nil {
		*s = make(LabelSet, 1)
	}
	(*s)[l] = struct{}{}
}

// Absorb unions other into the receiver in place.
func (s *LabelSet) Absorb(other LabelSet) {
	if len(other) == 0 {
		return
	}
	if *s == nil {
		*s = make(LabelSet, len(other))
	}
	for l := range other {
		(*s)[l] = struct{}{}
	}
}

// Union returns a set carrying the labels of both operands. Operands are
// never mutated; aliasing is avoided by cloning whenever both sides are
// non-empty.
func (s LabelSet) Union(other LabelSet) LabelSet {
	if len(other) == 0 {
		return s
	}
	if len(s) == 0 {
		return other
	}
	out := make(LabelSet, len(s)+len(other))
	for l := range s {
		out[l] = struct{}{}
	}
	for l := range other {
		out[l] = struct{}{}
	}
	return out
}

// Clone returns an independent copy.
func (s LabelSet) Clone() LabelSet {
	if s == nil {
		return nil
	}
	out := make(LabelSet, len(s))
	for l := range s {
		out[l] = struct{}{}
	}
	return out
}

// Equal reports whether both sets carry exactly the same labels.
func (s LabelSet) Equal(other LabelSet) bool {
	if len(s) != len(other) {
		return false
	}
	for l := range s {
		if _, ok := other[l]; !ok {
			return false
		}
	}
	return true
}

// Sorted returns the labels in their total order, for deterministic
// iteration and logging.
func (s LabelSet) Sorted() []Label {
	if len(s) == 0 {
		return nil
	}
	out := make([]Label, 0, len(s))
	for l := range s {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Sources returns only the real source labels, sorted.
func (s LabelSet) Sources() []Label {
	var out []Label
	for _, l := range s.Sorted() {
		if !l.IsParam() {
			out = append(out, l)
		}
	}
	return out
}

// Params returns the symbolic parameter indices present, sorted.
func (s LabelSet) Params() []int {
	var out []int
	for l := range s {
		if l.IsParam() {
			out = append(out, l.Param)
		}
	}
	sort.Ints(out)
	return out
}

// String joins the sorted labels with "|", mirroring how merged taint is
// reported in logs.
func (s LabelSet) String() string {
	if len(s) == 0 {
		return "clean"
	}
	parts := make([]string, 0, len(s))
	for _, l := range s.Sorted() {
		parts = append(parts, l.String())
	}
	return strings.Join(parts, "|")
}
