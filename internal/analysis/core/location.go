package core

import (
	"github.com/vulnpredict/vulnflow/api/schemas"
)

// Location is a resolved source position. It is comparable so it can key
// maps and sit inside labels.
type Location struct {
	File string
	Line int
	Col  int
}

// LocationOf resolves a node span against the file it came from.
func LocationOf(file string, span schemas.Span) Location {
	return Location{File: file, Line: span.StartLine, Col: span.StartCol}
}

// String renders the canonical "file:line:col" form used in findings.
func (l Location) String() string {
	return schemas.FormatLocation(l.File, l.Line, l.Col)
}

// IsZero reports whether the location was never set.
func (l Location) IsZero() bool {
	return l.File == "" && l.Line == 0 && l.Col == 0
}

// Compare orders locations by file, then line, then column. It returns a
// negative value when l sorts before other.
func (l Location) Compare(other Location) int {
	switch {
	case l.File < other.File:
		return -1
	case l.File > other.File:
		return 1
	case l.Line != other.Line:
		return l.Line - other.Line
	default:
		return l.Col - other.Col
	}
}
