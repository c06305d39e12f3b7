package schemas

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// -- Findings Feed --
//
// The ordered findings feed is the engine's only output contract. It is
// consumed downstream together with other per-file signals (churn, code
// metrics) by the risk scorer, so the shape here is stable.

// SinkKind classifies what a dangerous call does with tainted data.
type SinkKind string

const (
	SinkCodeExecution   SinkKind = "code-execution"
	SinkQueryExecution  SinkKind = "query-execution"
	SinkMarkupWrite     SinkKind = "markup-write"
	SinkFilesystemWrite SinkKind = "filesystem-write"
	SinkNetworkWrite    SinkKind = "network-write"
)

// SinkKinds returns every declared kind in stable declaration order.
func SinkKinds() []SinkKind {
	return []SinkKind{
		SinkCodeExecution,
		SinkQueryExecution,
		SinkMarkupWrite,
		SinkFilesystemWrite,
		SinkNetworkWrite,
	}
}

// Valid reports whether k is one of the declared sink kinds.
func (k SinkKind) Valid() bool {
	switch k {
	case SinkCodeExecution, SinkQueryExecution, SinkMarkupWrite,
		SinkFilesystemWrite, SinkNetworkWrite:
		return true
	}
	return false
}

// SourceCategory classifies where untrusted data originates.
type SourceCategory string

const (
	SourceUserInput       SourceCategory = "user-input"
	SourceNetwork         SourceCategory = "network"
	SourceFile            SourceCategory = "file"
	SourceEnvironment     SourceCategory = "environment"
	SourceDeserialization SourceCategory = "deserialization"
)

// Valid reports whether c is one of the declared source categories.
func (c SourceCategory) Valid() bool {
	switch c {
	case SourceUserInput, SourceNetwork, SourceFile, SourceEnvironment,
		SourceDeserialization:
		return true
	}
	return false
}

// Confidence hints at how much resolution uncertainty a finding carries.
// It is a hint for the scorer, not a ranking.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// PathHop is one step of the evidence trail: the call boundary (or sink
// call) crossed, and the symbol the tainted value was bound to there.
type PathHop struct {
	Location   string `json:"location"`
	SymbolName string `json:"symbol_name"`
}

// Finding is one source-to-sink flow. Locations are "file:line:col".
// Findings are deduplicated on (source_location, sink_location, sink_kind)
// and emitted in deterministic order.
type Finding struct {
	SourceLocation string         `json:"source_location"`
	SourceCategory SourceCategory `json:"source_category"`
	SinkLocation   string         `json:"sink_location"`
	SinkKind       SinkKind       `json:"sink_kind"`
	Path           []PathHop      `json:"path"`
	ConfidenceHint Confidence     `json:"confidence_hint"`
}

// FormatLocation renders the canonical "file:line:col" form.
func FormatLocation(file string, line, col int) string {
	return fmt.Sprintf("%s:%d:%d", file, line, col)
}

// ParseLocation splits a canonical location back into its parts. Used by
// report writers that need structured positions (SARIF).
func ParseLocation(loc string) (file string, line, col int, err error) {
	last := strings.LastIndexByte(loc, ':')
	if last < 0 {
		return "", 0, 0, fmt.Errorf("malformed location %q", loc)
	}
	prev := strings.LastIndexByte(loc[:last], ':')
	if prev < 0 {
		return "", 0, 0, fmt.Errorf("malformed location %q", loc)
	}
	line, err = strconv.Atoi(loc[prev+1 : last])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed location %q: %w", loc, err)
	}
	col, err = strconv.Atoi(loc[last+1:])
	if err != nil {
		return "", 0, 0, fmt.Errorf("malformed location %q: %w", loc, err)
	}
	return loc[:prev], line, col, nil
}

// -- Scan Envelope --

// FileMetrics carries the per-file git churn signal the scorer consumes
// alongside the findings feed.
type FileMetrics struct {
	Path             string `json:"path"`
	CommitCount      int    `json:"commit_count"`
	UniqueAuthors    int    `json:"unique_authors"`
	LastModifiedDays int    `json:"last_modified_days"`
}

// ScanStats summarizes one engine run.
type ScanStats struct {
	Files        int              `json:"files"`
	FilesByLang  map[Language]int `json:"files_by_lang,omitempty"`
	Functions    int              `json:"functions"`
	CallEdges    int              `json:"call_edges"`
	Iterations   int              `json:"iterations"`
	Suppressed   int              `json:"suppressed"`
	CacheHits    int              `json:"cache_hits"`
	ParseSkipped int              `json:"parse_skipped,omitempty"`
}

// ScanResult is the top level wrapper written by the CLI and persisted by
// the store.
type ScanResult struct {
	ScanID      string        `json:"scan_id"`
	Target      string        `json:"target"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Findings    []Finding     `json:"findings"`
	Stats       ScanStats     `json:"stats"`
	FileMetrics []FileMetrics `json:"file_metrics,omitempty"`
}
