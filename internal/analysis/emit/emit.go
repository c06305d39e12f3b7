// Package emit turns settled summaries into the findings feed: one
// finding per distinct (source, sink, kind), ordered by sink position so
// reports diff cleanly between scans.
package emit

import (
	"sort"

	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/analysis/core"
	"github.com/vulnpredict/vulnflow/internal/analysis/flow"
)

type dedupKey struct {
	source core.Location
	sink   core.Location
	kind   schemas.SinkKind
}

type record struct {
	finding schemas.Finding
	source  core.Location
	sink    core.Location
}

// Collect flattens every summary's sink hits into deduplicated, ordered
// findings and totals the sanitizer-suppressed sites. Only hits carrying
// a real source label become findings; parameter-conditional hits are
// interior evidence that surfaces through their callers. When the same
// vulnerability is proven along several routes, the most confident route
// wins; ties keep the first route in summary order.
func Collect(sums []*flow.Summary, logger *zap.Logger) ([]schemas.Finding, int) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ordered := append([]*flow.Summary(nil), sums...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID.Less(ordered[j].ID) })

	suppressed := 0
	best := make(map[dedupKey]record)
	for _, sum := range ordered {
		suppressed += sum.SuppressedCount()
		for _, hit := range sum.SortedHits() {
			for _, src := range hit.Labels.Sources() {
				rec := record{
					finding: schemas.Finding{
						SourceLocation: src.Origin.String(),
						SourceCategory: src.Category,
						SinkLocation:   hit.Sink.String(),
						SinkKind:       hit.Kind,
						Path:           hops(hit),
						ConfidenceHint: confidence(hit),
					},
					source: src.Origin,
					sink:   hit.Sink,
				}
				key := dedupKey{source: src.Origin, sink: hit.Sink, kind: hit.Kind}
				existing, ok := best[key]
				if !ok || rank(rec.finding.ConfidenceHint) > rank(existing.finding.ConfidenceHint) {
					best[key] = rec
				}
			}
		}
	}

	recs := make([]record, 0, len(best))
	for _, rec := range best {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return less(recs[i], recs[j]) })

	out := make([]schemas.Finding, len(recs))
	for i, rec := range recs {
		out[i] = rec.finding
	}

	logger.Debug("findings assembled",
		zap.Int("findings", len(out)),
		zap.Int("suppressed", suppressed))
	return out, suppressed
}

func less(a, b record) bool {
	if c := a.sink.Compare(b.sink); c != 0 {
		return c < 0
	}
	if a.finding.SinkKind != b.finding.SinkKind {
		return a.finding.SinkKind < b.finding.SinkKind
	}
	if c := a.source.Compare(b.source); c != 0 {
		return c < 0
	}
	return a.finding.SourceCategory < b.finding.SourceCategory
}

func confidence(h *flow.SinkHit) schemas.Confidence {
	switch {
	case h.Unknown:
		return schemas.ConfidenceLow
	case h.Ambiguous:
		return schemas.ConfidenceMedium
	default:
		return schemas.ConfidenceHigh
	}
}

func rank(c schemas.Confidence) int {
	switch c {
	case schemas.ConfidenceHigh:
		return 3
	case schemas.ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

func hops(h *flow.SinkHit) []schemas.PathHop {
	out := make([]schemas.PathHop, len(h.Path))
	for i, s := range h.Path {
		out[i] = schemas.PathHop{Location: s.Loc.String(), SymbolName: s.Symbol}
	}
	return out
}
