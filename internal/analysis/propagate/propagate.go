// Package propagate drives the interprocedural fixed point. Every function
// starts from an initial summary built with no callee knowledge; the
// worklist then re-summarizes functions callees-first, and whenever a
// summary gains facts every caller is queued again. Summaries only grow,
// so the iteration terminates.
package propagate

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/internal/analysis/callgraph"
	"github.com/vulnpredict/vulnflow/internal/analysis/flow"
	"github.com/vulnpredict/vulnflow/internal/analysis/symbols"
)

// roundsPerFunction caps the worklist against a non-monotone regression.
// A correct run never gets near it.
const roundsPerFunction = 100

// Store holds the current summary of every function. It implements
// flow.SummarySource. Writes happen only between analysis phases or on the
// propagation goroutine, so no locking is needed.
type Store struct {
	m map[symbols.FuncID]*flow.Summary
}

func NewStore() *Store {
	return &Store{m: make(map[symbols.FuncID]*flow.Summary)}
}

// Lookup returns the current summary, or nil while the function is still
// at bottom.
func (s *Store) Lookup(id symbols.FuncID) *flow.Summary {
	return s.m[id]
}

func (s *Store) Put(sum *flow.Summary) {
	s.m[sum.ID] = sum
}

func (s *Store) Len() int { return len(s.m) }

// All returns every summary sorted by function id.
func (s *Store) All() []*flow.Summary {
	out := make([]*flow.Summary, 0, len(s.m))
	for _, sum := range s.m {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Run iterates the store to its fixed point and reports how many
// summarizations it took. The context aborts the whole propagation;
// callers must then discard the store.
func Run(ctx context.Context, prog *symbols.Program, g *callgraph.Graph, b *flow.Builder, store *Store, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	order := g.BottomUp()
	queue := make([]symbols.FuncID, 0, len(order))
	queued := make(map[symbols.FuncID]bool, len(order))
	enqueue := func(id symbols.FuncID) {
		if !queued[id] {
			queued[id] = true
			queue = append(queue, id)
		}
	}
	for _, id := range order {
		enqueue(id)
	}

	limit := roundsPerFunction * len(order)
	iterations := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return iterations, err
		}
		if iterations >= limit {
			logger.Warn("propagation did not settle within its budget",
				zap.Int("iterations", iterations),
				zap.Int("functions", len(order)))
			break
		}

		id := queue[0]
		queue = queue[1:]
		queued[id] = false

		decl, ok := prog.Lookup(id)
		if !ok {
			logger.Warn("summary for undeclared function", zap.String("func", id.String()))
			continue
		}
		iterations++

		next := b.BuildSummary(decl, prog.LanguageOf(id.File))
		prev := store.Lookup(id)
		if !next.Covers(prev) {
			logger.Warn("summary retracted facts", zap.String("func", id.String()))
		}
		if prev != nil && next.Equal(prev) {
			continue
		}
		store.Put(next)
		for _, caller := range g.CallersOf(id) {
			enqueue(caller)
		}
	}

	logger.Debug("propagation settled",
		zap.Int("iterations", iterations),
		zap.Int("functions", len(order)))
	return iterations, nil
}
