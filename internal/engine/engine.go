// Package engine wires the analysis pipeline together: parallel per-file
// summarization, a synchronization barrier, single-threaded interprocedural
// propagation, and finding emission. The engine never touches disk or
// network; callers hand it parsed trees and previously cached per-file
// analyses, and persist what comes back.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"runtime"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/analysis/callgraph"
	"github.com/vulnpredict/vulnflow/internal/analysis/emit"
	"github.com/vulnpredict/vulnflow/internal/analysis/flow"
	"github.com/vulnpredict/vulnflow/internal/analysis/propagate"
	"github.com/vulnpredict/vulnflow/internal/analysis/symbols"
	"github.com/vulnpredict/vulnflow/internal/rules"
)

// Config carries the engine knobs. Zero values pick sane defaults.
type Config struct {
	// Workers bounds the parallel per-file summarization phase.
	Workers int
	// LoopPasses caps how often a loop body is re-walked before the state
	// is assumed stable.
	LoopPasses int
	// Rules is the pattern bundle. Nil selects the built-in defaults.
	Rules *rules.Ruleset
}

// CachedAnalysis is one file's initial summaries from a previous scan.
// Seeds are only valid for identical file content and an identical rule
// bundle; callers filter by ContentHash and the engine's RulesFingerprint
// before handing them in.
type CachedAnalysis struct {
	Path        string
	ContentHash string
	Summaries   []*flow.Summary
}

// Result is one completed scan. NewAnalyses holds the per-file seeds the
// caller should persist for the next scan.
type Result struct {
	Findings    []schemas.Finding
	Stats       schemas.ScanStats
	NewAnalyses []CachedAnalysis
}

// Engine is safe for repeated Scans. An in-process memo short-circuits
// re-summarization of files whose content hash was already walked by this
// engine instance.
type Engine struct {
	compiled    *rules.CompiledRules
	fingerprint string
	workers     int
	loopPasses  int
	logger      *zap.Logger

	mu   sync.Mutex
	memo map[string][]*flow.Summary
}

func New(cfg Config, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bundle := cfg.Rules
	if bundle == nil {
		bundle = rules.Default()
	}
	compiled, err := bundle.Compile()
	if err != nil {
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Engine{
		compiled:    compiled,
		fingerprint: fingerprint(bundle),
		workers:     workers,
		loopPasses:  cfg.LoopPasses,
		logger:      logger,
		memo:        make(map[string][]*flow.Summary),
	}, nil
}

// RulesFingerprint identifies the active rule bundle. Cached analyses from
// a scan with a different fingerprint must not be fed back in.
func (e *Engine) RulesFingerprint() string { return e.fingerprint }

func fingerprint(bundle *rules.Ruleset) string {
	data, err := json.ConfigCompatibleWithStandardLibrary.Marshal(bundle)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Scan analyzes the given trees and returns the ordered findings feed. A
// context abort discards everything; no partial findings are returned.
func (e *Engine) Scan(ctx context.Context, files []*schemas.FileAST, cached []CachedAnalysis) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kept, skipped := e.admit(files)
	e.logger.Info("scan starting",
		zap.Int("files", len(kept)),
		zap.Int("skipped", skipped),
		zap.Int("workers", e.workers))

	prog := symbols.Resolve(kept, e.logger)
	store := propagate.NewStore()
	builder := flow.NewBuilder(e.compiled, prog, store, e.loopPasses, e.logger)

	seeds := make(map[string][]*flow.Summary, len(cached))
	for _, c := range cached {
		if c.ContentHash != "" {
			seeds[cacheKey(c.Path, c.ContentHash)] = c.Summaries
		}
	}

	// phase one: every file summarized independently; the store stays
	// untouched until the barrier so workers never race
	slots := make([][]*flow.Summary, len(kept))
	fresh := make([]bool, len(kept))
	cacheHits := 0
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, f := range kept {
		if sums, ok := e.seedFor(f, seeds); ok {
			slots[i] = sums
			cacheHits++
			continue
		}
		fresh[i] = true
		i, f := i, f
		g.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			slots[i] = e.summarizeFile(prog, builder, f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var newAnalyses []CachedAnalysis
	for i, f := range kept {
		for _, sum := range slots[i] {
			if !fresh[i] {
				refreshCalls(prog, sum)
			}
			store.Put(sum)
		}
		if !fresh[i] || f.ContentHash == "" {
			continue
		}
		e.remember(f, slots[i])
		newAnalyses = append(newAnalyses, CachedAnalysis{
			Path:        f.Path,
			ContentHash: f.ContentHash,
			Summaries:   slots[i],
		})
	}

	graph := callgraph.Build(store.All(), e.logger)
	iterations, err := propagate.Run(ctx, prog, graph, builder, store, e.logger)
	if err != nil {
		return nil, err
	}

	findings, suppressed := emit.Collect(store.All(), e.logger)

	byLang := make(map[schemas.Language]int, 2)
	for _, f := range kept {
		byLang[f.Language]++
	}
	result := &Result{
		Findings: findings,
		Stats: schemas.ScanStats{
			Files:        len(kept),
			FilesByLang:  byLang,
			Functions:    store.Len(),
			CallEdges:    graph.EdgeCount(),
			Iterations:   iterations,
			Suppressed:   suppressed,
			CacheHits:    cacheHits,
			ParseSkipped: skipped,
		},
		NewAnalyses: newAnalyses,
	}

	e.logger.Info("scan complete",
		zap.Int("findings", len(findings)),
		zap.Int("functions", result.Stats.Functions),
		zap.Int("call_edges", result.Stats.CallEdges),
		zap.Int("iterations", iterations),
		zap.Int("cache_hits", cacheHits),
		zap.Int("suppressed", suppressed))
	return result, nil
}

// refreshCalls re-resolves a cached summary's call sites against the
// current program. The cached resolutions may be stale: a callee file can
// change between scans, and the call graph must carry this scan's edges
// or the propagator will never revisit the caller when the callee's
// summary grows.
func refreshCalls(prog *symbols.Program, sum *flow.Summary) {
	for i := range sum.Calls {
		res := prog.ResolveCall(sum.ID, sum.Calls[i].Path)
		targets := make([]symbols.FuncID, 0, len(res.Candidates))
		for _, cand := range res.Candidates {
			targets = append(targets, cand.ID)
		}
		sum.Calls[i].Targets = targets
		sum.Calls[i].Opaque = res.Opaque
	}
}

// admit drops duplicate paths (last submission wins) and files whose
// language the rule bundle does not cover.
func (e *Engine) admit(files []*schemas.FileAST) ([]*schemas.FileAST, int) {
	skipped := 0
	byPath := make(map[string]int, len(files))
	var kept []*schemas.FileAST
	for _, f := range files {
		if f == nil {
			skipped++
			continue
		}
		if _, ok := e.compiled.ForLanguage(f.Language); !ok {
			e.logger.Debug("language not covered by rules",
				zap.String("path", f.Path),
				zap.String("language", string(f.Language)))
			skipped++
			continue
		}
		if prev, dup := byPath[f.Path]; dup {
			e.logger.Warn("duplicate file path submitted", zap.String("path", f.Path))
			kept[prev] = f
			continue
		}
		byPath[f.Path] = len(kept)
		kept = append(kept, f)
	}
	return kept, skipped
}

func (e *Engine) summarizeFile(prog *symbols.Program, builder *flow.Builder, f *schemas.FileAST) []*flow.Summary {
	table := prog.Files[f.Path]
	if table == nil {
		return nil
	}
	out := make([]*flow.Summary, 0, len(table.Order))
	for _, name := range table.Order {
		decl := table.Functions[name]
		if decl == nil {
			continue
		}
		out = append(out, builder.BuildSummary(decl, f.Language))
	}
	return out
}

func (e *Engine) seedFor(f *schemas.FileAST, external map[string][]*flow.Summary) ([]*flow.Summary, bool) {
	if f.ContentHash == "" {
		return nil, false
	}
	key := cacheKey(f.Path, f.ContentHash)
	if sums, ok := external[key]; ok {
		return sums, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sums, ok := e.memo[key]
	return sums, ok
}

func (e *Engine) remember(f *schemas.FileAST, sums []*flow.Summary) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memo[cacheKey(f.Path, f.ContentHash)] = sums
}

func cacheKey(path, hash string) string {
	return path + "\x00" + hash
}
