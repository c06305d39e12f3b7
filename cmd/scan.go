package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/adapter/javascript"
	"github.com/vulnpredict/vulnflow/internal/adapter/python"
	"github.com/vulnpredict/vulnflow/internal/churn"
	"github.com/vulnpredict/vulnflow/internal/config"
	"github.com/vulnpredict/vulnflow/internal/engine"
	"github.com/vulnpredict/vulnflow/internal/observability"
	"github.com/vulnpredict/vulnflow/internal/reporting"
	"github.com/vulnpredict/vulnflow/internal/rules"
	"github.com/vulnpredict/vulnflow/internal/store"
)

// parser is the front-end contract both language adapters satisfy.
type parser interface {
	Language() schemas.Language
	Extensions() []string
	Parse(ctx context.Context, path string, source []byte) (*schemas.FileAST, error)
}

// skipDirs are never descended into during discovery.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	"vendor":       true,
}

func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan [target-dir]",
		Short: "Scan a directory tree and emit the findings feed.",
		Args:  cobra.ExactArgs(1),
		RunE:  runScan,
	}

	flags := scanCmd.Flags()
	flags.Int("workers", 0, "parallel file-analysis workers (0 = one per CPU)")
	flags.Duration("timeout", 0, "overall scan deadline (e.g. 5m)")
	flags.String("rules", "", "rules bundle file (yaml or json); empty uses the built-in defaults")
	flags.StringP("format", "f", "", "report format: json or sarif")
	flags.StringP("output", "o", "", "report destination; empty writes to stdout")
	flags.String("database-url", "", "PostgreSQL URL for scan persistence and the analysis cache")
	flags.Bool("no-churn", false, "skip git history metrics")

	return scanCmd
}

// applyScanFlags copies explicitly set flags over the loaded config.
func applyScanFlags(cmd *cobra.Command, cfg config.Interface) error {
	flags := cmd.Flags()
	if flags.Changed("workers") {
		w, _ := flags.GetInt("workers")
		cfg.SetEngineWorkers(w)
	}
	if flags.Changed("timeout") {
		d, _ := flags.GetDuration("timeout")
		cfg.SetEngineTimeout(d)
	}
	if flags.Changed("rules") {
		p, _ := flags.GetString("rules")
		cfg.SetRulesPath(p)
	}
	if flags.Changed("format") {
		f, _ := flags.GetString("format")
		cfg.SetReportFormat(f)
	}
	if flags.Changed("output") {
		o, _ := flags.GetString("output")
		cfg.SetReportOutput(o)
	}
	if flags.Changed("database-url") {
		u, _ := flags.GetString("database-url")
		cfg.SetDatabaseURL(u)
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	logger := observability.GetLogger().Named("scan")
	cfg := getConfig(cmd)
	if err := applyScanFlags(cmd, cfg); err != nil {
		return err
	}

	target, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("resolve target: %w", err)
	}
	if info, err := os.Stat(target); err != nil {
		return fmt.Errorf("target: %w", err)
	} else if !info.IsDir() {
		return fmt.Errorf("target %s is not a directory", target)
	}

	// Configuration errors are fatal before any analysis starts.
	bundle, err := loadBundle(cfg.Rules().Path)
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Config{
		Workers:    cfg.Engine().Workers,
		LoopPasses: cfg.Engine().LoopPasses,
		Rules:      bundle,
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout := cfg.Engine().Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	files, err := parseTarget(ctx, target, cfg.Engine().Workers, logger)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Warn("no analyzable files found", zap.String("target", target))
	}

	var st *store.Store
	if url := cfg.Database().URL; url != "" {
		pool, err := pgxpool.New(ctx, url)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if st, err = store.New(ctx, pool, logger); err != nil {
			return err
		}
		if err = st.InitSchema(ctx); err != nil {
			return err
		}
	}

	var cached []engine.CachedAnalysis
	if st != nil {
		if cached, err = st.LoadAnalyses(ctx, eng.RulesFingerprint(), files); err != nil {
			logger.Warn("analysis cache unavailable, scanning cold", zap.Error(err))
			cached = nil
		}
	}

	res, err := eng.Scan(ctx, files, cached)
	if err != nil {
		return err
	}

	result := &schemas.ScanResult{
		ScanID:    uuid.NewString(),
		Target:    target,
		StartedAt: started.UTC(),
		Duration:  time.Since(started),
		Findings:  res.Findings,
		Stats:     res.Stats,
	}

	if cfg.Churn().Enabled && !mustBool(cmd, "no-churn") {
		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.Path
		}
		metrics, err := churn.New(cfg.Churn().MaxCommits, logger).Collect(ctx, target, paths)
		if err != nil {
			logger.Warn("churn collection failed", zap.Error(err))
		} else {
			result.FileMetrics = metrics
		}
	}

	reporter, err := reporting.New(cfg.Report().Format, cfg.Report().Output, logger)
	if err != nil {
		return err
	}
	if err := reporter.Write(result); err != nil {
		reporter.Close()
		return err
	}
	if err := reporter.Close(); err != nil {
		return err
	}

	if st != nil {
		if err := st.SaveScan(ctx, result); err != nil {
			return err
		}
		if err := st.SaveAnalyses(ctx, eng.RulesFingerprint(), res.NewAnalyses); err != nil {
			return err
		}
	}

	logger.Info("scan finished",
		zap.String("scan_id", result.ScanID),
		zap.Int("findings", len(result.Findings)),
		zap.Duration("took", result.Duration))
	return nil
}

func loadBundle(path string) (*rules.Ruleset, error) {
	if path == "" {
		return rules.Default(), nil
	}
	return rules.Load(path)
}

// parseTarget discovers and parses every supported file under target.
// Paths in the returned documents are target-relative with forward
// slashes, so findings are stable across checkouts.
func parseTarget(ctx context.Context, target string, workers int, logger *zap.Logger) ([]*schemas.FileAST, error) {
	parsers := map[string]parser{}
	for _, p := range []parser{python.New(logger), javascript.New(logger)} {
		for _, ext := range p.Extensions() {
			parsers[ext] = p
		}
	}

	type unit struct {
		abs string
		rel string
		p   parser
	}
	var units []unit
	err := filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != target && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		p, ok := parsers[strings.ToLower(filepath.Ext(name))]
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(target, path)
		if err != nil {
			return err
		}
		units = append(units, unit{abs: path, rel: filepath.ToSlash(rel), p: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}

	files := make([]*schemas.FileAST, len(units))
	g, groupCtx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, u := range units {
		i, u := i, u
		g.Go(func() error {
			source, err := os.ReadFile(u.abs)
			if err != nil {
				return fmt.Errorf("read %s: %w", u.rel, err)
			}
			ast, err := u.p.Parse(groupCtx, u.rel, source)
			if err != nil {
				return err
			}
			files[i] = ast
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Debug("target parsed", zap.Int("files", len(files)))
	return files, nil
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}
