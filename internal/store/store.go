// Package store persists scans, their findings feed, and the
// content-addressed per-file analysis cache in PostgreSQL. The engine
// itself never touches the database; the CLI hands cached analyses in
// before a scan and hands fresh ones back here afterwards.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/engine"
)

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store is the PostgreSQL persistence layer.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New verifies the connection and returns a ready store.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store")}, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS scans (
    id          UUID PRIMARY KEY,
    target      TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    stats       JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS findings (
    scan_id         UUID NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
    source_location TEXT NOT NULL,
    source_category TEXT NOT NULL,
    sink_location   TEXT NOT NULL,
    sink_kind       TEXT NOT NULL,
    path            JSONB NOT NULL,
    confidence      TEXT NOT NULL,
    PRIMARY KEY (scan_id, source_location, sink_location, sink_kind)
);
CREATE TABLE IF NOT EXISTS file_analyses (
    path              TEXT NOT NULL,
    rules_fingerprint TEXT NOT NULL,
    content_hash      TEXT NOT NULL,
    summaries         JSONB NOT NULL,
    updated_at        TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (path, rules_fingerprint)
);
`

// InitSchema creates the tables if they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveScan records one completed scan and its findings feed in a single
// transaction.
func (s *Store) SaveScan(ctx context.Context, result *schemas.ScanResult) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	stats, err := json.ConfigCompatibleWithStandardLibrary.Marshal(result.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal scan stats: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO scans (id, target, started_at, duration_ms, stats) VALUES ($1, $2, $3, $4, $5)`,
		result.ScanID, result.Target, result.StartedAt.UTC(), result.Duration.Milliseconds(), stats)
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}

	if len(result.Findings) > 0 {
		if err := s.copyFindings(ctx, tx, result.ScanID, result.Findings); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyFindings(ctx context.Context, tx pgx.Tx, scanID string, findings []schemas.Finding) error {
	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		path, err := json.ConfigCompatibleWithStandardLibrary.Marshal(f.Path)
		if err != nil {
			return fmt.Errorf("failed to marshal finding path: %w", err)
		}
		rows[i] = []interface{}{
			scanID, f.SourceLocation, string(f.SourceCategory),
			f.SinkLocation, string(f.SinkKind), path, string(f.ConfidenceHint),
		}
	}

	copied, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"findings"},
		[]string{"scan_id", "source_location", "source_category", "sink_location", "sink_kind", "path", "confidence"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copied) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copied)
	}
	return nil
}

// FindingsByScan returns one scan's findings feed in its stored order.
func (s *Store) FindingsByScan(ctx context.Context, scanID string) ([]schemas.Finding, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT source_location, source_category, sink_location, sink_kind, path, confidence
        FROM findings
        WHERE scan_id = $1
        ORDER BY sink_location, sink_kind, source_location`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var f schemas.Finding
		var category, kind, confidence string
		var path []byte
		if err := rows.Scan(&f.SourceLocation, &category, &f.SinkLocation, &kind, &path, &confidence); err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}
		if err := json.ConfigCompatibleWithStandardLibrary.Unmarshal(path, &f.Path); err != nil {
			return nil, fmt.Errorf("failed to decode finding path: %w", err)
		}
		f.SourceCategory = schemas.SourceCategory(category)
		f.SinkKind = schemas.SinkKind(kind)
		f.ConfidenceHint = schemas.Confidence(confidence)
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return findings, nil
}

// SaveAnalyses upserts fresh per-file analyses for the given rule bundle
// fingerprint. A changed file replaces its previous cache row.
func (s *Store) SaveAnalyses(ctx context.Context, fingerprint string, analyses []engine.CachedAnalysis) error {
	if len(analyses) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, a := range analyses {
		payload, err := encodeSummaries(a.Summaries)
		if err != nil {
			return fmt.Errorf("failed to encode summaries for %s: %w", a.Path, err)
		}
		_, err = s.pool.Exec(ctx, `
            INSERT INTO file_analyses (path, rules_fingerprint, content_hash, summaries, updated_at)
            VALUES ($1, $2, $3, $4, $5)
            ON CONFLICT (path, rules_fingerprint) DO UPDATE SET
                content_hash = EXCLUDED.content_hash,
                summaries = EXCLUDED.summaries,
                updated_at = EXCLUDED.updated_at`,
			a.Path, fingerprint, a.ContentHash, payload, now)
		if err != nil {
			return fmt.Errorf("failed to upsert analysis for %s: %w", a.Path, err)
		}
	}
	s.log.Debug("analysis cache updated", zap.Int("files", len(analyses)))
	return nil
}

// LoadAnalyses returns the cached analyses usable for the given files: the
// fingerprint must match and the stored content hash must equal the
// submitted file's hash. Rows that fail to decode are skipped, not fatal;
// the engine simply recomputes those files.
func (s *Store) LoadAnalyses(ctx context.Context, fingerprint string, files []*schemas.FileAST) ([]engine.CachedAnalysis, error) {
	if len(files) == 0 {
		return nil, nil
	}
	paths := make([]string, 0, len(files))
	wantHash := make(map[string]string, len(files))
	for _, f := range files {
		if f == nil || f.ContentHash == "" {
			continue
		}
		paths = append(paths, f.Path)
		wantHash[f.Path] = f.ContentHash
	}
	if len(paths) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
        SELECT path, content_hash, summaries
        FROM file_analyses
        WHERE rules_fingerprint = $1 AND path = ANY($2)`, fingerprint, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis cache: %w", err)
	}
	defer rows.Close()

	var out []engine.CachedAnalysis
	for rows.Next() {
		var path, hash string
		var payload []byte
		if err := rows.Scan(&path, &hash, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		if wantHash[path] != hash {
			continue
		}
		sums, err := decodeSummaries(path, payload)
		if err != nil {
			s.log.Warn("dropping undecodable cache row", zap.String("path", path), zap.Error(err))
			continue
		}
		out = append(out, engine.CachedAnalysis{Path: path, ContentHash: hash, Summaries: sums})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
