// Package churn derives per-file git history metrics: how often a file
// changes, how many people touch it, and how recently. The downstream
// scorer consumes these alongside the findings feed; files that churn a
// lot under many hands correlate with defect risk.
package churn

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

// Collector walks a repository's history once per Collect call.
type Collector struct {
	maxCommits int
	logger     *zap.Logger
	now        func() time.Time
}

// New builds a collector. maxCommits bounds the history walk; zero or
// negative means unbounded.
func New(maxCommits int, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{maxCommits: maxCommits, logger: logger.Named("churn"), now: time.Now}
}

type fileHistory struct {
	commits  int
	authors  map[string]bool
	lastSeen time.Time
}

// Collect returns metrics for the given paths (relative to dir). A dir
// outside any repository is not an error: the signal is simply absent and
// nil is returned.
func (c *Collector) Collect(ctx context.Context, dir string, paths []string) ([]schemas.FileMetrics, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			c.logger.Debug("no git repository found, skipping churn", zap.String("dir", dir))
			return nil, nil
		}
		return nil, fmt.Errorf("open repository at %s: %w", dir, err)
	}

	wanted, err := c.repoRelative(repo, dir, paths)
	if err != nil {
		return nil, err
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	head, err := repo.Head()
	if err != nil {
		// An initialized repository with no commits has no HEAD yet.
		c.logger.Debug("repository has no HEAD, skipping churn", zap.Error(err))
		return nil, nil
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("walk history: %w", err)
	}
	defer iter.Close()

	history := make(map[string]*fileHistory, len(wanted))
	seen := 0
	err = iter.ForEach(func(commit *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.maxCommits > 0 && seen >= c.maxCommits {
			return storer.ErrStop
		}
		seen++

		stats, err := commit.Stats()
		if err != nil {
			// Stats can fail on odd objects (e.g. broken merges); one
			// commit's gap does not invalidate the rest of the signal.
			c.logger.Debug("skipping commit without stats",
				zap.String("commit", commit.Hash.String()), zap.Error(err))
			return nil
		}
		for _, stat := range stats {
			rel, ok := wanted[stat.Name]
			if !ok {
				continue
			}
			h := history[rel]
			if h == nil {
				h = &fileHistory{authors: make(map[string]bool)}
				history[rel] = h
			}
			h.commits++
			h.authors[commit.Author.Email] = true
			if commit.Author.When.After(h.lastSeen) {
				h.lastSeen = commit.Author.When
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("walk history: %w", err)
	}

	out := make([]schemas.FileMetrics, 0, len(history))
	for rel, h := range history {
		days := int(c.now().Sub(h.lastSeen).Hours() / 24)
		if days < 0 {
			days = 0
		}
		out = append(out, schemas.FileMetrics{
			Path:             rel,
			CommitCount:      h.commits,
			UniqueAuthors:    len(h.authors),
			LastModifiedDays: days,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	c.logger.Debug("churn collected",
		zap.Int("files", len(out)), zap.Int("commits_walked", seen))
	return out, nil
}

// repoRelative maps each requested path to its repo-root-relative form,
// returning a lookup from the repo form back to the form the caller used.
func (c *Collector) repoRelative(repo *git.Repository, dir string, paths []string) (map[string]string, error) {
	wt, err := repo.Worktree()
	if err != nil {
		// Bare repositories have no worktree and no meaningful file paths.
		c.logger.Debug("repository has no worktree, skipping churn", zap.Error(err))
		return nil, nil
	}
	root := wt.Filesystem.Root()

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}

	wanted := make(map[string]string, len(paths))
	for _, p := range paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(absDir, p)
		}
		rel, err := filepath.Rel(root, abs)
		if err != nil || rel == ".." || filepath.IsAbs(rel) {
			continue
		}
		wanted[filepath.ToSlash(rel)] = p
	}
	return wanted, nil
}
