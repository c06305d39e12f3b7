package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

// Package rules defines the per-language taint tables the engine is
// configured with: which calls introduce taint (sources), which calls are
// dangerous (sinks), and which calls clean a value (sanitizers).
//
// A pattern is a call-target name or a qualified-name suffix. "execute"
// matches both execute(...) and cursor.execute(...); "os.system" matches
// os.system(...) wherever the qualified path ends in those segments.
// Matching prefers the longest (most specific) suffix.

// SourceRule marks a pattern as introducing tainted data of one category.
type SourceRule struct {
	Pattern  string                 `yaml:"pattern" json:"pattern"`
	Category schemas.SourceCategory `yaml:"category" json:"category"`
}

// SinkRule marks a pattern as a dangerous call of one kind.
type SinkRule struct {
	Pattern string          `yaml:"pattern" json:"pattern"`
	Kind    schemas.SinkKind `yaml:"kind" json:"kind"`
}

// LanguageRules bundles the three tables for one language.
type LanguageRules struct {
	Sources    []SourceRule `yaml:"sources" json:"sources"`
	Sinks      []SinkRule   `yaml:"sinks" json:"sinks"`
	Sanitizers []string     `yaml:"sanitizers" json:"sanitizers"`
}

// Ruleset is the full configuration bundle handed to the engine.
type Ruleset struct {
	Languages map[schemas.Language]*LanguageRules `yaml:"languages" json:"languages"`
}

// ValidationError describes one rejected entry of a bundle. Configuration
// errors are fatal for the invocation; the engine refuses to scan with a
// bundle that does not validate.
type ValidationError struct {
	Language schemas.Language
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Language == "" {
		return fmt.Sprintf("rules: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("rules: %s/%s: %s", e.Language, e.Field, e.Reason)
}

// Validate checks the whole bundle and returns every problem found,
// joined. A nil return means the bundle is usable.
func (r *Ruleset) Validate() error {
	var errs []error
	add := func(lang schemas.Language, field, reason string) {
		errs = append(errs, &ValidationError{Language: lang, Field: field, Reason: reason})
	}

	if r == nil || len(r.Languages) == 0 {
		add("", "languages", "bundle declares no languages")
		return errors.Join(errs...)
	}

	for lang, lr := range r.Languages {
		if lr == nil {
			add(lang, "languages", "empty language entry")
			continue
		}
		seenSources := make(map[string]schemas.SourceCategory)
		for i, s := range lr.Sources {
			field := fmt.Sprintf("sources[%d]", i)
			if strings.TrimSpace(s.Pattern) == "" {
				add(lang, field, "empty pattern")
				continue
			}
			if !s.Category.Valid() {
				add(lang, field, fmt.Sprintf("unknown source category %q", s.Category))
			}
			if prev, dup := seenSources[s.Pattern]; dup && prev != s.Category {
				add(lang, field, fmt.Sprintf("pattern %q declared with conflicting categories %q and %q", s.Pattern, prev, s.Category))
			}
			seenSources[s.Pattern] = s.Category
		}
		seenSinks := make(map[string]schemas.SinkKind)
		for i, s := range lr.Sinks {
			field := fmt.Sprintf("sinks[%d]", i)
			if strings.TrimSpace(s.Pattern) == "" {
				add(lang, field, "empty pattern")
				continue
			}
			if !s.Kind.Valid() {
				add(lang, field, fmt.Sprintf("unknown sink kind %q", s.Kind))
			}
			if prev, dup := seenSinks[s.Pattern]; dup && prev != s.Kind {
				add(lang, field, fmt.Sprintf("pattern %q declared with conflicting kinds %q and %q", s.Pattern, prev, s.Kind))
			}
			seenSinks[s.Pattern] = s.Kind
		}
		for i, p := range lr.Sanitizers {
			if strings.TrimSpace(p) == "" {
				add(lang, fmt.Sprintf("sanitizers[%d]", i), "empty pattern")
			}
		}
	}
	return errors.Join(errs...)
}

// Compile validates the bundle and builds the per-language matchers.
func (r *Ruleset) Compile() (*CompiledRules, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	c := &CompiledRules{langs: make(map[schemas.Language]*Matcher, len(r.Languages))}
	for lang, lr := range r.Languages {
		m := &Matcher{
			sources:    make(map[string]schemas.SourceCategory, len(lr.Sources)),
			sinks:      make(map[string]schemas.SinkKind, len(lr.Sinks)),
			sanitizers: make(map[string]struct{}, len(lr.Sanitizers)),
		}
		for _, s := range lr.Sources {
			m.sources[s.Pattern] = s.Category
		}
		for _, s := range lr.Sinks {
			m.sinks[s.Pattern] = s.Kind
		}
		for _, p := range lr.Sanitizers {
			m.sanitizers[p] = struct{}{}
		}
		c.langs[lang] = m
	}
	return c, nil
}

// CompiledRules is the immutable, lookup-ready form of a bundle. Safe for
// concurrent use.
type CompiledRules struct {
	langs map[schemas.Language]*Matcher
}

// ForLanguage returns the matcher for lang, or false when the bundle does
// not cover it (files of uncovered languages are skipped, not failed).
func (c *CompiledRules) ForLanguage(lang schemas.Language) (*Matcher, bool) {
	m, ok := c.langs[lang]
	return m, ok
}

// Languages lists the covered languages.
func (c *CompiledRules) Languages() []schemas.Language {
	out := make([]schemas.Language, 0, len(c.langs))
	for lang := range c.langs {
		out = append(out, lang)
	}
	return out
}

// Matcher answers pattern lookups for one language.
type Matcher struct {
	sources    map[string]schemas.SourceCategory
	sinks      map[string]schemas.SinkKind
	sanitizers map[string]struct{}
}

// lookupSuffix walks the path's suffixes longest-first and returns the
// first table hit, so "db.cursor.execute" prefers an exact "db.cursor.
// execute" entry over a bare "execute" one.
func lookupSuffix[V any](table map[string]V, path []string) (V, string, bool) {
	for i := 0; i < len(path); i++ {
		key := strings.Join(path[i:], ".")
		if v, ok := table[key]; ok {
			return v, key, true
		}
	}
	var zero V
	return zero, "", false
}

// Source reports whether the qualified path names a configured source.
func (m *Matcher) Source(path []string) (schemas.SourceCategory, bool) {
	if m == nil {
		return "", false
	}
	cat, _, ok := lookupSuffix(m.sources, path)
	return cat, ok
}

// Sink reports whether the qualified path names a configured sink, and
// which pattern matched.
func (m *Matcher) Sink(path []string) (schemas.SinkKind, string, bool) {
	if m == nil {
		return "", "", false
	}
	return lookupSuffix(m.sinks, path)
}

// Sanitizer reports whether the qualified path names a configured
// sanitizer.
func (m *Matcher) Sanitizer(path []string) bool {
	if m == nil {
		return false
	}
	_, _, ok := lookupSuffix(m.sanitizers, path)
	return ok
}

// Kinds returns the distinct sink kinds this language declares, sorted.
// Calls into code the scan cannot see are treated as potentially reaching
// any of these.
func (m *Matcher) Kinds() []schemas.SinkKind {
	if m == nil {
		return nil
	}
	seen := make(map[schemas.SinkKind]struct{}, len(m.sinks))
	for _, k := range m.sinks {
		seen[k] = struct{}{}
	}
	out := make([]schemas.SinkKind, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
