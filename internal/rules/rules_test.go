package rules

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

func TestDefaultBundleCompiles(t *testing.T) {
	t.Parallel()

	c, err := Default().Compile()
	require.NoError(t, err)

	langs := c.Languages()
	assert.Len(t, langs, 2)

	py, ok := c.ForLanguage(schemas.LangPython)
	require.True(t, ok)
	require.NotNil(t, py)

	_, ok = c.ForLanguage(schemas.Language("ruby"))
	assert.False(t, ok, "uncovered languages must report false, not fail")
}

func TestSuffixMatching(t *testing.T) {
	t.Parallel()

	c, err := Default().Compile()
	require.NoError(t, err)
	py, _ := c.ForLanguage(schemas.LangPython)

	// Bare name.
	kind, pattern, ok := py.Sink([]string{"eval"})
	require.True(t, ok)
	assert.Equal(t, schemas.SinkCodeExecution, kind)
	assert.Equal(t, "eval", pattern)

	// Qualified suffix: cursor.execute ends in "execute".
	kind, pattern, ok = py.Sink([]string{"db", "cursor", "execute"})
	require.True(t, ok)
	assert.Equal(t, schemas.SinkQueryExecution, kind)
	assert.Equal(t, "execute", pattern)

	// Two-segment pattern must not fire on the bare last segment alone.
	_, _, ok = py.Sink([]string{"system"})
	assert.False(t, ok, "\"os.system\" must not match a bare \"system\" call")

	kind, _, ok = py.Sink([]string{"os", "system"})
	require.True(t, ok)
	assert.Equal(t, schemas.SinkCodeExecution, kind)

	// Deeper qualification still matches the suffix.
	_, _, ok = py.Sink([]string{"my", "wrapped", "os", "system"})
	assert.True(t, ok)

	cat, ok := py.Source([]string{"request", "args"})
	require.True(t, ok)
	assert.Equal(t, schemas.SourceUserInput, cat)

	assert.True(t, py.Sanitizer([]string{"html", "escape"}))
	assert.True(t, py.Sanitizer([]string{"str"}), "coercions are cleansing by default")
	assert.False(t, py.Sanitizer([]string{"escape"}), "suffix matching does not invent prefixes")
}

func TestLongestSuffixWins(t *testing.T) {
	t.Parallel()

	rs := &Ruleset{Languages: map[schemas.Language]*LanguageRules{
		schemas.LangPython: {
			Sinks: []SinkRule{
				{Pattern: "write", Kind: schemas.SinkFilesystemWrite},
				{Pattern: "sock.write", Kind: schemas.SinkNetworkWrite},
			},
		},
	}}
	c, err := rs.Compile()
	require.NoError(t, err)
	py, _ := c.ForLanguage(schemas.LangPython)

	kind, pattern, ok := py.Sink([]string{"sock", "write"})
	require.True(t, ok)
	assert.Equal(t, schemas.SinkNetworkWrite, kind, "more specific pattern must win")
	assert.Equal(t, "sock.write", pattern)

	kind, _, ok = py.Sink([]string{"f", "write"})
	require.True(t, ok)
	assert.Equal(t, schemas.SinkFilesystemWrite, kind)
}

func TestValidateRejectsBadBundles(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		bundle  *Ruleset
		wantSub string
	}{
		{
			name:    "no languages",
			bundle:  &Ruleset{},
			wantSub: "no languages",
		},
		{
			name: "empty source pattern",
			bundle: &Ruleset{Languages: map[schemas.Language]*LanguageRules{
				schemas.LangPython: {Sources: []SourceRule{{Pattern: "  ", Category: schemas.SourceUserInput}}},
			}},
			wantSub: "empty pattern",
		},
		{
			name: "unknown category",
			bundle: &Ruleset{Languages: map[schemas.Language]*LanguageRules{
				schemas.LangPython: {Sources: []SourceRule{{Pattern: "input", Category: "wildcard"}}},
			}},
			wantSub: "unknown source category",
		},
		{
			name: "unknown sink kind",
			bundle: &Ruleset{Languages: map[schemas.Language]*LanguageRules{
				schemas.LangJavaScript: {Sinks: []SinkRule{{Pattern: "eval", Kind: "rce"}}},
			}},
			wantSub: "unknown sink kind",
		},
		{
			name: "conflicting sink kinds",
			bundle: &Ruleset{Languages: map[schemas.Language]*LanguageRules{
				schemas.LangPython: {Sinks: []SinkRule{
					{Pattern: "execute", Kind: schemas.SinkQueryExecution},
					{Pattern: "execute", Kind: schemas.SinkCodeExecution},
				}},
			}},
			wantSub: "conflicting kinds",
		},
		{
			name: "empty sanitizer",
			bundle: &Ruleset{Languages: map[schemas.Language]*LanguageRules{
				schemas.LangPython: {Sanitizers: []string{""}},
			}},
			wantSub: "empty pattern",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.bundle.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantSub)

			_, err = tc.bundle.Compile()
			assert.Error(t, err, "compile must refuse what validate refuses")

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "error chain must expose *ValidationError")
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	t.Parallel()

	bundle := &Ruleset{Languages: map[schemas.Language]*LanguageRules{
		schemas.LangPython: {
			Sources:    []SourceRule{{Pattern: "", Category: "bogus"}},
			Sinks:      []SinkRule{{Pattern: "", Kind: "bogus"}},
			Sanitizers: []string{" "},
		},
	}}
	err := bundle.Validate()
	require.Error(t, err)
	// One report per problem, not just the first.
	assert.GreaterOrEqual(t, strings.Count(err.Error(), "rules:"), 3)
}
