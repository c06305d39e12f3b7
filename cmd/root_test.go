package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnpredict/vulnflow/internal/observability"
)

// execute runs a fresh command tree and captures its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(observability.ResetForTest)

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "vulnflow version "+Version)
}

func TestRootNoArgsShowsHelp(t *testing.T) {
	out, err := execute(t)
	require.NoError(t, err)
	assert.Contains(t, out, "vulnflow")
	assert.Contains(t, out, "scan")
	assert.Contains(t, out, "rules")
}

func TestRootUnknownCommand(t *testing.T) {
	_, err := execute(t, "explode")
	require.Error(t, err)
}
