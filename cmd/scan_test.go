package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

func writeTarget(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func readReport(t *testing.T, path string) *schemas.ScanResult {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var result schemas.ScanResult
	require.NoError(t, json.Unmarshal(data, &result))
	return &result
}

func TestScanEndToEnd(t *testing.T) {
	target := writeTarget(t, map[string]string{
		"app.py": `def handler():
    data = input()
    eval(data)

handler()
`,
		"clean.py": `def greet(name):
    return "hello " + name
`,
		"node_modules/dep.js": `eval(location.hash)`,
	})
	report := filepath.Join(t.TempDir(), "report.json")

	_, err := execute(t, "scan", target, "--format", "json", "--output", report, "--no-churn")
	require.NoError(t, err)

	result := readReport(t, report)
	assert.Equal(t, target, result.Target)
	assert.NotEmpty(t, result.ScanID)
	// node_modules is never descended into.
	assert.Equal(t, 2, result.Stats.Files)

	require.NotEmpty(t, result.Findings)
	f := result.Findings[0]
	assert.Equal(t, schemas.SinkCodeExecution, f.SinkKind)
	assert.Equal(t, schemas.SourceUserInput, f.SourceCategory)
	assert.Contains(t, f.SourceLocation, "app.py")
	assert.Contains(t, f.SinkLocation, "app.py")
}

func TestScanSarifOutput(t *testing.T) {
	target := writeTarget(t, map[string]string{
		"web.js": `var payload = location.hash;
document.write(payload);
`,
	})
	report := filepath.Join(t.TempDir(), "report.sarif")

	_, err := execute(t, "scan", target, "--format", "sarif", "--output", report, "--no-churn")
	require.NoError(t, err)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"2.1.0"`)
	assert.Contains(t, string(data), "taint.markup-write")
}

func TestScanCustomRules(t *testing.T) {
	target := writeTarget(t, map[string]string{
		"app.py": `def run():
    x = read_widget()
    launch(x)

run()
`,
	})
	bundle := writeFile(t, "rules.yaml", `
languages:
  python:
    sources:
      - pattern: read_widget
        category: user-input
    sinks:
      - pattern: launch
        kind: code-execution
`)
	report := filepath.Join(t.TempDir(), "report.json")

	_, err := execute(t, "scan", target,
		"--rules", bundle, "--format", "json", "--output", report, "--no-churn")
	require.NoError(t, err)

	result := readReport(t, report)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, schemas.SinkCodeExecution, result.Findings[0].SinkKind)
}

func TestScanInvalidRulesIsFatal(t *testing.T) {
	target := writeTarget(t, map[string]string{"app.py": "x = 1\n"})
	bundle := writeFile(t, "rules.yaml", "languages: {}\n")

	_, err := execute(t, "scan", target, "--rules", bundle, "--no-churn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "languages")
}

func TestScanBadTarget(t *testing.T) {
	t.Run("missing directory", func(t *testing.T) {
		_, err := execute(t, "scan", filepath.Join(t.TempDir(), "gone"), "--no-churn")
		require.Error(t, err)
	})

	t.Run("target is a file", func(t *testing.T) {
		path := writeFile(t, "app.py", "x = 1\n")
		_, err := execute(t, "scan", path, "--no-churn")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not a directory")
	})
}

func TestScanUnsupportedFormat(t *testing.T) {
	target := writeTarget(t, map[string]string{"app.py": "x = 1\n"})
	_, err := execute(t, "scan", target, "--format", "xml", "--no-churn")
	require.Error(t, err)
}
