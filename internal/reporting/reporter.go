// Package reporting writes a completed scan to its output form: the raw
// JSON envelope the downstream scorer ingests, or SARIF 2.1.0 for code
// scanning consumers.
package reporting

import (
	"fmt"
	"io"
	"os"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
)

// Reporter renders one scan result to an output.
type Reporter interface {
	// Write renders the result. It may be called once per scan.
	Write(result *schemas.ScanResult) error
	// Close finalizes the report and releases the underlying writer.
	Close() error
}

// nopWriteCloser keeps stdout open across reports.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error { return nil }

// New creates a reporter for the format, writing to outputPath or stdout
// when the path is empty.
func New(format, outputPath string, logger *zap.Logger) (Reporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var writer io.WriteCloser
	isStdOut := outputPath == "" || outputPath == "stdout"
	if isStdOut {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch format {
	case "json":
		return &JSONReporter{writer: writer, logger: logger.Named("reporter")}, nil
	case "sarif":
		return NewSARIFReporter(writer, logger), nil
	default:
		if !isStdOut {
			writer.Close()
		}
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

// JSONReporter writes the scan envelope verbatim, indented.
type JSONReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
}

func (r *JSONReporter) Write(result *schemas.ScanResult) error {
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode scan result: %w", err)
	}
	r.logger.Debug("report written",
		zap.String("format", "json"),
		zap.Int("findings", len(result.Findings)))
	return nil
}

func (r *JSONReporter) Close() error {
	return r.writer.Close()
}
