package reporting

import (
	"fmt"
	"io"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vulnpredict/vulnflow/api/schemas"
	"github.com/vulnpredict/vulnflow/internal/reporting/sarif"
)

const (
	toolName     = "vulnflow"
	toolInfoURI  = "https://github.com/vulnpredict/vulnflow"
	sarifVersion = "2.1.0"
	sarifSchema  = "https://schemastore.azurewebsites.net/schemas/json/sarif-2.1.0-rtm.5.json"
)

// ruleDescriptions gives each sink kind its SARIF rule text.
var ruleDescriptions = map[schemas.SinkKind]string{
	schemas.SinkCodeExecution:   "Untrusted data reaches dynamic code execution.",
	schemas.SinkQueryExecution:  "Untrusted data reaches a database query.",
	schemas.SinkMarkupWrite:     "Untrusted data is written into markup.",
	schemas.SinkFilesystemWrite: "Untrusted data controls a filesystem operation.",
	schemas.SinkNetworkWrite:    "Untrusted data is sent over the network.",
}

// SARIFReporter renders the findings feed as one SARIF run.
type SARIFReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
}

// NewSARIFReporter takes ownership of the writer.
func NewSARIFReporter(writer io.WriteCloser, logger *zap.Logger) *SARIFReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SARIFReporter{writer: writer, logger: logger.Named("sarif")}
}

func (r *SARIFReporter) Write(result *schemas.ScanResult) error {
	log := r.build(result)
	enc := json.ConfigCompatibleWithStandardLibrary.NewEncoder(r.writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(log); err != nil {
		return fmt.Errorf("failed to encode SARIF log: %w", err)
	}
	r.logger.Debug("report written",
		zap.String("format", "sarif"),
		zap.Int("results", len(result.Findings)))
	return nil
}

func (r *SARIFReporter) Close() error {
	return r.writer.Close()
}

func (r *SARIFReporter) build(result *schemas.ScanResult) *sarif.Log {
	driver := &sarif.ToolComponent{
		Name:           toolName,
		InformationURI: ptr(toolInfoURI),
	}
	// Rules are declared for every kind so result ruleIds always resolve,
	// in the stable declaration order of the kinds themselves.
	for _, kind := range schemas.SinkKinds() {
		driver.Rules = append(driver.Rules, &sarif.ReportingDescriptor{
			ID:               ruleID(kind),
			Name:             ptr(string(kind)),
			ShortDescription: &sarif.MultiformatMessageString{Text: ptr(ruleDescriptions[kind])},
		})
	}

	results := make([]*sarif.Result, 0, len(result.Findings))
	for _, f := range result.Findings {
		results = append(results, r.result(f))
	}

	return &sarif.Log{
		Version: sarifVersion,
		Schema:  sarifSchema,
		Runs: []*sarif.Run{{
			Tool:    &sarif.Tool{Driver: driver},
			Results: results,
		}},
	}
}

func (r *SARIFReporter) result(f schemas.Finding) *sarif.Result {
	msg := fmt.Sprintf("Tainted data (%s) from %s reaches %s sink at %s.",
		f.SourceCategory, f.SourceLocation, f.SinkKind, f.SinkLocation)

	res := &sarif.Result{
		RuleID:    ruleID(f.SinkKind),
		Message:   &sarif.Message{Text: ptr(msg)},
		Level:     level(f.ConfidenceHint),
		Locations: []*sarif.Location{location(f.SinkLocation, "")},
		Properties: &sarif.PropertyBag{
			"confidence":      string(f.ConfidenceHint),
			"source_category": string(f.SourceCategory),
		},
	}

	// The hop path becomes one thread flow: source first, then each
	// recorded boundary in order.
	tf := &sarif.ThreadFlow{}
	tf.Locations = append(tf.Locations, &sarif.ThreadFlowLocation{
		Location: location(f.SourceLocation, "source: "+string(f.SourceCategory)),
	})
	for _, hop := range f.Path {
		tf.Locations = append(tf.Locations, &sarif.ThreadFlowLocation{
			Location: location(hop.Location, hop.SymbolName),
		})
	}
	res.CodeFlows = []*sarif.CodeFlow{{ThreadFlows: []*sarif.ThreadFlow{tf}}}
	return res
}

func ruleID(kind schemas.SinkKind) string {
	return "taint." + string(kind)
}

func level(c schemas.Confidence) sarif.Level {
	switch c {
	case schemas.ConfidenceHigh:
		return sarif.LevelError
	case schemas.ConfidenceMedium:
		return sarif.LevelWarning
	default:
		return sarif.LevelNote
	}
}

func location(canonical, message string) *sarif.Location {
	loc := &sarif.Location{}
	if message != "" {
		loc.Message = &sarif.Message{Text: ptr(message)}
	}
	file, line, col, err := schemas.ParseLocation(canonical)
	if err != nil {
		// A malformed location still yields a usable result, just without
		// a physical anchor.
		loc.Message = &sarif.Message{Text: ptr(canonical)}
		return loc
	}
	loc.PhysicalLocation = &sarif.PhysicalLocation{
		ArtifactLocation: &sarif.ArtifactLocation{URI: ptr(file)},
		Region:           &sarif.Region{StartLine: ptr(line), StartColumn: ptr(col)},
	}
	return loc
}

func ptr[T any](v T) *T { return &v }
