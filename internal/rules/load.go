package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// Format selects the on-disk encoding of a bundle file.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Load reads and validates a bundle file, choosing the decoder from the
// extension (.yaml/.yml/.json). Any failure here is a configuration error
// and must abort the invocation before a scan starts.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules bundle: %w", err)
	}
	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = FormatYAML
	case ".json":
		format = FormatJSON
	default:
		return nil, fmt.Errorf("rules bundle %s: unsupported extension (want .yaml, .yml or .json)", path)
	}
	rs, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("rules bundle %s: %w", path, err)
	}
	return rs, nil
}

// Parse decodes and validates bundle bytes in the given format.
func Parse(data []byte, format Format) (*Ruleset, error) {
	var rs Ruleset
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("decoding yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &rs); err != nil {
			return nil, fmt.Errorf("decoding json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown rules format %q", format)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}
