// Package pricing loads the per-model token rate table. Rates feed the audit
// metadata on usage log entries; the deduction itself is denominated in raw
// provider tokens and never consults them.
package pricing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rate holds the per-1000-token prices for one model.
type Rate struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Table maps a model identifier to its rate. The table is immutable after
// load and handed to the charger at construction time.
type Table map[string]Rate

// Load reads a YAML rate table:
//
//	models:
//	  gpt-4o-mini:
//	    input_per_1k: 0.15
//	    output_per_1k: 0.6
func Load(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rate table from memory.
func Parse(data []byte) (Table, error) {
	var doc struct {
		Models map[string]Rate `yaml:"models"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	if doc.Models == nil {
		doc.Models = map[string]Rate{}
	}
	for model, rate := range doc.Models {
		if rate.InputPer1K < 0 || rate.OutputPer1K < 0 {
			return nil, fmt.Errorf("negative rate for model %q", model)
		}
	}
	return Table(doc.Models), nil
}

// Lookup returns the rate for a model. Unknown models get a zero rate; the
// entry is still billed by token count, only the cost audit fields read 0.
func (t Table) Lookup(model string) Rate {
	if t == nil {
		return Rate{}
	}
	return t[model]
}
