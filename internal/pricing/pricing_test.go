package pricing

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleTable = `
models:
  gpt-4o-mini:
    input_per_1k: 0.15
    output_per_1k: 0.6
  claude-haiku:
    input_per_1k: 0.25
    output_per_1k: 1.25
`

func TestParseAndLookup(t *testing.T) {
	table, err := Parse([]byte(sampleTable))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rate := table.Lookup("gpt-4o-mini")
	if rate.InputPer1K != 0.15 || rate.OutputPer1K != 0.6 {
		t.Fatalf("unexpected rate %+v", rate)
	}
	if got := table.Lookup("unknown-model"); got != (Rate{}) {
		t.Fatalf("unknown model must have zero rate, got %+v", got)
	}
}

func TestParseRejectsNegativeRates(t *testing.T) {
	_, err := Parse([]byte("models:\n  bad:\n    input_per_1k: -1\n"))
	if err == nil {
		t.Fatalf("expected error for negative rate")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	table, err := Parse([]byte(""))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("expected empty table, got %d entries", len(table))
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	if err := os.WriteFile(path, []byte(sampleTable), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	table, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(table) != 2 {
		t.Fatalf("expected 2 models, got %d", len(table))
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
