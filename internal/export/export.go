package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Exporter writes a report in one format.
type Exporter interface {
	Export(r *Report, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for format: json, yaml or md.
func NewExporter(format string) (Exporter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, yaml, md)", format)
	}
}

// JSONExporter writes indented JSON.
type JSONExporter struct{}

func (e *JSONExporter) Export(r *Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func (e *JSONExporter) Extension() string { return "json" }

// YAMLExporter writes YAML.
type YAMLExporter struct{}

func (e *YAMLExporter) Export(r *Report, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(r)
}

func (e *YAMLExporter) Extension() string { return "yaml" }

// MarkdownExporter writes a human-readable report.
type MarkdownExporter struct{}

func (e *MarkdownExporter) Export(r *Report, w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", r.SessionID)
	fmt.Fprintf(&b, "**Status:** %s  \n", r.Status)
	if r.Prompt != "" {
		fmt.Fprintf(&b, "**Prompt:** %s  \n", r.Prompt)
	}
	if r.StartedAt != nil && r.FinishedAt != nil {
		fmt.Fprintf(&b, "**Duration:** %s  \n", r.FinishedAt.Sub(*r.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "**Events:** %d\n\n", r.EventCount)

	if r.Error != "" {
		fmt.Fprintf(&b, "> **Error:** %s\n\n", r.Error)
	}

	if len(r.Stages) > 0 {
		b.WriteString("## Stages\n\n")
		b.WriteString("| Stage | Events | Status | Total | p50 | p95 |\n")
		b.WriteString("|---|---:|---|---:|---:|---:|\n")
		for _, s := range r.Stages {
			fmt.Fprintf(&b, "| %s | %d | %s | %dms | %dms | %dms |\n", s.Stage, s.Count, s.Status, s.TotalMs, s.P50Ms, s.P95Ms)
		}
		b.WriteString("\n")
	}

	if r.FinalMessage != "" {
		b.WriteString("## Response\n\n")
		b.WriteString(r.FinalMessage)
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func (e *MarkdownExporter) Extension() string { return "md" }
