// Package report renders evidence for people who were not part of the
// capture: a plain text summary, Markdown for tickets and the raw JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"framewitness/internal/evidence"
	"framewitness/internal/status"
)

// Format selects the output format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts the format names and their common short forms.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "", "text", "txt":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("report: unknown format %q", s)
}

// Generator renders evidence in one format.
type Generator struct {
	format  Format
	verbose bool
}

// NewGenerator creates a generator for format.
func NewGenerator(format Format) *Generator {
	return &Generator{format: format}
}

// WithVerbose includes per-checkpoint detail and full hashes.
func (g *Generator) WithVerbose(verbose bool) *Generator {
	g.verbose = verbose
	return g
}

// Generate writes ev to w.
func (g *Generator) Generate(ev *evidence.Evidence, w io.Writer) error {
	switch g.format {
	case FormatJSON:
		data, err := ev.Encode()
		if err != nil {
			return err
		}
		_, err = w.Write(append(data, '\n'))
		return err
	case FormatText:
		return g.text(ev.Record(), w)
	case FormatMarkdown:
		return g.markdown(ev.Record(), w)
	}
	return fmt.Errorf("report: unknown format %q", g.format)
}

func (g *Generator) text(rec evidence.Record, w io.Writer) error {
	rule := strings.Repeat("=", 80)
	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "                  FRAMEWITNESS CAPTURE EVIDENCE REPORT")
	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "Confidence:      %s (score %.2f)\n", strings.ToUpper(string(rec.ConfidenceLevel)), rec.Confidence.OverallScore)
	fmt.Fprintf(&b, "Evidence ID:     %s\n", rec.EvidenceID)
	fmt.Fprintf(&b, "Capture ID:      %s\n", rec.CaptureID)
	fmt.Fprintf(&b, "Device ID:       %s\n", rec.DeviceID)
	fmt.Fprintf(&b, "Created:         %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Mode:            %s\n", rec.Processing.Mode)
	if rec.Processing.MediaDigest != "" {
		fmt.Fprintf(&b, "Media Digest:    %s\n", g.truncate(rec.Processing.MediaDigest.String()))
	}
	if rec.Processing.Supersedes != "" {
		fmt.Fprintf(&b, "Supersedes:      %s\n", rec.Processing.Supersedes)
	}
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "--- Hash Chain ---")
	hc := rec.HashChain
	fmt.Fprintf(&b, "[%s] %s", symbol(hc.Status), hc.Status)
	if hc.Reason != "" {
		fmt.Fprintf(&b, " (%s)", hc.Reason)
	}
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Intact:          %t (%s analysis)\n", hc.ChainIntact, hc.AnalysisSource)
	fmt.Fprintf(&b, "Attested:        %t\n", hc.AttestationValid)
	fmt.Fprintf(&b, "Frames:          %d of %d verified\n", hc.VerifiedFrames, hc.TotalFrames)
	if hc.BrokenAtFrame != nil {
		fmt.Fprintf(&b, "Broken At:       frame %d\n", *hc.BrokenAtFrame)
	}
	if g.verbose {
		for _, cp := range hc.Checkpoints {
			fmt.Fprintf(&b, "  checkpoint %d @%d frames: hash=%t signed=%t valid=%t\n",
				cp.Index, cp.FrameNumber, cp.HashMatches, cp.Signed, cp.SignatureValid)
		}
		for _, e := range hc.Errors {
			fmt.Fprintf(&b, "  error: %s\n", e)
		}
	}
	fmt.Fprintln(&b)

	fmt.Fprintln(&b, "--- Checks ---")
	for _, c := range rec.Confidence.PerSignalBreakdown {
		line := fmt.Sprintf("[%s] %-12s", symbol(c.Status), c.Name)
		if c.Status == status.Unavailable {
			line += " unavailable: " + c.Reason
		} else {
			line += fmt.Sprintf(" %-7s confidence %.2f weight %.2f", c.Status, c.Confidence, c.Weight)
			if c.Source != "" {
				line += " (" + c.Source + ")"
			}
		}
		fmt.Fprintln(&b, line)
	}
	fmt.Fprintln(&b)

	if len(rec.CrossValidation.Anomalies) > 0 {
		fmt.Fprintln(&b, "--- Anomalies ---")
		for _, a := range rec.CrossValidation.Anomalies {
			fmt.Fprintf(&b, "  * [%s] %s\n", a.Severity, a.Description)
		}
		fmt.Fprintln(&b)
	}
	if len(rec.Claims) > 0 {
		fmt.Fprintln(&b, "--- Claims ---")
		for _, c := range rec.Claims {
			fmt.Fprintf(&b, "  * %s (%s)\n", c.Description, c.Basis)
		}
		fmt.Fprintln(&b)
	}
	if len(rec.Limitations) > 0 {
		fmt.Fprintln(&b, "--- Limitations ---")
		for _, l := range rec.Limitations {
			fmt.Fprintf(&b, "  * %s\n", l)
		}
		fmt.Fprintln(&b)
	}

	fmt.Fprintf(&b, "Processed in %dms (budget %dms)\n", rec.Processing.DurationMs, rec.Processing.BudgetMs)
	fmt.Fprintln(&b, rule)
	_, err := io.WriteString(w, b.String())
	return err
}

const markdownTemplate = `# Capture Evidence Report

| Property | Value |
|----------|-------|
| **Confidence** | {{upper .ConfidenceLevel}} ({{printf "%.2f" .Confidence.OverallScore}}) |
| **Evidence ID** | ` + "`{{.EvidenceID}}`" + ` |
| **Capture ID** | ` + "`{{.CaptureID}}`" + ` |
| **Device ID** | ` + "`{{.DeviceID}}`" + ` |
| **Mode** | {{.Processing.Mode}} |
| **Chain** | {{.HashChain.Status}}, {{.HashChain.VerifiedFrames}}/{{.HashChain.TotalFrames}} frames ({{.HashChain.AnalysisSource}}) |
{{- if .Processing.Supersedes}}
| **Supersedes** | ` + "`{{.Processing.Supersedes}}`" + ` |
{{- end}}

## Checks

| Check | Status | Confidence | Note |
|-------|--------|------------|------|
{{range .Confidence.PerSignalBreakdown}}| {{.Name}} | {{.Status}} | {{printf "%.2f" .Confidence}} | {{.Reason}} |
{{end}}
{{- if .CrossValidation.Anomalies}}
## Anomalies

{{range .CrossValidation.Anomalies}}- **{{.Severity}}**: {{.Description}}
{{end}}
{{- end}}
{{- if .Limitations}}
## Limitations

{{range .Limitations}}- {{.}}
{{end}}
{{- end}}
---
*Generated {{.CreatedAt.Format "2006-01-02T15:04:05Z07:00"}}*
`

var mdTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"upper": func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
}).Parse(markdownTemplate))

func (g *Generator) markdown(rec evidence.Record, w io.Writer) error {
	return mdTemplate.Execute(w, rec)
}

func (g *Generator) truncate(s string) string {
	if g.verbose || len(s) <= 24 {
		return s
	}
	return s[:16] + "..." + s[len(s)-8:]
}

func symbol(s status.Status) string {
	switch s {
	case status.Pass:
		return "OK"
	case status.Fail:
		return "!!"
	case status.Partial:
		return "~~"
	case status.Unavailable:
		return "--"
	}
	return "  "
}

// Summary is a one-line description of ev.
func Summary(ev *evidence.Evidence) string {
	rec := ev.Record()
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] capture %s", strings.ToUpper(string(rec.ConfidenceLevel)), rec.CaptureID)
	fmt.Fprintf(&b, " score %.2f, chain %s", rec.Confidence.OverallScore, rec.HashChain.Status)
	if n := len(rec.Processing.ChecksPerformed); n > 0 {
		fmt.Fprintf(&b, ", %d/%d checks", n, n+len(rec.Processing.ChecksUnavailable))
	}
	if n := len(rec.CrossValidation.Anomalies); n > 0 {
		fmt.Fprintf(&b, ", %d anomalies", n)
	}
	return b.String()
}

// Summaries renders one summary line per record, newest last.
func Summaries(evs []*evidence.Evidence) string {
	lines := make([]string, len(evs))
	for i, ev := range evs {
		lines[i] = Summary(ev)
	}
	return strings.Join(lines, "\n")
}

// JSON renders a list of evidence records as a JSON array.
func JSON(evs []*evidence.Evidence) ([]byte, error) {
	out := make([]json.RawMessage, len(evs))
	for i, ev := range evs {
		raw, err := ev.MarshalJSON()
		if err != nil {
			return nil, err
		}
		out[i] = raw
	}
	return json.MarshalIndent(out, "", "  ")
}
