package prfeedback

import (
	"fmt"
	"strings"

	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// Identifier is the hidden marker at the top of every decoration comment.
// Finding it in an existing comment selects edit-in-place over create.
const Identifier = "[//]:#cxoneflow"

func sectionBegin(name string) string { return fmt.Sprintf("[//]:#cxoneflow:%s:begin", name) }
func sectionEnd(name string) string   { return fmt.Sprintf("[//]:#cxoneflow:%s:end", name) }

// Engine status markers rendered in the summary table.
const (
	engineOK     = "&#x2705;"
	engineFailed = "&#x274c;"
)

// Renderer produces the decoration document.
type Renderer struct {
	// ServerBaseURL prefixes artifact links (severity images).
	ServerBaseURL string
	Filter        *Filter
}

func (r *Renderer) severityCell(s workflows.ResultSeverity) string {
	if r.ServerBaseURL == "" {
		return string(s)
	}
	return fmt.Sprintf("![%s](%s/artifacts/%s.png) %s",
		s, strings.TrimSuffix(r.ServerBaseURL, "/"), strings.ToLower(string(s)), s)
}

func section(b *strings.Builder, name string, body func()) {
	b.WriteString(sectionBegin(name))
	b.WriteString("\n")
	body()
	b.WriteString(sectionEnd(name))
	b.WriteString("\n")
}

func (r *Renderer) header(b *strings.Builder, scanID string) {
	section(b, "header", func() {
		b.WriteString("# Checkmarx One Scan Results\n")
		fmt.Fprintf(b, "**Scan**: `%s`\n\n", scanID)
	})
}

func (r *Renderer) annotation(b *strings.Builder, text string) {
	section(b, "ann", func() {
		if text != "" {
			fmt.Fprintf(b, "> %s\n\n", text)
		}
	})
}

var engineTitles = []struct{ key, title string }{
	{"sast", "SAST"},
	{"sca", "SCA"},
	{"iac", "IaC"},
}

func (r *Renderer) summary(b *strings.Builder, report *EnhancedReport) {
	section(b, "summary", func() {
		b.WriteString("## Summary\n\n")
		b.WriteString("| Engine | Status |")
		for _, s := range workflows.Severities() {
			fmt.Fprintf(b, " %s |", s)
		}
		b.WriteString("\n|---|---|")
		b.WriteString(strings.Repeat("---|", len(workflows.Severities())))
		b.WriteString("\n")

		var counts = report.severityCounts(r.Filter)
		for _, engine := range engineTitles {
			var status = engineOK
			if result, ok := report.Engines[engine.key]; ok && !result.Successful() {
				status = engineFailed
			}
			fmt.Fprintf(b, "| %s | %s |", engine.title, status)
			for _, s := range workflows.Severities() {
				fmt.Fprintf(b, " %d |", counts[engine.key][s])
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	})
}

func (r *Renderer) details(b *strings.Builder, report *EnhancedReport) {
	section(b, "details", func() {
		b.WriteString("## Details\n\n")
		r.sastTable(b, report.SAST)
		r.scaTable(b, report.SCA)
		r.iacTable(b, report.IaC)
		r.resolvedTable(b, report.Resolved)
	})
}

func (r *Renderer) sastTable(b *strings.Builder, findings []SASTFinding) {
	var kept []SASTFinding
	for _, f := range findings {
		if r.Filter.keep(f.Severity, f.State) {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return
	}
	sortSAST(kept)
	b.WriteString("### SAST\n\n| Severity | Issue | Location | State |\n|---|---|---|---|\n")
	for _, f := range kept {
		fmt.Fprintf(b, "| %s | %s | %s:%d | %s |\n",
			r.severityCell(workflows.ParseSeverity(f.Severity)),
			mdLink(f.Issue, f.Link), f.File, f.Line, f.State)
	}
	b.WriteString("\n")
}

func (r *Renderer) scaTable(b *strings.Builder, findings []SCAFinding) {
	var kept []SCAFinding
	for _, f := range findings {
		if r.Filter.keep(f.Severity, f.State) {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return
	}
	sortSCA(kept)
	b.WriteString("### SCA\n\n| Severity | Package | Version | CVE | State |\n|---|---|---|---|---|\n")
	for _, f := range kept {
		fmt.Fprintf(b, "| %s | %s | %s | %s | %s |\n",
			r.severityCell(workflows.ParseSeverity(f.Severity)),
			f.PackageName, f.Version, mdLink(f.CVE, f.Link), f.State)
	}
	b.WriteString("\n")
}

func (r *Renderer) iacTable(b *strings.Builder, findings []IaCFinding) {
	var kept []IaCFinding
	for _, f := range findings {
		if r.Filter.keep(f.Severity, "") {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return
	}
	sortIaC(kept)
	b.WriteString("### IaC\n\n| Severity | Technology | Issue | File |\n|---|---|---|---|\n")
	for _, f := range kept {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n",
			r.severityCell(workflows.ParseSeverity(f.Severity)),
			f.Technology, mdLink(f.QueryName, f.Link), f.File)
	}
	b.WriteString("\n")
}

func (r *Renderer) resolvedTable(b *strings.Builder, findings []ResolvedFinding) {
	if len(findings) == 0 {
		return
	}
	var kept = append([]ResolvedFinding{}, findings...)
	sortResolved(kept)
	b.WriteString("### Resolved\n\n| Severity | Issue | State |\n|---|---|---|\n")
	for _, f := range kept {
		fmt.Fprintf(b, "| %s | %s | %s |\n",
			r.severityCell(workflows.ParseSeverity(f.Severity)),
			mdLink(f.Name, f.Link), f.State)
	}
	b.WriteString("\n")
}

func mdLink(text, href string) string {
	if href == "" {
		return text
	}
	return fmt.Sprintf("[%s](%s)", text, href)
}

// Render produces the full decoration document. When the full document would
// exceed maxLen, the details section is dropped and the summary-only variant
// returned instead.
func (r *Renderer) Render(report *EnhancedReport, annotation string, maxLen int) string {
	var full strings.Builder
	full.WriteString(Identifier)
	full.WriteString("\n")
	r.header(&full, report.ScanID)
	r.annotation(&full, annotation)
	r.summary(&full, report)
	r.details(&full, report)

	if maxLen <= 0 || full.Len() <= maxLen {
		return full.String()
	}

	var short strings.Builder
	short.WriteString(Identifier)
	short.WriteString("\n")
	r.header(&short, report.ScanID)
	r.annotation(&short, annotation)
	r.summary(&short, report)
	return short.String()
}

// RenderAnnotationOnly produces the minimal document used before results
// exist (scan started) or when feedback fails.
func (r *Renderer) RenderAnnotationOnly(scanID, annotation string) string {
	var b strings.Builder
	b.WriteString(Identifier)
	b.WriteString("\n")
	r.header(&b, scanID)
	r.annotation(&b, annotation)
	return b.String()
}
