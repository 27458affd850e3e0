// Package prfeedback renders scan results into pull-request decoration
// comments and keeps exactly one identifier-marked comment per PR up to date.
package prfeedback

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// EnhancedReport is the scanner's aggregated findings document.
type EnhancedReport struct {
	ScanID    string                  `json:"scan_id"`
	ProjectID string                  `json:"project_id"`
	Engines   map[string]EngineResult `json:"engines"`
	SAST      []SASTFinding           `json:"sast"`
	SCA       []SCAFinding            `json:"sca"`
	IaC       []IaCFinding            `json:"iac"`
	Resolved  []ResolvedFinding       `json:"resolved"`
}

// EngineResult is one engine's terminal status.
type EngineResult struct {
	Status string `json:"status"`
}

// Successful reports whether the engine completed.
func (e EngineResult) Successful() bool { return e.Status == "Completed" }

type SASTFinding struct {
	QueryName string `json:"query_name"`
	Severity  string `json:"severity"`
	State     string `json:"state"`
	Issue     string `json:"issue"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Link      string `json:"link"`
}

type SCAFinding struct {
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	CVE         string `json:"cve"`
	Severity    string `json:"severity"`
	State       string `json:"state"`
	Link        string `json:"link"`
}

type IaCFinding struct {
	Technology string `json:"technology"`
	QueryName  string `json:"query_name"`
	Severity   string `json:"severity"`
	File       string `json:"file"`
	Link       string `json:"link"`
}

type ResolvedFinding struct {
	Name     string `json:"name"`
	Severity string `json:"severity"`
	State    string `json:"state"`
	Link     string `json:"link"`
}

// ParseEnhancedReport decodes the scanner's report JSON.
func ParseEnhancedReport(data []byte) (*EnhancedReport, error) {
	var r EnhancedReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing enhanced report: %w", err)
	}
	return &r, nil
}

// Filter drops findings with excluded severities or triage states.
type Filter struct {
	ExcludedSeverities map[workflows.ResultSeverity]bool
	ExcludedStates     map[workflows.ResultState]bool
}

func (f *Filter) keep(severity, state string) bool {
	if f == nil {
		return true
	}
	if f.ExcludedSeverities[workflows.ParseSeverity(severity)] {
		return false
	}
	if state != "" && f.ExcludedStates[workflows.ResultState(state)] {
		return false
	}
	return true
}

// sortKey builds the composite ordering key: fixed-width severity rank
// followed by the secondary fields.
func sortKey(severity string, secondary ...string) string {
	return workflows.ParseSeverity(severity).RankKey() + strings.Join(secondary, "\x00")
}

// normalizeVersion zero-pads dotted numeric version components so semantic
// versions order correctly under string comparison.
func normalizeVersion(v string) string {
	var parts = strings.Split(v, ".")
	for i, p := range parts {
		if len(p) < 5 && p != "" && strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }) == -1 {
			parts[i] = strings.Repeat("0", 5-len(p)) + p
		}
	}
	return strings.Join(parts, ".")
}

func sortSAST(findings []SASTFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return sortKey(findings[i].Severity, findings[i].Issue) <
			sortKey(findings[j].Severity, findings[j].Issue)
	})
}

func sortSCA(findings []SCAFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return sortKey(findings[i].Severity, findings[i].PackageName, normalizeVersion(findings[i].Version), findings[i].CVE) <
			sortKey(findings[j].Severity, findings[j].PackageName, normalizeVersion(findings[j].Version), findings[j].CVE)
	})
}

func sortIaC(findings []IaCFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return sortKey(findings[i].Severity, findings[i].Technology) <
			sortKey(findings[j].Severity, findings[j].Technology)
	})
}

func sortResolved(findings []ResolvedFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		return sortKey(findings[i].Severity, findings[i].Name) <
			sortKey(findings[j].Severity, findings[j].Name)
	})
}

// severityCounts tallies findings per severity for the summary table.
func (r *EnhancedReport) severityCounts(f *Filter) map[string]map[workflows.ResultSeverity]int {
	var counts = map[string]map[workflows.ResultSeverity]int{}
	var add = func(engine, severity, state string) {
		if !f.keep(severity, state) {
			return
		}
		if counts[engine] == nil {
			counts[engine] = map[workflows.ResultSeverity]int{}
		}
		counts[engine][workflows.ParseSeverity(severity)]++
	}
	for _, s := range r.SAST {
		add("sast", s.Severity, s.State)
	}
	for _, s := range r.SCA {
		add("sca", s.Severity, s.State)
	}
	for _, s := range r.IaC {
		add("iac", s.Severity, "")
	}
	return counts
}
