// Package workflows defines the shared vocabulary of the scan workflow
// pipeline: workflow and state enumerations, result severities and states,
// and the broker routing-key grammar
// `cxoneflow.<scope>.<state>.<workflow>.<moniker>`.
package workflows

import (
	"fmt"
	"strings"
)

// ScanWorkflow names the end-to-end workflow a scan belongs to.
type ScanWorkflow string

const (
	WorkflowPR      ScanWorkflow = "pull-request"
	WorkflowPush    ScanWorkflow = "push"
	WorkflowKickoff ScanWorkflow = "kickoff"
)

// FeedbackWorkflow names a feedback pipeline bound to completed scans.
type FeedbackWorkflow string

const (
	FeedbackPR      FeedbackWorkflow = "pull-request"
	FeedbackPushGen FeedbackWorkflow = "push-gen"
)

// ScanState is the lifecycle state carried by workflow messages.
type ScanState string

const (
	StateAwait    ScanState = "await"
	StateFeedback ScanState = "feedback"
	StateAnnotate ScanState = "annotate"
	StateExecute  ScanState = "exec"
	StateDone     ScanState = "finished"
	StateFailure  ScanState = "failed"
)

// Scopes partition the routing-key space per pipeline.
const (
	ScopePR   = "pr"
	ScopePush = "push"
	ScopeExec = "exec"
)

// TopicPrefix roots every routing key published by this service, and
// ElementPrefix roots every exchange and queue name it declares.
const (
	TopicPrefix   = "cxoneflow."
	ElementPrefix = "cxoneflow:"
)

// Topic forms a routing key under the grammar
// cxoneflow.<scope>.<state>.<workflow>.<moniker>.
func Topic(scope string, state ScanState, workflow fmt.Stringer, moniker string) string {
	return fmt.Sprintf("%s%s.%s.%s.%s", TopicPrefix, scope, state, workflow, moniker)
}

// Binding forms a consumer binding pattern with `*` wildcards where arguments
// are empty. A `*` matches exactly one dotted segment.
func Binding(scope string, state ScanState, workflow, moniker string) string {
	var seg = func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return fmt.Sprintf("%s%s.%s.%s.%s", TopicPrefix, seg(scope), seg(string(state)), seg(workflow), seg(moniker))
}

// ScopeFor maps a workflow onto its routing-key scope. Kickoff scans ride
// the push pipeline.
func ScopeFor(w ScanWorkflow) string {
	if w == WorkflowPR {
		return ScopePR
	}
	return ScopePush
}

func (w ScanWorkflow) String() string   { return string(w) }
func (w FeedbackWorkflow) String() string { return string(w) }
func (s ScanState) String() string      { return string(s) }

// ResultSeverity is a finding severity with a total ordering. Lower rank
// sorts first.
type ResultSeverity string

const (
	SeverityCritical ResultSeverity = "Critical"
	SeverityHigh     ResultSeverity = "High"
	SeverityMedium   ResultSeverity = "Medium"
	SeverityLow      ResultSeverity = "Low"
	SeverityInfo     ResultSeverity = "Info"
)

// Severities lists all severities in rank order.
func Severities() []ResultSeverity {
	return []ResultSeverity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// ParseSeverity maps scanner severity strings onto the canonical enumeration.
// Unknown and empty values map to Info, matching the scanner's own behavior
// of reporting informational findings with a blank severity.
func ParseSeverity(s string) ResultSeverity {
	switch strings.ToLower(s) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// Rank returns the numeric severity rank: Critical=0 through Info=4.
func (s ResultSeverity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// RankKey is a fixed-width sort key prefix for composing ordered composite
// keys such as `severity_rank || secondary_field`.
func (s ResultSeverity) RankKey() string { return fmt.Sprintf("%03d", s.Rank()) }

// ResultState is a finding triage state.
type ResultState string

const (
	StateToVerify           ResultState = "To Verify"
	StateNotExploitable     ResultState = "Not Exploitable"
	StatePropNotExploitable ResultState = "Proposed Not Exploitable"
	StateConfirmed          ResultState = "Confirmed"
	StateUrgent             ResultState = "Urgent"
)
