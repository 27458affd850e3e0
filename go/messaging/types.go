package messaging

import (
	"time"

	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// Fixed type tags. These are wire-visible and must never be renumbered or
// reused for a different shape.
const (
	TypeScanAwait           = "ScanAwaitMessage"
	TypeScanFeedback        = "ScanFeedbackMessage"
	TypeScanAnnotation      = "ScanAnnotationMessage"
	TypeDelegatedScan       = "DelegatedScanMessage"
	TypeDelegatedScanResult = "DelegatedScanResultMessage"
)

// WorkflowDetails carries the per-workflow context that feedback services
// need to act on a completed scan. Push workflows use the repository fields
// only; PR workflows additionally populate the PR fields.
type WorkflowDetails struct {
	CloneURL     string `json:"clone_url"`
	RepoOrg      string `json:"repo_organization,omitempty"`
	RepoProject  string `json:"repo_project_key,omitempty"`
	RepoSlug     string `json:"repo_slug,omitempty"`
	SourceBranch string `json:"source_branch"`
	SourceHash   string `json:"source_hash"`
	TargetBranch string `json:"target_branch,omitempty"`

	PRID     string `json:"pr_id,omitempty"`
	PRState  string `json:"pr_state,omitempty"`
	PRStatus string `json:"pr_status,omitempty"`
}

// ScanAwaitMessage is the self-refreshing poll token for a running scan.
// It's published with a per-message TTL equal to the current polling
// interval; the broker dead-letters it to the polling queue on expiry.
type ScanAwaitMessage struct {
	ScanHeader
	ProjectID       string          `json:"projectid"`
	ScanID          string          `json:"scanid"`
	WorkflowDetails WorkflowDetails `json:"workflow_details"`
	// DropBy is the absolute unix-seconds deadline after which polling for
	// this scan stops unconditionally.
	DropBy int64 `json:"drop_by"`
}

func (m *ScanAwaitMessage) Type() string        { return TypeScanAwait }
func (m *ScanAwaitMessage) Header() *ScanHeader { return &m.ScanHeader }

// NewScanAwaitMessage starts a new poll conversation for a scan.
func NewScanAwaitMessage(moniker string, workflow workflows.ScanWorkflow, projectID, scanID string, details WorkflowDetails, dropBy time.Time) *ScanAwaitMessage {
	return &ScanAwaitMessage{
		ScanHeader:      newHeader(TypeScanAwait, moniker, workflow, workflows.StateAwait),
		ProjectID:       projectID,
		ScanID:          scanID,
		WorkflowDetails: details,
		DropBy:          dropBy.Unix(),
	}
}

// ScanFeedbackMessage is fanned out to the feedback services when a scan
// reaches a terminal state.
type ScanFeedbackMessage struct {
	ScanHeader
	ProjectID       string          `json:"projectid"`
	ScanID          string          `json:"scanid"`
	WorkflowDetails WorkflowDetails `json:"workflow_details"`
	IsError         bool            `json:"is_error"`
	ErrorMsg        string          `json:"error_msg,omitempty"`
}

func (m *ScanFeedbackMessage) Type() string        { return TypeScanFeedback }
func (m *ScanFeedbackMessage) Header() *ScanHeader { return &m.ScanHeader }

// NewScanFeedbackMessage reports a terminal scan outcome. errorMsg is empty
// for successful scans.
func NewScanFeedbackMessage(moniker string, workflow workflows.ScanWorkflow, projectID, scanID string, details WorkflowDetails, errorMsg string) *ScanFeedbackMessage {
	return &ScanFeedbackMessage{
		ScanHeader:      newHeader(TypeScanFeedback, moniker, workflow, workflows.StateFeedback),
		ProjectID:       projectID,
		ScanID:          scanID,
		WorkflowDetails: details,
		IsError:         errorMsg != "",
		ErrorMsg:        errorMsg,
	}
}

// ScanAnnotationMessage posts an informational annotation on the PR while the
// scan is still in flight ("Scan Started").
type ScanAnnotationMessage struct {
	ScanHeader
	ProjectID       string          `json:"projectid"`
	ScanID          string          `json:"scanid"`
	WorkflowDetails WorkflowDetails `json:"workflow_details"`
	Annotation      string          `json:"annotation"`
}

func (m *ScanAnnotationMessage) Type() string        { return TypeScanAnnotation }
func (m *ScanAnnotationMessage) Header() *ScanHeader { return &m.ScanHeader }

func NewScanAnnotationMessage(moniker string, workflow workflows.ScanWorkflow, projectID, scanID string, details WorkflowDetails, annotation string) *ScanAnnotationMessage {
	return &ScanAnnotationMessage{
		ScanHeader:      newHeader(TypeScanAnnotation, moniker, workflow, workflows.StateAnnotate),
		ProjectID:       projectID,
		ScanID:          scanID,
		WorkflowDetails: details,
		Annotation:      annotation,
	}
}
