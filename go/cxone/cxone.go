// Package cxone models the static-analysis scanner: the typed client surface
// the service depends on, and the orchestration logic layered on it (project
// create-or-retrieve, scan submission, tag updates, report retrieval).
// Transport details of the scanner REST API live behind the Client interface.
package cxone

import (
	"context"
	"fmt"
)

// Scan statuses reported by the scanner.
const (
	ScanStatusQueued    = "Queued"
	ScanStatusRunning   = "Running"
	ScanStatusCompleted = "Completed"
	ScanStatusFailed    = "Failed"
	ScanStatusPartial   = "Partial"
	ScanStatusCanceled  = "Canceled"
)

// UpdatableScanStatuses are the statuses whose scans still accept tag
// updates.
var UpdatableScanStatuses = []string{ScanStatusCompleted, ScanStatusFailed, ScanStatusPartial}

// ExecutingScanStatuses are the non-terminal statuses.
var ExecutingScanStatuses = []string{ScanStatusQueued, ScanStatusRunning}

// Project is the scanner's project record.
type Project struct {
	ID     string
	Name   string
	Tags   map[string]string
	Groups []string
}

// Scan is the scanner's scan record.
type Scan struct {
	ID        string
	ProjectID string
	Branch    string
	Status    string
	// StatusDetails carries per-engine status lines for completed scans.
	StatusDetails map[string]string
	Tags          map[string]string
	Engines       []string
}

// IsExecuting reports whether the scan has not yet reached a terminal state.
func (s *Scan) IsExecuting() bool {
	return s.Status == ScanStatusQueued || s.Status == ScanStatusRunning
}

// IsSuccess reports whether a terminal scan produced usable results.
func (s *Scan) IsSuccess() bool {
	return s.Status == ScanStatusCompleted || s.Status == ScanStatusPartial
}

// ScanFilter narrows scan listings.
type ScanFilter struct {
	ProjectID string
	Branch    string
	Statuses  []string
	// TagKey/TagValue select scans carrying a tag; TagValue may be empty to
	// match any value of TagKey.
	TagKey   string
	TagValue string
}

// ErrScannerAPI wraps failures of the scanner REST surface. Workflows treat
// it as terminal for the affected scan.
type ErrScannerAPI struct {
	Op  string
	Err error
}

func (e *ErrScannerAPI) Error() string { return fmt.Sprintf("scanner api %s: %v", e.Op, e.Err) }
func (e *ErrScannerAPI) Unwrap() error { return e.Err }

// Client is the typed scanner surface. Implementations own authentication,
// retries, and wire formats.
type Client interface {
	CreateProject(ctx context.Context, name string, groups []string, tags map[string]string) (*Project, error)
	ProjectByName(ctx context.Context, name string) (*Project, error)
	ProjectByID(ctx context.Context, id string) (*Project, error)
	UpdateProject(ctx context.Context, p *Project) error

	// SubmitScanZip uploads a zipped clone and starts a scan.
	SubmitScanZip(ctx context.Context, projectID, branch, zipPath string, tags map[string]string) (*Scan, error)
	ScanByID(ctx context.Context, scanID string) (*Scan, error)
	Scans(ctx context.Context, filter ScanFilter) ([]Scan, error)
	UpdateScanTags(ctx context.Context, scanID string, tags map[string]string) error

	// EnhancedReport requests generation of the aggregated findings report
	// and returns a report id to poll.
	EnhancedReport(ctx context.Context, scanID string) (reportID string, err error)
	ReportStatus(ctx context.Context, reportID string) (done bool, err error)
	FetchReport(ctx context.Context, reportID string) ([]byte, error)

	// GroupIDByPath resolves a scanner group path to its id.
	GroupIDByPath(ctx context.Context, path string) (string, error)

	// SarifReport renders the scan's findings as SARIF v2.1.0.
	SarifReport(ctx context.Context, scanID string) ([]byte, error)
}
