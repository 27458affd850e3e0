// Package kickoff serves on-demand scan requests. A kickoff is authorized by
// a short-lived SSH-key JWT, deduplicated against existing kickoff scans of
// the project on the branch, and bounded by a service-wide concurrency cap
// before the push workflow is invoked.
package kickoff

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
)

// KickoffTagKey tags kickoff scans with the servicing moniker.
const KickoffTagKey = "kickoff"

// Concurrency cap bounds.
const (
	MinConcurrentScans     = 1
	MaxConcurrentScans     = 10
	DefaultConcurrentScans = 3
)

// Request is the typed kickoff message. SCM-specific route identifiers ride
// in the repo fields.
type Request struct {
	CloneURLs    []string `json:"clone_urls"`
	Branch       string   `json:"branch"`
	SHA          string   `json:"sha"`
	Organization string   `json:"organization,omitempty"`
	ProjectKey   string   `json:"project_key,omitempty"`
	Slug         string   `json:"slug"`
}

// ScanDescriptor is the caller-visible summary of a scan.
type ScanDescriptor struct {
	ScanID    string `json:"scan_id"`
	ProjectID string `json:"project_id"`
	Branch    string `json:"branch"`
	Status    string `json:"status"`
}

// Response is the kickoff API response body.
type Response struct {
	RunningScans []ScanDescriptor `json:"running_scans"`
	StartedScan  *ScanDescriptor  `json:"started_scan,omitempty"`
}

// Rejection reasons, mapped to HTTP statuses by the web layer.
var (
	ErrNotAuthorized = fmt.Errorf("kickoff not authorized")
	ErrBadRequest    = fmt.Errorf("malformed kickoff request")
	ErrScanExists    = fmt.Errorf("a kickoff scan already exists for the branch")
	ErrTooManyScans  = fmt.Errorf("kickoff concurrency cap reached")
)

// Submitter invokes the push-scan workflow for an authorized kickoff.
type Submitter func(ctx context.Context, req *Request, tags map[string]string) (*ScanDescriptor, error)

// Namer resolves the scanner project name a kickoff request maps to, using
// the same naming rules the dispatcher applies on submission.
type Namer func(ctx context.Context, req *Request) (string, error)

// Service handles kickoff requests for one configured route.
type Service struct {
	Moniker string
	Scanner *cxone.Service
	// PublicKey validates kickoff bearer JWTs.
	PublicKey crypto.PublicKey
	// MaxConcurrent is clamped into [1,10]; zero means the default of 3.
	MaxConcurrent int
	ProjectName   Namer
	Submit        Submitter
}

func (s *Service) cap() int {
	var c = s.MaxConcurrent
	if c == 0 {
		c = DefaultConcurrentScans
	}
	if c < MinConcurrentScans {
		c = MinConcurrentScans
	}
	if c > MaxConcurrentScans {
		c = MaxConcurrentScans
	}
	return c
}

// Handle authorizes, deduplicates, and submits one kickoff request.
func (s *Service) Handle(ctx context.Context, bearer string, body []byte) (*Response, error) {
	if err := signing.VerifyJWT(strings.TrimSpace(bearer), s.PublicKey); err != nil {
		return nil, ErrNotAuthorized
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil || req.Branch == "" || len(req.CloneURLs) == 0 {
		return nil, ErrBadRequest
	}
	var logger = log.WithFields(log.Fields{
		"service": s.Moniker,
		"repo":    req.Slug,
		"branch":  req.Branch,
	})

	var kickoffScans, err = s.Scanner.Client().Scans(ctx, cxone.ScanFilter{
		TagKey:   KickoffTagKey,
		TagValue: s.Moniker,
	})
	if err != nil {
		return nil, &cxone.ErrScannerAPI{Op: "kickoff scan list", Err: err}
	}

	var running []ScanDescriptor
	for _, scan := range kickoffScans {
		if scan.IsExecuting() {
			running = append(running, descriptor(&scan))
		}
	}
	var resp = &Response{RunningScans: running}

	// One kickoff per project and branch: any running, queued, or completed
	// kickoff scan of this request's project on the branch blocks another.
	// Scans of other projects never do, even on a same-named branch.
	projectID, err := s.requestProjectID(ctx, &req)
	if err != nil {
		return nil, err
	}
	for _, scan := range kickoffScans {
		if projectID == "" || scan.ProjectID != projectID || scan.Branch != req.Branch {
			continue
		}
		if scan.IsExecuting() || scan.Status == cxone.ScanStatusCompleted {
			logger.WithField("scan", scan.ID).Info("kickoff refused, scan exists")
			return resp, ErrScanExists
		}
	}
	if len(running) >= s.cap() {
		logger.WithField("running", len(running)).Warn("kickoff refused, concurrency cap reached")
		return resp, ErrTooManyScans
	}

	started, err := s.Submit(ctx, &req, map[string]string{KickoffTagKey: s.Moniker})
	if err != nil {
		return resp, err
	}
	logger.WithField("scan", started.ScanID).Info("kickoff scan started")
	resp.StartedScan = started
	return resp, nil
}

// requestProjectID maps the request onto its scanner project. A project the
// scanner does not know yet has no scans to collide with.
func (s *Service) requestProjectID(ctx context.Context, req *Request) (string, error) {
	if s.ProjectName == nil {
		return "", nil
	}
	var name, err = s.ProjectName(ctx, req)
	if err != nil || name == "" {
		return "", err
	}
	project, err := s.Scanner.Client().ProjectByName(ctx, name)
	if err != nil {
		return "", &cxone.ErrScannerAPI{Op: "kickoff project lookup", Err: err}
	}
	if project == nil {
		return "", nil
	}
	return project.ID, nil
}

func descriptor(scan *cxone.Scan) ScanDescriptor {
	return ScanDescriptor{
		ScanID:    scan.ID,
		ProjectID: scan.ProjectID,
		Branch:    scan.Branch,
		Status:    scan.Status,
	}
}
