package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/scm/cloner"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// Disposition is the dispatcher's decision for one event.
type Disposition string

const (
	DispositionIgnored   Disposition = "IGNORED"
	DispositionSkipped   Disposition = "SKIPPED"
	DispositionTagUpdate Disposition = "TAG_UPDATE"
	DispositionDelegated Disposition = "DELEGATED"
	DispositionExecuting Disposition = "EXECUTING"
)

// Publisher is the broker surface the dispatcher needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, m messaging.Message, ttl time.Duration) error
}

// NamingFunc derives the canonical scanner project name from a request. A
// nil or failing namer falls back to the deterministic default.
type NamingFunc func(ctx context.Context, req *ScanRequest) (string, error)

// Route bundles the per-route services and policy the dispatcher acts with.
// One Route exists per configured repo-match block.
type Route struct {
	Moniker string
	SCM     scm.Service
	Scanner *cxone.Service
	Cloner  *cloner.Cloner
	Naming  NamingFunc

	// Handoff is the binding record shipped to resolver agents.
	Handoff messaging.HandoffConfig
	Signer  *signing.PayloadSigner

	ResolverTagKey      string
	DefaultResolverTag  string
	AllowedResolverTags []string
	CaptureResolverLogs bool

	DefaultScanTags map[string]string
	// FileFilters forwards the route's resolver file filters to delegated
	// agents.
	FileFilters string
	// UpdateLegacyName renames projects created under the legacy default
	// name.
	LegacyProjectName NamingFunc

	// PollInitial seeds the scan-await TTL sequence; PollDropBy bounds the
	// whole conversation.
	PollInitial time.Duration
	PollDropBy  time.Duration
}

// Defaults for the polling conversation.
const (
	DefaultPollInitial = 60 * time.Second
	DefaultPollDropBy  = 48 * time.Hour
)

// Dispatcher turns normalized scan requests into scanner work.
type Dispatcher struct {
	Publisher Publisher
	// Version is stamped into every scan's tool-version tag.
	Version string
}

// commonScanTags builds the tag set every scan carries.
func (d *Dispatcher) commonScanTags(route *Route, req *ScanRequest) map[string]string {
	var tags = map[string]string{}
	for k, v := range route.DefaultScanTags {
		tags[k] = v
	}
	for k, v := range req.ScanTags {
		tags[k] = v
	}
	tags["commit"] = req.SourceHash
	tags["workflow"] = req.Workflow.String()
	tags["service"] = route.Moniker
	tags["cxone-flow"] = d.Version
	if req.IsPR() {
		tags["pr-id"] = req.PRID
		tags["pr-target"] = req.TargetBranch
		tags["pr-status"] = req.PRStatus
		tags["pr-state"] = req.PRState
	}
	return tags
}

func (d *Dispatcher) projectName(ctx context.Context, route *Route, req *ScanRequest) string {
	if route.Naming != nil {
		var started = time.Now()
		name, err := route.Naming(ctx, req)
		log.WithFields(log.Fields{
			"repo":    req.RepoName,
			"elapsed": time.Since(started),
		}).Debug("project naming")
		if err == nil && name != "" {
			return name
		}
		if err != nil {
			log.WithField("repo", req.RepoName).WithError(err).
				Warn("project naming failed, using default")
		}
	}
	return defaultProjectName(req)
}

// ProjectName resolves the scanner project name a request maps to, applying
// the route's naming hook with the deterministic fallback.
func (d *Dispatcher) ProjectName(ctx context.Context, route *Route, req *ScanRequest) string {
	return d.projectName(ctx, route, req)
}

func defaultProjectName(req *ScanRequest) string {
	var parts []string
	for _, p := range []string{req.Repo.Organization, req.Repo.ProjectKey, req.Repo.Slug} {
		if p != "" && (len(parts) == 0 || parts[len(parts)-1] != p) {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// PrefixNaming prepends a fixed prefix to the default deterministic project
// name.
func PrefixNaming(prefix string) NamingFunc {
	return func(_ context.Context, req *ScanRequest) (string, error) {
		return prefix + defaultProjectName(req), nil
	}
}

// DefaultNaming exposes the deterministic default name as a NamingFunc. Used
// as the legacy lookup name when a prefix is configured.
func DefaultNaming() NamingFunc {
	return func(_ context.Context, req *ScanRequest) (string, error) {
		return defaultProjectName(req), nil
	}
}

// Execute runs the dispatch decision chain for one normalized request.
func (d *Dispatcher) Execute(ctx context.Context, route *Route, req *ScanRequest) (Disposition, error) {
	if req == nil {
		return DispositionIgnored, nil
	}
	var logger = log.WithFields(log.Fields{
		"service":  route.Moniker,
		"repo":     req.RepoName,
		"workflow": req.Workflow,
	})

	if req.PRDraft {
		logger.Info("draft pull request, skipping")
		return DispositionSkipped, nil
	}
	if protected, err := d.isTargetProtected(ctx, route, req); err != nil {
		return "", err
	} else if !protected {
		logger.WithField("target", req.TargetBranch).Info("target branch not protected, skipping")
		return DispositionSkipped, nil
	}

	var legacyName string
	if route.LegacyProjectName != nil {
		legacyName, _ = route.LegacyProjectName(ctx, req)
	}
	var cloneURL = firstCloneURL(req)
	project, err := route.Scanner.CreateOrRetrieveProject(ctx, d.projectName(ctx, route, req), legacyName, cloneURL)
	if err != nil {
		return "", err
	}

	var tags = d.commonScanTags(route, req)

	if req.IsPR() {
		existing, err := route.Scanner.ExistingScans(ctx, project.ID, req.SourceHash, req.PRID)
		if err != nil {
			return "", err
		}
		if len(existing) > 0 {
			updated, err := route.Scanner.UpdatePRScanTags(ctx, project.ID, req.SourceHash, req.PRID, tags)
			if err != nil {
				return "", err
			}
			logger.WithField("updated", updated).Info("scan exists for commit, tags refreshed")
			return DispositionTagUpdate, nil
		}
	}

	if tag, ok := cxone.ResolverTag(project, route.ResolverTagKey, route.DefaultResolverTag, route.AllowedResolverTags); ok {
		if err := d.delegate(ctx, route, req, project, cloneURL, tag, tags); err != nil {
			return "", err
		}
		logger.WithField("tag", tag).Info("scan delegated to resolver agents")
		return DispositionDelegated, nil
	}

	scan, err := d.localScan(ctx, route, req, project, cloneURL, tags)
	if err != nil {
		return "", err
	}
	if err := d.StartPolling(ctx, route, req.Workflow, project.ID, scan.ID, workflowDetails(req, cloneURL)); err != nil {
		return "", err
	}
	logger.WithField("scan", scan.ID).Info("scan submitted")
	return DispositionExecuting, nil
}

func firstCloneURL(req *ScanRequest) string {
	if len(req.CloneURLs) == 0 {
		return ""
	}
	return req.CloneURLs[0]
}

func (d *Dispatcher) isTargetProtected(ctx context.Context, route *Route, req *ScanRequest) (bool, error) {
	var protected = append([]string{}, req.ProtectedBranches...)
	if def, err := route.SCM.DefaultBranch(ctx, req.Repo); err == nil && def != "" {
		protected = append(protected, def)
	}
	fromAPI, err := route.SCM.ProtectedBranches(ctx, req.Repo)
	if err != nil {
		log.WithField("repo", req.RepoName).WithError(err).
			Warn("protected branch retrieval failed, using event data only")
	} else {
		protected = append(protected, fromAPI...)
	}
	return branchProtected(req.TargetBranch, protected), nil
}

// localScan clones, zips, and submits the workspace. Clone auth failures are
// retried once with forced re-authentication.
func (d *Dispatcher) localScan(ctx context.Context, route *Route, req *ScanRequest, project *cxone.Project, cloneURL string, tags map[string]string) (*cxone.Scan, error) {
	var work, err = os.MkdirTemp("", "cxoneflow-scan-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}
	defer os.RemoveAll(work)

	var dest = filepath.Join(work, "clone")
	clone, err := route.Cloner.Execute(ctx, cloneURL, dest, false)
	var authErr *cloner.CloneAuthError
	if errors.As(err, &authErr) {
		log.WithField("repo", req.RepoName).Warn("clone authentication failed, retrying with fresh credentials")
		clone, err = route.Cloner.Execute(ctx, cloneURL, dest, true)
	}
	if err != nil {
		return nil, err
	}
	if err = clone.ResetHead(ctx, req.SourceHash); err != nil {
		return nil, err
	}

	var zipPath = filepath.Join(work, "upload.zip")
	if err = cloner.Zip(clone.Dir, zipPath); err != nil {
		return nil, err
	}
	scan, err := route.Scanner.Client().SubmitScanZip(ctx, project.ID, req.SourceBranch, zipPath, tags)
	if err != nil {
		return nil, &cxone.ErrScannerAPI{Op: "scan submit", Err: err}
	}
	return scan, nil
}

// SubmitPushScan runs the submission tail of the push workflow outside the
// webhook decision chain, returning the started scan. The kickoff API uses
// it: branch protection and delegation checks do not apply.
func (d *Dispatcher) SubmitPushScan(ctx context.Context, route *Route, req *ScanRequest) (*cxone.Scan, error) {
	var cloneURL = firstCloneURL(req)
	var project, err = route.Scanner.CreateOrRetrieveProject(ctx, d.projectName(ctx, route, req), "", cloneURL)
	if err != nil {
		return nil, err
	}
	scan, err := d.localScan(ctx, route, req, project, cloneURL, d.commonScanTags(route, req))
	if err != nil {
		return nil, err
	}
	if err = d.StartPolling(ctx, route, req.Workflow, project.ID, scan.ID, workflowDetails(req, cloneURL)); err != nil {
		return nil, err
	}
	return scan, nil
}

// delegate signs and publishes a delegated scan request to the tag's agent
// pool.
func (d *Dispatcher) delegate(ctx context.Context, route *Route, req *ScanRequest, project *cxone.Project, cloneURL, tag string, tags map[string]string) error {
	var details = &messaging.DelegatedScanDetails{
		CloneURL:        cloneURL,
		CommitHash:      req.SourceHash,
		ScanBranch:      req.SourceBranch,
		ScanTags:        tags,
		FileFilters:     route.FileFilters,
		ProjectID:       project.ID,
		Handoff:         route.Handoff,
		WorkflowDetails: workflowDetails(req, cloneURL),
	}
	var encoded, err = messaging.EncodeDetails(details)
	if err != nil {
		return err
	}
	sig, err := route.Signer.Sign(encoded)
	if err != nil {
		return fmt.Errorf("signing delegated scan details: %w", err)
	}
	var m = messaging.NewDelegatedScanMessage(route.Moniker, req.Workflow, encoded, sig, route.CaptureResolverLogs)
	return d.Publisher.Publish(ctx, broker.ExchangeResolver, broker.ResolverRoutingKey(tag), m, 0)
}

// StartPolling opens the scan-await conversation for a submitted scan and,
// on PR workflows, posts the started annotation.
func (d *Dispatcher) StartPolling(ctx context.Context, route *Route, workflow workflows.ScanWorkflow, projectID, scanID string, details messaging.WorkflowDetails) error {
	var initial = route.PollInitial
	if initial <= 0 {
		initial = DefaultPollInitial
	}
	var dropBy = route.PollDropBy
	if dropBy <= 0 {
		dropBy = DefaultPollDropBy
	}

	var scope = workflows.ScopePush
	if workflow == workflows.WorkflowPR {
		scope = workflows.ScopePR
	}
	var await = messaging.NewScanAwaitMessage(route.Moniker, workflow, projectID, scanID, details, time.Now().Add(dropBy))
	if err := d.Publisher.Publish(ctx, broker.ExchangeScanIn,
		workflows.Topic(scope, workflows.StateAwait, workflow, route.Moniker), await, initial); err != nil {
		return err
	}

	if workflow == workflows.WorkflowPR {
		var ann = messaging.NewScanAnnotationMessage(route.Moniker, workflow, projectID, scanID, details, "Scan Started")
		if err := d.Publisher.Publish(ctx, broker.ExchangeScanIn,
			workflows.Topic(workflows.ScopePR, workflows.StateAnnotate, workflow, route.Moniker), ann, 0); err != nil {
			return err
		}
	}
	return nil
}

func workflowDetails(req *ScanRequest, cloneURL string) messaging.WorkflowDetails {
	return messaging.WorkflowDetails{
		CloneURL:     cloneURL,
		RepoOrg:      req.Repo.Organization,
		RepoProject:  req.Repo.ProjectKey,
		RepoSlug:     req.Repo.Slug,
		SourceBranch: req.SourceBranch,
		SourceHash:   req.SourceHash,
		TargetBranch: req.TargetBranch,
		PRID:         req.PRID,
		PRState:      req.PRState,
		PRStatus:     req.PRStatus,
	}
}
