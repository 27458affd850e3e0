package cxone

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/cxone/grouping"
)

// Report generation is asynchronous on the scanner side; poll on a fixed
// interval with an overall budget.
const (
	reportPollInterval = 30 * time.Second
	reportPollBudget   = 600 * time.Second
)

// Service layers project and scan orchestration over the raw client.
type Service struct {
	client Client
	groups *grouping.Resolver

	// DefaultProjectTags are merged onto projects that lack them.
	DefaultProjectTags map[string]string
	// UpdateLegacyName renames a project found under the legacy naming
	// scheme to the canonical name instead of creating a duplicate.
	UpdateLegacyName bool
}

func NewService(client Client, groups *grouping.Resolver) *Service {
	return &Service{client: client, groups: groups}
}

// Client exposes the underlying typed client for operations the service does
// not wrap.
func (s *Service) Client() Client { return s.client }

// CreateOrRetrieveProject finds the scanner project for a repository,
// creating it when absent. An existing project under legacyName is renamed
// when UpdateLegacyName is set. Missing default tags are merged and group
// memberships reconciled; a failed update gets one retry after purging the
// group-id cache, since stale cached ids are the common cause.
func (s *Service) CreateOrRetrieveProject(ctx context.Context, name, legacyName, cloneURL string) (*Project, error) {
	var p, err = s.client.ProjectByName(ctx, name)
	if err != nil {
		return nil, &ErrScannerAPI{Op: "project lookup", Err: err}
	}

	if p == nil && legacyName != "" && s.UpdateLegacyName {
		if p, err = s.client.ProjectByName(ctx, legacyName); err != nil {
			return nil, &ErrScannerAPI{Op: "legacy project lookup", Err: err}
		}
		if p != nil {
			log.WithFields(log.Fields{"from": legacyName, "to": name}).
				Info("renaming legacy project")
			p.Name = name
		}
	}

	var groupIDs []string
	if s.groups != nil {
		groupIDs = s.groups.GroupIDsForClone(ctx, cloneURL)
	}

	if p == nil {
		if p, err = s.client.CreateProject(ctx, name, groupIDs, s.DefaultProjectTags); err != nil {
			return nil, &ErrScannerAPI{Op: "project create", Err: err}
		}
		return p, nil
	}
	return s.reconcileProject(ctx, p, groupIDs)
}

func (s *Service) reconcileProject(ctx context.Context, p *Project, groupIDs []string) (*Project, error) {
	var dirty bool
	if p.Tags == nil {
		p.Tags = map[string]string{}
	}
	for k, v := range s.DefaultProjectTags {
		if _, ok := p.Tags[k]; !ok {
			p.Tags[k] = v
			dirty = true
		}
	}
	var have = map[string]bool{}
	for _, g := range p.Groups {
		have[g] = true
	}
	for _, g := range groupIDs {
		if !have[g] {
			p.Groups = append(p.Groups, g)
			dirty = true
		}
	}
	if !dirty {
		return p, nil
	}

	if err := s.client.UpdateProject(ctx, p); err != nil {
		if s.groups == nil {
			return nil, &ErrScannerAPI{Op: "project update", Err: err}
		}
		// Stale cached group ids are the usual cause; purge and retry once.
		log.WithField("project", p.Name).WithError(err).
			Warn("project update failed, purging group cache and retrying")
		s.groups.Purge()
		if retryErr := s.client.UpdateProject(ctx, p); retryErr != nil {
			return nil, &ErrScannerAPI{Op: "project update", Err: retryErr}
		}
	}
	return p, nil
}

// ResolverTag resolves the delegated-resolution tag for a project: the
// project's own tag value under tagKey, else defaultTag. The second return
// is false when the resulting tag is empty or not in the allowed set.
func ResolverTag(p *Project, tagKey, defaultTag string, allowed []string) (string, bool) {
	var tag = defaultTag
	if v, ok := p.Tags[tagKey]; ok && v != "" {
		tag = v
	}
	if tag == "" {
		return "", false
	}
	for _, a := range allowed {
		if a == tag {
			return tag, true
		}
	}
	return tag, false
}

// ExistingScans lists scans for a project carrying a commit tag and,
// optionally, a pr-id tag. Used for the tag-only update decision.
func (s *Service) ExistingScans(ctx context.Context, projectID, commit, prID string) ([]Scan, error) {
	var scans, err = s.client.Scans(ctx, ScanFilter{
		ProjectID: projectID,
		TagKey:    "commit",
		TagValue:  commit,
	})
	if err != nil {
		return nil, &ErrScannerAPI{Op: "scan list", Err: err}
	}
	if prID == "" {
		return scans, nil
	}
	var out []Scan
	for _, scan := range scans {
		if scan.Tags["pr-id"] == prID {
			out = append(out, scan)
		}
	}
	return out, nil
}

// UpdatePRScanTags refreshes the PR tags on every updatable scan matching
// (project, pr-id, commit). No new scan is created on this path.
func (s *Service) UpdatePRScanTags(ctx context.Context, projectID, commit, prID string, tags map[string]string) (int, error) {
	var scans, err = s.ExistingScans(ctx, projectID, commit, prID)
	if err != nil {
		return 0, err
	}
	var updatable = map[string]bool{}
	for _, status := range UpdatableScanStatuses {
		updatable[status] = true
	}

	var updated int
	for _, scan := range scans {
		if !updatable[scan.Status] && !scan.IsExecuting() {
			continue
		}
		var merged = map[string]string{}
		for k, v := range scan.Tags {
			merged[k] = v
		}
		for k, v := range tags {
			merged[k] = v
		}
		if err := s.client.UpdateScanTags(ctx, scan.ID, merged); err != nil {
			return updated, &ErrScannerAPI{Op: "scan tag update", Err: err}
		}
		updated++
	}
	return updated, nil
}

// EnhancedReport generates and fetches the aggregated findings report for a
// completed scan, polling generation to completion within the budget.
func (s *Service) EnhancedReport(ctx context.Context, scanID string) ([]byte, error) {
	var reportID, err = s.client.EnhancedReport(ctx, scanID)
	if err != nil {
		return nil, &ErrScannerAPI{Op: "report request", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, reportPollBudget)
	defer cancel()

	var ticker = time.NewTicker(reportPollInterval)
	defer ticker.Stop()
	for {
		done, err := s.client.ReportStatus(ctx, reportID)
		if err != nil {
			return nil, &ErrScannerAPI{Op: "report status", Err: err}
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("report %s generation timed out: %w", reportID, ctx.Err())
		case <-ticker.C:
		}
	}

	report, err := s.client.FetchReport(ctx, reportID)
	if err != nil {
		return nil, &ErrScannerAPI{Op: "report fetch", Err: err}
	}
	return report, nil
}
