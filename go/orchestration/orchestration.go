// Package orchestration turns raw SCM webhook deliveries into scan work. One
// orchestrator variant exists per platform; each parses its own event
// payloads, validates the route's shared secret, and produces the normalized
// scan request the dispatcher acts on.
package orchestration

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

// Route and authorization failures surfaced to the HTTP layer.
var (
	ErrRouteNotFound = fmt.Errorf("no route matches the repository")
	ErrNotAuthorized = fmt.Errorf("not authorized")
	ErrBadEvent      = fmt.Errorf("undecodable event payload")
)

// EventContext is the immutable capture of one webhook delivery. Headers are
// filtered on construction so redelivery to agents discloses nothing beyond
// the retained names.
type EventContext struct {
	Raw     []byte
	Headers map[string]string
}

// NewEventContext captures a delivery, retaining only headers whose name
// matches filter. A nil filter retains everything.
func NewEventContext(raw []byte, headers map[string]string, filter *regexp.Regexp) EventContext {
	var kept = map[string]string{}
	for k, v := range headers {
		if filter == nil || filter.MatchString(k) {
			kept[strings.ToLower(k)] = v
		}
	}
	return EventContext{Raw: raw, Headers: kept}
}

// Header does a case-insensitive lookup.
func (e EventContext) Header(name string) string {
	return e.Headers[strings.ToLower(name)]
}

// ScanRequest is the normalized event every orchestrator produces.
type ScanRequest struct {
	ConfigKey scm.Kind
	// CloneURLs is ordered by protocol preference; the first workable entry
	// is used.
	CloneURLs []string

	SourceBranch string
	SourceHash   string
	TargetBranch string
	TargetHash   string

	Repo     scm.Repo
	RepoName string

	PRID     string
	PRState  string
	PRStatus string
	// PRDraft marks drafts, which never scan.
	PRDraft bool

	// ProtectedBranches are names or wildcard patterns from the event
	// payload; the API-derived set is merged in by the dispatcher.
	ProtectedBranches []string

	Workflow workflows.ScanWorkflow
	ScanTags map[string]string
}

// IsPR reports whether the request came from a pull-request event.
func (r *ScanRequest) IsPR() bool { return r.Workflow == workflows.WorkflowPR }

// Orchestrator is the per-platform capability set. A value is constructed
// per delivery and is not reused.
type Orchestrator interface {
	Kind() scm.Kind
	// EventName is the platform's event type string, for logging and
	// dispatch.
	EventName() string
	// IsDiagnostic marks connectivity-test deliveries, which validate the
	// secret but produce no scan.
	IsDiagnostic() bool
	// RouteURLs are the repository urls used to match a configured route's
	// repo-match expression.
	RouteURLs() []string
	// ValidateSignature checks the delivery against the route's shared
	// secret. Fails closed with ErrNotAuthorized.
	ValidateSignature(secret string) error
	// ScanRequest normalizes the event. A nil request with nil error means
	// the event is ignored (unhandled action, branch delete).
	ScanRequest(ctx context.Context) (*ScanRequest, error)
}

// branchProtected matches a concrete branch name against names or wildcard
// patterns. Patterns use fnmatch-style globs (`release/*`); ref prefixes are
// stripped from both sides.
func branchProtected(branch string, protected []string) bool {
	branch = shortRef(branch)
	for _, p := range protected {
		p = shortRef(p)
		if p == branch {
			return true
		}
		if ok, err := path.Match(p, branch); err == nil && ok {
			return true
		}
	}
	return false
}

func shortRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	return strings.TrimPrefix(ref, "refs/tags/")
}

// zeroHash is the all-zero object id platforms use to signal ref deletion.
var zeroHash = regexp.MustCompile(`^0+$`)

func isDeleteHash(hash string) bool {
	return hash != "" && zeroHash.MatchString(hash)
}
