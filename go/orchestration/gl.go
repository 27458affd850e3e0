package orchestration

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

type glEvent struct {
	ObjectKind  string `json:"object_kind"`
	EventName   string `json:"event_name"`
	Ref         string `json:"ref"`
	After       string `json:"after"`
	CheckoutSHA string `json:"checkout_sha"`

	Project struct {
		Name              string `json:"name"`
		PathWithNamespace string `json:"path_with_namespace"`
		Namespace         string `json:"namespace"`
		GitHTTPURL        string `json:"git_http_url"`
		GitSSHURL         string `json:"git_ssh_url"`
		DefaultBranch     string `json:"default_branch"`
	} `json:"project"`

	ObjectAttributes struct {
		IID          int    `json:"iid"`
		State        string `json:"state"`
		Action       string `json:"action"`
		Draft        bool   `json:"draft"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
}

// GitlabOrchestrator handles GitLab deliveries. The event type arrives in
// X-Gitlab-Event and the shared secret verbatim in X-Gitlab-Token.
type GitlabOrchestrator struct {
	event EventContext
	name  string
	body  glEvent
}

func NewGitlabOrchestrator(event EventContext) (*GitlabOrchestrator, error) {
	var o = &GitlabOrchestrator{event: event, name: event.Header("X-Gitlab-Event")}
	if err := json.Unmarshal(event.Raw, &o.body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return o, nil
}

func (o *GitlabOrchestrator) Kind() scm.Kind    { return scm.KindGitlab }
func (o *GitlabOrchestrator) EventName() string { return o.name }

// GitLab's webhook test sends a minimal payload with no project url.
func (o *GitlabOrchestrator) IsDiagnostic() bool {
	return o.body.Project.GitHTTPURL == "" && o.body.Project.GitSSHURL == ""
}

func (o *GitlabOrchestrator) RouteURLs() []string {
	var urls []string
	if o.body.Project.GitHTTPURL != "" {
		urls = append(urls, o.body.Project.GitHTTPURL)
	}
	if o.body.Project.GitSSHURL != "" {
		urls = append(urls, o.body.Project.GitSSHURL)
	}
	return urls
}

// GitLab sends the configured secret verbatim rather than an HMAC digest.
func (o *GitlabOrchestrator) ValidateSignature(secret string) error {
	var token = o.event.Header("X-Gitlab-Token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrNotAuthorized
	}
	return nil
}

func (o *GitlabOrchestrator) ScanRequest(context.Context) (*ScanRequest, error) {
	var base = ScanRequest{
		ConfigKey: scm.KindGitlab,
		CloneURLs: o.RouteURLs(),
		Repo: scm.Repo{
			Organization: o.body.Project.Namespace,
			Slug:         o.body.Project.Name,
		},
		RepoName: o.body.Project.PathWithNamespace,
		ScanTags: map[string]string{},
	}
	if o.body.Project.DefaultBranch != "" {
		base.ProtectedBranches = []string{o.body.Project.DefaultBranch}
	}

	switch o.body.ObjectKind {
	case "push":
		// Branch deletion pushes carry the all-zero after hash.
		if isDeleteHash(o.body.After) {
			return nil, nil
		}
		var hash = o.body.CheckoutSHA
		if hash == "" {
			hash = o.body.After
		}
		base.Workflow = workflows.WorkflowPush
		base.SourceBranch = shortRef(o.body.Ref)
		base.TargetBranch = shortRef(o.body.Ref)
		base.SourceHash = hash
		base.TargetHash = hash
		return &base, nil

	case "merge_request":
		var mr = o.body.ObjectAttributes
		switch mr.Action {
		case "open", "reopen", "update":
		default:
			return nil, nil
		}
		base.Workflow = workflows.WorkflowPR
		base.PRID = strconv.Itoa(mr.IID)
		base.PRState = mr.State
		base.PRStatus = mr.Action
		base.PRDraft = mr.Draft
		base.SourceBranch = mr.SourceBranch
		base.SourceHash = mr.LastCommit.ID
		base.TargetBranch = mr.TargetBranch
		return &base, nil
	}
	return nil, nil
}
