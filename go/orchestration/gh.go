package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

type ghRepository struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	SSHURL        string `json:"ssh_url"`
	DefaultBranch string `json:"default_branch"`
	Owner         struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type ghEvent struct {
	Ref        string       `json:"ref"`
	After      string       `json:"after"`
	Deleted    bool         `json:"deleted"`
	Zen        string       `json:"zen"`
	Action     string       `json:"action"`
	Repository ghRepository `json:"repository"`

	PullRequest struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Draft  bool   `json:"draft"`
		Head   struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

// GithubOrchestrator handles GitHub and GitHub Enterprise deliveries. The
// event type arrives in X-GitHub-Event and the payload signature in
// X-Hub-Signature-256.
type GithubOrchestrator struct {
	event EventContext
	name  string
	body  ghEvent
}

func NewGithubOrchestrator(event EventContext) (*GithubOrchestrator, error) {
	var o = &GithubOrchestrator{event: event, name: event.Header("X-GitHub-Event")}
	if err := json.Unmarshal(event.Raw, &o.body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return o, nil
}

func (o *GithubOrchestrator) Kind() scm.Kind    { return scm.KindGithub }
func (o *GithubOrchestrator) EventName() string { return o.name }

// Ping deliveries carry a zen string and verify webhook wiring.
func (o *GithubOrchestrator) IsDiagnostic() bool {
	return o.name == "ping" || o.body.Zen != ""
}

func (o *GithubOrchestrator) RouteURLs() []string {
	var urls []string
	if o.body.Repository.CloneURL != "" {
		urls = append(urls, o.body.Repository.CloneURL)
	}
	if o.body.Repository.SSHURL != "" {
		urls = append(urls, o.body.Repository.SSHURL)
	}
	return urls
}

func (o *GithubOrchestrator) ValidateSignature(secret string) error {
	var sig = o.event.Header("X-Hub-Signature-256")
	if sig == "" {
		return ErrNotAuthorized
	}
	if signing.HMACVerify(sig, []byte(secret), o.event.Raw) != nil {
		return ErrNotAuthorized
	}
	return nil
}

func (o *GithubOrchestrator) ScanRequest(context.Context) (*ScanRequest, error) {
	var base = ScanRequest{
		ConfigKey: scm.KindGithub,
		CloneURLs: o.RouteURLs(),
		Repo: scm.Repo{
			Organization: o.body.Repository.Owner.Login,
			Slug:         o.body.Repository.Name,
		},
		RepoName: o.body.Repository.FullName,
		ScanTags: map[string]string{},
	}
	if o.body.Repository.DefaultBranch != "" {
		base.ProtectedBranches = []string{o.body.Repository.DefaultBranch}
	}

	switch o.name {
	case "push":
		if o.body.Deleted || isDeleteHash(o.body.After) {
			return nil, nil
		}
		base.Workflow = workflows.WorkflowPush
		base.SourceBranch = shortRef(o.body.Ref)
		base.TargetBranch = shortRef(o.body.Ref)
		base.SourceHash = o.body.After
		base.TargetHash = o.body.After
		return &base, nil

	case "pull_request":
		switch o.body.Action {
		case "opened", "synchronize", "reopened", "ready_for_review":
		default:
			return nil, nil
		}
		var pr = o.body.PullRequest
		base.Workflow = workflows.WorkflowPR
		base.PRID = strconv.Itoa(pr.Number)
		base.PRState = pr.State
		base.PRStatus = o.body.Action
		base.PRDraft = pr.Draft
		base.SourceBranch = pr.Head.Ref
		base.SourceHash = pr.Head.SHA
		base.TargetBranch = pr.Base.Ref
		return &base, nil
	}
	return nil, nil
}
