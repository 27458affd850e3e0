package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

type bbdcRepository struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Project struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	} `json:"project"`
	Links struct {
		Clone []struct {
			Name string `json:"name"`
			Href string `json:"href"`
		} `json:"clone"`
	} `json:"links"`
}

type bbdcEvent struct {
	EventKey   string         `json:"eventKey"`
	Test       bool           `json:"test"`
	Repository bbdcRepository `json:"repository"`

	Changes []struct {
		Type string `json:"type"`
		Ref  struct {
			DisplayID string `json:"displayId"`
			Type      string `json:"type"`
		} `json:"ref"`
		ToHash string `json:"toHash"`
	} `json:"changes"`

	PullRequest struct {
		ID      int    `json:"id"`
		State   string `json:"state"`
		Open    bool   `json:"open"`
		Draft   bool   `json:"draft"`
		FromRef struct {
			DisplayID    string         `json:"displayId"`
			LatestCommit string         `json:"latestCommit"`
			Repository   bbdcRepository `json:"repository"`
		} `json:"fromRef"`
		ToRef struct {
			DisplayID string `json:"displayId"`
		} `json:"toRef"`
	} `json:"pullRequest"`
}

// BitbucketOrchestrator handles Bitbucket Data Center deliveries. The event
// type arrives in X-Event-Key and the HMAC digest in X-Hub-Signature.
type BitbucketOrchestrator struct {
	event EventContext
	name  string
	body  bbdcEvent
}

func NewBitbucketOrchestrator(event EventContext) (*BitbucketOrchestrator, error) {
	var o = &BitbucketOrchestrator{event: event, name: event.Header("X-Event-Key")}
	if err := json.Unmarshal(event.Raw, &o.body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return o, nil
}

func (o *BitbucketOrchestrator) Kind() scm.Kind    { return scm.KindBitbucketDC }
func (o *BitbucketOrchestrator) EventName() string { return o.name }

func (o *BitbucketOrchestrator) IsDiagnostic() bool {
	return o.body.Test || o.name == "diagnostics:ping"
}

func (o *BitbucketOrchestrator) repo() bbdcRepository {
	if strings.HasPrefix(o.name, "pr:") {
		return o.body.PullRequest.FromRef.Repository
	}
	return o.body.Repository
}

func (o *BitbucketOrchestrator) RouteURLs() []string {
	var repo = o.repo()
	// http before ssh, matching the clone-protocol preference.
	var byName = map[string]string{}
	for _, c := range repo.Links.Clone {
		byName[strings.ToLower(c.Name)] = c.Href
	}
	var urls []string
	for _, name := range []string{"http", "https", "ssh"} {
		if href, ok := byName[name]; ok {
			urls = append(urls, href)
		}
	}
	return urls
}

func (o *BitbucketOrchestrator) ValidateSignature(secret string) error {
	var sig = o.event.Header("X-Hub-Signature")
	if sig == "" {
		return ErrNotAuthorized
	}
	if signing.HMACVerify(sig, []byte(secret), o.event.Raw) != nil {
		return ErrNotAuthorized
	}
	return nil
}

func (o *BitbucketOrchestrator) ScanRequest(context.Context) (*ScanRequest, error) {
	var repo = o.repo()
	var base = ScanRequest{
		ConfigKey: scm.KindBitbucketDC,
		CloneURLs: o.RouteURLs(),
		Repo: scm.Repo{
			Organization: repo.Project.Key,
			ProjectKey:   repo.Project.Key,
			Slug:         repo.Slug,
		},
		RepoName: repo.Project.Key + "/" + repo.Slug,
		ScanTags: map[string]string{},
	}

	switch {
	case o.name == "repo:refs_changed":
		for _, change := range o.body.Changes {
			if change.Ref.Type != "BRANCH" || change.Type == "DELETE" || isDeleteHash(change.ToHash) {
				continue
			}
			base.Workflow = workflows.WorkflowPush
			base.SourceBranch = change.Ref.DisplayID
			base.TargetBranch = change.Ref.DisplayID
			base.SourceHash = change.ToHash
			base.TargetHash = change.ToHash
			return &base, nil
		}
		return nil, nil

	case o.name == "pr:opened" || o.name == "pr:modified" || o.name == "pr:from_ref_updated":
		var pr = o.body.PullRequest
		base.Workflow = workflows.WorkflowPR
		base.PRID = strconv.Itoa(pr.ID)
		base.PRState = pr.State
		base.PRStatus = o.name
		base.PRDraft = pr.Draft
		base.SourceBranch = pr.FromRef.DisplayID
		base.SourceHash = pr.FromRef.LatestCommit
		base.TargetBranch = pr.ToRef.DisplayID
		return &base, nil
	}
	return nil, nil
}
