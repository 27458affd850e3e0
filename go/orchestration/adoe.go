package orchestration

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

type adoeEvent struct {
	EventType string `json:"eventType"`
	Resource  struct {
		RefUpdates []struct {
			Name        string `json:"name"`
			NewObjectID string `json:"newObjectId"`
		} `json:"refUpdates"`
		Repository struct {
			Name    string `json:"name"`
			Project struct {
				Name string `json:"name"`
			} `json:"project"`
			RemoteURL     string `json:"remoteUrl"`
			SSHURL        string `json:"sshUrl"`
			DefaultBranch string `json:"defaultBranch"`
		} `json:"repository"`

		PullRequestID         int    `json:"pullRequestId"`
		Status                string `json:"status"`
		IsDraft               bool   `json:"isDraft"`
		SourceRefName         string `json:"sourceRefName"`
		TargetRefName         string `json:"targetRefName"`
		LastMergeSourceCommit struct {
			CommitID string `json:"commitId"`
		} `json:"lastMergeSourceCommit"`
	} `json:"resource"`
}

// AzureDevOpsOrchestrator handles Azure DevOps service-hook deliveries,
// authenticated with basic auth rather than a digest header.
type AzureDevOpsOrchestrator struct {
	event EventContext
	body  adoeEvent
}

func NewAzureDevOpsOrchestrator(event EventContext) (*AzureDevOpsOrchestrator, error) {
	var o = &AzureDevOpsOrchestrator{event: event}
	if err := json.Unmarshal(event.Raw, &o.body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return o, nil
}

func (o *AzureDevOpsOrchestrator) Kind() scm.Kind    { return scm.KindAzureDevOps }
func (o *AzureDevOpsOrchestrator) EventName() string { return o.body.EventType }

// Service-hook test deliveries use the canned Fabrikam sample project.
func (o *AzureDevOpsOrchestrator) IsDiagnostic() bool {
	return strings.Contains(strings.ToLower(o.body.Resource.Repository.RemoteURL), "fabrikam")
}

func (o *AzureDevOpsOrchestrator) RouteURLs() []string {
	var urls []string
	if u := o.body.Resource.Repository.RemoteURL; u != "" {
		urls = append(urls, u)
	}
	if u := o.body.Resource.Repository.SSHURL; u != "" {
		urls = append(urls, u)
	}
	return urls
}

// ValidateSignature checks the Authorization header against the route secret
// configured as "user:password".
func (o *AzureDevOpsOrchestrator) ValidateSignature(secret string) error {
	var header = o.event.Header("Authorization")
	var scheme, cred, ok = strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return ErrNotAuthorized
	}
	var want = base64.StdEncoding.EncodeToString([]byte(secret))
	if subtle.ConstantTimeCompare([]byte(cred), []byte(want)) != 1 {
		return ErrNotAuthorized
	}
	return nil
}

func (o *AzureDevOpsOrchestrator) ScanRequest(context.Context) (*ScanRequest, error) {
	var res = o.body.Resource
	var base = ScanRequest{
		ConfigKey: scm.KindAzureDevOps,
		CloneURLs: o.RouteURLs(),
		Repo: scm.Repo{
			Organization: res.Repository.Project.Name,
			ProjectKey:   res.Repository.Project.Name,
			Slug:         res.Repository.Name,
		},
		RepoName: res.Repository.Project.Name + "/" + res.Repository.Name,
		ScanTags: map[string]string{},
	}
	if res.Repository.DefaultBranch != "" {
		base.ProtectedBranches = []string{shortRef(res.Repository.DefaultBranch)}
	}

	switch o.body.EventType {
	case "git.push":
		for _, ref := range res.RefUpdates {
			if !strings.HasPrefix(ref.Name, "refs/heads/") || isDeleteHash(ref.NewObjectID) {
				continue
			}
			base.Workflow = workflows.WorkflowPush
			base.SourceBranch = shortRef(ref.Name)
			base.TargetBranch = shortRef(ref.Name)
			base.SourceHash = ref.NewObjectID
			base.TargetHash = ref.NewObjectID
			return &base, nil
		}
		return nil, nil

	case "git.pullrequest.created", "git.pullrequest.updated":
		if res.Status == "completed" || res.Status == "abandoned" {
			return nil, nil
		}
		base.Workflow = workflows.WorkflowPR
		base.PRID = strconv.Itoa(res.PullRequestID)
		base.PRState = res.Status
		base.PRStatus = o.body.EventType
		base.PRDraft = res.IsDraft
		base.SourceBranch = shortRef(res.SourceRefName)
		base.SourceHash = res.LastMergeSourceCommit.CommitID
		base.TargetBranch = shortRef(res.TargetRefName)
		return &base, nil
	}
	return nil, nil
}
