package orchestration

import (
	"context"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
)

func ghPushEvent(t *testing.T, secret string) EventContext {
	t.Helper()
	var raw = []byte(`{
		"ref": "refs/heads/main",
		"after": "abc123",
		"repository": {
			"name": "repo", "full_name": "org/repo",
			"clone_url": "https://github.com/org/repo.git",
			"ssh_url": "git@github.com:org/repo.git",
			"default_branch": "main",
			"owner": {"login": "org"}
		}
	}`)
	var sig, err = signing.HMACSign([]byte(secret), raw, "sha256")
	require.NoError(t, err)
	return NewEventContext(raw, map[string]string{
		"X-GitHub-Event":      "push",
		"X-Hub-Signature-256": sig,
	}, nil)
}

func TestGithubPush(t *testing.T) {
	var o, err = NewGithubOrchestrator(ghPushEvent(t, "s3cret"))
	require.NoError(t, err)

	require.False(t, o.IsDiagnostic())
	require.Equal(t, "push", o.EventName())
	require.Equal(t, []string{"https://github.com/org/repo.git", "git@github.com:org/repo.git"}, o.RouteURLs())
	require.NoError(t, o.ValidateSignature("s3cret"))
	require.ErrorIs(t, o.ValidateSignature("wrong"), ErrNotAuthorized)

	req, err := o.ScanRequest(context.Background())
	require.NoError(t, err)
	require.Equal(t, workflows.WorkflowPush, req.Workflow)
	require.Equal(t, "main", req.SourceBranch)
	require.Equal(t, "abc123", req.SourceHash)
	require.Contains(t, req.ProtectedBranches, "main")
}

func TestGithubPingIsDiagnostic(t *testing.T) {
	var event = NewEventContext([]byte(`{"zen": "Design for failure."}`),
		map[string]string{"X-GitHub-Event": "ping"}, nil)
	var o, err = NewGithubOrchestrator(event)
	require.NoError(t, err)
	require.True(t, o.IsDiagnostic())
}

func TestGithubDraftPR(t *testing.T) {
	var raw = []byte(`{
		"action": "opened",
		"pull_request": {
			"number": 7, "state": "open", "draft": true,
			"head": {"ref": "feature", "sha": "beef"},
			"base": {"ref": "main"}
		},
		"repository": {"name": "repo", "full_name": "org/repo",
			"clone_url": "https://github.com/org/repo.git", "owner": {"login": "org"}}
	}`)
	var o, err = NewGithubOrchestrator(NewEventContext(raw,
		map[string]string{"X-GitHub-Event": "pull_request"}, nil))
	require.NoError(t, err)

	req, err := o.ScanRequest(context.Background())
	require.NoError(t, err)
	require.True(t, req.PRDraft)
	require.Equal(t, "7", req.PRID)
	require.Equal(t, workflows.WorkflowPR, req.Workflow)
}

func TestGitlabPushBranchDeleteIgnored(t *testing.T) {
	var raw = []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/gone",
		"after": "0000000000000000000000000000000000000000",
		"project": {"name": "repo", "path_with_namespace": "grp/repo",
			"git_http_url": "https://gitlab.example.com/grp/repo.git",
			"default_branch": "main"}
	}`)
	var o, err = NewGitlabOrchestrator(NewEventContext(raw,
		map[string]string{"X-Gitlab-Event": "Push Hook"}, nil))
	require.NoError(t, err)

	req, err := o.ScanRequest(context.Background())
	require.NoError(t, err)
	require.Nil(t, req)
}

func TestGitlabTokenValidation(t *testing.T) {
	var raw = []byte(`{"object_kind":"push","project":{"git_http_url":"https://gl/x.git"}}`)
	var o, err = NewGitlabOrchestrator(NewEventContext(raw,
		map[string]string{"X-Gitlab-Token": "tok"}, nil))
	require.NoError(t, err)
	require.NoError(t, o.ValidateSignature("tok"))
	require.ErrorIs(t, o.ValidateSignature("other"), ErrNotAuthorized)
}

func TestBitbucketPRRequest(t *testing.T) {
	var raw = []byte(`{
		"eventKey": "pr:opened",
		"pullRequest": {
			"id": 42, "state": "OPEN", "open": true,
			"fromRef": {"displayId": "feature/x", "latestCommit": "deadbeef",
				"repository": {"slug": "repo", "project": {"key": "CORP"},
					"links": {"clone": [
						{"name": "ssh", "href": "ssh://git@bb/corp/repo.git"},
						{"name": "http", "href": "https://bb/scm/corp/repo.git"}
					]}}},
			"toRef": {"displayId": "main"}
		}
	}`)
	var o, err = NewBitbucketOrchestrator(NewEventContext(raw,
		map[string]string{"X-Event-Key": "pr:opened"}, nil))
	require.NoError(t, err)

	// http is preferred over ssh.
	require.Equal(t, []string{"https://bb/scm/corp/repo.git", "ssh://git@bb/corp/repo.git"}, o.RouteURLs())

	req, err := o.ScanRequest(context.Background())
	require.NoError(t, err)
	require.Equal(t, "42", req.PRID)
	require.Equal(t, "deadbeef", req.SourceHash)
	require.Equal(t, "main", req.TargetBranch)
	require.Equal(t, "CORP/repo", req.RepoName)
}

func TestAzureDevOpsBasicAuthAndDiagnostic(t *testing.T) {
	var raw = []byte(`{
		"eventType": "git.push",
		"resource": {
			"refUpdates": [{"name": "refs/heads/main", "newObjectId": "abc"}],
			"repository": {"name": "Fabrikam-Fiber-Git",
				"project": {"name": "Fabrikam"},
				"remoteUrl": "https://dev.azure.com/fabrikam/_git/Fabrikam-Fiber-Git"}
		}
	}`)
	var cred = base64.StdEncoding.EncodeToString([]byte("svc:pw"))
	var o, err = NewAzureDevOpsOrchestrator(NewEventContext(raw,
		map[string]string{"Authorization": "Basic " + cred}, nil))
	require.NoError(t, err)
	require.True(t, o.IsDiagnostic())
	require.NoError(t, o.ValidateSignature("svc:pw"))
	require.ErrorIs(t, o.ValidateSignature("svc:wrong"), ErrNotAuthorized)
}

func TestHeaderFilter(t *testing.T) {
	var event = NewEventContext(nil, map[string]string{
		"X-GitHub-Event": "push",
		"Cookie":         "secret-session",
	}, regexp.MustCompile(`(?i)^x-`))
	require.Equal(t, "push", event.Header("x-github-event"))
	require.Empty(t, event.Header("Cookie"))
}

func TestBranchProtected(t *testing.T) {
	require.True(t, branchProtected("main", []string{"main"}))
	require.True(t, branchProtected("refs/heads/main", []string{"main"}))
	require.True(t, branchProtected("release/1.2", []string{"release/*"}))
	require.False(t, branchProtected("feature/x", []string{"main", "release/*"}))
}

func TestDefaultProjectName(t *testing.T) {
	require.Equal(t, "CORP/repo", defaultProjectName(&ScanRequest{
		Repo: scm.Repo{Organization: "CORP", ProjectKey: "CORP", Slug: "repo"},
	}))
	require.Equal(t, "org/proj/repo", defaultProjectName(&ScanRequest{
		Repo: scm.Repo{Organization: "org", ProjectKey: "proj", Slug: "repo"},
	}))
}
