// Package scm defines the typed surface of an SCM platform as used by the
// feedback and orchestration pipelines. Transport details of each platform's
// REST API live behind the Service interface; package cloner handles git.
package scm

import (
	"context"
	"fmt"
)

// Kind names a supported SCM platform.
type Kind string

const (
	KindBitbucketDC Kind = "bbdc"
	KindAzureDevOps Kind = "adoe"
	KindGithub      Kind = "gh"
	KindGitlab      Kind = "gl"
)

// Kinds lists every supported platform.
func Kinds() []Kind {
	return []Kind{KindBitbucketDC, KindAzureDevOps, KindGithub, KindGitlab}
}

// ParseKind validates a config key.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown scm kind %q", s)
}

// Repo identifies a repository on the platform.
type Repo struct {
	Organization string
	ProjectKey   string
	Slug         string
}

// PRComment is an existing pull-request comment.
type PRComment struct {
	ID   string
	Text string
}

// Service is the typed SCM surface. One instance per configured route.
type Service interface {
	Kind() Kind

	PRComments(ctx context.Context, repo Repo, prID string) ([]PRComment, error)
	CreatePRComment(ctx context.Context, repo Repo, prID, text string) error
	UpdatePRComment(ctx context.Context, repo Repo, prID, commentID, text string) error

	// DefaultBranch returns the repository's default branch name.
	DefaultBranch(ctx context.Context, repo Repo) (string, error)
	// ProtectedBranches returns policy-protected branch names. Platforms
	// with wildcard policies (adoe, gl) return the patterns; the caller
	// expands them against concrete refs.
	ProtectedBranches(ctx context.Context, repo Repo) ([]string, error)

	// MaxCommentLength is the platform's PR comment size limit.
	MaxCommentLength() int
}
