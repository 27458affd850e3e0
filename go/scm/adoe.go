package scm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// AzureDevOps talks to an Azure DevOps organization (cloud or server).
type AzureDevOps struct {
	rest *restClient
}

func NewAzureDevOps(baseURL string, sslVerify bool, auth func(*http.Request)) *AzureDevOps {
	return &AzureDevOps{rest: newRESTClient(baseURL, sslVerify, auth)}
}

func (s *AzureDevOps) Kind() Kind { return KindAzureDevOps }

// Azure DevOps caps thread comments at 150000 characters.
func (s *AzureDevOps) MaxCommentLength() int { return 150000 }

var adoeAPIVersion = url.Values{"api-version": []string{"7.0"}}

func (s *AzureDevOps) repoPath(repo Repo, suffix string) string {
	return fmt.Sprintf("/%s/_apis/git/repositories/%s%s",
		url.PathEscape(repo.ProjectKey), url.PathEscape(repo.Slug), suffix)
}

// Comment ids are composite "<threadID>.<commentID>": Azure DevOps addresses
// comments inside threads.
func splitThreadComment(id string) (thread, comment string) {
	thread, comment, _ = strings.Cut(id, ".")
	return thread, comment
}

func (s *AzureDevOps) PRComments(ctx context.Context, repo Repo, prID string) ([]PRComment, error) {
	var threads struct {
		Value []struct {
			ID       int `json:"id"`
			Comments []struct {
				ID      int    `json:"id"`
				Content string `json:"content"`
			} `json:"comments"`
		} `json:"value"`
	}
	var path = s.repoPath(repo, "/pullRequests/"+url.PathEscape(prID)+"/threads")
	if err := s.rest.do(ctx, http.MethodGet, path, adoeAPIVersion, nil, &threads); err != nil {
		return nil, err
	}
	var out []PRComment
	for _, t := range threads.Value {
		for _, c := range t.Comments {
			out = append(out, PRComment{
				ID:   strconv.Itoa(t.ID) + "." + strconv.Itoa(c.ID),
				Text: c.Content,
			})
		}
	}
	return out, nil
}

func (s *AzureDevOps) CreatePRComment(ctx context.Context, repo Repo, prID, text string) error {
	var body = map[string]interface{}{
		"status": "active",
		"comments": []map[string]interface{}{
			{"content": text, "commentType": "text"},
		},
	}
	return s.rest.do(ctx, http.MethodPost,
		s.repoPath(repo, "/pullRequests/"+url.PathEscape(prID)+"/threads"), adoeAPIVersion, body, nil)
}

func (s *AzureDevOps) UpdatePRComment(ctx context.Context, repo Repo, prID, commentID, text string) error {
	var thread, comment = splitThreadComment(commentID)
	var path = s.repoPath(repo, fmt.Sprintf("/pullRequests/%s/threads/%s/comments/%s",
		url.PathEscape(prID), url.PathEscape(thread), url.PathEscape(comment)))
	return s.rest.do(ctx, http.MethodPatch, path, adoeAPIVersion,
		map[string]string{"content": text}, nil)
}

func (s *AzureDevOps) DefaultBranch(ctx context.Context, repo Repo) (string, error) {
	var r struct {
		DefaultBranch string `json:"defaultBranch"`
	}
	if err := s.rest.do(ctx, http.MethodGet, s.repoPath(repo, ""), adoeAPIVersion, nil, &r); err != nil {
		return "", err
	}
	return strings.TrimPrefix(r.DefaultBranch, "refs/heads/"), nil
}

// ProtectedBranches reports the ref scopes of enabled branch policies.
// Wildcard scopes come back as glob patterns for the caller to expand.
func (s *AzureDevOps) ProtectedBranches(ctx context.Context, repo Repo) ([]string, error) {
	var policies struct {
		Value []struct {
			IsEnabled bool `json:"isEnabled"`
			Settings  struct {
				Scope []struct {
					RefName      string `json:"refName"`
					MatchKind    string `json:"matchKind"`
					RepositoryID string `json:"repositoryId"`
				} `json:"scope"`
			} `json:"settings"`
		} `json:"value"`
	}
	var path = fmt.Sprintf("/%s/_apis/policy/configurations", url.PathEscape(repo.ProjectKey))
	if err := s.rest.do(ctx, http.MethodGet, path, adoeAPIVersion, nil, &policies); err != nil {
		return nil, err
	}
	var seen = map[string]bool{}
	var out []string
	for _, p := range policies.Value {
		if !p.IsEnabled {
			continue
		}
		for _, scope := range p.Settings.Scope {
			var name = strings.TrimPrefix(scope.RefName, "refs/heads/")
			if scope.MatchKind == "prefix" {
				name += "*"
			}
			if name != "" && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out, nil
}
