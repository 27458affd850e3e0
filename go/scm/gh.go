package scm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// Github talks to github.com or a GitHub Enterprise API endpoint.
type Github struct {
	rest *restClient
}

func NewGithub(baseURL string, sslVerify bool, auth func(*http.Request)) *Github {
	return &Github{rest: newRESTClient(baseURL, sslVerify, auth)}
}

func (s *Github) Kind() Kind { return KindGithub }

// Github caps issue comments at 65536 characters.
func (s *Github) MaxCommentLength() int { return 65536 }

func (s *Github) repoPath(repo Repo) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(repo.Organization), url.PathEscape(repo.Slug))
}

type ghComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

// PR conversation comments are issue comments on the PR number.
func (s *Github) PRComments(ctx context.Context, repo Repo, prID string) ([]PRComment, error) {
	var out []PRComment
	for page := 1; ; page++ {
		var comments []ghComment
		var q = url.Values{"per_page": []string{"100"}, "page": []string{strconv.Itoa(page)}}
		if err := s.rest.do(ctx, http.MethodGet,
			s.repoPath(repo)+"/issues/"+url.PathEscape(prID)+"/comments", q, nil, &comments); err != nil {
			return nil, err
		}
		for _, c := range comments {
			out = append(out, PRComment{ID: strconv.FormatInt(c.ID, 10), Text: c.Body})
		}
		if len(comments) < 100 {
			return out, nil
		}
	}
}

func (s *Github) CreatePRComment(ctx context.Context, repo Repo, prID, text string) error {
	return s.rest.do(ctx, http.MethodPost,
		s.repoPath(repo)+"/issues/"+url.PathEscape(prID)+"/comments", nil,
		map[string]string{"body": text}, nil)
}

func (s *Github) UpdatePRComment(ctx context.Context, repo Repo, _, commentID, text string) error {
	return s.rest.do(ctx, http.MethodPatch,
		s.repoPath(repo)+"/issues/comments/"+url.PathEscape(commentID), nil,
		map[string]string{"body": text}, nil)
}

func (s *Github) DefaultBranch(ctx context.Context, repo Repo) (string, error) {
	var r struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := s.rest.do(ctx, http.MethodGet, s.repoPath(repo), nil, nil, &r); err != nil {
		return "", err
	}
	return r.DefaultBranch, nil
}

func (s *Github) ProtectedBranches(ctx context.Context, repo Repo) ([]string, error) {
	var out []string
	for page := 1; ; page++ {
		var branches []struct {
			Name string `json:"name"`
		}
		var q = url.Values{
			"protected": []string{"true"},
			"per_page":  []string{"100"},
			"page":      []string{strconv.Itoa(page)},
		}
		if err := s.rest.do(ctx, http.MethodGet, s.repoPath(repo)+"/branches", q, nil, &branches); err != nil {
			return nil, err
		}
		for _, b := range branches {
			out = append(out, b.Name)
		}
		if len(branches) < 100 {
			return out, nil
		}
	}
}
