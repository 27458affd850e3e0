package scm

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Gitlab talks to gitlab.com or a self-managed Gitlab API endpoint.
type Gitlab struct {
	rest *restClient
}

func NewGitlab(baseURL string, sslVerify bool, auth func(*http.Request)) *Gitlab {
	return &Gitlab{rest: newRESTClient(baseURL, sslVerify, auth)}
}

func (s *Gitlab) Kind() Kind { return KindGitlab }

// Gitlab caps notes at one million characters.
func (s *Gitlab) MaxCommentLength() int { return 1000000 }

// projectID is the URL-encoded namespace/path form Gitlab accepts in place
// of a numeric project id.
func (s *Gitlab) projectID(repo Repo) string {
	var parts []string
	for _, p := range []string{repo.Organization, repo.ProjectKey, repo.Slug} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return url.PathEscape(strings.Join(parts, "/"))
}

func (s *Gitlab) mrPath(repo Repo, prID, suffix string) string {
	return "/api/v4/projects/" + s.projectID(repo) + "/merge_requests/" + url.PathEscape(prID) + suffix
}

type glNote struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

func (s *Gitlab) PRComments(ctx context.Context, repo Repo, prID string) ([]PRComment, error) {
	var out []PRComment
	for page := 1; ; page++ {
		var notes []glNote
		var q = url.Values{"per_page": []string{"100"}, "page": []string{strconv.Itoa(page)}}
		if err := s.rest.do(ctx, http.MethodGet, s.mrPath(repo, prID, "/notes"), q, nil, &notes); err != nil {
			return nil, err
		}
		for _, n := range notes {
			out = append(out, PRComment{ID: strconv.FormatInt(n.ID, 10), Text: n.Body})
		}
		if len(notes) < 100 {
			return out, nil
		}
	}
}

func (s *Gitlab) CreatePRComment(ctx context.Context, repo Repo, prID, text string) error {
	return s.rest.do(ctx, http.MethodPost, s.mrPath(repo, prID, "/notes"), nil,
		map[string]string{"body": text}, nil)
}

func (s *Gitlab) UpdatePRComment(ctx context.Context, repo Repo, prID, commentID, text string) error {
	return s.rest.do(ctx, http.MethodPut, s.mrPath(repo, prID, "/notes/"+url.PathEscape(commentID)), nil,
		map[string]string{"body": text}, nil)
}

func (s *Gitlab) DefaultBranch(ctx context.Context, repo Repo) (string, error) {
	var p struct {
		DefaultBranch string `json:"default_branch"`
	}
	if err := s.rest.do(ctx, http.MethodGet, "/api/v4/projects/"+s.projectID(repo), nil, nil, &p); err != nil {
		return "", err
	}
	return p.DefaultBranch, nil
}

// Protected branch names may be wildcard patterns; callers expand them.
func (s *Gitlab) ProtectedBranches(ctx context.Context, repo Repo) ([]string, error) {
	var out []string
	for page := 1; ; page++ {
		var branches []struct {
			Name string `json:"name"`
		}
		var q = url.Values{"per_page": []string{"100"}, "page": []string{strconv.Itoa(page)}}
		if err := s.rest.do(ctx, http.MethodGet,
			"/api/v4/projects/"+s.projectID(repo)+"/protected_branches", q, nil, &branches); err != nil {
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
