package scm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// BitbucketDC talks to a Bitbucket Data Center instance.
type BitbucketDC struct {
	rest *restClient
}

// NewBitbucketDC builds a client for one Bitbucket DC base URL.
func NewBitbucketDC(baseURL string, sslVerify bool, auth func(*http.Request)) *BitbucketDC {
	return &BitbucketDC{rest: newRESTClient(baseURL, sslVerify, auth)}
}

func (s *BitbucketDC) Kind() Kind { return KindBitbucketDC }

// Bitbucket DC caps comments at 32768 characters.
func (s *BitbucketDC) MaxCommentLength() int { return 32768 }

func (s *BitbucketDC) prPath(repo Repo, prID, suffix string) string {
	return fmt.Sprintf("/rest/api/1.0/projects/%s/repos/%s/pull-requests/%s%s",
		url.PathEscape(repo.ProjectKey), url.PathEscape(repo.Slug), url.PathEscape(prID), suffix)
}

type bbdcComment struct {
	ID      int    `json:"id"`
	Version int    `json:"version"`
	Text    string `json:"text"`
}

func (s *BitbucketDC) PRComments(ctx context.Context, repo Repo, prID string) ([]PRComment, error) {
	var out []PRComment
	var start = 0
	for {
		var page struct {
			Values []struct {
				Action  string      `json:"action"`
				Comment bbdcComment `json:"comment"`
			} `json:"values"`
			IsLastPage    bool `json:"isLastPage"`
			NextPageStart int  `json:"nextPageStart"`
		}
		var q = url.Values{"start": []string{strconv.Itoa(start)}}
		if err := s.rest.do(ctx, http.MethodGet, s.prPath(repo, prID, "/activities"), q, nil, &page); err != nil {
			return nil, err
		}
		for _, v := range page.Values {
			if v.Action == "COMMENTED" {
				out = append(out, PRComment{ID: strconv.Itoa(v.Comment.ID), Text: v.Comment.Text})
			}
		}
		if page.IsLastPage {
			return out, nil
		}
		start = page.NextPageStart
	}
}

func (s *BitbucketDC) CreatePRComment(ctx context.Context, repo Repo, prID, text string) error {
	return s.rest.do(ctx, http.MethodPost, s.prPath(repo, prID, "/comments"), nil,
		map[string]string{"text": text}, nil)
}

// Comment updates require the comment's current version for optimistic
// concurrency, so the comment is fetched first.
func (s *BitbucketDC) UpdatePRComment(ctx context.Context, repo Repo, prID, commentID, text string) error {
	var current bbdcComment
	var path = s.prPath(repo, prID, "/comments/"+url.PathEscape(commentID))
	if err := s.rest.do(ctx, http.MethodGet, path, nil, nil, &current); err != nil {
		return err
	}
	return s.rest.do(ctx, http.MethodPut, path, nil,
		map[string]interface{}{"version": current.Version, "text": text}, nil)
}

func (s *BitbucketDC) DefaultBranch(ctx context.Context, repo Repo) (string, error) {
	var branch struct {
		DisplayID string `json:"displayId"`
	}
	var path = fmt.Sprintf("/rest/api/1.0/projects/%s/repos/%s/default-branch",
		url.PathEscape(repo.ProjectKey), url.PathEscape(repo.Slug))
	if err := s.rest.do(ctx, http.MethodGet, path, nil, nil, &branch); err != nil {
		return "", err
	}
	return branch.DisplayID, nil
}

func (s *BitbucketDC) ProtectedBranches(ctx context.Context, repo Repo) ([]string, error) {
	var out []string
	var start = 0
	for {
		var page struct {
			Values []struct {
				Matcher struct {
					DisplayID string `json:"displayId"`
				} `json:"matcher"`
			} `json:"values"`
			IsLastPage    bool `json:"isLastPage"`
			NextPageStart int  `json:"nextPageStart"`
		}
		var path = fmt.Sprintf("/rest/branch-permissions/2.0/projects/%s/repos/%s/restrictions",
			url.PathEscape(repo.ProjectKey), url.PathEscape(repo.Slug))
		var q = url.Values{"start": []string{strconv.Itoa(start)}}
		if err := s.rest.do(ctx, http.MethodGet, path, q, nil, &page); err != nil {
			return nil, err
		}
		for _, v := range page.Values {
			if v.Matcher.DisplayID != "" {
				out = append(out, v.Matcher.DisplayID)
			}
		}
		if page.IsLastPage {
			return out, nil
		}
		start = page.NextPageStart
	}
}
