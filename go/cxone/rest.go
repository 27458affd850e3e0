package cxone

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

// RESTConfig binds a RESTClient to one scanner tenant.
type RESTConfig struct {
	APIEndpoint string
	IAMEndpoint string
	Tenant      string
	// APIKey is the long-lived refresh token exchanged for access tokens.
	APIKey    string
	SSLVerify bool
}

// RESTClient implements Client against the scanner's REST API. Access tokens
// are minted from the API key on demand and cached until shortly before
// expiry.
type RESTClient struct {
	cfg RESTConfig
	hc  *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

var _ Client = (*RESTClient)(nil)

// NewRESTClient builds a scanner client for one tenant.
func NewRESTClient(cfg RESTConfig) *RESTClient {
	var transport = http.DefaultTransport
	if !cfg.SSLVerify {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	if cfg.IAMEndpoint == "" {
		cfg.IAMEndpoint = cfg.APIEndpoint
	}
	return &RESTClient{
		cfg: cfg,
		hc:  &http.Client{Transport: transport, Timeout: 5 * time.Minute},
	}
}

func (c *RESTClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	var form = url.Values{
		"grant_type":    []string{"refresh_token"},
		"client_id":     []string{"ast-app"},
		"refresh_token": []string{c.cfg.APIKey},
	}
	var u = fmt.Sprintf("%s/auth/realms/%s/protocol/openid-connect/token",
		strings.TrimRight(c.cfg.IAMEndpoint, "/"), url.PathEscape(c.cfg.Tenant))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("minting access token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("minting access token: status %d", resp.StatusCode)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decoding access token: %w", err)
	}
	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn-60) * time.Second)
	return c.accessToken, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, query url.Values, body, into interface{}) error {
	var token, err = c.token(ctx)
	if err != nil {
		return err
	}
	var u = strings.TrimRight(c.cfg.APIEndpoint, "/") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var snippet, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if into == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}

type restProject struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Tags   map[string]string `json:"tags"`
	Groups []string          `json:"groups"`
}

func (p *restProject) toProject() *Project {
	return &Project{ID: p.ID, Name: p.Name, Tags: p.Tags, Groups: p.Groups}
}

func (c *RESTClient) CreateProject(ctx context.Context, name string, groups []string, tags map[string]string) (*Project, error) {
	var created restProject
	var body = restProject{Name: name, Tags: tags, Groups: groups}
	if err := c.do(ctx, http.MethodPost, "/api/projects", nil, &body, &created); err != nil {
		return nil, err
	}
	return created.toProject(), nil
}

func (c *RESTClient) ProjectByName(ctx context.Context, name string) (*Project, error) {
	var page struct {
		Projects []restProject `json:"projects"`
	}
	var q = url.Values{"names": []string{name}}
	if err := c.do(ctx, http.MethodGet, "/api/projects", q, nil, &page); err != nil {
		return nil, err
	}
	for _, p := range page.Projects {
		if p.Name == name {
			return p.toProject(), nil
		}
	}
	return nil, nil
}

func (c *RESTClient) ProjectByID(ctx context.Context, id string) (*Project, error) {
	var p restProject
	if err := c.do(ctx, http.MethodGet, "/api/projects/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return p.toProject(), nil
}

func (c *RESTClient) UpdateProject(ctx context.Context, p *Project) error {
	var body = restProject{ID: p.ID, Name: p.Name, Tags: p.Tags, Groups: p.Groups}
	return c.do(ctx, http.MethodPut, "/api/projects/"+url.PathEscape(p.ID), nil, &body, nil)
}

type restScan struct {
	ID            string            `json:"id"`
	ProjectID     string            `json:"projectId"`
	Branch        string            `json:"branch"`
	Status        string            `json:"status"`
	Tags          map[string]string `json:"tags"`
	Engines       []string          `json:"engines"`
	StatusDetails []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"statusDetails"`
}

func (s *restScan) toScan() Scan {
	var details map[string]string
	if len(s.StatusDetails) > 0 {
		details = map[string]string{}
		for _, d := range s.StatusDetails {
			details[d.Name] = d.Status
		}
	}
	return Scan{
		ID: s.ID, ProjectID: s.ProjectID, Branch: s.Branch, Status: s.Status,
		StatusDetails: details, Tags: s.Tags, Engines: s.Engines,
	}
}

// SubmitScanZip uploads the archive to a minted upload URL and starts an
// upload-handler scan over it.
func (c *RESTClient) SubmitScanZip(ctx context.Context, projectID, branch, zipPath string, tags map[string]string) (*Scan, error) {
	var upload struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/uploads", nil, struct{}{}, &upload); err != nil {
		return nil, err
	}
	if err := c.putZip(ctx, upload.URL, zipPath); err != nil {
		return nil, err
	}

	var body = map[string]interface{}{
		"type":    "upload",
		"handler": map[string]string{"uploadUrl": upload.URL, "branch": branch},
		"project": map[string]string{"id": projectID},
		"config":  []interface{}{},
		"tags":    tags,
	}
	var scan restScan
	if err := c.do(ctx, http.MethodPost, "/api/scans", nil, body, &scan); err != nil {
		return nil, err
	}
	var out = scan.toScan()
	return &out, nil
}

func (c *RESTClient) putZip(ctx context.Context, uploadURL, zipPath string) error {
	var f, err = os.Open(zipPath)
	if err != nil {
		return fmt.Errorf("opening upload %s: %w", zipPath, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/zip")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("uploading archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("uploading archive: status %d", resp.StatusCode)
	}
	return nil
}

func (c *RESTClient) ScanByID(ctx context.Context, scanID string) (*Scan, error) {
	var scan restScan
	if err := c.do(ctx, http.MethodGet, "/api/scans/"+url.PathEscape(scanID), nil, nil, &scan); err != nil {
		return nil, err
	}
	var out = scan.toScan()
	return &out, nil
}

func (c *RESTClient) Scans(ctx context.Context, filter ScanFilter) ([]Scan, error) {
	var q = url.Values{}
	if filter.ProjectID != "" {
		q.Set("project-id", filter.ProjectID)
	}
	if filter.Branch != "" {
		q.Set("branch", filter.Branch)
	}
	for _, s := range filter.Statuses {
		q.Add("statuses", s)
	}
	if filter.TagKey != "" {
		q.Set("tags-keys", filter.TagKey)
	}
	if filter.TagValue != "" {
		q.Set("tags-values", filter.TagValue)
	}

	var page struct {
		Scans []restScan `json:"scans"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/scans", q, nil, &page); err != nil {
		return nil, err
	}
	var out = make([]Scan, 0, len(page.Scans))
	for _, s := range page.Scans {
		out = append(out, s.toScan())
	}
	return out, nil
}

func (c *RESTClient) UpdateScanTags(ctx context.Context, scanID string, tags map[string]string) error {
	return c.do(ctx, http.MethodPatch, "/api/scans/"+url.PathEscape(scanID), nil,
		map[string]interface{}{"tags": tags}, nil)
}

func (c *RESTClient) EnhancedReport(ctx context.Context, scanID string) (string, error) {
	var created struct {
		ReportID string `json:"reportId"`
	}
	var body = map[string]interface{}{
		"reportName": "improved-scan-report",
		"fileFormat": "json",
		"reportType": "ui",
		"data":       map[string]string{"scanId": scanID},
	}
	if err := c.do(ctx, http.MethodPost, "/api/reports", nil, body, &created); err != nil {
		return "", err
	}
	return created.ReportID, nil
}

func (c *RESTClient) ReportStatus(ctx context.Context, reportID string) (bool, error) {
	var status struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/reports/"+url.PathEscape(reportID), nil, nil, &status); err != nil {
		return false, err
	}
	if status.Status == "failed" {
		return false, fmt.Errorf("report %s generation failed", reportID)
	}
	return status.Status == "completed", nil
}

func (c *RESTClient) FetchReport(ctx context.Context, reportID string) ([]byte, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/reports/"+url.PathEscape(reportID)+"/download", nil, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *RESTClient) SarifReport(ctx context.Context, scanID string) ([]byte, error) {
	var raw json.RawMessage
	var q = url.Values{"format": []string{"sarif"}, "scan-id": []string{scanID}}
	if err := c.do(ctx, http.MethodGet, "/api/results/report", q, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

type iamGroup struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	SubGroups []iamGroup `json:"subGroups"`
}

// GroupIDByPath resolves a group path like /corp/appsec against the tenant's
// IAM realm.
func (c *RESTClient) GroupIDByPath(ctx context.Context, path string) (string, error) {
	var token, err = c.token(ctx)
	if err != nil {
		return "", err
	}
	var segments = strings.Split(strings.Trim(path, "/"), "/")
	var u = fmt.Sprintf("%s/auth/admin/realms/%s/groups?search=%s&briefRepresentation=false",
		strings.TrimRight(c.cfg.IAMEndpoint, "/"), url.PathEscape(c.cfg.Tenant),
		url.QueryEscape(segments[len(segments)-1]))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolving group %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("resolving group %s: status %d", path, resp.StatusCode)
	}
	var groups []iamGroup
	if err = json.NewDecoder(resp.Body).Decode(&groups); err != nil {
		return "", fmt.Errorf("decoding groups: %w", err)
	}

	var want = "/" + strings.Trim(path, "/")
	if id, ok := findGroup(groups, want); ok {
		return id, nil
	}
	return "", fmt.Errorf("group %s not found", path)
}

func findGroup(groups []iamGroup, path string) (string, bool) {
	for _, g := range groups {
		if g.Path == path {
			return g.ID, true
		}
		if id, ok := findGroup(g.SubGroups, path); ok {
			return id, true
		}
	}
	return "", false
}
