package cxone

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/checkmarx-ts/cxone-flow/go/cxone/grouping"
)

type fakeClient struct {
	Client

	projects      map[string]*Project
	scans         []Scan
	groupIDs      map[string]string
	updateErrs    int
	updateCalls   int
	tagUpdates    map[string]map[string]string
	groupFailures int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		projects:   map[string]*Project{},
		groupIDs:   map[string]string{},
		tagUpdates: map[string]map[string]string{},
	}
}

func (f *fakeClient) ProjectByName(_ context.Context, name string) (*Project, error) {
	return f.projects[name], nil
}

func (f *fakeClient) CreateProject(_ context.Context, name string, groups []string, tags map[string]string) (*Project, error) {
	var copied = map[string]string{}
	for k, v := range tags {
		copied[k] = v
	}
	var p = &Project{ID: fmt.Sprintf("proj-%d", len(f.projects)+1), Name: name, Tags: copied, Groups: groups}
	f.projects[name] = p
	return p, nil
}

func (f *fakeClient) UpdateProject(_ context.Context, p *Project) error {
	f.updateCalls++
	if f.updateErrs > 0 {
		f.updateErrs--
		return fmt.Errorf("update rejected")
	}
	f.projects[p.Name] = p
	return nil
}

func (f *fakeClient) Scans(_ context.Context, filter ScanFilter) ([]Scan, error) {
	var out []Scan
	for _, s := range f.scans {
		if filter.ProjectID != "" && s.ProjectID != filter.ProjectID {
			continue
		}
		if filter.TagKey != "" {
			v, ok := s.Tags[filter.TagKey]
			if !ok || (filter.TagValue != "" && v != filter.TagValue) {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeClient) UpdateScanTags(_ context.Context, scanID string, tags map[string]string) error {
	f.tagUpdates[scanID] = tags
	return nil
}

func (f *fakeClient) GroupIDByPath(_ context.Context, path string) (string, error) {
	if f.groupFailures > 0 {
		f.groupFailures--
		return "", fmt.Errorf("group lookup failed")
	}
	id, ok := f.groupIDs[path]
	if !ok {
		return "", fmt.Errorf("no such group %s", path)
	}
	return id, nil
}

func newTestService(f *fakeClient, rules ...grouping.Rule) *Service {
	return NewService(f, grouping.NewResolver(f, rules))
}

func TestCreateProjectWhenAbsent(t *testing.T) {
	var f = newFakeClient()
	f.groupIDs["/corp/appsec"] = "g-1"
	var rule, err = grouping.NewRule(`^https://scm\.example\.com/corp/`, []string{"/corp/appsec"})
	require.NoError(t, err)

	var svc = newTestService(f, rule)
	svc.DefaultProjectTags = map[string]string{"team": "appsec"}

	p, err := svc.CreateOrRetrieveProject(context.Background(),
		"corp/repo", "", "https://scm.example.com/corp/repo.git")
	require.NoError(t, err)
	require.Equal(t, "corp/repo", p.Name)
	require.Equal(t, "appsec", p.Tags["team"])
	require.Equal(t, []string{"g-1"}, p.Groups)
}

func TestRetrieveMergesMissingDefaults(t *testing.T) {
	var f = newFakeClient()
	f.projects["corp/repo"] = &Project{
		ID: "p1", Name: "corp/repo",
		Tags: map[string]string{"team": "custom"},
	}

	var svc = newTestService(f)
	svc.DefaultProjectTags = map[string]string{"team": "appsec", "origin": "cxoneflow"}

	var p, err = svc.CreateOrRetrieveProject(context.Background(), "corp/repo", "", "u")
	require.NoError(t, err)
	// Existing tag values win; only missing defaults are added.
	require.Equal(t, "custom", p.Tags["team"])
	require.Equal(t, "cxoneflow", p.Tags["origin"])
	require.Equal(t, 1, f.updateCalls)
}

func TestLegacyRename(t *testing.T) {
	var f = newFakeClient()
	f.projects["old-name"] = &Project{ID: "p1", Name: "old-name", Tags: map[string]string{}}

	var svc = newTestService(f)
	svc.UpdateLegacyName = true
	svc.DefaultProjectTags = map[string]string{"origin": "cxoneflow"}

	var p, err = svc.CreateOrRetrieveProject(context.Background(), "new-name", "old-name", "u")
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID)
	require.Equal(t, "new-name", p.Name)
}

func TestUpdateRetriesOnceAfterCachePurge(t *testing.T) {
	var f = newFakeClient()
	f.projects["corp/repo"] = &Project{ID: "p1", Name: "corp/repo", Tags: map[string]string{}}
	f.updateErrs = 1

	var svc = newTestService(f)
	svc.DefaultProjectTags = map[string]string{"origin": "cxoneflow"}

	var _, err = svc.CreateOrRetrieveProject(context.Background(), "corp/repo", "", "u")
	require.NoError(t, err)
	require.Equal(t, 2, f.updateCalls)
}

func TestUpdateFailsAfterRetry(t *testing.T) {
	var f = newFakeClient()
	f.projects["corp/repo"] = &Project{ID: "p1", Name: "corp/repo", Tags: map[string]string{}}
	f.updateErrs = 2

	var svc = newTestService(f)
	svc.DefaultProjectTags = map[string]string{"origin": "cxoneflow"}

	var _, err = svc.CreateOrRetrieveProject(context.Background(), "corp/repo", "", "u")
	require.Error(t, err)
	var apiErr *ErrScannerAPI
	require.ErrorAs(t, err, &apiErr)
}

func TestResolverTag(t *testing.T) {
	var p = &Project{Tags: map[string]string{"resolver": "npm-legacy"}}

	var tag, ok = ResolverTag(p, "resolver", "default-pool", []string{"npm-legacy", "maven"})
	require.True(t, ok)
	require.Equal(t, "npm-legacy", tag)

	// Project without the tag falls back to the default.
	tag, ok = ResolverTag(&Project{Tags: map[string]string{}}, "resolver", "maven", []string{"maven"})
	require.True(t, ok)
	require.Equal(t, "maven", tag)

	// Empty fallback means no delegation.
	_, ok = ResolverTag(&Project{Tags: map[string]string{}}, "resolver", "", []string{"maven"})
	require.False(t, ok)

	// A tag outside the allowed set does not delegate.
	_, ok = ResolverTag(p, "resolver", "", []string{"maven"})
	require.False(t, ok)
}

func TestUpdatePRScanTags(t *testing.T) {
	var f = newFakeClient()
	f.scans = []Scan{
		{ID: "s1", ProjectID: "p1", Status: ScanStatusCompleted,
			Tags: map[string]string{"commit": "deadbeef", "pr-id": "42", "pr-status": "stale"}},
		{ID: "s2", ProjectID: "p1", Status: ScanStatusCompleted,
			Tags: map[string]string{"commit": "deadbeef", "pr-id": "7"}},
		{ID: "s3", ProjectID: "p1", Status: ScanStatusCanceled,
			Tags: map[string]string{"commit": "deadbeef", "pr-id": "42"}},
	}

	var svc = newTestService(f)
	var updated, err = svc.UpdatePRScanTags(context.Background(), "p1", "deadbeef", "42",
		map[string]string{"pr-status": "active"})
	require.NoError(t, err)
	require.Equal(t, 1, updated)
	require.Equal(t, "active", f.tagUpdates["s1"]["pr-status"])
	// Untouched tags survive the merge.
	require.Equal(t, "42", f.tagUpdates["s1"]["pr-id"])
	require.NotContains(t, f.tagUpdates, "s2")
	require.NotContains(t, f.tagUpdates, "s3")
}

func TestGroupResolutionAbandonedAfterFailures(t *testing.T) {
	var f = newFakeClient()
	f.groupFailures = 100
	var rule, err = grouping.NewRule(`.*`, []string{"/corp/appsec"})
	require.NoError(t, err)
	var groups = grouping.NewResolver(f, []grouping.Rule{rule})

	for i := 0; i < 10; i++ {
		require.Empty(t, groups.GroupIDsForClone(context.Background(), "https://any"))
	}

	// Purge resets failure accounting, so recovery is possible.
	groups.Purge()
	f.groupFailures = 0
	f.groupIDs["/corp/appsec"] = "g-9"
	require.Equal(t, []string{"g-9"}, groups.GroupIDsForClone(context.Background(), "https://any"))
}
