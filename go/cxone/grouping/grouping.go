// Package grouping assigns scanner group memberships to projects based on
// clone-url match rules, with a per-process cache of resolved group ids.
package grouping

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxResolveFailures bounds how often a group path is retried against the
// scanner before resolution warnings stop being attempted per call.
const maxResolveFailures = 3

// GroupClient resolves group paths to scanner group ids.
type GroupClient interface {
	GroupIDByPath(ctx context.Context, path string) (string, error)
}

// Rule maps repositories to group paths by clone url.
type Rule struct {
	CloneURLMatch *regexp.Regexp
	GroupPaths    []string
}

// NewRule compiles a rule from config strings.
func NewRule(pattern string, groupPaths []string) (Rule, error) {
	var re, err = regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compiling group rule %q: %w", pattern, err)
	}
	return Rule{CloneURLMatch: re, GroupPaths: groupPaths}, nil
}

// Resolver applies the rule list and caches path-to-id resolutions for the
// process lifetime. All state is guarded by one mutex.
type Resolver struct {
	client GroupClient
	rules  []Rule

	mu       sync.Mutex
	ids      map[string]string
	failures map[string]int
}

func NewResolver(client GroupClient, rules []Rule) *Resolver {
	return &Resolver{
		client:   client,
		rules:    rules,
		ids:      map[string]string{},
		failures: map[string]int{},
	}
}

// GroupIDsForClone returns the scanner group ids for every rule matching the
// clone url. Paths that repeatedly fail to resolve are logged and skipped so
// one bad rule does not block project creation.
func (r *Resolver) GroupIDsForClone(ctx context.Context, cloneURL string) []string {
	var ids []string
	for _, rule := range r.rules {
		if !rule.CloneURLMatch.MatchString(cloneURL) {
			continue
		}
		for _, path := range rule.GroupPaths {
			if id, ok := r.resolve(ctx, path); ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func (r *Resolver) resolve(ctx context.Context, path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.ids[path]; ok {
		return id, true
	}
	if r.failures[path] > maxResolveFailures {
		log.WithField("group", path).Warn("group resolution abandoned after repeated failures")
		return "", false
	}

	var id, err = r.client.GroupIDByPath(ctx, path)
	if err != nil {
		r.failures[path]++
		log.WithFields(log.Fields{"group": path, "attempts": r.failures[path]}).
			WithError(err).Warn("group resolution failed")
		return "", false
	}
	r.ids[path] = id
	delete(r.failures, path)
	return id, true
}

// Purge drops every cached resolution. Called when a project update fails in
// a way that suggests stale group ids.
func (r *Resolver) Purge() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = map[string]string{}
	r.failures = map[string]int{}
}
