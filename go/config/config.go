// Package config loads the YAML configuration of the server and agent roles.
// The configuration is declarative: it names endpoints, policies, and secret
// files, and the command wiring hydrates live services from it. Secret values
// never appear inline; every credential key names a file under
// secret-root-path.
package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/scm"
)

// ErrConfig marks configuration failures, all of which are fatal at startup.
var ErrConfig = fmt.Errorf("configuration error")

// Broker selects the AMQP endpoint.
type Broker struct {
	URL            string `yaml:"url"`
	SSLVerify      *bool  `yaml:"ssl-verify"`
	TimeoutSeconds int    `yaml:"timeout-seconds"`
}

// ClientConfig maps onto the broker client configuration.
func (b Broker) ClientConfig() broker.Config {
	return broker.Config{
		URL:       b.URL,
		SSLVerify: verify(b.SSLVerify),
		Timeout:   time.Duration(b.TimeoutSeconds) * time.Second,
	}
}

func verify(v *bool) bool { return v == nil || *v }

// Credential names secret files for one of the supported authentication
// modes. Exactly one mode should be populated.
type Credential struct {
	Token    string `yaml:"token"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSHKey   string `yaml:"ssh-key"`
	// Github App credentials.
	AppID         string `yaml:"app-id"`
	AppPrivateKey string `yaml:"app-private-key"`
}

// Connection is a route's SCM endpoint and credentials.
type Connection struct {
	BaseURL string `yaml:"base-url"`
	// SharedSecret names the webhook shared-secret file.
	SharedSecret string     `yaml:"shared-secret"`
	APIAuth      Credential `yaml:"api-auth"`
	CloneAuth    Credential `yaml:"clone-auth"`
	SSLVerify    *bool      `yaml:"ssl-verify"`
}

// CxOne is a route's scanner tenant binding.
type CxOne struct {
	Tenant      string `yaml:"tenant"`
	APIEndpoint string `yaml:"api-endpoint"`
	IAMEndpoint string `yaml:"iam-endpoint"`
	// APIKey names the refresh-token secret file.
	APIKey    string `yaml:"api-key"`
	SSLVerify *bool  `yaml:"ssl-verify"`
}

// ScanPolicy tunes scan submission for a route.
type ScanPolicy struct {
	DefaultScanTags    map[string]string `yaml:"default-scan-tags"`
	DefaultProjectTags map[string]string `yaml:"default-project-tags"`
	// ProtectedBranches supplements the branches reported by the SCM. Glob
	// patterns match one ref each.
	ProtectedBranches []string `yaml:"protected-branches"`
	CloneDepth        int      `yaml:"clone-depth"`
	FileFilters       string   `yaml:"file-filters"`
}

// ScanAgent enables delegated dependency resolution for a route.
type ScanAgent struct {
	ResolverTagKey string   `yaml:"resolver-tag-key"`
	DefaultTag     string   `yaml:"default-tag"`
	AllowedTags    []string `yaml:"allowed-tags"`
	CaptureLogs    bool     `yaml:"capture-logs"`
	// PrivateKey names the SSH private key file that signs delegated scan
	// details.
	PrivateKey string `yaml:"private-key"`
}

// PRFeedback tunes pull-request decoration.
type PRFeedback struct {
	Enabled           bool     `yaml:"enabled"`
	ExcludeSeverities []string `yaml:"exclude-severities"`
	ExcludeStates     []string `yaml:"exclude-states"`
}

// HTTPDelivery is one downstream SARIF delivery endpoint.
type HTTPDelivery struct {
	URL       string `yaml:"url"`
	SSLVerify *bool  `yaml:"ssl-verify"`
	Retries   int    `yaml:"retries"`
}

// AMQPDelivery routes SARIF envelopes onto a downstream exchange.
type AMQPDelivery struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing-key"`
}

// PushFeedback tunes SARIF delivery for push scans.
type PushFeedback struct {
	// SharedSecret names the HMAC secret file for delivery signatures.
	SharedSecret  string         `yaml:"shared-secret"`
	SignatureAlg  string         `yaml:"signature-alg"`
	HTTPEndpoints []HTTPDelivery `yaml:"http-endpoints"`
	AMQP          *AMQPDelivery  `yaml:"amqp"`
}

// Feedback holds the per-workflow feedback configuration.
type Feedback struct {
	PullRequest *PRFeedback   `yaml:"pull-request"`
	Push        *PushFeedback `yaml:"push"`
}

// ProjectNaming tunes scanner project naming.
type ProjectNaming struct {
	Prefix string `yaml:"prefix"`
	// UpdateLegacyName renames projects found under the pre-prefix default
	// name.
	UpdateLegacyName bool `yaml:"update-legacy-name"`
}

// GroupRule assigns scanner groups to repositories whose clone URL matches.
type GroupRule struct {
	RepoMatch string   `yaml:"repo-match"`
	Groups    []string `yaml:"groups"`
}

// Kickoff enables the on-demand scan API for a route.
type Kickoff struct {
	// PublicKey names the authorized-key file validating kickoff JWTs.
	PublicKey          string `yaml:"public-key"`
	MaxConcurrentScans int    `yaml:"max-concurrent-scans"`
}

// Route is one repo-match block under an SCM root key.
type Route struct {
	ServiceName string `yaml:"service-name"`
	// RepoMatch selects this route by clone URL. Regexes that match a random
	// UUID are rejected at load as over-broad.
	RepoMatch string `yaml:"repo-match"`

	Connection    Connection    `yaml:"connection"`
	CxOne         CxOne         `yaml:"cxone"`
	ScanConfig    ScanPolicy    `yaml:"scan-config"`
	ScanAgent     *ScanAgent    `yaml:"scan-agent"`
	Feedback      Feedback      `yaml:"feedback"`
	ProjectNaming ProjectNaming `yaml:"project-naming"`
	ProjectGroups []GroupRule   `yaml:"project-groups"`
	Kickoff       *Kickoff      `yaml:"kickoff"`

	kind    scm.Kind
	matcher *regexp.Regexp
}

// Kind is the SCM platform this route serves.
func (r *Route) Kind() scm.Kind { return r.kind }

// Matches reports whether any of the clone URLs selects this route.
func (r *Route) Matches(cloneURLs []string) bool {
	for _, u := range cloneURLs {
		if r.matcher.MatchString(u) {
			return true
		}
	}
	return false
}

// Server is the webhook frontend configuration.
type Server struct {
	ServerBaseURL  string `yaml:"server-base-url"`
	SecretRootPath string `yaml:"secret-root-path"`
	ListenAddress  string `yaml:"listen-address"`
	ArtifactsPath  string `yaml:"artifacts-path"`

	AMQP               Broker `yaml:"amqp"`
	ScanTimeoutSeconds int    `yaml:"scan-timeout-seconds"`

	BBDC []*Route `yaml:"bbdc"`
	ADOE []*Route `yaml:"adoe"`
	GH   []*Route `yaml:"gh"`
	GL   []*Route `yaml:"gl"`
}

// Secrets returns the secret resolver rooted at secret-root-path.
func (s *Server) Secrets() *Secrets { return &Secrets{Root: s.SecretRootPath} }

// ScanTimeout is the delegated-scan TTL.
func (s *Server) ScanTimeout() time.Duration {
	if s.ScanTimeoutSeconds <= 0 {
		return broker.DefaultScanTimeout
	}
	return time.Duration(s.ScanTimeoutSeconds) * time.Second
}

// Routes lists every configured route across all platforms.
func (s *Server) Routes() []*Route {
	var out []*Route
	out = append(out, s.BBDC...)
	out = append(out, s.ADOE...)
	out = append(out, s.GH...)
	out = append(out, s.GL...)
	return out
}

// RoutesFor lists the routes of one platform.
func (s *Server) RoutesFor(kind scm.Kind) []*Route {
	switch kind {
	case scm.KindBitbucketDC:
		return s.BBDC
	case scm.KindAzureDevOps:
		return s.ADOE
	case scm.KindGithub:
		return s.GH
	case scm.KindGitlab:
		return s.GL
	}
	return nil
}

// RouteFor selects the first route of a platform matching any clone URL.
func (s *Server) RouteFor(kind scm.Kind, cloneURLs []string) (*Route, bool) {
	for _, r := range s.RoutesFor(kind) {
		if r.Matches(cloneURLs) {
			return r, true
		}
	}
	return nil, false
}

// ResolverTags lists every delegated-resolution tag any route may use, for
// topology declaration.
func (s *Server) ResolverTags() []string {
	var seen = map[string]bool{}
	var tags []string
	for _, r := range s.Routes() {
		if r.ScanAgent == nil {
			continue
		}
		for _, t := range append([]string{r.ScanAgent.DefaultTag}, r.ScanAgent.AllowedTags...) {
			if t != "" && !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}

// LoadServer reads and validates a server configuration file.
func LoadServer(path string) (*Server, error) {
	var b, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	var s Server
	if err = unmarshalStrict(b, &s); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	if s.ListenAddress == "" {
		s.ListenAddress = ":8000"
	}
	if s.SecretRootPath == "" {
		return nil, fmt.Errorf("%w: secret-root-path is required", ErrConfig)
	}
	if s.AMQP.URL == "" {
		return nil, fmt.Errorf("%w: amqp url is required", ErrConfig)
	}
	registerURLPassword(s.AMQP.URL)

	var names = map[string]bool{}
	for kind, routes := range map[scm.Kind][]*Route{
		scm.KindBitbucketDC: s.BBDC,
		scm.KindAzureDevOps: s.ADOE,
		scm.KindGithub:      s.GH,
		scm.KindGitlab:      s.GL,
	} {
		for _, r := range routes {
			if err = compileRoute(kind, r); err != nil {
				return nil, err
			}
			if names[r.ServiceName] {
				return nil, fmt.Errorf("%w: duplicate service-name %q", ErrConfig, r.ServiceName)
			}
			names[r.ServiceName] = true
		}
	}
	return &s, nil
}

func compileRoute(kind scm.Kind, r *Route) error {
	r.kind = kind
	if r.ServiceName == "" {
		return fmt.Errorf("%w: %s route missing service-name", ErrConfig, kind)
	}
	if r.Connection.BaseURL == "" {
		return fmt.Errorf("%w: route %s missing connection base-url", ErrConfig, r.ServiceName)
	}
	if r.CxOne.APIEndpoint == "" || r.CxOne.Tenant == "" {
		return fmt.Errorf("%w: route %s missing cxone tenant binding", ErrConfig, r.ServiceName)
	}

	var matcher, err = regexp.Compile(r.RepoMatch)
	if err != nil {
		return fmt.Errorf("%w: route %s repo-match: %v", ErrConfig, r.ServiceName, err)
	}
	// An over-broad regex would capture every repository on the platform.
	// Anything that matches a random UUID matches essentially anything.
	if r.RepoMatch == "" || matcher.MatchString(uuid.NewString()) {
		return fmt.Errorf("%w: route %s repo-match %q matches arbitrary input", ErrConfig, r.ServiceName, r.RepoMatch)
	}
	r.matcher = matcher
	return nil
}

// unmarshalStrict rejects unrecognized keys so typos fail at startup instead
// of silently disabling features.
func unmarshalStrict(b []byte, into interface{}) error {
	var dec = yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(into)
}
