package config

import (
	"fmt"
	"os"
	"time"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
)

// ServicedTag configures one resolver tag an agent services. Each tag gets
// its own broker binding, issuer public key, and execution mode.
type ServicedTag struct {
	// PublicKey names the issuer's authorized-key file; delegated requests
	// whose signature does not verify against it are rejected.
	PublicKey string `yaml:"public-key"`

	AMQPURL            string `yaml:"amqp-url"`
	AMQPSSLVerify      *bool  `yaml:"amqp-ssl-verify"`
	AMQPTimeoutSeconds int    `yaml:"amqp-timeout-seconds"`

	// ScanTimeoutSeconds must match the issuer's scan-timeout-seconds: the
	// per-tag queue carries it as a declaration argument, and the broker
	// rejects re-declaration with different arguments.
	ScanTimeoutSeconds int `yaml:"scan-timeout-seconds"`

	// ResolverPath runs the resolver binary directly; RunAs optionally
	// impersonates a local user.
	ResolverPath string `yaml:"resolver-path"`
	RunAs        string `yaml:"run-as"`

	// ToolkitImage runs the resolver inside a container instead.
	ToolkitImage string `yaml:"toolkit-image"`
	UID          int    `yaml:"uid"`
	GID          int    `yaml:"gid"`

	// Pre and post shell stages bracket the resolver run.
	Shell      string `yaml:"shell"`
	PreScript  string `yaml:"pre-script"`
	PostScript string `yaml:"post-script"`

	ResolverOpts []string `yaml:"resolver-opts"`
	Excludes     []string `yaml:"excludes"`
}

// Broker maps the tag's AMQP settings onto the broker client configuration.
func (t *ServicedTag) Broker() Broker {
	return Broker{URL: t.AMQPURL, SSLVerify: t.AMQPSSLVerify, TimeoutSeconds: t.AMQPTimeoutSeconds}
}

// ScanTimeout is the per-tag queue message TTL.
func (t *ServicedTag) ScanTimeout() time.Duration {
	if t.ScanTimeoutSeconds <= 0 {
		return broker.DefaultScanTimeout
	}
	return time.Duration(t.ScanTimeoutSeconds) * time.Second
}

// Agent is the resolver agent configuration.
type Agent struct {
	SecretRootPath string                  `yaml:"secret-root-path"`
	ServicedTags   map[string]*ServicedTag `yaml:"serviced-tags"`
}

// Secrets returns the secret resolver rooted at secret-root-path.
func (a *Agent) Secrets() *Secrets { return &Secrets{Root: a.SecretRootPath} }

// LoadAgent reads and validates an agent configuration file.
func LoadAgent(path string) (*Agent, error) {
	var b, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	var a Agent
	if err = unmarshalStrict(b, &a); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	if a.SecretRootPath == "" {
		return nil, fmt.Errorf("%w: secret-root-path is required", ErrConfig)
	}
	if len(a.ServicedTags) == 0 {
		return nil, fmt.Errorf("%w: serviced-tags is empty", ErrConfig)
	}
	for tag, t := range a.ServicedTags {
		if t == nil || t.PublicKey == "" {
			return nil, fmt.Errorf("%w: serviced tag %s missing public-key", ErrConfig, tag)
		}
		if t.AMQPURL == "" {
			return nil, fmt.Errorf("%w: serviced tag %s missing amqp-url", ErrConfig, tag)
		}
		registerURLPassword(t.AMQPURL)
	}
	return &a, nil
}
