package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/checkmarx-ts/cxone-flow/go/agent/resolver"
	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/config"
	"github.com/checkmarx-ts/cxone-flow/go/cxflog"
	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/scm/cloner"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
)

type cmdAgent struct {
	baseConfig
}

func (cmd cmdAgent) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)
	cxflog.Bootstrap()

	log.WithFields(log.Fields{
		"config":    cmd.Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("cxflowctl configuration")

	var cfg, err = config.LoadAgent(cmd.Config)
	if err != nil {
		return err
	}

	var tasks = task.NewGroup(context.Background())
	var clients []*broker.Client
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	for tag, serviced := range cfg.ServicedTags {
		agent, err := buildAgent(cfg, tag, serviced)
		if err != nil {
			return fmt.Errorf("serviced tag %s: %w", tag, err)
		}
		// Each tag dials its own broker so one endpoint outage does not stall
		// the others.
		client, err := broker.Connect(serviced.Broker().ClientConfig(),
			&broker.Topology{ResolverTags: []string{tag}, ScanTimeout: serviced.ScanTimeout()})
		if err != nil {
			return fmt.Errorf("serviced tag %s: connecting to broker: %w", tag, err)
		}
		clients = append(clients, client)
		agent.Publisher = client

		tasks.Queue("consume "+agent.Queue(), func() error {
			return client.Consume(tasks.Context(), agent.Queue(), agent.HandleDelivery)
		})
		log.WithFields(log.Fields{"tag": tag, "queue": agent.Queue()}).
			Info("servicing resolver tag")
	}

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-tasks.Context().Done():
		}
		tasks.Cancel()
		return nil
	})
	tasks.GoRun()

	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

func buildAgent(cfg *config.Agent, tag string, t *config.ServicedTag) (*resolver.Agent, error) {
	var secrets = cfg.Secrets()
	var pubBytes, err = secrets.ResolveBytes(t.PublicKey)
	if err != nil {
		return nil, err
	}
	verifier, err := signing.NewPayloadVerifier(pubBytes)
	if err != nil {
		return nil, err
	}
	runner, err := buildRunner(t)
	if err != nil {
		return nil, err
	}
	return &resolver.Agent{
		Tag:       tag,
		Verifier:  verifier,
		Runner:    runner,
		Cloners:   agentClonerFactory(secrets),
		Scanners:  agentScannerFactory(secrets),
		Excludes:  t.Excludes,
		ExtraOpts: t.ResolverOpts,
	}, nil
}

func buildRunner(t *config.ServicedTag) (resolver.Runner, error) {
	if t.ToolkitImage != "" {
		var toolkit = &resolver.ToolkitRunner{Image: t.ToolkitImage, UID: t.UID, GID: t.GID}
		if t.PreScript != "" || t.PostScript != "" {
			return resolver.NewTwoStageRunner(toolkit, t.Shell, t.PreScript, t.PostScript, toolkit), nil
		}
		return toolkit, nil
	}
	if t.ResolverPath != "" {
		return &resolver.ShellRunner{ResolverPath: t.ResolverPath, RunAs: t.RunAs}, nil
	}
	return nil, fmt.Errorf("%w: serviced tag needs resolver-path or toolkit-image", config.ErrConfig)
}

// agentClonerFactory resolves the handoff's clone credential under the
// agent's own secret root. The secret's shape selects the mode: a private key
// block becomes ssh auth, a user:password pair becomes basic auth, anything
// else a bearer token.
func agentClonerFactory(secrets *config.Secrets) resolver.ClonerFactory {
	return func(handoff *messaging.HandoffConfig) (*cloner.Cloner, error) {
		var raw, err = secrets.ResolveBytes(handoff.SCM.CredentialRef)
		if err != nil {
			return nil, err
		}
		var auth cloner.Authenticator
		var value = strings.TrimSpace(string(raw))
		switch {
		case strings.HasPrefix(value, "-----BEGIN"):
			auth = &cloner.SSHAuth{PrivateKey: raw}
		case strings.Contains(value, ":"):
			var user, pass, _ = strings.Cut(value, ":")
			cxflog.Register(pass)
			auth = &cloner.BasicAuth{
				Username: user,
				Password: pass,
				InHeader: handoff.SCM.Kind == string(scm.KindAzureDevOps),
			}
		default:
			cxflog.Register(value)
			auth = &cloner.TokenAuth{Token: value}
		}
		return &cloner.Cloner{Auth: auth, SSLVerify: handoff.SCM.SSLVerify}, nil
	}
}

func agentScannerFactory(secrets *config.Secrets) resolver.ScannerFactory {
	return func(handoff *messaging.HandoffConfig) (cxone.Client, error) {
		var apiKey, err = secrets.Resolve(handoff.Scanner.CredentialRef)
		if err != nil {
			return nil, err
		}
		return cxone.NewRESTClient(cxone.RESTConfig{
			APIEndpoint: handoff.Scanner.Endpoint,
			IAMEndpoint: handoff.IAMEndpoint,
			Tenant:      handoff.TenantID,
			APIKey:      apiKey,
			SSLVerify:   handoff.Scanner.SSLVerify,
		}), nil
	}
}
