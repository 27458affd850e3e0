package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/config"
	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/cxone/grouping"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/orchestration"
	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/scm/cloner"
	"github.com/checkmarx-ts/cxone-flow/go/signing"
	"github.com/checkmarx-ts/cxone-flow/go/web"
	"github.com/checkmarx-ts/cxone-flow/go/workflows"
	"github.com/checkmarx-ts/cxone-flow/go/workflows/kickoff"
	"github.com/checkmarx-ts/cxone-flow/go/workflows/polling"
	"github.com/checkmarx-ts/cxone-flow/go/workflows/prfeedback"
	"github.com/checkmarx-ts/cxone-flow/go/workflows/pushfeedback"
	resolverwf "github.com/checkmarx-ts/cxone-flow/go/workflows/resolver"
)

// serverServices are the hydrated consumers and the HTTP frontend of one
// serve process.
type serverServices struct {
	web          *web.Server
	polling      *polling.Service
	prFeedback   *prfeedback.Service
	pushFeedback *pushfeedback.Service
	resolver     *resolverwf.Service
}

// buildServer hydrates every configured route and assembles the per-moniker
// resolvers the consumers select with.
func buildServer(cfg *config.Server, client *broker.Client) (*serverServices, error) {
	var dispatcher = &orchestration.Dispatcher{Publisher: client, Version: mbp.Version}

	var webRoutes = map[scm.Kind][]*web.ScanRoute{}
	var scanners = map[string]cxone.Client{}
	var dispatchRoutes = map[string]*orchestration.Route{}
	var prRoutes = map[string]*prfeedback.Route{}
	var pushRoutes = map[string]*pushfeedback.Route{}
	var verifiers = map[string]*signing.PayloadVerifier{}

	for _, r := range cfg.Routes() {
		var hydrated, err = hydrateRoute(cfg, r, dispatcher, client)
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", r.ServiceName, err)
		}
		webRoutes[r.Kind()] = append(webRoutes[r.Kind()], hydrated.scanRoute)
		scanners[r.ServiceName] = hydrated.client
		dispatchRoutes[r.ServiceName] = hydrated.scanRoute.Dispatch
		if hydrated.prRoute != nil {
			prRoutes[r.ServiceName] = hydrated.prRoute
		}
		if hydrated.pushRoute != nil {
			pushRoutes[r.ServiceName] = hydrated.pushRoute
		}
		if hydrated.verifier != nil {
			verifiers[r.ServiceName] = hydrated.verifier
		}
	}

	return &serverServices{
		web: &web.Server{
			Dispatcher:   dispatcher,
			Routes:       webRoutes,
			ArtifactsDir: cfg.ArtifactsPath,
		},
		polling: &polling.Service{
			Publisher: client,
			Scanners: func(moniker string) (cxone.Client, bool) {
				var c, ok = scanners[moniker]
				return c, ok
			},
		},
		prFeedback: &prfeedback.Service{
			Routes: func(moniker string) (*prfeedback.Route, bool) {
				var r, ok = prRoutes[moniker]
				return r, ok
			},
		},
		pushFeedback: &pushfeedback.Service{
			Routes: func(moniker string) (*pushfeedback.Route, bool) {
				var r, ok = pushRoutes[moniker]
				return r, ok
			},
		},
		resolver: &resolverwf.Service{
			Verifiers: func(moniker string) (*signing.PayloadVerifier, bool) {
				var v, ok = verifiers[moniker]
				return v, ok
			},
			Publisher: client,
			StartPoll: func(ctx context.Context, moniker string, workflow workflows.ScanWorkflow, projectID, scanID string, details messaging.WorkflowDetails) error {
				var route, ok = dispatchRoutes[moniker]
				if !ok {
					return fmt.Errorf("no route for service %s", moniker)
				}
				return dispatcher.StartPolling(ctx, route, workflow, projectID, scanID, details)
			},
		},
	}, nil
}

type hydratedRoute struct {
	scanRoute *web.ScanRoute
	client    cxone.Client
	prRoute   *prfeedback.Route
	pushRoute *pushfeedback.Route
	// verifier authenticates resolver results when the route delegates.
	verifier *signing.PayloadVerifier
}

func hydrateRoute(cfg *config.Server, r *config.Route, dispatcher *orchestration.Dispatcher, client *broker.Client) (*hydratedRoute, error) {
	var secrets = cfg.Secrets()

	var scmService, err = buildSCMService(r, secrets)
	if err != nil {
		return nil, err
	}
	gitCloner, err := buildCloner(r, secrets)
	if err != nil {
		return nil, err
	}

	apiKey, err := secrets.Resolve(r.CxOne.APIKey)
	if err != nil {
		return nil, err
	}
	var scanClient = cxone.NewRESTClient(cxone.RESTConfig{
		APIEndpoint: r.CxOne.APIEndpoint,
		IAMEndpoint: r.CxOne.IAMEndpoint,
		Tenant:      r.CxOne.Tenant,
		APIKey:      apiKey,
		SSLVerify:   boolOr(r.CxOne.SSLVerify, true),
	})

	var rules []grouping.Rule
	for _, g := range r.ProjectGroups {
		rule, err := grouping.NewRule(g.RepoMatch, g.Groups)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	var scanner = cxone.NewService(scanClient, grouping.NewResolver(scanClient, rules))
	scanner.DefaultProjectTags = r.ScanConfig.DefaultProjectTags
	scanner.UpdateLegacyName = r.ProjectNaming.UpdateLegacyName

	var dispatch = &orchestration.Route{
		Moniker:         r.ServiceName,
		SCM:             scmService,
		Scanner:         scanner,
		Cloner:          gitCloner,
		DefaultScanTags: r.ScanConfig.DefaultScanTags,
		FileFilters:     r.ScanConfig.FileFilters,
	}
	if r.ProjectNaming.Prefix != "" {
		dispatch.Naming = orchestration.PrefixNaming(r.ProjectNaming.Prefix)
		dispatch.LegacyProjectName = orchestration.DefaultNaming()
	}

	var out = &hydratedRoute{client: scanClient}
	if r.ScanAgent != nil {
		if err = bindScanAgent(r, dispatch, out, secrets); err != nil {
			return nil, err
		}
	}

	var sharedSecret string
	if r.Connection.SharedSecret != "" {
		if sharedSecret, err = secrets.Resolve(r.Connection.SharedSecret); err != nil {
			return nil, err
		}
	}
	out.scanRoute = &web.ScanRoute{
		Secret:   sharedSecret,
		Matches:  r.Matches,
		Dispatch: dispatch,
	}

	if r.Kickoff != nil {
		pubBytes, err := secrets.ResolveBytes(r.Kickoff.PublicKey)
		if err != nil {
			return nil, err
		}
		pub, err := signing.ParseSSHPublicKey(pubBytes)
		if err != nil {
			return nil, err
		}
		out.scanRoute.Kickoff = &kickoff.Service{
			Moniker:       r.ServiceName,
			Scanner:       scanner,
			PublicKey:     pub,
			MaxConcurrent: r.Kickoff.MaxConcurrentScans,
			ProjectName:   kickoffNamer(dispatcher, dispatch, r.Kind()),
			Submit:        kickoffSubmitter(dispatcher, dispatch, r.Kind()),
		}
	}

	if fb := r.Feedback.PullRequest; fb != nil && fb.Enabled {
		out.prRoute = &prfeedback.Route{
			SCM:     scmService,
			Scanner: scanner,
			Render: prfeedback.Renderer{
				ServerBaseURL: cfg.ServerBaseURL,
				Filter:        feedbackFilter(fb),
			},
		}
	}
	if fb := r.Feedback.Push; fb != nil {
		if out.pushRoute, err = buildPushRoute(fb, secrets, scanClient, client); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// bindScanAgent wires delegated resolution onto a route: the signing key for
// outbound requests, the verifier for inbound results, and the handoff record
// agents hydrate their clients from.
func bindScanAgent(r *config.Route, dispatch *orchestration.Route, out *hydratedRoute, secrets *config.Secrets) error {
	var keyBytes, err = secrets.ResolveBytes(r.ScanAgent.PrivateKey)
	if err != nil {
		return err
	}
	signer, err := signing.NewPayloadSigner(keyBytes)
	if err != nil {
		return err
	}
	dispatch.Signer = signer
	out.verifier = signing.NewPayloadVerifierFromKey(signer.Public())

	dispatch.ResolverTagKey = r.ScanAgent.ResolverTagKey
	if dispatch.ResolverTagKey == "" {
		dispatch.ResolverTagKey = "resolver"
	}
	dispatch.DefaultResolverTag = r.ScanAgent.DefaultTag
	dispatch.AllowedResolverTags = r.ScanAgent.AllowedTags
	dispatch.CaptureResolverLogs = r.ScanAgent.CaptureLogs

	dispatch.Handoff = messaging.HandoffConfig{
		Version: messaging.HandoffVersion,
		Moniker: r.ServiceName,
		SCM: messaging.ServiceBinding{
			Endpoint:      r.Connection.BaseURL,
			CredentialRef: cloneCredentialRef(&r.Connection.CloneAuth),
			Kind:          string(r.Kind()),
			SSLVerify:     boolOr(r.Connection.SSLVerify, true),
		},
		Scanner: messaging.ServiceBinding{
			Endpoint:      r.CxOne.APIEndpoint,
			CredentialRef: r.CxOne.APIKey,
			SSLVerify:     boolOr(r.CxOne.SSLVerify, true),
		},
		TenantID:    r.CxOne.Tenant,
		IAMEndpoint: r.CxOne.IAMEndpoint,
	}
	return nil
}

func buildSCMService(r *config.Route, secrets *config.Secrets) (scm.Service, error) {
	var auth, err = apiAuthHeader(&r.Connection.APIAuth, secrets)
	if err != nil {
		return nil, err
	}
	var sslVerify = boolOr(r.Connection.SSLVerify, true)
	switch r.Kind() {
	case scm.KindBitbucketDC:
		return scm.NewBitbucketDC(r.Connection.BaseURL, sslVerify, auth), nil
	case scm.KindAzureDevOps:
		return scm.NewAzureDevOps(r.Connection.BaseURL, sslVerify, auth), nil
	case scm.KindGithub:
		return scm.NewGithub(r.Connection.BaseURL, sslVerify, auth), nil
	case scm.KindGitlab:
		return scm.NewGitlab(r.Connection.BaseURL, sslVerify, auth), nil
	}
	return nil, fmt.Errorf("unsupported scm kind %s", r.Kind())
}

func apiAuthHeader(cred *config.Credential, secrets *config.Secrets) (func(*http.Request), error) {
	switch {
	case cred.Token != "":
		var token, err = secrets.Resolve(cred.Token)
		if err != nil {
			return nil, err
		}
		return scm.TokenAuthHeader(token), nil
	case cred.Username != "" && cred.Password != "":
		var user, err = secrets.Resolve(cred.Username)
		if err != nil {
			return nil, err
		}
		pass, err := secrets.Resolve(cred.Password)
		if err != nil {
			return nil, err
		}
		return scm.BasicAuthHeader(user, pass), nil
	}
	return nil, fmt.Errorf("api-auth requires a token or a username and password")
}

func buildCloner(r *config.Route, secrets *config.Secrets) (*cloner.Cloner, error) {
	var auth, err = cloneAuthenticator(r, secrets)
	if err != nil {
		return nil, err
	}
	return &cloner.Cloner{
		Auth:       auth,
		SSLVerify:  boolOr(r.Connection.SSLVerify, true),
		CloneDepth: r.ScanConfig.CloneDepth,
	}, nil
}

func cloneAuthenticator(r *config.Route, secrets *config.Secrets) (cloner.Authenticator, error) {
	var cred = &r.Connection.CloneAuth
	switch {
	case cred.Token != "":
		var token, err = secrets.Resolve(cred.Token)
		if err != nil {
			return nil, err
		}
		return &cloner.TokenAuth{Token: token}, nil
	case cred.SSHKey != "":
		var key, err = secrets.ResolveBytes(cred.SSHKey)
		if err != nil {
			return nil, err
		}
		return &cloner.SSHAuth{PrivateKey: key}, nil
	case cred.AppID != "" && cred.AppPrivateKey != "":
		var appID, err = secrets.Resolve(cred.AppID)
		if err != nil {
			return nil, err
		}
		keyPEM, err := secrets.ResolveBytes(cred.AppPrivateKey)
		if err != nil {
			return nil, err
		}
		tokens, err := newGithubAppTokens(r.Connection.BaseURL, appID, keyPEM, boolOr(r.Connection.SSLVerify, true))
		if err != nil {
			return nil, err
		}
		return &cloner.GithubAppAuth{MintToken: tokens.Mint}, nil
	case cred.Username != "" && cred.Password != "":
		var user, err = secrets.Resolve(cred.Username)
		if err != nil {
			return nil, err
		}
		pass, err := secrets.Resolve(cred.Password)
		if err != nil {
			return nil, err
		}
		// Azure DevOps rejects url-embedded credentials on some versions, so
		// basic auth rides the header there.
		return &cloner.BasicAuth{
			Username: user,
			Password: pass,
			InHeader: r.Kind() == scm.KindAzureDevOps,
		}, nil
	}
	return nil, fmt.Errorf("clone-auth requires a credential")
}

// cloneCredentialRef names the secret an agent resolves locally for clone
// access. The same secret file name is used under both secret roots; for
// basic auth the agent-side file holds "user:password" on one line.
func cloneCredentialRef(cred *config.Credential) string {
	for _, name := range []string{cred.Token, cred.SSHKey, cred.Password, cred.AppPrivateKey} {
		if name != "" {
			return name
		}
	}
	return ""
}

func kickoffScanRequest(req *kickoff.Request, kind scm.Kind, tags map[string]string) *orchestration.ScanRequest {
	return &orchestration.ScanRequest{
		ConfigKey:    kind,
		CloneURLs:    req.CloneURLs,
		SourceBranch: req.Branch,
		SourceHash:   req.SHA,
		Repo: scm.Repo{
			Organization: req.Organization,
			ProjectKey:   req.ProjectKey,
			Slug:         req.Slug,
		},
		RepoName: req.Slug,
		Workflow: workflows.WorkflowPush,
		ScanTags: tags,
	}
}

// kickoffNamer resolves the project name a kickoff request would scan under,
// so the duplicate-scan check is scoped to that project.
func kickoffNamer(d *orchestration.Dispatcher, route *orchestration.Route, kind scm.Kind) kickoff.Namer {
	return func(ctx context.Context, req *kickoff.Request) (string, error) {
		return d.ProjectName(ctx, route, kickoffScanRequest(req, kind, nil)), nil
	}
}

func kickoffSubmitter(d *orchestration.Dispatcher, route *orchestration.Route, kind scm.Kind) kickoff.Submitter {
	return func(ctx context.Context, req *kickoff.Request, tags map[string]string) (*kickoff.ScanDescriptor, error) {
		var scan, err = d.SubmitPushScan(ctx, route, kickoffScanRequest(req, kind, tags))
		if err != nil {
			return nil, err
		}
		return &kickoff.ScanDescriptor{
			ScanID:    scan.ID,
			ProjectID: scan.ProjectID,
			Branch:    scan.Branch,
			Status:    scan.Status,
		}, nil
	}
}

func feedbackFilter(fb *config.PRFeedback) *prfeedback.Filter {
	if len(fb.ExcludeSeverities) == 0 && len(fb.ExcludeStates) == 0 {
		return nil
	}
	var f = &prfeedback.Filter{
		ExcludedSeverities: map[workflows.ResultSeverity]bool{},
		ExcludedStates:     map[workflows.ResultState]bool{},
	}
	for _, s := range fb.ExcludeSeverities {
		f.ExcludedSeverities[workflows.ParseSeverity(s)] = true
	}
	for _, s := range fb.ExcludeStates {
		f.ExcludedStates[workflows.ResultState(s)] = true
	}
	return f
}

func buildPushRoute(fb *config.PushFeedback, secrets *config.Secrets, scanClient cxone.Client, client *broker.Client) (*pushfeedback.Route, error) {
	var secret, err = secrets.Resolve(fb.SharedSecret)
	if err != nil {
		return nil, err
	}
	var agents []pushfeedback.DeliveryAgent
	for _, ep := range fb.HTTPEndpoints {
		var hc *http.Client
		if !boolOr(ep.SSLVerify, true) {
			hc = &http.Client{Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}}
		}
		agents = append(agents, &pushfeedback.HTTPAgent{URL: ep.URL, Client: hc, Retries: ep.Retries})
	}
	if fb.AMQP != nil {
		agents = append(agents, &pushfeedback.AMQPAgent{
			Publisher:  client,
			Exchange:   fb.AMQP.Exchange,
			RoutingKey: fb.AMQP.RoutingKey,
		})
	}
	return &pushfeedback.Route{
		Scanner: scanClient,
		Secret:  []byte(secret),
		Alg:     fb.SignatureAlg,
		Agents:  agents,
	}, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
