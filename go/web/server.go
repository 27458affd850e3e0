// Package web is the HTTP frontend: webhook receivers per SCM platform, the
// kickoff API, static artifact serving for PR decoration, and liveness and
// metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/orchestration"
	"github.com/checkmarx-ts/cxone-flow/go/scm"
	"github.com/checkmarx-ts/cxone-flow/go/workflows/kickoff"
)

// maxBodyBytes bounds webhook payload reads.
const maxBodyBytes = 10 << 20

// StatusScanExists is the kickoff API's non-standard already-exists status.
const StatusScanExists = 299

// headerFilter retains the delivery headers the orchestrators consume.
var headerFilter = regexp.MustCompile(`(?i)^(x-|authorization$|content-type$)`)

// ScanRoute pairs one configured route's secret and matcher with its
// dispatch services.
type ScanRoute struct {
	// Secret is the route's resolved webhook shared secret.
	Secret string
	// Matches selects this route by repository clone URLs.
	Matches func(cloneURLs []string) bool

	Dispatch *orchestration.Route
	// Kickoff is nil when the route does not expose the on-demand API.
	Kickoff *kickoff.Service
}

// Server is the webhook frontend.
type Server struct {
	Dispatcher *orchestration.Dispatcher
	Routes     map[scm.Kind][]*ScanRoute
	// ArtifactsDir serves static PR decoration assets.
	ArtifactsDir string

	// DispatchTimeout bounds one background dispatch; zero means 30 minutes.
	DispatchTimeout time.Duration
	// syncDispatch runs dispatches inline, for tests.
	syncDispatch bool
}

// Router builds the full HTTP routing table.
func (s *Server) Router() *mux.Router {
	var r = mux.NewRouter()
	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet, http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.ArtifactsDir != "" {
		r.PathPrefix("/artifacts/").Handler(
			http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.ArtifactsDir))))
	}
	r.HandleFunc("/{scm}/kickoff", s.handleKickoff).Methods(http.MethodPost)
	r.HandleFunc("/{scm}", s.handleWebhook).Methods(http.MethodPost)
	return r
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && os.Getenv("ENABLE_DUMP") != "" {
		var body, _ = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		log.WithFields(log.Fields{
			"headers": r.Header,
			"body":    string(body),
		}).Debug("ping dump")
	}
	w.WriteHeader(http.StatusOK)
}

func readEvent(r *http.Request) (orchestration.EventContext, error) {
	var body, err = io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return orchestration.EventContext{}, err
	}
	var headers = map[string]string{}
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return orchestration.NewEventContext(body, headers, headerFilter), nil
}

func orchestratorFor(kind scm.Kind, event orchestration.EventContext) (orchestration.Orchestrator, error) {
	switch kind {
	case scm.KindBitbucketDC:
		return orchestration.NewBitbucketOrchestrator(event)
	case scm.KindAzureDevOps:
		return orchestration.NewAzureDevOpsOrchestrator(event)
	case scm.KindGithub:
		return orchestration.NewGithubOrchestrator(event)
	case scm.KindGitlab:
		return orchestration.NewGitlabOrchestrator(event)
	}
	return nil, orchestration.ErrRouteNotFound
}

// acceptedStatus is the platform-conventional acceptance status.
func acceptedStatus(kind scm.Kind) int {
	if kind == scm.KindGitlab {
		return http.StatusCreated
	}
	return http.StatusNoContent
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var kind, err = scm.ParseKind(mux.Vars(r)["scm"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	event, err := readEvent(r)
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	var logger = log.WithField("scm", kind)

	orch, err := orchestratorFor(kind, event)
	if err != nil {
		logger.WithError(err).Warn("undecodable webhook delivery")
		webhookReceipts.WithLabelValues(string(kind), "bad_event").Inc()
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	logger = logger.WithField("event", orch.EventName())

	// Diagnostic probes validate wiring: 200 when the secret verifies for any
	// configured route of the platform.
	if orch.IsDiagnostic() {
		for _, route := range s.Routes[kind] {
			if orch.ValidateSignature(route.Secret) == nil {
				logger.Info("diagnostic probe accepted")
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		logger.Warn("diagnostic probe with unverifiable secret")
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	var route = s.routeFor(kind, orch.RouteURLs())
	if route == nil {
		logger.WithField("urls", orch.RouteURLs()).Warn("no route matches delivery")
		webhookReceipts.WithLabelValues(string(kind), "no_route").Inc()
		http.Error(w, "", http.StatusNotFound)
		return
	}
	if err = orch.ValidateSignature(route.Secret); err != nil {
		logger.Warn("webhook signature does not verify")
		webhookReceipts.WithLabelValues(string(kind), "bad_signature").Inc()
		http.Error(w, "", http.StatusUnauthorized)
		return
	}

	req, err := orch.ScanRequest(r.Context())
	if err != nil {
		logger.WithError(err).Warn("unusable webhook payload")
		webhookReceipts.WithLabelValues(string(kind), "bad_event").Inc()
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	webhookReceipts.WithLabelValues(string(kind), "accepted").Inc()
	if req != nil {
		s.dispatch(route, req)
	}
	w.WriteHeader(acceptedStatus(kind))
}

func (s *Server) routeFor(kind scm.Kind, urls []string) *ScanRoute {
	for _, route := range s.Routes[kind] {
		if route.Matches(urls) {
			return route
		}
	}
	return nil
}

// dispatch runs the decision chain off the request goroutine; webhook
// deliveries are acknowledged before clone and scan submission complete.
func (s *Server) dispatch(route *ScanRoute, req *orchestration.ScanRequest) {
	var run = func() {
		// A panicking dispatch must not take down the whole frontend.
		defer func() {
			if p := recover(); p != nil {
				log.WithFields(log.Fields{
					"repo":  req.RepoName,
					"panic": p,
				}).Error("scan dispatch panicked")
			}
		}()
		var timeout = s.DispatchTimeout
		if timeout <= 0 {
			timeout = 30 * time.Minute
		}
		var ctx, cancel = context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var disposition, err = s.Dispatcher.Execute(ctx, route.Dispatch, req)
		if err != nil {
			log.WithFields(log.Fields{
				"service": route.Dispatch.Moniker,
				"repo":    req.RepoName,
			}).WithError(err).Error("scan dispatch failed")
			dispatches.WithLabelValues(route.Dispatch.Moniker, "error").Inc()
			return
		}
		dispatches.WithLabelValues(route.Dispatch.Moniker, string(disposition)).Inc()
	}
	if s.syncDispatch {
		run()
		return
	}
	go run()
}

func (s *Server) handleKickoff(w http.ResponseWriter, r *http.Request) {
	var kind, err = scm.ParseKind(mux.Vars(r)["scm"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	var bearer = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	// The route is selected by the clone urls in the kickoff body.
	var req kickoff.Request
	if err = json.Unmarshal(body, &req); err != nil {
		http.Error(w, "", http.StatusBadRequest)
		return
	}
	var route = s.routeFor(kind, req.CloneURLs)
	if route == nil || route.Kickoff == nil {
		http.Error(w, "", http.StatusForbidden)
		return
	}

	resp, err := route.Kickoff.Handle(r.Context(), bearer, body)
	var status = http.StatusCreated
	switch {
	case err == nil:
	case errors.Is(err, kickoff.ErrNotAuthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, kickoff.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, kickoff.ErrScanExists):
		status = StatusScanExists
	case errors.Is(err, kickoff.ErrTooManyScans):
		status = http.StatusTooManyRequests
	default:
		log.WithField("scm", kind).WithError(err).Error("kickoff failed")
		status = http.StatusInternalServerError
	}
	kickoffs.WithLabelValues(string(kind), strconv.Itoa(status)).Inc()

	if resp == nil || status == http.StatusUnauthorized || status == http.StatusBadRequest ||
		status == http.StatusInternalServerError {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err = json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("writing kickoff response failed")
	}
}
