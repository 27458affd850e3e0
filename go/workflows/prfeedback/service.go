package prfeedback

import (
	"context"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/checkmarx-ts/cxone-flow/go/cxone"
	"github.com/checkmarx-ts/cxone-flow/go/messaging"
	"github.com/checkmarx-ts/cxone-flow/go/scm"
)

// Route bundles the per-service dependencies of the decoration pipeline.
type Route struct {
	SCM     scm.Service
	Scanner *cxone.Service
	Render  Renderer
}

// RouteResolver maps a service moniker onto its route.
type RouteResolver func(moniker string) (*Route, bool)

// Service consumes the pr-feedback and pr-annotate queues.
type Service struct {
	Routes RouteResolver
}

// HandleFeedback decorates the PR for a terminal scan. Failures inside the
// handler are logged and acked; redelivering a feedback message cannot fix a
// broken report or SCM outage and would loop.
func (s *Service) HandleFeedback(ctx context.Context, d amqp.Delivery) error {
	var m messaging.ScanFeedbackMessage
	if err := messaging.Decode(d.Body, &m); err != nil {
		log.WithError(err).Error("dropping undecodable feedback message")
		return nil
	}
	var logger = log.WithFields(log.Fields{
		"service": m.Moniker,
		"scan":    m.ScanID,
		"pr":      m.WorkflowDetails.PRID,
	})
	var route, ok = s.Routes(m.Moniker)
	if !ok {
		logger.Error("no route for feedback message")
		return nil
	}

	var body string
	if m.IsError {
		body = route.Render.RenderAnnotationOnly(m.ScanID, "Scan failed: "+m.ErrorMsg)
	} else {
		reportJSON, err := route.Scanner.EnhancedReport(ctx, m.ScanID)
		if err != nil {
			logger.WithError(err).Error("enhanced report retrieval failed")
			body = route.Render.RenderAnnotationOnly(m.ScanID, "Scan completed, but results could not be retrieved.")
		} else {
			report, err := ParseEnhancedReport(reportJSON)
			if err != nil {
				logger.WithError(err).Error("enhanced report unusable")
				return nil
			}
			report.ScanID = m.ScanID
			body = route.Render.Render(report, "", route.SCM.MaxCommentLength())
		}
	}

	if err := s.upsertComment(ctx, route, &m, body); err != nil {
		logger.WithError(err).Error("pr decoration failed")
	} else {
		logger.Info("pr decorated")
	}
	return nil
}

// HandleAnnotation posts the in-flight annotation ("Scan Started").
func (s *Service) HandleAnnotation(ctx context.Context, d amqp.Delivery) error {
	var m messaging.ScanAnnotationMessage
	if err := messaging.Decode(d.Body, &m); err != nil {
		log.WithError(err).Error("dropping undecodable annotation message")
		return nil
	}
	var route, ok = s.Routes(m.Moniker)
	if !ok {
		log.WithField("service", m.Moniker).Error("no route for annotation message")
		return nil
	}
	var body = route.Render.RenderAnnotationOnly(m.ScanID, m.Annotation)
	var fb = messaging.ScanFeedbackMessage{ScanHeader: m.ScanHeader, ProjectID: m.ProjectID,
		ScanID: m.ScanID, WorkflowDetails: m.WorkflowDetails}
	if err := s.upsertComment(ctx, route, &fb, body); err != nil {
		log.WithFields(log.Fields{"service": m.Moniker, "scan": m.ScanID}).
			WithError(err).Error("pr annotation failed")
	}
	return nil
}

// upsertComment edits the identifier-marked comment in place, creating it
// only when absent. Last writer wins.
func (s *Service) upsertComment(ctx context.Context, route *Route, m *messaging.ScanFeedbackMessage, body string) error {
	var repo = scm.Repo{
		Organization: m.WorkflowDetails.RepoOrg,
		ProjectKey:   m.WorkflowDetails.RepoProject,
		Slug:         m.WorkflowDetails.RepoSlug,
	}
	var comments, err = route.SCM.PRComments(ctx, repo, m.WorkflowDetails.PRID)
	if err != nil {
		return err
	}
	for _, c := range comments {
		if strings.HasPrefix(c.Text, Identifier) {
			return route.SCM.UpdatePRComment(ctx, repo, m.WorkflowDetails.PRID, c.ID, body)
		}
	}
	return route.SCM.CreatePRComment(ctx, repo, m.WorkflowDetails.PRID, body)
}
