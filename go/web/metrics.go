package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var webhookReceipts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cxoneflow_webhook_receipts_total",
	Help: "Webhook deliveries by platform and receipt outcome.",
}, []string{"scm", "outcome"})

var dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cxoneflow_scan_dispatches_total",
	Help: "Scan dispatch decisions by service and disposition.",
}, []string{"service", "disposition"})

var kickoffs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cxoneflow_kickoff_requests_total",
	Help: "Kickoff API requests by platform and response status.",
}, []string{"scm", "status"})
