// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AlertsInserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbalert_alerts_inserted_total",
		Help: "Alerts accepted by the store (including those whose write failed).",
	})
	AlertsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbalert_alerts_duplicate_total",
		Help: "Alerts rejected as duplicates.",
	})
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbalert_store_persist_failures_total",
		Help: "Store writes that did not apply, by operation.",
	}, []string{"op"})
	MutationsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbalert_runner_mutations_total",
		Help: "Mutations executed by the background runner, by kind and outcome.",
	}, []string{"kind", "outcome"})
	ChangeNotifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cbalert_change_notifications_total",
		Help: "Content-changed signals fired.",
	})
	RouterEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbalert_router_events_total",
		Help: "Inbound events seen by the router, by type and result.",
	}, []string{"type", "result"})
	TrustViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cbalert_trust_violations_total",
		Help: "Privileged events dropped because they arrived on an unprivileged path.",
	}, []string{"type"})
)

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }
