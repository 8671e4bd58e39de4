// Package metrics holds the gateway's Prometheus collectors. They register with
// the default registry and are served by promhttp on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhookRequests counts callbacks by dialect (bot|app) and HTTP status code.
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wecomgw_webhook_requests_total",
			Help: "WeCom callbacks handled, by dialect and status code",
		},
		[]string{"dialect", "status"},
	)

	// DedupHits counts deliveries dropped as retries.
	DedupHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wecomgw_dedup_hits_total",
			Help: "Callbacks recognised as WeCom retries and not re-processed",
		},
		[]string{"dialect"},
	)

	// DebounceMerges counts messages folded into an already pending turn.
	DebounceMerges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wecomgw_debounce_merges_total",
			Help: "Bot messages merged into a pending turn",
		},
	)

	// AgentRuns counts agent turns by dialect and outcome (ok|error|rejected).
	AgentRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wecomgw_agent_runs_total",
			Help: "Agent turns by dialect and outcome",
		},
		[]string{"dialect", "outcome"},
	)

	// AgentRunDuration measures agent turns end to end.
	AgentRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wecomgw_agent_run_duration_seconds",
			Help:    "Duration of agent turns in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"dialect"},
	)

	// ActiveStreams is the number of bot streams held in memory.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wecomgw_active_streams",
			Help: "Bot reply streams currently held in memory",
		},
	)

	// OutboundSends counts API pushes by kind (text|media|active_reply) and outcome.
	OutboundSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wecomgw_outbound_sends_total",
			Help: "Messages pushed to WeCom, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
)

// Outcome maps an error to the "ok"/"error" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
