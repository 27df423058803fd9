// Package metrics exposes Prometheus instrumentation for the agent.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	warehouseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_warehouse_queries_total",
			Help: "Warehouse queries by status.",
		},
		[]string{"status"},
	)
	warehouseQueryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_warehouse_query_duration_seconds",
			Help:    "Warehouse query duration.",
			Buckets: prometheus.DefBuckets,
		},
	)
	anthropicRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_anthropic_requests_total",
			Help: "Anthropic API requests by status.",
		},
		[]string{"status"},
	)
	anthropicRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_anthropic_request_duration_seconds",
			Help:    "Anthropic API request duration.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
	anthropicTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_anthropic_tokens_total",
			Help: "Anthropic tokens by direction.",
		},
		[]string{"direction"},
	)
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_turns_total",
			Help: "Completed workflow turns by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		warehouseQueriesTotal,
		warehouseQueryDuration,
		anthropicRequestsTotal,
		anthropicRequestDuration,
		anthropicTokensTotal,
		turnsTotal,
	)
}

// RecordWarehouseQuery records one warehouse query.
func RecordWarehouseQuery(duration time.Duration, err error) {
	warehouseQueriesTotal.WithLabelValues(statusLabel(err)).Inc()
	warehouseQueryDuration.Observe(duration.Seconds())
}

// RecordAnthropicRequest records one Anthropic API request.
func RecordAnthropicRequest(duration time.Duration, err error) {
	anthropicRequestsTotal.WithLabelValues(statusLabel(err)).Inc()
	anthropicRequestDuration.Observe(duration.Seconds())
}

// RecordAnthropicTokens records token usage for one request.
func RecordAnthropicTokens(inputTokens, outputTokens int64) {
	anthropicTokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	anthropicTokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}

// RecordTurn records one completed workflow turn.
func RecordTurn(outcome string) {
	turnsTotal.WithLabelValues(outcome).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
