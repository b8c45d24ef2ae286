package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SourceQueries counts fan-out worker completions by source and status.
	SourceQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_source_queries_total",
		Help: "Source adapter queries by source id and final status.",
	}, []string{"source", "status"})

	// SourceQueryDuration observes per-worker wall time including retries.
	SourceQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finsight_source_query_duration_seconds",
		Help:    "Source adapter query duration including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	// Runs counts research runs by route taken and final status.
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finsight_runs_total",
		Help: "Research runs by route and final status.",
	}, []string{"route", "status"})

	// AnswerChunks counts resolved answer fragments streamed to clients.
	AnswerChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finsight_answer_chunks_total",
		Help: "Resolved answer fragments emitted across all runs.",
	})

	// UnknownReferences counts markers left literal for lack of an index entry.
	UnknownReferences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finsight_unknown_references_total",
		Help: "Citation markers left unresolved because the id was unknown.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }
