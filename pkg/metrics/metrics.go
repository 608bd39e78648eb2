// Package metrics registers the Prometheus instruments shared across
// components. Everything registers on the default registry and is served on
// each component's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	echo "github.com/labstack/echo/v5"
)

var (
	// InboundMessages counts normalized webhook events by channel type and
	// outcome (accepted, duplicate, rejected, failed).
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_inbound_messages_total",
		Help: "Inbound messages by channel type and outcome.",
	}, []string{"channel_type", "outcome"})

	// PipelineLatency observes end-to-end orchestrator processing time.
	PipelineLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatmesh_pipeline_latency_seconds",
		Help:    "Inbound message pipeline latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// LLMLatency observes provider completion latency by model.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatmesh_llm_latency_seconds",
		Help:    "LLM completion latency by model.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	}, []string{"model"})

	// OutboundDeliveries counts delivery attempts by channel type and
	// outcome (delivered, retried, dead_lettered, duplicate).
	OutboundDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_outbound_deliveries_total",
		Help: "Outbound delivery attempts by channel type and outcome.",
	}, []string{"channel_type", "outcome"})

	// IngestionJobs counts finished ingestion jobs by outcome.
	IngestionJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_ingestion_jobs_total",
		Help: "Ingestion jobs by outcome.",
	}, []string{"outcome"})

	// IngestionChunks counts embedded and upserted chunks.
	IngestionChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatmesh_ingestion_chunks_total",
		Help: "Chunks embedded and written to the vector store.",
	})

	// AutomationQueueDepth gauges pending automation jobs.
	AutomationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatmesh_automation_queue_depth",
		Help: "Pending automation jobs.",
	})

	// AutomationJobs counts finished automation jobs by outcome.
	AutomationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatmesh_automation_jobs_total",
		Help: "Automation jobs by outcome.",
	}, []string{"outcome"})

	// AutomationLatency observes connector execution time by action type.
	AutomationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatmesh_automation_latency_seconds",
		Help:    "Automation connector latency by action type.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"action_type"})
)

// Handler serves the default registry for echo routers.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
