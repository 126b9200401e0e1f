// Package metrics exposes Prometheus instrumentation for the sync pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Metrics holds the daemon's collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	runsTotal          *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	recordsDropped     prometheus.Counter
	attachmentProblems prometheus.Counter
	thumbnailsTotal    *prometheus.CounterVec
	reconcilerTotal    *prometheus.CounterVec
	deliveredTotal     *prometheus.CounterVec
	watermark          prometheus.Gauge
	grpcHandledTotal   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		gatherer: gatherer,
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vksync_pipeline_runs_total",
				Help: "Pipeline runs by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vksync_pipeline_run_duration_seconds",
				Help:    "Pipeline run latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"trigger"},
		),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vksync_records_dropped_total",
			Help: "Malformed message records dropped from fetch batches.",
		}),
		attachmentProblems: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vksync_attachment_problems_total",
			Help: "Attachments skipped or partially rendered.",
		}),
		thumbnailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vksync_thumbnails_total",
				Help: "Thumbnail prefetches by result.",
			},
			[]string{"result"},
		),
		reconcilerTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vksync_reconciler_decisions_total",
				Help: "Sent-message reconciler decisions.",
			},
			[]string{"decision"},
		),
		deliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vksync_delivered_events_total",
				Help: "Conversation events emitted by the delivery sequencer.",
			},
			[]string{"kind"},
		),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vksync_watermark",
			Help: "Highest message id delivered.",
		}),
		grpcHandledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vksync_grpc_server_handled_total",
				Help: "Control API requests handled.",
			},
			[]string{"grpc_method", "grpc_code"},
		),
	}
	reg.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.recordsDropped,
		m.attachmentProblems,
		m.thumbnailsTotal,
		m.reconcilerTotal,
		m.deliveredTotal,
		m.watermark,
		m.grpcHandledTotal,
	)
	return m
}

// ObserveRun records a finished pipeline run.
func (m *Metrics) ObserveRun(trigger, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(trigger, result).Inc()
	m.runDuration.WithLabelValues(trigger).Observe(took.Seconds())
}

// AddDropped counts dropped records.
func (m *Metrics) AddDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsDropped.Add(float64(n))
}

// AddAttachmentProblems counts attachment problems.
func (m *Metrics) AddAttachmentProblems(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.attachmentProblems.Add(float64(n))
}

// Thumbnail counts one prefetch with result "stored" or "failed".
func (m *Metrics) Thumbnail(result string) {
	if m == nil {
		return
	}
	m.thumbnailsTotal.WithLabelValues(result).Inc()
}

// Decision counts one reconciler decision.
func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.reconcilerTotal.WithLabelValues(decision).Inc()
}

// Delivered counts one emitted conversation event.
func (m *Metrics) Delivered(kind string) {
	if m == nil {
		return
	}
	m.deliveredTotal.WithLabelValues(kind).Inc()
}

// SetWatermark records the current watermark.
func (m *Metrics) SetWatermark(v uint64) {
	if m == nil {
		return
	}
	m.watermark.Set(float64(v))
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// UnaryServerInterceptor counts handled control API calls.
func (m *Metrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if m != nil {
			m.grpcHandledTotal.WithLabelValues(methodName(info.FullMethod), status.Code(err).String()).Inc()
		}
		return resp, err
	}
}

func methodName(fullMethod string) string {
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[i+1:]
	}
	return "unknown"
}
