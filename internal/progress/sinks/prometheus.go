package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rclaim/claimd/internal/progress"
)

// PrometheusSink exports claim lifecycle metrics. It owns all collectors for
// job creation/joins, retries, rate-limit hits, and terminal outcomes.
type PrometheusSink struct {
	jobsCreated   prometheus.Counter
	jobsJoined    prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	retries       *prometheus.CounterVec
	rateLimitHits *prometheus.CounterVec
	jobRuntime    *prometheus.HistogramVec
	limiterDelay  prometheus.Histogram
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimd_jobs_created_total",
			Help: "Claim jobs created by a registration race winner.",
		}),
		jobsJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimd_jobs_joined_total",
			Help: "Requests deduplicated onto an existing job.",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimd_jobs_completed_total",
			Help: "Terminal transitions partitioned by outcome kind.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimd_fetch_retries_total",
			Help: "Fetch retries partitioned by target host.",
		}, []string{"host"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimd_rate_limit_hits_total",
			Help: "Rate-limit rejections and exhausted outbound waits by host.",
		}, []string{"host"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimd_job_runtime_seconds",
			Help:    "Wall time from job creation to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60, 120},
		}, []string{"outcome"}),
		limiterDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "claimd_outbound_limiter_delay_seconds",
			Help:    "Delay introduced by the outbound rate limiter.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsCreated,
		s.jobsJoined,
		s.jobsCompleted,
		s.retries,
		s.rateLimitHits,
		s.jobRuntime,
		s.limiterDelay,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register claim collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageClaimCreated:
		s.jobsCreated.Inc()
	case progress.StageClaimJoined:
		s.jobsJoined.Inc()
	case progress.StageRetry:
		s.retries.WithLabelValues(hostLabel(evt)).Inc()
	case progress.StageRateLimited:
		s.rateLimitHits.WithLabelValues(hostLabel(evt)).Inc()
		if evt.Dur > 0 {
			s.limiterDelay.Observe(evt.Dur.Seconds())
		}
	case progress.StageClaimDone:
		s.jobsCompleted.WithLabelValues("succeeded").Inc()
		s.observeRuntime(evt, "succeeded")
	case progress.StageClaimError:
		outcome := evt.Kind
		if outcome == "" {
			outcome = "failed"
		}
		s.jobsCompleted.WithLabelValues(outcome).Inc()
		s.observeRuntime(evt, outcome)
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, outcome string) {
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func hostLabel(evt progress.Event) string {
	if evt.Host == "" {
		return "unknown"
	}
	return evt.Host
}
