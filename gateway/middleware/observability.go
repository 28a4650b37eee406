package middleware

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type ObservabilityConfig struct {
	ServiceName   string
	MetricsPrefix string
	LogRequests   bool
	Enabled       bool
}

// Observability instruments the gateway's 8-stage authority pipeline:
// generic per-route HTTP counters and latency histograms, plus
// pipeline-stage counters for Caracal's authority/budget semantics (mandate
// validation outcome, replay blocks, budget decision outcome including
// degraded-mode serving).
type Observability struct {
	cfg       ObservabilityConfig
	logger    *log.Logger
	tracer    trace.Tracer
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec

	mandateValidations *prometheus.CounterVec
	replayBlocks       prometheus.Counter
	budgetDecisions    *prometheus.CounterVec
	upstreamForwards   *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewObservability(cfg ObservabilityConfig, logger *log.Logger) *Observability {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "caracal-gateway"
	}
	if cfg.MetricsPrefix == "" {
		cfg.MetricsPrefix = "caracal"
	}
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the gateway.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	mandateValidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "mandate_validations_total",
		Help:      "Mandate validations performed by the pipeline's lookup/scope stages, by outcome.",
	}, []string{"outcome"})
	replayBlocks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "replay_blocks_total",
		Help:      "Requests rejected by the nonce/timestamp replay guard.",
	})
	budgetDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "budget_decisions_total",
		Help:      "Budget-check outcomes from the policy evaluator, by outcome.",
	}, []string{"outcome"})
	upstreamForwards := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: cfg.MetricsPrefix,
		Name:      "upstream_forwards_total",
		Help:      "Requests forwarded to the upstream API, by result.",
	}, []string{"result"})
	registry.MustRegister(requests, durations, mandateValidations, replayBlocks, budgetDecisions, upstreamForwards)
	tracer := otel.Tracer(cfg.ServiceName)
	return &Observability{
		cfg:                cfg,
		logger:             logger,
		tracer:             tracer,
		requests:           requests,
		durations:          durations,
		mandateValidations: mandateValidations,
		replayBlocks:       replayBlocks,
		budgetDecisions:    budgetDecisions,
		upstreamForwards:   upstreamForwards,
		registry:           registry,
	}
}

// RecordMandateValidation increments the mandate_validations_total counter
// for the given outcome ("allowed", "expired", "revoked", "scope_denied",
// "not_found", "invalid_signature").
func (o *Observability) RecordMandateValidation(outcome string) {
	o.mandateValidations.WithLabelValues(outcome).Inc()
}

// RecordReplayBlock increments the replay_blocks_total counter.
func (o *Observability) RecordReplayBlock() {
	o.replayBlocks.Inc()
}

// RecordBudgetDecision increments the budget_decisions_total counter for the
// given outcome ("allowed", "denied", "degraded", "unavailable").
func (o *Observability) RecordBudgetDecision(outcome string) {
	o.budgetDecisions.WithLabelValues(outcome).Inc()
}

// RecordUpstreamForward increments the upstream_forwards_total counter for
// the given result ("success", "timeout", "error").
func (o *Observability) RecordUpstreamForward(result string) {
	o.upstreamForwards.WithLabelValues(result).Inc()
}

func (o *Observability) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !o.cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ctx, span := o.tracer.Start(r.Context(), route, trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
			))
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.status_code", recorder.status))
			span.End()
			duration := time.Since(start).Seconds()
			o.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			o.durations.WithLabelValues(route, r.Method).Observe(duration)
			if o.cfg.LogRequests {
				o.logger.Printf("%s %s -> %d (%.2fms)", r.Method, r.URL.Path, recorder.status, duration*1000)
			}
		})
	}
}

func (o *Observability) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
