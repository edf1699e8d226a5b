// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_requests_total{provider,status}
	requestsTotal *prometheus.CounterVec

	// router_provider_response_seconds{provider,route}
	providerDuration *prometheus.HistogramVec

	// router_mr_processing_seconds{route}
	mrProcessing *prometheus.HistogramVec

	// router_retrieval_duration_seconds{window}
	retrievalDuration *prometheus.HistogramVec

	// router_memory_tokens_total{direction} — direction: retrieved|injected|stored
	memoryTokens *prometheus.CounterVec

	// router_chunks_total{op} — op: stored|retrieved|deduped|truncated
	chunks *prometheus.CounterVec

	// router_vaults — resident vault count
	vaults prometheus.Gauge

	// router_billing_charges_total{kind,outcome}
	billingCharges *prometheus.CounterVec

	// router_blocked_rejections_total{reason}
	blockedRejections *prometheus.CounterVec

	// router_usage_events_dropped_total
	usageDropped prometheus.Counter

	// router_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// router_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// router_component_health{component}
	componentHealth *prometheus.GaugeVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes retrieval + upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Total number of proxied requests by provider and status",
			},
			[]string{"provider", "status"},
		),

		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_provider_response_seconds",
				Help:    "Upstream provider latency (dispatch to first byte or full body)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "route"},
		),

		mrProcessing: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_mr_processing_seconds",
				Help:    "MemoryRouter processing time before dispatch (auth, balance, retrieval, injection)",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"route"},
		),

		retrievalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_retrieval_duration_seconds",
				Help:    "Per-window vault search duration",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"window"},
		),

		memoryTokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_memory_tokens_total",
				Help: "Memory tokens moved through the router",
			},
			[]string{"direction"},
		),

		chunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_chunks_total",
				Help: "Chunk operations",
			},
			[]string{"op"},
		),

		vaults: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_vaults",
			Help: "Number of vaults currently resident in memory",
		}),

		billingCharges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_billing_charges_total",
				Help: "Payment charges by kind (pre_request, auto_reup) and outcome",
			},
			[]string{"kind", "outcome"},
		),

		blockedRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_blocked_rejections_total",
				Help: "Requests rejected by the blocked-user cache without a DB read",
			},
			[]string{"reason"},
		),

		usageDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_usage_events_dropped_total",
			Help: "Usage events dropped because the writer queue was full",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Provider token usage derived from upstream usage fields",
			},
			[]string{"provider", "direction"},
		),

		componentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_component_health",
				Help: "Component health status (1=ok, 0=degraded)",
			},
			[]string{"component"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.providerDuration,
		r.mrProcessing,
		r.retrievalDuration,
		r.memoryTokens,
		r.chunks,
		r.vaults,
		r.billingCharges,
		r.blockedRejections,
		r.usageDropped,
		r.rateLimitTotal,
		r.tokensTotal,
		r.componentHealth,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRequest records one proxied request outcome.
func (r *Registry) RecordRequest(provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

// ObserveProvider records upstream latency for one dispatch.
func (r *Registry) ObserveProvider(provider, route string, dur time.Duration) {
	r.providerDuration.WithLabelValues(provider, route).Observe(dur.Seconds())
}

// ObserveMRProcessing records router-side processing time before dispatch.
func (r *Registry) ObserveMRProcessing(route string, dur time.Duration) {
	r.mrProcessing.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRetrieval records one per-window vault search.
func (r *Registry) ObserveRetrieval(window string, dur time.Duration) {
	r.retrievalDuration.WithLabelValues(window).Observe(dur.Seconds())
}

func (r *Registry) AddMemoryTokens(direction string, n int) {
	if n > 0 {
		r.memoryTokens.WithLabelValues(direction).Add(float64(n))
	}
}

func (r *Registry) RecordChunk(op string) {
	r.chunks.WithLabelValues(op).Inc()
}

func (r *Registry) SetVaultCount(n int) {
	r.vaults.Set(float64(n))
}

func (r *Registry) RecordCharge(kind, outcome string) {
	r.billingCharges.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) RecordBlockedRejection(reason string) {
	r.blockedRejections.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordUsageDropped() {
	r.usageDropped.Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetComponentHealth(component string, ok bool) {
	if ok {
		r.componentHealth.WithLabelValues(component).Set(1)
		return
	}
	r.componentHealth.WithLabelValues(component).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
