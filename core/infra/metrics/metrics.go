package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for the session coordinator.
type Metrics interface {
	IncSessionOpened(mode, provider string)
	IncSessionClosed(mode string)
	IncSessionConflict(kind string)
	IncContentionRequested()
	IncContentionResolved(outcome string)
	IncCheckoutSelfHeal()
	IncPollExhausted(kind string)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncSessionOpened(string, string) {}
func (Noop) IncSessionClosed(string)         {}
func (Noop) IncSessionConflict(string)       {}
func (Noop) IncContentionRequested()         {}
func (Noop) IncContentionResolved(string)    {}
func (Noop) IncCheckoutSelfHeal()            {}
func (Noop) IncPollExhausted(string)         {}

// Prom implements Metrics backed by Prometheus counters.
type Prom struct {
	sessionsOpened     *prometheus.CounterVec
	sessionsClosed     *prometheus.CounterVec
	sessionConflicts   *prometheus.CounterVec
	contentionRequests prometheus.Counter
	contentionResolved *prometheus.CounterVec
	checkoutSelfHeals  prometheus.Counter
	pollsExhausted     *prometheus.CounterVec
	once               sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Sessions opened by mode and storage provider",
		}, []string{"mode", "provider"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed by vacated mode",
		}, []string{"mode"}),
		sessionConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_conflicts_total",
			Help:      "Session open/update conflicts by kind",
		}, []string{"kind"}),
		contentionRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contention_requests_total",
			Help:      "Edit contention requests created",
		}),
		contentionResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contention_resolved_total",
			Help:      "Edit contention requests resolved by outcome",
		}, []string{"outcome"}),
		checkoutSelfHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_self_heals_total",
			Help:      "Stuck external checkouts recovered via checkin+checkout",
		}),
		pollsExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_exhausted_total",
			Help:      "Bounded polls that ran out of attempts by kind",
		}, []string{"kind"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(
			p.sessionsOpened,
			p.sessionsClosed,
			p.sessionConflicts,
			p.contentionRequests,
			p.contentionResolved,
			p.checkoutSelfHeals,
			p.pollsExhausted,
		)
	})
}

func (p *Prom) IncSessionOpened(mode, provider string) {
	p.sessionsOpened.WithLabelValues(mode, provider).Inc()
}

func (p *Prom) IncSessionClosed(mode string) {
	p.sessionsClosed.WithLabelValues(mode).Inc()
}

func (p *Prom) IncSessionConflict(kind string) {
	p.sessionConflicts.WithLabelValues(kind).Inc()
}

func (p *Prom) IncContentionRequested() {
	p.contentionRequests.Inc()
}

func (p *Prom) IncContentionResolved(outcome string) {
	p.contentionResolved.WithLabelValues(outcome).Inc()
}

func (p *Prom) IncCheckoutSelfHeal() {
	p.checkoutSelfHeals.Inc()
}

func (p *Prom) IncPollExhausted(kind string) {
	p.pollsExhausted.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
