package monitoring

import (
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

const namespace = "paycore"

// Metrics holds the payment core's collectors. All of them are registered on
// a private registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	payments       *prometheus.CounterVec
	paymentLatency *prometheus.HistogramVec
	lockWait       *prometheus.HistogramVec
	feeFallbacks   prometheus.Counter

	grpcClient *grpc_prometheus.ClientMetrics
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		payments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payments by settlement method and outcome.",
			},
			[]string{"method", "status"},
		),
		paymentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payment_duration_seconds",
				Help:      "Time from request to recorded journal.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"method"},
		),
		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wallet_lock_wait_seconds",
				Help:      "Time spent acquiring a wallet lock.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"acquired"},
		),
		feeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settled_fee_fallbacks_total",
			Help:      "On-chain payments recorded with the estimated fee.",
		}),
		grpcClient: grpc_prometheus.NewClientMetrics(),
	}

	m.registry.MustRegister(
		m.payments, m.paymentLatency, m.lockWait, m.feeFallbacks,
		m.grpcClient,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(
			prometheus.ProcessCollectorOpts{},
		),
	)

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObservePayment counts a finished payment attempt.
func (m *Metrics) ObservePayment(method, status string, d time.Duration) {
	m.payments.WithLabelValues(method, status).Inc()
	m.paymentLatency.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveLockWait records a lock acquisition. Its signature matches the lock
// providers' wait observer.
func (m *Metrics) ObserveLockWait(wait time.Duration, err error) {
	acquired := "true"
	if err != nil {
		acquired = "false"
	}
	m.lockWait.WithLabelValues(acquired).Observe(wait.Seconds())
}

// IncFeeFallback counts a payment recorded with its estimated fee because the
// settled fee could not be looked up.
func (m *Metrics) IncFeeFallback() {
	m.feeFallbacks.Inc()
}

// GrpcDialOptions returns the interceptors that instrument calls to the
// settlement node.
func (m *Metrics) GrpcDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithUnaryInterceptor(m.grpcClient.UnaryClientInterceptor()),
		grpc.WithStreamInterceptor(
			m.grpcClient.StreamClientInterceptor(),
		),
	}
}
