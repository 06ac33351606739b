package instrumentation

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
	readTimeout             = 5 * time.Second
	writeTimeout            = 10 * time.Second
)

// Metrics counts broker activity. A nil *Metrics is valid and counts
// nothing, so callers never guard individual observations.
type Metrics struct {
	AuthResults   *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	ProviderCalls *prometheus.CounterVec
	SealOps       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		AuthResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "himmelblau_auth_results_total",
			Help: "Authentication outcomes by terminal result",
		}, []string{"result"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "himmelblau_cache_hits_total",
			Help: "Lookups answered from the credential or record cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "himmelblau_cache_misses_total",
			Help: "Lookups that missed the credential or record cache",
		}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "himmelblau_provider_calls_total",
			Help: "Remote identity-provider exchanges by operation",
		}, []string{"operation"}),
		SealOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "himmelblau_seal_operations_total",
			Help: "Seal and unseal operations by outcome",
		}, []string{"operation", "status"}),
	}
}

func (m *Metrics) RegisterWith(registry *prometheus.Registry) {
	registry.MustRegister(m.AuthResults, m.CacheHits, m.CacheMisses, m.ProviderCalls, m.SealOps)
}

func (m *Metrics) ObserveAuthResult(result string) {
	if m == nil {
		return
	}
	m.AuthResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) ObserveProviderCall(operation string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveSealOp(operation string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.SealOps.WithLabelValues(operation, status).Inc()
}

// MetricsServer exposes the registry over HTTP. The default configuration
// binds loopback only; credentials never appear in metric labels.
type MetricsServer struct {
	log      logrus.FieldLogger
	address  string
	registry *prometheus.Registry
	metrics  *Metrics
}

func NewMetricsServer(log logrus.FieldLogger, address string, metrics *Metrics) *MetricsServer {
	return &MetricsServer{
		log:      log,
		address:  address,
		registry: prometheus.NewRegistry(),
		metrics:  metrics,
	}
}

func (s *MetricsServer) Run(ctx context.Context) error {
	s.metrics.RegisterWith(s.registry)

	srv := &http.Server{
		Addr:         s.address,
		Handler:      promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	go func() {
		<-ctx.Done()
		s.log.Infof("Stopping metrics listener on %s", s.address)
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
