package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsClient is the metrics recording interface. Names are snake_case
// without the namespace; labels are optional.
type MetricsClient interface {
	IncrementCounter(name string, value float64)
	IncrementCounterWithLabels(name string, value float64, labels map[string]string)
	RecordGauge(name string, value float64, labels map[string]string)
	RecordHistogram(name string, value float64, labels map[string]string)
	RecordTimer(name string, duration time.Duration, labels map[string]string)
	StartTimer(name string, labels map[string]string) func()
	Close() error
}

// PrometheusMetricsClient implements MetricsClient on a dedicated registry
// so the API server can expose exactly the collectors this process created.
type PrometheusMetricsClient struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.RWMutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsClient creates a metrics client under the given
// namespace with its own registry.
func NewPrometheusMetricsClient(namespace string) *PrometheusMetricsClient {
	c := &PrometheusMetricsClient{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	c.registerDefaults()
	return c
}

// Registry returns the registry backing this client, for the /metrics handler.
func (c *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return c.registry
}

func (c *PrometheusMetricsClient) registerDefaults() {
	c.getOrCreateCounter("api_requests_total", "API requests", []string{"method", "endpoint", "status"})
	c.getOrCreateHistogram("api_request_duration_seconds", "API request duration", []string{"method", "endpoint"})
	c.getOrCreateCounter("search_requests_total", "Search requests", []string{"mode", "status"})
	c.getOrCreateHistogram("search_duration_seconds", "Search latency", []string{"mode"})
	c.getOrCreateCounter("cache_operations_total", "Cache operations", []string{"cache", "result"})
	c.getOrCreateCounter("embedding_requests_total", "Embedding service requests", []string{"status"})
	c.getOrCreateHistogram("embedding_duration_seconds", "Embedding call latency", nil)
	c.getOrCreateCounter("indexer_documents_total", "Pipeline documents by stage", []string{"stage"})
	c.getOrCreateGauge("indexer_inflight_docs", "Pipeline in-flight documents per stage", []string{"stage"})
	c.getOrCreateCounter("search_hydration_dropped_total", "Engine hits dropped during hydration", nil)
	c.getOrCreateGauge("circuit_breaker_state", "Circuit breaker state (0 closed, 1 half-open, 2 open)", []string{"name"})
}

func (c *PrometheusMetricsClient) getOrCreateCounter(name, help string, labels []string) *prometheus.CounterVec {
	c.mu.RLock()
	counter, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return counter
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if counter, ok = c.counters[name]; ok {
		return counter
	}
	counter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	c.registry.MustRegister(counter)
	c.counters[name] = counter
	return counter
}

func (c *PrometheusMetricsClient) getOrCreateGauge(name, help string, labels []string) *prometheus.GaugeVec {
	c.mu.RLock()
	gauge, ok := c.gauges[name]
	c.mu.RUnlock()
	if ok {
		return gauge
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gauge, ok = c.gauges[name]; ok {
		return gauge
	}
	gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	c.registry.MustRegister(gauge)
	c.gauges[name] = gauge
	return gauge
}

func (c *PrometheusMetricsClient) getOrCreateHistogram(name, help string, labels []string) *prometheus.HistogramVec {
	c.mu.RLock()
	histogram, ok := c.histograms[name]
	c.mu.RUnlock()
	if ok {
		return histogram
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if histogram, ok = c.histograms[name]; ok {
		return histogram
	}
	histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: c.namespace,
		Name:      name,
		Help:      help,
		Buckets:   prometheus.DefBuckets,
	}, labels)
	c.registry.MustRegister(histogram)
	c.histograms[name] = histogram
	return histogram
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

func (c *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	c.getOrCreateCounter(name, name, nil).With(nil).Add(value)
}

func (c *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	c.getOrCreateCounter(name, name, labelNames(labels)).With(labels).Add(value)
}

func (c *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	c.getOrCreateGauge(name, name, labelNames(labels)).With(labels).Set(value)
}

func (c *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	c.getOrCreateHistogram(name, name, labelNames(labels)).With(labels).Observe(value)
}

func (c *PrometheusMetricsClient) RecordTimer(name string, duration time.Duration, labels map[string]string) {
	c.RecordHistogram(name, duration.Seconds(), labels)
}

// StartTimer returns a stop function that records the elapsed time.
func (c *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		c.RecordTimer(name, time.Since(start), labels)
	}
}

func (c *PrometheusMetricsClient) Close() error { return nil }
