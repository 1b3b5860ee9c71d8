// Package metrics exposes the limiter's MetricsRecorder contract through a
// Prometheus registry.
//
// Names such as "ratelimit.call" become "{namespace}_ratelimit_call_total"
// for counters and "{namespace}_ratelimit_latency_seconds" for observations.
// The first call for a name fixes its label set; later calls with other tag
// keys are dropped.
package metrics

import (
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manenim/logquota/pkg/limiter"
)

// LatencyBuckets covers sub-millisecond quota decisions up to storage
// timeouts, in seconds.
var LatencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

type counter struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogram struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// PromRecorder implements limiter.MetricsRecorder. It is safe for concurrent
// use.
type PromRecorder struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*counter
	histograms map[string]*histogram
}

var _ limiter.MetricsRecorder = (*PromRecorder)(nil)

// NewPromRecorder creates a recorder with its own registry, including Go
// runtime and process collectors.
func NewPromRecorder(namespace string) *PromRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PromRecorder{
		namespace:  namespace,
		registry:   reg,
		counters:   make(map[string]*counter),
		histograms: make(map[string]*histogram),
	}
}

// Registry returns the underlying registry.
func (p *PromRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PromRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PromRecorder) Add(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		labels := labelNames(tags)
		c = &counter{
			vec: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: p.namespace,
				Name:      metricName(name) + "_total",
				Help:      "Count of " + name + ".",
			}, labels),
			labels: labels,
		}
		if err := p.registry.Register(c.vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.counters[name] = c
	}
	p.mu.Unlock()

	if lv, ok := labelValues(c.labels, tags); ok {
		c.vec.WithLabelValues(lv...).Add(value)
	}
}

func (p *PromRecorder) Observe(name string, value float64, tags map[string]string) {
	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		labels := labelNames(tags)
		h = &histogram{
			vec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: p.namespace,
				Name:      metricName(name) + "_seconds",
				Help:      "Duration of " + name + " in seconds.",
				Buckets:   LatencyBuckets,
			}, labels),
			labels: labels,
		}
		if err := p.registry.Register(h.vec); err != nil {
			p.mu.Unlock()
			return
		}
		p.histograms[name] = h
	}
	p.mu.Unlock()

	if lv, ok := labelValues(h.labels, tags); ok {
		h.vec.WithLabelValues(lv...).Observe(value)
	}
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func labelNames(tags map[string]string) []string {
	return slices.Sorted(maps.Keys(tags))
}

func labelValues(labels []string, tags map[string]string) ([]string, bool) {
	if len(labels) != len(tags) {
		return nil, false
	}
	values := make([]string, len(labels))
	for i, l := range labels {
		v, ok := tags[l]
		if !ok {
			return nil, false
		}
		values[i] = v
	}
	return values, true
}
