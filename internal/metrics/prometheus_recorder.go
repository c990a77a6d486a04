package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once              sync.Once
	stageDuration     *prom.HistogramVec
	partitionDuration *prom.HistogramVec
	partitionResults  *prom.CounterVec
	sourcesCompiled   prom.Counter
	cacheHitTargets   prom.Counter
	invalidTargets    prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.stageDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "incbuild",
			Name:      "stage_duration_seconds",
			Help:      "Duration of orchestration stages (prepare, split, merge, trim)",
			Buckets:   prom.DefBuckets,
		}, []string{"stage"})
		pr.partitionDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "incbuild",
			Name:      "partition_compile_duration_seconds",
			Help:      "Duration of individual partition compiles",
			Buckets:   prom.DefBuckets,
		}, []string{"result"})
		pr.partitionResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "incbuild",
			Name:      "partition_results_total",
			Help:      "Partition compile results by outcome",
		}, []string{"result"})
		pr.sourcesCompiled = prom.NewCounter(prom.CounterOpts{
			Namespace: "incbuild",
			Name:      "sources_compiled_total",
			Help:      "Total source files handed to the compile callback",
		})
		pr.cacheHitTargets = prom.NewCounter(prom.CounterOpts{
			Namespace: "incbuild",
			Name:      "cache_hit_targets_total",
			Help:      "Targets reconciled from artifact cache hits",
		})
		pr.invalidTargets = prom.NewGauge(prom.GaugeOpts{
			Namespace: "incbuild",
			Name:      "invalid_targets",
			Help:      "Invalid targets observed by the last invalidation check",
		})
		reg.MustRegister(pr.stageDuration, pr.partitionDuration, pr.partitionResults, pr.sourcesCompiled, pr.cacheHitTargets, pr.invalidTargets)
	})
	return pr
}

func (p *PrometheusRecorder) ObserveStageDuration(stage string, d time.Duration) {
	if p == nil || p.stageDuration == nil {
		return
	}
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObservePartitionDuration(d time.Duration, result ResultLabel) {
	if p == nil || p.partitionDuration == nil {
		return
	}
	p.partitionDuration.WithLabelValues(string(result)).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPartitionResult(result ResultLabel) {
	if p == nil || p.partitionResults == nil {
		return
	}
	p.partitionResults.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) AddSourcesCompiled(n int) {
	if p == nil || p.sourcesCompiled == nil {
		return
	}
	p.sourcesCompiled.Add(float64(n))
}

func (p *PrometheusRecorder) AddCacheHitTargets(n int) {
	if p == nil || p.cacheHitTargets == nil {
		return
	}
	p.cacheHitTargets.Add(float64(n))
}

func (p *PrometheusRecorder) SetInvalidTargets(n int) {
	if p == nil || p.invalidTargets == nil {
		return
	}
	p.invalidTargets.Set(float64(n))
}
