package metrics

import "time"

// ResultLabel enumerates stage result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
)

// Recorder defines observability hooks for the compile orchestrator.
// Implementations may forward to Prometheus, OpenTelemetry, etc. All methods
// must be safe for nil receivers when using the NoopRecorder (allowing
// optional injection).
type Recorder interface {
	ObserveStageDuration(stage string, d time.Duration)
	ObservePartitionDuration(d time.Duration, result ResultLabel)
	IncPartitionResult(result ResultLabel)
	AddSourcesCompiled(n int)
	AddCacheHitTargets(n int)
	SetInvalidTargets(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStageDuration(string, time.Duration)            {}
func (NoopRecorder) ObservePartitionDuration(time.Duration, ResultLabel)   {}
func (NoopRecorder) IncPartitionResult(ResultLabel)                        {}
func (NoopRecorder) AddSourcesCompiled(int)                                {}
func (NoopRecorder) AddCacheHitTargets(int)                                {}
func (NoopRecorder) SetInvalidTargets(int)                                 {}
