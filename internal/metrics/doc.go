// Package metrics provides build metrics collection behind a small
// Recorder interface.
//
// Components receive a Recorder through dependency injection and default
// to NoopRecorder, so metrics can be enabled by swapping in the
// Prometheus-backed implementation without touching call sites:
//
//	recorder := metrics.NewPrometheusRecorder(registry)
//	strategy := compile.NewStrategy(cfg, tools, compile.WithRecorder(recorder))
//
// NoopRecorder methods inline to nothing, so leaving metrics disabled has
// zero overhead.
package metrics
