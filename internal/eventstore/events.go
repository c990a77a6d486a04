package eventstore

import (
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/incbuild/internal/errors"
)

// CompilePrepared is emitted after global analysis has been prepared for a
// compile invocation.
type CompilePrepared struct {
	BaseEvent
	InvalidTargets int `json:"invalid_targets"`
	DeletedSources int `json:"deleted_sources"`
}

// NewCompilePrepared creates a CompilePrepared event.
func NewCompilePrepared(buildID string, invalidTargets, deletedSources int) (*CompilePrepared, error) {
	payload, err := json.Marshal(map[string]any{
		"invalid_targets": invalidTargets,
		"deleted_sources": deletedSources,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError,
			"marshal CompilePrepared payload").WithContext("build_id", buildID)
	}

	return &CompilePrepared{
		BaseEvent: BaseEvent{
			EventBuildID:   buildID,
			EventType:      "CompilePrepared",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		InvalidTargets: invalidTargets,
		DeletedSources: deletedSources,
	}, nil
}

// PartitionCompiled is emitted when a partition finishes compiling
// successfully.
type PartitionCompiled struct {
	BaseEvent
	Partition   int           `json:"partition"`
	Targets     []string      `json:"targets"`
	SourceCount int           `json:"source_count"`
	Duration    time.Duration `json:"duration_ms"`
}

// NewPartitionCompiled creates a PartitionCompiled event.
func NewPartitionCompiled(buildID string, partition int, targets []string, sourceCount int, duration time.Duration) (*PartitionCompiled, error) {
	payload, err := json.Marshal(map[string]any{
		"partition":    partition,
		"targets":      targets,
		"source_count": sourceCount,
		"duration_ms":  duration.Milliseconds(),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError,
			"marshal PartitionCompiled payload").WithContext("build_id", buildID)
	}

	return &PartitionCompiled{
		BaseEvent: BaseEvent{
			EventBuildID:   buildID,
			EventType:      "PartitionCompiled",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Partition:   partition,
		Targets:     targets,
		SourceCount: sourceCount,
		Duration:    duration,
	}, nil
}

// PartitionFailed is emitted when a partition's compile fails. Earlier
// partitions of the same build remain committed.
type PartitionFailed struct {
	BaseEvent
	Partition int    `json:"partition"`
	Error     string `json:"error"`
}

// NewPartitionFailed creates a PartitionFailed event.
func NewPartitionFailed(buildID string, partition int, errorMsg string) (*PartitionFailed, error) {
	payload, err := json.Marshal(map[string]any{
		"partition": partition,
		"error":     errorMsg,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError,
			"marshal PartitionFailed payload").WithContext("build_id", buildID)
	}

	return &PartitionFailed{
		BaseEvent: BaseEvent{
			EventBuildID:   buildID,
			EventType:      "PartitionFailed",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Partition: partition,
		Error:     errorMsg,
	}, nil
}

// CacheHitsApplied is emitted after cached compile results have been
// reconciled into the valid analysis store.
type CacheHitsApplied struct {
	BaseEvent
	TargetCount int `json:"target_count"`
}

// NewCacheHitsApplied creates a CacheHitsApplied event.
func NewCacheHitsApplied(buildID string, targetCount int) (*CacheHitsApplied, error) {
	payload, err := json.Marshal(map[string]any{
		"target_count": targetCount,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError,
			"marshal CacheHitsApplied payload").WithContext("build_id", buildID)
	}

	return &CacheHitsApplied{
		BaseEvent: BaseEvent{
			EventBuildID:   buildID,
			EventType:      "CacheHitsApplied",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		TargetCount: targetCount,
	}, nil
}

// BuildCompleted is emitted when a compile invocation finishes successfully.
type BuildCompleted struct {
	BaseEvent
	Partitions      int           `json:"partitions"`
	SourcesCompiled int           `json:"sources_compiled"`
	Duration        time.Duration `json:"duration_ms"`
}

// NewBuildCompleted creates a BuildCompleted event.
func NewBuildCompleted(buildID string, partitions, sourcesCompiled int, duration time.Duration) (*BuildCompleted, error) {
	payload, err := json.Marshal(map[string]any{
		"partitions":       partitions,
		"sources_compiled": sourcesCompiled,
		"duration_ms":      duration.Milliseconds(),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError,
			"marshal BuildCompleted payload").WithContext("build_id", buildID)
	}

	return &BuildCompleted{
		BaseEvent: BaseEvent{
			EventBuildID:   buildID,
			EventType:      "BuildCompleted",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Partitions:      partitions,
		SourcesCompiled: sourcesCompiled,
		Duration:        duration,
	}, nil
}

// BuildFailed is emitted when a compile invocation fails.
type BuildFailed struct {
	BaseEvent
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// NewBuildFailed creates a BuildFailed event.
func NewBuildFailed(buildID, stage, errorMsg string) (*BuildFailed, error) {
	payload, err := json.Marshal(map[string]any{
		"stage": stage,
		"error": errorMsg,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInternal, errors.SeverityError,
			"marshal BuildFailed payload").
			WithContext("build_id", buildID).
			WithContext("stage", stage)
	}

	return &BuildFailed{
		BaseEvent: BaseEvent{
			EventBuildID:   buildID,
			EventType:      "BuildFailed",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Stage: stage,
		Error: errorMsg,
	}, nil
}
