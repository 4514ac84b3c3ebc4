package queue

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeRecalculateBaselines = "metrics:recalculate_baselines"
	TypeSnapshotTrends       = "metrics:snapshot_trends"
	TypeDetectStaleWorkers   = "metrics:detect_stale_workers"
	TypeCleanupWorkers       = "metrics:cleanup_workers"
)

type RecalculateBaselinesPayload struct {
	Connection string `json:"connection"`
	Queue      string `json:"queue"`
}

type SnapshotTrendsPayload struct {
	Connection string `json:"connection"`
}

type DetectStaleWorkersPayload struct {
	ThresholdSeconds int64 `json:"threshold_seconds"`
}

type CleanupWorkersPayload struct {
	OlderThanSeconds int64 `json:"older_than_seconds"`
}

func NewRecalculateBaselinesTask(payload RecalculateBaselinesPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recalculate baselines payload: %w", err)
	}
	return asynq.NewTask(TypeRecalculateBaselines, data), nil
}

func ParseRecalculateBaselinesPayload(task *asynq.Task) (*RecalculateBaselinesPayload, error) {
	var payload RecalculateBaselinesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recalculate baselines payload: %w", err)
	}
	return &payload, nil
}

func NewSnapshotTrendsTask(payload SnapshotTrendsPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot trends payload: %w", err)
	}
	return asynq.NewTask(TypeSnapshotTrends, data), nil
}

func ParseSnapshotTrendsPayload(task *asynq.Task) (*SnapshotTrendsPayload, error) {
	var payload SnapshotTrendsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot trends payload: %w", err)
	}
	return &payload, nil
}

func NewDetectStaleWorkersTask(payload DetectStaleWorkersPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stale workers payload: %w", err)
	}
	return asynq.NewTask(TypeDetectStaleWorkers, data), nil
}

func ParseDetectStaleWorkersPayload(task *asynq.Task) (*DetectStaleWorkersPayload, error) {
	var payload DetectStaleWorkersPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stale workers payload: %w", err)
	}
	return &payload, nil
}

func NewCleanupWorkersTask(payload CleanupWorkersPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cleanup workers payload: %w", err)
	}
	return asynq.NewTask(TypeCleanupWorkers, data), nil
}

func ParseCleanupWorkersPayload(task *asynq.Task) (*CleanupWorkersPayload, error) {
	var payload CleanupWorkersPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cleanup workers payload: %w", err)
	}
	return &payload, nil
}
