package queue

import (
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecalculateBaselinesTaskRoundTrip(t *testing.T) {
	task, err := NewRecalculateBaselinesTask(RecalculateBaselinesPayload{
		Connection: "redis",
		Queue:      "critical",
	})
	require.NoError(t, err)
	assert.Equal(t, TypeRecalculateBaselines, task.Type())

	payload, err := ParseRecalculateBaselinesPayload(task)
	require.NoError(t, err)
	assert.Equal(t, "redis", payload.Connection)
	assert.Equal(t, "critical", payload.Queue)
}

func TestDetectStaleWorkersTaskRoundTrip(t *testing.T) {
	task, err := NewDetectStaleWorkersTask(DetectStaleWorkersPayload{ThresholdSeconds: 60})
	require.NoError(t, err)

	payload, err := ParseDetectStaleWorkersPayload(task)
	require.NoError(t, err)
	assert.Equal(t, int64(60), payload.ThresholdSeconds)
}

func TestParseRejectsMalformedPayload(t *testing.T) {
	task := asynq.NewTask(TypeSnapshotTrends, []byte("not json"))
	_, err := ParseSnapshotTrendsPayload(task)
	assert.Error(t, err)
}
