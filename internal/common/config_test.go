package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

func TestLoadConfig_QueueRetryPerLane(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "4")
	t.Setenv("QUEUE_BASE_DELAY", "3s")
	t.Setenv("QUEUE_EVALUATION_MAX_ATTEMPTS", "7")
	t.Setenv("QUEUE_EVALUATION_BASE_DELAY", "30s")
	t.Setenv("QUEUE_RUBRIC_BASE_DELAY", "500ms")

	cfg := LoadConfig()

	assert.Equal(t, 4, cfg.Queue.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Queue.BaseDelay)
	require.Len(t, cfg.Queue.Retry, len(constants.StageQueues))
	assert.Equal(t, QueueRetry{MaxAttempts: 7, BaseDelay: 30 * time.Second}, cfg.Queue.Retry[constants.QueueEvaluation])
	assert.Equal(t, QueueRetry{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond}, cfg.Queue.Retry[constants.QueueRubric])
	assert.Equal(t, QueueRetry{MaxAttempts: 4, BaseDelay: 3 * time.Second}, cfg.Queue.Retry[constants.QueueAssignment])
}

func TestValidate_RejectsBadQueueRetry(t *testing.T) {
	cfg := LoadConfig()
	cfg.Database.Driver = "memory"
	cfg.LLM.GeminiKey = "key"
	require.NoError(t, cfg.Validate())

	cfg.Queue.Retry[constants.QueueSubmission] = QueueRetry{MaxAttempts: 0, BaseDelay: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "submission")
}
