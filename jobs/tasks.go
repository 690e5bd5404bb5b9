package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTokenPruneExpired is the task type for refresh token housekeeping.
	TaskTokenPruneExpired = "token:prune_expired"
)

// TokenPrunePayload describes a prune run. Empty today; the shape keeps the
// wire format extensible without a task type bump.
type TokenPrunePayload struct{}

// NewTokenPruneTask constructs an Asynq task for expired token pruning.
func NewTokenPruneTask() (*asynq.Task, error) {
	data, err := json.Marshal(TokenPrunePayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTokenPruneExpired, data), nil
}
