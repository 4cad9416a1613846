package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// IdentifyPlantTask is scheduled each time an identification is requested.
	IdentifyPlantTask = "plant:identify"
)

// IdentifyPayload is serialized into the task so the worker knows which
// record to run the attempt for.
type IdentifyPayload struct {
	PlantID string `json:"plant_id"`
}

// EnqueueIdentify enqueues one identification attempt. MaxRetry is zero on
// purpose: a failed attempt resolves the record to failed, and the only retry
// path is the user asking again. Background re-runs would fight the state
// machine.
func EnqueueIdentify(ctx context.Context, client *asynq.Client, payload IdentifyPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(IdentifyPlantTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(0)); err != nil {
		return fmt.Errorf("enqueue identify task: %w", err)
	}
	return nil
}
