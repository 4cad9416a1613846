package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/yardkeep/yardkeep/internal/identify"
	"github.com/yardkeep/yardkeep/internal/queue"
)

// Processor is plugged into the asynq worker loop and hands each task to the
// identification workflow.
type Processor struct {
	workflow *identify.Workflow
}

// NewProcessor constructs a worker processor.
func NewProcessor(workflow *identify.Workflow) *Processor {
	return &Processor{workflow: workflow}
}

// Handler registers the identify job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.IdentifyPlantTask, p.handleIdentify)
	return mux
}

// handleIdentify runs one attempt. Workflow-level failures (provider error,
// undecodable photo) already resolved the record to failed, so the task
// returns nil for those; only infrastructure errors surface to asynq, and
// with MaxRetry(0) they are parked in the dead queue for inspection rather
// than re-run.
func (p *Processor) handleIdentify(ctx context.Context, task *asynq.Task) error {
	var payload queue.IdentifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := p.workflow.Run(ctx, payload.PlantID); err != nil {
		log.Printf("identify %s: %v", payload.PlantID, err)
		return err
	}
	return nil
}
