package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/queue"
)

// RegisterQueueHandlers binds the background work kinds to the pipelines
func (p *Pipelines) RegisterQueueHandlers(q queue.Queue) {
	q.Handle(queue.KindProcessLogs, func(ctx context.Context, payload json.RawMessage) error {
		var req models.LogProcessRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", queue.KindProcessLogs, err)
		}
		return p.ProcessLogs(ctx, &req)
	})

	q.Handle(queue.KindRunRecipe, func(ctx context.Context, payload json.RawMessage) error {
		var req models.RunRecipeOnTaskRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", queue.KindRunRecipe, err)
		}
		return p.RecipeRun(ctx, &req.Recipe, TaskPointers(req.Tasks))
	})
}

// TaskPointers returns pointers to the elements of tasks
func TaskPointers(tasks []models.Task) []*models.Task {
	out := make([]*models.Task, len(tasks))
	for i := range tasks {
		out[i] = &tasks[i]
	}
	return out
}
