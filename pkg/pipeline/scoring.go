package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/store"
	"github.com/Aximande/phospho/pkg/tracing"
)

// FewShotExamples returns the most recent human-labelled examples of the
// project, at most half of the configured maximum on each side.
func (p *Pipelines) FewShotExamples(ctx context.Context, projectID string) (success, failure []models.FewShotExample, err error) {
	perSide := p.config.FewShotMaxExamples / 2
	if perSide <= 0 {
		return nil, nil, nil
	}
	query := store.EvalExampleQuery{
		ProjectID:      projectID,
		ExcludeSources: p.config.AutomatedSources,
		Limit:          perSide,
	}

	query.Value = models.FlagSuccess
	if success, err = p.store.ListEvalExamples(ctx, query); err != nil {
		return nil, nil, fmt.Errorf("failed to list success examples: %w", err)
	}
	query.Value = models.FlagFailure
	if failure, err = p.store.ListEvalExamples(ctx, query); err != nil {
		return nil, nil, fmt.Errorf("failed to list failure examples: %w", err)
	}
	return success, failure, nil
}

// TaskScoring produces the success/failure verdict of a task. A task that
// already carries a flag is returned as is. With saveTask the verdict is
// written back only if the stored flag is still unset; the stored flag is
// returned when another writer got there first.
func (p *Pipelines) TaskScoring(ctx context.Context, task *models.Task, saveTask bool) (flag *string, err error) {
	if task.Flag != nil {
		return task.Flag, nil
	}

	start := time.Now()
	ctx, span := tracing.Start(ctx, "pipeline.task_scoring", attribute.String("task.id", task.ID))
	defer func() {
		tracing.SetError(span, err)
		span.End()
		p.observe("task_scoring", start, err)
	}()

	success, failure, err := p.FewShotExamples(ctx, task.ProjectID)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("few-shot examples loaded", logging.Fields{
		"task_id": task.ID,
		"success": len(success),
		"failure": len(failure),
	})

	job, err := p.registry.NewJob(ScoringJobID, lab.EvaluationConfig{
		RecipeID:   ScoringRecipeID,
		RecipeType: ScoringRecipeType,
	})
	if err != nil {
		return nil, err
	}
	w := p.newWorkload(task.OrgID, task.ProjectID)
	if err := w.AddJob(job); err != nil {
		return nil, err
	}

	extra := map[string]interface{}{
		lab.MetaSuccessfulExamples:   success,
		lab.MetaUnsuccessfulExamples: failure,
	}
	if sp := task.SystemPrompt(); sp != nil {
		extra[lab.MetaSystemPrompt] = *sp
	}
	msg := lab.MessageFromTask(task, nil, extra)
	if err := w.Run(ctx, []lab.Message{msg}, lab.Sequential); err != nil {
		return nil, err
	}

	result, ok := w.Result(msg.ID, ScoringJobID)
	if !ok {
		return nil, fmt.Errorf("scoring job produced no result for task %s", task.ID)
	}
	p.saveResult(ctx, result, task)
	if result.Failed() {
		return nil, fmt.Errorf("scoring job failed for task %s: %s", task.ID, result.Error())
	}

	value, _ := result.Value.(string)
	if !models.IsValidFlag(value) {
		return nil, fmt.Errorf("scoring job returned invalid flag %v for task %s", result.Value, task.ID)
	}

	eval := &models.Eval{
		ID:        uuid.New().String(),
		ProjectID: task.ProjectID,
		OrgID:     task.OrgID,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Value:     value,
		Source:    p.config.EvaluationSource,
		TestID:    task.TestID,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.InsertEval(ctx, eval); err != nil {
		p.logger.Error("failed to save eval", logging.Fields{"task_id": task.ID, "error": err})
	}

	if !saveTask {
		return &value, nil
	}

	set, err := p.store.SetTaskFlagIfUnset(ctx, task.ID, value, eval, p.config.EvaluationSource)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			p.logger.Warn("task not stored, flag not saved", logging.Fields{"task_id": task.ID})
			return &value, nil
		}
		return nil, fmt.Errorf("failed to save flag: %w", err)
	}
	if set {
		return &value, nil
	}

	stored, err := p.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	p.logger.Info("task already flagged, keeping stored flag", logging.Fields{"task_id": task.ID})
	return stored.Flag, nil
}
