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

// TaskMain runs the full analysis of one task: event detection and sentiment
// (skipped for test-bench tasks), then scoring unless the task is flagged.
func (p *Pipelines) TaskMain(ctx context.Context, task *models.Task, saveTask bool) (res *models.PipelineResults, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "pipeline.task_main",
		attribute.String("task.id", task.ID),
		attribute.Bool("save_task", saveTask),
	)
	defer func() {
		tracing.SetError(span, err)
		span.End()
		p.observe("task_main", start, err)
	}()

	if err := task.Validate(); err != nil {
		return nil, err
	}
	p.logger.Info("starting main pipeline", logging.Fields{"task_id": task.ID, "project_id": task.ProjectID})

	res = &models.PipelineResults{Events: []models.Event{}}
	if !task.IsTestBench() {
		events, err := p.TaskEventDetection(ctx, task, saveTask)
		if err != nil {
			return nil, err
		}
		res.Events = events

		sentiment, language, err := p.SentimentAndLanguage(ctx, task)
		if err != nil {
			p.logger.Warn("sentiment analysis failed", logging.Fields{"task_id": task.ID, "error": err})
		}
		res.Sentiment, res.Language = sentiment, language
	}

	scored := task
	if saveTask {
		stored, err := p.store.GetTask(ctx, task.ID)
		switch {
		case err == nil:
			scored = stored
		case !errors.Is(err, store.ErrTaskNotFound):
			return nil, err
		}
	}
	flag, err := p.TaskScoring(ctx, scored, saveTask)
	if err != nil {
		p.logger.Warn("scoring failed", logging.Fields{"task_id": task.ID, "error": err})
	}
	res.Flag = flag

	p.logger.Info("main pipeline completed", logging.Fields{
		"task_id":  task.ID,
		"events":   len(res.Events),
		"duration": time.Since(start).String(),
	})
	return res, nil
}

// MessagesMain runs event detection on a chronological list of messages:
// the last one is analysed, the earlier ones are its context. Nothing is
// attached to a task, so every detection is stored and notified.
func (p *Pipelines) MessagesMain(ctx context.Context, projectID string, messages []models.Message) (res *models.PipelineResults, err error) {
	start := time.Now()
	ctx, span := tracing.Start(ctx, "pipeline.messages_main",
		attribute.String("project.id", projectID),
		attribute.Int("messages", len(messages)),
	)
	defer func() {
		tracing.SetError(span, err)
		span.End()
		p.observe("messages_main", start, err)
	}()

	if len(messages) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", models.ErrValidation)
	}
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", projectID, err)
	}

	res = &models.PipelineResults{Events: []models.Event{}}
	if project.EventCount() == 0 {
		p.logger.Warn("project has no event definitions", logging.Fields{"project_id": projectID})
		return res, nil
	}

	w, err := p.registry.WorkloadFromProject(project)
	if err != nil {
		return nil, err
	}
	p.prepare(w)

	last := messages[len(messages)-1]
	subject := lab.Message{
		ID:               uuid.New().String(),
		Role:             last.Role,
		Content:          last.Content,
		Metadata:         last.Metadata,
		PreviousMessages: messages[:len(messages)-1],
	}
	if err := w.Run(ctx, []lab.Message{subject}, lab.ParallelJobs); err != nil {
		return nil, err
	}

	results := w.MessageResults(subject.ID)
	for _, job := range w.Jobs() {
		result, ok := results[job.ID]
		if !ok {
			continue
		}
		def, _ := job.EventDefinition()
		if detected, _ := result.Value.(bool); detected && !result.Failed() {
			d := def
			event := models.Event{
				ID:              uuid.New().String(),
				EventName:       def.EventName,
				ProjectID:       projectID,
				OrgID:           project.OrgID,
				Source:          evaluationSource(result),
				Webhook:         def.Webhook,
				EventDefinition: &d,
				ScoreRange:      scoreRange(result),
				Messages:        messages,
				JobID:           job.ID,
				RecipeID:        result.RecipeID(),
				CreatedAt:       time.Now().UTC(),
			}
			res.Events = append(res.Events, event)
			p.metrics.RecordEventTransition(transitionAdded)
			p.fire(ctx, def, &event)
		}

		if result.RecipeID() == "" {
			p.logger.Error("no recipe_id found for event", logging.Fields{"event_name": def.EventName})
		}
		p.saveResult(ctx, result, nil)
	}

	if len(res.Events) > 0 {
		if err := p.store.InsertEvents(ctx, res.Events); err != nil {
			p.logger.Error("failed to save detected events", logging.Fields{"project_id": projectID, "error": err})
		}
	}
	return res, nil
}

// RecipeRun runs an event-detection recipe over a batch of tasks. Other
// recipe types are rejected before any work is done.
func (p *Pipelines) RecipeRun(ctx context.Context, recipe *models.Recipe, tasks []*models.Task) (err error) {
	if err := CheckRecipe(recipe); err != nil {
		return err
	}

	start := time.Now()
	defer func() { p.observe("recipe", start, err) }()

	p.logger.Info("running recipe", logging.Fields{
		"recipe_id":   recipe.ID,
		"recipe_type": string(recipe.RecipeType),
		"tasks":       len(tasks),
	})
	w, err := p.registry.WorkloadFromRecipe(recipe)
	if err != nil {
		return err
	}
	_, err = p.RunEventDetection(ctx, w, tasks)
	return err
}

// CheckRecipe tells whether the pipelines can run recipe
func CheckRecipe(recipe *models.Recipe) error {
	if err := recipe.Validate(); err != nil {
		return err
	}
	if recipe.RecipeType != models.RecipeTypeEventDetection {
		return fmt.Errorf("%w: %s (only %s is supported)", ErrUnsupportedRecipe, recipe.RecipeType, models.RecipeTypeEventDetection)
	}
	return nil
}

// ProcessLogs stores a batch of logged tasks and runs the main pipeline on
// the ones to process. Invalid records are logged and skipped.
func (p *Pipelines) ProcessLogs(ctx context.Context, req *models.LogProcessRequest) (err error) {
	start := time.Now()
	defer func() { p.observe("process_logs", start, err) }()

	for i := range req.ExtraLogsToSave {
		if _, err := p.saveLog(ctx, req, &req.ExtraLogsToSave[i]); err != nil {
			p.logger.Warn("skipping extra log", logging.Fields{"task_id": req.ExtraLogsToSave[i].TaskID, "error": err})
		}
	}

	failed := 0
	for i := range req.LogsToProcess {
		task, err := p.saveLog(ctx, req, &req.LogsToProcess[i])
		if err != nil {
			failed++
			p.logger.Warn("skipping log", logging.Fields{"task_id": req.LogsToProcess[i].TaskID, "error": err})
			continue
		}
		if _, err := p.TaskMain(ctx, task, true); err != nil {
			failed++
			p.logger.Error("main pipeline failed", logging.Fields{"task_id": task.ID, "error": err})
		}
	}

	p.logger.Info("logs processed", logging.Fields{
		"project_id": req.ProjectID,
		"processed":  len(req.LogsToProcess) - failed,
		"failed":     failed,
		"saved":      len(req.ExtraLogsToSave),
	})
	if failed > 0 {
		return fmt.Errorf("%d of %d logs failed", failed, len(req.LogsToProcess))
	}
	return nil
}

func (p *Pipelines) saveLog(ctx context.Context, req *models.LogProcessRequest, l *models.LogEvent) (*models.Task, error) {
	log := *l
	if log.ProjectID == "" {
		log.ProjectID = req.ProjectID
	}
	if log.OrgID == "" {
		log.OrgID = req.OrgID
	}
	task, err := log.ToTask()
	if err != nil {
		return nil, err
	}
	if err := p.store.UpsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	return task, nil
}
