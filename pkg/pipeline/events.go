package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/store"
	"github.com/Aximande/phospho/pkg/tracing"
)

// Event transitions reported to the metrics recorder
const (
	transitionAdded     = "added"
	transitionUnchanged = "unchanged"
	transitionRemoved   = "removed"
)

// RunEventDetection runs an event-detection workload over stored tasks and
// reconciles each task's events with the results. It returns the events
// present on each task after reconciliation, keyed by task id.
func (p *Pipelines) RunEventDetection(ctx context.Context, w *lab.Workload, tasks []*models.Task) (map[string][]models.Event, error) {
	ctx, span := tracing.Start(ctx, "pipeline.event_detection", attribute.Int("tasks", len(tasks)))
	defer span.End()

	p.prepare(w)
	messages := make([]lab.Message, 0, len(tasks))
	byMessage := make(map[string]*models.Task, len(tasks))
	for _, task := range tasks {
		msg := lab.MessageFromTask(task, p.previousTasks(ctx, task), nil)
		messages = append(messages, msg)
		byMessage[msg.ID] = task
	}

	if err := w.Run(ctx, messages, lab.ParallelJobs); err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	out := make(map[string][]models.Event, len(tasks))
	for _, msg := range messages {
		task := byMessage[msg.ID]
		out[task.ID] = p.reconcile(ctx, w, task, w.MessageResults(msg.ID), true)
	}
	return out, nil
}

// TaskEventDetection runs the project's event definitions on one task. With
// saveTask the stored task is updated; otherwise the task carried by the
// caller is the reference state and only the events store is written.
func (p *Pipelines) TaskEventDetection(ctx context.Context, task *models.Task, saveTask bool) ([]models.Event, error) {
	ctx, span := tracing.Start(ctx, "pipeline.task_event_detection", attribute.String("task.id", task.ID))
	defer span.End()

	project, err := p.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", task.ProjectID, err)
	}
	if project.EventCount() == 0 {
		p.logger.Warn("project has no event definitions", logging.Fields{"project_id": project.ID})
		return []models.Event{}, nil
	}

	w, err := p.registry.WorkloadFromProject(project)
	if err != nil {
		return nil, err
	}
	p.prepare(w)

	msg := lab.MessageFromTask(task, p.previousTasks(ctx, task), nil)
	if err := w.Run(ctx, []lab.Message{msg}, lab.ParallelJobs); err != nil {
		tracing.SetError(span, err)
		return nil, err
	}

	ref := task
	if !saveTask {
		ref = task.Clone()
	}
	return p.reconcile(ctx, w, ref, w.MessageResults(msg.ID), saveTask), nil
}

func (p *Pipelines) previousTasks(ctx context.Context, task *models.Task) []*models.Task {
	prev, err := p.store.GetPreviousTasks(ctx, task)
	if err != nil {
		p.logger.Warn("failed to load previous tasks", logging.Fields{"task_id": task.ID, "error": err})
		return nil
	}
	return prev
}

// reconcile applies the results of one message to its task. A true result
// attaches the event when absent (webhook fired on that transition only), a
// false result detaches it, a failed result leaves the task untouched. Every
// result is persisted.
func (p *Pipelines) reconcile(ctx context.Context, w *lab.Workload, task *models.Task, results map[string]*models.JobResult, persist bool) []models.Event {
	jobIDs := make([]string, 0, len(results))
	for id := range results {
		jobIDs = append(jobIDs, id)
	}
	sort.Strings(jobIDs)

	events := []models.Event{}
	for _, jobID := range jobIDs {
		result := results[jobID]
		job, ok := w.Job(jobID)
		if !ok {
			continue
		}
		def, ok := job.EventDefinition()
		if !ok {
			p.logger.Warn("skipping result of a non event-detection job", logging.Fields{"job_id": jobID})
			continue
		}
		fields := logging.Fields{"event_name": def.EventName, "task_id": task.ID}

		switch detected, isBool := result.Value.(bool); {
		case result.Failed():
			fields["error"] = result.Error()
			p.logger.Warn("event detection failed, task left unchanged", fields)
			p.metrics.RecordEventTransition(transitionUnchanged)

		case isBool && detected:
			event := p.newTaskEvent(task, def, job, result)
			if current, ok := p.attach(ctx, task, event, def, persist); ok {
				events = append(events, current)
			}

		case isBool:
			p.detach(ctx, task, def.EventName, persist)

		default:
			fields["value"] = result.Value
			p.logger.Warn("event detection returned a non boolean value", fields)
		}

		if _, ok := result.Metadata[lab.MetaLlmCall]; !ok && !result.Failed() {
			p.logger.Warn("no llm call recorded for event", fields)
		}
		if result.RecipeID() == "" {
			p.logger.Error("no recipe_id found for event", fields)
		}
		p.saveResult(ctx, result, task)
	}
	return events
}

func (p *Pipelines) newTaskEvent(task *models.Task, def models.EventDefinition, job *lab.Job, result *models.JobResult) models.Event {
	d := def
	return models.Event{
		ID:              uuid.New().String(),
		EventName:       def.EventName,
		TaskID:          models.StringPtr(task.ID),
		SessionID:       task.SessionID,
		ProjectID:       task.ProjectID,
		OrgID:           task.OrgID,
		Source:          evaluationSource(result),
		Webhook:         def.Webhook,
		EventDefinition: &d,
		ScoreRange:      scoreRange(result),
		JobID:           job.ID,
		RecipeID:        result.RecipeID(),
		CreatedAt:       time.Now().UTC(),
	}
}

// attach adds event to the task unless one of that name is already there.
// It returns the event present on the task afterwards.
func (p *Pipelines) attach(ctx context.Context, task *models.Task, event models.Event, def models.EventDefinition, persist bool) (models.Event, bool) {
	fields := logging.Fields{"event_name": event.EventName, "task_id": task.ID}

	var (
		added    bool
		existing *models.Event
		err      error
	)
	if persist {
		added, existing, err = p.store.AddTaskEvent(ctx, task.ID, event)
		if errors.Is(err, store.ErrTaskNotFound) {
			p.logger.Warn("task not stored, reconciling against the given task", fields)
			persist, err = false, nil
		}
		if err != nil {
			fields["error"] = err
			p.logger.Error("failed to attach event", fields)
			return models.Event{}, false
		}
	}
	if !persist {
		existing = task.FindEvent(event.EventName)
		added = existing == nil
	}

	if !added {
		p.metrics.RecordEventTransition(transitionUnchanged)
		current := event
		if existing != nil {
			current = *existing
		}
		if !current.IsTaskLinked() {
			// stored without a task link: deliver again rather than risk losing it
			p.logger.Info("event already present without task link, firing webhook again", fields)
			p.fire(ctx, def, &event)
		}
		return current, true
	}

	if !task.HasEvent(event.EventName) {
		task.Events = append(task.Events, event)
	}
	p.metrics.RecordEventTransition(transitionAdded)
	p.logger.Info("event detected", fields)
	if err := p.store.InsertEvent(ctx, &event); err != nil {
		fields["error"] = err
		p.logger.Error("failed to save event", fields)
	}
	p.fire(ctx, def, &event)
	return event, true
}

func (p *Pipelines) detach(ctx context.Context, task *models.Task, eventName string, persist bool) {
	fields := logging.Fields{"event_name": eventName, "task_id": task.ID}

	removed := task.RemoveEvent(eventName)
	if persist {
		ok, err := p.store.RemoveTaskEvent(ctx, task.ID, eventName)
		if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
			fields["error"] = err
			p.logger.Error("failed to detach event", fields)
			return
		}
		removed = removed || ok
	}
	if err := p.store.DeleteEvent(ctx, task.ID, eventName); err != nil {
		fields["error"] = err
		p.logger.Error("failed to delete event", fields)
	}
	if removed {
		p.metrics.RecordEventTransition(transitionRemoved)
		p.logger.Info("event retracted", fields)
	}
}

// fire delivers the event to the definition's webhook, if any. Delivery
// errors are logged and never undo persistence.
func (p *Pipelines) fire(ctx context.Context, def models.EventDefinition, event *models.Event) {
	if def.Webhook == nil || *def.Webhook == "" {
		return
	}
	if err := p.webhooks.Trigger(ctx, *def.Webhook, def.WebhookHeaders, event); err != nil {
		p.logger.Warn("webhook delivery failed", logging.Fields{
			"event_name": event.EventName,
			"webhook":    *def.Webhook,
			"error":      err,
		})
	}
}
