package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/store"
	"github.com/Aximande/phospho/pkg/tracing"
)

// ResolveSentimentThresholds returns the project's thresholds, persisting the
// defaults for the ones never set.
func (p *Pipelines) ResolveSentimentThresholds(ctx context.Context, projectID string) (score, magnitude float64, err error) {
	thr, err := p.store.InitSentimentThresholds(ctx, projectID,
		models.DefaultSentimentScoreThreshold, models.DefaultSentimentMagnitudeThreshold)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to resolve sentiment thresholds: %w", err)
	}
	score, magnitude = models.DefaultSentimentScoreThreshold, models.DefaultSentimentMagnitudeThreshold
	if thr.Score != nil {
		score = *thr.Score
	}
	if thr.Magnitude != nil {
		magnitude = *thr.Magnitude
	}
	return score, magnitude, nil
}

// ClassifySentiment labels a score/magnitude pair. The positive and negative
// bounds are exclusive; the neutral/mixed split is inclusive on magnitude.
func ClassifySentiment(score, magnitude, scoreThreshold, magnitudeThreshold float64) models.SentimentLabel {
	switch {
	case score > scoreThreshold:
		return models.SentimentPositive
	case score < -scoreThreshold:
		return models.SentimentNegative
	case magnitude < magnitudeThreshold:
		return models.SentimentNeutral
	default:
		return models.SentimentMixed
	}
}

// SentimentAndLanguage analyses the task input and stores the sentiment and
// language on the task.
func (p *Pipelines) SentimentAndLanguage(ctx context.Context, task *models.Task) (sentiment *models.SentimentObject, language *string, err error) {
	ctx, span := tracing.Start(ctx, "pipeline.sentiment", attribute.String("task.id", task.ID))
	defer func() {
		tracing.SetError(span, err)
		span.End()
	}()

	scoreThr, magThr, err := p.ResolveSentimentThresholds(ctx, task.ProjectID)
	if err != nil {
		return nil, nil, err
	}

	job, err := p.registry.NewJob(SentimentJobID, lab.SentimentConfig{
		ScoreThreshold:     scoreThr,
		MagnitudeThreshold: magThr,
	})
	if err != nil {
		return nil, nil, err
	}
	w := p.newWorkload(task.OrgID, task.ProjectID)
	if err := w.AddJob(job); err != nil {
		return nil, nil, err
	}

	msg := lab.MessageFromTask(task, nil, nil)
	if err := w.Run(ctx, []lab.Message{msg}, lab.Sequential); err != nil {
		return nil, nil, err
	}
	result, ok := w.Result(msg.ID, SentimentJobID)
	if !ok {
		return nil, nil, fmt.Errorf("sentiment job produced no result for task %s", task.ID)
	}
	if result.Failed() {
		p.saveResult(ctx, result, task)
		return nil, nil, fmt.Errorf("sentiment job failed for task %s: %s", task.ID, result.Error())
	}

	raw, _ := result.Value.(map[string]interface{})
	score, okScore := toFloat(raw["score"])
	magnitude, okMag := toFloat(raw["magnitude"])
	if !okScore || !okMag {
		p.saveResult(ctx, result, task)
		return nil, nil, fmt.Errorf("sentiment job returned an unreadable value for task %s", task.ID)
	}
	obj := models.SentimentObject{
		Score:     score,
		Magnitude: magnitude,
		Label:     ClassifySentiment(score, magnitude, scoreThr, magThr),
	}
	if lang, ok := raw["language"].(string); ok && lang != "" {
		language = &lang
	}

	if err := p.store.SetTaskSentiment(ctx, task.ID, obj, language); err != nil {
		if !errors.Is(err, store.ErrTaskNotFound) {
			return nil, nil, fmt.Errorf("failed to save sentiment: %w", err)
		}
		p.logger.Debug("task not stored, sentiment not saved", logging.Fields{"task_id": task.ID})
	}

	result.Value = obj.ToMap()
	result.ResultType = models.ResultTypeDict
	result.Metadata["input"] = task.Input
	p.saveResult(ctx, result, task)

	p.logger.Info("sentiment analysed", logging.Fields{
		"task_id": task.ID,
		"label":   string(obj.Label),
		"score":   obj.Score,
	})
	return &obj, language, nil
}
