package lab

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aximande/phospho/pkg/models"
)

// JobKind identifies which family of evaluator a job belongs to
type JobKind string

const (
	KindEventDetection JobKind = "event_detection"
	KindEvaluation     JobKind = "evaluation"
	KindSentiment      JobKind = "sentiment"
)

// Metadata keys written by JobConfig implementations
const (
	MetaRecipeID       = "recipe_id"
	MetaRecipeType     = "recipe_type"
	MetaEventName      = "event_name"
	MetaDescription    = "description"
	MetaWebhook        = "webhook"
	MetaWebhookHeaders = "webhook_headers"
	MetaScoreRange     = "score_range"
)

// Keys evaluators may set on Outcome.Metadata, or read from message metadata
const (
	MetaEvaluationSource     = "evaluation_source"
	MetaLlmCall              = "llm_call"
	MetaSuccessfulExamples   = "successful_examples"
	MetaUnsuccessfulExamples = "unsuccessful_examples"
	MetaSystemPrompt         = "system_prompt"
)

var (
	ErrInvalidJob   = errors.New("invalid job")
	ErrDuplicateJob = errors.New("duplicate job id")
)

// JobConfig is the typed configuration of one job kind
type JobConfig interface {
	Kind() JobKind
	// Metadata flattens the configuration into the routing map stored
	// alongside every result of the job.
	Metadata() map[string]interface{}
}

// EventDetectionConfig configures a job that decides whether an event occurred
type EventDetectionConfig struct {
	Definition models.EventDefinition
	RecipeID   string
}

func (c EventDetectionConfig) Kind() JobKind { return KindEventDetection }

func (c EventDetectionConfig) Metadata() map[string]interface{} {
	m := map[string]interface{}{
		MetaEventName:   c.Definition.EventName,
		MetaDescription: c.Definition.Description,
	}
	recipeID := c.RecipeID
	if recipeID == "" {
		recipeID = c.Definition.RecipeID
	}
	if recipeID != "" {
		m[MetaRecipeID] = recipeID
	}
	if c.Definition.Webhook != nil {
		m[MetaWebhook] = *c.Definition.Webhook
	}
	if len(c.Definition.WebhookHeaders) > 0 {
		m[MetaWebhookHeaders] = c.Definition.WebhookHeaders
	}
	if c.Definition.ScoreRange != nil {
		m[MetaScoreRange] = *c.Definition.ScoreRange
	}
	return m
}

// EvaluationConfig configures a success/failure scoring job
type EvaluationConfig struct {
	RecipeID   string
	RecipeType string
}

func (c EvaluationConfig) Kind() JobKind { return KindEvaluation }

func (c EvaluationConfig) Metadata() map[string]interface{} {
	return map[string]interface{}{
		MetaRecipeID:   c.RecipeID,
		MetaRecipeType: c.RecipeType,
	}
}

// SentimentConfig configures a sentiment and language job
type SentimentConfig struct {
	ScoreThreshold     float64
	MagnitudeThreshold float64
}

func (c SentimentConfig) Kind() JobKind { return KindSentiment }

func (c SentimentConfig) Metadata() map[string]interface{} {
	return map[string]interface{}{
		"score_threshold":     c.ScoreThreshold,
		"magnitude_threshold": c.MagnitudeThreshold,
	}
}

// Outcome is what an evaluator produces for one message
type Outcome struct {
	Value      interface{}
	ResultType models.ResultType
	Metadata   map[string]interface{}
}

// Evaluator runs one job against one message. Implementations own their
// retry and timeout policy.
type Evaluator interface {
	Evaluate(ctx context.Context, msg Message, job *Job) (Outcome, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface
type EvaluatorFunc func(ctx context.Context, msg Message, job *Job) (Outcome, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, msg Message, job *Job) (Outcome, error) {
	return f(ctx, msg, job)
}

// Job is a named evaluator bound to its configuration
type Job struct {
	ID        string
	Kind      JobKind
	Evaluator Evaluator
	Config    JobConfig
}

// NewJob creates a job whose kind is taken from its configuration
func NewJob(id string, evaluator Evaluator, config JobConfig) *Job {
	j := &Job{ID: id, Evaluator: evaluator, Config: config}
	if config != nil {
		j.Kind = config.Kind()
	}
	return j
}

// Validate checks that the job can be run
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if j.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	}
	if j.Evaluator == nil {
		return fmt.Errorf("%w: job %s has no evaluator", ErrInvalidJob, j.ID)
	}
	if j.Config == nil {
		return fmt.Errorf("%w: job %s has no config", ErrInvalidJob, j.ID)
	}
	if j.Kind != j.Config.Kind() {
		return fmt.Errorf("%w: job %s kind %s does not match config kind %s", ErrInvalidJob, j.ID, j.Kind, j.Config.Kind())
	}
	return nil
}

// Metadata returns the routing metadata of the job
func (j *Job) Metadata() map[string]interface{} {
	if j.Config == nil {
		return map[string]interface{}{}
	}
	return j.Config.Metadata()
}

// EventDefinition returns the definition of an event-detection job
func (j *Job) EventDefinition() (models.EventDefinition, bool) {
	c, ok := j.Config.(EventDetectionConfig)
	if !ok {
		return models.EventDefinition{}, false
	}
	def := c.Definition
	if def.RecipeID == "" {
		def.RecipeID = c.RecipeID
	}
	return def, true
}

func inferResultType(v interface{}) models.ResultType {
	switch v.(type) {
	case bool:
		return models.ResultTypeBool
	case string:
		return models.ResultTypeLiteral
	default:
		return models.ResultTypeDict
	}
}
