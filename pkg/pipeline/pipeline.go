package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/store"
	"github.com/Aximande/phospho/pkg/webhook"
)

// ErrUnsupportedRecipe is returned for recipe types the pipelines cannot run
var ErrUnsupportedRecipe = errors.New("unsupported recipe type")

// Job ids of the built-in pipelines
const (
	ScoringJobID   = "evaluate_task"
	SentimentJobID = "sentiment_analysis"

	ScoringRecipeID   = "generic_evaluation"
	ScoringRecipeType = "evaluation"

	unknownSource = "phospho-unknown"
)

// Config holds the pipeline settings
type Config struct {
	// FewShotMaxExamples is split evenly between success and failure examples
	FewShotMaxExamples int
	// EvaluationSource is written on the evals produced by the scoring pipeline
	EvaluationSource string
	// AutomatedSources are excluded from the few-shot example pool
	AutomatedSources []string
	// MaxJobConcurrency bounds concurrent job invocations per workload (0 = unbounded)
	MaxJobConcurrency int
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		FewShotMaxExamples: 10,
		EvaluationSource:   "phospho-6",
		AutomatedSources:   []string{"phospho", "phospho-4", "phospho-6"},
	}
}

// Recorder observes pipeline activity
type Recorder interface {
	lab.Recorder
	RecordEventTransition(transition string)
	RecordPipeline(pipeline string, d time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) RecordJob(string, string, time.Duration) {}
func (nopRecorder) RecordEventTransition(string) {}
func (nopRecorder) RecordPipeline(string, time.Duration, error) {}

// Deps are the collaborators of the pipelines
type Deps struct {
	Store    store.Store
	Registry *lab.Registry
	Webhooks webhook.Dispatcher
	Logger   *logging.Logger
	Metrics  Recorder
	Config   Config
}

// Pipelines runs the analysis pipelines over tasks and messages
type Pipelines struct {
	store    store.Store
	registry *lab.Registry
	webhooks webhook.Dispatcher
	logger   *logging.Logger
	metrics  Recorder
	config   Config
}

// New creates the pipelines. Zero config fields take their default value.
func New(deps Deps) *Pipelines {
	cfg := deps.Config
	def := DefaultConfig()
	if cfg.FewShotMaxExamples <= 0 {
		cfg.FewShotMaxExamples = def.FewShotMaxExamples
	}
	if cfg.EvaluationSource == "" {
		cfg.EvaluationSource = def.EvaluationSource
	}
	if cfg.AutomatedSources == nil {
		cfg.AutomatedSources = def.AutomatedSources
	}

	p := &Pipelines{
		store:    deps.Store,
		registry: deps.Registry,
		webhooks: deps.Webhooks,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		config:   cfg,
	}
	if p.webhooks == nil {
		p.webhooks = webhook.Nop{}
	}
	if p.logger == nil {
		p.logger = logging.NewNopLogger()
	}
	if p.metrics == nil {
		p.metrics = nopRecorder{}
	}
	return p
}

// Config returns the effective configuration
func (p *Pipelines) Config() Config {
	return p.config
}

func (p *Pipelines) newWorkload(orgID, projectID string) *lab.Workload {
	w := lab.NewWorkload(orgID, projectID)
	p.prepare(w)
	return w
}

func (p *Pipelines) prepare(w *lab.Workload) {
	w.SetLogger(p.logger)
	w.SetRecorder(p.metrics)
	w.SetMaxConcurrency(p.config.MaxJobConcurrency)
}

func (p *Pipelines) observe(name string, start time.Time, err error) {
	p.metrics.RecordPipeline(name, time.Since(start), err)
}

// saveResult persists the job result and the llm call it carries, if any.
// Failures are logged: the audit trail never fails a pipeline.
func (p *Pipelines) saveResult(ctx context.Context, result *models.JobResult, task *models.Task) {
	if task != nil {
		result.TaskID = task.ID
		p.saveLlmCall(ctx, result, task)
	}
	if err := p.store.InsertJobResult(ctx, result); err != nil {
		p.logger.Error("failed to save job result", logging.Fields{
			"job_id":  result.JobID,
			"task_id": result.TaskID,
			"error":   err,
		})
	}
}

func (p *Pipelines) saveLlmCall(ctx context.Context, result *models.JobResult, task *models.Task) {
	raw, ok := result.Metadata[lab.MetaLlmCall]
	if !ok || raw == nil {
		return
	}

	var call models.LlmCall
	if !decodeInto(raw, &call) {
		p.logger.Warn("ignoring malformed llm call", logging.Fields{"job_id": result.JobID})
		return
	}
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	call.OrgID = task.OrgID
	call.ProjectID = task.ProjectID
	call.TaskID = task.ID
	call.RecipeID = result.RecipeID()
	call.JobID = result.JobID
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	if err := p.store.InsertLlmCall(ctx, &call); err != nil {
		p.logger.Error("failed to save llm call", logging.Fields{"job_id": result.JobID, "error": err})
	}
}

// decodeInto converts v into out, going through JSON when v is not already
// of the target type (values decoded from remote evaluators are maps).
func decodeInto(v interface{}, out interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func evaluationSource(result *models.JobResult) string {
	for _, key := range []string{lab.MetaEvaluationSource, "source"} {
		if s, ok := result.Metadata[key].(string); ok && s != "" {
			return s
		}
	}
	return unknownSource
}

func scoreRange(result *models.JobResult) *models.ScoreRange {
	raw, ok := result.Metadata[lab.MetaScoreRange]
	if !ok || raw == nil {
		return nil
	}
	var sr models.ScoreRange
	if !decodeInto(raw, &sr) {
		return nil
	}
	return &sr
}
