package lab

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aximande/phospho/pkg/logging"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/tracing"
)

// ExecutorMode selects how a workload schedules its jobs
type ExecutorMode string

const (
	// ParallelJobs runs every job of every message concurrently
	ParallelJobs ExecutorMode = "parallel_jobs"
	// Sequential runs jobs one at a time in registration order
	Sequential ExecutorMode = "sequential"
)

var (
	ErrUnknownExecutor  = errors.New("unknown executor mode")
	ErrMissingMessageID = errors.New("message has no id")
)

// Recorder observes job invocations
type Recorder interface {
	RecordJob(kind string, outcome string, duration time.Duration)
}

// Workload holds the jobs of one orchestration call and the results they
// produced. It is created per call and must not be shared across callers.
type Workload struct {
	OrgID     string
	ProjectID string

	jobs  map[string]*Job
	order []string

	mu      sync.RWMutex
	results map[string]map[string]*models.JobResult

	maxConcurrency int
	logger         *logging.Logger
	recorder       Recorder
}

// NewWorkload creates an empty workload
func NewWorkload(orgID, projectID string) *Workload {
	return &Workload{
		OrgID:     orgID,
		ProjectID: projectID,
		jobs:      make(map[string]*Job),
		results:   make(map[string]map[string]*models.JobResult),
		logger:    logging.NewNopLogger(),
	}
}

// SetLogger sets the logger used for job failures
func (w *Workload) SetLogger(l *logging.Logger) {
	if l != nil {
		w.logger = l
	}
}

// SetRecorder sets the metrics recorder
func (w *Workload) SetRecorder(r Recorder) {
	w.recorder = r
}

// SetMaxConcurrency bounds the number of in-flight invocations in ParallelJobs
// mode. Zero or negative means unbounded.
func (w *Workload) SetMaxConcurrency(n int) {
	w.maxConcurrency = n
}

// AddJob registers a job. Job ids are unique within a workload.
func (w *Workload) AddJob(job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, exists := w.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	w.jobs[job.ID] = job
	w.order = append(w.order, job.ID)
	return nil
}

// Job returns a registered job by id
func (w *Workload) Job(id string) (*Job, bool) {
	j, ok := w.jobs[id]
	return j, ok
}

// Jobs returns the registered jobs in registration order
func (w *Workload) Jobs() []*Job {
	jobs := make([]*Job, 0, len(w.order))
	for _, id := range w.order {
		jobs = append(jobs, w.jobs[id])
	}
	return jobs
}

// Len returns the number of registered jobs
func (w *Workload) Len() int {
	return len(w.order)
}

type cell struct {
	messageID string
	result    *models.JobResult
}

// Run evaluates every job against every message. It returns once each
// (message, job) pair has a result; failing invocations are recorded as
// error results and never abort their siblings.
func (w *Workload) Run(ctx context.Context, messages []Message, mode ExecutorMode) error {
	if mode != ParallelJobs && mode != Sequential {
		return fmt.Errorf("%w: %q", ErrUnknownExecutor, mode)
	}
	for _, msg := range messages {
		if msg.ID == "" {
			return ErrMissingMessageID
		}
	}

	ctx, span := tracing.Start(ctx, "workload.run",
		attribute.String("executor", string(mode)),
		attribute.Int("jobs", len(w.order)),
		attribute.Int("messages", len(messages)),
		attribute.String("project_id", w.ProjectID),
	)
	defer span.End()

	var cells []cell
	if mode == Sequential {
		cells = w.runSequential(ctx, messages)
	} else {
		cells = w.runParallel(ctx, messages)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, c := range cells {
		byJob, ok := w.results[c.messageID]
		if !ok {
			byJob = make(map[string]*models.JobResult)
			w.results[c.messageID] = byJob
		}
		byJob[c.result.JobID] = c.result
	}
	return nil
}

func (w *Workload) runSequential(ctx context.Context, messages []Message) []cell {
	cells := make([]cell, 0, len(messages)*len(w.order))
	for _, msg := range messages {
		for _, id := range w.order {
			cells = append(cells, cell{messageID: msg.ID, result: w.invoke(ctx, w.jobs[id], msg)})
		}
	}
	return cells
}

func (w *Workload) runParallel(ctx context.Context, messages []Message) []cell {
	cells := make([]cell, len(messages)*len(w.order))

	var sem chan struct{}
	if w.maxConcurrency > 0 {
		sem = make(chan struct{}, w.maxConcurrency)
	}

	var wg sync.WaitGroup
	i := 0
	for _, msg := range messages {
		for _, id := range w.order {
			wg.Add(1)
			go func(slot int, job *Job, msg Message) {
				defer wg.Done()
				if sem != nil {
					sem <- struct{}{}
					defer func() { <-sem }()
				}
				cells[slot] = cell{messageID: msg.ID, result: w.invoke(ctx, job, msg)}
			}(i, w.jobs[id], msg)
			i++
		}
	}
	wg.Wait()
	return cells
}

func (w *Workload) invoke(ctx context.Context, job *Job, msg Message) (result *models.JobResult) {
	ctx, span := tracing.Start(ctx, "job.evaluate",
		attribute.String("job_id", job.ID),
		attribute.String("job_kind", string(job.Kind)),
		attribute.String("message_id", msg.ID),
	)
	defer span.End()

	start := time.Now()
	result = &models.JobResult{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		MessageID:   msg.ID,
		TaskID:      TaskID(msg),
		OrgID:       w.OrgID,
		ProjectID:   w.ProjectID,
		JobMetadata: job.Metadata(),
		CreatedAt:   time.Now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job panicked", logging.Fields{
				"job_id":     job.ID,
				"message_id": msg.ID,
				"panic":      fmt.Sprint(r),
				"stack":      string(debug.Stack()),
			})
			w.fail(result, fmt.Errorf("panic: %v", r))
		}
		outcome := "ok"
		if result.Failed() {
			outcome = "error"
			tracing.SetError(span, errors.New(result.Error()))
		}
		if w.recorder != nil {
			w.recorder.RecordJob(string(job.Kind), outcome, time.Since(start))
		}
	}()

	out, err := job.Evaluator.Evaluate(ctx, msg, job)
	if err != nil {
		w.logger.Warn("job failed", logging.Fields{
			"job_id":     job.ID,
			"message_id": msg.ID,
			"error":      err,
		})
		w.fail(result, err)
		return result
	}

	result.Value = out.Value
	result.ResultType = out.ResultType
	if result.ResultType == "" {
		result.ResultType = inferResultType(out.Value)
	}
	result.Metadata = out.Metadata
	if result.Metadata == nil {
		result.Metadata = map[string]interface{}{}
	}
	return result
}

func (w *Workload) fail(result *models.JobResult, err error) {
	result.Value = nil
	result.ResultType = models.ResultTypeError
	result.Metadata = map[string]interface{}{"error": err.Error()}
}

// Result returns the outcome of job on message. The second return value is
// false when that pair has not been run.
func (w *Workload) Result(messageID, jobID string) (*models.JobResult, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.results[messageID][jobID]
	return r, ok
}

// MessageResults returns the results of one message keyed by job id
func (w *Workload) MessageResults(messageID string) map[string]*models.JobResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]*models.JobResult, len(w.results[messageID]))
	for id, r := range w.results[messageID] {
		out[id] = r
	}
	return out
}

// Results returns a snapshot of every result keyed by message id then job id
func (w *Workload) Results() map[string]map[string]*models.JobResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]map[string]*models.JobResult, len(w.results))
	for msgID, byJob := range w.results {
		inner := make(map[string]*models.JobResult, len(byJob))
		for jobID, r := range byJob {
			inner[jobID] = r
		}
		out[msgID] = inner
	}
	return out
}
