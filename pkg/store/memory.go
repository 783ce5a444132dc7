package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Aximande/phospho/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	tasks      map[string]*models.Task
	projects   map[string]*models.Project
	events     []models.Event
	evals      []models.Eval
	jobResults []models.JobResult
	llmCalls   []models.LlmCall

	tasksMu    sync.RWMutex
	projectsMu sync.RWMutex
	recordsMu  sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*models.Task),
		projects: make(map[string]*models.Project),
	}
}

// Task operations

// CreateTask stores a new task
func (s *MemoryStore) CreateTask(ctx context.Context, task *models.Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// UpsertTask creates or replaces a task. Analysis results of a stored task
// (events, flag, sentiment) are kept when the incoming task carries none.
func (s *MemoryStore) UpsertTask(ctx context.Context, task *models.Task) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	c := task.Clone()
	if prev, ok := s.tasks[task.ID]; ok {
		if len(c.Events) == 0 {
			c.Events = append([]models.Event(nil), prev.Events...)
		}
		if c.Flag == nil {
			c.Flag, c.LastEval, c.EvaluationSource = prev.Flag, prev.LastEval, prev.EvaluationSource
		}
		if c.Sentiment == nil {
			c.Sentiment, c.Language = prev.Sentiment, prev.Language
		}
	}
	s.tasks[task.ID] = c
	return nil
}

// GetTask retrieves a task by ID
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.Clone(), nil
}

// GetPreviousTasks returns the earlier tasks of the task's session
func (s *MemoryStore) GetPreviousTasks(ctx context.Context, task *models.Task) ([]*models.Task, error) {
	if task.SessionID == nil {
		return nil, nil
	}
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	var prev []*models.Task
	for _, t := range s.tasks {
		if t.ID == task.ID || t.SessionID == nil || *t.SessionID != *task.SessionID {
			continue
		}
		if t.CreatedAt.Before(task.CreatedAt) {
			prev = append(prev, t.Clone())
		}
	}
	sort.Slice(prev, func(i, j int) bool { return prev[i].CreatedAt.Before(prev[j].CreatedAt) })
	return prev, nil
}

// AddTaskEvent attaches event if no event of that name is attached
func (s *MemoryStore) AddTaskEvent(ctx context.Context, taskID string, event models.Event) (bool, *models.Event, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, nil, ErrTaskNotFound
	}
	if existing := task.FindEvent(event.EventName); existing != nil {
		e := *existing
		return false, &e, nil
	}
	task.Events = append(task.Events, event)
	return true, nil, nil
}

// RemoveTaskEvent detaches the named event
func (s *MemoryStore) RemoveTaskEvent(ctx context.Context, taskID, eventName string) (bool, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}
	return task.RemoveEvent(eventName), nil
}

// SetTaskFlagIfUnset writes the verdict when the stored flag is null
func (s *MemoryStore) SetTaskFlagIfUnset(ctx context.Context, taskID, flag string, eval *models.Eval, source string) (bool, error) {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}
	if task.Flag != nil {
		return false, nil
	}
	task.Flag = &flag
	task.EvaluationSource = source
	if eval != nil {
		e := *eval
		task.LastEval = &e
	}
	return true, nil
}

// SetTaskSentiment stores the sentiment and language of a task and mirrors
// them into its metadata
func (s *MemoryStore) SetTaskSentiment(ctx context.Context, taskID string, sentiment models.SentimentObject, language *string) error {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	task.Sentiment = &sentiment
	task.Language = language
	if task.Metadata == nil {
		task.Metadata = make(map[string]interface{})
	}
	for k, v := range sentimentMetadata(sentiment, language) {
		task.Metadata[k] = v
	}
	return nil
}

// Event operations

// InsertEvent appends an event record
func (s *MemoryStore) InsertEvent(ctx context.Context, event *models.Event) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	s.events = append(s.events, *event)
	return nil
}

// InsertEvents appends several event records
func (s *MemoryStore) InsertEvents(ctx context.Context, events []models.Event) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	s.events = append(s.events, events...)
	return nil
}

// GetEvent returns the first stored event of a task with this name
func (s *MemoryStore) GetEvent(ctx context.Context, taskID, eventName string) (*models.Event, error) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	for i := range s.events {
		e := s.events[i]
		if e.TaskID != nil && *e.TaskID == taskID && e.EventName == eventName {
			return &e, nil
		}
	}
	return nil, ErrEventNotFound
}

// DeleteEvent removes every stored event of a task with this name
func (s *MemoryStore) DeleteEvent(ctx context.Context, taskID, eventName string) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	kept := s.events[:0]
	for _, e := range s.events {
		if e.TaskID != nil && *e.TaskID == taskID && e.EventName == eventName {
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return nil
}

// ListEvents returns the stored events of a project
func (s *MemoryStore) ListEvents(ctx context.Context, projectID string) ([]models.Event, error) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	var out []models.Event
	for _, e := range s.events {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Eval operations

// InsertEval appends an eval record
func (s *MemoryStore) InsertEval(ctx context.Context, eval *models.Eval) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	s.evals = append(s.evals, *eval)
	return nil
}

// ListEvalExamples joins the most recent matching evals with their tasks
func (s *MemoryStore) ListEvalExamples(ctx context.Context, q EvalExampleQuery) ([]models.FewShotExample, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	s.recordsMu.RLock()
	var matching []models.Eval
	for _, e := range s.evals {
		if e.ProjectID == q.ProjectID && e.Value == q.Value && !q.excludes(e.Source) {
			matching = append(matching, e)
		}
	}
	s.recordsMu.RUnlock()

	sort.SliceStable(matching, func(i, j int) bool { return matching[i].CreatedAt.After(matching[j].CreatedAt) })
	if len(matching) > q.Limit {
		matching = matching[:q.Limit]
	}

	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()

	examples := make([]models.FewShotExample, 0, len(matching))
	for _, e := range matching {
		task, ok := s.tasks[e.TaskID]
		if !ok {
			continue
		}
		examples = append(examples, models.FewShotExample{Input: task.Input, Output: task.Output, Flag: e.Value})
	}
	return examples, nil
}

// Audit log

// InsertJobResult appends a job result
func (s *MemoryStore) InsertJobResult(ctx context.Context, result *models.JobResult) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	s.jobResults = append(s.jobResults, *result)
	return nil
}

// ListJobResults returns the job results recorded for a task
func (s *MemoryStore) ListJobResults(ctx context.Context, taskID string) ([]models.JobResult, error) {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()

	var out []models.JobResult
	for _, r := range s.jobResults {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, nil
}

// InsertLlmCall appends an LLM call record
func (s *MemoryStore) InsertLlmCall(ctx context.Context, call *models.LlmCall) error {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	s.llmCalls = append(s.llmCalls, *call)
	return nil
}

// LlmCalls returns every recorded LLM call
func (s *MemoryStore) LlmCalls() []models.LlmCall {
	s.recordsMu.RLock()
	defer s.recordsMu.RUnlock()
	return append([]models.LlmCall(nil), s.llmCalls...)
}

// Project operations

// CreateProject adds or replaces a project
func (s *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	s.projects[project.ID] = cloneProject(project)
	return nil
}

// GetProject retrieves a project by ID
func (s *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return cloneProject(p), nil
}

// InitSentimentThresholds fills in the missing thresholds of a project
func (s *MemoryStore) InitSentimentThresholds(ctx context.Context, projectID string, score, magnitude float64) (models.SentimentThreshold, error) {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()

	p, ok := s.projects[projectID]
	if !ok {
		return models.SentimentThreshold{}, ErrProjectNotFound
	}
	if p.Settings == nil {
		p.Settings = &models.ProjectSettings{}
	}
	p.Settings.SentimentThreshold = fillThresholds(p.Settings.SentimentThreshold, score, magnitude)
	return *p.Settings.SentimentThreshold, nil
}

// Lifecycle

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	if p.Settings != nil {
		settings := *p.Settings
		if p.Settings.Events != nil {
			settings.Events = make(map[string]models.EventDefinition, len(p.Settings.Events))
			for k, v := range p.Settings.Events {
				settings.Events[k] = v
			}
		}
		if p.Settings.SentimentThreshold != nil {
			th := *p.Settings.SentimentThreshold
			settings.SentimentThreshold = &th
		}
		c.Settings = &settings
	}
	return &c
}

func fillThresholds(th *models.SentimentThreshold, score, magnitude float64) *models.SentimentThreshold {
	out := &models.SentimentThreshold{}
	if th != nil {
		*out = *th
	}
	if out.Score == nil {
		out.Score = &score
	}
	if out.Magnitude == nil {
		out.Magnitude = &magnitude
	}
	return out
}

func sentimentMetadata(sentiment models.SentimentObject, language *string) map[string]interface{} {
	m := map[string]interface{}{
		"sentiment_score":     sentiment.Score,
		"sentiment_magnitude": sentiment.Magnitude,
		"sentiment_label":     string(sentiment.Label),
	}
	if language != nil {
		m["language"] = *language
	} else {
		m["language"] = nil
	}
	return m
}
