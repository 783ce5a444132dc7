package models

import (
	"fmt"
	"strings"
	"time"
)

// PipelineResults is the merged outcome of a main pipeline run
type PipelineResults struct {
	Events    []Event          `json:"events"`
	Flag      *string          `json:"flag"`
	Language  *string          `json:"language"`
	Sentiment *SentimentObject `json:"sentiment"`
}

// RunMainPipelineOnTaskRequest is the body of POST /pipelines/main/task
type RunMainPipelineOnTaskRequest struct {
	Task Task `json:"task"`
}

// Validate checks the request body
func (r *RunMainPipelineOnTaskRequest) Validate() error {
	return r.Task.Validate()
}

// RunMainPipelineOnMessagesRequest is the body of POST /pipelines/main/messages
type RunMainPipelineOnMessagesRequest struct {
	ProjectID string    `json:"project_id"`
	Messages  []Message `json:"messages"`
}

// Validate checks the request body
func (r *RunMainPipelineOnMessagesRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: at least one message is required", ErrValidation)
	}
	return nil
}

// LogEvent is one logged exchange as sent by the SDKs
type LogEvent struct {
	TaskID    string                 `json:"task_id"`
	SessionID *string                `json:"session_id,omitempty"`
	ProjectID string                 `json:"project_id"`
	OrgID     string                 `json:"org_id,omitempty"`
	Input     string                 `json:"input"`
	Output    *string                `json:"output,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Flag      *string                `json:"flag,omitempty"`
	TestID    *string                `json:"test_id,omitempty"`
	CreatedAt *time.Time             `json:"created_at,omitempty"`
}

// ToTask converts a log record into the task it describes
func (l *LogEvent) ToTask() (*Task, error) {
	t := &Task{
		ID:        l.TaskID,
		ProjectID: l.ProjectID,
		OrgID:     l.OrgID,
		SessionID: l.SessionID,
		Input:     l.Input,
		Output:    l.Output,
		Metadata:  l.Metadata,
		Flag:      l.Flag,
		TestID:    l.TestID,
	}
	if l.CreatedAt != nil {
		t.CreatedAt = *l.CreatedAt
	} else {
		t.CreatedAt = time.Now().UTC()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LogProcessRequest is the body of POST /pipelines/log.
// LogsToProcess go through the main pipeline, ExtraLogsToSave are only stored.
type LogProcessRequest struct {
	ProjectID       string     `json:"project_id"`
	OrgID           string     `json:"org_id,omitempty"`
	LogsToProcess   []LogEvent `json:"logs_to_process"`
	ExtraLogsToSave []LogEvent `json:"extra_logs_to_save,omitempty"`
}

// Validate checks the request body. Individual records are validated during processing.
func (r *LogProcessRequest) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return fmt.Errorf("%w: project_id is required", ErrValidation)
	}
	return nil
}

// RunRecipeOnTaskRequest is the body of POST /pipelines/recipes
type RunRecipeOnTaskRequest struct {
	Recipe Recipe `json:"recipe"`
	Tasks  []Task `json:"tasks"`
}

// Validate checks the request body
func (r *RunRecipeOnTaskRequest) Validate() error {
	return r.Recipe.Validate()
}

// JobsScheduledResponse acknowledges background work
type JobsScheduledResponse struct {
	Status       string `json:"status"`
	NbJobResults int    `json:"nb_job_results"`
}
