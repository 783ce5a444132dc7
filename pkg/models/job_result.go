package models

import "time"

// ResultType describes how JobResult.Value must be read
type ResultType string

const (
	ResultTypeBool    ResultType = "bool"
	ResultTypeLiteral ResultType = "literal"
	ResultTypeDict    ResultType = "dict"
	ResultTypeError   ResultType = "error"
)

// JobResult is the outcome of one evaluator invocation on one message.
// It is persisted for every invocation, failed ones included.
type JobResult struct {
	ID          string                 `json:"id"`
	JobID       string                 `json:"job_id"`
	MessageID   string                 `json:"message_id,omitempty"`
	TaskID      string                 `json:"task_id,omitempty"`
	OrgID       string                 `json:"org_id,omitempty"`
	ProjectID   string                 `json:"project_id,omitempty"`
	Value       interface{}            `json:"value"`
	ResultType  ResultType             `json:"result_type"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	JobMetadata map[string]interface{} `json:"job_metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}

// Failed reports whether the invocation raised instead of producing a value
func (r *JobResult) Failed() bool {
	return r.ResultType == ResultTypeError
}

// Error returns the captured failure message, if any
func (r *JobResult) Error() string {
	if r.Metadata == nil {
		return ""
	}
	msg, _ := r.Metadata["error"].(string)
	return msg
}

// RecipeID returns the originating recipe id from the job metadata
func (r *JobResult) RecipeID() string {
	if r.JobMetadata == nil {
		return ""
	}
	id, _ := r.JobMetadata["recipe_id"].(string)
	return id
}

// LlmCall is the audit record of the model call an evaluator made
type LlmCall struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	RecipeID  string    `json:"recipe_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Prompt    string    `json:"prompt,omitempty"`
	Output    string    `json:"output,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
