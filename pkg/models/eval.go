package models

import "time"

// Eval is a success/failure verdict on one task
type Eval struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	OrgID     string    `json:"org_id,omitempty"`
	SessionID *string   `json:"session_id,omitempty"`
	TaskID    string    `json:"task_id"`
	Value     string    `json:"value"`  // FlagSuccess or FlagFailure
	Source    string    `json:"source"` // "owner", "user", or an automated evaluator name
	Notes     *string   `json:"notes,omitempty"`
	TestID    *string   `json:"test_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FewShotExample is a past labelled task used as evaluator context
type FewShotExample struct {
	Input  string  `json:"input"`
	Output *string `json:"output,omitempty"`
	Flag   string  `json:"flag"`
}
