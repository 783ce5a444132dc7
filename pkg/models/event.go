package models

import (
	"fmt"
	"strings"
	"time"
)

// ScoreRange tells how a detection score should be interpreted
type ScoreRange struct {
	ScoreType string  `json:"score_type"` // "confidence" or "range"
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Value     float64 `json:"value"`
}

// EventDefinition is the user-authored template of a detectable event
type EventDefinition struct {
	EventName      string            `json:"event_name" yaml:"event_name"`
	Description    string            `json:"description" yaml:"description"`
	Webhook        *string           `json:"webhook,omitempty" yaml:"webhook,omitempty"`
	WebhookHeaders map[string]string `json:"webhook_headers,omitempty" yaml:"webhook_headers,omitempty"`
	RecipeID       string            `json:"recipe_id,omitempty" yaml:"recipe_id,omitempty"`
	ScoreRange     *ScoreRange       `json:"score_range,omitempty" yaml:"score_range,omitempty"`
}

// Validate checks that the definition can be turned into a job
func (d *EventDefinition) Validate() error {
	if strings.TrimSpace(d.EventName) == "" {
		return fmt.Errorf("%w: event_name is required", ErrValidation)
	}
	return nil
}

// Event is one detection of an EventDefinition on a task, a session or a message batch
type Event struct {
	ID              string           `json:"id"`
	EventName       string           `json:"event_name"`
	TaskID          *string          `json:"task_id,omitempty"`
	SessionID       *string          `json:"session_id,omitempty"`
	ProjectID       string           `json:"project_id"`
	OrgID           string           `json:"org_id,omitempty"`
	Source          string           `json:"source"`
	Webhook         *string          `json:"webhook,omitempty"`
	EventDefinition *EventDefinition `json:"event_definition,omitempty"`
	ScoreRange      *ScoreRange      `json:"score_range,omitempty"`
	Messages        []Message        `json:"messages,omitempty"`
	JobID           string           `json:"job_id,omitempty"`
	RecipeID        string           `json:"recipe_id,omitempty"`
	Removed         bool             `json:"removed"`
	CreatedAt       time.Time        `json:"created_at"`
}

// IsTaskLinked reports whether the event is bound to a task
func (e *Event) IsTaskLinked() bool {
	return e.TaskID != nil && *e.TaskID != ""
}
