package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrValidation is wrapped by every Validate method in this package
var ErrValidation = errors.New("validation failed")

// Flag values for a task verdict
const (
	FlagSuccess = "success"
	FlagFailure = "failure"
)

// IsValidFlag reports whether flag is one of the known verdicts
func IsValidFlag(flag string) bool {
	return flag == FlagSuccess || flag == FlagFailure
}

// Task is one logged exchange (user input + assistant output) of a session
type Task struct {
	ID               string                 `json:"id"`
	ProjectID        string                 `json:"project_id"`
	OrgID            string                 `json:"org_id,omitempty"`
	SessionID        *string                `json:"session_id,omitempty"`
	Input            string                 `json:"input"`
	Output           *string                `json:"output,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	Flag             *string                `json:"flag,omitempty"`
	Events           []Event                `json:"events,omitempty"`
	TestID           *string                `json:"test_id,omitempty"`
	Sentiment        *SentimentObject       `json:"sentiment,omitempty"`
	Language         *string                `json:"language,omitempty"`
	LastEval         *Eval                  `json:"last_eval,omitempty"`
	EvaluationSource string                 `json:"evaluation_source,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Validate checks the fields the pipelines rely on
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: task is required", ErrValidation)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if strings.TrimSpace(t.ProjectID) == "" {
		return fmt.Errorf("%w: task %s has no project_id", ErrValidation, t.ID)
	}
	if t.Flag != nil && !IsValidFlag(*t.Flag) {
		return fmt.Errorf("%w: task %s has invalid flag %q", ErrValidation, t.ID, *t.Flag)
	}
	return nil
}

// IsTestBench reports whether the task was produced by a test run
func (t *Task) IsTestBench() bool {
	return t.TestID != nil
}

// HasEvent reports whether an event with this name is attached to the task
func (t *Task) HasEvent(name string) bool {
	return t.FindEvent(name) != nil
}

// FindEvent returns the attached event with this name, or nil
func (t *Task) FindEvent(name string) *Event {
	for i := range t.Events {
		if t.Events[i].EventName == name {
			return &t.Events[i]
		}
	}
	return nil
}

// RemoveEvent detaches the event with this name. It reports whether one was removed.
func (t *Task) RemoveEvent(name string) bool {
	for i := range t.Events {
		if t.Events[i].EventName == name {
			t.Events = append(t.Events[:i], t.Events[i+1:]...)
			return true
		}
	}
	return false
}

// SystemPrompt returns metadata["system_prompt"] when it is a string
func (t *Task) SystemPrompt() *string {
	if t.Metadata == nil {
		return nil
	}
	if s, ok := t.Metadata["system_prompt"].(string); ok {
		return &s
	}
	return nil
}

// Clone returns a copy that shares no slices or maps with t
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Events != nil {
		c.Events = make([]Event, len(t.Events))
		copy(c.Events, t.Events)
	}
	if t.Sentiment != nil {
		s := *t.Sentiment
		c.Sentiment = &s
	}
	if t.LastEval != nil {
		e := *t.LastEval
		c.LastEval = &e
	}
	return &c
}

// StringPtr returns a pointer to s
func StringPtr(s string) *string {
	return &s
}
