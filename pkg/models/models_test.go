package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    *Task
		wantErr bool
	}{
		{"valid", &Task{ID: "t1", ProjectID: "p1"}, false},
		{"valid flag", &Task{ID: "t1", ProjectID: "p1", Flag: StringPtr(FlagFailure)}, false},
		{"nil", nil, true},
		{"missing id", &Task{ProjectID: "p1"}, true},
		{"missing project", &Task{ID: "t1"}, true},
		{"invalid flag", &Task{ID: "t1", ProjectID: "p1", Flag: StringPtr("maybe")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrValidation))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTaskEvents(t *testing.T) {
	task := &Task{ID: "t1", ProjectID: "p1"}
	task.Events = append(task.Events, Event{EventName: "refund"}, Event{EventName: "greeting"})

	assert.True(t, task.HasEvent("refund"))
	assert.False(t, task.HasEvent("complaint"))
	require.NotNil(t, task.FindEvent("greeting"))

	assert.True(t, task.RemoveEvent("refund"))
	assert.False(t, task.RemoveEvent("refund"))
	assert.Len(t, task.Events, 1)
}

func TestTaskClone(t *testing.T) {
	task := &Task{
		ID:        "t1",
		ProjectID: "p1",
		Metadata:  map[string]interface{}{"system_prompt": "be nice"},
		Events:    []Event{{EventName: "refund"}},
		Sentiment: &SentimentObject{Score: 0.5},
	}

	c := task.Clone()
	c.Events[0].EventName = "changed"
	c.Metadata["system_prompt"] = "changed"
	c.Sentiment.Score = -1

	assert.Equal(t, "refund", task.Events[0].EventName)
	assert.Equal(t, "be nice", *task.SystemPrompt())
	assert.Equal(t, 0.5, task.Sentiment.Score)
	assert.Nil(t, (*Task)(nil).Clone())
}

func TestLogEventToTask(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l := LogEvent{
		TaskID:    "t1",
		ProjectID: "p1",
		Input:     "hello",
		Output:    StringPtr("hi"),
		CreatedAt: &created,
	}

	task, err := l.ToTask()
	require.NoError(t, err)
	assert.Equal(t, "t1", task.ID)
	assert.Equal(t, "hi", *task.Output)
	assert.Equal(t, created, task.CreatedAt)

	l.TaskID = ""
	_, err = l.ToTask()
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestMessageTranscript(t *testing.T) {
	msg := Message{
		Role:    RoleAssistant,
		Content: "Sure, here is your refund",
		PreviousMessages: []Message{
			{Content: "I want my money back"},
		},
	}

	assert.Equal(t, "user: I want my money back\nassistant: Sure, here is your refund", msg.Transcript())

	_, ok := msg.Latest(RoleUser)
	assert.False(t, ok)

	msg.PreviousMessages[0].Role = RoleUser
	content, ok := msg.Latest(RoleUser)
	assert.True(t, ok)
	assert.Equal(t, "I want my money back", content)

	_, ok = msg.Latest(RoleSystem)
	assert.False(t, ok)
}

func TestRecipeValidate(t *testing.T) {
	assert.Error(t, (*Recipe)(nil).Validate())
	assert.Error(t, (&Recipe{ID: "r1"}).Validate())
	assert.NoError(t, (&Recipe{ID: "r1", RecipeType: RecipeTypeTopicExtraction}).Validate())
}

func TestJobResultAccessors(t *testing.T) {
	r := &JobResult{
		ResultType:  ResultTypeError,
		Metadata:    map[string]interface{}{"error": "timeout"},
		JobMetadata: map[string]interface{}{"recipe_id": "rec-1"},
	}
	assert.True(t, r.Failed())
	assert.Equal(t, "timeout", r.Error())
	assert.Equal(t, "rec-1", r.RecipeID())

	assert.Equal(t, "", (&JobResult{}).RecipeID())
}
