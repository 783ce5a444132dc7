package lab

import (
	"github.com/google/uuid"

	"github.com/Aximande/phospho/pkg/models"
)

// Message is the unit of work handed to jobs
type Message = models.Message

// Metadata keys set on messages built from tasks
const (
	MetaTaskID    = "task_id"
	MetaSessionID = "session_id"
	MetaOutput    = "output"
)

// NewMessage builds a message with a fresh id
func NewMessage(role, content string, metadata map[string]interface{}, previous ...Message) Message {
	return Message{
		ID:               uuid.New().String(),
		Role:             role,
		Content:          content,
		Metadata:         metadata,
		PreviousMessages: previous,
	}
}

// MessageFromTask builds the message evaluated for task. Each previous task
// (chronological order) contributes a user turn and, when it has one, an
// assistant turn. Extra metadata is merged over the task-derived keys.
func MessageFromTask(task *models.Task, previous []*models.Task, extra map[string]interface{}) Message {
	var context []Message
	for _, p := range previous {
		context = append(context, taskTurns(p)...)
	}

	meta := map[string]interface{}{MetaTaskID: task.ID}
	if task.SessionID != nil {
		meta[MetaSessionID] = *task.SessionID
	}
	if task.Output != nil {
		meta[MetaOutput] = *task.Output
	}
	for k, v := range extra {
		meta[k] = v
	}

	return NewMessage(models.RoleUser, task.Input, meta, context...)
}

func taskTurns(t *models.Task) []Message {
	turns := []Message{{
		ID:       t.ID + ":input",
		Role:     models.RoleUser,
		Content:  t.Input,
		Metadata: map[string]interface{}{MetaTaskID: t.ID},
	}}
	if t.Output != nil {
		turns = append(turns, Message{
			ID:       t.ID + ":output",
			Role:     models.RoleAssistant,
			Content:  *t.Output,
			Metadata: map[string]interface{}{MetaTaskID: t.ID},
		})
	}
	return turns
}

// TaskID returns the task a message was built from, if any
func TaskID(msg Message) string {
	if msg.Metadata == nil {
		return ""
	}
	id, _ := msg.Metadata[MetaTaskID].(string)
	return id
}
