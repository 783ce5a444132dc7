package store

import (
	"context"
	"errors"
	"time"

	"github.com/Aximande/phospho/pkg/models"
)

// Store defines the interface for data persistence.
// MemoryStore, SQLiteStore and PostgreSQLStore implement it.
type Store interface {
	// Task operations
	CreateTask(ctx context.Context, task *models.Task) error
	UpsertTask(ctx context.Context, task *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// GetPreviousTasks returns the tasks of the same session created before
	// task, oldest first.
	GetPreviousTasks(ctx context.Context, task *models.Task) ([]*models.Task, error)
	// AddTaskEvent attaches event to the task unless an event with the same
	// name is already attached. It reports whether the event was added and,
	// when it was not, returns the attached one.
	AddTaskEvent(ctx context.Context, taskID string, event models.Event) (bool, *models.Event, error)
	// RemoveTaskEvent detaches the named event. It reports whether one was removed.
	RemoveTaskEvent(ctx context.Context, taskID, eventName string) (bool, error)
	// SetTaskFlagIfUnset writes the verdict only when the stored flag is null.
	SetTaskFlagIfUnset(ctx context.Context, taskID, flag string, eval *models.Eval, source string) (bool, error)
	SetTaskSentiment(ctx context.Context, taskID string, sentiment models.SentimentObject, language *string) error

	// Event operations
	InsertEvent(ctx context.Context, event *models.Event) error
	InsertEvents(ctx context.Context, events []models.Event) error
	// GetEvent returns the stored event of a task by name
	GetEvent(ctx context.Context, taskID, eventName string) (*models.Event, error)
	// DeleteEvent removes the stored event of a task. Deleting an absent event is not an error.
	DeleteEvent(ctx context.Context, taskID, eventName string) error
	ListEvents(ctx context.Context, projectID string) ([]models.Event, error)

	// Eval operations
	InsertEval(ctx context.Context, eval *models.Eval) error
	ListEvalExamples(ctx context.Context, q EvalExampleQuery) ([]models.FewShotExample, error)

	// Audit log
	InsertJobResult(ctx context.Context, result *models.JobResult) error
	ListJobResults(ctx context.Context, taskID string) ([]models.JobResult, error)
	InsertLlmCall(ctx context.Context, call *models.LlmCall) error

	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	// InitSentimentThresholds fills the missing thresholds of a project with
	// the given defaults and returns the effective values.
	InitSentimentThresholds(ctx context.Context, projectID string, score, magnitude float64) (models.SentimentThreshold, error)

	// Lifecycle
	Close() error
	HealthCheck(ctx context.Context) error
}

// EvalExampleQuery selects the most recent labelled tasks of a project
type EvalExampleQuery struct {
	ProjectID      string
	Value          string
	ExcludeSources []string
	Limit          int
}

func (q EvalExampleQuery) excludes(source string) bool {
	for _, s := range q.ExcludeSources {
		if s == source {
			return true
		}
	}
	return false
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string, or the file path for sqlite

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "extractor.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrTaskNotFound        = errors.New("task not found")
	ErrProjectNotFound     = errors.New("project not found")
	ErrEventNotFound       = errors.New("event not found")
	ErrAlreadyExists       = errors.New("record already exists")
)

// Ensure every implementation satisfies the interface
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgreSQLStore)(nil)
)
