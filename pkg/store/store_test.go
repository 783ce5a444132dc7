package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aximande/phospho/pkg/models"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	stores := map[string]Store{"memory": NewMemoryStore()}

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "extractor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	stores["sqlite"] = sqlite

	// Set DATABASE_DSN to also run against PostgreSQL
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		pg, err := NewStore(Config{Type: "postgres", DSN: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		stores["postgres"] = pg
	}
	return stores
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func newTask(id, projectID string) *models.Task {
	return &models.Task{
		ID:        id,
		ProjectID: projectID,
		OrgID:     "org-1",
		Input:     "where is my order?",
		Metadata:  map[string]interface{}{"system_prompt": "be helpful"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestStores(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, st.HealthCheck(ctx))

			t.Run("Tasks", func(t *testing.T) { testTasks(ctx, t, st) })
			t.Run("TaskEventsCAS", func(t *testing.T) { testTaskEvents(ctx, t, st) })
			t.Run("FlagOnce", func(t *testing.T) { testFlagOnce(ctx, t, st) })
			t.Run("Events", func(t *testing.T) { testEvents(ctx, t, st) })
			t.Run("EvalExamples", func(t *testing.T) { testEvalExamples(ctx, t, st) })
			t.Run("Projects", func(t *testing.T) { testProjects(ctx, t, st) })
			t.Run("JobResults", func(t *testing.T) { testJobResults(ctx, t, st) })
		})
	}
}

func testTasks(ctx context.Context, t *testing.T, st Store) {
	projectID := uniqueID("proj")
	session := uniqueID("session")

	first := newTask(uniqueID("t1"), projectID)
	first.SessionID = &session
	first.CreatedAt = time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	second := newTask(uniqueID("t2"), projectID)
	second.SessionID = &session
	other := newTask(uniqueID("t3"), projectID)

	require.NoError(t, st.CreateTask(ctx, first))
	require.NoError(t, st.CreateTask(ctx, second))
	require.NoError(t, st.CreateTask(ctx, other))

	got, err := st.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Input, got.Input)
	assert.Equal(t, "be helpful", got.Metadata["system_prompt"])
	assert.Nil(t, got.Flag)

	prev, err := st.GetPreviousTasks(ctx, second)
	require.NoError(t, err)
	require.Len(t, prev, 1)
	assert.Equal(t, first.ID, prev[0].ID)

	prev, err = st.GetPreviousTasks(ctx, other)
	require.NoError(t, err)
	assert.Empty(t, prev)

	_, err = st.GetTask(ctx, "does-not-exist")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	out := "here it is"
	first.Output = &out
	require.NoError(t, st.UpsertTask(ctx, first))
	got, err = st.GetTask(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Output)
	assert.Equal(t, out, *got.Output)

	lang := "en"
	require.NoError(t, st.SetTaskSentiment(ctx, first.ID, models.SentimentObject{Score: 0.5, Magnitude: 0.9, Label: models.SentimentPositive}, &lang))
	got, err = st.GetTask(ctx, first.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Sentiment)
	assert.Equal(t, models.SentimentPositive, got.Sentiment.Label)
	assert.Equal(t, "positive", got.Metadata["sentiment_label"])
	assert.Equal(t, "en", got.Metadata["language"])
	assert.Equal(t, "be helpful", got.Metadata["system_prompt"])
}

func testTaskEvents(ctx context.Context, t *testing.T, st Store) {
	task := newTask(uniqueID("task"), uniqueID("proj"))
	require.NoError(t, st.CreateTask(ctx, task))

	event := models.Event{ID: uniqueID("ev"), EventName: "refund request", TaskID: &task.ID, ProjectID: task.ProjectID}

	// concurrent adds of the same name attach exactly one event
	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := st.AddTaskEvent(ctx, task.ID, event)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, added)

	ok, existing, err := st.AddTaskEvent(ctx, task.ID, event)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, existing)
	assert.Equal(t, event.ID, existing.ID)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, got.Events, 1)

	removed, err := st.RemoveTaskEvent(ctx, task.ID, "refund request")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = st.RemoveTaskEvent(ctx, task.ID, "refund request")
	require.NoError(t, err)
	assert.False(t, removed)

	_, _, err = st.AddTaskEvent(ctx, "missing-task", event)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func testFlagOnce(ctx context.Context, t *testing.T, st Store) {
	task := newTask(uniqueID("task"), uniqueID("proj"))
	require.NoError(t, st.CreateTask(ctx, task))

	eval := &models.Eval{ID: uniqueID("eval"), TaskID: task.ID, ProjectID: task.ProjectID, Value: models.FlagSuccess, Source: "phospho-6"}
	set, err := st.SetTaskFlagIfUnset(ctx, task.ID, models.FlagSuccess, eval, "phospho-6")
	require.NoError(t, err)
	assert.True(t, set)

	set, err = st.SetTaskFlagIfUnset(ctx, task.ID, models.FlagFailure, nil, "phospho-6")
	require.NoError(t, err)
	assert.False(t, set)

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Flag)
	assert.Equal(t, models.FlagSuccess, *got.Flag)
	assert.Equal(t, "phospho-6", got.EvaluationSource)
	require.NotNil(t, got.LastEval)
	assert.Equal(t, eval.ID, got.LastEval.ID)

	_, err = st.SetTaskFlagIfUnset(ctx, "missing-task", models.FlagSuccess, nil, "x")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func testEvents(ctx context.Context, t *testing.T, st Store) {
	projectID := uniqueID("proj")
	taskID := uniqueID("task")
	hook := "https://example.com/hook"
	events := []models.Event{
		{ID: uniqueID("e1"), EventName: "churn", TaskID: &taskID, ProjectID: projectID, Source: "phospho-6", Webhook: &hook,
			EventDefinition: &models.EventDefinition{EventName: "churn", Webhook: &hook}},
		{ID: uniqueID("e2"), EventName: "batch only", ProjectID: projectID, Source: "phospho-6",
			Messages: []models.Message{{ID: "m1", Role: "user", Content: "hi"}}},
	}
	require.NoError(t, st.InsertEvents(ctx, events))

	got, err := st.GetEvent(ctx, taskID, "churn")
	require.NoError(t, err)
	assert.Equal(t, hook, *got.Webhook)
	require.NotNil(t, got.EventDefinition)
	assert.Equal(t, "churn", got.EventDefinition.EventName)

	listed, err := st.ListEvents(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, st.DeleteEvent(ctx, taskID, "churn"))
	_, err = st.GetEvent(ctx, taskID, "churn")
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.NoError(t, st.DeleteEvent(ctx, taskID, "churn"), "deleting an absent event is not an error")

	// the same detection stored twice is fully retracted
	for _, id := range []string{uniqueID("dup1"), uniqueID("dup2")} {
		require.NoError(t, st.InsertEvent(ctx, &models.Event{ID: id, EventName: "refund", TaskID: &taskID, ProjectID: projectID, Source: "phospho-6"}))
	}
	require.NoError(t, st.DeleteEvent(ctx, taskID, "refund"))
	_, err = st.GetEvent(ctx, taskID, "refund")
	assert.ErrorIs(t, err, ErrEventNotFound)

	listed, err = st.ListEvents(ctx, projectID)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func testEvalExamples(ctx context.Context, t *testing.T, st Store) {
	projectID := uniqueID("proj")
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	addEval := func(i int, value, source string) {
		task := newTask(fmt.Sprintf("%s-task-%d", projectID, i), projectID)
		task.Input = fmt.Sprintf("input %d", i)
		require.NoError(t, st.CreateTask(ctx, task))
		require.NoError(t, st.InsertEval(ctx, &models.Eval{
			ID: fmt.Sprintf("%s-eval-%d", projectID, i), ProjectID: projectID, TaskID: task.ID,
			Value: value, Source: source, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	for i := 0; i < 10; i++ {
		addEval(i, models.FlagSuccess, "owner")
	}
	addEval(10, models.FlagFailure, "owner")
	addEval(11, models.FlagFailure, "phospho-4")

	q := EvalExampleQuery{ProjectID: projectID, ExcludeSources: []string{"phospho", "phospho-4"}, Limit: 4}

	q.Value = models.FlagSuccess
	success, err := st.ListEvalExamples(ctx, q)
	require.NoError(t, err)
	require.Len(t, success, 4)
	assert.Equal(t, "input 9", success[0].Input, "most recent first")

	q.Value = models.FlagFailure
	failure, err := st.ListEvalExamples(ctx, q)
	require.NoError(t, err)
	require.Len(t, failure, 1, "automated sources are excluded")
	assert.Equal(t, "input 10", failure[0].Input)

	q.Limit = 0
	none, err := st.ListEvalExamples(ctx, q)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testProjects(ctx context.Context, t *testing.T, st Store) {
	projectID := uniqueID("proj")
	score := 0.5
	require.NoError(t, st.CreateProject(ctx, &models.Project{
		ID:    projectID,
		OrgID: "org-1",
		Settings: &models.ProjectSettings{
			Events:             map[string]models.EventDefinition{"churn": {EventName: "churn"}},
			SentimentThreshold: &models.SentimentThreshold{Score: &score},
		},
	}))

	th, err := st.InitSentimentThresholds(ctx, projectID, models.DefaultSentimentScoreThreshold, models.DefaultSentimentMagnitudeThreshold)
	require.NoError(t, err)
	assert.Equal(t, 0.5, *th.Score, "existing threshold is kept")
	assert.Equal(t, 0.6, *th.Magnitude, "missing threshold gets the default")

	p, err := st.GetProject(ctx, projectID)
	require.NoError(t, err)
	require.NotNil(t, p.Settings.SentimentThreshold.Magnitude)
	assert.Equal(t, 0.6, *p.Settings.SentimentThreshold.Magnitude)
	assert.Contains(t, p.Settings.Events, "churn")

	_, err = st.GetProject(ctx, "missing-project")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func testJobResults(ctx context.Context, t *testing.T, st Store) {
	taskID := uniqueID("task")
	require.NoError(t, st.InsertJobResult(ctx, &models.JobResult{
		ID: uniqueID("jr"), JobID: "churn", TaskID: taskID, Value: true, ResultType: models.ResultTypeBool,
		JobMetadata: map[string]interface{}{"recipe_id": "r1"},
	}))
	require.NoError(t, st.InsertJobResult(ctx, &models.JobResult{
		ID: uniqueID("jr"), JobID: "refund", TaskID: taskID, ResultType: models.ResultTypeError,
		Metadata: map[string]interface{}{"error": "timeout"},
	}))
	require.NoError(t, st.InsertLlmCall(ctx, &models.LlmCall{ID: uniqueID("llm"), TaskID: taskID, Model: "m"}))

	results, err := st.ListJobResults(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byJob := map[string]models.JobResult{}
	for _, r := range results {
		byJob[r.JobID] = r
	}
	churn, refund := byJob["churn"], byJob["refund"]
	assert.Equal(t, true, churn.Value)
	assert.Equal(t, "r1", churn.RecipeID())
	assert.True(t, refund.Failed())
	assert.Nil(t, refund.Value)
}

func TestNewStoreUnsupported(t *testing.T) {
	_, err := NewStore(Config{Type: "mongodb"})
	assert.ErrorIs(t, err, ErrUnsupportedDatabase)
}
