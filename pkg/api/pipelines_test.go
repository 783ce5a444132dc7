package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aximande/phospho/pkg/api"
	"github.com/Aximande/phospho/pkg/evaluator"
	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/pipeline"
	"github.com/Aximande/phospho/pkg/queue"
	"github.com/Aximande/phospho/pkg/store"
)

type recordingScheduler struct {
	kinds    []string
	payloads []interface{}
}

func (s *recordingScheduler) Enqueue(ctx context.Context, kind string, payload interface{}) (*queue.Handle, error) {
	s.kinds = append(s.kinds, kind)
	s.payloads = append(s.payloads, payload)
	return &queue.Handle{ID: "work-1", Kind: kind}, nil
}

func setupRouter(t *testing.T) (*mux.Router, *store.MemoryStore, *recordingScheduler) {
	t.Helper()
	s := store.NewMemoryStore()
	require.NoError(t, s.CreateProject(context.Background(), &models.Project{
		ID:    "proj-1",
		OrgID: "org-1",
		Settings: &models.ProjectSettings{Events: map[string]models.EventDefinition{
			"refund": {EventName: "refund", Description: "the user asks for a refund"},
		}},
	}))

	registry := lab.NewRegistry()
	evaluator.RegisterRules(registry, map[string][]string{"refund": {"money back"}})
	p := pipeline.New(pipeline.Deps{Store: s, Registry: registry})

	scheduler := &recordingScheduler{}
	router := mux.NewRouter()
	api.NewPipelineHandler(p, s, scheduler, nil).RegisterRoutes(router)
	return router, s, scheduler
}

func post(t *testing.T, router *mux.Router, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestMainTaskEndpoint(t *testing.T) {
	router, s, _ := setupRouter(t)

	w := post(t, router, "/v1/pipelines/main/task", map[string]interface{}{
		"task": map[string]interface{}{
			"id":         "task-1",
			"project_id": "proj-1",
			"input":      "I want my money back, this is terrible",
			"output":     "I understand, let me open a refund for you.",
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res models.PipelineResults
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Events, 1)
	assert.Equal(t, "refund", res.Events[0].EventName)
	assert.Equal(t, evaluator.RulesSource, res.Events[0].Source)
	require.NotNil(t, res.Flag)
	assert.Equal(t, models.FlagSuccess, *res.Flag)
	require.NotNil(t, res.Sentiment)

	_, err := s.GetTask(context.Background(), "task-1")
	assert.ErrorIs(t, err, store.ErrTaskNotFound, "the task is not saved")
}

func TestMainTaskEndpointErrors(t *testing.T) {
	router, _, _ := setupRouter(t)

	tests := []struct {
		name     string
		body     interface{}
		expected int
	}{
		{name: "malformed body", body: "{not json", expected: http.StatusBadRequest},
		{name: "missing project", body: map[string]interface{}{"task": map[string]string{"id": "t1"}}, expected: http.StatusBadRequest},
		{name: "invalid flag", body: map[string]interface{}{"task": map[string]string{"id": "t1", "project_id": "proj-1", "flag": "meh"}}, expected: http.StatusBadRequest},
		{name: "unknown project", body: map[string]interface{}{"task": map[string]string{"id": "t1", "project_id": "nope"}}, expected: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, router, "/v1/pipelines/main/task", tt.body)
			assert.Equal(t, tt.expected, w.Code, w.Body.String())
		})
	}
}

func TestMainMessagesEndpoint(t *testing.T) {
	router, _, _ := setupRouter(t)

	w := post(t, router, "/v1/pipelines/main/messages", models.RunMainPipelineOnMessagesRequest{
		ProjectID: "proj-1",
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "hello"},
			{Role: models.RoleUser, Content: "I want my money back"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res models.PipelineResults
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.Events, 1)
	assert.Len(t, res.Events[0].Messages, 2)
	assert.Nil(t, res.Flag)

	w = post(t, router, "/v1/pipelines/main/messages", models.RunMainPipelineOnMessagesRequest{ProjectID: "proj-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProcessLogEndpoint(t *testing.T) {
	router, _, scheduler := setupRouter(t)

	w := post(t, router, "/v1/pipelines/log", models.LogProcessRequest{
		ProjectID: "proj-1",
		LogsToProcess: []models.LogEvent{
			{TaskID: "task-1", Input: "hello"},
			{TaskID: "task-2", Input: "I want my money back"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res models.JobsScheduledResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "ok", res.Status)
	assert.Equal(t, 6, res.NbJobResults)
	assert.Equal(t, []string{queue.KindProcessLogs}, scheduler.kinds)

	w = post(t, router, "/v1/pipelines/log", models.LogProcessRequest{ProjectID: "nope"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, scheduler.kinds, 1)
}

func TestRunRecipeEndpoint(t *testing.T) {
	router, _, scheduler := setupRouter(t)
	tasks := []models.Task{{ID: "task-1", ProjectID: "proj-1"}, {ID: "task-2", ProjectID: "proj-1"}}

	t.Run("NoTasks", func(t *testing.T) {
		w := post(t, router, "/v1/pipelines/recipes", models.RunRecipeOnTaskRequest{
			Recipe: models.Recipe{ID: "r1", RecipeType: models.RecipeTypeEventDetection},
		})
		require.Equal(t, http.StatusOK, w.Code)
		var res models.JobsScheduledResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "no tasks to process", res.Status)
		assert.Empty(t, scheduler.kinds)
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		w := post(t, router, "/v1/pipelines/recipes", models.RunRecipeOnTaskRequest{
			Recipe: models.Recipe{ID: "r1", RecipeType: models.RecipeTypeTopicExtraction},
			Tasks:  tasks,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, scheduler.kinds, "nothing is scheduled")
	})

	t.Run("Scheduled", func(t *testing.T) {
		w := post(t, router, "/v1/pipelines/recipes", models.RunRecipeOnTaskRequest{
			Recipe: models.Recipe{
				ID:         "r1",
				RecipeType: models.RecipeTypeEventDetection,
				Parameters: models.EventDefinition{EventName: "escalation"},
			},
			Tasks: tasks,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var res models.JobsScheduledResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
		assert.Equal(t, "ok", res.Status)
		assert.Equal(t, 2, res.NbJobResults)
		assert.Equal(t, []string{queue.KindRunRecipe}, scheduler.kinds)
	})
}

func TestHealthEndpoint(t *testing.T) {
	router, _, _ := setupRouter(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "host")
}
