package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aximande/phospho/pkg/lab"
	"github.com/Aximande/phospho/pkg/models"
	"github.com/Aximande/phospho/pkg/queue"
	"github.com/Aximande/phospho/pkg/store"
)

const (
	testProject = "proj-1"
	testOrg     = "org-1"
	hookURL     = "http://hooks.test/events"
)

type firedHook struct {
	url   string
	event models.Event
}

type fakeWebhooks struct {
	mu    sync.Mutex
	fired []firedHook
}

func (f *fakeWebhooks) Trigger(ctx context.Context, url string, headers map[string]string, event *models.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fired = append(f.fired, firedHook{url: url, event: *event})
	return nil
}

func (f *fakeWebhooks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

// detector answers event-detection jobs from a table keyed by job id. A value
// is either a bool or an error.
type detector struct {
	mu           sync.Mutex
	values       map[string]interface{}
	calls        int
	lastPrevious int
}

func (d *detector) set(name string, v interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[name] = v
}

func (d *detector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *detector) Evaluate(ctx context.Context, msg lab.Message, job *lab.Job) (lab.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.lastPrevious = len(msg.PreviousMessages)
	switch v := d.values[job.ID].(type) {
	case error:
		return lab.Outcome{}, v
	case bool:
		return lab.Outcome{
			Value: v,
			Metadata: map[string]interface{}{
				lab.MetaEvaluationSource: "phospho-6",
				lab.MetaLlmCall:          map[string]interface{}{"model": "test-model", "prompt": msg.Content},
			},
		}, nil
	}
	return lab.Outcome{Value: false}, nil
}

type scorer struct {
	mu      sync.Mutex
	flag    string
	calls   int
	success []models.FewShotExample
	failure []models.FewShotExample
}

func (s *scorer) Evaluate(ctx context.Context, msg lab.Message, job *lab.Job) (lab.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.success, _ = msg.Metadata[lab.MetaSuccessfulExamples].([]models.FewShotExample)
	s.failure, _ = msg.Metadata[lab.MetaUnsuccessfulExamples].([]models.FewShotExample)
	return lab.Outcome{Value: s.flag, ResultType: models.ResultTypeLiteral}, nil
}

type transitions struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *transitions) RecordJob(string, string, time.Duration) {}
func (r *transitions) RecordPipeline(string, time.Duration, error) {}

func (r *transitions) RecordEventTransition(t string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[t]++
}

func (r *transitions) get(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[t]
}

type harness struct {
	store       *store.MemoryStore
	hooks       *fakeWebhooks
	detector    *detector
	scorer      *scorer
	sentiment   map[string]interface{}
	transitions *transitions
	p           *Pipelines
}

func newHarness(t *testing.T, events ...string) *harness {
	t.Helper()
	h := &harness{
		store:       store.NewMemoryStore(),
		hooks:       &fakeWebhooks{},
		detector:    &detector{values: map[string]interface{}{}},
		scorer:      &scorer{flag: models.FlagSuccess},
		sentiment:   map[string]interface{}{"score": 0.5, "magnitude": 0.9, "language": "en"},
		transitions: &transitions{counts: map[string]int{}},
	}

	registry := lab.NewRegistry()
	registry.Register(lab.KindEventDetection, h.detector)
	registry.Register(lab.KindEvaluation, h.scorer)
	registry.Register(lab.KindSentiment, lab.EvaluatorFunc(func(ctx context.Context, msg lab.Message, job *lab.Job) (lab.Outcome, error) {
		return lab.Outcome{Value: h.sentiment, ResultType: models.ResultTypeDict}, nil
	}))

	defs := make(map[string]models.EventDefinition, len(events))
	for _, name := range events {
		defs[name] = models.EventDefinition{
			EventName:   name,
			Description: "the user asks for " + name,
			Webhook:     models.StringPtr(hookURL),
		}
	}
	require.NoError(t, h.store.CreateProject(context.Background(), &models.Project{
		ID:       testProject,
		OrgID:    testOrg,
		Settings: &models.ProjectSettings{Events: defs},
	}))

	h.p = New(Deps{
		Store:    h.store,
		Registry: registry,
		Webhooks: h.hooks,
		Metrics:  h.transitions,
	})
	return h
}

func (h *harness) storeTask(t *testing.T, id string) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:        id,
		ProjectID: testProject,
		OrgID:     testOrg,
		Input:     "I want my money back",
		Output:    models.StringPtr("Sure, let me help you with that."),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, h.store.CreateTask(context.Background(), task))
	return task
}

func (h *harness) storedTask(t *testing.T, id string) *models.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestTaskEventDetectionIsIdempotent(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	task := h.storeTask(t, "task-1")
	ctx := context.Background()

	events, err := h.p.TaskEventDetection(ctx, task, true)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "phospho-6", events[0].Source)

	events, err = h.p.TaskEventDetection(ctx, h.storedTask(t, "task-1"), true)
	require.NoError(t, err)
	require.Len(t, events, 1)

	stored := h.storedTask(t, "task-1")
	assert.Len(t, stored.Events, 1)
	assert.Equal(t, 1, h.hooks.count(), "webhook fires on the first detection only")
	assert.Equal(t, 1, h.transitions.get(transitionAdded))
	assert.Equal(t, 1, h.transitions.get(transitionUnchanged))

	recorded, err := h.store.ListEvents(ctx, testProject)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)

	results, err := h.store.ListJobResults(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, results, 2, "every invocation is audited")
	assert.Len(t, h.store.LlmCalls(), 2)
}

func TestTaskEventDetectionRetractsEvent(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	h.storeTask(t, "task-1")
	ctx := context.Background()

	_, err := h.p.TaskEventDetection(ctx, h.storedTask(t, "task-1"), true)
	require.NoError(t, err)
	_, err = h.store.GetEvent(ctx, "task-1", "refund")
	require.NoError(t, err)

	h.detector.set("refund", false)
	events, err := h.p.TaskEventDetection(ctx, h.storedTask(t, "task-1"), true)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.Empty(t, h.storedTask(t, "task-1").Events)
	_, err = h.store.GetEvent(ctx, "task-1", "refund")
	assert.ErrorIs(t, err, store.ErrEventNotFound)
	assert.Equal(t, 1, h.hooks.count(), "retraction does not notify")
	assert.Equal(t, 1, h.transitions.get(transitionRemoved))
}

func TestTaskEventDetectionFailedJobLeavesTaskUnchanged(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	h.storeTask(t, "task-1")
	ctx := context.Background()

	_, err := h.p.TaskEventDetection(ctx, h.storedTask(t, "task-1"), true)
	require.NoError(t, err)

	h.detector.set("refund", errors.New("model unavailable"))
	events, err := h.p.TaskEventDetection(ctx, h.storedTask(t, "task-1"), true)
	require.NoError(t, err)
	assert.Empty(t, events)

	assert.True(t, h.storedTask(t, "task-1").HasEvent("refund"))
	_, err = h.store.GetEvent(ctx, "task-1", "refund")
	assert.NoError(t, err)

	results, err := h.store.ListJobResults(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, models.ResultTypeError, results[1].ResultType)
	assert.Equal(t, "model unavailable", results[1].Error())
}

func TestTaskEventDetectionWithoutSaveKeepsStoredTask(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	task := h.storeTask(t, "task-1")
	ctx := context.Background()

	events, err := h.p.TaskEventDetection(ctx, task, false)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.Empty(t, task.Events, "the caller's task is not modified")
	assert.Empty(t, h.storedTask(t, "task-1").Events)
	recorded, err := h.store.ListEvents(ctx, testProject)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestTaskEventDetectionWithoutSaveRetractsEveryRecord(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	task := h.storeTask(t, "task-1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.p.TaskEventDetection(ctx, task, false)
		require.NoError(t, err)
	}
	recorded, err := h.store.ListEvents(ctx, testProject)
	require.NoError(t, err)
	require.Len(t, recorded, 2, "the caller's task never carries the event, so each run stores one")

	h.detector.set("refund", false)
	_, err = h.p.TaskEventDetection(ctx, task, false)
	require.NoError(t, err)

	_, err = h.store.GetEvent(ctx, "task-1", "refund")
	assert.ErrorIs(t, err, store.ErrEventNotFound)
	recorded, err = h.store.ListEvents(ctx, testProject)
	require.NoError(t, err)
	assert.Empty(t, recorded)
}

func TestTaskEventDetectionRefiresUnlinkedEvent(t *testing.T) {
	tests := []struct {
		name     string
		taskID   *string
		expected int
	}{
		{name: "no task link", taskID: nil, expected: 1},
		{name: "task linked", taskID: models.StringPtr("task-1"), expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "refund")
			h.detector.set("refund", true)
			task := &models.Task{
				ID:        "task-1",
				ProjectID: testProject,
				Input:     "refund please",
				Events:    []models.Event{{ID: "ev-0", EventName: "refund", TaskID: tt.taskID, ProjectID: testProject}},
			}

			events, err := h.p.TaskEventDetection(context.Background(), task, false)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, "ev-0", events[0].ID)
			assert.Equal(t, tt.expected, h.hooks.count())
		})
	}
}

func TestTaskEventDetectionWithoutEventsDefined(t *testing.T) {
	h := newHarness(t)
	task := h.storeTask(t, "task-1")

	events, err := h.p.TaskEventDetection(context.Background(), task, true)
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)
	assert.Zero(t, h.detector.callCount())
}

func TestTaskEventDetectionUsesSessionHistory(t *testing.T) {
	h := newHarness(t, "refund")
	ctx := context.Background()
	session := models.StringPtr("session-1")
	base := time.Now().Add(-time.Hour).UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, h.store.CreateTask(ctx, &models.Task{
			ID:        fmt.Sprintf("task-%d", i),
			ProjectID: testProject,
			SessionID: session,
			Input:     fmt.Sprintf("turn %d", i),
			Output:    models.StringPtr("ok"),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	_, err := h.p.TaskEventDetection(ctx, h.storedTask(t, "task-2"), true)
	require.NoError(t, err)
	assert.Equal(t, 4, h.detector.lastPrevious, "two earlier tasks, input and output each")
}

func TestTaskScoringKeepsFirstFlag(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.storeTask(t, "task-1")
	set, err := h.store.SetTaskFlagIfUnset(ctx, "task-1", models.FlagSuccess, nil, "owner")
	require.NoError(t, err)
	require.True(t, set)

	h.scorer.flag = models.FlagFailure
	flag, err := h.p.TaskScoring(ctx, task, true)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, models.FlagSuccess, *flag)
	assert.Equal(t, models.FlagSuccess, *h.storedTask(t, "task-1").Flag)
}

func TestTaskScoringSetsFlagOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.storeTask(t, "task-1")

	flag, err := h.p.TaskScoring(ctx, task, true)
	require.NoError(t, err)
	require.NotNil(t, flag)
	assert.Equal(t, models.FlagSuccess, *flag)

	stored := h.storedTask(t, "task-1")
	require.NotNil(t, stored.Flag)
	assert.Equal(t, models.FlagSuccess, *stored.Flag)
	assert.Equal(t, "phospho-6", stored.EvaluationSource)
	require.NotNil(t, stored.LastEval)
	assert.Equal(t, models.FlagSuccess, stored.LastEval.Value)

	// a flagged task is returned as is
	h.scorer.flag = models.FlagFailure
	flag, err = h.p.TaskScoring(ctx, stored, true)
	require.NoError(t, err)
	assert.Equal(t, models.FlagSuccess, *flag)
	assert.Equal(t, 1, h.scorer.calls)
}

func TestTaskScoringRejectsInvalidFlag(t *testing.T) {
	h := newHarness(t)
	task := h.storeTask(t, "task-1")
	h.scorer.flag = "maybe"

	flag, err := h.p.TaskScoring(context.Background(), task, true)
	assert.Error(t, err)
	assert.Nil(t, flag)
	assert.Nil(t, h.storedTask(t, "task-1").Flag)
}

func TestFewShotExamplesAreBalanced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).UTC()

	addEval := func(i int, value, source string) {
		id := fmt.Sprintf("labelled-%d", i)
		require.NoError(t, h.store.CreateTask(ctx, &models.Task{
			ID:        id,
			ProjectID: testProject,
			Input:     fmt.Sprintf("question %d", i),
			CreatedAt: base,
		}))
		require.NoError(t, h.store.InsertEval(ctx, &models.Eval{
			ID:        "eval-" + id,
			ProjectID: testProject,
			TaskID:    id,
			Value:     value,
			Source:    source,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	for i := 0; i < 10; i++ {
		addEval(i, models.FlagSuccess, "owner")
	}
	addEval(10, models.FlagFailure, "user")
	addEval(11, models.FlagFailure, "phospho-6")

	h.p = New(Deps{
		Store:    h.store,
		Registry: h.p.registry,
		Config:   Config{FewShotMaxExamples: 8},
	})

	success, failure, err := h.p.FewShotExamples(ctx, testProject)
	require.NoError(t, err)
	assert.Len(t, success, 4)
	require.Len(t, failure, 1, "automated evals are excluded")
	assert.Equal(t, "question 10", failure[0].Input)
	assert.Equal(t, "question 9", success[0].Input, "most recent first")

	_, err = h.p.TaskScoring(ctx, h.storeTask(t, "task-1"), false)
	require.NoError(t, err)
	assert.Len(t, h.scorer.success, 4)
	assert.Len(t, h.scorer.failure, 1)
}

func TestClassifySentiment(t *testing.T) {
	tests := []struct {
		score     float64
		magnitude float64
		expected  models.SentimentLabel
	}{
		{0.3, 0.9, models.SentimentMixed},
		{0.31, 0.1, models.SentimentPositive},
		{-0.31, 0.1, models.SentimentNegative},
		{-0.3, 0.1, models.SentimentNeutral},
		{0, 0.6, models.SentimentMixed},
		{0, 0.59, models.SentimentNeutral},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v/%v", tt.score, tt.magnitude), func(t *testing.T) {
			got := ClassifySentiment(tt.score, tt.magnitude, models.DefaultSentimentScoreThreshold, models.DefaultSentimentMagnitudeThreshold)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolveSentimentThresholdsInitialisesDefaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	score, magnitude, err := h.p.ResolveSentimentThresholds(ctx, testProject)
	require.NoError(t, err)
	assert.Equal(t, 0.3, score)
	assert.Equal(t, 0.6, magnitude)

	project, err := h.store.GetProject(ctx, testProject)
	require.NoError(t, err)
	require.NotNil(t, project.Settings.SentimentThreshold)
	assert.Equal(t, 0.3, *project.Settings.SentimentThreshold.Score)

	custom := 0.5
	require.NoError(t, h.store.CreateProject(ctx, &models.Project{
		ID:       "proj-2",
		Settings: &models.ProjectSettings{SentimentThreshold: &models.SentimentThreshold{Score: &custom}},
	}))
	score, magnitude, err = h.p.ResolveSentimentThresholds(ctx, "proj-2")
	require.NoError(t, err)
	assert.Equal(t, 0.5, score)
	assert.Equal(t, 0.6, magnitude)

	_, _, err = h.p.ResolveSentimentThresholds(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrProjectNotFound)
}

func TestSentimentAndLanguage(t *testing.T) {
	h := newHarness(t)
	h.sentiment = map[string]interface{}{"score": 0.31, "magnitude": 0.1, "language": "fr"}
	task := h.storeTask(t, "task-1")

	sentiment, language, err := h.p.SentimentAndLanguage(context.Background(), task)
	require.NoError(t, err)
	require.NotNil(t, sentiment)
	assert.Equal(t, models.SentimentPositive, sentiment.Label)
	require.NotNil(t, language)
	assert.Equal(t, "fr", *language)

	stored := h.storedTask(t, "task-1")
	require.NotNil(t, stored.Sentiment)
	assert.Equal(t, models.SentimentPositive, stored.Sentiment.Label)
	assert.Equal(t, "positive", stored.Metadata["sentiment_label"])

	results, err := h.store.ListJobResults(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, results, 1)
	value, ok := results[0].Value.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "positive", value["label"])
	assert.Equal(t, task.Input, results[0].Metadata["input"])
}

func TestSentimentAndLanguageRejectsUnreadableValue(t *testing.T) {
	h := newHarness(t)
	h.sentiment = map[string]interface{}{"language": "en"}
	task := h.storeTask(t, "task-1")

	_, _, err := h.p.SentimentAndLanguage(context.Background(), task)
	assert.Error(t, err)
	assert.Nil(t, h.storedTask(t, "task-1").Sentiment)
}

func TestTaskMain(t *testing.T) {
	h := newHarness(t, "refund", "complaint")
	h.detector.set("refund", true)
	h.detector.set("complaint", false)
	task := h.storeTask(t, "task-1")

	res, err := h.p.TaskMain(context.Background(), task, true)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "refund", res.Events[0].EventName)
	require.NotNil(t, res.Flag)
	assert.Equal(t, models.FlagSuccess, *res.Flag)
	require.NotNil(t, res.Sentiment)
	assert.Equal(t, models.SentimentPositive, res.Sentiment.Label)
	require.NotNil(t, res.Language)
	assert.Equal(t, "en", *res.Language)

	stored := h.storedTask(t, "task-1")
	assert.True(t, stored.HasEvent("refund"))
	require.NotNil(t, stored.Flag)
	assert.Equal(t, 1, h.hooks.count())
	assert.Equal(t, hookURL, h.hooks.fired[0].url)
}

func TestTaskMainSkipsTestBenchAnalysis(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	task := h.storeTask(t, "task-1")
	task.TestID = models.StringPtr("test-1")

	res, err := h.p.TaskMain(context.Background(), task, false)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Nil(t, res.Sentiment)
	require.NotNil(t, res.Flag)
	assert.Zero(t, h.detector.callCount())
	assert.Zero(t, h.hooks.count())
}

func TestTaskMainKeepsExistingFlag(t *testing.T) {
	h := newHarness(t)
	task := h.storeTask(t, "task-1")
	task.Flag = models.StringPtr(models.FlagFailure)

	res, err := h.p.TaskMain(context.Background(), task, false)
	require.NoError(t, err)
	assert.Equal(t, models.FlagFailure, *res.Flag)
	assert.Zero(t, h.scorer.calls)
}

func TestTaskMainRejectsInvalidTask(t *testing.T) {
	h := newHarness(t)

	_, err := h.p.TaskMain(context.Background(), &models.Task{ID: "task-1"}, false)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestTaskMainUnknownProject(t *testing.T) {
	h := newHarness(t, "refund")
	task := &models.Task{ID: "task-1", ProjectID: "missing", Input: "hello"}

	_, err := h.p.TaskMain(context.Background(), task, false)
	assert.ErrorIs(t, err, store.ErrProjectNotFound)
}

func TestMessagesMain(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	ctx := context.Background()
	messages := []models.Message{
		{Role: models.RoleUser, Content: "hello"},
		{Role: models.RoleAssistant, Content: "hi, how can I help?"},
		{Role: models.RoleUser, Content: "I want a refund"},
	}

	res, err := h.p.MessagesMain(ctx, testProject, messages)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Nil(t, res.Flag)
	assert.Nil(t, res.Events[0].TaskID)
	assert.Equal(t, messages, res.Events[0].Messages)
	assert.Equal(t, 2, h.detector.lastPrevious)

	_, err = h.p.MessagesMain(ctx, testProject, messages)
	require.NoError(t, err)
	assert.Equal(t, 2, h.hooks.count(), "no task state, every detection notifies")

	recorded, err := h.store.ListEvents(ctx, testProject)
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}

func TestMessagesMainEdgeCases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.MessagesMain(ctx, testProject, nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	res, err := h.p.MessagesMain(ctx, testProject, []models.Message{{Content: "hello"}})
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Zero(t, h.detector.callCount())

	_, err = h.p.MessagesMain(ctx, "missing", []models.Message{{Content: "hello"}})
	assert.ErrorIs(t, err, store.ErrProjectNotFound)
}

func TestRecipeRun(t *testing.T) {
	h := newHarness(t)
	h.detector.set("escalation", true)
	tasks := []*models.Task{h.storeTask(t, "task-1"), h.storeTask(t, "task-2")}
	recipe := &models.Recipe{
		ID:         "recipe-1",
		ProjectID:  testProject,
		OrgID:      testOrg,
		RecipeType: models.RecipeTypeEventDetection,
		Parameters: models.EventDefinition{EventName: "escalation", Webhook: models.StringPtr(hookURL)},
	}

	require.NoError(t, h.p.RecipeRun(context.Background(), recipe, tasks))
	for _, id := range []string{"task-1", "task-2"} {
		ev := h.storedTask(t, id).FindEvent("escalation")
		require.NotNil(t, ev, id)
		assert.Equal(t, "recipe-1", ev.RecipeID)
	}
	assert.Equal(t, 2, h.hooks.count())
}

func TestRecipeRunRejectsUnsupportedType(t *testing.T) {
	h := newHarness(t)
	recipe := &models.Recipe{
		ID:         "recipe-1",
		RecipeType: models.RecipeTypeTopicExtraction,
		Parameters: models.EventDefinition{EventName: "topics"},
	}

	assert.ErrorIs(t, CheckRecipe(recipe), ErrUnsupportedRecipe)
	err := h.p.RecipeRun(context.Background(), recipe, []*models.Task{h.storeTask(t, "task-1")})
	assert.ErrorIs(t, err, ErrUnsupportedRecipe)
	assert.Zero(t, h.detector.callCount())

	assert.ErrorIs(t, CheckRecipe(&models.Recipe{}), models.ErrValidation)
}

func TestProcessLogs(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)

	req := &models.LogProcessRequest{
		ProjectID: testProject,
		OrgID:     testOrg,
		LogsToProcess: []models.LogEvent{
			{TaskID: "task-1", Input: "I want a refund", Output: models.StringPtr("ok")},
			{Input: "no task id"},
		},
		ExtraLogsToSave: []models.LogEvent{
			{TaskID: "task-0", Input: "hello"},
		},
	}

	err := h.p.ProcessLogs(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, "1 of 2 logs failed", err.Error())

	processed := h.storedTask(t, "task-1")
	assert.Equal(t, testOrg, processed.OrgID)
	assert.True(t, processed.HasEvent("refund"))
	require.NotNil(t, processed.Flag)

	saved := h.storedTask(t, "task-0")
	assert.Nil(t, saved.Flag)
	assert.Empty(t, saved.Events)
}

func TestQueueHandlersRunPipelines(t *testing.T) {
	h := newHarness(t, "refund")
	h.detector.set("refund", true)
	h.detector.set("escalation", true)

	q := queue.NewMemoryQueue(2, nil)
	defer q.Close()
	h.p.RegisterQueueHandlers(q)
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, queue.KindProcessLogs, models.LogProcessRequest{
		ProjectID:     testProject,
		LogsToProcess: []models.LogEvent{{TaskID: "task-1", Input: "refund please"}},
	})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))
	assert.True(t, h.storedTask(t, "task-1").HasEvent("refund"))

	handle, err = q.Enqueue(ctx, queue.KindRunRecipe, models.RunRecipeOnTaskRequest{
		Recipe: models.Recipe{
			ID:         "recipe-1",
			ProjectID:  testProject,
			RecipeType: models.RecipeTypeEventDetection,
			Parameters: models.EventDefinition{EventName: "escalation"},
		},
		Tasks: []models.Task{*h.storedTask(t, "task-1")},
	})
	require.NoError(t, err)
	require.NoError(t, handle.Wait(ctx))
	assert.True(t, h.storedTask(t, "task-1").HasEvent("escalation"))

	handle, err = q.Enqueue(ctx, queue.KindRunRecipe, models.RunRecipeOnTaskRequest{
		Recipe: models.Recipe{ID: "recipe-2", RecipeType: models.RecipeTypeSentiment},
	})
	require.NoError(t, err)
	assert.ErrorIs(t, handle.Wait(ctx), ErrUnsupportedRecipe)
}
