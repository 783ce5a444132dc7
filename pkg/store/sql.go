package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Aximande/phospho/pkg/models"
)

// dialect captures the differences between the SQL backends
type dialect struct {
	name      string
	numbered  bool   // $1 placeholders instead of ?
	forUpdate string // row lock suffix for read-modify-write transactions
}

// sqlStore implements Store on database/sql. SQLiteStore and PostgreSQLStore
// embed it and only provide the connection and the schema.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// jsonValue encodes v as a JSON text column. nil values are stored as NULL.
func jsonValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func decodeJSON(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func stringPtr(col sql.NullString) *string {
	if !col.Valid {
		return nil
	}
	s := col.String
	return &s
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// Task operations

const taskColumns = `id, project_id, org_id, session_id, input, output, metadata, flag, events,
	test_id, sentiment, language, last_eval, evaluation_source, created_at`

func taskArgs(t *models.Task) ([]interface{}, error) {
	metadata, err := jsonValue(t.Metadata)
	if err != nil {
		return nil, err
	}
	events := t.Events
	if events == nil {
		events = []models.Event{}
	}
	eventsJSON, err := jsonValue(events)
	if err != nil {
		return nil, err
	}
	sentiment, err := jsonValue(t.Sentiment)
	if err != nil {
		return nil, err
	}
	lastEval, err := jsonValue(t.LastEval)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		t.ID, t.ProjectID, t.OrgID, nullString(t.SessionID), t.Input, nullString(t.Output),
		metadata, nullString(t.Flag), eventsJSON, nullString(t.TestID), sentiment,
		nullString(t.Language), lastEval, t.EvaluationSource, utc(t.CreatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t                                         models.Task
		sessionID, output, flag, testID, language sql.NullString
		metadata, events, sentiment, lastEval     sql.NullString
		orgID, evaluationSource                   sql.NullString
	)
	err := row.Scan(&t.ID, &t.ProjectID, &orgID, &sessionID, &t.Input, &output, &metadata,
		&flag, &events, &testID, &sentiment, &language, &lastEval, &evaluationSource, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.OrgID = orgID.String
	t.SessionID = stringPtr(sessionID)
	t.Output = stringPtr(output)
	t.Flag = stringPtr(flag)
	t.TestID = stringPtr(testID)
	t.Language = stringPtr(language)
	t.EvaluationSource = evaluationSource.String
	t.CreatedAt = t.CreatedAt.UTC()
	if err := decodeJSON(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("task %s metadata: %w", t.ID, err)
	}
	if err := decodeJSON(events, &t.Events); err != nil {
		return nil, fmt.Errorf("task %s events: %w", t.ID, err)
	}
	if err := decodeJSON(sentiment, &t.Sentiment); err != nil {
		return nil, fmt.Errorf("task %s sentiment: %w", t.ID, err)
	}
	if err := decodeJSON(lastEval, &t.LastEval); err != nil {
		return nil, fmt.Errorf("task %s last_eval: %w", t.ID, err)
	}
	return &t, nil
}

// CreateTask inserts a new task
func (s *sqlStore) CreateTask(ctx context.Context, task *models.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// UpsertTask inserts or replaces the logged fields of a task. Pipeline
// outputs already stored (events, flag, sentiment) survive when the incoming
// task does not carry them.
func (s *sqlStore) UpsertTask(ctx context.Context, task *models.Task) error {
	args, err := taskArgs(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			project_id = excluded.project_id,
			org_id = excluded.org_id,
			session_id = excluded.session_id,
			input = excluded.input,
			output = excluded.output,
			metadata = excluded.metadata,
			flag = COALESCE(excluded.flag, tasks.flag),
			test_id = excluded.test_id`, args...)
	if err != nil {
		return fmt.Errorf("failed to upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *sqlStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t, nil
}

// GetPreviousTasks returns the earlier tasks of the task's session, oldest first
func (s *sqlStore) GetPreviousTasks(ctx context.Context, task *models.Task) ([]*models.Task, error) {
	if task.SessionID == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ? AND id <> ? AND created_at < ?
		ORDER BY created_at ASC`), *task.SessionID, task.ID, utc(task.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to list session tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// updateTaskEvents runs fn on the locked event list of a task and writes
// the list back when fn reports a change
func (s *sqlStore) updateTaskEvents(ctx context.Context, taskID string, fn func(events []models.Event) ([]models.Event, bool)) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var col sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT events FROM tasks WHERE id = ?`+s.d.forUpdate), taskID).Scan(&col)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read task events: %w", err)
		}
		var events []models.Event
		if err := decodeJSON(col, &events); err != nil {
			return fmt.Errorf("failed to decode task events: %w", err)
		}

		updated, changed := fn(events)
		if !changed {
			return nil
		}
		if updated == nil {
			updated = []models.Event{}
		}
		data, err := jsonValue(updated)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET events = ? WHERE id = ?`), data, taskID); err != nil {
			return fmt.Errorf("failed to write task events: %w", err)
		}
		return nil
	})
}

// AddTaskEvent attaches event unless one with the same name is attached
func (s *sqlStore) AddTaskEvent(ctx context.Context, taskID string, event models.Event) (bool, *models.Event, error) {
	var existing *models.Event
	added := false
	err := s.updateTaskEvents(ctx, taskID, func(events []models.Event) ([]models.Event, bool) {
		for i := range events {
			if events[i].EventName == event.EventName {
				e := events[i]
				existing = &e
				return events, false
			}
		}
		added = true
		return append(events, event), true
	})
	if err != nil {
		return false, nil, err
	}
	return added, existing, nil
}

// RemoveTaskEvent detaches the named event
func (s *sqlStore) RemoveTaskEvent(ctx context.Context, taskID, eventName string) (bool, error) {
	removed := false
	err := s.updateTaskEvents(ctx, taskID, func(events []models.Event) ([]models.Event, bool) {
		kept := events[:0]
		for _, e := range events {
			if e.EventName == eventName {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		return kept, removed
	})
	return removed, err
}

// SetTaskFlagIfUnset writes the verdict with a conditional update
func (s *sqlStore) SetTaskFlagIfUnset(ctx context.Context, taskID, flag string, eval *models.Eval, source string) (bool, error) {
	lastEval, err := jsonValue(eval)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `UPDATE tasks SET flag = ?, last_eval = ?, evaluation_source = ?
		WHERE id = ? AND flag IS NULL`, flag, lastEval, source, taskID)
	if err != nil {
		return false, fmt.Errorf("failed to set task flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return false, err
	}
	return false, nil
}

// SetTaskSentiment stores the sentiment and language of a task and mirrors
// them into its metadata
func (s *sqlStore) SetTaskSentiment(ctx context.Context, taskID string, sentiment models.SentimentObject, language *string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var col sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT metadata FROM tasks WHERE id = ?`+s.d.forUpdate), taskID).Scan(&col)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read task metadata: %w", err)
		}
		metadata := map[string]interface{}{}
		if err := decodeJSON(col, &metadata); err != nil {
			return err
		}
		if metadata == nil {
			metadata = map[string]interface{}{}
		}
		for k, v := range sentimentMetadata(sentiment, language) {
			metadata[k] = v
		}
		metaJSON, err := jsonValue(metadata)
		if err != nil {
			return err
		}
		sentJSON, err := jsonValue(sentiment)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE tasks SET sentiment = ?, language = ?, metadata = ? WHERE id = ?`),
			sentJSON, nullString(language), metaJSON, taskID)
		if err != nil {
			return fmt.Errorf("failed to write task sentiment: %w", err)
		}
		return nil
	})
}

// Event operations

const eventColumns = `id, event_name, task_id, session_id, project_id, org_id, source, webhook,
	event_definition, score_range, messages, job_id, recipe_id, removed, created_at`

func eventArgs(e *models.Event) ([]interface{}, error) {
	def, err := jsonValue(e.EventDefinition)
	if err != nil {
		return nil, err
	}
	scoreRange, err := jsonValue(e.ScoreRange)
	if err != nil {
		return nil, err
	}
	messages, err := jsonValue(e.Messages)
	if err != nil {
		return nil, err
	}
	return []interface{}{
		e.ID, e.EventName, nullString(e.TaskID), nullString(e.SessionID), e.ProjectID, e.OrgID,
		e.Source, nullString(e.Webhook), def, scoreRange, messages, e.JobID, e.RecipeID,
		e.Removed, utc(e.CreatedAt),
	}, nil
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		e                          models.Event
		taskID, sessionID, webhook sql.NullString
		orgID, jobID, recipeID     sql.NullString
		def, scoreRange, messages  sql.NullString
	)
	err := row.Scan(&e.ID, &e.EventName, &taskID, &sessionID, &e.ProjectID, &orgID, &e.Source,
		&webhook, &def, &scoreRange, &messages, &jobID, &recipeID, &e.Removed, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.TaskID = stringPtr(taskID)
	e.SessionID = stringPtr(sessionID)
	e.Webhook = stringPtr(webhook)
	e.OrgID = orgID.String
	e.JobID = jobID.String
	e.RecipeID = recipeID.String
	e.CreatedAt = e.CreatedAt.UTC()
	if err := decodeJSON(def, &e.EventDefinition); err != nil {
		return nil, err
	}
	if err := decodeJSON(scoreRange, &e.ScoreRange); err != nil {
		return nil, err
	}
	if err := decodeJSON(messages, &e.Messages); err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertEvent stores an event record
func (s *sqlStore) InsertEvent(ctx context.Context, event *models.Event) error {
	args, err := eventArgs(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := s.exec(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// InsertEvents stores several event records in one transaction
func (s *sqlStore) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO events (`+eventColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return fmt.Errorf("failed to prepare event insert: %w", err)
		}
		defer stmt.Close()
		for i := range events {
			args, err := eventArgs(&events[i])
			if err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("failed to insert event %s: %w", events[i].EventName, err)
			}
		}
		return nil
	})
}

// GetEvent returns the stored event of a task by name
func (s *sqlStore) GetEvent(ctx context.Context, taskID, eventName string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM events
		WHERE task_id = ? AND event_name = ? ORDER BY created_at ASC LIMIT 1`), taskID, eventName)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// DeleteEvent removes the stored events of a task with this name
func (s *sqlStore) DeleteEvent(ctx context.Context, taskID, eventName string) error {
	if _, err := s.exec(ctx, `DELETE FROM events WHERE task_id = ? AND event_name = ?`, taskID, eventName); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// ListEvents returns the stored events of a project
func (s *sqlStore) ListEvents(ctx context.Context, projectID string) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+eventColumns+` FROM events
		WHERE project_id = ? ORDER BY created_at ASC`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Eval operations

// InsertEval stores an eval record
func (s *sqlStore) InsertEval(ctx context.Context, eval *models.Eval) error {
	_, err := s.exec(ctx, `INSERT INTO evals (id, project_id, org_id, session_id, task_id, value, source, notes, test_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eval.ID, eval.ProjectID, eval.OrgID, nullString(eval.SessionID), eval.TaskID, eval.Value,
		eval.Source, nullString(eval.Notes), nullString(eval.TestID), utc(eval.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert eval: %w", err)
	}
	return nil
}

// ListEvalExamples joins the most recent matching evals with their tasks
func (s *sqlStore) ListEvalExamples(ctx context.Context, q EvalExampleQuery) ([]models.FewShotExample, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	query := `SELECT t.input, t.output, e.value FROM evals e
		JOIN tasks t ON t.id = e.task_id
		WHERE e.project_id = ? AND e.value = ?`
	args := []interface{}{q.ProjectID, q.Value}
	if len(q.ExcludeSources) > 0 {
		query += ` AND e.source NOT IN (?` + strings.Repeat(", ?", len(q.ExcludeSources)-1) + `)`
		for _, src := range q.ExcludeSources {
			args = append(args, src)
		}
	}
	query += ` ORDER BY e.created_at DESC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list eval examples: %w", err)
	}
	defer rows.Close()

	var examples []models.FewShotExample
	for rows.Next() {
		var ex models.FewShotExample
		var output sql.NullString
		if err := rows.Scan(&ex.Input, &output, &ex.Flag); err != nil {
			return nil, err
		}
		ex.Output = stringPtr(output)
		examples = append(examples, ex)
	}
	return examples, rows.Err()
}

// Audit log

// InsertJobResult stores a job result
func (s *sqlStore) InsertJobResult(ctx context.Context, r *models.JobResult) error {
	value, err := jsonValue(r.Value)
	if err != nil {
		return fmt.Errorf("failed to encode job result value: %w", err)
	}
	metadata, err := jsonValue(r.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode job result metadata: %w", err)
	}
	jobMetadata, err := jsonValue(r.JobMetadata)
	if err != nil {
		return fmt.Errorf("failed to encode job metadata: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO job_results (id, job_id, message_id, task_id, org_id, project_id,
		value, result_type, metadata, job_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.MessageID, r.TaskID, r.OrgID, r.ProjectID, value, string(r.ResultType),
		metadata, jobMetadata, utc(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job result: %w", err)
	}
	return nil
}

// ListJobResults returns the job results recorded for a task
func (s *sqlStore) ListJobResults(ctx context.Context, taskID string) ([]models.JobResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, job_id, message_id, task_id, org_id, project_id,
		value, result_type, metadata, job_metadata, created_at
		FROM job_results WHERE task_id = ? ORDER BY created_at ASC`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list job results: %w", err)
	}
	defer rows.Close()

	var results []models.JobResult
	for rows.Next() {
		var (
			r                                       models.JobResult
			messageID, orgID, projectID, resultType sql.NullString
			value, metadata, jobMetadata            sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobID, &messageID, &r.TaskID, &orgID, &projectID,
			&value, &resultType, &metadata, &jobMetadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.MessageID = messageID.String
		r.OrgID = orgID.String
		r.ProjectID = projectID.String
		r.ResultType = models.ResultType(resultType.String)
		if err := decodeJSON(value, &r.Value); err != nil {
			return nil, err
		}
		if err := decodeJSON(metadata, &r.Metadata); err != nil {
			return nil, err
		}
		if err := decodeJSON(jobMetadata, &r.JobMetadata); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// InsertLlmCall stores an LLM call record
func (s *sqlStore) InsertLlmCall(ctx context.Context, c *models.LlmCall) error {
	_, err := s.exec(ctx, `INSERT INTO llm_calls (id, org_id, project_id, task_id, recipe_id, job_id, model, prompt, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrgID, c.ProjectID, c.TaskID, c.RecipeID, c.JobID, c.Model, c.Prompt, c.Output, utc(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert llm call: %w", err)
	}
	return nil
}

// Project operations

// CreateProject inserts or replaces a project
func (s *sqlStore) CreateProject(ctx context.Context, p *models.Project) error {
	settings, err := jsonValue(p.Settings)
	if err != nil {
		return fmt.Errorf("failed to encode project settings: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO projects (id, org_id, name, settings) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET org_id = excluded.org_id, name = excluded.name, settings = excluded.settings`,
		p.ID, p.OrgID, p.Name, settings)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *sqlStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var (
		p        models.Project
		name     sql.NullString
		settings sql.NullString
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id, org_id, name, settings FROM projects WHERE id = ?`), id).
		Scan(&p.ID, &p.OrgID, &name, &settings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.Name = name.String
	if err := decodeJSON(settings, &p.Settings); err != nil {
		return nil, fmt.Errorf("project %s settings: %w", id, err)
	}
	return &p, nil
}

// InitSentimentThresholds fills in the missing thresholds of a project
func (s *sqlStore) InitSentimentThresholds(ctx context.Context, projectID string, score, magnitude float64) (models.SentimentThreshold, error) {
	var effective models.SentimentThreshold
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var col sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT settings FROM projects WHERE id = ?`+s.d.forUpdate), projectID).Scan(&col)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrProjectNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read project settings: %w", err)
		}
		var settings *models.ProjectSettings
		if err := decodeJSON(col, &settings); err != nil {
			return err
		}
		if settings == nil {
			settings = &models.ProjectSettings{}
		}
		th := settings.SentimentThreshold
		if th != nil && th.Score != nil && th.Magnitude != nil {
			effective = *th
			return nil
		}
		settings.SentimentThreshold = fillThresholds(th, score, magnitude)
		effective = *settings.SentimentThreshold

		data, err := jsonValue(settings)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE projects SET settings = ? WHERE id = ?`), data, projectID)
		return err
	})
	return effective, err
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", s.d.name, err)
	}
	return nil
}
