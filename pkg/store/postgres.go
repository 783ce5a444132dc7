package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	*sqlStore
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(config.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(config.MaxIdleConns, 5))
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore: &sqlStore{
		db: db,
		d:  dialect{name: "postgres", numbered: true, forUpdate: " FOR UPDATE"},
	}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL DEFAULT '',
		name TEXT,
		settings JSONB
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id VARCHAR(255) PRIMARY KEY,
		project_id VARCHAR(255) NOT NULL,
		org_id VARCHAR(255),
		session_id VARCHAR(255),
		input TEXT NOT NULL,
		output TEXT,
		metadata JSONB,
		flag VARCHAR(32),
		events JSONB NOT NULL DEFAULT '[]'::jsonb,
		test_id VARCHAR(255),
		sentiment JSONB,
		language VARCHAR(32),
		last_eval JSONB,
		evaluation_source VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, created_at);

	CREATE TABLE IF NOT EXISTS events (
		id VARCHAR(255) PRIMARY KEY,
		event_name TEXT NOT NULL,
		task_id VARCHAR(255),
		session_id VARCHAR(255),
		project_id VARCHAR(255) NOT NULL,
		org_id VARCHAR(255),
		source VARCHAR(255) NOT NULL,
		webhook TEXT,
		event_definition JSONB,
		score_range JSONB,
		messages JSONB,
		job_id VARCHAR(255),
		recipe_id VARCHAR(255),
		removed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, event_name);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id);

	CREATE TABLE IF NOT EXISTS evals (
		id VARCHAR(255) PRIMARY KEY,
		project_id VARCHAR(255) NOT NULL,
		org_id VARCHAR(255),
		session_id VARCHAR(255),
		task_id VARCHAR(255) NOT NULL,
		value VARCHAR(32) NOT NULL,
		source VARCHAR(255) NOT NULL,
		notes TEXT,
		test_id VARCHAR(255),
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evals_examples ON evals(project_id, value, created_at DESC);

	CREATE TABLE IF NOT EXISTS job_results (
		id VARCHAR(255) PRIMARY KEY,
		job_id TEXT NOT NULL,
		message_id VARCHAR(255),
		task_id VARCHAR(255),
		org_id VARCHAR(255),
		project_id VARCHAR(255),
		value JSONB,
		result_type VARCHAR(32) NOT NULL,
		metadata JSONB,
		job_metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_results_task ON job_results(task_id);

	CREATE TABLE IF NOT EXISTS llm_calls (
		id VARCHAR(255) PRIMARY KEY,
		org_id VARCHAR(255),
		project_id VARCHAR(255),
		task_id VARCHAR(255),
		recipe_id VARCHAR(255),
		job_id TEXT,
		model VARCHAR(255),
		prompt TEXT,
		output TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
