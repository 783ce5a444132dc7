package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// _txlock=immediate takes the write lock at BEGIN, which makes the
	// read-modify-write transactions of the store atomic
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate&_foreign_keys=on", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore: &sqlStore{db: db, d: dialect{name: "sqlite"}}}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL DEFAULT '',
		name TEXT,
		settings TEXT
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		org_id TEXT,
		session_id TEXT,
		input TEXT NOT NULL,
		output TEXT,
		metadata TEXT,
		flag TEXT,
		events TEXT NOT NULL DEFAULT '[]',
		test_id TEXT,
		sentiment TEXT,
		language TEXT,
		last_eval TEXT,
		evaluation_source TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, created_at);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		event_name TEXT NOT NULL,
		task_id TEXT,
		session_id TEXT,
		project_id TEXT NOT NULL,
		org_id TEXT,
		source TEXT NOT NULL,
		webhook TEXT,
		event_definition TEXT,
		score_range TEXT,
		messages TEXT,
		job_id TEXT,
		recipe_id TEXT,
		removed BOOLEAN NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, event_name);
	CREATE INDEX IF NOT EXISTS idx_events_project ON events(project_id);

	CREATE TABLE IF NOT EXISTS evals (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		org_id TEXT,
		session_id TEXT,
		task_id TEXT NOT NULL,
		value TEXT NOT NULL,
		source TEXT NOT NULL,
		notes TEXT,
		test_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evals_examples ON evals(project_id, value, created_at);

	CREATE TABLE IF NOT EXISTS job_results (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		message_id TEXT,
		task_id TEXT,
		org_id TEXT,
		project_id TEXT,
		value TEXT,
		result_type TEXT NOT NULL,
		metadata TEXT,
		job_metadata TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_results_task ON job_results(task_id);

	CREATE TABLE IF NOT EXISTS llm_calls (
		id TEXT PRIMARY KEY,
		org_id TEXT,
		project_id TEXT,
		task_id TEXT,
		recipe_id TEXT,
		job_id TEXT,
		model TEXT,
		prompt TEXT,
		output TEXT,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}
