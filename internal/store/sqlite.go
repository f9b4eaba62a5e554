// Package store backs the engine's external collaborators with SQLite:
// the config store, run status and signals, the instance-id sequence and
// the emitted token batches.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"tokenflow/internal/config"
	"tokenflow/internal/token"
	"tokenflow/internal/workflow"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS workflow_schedules (
  workflow TEXT PRIMARY KEY,
  record TEXT NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS workflow_jobs (
  workflow TEXT NOT NULL,
  job TEXT NOT NULL,
  record TEXT NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (workflow, job)
);
CREATE TABLE IF NOT EXISTS instance_seq (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS run_status (
  workflow TEXT NOT NULL,
  instance TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('RUNNING','SUCCESS','FAILURE','UNKNOWN')),
  updated_seq INTEGER NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (workflow, instance)
);
CREATE INDEX IF NOT EXISTS idx_run_status_workflow ON run_status(workflow, status);
CREATE TABLE IF NOT EXISTS signals (
  workflow TEXT NOT NULL,
  instance TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('ABORT','DRAIN','EXIT')),
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (workflow, instance, kind)
);
CREATE TABLE IF NOT EXISTS tokens (
  name TEXT PRIMARY KEY,
  data BLOB NOT NULL,
  owner TEXT,
  expiration_time INTEGER,
  priority REAL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tokens_created ON tokens(created_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the SQLite-backed implementation of the config store, the
// status-query and signaling collaborators, the instance-id allocator and
// the token store.
type Store struct{ db *sql.DB }

// New wraps an open SQLite database.
func New(db *sql.DB) *Store { return &Store{db: db} }

// --- config store ---

// PutScheduleConfig validates and upserts a schedule record.
func (s *Store) PutScheduleConfig(ctx context.Context, record []byte) (*config.ScheduleConfig, error) {
	c, err := config.ScheduleFromJSON(record)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_schedules (workflow, record, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(workflow) DO UPDATE SET record=excluded.record, updated_at=CURRENT_TIMESTAMP
`, c.Workflow, string(record))
	return c, err
}

// PutJobConfig validates and upserts a job record.
func (s *Store) PutJobConfig(ctx context.Context, record []byte) (*config.JobConfig, error) {
	c, err := config.JobFromJSON(record)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_jobs (workflow, job, record, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(workflow, job) DO UPDATE SET record=excluded.record, updated_at=CURRENT_TIMESTAMP
`, c.Workflow, c.Job, string(record))
	return c, err
}

// DeleteJobConfig removes a job record.
func (s *Store) DeleteJobConfig(ctx context.Context, workflowName, jobName string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM workflow_jobs WHERE workflow=? AND job=?", workflowName, jobName)
	return err
}

// JobNames lists the job names configured for a workflow.
func (s *Store) JobNames(ctx context.Context, workflowName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT job FROM workflow_jobs WHERE workflow=? ORDER BY job", workflowName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Job fetches and validates one job record. A missing record is nil, not
// an error.
func (s *Store) Job(ctx context.Context, workflowName, jobName string) (*config.JobConfig, error) {
	row := s.db.QueryRowContext(ctx, "SELECT record FROM workflow_jobs WHERE workflow=? AND job=?", workflowName, jobName)
	var record string
	if err := row.Scan(&record); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return config.JobFromJSON([]byte(record))
}

// Schedule fetches and validates a workflow's schedule record. A missing
// record is nil, not an error.
func (s *Store) Schedule(ctx context.Context, workflowName string) (*config.ScheduleConfig, error) {
	row := s.db.QueryRowContext(ctx, "SELECT record FROM workflow_schedules WHERE workflow=?", workflowName)
	var record string
	if err := row.Scan(&record); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return config.ScheduleFromJSON([]byte(record))
}

// WorkflowNames enumerates every workflow that has a schedule or at least
// one job configured.
func (s *Store) WorkflowNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT workflow FROM workflow_schedules
UNION
SELECT DISTINCT workflow FROM workflow_jobs
ORDER BY workflow`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- instance-id allocator ---

// Next allocates a globally unique, monotonically increasing instance id.
func (s *Store) Next(ctx context.Context) (string, error) {
	res, err := s.db.ExecContext(ctx, "INSERT INTO instance_seq DEFAULT VALUES")
	if err != nil {
		return "", err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", id), nil
}

// --- status-query collaborator ---

// SetInstanceStatus records the status of one workflow instance. The
// execution tier calls this as instances progress.
func (s *Store) SetInstanceStatus(ctx context.Context, workflowName, instance string, status workflow.Status) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_status (workflow, instance, status, updated_seq, updated_at)
VALUES (?, ?, ?, (SELECT IFNULL(MAX(updated_seq), 0)+1 FROM run_status), CURRENT_TIMESTAMP)
ON CONFLICT(workflow, instance) DO UPDATE SET
  status=excluded.status, updated_seq=excluded.updated_seq, updated_at=CURRENT_TIMESTAMP
`, workflowName, instance, string(status))
	return err
}

// RunningInstances lists the instances of a workflow currently RUNNING.
func (s *Store) RunningInstances(ctx context.Context, workflowName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT instance FROM run_status WHERE workflow=? AND status='RUNNING' ORDER BY instance", workflowName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []string
	for rows.Next() {
		var instance string
		if err := rows.Scan(&instance); err != nil {
			return nil, err
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

// WorkflowStatus reports the aggregate workflow status: RUNNING while any
// instance runs, otherwise the most recently updated instance status,
// UNKNOWN when the workflow has never run.
func (s *Store) WorkflowStatus(ctx context.Context, workflowName string) (workflow.Status, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT status FROM run_status WHERE workflow=?
ORDER BY status='RUNNING' DESC, updated_seq DESC LIMIT 1`, workflowName)
	var status string
	if err := row.Scan(&status); err == sql.ErrNoRows {
		return workflow.StatusUnknown, nil
	} else if err != nil {
		return "", err
	}
	return workflow.Status(status), nil
}

// InstanceStatus reports the status of one instance.
func (s *Store) InstanceStatus(ctx context.Context, workflowName, instance string) (workflow.Status, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT status FROM run_status WHERE workflow=? AND instance=?", workflowName, instance)
	var status string
	if err := row.Scan(&status); err == sql.ErrNoRows {
		return workflow.StatusUnknown, nil
	} else if err != nil {
		return "", err
	}
	return workflow.Status(status), nil
}

// --- signaling collaborator ---

// SetSignal records a control signal for a workflow instance. Setting an
// already-set signal is a no-op.
func (s *Store) SetSignal(ctx context.Context, workflowName, instance string, kind workflow.Signal) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO signals (workflow, instance, kind) VALUES (?, ?, ?)
ON CONFLICT(workflow, instance, kind) DO NOTHING
`, workflowName, instance, string(kind))
	return err
}

// IsSignalSet reports whether a signal has been recorded.
func (s *Store) IsSignalSet(ctx context.Context, workflowName, instance string, kind workflow.Signal) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM signals WHERE workflow=? AND instance=? AND kind=?", workflowName, instance, string(kind))
	var one int
	if err := row.Scan(&one); err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// --- token store ---

// SaveTokens writes a token batch in one transaction. Addresses are
// upserted: a re-emitted schedule token supersedes its predecessor.
func (s *Store) SaveTokens(ctx context.Context, tokens []token.Token) error {
	if len(tokens) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range tokens {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tokens (name, data, owner, expiration_time, priority, created_at)
VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(name) DO UPDATE SET data=excluded.data, owner=excluded.owner,
  expiration_time=excluded.expiration_time, priority=excluded.priority, created_at=CURRENT_TIMESTAMP
`, t.Name, t.Data, nullString(t.Owner), nullInt(t.ExpirationTime), t.Priority); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Token fetches one token by address.
func (s *Store) Token(ctx context.Context, name string) (*token.Token, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT name, data, owner, expiration_time, priority FROM tokens WHERE name=?", name)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return t, nil
}

// RecentTokens lists the most recently written tokens.
func (s *Store) RecentTokens(ctx context.Context, limit int) ([]token.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, data, owner, expiration_time, priority FROM tokens ORDER BY created_at DESC, name LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []token.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

type scanner interface{ Scan(dest ...any) error }

func scanToken(row scanner) (*token.Token, error) {
	var t token.Token
	var owner sql.NullString
	var expiration sql.NullInt64
	if err := row.Scan(&t.Name, &t.Data, &owner, &expiration, &t.Priority); err != nil {
		return nil, err
	}
	if owner.Valid {
		t.Owner = owner.String
	}
	if expiration.Valid {
		t.ExpirationTime = expiration.Int64
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}
