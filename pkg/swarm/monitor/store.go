// Package monitor polls delegated tasks for checkpoints, counts misses,
// and persists checkpoint history for resume.
package monitor

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/corral-run/corral/pkg/contracts"
)

// CheckpointStore persists checkpoints in SQLite so a restarted originator
// can resume monitoring where it left off.
type CheckpointStore struct {
	db *sql.DB
}

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	task_id      TEXT    NOT NULL,
	node_id      TEXT    NOT NULL,
	state        TEXT    NOT NULL,
	progress_pct REAL    NOT NULL DEFAULT 0,
	detail       TEXT    NOT NULL DEFAULT '',
	recorded_at  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_task ON checkpoints(task_id, recorded_at);
`

// OpenCheckpointStore opens (and migrates) the store at path.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	if _, err := db.Exec(checkpointSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint store: migrate: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Record appends one checkpoint.
func (s *CheckpointStore) Record(cp contracts.Checkpoint) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (task_id, node_id, state, progress_pct, detail, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.TaskID, cp.NodeID, string(cp.State), cp.ProgressPct, cp.Detail,
		cp.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("checkpoint store: record: %w", err)
	}
	return nil
}

// List returns a task's checkpoints in record order.
func (s *CheckpointStore) List(taskID string) ([]contracts.Checkpoint, error) {
	rows, err := s.db.Query(
		`SELECT task_id, node_id, state, progress_pct, detail, recorded_at
		 FROM checkpoints WHERE task_id = ? ORDER BY recorded_at, rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: list: %w", err)
	}
	defer rows.Close()

	var out []contracts.Checkpoint
	for rows.Next() {
		var cp contracts.Checkpoint
		var state, recordedAt string
		if err := rows.Scan(&cp.TaskID, &cp.NodeID, &state, &cp.ProgressPct, &cp.Detail, &recordedAt); err != nil {
			return nil, fmt.Errorf("checkpoint store: scan: %w", err)
		}
		cp.State = contracts.TaskState(state)
		if ts, err := time.Parse(time.RFC3339Nano, recordedAt); err == nil {
			cp.RecordedAt = ts
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// Latest returns a task's most recent checkpoint.
func (s *CheckpointStore) Latest(taskID string) (contracts.Checkpoint, bool, error) {
	cps, err := s.List(taskID)
	if err != nil || len(cps) == 0 {
		return contracts.Checkpoint{}, false, err
	}
	return cps[len(cps)-1], true, nil
}

// Close releases the database handle.
func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
