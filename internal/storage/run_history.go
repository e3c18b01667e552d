package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// RunStatus represents the state of one task run record
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is one audited execution of a task
type RunRecord struct {
	ID          string         `json:"id"`
	TaskName    string         `json:"task_name"`
	Status      RunStatus      `json:"status"`
	RowCounts   map[string]int `json:"row_counts,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Duration    time.Duration  `json:"duration,omitempty"`
}

// RunHistory defines the interface for run-history storage
type RunHistory interface {
	// Record stores a newly started run
	Record(ctx context.Context, run *RunRecord) error

	// Finish updates a run with its final status and counts
	Finish(ctx context.Context, run *RunRecord) error

	// List retrieves the most recent runs for a task (all tasks when
	// taskName is empty)
	List(ctx context.Context, taskName string, limit int) ([]*RunRecord, error)

	// DeleteBefore deletes records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) error

	// Close releases the underlying store
	Close() error
}

// SQLiteRunHistory implements RunHistory using SQLite
type SQLiteRunHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteRunHistory opens (creating if needed) the run-history
// database at dbPath
func NewSQLiteRunHistory(logger *zap.Logger, dbPath string) (*SQLiteRunHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteRunHistory{
		logger: logger.Named("run-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteRunHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_history (
			id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			status TEXT NOT NULL,
			row_counts TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_run_history_task_name ON run_history(task_name);
		CREATE INDEX IF NOT EXISTS idx_run_history_status ON run_history(status);
		CREATE INDEX IF NOT EXISTS idx_run_history_started_at ON run_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Record implements RunHistory.Record
func (s *SQLiteRunHistory) Record(ctx context.Context, run *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (
			id, task_name, status, started_at
		) VALUES (?, ?, ?, ?)`,
		run.ID,
		run.TaskName,
		run.Status,
		run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store run record: %w", err)
	}
	return nil
}

// Finish implements RunHistory.Finish
func (s *SQLiteRunHistory) Finish(ctx context.Context, run *RunRecord) error {
	var countsStr string
	if len(run.RowCounts) > 0 {
		raw, err := json.Marshal(run.RowCounts)
		if err != nil {
			return fmt.Errorf("failed to encode row counts: %w", err)
		}
		countsStr = string(raw)
	}

	var completedAt sql.NullTime
	if run.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *run.CompletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE run_history SET
			status = ?,
			row_counts = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		run.Status,
		sql.NullString{String: countsStr, Valid: countsStr != ""},
		sql.NullString{String: run.Error, Valid: run.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(run.Duration), Valid: run.Duration != 0},
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	return nil
}

// List implements RunHistory.List
func (s *SQLiteRunHistory) List(ctx context.Context, taskName string, limit int) ([]*RunRecord, error) {
	query := "SELECT id, task_name, status, row_counts, error, started_at, completed_at, duration FROM run_history"
	args := make([]interface{}, 0, 2)
	if taskName != "" {
		query += " WHERE task_name = ?"
		args = append(args, taskName)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run history: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		record := &RunRecord{}
		var counts, errorStr sql.NullString
		var completedAt sql.NullTime
		var durationNanos sql.NullInt64

		err := rows.Scan(
			&record.ID,
			&record.TaskName,
			&record.Status,
			&counts,
			&errorStr,
			&record.StartedAt,
			&completedAt,
			&durationNanos,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}

		if counts.Valid && counts.String != "" {
			if err := json.Unmarshal([]byte(counts.String), &record.RowCounts); err != nil {
				return nil, fmt.Errorf("failed to decode row counts: %w", err)
			}
		}
		if errorStr.Valid {
			record.Error = errorStr.String
		}
		if completedAt.Valid {
			record.CompletedAt = &completedAt.Time
		}
		if durationNanos.Valid {
			record.Duration = time.Duration(durationNanos.Int64)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// DeleteBefore implements RunHistory.DeleteBefore
func (s *SQLiteRunHistory) DeleteBefore(ctx context.Context, before time.Time) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM run_history WHERE started_at < ?", before)
	if err != nil {
		return fmt.Errorf("failed to delete run history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old run records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))
	return nil
}

// Close closes the database connection
func (s *SQLiteRunHistory) Close() error {
	return s.db.Close()
}
