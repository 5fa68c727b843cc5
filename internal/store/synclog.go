package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
)

type syncLogRow struct {
	ID           int64          `db:"id"`
	RunID        string         `db:"run_id"`
	UserID       string         `db:"user_id"`
	ConnectionID sql.NullInt64  `db:"connection_id"`
	StartedAt    string         `db:"started_at"`
	CompletedAt  sql.NullString `db:"completed_at"`
	Status       string         `db:"status"`
	Created      int            `db:"created"`
	Updated      int            `db:"updated"`
	Deleted      int            `db:"deleted"`
	Skipped      int            `db:"skipped"`
	Failed       int            `db:"failed"`
	ErrorText    string         `db:"error_text"`
}

func (r syncLogRow) toModel() model.SyncLog {
	l := model.SyncLog{
		ID:        r.ID,
		RunID:     r.RunID,
		UserID:    r.UserID,
		StartedAt: parseTimestamp(r.StartedAt),
		Status:    model.SyncStatus(r.Status),
		Created:   r.Created,
		Updated:   r.Updated,
		Deleted:   r.Deleted,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		ErrorText: r.ErrorText,
	}
	if r.ConnectionID.Valid {
		id := r.ConnectionID.Int64
		l.ConnectionID = &id
	}
	if r.CompletedAt.Valid {
		t := parseTimestamp(r.CompletedAt.String)
		l.CompletedAt = &t
	}
	return l
}

const syncLogColumns = `id, run_id, user_id, connection_id, started_at, completed_at, status,
	created, updated, deleted, skipped, failed, error_text`

// BeginRun writes a RUNNING log row for the user. The existence check and the
// insert are a single statement, and a partial unique index backs it up, so
// two processes cannot both start a run. Returns ErrSyncInProgress when a
// RUNNING row already exists.
func (s *Store) BeginRun(ctx context.Context, runID, userID string) (model.SyncLog, error) {
	started := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rm_sync_logs (run_id, user_id, started_at, status)
		 SELECT ?, ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM rm_sync_logs WHERE user_id = ? AND status = ?)`,
		runID, userID, started, model.SyncRunning, userID, model.SyncRunning,
	)
	if isUniqueViolation(err) {
		return model.SyncLog{}, ErrSyncInProgress
	}
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("begin sync run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("begin sync run: %w", err)
	}
	if n == 0 {
		return model.SyncLog{}, ErrSyncInProgress
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("begin sync run: %w", err)
	}
	return model.SyncLog{
		ID:        id,
		RunID:     runID,
		UserID:    userID,
		StartedAt: parseTimestamp(started),
		Status:    model.SyncRunning,
	}, nil
}

// AttachConnection records which connection a run is using.
func (s *Store) AttachConnection(ctx context.Context, logID, connectionID int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rm_sync_logs SET connection_id = ? WHERE id = ?`, connectionID, logID)
	if err != nil {
		return fmt.Errorf("attach connection to run %d: %w", logID, err)
	}
	return expectOne(res, fmt.Sprintf("sync log %d", logID))
}

// FinishRun moves a RUNNING row to its terminal status with final counts.
// Rows that are no longer RUNNING (e.g. force-failed by a recovery sweep) are
// left untouched and ErrNotFound is returned.
func (s *Store) FinishRun(ctx context.Context, logID int64, status model.SyncStatus, c model.SyncCounts, errText string) error {
	if status == model.SyncRunning {
		return errors.New("finish run: terminal status required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE rm_sync_logs
		 SET status = ?, completed_at = ?, created = ?, updated = ?, deleted = ?, skipped = ?, failed = ?, error_text = ?
		 WHERE id = ? AND status = ?`,
		status, s.timestamp(), c.Created, c.Updated, c.Deleted, c.Skipped, c.Failed, errText,
		logID, model.SyncRunning,
	)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", logID, err)
	}
	return expectOne(res, fmt.Sprintf("running sync log %d", logID))
}

// FailStaleRuns force-transitions RUNNING rows older than olderThan to FAILED.
// It returns the number of rows recovered.
func (s *Store) FailStaleRuns(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now().UTC()
	cutoff := now.Add(-olderThan).Format(tsLayout)
	res, err := s.db.ExecContext(ctx,
		`UPDATE rm_sync_logs
		 SET status = ?, completed_at = ?, error_text = ?
		 WHERE status = ? AND started_at < ?`,
		model.SyncFailed, now.Format(tsLayout), fmt.Sprintf("abandoned: exceeded %s", olderThan),
		model.SyncRunning, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale runs: %w", err)
	}
	return res.RowsAffected()
}

// RunningRun returns the user's RUNNING row or ErrNotFound.
func (s *Store) RunningRun(ctx context.Context, userID string) (model.SyncLog, error) {
	return s.getRun(ctx, `SELECT `+syncLogColumns+` FROM rm_sync_logs WHERE user_id = ? AND status = 'RUNNING'`, userID)
}

// LatestRun returns the user's most recent run or ErrNotFound.
func (s *Store) LatestRun(ctx context.Context, userID string) (model.SyncLog, error) {
	return s.getRun(ctx, `SELECT `+syncLogColumns+` FROM rm_sync_logs WHERE user_id = ? ORDER BY id DESC LIMIT 1`, userID)
}

// GetRun loads a run by its log id.
func (s *Store) GetRun(ctx context.Context, logID int64) (model.SyncLog, error) {
	return s.getRun(ctx, `SELECT `+syncLogColumns+` FROM rm_sync_logs WHERE id = ?`, logID)
}

func (s *Store) getRun(ctx context.Context, query string, arg any) (model.SyncLog, error) {
	var row syncLogRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncLog{}, fmt.Errorf("sync log: %w", ErrNotFound)
	}
	if err != nil {
		return model.SyncLog{}, fmt.Errorf("get sync log: %w", err)
	}
	return row.toModel(), nil
}

// ListRuns returns the user's runs, newest first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]model.SyncLog, error) {
	query := `SELECT ` + syncLogColumns + ` FROM rm_sync_logs WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []syncLogRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	out := make([]model.SyncLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}
