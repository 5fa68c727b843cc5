package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

const entryColumns = `id, user_id, project_id, work_date, duration_minutes, is_billable, notes, is_manual, is_skipped, origin_id`

type entryRow struct {
	ID              int64          `db:"id"`
	UserID          string         `db:"user_id"`
	ProjectID       sql.NullInt64  `db:"project_id"`
	WorkDate        string         `db:"work_date"`
	DurationMinutes int64          `db:"duration_minutes"`
	IsBillable      bool           `db:"is_billable"`
	Notes           string         `db:"notes"`
	IsManual        bool           `db:"is_manual"`
	IsSkipped       bool           `db:"is_skipped"`
	OriginID        sql.NullString `db:"origin_id"`
}

func (r entryRow) toModel() model.TimesheetEntry {
	e := model.TimesheetEntry{
		ID:              r.ID,
		UserID:          r.UserID,
		DurationMinutes: r.DurationMinutes,
		IsBillable:      r.IsBillable,
		Notes:           r.Notes,
		IsManual:        r.IsManual,
		IsSkipped:       r.IsSkipped,
	}
	e.Date, _ = timecalc.ParseDate(r.WorkDate)
	if r.ProjectID.Valid {
		id := r.ProjectID.Int64
		e.ProjectID = &id
	}
	if r.OriginID.Valid {
		origin := r.OriginID.String
		e.OriginID = &origin
	}
	return e
}

// EntryFilter narrows ListEntries.
type EntryFilter struct {
	UserID         string
	Range          *timecalc.Range
	ProjectIDs     []int64 // empty means any project, including none
	IncludeSkipped bool
}

// AddEntry inserts a timesheet entry and returns its id.
func (s *Store) AddEntry(ctx context.Context, e model.TimesheetEntry) (int64, error) {
	if err := checkDuration("add entry", e); err != nil {
		return 0, err
	}
	now := s.timestamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO timesheet_entries (user_id, project_id, work_date, duration_minutes, is_billable, notes, is_manual, is_skipped, origin_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UserID, e.ProjectID, timecalc.FormatDate(e.Date), e.DurationMinutes, e.IsBillable,
		e.Notes, e.IsManual, e.IsSkipped, e.OriginID, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("add entry: %w", err)
	}
	return res.LastInsertId()
}

// GetEntry loads a single entry.
func (s *Store) GetEntry(ctx context.Context, id int64) (model.TimesheetEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `SELECT `+entryColumns+` FROM timesheet_entries WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimesheetEntry{}, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.TimesheetEntry{}, fmt.Errorf("get entry %d: %w", id, err)
	}
	return row.toModel(), nil
}

// UpdateEntry overwrites the mutable fields of an existing entry.
func (s *Store) UpdateEntry(ctx context.Context, e model.TimesheetEntry) error {
	if err := checkDuration(fmt.Sprintf("update entry %d", e.ID), e); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE timesheet_entries
		 SET project_id = ?, work_date = ?, duration_minutes = ?, is_billable = ?, notes = ?, is_skipped = ?, updated_at = ?
		 WHERE id = ?`,
		e.ProjectID, timecalc.FormatDate(e.Date), e.DurationMinutes, e.IsBillable, e.Notes, e.IsSkipped, s.timestamp(), e.ID,
	)
	if err != nil {
		return fmt.Errorf("update entry %d: %w", e.ID, err)
	}
	return expectOne(res, fmt.Sprintf("entry %d", e.ID))
}

// DeleteEntry removes an entry.
func (s *Store) DeleteEntry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timesheet_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry %d: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("entry %d", id))
}

// SetSkipped marks an entry as excluded from (or included in) external sync.
func (s *Store) SetSkipped(ctx context.Context, id int64, skipped bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timesheet_entries SET is_skipped = ?, updated_at = ? WHERE id = ?`,
		skipped, s.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("set skipped on entry %d: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("entry %d", id))
}

// UpsertResult reports what UpsertEntryByOrigin did.
type UpsertResult int

const (
	UpsertUnchanged UpsertResult = iota
	UpsertCreated
	UpsertUpdated
)

// UpsertEntryByOrigin inserts an imported entry, or updates the entry that was
// previously imported from the same origin. The skipped flag of an existing
// entry is preserved.
func (s *Store) UpsertEntryByOrigin(ctx context.Context, e model.TimesheetEntry) (UpsertResult, error) {
	if e.OriginID == nil || *e.OriginID == "" {
		return UpsertUnchanged, errors.New("upsert entry: origin id required")
	}
	if err := checkDuration("upsert entry", e); err != nil {
		return UpsertUnchanged, err
	}
	result := UpsertUnchanged
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var row entryRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+entryColumns+` FROM timesheet_entries WHERE user_id = ? AND origin_id = ?`,
			e.UserID, *e.OriginID)
		now := s.timestamp()
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO timesheet_entries (user_id, project_id, work_date, duration_minutes, is_billable, notes, is_manual, is_skipped, origin_id, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?)`,
				e.UserID, e.ProjectID, timecalc.FormatDate(e.Date), e.DurationMinutes, e.IsBillable, e.Notes, *e.OriginID, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert imported entry: %w", err)
			}
			result = UpsertCreated
			return nil
		}
		if err != nil {
			return fmt.Errorf("lookup imported entry: %w", err)
		}
		existing := row.toModel()
		if SameContent(existing, e) {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE timesheet_entries SET project_id = ?, work_date = ?, duration_minutes = ?, is_billable = ?, notes = ?, updated_at = ?
			 WHERE id = ?`,
			e.ProjectID, timecalc.FormatDate(e.Date), e.DurationMinutes, e.IsBillable, e.Notes, now, existing.ID,
		)
		if err != nil {
			return fmt.Errorf("update imported entry: %w", err)
		}
		result = UpsertUpdated
		return nil
	})
	return result, err
}

// EntryByOrigin returns the user's entry imported from originID or ErrNotFound.
func (s *Store) EntryByOrigin(ctx context.Context, userID, originID string) (model.TimesheetEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+entryColumns+` FROM timesheet_entries WHERE user_id = ? AND origin_id = ?`, userID, originID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimesheetEntry{}, fmt.Errorf("entry from %s: %w", originID, ErrNotFound)
	}
	if err != nil {
		return model.TimesheetEntry{}, fmt.Errorf("get entry from %s: %w", originID, err)
	}
	return row.toModel(), nil
}

// SameContent reports whether two entries agree on everything an import can
// change.
func SameContent(a, b model.TimesheetEntry) bool {
	sameProject := (a.ProjectID == nil && b.ProjectID == nil) ||
		(a.ProjectID != nil && b.ProjectID != nil && *a.ProjectID == *b.ProjectID)
	return sameProject &&
		timecalc.SameDay(a.Date, b.Date) &&
		a.DurationMinutes == b.DurationMinutes &&
		a.IsBillable == b.IsBillable &&
		a.Notes == b.Notes
}

// ListEntries returns entries matching f ordered by date, then id.
func (s *Store) ListEntries(ctx context.Context, f EntryFilter) ([]model.TimesheetEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Range != nil {
		where = append(where, "work_date >= ? AND work_date <= ?")
		args = append(args, timecalc.FormatDate(f.Range.From), timecalc.FormatDate(f.Range.To))
	}
	if len(f.ProjectIDs) > 0 {
		q, inArgs, err := sqlx.In("project_id IN (?)", f.ProjectIDs)
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		where = append(where, q)
		args = append(args, inArgs...)
	}
	if !f.IncludeSkipped {
		where = append(where, "is_skipped = 0")
	}

	query := `SELECT ` + entryColumns + ` FROM timesheet_entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY work_date, id"

	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	entries := make([]model.TimesheetEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toModel())
	}
	return entries, nil
}

// ListEligibleEntries returns the entries a sync run may push: the user's
// non-skipped entries inside r whose project is one of projectIDs.
func (s *Store) ListEligibleEntries(ctx context.Context, userID string, r timecalc.Range, projectIDs []int64) ([]model.TimesheetEntry, error) {
	if len(projectIDs) == 0 {
		return nil, nil
	}
	return s.ListEntries(ctx, EntryFilter{UserID: userID, Range: &r, ProjectIDs: projectIDs})
}

// checkDuration rejects negative durations, which would bill negative hours.
func checkDuration(op string, e model.TimesheetEntry) error {
	if e.DurationMinutes < 0 {
		return fmt.Errorf("%s: negative duration %d", op, e.DurationMinutes)
	}
	return nil
}

func expectOne(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
