package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
	"github.com/Tiliavir/ttt-rmsync/internal/timecalc"
)

type syncedRow struct {
	ID              int64  `db:"id"`
	MappingID       int64  `db:"mapping_id"`
	ProjectID       int64  `db:"project_id"`
	RemoteEntryID   string `db:"remote_entry_id"`
	AggregationDate string `db:"aggregation_date"`
	LastSyncedHash  string `db:"last_synced_hash"`
	SyncVersion     int    `db:"sync_version"`
	CreatedAt       string `db:"created_at"`
	UpdatedAt       string `db:"updated_at"`
}

func (r syncedRow) toModel() model.SyncedEntry {
	se := model.SyncedEntry{
		ID:             r.ID,
		MappingID:      r.MappingID,
		ProjectID:      r.ProjectID,
		RemoteEntryID:  r.RemoteEntryID,
		LastSyncedHash: r.LastSyncedHash,
		SyncVersion:    r.SyncVersion,
		CreatedAt:      parseTimestamp(r.CreatedAt),
		UpdatedAt:      parseTimestamp(r.UpdatedAt),
	}
	se.AggregationDate, _ = timecalc.ParseDate(r.AggregationDate)
	return se
}

type componentRow struct {
	SyncedEntryID   int64  `db:"synced_entry_id"`
	EntryID         int64  `db:"entry_id"`
	DurationMinutes int64  `db:"duration_minutes"`
	IsBillable      bool   `db:"is_billable"`
	Notes           string `db:"notes"`
}

const syncedSelect = `SELECT s.id, s.mapping_id, m.project_id, s.remote_entry_id, s.aggregation_date,
	s.last_synced_hash, s.sync_version, s.created_at, s.updated_at
	FROM rm_synced_entries s JOIN rm_project_mappings m ON m.id = s.mapping_id`

// ListSyncedEntries returns the synced records of the given mappings whose
// aggregation date lies inside r.
func (s *Store) ListSyncedEntries(ctx context.Context, mappingIDs []int64, r timecalc.Range) ([]model.SyncedEntry, error) {
	if len(mappingIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(syncedSelect+
		` WHERE s.mapping_id IN (?) AND s.aggregation_date >= ? AND s.aggregation_date <= ?
		 ORDER BY s.aggregation_date, m.project_id`,
		mappingIDs, timecalc.FormatDate(r.From), timecalc.FormatDate(r.To))
	if err != nil {
		return nil, fmt.Errorf("list synced entries: %w", err)
	}
	var rows []syncedRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list synced entries: %w", err)
	}
	out := make([]model.SyncedEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toModel())
	}
	return out, nil
}

// GetSyncedEntry loads one synced record.
func (s *Store) GetSyncedEntry(ctx context.Context, id int64) (model.SyncedEntry, error) {
	var row syncedRow
	err := s.db.GetContext(ctx, &row, syncedSelect+` WHERE s.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SyncedEntry{}, fmt.Errorf("synced entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.SyncedEntry{}, fmt.Errorf("get synced entry %d: %w", id, err)
	}
	return row.toModel(), nil
}

// RecordCreated persists a newly pushed remote entry with sync version 1
// together with its junction rows, in one transaction.
func (s *Store) RecordCreated(ctx context.Context, se model.SyncedEntry, comps []model.SyncedEntryComponent) (int64, error) {
	var id int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO rm_synced_entries (mapping_id, remote_entry_id, aggregation_date, last_synced_hash, sync_version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			se.MappingID, se.RemoteEntryID, timecalc.FormatDate(se.AggregationDate), se.LastSyncedHash, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert synced entry: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return err
		}
		return replaceComponents(ctx, tx, id, comps)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecordUpdated stores the new hash, bumps the sync version and replaces the
// junction rows, in one transaction. It returns the new version.
func (s *Store) RecordUpdated(ctx context.Context, id int64, hash string, comps []model.SyncedEntryComponent) (int, error) {
	var version int
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE rm_synced_entries
			 SET last_synced_hash = ?, sync_version = sync_version + 1, updated_at = ?
			 WHERE id = ?`,
			hash, s.timestamp(), id)
		if err != nil {
			return fmt.Errorf("update synced entry %d: %w", id, err)
		}
		if err := expectOne(res, fmt.Sprintf("synced entry %d", id)); err != nil {
			return err
		}
		if err := tx.GetContext(ctx, &version, `SELECT sync_version FROM rm_synced_entries WHERE id = ?`, id); err != nil {
			return fmt.Errorf("read sync version %d: %w", id, err)
		}
		return replaceComponents(ctx, tx, id, comps)
	})
	return version, err
}

// RecordDeleted removes a synced record and its junction rows.
func (s *Store) RecordDeleted(ctx context.Context, id int64) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rm_synced_entry_components WHERE synced_entry_id = ?`, id); err != nil {
			return fmt.Errorf("delete components of %d: %w", id, err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM rm_synced_entries WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete synced entry %d: %w", id, err)
		}
		return expectOne(res, fmt.Sprintf("synced entry %d", id))
	})
}

// ReplaceComponents rewrites the junction rows of a synced record without
// touching its hash or version.
func (s *Store) ReplaceComponents(ctx context.Context, syncedID int64, comps []model.SyncedEntryComponent) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM rm_synced_entries WHERE id = ?`, syncedID); err != nil {
			return fmt.Errorf("lookup synced entry %d: %w", syncedID, err)
		}
		if n == 0 {
			return fmt.Errorf("synced entry %d: %w", syncedID, ErrNotFound)
		}
		return replaceComponents(ctx, tx, syncedID, comps)
	})
}

// Components returns the junction rows of a synced record ordered by entry id.
func (s *Store) Components(ctx context.Context, syncedID int64) ([]model.SyncedEntryComponent, error) {
	var rows []componentRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT synced_entry_id, entry_id, duration_minutes, is_billable, notes
		 FROM rm_synced_entry_components WHERE synced_entry_id = ? ORDER BY entry_id`, syncedID); err != nil {
		return nil, fmt.Errorf("list components of %d: %w", syncedID, err)
	}
	out := make([]model.SyncedEntryComponent, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.SyncedEntryComponent(r))
	}
	return out, nil
}

// replaceComponents deletes every junction row of the synced record and
// recreates one per contributor, so the set always mirrors the latest sync.
func replaceComponents(ctx context.Context, tx *sqlx.Tx, syncedID int64, comps []model.SyncedEntryComponent) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM rm_synced_entry_components WHERE synced_entry_id = ?`, syncedID); err != nil {
		return fmt.Errorf("clear components of %d: %w", syncedID, err)
	}
	for _, c := range comps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rm_synced_entry_components (synced_entry_id, entry_id, duration_minutes, is_billable, notes)
			 VALUES (?, ?, ?, ?, ?)`,
			syncedID, c.EntryID, c.DurationMinutes, c.IsBillable, c.Notes); err != nil {
			return fmt.Errorf("insert component %d of %d: %w", c.EntryID, syncedID, err)
		}
	}
	return nil
}
