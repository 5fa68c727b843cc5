package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
)

type connectionRow struct {
	ID          int64  `db:"id"`
	UserID      string `db:"user_id"`
	BaseURL     string `db:"base_url"`
	TokenSealed string `db:"token_sealed"`
	Active      bool   `db:"active"`
	CreatedAt   string `db:"created_at"`
}

type mappingRow struct {
	ID                int64  `db:"id"`
	ConnectionID      int64  `db:"connection_id"`
	ProjectID         int64  `db:"project_id"`
	RemoteProjectID   string `db:"remote_project_id"`
	RemoteProjectName string `db:"remote_project_name"`
	Active            bool   `db:"active"`
}

// SaveConnection creates or replaces the user's RM connection. A user has at
// most one connection.
func (s *Store) SaveConnection(ctx context.Context, c model.Connection) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rm_connections (user_id, base_url, token_sealed, active, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
			base_url = excluded.base_url,
			token_sealed = excluded.token_sealed,
			active = excluded.active`,
		c.UserID, c.BaseURL, c.TokenSealed, c.Active, s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("save connection for %s: %w", c.UserID, err)
	}
	var id int64
	if err := s.db.GetContext(ctx, &id, `SELECT id FROM rm_connections WHERE user_id = ?`, c.UserID); err != nil {
		return 0, fmt.Errorf("reload connection for %s: %w", c.UserID, err)
	}
	return id, nil
}

// ActiveConnection returns the user's active connection or ErrNotFound.
func (s *Store) ActiveConnection(ctx context.Context, userID string) (model.Connection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, user_id, base_url, token_sealed, active, created_at
		 FROM rm_connections WHERE user_id = ? AND active = 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Connection{}, fmt.Errorf("connection for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.Connection{}, fmt.Errorf("get connection for %s: %w", userID, err)
	}
	return model.Connection{
		ID:          row.ID,
		UserID:      row.UserID,
		BaseURL:     row.BaseURL,
		TokenSealed: row.TokenSealed,
		Active:      row.Active,
		CreatedAt:   parseTimestamp(row.CreatedAt),
	}, nil
}

// SaveMapping creates or updates the mapping for (connection, project).
func (s *Store) SaveMapping(ctx context.Context, m model.ProjectMapping) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rm_project_mappings (connection_id, project_id, remote_project_id, remote_project_name, active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(connection_id, project_id) DO UPDATE SET
			remote_project_id = excluded.remote_project_id,
			remote_project_name = excluded.remote_project_name,
			active = excluded.active`,
		m.ConnectionID, m.ProjectID, m.RemoteProjectID, m.RemoteProjectName, m.Active,
	)
	if err != nil {
		return 0, fmt.Errorf("save mapping for project %d: %w", m.ProjectID, err)
	}
	var id int64
	if err := s.db.GetContext(ctx, &id,
		`SELECT id FROM rm_project_mappings WHERE connection_id = ? AND project_id = ?`,
		m.ConnectionID, m.ProjectID); err != nil {
		return 0, fmt.Errorf("reload mapping for project %d: %w", m.ProjectID, err)
	}
	return id, nil
}

// ActiveMappings returns the active project mappings of a connection.
func (s *Store) ActiveMappings(ctx context.Context, connectionID int64) ([]model.ProjectMapping, error) {
	var rows []mappingRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, connection_id, project_id, remote_project_id, remote_project_name, active
		 FROM rm_project_mappings WHERE connection_id = ? AND active = 1 ORDER BY project_id`,
		connectionID); err != nil {
		return nil, fmt.Errorf("list mappings for connection %d: %w", connectionID, err)
	}
	mappings := make([]model.ProjectMapping, 0, len(rows))
	for _, r := range rows {
		mappings = append(mappings, model.ProjectMapping(r))
	}
	return mappings, nil
}
