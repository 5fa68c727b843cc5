package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Tiliavir/ttt-rmsync/internal/model"
)

type projectRow struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	BillableDefault bool   `db:"billable_default"`
	Archived        bool   `db:"archived"`
	CreatedAt       string `db:"created_at"`
}

func (r projectRow) toModel() model.Project {
	return model.Project{
		ID:              r.ID,
		Name:            r.Name,
		BillableDefault: r.BillableDefault,
		Archived:        r.Archived,
		CreatedAt:       parseTimestamp(r.CreatedAt),
	}
}

// AddProject creates a project and returns its id.
func (s *Store) AddProject(ctx context.Context, name string, billableDefault bool) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("add project: name required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, billable_default, created_at) VALUES (?, ?, ?)`,
		name, billableDefault, s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("add project %q: %w", name, err)
	}
	return res.LastInsertId()
}

// ProjectByName looks a project up by its unique name.
func (s *Store) ProjectByName(ctx context.Context, name string) (model.Project, error) {
	var row projectRow
	err := s.db.GetContext(ctx, &row,
		`SELECT id, name, billable_default, archived, created_at FROM projects WHERE name = ?`,
		strings.TrimSpace(name))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, fmt.Errorf("project %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("get project %q: %w", name, err)
	}
	return row.toModel(), nil
}

// EnsureProject returns the named project, creating it if necessary.
func (s *Store) EnsureProject(ctx context.Context, name string, billableDefault bool) (model.Project, error) {
	p, err := s.ProjectByName(ctx, name)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.Project{}, err
	}
	if _, err := s.AddProject(ctx, name, billableDefault); err != nil && !isUniqueViolation(err) {
		return model.Project{}, err
	}
	return s.ProjectByName(ctx, name)
}

// ListProjects returns all non-archived projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	var rows []projectRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, name, billable_default, archived, created_at FROM projects WHERE archived = 0 ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	projects := make([]model.Project, 0, len(rows))
	for _, r := range rows {
		projects = append(projects, r.toModel())
	}
	return projects, nil
}
