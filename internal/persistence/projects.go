package persistence

import (
	"context"
	"database/sql"
	"errors"
)

// ErrProjectNotFound is returned when a project name lookup misses.
var ErrProjectNotFound = errors.New("persistence: project context not found")

// UpsertProjectContext creates or updates a named project context.
func (s *Store) UpsertProjectContext(ctx context.Context, p ProjectContext) (int64, error) {
	var existing int64
	err := s.queryRow(ctx, `SELECT id FROM project_contexts WHERE name = ?;`, p.Name).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := s.exec(ctx, `
			INSERT INTO project_contexts (name, absolute_path, git_remote, is_active, metadata_json)
			VALUES (?, ?, ?, ?, ?);
		`, p.Name, p.AbsolutePath, nullString(p.GitRemote), p.IsActive, nullString(p.MetadataJSON))
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	case err != nil:
		return 0, err
	default:
		_, err := s.exec(ctx, `
			UPDATE project_contexts SET absolute_path = ?, git_remote = ?, is_active = ?, metadata_json = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, p.AbsolutePath, nullString(p.GitRemote), p.IsActive, nullString(p.MetadataJSON), existing)
		return existing, err
	}
}

// GetProjectContext fetches a project context by name.
func (s *Store) GetProjectContext(ctx context.Context, name string) (*ProjectContext, error) {
	var p ProjectContext
	var gitRemote, metadata sql.NullString
	err := s.queryRow(ctx, `
		SELECT id, name, absolute_path, git_remote, is_active, metadata_json, created_at, updated_at
		FROM project_contexts WHERE name = ?;
	`, name).Scan(&p.ID, &p.Name, &p.AbsolutePath, &gitRemote, &p.IsActive, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	p.GitRemote = gitRemote.String
	p.MetadataJSON = metadata.String
	return &p, nil
}
