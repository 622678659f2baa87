// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitlocal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/habitloop/habitsync/habit"
)

const completionColumns = `local_id, server_id, habit_id, habit_local_id,
	completed_on, count, created_at, updated_at, version, should_sync, deleted`

func scanCompletion(row interface{ Scan(...any) error }) (*habit.Completion, error) {
	var c habit.Completion
	var serverID, habitID, count sql.NullInt64
	err := row.Scan(&c.LocalID, &serverID, &habitID, &c.HabitLocalID,
		&c.Date, &count, &c.CreatedAt, &c.UpdatedAt, &c.Version, &c.ShouldSync, &c.Deleted)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		c.ID = serverID.Int64
	}
	if habitID.Valid {
		c.HabitID = habitID.Int64
	}
	if count.Valid {
		v := int(count.Int64)
		c.Count = &v
	}
	return &c, nil
}

// CreateCompletion inserts a new completion row.
func (s *Store) CreateCompletion(ctx context.Context, c *habit.Completion) (*habit.Completion, error) {
	if c.LocalID == "" {
		return nil, &habit.ValidationError{Field: "local_id", Reason: "must not be empty"}
	}
	if c.HabitLocalID == "" {
		return nil, &habit.ValidationError{Field: "habit_local_id", Reason: "must not be empty"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habit_completions (`+completionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.LocalID, nullID(c.ID), nullID(c.HabitID), c.HabitLocalID,
		c.Date, c.Count, c.CreatedAt, c.UpdatedAt, c.Version, c.ShouldSync, c.Deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to insert completion: %w", err)
	}
	return c.Clone(), nil
}

// GetCompletion looks up a completion by local id.
func (s *Store) GetCompletion(ctx context.Context, localID string) (*habit.Completion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+completionColumns+` FROM habit_completions WHERE local_id = ?
	`, localID)
	c, err := scanCompletion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, habit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query completion: %w", err)
	}
	return c, nil
}

// ListCompletions returns completions matching the filter, ordered by date.
func (s *Store) ListCompletions(ctx context.Context, f habit.CompletionFilter) ([]*habit.Completion, error) {
	query := `SELECT ` + completionColumns + ` FROM habit_completions WHERE 1=1`
	var args []any
	if !f.IncludeDeleted {
		query += ` AND deleted = 0`
	}
	if f.HabitLocalID != "" {
		query += ` AND habit_local_id = ?`
		args = append(args, f.HabitLocalID)
	}
	if f.From != "" {
		query += ` AND completed_on >= ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		query += ` AND completed_on <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY completed_on, created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var completions []*habit.Completion
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan completion: %w", err)
		}
		completions = append(completions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completions: %w", err)
	}
	return completions, nil
}

// UpdateCompletion replaces the stored row identified by local id.
func (s *Store) UpdateCompletion(ctx context.Context, c *habit.Completion) (*habit.Completion, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE habit_completions
		SET server_id = ?, habit_id = ?, habit_local_id = ?, completed_on = ?,
			count = ?, created_at = ?, updated_at = ?, version = ?,
			should_sync = ?, deleted = ?
		WHERE local_id = ?
	`, nullID(c.ID), nullID(c.HabitID), c.HabitLocalID, c.Date,
		c.Count, c.CreatedAt, c.UpdatedAt, c.Version, c.ShouldSync, c.Deleted, c.LocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to update completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, habit.ErrNotFound
	}
	return c.Clone(), nil
}

// DeleteCompletion soft-deletes a completion.
func (s *Store) DeleteCompletion(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE habit_completions SET deleted = 1, should_sync = 1, updated_at = ? WHERE local_id = ?
	`, habit.Now(), localID)
	if err != nil {
		return fmt.Errorf("failed to delete completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return habit.ErrNotFound
	}
	return nil
}

// SaveCompletion upserts a completion row by local id (server-confirmed
// state and hydration).
func (s *Store) SaveCompletion(ctx context.Context, c *habit.Completion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habit_completions (`+completionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id, habit_id = excluded.habit_id,
			habit_local_id = excluded.habit_local_id, completed_on = excluded.completed_on,
			count = excluded.count, created_at = excluded.created_at,
			updated_at = excluded.updated_at, version = excluded.version,
			should_sync = excluded.should_sync, deleted = excluded.deleted
	`, c.LocalID, nullID(c.ID), nullID(c.HabitID), c.HabitLocalID,
		c.Date, c.Count, c.CreatedAt, c.UpdatedAt, c.Version, c.ShouldSync, c.Deleted)
	if err != nil {
		return fmt.Errorf("failed to save completion: %w", err)
	}
	return nil
}

// PurgeCompletion physically removes a completion whose deletion has synced.
func (s *Store) PurgeCompletion(ctx context.Context, localID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM habit_completions WHERE local_id = ?
	`, localID); err != nil {
		return fmt.Errorf("failed to purge completion: %w", err)
	}
	return nil
}
