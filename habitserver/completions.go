// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/habitloop/habitsync/habit"
)

const completionReturning = `id, local_id, habit_id, habit_local_id,
	completed_on, count, created_at, updated_at, version, deleted`

func scanCompletionRow(row pgx.Row) (*habit.Completion, error) {
	var c habit.Completion
	var count *int
	var createdAt, updatedAt time.Time
	err := row.Scan(&c.ID, &c.LocalID, &c.HabitID, &c.HabitLocalID,
		&c.Date, &count, &createdAt, &updatedAt, &c.Version, &c.Deleted)
	if err != nil {
		return nil, err
	}
	c.Count = count
	c.CreatedAt = formatTimestamp(createdAt)
	c.UpdatedAt = formatTimestamp(updatedAt)
	return &c, nil
}

// resolveHabitRef resolves the owning habit's server id, preferring the
// habit local id so completions created offline against a not-yet-synced
// habit work once the habit's create has replayed.
func (s *Service) resolveHabitRef(ctx context.Context, userID string, c *habit.Completion) (int64, error) {
	if c.HabitLocalID != "" {
		var id int64
		err := s.pool.QueryRow(ctx, `
			SELECT id FROM habits WHERE user_id = $1 AND local_id = $2
		`, userID, c.HabitLocalID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &habit.ValidationError{Field: "habit_local_id", Reason: "references unknown habit"}
		}
		if err != nil {
			return 0, fmt.Errorf("failed to resolve habit reference: %w", err)
		}
		return id, nil
	}
	if c.HabitID != 0 {
		var id int64
		err := s.pool.QueryRow(ctx, `
			SELECT id FROM habits WHERE user_id = $1 AND id = $2
		`, userID, c.HabitID).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &habit.ValidationError{Field: "habit_id", Reason: "references unknown habit"}
		}
		if err != nil {
			return 0, fmt.Errorf("failed to resolve habit reference: %w", err)
		}
		return id, nil
	}
	return 0, &habit.ValidationError{Field: "habit_id", Reason: "completion must reference a habit"}
}

// CreateCompletion inserts a completion owned by userID, idempotent by
// (user, local id). The storage layer deliberately does not enforce
// one-completion-per-day; duplicate days are the client's concern.
func (s *Service) CreateCompletion(ctx context.Context, userID string, c *habit.Completion) (*habit.Completion, error) {
	if c.LocalID == "" {
		return nil, &habit.ValidationError{Field: "local_id", Reason: "must not be empty"}
	}
	if _, err := time.Parse(habit.DateLayout, c.Date); err != nil {
		return nil, &habit.ValidationError{Field: "completed_on", Reason: "must be a YYYY-MM-DD date"}
	}
	habitID, err := s.resolveHabitRef(ctx, userID, c)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO habit_completions
			(user_id, local_id, habit_id, habit_local_id, completed_on, count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, local_id) DO UPDATE SET local_id = EXCLUDED.local_id
		RETURNING `+completionReturning,
		userID, c.LocalID, habitID, c.HabitLocalID, c.Date, c.Count,
		parseTimestamp(c.CreatedAt), parseTimestamp(c.UpdatedAt))
	created, err := scanCompletionRow(row)
	if err != nil {
		return nil, wrapPGError(err, "insert completion")
	}
	return created, nil
}

// GetCompletion fetches one of the user's completions by local id.
func (s *Service) GetCompletion(ctx context.Context, userID, localID string) (*habit.Completion, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+completionReturning+` FROM habit_completions
		WHERE user_id = $1 AND local_id = $2
	`, userID, localID)
	c, err := scanCompletionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, habit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query completion: %w", err)
	}
	return c, nil
}

// ListCompletions returns the user's completions matching the filter,
// ordered by date.
func (s *Service) ListCompletions(ctx context.Context, userID string, f habit.CompletionFilter) ([]*habit.Completion, error) {
	query := `SELECT ` + completionReturning + ` FROM habit_completions WHERE user_id = $1`
	args := []any{userID}
	if !f.IncludeDeleted {
		query += ` AND NOT deleted`
	}
	if f.HabitLocalID != "" {
		args = append(args, f.HabitLocalID)
		query += fmt.Sprintf(` AND habit_local_id = $%d`, len(args))
	}
	if f.From != "" {
		args = append(args, f.From)
		query += fmt.Sprintf(` AND completed_on >= $%d`, len(args))
	}
	if f.To != "" {
		args = append(args, f.To)
		query += fmt.Sprintf(` AND completed_on <= $%d`, len(args))
	}
	query += ` ORDER BY completed_on, created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query completions: %w", err)
	}
	defer rows.Close()

	var completions []*habit.Completion
	for rows.Next() {
		c, err := scanCompletionRow(rows)
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

// UpdateCompletion applies a compare-and-swap update on the completion's
// version, returning *ConflictError with the current row on mismatch.
func (s *Service) UpdateCompletion(ctx context.Context, userID string, c *habit.Completion) (*habit.Completion, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE habit_completions
		SET completed_on = $3, count = $4, deleted = $5,
			updated_at = now(), version = version + 1
		WHERE user_id = $1 AND local_id = $2 AND version = $6
		RETURNING `+completionReturning,
		userID, c.LocalID, c.Date, c.Count, c.Deleted, c.Version)
	updated, err := scanCompletionRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetCompletion(ctx, userID, c.LocalID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &habit.ConflictError{Table: habit.TableCompletions, Completion: current}
	}
	if err != nil {
		return nil, wrapPGError(err, "update completion")
	}
	return updated, nil
}

// DeleteCompletion soft-deletes the completion, idempotently.
func (s *Service) DeleteCompletion(ctx context.Context, userID, localID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE habit_completions
		SET deleted = TRUE, updated_at = now(), version = version + 1
		WHERE user_id = $1 AND local_id = $2 AND NOT deleted
	`, userID, localID)
	if err != nil {
		return fmt.Errorf("failed to delete completion: %w", err)
	}
	return nil
}
