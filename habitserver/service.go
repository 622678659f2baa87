// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

// Package habitserver is the cloud backend the remote store adapter talks
// to: a Postgres-backed, user-scoped CRUD service with optimistic
// concurrency. Creates are upserts keyed by (user, local id) so replayed
// queue entries never produce duplicate rows; updates are compare-and-swap
// on the record version and report mismatches as conflicts carrying the
// current server row.
package habitserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/habitloop/habitsync/habit"
)

// Service provides the server-side store over a pgx connection pool.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Backend = (*Service)(nil)

// NewService creates the service and initializes the database schema.
func NewService(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Service) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		statements := []string{
			`CREATE TABLE IF NOT EXISTS habits (
				id           BIGSERIAL PRIMARY KEY,
				user_id      TEXT NOT NULL,
				local_id     TEXT NOT NULL,
				name         TEXT NOT NULL,
				position     INTEGER NOT NULL DEFAULT 0,
				count_target INTEGER,
				created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
				version      BIGINT NOT NULL DEFAULT 1,
				deleted      BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (user_id, local_id)
			)`,

			`CREATE TABLE IF NOT EXISTS habit_completions (
				id             BIGSERIAL PRIMARY KEY,
				user_id        TEXT NOT NULL,
				local_id       TEXT NOT NULL,
				habit_id       BIGINT NOT NULL REFERENCES habits(id),
				habit_local_id TEXT NOT NULL,
				completed_on   TEXT NOT NULL,
				count          INTEGER,
				created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
				version        BIGINT NOT NULL DEFAULT 1,
				deleted        BOOLEAN NOT NULL DEFAULT FALSE,
				UNIQUE (user_id, local_id)
			)`,

			`CREATE INDEX IF NOT EXISTS idx_habit_completions_habit
				ON habit_completions (user_id, habit_local_id, completed_on)`,
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// parseTimestamp accepts the client's ISO-8601 strings, falling back to the
// current time for absent or malformed values.
func parseTimestamp(value string) time.Time {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Now().UTC()
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// wrapPGError converts Postgres constraint violations (SQL state class 23)
// into validation errors so clients do not retry payloads that can never
// succeed.
func wrapPGError(err error, action string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.SQLState()) >= 2 && pgErr.SQLState()[:2] == "23" {
		return &habit.ValidationError{Field: "payload", Reason: pgErr.Message}
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

const habitReturning = `id, local_id, name, position, count_target,
	created_at, updated_at, version, deleted`

func scanHabitRow(row pgx.Row) (*habit.Habit, error) {
	var h habit.Habit
	var countTarget *int
	var createdAt, updatedAt time.Time
	err := row.Scan(&h.ID, &h.LocalID, &h.Name, &h.Position, &countTarget,
		&createdAt, &updatedAt, &h.Version, &h.Deleted)
	if err != nil {
		return nil, err
	}
	h.CountTarget = countTarget
	h.CreatedAt = formatTimestamp(createdAt)
	h.UpdatedAt = formatTimestamp(updatedAt)
	return &h, nil
}

// CreateHabit inserts a habit owned by userID. Replaying an already-applied
// create returns the existing row unchanged (upsert by user + local id).
func (s *Service) CreateHabit(ctx context.Context, userID string, h *habit.Habit) (*habit.Habit, error) {
	if h.LocalID == "" {
		return nil, &habit.ValidationError{Field: "local_id", Reason: "must not be empty"}
	}
	if h.Name == "" {
		return nil, &habit.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO habits (user_id, local_id, name, position, count_target, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, local_id) DO UPDATE SET local_id = EXCLUDED.local_id
		RETURNING `+habitReturning,
		userID, h.LocalID, h.Name, h.Position, h.CountTarget,
		parseTimestamp(h.CreatedAt), parseTimestamp(h.UpdatedAt))
	created, err := scanHabitRow(row)
	if err != nil {
		return nil, wrapPGError(err, "insert habit")
	}
	return created, nil
}

// GetHabit fetches one of the user's habits by local id.
func (s *Service) GetHabit(ctx context.Context, userID, localID string) (*habit.Habit, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+habitReturning+` FROM habits WHERE user_id = $1 AND local_id = $2
	`, userID, localID)
	h, err := scanHabitRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, habit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query habit: %w", err)
	}
	return h, nil
}

// ListHabits returns the user's habits in display order.
func (s *Service) ListHabits(ctx context.Context, userID string, includeDeleted bool) ([]*habit.Habit, error) {
	query := `SELECT ` + habitReturning + ` FROM habits WHERE user_id = $1`
	if !includeDeleted {
		query += ` AND NOT deleted`
	}
	query += ` ORDER BY position, created_at`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	defer rows.Close()

	var habits []*habit.Habit
	for rows.Next() {
		h, err := scanHabitRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan habit: %w", err)
		}
		habits = append(habits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating habits: %w", err)
	}
	return habits, nil
}

// UpdateHabit applies a compare-and-swap update: the write is accepted only
// when the supplied Version matches the stored one, which then increments.
// On mismatch the current server row is returned inside *ConflictError.
func (s *Service) UpdateHabit(ctx context.Context, userID string, h *habit.Habit) (*habit.Habit, error) {
	if h.Name == "" {
		return nil, &habit.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE habits
		SET name = $3, position = $4, count_target = $5, deleted = $6,
			updated_at = now(), version = version + 1
		WHERE user_id = $1 AND local_id = $2 AND version = $7
		RETURNING `+habitReturning,
		userID, h.LocalID, h.Name, h.Position, h.CountTarget, h.Deleted, h.Version)
	updated, err := scanHabitRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetHabit(ctx, userID, h.LocalID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &habit.ConflictError{Table: habit.TableHabits, Habit: current}
	}
	if err != nil {
		return nil, wrapPGError(err, "update habit")
	}
	return updated, nil
}

// DeleteHabit soft-deletes the user's habit. Deleting a row the server has
// never seen, or one already deleted, is a no-op so queued deletes replay
// idempotently.
func (s *Service) DeleteHabit(ctx context.Context, userID, localID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE habits
		SET deleted = TRUE, updated_at = now(), version = version + 1
		WHERE user_id = $1 AND local_id = $2 AND NOT deleted
	`, userID, localID)
	if err != nil {
		return fmt.Errorf("failed to delete habit: %w", err)
	}
	return nil
}
