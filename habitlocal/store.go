// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

// Package habitlocal is the on-device storage backend: a SQLite database
// holding the habits and habit_completions tables. It is the only store
// written to while offline. Every write is durable before the call returns;
// buffering for sync is the sync queue's job, one layer above.
package habitlocal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/habitloop/habitsync/habit"
)

// Store is the local store adapter. It satisfies habit.Store and never
// fails for connectivity reasons; errors signal malformed input or storage
// corruption only.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the local database at path. Use
// ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	if err := initializeDatabase(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS habits (
			local_id     TEXT PRIMARY KEY,
			server_id    INTEGER,
			name         TEXT NOT NULL,
			position     INTEGER NOT NULL DEFAULT 0,
			count_target INTEGER,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL,
			version      INTEGER NOT NULL DEFAULT 1,
			should_sync  INTEGER NOT NULL DEFAULT 1,
			deleted      INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS habit_completions (
			local_id       TEXT PRIMARY KEY,
			server_id      INTEGER,
			habit_id       INTEGER,
			habit_local_id TEXT NOT NULL,
			completed_on   TEXT NOT NULL,
			count          INTEGER,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			version        INTEGER NOT NULL DEFAULT 1,
			should_sync    INTEGER NOT NULL DEFAULT 1,
			deleted        INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE INDEX IF NOT EXISTS idx_completions_habit_date
			ON habit_completions (habit_local_id, completed_on)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

const habitColumns = `local_id, server_id, name, position, count_target,
	created_at, updated_at, version, should_sync, deleted`

func scanHabit(row interface{ Scan(...any) error }) (*habit.Habit, error) {
	var h habit.Habit
	var serverID sql.NullInt64
	var countTarget sql.NullInt64
	err := row.Scan(&h.LocalID, &serverID, &h.Name, &h.Position, &countTarget,
		&h.CreatedAt, &h.UpdatedAt, &h.Version, &h.ShouldSync, &h.Deleted)
	if err != nil {
		return nil, err
	}
	if serverID.Valid {
		h.ID = serverID.Int64
	}
	if countTarget.Valid {
		v := int(countTarget.Int64)
		h.CountTarget = &v
	}
	return &h, nil
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// CreateHabit inserts a new habit row. The record must carry a local id.
func (s *Store) CreateHabit(ctx context.Context, h *habit.Habit) (*habit.Habit, error) {
	if h.LocalID == "" {
		return nil, &habit.ValidationError{Field: "local_id", Reason: "must not be empty"}
	}
	if h.Name == "" {
		return nil, &habit.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habits (`+habitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, h.LocalID, nullID(h.ID), h.Name, h.Position, h.CountTarget,
		h.CreatedAt, h.UpdatedAt, h.Version, h.ShouldSync, h.Deleted)
	if err != nil {
		return nil, fmt.Errorf("failed to insert habit: %w", err)
	}
	return h.Clone(), nil
}

// GetHabit looks up a habit by local id.
func (s *Store) GetHabit(ctx context.Context, localID string) (*habit.Habit, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+habitColumns+` FROM habits WHERE local_id = ?
	`, localID)
	h, err := scanHabit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, habit.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query habit: %w", err)
	}
	return h, nil
}

// ListHabits returns habits ordered by display position.
func (s *Store) ListHabits(ctx context.Context, includeDeleted bool) ([]*habit.Habit, error) {
	query := `SELECT ` + habitColumns + ` FROM habits`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY position, created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query habits: %w", err)
	}
	defer rows.Close()

	var habits []*habit.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
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

// UpdateHabit replaces the stored row identified by the record's local id.
func (s *Store) UpdateHabit(ctx context.Context, h *habit.Habit) (*habit.Habit, error) {
	if h.Name == "" {
		return nil, &habit.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE habits
		SET server_id = ?, name = ?, position = ?, count_target = ?,
			created_at = ?, updated_at = ?, version = ?, should_sync = ?, deleted = ?
		WHERE local_id = ?
	`, nullID(h.ID), h.Name, h.Position, h.CountTarget,
		h.CreatedAt, h.UpdatedAt, h.Version, h.ShouldSync, h.Deleted, h.LocalID)
	if err != nil {
		return nil, fmt.Errorf("failed to update habit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, habit.ErrNotFound
	}
	return h.Clone(), nil
}

// DeleteHabit soft-deletes a habit. The row is retained (deleted = 1) until
// the deletion has synced; PurgeHabit removes it for good.
func (s *Store) DeleteHabit(ctx context.Context, localID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE habits SET deleted = 1, should_sync = 1, updated_at = ? WHERE local_id = ?
	`, habit.Now(), localID)
	if err != nil {
		return fmt.Errorf("failed to delete habit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return habit.ErrNotFound
	}
	return nil
}

// SaveHabit upserts a habit row by local id. Used by the orchestrator to
// materialize server-confirmed state and by hydration; not part of the
// logical store contract.
func (s *Store) SaveHabit(ctx context.Context, h *habit.Habit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO habits (`+habitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = excluded.server_id, name = excluded.name,
			position = excluded.position, count_target = excluded.count_target,
			created_at = excluded.created_at, updated_at = excluded.updated_at,
			version = excluded.version, should_sync = excluded.should_sync,
			deleted = excluded.deleted
	`, h.LocalID, nullID(h.ID), h.Name, h.Position, h.CountTarget,
		h.CreatedAt, h.UpdatedAt, h.Version, h.ShouldSync, h.Deleted)
	if err != nil {
		return fmt.Errorf("failed to save habit: %w", err)
	}
	return nil
}

// PurgeHabit physically removes a soft-deleted habit and its completions
// once the deletion has been confirmed remotely.
func (s *Store) PurgeHabit(ctx context.Context, localID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM habit_completions WHERE habit_local_id = ?
	`, localID); err != nil {
		return fmt.Errorf("failed to purge completions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM habits WHERE local_id = ?
	`, localID); err != nil {
		return fmt.Errorf("failed to purge habit: %w", err)
	}
	return nil
}
