// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

// Package habitremote is the network-backed storage adapter. It speaks the
// habitserver REST API, scoped server-side to the authenticated user, and
// maps transport outcomes onto the shared error taxonomy so the sync
// orchestrator can tell transient failures from version conflicts and from
// hard auth/validation failures.
package habitremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/habitloop/habitsync/habit"
)

// TokenFunc supplies the bearer token for each request.
type TokenFunc func(ctx context.Context) (string, error)

// Client is the remote store adapter. It satisfies habit.Store.
type Client struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

var _ habit.Store = (*Client)(nil)

// requestTimeout bounds every remote call; a timed-out call is reported as
// transient so the orchestrator queues the mutation instead of hanging.
const requestTimeout = 15 * time.Second

// NewClient creates a remote store client for the given server base URL.
func NewClient(baseURL string, token TokenFunc, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// CurrentUser resolves the authenticated user's id, or ErrUnauthenticated
// when no valid session exists.
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/sync/me", "", nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// do performs one authenticated request and decodes the response into out.
// table names the record type for conflict decoding; empty when the
// endpoint cannot conflict.
func (c *Client) do(ctx context.Context, method, path, table string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", habit.ErrUnauthenticated, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		c.logger.Debug("remote request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("%w: %v", habit.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("remote request", "method", method, "path", path, "status", resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", habit.ErrUnauthenticated, readErrorMessage(resp.Body))
	case resp.StatusCode == http.StatusNotFound:
		return habit.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return decodeConflict(table, resp.Body)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return &habit.ValidationError{Field: "payload", Reason: readErrorMessage(resp.Body)}
	default:
		return fmt.Errorf("%w: server returned status %d", habit.ErrUnavailable, resp.StatusCode)
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func readErrorMessage(r io.Reader) string {
	var er errorResponse
	if err := json.NewDecoder(r).Decode(&er); err != nil {
		return "unreadable error body"
	}
	if er.Message != "" {
		return er.Message
	}
	return er.Error
}

// conflictResponse is the 409 body: the current server row alongside the
// error code, so the resolver can reconcile without another round trip.
type conflictResponse struct {
	Error     string          `json:"error"`
	ServerRow json.RawMessage `json:"server_row"`
}

func decodeConflict(table string, r io.Reader) error {
	var cr conflictResponse
	if err := json.NewDecoder(r).Decode(&cr); err != nil {
		return fmt.Errorf("%w: undecodable conflict body: %v", habit.ErrUnavailable, err)
	}
	ce := &habit.ConflictError{Table: table}
	switch table {
	case habit.TableHabits:
		var h habit.Habit
		if err := json.Unmarshal(cr.ServerRow, &h); err != nil {
			return fmt.Errorf("%w: undecodable conflict row: %v", habit.ErrUnavailable, err)
		}
		ce.Habit = &h
	case habit.TableCompletions:
		var comp habit.Completion
		if err := json.Unmarshal(cr.ServerRow, &comp); err != nil {
			return fmt.Errorf("%w: undecodable conflict row: %v", habit.ErrUnavailable, err)
		}
		ce.Completion = &comp
	default:
		return fmt.Errorf("%w: conflict on unexpected endpoint", habit.ErrUnavailable)
	}
	return ce
}

// CreateHabit inserts the habit server-side. Creation is an upsert keyed by
// (user, local id): replaying an already-applied create returns the
// existing row instead of a duplicate.
func (c *Client) CreateHabit(ctx context.Context, h *habit.Habit) (*habit.Habit, error) {
	var out habit.Habit
	if err := c.do(ctx, http.MethodPost, "/sync/habits", habit.TableHabits, h, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHabit fetches one habit by local id.
func (c *Client) GetHabit(ctx context.Context, localID string) (*habit.Habit, error) {
	var out habit.Habit
	path := "/sync/habits/" + url.PathEscape(localID)
	if err := c.do(ctx, http.MethodGet, path, habit.TableHabits, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListHabits returns the user's habits ordered by display position.
func (c *Client) ListHabits(ctx context.Context, includeDeleted bool) ([]*habit.Habit, error) {
	path := "/sync/habits"
	if includeDeleted {
		path += "?include_deleted=true"
	}
	var out []*habit.Habit
	if err := c.do(ctx, http.MethodGet, path, habit.TableHabits, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateHabit performs a compare-and-swap update: the record's Version is
// the last-known server version. A mismatch comes back as
// *habit.ConflictError carrying the current server row.
func (c *Client) UpdateHabit(ctx context.Context, h *habit.Habit) (*habit.Habit, error) {
	var out habit.Habit
	path := "/sync/habits/" + url.PathEscape(h.LocalID)
	if err := c.do(ctx, http.MethodPut, path, habit.TableHabits, h, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteHabit soft-deletes the habit server-side. Deleting a row the server
// has never seen is a no-op, which keeps queued deletes idempotent.
func (c *Client) DeleteHabit(ctx context.Context, localID string) error {
	path := "/sync/habits/" + url.PathEscape(localID)
	err := c.do(ctx, http.MethodDelete, path, habit.TableHabits, nil, nil)
	if errors.Is(err, habit.ErrNotFound) {
		return nil
	}
	return err
}

// CreateCompletion inserts the completion server-side, resolving the owning
// habit by server id or, for habits created offline, by habit local id.
func (c *Client) CreateCompletion(ctx context.Context, comp *habit.Completion) (*habit.Completion, error) {
	var out habit.Completion
	if err := c.do(ctx, http.MethodPost, "/sync/completions", habit.TableCompletions, comp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCompletion fetches one completion by local id.
func (c *Client) GetCompletion(ctx context.Context, localID string) (*habit.Completion, error) {
	var out habit.Completion
	path := "/sync/completions/" + url.PathEscape(localID)
	if err := c.do(ctx, http.MethodGet, path, habit.TableCompletions, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCompletions returns completions matching the filter.
func (c *Client) ListCompletions(ctx context.Context, f habit.CompletionFilter) ([]*habit.Completion, error) {
	q := url.Values{}
	if f.HabitLocalID != "" {
		q.Set("habit_local_id", f.HabitLocalID)
	}
	if f.From != "" {
		q.Set("from", f.From)
	}
	if f.To != "" {
		q.Set("to", f.To)
	}
	if f.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	path := "/sync/completions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*habit.Completion
	if err := c.do(ctx, http.MethodGet, path, habit.TableCompletions, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateCompletion performs a compare-and-swap update, as UpdateHabit.
func (c *Client) UpdateCompletion(ctx context.Context, comp *habit.Completion) (*habit.Completion, error) {
	var out habit.Completion
	path := "/sync/completions/" + url.PathEscape(comp.LocalID)
	if err := c.do(ctx, http.MethodPut, path, habit.TableCompletions, comp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCompletion soft-deletes the completion server-side.
func (c *Client) DeleteCompletion(ctx context.Context, localID string) error {
	path := "/sync/completions/" + url.PathEscape(localID)
	err := c.do(ctx, http.MethodDelete, path, habit.TableCompletions, nil, nil)
	if errors.Is(err, habit.ErrNotFound) {
		return nil
	}
	return err
}
