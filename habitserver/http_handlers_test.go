// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/habitloop/habitsync/habit"
	"github.com/habitloop/habitsync/habitremote"
)

// fakeBackend is an in-memory Backend with the service's contract:
// upsert-by-local-id creates, compare-and-swap updates returning
// *ConflictError with the current row, idempotent soft deletes.
type fakeBackend struct {
	mu          sync.Mutex
	nextID      int64
	habits      map[string]*habit.Habit
	completions map[string]*habit.Completion
	lastUserID  string
	lastFilter  habit.CompletionFilter
	err         error // returned by every call when set
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		habits:      make(map[string]*habit.Habit),
		completions: make(map[string]*habit.Completion),
	}
}

func (f *fakeBackend) CreateHabit(_ context.Context, userID string, h *habit.Habit) (*habit.Habit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	if h.LocalID == "" {
		return nil, &habit.ValidationError{Field: "local_id", Reason: "must not be empty"}
	}
	if h.Name == "" {
		return nil, &habit.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if existing, ok := f.habits[h.LocalID]; ok {
		return existing.Clone(), nil
	}
	f.nextID++
	stored := h.Clone()
	stored.ID = f.nextID
	stored.Version = 1
	f.habits[h.LocalID] = stored
	return stored.Clone(), nil
}

func (f *fakeBackend) GetHabit(_ context.Context, userID, localID string) (*habit.Habit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	h, ok := f.habits[localID]
	if !ok {
		return nil, habit.ErrNotFound
	}
	return h.Clone(), nil
}

func (f *fakeBackend) ListHabits(_ context.Context, userID string, includeDeleted bool) ([]*habit.Habit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	var out []*habit.Habit
	for _, h := range f.habits {
		if h.Deleted && !includeDeleted {
			continue
		}
		out = append(out, h.Clone())
	}
	return out, nil
}

func (f *fakeBackend) UpdateHabit(_ context.Context, userID string, h *habit.Habit) (*habit.Habit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	current, ok := f.habits[h.LocalID]
	if !ok {
		return nil, habit.ErrNotFound
	}
	if current.Version != h.Version {
		return nil, &habit.ConflictError{Table: habit.TableHabits, Habit: current.Clone()}
	}
	stored := h.Clone()
	stored.ID = current.ID
	stored.Version = current.Version + 1
	f.habits[h.LocalID] = stored
	return stored.Clone(), nil
}

func (f *fakeBackend) DeleteHabit(_ context.Context, userID, localID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return f.err
	}
	if h, ok := f.habits[localID]; ok && !h.Deleted {
		h.Deleted = true
		h.Version++
	}
	return nil
}

func (f *fakeBackend) CreateCompletion(_ context.Context, userID string, c *habit.Completion) (*habit.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	if existing, ok := f.completions[c.LocalID]; ok {
		return existing.Clone(), nil
	}
	owner, ok := f.habits[c.HabitLocalID]
	if !ok {
		return nil, &habit.ValidationError{Field: "habit_local_id", Reason: "references unknown habit"}
	}
	f.nextID++
	stored := c.Clone()
	stored.ID = f.nextID
	stored.HabitID = owner.ID
	stored.Version = 1
	f.completions[c.LocalID] = stored
	return stored.Clone(), nil
}

func (f *fakeBackend) GetCompletion(_ context.Context, userID, localID string) (*habit.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	c, ok := f.completions[localID]
	if !ok {
		return nil, habit.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeBackend) ListCompletions(_ context.Context, userID string, filter habit.CompletionFilter) ([]*habit.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []*habit.Completion
	for _, c := range f.completions {
		if c.Deleted && !filter.IncludeDeleted {
			continue
		}
		if filter.HabitLocalID != "" && c.HabitLocalID != filter.HabitLocalID {
			continue
		}
		out = append(out, c.Clone())
	}
	return out, nil
}

func (f *fakeBackend) UpdateCompletion(_ context.Context, userID string, c *habit.Completion) (*habit.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return nil, f.err
	}
	current, ok := f.completions[c.LocalID]
	if !ok {
		return nil, habit.ErrNotFound
	}
	if current.Version != c.Version {
		return nil, &habit.ConflictError{Table: habit.TableCompletions, Completion: current.Clone()}
	}
	stored := c.Clone()
	stored.ID = current.ID
	stored.HabitID = current.HabitID
	stored.Version = current.Version + 1
	f.completions[c.LocalID] = stored
	return stored.Clone(), nil
}

func (f *fakeBackend) DeleteCompletion(_ context.Context, userID, localID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	if f.err != nil {
		return f.err
	}
	if c, ok := f.completions[localID]; ok && !c.Deleted {
		c.Deleted = true
		c.Version++
	}
	return nil
}

var _ Backend = (*fakeBackend)(nil)

func newHandlerTestServer(t *testing.T) (*httptest.Server, *fakeBackend, string) {
	t.Helper()
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	require.NoError(t, err)

	backend := newFakeBackend()
	handlers := NewHandlers(backend, jwtAuth, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(handlers.Handler())
	t.Cleanup(srv.Close)
	return srv, backend, token
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	srv, _, _ := newHandlerTestServer(t)
	resp, _ := doRequest(t, srv, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncRoutesRequireAuth(t *testing.T) {
	srv, _, _ := newHandlerTestServer(t)
	for _, token := range []string{"", "not-a-token"} {
		resp, body := doRequest(t, srv, "GET", "/sync/habits", token, nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		var er map[string]string
		require.NoError(t, json.Unmarshal(body, &er))
		require.Equal(t, "authentication_failed", er["error"])
	}
}

func TestMeReturnsTokenSubject(t *testing.T) {
	srv, _, token := newHandlerTestServer(t)
	resp, body := doRequest(t, srv, "GET", "/sync/me", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.Unmarshal(body, &out))
	require.Equal(t, "user-1", out["id"])
}

func TestCreateHabitScopedToUser(t *testing.T) {
	srv, backend, token := newHandlerTestServer(t)
	h, err := habit.NewHabit("Read", 0, nil)
	require.NoError(t, err)

	resp, body := doRequest(t, srv, "POST", "/sync/habits", token, h)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created habit.Habit
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotZero(t, created.ID)
	require.Equal(t, h.LocalID, created.LocalID)
	require.Equal(t, "user-1", backend.lastUserID)

	// Replaying the same create returns the existing row, not a duplicate.
	resp, body = doRequest(t, srv, "POST", "/sync/habits", token, h)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var replayed habit.Habit
	require.NoError(t, json.Unmarshal(body, &replayed))
	require.Equal(t, created.ID, replayed.ID)
}

func TestCreateHabitRejectsBadPayloads(t *testing.T) {
	srv, _, token := newHandlerTestServer(t)

	// Unparseable body.
	req, err := http.NewRequest("POST", srv.URL+"/sync/habits", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Parseable but invalid record.
	resp2, body := doRequest(t, srv, "POST", "/sync/habits", token, &habit.Habit{LocalID: "x"})
	require.Equal(t, http.StatusUnprocessableEntity, resp2.StatusCode)
	var er map[string]string
	require.NoError(t, json.Unmarshal(body, &er))
	require.Equal(t, "validation_failed", er["error"])
}

func TestGetHabitNotFound(t *testing.T) {
	srv, _, token := newHandlerTestServer(t)
	resp, body := doRequest(t, srv, "GET", "/sync/habits/missing", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var er map[string]string
	require.NoError(t, json.Unmarshal(body, &er))
	require.Equal(t, "not_found", er["error"])
}

func TestUpdateHabitConflictBody(t *testing.T) {
	srv, _, token := newHandlerTestServer(t)
	h, err := habit.NewHabit("Read", 0, nil)
	require.NoError(t, err)
	_, body := doRequest(t, srv, "POST", "/sync/habits", token, h)
	var created habit.Habit
	require.NoError(t, json.Unmarshal(body, &created))

	// Advance the server version, then send the stale one.
	created.Name = "Read daily"
	resp, _ := doRequest(t, srv, "PUT", "/sync/habits/"+created.LocalID, token, &created)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	created.Name = "Read weekly" // still carries version 1
	resp, body = doRequest(t, srv, "PUT", "/sync/habits/"+created.LocalID, token, &created)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var conflict struct {
		Error     string      `json:"error"`
		ServerRow habit.Habit `json:"server_row"`
	}
	require.NoError(t, json.Unmarshal(body, &conflict))
	require.Equal(t, "version_conflict", conflict.Error)
	require.Equal(t, "Read daily", conflict.ServerRow.Name)
	require.Equal(t, int64(2), conflict.ServerRow.Version)
}

func TestDeleteHabitNoContent(t *testing.T) {
	srv, _, token := newHandlerTestServer(t)
	h, err := habit.NewHabit("Read", 0, nil)
	require.NoError(t, err)
	doRequest(t, srv, "POST", "/sync/habits", token, h)

	resp, _ := doRequest(t, srv, "DELETE", "/sync/habits/"+h.LocalID, token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Idempotent: deleting again still succeeds.
	resp, _ = doRequest(t, srv, "DELETE", "/sync/habits/"+h.LocalID, token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestListHabitsEmptyIsJSONArray(t *testing.T) {
	srv, _, token := newHandlerTestServer(t)
	resp, body := doRequest(t, srv, "GET", "/sync/habits", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "[]", string(bytes.TrimSpace(body)))
}

func TestListCompletionsForwardsFilter(t *testing.T) {
	srv, backend, token := newHandlerTestServer(t)
	path := "/sync/completions?habit_local_id=h1&from=2026-02-01&to=2026-02-28&include_deleted=true"
	resp, body := doRequest(t, srv, "GET", path, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "[]", string(bytes.TrimSpace(body)))
	require.Equal(t, habit.CompletionFilter{
		HabitLocalID:   "h1",
		From:           "2026-02-01",
		To:             "2026-02-28",
		IncludeDeleted: true,
	}, backend.lastFilter)
}

func TestBackendFailureMapsToInternalError(t *testing.T) {
	srv, backend, token := newHandlerTestServer(t)
	backend.err = fmt.Errorf("connection pool exhausted")

	resp, body := doRequest(t, srv, "GET", "/sync/habits", token, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var er map[string]string
	require.NoError(t, json.Unmarshal(body, &er))
	require.Equal(t, "internal_error", er["error"])
}

// TestWireContractWithClientAdapter drives the handlers through the real
// client adapter, pinning the status/error-body mapping both sides rely on.
func TestWireContractWithClientAdapter(t *testing.T) {
	ctx := context.Background()
	srv, _, token := newHandlerTestServer(t)
	client := habitremote.NewClient(srv.URL, func(context.Context) (string, error) {
		return token, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	me, err := client.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "user-1", me)

	h, err := habit.NewHabit("Read", 0, nil)
	require.NoError(t, err)
	created, err := client.CreateHabit(ctx, h)
	require.NoError(t, err)
	require.NotZero(t, created.ID)

	// Stale version comes back as a decoded conflict with the server row.
	stale := created.Clone()
	stale.Name = "Read daily"
	updated, err := client.UpdateHabit(ctx, stale)
	require.NoError(t, err)
	stale.Name = "Read weekly"
	_, err = client.UpdateHabit(ctx, stale)
	var conflict *habit.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.NotNil(t, conflict.Habit)
	require.Equal(t, updated.Version, conflict.Habit.Version)

	// Completions resolve their owner by habit local id.
	comp, err := habit.NewCompletion(created, "2026-02-14", nil)
	require.NoError(t, err)
	comp.HabitID = 0
	syncedComp, err := client.CreateCompletion(ctx, comp)
	require.NoError(t, err)
	require.Equal(t, created.ID, syncedComp.HabitID)

	// Deleting a never-synced record is success on the client side.
	require.NoError(t, client.DeleteHabit(ctx, "never-synced"))

	// A bad token surfaces as an auth failure, not a transient error.
	badClient := habitremote.NewClient(srv.URL, func(context.Context) (string, error) {
		return "not-a-token", nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_, err = badClient.CurrentUser(ctx)
	require.ErrorIs(t, err, habit.ErrUnauthenticated)
}
