// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/habitloop/habitsync/habit"
	"github.com/habitloop/habitsync/habitlocal"
)

// Orchestrator owns the sync queue and network-state flag and is the single
// entry point for all mutations. Every mutation is written to the local
// store first, so the caller is never blocked or failed for connectivity
// reasons; the remote store is brought up to date either inline (online) or
// through queued replay (offline and transient failures).
//
// Inject one orchestrator instance into mutation call sites; nothing else
// writes to the queue.
type Orchestrator struct {
	local    *habitlocal.Store
	remote   habit.Store
	queue    *Queue
	resolver Resolver
	monitor  Monitor
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	lastSync time.Time

	unsubscribe func()
	done        chan struct{}
}

// Config assembles an Orchestrator's collaborators. Local, Remote and
// Monitor are required; Resolver defaults to ServerWins and Logger to
// slog.Default().
type Config struct {
	Local    *habitlocal.Store
	Remote   habit.Store
	Monitor  Monitor
	Resolver Resolver
	Logger   *slog.Logger
}

// New creates an orchestrator, derives the initial state from the monitor
// and subscribes to connectivity events for the orchestrator's lifetime.
// Call Close to release the subscription.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Local == nil {
		return nil, fmt.Errorf("config.Local must be provided")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("config.Remote must be provided")
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("config.Monitor must be provided")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = ServerWins{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		local:    cfg.Local,
		remote:   cfg.Remote,
		queue:    NewQueue(),
		resolver: resolver,
		monitor:  cfg.Monitor,
		logger:   logger,
		done:     make(chan struct{}),
	}
	if cfg.Monitor.Online() {
		o.state = StateOnlineIdle
	}

	ch, cancel := cfg.Monitor.Subscribe()
	o.unsubscribe = cancel
	go o.eventLoop(ch)
	return o, nil
}

// Close releases the connectivity subscription and waits for the event
// loop to stop. Queued entries are not flushed.
func (o *Orchestrator) Close() error {
	o.unsubscribe()
	<-o.done
	return nil
}

func (o *Orchestrator) eventLoop(ch <-chan bool) {
	defer close(o.done)
	for online := range ch {
		if online {
			o.mu.Lock()
			if o.state == StateOffline {
				o.state = StateOnlineIdle
			}
			o.mu.Unlock()
			pending := o.queue.Len()
			o.logger.Info("network online", "pending_changes", pending)
			if pending > 0 {
				o.drain(context.Background())
			}
		} else {
			o.mu.Lock()
			o.state = StateOffline
			o.mu.Unlock()
			o.logger.Info("network offline", "pending_changes", o.queue.Len())
		}
	}
}

// Online reports whether the orchestrator currently considers the remote
// store reachable.
func (o *Orchestrator) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state != StateOffline
}

// State returns the current state machine state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns the derived sync status consumed by the UI.
func (o *Orchestrator) Status() SyncStatus {
	o.mu.Lock()
	state := o.state
	last := o.lastSync
	o.mu.Unlock()

	st := SyncStatus{
		IsOnline:       state != StateOffline,
		PendingChanges: o.queue.Len(),
	}
	if !last.IsZero() {
		st.LastSyncTime = last.Format(time.RFC3339)
	}
	return st
}

// ForceSync triggers a replay pass. It fails with ErrOffline when invoked
// without connectivity and never mutates the queue in that case.
func (o *Orchestrator) ForceSync(ctx context.Context) error {
	if !o.Online() {
		return ErrOffline
	}
	o.drain(ctx)
	return nil
}

// drain runs one FIFO replay pass. Failed entries stay queued and the state
// returns to ONLINE_IDLE rather than busy-looping; the next online event or
// ForceSync retries.
func (o *Orchestrator) drain(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateOnlineIdle {
		// Offline, or a pass is already running.
		o.mu.Unlock()
		return
	}
	o.state = StateOnlineSyncing
	o.mu.Unlock()

	applied, err := o.queue.Drain(ctx, o.replay)

	o.mu.Lock()
	if o.state == StateOnlineSyncing {
		o.state = StateOnlineIdle
	}
	remaining := o.queue.Len()
	if err == nil && remaining == 0 {
		o.lastSync = time.Now().UTC()
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("sync pass interrupted", "applied", applied, "remaining", remaining, "error", err)
	} else {
		o.logger.Info("sync pass finished", "applied", applied, "remaining", remaining)
	}
}

// replay applies one queued entry. A version conflict is resolved and
// counts as success; returning an error stops the pass with the entry
// retained.
func (o *Orchestrator) replay(ctx context.Context, op Op) error {
	if !o.Online() {
		// Offline event arrived mid-drain; abandon the pass.
		return ErrOffline
	}
	return o.applyRemote(ctx, op)
}

// dispatch routes a mutation after its optimistic local write: enqueue when
// offline, otherwise attempt the remote store inline. Transient remote
// failures queue the mutation and immediately try a recovery pass for
// anything already pending; auth and validation failures surface.
func (o *Orchestrator) dispatch(ctx context.Context, op Op) error {
	if !o.Online() {
		o.queue.Enqueue(op)
		return nil
	}

	err := o.applyRemote(ctx, op)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, habit.ErrUnauthenticated):
		return err
	case isValidation(err):
		return err
	default:
		o.logger.Warn("remote dispatch failed, queueing mutation",
			"table", op.Table, "op", string(op.Kind), "local_id", op.LocalID, "error", err)
		o.queue.Enqueue(op)
		o.drain(ctx)
		return nil
	}
}

func isValidation(err error) bool {
	var ve *habit.ValidationError
	return errors.As(err, &ve)
}

// applyRemote pushes one operation to the remote store and materializes the
// outcome locally. Success after a mid-flight offline transition still
// marks the record synced; remote calls are not cancelled by state flips.
func (o *Orchestrator) applyRemote(ctx context.Context, op Op) error {
	switch op.Table {
	case habit.TableHabits:
		return o.applyHabitOp(ctx, op)
	case habit.TableCompletions:
		return o.applyCompletionOp(ctx, op)
	default:
		return fmt.Errorf("unknown sync table %q", op.Table)
	}
}

func (o *Orchestrator) applyHabitOp(ctx context.Context, op Op) error {
	switch op.Kind {
	case OpCreate:
		synced, err := o.remote.CreateHabit(ctx, op.Habit)
		if err != nil {
			return err
		}
		return o.adoptHabit(ctx, synced)

	case OpUpdate:
		h := op.Habit.Clone()
		// Refresh the CAS base from local state: an earlier entry in the
		// same pass may have advanced the server id and version.
		if cur, err := o.local.GetHabit(ctx, h.LocalID); err == nil {
			h.ID = cur.ID
			h.Version = cur.Version
		}
		synced, err := o.remote.UpdateHabit(ctx, h)
		var conflict *habit.ConflictError
		if errors.As(err, &conflict) {
			resolved := o.resolver.ResolveHabit(conflict.Habit, h)
			o.logger.Info("resolved habit version conflict", "local_id", h.LocalID,
				"server_version", conflict.Habit.Version, "local_version", h.Version)
			return o.adoptHabit(ctx, resolved)
		}
		if err != nil {
			return err
		}
		return o.adoptHabit(ctx, synced)

	case OpDelete:
		if err := o.remote.DeleteHabit(ctx, op.LocalID); err != nil {
			return err
		}
		return o.local.PurgeHabit(ctx, op.LocalID)

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

func (o *Orchestrator) applyCompletionOp(ctx context.Context, op Op) error {
	switch op.Kind {
	case OpCreate:
		c := op.Completion.Clone()
		// The owning habit may have gained its server id earlier in the
		// pass; the server also resolves by habit local id.
		if owner, err := o.local.GetHabit(ctx, c.HabitLocalID); err == nil {
			c.HabitID = owner.ID
		}
		synced, err := o.remote.CreateCompletion(ctx, c)
		if err != nil {
			return err
		}
		return o.adoptCompletion(ctx, synced)

	case OpUpdate:
		c := op.Completion.Clone()
		if cur, err := o.local.GetCompletion(ctx, c.LocalID); err == nil {
			c.ID = cur.ID
			c.Version = cur.Version
		}
		synced, err := o.remote.UpdateCompletion(ctx, c)
		var conflict *habit.ConflictError
		if errors.As(err, &conflict) {
			resolved := o.resolver.ResolveCompletion(conflict.Completion, c)
			o.logger.Info("resolved completion version conflict", "local_id", c.LocalID)
			return o.adoptCompletion(ctx, resolved)
		}
		if err != nil {
			return err
		}
		return o.adoptCompletion(ctx, synced)

	case OpDelete:
		if err := o.remote.DeleteCompletion(ctx, op.LocalID); err != nil {
			return err
		}
		return o.local.PurgeCompletion(ctx, op.LocalID)

	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}

// adoptHabit materializes a server-confirmed record into the local store.
func (o *Orchestrator) adoptHabit(ctx context.Context, h *habit.Habit) error {
	confirmed := h.Clone()
	confirmed.ShouldSync = false
	if err := o.local.SaveHabit(ctx, confirmed); err != nil {
		return fmt.Errorf("failed to adopt synced habit: %w", err)
	}
	return nil
}

func (o *Orchestrator) adoptCompletion(ctx context.Context, c *habit.Completion) error {
	confirmed := c.Clone()
	confirmed.ShouldSync = false
	if err := o.local.SaveCompletion(ctx, confirmed); err != nil {
		return fmt.Errorf("failed to adopt synced completion: %w", err)
	}
	return nil
}
