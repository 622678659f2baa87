// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

// Package habitsync implements the offline/online synchronization core: a
// FIFO queue of pending mutations, a connectivity-driven orchestrator that
// dispatches mutations to the remote store or queues them, and a conflict
// resolver applied when a queued update loses a version compare-and-swap.
package habitsync

import (
	"context"
	"sync"

	"github.com/habitloop/habitsync/habit"
)

// OpKind identifies a pending mutation's operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one pending mutation awaiting remote application. The payload is a
// snapshot taken at enqueue time; exactly one of Habit and Completion is
// set, matching Table.
type Op struct {
	Kind       OpKind
	Table      string
	LocalID    string
	Habit      *habit.Habit
	Completion *habit.Completion
}

// Queue is the ordered, process-lifetime list of pending mutations.
// Entries are appended on any offline or failed-online mutation and removed
// only after a replay attempt reports success. The queue never deduplicates:
// repeated updates to the same record produce multiple entries replayed in
// order, last one winning.
//
// The queue is not persisted; a process restart while offline drops pending
// mutations. That is the documented baseline behavior.
type Queue struct {
	mu  sync.Mutex
	ops []Op
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends op, snapshotting record payloads so later local edits
// cannot mutate the queued state.
func (q *Queue) Enqueue(op Op) {
	op.Habit = op.Habit.Clone()
	op.Completion = op.Completion.Clone()
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
}

// Len reports the number of pending mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Snapshot returns a copy of the pending entries in order.
func (q *Queue) Snapshot() []Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Op, len(q.ops))
	copy(out, q.ops)
	return out
}

// Drain replays pending entries in insertion order. Each entry is removed
// only after apply succeeds. The pass stops at the first failure: a later
// entry must never be applied before an earlier one that is still failing,
// since out-of-order completion-date mutations would produce visibly
// inconsistent history. Failed entries stay queued for the next pass.
func (q *Queue) Drain(ctx context.Context, apply func(context.Context, Op) error) (applied int, err error) {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return applied, nil
		}
		op := q.ops[0]
		q.mu.Unlock()

		if err := apply(ctx, op); err != nil {
			return applied, err
		}

		q.mu.Lock()
		if len(q.ops) > 0 {
			q.ops = q.ops[1:]
		}
		q.mu.Unlock()
		applied++
	}
}
