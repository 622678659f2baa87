// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitsync

import "errors"

// State is the orchestrator's connectivity/sync state.
type State int

const (
	StateOffline State = iota
	StateOnlineIdle
	StateOnlineSyncing
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateOnlineIdle:
		return "online_idle"
	case StateOnlineSyncing:
		return "online_syncing"
	default:
		return "unknown"
	}
}

// ErrOffline is returned by ForceSync when invoked without connectivity.
var ErrOffline = errors.New("cannot sync while offline")

// SyncStatus is the derived status surface consumed by the UI.
type SyncStatus struct {
	LastSyncTime   string `json:"last_sync_time,omitempty"`
	IsOnline       bool   `json:"is_online"`
	PendingChanges int    `json:"pending_changes"`
}
