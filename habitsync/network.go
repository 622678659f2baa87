// Copyright 2026 Habitloop Authors
// SPDX-License-Identifier: Apache-2.0

package habitsync

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Monitor is the network-reachability signal the orchestrator subscribes to
// for its lifetime. Subscribe returns a channel of online/offline events and
// a cancel func that releases the subscription.
type Monitor interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// FlagMonitor is a Monitor driven by explicit SetOnline calls, for hosts
// that already receive connectivity events from their runtime (and for
// tests).
type FlagMonitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
}

// NewFlagMonitor returns a monitor with the given initial state.
func NewFlagMonitor(online bool) *FlagMonitor {
	return &FlagMonitor{online: online, subs: make(map[int]chan bool)}
}

// Online reports the current connectivity state.
func (m *FlagMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a connectivity transition and notifies subscribers.
// Repeated calls with the same state are dropped. Delivery never blocks and
// coalesces: a subscriber that has not consumed the previous event sees only
// the latest state. The lock is held across delivery so a concurrent cancel
// cannot close a channel mid-broadcast.
func (m *FlagMonitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	for _, ch := range m.subs {
		deliver(ch, online)
	}
}

// deliver pushes the latest state without blocking, displacing an unconsumed
// older event when the subscriber is lagging.
func deliver(ch chan bool, online bool) {
	for {
		select {
		case ch <- online:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe registers a new event channel. The channel holds at most one
// pending event; cancel closes it.
func (m *FlagMonitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// ProbeMonitor derives connectivity by periodically probing an HTTP
// endpoint (typically the sync server's health route). It embeds a
// FlagMonitor for subscription bookkeeping.
type ProbeMonitor struct {
	*FlagMonitor
	URL      string
	Interval time.Duration
	HTTP     *http.Client
}

// NewProbeMonitor creates a probe against url, assuming offline until the
// first probe succeeds.
func NewProbeMonitor(url string, interval time.Duration) *ProbeMonitor {
	return &ProbeMonitor{
		FlagMonitor: NewFlagMonitor(false),
		URL:         url,
		Interval:    interval,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
	}
}

// Run probes until ctx is cancelled, emitting transitions through the
// embedded FlagMonitor.
func (m *ProbeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		m.SetOnline(m.probe(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *ProbeMonitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.URL, nil)
	if err != nil {
		return false
	}
	resp, err := m.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
