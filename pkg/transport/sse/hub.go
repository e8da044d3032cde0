// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sse fans server events out to per-session event streams. Each
// session keeps a bounded replay buffer so a reconnecting client can
// resume from its Last-Event-ID.
package sse

import (
	"fmt"
	"strings"
	"sync"
)

// BufferSize is the per-session replay capacity. Events older than the
// newest BufferSize are gone; clients that fall further behind miss them.
const BufferSize = 256

// Event is one server-sent event. IDs are monotonic per session, starting
// at 1.
type Event struct {
	ID   uint64
	Name string
	Data []byte
}

// Encode renders the event in wire format.
func (e Event) Encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %d\n", e.ID)
	if e.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Name)
	}
	// Multi-line payloads need one data: line each.
	for _, line := range strings.Split(string(e.Data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	return b.String()
}

// stream is the per-session state: a ring of recent events plus the live
// subscriber channels.
type stream struct {
	next uint64
	ring []Event
	subs map[chan Event]struct{}
}

// Hub routes events to session streams.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{streams: map[string]*stream{}}
}

func (h *Hub) stream(sessionID string) *stream {
	s, ok := h.streams[sessionID]
	if !ok {
		s = &stream{next: 1, subs: map[chan Event]struct{}{}}
		h.streams[sessionID] = s
	}
	return s
}

// Publish appends an event to the session's stream and delivers it to the
// live subscribers. Slow subscribers are dropped rather than blocking the
// publisher; they resume from the replay buffer on reconnect.
func (h *Hub) Publish(sessionID, name string, data []byte) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stream(sessionID)
	e := Event{ID: s.next, Name: name, Data: data}
	s.next++

	s.ring = append(s.ring, e)
	if len(s.ring) > BufferSize {
		s.ring = s.ring[len(s.ring)-BufferSize:]
	}

	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			delete(s.subs, ch)
			close(ch)
		}
	}
	return e.ID
}

// Subscribe attaches to a session's stream. The returned backlog holds
// every buffered event with ID greater than afterID, and the channel
// carries everything published later. cancel detaches and closes the
// channel.
func (h *Hub) Subscribe(sessionID string, afterID uint64) (backlog []Event, ch chan Event, cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := h.stream(sessionID)
	for _, e := range s.ring {
		if e.ID > afterID {
			backlog = append(backlog, e)
		}
	}

	ch = make(chan Event, BufferSize)
	s.subs[ch] = struct{}{}

	cancel = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, live := s.subs[ch]; live {
			delete(s.subs, ch)
			close(ch)
		}
	}
	return backlog, ch, cancel
}

// DropSession discards a session's stream and disconnects its subscribers,
// used when the session terminates.
func (h *Hub) DropSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.streams[sessionID]
	if !ok {
		return
	}
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
	delete(h.streams, sessionID)
}

// Sessions returns the number of sessions with stream state, for tests and
// diagnostics.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
