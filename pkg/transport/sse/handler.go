// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package sse

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cyfrworks/cyfr/pkg/logger"
)

// KeepAliveInterval is how often an idle stream emits a comment so proxies
// keep the connection open.
const KeepAliveInterval = 15 * time.Second

// ServeStream writes a session's event stream to the client until it
// disconnects. Replay starts after the Last-Event-ID header when the
// client sends one.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Disable response buffering in nginx-style proxies.
	w.Header().Set("X-Accel-Buffering", "no")

	var afterID uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		parsed, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-ID", http.StatusBadRequest)
			return
		}
		afterID = parsed
	}

	backlog, ch, cancel := h.Subscribe(sessionID, afterID)
	defer cancel()

	w.WriteHeader(http.StatusOK)
	for _, e := range backlog {
		if _, err := fmt.Fprint(w, e.Encode()); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debugw("SSE client disconnected", "session_id", sessionID)
			return
		case e, open := <-ch:
			if !open {
				// Dropped as a slow consumer or the session terminated.
				return
			}
			if _, err := fmt.Fprint(w, e.Encode()); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
