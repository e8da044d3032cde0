// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package transport is the HTTP face of the server: JSON-RPC 2.0 over POST
// /mcp (single or batch), session lifecycle, the SSE stream, and the
// liveness and metrics endpoints. It authenticates every request, then
// hands tool calls to the router.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/telemetry"
	"github.com/cyfrworks/cyfr/pkg/tools"
	"github.com/cyfrworks/cyfr/pkg/transport/sse"
)

const (
	methodInitialize = "initialize"

	// maxBodyBytes bounds a POST /mcp body; WASM uploads ride inside
	// base64 tool arguments, so this needs headroom.
	maxBodyBytes = 32 << 20

	shutdownGrace = 10 * time.Second
)

// Options wires the server's collaborators. Hub, JWT, Requests, and
// Telemetry may be nil; the corresponding features degrade to no-ops.
type Options struct {
	Router    *tools.Router
	Sessions  *authn.SessionManager
	Keys      *authn.KeyManager
	JWT       *authn.JWTValidator
	Hub       *sse.Hub
	Requests  *audit.RequestLogger
	Telemetry *telemetry.Provider
	Version   string
}

// Server serves the MCP endpoint set on one listener.
type Server struct {
	router   *tools.Router
	sessions *authn.SessionManager
	keys     *authn.KeyManager
	jwt      *authn.JWTValidator
	hub      *sse.Hub
	requests *audit.RequestLogger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
	version  string

	http *http.Server
}

// NewServer builds the HTTP server bound to addr.
func NewServer(addr string, opts Options) *Server {
	s := &Server{
		router:   opts.Router,
		sessions: opts.Sessions,
		keys:     opts.Keys,
		jwt:      opts.JWT,
		hub:      opts.Hub,
		requests: opts.Requests,
		version:  opts.Version,
		tracer:   tracenoop.NewTracerProvider().Tracer(""),
	}
	if opts.Telemetry != nil {
		s.metrics = opts.Telemetry.Metrics()
		s.tracer = opts.Telemetry.TracerProvider().Tracer("github.com/cyfrworks/cyfr/pkg/transport")
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Post("/mcp", s.handleMCP)
	r.Delete("/mcp", s.handleDeleteSession)
	r.Get("/mcp/sse", s.handleSSE)
	r.Get("/api/health", s.handleHealth)
	if opts.Telemetry != nil {
		if h := opts.Telemetry.PrometheusHandler(); h != nil {
			r.Method(http.MethodGet, "/metrics", h)
		}
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route tree, mainly for tests on httptest servers.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	return s.http.Serve(ln)
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests, bounded by a grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (*Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	requestID := "req_" + uuid.Must(uuid.NewV7()).String()
	w.Header().Set(headerRequestID, requestID)
	w.Header().Set(headerProtocol, ProtocolVersion)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, nil, cyfrerr.NewInvalidRequestError("reading request body failed", err))
		return
	}

	batch, batched, err := decodeBatch(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, nil, err)
		return
	}

	auth, gateErr := s.authenticate(r, batch[0].Method)
	if gateErr != nil {
		s.writeError(w, gateErr.status, batch[0].ID, gateErr.err)
		return
	}

	// initialize mints a session; anything else needs one unless the
	// caller authenticated statelessly.
	if auth.sessionID == "" {
		switch {
		case batch[0].Method == methodInitialize:
			sess, err := s.sessions.Create(r.Context(), auth.identity.StorageUserID(),
				auth.identity.Email, string(auth.identity.AuthMethod), auth.identity.Permissions)
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, batch[0].ID,
					cyfrerr.NewInternalError("session create failed", err))
				return
			}
			auth.sessionID = sess.ID
			w.Header().Set(headerSessionID, sess.ID)
		case !auth.identity.Authenticated():
			s.writeError(w, http.StatusBadRequest, batch[0].ID,
				cyfrerr.NewSessionRequiredError("initialize first or present credentials", nil))
			return
		}
	}

	ctx := authn.WithIdentity(r.Context(), auth.identity)
	ctx = authn.WithRequestID(ctx, requestID)

	responses := make([]*rpcResponse, 0, len(batch))
	for i := range batch {
		logID := requestID
		if batched {
			logID = fmt.Sprintf("%s_%d", requestID, i)
		}
		if resp := s.serveElement(ctx, logID, auth, &batch[i]); resp != nil {
			responses = append(responses, resp)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case len(responses) == 0:
		// All notifications; nothing to say.
		w.WriteHeader(http.StatusAccepted)
	case batched:
		writeJSON(w, responses)
	default:
		writeJSON(w, responses[0])
	}
}

// serveElement runs one envelope through dispatch with its observability
// wrapping. Notifications return nil.
func (s *Server) serveElement(ctx context.Context, logID string, auth *authResult, req *rpcRequest) *rpcResponse {
	tool, action := callTarget(req)
	ctx, span := s.tracer.Start(ctx, "mcp."+req.Method, trace.WithAttributes(
		attribute.String("rpc.method", req.Method),
		attribute.String("mcp.tool", tool),
		attribute.String("mcp.action", action),
	))
	defer span.End()

	if s.requests != nil {
		s.requests.Started(ctx, audit.RequestStart{
			RequestID: logID,
			SessionID: auth.sessionID,
			UserID:    auth.identity.StorageUserID(),
			Method:    req.Method,
			Tool:      tool,
			Action:    action,
			RoutedTo:  tools.RoutedTo[tool],
			Params:    req.Params,
		})
	}

	started := time.Now()
	result, err := s.dispatch(ctx, req)
	elapsed := time.Since(started)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.metrics != nil {
		s.metrics.RecordRequest(ctx, req.Method, status, elapsed)
	}

	if err != nil {
		if s.requests != nil {
			s.requests.Failed(ctx, logID, cyfrerr.JSONRPCCode(err), elapsed, nil)
		}
		if req.notification() {
			return nil
		}
		resp := errorResponse(req.ID, err)
		s.publish(ctx, auth.sessionID, resp)
		return resp
	}

	if s.requests != nil {
		s.requests.Completed(ctx, logID, elapsed, result)
	}
	if req.notification() {
		return nil
	}
	resp := resultResponse(req.ID, result)
	s.publish(ctx, auth.sessionID, resp)
	return resp
}

// dispatch handles one method. Anything the server does not model is a
// method-not-found, including unsolicited notifications.
func (s *Server) dispatch(ctx context.Context, req *rpcRequest) (any, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	switch req.Method {
	case methodInitialize:
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{
				"name":    "cyfrd",
				"version": s.version,
			},
		}, nil

	case "notifications/initialized", "notifications/cancelled":
		return nil, nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		return map[string]any{"tools": s.router.Tools()}, nil

	case "resources/list":
		return map[string]any{"resources": []any{}}, nil

	case "tools/call":
		return s.callTool(ctx, req)

	default:
		return nil, cyfrerr.NewMethodNotFoundError(fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (s *Server) callTool(ctx context.Context, req *rpcRequest) (any, error) {
	name := gjson.GetBytes(req.Params, "name").String()
	if name == "" {
		return nil, cyfrerr.NewInvalidParamsError("tool name is required", nil)
	}
	args := json.RawMessage(gjson.GetBytes(req.Params, "arguments").Raw)

	out, err := s.router.Handle(ctx, name, args)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, cyfrerr.NewInternalError("tool result not encodable", err)
	}
	return mcp.NewToolResultText(string(encoded)), nil
}

// publish mirrors a response onto the session's SSE stream. Best-effort.
func (s *Server) publish(ctx context.Context, sessionID string, resp *rpcResponse) {
	if s.hub == nil || sessionID == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Warnw("SSE payload not encodable", "request_id", authn.RequestIDFromContext(ctx), "error", err)
		return
	}
	s.hub.Publish(sessionID, "message", data)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		s.writeError(w, http.StatusBadRequest, nil, cyfrerr.NewSessionRequiredError("Mcp-Session-Id header is required", nil))
		return
	}

	if err := s.sessions.Terminate(r.Context(), sid); err != nil {
		s.writeError(w, http.StatusNotFound, nil, cyfrerr.NewSessionExpiredError("session is unknown", err))
		return
	}
	if s.hub != nil {
		s.hub.DropSession(sid)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(headerSessionID)
	if sid == "" {
		s.writeError(w, http.StatusBadRequest, nil, cyfrerr.NewSessionRequiredError("Mcp-Session-Id header is required", nil))
		return
	}
	if _, err := s.sessions.Get(r.Context(), sid); err != nil {
		s.writeError(w, http.StatusNotFound, nil, cyfrerr.NewSessionExpiredError("session is unknown or expired", err))
		return
	}
	if s.hub == nil {
		http.Error(w, "streaming disabled", http.StatusNotImplemented)
		return
	}
	s.hub.ServeStream(w, r, sid)
}

// callTarget extracts the tool and action of a tools/call for logging and
// tracing; empty strings for every other method.
func callTarget(req *rpcRequest) (tool, action string) {
	if req.Method != "tools/call" {
		return "", ""
	}
	return gjson.GetBytes(req.Params, "name").String(),
		gjson.GetBytes(req.Params, "arguments.action").String()
}

func (*Server) writeError(w http.ResponseWriter, status int, id json.RawMessage, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(errorResponse(id, err)); encodeErr != nil {
		logger.Debugw("Error response write failed", "error", encodeErr)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("Response write failed", "error", err)
	}
}
