// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/policy"
	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/sandbox"
)

// bindings builds the capability set for one invocation. Every guest
// capability is gated by the effective policy; denials surface to the
// guest as policy_violation host errors and are written to the policy
// decision log.
func (k *Kernel) bindings(execID string, ref refs.Ref, pol *policy.HostPolicy, preloaded map[string]string) sandbox.HostBindings {
	limiter := k.policies.Limiter(ref.String(), pol.RateLimit)

	deny := func(ctx context.Context, reason string) *sandbox.HostError {
		k.plog.Record(ctx, audit.PolicyDecision{
			ComponentRef:  ref.String(),
			ComponentType: string(ref.Type),
			ExecutionID:   execID,
			UserID:        callerIdentity(ctx).StorageUserID(),
			Allowed:       false,
			Reason:        reason,
			Policy:        pol.ToMap(),
		})
		return &sandbox.HostError{Code: sandbox.CodePolicyViolation, Message: reason}
	}
	allow := func(ctx context.Context, what string) {
		k.plog.Record(ctx, audit.PolicyDecision{
			ComponentRef:  ref.String(),
			ComponentType: string(ref.Type),
			ExecutionID:   execID,
			UserID:        callerIdentity(ctx).StorageUserID(),
			Allowed:       true,
			Reason:        what,
			Policy:        pol.ToMap(),
		})
	}

	b := sandbox.HostBindings{
		SecretRead: func(_ context.Context, name string) (string, error) {
			value, ok := preloaded[name]
			if !ok {
				return "", &sandbox.HostError{
					Code:    sandbox.CodeSecretUnavailable,
					Message: fmt.Sprintf("secret %q is not granted to this component", name),
				}
			}
			return value, nil
		},

		StorageRead: func(ctx context.Context, path string) ([]byte, error) {
			if !pol.AllowsStoragePath(path) {
				return nil, deny(ctx, fmt.Sprintf("storage path %q is outside the allowed prefixes", path))
			}
			return k.adapter.Get(ctx, splitPath(path)...)
		},
		StorageWrite: func(ctx context.Context, path string, data []byte) error {
			if !pol.AllowsStoragePath(path) {
				return deny(ctx, fmt.Sprintf("storage path %q is outside the allowed prefixes", path))
			}
			return k.adapter.Put(ctx, data, splitPath(path)...)
		},
		StorageList: func(ctx context.Context, path string) ([]string, error) {
			if !pol.AllowsStoragePath(path) {
				return nil, deny(ctx, fmt.Sprintf("storage path %q is outside the allowed prefixes", path))
			}
			return k.adapter.List(ctx, splitPath(path)...)
		},
		StorageDelete: func(ctx context.Context, path string) error {
			if !pol.AllowsStoragePath(path) {
				return deny(ctx, fmt.Sprintf("storage path %q is outside the allowed prefixes", path))
			}
			return k.adapter.Delete(ctx, splitPath(path)...)
		},

		Log: func(level, message string) {
			switch level {
			case "error":
				logger.Errorw("Guest log", "execution_id", execID, "message", message)
			case "warn":
				logger.Warnw("Guest log", "execution_id", execID, "message", message)
			default:
				logger.Debugw("Guest log", "execution_id", execID, "message", message)
			}
		},
	}

	b.HTTPRequest = func(ctx context.Context, req sandbox.HTTPRequest) (*sandbox.HTTPResponse, error) {
		method := strings.ToUpper(req.Method)
		if method == "" {
			method = http.MethodGet
		}
		if !pol.AllowsMethod(method) {
			return nil, deny(ctx, fmt.Sprintf("method %s is not in allowed_methods", method))
		}
		parsed, err := url.Parse(req.URL)
		if err != nil || parsed.Host == "" {
			return nil, &sandbox.HostError{Code: sandbox.CodeHostError,
				Message: fmt.Sprintf("url %q is not absolute", req.URL)}
		}
		if parsed.Scheme != "https" && parsed.Scheme != "http" {
			return nil, deny(ctx, fmt.Sprintf("scheme %q is not allowed", parsed.Scheme))
		}
		if !pol.AllowsDomain(parsed.Hostname()) {
			return nil, deny(ctx, fmt.Sprintf("domain %q is not in allowed_domains", parsed.Hostname()))
		}
		if !limiter.Allow() {
			return nil, deny(ctx, fmt.Sprintf("rate limit %s exceeded", pol.RateLimit))
		}
		if int64(len(req.Body)) > pol.MaxRequestSize {
			return nil, deny(ctx, fmt.Sprintf("request body exceeds max_request_size %s", policy.FormatByteSize(pol.MaxRequestSize)))
		}

		httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader([]byte(req.Body)))
		if err != nil {
			return nil, &sandbox.HostError{Code: sandbox.CodeHostError, Message: err.Error()}
		}
		for name, value := range req.Headers {
			httpReq.Header.Set(name, value)
		}
		resp, err := k.client.Do(httpReq)
		if err != nil {
			return nil, &sandbox.HostError{Code: sandbox.CodeHostError, Message: err.Error()}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, pol.MaxResponseSize+1))
		if err != nil {
			return nil, &sandbox.HostError{Code: sandbox.CodeHostError, Message: err.Error()}
		}
		if int64(len(body)) > pol.MaxResponseSize {
			return nil, &sandbox.HostError{Code: sandbox.CodeHostError,
				Message: fmt.Sprintf("response exceeds max_response_size %s", policy.FormatByteSize(pol.MaxResponseSize))}
		}
		allow(ctx, fmt.Sprintf("%s %s://%s", method, parsed.Scheme, parsed.Hostname()))

		headers := make(map[string]string, len(resp.Header))
		for name := range resp.Header {
			headers[name] = resp.Header.Get(name)
		}
		return &sandbox.HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: string(body)}, nil
	}

	b.ToolCall = func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
		if ref.Type != refs.TypeFormula {
			return nil, &sandbox.HostError{Code: sandbox.CodeCapabilityUnavailable,
				Message: fmt.Sprintf("%s components cannot call tools", ref.Type)}
		}
		if !pol.AllowsTool(name) {
			return nil, deny(ctx, fmt.Sprintf("tool %q is not in allowed_tools", name))
		}
		k.mu.Lock()
		invoker := k.invoker
		k.mu.Unlock()
		if invoker == nil {
			return nil, &sandbox.HostError{Code: sandbox.CodeCapabilityUnavailable,
				Message: "tool routing is not available"}
		}
		result, err := invoker.Invoke(WithParentExecution(ctx, execID), name, args)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return nil, &sandbox.HostError{Code: sandbox.CodeHostError, Message: err.Error()}
		}
		return data, nil
	}

	return b
}

// splitPath turns a guest-supplied slash path into adapter segments.
func splitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}
