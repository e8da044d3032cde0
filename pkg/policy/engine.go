// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// Engine resolves effective policies for component references and hands
// out per-reference rate limiters for the host HTTP import.
type Engine struct {
	store *store.Store

	mu       sync.Mutex
	limiters map[string]*refLimiter
}

type refLimiter struct {
	limiter *rate.Limiter
	params  RateLimit
}

// NewEngine returns an engine over the relational store. Policy reads are
// cache-through inside the store.
func NewEngine(st *store.Store) *Engine {
	return &Engine{
		store:    st,
		limiters: map[string]*refLimiter{},
	}
}

// Effective returns the policy to enforce for a reference: the stored one
// when present, otherwise the type-aware default. stored reports which.
func (e *Engine) Effective(ctx context.Context, ref refs.Ref) (p *HostPolicy, stored bool, err error) {
	data, err := e.store.GetPolicyData(ctx, ref.String())
	if errors.Is(err, store.ErrNotFound) {
		return DefaultFor(ref.Type), false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("decoding stored policy for %s: %w", ref, err)
	}
	p, err = FromMap(ref.Type, m)
	if err != nil {
		return nil, false, fmt.Errorf("stored policy for %s: %w", ref, err)
	}
	return p, true, nil
}

// Upsert persists the policy in canonical map form. The store invalidates
// the cached entry, so the next Effective observes the new document.
func (e *Engine) Upsert(ctx context.Context, ref refs.Ref, p *HostPolicy) error {
	data, err := json.Marshal(p.ToMap())
	if err != nil {
		return fmt.Errorf("encoding policy for %s: %w", ref, err)
	}
	if err := e.store.PutPolicyData(ctx, ref.String(), string(ref.Type), data); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.limiters, ref.String())
	e.mu.Unlock()
	return nil
}

// Delete removes the stored policy; the reference falls back to defaults.
func (e *Engine) Delete(ctx context.Context, ref refs.Ref) error {
	if err := e.store.DeletePolicy(ctx, ref.String()); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.limiters, ref.String())
	e.mu.Unlock()
	return nil
}

// List returns the references with stored policies.
func (e *Engine) List(ctx context.Context) ([]string, error) {
	return e.store.ListPolicyRefs(ctx)
}

// Limiter returns the shared rate limiter for a reference, rebuilt when
// the policy's rate parameters change. A zero-request limit blocks every
// Allow call.
func (e *Engine) Limiter(ref string, rl RateLimit) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.limiters[ref]; ok && existing.params == rl {
		return existing.limiter
	}

	var limiter *rate.Limiter
	if rl.Requests <= 0 || rl.Window <= 0 {
		limiter = rate.NewLimiter(0, 0)
	} else {
		perSecond := rate.Limit(float64(rl.Requests) / rl.Window.Seconds())
		limiter = rate.NewLimiter(perSecond, rl.Requests)
	}
	e.limiters[ref] = &refLimiter{limiter: limiter, params: rl}
	return limiter
}
