// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package router implements the failover half of §4.9 "Backend
// Failover": a single llm.StructuredProvider that tries the primary
// endpoint first and falls over to a fallback the instant the backend
// health manager's sliding window flips the primary unhealthy, or the
// instant a primary call itself fails. A success on the fallback resets
// only the fallback's own failure window; traffic drains back to the
// primary once its recorded failures age out of the window or a primary
// call succeeds.
package router

import (
	"context"
	"fmt"

	"github.com/oxkair/codingflow/pkg/backend"
	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/model"
)

// Router wraps a primary and an optional fallback llm.Provider behind
// the health manager's sliding window. Fallback may be nil, in which
// case Router behaves as a thin pass-through to Primary.
//
// When Stage is set, Router instead routes through the health
// manager's §4.9 stage-assignment contract: every call re-resolves
// Stage's currently assigned endpoint via Health.GetAssignedBackend,
// and failures/successes are recorded per stage rather than against
// the static PrimaryEndpoint/FallbackEndpoint keys. Primary is still
// consulted for the identity methods (Name, Type, Capabilities, ...)
// since those carry no context to resolve a backend dynamically.
type Router struct {
	Primary          llm.Provider
	PrimaryEndpoint  string
	Fallback         llm.Provider
	FallbackEndpoint string
	Health           *backend.Manager

	// Stage enables stage-assignment routing (§4.9) instead of the
	// static Primary/Fallback pair above.
	Stage model.StageName
}

var _ llm.StructuredProvider = (*Router)(nil)

func (r *Router) Name() string                     { return r.Primary.Name() }
func (r *Router) Type() llm.ProviderType            { return r.Primary.Type() }
func (r *Router) Capabilities() []llm.Capability    { return r.Primary.Capabilities() }
func (r *Router) SupportsStreaming() bool           { return r.Primary.SupportsStreaming() }
func (r *Router) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	return r.Primary.EstimateCost(req)
}

func (r *Router) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	return r.Primary.HealthCheck(ctx)
}

// Complete implements llm.Provider, routing per §4.9.
func (r *Router) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return r.route(ctx, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CompleteStructured implements llm.StructuredProvider, routing per
// §4.9 and preferring each provider's native structured-output path
// when it has one.
func (r *Router) CompleteStructured(ctx context.Context, req llm.CompletionRequest, schema map[string]any) (*llm.CompletionResponse, error) {
	return r.route(ctx, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return llm.CompleteStructured(ctx, p, req, schema)
	})
}

// route implements the selection and failover policy shared by Complete
// and CompleteStructured: skip straight to the fallback if the health
// manager already has the primary marked unhealthy, otherwise try the
// primary and fail over on error, recording the outcome either way.
func (r *Router) route(ctx context.Context, call func(llm.Provider) (*llm.CompletionResponse, error)) (*llm.CompletionResponse, error) {
	if r.Stage != "" && r.Health != nil {
		return r.routeByAssignment(ctx, call)
	}

	if r.Fallback != nil && r.Health != nil {
		if healthy, err := r.Health.IsHealthy(ctx, r.PrimaryEndpoint); err == nil && !healthy {
			return r.callFallback(ctx, call)
		}
	}

	resp, err := call(r.Primary)
	if err == nil {
		if r.Health != nil {
			_ = r.Health.RecordSuccess(ctx, r.PrimaryEndpoint)
		}
		return resp, nil
	}

	if r.Health != nil {
		_, _ = r.Health.RecordFailure(ctx, r.PrimaryEndpoint)
	}
	if r.Fallback == nil {
		return nil, fmt.Errorf("router: primary %q failed and no fallback is configured: %w", r.Primary.Name(), err)
	}
	return r.callFallback(ctx, call)
}

// routeByAssignment implements §4.9's stage-assignment routing: resolve
// Stage's currently assigned endpoint, call it, and on failure record
// it against the stage's sliding window and immediately retry whatever
// the manager now resolves to (which may have just flipped to the
// fallback endpoint).
func (r *Router) routeByAssignment(ctx context.Context, call func(llm.Provider) (*llm.CompletionResponse, error)) (*llm.CompletionResponse, error) {
	b, err := r.Health.GetAssignedBackend(ctx, r.Stage)
	if err != nil {
		return nil, fmt.Errorf("router: failed to resolve assigned backend for stage %q: %w", r.Stage, err)
	}

	resp, err := call(b.Client)
	if err == nil {
		_ = r.Health.RecordStageSuccess(ctx, r.Stage, b.Endpoint)
		return resp, nil
	}
	if _, rerr := r.Health.RecordStageFailure(ctx, r.Stage, err); rerr != nil {
		return nil, fmt.Errorf("router: stage %q call failed (%v) and the health manager update failed: %w", r.Stage, err, rerr)
	}

	retry, rerr := r.Health.GetAssignedBackend(ctx, r.Stage)
	if rerr != nil || retry.Endpoint == b.Endpoint {
		return nil, fmt.Errorf("router: stage %q failed on endpoint %q and no fallback is available: %w", r.Stage, b.Endpoint, err)
	}

	resp2, err2 := call(retry.Client)
	if err2 != nil {
		_, _ = r.Health.RecordStageFailure(ctx, r.Stage, err2)
		return nil, fmt.Errorf("router: stage %q fallback endpoint %q also failed: %w", r.Stage, retry.Endpoint, err2)
	}
	_ = r.Health.RecordStageSuccess(ctx, r.Stage, retry.Endpoint)
	return resp2, nil
}

func (r *Router) callFallback(ctx context.Context, call func(llm.Provider) (*llm.CompletionResponse, error)) (*llm.CompletionResponse, error) {
	resp, err := call(r.Fallback)
	if err != nil {
		if r.Health != nil {
			_, _ = r.Health.RecordFailure(ctx, r.FallbackEndpoint)
		}
		return nil, fmt.Errorf("router: fallback %q also failed: %w", r.Fallback.Name(), err)
	}
	if r.Health != nil {
		_ = r.Health.RecordSuccess(ctx, r.FallbackEndpoint)
	}
	return resp, nil
}
