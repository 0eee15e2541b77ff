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

package llm

import "context"

// Provider is the unified interface every remote model backend
// implements. Implementations must be safe for concurrent use.
type Provider interface {
	Name() string
	Type() ProviderType

	// Complete runs a free-text completion (§8 "CompleteText").
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
	Capabilities() []Capability
	SupportsStreaming() bool
	EstimateCost(req CompletionRequest) *CostEstimate
}

// StructuredProvider extends Provider for backends that can be asked to
// return JSON conforming to a schema (§8 "CompleteStructured").
type StructuredProvider interface {
	Provider

	CompleteStructured(ctx context.Context, req CompletionRequest, schema map[string]any) (*CompletionResponse, error)
}

// CompleteText runs a free-text completion through p, applying no
// schema constraints. It exists as a package-level operation (rather
// than a bare method call) so stage agents have one obvious entry point
// regardless of whether the underlying provider is a plain Provider or
// a StructuredProvider (§8).
func CompleteText(ctx context.Context, p Provider, req CompletionRequest) (*CompletionResponse, error) {
	req.JSONSchema = nil
	return p.Complete(ctx, req)
}

// CompleteStructured runs a schema-constrained completion through p if
// it supports StructuredProvider, or falls back to setting the request's
// JSONSchema field and calling Complete for providers that don't (§8).
func CompleteStructured(ctx context.Context, p Provider, req CompletionRequest, schema map[string]any) (*CompletionResponse, error) {
	if sp, ok := p.(StructuredProvider); ok {
		return sp.CompleteStructured(ctx, req, schema)
	}
	req.JSONSchema = schema
	return p.Complete(ctx, req)
}
