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

// Package engine runs the coding workflow's stage agents over a shared
// WorkflowState as a DAG, with per-stage timeouts, retries, and a
// continue/fail-fast error policy (§4.1).
package engine

import (
	"context"
	"time"

	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Agent is one stage of the workflow. Implementations live under
// pkg/agents/*; Execute reads from the snapshot it is given and returns
// the Mutation the orchestrator should merge on its behalf. Agents never
// touch the shared state directly -- that's the whole point of routing
// every write through workflowstate.Manager.Merge.
type Agent interface {
	Execute(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error)

func (f AgentFunc) Execute(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error) {
	return f(ctx, state)
}

// RetryCondition decides whether a failed attempt is worth retrying.
// The default (nil) retries only errors that unwrap to a
// *model.ProcessingError reporting Retryable() == true.
type RetryCondition func(error) bool

// StepConfig registers one agent with the orchestrator (§4.1
// "Registration"). DependsOn names stages that must complete before
// this stage becomes eligible; a dependent only runs once every
// non-optional dependency has succeeded; otherwise it is skipped
// without its Agent ever being invoked, and that skip cascades to its
// own dependents in turn.
type StepConfig struct {
	Name      model.StageName
	Agent     Agent
	DependsOn []model.StageName

	// Priority breaks ties among simultaneously-ready steps; higher runs
	// first. Ties are otherwise broken by registration order.
	Priority int

	Timeout time.Duration

	// Optional marks a stage whose failure never trips the fail-fast
	// error policy, even when ErrorPolicyFailFast is configured.
	Optional bool

	MaxRetries     int
	RetryBackoff   time.Duration
	RetryCondition RetryCondition
}

func (c StepConfig) effectiveTimeout(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return fallback
}

func defaultRetryCondition(err error) bool {
	var pe *model.ProcessingError
	if asProcessingError(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// asProcessingError is a tiny errors.As wrapper kept local to avoid an
// import cycle concern with model; it walks Unwrap manually since
// ProcessingError doesn't implement Unwrap over a wrapped cause.
func asProcessingError(err error, target **model.ProcessingError) bool {
	for err != nil {
		if pe, ok := err.(*model.ProcessingError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
