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

// Package agentapi gives every stage agent the same five-step contract
// (§4.2): verify required services are present, invoke the agent's
// internal logic, normalize panics to critical errors, post-validate
// the result shape, and stamp execution-time metadata. A stage agent
// under pkg/agents/* builds one Envelope and nothing else implements
// engine.Agent directly.
package agentapi

import (
	"context"
	"fmt"
	"time"

	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Logic is a stage agent's domain behavior: read the snapshot, decide
// what changed, return the mutation to merge. It must not wrap Execute
// in its own recover() -- that's the envelope's job.
type Logic func(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error)

// Validator inspects a successful mutation's shape before it's allowed
// to reach the state manager (§4.2 step 4, "post-validate result
// shape"). Returning a non-nil error turns a logically-successful
// Logic call into a failed stage.
type Validator func(workflowstate.Mutation) error

// ServiceCheck names one dependency a stage agent needs before it can
// run (an LLM provider, the reference store, vector search, ...) and a
// way to ask whether it's wired up.
type ServiceCheck struct {
	Name  string
	Ready func() bool
}

// Envelope adapts a stage agent's Logic into engine.Agent, applying the
// standardized contract around it.
type Envelope struct {
	Name    model.StageName
	Version string

	RequiredServices []ServiceCheck
	Logic            Logic
	Validate         Validator
}

// Execute implements engine.Agent.
func (e Envelope) Execute(ctx context.Context, state model.WorkflowState) (mut workflowstate.Mutation, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = model.NewProcessingError(string(e.Name), model.ErrorKindUnknown, model.SeverityCritical,
				fmt.Sprintf("panic in agent %q: %v", e.Name, r))
			mut = workflowstate.Mutation{Step: e.Name, Status: model.StepFailure}
		}
		mut.Result.Metadata.ExecutionTime = time.Since(start)
		mut.Result.Metadata.Version = e.Version
		mut.Result.Metadata.AgentName = e.Name
	}()

	for _, svc := range e.RequiredServices {
		if svc.Ready == nil || !svc.Ready() {
			return workflowstate.Mutation{Step: e.Name, Status: model.StepFailure}, model.NewProcessingError(
				string(e.Name), model.ErrorKindNotFound, model.SeverityCritical,
				fmt.Sprintf("required service %q is not available", svc.Name))
		}
	}

	if e.Logic == nil {
		return workflowstate.Mutation{Step: e.Name, Status: model.StepFailure}, model.NewProcessingError(
			string(e.Name), model.ErrorKindUnknown, model.SeverityCritical, "agent has no logic configured")
	}

	mut, err = e.Logic(ctx, state)
	if err != nil {
		if mut.Step == "" {
			mut.Step = e.Name
		}
		if mut.Status == "" {
			mut.Status = model.StepFailure
		}
		return mut, err
	}
	mut.Step = e.Name
	if mut.Status == "" {
		mut.Status = model.StepSuccess
	}

	if e.Validate != nil {
		if verr := e.Validate(mut); verr != nil {
			mut.Status = model.StepFailure
			return mut, model.NewProcessingError(string(e.Name), model.ErrorKindValidation, model.SeverityHigh, verr.Error())
		}
	}

	return mut, nil
}
