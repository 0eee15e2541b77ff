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

// Package workflowstate guards the single shared WorkflowState every
// stage agent reads and writes, applying every mutation through one
// atomic merge protocol (§4.1 "State management").
package workflowstate

import (
	"fmt"
	"sync"
	"time"

	"github.com/oxkair/codingflow/pkg/model"
)

// Manager owns a case's WorkflowState and serializes every merge behind
// a single mutex, mirroring the teacher's InMemoryWorkflowStorage
// thread-safety pattern.
type Manager struct {
	mu    sync.RWMutex
	state *model.WorkflowState
}

// New wraps an existing state for merge-protocol access.
func New(initial *model.WorkflowState) *Manager {
	return &Manager{state: initial}
}

// State returns the manager's live WorkflowState pointer. Callers must
// only use this once they know no other goroutine can still be merging
// into it -- e.g. after an orchestrator run has fully drained its
// worker pool. Concurrent callers should use Snapshot instead.
func (m *Manager) State() *model.WorkflowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns a shallow copy of the current state for read-only use
// by a stage agent or the orchestrator. Slice and map fields are shared
// with the manager's copy, so callers must not mutate them; stage agents
// receive state this way precisely so they cannot do so by accident.
func (m *Manager) Snapshot() model.WorkflowState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.state
}

// Mutation describes one stage's contribution to the shared state. Only
// the fields a stage is permitted to own (§4.1 "Per-stage ownership")
// should be populated; the merge applies exactly these.
type Mutation struct {
	Step   model.StageName
	Status model.StepStatus
	Result model.AgentResult

	// CandidateProcedures, FinalProcedures, etc. are pointers so that a
	// stage which doesn't touch a field leaves it untouched in state.
	CandidateProcedures *[]model.ProcedureCode
	FinalProcedures     *[]model.ProcedureCode
	Diagnoses           *[]model.DiagnosisCode
	ModifierSuggestions *[]model.Modifier
	Compliance          *model.ComplianceResult
	Coverage            *model.CoveragePolicyResult
	ValueUnit           *model.ValueUnitResult
	FinalModifiers      *[]model.Modifier
	LineItems           *[]model.ProcedureLineItem

	Message string
}

// Merge atomically applies one stage's mutation to the shared state,
// implementing the five-step protocol of §4.1 "State management":
//  1. append the stage's evidence
//  2. append exactly one history entry
//  3. overwrite the well-known structured fields the stage owns
//  4. mark the stage completed (idempotently)
//  5. bump UpdatedAt, never letting it move backwards
func (m *Manager) Merge(mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state

	if len(mut.Result.Evidence) > 0 {
		for i := range mut.Result.Evidence {
			mut.Result.Evidence[i].ClampConfidence()
		}
		s.Evidence = append(s.Evidence, mut.Result.Evidence...)
	}

	for _, e := range mut.Result.Errors {
		s.Errors = append(s.Errors, e)
	}

	if s.AgentResults == nil {
		s.AgentResults = make(map[model.StageName]model.AgentResult)
	}
	s.AgentResults[mut.Step] = mut.Result

	if mut.CandidateProcedures != nil {
		s.CandidateProcedures = *mut.CandidateProcedures
	}
	if mut.FinalProcedures != nil {
		s.FinalProcedures = *mut.FinalProcedures
	}
	if mut.Diagnoses != nil {
		s.Diagnoses = *mut.Diagnoses
	}
	if mut.ModifierSuggestions != nil {
		s.ModifierSuggestions = *mut.ModifierSuggestions
	}
	if mut.Compliance != nil {
		s.Compliance = mut.Compliance
	}
	if mut.Coverage != nil {
		s.Coverage = mut.Coverage
	}
	if mut.ValueUnit != nil {
		s.ValueUnit = mut.ValueUnit
	}
	if mut.FinalModifiers != nil {
		s.FinalModifiers = *mut.FinalModifiers
	}
	if mut.LineItems != nil {
		s.LineItems = *mut.LineItems
	}

	if !s.IsStepCompleted(mut.Step) {
		s.CompletedSteps = append(s.CompletedSteps, mut.Step)
	}
	s.CurrentStep = mut.Step

	s.History = append(s.History, model.HistoryEntry{
		Step:      mut.Step,
		Status:    mut.Status,
		Timestamp: time.Now().UTC(),
		Message:   mut.Message,
	})

	now := time.Now().UTC()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
	s.Version++

	return nil
}

// RecordFatal appends a fatal error and a failure history entry directly
// to state outside of the normal stage-mutation path. The orchestrator
// does not call it; failed stages are recorded through Merge.
func (m *Manager) RecordFatal(step model.StageName, err *model.ProcessingError) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.state
	s.Errors = append(s.Errors, err)
	s.History = append(s.History, model.HistoryEntry{
		Step:      step,
		Status:    model.StepFailure,
		Timestamp: time.Now().UTC(),
		Message:   err.Message,
	})
	now := time.Now().UTC()
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
	s.Version++
}

// ErrStepNotFound is returned by lookups against a stage that never ran.
type ErrStepNotFound struct {
	Step model.StageName
}

func (e ErrStepNotFound) Error() string {
	return fmt.Sprintf("workflowstate: step %q has no recorded result", e.Step)
}

// Result returns the recorded AgentResult for a completed stage.
func (m *Manager) Result(step model.StageName) (model.AgentResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.state.AgentResults[step]
	if !ok {
		return model.AgentResult{}, ErrStepNotFound{Step: step}
	}
	return r, nil
}
