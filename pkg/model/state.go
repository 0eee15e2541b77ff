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

package model

import "time"

// HistoryEntry is one append-only record of a completed stage, written
// exactly once per stage by the merge protocol (§4.1 "History").
type HistoryEntry struct {
	Step      StageName  `json:"step"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
	Message   string     `json:"message,omitempty"`
}

// WorkflowState is the single, monotonically-growing aggregate every
// stage agent reads from and merges into (§3 "Workflow state").
//
// Only the orchestrator's merge protocol (pkg/workflowstate) may mutate
// this type once a run has started; stage agents never write to it
// directly -- they return an AgentResult and let the merge apply it.
type WorkflowState struct {
	Case         CaseMetadata  `json:"case"`
	Demographics Demographics  `json:"demographics"`
	Note         CaseNote      `json:"note"`

	CandidateProcedures []ProcedureCode `json:"candidate_procedures,omitempty"`
	FinalProcedures     []ProcedureCode `json:"final_procedures,omitempty"`
	Diagnoses           []DiagnosisCode `json:"diagnoses,omitempty"`

	ModifierSuggestions []Modifier `json:"modifier_suggestions,omitempty"`

	AgentResults map[StageName]AgentResult `json:"agent_results,omitempty"`

	Compliance   *ComplianceResult     `json:"compliance,omitempty"`
	Coverage     *CoveragePolicyResult `json:"coverage,omitempty"`
	ValueUnit    *ValueUnitResult      `json:"value_unit,omitempty"`

	FinalModifiers []Modifier          `json:"final_modifiers,omitempty"`
	LineItems      []ProcedureLineItem `json:"line_items,omitempty"`

	ClaimSequence int `json:"claim_sequence"`

	CurrentStep    StageName   `json:"current_step,omitempty"`
	CompletedSteps []StageName `json:"completed_steps,omitempty"`

	Errors  []*ProcessingError `json:"errors,omitempty"`
	History []HistoryEntry     `json:"history,omitempty"`

	Evidence []Evidence `json:"evidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int       `json:"version"`
}

// NewWorkflowState builds the initial state for a case, per §4.1
// "Initialization".
func NewWorkflowState(caseMeta CaseMetadata, demo Demographics, note CaseNote) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		Case:         caseMeta,
		Demographics: demo,
		Note:         note,
		AgentResults: make(map[StageName]AgentResult),
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      0,
	}
}

// IsStepCompleted reports whether the named stage has already been
// recorded as completed, per §4.1's idempotent-completion invariant.
func (s *WorkflowState) IsStepCompleted(step StageName) bool {
	for _, c := range s.CompletedSteps {
		if c == step {
			return true
		}
	}
	return false
}

// PayloadKind tags which typed variant a Payload wraps (§9 Design Notes).
type PayloadKind string

const (
	PayloadKindCompliance       PayloadKind = "compliance_result"
	PayloadKindValueUnit        PayloadKind = "value_unit_result"
	PayloadKindFinalModifiers   PayloadKind = "final_modifiers"
	PayloadKindPTPConflict      PayloadKind = "ptp_conflict_resolved"
	PayloadKindRaw              PayloadKind = "raw"
)

// Payload is a tagged-union helper for the dynamic evidence/result blobs
// that flow through AgentResult.Data and Evidence.Content. It exists so
// that callers which only know they're holding "the agent's structured
// data" can recover a concrete type without a chain of type switches
// scattered across the codebase (§9 Design Notes "typed accessors").
type Payload struct {
	Kind  PayloadKind `json:"kind"`
	Value any         `json:"value"`
}

// NewPayload wraps v, inferring Kind from its concrete type and falling
// back to PayloadKindRaw for anything else.
func NewPayload(v any) Payload {
	switch v.(type) {
	case ComplianceResult, *ComplianceResult:
		return Payload{Kind: PayloadKindCompliance, Value: v}
	case ValueUnitResult, *ValueUnitResult:
		return Payload{Kind: PayloadKindValueUnit, Value: v}
	case FinalModifiers, *FinalModifiers:
		return Payload{Kind: PayloadKindFinalModifiers, Value: v}
	case PTPConflictResolved, *PTPConflictResolved:
		return Payload{Kind: PayloadKindPTPConflict, Value: v}
	default:
		return Payload{Kind: PayloadKindRaw, Value: v}
	}
}

// AsCompliance returns the wrapped ComplianceResult and true, or the zero
// value and false if this payload holds something else.
func (p Payload) AsCompliance() (ComplianceResult, bool) {
	switch v := p.Value.(type) {
	case ComplianceResult:
		return v, true
	case *ComplianceResult:
		return *v, true
	default:
		return ComplianceResult{}, false
	}
}

// AsValueUnit returns the wrapped ValueUnitResult and true, or the zero
// value and false if this payload holds something else.
func (p Payload) AsValueUnit() (ValueUnitResult, bool) {
	switch v := p.Value.(type) {
	case ValueUnitResult:
		return v, true
	case *ValueUnitResult:
		return *v, true
	default:
		return ValueUnitResult{}, false
	}
}

// AsFinalModifiers returns the wrapped FinalModifiers and true, or the
// zero value and false if this payload holds something else.
func (p Payload) AsFinalModifiers() (FinalModifiers, bool) {
	switch v := p.Value.(type) {
	case FinalModifiers:
		return v, true
	case *FinalModifiers:
		return *v, true
	default:
		return FinalModifiers{}, false
	}
}

// AsPTPConflict returns the wrapped PTPConflictResolved and true, or the
// zero value and false if this payload holds something else.
func (p Payload) AsPTPConflict() (PTPConflictResolved, bool) {
	switch v := p.Value.(type) {
	case PTPConflictResolved:
		return v, true
	case *PTPConflictResolved:
		return *v, true
	default:
		return PTPConflictResolved{}, false
	}
}

// Raw returns the value as a map[string]any fallback, or nil and false
// if it isn't shaped that way -- the catch-all variant of §9's tagged
// union for payloads that don't have a dedicated Go type.
func (p Payload) Raw() (map[string]any, bool) {
	m, ok := p.Value.(map[string]any)
	return m, ok
}
