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

// ViolationStatus is the overall PASS/FAIL rollup of a ComplianceResult.
type ViolationStatus string

const (
	ViolationStatusPass ViolationStatus = "PASS"
	ViolationStatusFail ViolationStatus = "FAIL"
)

// ProcedurePairViolation records a PTP edit conflict (§4.5).
type ProcedurePairViolation struct {
	ColumnOneCode string   `json:"column_one_code"`
	ColumnTwoCode string   `json:"column_two_code"`
	ModifierIndicator string `json:"modifier_indicator"` // "0", "1", "2"
	Severity      Severity `json:"severity"`
	Message       string   `json:"message"`
}

// UnitLimitViolation records a unit-limit (MUE) overage (§4.5).
type UnitLimitViolation struct {
	ProcedureCode         string                `json:"procedure_code"`
	Units                 int                   `json:"units"`
	UnitLimit             int                   `json:"unit_limit"`
	AdjudicationIndicator AdjudicationIndicator `json:"adjudication_indicator"`
	Severity              Severity              `json:"severity"`
	Message               string                `json:"message"`
}

// GlobalPeriodViolation records an advisory global-period finding (§4.5).
type GlobalPeriodViolation struct {
	ProcedureCode string   `json:"procedure_code"`
	GlobalPeriod  string   `json:"global_period"`
	Severity      Severity `json:"severity"`
	Message       string   `json:"message"`
}

// ValueUnitViolation records an unlisted-code missing-value-unit finding
// (§4.5).
type ValueUnitViolation struct {
	ProcedureCode string   `json:"procedure_code"`
	Severity      Severity `json:"severity"`
	Message       string   `json:"message"`
}

// ComplianceSummary is the violation-count rollup of a ComplianceResult.
type ComplianceSummary struct {
	ProcedurePairCount int             `json:"procedure_pair_count"`
	UnitLimitCount     int             `json:"unit_limit_count"`
	GlobalPeriodCount  int             `json:"global_period_count"`
	ValueUnitCount     int             `json:"value_unit_count"`
	TotalViolations    int             `json:"total_violations"`
	Status             ViolationStatus `json:"status"`
}

// ComplianceMetadata records processing provenance for a ComplianceResult.
type ComplianceMetadata struct {
	RuleSetVersions map[string]string `json:"rule_set_versions,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
}

// ComplianceResult is the structured output of the Compliance Agent (§3, §4.5).
type ComplianceResult struct {
	ProcedurePairViolations []ProcedurePairViolation `json:"procedure_pair_violations"`
	UnitLimitViolations     []UnitLimitViolation      `json:"unit_limit_violations"`
	GlobalPeriodViolations  []GlobalPeriodViolation   `json:"global_period_violations"`
	ValueUnitViolations     []ValueUnitViolation      `json:"value_unit_violations"`

	Summary  ComplianceSummary  `json:"summary"`
	Metadata ComplianceMetadata `json:"metadata"`
}

// Recompute recalculates Summary from the current violation lists,
// per §4.5 "Summary": PASS iff total violations = 0.
func (c *ComplianceResult) Recompute() {
	s := ComplianceSummary{
		ProcedurePairCount: len(c.ProcedurePairViolations),
		UnitLimitCount:     len(c.UnitLimitViolations),
		GlobalPeriodCount:  len(c.GlobalPeriodViolations),
		ValueUnitCount:     len(c.ValueUnitViolations),
	}
	s.TotalViolations = s.ProcedurePairCount + s.UnitLimitCount + s.GlobalPeriodCount + s.ValueUnitCount
	if s.TotalViolations == 0 {
		s.Status = ViolationStatusPass
	} else {
		s.Status = ViolationStatusFail
	}
	c.Summary = s
}

// AgentResultMetadata is the execution metadata stamped onto every
// AgentResult by the standardized agent envelope (§4.2 step 5).
type AgentResultMetadata struct {
	ExecutionTime time.Duration `json:"execution_time"`
	Version       string        `json:"version"`
	AgentName     StageName     `json:"agent_name"`
}

// AgentResult is the uniform return value of every stage agent (§3, §4.2).
type AgentResult struct {
	Success  bool                `json:"success"`
	Evidence []Evidence          `json:"evidence,omitempty"`
	Data     any                 `json:"data,omitempty"`
	Errors   []*ProcessingError  `json:"errors,omitempty"`
	Metadata AgentResultMetadata `json:"metadata"`
}

// FatalError returns the first critical-severity error in the result, if
// any. The orchestrator's error policy does not consult it; it acts on
// the error a stage's Execute returns.
func (r AgentResult) FatalError() *ProcessingError {
	for _, e := range r.Errors {
		if e.Severity == SeverityCritical {
			return e
		}
	}
	return nil
}

// CoveragePolicyResult is the structural-only result blob the Coverage-
// Policy Agent merges into state (§4.6). Its content is intentionally
// opaque beyond the fields every consumer needs.
type CoveragePolicyResult struct {
	Status      string         `json:"status"`
	Findings    []CoverageFinding `json:"findings,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CoverageFinding is one diagnosis/procedure cross-reference finding
// produced by the Coverage-Policy Agent.
type CoverageFinding struct {
	ProcedureCode string `json:"procedure_code"`
	DiagnosisCode string `json:"diagnosis_code"`
	Covered       bool   `json:"covered"`
	PolicyRef     string `json:"policy_ref,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ValueUnitLine is the per-procedure value-unit computation of the
// Value-Unit Agent (§4.8).
type ValueUnitLine struct {
	ProcedureCode string   `json:"procedure_code"`
	Work          float64  `json:"work"`
	PracticeExpense float64 `json:"practice_expense"`
	Malpractice   float64  `json:"malpractice"`
	Total         float64  `json:"total"`
	Payment       float64  `json:"payment"`
	Flags         []string `json:"flags,omitempty"`
}

// ValueUnitResult is the structured output of the Value-Unit Agent (§4.8).
type ValueUnitResult struct {
	ContractorID string          `json:"contractor_id"`
	Lines        []ValueUnitLine `json:"lines"`
}

// PTPConflictResolved is the typed evidence-content payload emitted when
// the Modifier Agent resolves a procedure-pair conflict (§4.7.3).
type PTPConflictResolved struct {
	ColumnOneCode string `json:"column_one_code"`
	ColumnTwoCode string `json:"column_two_code"`
	ModifierCode  string `json:"modifier_code"`
}

// FinalModifiers is the typed evidence-content payload the Modifier Agent
// appends for state-manager consumption (§4.7.8).
type FinalModifiers struct {
	Modifiers []Modifier          `json:"modifiers"`
	LineItems []ProcedureLineItem `json:"line_items"`
}
