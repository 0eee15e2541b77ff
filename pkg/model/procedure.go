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

// PolicyMetadata is the catch-all metadata insight block attached to a
// procedure code after reference-store enrichment (§4.3 step 4).
type PolicyMetadata struct {
	Source   string         `json:"source,omitempty"`
	Insights map[string]any `json:"insights,omitempty"`
}

// ProcedureCode is the enhanced procedure-code record of §3.
type ProcedureCode struct {
	Code        string `json:"code"` // five-digit
	Description string `json:"description"`
	Units       int    `json:"units"`
	IsAddOn     bool   `json:"is_add_on"`

	UnitLimit            *int                   `json:"unit_limit,omitempty"`
	AdjudicationIndicator *AdjudicationIndicator `json:"adjudication_indicator,omitempty"`

	// GlobalPeriod is a string such as "000", "010", "090", or a special
	// marker like "XXX"/"YYY"/"ZZZ" (§3).
	GlobalPeriod string `json:"global_period,omitempty"`

	PermittedModifiers       []string `json:"permitted_modifiers,omitempty"`
	ApplicableDiagnosisFamilies []string `json:"applicable_diagnosis_families,omitempty"`

	// LinkedDiagnoses is populated after diagnosis selection (§4.4 step 4).
	LinkedDiagnoses []DiagnosisCode `json:"linked_diagnoses,omitempty"`

	HierarchyPath []string `json:"hierarchy_path,omitempty"`

	Policy *PolicyMetadata `json:"policy,omitempty"`
}

// IsUnlisted reports whether this code belongs to the "unlisted" value-unit
// family the Compliance Agent checks in §4.5 "Value-unit validation".
func (p ProcedureCode) IsUnlisted(unlistedCodes map[string]bool) bool {
	return unlistedCodes[p.Code]
}

// DiagnosisCode is the enhanced diagnosis-code record of §3.
type DiagnosisCode struct {
	Code              string     `json:"code"`
	Description       string     `json:"description"`
	Evidence          []Evidence `json:"evidence,omitempty"`
	LinkedProcedureCode string   `json:"linked_procedure_code,omitempty"`
}

// Modifier is the modifier record of §3. Code is nullable: a record may
// assert "no modifier applies here with rationale" (Code == nil).
type Modifier struct {
	Code        *string                 `json:"code,omitempty"`
	Description string                  `json:"description,omitempty"`
	Rationale   string                  `json:"rationale"`
	Classification ModifierClassification `json:"classification,omitempty"`

	DocumentationRequired bool   `json:"documentation_required,omitempty"`
	DocumentationNote     string `json:"documentation_note,omitempty"`

	FeeAdjustment string `json:"fee_adjustment,omitempty"`

	EditType  *EditType `json:"edit_type,omitempty"`
	AppliesTo string    `json:"applies_to,omitempty"` // procedure code

	LinkedProcedureCode string     `json:"linked_procedure_code,omitempty"`
	Evidence            []Evidence `json:"evidence,omitempty"`
}

// IsNull reports whether this modifier record is an explicit "no action"
// decision (§4.7.3 "Null modifier").
func (m Modifier) IsNull() bool {
	return m.Code == nil
}

// ComplianceFlag records the outcome of unit-limit truncation on a line
// item (§3, §4.7.2/§4.7.3).
type ComplianceFlag struct {
	OriginalUnits  int      `json:"original_units"`
	TruncatedUnits int      `json:"truncated_units"`
	Severity       Severity `json:"severity"`
	Reason         string   `json:"reason"`
}

// ProcedureLineItem is a billable line derived from a ProcedureCode by the
// Modifier Agent's line-item construction step (§4.7.2).
type ProcedureLineItem struct {
	LineID        string         `json:"line_id"`
	ProcedureCode ProcedureCode  `json:"procedure_code"`
	Units         int            `json:"units"`

	PhaseOneModifiers []Modifier `json:"phase_one_modifiers,omitempty"`
	PhaseTwoModifiers []Modifier `json:"phase_two_modifiers,omitempty"`

	Compliance *ComplianceFlag `json:"compliance,omitempty"`
}

// AllModifiers returns the combined, ordered phase-one then phase-two
// modifier list for final validation (§4.7.7).
func (l ProcedureLineItem) AllModifiers() []Modifier {
	out := make([]Modifier, 0, len(l.PhaseOneModifiers)+len(l.PhaseTwoModifiers))
	out = append(out, l.PhaseOneModifiers...)
	out = append(out, l.PhaseTwoModifiers...)
	return out
}
