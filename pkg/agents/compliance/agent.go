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

// Package compliance implements the Compliance Agent (§4.5): it
// validates the final procedure list against procedure-pair edits, unit
// limits, global-period policy, and value-unit plausibility.
package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oxkair/codingflow/pkg/agentapi"
	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/refstore"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Version is stamped into every AgentResult's metadata by the envelope.
const Version = "1.0.0"

// BypassModifiers1 is the set permitted to bypass a modifier-indicator
// "1" procedure-pair edit (§4.5 "Procedure-pair validation"); the
// Modifier Agent consults the same set when deciding whether its phase-1
// assignment resolves a violation this agent recorded (§4.7.3).
var BypassModifiers1 = map[string]bool{"59": true, "XE": true, "XP": true, "XS": true, "XU": true, "25": true, "57": true}

// BypassModifiers2 is the narrower set permitted for indicator "2".
var BypassModifiers2 = map[string]bool{"59": true, "XE": true, "XP": true, "XS": true, "XU": true}

// globalPeriodsOfInterest are the global-period indicators the advisory
// check fires for (§4.5 "Global-period policy").
var globalPeriodsOfInterest = map[string]bool{"010": true, "090": true}

// pairEditRecord is the reference-store JSON shape for one procedure-pair
// (NCCI/PTP) edit.
type pairEditRecord struct {
	ModifierIndicator string     `json:"modifier_indicator"`
	Effective         time.Time  `json:"effective"`
	Deletion          *time.Time `json:"deletion,omitempty"`
}

func (r pairEditRecord) activeOn(date time.Time) bool {
	if date.Before(r.Effective) {
		return false
	}
	if r.Deletion != nil && date.After(*r.Deletion) {
		return false
	}
	return true
}

// Config wires the Compliance Agent's dependencies.
type Config struct {
	RefStore refstore.Store

	// UnlistedCodes is the set of procedure codes subject to §4.5's
	// "Value-unit validation" check.
	UnlistedCodes map[string]bool

	// PairEditFilePattern formats a column-1/column-2 code pair into the
	// reference store's file name; defaults to "ptp/%s-%s.json".
	PairEditFilePattern string
}

func (c Config) pairEditPath(colOne, colTwo string) string {
	pattern := c.PairEditFilePattern
	if pattern == "" {
		pattern = "ptp/%s-%s.json"
	}
	return fmt.Sprintf(pattern, colOne, colTwo)
}

// New builds the Compliance Agent's envelope.
func New(cfg Config) agentapi.Envelope {
	a := &agent{cfg: cfg}
	return agentapi.Envelope{
		Name:    model.StageCompliance,
		Version: Version,
		RequiredServices: []agentapi.ServiceCheck{
			{Name: "refstore", Ready: func() bool { return cfg.RefStore != nil }},
		},
		Logic: a.run,
	}
}

type agent struct{ cfg Config }

func (a *agent) run(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error) {
	procedures := state.FinalProcedures
	result := &model.ComplianceResult{}

	result.ProcedurePairViolations = a.validatePairs(ctx, procedures, state.Case.DateOfService)
	result.UnitLimitViolations = validateUnitLimits(procedures)
	result.GlobalPeriodViolations = validateGlobalPeriods(procedures)
	result.ValueUnitViolations = validateValueUnits(procedures, a.cfg.UnlistedCodes)
	result.Recompute()

	var evidence []model.Evidence
	for _, v := range result.ProcedurePairViolations {
		evidence = append(evidence, model.Evidence{
			Rationale:   v.Message,
			SourceAgent: model.StageCompliance,
			Confidence:  1.0,
			Content:     v,
		})
	}

	return workflowstate.Mutation{
		Status:     model.StepSuccess,
		Compliance: result,
		Message:    fmt.Sprintf("compliance status %s with %d violation(s)", result.Summary.Status, result.Summary.TotalViolations),
		Result: model.AgentResult{
			Success:  true,
			Evidence: evidence,
			Data:     result,
		},
	}, nil
}

// validatePairs implements §4.5 "Procedure-pair validation": every
// unordered pair is checked in both orientations, but a pair flagged in
// one orientation is not re-flagged in the reverse.
func (a *agent) validatePairs(ctx context.Context, procedures []model.ProcedureCode, dateOfService time.Time) []model.ProcedurePairViolation {
	var violations []model.ProcedurePairViolation
	flagged := make(map[string]bool)

	for i := 0; i < len(procedures); i++ {
		for j := 0; j < len(procedures); j++ {
			if i == j {
				continue
			}
			colOne, colTwo := procedures[i].Code, procedures[j].Code
			pairKey := colOne + "|" + colTwo
			reverseKey := colTwo + "|" + colOne
			if flagged[pairKey] || flagged[reverseKey] {
				continue
			}

			rec, ok := a.lookupEdit(ctx, colOne, colTwo)
			if !ok {
				continue
			}
			if !rec.activeOn(dateOfService) {
				continue
			}

			if rec.ModifierIndicator != "0" && rec.ModifierIndicator != "1" && rec.ModifierIndicator != "2" {
				continue
			}
			// Indicators 1 and 2 permit a bypass modifier, but no
			// modifiers exist on a procedure until the Modifier Agent
			// runs; it resolves qualifying violations afterward (§4.7.3).

			violations = append(violations, model.ProcedurePairViolation{
				ColumnOneCode:     colOne,
				ColumnTwoCode:     colTwo,
				ModifierIndicator: rec.ModifierIndicator,
				Severity:          model.SeverityError,
				Message:           fmt.Sprintf("procedure-pair edit: %s is bundled into %s (indicator %s)", colTwo, colOne, rec.ModifierIndicator),
			})
			flagged[pairKey] = true
		}
	}
	return violations
}

// lookupEdit consults the reference store for an edit with colOne as
// column-1 against colTwo as column-2. Codes whose reference file is
// missing are skipped with no violation (§4.5).
func (a *agent) lookupEdit(ctx context.Context, colOne, colTwo string) (pairEditRecord, bool) {
	raw, err := a.cfg.RefStore.GetFileContent(ctx, a.cfg.pairEditPath(colOne, colTwo))
	if err != nil {
		return pairEditRecord{}, false
	}
	var rec pairEditRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pairEditRecord{}, false
	}
	return rec, true
}

// validateUnitLimits implements §4.5 "Unit-limit validation".
func validateUnitLimits(procedures []model.ProcedureCode) []model.UnitLimitViolation {
	var violations []model.UnitLimitViolation
	for _, p := range procedures {
		if p.UnitLimit == nil || p.Units <= *p.UnitLimit {
			continue
		}
		indicator := model.AdjudicationIndicator(0)
		if p.AdjudicationIndicator != nil {
			indicator = *p.AdjudicationIndicator
		}
		violations = append(violations, model.UnitLimitViolation{
			ProcedureCode:         p.Code,
			Units:                 p.Units,
			UnitLimit:             *p.UnitLimit,
			AdjudicationIndicator: indicator,
			Severity:              model.SeverityError,
			Message:               fmt.Sprintf("%s: %d units exceeds limit of %d", p.Code, p.Units, *p.UnitLimit),
		})
	}
	return violations
}

// validateGlobalPeriods implements §4.5 "Global-period policy": advisory
// only, since prior-surgery history is unavailable here.
func validateGlobalPeriods(procedures []model.ProcedureCode) []model.GlobalPeriodViolation {
	var violations []model.GlobalPeriodViolation
	for _, p := range procedures {
		if !globalPeriodsOfInterest[p.GlobalPeriod] {
			continue
		}
		violations = append(violations, model.GlobalPeriodViolation{
			ProcedureCode: p.Code,
			GlobalPeriod:  p.GlobalPeriod,
			Severity:      model.SeverityWarning,
			Message:       fmt.Sprintf("%s carries a %s-day global period; prior-surgery history unavailable, advisory only", p.Code, p.GlobalPeriod),
		})
	}
	return violations
}

// validateValueUnits implements §4.5 "Value-unit validation".
func validateValueUnits(procedures []model.ProcedureCode, unlistedCodes map[string]bool) []model.ValueUnitViolation {
	var violations []model.ValueUnitViolation
	for _, p := range procedures {
		if !p.IsUnlisted(unlistedCodes) {
			continue
		}
		if valueUnitOf(p) > 0 {
			continue
		}
		violations = append(violations, model.ValueUnitViolation{
			ProcedureCode: p.Code,
			Severity:      model.SeverityWarning,
			Message:       fmt.Sprintf("%s is an unlisted code with no value-unit supplied", p.Code),
		})
	}
	return violations
}

// valueUnitOf reads the manually-supplied value-unit override from a
// procedure's enrichment insight block, defaulting to zero.
func valueUnitOf(p model.ProcedureCode) float64 {
	if p.Policy == nil || p.Policy.Insights == nil {
		return 0
	}
	v, ok := p.Policy.Insights["value_unit"]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return f
}
