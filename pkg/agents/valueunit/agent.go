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

// Package valueunit implements the Value-Unit Agent (§4.8): it computes
// a value-unit total and payment estimate per procedure, applying
// per-contractor geographic adjustment factors and modifier-driven
// adjustments.
package valueunit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oxkair/codingflow/pkg/agentapi"
	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/refstore"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Version is stamped into every AgentResult's metadata by the envelope.
const Version = "1.0.0"

const highRVUThreshold = 20.0

// GeoFactor carries a contractor's geographic practice-cost indices for
// the three RVU components (§4.8 step b).
type GeoFactor struct {
	Work            float64
	PracticeExpense float64
	Malpractice     float64
}

// baseValueRecord is the reference-store JSON shape for a procedure's
// unadjusted RVU components (§4.8 step c).
type baseValueRecord struct {
	Work            float64 `json:"work"`
	PracticeExpense float64 `json:"practice_expense"`
	Malpractice     float64 `json:"malpractice"`
}

// Config wires the Value-Unit Agent's dependencies.
type Config struct {
	RefStore refstore.Store

	// LocalityCrosswalk maps demographics.state to a contractor id
	// (§4.8 step a).
	LocalityCrosswalk map[string]string
	DefaultState       string
	DefaultContractor  string

	// GeoFactors maps contractor id to its geographic adjustment factors
	// (§4.8 step b). A contractor absent from this map uses 1.0 for
	// every component.
	GeoFactors map[string]GeoFactor

	// ConversionFactor multiplies the adjusted RVU total to produce a
	// payment estimate (§4.8 step e). Defaults to 1.0.
	ConversionFactor float64

	// BaseValueFilePattern formats a procedure code into the reference
	// store's file name; defaults to "rvu/%s.json".
	BaseValueFilePattern string
}

func (c Config) baseValuePath(code string) string {
	pattern := c.BaseValueFilePattern
	if pattern == "" {
		pattern = "rvu/%s.json"
	}
	return fmt.Sprintf(pattern, code)
}

// New builds the Value-Unit Agent's envelope.
func New(cfg Config) agentapi.Envelope {
	if cfg.ConversionFactor == 0 {
		cfg.ConversionFactor = 1.0
	}
	a := &agent{cfg: cfg}
	return agentapi.Envelope{
		Name:    model.StageValueUnit,
		Version: Version,
		RequiredServices: []agentapi.ServiceCheck{
			{Name: "refstore", Ready: func() bool { return cfg.RefStore != nil }},
		},
		Logic: a.run,
	}
}

type agent struct{ cfg Config }

func (a *agent) run(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error) {
	contractorID := a.resolveContractor(state.Demographics.State)
	geo := a.cfg.GeoFactors[contractorID]
	if geo == (GeoFactor{}) {
		geo = GeoFactor{Work: 1.0, PracticeExpense: 1.0, Malpractice: 1.0}
	}

	modifiersByCode := modifierCodesByProcedure(state.LineItems)

	lines := make([]model.ValueUnitLine, 0, len(state.FinalProcedures))
	var evidence []model.Evidence
	for _, p := range state.FinalProcedures {
		line := a.computeLine(ctx, p, geo, modifiersByCode[p.Code])
		lines = append(lines, line)
		if len(line.Flags) > 0 {
			evidence = append(evidence, model.Evidence{
				Rationale:   fmt.Sprintf("%s flagged: %v", line.ProcedureCode, line.Flags),
				SourceAgent: model.StageValueUnit,
				Confidence:  1.0,
				Content:     line,
			})
		}
	}

	result := &model.ValueUnitResult{ContractorID: contractorID, Lines: lines}

	return workflowstate.Mutation{
		Status:    model.StepSuccess,
		ValueUnit: result,
		Message:   fmt.Sprintf("computed value units for %d procedure(s) under contractor %s", len(lines), contractorID),
		Result: model.AgentResult{
			Success:  true,
			Evidence: evidence,
			Data:     result,
		},
	}, nil
}

// resolveContractor implements §4.8 step a, falling back to the fixed
// default state/contractor when demographics carry no state or the
// crosswalk has no entry for it.
func (a *agent) resolveContractor(state string) string {
	if state != "" {
		if id, ok := a.cfg.LocalityCrosswalk[state]; ok {
			return id
		}
	}
	if a.cfg.DefaultContractor != "" {
		return a.cfg.DefaultContractor
	}
	if id, ok := a.cfg.LocalityCrosswalk[a.cfg.DefaultState]; ok {
		return id
	}
	return "default"
}

func (a *agent) computeLine(ctx context.Context, p model.ProcedureCode, geo GeoFactor, modifiers map[string]bool) model.ValueUnitLine {
	line := model.ValueUnitLine{ProcedureCode: p.Code}

	base, ok := a.fetchBaseValue(ctx, p.Code)
	if !ok {
		line.Flags = append(line.Flags, "HCPCS_NOT_FOUND")
		return line
	}

	line.Work = base.Work * geo.Work
	line.PracticeExpense = base.PracticeExpense * geo.PracticeExpense
	line.Malpractice = base.Malpractice * geo.Malpractice
	total := line.Work + line.PracticeExpense + line.Malpractice

	// §4.8 step d: modifier adjustments.
	if modifiers["50"] {
		total *= 1.5
	}
	if modifiers["63"] {
		total *= 1.25
	}
	if modifiers["22"] {
		line.Flags = append(line.Flags, "MANUAL_REVIEW")
	}

	line.Total = total
	line.Payment = total * a.cfg.ConversionFactor

	if total > highRVUThreshold {
		line.Flags = append(line.Flags, "HIGH_RVU_VALUE")
	}
	return line
}

func (a *agent) fetchBaseValue(ctx context.Context, code string) (baseValueRecord, bool) {
	raw, err := a.cfg.RefStore.GetFileContent(ctx, a.cfg.baseValuePath(code))
	if err != nil {
		return baseValueRecord{}, false
	}
	var rec baseValueRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return baseValueRecord{}, false
	}
	return rec, true
}

// modifierCodesByProcedure indexes the line items' assigned modifier
// codes by the procedure code they belong to, for §4.8 step d.
func modifierCodesByProcedure(lineItems []model.ProcedureLineItem) map[string]map[string]bool {
	out := make(map[string]map[string]bool)
	for _, li := range lineItems {
		code := li.ProcedureCode.Code
		if out[code] == nil {
			out[code] = make(map[string]bool)
		}
		for _, m := range li.AllModifiers() {
			if m.Code != nil {
				out[code][*m.Code] = true
			}
		}
	}
	return out
}
