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

// Package procedurecode implements the Procedure-Code Agent (§4.3): it
// extracts procedures from the note, retrieves candidate codes from the
// vector-search component, asks the remote model to make a final
// selection, and enriches the winners from the reference store.
package procedurecode

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/oxkair/codingflow/pkg/agentapi"
	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/refstore"
	"github.com/oxkair/codingflow/pkg/vectorsearch"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Version is stamped into every AgentResult's metadata by the envelope.
const Version = "1.0.0"

// TriState models the bool-or-"unknown" flags §4.3 step 1 allows on an
// extracted procedure (recurrence, incarceration, obstruction, gangrene,
// mesh placed).
type TriState string

const (
	TriTrue    TriState = "true"
	TriFalse   TriState = "false"
	TriUnknown TriState = "unknown"
)

// ExtractedProcedure is one element of the model's raw extraction
// response, validated against §4.3 step 1's schema.
type ExtractedProcedure struct {
	ID                   string           `json:"id"`
	Approach             model.Approach   `json:"approach"`
	Anatomy              []string         `json:"anatomy"`
	Laterality           model.Laterality `json:"laterality"`
	Recurrence           TriState         `json:"recurrence"`
	Incarceration        TriState         `json:"incarceration"`
	Obstruction          TriState         `json:"obstruction"`
	Gangrene             TriState         `json:"gangrene"`
	MeshPlaced           TriState         `json:"mesh_placed"`
	DefectSizeCM         *float64         `json:"defect_size_cm,omitempty"`
	ConcurrentProcedures []string         `json:"concurrent_procedures,omitempty"`
	AssistantRole        string           `json:"assistant_role,omitempty"`
	Evidence             []string         `json:"evidence"`
	Units                int              `json:"units"`
}

type extractionResponse struct {
	Procedures []ExtractedProcedure `json:"procedures"`
}

// enrichedCandidate bundles one vector-search hit with the nearest
// unlisted-procedure-code neighbours above and below it, per §4.3 step
// 2's final sentence.
type enrichedCandidate struct {
	Code              string   `json:"code"`
	Description       string   `json:"description"`
	CommonDescription string   `json:"commonDescription,omitempty"`
	NeighborsBelow    []string `json:"neighborsBelow,omitempty"`
	NeighborsAbove    []string `json:"neighborsAbove,omitempty"`
}

type procedureCandidateBundle struct {
	Procedure  ExtractedProcedure  `json:"procedure"`
	Candidates []enrichedCandidate `json:"candidates"`
}

type selectedProcedure struct {
	Code                string   `json:"code"`
	ElementName         string   `json:"elementName"`
	Units               int      `json:"units"`
	Evidence            []string `json:"evidence"`
	LinkedDiagnoses     []string `json:"linkedDiagnoses"`
	Rationale           string   `json:"rationale"`
	ModifierExplanation string   `json:"modifierExplanation,omitempty"`
}

type selectionResponse struct {
	SelectedProcedures []selectedProcedure `json:"selectedProcedures"`
}

// referenceRecord is the reference-store JSON shape consulted for
// enrichment (§4.3 step 4).
type referenceRecord struct {
	Description                 string   `json:"description"`
	GlobalPeriod                 string   `json:"global_period"`
	UnitLimit                    *int     `json:"unit_limit"`
	AdjudicationIndicator        *int     `json:"adjudication_indicator"`
	PermittedModifiers           []string `json:"permitted_modifiers"`
	ApplicableDiagnosisFamilies  []string `json:"applicable_diagnosis_families"`
	Insights                     map[string]any `json:"insights"`
}

// Config wires the Procedure-Code Agent's dependencies.
type Config struct {
	Provider    llm.StructuredProvider
	VectorStore *vectorsearch.Store
	Embedder    vectorsearch.Embedder
	RefStore    refstore.Store

	// CandidatesPerProcedure is N in §4.3 step 2. Defaults to 8.
	CandidatesPerProcedure int

	// UnlistedCodes is the domain-common set of procedure codes the
	// neighbour computation treats as "unlisted" candidates worth
	// surfacing even though nothing selected them directly.
	UnlistedCodes map[string]bool

	// ReferenceFilePattern formats a selected code into the reference
	// store's file name; defaults to "procedures/%s.json".
	ReferenceFilePattern string
}

func (c Config) referencePath(code string) string {
	pattern := c.ReferenceFilePattern
	if pattern == "" {
		pattern = "procedures/%s.json"
	}
	return fmt.Sprintf(pattern, code)
}

// New builds the Procedure-Code Agent's envelope.
func New(cfg Config) agentapi.Envelope {
	if cfg.CandidatesPerProcedure <= 0 {
		cfg.CandidatesPerProcedure = 8
	}
	a := &agent{cfg: cfg}
	return agentapi.Envelope{
		Name:    model.StageProcedureCode,
		Version: Version,
		RequiredServices: []agentapi.ServiceCheck{
			{Name: "llm", Ready: func() bool { return cfg.Provider != nil }},
			{Name: "vectorsearch", Ready: func() bool { return cfg.VectorStore != nil && cfg.Embedder != nil }},
			{Name: "refstore", Ready: func() bool { return cfg.RefStore != nil }},
		},
		Logic: a.run,
	}
}

type agent struct{ cfg Config }

func (a *agent) run(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error) {
	noteText := state.Note.FullText()

	extracted, err := a.extractProcedures(ctx, noteText)
	if err != nil {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"procedurecode", model.ErrorKindValidation, model.SeverityCritical,
			fmt.Sprintf("extraction schema validation failed: %v", err))
	}

	bundles := make([]procedureCandidateBundle, 0, len(extracted))
	for _, p := range extracted {
		candidates, cerr := a.retrieveCandidates(ctx, p)
		if cerr != nil {
			// Candidate retrieval failure for one procedure is not a
			// documented fatal case; continue with an empty candidate
			// set so the model still sees the procedure.
			candidates = nil
		}
		bundles = append(bundles, procedureCandidateBundle{Procedure: p, Candidates: candidates})
	}

	selected, err := a.selectFinal(ctx, bundles)
	if err != nil {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"procedurecode", model.ErrorKindValidation, model.SeverityCritical,
			fmt.Sprintf("final-selection schema validation failed: %v", err))
	}
	if len(selected) == 0 {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"procedurecode", model.ErrorKindValidation, model.SeverityMedium,
			"final procedure selection was empty")
	}

	final := make([]model.ProcedureCode, 0, len(selected))
	evidence := make([]model.Evidence, 0, len(selected))
	for _, sel := range selected {
		pc := model.ProcedureCode{
			Code:        sel.Code,
			Description: sel.ElementName,
			Units:       sel.Units,
		}
		a.enrich(ctx, &pc)
		final = append(final, pc)

		evidence = append(evidence, model.Evidence{
			Quotes:      sel.Evidence,
			Rationale:   sel.Rationale,
			SourceAgent: model.StageProcedureCode,
			Confidence:  0.8,
			Content: map[string]any{
				"code":                sel.Code,
				"linkedDiagnoses":     sel.LinkedDiagnoses,
				"modifierExplanation": sel.ModifierExplanation,
			},
		})
	}

	return workflowstate.Mutation{
		Status:              model.StepSuccess,
		FinalProcedures:     &final,
		Message:             fmt.Sprintf("selected %d procedure code(s)", len(final)),
		Result: model.AgentResult{
			Success:  true,
			Evidence: evidence,
			Data:     final,
		},
	}, nil
}

func (a *agent) extractProcedures(ctx context.Context, noteText string) ([]ExtractedProcedure, error) {
	req := llm.CompletionRequest{
		Prompt:       noteText,
		SystemPrompt: "Extract every distinct surgical or diagnostic procedure described in the note.",
		Temperature:  0.0,
	}
	resp, err := llm.CompleteStructured(ctx, a.cfg.Provider, req, extractionSchema())
	if err != nil {
		return nil, err
	}
	var out extractionResponse
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, fmt.Errorf("procedurecode: unparseable extraction response: %w", err)
	}
	return out.Procedures, nil
}

func (a *agent) retrieveCandidates(ctx context.Context, p ExtractedProcedure) ([]enrichedCandidate, error) {
	query := buildQuery(p)
	vec, err := a.cfg.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("procedurecode: embedding failed for %s: %w", p.ID, err)
	}
	hits, err := a.cfg.VectorStore.Search(vec, a.cfg.CandidatesPerProcedure)
	if err != nil {
		return nil, fmt.Errorf("procedurecode: vector search failed for %s: %w", p.ID, err)
	}

	out := make([]enrichedCandidate, 0, len(hits))
	for _, h := range hits {
		below, above := nearestUnlistedNeighbors(h.Code, a.cfg.UnlistedCodes)
		out = append(out, enrichedCandidate{
			Code:           h.Code,
			Description:    h.Description,
			NeighborsBelow: below,
			NeighborsAbove: above,
		})
	}
	return out, nil
}

// buildQuery constructs the candidate-retrieval query string from an
// extracted procedure's structured fields and verbatim snippets, per
// §4.3 step 2.
func buildQuery(p ExtractedProcedure) string {
	var parts []string
	if p.Approach != "" {
		parts = append(parts, string(p.Approach)+" approach")
	}
	if len(p.Anatomy) > 0 {
		parts = append(parts, strings.Join(p.Anatomy, " "))
	}
	if p.Laterality != "" {
		parts = append(parts, string(p.Laterality))
	}
	parts = append(parts, p.Evidence...)
	return strings.Join(parts, " ")
}

// nearestUnlistedNeighbors finds up to two numerically-nearest codes in
// unlistedCodes below and above code, per §4.3 step 2's "two nearest
// unlisted-procedure-code neighbours above and below". Non-numeric codes
// have no neighbours.
func nearestUnlistedNeighbors(code string, unlistedCodes map[string]bool) (below, above []string) {
	n, err := strconv.Atoi(code)
	if err != nil || len(unlistedCodes) == 0 {
		return nil, nil
	}

	var candidates []int
	for c := range unlistedCodes {
		if v, err := strconv.Atoi(c); err == nil && v != n {
			candidates = append(candidates, v)
		}
	}
	sort.Ints(candidates)

	for i := len(candidates) - 1; i >= 0 && len(below) < 2; i-- {
		if candidates[i] < n {
			below = append([]string{strconv.Itoa(candidates[i])}, below...)
		}
	}
	for _, v := range candidates {
		if v > n {
			above = append(above, strconv.Itoa(v))
			if len(above) == 2 {
				break
			}
		}
	}
	return below, above
}

func (a *agent) selectFinal(ctx context.Context, bundles []procedureCandidateBundle) ([]selectedProcedure, error) {
	payload, err := json.Marshal(bundles)
	if err != nil {
		return nil, fmt.Errorf("procedurecode: failed to marshal candidate bundle: %w", err)
	}
	req := llm.CompletionRequest{
		Prompt:       string(payload),
		SystemPrompt: "Choose the final procedure codes from the supplied candidates for each procedure.",
		Temperature:  0.0,
	}
	resp, err := llm.CompleteStructured(ctx, a.cfg.Provider, req, selectionSchema())
	if err != nil {
		return nil, err
	}
	var out selectionResponse
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, fmt.Errorf("procedurecode: unparseable selection response: %w", err)
	}
	return out.SelectedProcedures, nil
}

// enrich fetches pc's reference-store record and fills in the
// official description, global-period indicator, unit limit, permitted
// modifiers, permitted diagnosis-code families, and metadata insight
// block. Failures are non-fatal; pc keeps default metadata (§4.3
// "Failure semantics").
func (a *agent) enrich(ctx context.Context, pc *model.ProcedureCode) {
	raw, err := a.cfg.RefStore.GetFileContent(ctx, a.cfg.referencePath(pc.Code))
	if err != nil {
		return
	}
	var rec referenceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return
	}
	if rec.Description != "" {
		pc.Description = rec.Description
	}
	pc.GlobalPeriod = rec.GlobalPeriod
	pc.UnitLimit = rec.UnitLimit
	if rec.AdjudicationIndicator != nil {
		ind := model.AdjudicationIndicator(*rec.AdjudicationIndicator)
		pc.AdjudicationIndicator = &ind
	}
	pc.PermittedModifiers = rec.PermittedModifiers
	pc.ApplicableDiagnosisFamilies = rec.ApplicableDiagnosisFamilies
	if rec.Insights != nil {
		pc.Policy = &model.PolicyMetadata{Source: "refstore", Insights: rec.Insights}
	}
}

func extractionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"procedures": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id":                    map[string]any{"type": "string"},
						"approach":              map[string]any{"type": []string{"string", "null"}},
						"anatomy":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"laterality":            map[string]any{"type": []string{"string", "null"}},
						"recurrence":            map[string]any{"type": "string"},
						"incarceration":         map[string]any{"type": "string"},
						"obstruction":           map[string]any{"type": "string"},
						"gangrene":              map[string]any{"type": "string"},
						"mesh_placed":           map[string]any{"type": "string"},
						"defect_size_cm":        map[string]any{"type": []string{"number", "null"}},
						"concurrent_procedures": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"assistant_role":        map[string]any{"type": "string"},
						"evidence":              map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"units":                 map[string]any{"type": "integer"},
					},
					"required": []string{"id", "evidence", "units"},
				},
			},
		},
		"required": []string{"procedures"},
	}
}

func selectionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selectedProcedures": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"code":                map[string]any{"type": "string"},
						"elementName":         map[string]any{"type": "string"},
						"units":               map[string]any{"type": "integer"},
						"evidence":            map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"linkedDiagnoses":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"rationale":           map[string]any{"type": "string"},
						"modifierExplanation": map[string]any{"type": "string"},
					},
					"required": []string{"code", "elementName", "units", "evidence", "linkedDiagnoses", "rationale"},
				},
			},
		},
		"required": []string{"selectedProcedures"},
	}
}
