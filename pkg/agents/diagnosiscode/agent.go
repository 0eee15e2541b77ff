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

// Package diagnosiscode implements the Diagnosis-Code Agent (§4.4): it
// selects concrete diagnosis codes that establish medical necessity for
// the final procedure codes and links each to exactly one procedure.
package diagnosiscode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oxkair/codingflow/pkg/agentapi"
	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/refstore"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Version is stamped into every AgentResult's metadata by the envelope.
const Version = "1.0.0"

// mockDiagnosisTable is the small deterministic fallback table consulted
// when the reference store has no files for any of a procedure's
// candidate prefixes (§4.4 "Failure semantics").
var mockDiagnosisTable = map[string]string{
	"R10": "Abdominal and pelvic pain, unspecified",
	"K40": "Inguinal hernia",
	"K43": "Ventral hernia",
	"Z98": "Other postprocedural states",
}

type candidate struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type procedureCandidates struct {
	CPTCode    string      `json:"cptCode"`
	Candidates []candidate `json:"candidates"`
}

type selectedICD struct {
	Code        string                 `json:"code"`
	Description string                 `json:"description"`
	Rationale   string                 `json:"rationale"`
	Evidence    []string               `json:"evidence"`
	Confidence  model.ConfidenceLabel  `json:"confidence"`
}

type selectedDiagnosis struct {
	CPTCode          string        `json:"cptCode"`
	SelectedICDCodes []selectedICD `json:"selectedIcdCodes"`
}

type selectionResponse struct {
	SelectedDiagnoses []selectedDiagnosis `json:"selectedDiagnoses"`
}

// Config wires the Diagnosis-Code Agent's dependencies.
type Config struct {
	Provider llm.StructuredProvider
	RefStore refstore.Store

	// PrefixFallbacks is tried, in order, when a procedure carries
	// neither diagnosis-prefix hints nor an applicable-families list
	// (§4.4 step 1 "Fallback", §9 Open Question (b)).
	PrefixFallbacks []string
}

// New builds the Diagnosis-Code Agent's envelope.
func New(cfg Config) agentapi.Envelope {
	a := &agent{cfg: cfg}
	return agentapi.Envelope{
		Name:    model.StageDiagnosisCode,
		Version: Version,
		RequiredServices: []agentapi.ServiceCheck{
			{Name: "llm", Ready: func() bool { return cfg.Provider != nil }},
			{Name: "refstore", Ready: func() bool { return cfg.RefStore != nil }},
		},
		Logic: a.run,
	}
}

type agent struct{ cfg Config }

func (a *agent) run(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error) {
	procedures := state.FinalProcedures
	if len(procedures) == 0 {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"diagnosiscode", model.ErrorKindValidation, model.SeverityCritical,
			"diagnosis selection requires a non-empty procedure list")
	}

	bundles := make([]procedureCandidates, 0, len(procedures))
	for _, p := range procedures {
		prefixes := a.prefixesFor(p)
		candidates := a.retrieveCandidates(ctx, prefixes, p.ApplicableDiagnosisFamilies)
		bundles = append(bundles, procedureCandidates{CPTCode: p.Code, Candidates: candidates})
	}

	selections, err := a.selectDiagnoses(ctx, bundles)
	if err != nil {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"diagnosiscode", model.ErrorKindValidation, model.SeverityCritical,
			fmt.Sprintf("diagnosis-selection schema validation failed: %v", err))
	}

	byCode := make(map[string]*model.ProcedureCode, len(procedures))
	final := make([]model.ProcedureCode, len(procedures))
	copy(final, procedures)
	for i := range final {
		byCode[final[i].Code] = &final[i]
	}

	var diagnoses []model.DiagnosisCode
	var evidence []model.Evidence
	for _, sel := range selections.SelectedDiagnoses {
		proc, ok := byCode[sel.CPTCode]
		if !ok {
			continue
		}
		for _, icd := range sel.SelectedICDCodes {
			dx := model.DiagnosisCode{
				Code:                icd.Code,
				Description:         icd.Description,
				LinkedProcedureCode: sel.CPTCode,
				Evidence: []model.Evidence{{
					Quotes:      icd.Evidence,
					Rationale:   icd.Rationale,
					SourceAgent: model.StageDiagnosisCode,
					Confidence:  model.ConfidenceScore(icd.Confidence),
				}},
			}
			diagnoses = append(diagnoses, dx)
			proc.LinkedDiagnoses = append(proc.LinkedDiagnoses, dx)
			evidence = append(evidence, dx.Evidence[0])
		}
	}

	return workflowstate.Mutation{
		Status:          model.StepSuccess,
		FinalProcedures: &final,
		Diagnoses:       &diagnoses,
		Message:         fmt.Sprintf("linked %d diagnosis code(s) to %d procedure(s)", len(diagnoses), len(final)),
		Result: model.AgentResult{
			Success:  true,
			Evidence: evidence,
			Data:     diagnoses,
		},
	}, nil
}

// prefixesFor implements §4.4 step 1: the procedure's linkedDiagnoses
// hints truncated to three characters and deduplicated, falling back to
// its applicable families, then to the configured domain-common list.
func (a *agent) prefixesFor(p model.ProcedureCode) []string {
	hints := make([]string, 0, len(p.LinkedDiagnoses))
	for _, d := range p.LinkedDiagnoses {
		hints = append(hints, d.Code)
	}
	prefixes := dedupePrefixes(hints)
	if len(prefixes) > 0 {
		return prefixes
	}
	if len(p.ApplicableDiagnosisFamilies) > 0 {
		return dedupePrefixes(p.ApplicableDiagnosisFamilies)
	}
	return a.cfg.PrefixFallbacks
}

func dedupePrefixes(codes []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range codes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if len(c) > 3 {
			c = c[:3]
		}
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// retrieveCandidates implements §4.4 step 2: list reference-store files
// whose names begin with each prefix, union them, then intersect with
// the procedure's applicable-families filter when non-empty. Missing
// reference files fall back to the small deterministic mock table so
// selection can still proceed (§4.4 "Failure semantics").
func (a *agent) retrieveCandidates(ctx context.Context, prefixes, families []string) []candidate {
	familyFilter := make(map[string]bool, len(families))
	for _, f := range families {
		familyFilter[strings.ToUpper(f)] = true
	}

	seen := make(map[string]bool)
	var out []candidate
	for _, prefix := range prefixes {
		names, err := a.cfg.RefStore.ListFilesByName(ctx, prefix)
		if err != nil || len(names) == 0 {
			if desc, ok := mockDiagnosisTable[prefix]; ok && !seen[prefix] {
				seen[prefix] = true
				out = append(out, candidate{Code: prefix, Description: desc})
			}
			continue
		}
		for _, name := range names {
			code := diagnosisCodeFromFileName(name)
			if seen[code] {
				continue
			}
			if len(familyFilter) > 0 && !familyFilter[codePrefix(code)] {
				continue
			}
			content, err := a.cfg.RefStore.GetFileContent(ctx, name)
			desc := code
			if err == nil {
				desc = string(content)
			}
			seen[code] = true
			out = append(out, candidate{Code: code, Description: desc})
		}
	}
	return out
}

func diagnosisCodeFromFileName(name string) string {
	base := name
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	base = strings.TrimSuffix(base, ".txt")
	base = strings.TrimSuffix(base, ".json")
	return strings.ToUpper(base)
}

func codePrefix(code string) string {
	if len(code) > 3 {
		return code[:3]
	}
	return code
}

func (a *agent) selectDiagnoses(ctx context.Context, bundles []procedureCandidates) (*selectionResponse, error) {
	payload, err := json.Marshal(bundles)
	if err != nil {
		return nil, fmt.Errorf("diagnosiscode: failed to marshal candidate bundle: %w", err)
	}
	req := llm.CompletionRequest{
		Prompt:       string(payload),
		SystemPrompt: "Select the diagnosis codes that establish medical necessity for each procedure code, linking each diagnosis to exactly one procedure.",
		Temperature:  0.0,
	}
	resp, err := llm.CompleteStructured(ctx, a.cfg.Provider, req, selectionSchema())
	if err != nil {
		return nil, err
	}
	var out selectionResponse
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, fmt.Errorf("diagnosiscode: unparseable selection response: %w", err)
	}
	return &out, nil
}

func selectionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selectedDiagnoses": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"cptCode": map[string]any{"type": "string"},
						"selectedIcdCodes": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"code":        map[string]any{"type": "string"},
									"description": map[string]any{"type": "string"},
									"rationale":   map[string]any{"type": "string"},
									"evidence":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
									"confidence":  map[string]any{"type": "string", "enum": []string{"high", "medium", "low"}},
								},
								"required": []string{"code", "rationale", "confidence"},
							},
						},
					},
					"required": []string{"cptCode", "selectedIcdCodes"},
				},
			},
		},
		"required": []string{"selectedDiagnoses"},
	}
}
