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

// Package modifier implements the Modifier Agent (§4.7): the two-phase
// engine that builds procedure line items, assigns compliance-bypass
// modifiers in phase one, ancillary modifiers in phase two, validates
// the evidence each carries against the note text, and performs a final
// conflict/completeness pass before flattening the result.
package modifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oxkair/codingflow/pkg/agentapi"
	"github.com/oxkair/codingflow/pkg/agents/compliance"
	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Version is stamped into every AgentResult's metadata by the envelope.
const Version = "1.0.0"

// phase1Codes is the compliance-related modifier family §4.7.4 reserves
// for phase one; everything else pre-vetted is phase two.
var phase1Codes = map[string]bool{
	"59": true, "XE": true, "XS": true, "XP": true, "XU": true,
	"25": true, "57": true, "24": true, "58": true, "78": true, "79": true,
}

// defaultConflictingPairs is the configured static list §4.7.7 checks a
// line item's final modifier list against.
var defaultConflictingPairs = [][2]string{
	{"RT", "LT"},
	{"50", "RT"},
	{"50", "LT"},
}

// Config wires the Modifier Agent's dependencies and domain tables.
type Config struct {
	Provider llm.StructuredProvider

	// ModifierTable is the pre-vetted reference table (§4.7.4): any code
	// proposed must be a key here. Values carry the description and
	// classification a winning code is stamped with.
	ModifierTable map[string]model.Modifier

	// ConflictingPairs overrides the static conflict list checked in
	// final validation (§4.7.7). Defaults to defaultConflictingPairs.
	ConflictingPairs [][2]string
}

func (c Config) conflictingPairs() [][2]string {
	if c.ConflictingPairs != nil {
		return c.ConflictingPairs
	}
	return defaultConflictingPairs
}

// New builds the Modifier Agent's envelope.
func New(cfg Config) agentapi.Envelope {
	a := &agent{cfg: cfg}
	return agentapi.Envelope{
		Name:    model.StageModifier,
		Version: Version,
		RequiredServices: []agentapi.ServiceCheck{
			{Name: "llm", Ready: func() bool { return cfg.Provider != nil }},
		},
		Logic: a.run,
	}
}

type agent struct{ cfg Config }

func (a *agent) run(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error) {
	if len(state.FinalProcedures) == 0 {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"modifier", model.ErrorKindValidation, model.SeverityCritical,
			"no final procedures to assign modifiers to")
	}

	complianceIn := state.Compliance
	if complianceIn == nil {
		complianceIn = &model.ComplianceResult{}
	}

	lines, pendingMAI1 := buildLineItems(state.FinalProcedures)

	p1Results, err := a.runPhaseOne(ctx, lines, pendingMAI1, complianceIn)
	if err != nil {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"modifier", model.ErrorKindValidation, model.SeverityCritical,
			fmt.Sprintf("phase-1 schema validation failed: %v", err))
	}

	lines, resolvedCompliance, ptpEvidence := applyPhaseOne(lines, pendingMAI1, p1Results, complianceIn, a.cfg.ModifierTable)

	p2Results, err := a.runPhaseTwo(ctx, lines)
	if err != nil {
		return workflowstate.Mutation{Status: model.StepFailure}, model.NewProcessingError(
			"modifier", model.ErrorKindValidation, model.SeverityCritical,
			fmt.Sprintf("phase-2 schema validation failed: %v", err))
	}
	lines = applyPhaseTwo(lines, p2Results, a.cfg.ModifierTable)

	noteText := state.Note.FullText()
	var rejectedEvidence []model.Evidence
	lines, rejectedEvidence = validateLineEvidence(lines, noteText)

	finalErrors := finalValidate(lines, a.cfg.conflictingPairs())

	flatModifiers := flattenModifiers(lines)
	finalModifiers := &model.FinalModifiers{Modifiers: flatModifiers, LineItems: lines}

	evidence := append([]model.Evidence{}, ptpEvidence...)
	evidence = append(evidence, rejectedEvidence...)
	evidence = append(evidence, model.Evidence{
		Rationale:   fmt.Sprintf("final modifier assignment across %d line item(s)", len(lines)),
		SourceAgent: model.StageModifier,
		Confidence:  1.0,
		Content:     model.NewPayload(*finalModifiers),
	})

	linesCopy := lines
	mut := workflowstate.Mutation{
		Status:         model.StepSuccess,
		LineItems:      &linesCopy,
		FinalModifiers: &flatModifiers,
		Message:        fmt.Sprintf("assigned modifiers across %d line item(s), %d validation issue(s)", len(lines), len(finalErrors)),
		Result: model.AgentResult{
			Success:  true,
			Evidence: evidence,
			Data:     finalModifiers,
			Errors:   finalErrors,
		},
	}
	if resolvedCompliance != nil {
		mut.Compliance = resolvedCompliance
	}
	return mut, nil
}

// --- §4.7.2 line-item construction ---------------------------------------

// mai1Pending maps a line id to the original procedure whose unit-limit
// overage is deferred to the phase-1 split/deny decision (MAI-1).
type mai1Pending map[string]model.ProcedureCode

func buildLineItems(procedures []model.ProcedureCode) ([]model.ProcedureLineItem, mai1Pending) {
	lines := make([]model.ProcedureLineItem, 0, len(procedures))
	pending := make(mai1Pending)

	for _, p := range procedures {
		lineID := fmt.Sprintf("%s-line-1", p.Code)

		if p.UnitLimit == nil || p.Units <= *p.UnitLimit {
			lines = append(lines, model.ProcedureLineItem{LineID: lineID, ProcedureCode: p, Units: p.Units})
			continue
		}

		indicator := model.AdjudicationIndicator(0)
		if p.AdjudicationIndicator != nil {
			indicator = *p.AdjudicationIndicator
		}

		switch indicator {
		case model.MAI2, model.MAI3:
			severity := model.SeverityWarning
			if indicator == model.MAI3 {
				severity = model.SeverityError
			}
			lines = append(lines, model.ProcedureLineItem{
				LineID:        lineID,
				ProcedureCode: p,
				Units:         *p.UnitLimit,
				Compliance: &model.ComplianceFlag{
					OriginalUnits:  p.Units,
					TruncatedUnits: *p.UnitLimit,
					Severity:       severity,
					Reason:         fmt.Sprintf("units truncated to unit limit of %d (adjudication indicator %d)", *p.UnitLimit, indicator),
				},
			})
		case model.MAI1:
			lines = append(lines, model.ProcedureLineItem{LineID: lineID, ProcedureCode: p, Units: p.Units})
			pending[lineID] = p
		default:
			// Indicator unset/0/9: pass through with the full requested
			// units; no documented truncation rule applies.
			lines = append(lines, model.ProcedureLineItem{LineID: lineID, ProcedureCode: p, Units: p.Units})
		}
	}
	return lines, pending
}

// --- §4.7.3/4.7.4 phase 1 -------------------------------------------------

type phase1Request struct {
	LineID              string   `json:"lineId"`
	ProcedureCode       string   `json:"procedureCode"`
	Units               int      `json:"units"`
	PermittedModifiers  []string `json:"permittedModifiers"`
	EditType            string   `json:"editType"`
	PairedCode          string   `json:"pairedCode,omitempty"`
	PairIndicator       string   `json:"pairIndicator,omitempty"`
	IsMAI1UnitOverage   bool     `json:"isMai1UnitOverage"`
}

type phase1Result struct {
	LineID                      string   `json:"lineId"`
	Modifier                    *string  `json:"modifier"`
	Rationale                   string   `json:"rationale"`
	AppliesTo                   string   `json:"appliesTo"`
	EditType                    string   `json:"editType"`
	Evidence                    []string `json:"evidence,omitempty"`
	DocumentationSupportsBypass bool     `json:"documentationSupportsBypass"`
}

type phase1Response struct {
	Results []phase1Result `json:"results"`
}

func (a *agent) runPhaseOne(ctx context.Context, lines []model.ProcedureLineItem, pending mai1Pending, complianceResult *model.ComplianceResult) ([]phase1Result, error) {
	requests := make([]phase1Request, 0, len(lines))
	for _, l := range lines {
		permitted := permittedSet(l.ProcedureCode, phase1Codes, a.cfg.ModifierTable)
		editType, pairedCode, indicator := pairEditContext(l.ProcedureCode.Code, complianceResult)
		_, isMAI1 := pending[l.LineID]
		if isMAI1 {
			editType = "unit-limit"
		}
		requests = append(requests, phase1Request{
			LineID:             l.LineID,
			ProcedureCode:      l.ProcedureCode.Code,
			Units:              l.Units,
			PermittedModifiers: permitted,
			EditType:           editType,
			PairedCode:         pairedCode,
			PairIndicator:      indicator,
			IsMAI1UnitOverage:  isMAI1,
		})
	}

	payload, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("modifier: failed to marshal phase-1 request: %w", err)
	}
	req := llm.CompletionRequest{
		Prompt:       string(payload),
		SystemPrompt: "Assign compliance-bypass modifiers (or none, with rationale) for each line item using only its permitted modifier list.",
		Temperature:  0.0,
	}
	resp, err := llm.CompleteStructured(ctx, a.cfg.Provider, req, phase1Schema())
	if err != nil {
		return nil, err
	}
	var out phase1Response
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, fmt.Errorf("modifier: unparseable phase-1 response: %w", err)
	}
	return out.Results, nil
}

// pairEditContext finds the first active procedure-pair violation naming
// code on either side, returning the edit type, the code on the other
// side of the pair, and the violation's modifier indicator. A violation
// can place the resolving modifier on either the column-1 or the
// column-2 ("secondary code") line.
func pairEditContext(code string, complianceResult *model.ComplianceResult) (editType, pairedCode, indicator string) {
	for _, v := range complianceResult.ProcedurePairViolations {
		if v.ColumnOneCode == code {
			return "procedure-pair", v.ColumnTwoCode, v.ModifierIndicator
		}
		if v.ColumnTwoCode == code {
			return "procedure-pair", v.ColumnOneCode, v.ModifierIndicator
		}
	}
	for _, v := range complianceResult.UnitLimitViolations {
		if v.ProcedureCode == code {
			return "unit-limit", "", ""
		}
	}
	return "none", "", ""
}

// applyPhaseOne implements the §4.7.3 post-processing rules: MAI-1
// split/deny, procedure-pair bypass resolution, and null-modifier
// acceptance. It returns the updated line items, the compliance result
// with any resolved violations (nil if nothing changed), and the
// ptp_conflict_resolved evidence generated along the way.
func applyPhaseOne(lines []model.ProcedureLineItem, pending mai1Pending, results []phase1Result, complianceResult *model.ComplianceResult, table map[string]model.Modifier) ([]model.ProcedureLineItem, *model.ComplianceResult, []model.Evidence) {
	byLine := make(map[string]phase1Result, len(results))
	for _, r := range results {
		byLine[r.LineID] = r
	}

	resolved := *complianceResult
	resolved.ProcedurePairViolations = append([]model.ProcedurePairViolation{}, complianceResult.ProcedurePairViolations...)
	changed := false
	var ptpEvidence []model.Evidence

	out := make([]model.ProcedureLineItem, 0, len(lines))
	for _, l := range lines {
		r, ok := byLine[l.LineID]
		if !ok {
			out = append(out, l)
			continue
		}

		if _, isMAI1 := pending[l.LineID]; isMAI1 {
			out = append(out, splitOrDenyMAI1(l, r, table)...)
			continue
		}

		if r.Modifier != nil && r.EditType == "procedure-pair" {
			if idx := findPairViolation(resolved.ProcedurePairViolations, l.ProcedureCode.Code, r.AppliesTo); idx >= 0 {
				v := resolved.ProcedurePairViolations[idx]
				if bypassPermitted(v.ModifierIndicator, *r.Modifier) {
					v.Severity = model.SeverityInfo
					v.Message = fmt.Sprintf("PTP conflict resolved with modifier %s: %s", *r.Modifier, v.Message)
					resolved.ProcedurePairViolations[idx] = v
					changed = true
					ptpEvidence = append(ptpEvidence, model.Evidence{
						Rationale:   r.Rationale,
						SourceAgent: model.StageModifier,
						Confidence:  0.9,
						Content: model.NewPayload(model.PTPConflictResolved{
							ColumnOneCode: v.ColumnOneCode,
							ColumnTwoCode: v.ColumnTwoCode,
							ModifierCode:  *r.Modifier,
						}),
					})
				}
			}
		}

		l.PhaseOneModifiers = append(l.PhaseOneModifiers, modifierFromResult(r, table))
		out = append(out, l)
	}

	if !changed {
		return out, nil, ptpEvidence
	}
	resolved.Recompute()
	return out, &resolved, ptpEvidence
}

// splitOrDenyMAI1 implements §4.7.3's MAI-1 post-processing branch.
func splitOrDenyMAI1(l model.ProcedureLineItem, r phase1Result, table map[string]model.Modifier) []model.ProcedureLineItem {
	if r.DocumentationSupportsBypass && r.Modifier != nil {
		split := make([]model.ProcedureLineItem, 0, l.Units)
		for i := 0; i < l.Units; i++ {
			line := model.ProcedureLineItem{
				LineID:        fmt.Sprintf("%s-split-%d", l.LineID, i+1),
				ProcedureCode: l.ProcedureCode,
				Units:         1,
				Compliance: &model.ComplianceFlag{
					OriginalUnits:  l.Units,
					TruncatedUnits: 1,
					Severity:       model.SeverityInfo,
					Reason:         "split approved",
				},
			}
			mod := *r.Modifier
			entry := table[mod]
			line.PhaseOneModifiers = []model.Modifier{{
				Code: &mod, Rationale: r.Rationale,
				Description: entry.Description, Classification: entry.Classification,
			}}
			split = append(split, line)
		}
		return split
	}

	limit := l.Units
	if l.ProcedureCode.UnitLimit != nil {
		limit = *l.ProcedureCode.UnitLimit
	}
	l.Compliance = &model.ComplianceFlag{
		OriginalUnits:  l.Units,
		TruncatedUnits: limit,
		Severity:       model.SeverityError,
		Reason:         "split denied",
	}
	l.Units = limit
	l.PhaseOneModifiers = append(l.PhaseOneModifiers, model.Modifier{Rationale: r.Rationale})
	return []model.ProcedureLineItem{l}
}

// findPairViolation returns the index of the violation pairing code and
// appliesTo, in either column orientation (the resolving modifier can
// sit on either line), or -1.
func findPairViolation(violations []model.ProcedurePairViolation, code, appliesTo string) int {
	for i, v := range violations {
		if v.ColumnOneCode == code && v.ColumnTwoCode == appliesTo {
			return i
		}
		if v.ColumnTwoCode == code && v.ColumnOneCode == appliesTo {
			return i
		}
	}
	return -1
}

// bypassPermitted reports whether modifierCode is a permitted bypass for
// a violation carrying the given modifier indicator (§4.5, §4.7.4).
func bypassPermitted(indicator, modifierCode string) bool {
	switch indicator {
	case "1":
		return compliance.BypassModifiers1[modifierCode]
	case "2":
		return compliance.BypassModifiers2[modifierCode]
	default:
		return false
	}
}

func modifierFromResult(r phase1Result, table map[string]model.Modifier) model.Modifier {
	if r.Modifier == nil {
		return model.Modifier{Rationale: r.Rationale}
	}
	entry := table[*r.Modifier]
	return model.Modifier{
		Code: r.Modifier, Rationale: r.Rationale,
		Description: entry.Description, Classification: entry.Classification,
	}
}

func phase1Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"results": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"lineId":                      map[string]any{"type": "string"},
						"modifier":                    map[string]any{"type": []string{"string", "null"}},
						"rationale":                   map[string]any{"type": "string"},
						"appliesTo":                   map[string]any{"type": "string"},
						"editType":                    map[string]any{"type": "string", "enum": []string{"procedure-pair", "unit-limit", "none"}},
						"evidence":                    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"documentationSupportsBypass": map[string]any{"type": "boolean"},
					},
					"required": []string{"lineId", "rationale", "appliesTo", "editType"},
				},
			},
		},
		"required": []string{"results"},
	}
}

// --- §4.7.5 phase 2 --------------------------------------------------------

type phase2Request struct {
	LineID             string   `json:"lineId"`
	ProcedureCode      string   `json:"procedureCode"`
	PermittedModifiers []string `json:"permittedModifiers"`
}

type phase2Assignment struct {
	Code      string   `json:"code"`
	Rationale string   `json:"rationale"`
	Evidence  []string `json:"evidence,omitempty"`
}

type phase2Result struct {
	LineID      string             `json:"lineId"`
	Modifiers   []phase2Assignment `json:"modifiers"`
}

type phase2Response struct {
	Results []phase2Result `json:"results"`
}

func (a *agent) runPhaseTwo(ctx context.Context, lines []model.ProcedureLineItem) ([]phase2Result, error) {
	requests := make([]phase2Request, 0, len(lines))
	for _, l := range lines {
		permitted := permittedSet(l.ProcedureCode, nil, a.cfg.ModifierTable)
		requests = append(requests, phase2Request{LineID: l.LineID, ProcedureCode: l.ProcedureCode.Code, PermittedModifiers: permitted})
	}

	payload, err := json.Marshal(requests)
	if err != nil {
		return nil, fmt.Errorf("modifier: failed to marshal phase-2 request: %w", err)
	}
	req := llm.CompletionRequest{
		Prompt:       string(payload),
		SystemPrompt: "Assign zero or more ancillary modifiers per line item using only its permitted modifier list.",
		Temperature:  0.0,
	}
	resp, err := llm.CompleteStructured(ctx, a.cfg.Provider, req, phase2Schema())
	if err != nil {
		return nil, err
	}
	var out phase2Response
	if err := json.Unmarshal([]byte(resp.Content), &out); err != nil {
		return nil, fmt.Errorf("modifier: unparseable phase-2 response: %w", err)
	}
	return out.Results, nil
}

func applyPhaseTwo(lines []model.ProcedureLineItem, results []phase2Result, table map[string]model.Modifier) []model.ProcedureLineItem {
	byLine := make(map[string]phase2Result, len(results))
	for _, r := range results {
		byLine[r.LineID] = r
	}
	out := make([]model.ProcedureLineItem, 0, len(lines))
	for _, l := range lines {
		r, ok := byLine[l.LineID]
		if ok {
			for _, m := range r.Modifiers {
				code := m.Code
				entry := table[code]
				l.PhaseTwoModifiers = append(l.PhaseTwoModifiers, model.Modifier{
					Code:           &code,
					Rationale:      m.Rationale,
					Description:    entry.Description,
					Classification: entry.Classification,
				})
			}
		}
		out = append(out, l)
	}
	return out
}

func phase2Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"results": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"lineId": map[string]any{"type": "string"},
						"modifiers": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"code":      map[string]any{"type": "string"},
									"rationale": map[string]any{"type": "string"},
									"evidence":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
								},
								"required": []string{"code", "rationale"},
							},
						},
					},
					"required": []string{"lineId"},
				},
			},
		},
		"required": []string{"results"},
	}
}

// --- §4.7.4 permitted modifier sets ---------------------------------------

// permittedSet intersects a procedure's applicable-modifier list with the
// pre-vetted table and, when phaseFilter is non-nil, with that phase's
// code family. A nil phaseFilter selects everything in the table that
// is NOT in phase1Codes (the phase-2 family).
func permittedSet(p model.ProcedureCode, phaseFilter map[string]bool, table map[string]model.Modifier) []string {
	var out []string
	for _, code := range p.PermittedModifiers {
		if _, inTable := table[code]; !inTable {
			continue
		}
		if phaseFilter != nil {
			if !phaseFilter[code] {
				continue
			}
		} else if phase1Codes[code] {
			continue
		}
		out = append(out, code)
	}
	return out
}

// --- §4.7.6 evidence validation --------------------------------------------

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"in": true, "on": true, "at": true, "to": true, "is": true, "was": true,
	"were": true, "with": true, "for": true, "by": true, "that": true,
	"this": true, "from": true, "its": true, "had": true, "has": true,
}

// normalizeText implements §4.7.6's normalization: lowercase, expand
// literal "\n", collapse whitespace, remove ellipses and bracketed
// inserts, normalize dash/quote/apostrophe variants.
func normalizeText(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, `\n`, " ")
	s = strings.ReplaceAll(s, "...", " ")
	s = strings.ReplaceAll(s, "…", " ")
	s = removeBracketed(s)

	replacer := strings.NewReplacer(
		"‘", "'", "’", "'", "“", `"`, "”", `"`,
		"–", "-", "—", "-",
	)
	s = replacer.Replace(s)

	s = strings.Join(strings.Fields(s), " ")
	return s
}

// removeBracketed strips [bracketed inserts] from s.
func removeBracketed(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch r {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		default:
			if depth == 0 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

func splitSentences(s string) []string {
	var sentences []string
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '!' || r == '?' }) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			sentences = append(sentences, trimmed)
		}
	}
	return sentences
}

func meaningfulWords(s string) []string {
	var words []string
	for _, w := range strings.Fields(s) {
		if len(w) > 3 && !stopWords[w] {
			words = append(words, w)
		}
	}
	return words
}

// evidenceMatches implements §4.7.6's three acceptance tests against
// normalized note text.
func evidenceMatches(snippet, noteText string) bool {
	normSnippet := normalizeText(snippet)
	normNote := normalizeText(noteText)
	if normSnippet == "" {
		return false
	}
	if strings.Contains(normNote, normSnippet) {
		return true
	}

	sentences := splitSentences(normSnippet)
	if len(sentences) > 0 {
		matched := 0
		counted := 0
		for _, sent := range sentences {
			if len(sent) <= 5 {
				continue
			}
			counted++
			if strings.Contains(normNote, sent) {
				matched++
			}
		}
		if counted > 0 && float64(matched)/float64(counted) >= 0.6 {
			return true
		}
	}

	words := meaningfulWords(normSnippet)
	if len(words) > 0 {
		present := 0
		cursor := 0
		for _, w := range words {
			idx := strings.Index(normNote[cursor:], w)
			if idx < 0 {
				continue
			}
			present++
			cursor += idx + len(w)
		}
		if float64(present)/float64(len(words)) >= 0.7 {
			return true
		}
	}
	return false
}

// validateLineEvidence checks each modifier's rationale against the note
// text with §4.7.6's matcher and reports a low-confidence evidence entry
// per unmatched rationale. No modifier or snippet is removed, and the
// evidence snippets in the raw model responses are not checked.
func validateLineEvidence(lines []model.ProcedureLineItem, noteText string) ([]model.ProcedureLineItem, []model.Evidence) {
	// This package leaves model.Modifier's Evidence field empty; this pass
	// validates each modifier's rationale text as its own evidence
	// snippet, the only text this package carries forward per modifier.
	var rejected []model.Evidence
	for li := range lines {
		for mi := range lines[li].PhaseOneModifiers {
			checkModifierEvidence(&lines[li].PhaseOneModifiers[mi], lines[li].LineID, noteText, &rejected)
		}
		for mi := range lines[li].PhaseTwoModifiers {
			checkModifierEvidence(&lines[li].PhaseTwoModifiers[mi], lines[li].LineID, noteText, &rejected)
		}
	}
	return lines, rejected
}

func checkModifierEvidence(m *model.Modifier, lineID, noteText string, rejected *[]model.Evidence) {
	if m.Rationale == "" {
		return
	}
	if evidenceMatches(m.Rationale, noteText) {
		return
	}
	*rejected = append(*rejected, model.Evidence{
		Rationale:   fmt.Sprintf("line %s: rationale not supported by note text", lineID),
		SourceAgent: model.StageModifier,
		Confidence:  0.3,
	})
}

// --- §4.7.7 final validation ------------------------------------------------

func finalValidate(lines []model.ProcedureLineItem, conflictingPairs [][2]string) []*model.ProcessingError {
	var errs []*model.ProcessingError
	for _, l := range lines {
		all := l.AllModifiers()
		seen := make(map[string]bool)

		for _, m := range all {
			if m.Code == nil {
				if m.Rationale == "" {
					errs = append(errs, model.NewProcessingError("modifier", model.ErrorKindValidation, model.SeverityHigh,
						fmt.Sprintf("line %s: null modifier decision missing rationale", l.LineID)))
				}
				continue
			}
			code := *m.Code
			if seen[code] {
				errs = append(errs, model.NewProcessingError("modifier", model.ErrorKindConflict, model.SeverityMedium,
					fmt.Sprintf("line %s: duplicate modifier %s", l.LineID, code)))
			}
			seen[code] = true
			if m.Description == "" || m.Rationale == "" {
				errs = append(errs, model.NewProcessingError("modifier", model.ErrorKindValidation, model.SeverityHigh,
					fmt.Sprintf("line %s: modifier %s missing description or rationale", l.LineID, code)))
			}
		}

		for _, pair := range conflictingPairs {
			if seen[pair[0]] && seen[pair[1]] {
				errs = append(errs, model.NewProcessingError("modifier", model.ErrorKindConflict, model.SeverityMedium,
					fmt.Sprintf("line %s: conflicting modifiers %s and %s", l.LineID, pair[0], pair[1])))
			}
		}
	}
	return errs
}

// --- §4.7.8 final modifier state -------------------------------------------

func flattenModifiers(lines []model.ProcedureLineItem) []model.Modifier {
	var out []model.Modifier
	for _, l := range lines {
		for _, m := range l.AllModifiers() {
			if m.Code != nil {
				out = append(out, m)
			}
		}
	}
	return out
}
