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

package modifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/model"
)

func ptr[T any](v T) *T { return &v }

func TestBuildLineItems_FullUnitsWhenWithinLimit(t *testing.T) {
	lines, pending := buildLineItems([]model.ProcedureCode{{Code: "49650", Units: 1, UnitLimit: ptr(2)}})
	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].Units)
	assert.Nil(t, lines[0].Compliance)
	assert.Empty(t, pending)
}

func TestBuildLineItems_MAI2TruncatesWithWarning(t *testing.T) {
	lines, pending := buildLineItems([]model.ProcedureCode{{Code: "49650", Units: 3, UnitLimit: ptr(1), AdjudicationIndicator: ptr(model.MAI2)}})
	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].Units)
	require.NotNil(t, lines[0].Compliance)
	assert.Equal(t, model.SeverityWarning, lines[0].Compliance.Severity)
	assert.Empty(t, pending)
}

func TestBuildLineItems_MAI3TruncatesWithError(t *testing.T) {
	lines, _ := buildLineItems([]model.ProcedureCode{{Code: "49650", Units: 3, UnitLimit: ptr(1), AdjudicationIndicator: ptr(model.MAI3)}})
	require.Len(t, lines, 1)
	assert.Equal(t, model.SeverityError, lines[0].Compliance.Severity)
}

func TestBuildLineItems_MAI1DefersToPhaseOne(t *testing.T) {
	lines, pending := buildLineItems([]model.ProcedureCode{{Code: "49650", Units: 3, UnitLimit: ptr(1), AdjudicationIndicator: ptr(model.MAI1)}})
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Units)
	assert.Nil(t, lines[0].Compliance)
	assert.Contains(t, pending, lines[0].LineID)
}

func TestPermittedSet_Phase1IntersectsTableAndFilter(t *testing.T) {
	table := map[string]model.Modifier{"59": {}, "RT": {}}
	p := model.ProcedureCode{PermittedModifiers: []string{"59", "RT", "99"}}
	out := permittedSet(p, phase1Codes, table)
	assert.Equal(t, []string{"59"}, out)
}

func TestPermittedSet_Phase2ExcludesPhase1Codes(t *testing.T) {
	table := map[string]model.Modifier{"59": {}, "RT": {}}
	p := model.ProcedureCode{PermittedModifiers: []string{"59", "RT"}}
	out := permittedSet(p, nil, table)
	assert.Equal(t, []string{"RT"}, out)
}

func TestSplitOrDenyMAI1_ApprovedSplitsIntoOneUnitLines(t *testing.T) {
	l := model.ProcedureLineItem{LineID: "49650-line-1", ProcedureCode: model.ProcedureCode{Code: "49650", UnitLimit: ptr(1)}, Units: 3}
	r := phase1Result{Modifier: ptr("59"), DocumentationSupportsBypass: true, Rationale: "documented distinct sites"}
	table := map[string]model.Modifier{"59": {Description: "distinct procedural service"}}

	out := splitOrDenyMAI1(l, r, table)
	require.Len(t, out, 3)
	for _, line := range out {
		assert.Equal(t, 1, line.Units)
		assert.Equal(t, model.SeverityInfo, line.Compliance.Severity)
		require.Len(t, line.PhaseOneModifiers, 1)
		assert.Equal(t, "59", *line.PhaseOneModifiers[0].Code)
	}
}

func TestSplitOrDenyMAI1_DeniedTruncatesWithError(t *testing.T) {
	l := model.ProcedureLineItem{LineID: "49650-line-1", ProcedureCode: model.ProcedureCode{Code: "49650", UnitLimit: ptr(1)}, Units: 3}
	r := phase1Result{DocumentationSupportsBypass: false, Rationale: "no documentation of distinct sites"}

	out := splitOrDenyMAI1(l, r, nil)
	require.Len(t, out, 1)
	assert.Equal(t, 1, out[0].Units)
	assert.Equal(t, model.SeverityError, out[0].Compliance.Severity)
	assert.Equal(t, "split denied", out[0].Compliance.Reason)
}

func TestBypassPermitted_Indicator1UsesWiderSet(t *testing.T) {
	assert.True(t, bypassPermitted("1", "25"))
	assert.False(t, bypassPermitted("2", "25"))
	assert.True(t, bypassPermitted("2", "59"))
	assert.False(t, bypassPermitted("0", "59"))
}

func TestFindPairViolation_MatchesColumnOneAndTwo(t *testing.T) {
	violations := []model.ProcedurePairViolation{{ColumnOneCode: "49650", ColumnTwoCode: "49568"}}
	assert.Equal(t, 0, findPairViolation(violations, "49650", "49568"), "column-1 code resolving against column-2 code")
	assert.Equal(t, 0, findPairViolation(violations, "49568", "49650"), "column-2 code resolving against column-1 code")
	assert.Equal(t, -1, findPairViolation(violations, "49650", "49650"))
}

func TestPairEditContext_MatchesColumnOneAndTwo(t *testing.T) {
	compliance := &model.ComplianceResult{ProcedurePairViolations: []model.ProcedurePairViolation{
		{ColumnOneCode: "49650", ColumnTwoCode: "49568", ModifierIndicator: "1"},
	}}

	editType, paired, indicator := pairEditContext("49650", compliance)
	assert.Equal(t, "procedure-pair", editType)
	assert.Equal(t, "49568", paired)
	assert.Equal(t, "1", indicator)

	editType, paired, indicator = pairEditContext("49568", compliance)
	assert.Equal(t, "procedure-pair", editType, "the column-2 line must also see the pair edit context")
	assert.Equal(t, "49650", paired)
	assert.Equal(t, "1", indicator)
}

func TestApplyPhaseOne_ResolvesPermittedBypass(t *testing.T) {
	lines := []model.ProcedureLineItem{{LineID: "49650-line-1", ProcedureCode: model.ProcedureCode{Code: "49650"}, Units: 1}}
	compliance := &model.ComplianceResult{ProcedurePairViolations: []model.ProcedurePairViolation{
		{ColumnOneCode: "49650", ColumnTwoCode: "49568", ModifierIndicator: "1", Severity: model.SeverityError, Message: "49568 is bundled into 49650"},
	}}
	results := []phase1Result{{LineID: "49650-line-1", Modifier: ptr("59"), Rationale: "distinct incision site", AppliesTo: "49568", EditType: "procedure-pair"}}

	_, resolved, evidence := applyPhaseOne(lines, mai1Pending{}, results, compliance, map[string]model.Modifier{"59": {Description: "distinct procedural service"}})
	require.NotNil(t, resolved)
	require.Len(t, resolved.ProcedurePairViolations, 1)
	assert.Equal(t, model.SeverityInfo, resolved.ProcedurePairViolations[0].Severity)
	assert.Contains(t, resolved.ProcedurePairViolations[0].Message, "PTP conflict resolved with modifier 59:")
	require.Len(t, evidence, 1)
}

func TestApplyPhaseOne_ResolvesPermittedBypassOnColumnTwoLine(t *testing.T) {
	lines := []model.ProcedureLineItem{{LineID: "49568-line-1", ProcedureCode: model.ProcedureCode{Code: "49568"}, Units: 1}}
	compliance := &model.ComplianceResult{ProcedurePairViolations: []model.ProcedurePairViolation{
		{ColumnOneCode: "49650", ColumnTwoCode: "49568", ModifierIndicator: "1", Severity: model.SeverityError, Message: "49568 is bundled into 49650"},
	}}
	results := []phase1Result{{LineID: "49568-line-1", Modifier: ptr("59"), Rationale: "distinct incision site", AppliesTo: "49650", EditType: "procedure-pair"}}

	_, resolved, evidence := applyPhaseOne(lines, mai1Pending{}, results, compliance, map[string]model.Modifier{"59": {Description: "distinct procedural service"}})
	require.NotNil(t, resolved, "resolving the pair from the column-2 line must still downgrade the violation")
	require.Len(t, resolved.ProcedurePairViolations, 1)
	assert.Equal(t, model.SeverityInfo, resolved.ProcedurePairViolations[0].Severity)
	assert.Contains(t, resolved.ProcedurePairViolations[0].Message, "PTP conflict resolved with modifier 59:")
	require.Len(t, evidence, 1)
}

func TestApplyPhaseOne_NullModifierAcceptedAsNoAction(t *testing.T) {
	lines := []model.ProcedureLineItem{{LineID: "49650-line-1", ProcedureCode: model.ProcedureCode{Code: "49650"}, Units: 1}}
	compliance := &model.ComplianceResult{}
	results := []phase1Result{{LineID: "49650-line-1", Modifier: nil, Rationale: "no modifier needed because indicator = 0", AppliesTo: "49650", EditType: "none"}}

	out, resolved, _ := applyPhaseOne(lines, mai1Pending{}, results, compliance, nil)
	require.Nil(t, resolved)
	require.Len(t, out[0].PhaseOneModifiers, 1)
	assert.Nil(t, out[0].PhaseOneModifiers[0].Code)
	assert.NotEmpty(t, out[0].PhaseOneModifiers[0].Rationale)
}

func TestNormalizeText_CollapsesAndStrips(t *testing.T) {
	got := normalizeText("Patient   has  [redacted]   a hernia... with \\n recurrence")
	assert.Equal(t, "patient has a hernia with recurrence", got)
}

func TestEvidenceMatches_SubstringAccepted(t *testing.T) {
	note := "the patient presented with a recurrent inguinal hernia on the right side"
	assert.True(t, evidenceMatches("recurrent inguinal hernia", note))
}

func TestEvidenceMatches_RejectsUnrelatedText(t *testing.T) {
	note := "the patient presented with a recurrent inguinal hernia"
	assert.False(t, evidenceMatches("unrelated cardiac arrhythmia finding here", note))
}

func TestFinalValidate_FlagsDuplicateAndConflictingModifiers(t *testing.T) {
	rt, lt := "RT", "LT"
	lines := []model.ProcedureLineItem{{
		LineID: "49650-line-1",
		PhaseOneModifiers: []model.Modifier{
			{Code: &rt, Description: "right side", Rationale: "right inguinal"},
		},
		PhaseTwoModifiers: []model.Modifier{
			{Code: &rt, Description: "right side", Rationale: "right inguinal"},
			{Code: &lt, Description: "left side", Rationale: "left inguinal"},
		},
	}}
	errs := finalValidate(lines, defaultConflictingPairs)
	require.NotEmpty(t, errs)
	var hasDup, hasConflict bool
	for _, e := range errs {
		if e.Kind == model.ErrorKindConflict && e.Message == "line 49650-line-1: duplicate modifier RT" {
			hasDup = true
		}
		if e.Kind == model.ErrorKindConflict && e.Message == "line 49650-line-1: conflicting modifiers RT and LT" {
			hasConflict = true
		}
	}
	assert.True(t, hasDup)
	assert.True(t, hasConflict)
}

func TestFinalValidate_RequiresRationaleOnNullModifier(t *testing.T) {
	lines := []model.ProcedureLineItem{{
		LineID:            "49650-line-1",
		PhaseOneModifiers: []model.Modifier{{Code: nil, Rationale: ""}},
	}}
	errs := finalValidate(lines, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, model.SeverityHigh, errs[0].Severity)
}

func TestFlattenModifiers_OmitsNullDecisions(t *testing.T) {
	code := "59"
	lines := []model.ProcedureLineItem{{
		PhaseOneModifiers: []model.Modifier{{Code: &code}, {Code: nil, Rationale: "no action"}},
	}}
	flat := flattenModifiers(lines)
	require.Len(t, flat, 1)
	assert.Equal(t, "59", *flat[0].Code)
}
