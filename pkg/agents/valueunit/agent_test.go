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

package valueunit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/model"
)

type fakeRefStore struct {
	content map[string][]byte
}

func (f *fakeRefStore) FileExists(ctx context.Context, name string) (bool, error) {
	_, ok := f.content[name]
	return ok, nil
}

func (f *fakeRefStore) GetFileContent(ctx context.Context, name string) ([]byte, error) {
	data, ok := f.content[name]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func (f *fakeRefStore) ListFilesByName(ctx context.Context, substr string) ([]string, error) {
	return nil, nil
}

func modifierCode(code string) model.Modifier {
	c := code
	return model.Modifier{Code: &c}
}

func TestResolveContractor_UsesCrosswalkMatch(t *testing.T) {
	a := &agent{cfg: Config{LocalityCrosswalk: map[string]string{"CA": "01182"}}}
	assert.Equal(t, "01182", a.resolveContractor("CA"))
}

func TestResolveContractor_FallsBackToDefaultContractor(t *testing.T) {
	a := &agent{cfg: Config{DefaultContractor: "00000"}}
	assert.Equal(t, "00000", a.resolveContractor("ZZ"))
}

func TestResolveContractor_FallsBackToDefaultStateLookup(t *testing.T) {
	a := &agent{cfg: Config{
		LocalityCrosswalk: map[string]string{"TX": "04102"},
		DefaultState:      "TX",
	}}
	assert.Equal(t, "04102", a.resolveContractor(""))
}

func TestComputeLine_AppliesGeoFactorsAndConversion(t *testing.T) {
	store := &fakeRefStore{content: map[string][]byte{
		"rvu/49650.json": []byte(`{"work":1.0,"practice_expense":0.5,"malpractice":0.1}`),
	}}
	a := &agent{cfg: Config{RefStore: store, ConversionFactor: 2.0}}
	geo := GeoFactor{Work: 1.1, PracticeExpense: 1.0, Malpractice: 1.0}

	line := a.computeLine(context.Background(), model.ProcedureCode{Code: "49650"}, geo, nil)
	assert.InDelta(t, 1.7, line.Total, 0.0001)
	assert.InDelta(t, 3.4, line.Payment, 0.0001)
	assert.Empty(t, line.Flags)
}

func TestComputeLine_MissingReferenceFlagsNotFound(t *testing.T) {
	a := &agent{cfg: Config{RefStore: &fakeRefStore{content: map[string][]byte{}}, ConversionFactor: 1.0}}
	line := a.computeLine(context.Background(), model.ProcedureCode{Code: "00000"}, GeoFactor{Work: 1, PracticeExpense: 1, Malpractice: 1}, nil)
	assert.Contains(t, line.Flags, "HCPCS_NOT_FOUND")
	assert.Zero(t, line.Total)
}

func TestComputeLine_BilateralModifierAppliesOneAndHalf(t *testing.T) {
	store := &fakeRefStore{content: map[string][]byte{
		"rvu/49650.json": []byte(`{"work":10,"practice_expense":0,"malpractice":0}`),
	}}
	a := &agent{cfg: Config{RefStore: store, ConversionFactor: 1.0}}
	geo := GeoFactor{Work: 1, PracticeExpense: 1, Malpractice: 1}

	line := a.computeLine(context.Background(), model.ProcedureCode{Code: "49650"}, geo, map[string]bool{"50": true})
	assert.InDelta(t, 15.0, line.Total, 0.0001)
	assert.NotContains(t, line.Flags, "HIGH_RVU_VALUE")
}

func TestComputeLine_Modifier22FlagsManualReview(t *testing.T) {
	store := &fakeRefStore{content: map[string][]byte{
		"rvu/49650.json": []byte(`{"work":1,"practice_expense":1,"malpractice":1}`),
	}}
	a := &agent{cfg: Config{RefStore: store, ConversionFactor: 1.0}}
	geo := GeoFactor{Work: 1, PracticeExpense: 1, Malpractice: 1}

	line := a.computeLine(context.Background(), model.ProcedureCode{Code: "49650"}, geo, map[string]bool{"22": true})
	assert.Contains(t, line.Flags, "MANUAL_REVIEW")
}

func TestModifierCodesByProcedure_IndexesByCode(t *testing.T) {
	lineItems := []model.ProcedureLineItem{
		{
			ProcedureCode:     model.ProcedureCode{Code: "49650"},
			PhaseOneModifiers: []model.Modifier{modifierCode("59")},
			PhaseTwoModifiers: []model.Modifier{modifierCode("50")},
		},
	}
	byCode := modifierCodesByProcedure(lineItems)
	require.Contains(t, byCode, "49650")
	assert.True(t, byCode["49650"]["59"])
	assert.True(t, byCode["49650"]["50"])
}

func TestRun_ProducesLinesAndEvidenceForFlaggedProcedures(t *testing.T) {
	store := &fakeRefStore{content: map[string][]byte{
		"rvu/49650.json": []byte(`{"work":1,"practice_expense":1,"malpractice":1}`),
	}}
	a := &agent{cfg: Config{RefStore: store, ConversionFactor: 1.0}}
	state := model.WorkflowState{
		FinalProcedures: []model.ProcedureCode{{Code: "49650"}, {Code: "00000"}},
	}

	mut, err := a.run(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, mut.ValueUnit)
	require.Len(t, mut.ValueUnit.Lines, 2)
	assert.Len(t, mut.Result.Evidence, 1)
}
