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

package procedurecode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/model"
)

type fakeRefStore struct {
	files map[string][]byte
}

func (f *fakeRefStore) FileExists(ctx context.Context, name string) (bool, error) {
	_, ok := f.files[name]
	return ok, nil
}

func (f *fakeRefStore) GetFileContent(ctx context.Context, name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func (f *fakeRefStore) ListFilesByName(ctx context.Context, substr string) ([]string, error) {
	return nil, nil
}

func TestNearestUnlistedNeighbors_FindsClosestOnEachSide(t *testing.T) {
	unlisted := map[string]bool{"49560": true, "49561": true, "49565": true, "49566": true, "49568": true}
	below, above := nearestUnlistedNeighbors("49563", unlisted)
	assert.Equal(t, []string{"49560", "49561"}, below)
	assert.Equal(t, []string{"49565", "49566"}, above)
}

func TestNearestUnlistedNeighbors_NonNumericCodeHasNoNeighbors(t *testing.T) {
	below, above := nearestUnlistedNeighbors("LCD-1234", map[string]bool{"49560": true})
	assert.Nil(t, below)
	assert.Nil(t, above)
}

func TestBuildQuery_CombinesStructuredFieldsAndEvidence(t *testing.T) {
	p := ExtractedProcedure{
		Approach:   "laparoscopic",
		Anatomy:    []string{"inguinal", "hernia"},
		Laterality: "left",
		Evidence:   []string{"left inguinal hernia repaired laparoscopically"},
	}
	query := buildQuery(p)
	assert.Contains(t, query, "laparoscopic approach")
	assert.Contains(t, query, "inguinal hernia")
	assert.Contains(t, query, "left")
	assert.Contains(t, query, "repaired laparoscopically")
}

func TestEnrich_PopulatesFieldsFromReferenceRecord(t *testing.T) {
	limit := 1
	store := &fakeRefStore{files: map[string][]byte{
		"procedures/49650.json": []byte(`{
			"description": "Laparoscopic inguinal hernia repair, initial",
			"global_period": "090",
			"unit_limit": 1,
			"permitted_modifiers": ["59", "RT"],
			"applicable_diagnosis_families": ["K40"]
		}`),
	}}
	a := &agent{cfg: Config{RefStore: store}}

	pc := model.ProcedureCode{Code: "49650"}
	a.enrich(context.Background(), &pc)

	assert.Equal(t, "Laparoscopic inguinal hernia repair, initial", pc.Description)
	assert.Equal(t, "090", pc.GlobalPeriod)
	require.NotNil(t, pc.UnitLimit)
	assert.Equal(t, limit, *pc.UnitLimit)
	assert.Equal(t, []string{"59", "RT"}, pc.PermittedModifiers)
}

func TestEnrich_MissingRecordLeavesDefaults(t *testing.T) {
	store := &fakeRefStore{files: map[string][]byte{}}
	a := &agent{cfg: Config{RefStore: store}}

	pc := model.ProcedureCode{Code: "99999", Description: "unlisted procedure"}
	a.enrich(context.Background(), &pc)

	assert.Equal(t, "unlisted procedure", pc.Description)
	assert.Nil(t, pc.UnitLimit)
}
