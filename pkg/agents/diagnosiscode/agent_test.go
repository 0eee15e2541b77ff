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

package diagnosiscode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oxkair/codingflow/pkg/model"
)

type fakeRefStore struct {
	listResult map[string][]string
	content    map[string][]byte
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
	return f.listResult[substr], nil
}

func TestPrefixesFor_UsesLinkedDiagnosesHintsTruncatedAndDeduped(t *testing.T) {
	a := &agent{cfg: Config{PrefixFallbacks: []string{"R69"}}}
	p := model.ProcedureCode{
		LinkedDiagnoses: []model.DiagnosisCode{{Code: "K4090"}, {Code: "K40.9"}, {Code: "k409"}},
	}
	prefixes := a.prefixesFor(p)
	assert.Equal(t, []string{"K40"}, prefixes)
}

func TestPrefixesFor_FallsBackToApplicableFamilies(t *testing.T) {
	a := &agent{cfg: Config{PrefixFallbacks: []string{"R69"}}}
	p := model.ProcedureCode{ApplicableDiagnosisFamilies: []string{"K43"}}
	assert.Equal(t, []string{"K43"}, a.prefixesFor(p))
}

func TestPrefixesFor_FallsBackToConfiguredDomainList(t *testing.T) {
	a := &agent{cfg: Config{PrefixFallbacks: []string{"R69", "Z00"}}}
	assert.Equal(t, []string{"R69", "Z00"}, a.prefixesFor(model.ProcedureCode{}))
}

func TestRetrieveCandidates_UnionsAcrossPrefixesAndFiltersByFamily(t *testing.T) {
	store := &fakeRefStore{
		listResult: map[string][]string{
			"K40": {"icd10/K40.9.txt", "icd10/K40.2.txt"},
			"K43": {"icd10/K43.9.txt"},
		},
		content: map[string][]byte{
			"icd10/K40.9.txt": []byte("Unilateral inguinal hernia, without obstruction"),
			"icd10/K40.2.txt": []byte("Bilateral inguinal hernia, without obstruction"),
			"icd10/K43.9.txt": []byte("Ventral hernia without obstruction"),
		},
	}
	a := &agent{cfg: Config{RefStore: store}}

	candidates := a.retrieveCandidates(context.Background(), []string{"K40", "K43"}, []string{"K40"})
	assert.Len(t, candidates, 2)
	for _, c := range candidates {
		assert.Contains(t, []string{"K40.9", "K40.2"}, c.Code)
	}
}

func TestRetrieveCandidates_FallsBackToMockTableWhenRefStoreEmpty(t *testing.T) {
	store := &fakeRefStore{listResult: map[string][]string{}}
	a := &agent{cfg: Config{RefStore: store}}

	candidates := a.retrieveCandidates(context.Background(), []string{"K40"}, nil)
	assert.Len(t, candidates, 1)
	assert.Equal(t, "K40", candidates[0].Code)
}
