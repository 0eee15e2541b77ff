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

package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	objects map[string][]byte
}

func (f *fakeBucket) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeBucket) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, assert.AnError
	}
	return data, nil
}

func (f *fakeBucket) HeadObject(ctx context.Context, bucket, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func TestStore_GetFileContentReturnsObjectBytes(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"ncci/edits/2026q1.json": []byte(`{"edits":[]}`),
	}}
	store := New(bucket, "ref-data", "ncci/edits")

	content, err := store.GetFileContent(context.Background(), "2026q1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"edits":[]}`, string(content))
}

func TestStore_FileExistsFalseWhenAbsent(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{}}
	store := New(bucket, "ref-data", "ncci/edits")

	exists, err := store.FileExists(context.Background(), "missing.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStore_ListFilesByNameFiltersBySubstring(t *testing.T) {
	bucket := &fakeBucket{objects: map[string][]byte{
		"ncci/edits/lcd-l12345.txt": nil,
		"ncci/edits/lcd-l99999.txt": nil,
		"ncci/edits/rvu-2026.csv":   nil,
	}}
	store := New(bucket, "ref-data", "ncci/edits")

	matches, err := store.ListFilesByName(context.Background(), "lcd-")
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}
