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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/model"
)

func TestLoad_RequiresPrimaryBackend(t *testing.T) {
	t.Setenv("MODEL_ENDPOINT", "")
	t.Setenv("MODEL_API_KEY", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_DefaultsAndOverridesFromEnv(t *testing.T) {
	t.Setenv("MODEL_ENDPOINT", "https://primary.example.com")
	t.Setenv("MODEL_API_KEY", "secret")
	t.Setenv("ENGINE_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.Workers)
	assert.Equal(t, model.ErrorPolicyContinue, cfg.Engine.ErrorPolicy)
	assert.Equal(t, 3, cfg.Backend.FailureThreshold)
}

func TestParseOverlay(t *testing.T) {
	data := []byte(`
apiVersion: codingflow.io/v1
stages:
  - name: modifier
    timeout_ms: 45000
    max_retries: 2
    priority: 5
`)
	o, err := ParseOverlay(data)
	require.NoError(t, err)

	override, ok := o.Find(model.StageModifier)
	require.True(t, ok)
	assert.Equal(t, 45000, override.TimeoutMs)
	assert.Equal(t, 2, override.MaxRetries)

	_, ok = o.Find(model.StageValueUnit)
	assert.False(t, ok)
}
