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

package bedrock

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/llm"
)

func TestDetectModelFamily(t *testing.T) {
	assert.Equal(t, "anthropic", detectModelFamily("anthropic.claude-3-5-sonnet-20240620-v1:0"))
	assert.Equal(t, "amazon", detectModelFamily("amazon.titan-text-express-v1"))
	assert.Equal(t, "meta", detectModelFamily("meta.llama3-70b-instruct-v1:0"))
	assert.Equal(t, "mistral", detectModelFamily("mistral.mistral-large-2402-v1:0"))
	assert.Equal(t, "unknown", detectModelFamily("cohere.command-text-v14"))
}

func TestBuildRequestBody_AnthropicShape(t *testing.T) {
	body, err := buildRequestBody(llm.CompletionRequest{Prompt: "hi", MaxTokens: 100, Temperature: 0.5}, "anthropic.claude-3-5-sonnet-20240620-v1:0")
	require.NoError(t, err)
	assert.Equal(t, "bedrock-2023-05-31", body["anthropic_version"])
	assert.Equal(t, 100, body["max_tokens"])
	messages := body["messages"].([]map[string]string)
	assert.Equal(t, "hi", messages[0]["content"])
}

func TestBuildRequestBody_TitanShape(t *testing.T) {
	body, err := buildRequestBody(llm.CompletionRequest{Prompt: "hi"}, "amazon.titan-text-express-v1")
	require.NoError(t, err)
	assert.Equal(t, "hi", body["inputText"])
	cfg := body["textGenerationConfig"].(map[string]any)
	assert.Equal(t, 4096, cfg["maxTokenCount"])
}

func TestBuildRequestBody_UnknownFamilyErrors(t *testing.T) {
	_, err := buildRequestBody(llm.CompletionRequest{Prompt: "hi"}, "cohere.command-text-v14")
	require.Error(t, err)
}

func TestParseResponseBody_AnthropicShape(t *testing.T) {
	raw, _ := json.Marshal(anthropicBedrockResponse{
		Content: []struct {
			Text string `json:"text"`
		}{{Text: "hello"}},
		StopReason: "end_turn",
	})
	content, finishReason, usage, err := parseResponseBody(raw, "anthropic.claude-3-5-sonnet-20240620-v1:0")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)
	assert.Equal(t, "end_turn", finishReason)
	assert.Equal(t, 0, usage.TotalTokens)
}

func TestParseResponseBody_LlamaShape(t *testing.T) {
	raw, _ := json.Marshal(metaLlamaResponse{
		Generation:           "hi there",
		StopReason:           "stop",
		PromptTokenCount:     3,
		GenerationTokenCount: 2,
	})
	content, finishReason, usage, err := parseResponseBody(raw, "meta.llama3-70b-instruct-v1:0")
	require.NoError(t, err)
	assert.Equal(t, "hi there", content)
	assert.Equal(t, "stop", finishReason)
	assert.Equal(t, 5, usage.TotalTokens)
}
