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

package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/llm"
)

func TestComplete_ParsesSuccessfulResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		resp := messagesResponse{
			ID:         "msg_1",
			Model:      "claude-3-5-sonnet-20241022",
			StopReason: "end_turn",
		}
		resp.Content = []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{{Type: "text", Text: "hello back"}}
		resp.Usage.InputTokens = 10
		resp.Usage.OutputTokens = 4
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New("primary", "test-key", WithBaseURL(server.URL))
	out, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello back", out.Content)
	assert.Equal(t, 14, out.Usage.TotalTokens)
}

func TestComplete_ClassifiesRateLimitAsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(anthropicAPIError{})
	}))
	defer server.Close()

	client := New("primary", "test-key", WithBaseURL(server.URL))
	client.retry.MaxRetries = 0

	_, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrCodeRateLimit, provErr.Code)
	assert.True(t, provErr.Retryable)
}

func TestCompleteStructured_EmbedsSchemaInSystemPrompt(t *testing.T) {
	var capturedSystem string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body messagesRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		capturedSystem = body.System
		_ = json.NewEncoder(w).Encode(messagesResponse{Model: "claude"})
	}))
	defer server.Close()

	client := New("primary", "test-key", WithBaseURL(server.URL))
	schema := map[string]any{"type": "object"}
	_, err := client.CompleteStructured(context.Background(), llm.CompletionRequest{Prompt: "hi"}, schema)
	require.NoError(t, err)
	assert.Contains(t, capturedSystem, `"type":"object"`)
}
