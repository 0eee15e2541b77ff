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

package azure

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

func TestDetectAuthType(t *testing.T) {
	assert.Equal(t, AuthTypeAPIKey, detectAuthType("https://myresource.openai.azure.com"))
	assert.Equal(t, AuthTypeBearer, detectAuthType("https://myresource.cognitiveservices.azure.com"))
}

func TestComplete_SendsAPIKeyHeaderByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		assert.Contains(t, r.URL.Path, "/openai/deployments/gpt-4o-mini/chat/completions")
		resp := chatCompletionResponse{Model: "gpt-4o-mini"}
		resp.Choices = []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		}{{FinishReason: "stop"}}
		resp.Choices[0].Message.Content = "ack"
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := New("azure-primary", server.URL, "secret", "gpt-4o-mini")
	out, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ack", out.Content)
	assert.Equal(t, "stop", out.FinishReason)
}

func TestComplete_BearerAuthForAIFoundryEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(chatCompletionResponse{Model: "gpt-4o"})
	}))
	defer server.Close()

	client := New("azure-foundry", server.URL, "secret", "gpt-4o", WithAuthType(AuthTypeBearer))
	_, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	require.NoError(t, err)
}

func TestComplete_QuotaExceededClassifiesAsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(azureAPIError{
			Error: struct {
				Code    string `json:"code"`
				Type    string `json:"type"`
				Message string `json:"message"`
			}{Code: "insufficient_quota", Message: "quota exceeded"},
		})
	}))
	defer server.Close()

	client := New("azure-primary", server.URL, "secret", "gpt-4o-mini")
	client.retry.MaxRetries = 0
	_, err := client.Complete(context.Background(), llm.CompletionRequest{Prompt: "hi"})
	require.Error(t, err)
	var provErr *llm.ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, llm.ErrCodeUnavailable, provErr.Code)
}
