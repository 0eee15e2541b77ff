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

// Package azure implements llm.Provider for Azure OpenAI Service
// deployments (GPT-4o, GPT-4, GPT-3.5), supporting both classic
// api-key auth (*.openai.azure.com) and Azure AI Foundry bearer-token
// auth (*.cognitiveservices.azure.com).
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/llm/sdk"
)

const (
	defaultAPIVersion = "2024-08-01-preview"
	defaultModel      = "gpt-4o-mini"
)

// AuthType selects how the API key is presented to Azure.
type AuthType string

const (
	AuthTypeAPIKey AuthType = "api-key"
	AuthTypeBearer AuthType = "bearer"
)

// Client is the Azure OpenAI llm.Provider implementation. The "model"
// on a CompletionRequest maps to an Azure deployment name, not a
// model family.
type Client struct {
	name           string
	endpoint       string
	apiKey         string
	deploymentName string
	apiVersion     string
	authType       AuthType

	httpClient  *http.Client
	rateLimiter *sdk.RateLimiter
	retry       *sdk.RetryConfig
}

// Option configures a Client.
type Option func(*Client)

func WithAPIVersion(version string) Option { return func(c *Client) { c.apiVersion = version } }
func WithAuthType(authType AuthType) Option { return func(c *Client) { c.authType = authType } }
func WithRateLimit(requestsPerMinute int) Option {
	return func(c *Client) { c.rateLimiter = sdk.NewRateLimiter(requestsPerMinute) }
}

// New builds a Client for an Azure OpenAI endpoint and deployment. The
// auth type is auto-detected from the endpoint's hostname unless
// overridden via WithAuthType.
func New(name, endpoint, apiKey, deploymentName string, opts ...Option) *Client {
	endpoint = strings.TrimRight(endpoint, "/")
	c := &Client{
		name:           name,
		endpoint:       endpoint,
		apiKey:         apiKey,
		deploymentName: deploymentName,
		apiVersion:     defaultAPIVersion,
		authType:       detectAuthType(endpoint),
		httpClient:     &http.Client{Timeout: 120 * time.Second},
		retry:          sdk.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// detectAuthType infers auth scheme from the endpoint hostname: Azure
// AI Foundry resources (*.cognitiveservices.azure.com) take a bearer
// token, classic Azure OpenAI resources (*.openai.azure.com) take an
// api-key header.
func detectAuthType(endpoint string) AuthType {
	if strings.Contains(strings.ToLower(endpoint), ".cognitiveservices.azure.com") {
		return AuthTypeBearer
	}
	return AuthTypeAPIKey
}

func (c *Client) Name() string           { return c.name }
func (c *Client) Type() llm.ProviderType { return llm.ProviderTypeAzure }

func (c *Client) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityChat, llm.CapabilityStructuredOutput, llm.CapabilityLongContext}
}

func (c *Client) SupportsStreaming() bool { return false }

func (c *Client) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	return &llm.CostEstimate{
		InputCostPer1K:  2.50 / 1000,
		OutputCostPer1K: 10.00 / 1000,
		Currency:        "USD",
	}
}

func (c *Client) setAuthHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	switch c.authType {
	case AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	default:
		req.Header.Set("api-key", c.apiKey)
	}
}

func (c *Client) buildURL(deploymentName string) string {
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		c.endpoint, deploymentName, c.apiVersion)
}

type chatCompletionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type azureAPIError struct {
	Error struct {
		Code    string `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	deploymentName := c.deploymentName
	if req.Model != "" {
		deploymentName = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	messages := make([]map[string]string, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	body := map[string]any{
		"messages":    messages,
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}
	if req.TopP > 0 {
		body["top_p"] = req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop"] = req.StopSequences
	}

	start := time.Now()
	resp, err := sdk.RetryWithBackoff(ctx, c.retry, func() (*chatCompletionResponse, error) {
		if err := c.rateLimiter.Acquire(ctx); err != nil {
			return nil, err
		}
		return c.doRequest(ctx, deploymentName, body)
	})
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	var content, finishReason string
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finishReason = resp.Choices[0].FinishReason
	}

	return &llm.CompletionResponse{
		Content:      content,
		Model:        resp.Model,
		FinishReason: finishReason,
		Latency:      latency,
		Usage: llm.UsageStats{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// CompleteStructured asks for JSON output via prompt instructions. Azure
// OpenAI's chat/completions endpoint does support a response_format
// parameter on some API versions, but since the deployed model (and
// therefore its JSON-mode support) varies per resource, the schema is
// embedded in the system prompt for portability across deployments.
func (c *Client) CompleteStructured(ctx context.Context, req llm.CompletionRequest, schema map[string]any) (*llm.CompletionResponse, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to marshal schema: %w", err)
	}
	req.SystemPrompt += fmt.Sprintf("\n\nRespond with JSON only, conforming exactly to this schema:\n%s", string(schemaBytes))
	return c.Complete(ctx, req)
}

func (c *Client) doRequest(ctx context.Context, deploymentName string, body map[string]any) (*chatCompletionResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeInvalidRequest, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(deploymentName), bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeInvalidRequest, "failed to build request", err)
	}
	c.setAuthHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeTimeout, err.Error(), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeServerError, "failed to read response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr azureAPIError
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, classifyError(c.name, resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeServerError, "failed to parse response", err)
	}
	return &parsed, nil
}

func classifyError(provider string, statusCode int, code, message string) *llm.ProviderError {
	var errCode string
	switch {
	case statusCode == http.StatusTooManyRequests || code == "rate_limit_exceeded":
		errCode = llm.ErrCodeRateLimit
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden, code == "invalid_api_key":
		errCode = llm.ErrCodeAuth
	case statusCode == http.StatusBadRequest:
		errCode = llm.ErrCodeInvalidRequest
	case statusCode == http.StatusNotFound:
		errCode = llm.ErrCodeModelNotFound
	case code == "quota_exceeded" || code == "insufficient_quota":
		errCode = llm.ErrCodeUnavailable
	case statusCode == http.StatusServiceUnavailable:
		errCode = llm.ErrCodeUnavailable
	case statusCode >= 500:
		errCode = llm.ErrCodeServerError
	default:
		errCode = llm.ErrCodeInvalidRequest
	}
	pe := llm.NewProviderError(provider, errCode, message, nil)
	pe.StatusCode = statusCode
	return pe
}

func (c *Client) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()
	_, err := c.Complete(ctx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthCheckResult{Status: llm.HealthStatusUnhealthy, Latency: latency, Message: err.Error(), LastChecked: time.Now().UTC()}, nil
	}
	return &llm.HealthCheckResult{Status: llm.HealthStatusHealthy, Latency: latency, LastChecked: time.Now().UTC()}, nil
}

var _ llm.Provider = (*Client)(nil)
var _ llm.StructuredProvider = (*Client)(nil)
