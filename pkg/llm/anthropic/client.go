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

// Package anthropic is a thin, hand-rolled REST adapter over the
// Anthropic Messages API, implementing llm.Provider.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/llm/sdk"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	defaultVersion = "2023-06-01"
	defaultModel   = "claude-3-5-sonnet-20241022"
)

// Client is the Anthropic llm.Provider implementation.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	version string
	model   string

	httpClient  *http.Client
	rateLimiter *sdk.RateLimiter
	retry       *sdk.RetryConfig
}

// Option configures a Client.
type Option func(*Client)

func WithBaseURL(url string) Option { return func(c *Client) { c.baseURL = url } }
func WithModel(model string) Option { return func(c *Client) { c.model = model } }
func WithRateLimit(requestsPerMinute int) Option {
	return func(c *Client) { c.rateLimiter = sdk.NewRateLimiter(requestsPerMinute) }
}

// New builds a Client for the given instance name and API key.
func New(name, apiKey string, opts ...Option) *Client {
	c := &Client{
		name:    name,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		version: defaultVersion,
		model:   defaultModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		retry: sdk.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string           { return c.name }
func (c *Client) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }

func (c *Client) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityChat, llm.CapabilityStructuredOutput, llm.CapabilityLongContext}
}

func (c *Client) SupportsStreaming() bool { return false }

func (c *Client) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	return &llm.CostEstimate{
		InputCostPer1K:  3.00,
		OutputCostPer1K: 15.00,
		Currency:        "USD",
	}
}

type messagesRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	StopSeqs    []string        `json:"stop_sequences,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID         string `json:"id"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicAPIError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body := messagesRequest{
		Model:       model,
		System:      req.SystemPrompt,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.StopSequences,
	}

	start := time.Now()
	resp, err := sdk.RetryWithBackoff(ctx, c.retry, func() (*messagesResponse, error) {
		if err := c.rateLimiter.Acquire(ctx); err != nil {
			return nil, err
		}
		return c.doRequest(ctx, body)
	})
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	var content string
	if len(resp.Content) > 0 {
		content = resp.Content[0].Text
	}

	return &llm.CompletionResponse{
		Content:      content,
		Model:        resp.Model,
		FinishReason: resp.StopReason,
		Latency:      latency,
		Usage: llm.UsageStats{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

// CompleteStructured implements llm.StructuredProvider by appending the
// schema to the system prompt and instructing the model to answer with
// JSON only; Anthropic's Messages API has no native schema-enforcement
// parameter.
func (c *Client) CompleteStructured(ctx context.Context, req llm.CompletionRequest, schema map[string]any) (*llm.CompletionResponse, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to marshal schema: %w", err)
	}
	req.SystemPrompt += fmt.Sprintf("\n\nRespond with JSON only, conforming exactly to this schema:\n%s", string(schemaBytes))
	return c.Complete(ctx, req)
}

func (c *Client) doRequest(ctx context.Context, body messagesRequest) (*messagesResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeInvalidRequest, "failed to marshal request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeInvalidRequest, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.version)

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
		var apiErr anthropicAPIError
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, classifyError(c.name, resp.StatusCode, apiErr.Error.Message)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeServerError, "failed to parse response", err)
	}
	return &parsed, nil
}

func classifyError(provider string, statusCode int, message string) *llm.ProviderError {
	var code string
	switch statusCode {
	case http.StatusTooManyRequests:
		code = llm.ErrCodeRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		code = llm.ErrCodeAuth
	case http.StatusBadRequest:
		code = llm.ErrCodeInvalidRequest
	case http.StatusNotFound:
		code = llm.ErrCodeModelNotFound
	case http.StatusRequestEntityTooLarge:
		code = llm.ErrCodeContextLength
	case http.StatusServiceUnavailable:
		code = llm.ErrCodeUnavailable
	default:
		if statusCode >= 500 {
			code = llm.ErrCodeServerError
		} else {
			code = llm.ErrCodeInvalidRequest
		}
	}
	err := llm.NewProviderError(provider, code, message, nil)
	err.StatusCode = statusCode
	return err
}

// HealthCheck issues a minimal completion request to verify connectivity.
func (c *Client) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()
	_, err := c.Complete(ctx, llm.CompletionRequest{Prompt: "ping", MaxTokens: 1})
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthCheckResult{
			Status:      llm.HealthStatusUnhealthy,
			Latency:     latency,
			Message:     err.Error(),
			LastChecked: time.Now().UTC(),
		}, nil
	}
	return &llm.HealthCheckResult{
		Status:      llm.HealthStatusHealthy,
		Latency:     latency,
		LastChecked: time.Now().UTC(),
	}, nil
}

var _ llm.Provider = (*Client)(nil)
var _ llm.StructuredProvider = (*Client)(nil)
