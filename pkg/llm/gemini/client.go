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

// Package gemini implements llm.Provider over Google's Gemini
// generateContent REST API.
package gemini

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
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultAPIVersion = "v1beta"
	defaultModel     = "gemini-2.0-flash"
)

// Client is the Gemini llm.Provider implementation.
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	apiVersion string
	model      string

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
		name:       name,
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		retry:      sdk.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string           { return c.name }
func (c *Client) Type() llm.ProviderType { return llm.ProviderTypeGemini }

func (c *Client) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityChat, llm.CapabilityStructuredOutput, llm.CapabilityLongContext}
}

func (c *Client) SupportsStreaming() bool { return false }

func (c *Client) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	return &llm.CostEstimate{
		InputCostPer1K:  1.25 / 1000,
		OutputCostPer1K: 5.00 / 1000,
		Currency:        "USD",
	}
}

type generateContentRequest struct {
	Contents          []content          `json:"contents"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiAPIError struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
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
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
		GenerationConfig: generationConfig{
			MaxOutputTokens: maxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.StopSequences,
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	start := time.Now()
	resp, err := sdk.RetryWithBackoff(ctx, c.retry, func() (*generateContentResponse, error) {
		if err := c.rateLimiter.Acquire(ctx); err != nil {
			return nil, err
		}
		return c.doRequest(ctx, model, body)
	})
	latency := time.Since(start)
	if err != nil {
		return nil, err
	}

	var responseText, finishReason string
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finishReason = cand.FinishReason
		for _, p := range cand.Content.Parts {
			responseText += p.Text
		}
	}

	return &llm.CompletionResponse{
		Content:      responseText,
		Model:        model,
		FinishReason: finishReason,
		Latency:      latency,
		Usage: llm.UsageStats{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

// CompleteStructured asks for JSON output via prompt instructions, since
// the response_mime_type/response_schema fields of the Gemini API vary
// in support across model generations.
func (c *Client) CompleteStructured(ctx context.Context, req llm.CompletionRequest, schema map[string]any) (*llm.CompletionResponse, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to marshal schema: %w", err)
	}
	req.SystemPrompt += fmt.Sprintf("\n\nRespond with JSON only, conforming exactly to this schema:\n%s", string(schemaBytes))
	return c.Complete(ctx, req)
}

func (c *Client) doRequest(ctx context.Context, model string, body generateContentRequest) (*generateContentResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeInvalidRequest, "failed to marshal request", err)
	}

	url := fmt.Sprintf("%s/%s/models/%s:generateContent?key=%s", c.baseURL, c.apiVersion, model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeInvalidRequest, "failed to build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		var apiErr geminiAPIError
		_ = json.Unmarshal(respBody, &apiErr)
		return nil, classifyError(c.name, resp.StatusCode, apiErr.Error.Message)
	}

	var parsed generateContentResponse
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
	case http.StatusServiceUnavailable:
		code = llm.ErrCodeUnavailable
	default:
		if statusCode >= 500 {
			code = llm.ErrCodeServerError
		} else {
			code = llm.ErrCodeInvalidRequest
		}
	}
	pe := llm.NewProviderError(provider, code, message, nil)
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
