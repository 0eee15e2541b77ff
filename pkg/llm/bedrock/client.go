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

// Package bedrock implements llm.Provider over AWS Bedrock, using AWS
// Signature V4 authentication via IAM roles rather than a static API
// key.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/oxkair/codingflow/pkg/llm"
)

// Client implements llm.Provider for AWS Bedrock.
type Client struct {
	name   string
	client *bedrockruntime.Client
	region string
	model  string
}

// New builds a Client, loading AWS configuration for region. model is
// the default Bedrock model ID used when a request doesn't override it.
func New(ctx context.Context, name, region, model string) (*Client, error) {
	if region == "" {
		region = "us-east-1"
	}
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config (region=%s): %w", region, err)
	}

	return &Client{
		name:   name,
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
		model:  model,
	}, nil
}

func (c *Client) Name() string           { return c.name }
func (c *Client) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

func (c *Client) Capabilities() []llm.Capability {
	return []llm.Capability{llm.CapabilityChat, llm.CapabilityLongContext}
}

func (c *Client) SupportsStreaming() bool { return false }

func (c *Client) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate {
	return &llm.CostEstimate{Currency: "USD"}
}

func detectModelFamily(model string) string {
	switch {
	case strings.HasPrefix(model, "anthropic."):
		return "anthropic"
	case strings.HasPrefix(model, "amazon."):
		return "amazon"
	case strings.HasPrefix(model, "meta."):
		return "meta"
	case strings.HasPrefix(model, "mistral."):
		return "mistral"
	default:
		return "unknown"
	}
}

func buildRequestBody(req llm.CompletionRequest, model string) (map[string]any, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	switch detectModelFamily(model) {
	case "anthropic":
		return map[string]any{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":         maxTokens,
			"temperature":        req.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}, nil
	case "amazon":
		return map[string]any{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]any{
			"prompt":      req.Prompt,
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]any{
			"prompt":      req.Prompt,
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("bedrock: unsupported model family for %q", model)
	}
}

type anthropicBedrockResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type amazonTitanResponse struct {
	Results []struct {
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
	} `json:"results"`
}

type metaLlamaResponse struct {
	Generation           string `json:"generation"`
	StopReason            string `json:"stop_reason"`
	PromptTokenCount      int    `json:"prompt_token_count"`
	GenerationTokenCount  int    `json:"generation_token_count"`
}

type mistralResponse struct {
	Outputs []struct {
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"outputs"`
}

func parseResponseBody(body []byte, model string) (content, finishReason string, usage llm.UsageStats, err error) {
	switch detectModelFamily(model) {
	case "anthropic":
		var r anthropicBedrockResponse
		if err = json.Unmarshal(body, &r); err != nil {
			return
		}
		if len(r.Content) > 0 {
			content = r.Content[0].Text
		}
		finishReason = r.StopReason
		usage = llm.UsageStats{
			PromptTokens:     r.Usage.InputTokens,
			CompletionTokens: r.Usage.OutputTokens,
			TotalTokens:      r.Usage.InputTokens + r.Usage.OutputTokens,
		}
	case "amazon":
		var r amazonTitanResponse
		if err = json.Unmarshal(body, &r); err != nil {
			return
		}
		if len(r.Results) > 0 {
			content = r.Results[0].OutputText
			finishReason = r.Results[0].CompletionReason
		}
	case "meta":
		var r metaLlamaResponse
		if err = json.Unmarshal(body, &r); err != nil {
			return
		}
		content = r.Generation
		finishReason = r.StopReason
		usage = llm.UsageStats{
			PromptTokens:     r.PromptTokenCount,
			CompletionTokens: r.GenerationTokenCount,
			TotalTokens:      r.PromptTokenCount + r.GenerationTokenCount,
		}
	case "mistral":
		var r mistralResponse
		if err = json.Unmarshal(body, &r); err != nil {
			return
		}
		if len(r.Outputs) > 0 {
			content = r.Outputs[0].Text
			finishReason = r.Outputs[0].StopReason
		}
	default:
		err = fmt.Errorf("bedrock: unsupported model family for %q", model)
	}
	return
}

// Complete implements llm.Provider.
func (c *Client) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	requestBody, err := buildRequestBody(req, model)
	if err != nil {
		return nil, err
	}
	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to marshal request: %w", err)
	}

	start := time.Now()
	output, err := c.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	latency := time.Since(start)
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeServerError, err.Error(), err)
	}

	content, finishReason, usage, err := parseResponseBody(output.Body, model)
	if err != nil {
		return nil, llm.NewProviderError(c.name, llm.ErrCodeServerError, "failed to parse bedrock response", err)
	}

	return &llm.CompletionResponse{
		Content:      content,
		Model:        model,
		FinishReason: finishReason,
		Latency:      latency,
		Usage:        usage,
		Metadata: map[string]any{
			"region": c.region,
		},
	}, nil
}

// CompleteStructured asks for JSON output via prompt instructions, since
// none of the supported Bedrock model families expose a native schema
// parameter through InvokeModel.
func (c *Client) CompleteStructured(ctx context.Context, req llm.CompletionRequest, schema map[string]any) (*llm.CompletionResponse, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to marshal schema: %w", err)
	}
	req.Prompt = fmt.Sprintf("%s\n\nRespond with JSON only, conforming exactly to this schema:\n%s", req.Prompt, string(schemaBytes))
	return c.Complete(ctx, req)
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
