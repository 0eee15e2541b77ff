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

// Package bedrockembed implements vectorsearch.Embedder over AWS
// Bedrock's Titan text-embedding model, the same bedrockruntime client
// family the Remote Model Service's Bedrock provider uses for
// completions.
package bedrockembed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

const defaultModel = "amazon.titan-embed-text-v1"

// Embedder calls a Titan embedding model through Bedrock.
type Embedder struct {
	client *bedrockruntime.Client
	model  string
}

// New builds an Embedder, loading AWS configuration for region. model
// defaults to "amazon.titan-embed-text-v1" when empty.
func New(ctx context.Context, region, model string) (*Embedder, error) {
	if model == "" {
		model = defaultModel
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrockembed: failed to load AWS config: %w", err)
	}
	return &Embedder{client: bedrockruntime.NewFromConfig(awsCfg), model: model}, nil
}

type titanEmbedRequest struct {
	InputText string `json:"inputText"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements vectorsearch.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbedRequest{InputText: text})
	if err != nil {
		return nil, fmt.Errorf("bedrockembed: marshal request: %w", err)
	}

	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.model),
		Body:        body,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrockembed: invoke model: %w", err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("bedrockembed: unmarshal response: %w", err)
	}
	return resp.Embedding, nil
}
