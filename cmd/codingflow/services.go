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

package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/oxkair/codingflow/pkg/agents/compliance"
	"github.com/oxkair/codingflow/pkg/agents/coveragepolicy"
	"github.com/oxkair/codingflow/pkg/agents/diagnosiscode"
	"github.com/oxkair/codingflow/pkg/agents/modifier"
	"github.com/oxkair/codingflow/pkg/agents/procedurecode"
	"github.com/oxkair/codingflow/pkg/agents/valueunit"
	"github.com/oxkair/codingflow/pkg/backend"
	"github.com/oxkair/codingflow/pkg/config"
	"github.com/oxkair/codingflow/pkg/engine"
	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/llm/anthropic"
	"github.com/oxkair/codingflow/pkg/llm/azure"
	"github.com/oxkair/codingflow/pkg/llm/bedrock"
	"github.com/oxkair/codingflow/pkg/llm/gemini"
	"github.com/oxkair/codingflow/pkg/llm/router"
	"github.com/oxkair/codingflow/pkg/logging"
	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/refstore"
	"github.com/oxkair/codingflow/pkg/refstore/blob"
	"github.com/oxkair/codingflow/pkg/refstore/postgres"
	"github.com/oxkair/codingflow/pkg/vectorsearch"
	"github.com/oxkair/codingflow/pkg/vectorsearch/bedrockembed"
)

// services is the explicit, process-start-constructed dependency bundle
// the Design Notes call for in place of the teacher's package-level
// singletons. Nothing here is a package var; main wires one services
// value and threads it to the orchestrator.
type services struct {
	logger       *logging.Logger
	refStore     refstore.Store
	vectorStore  *vectorsearch.Store
	embedder     vectorsearch.Embedder
	backendMgr   *backend.Manager
	providers    map[model.StageName]llm.StructuredProvider
	orchestrator *engine.Orchestrator
}

// newServices builds every dependency from cfg and registers the six
// stage agents with a fresh Orchestrator, mirroring the shape of the
// teacher's initializeComponents but returning an explicit value
// instead of assigning package globals.
func newServices(ctx context.Context, cfg *config.Config) (*services, error) {
	logger := logging.New("codingflow")

	refStore, err := newRefStore(ctx, cfg.RefStore)
	if err != nil {
		return nil, fmt.Errorf("codingflow: refstore: %w", err)
	}

	vectorStore, err := vectorsearch.Open(cfg.VectorSearch.DatabasePath, cfg.VectorSearch.Dimensions, cfg.VectorSearch.TopK)
	if err != nil {
		return nil, fmt.Errorf("codingflow: vectorsearch: %w", err)
	}

	embedder, err := newEmbedder(ctx, cfg.Backend)
	if err != nil {
		return nil, fmt.Errorf("codingflow: embedder: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Backend.RedisAddr})
	backendMgr := backend.New(redisClient, cfg.Backend.FailureThreshold, cfg.Backend.WindowDuration)

	providers, err := newStageProviders(ctx, cfg.Backend, backendMgr)
	if err != nil {
		return nil, fmt.Errorf("codingflow: llm provider: %w", err)
	}

	orch := engine.New(engine.Config{
		ErrorPolicy:    cfg.Engine.ErrorPolicy,
		Workers:        cfg.Engine.Workers,
		DefaultTimeout: cfg.Engine.DefaultTimeout,
	})
	registerStages(orch, refStore, vectorStore, embedder, providers, cfg)

	return &services{
		logger:       logger,
		refStore:     refStore,
		vectorStore:  vectorStore,
		embedder:     embedder,
		backendMgr:   backendMgr,
		providers:    providers,
		orchestrator: orch,
	}, nil
}

// newRefStore picks the concrete Reference Data Store backend named by
// cfg.Backend, mirroring the teacher's per-cloud connector split.
func newRefStore(ctx context.Context, cfg config.RefStoreConfig) (refstore.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return postgres.Open(cfg.PostgresDSN)
	case "gcs":
		bucket, err := blob.NewGCSBucket(ctx)
		if err != nil {
			return nil, err
		}
		return blob.New(bucket, cfg.Bucket, cfg.Prefix), nil
	case "azblob":
		bucket, err := blob.NewAzureBucket(cfg.AccountURL)
		if err != nil {
			return nil, err
		}
		return blob.New(bucket, cfg.Bucket, cfg.Prefix), nil
	case "s3", "":
		bucket, err := blob.NewS3Bucket(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return blob.New(bucket, cfg.Bucket, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("codingflow: unknown refstore backend %q", cfg.Backend)
	}
}

// newEmbedder builds the query embedder the Procedure-Code Agent's
// vector-search step needs (§4.3 step 2). Only Bedrock's Titan model is
// wired; when neither the primary nor the fallback provider is "bedrock"
// this returns nil, and the agent's vector-search readiness check then
// fails the Procedure-Code stage.
func newEmbedder(ctx context.Context, cfg config.BackendConfig) (vectorsearch.Embedder, error) {
	if cfg.PrimaryProvider != "bedrock" && cfg.FallbackProvider != "bedrock" {
		return nil, nil
	}
	region := cfg.PrimaryEndpoint
	return bedrockembed.New(ctx, region, "")
}

// newStageProviders builds the two physical Remote Model Service
// endpoints ("A" and "B"), registers them with backendMgr under the
// §4.9 stage-assignment table, and returns one router.Router per stage
// that routes through that table instead of a single shared
// primary/fallback pair -- so a run of failures against, say, the
// Diagnosis-Code Agent's calls never throttles Procedure-Code even though
// both default to endpoint A (§4.9 "failures are counted... per
// stage"). Construction fails when endpoint A lacks the URL its provider
// kind needs (azure, bedrock) or the API key (every kind but bedrock); a
// missing endpoint B is tolerated, just with no failover target for the
// stages assigned to it.
func newStageProviders(ctx context.Context, cfg config.BackendConfig, backendMgr *backend.Manager) (map[model.StageName]llm.StructuredProvider, error) {
	if endpointRequiresURL(cfg.PrimaryProvider) && cfg.PrimaryEndpoint == "" {
		return nil, fmt.Errorf("codingflow: endpoint A requires an endpoint URL for provider %q", cfg.PrimaryProvider)
	}
	if endpointRequiresAPIKey(cfg.PrimaryProvider) && cfg.PrimaryAPIKey == "" {
		return nil, fmt.Errorf("codingflow: endpoint A requires an API key for provider %q", cfg.PrimaryProvider)
	}

	clientA, err := buildProvider(ctx, "endpoint-a", cfg.PrimaryProvider, cfg.PrimaryEndpoint, cfg.PrimaryAPIKey, cfg.Model, cfg.Deployment)
	if err != nil {
		return nil, err
	}
	endpoints := map[string]backend.Endpoint{
		"A": {ID: "A", URL: cfg.PrimaryEndpoint, Client: clientA},
	}

	if cfg.FallbackEndpoint != "" || cfg.FallbackAPIKey != "" {
		fallbackKind := cfg.FallbackProvider
		if fallbackKind == "" {
			fallbackKind = cfg.PrimaryProvider
		}
		clientB, err := buildProvider(ctx, "endpoint-b", fallbackKind, cfg.FallbackEndpoint, cfg.FallbackAPIKey, cfg.FallbackModel, cfg.FallbackDeployment)
		if err != nil {
			return nil, err
		}
		endpoints["B"] = backend.Endpoint{ID: "B", URL: cfg.FallbackEndpoint, Client: clientB}
	}

	assignments := backend.DefaultAssignmentTable()
	backendMgr.Configure(assignments, endpoints)

	providers := make(map[model.StageName]llm.StructuredProvider, len(assignments))
	for stage, assignment := range assignments {
		ep, ok := endpoints[assignment.EndpointID]
		if !ok {
			ep = endpoints["A"]
		}
		providers[stage] = &router.Router{
			Primary:         ep.Client,
			PrimaryEndpoint: ep.ID,
			Health:          backendMgr,
			Stage:           stage,
		}
	}
	return providers, nil
}

// endpointRequiresURL reports whether kind's client needs an explicit
// endpoint/region (Azure OpenAI's resource URL, Bedrock's AWS region)
// rather than talking to a provider's fixed public API.
func endpointRequiresURL(kind string) bool {
	switch kind {
	case "azure", "bedrock":
		return true
	default:
		return false
	}
}

// endpointRequiresAPIKey reports whether kind's client authenticates
// with an API key; Bedrock instead uses the ambient AWS credential
// chain.
func endpointRequiresAPIKey(kind string) bool {
	return kind != "bedrock"
}

// buildProvider constructs one concrete pkg/llm provider. endpoint is
// overloaded per provider kind, following the teacher's LoadLLMConfig
// pattern of reusing region/endpoint env vars across providers: it's an
// optional base-URL override for anthropic/gemini, the Azure OpenAI
// endpoint for azure, and the AWS region for bedrock.
func buildProvider(ctx context.Context, name, kind, endpoint, apiKey, modelName, deployment string) (llm.Provider, error) {
	switch kind {
	case "azure":
		return azure.New(name, endpoint, apiKey, deployment), nil
	case "bedrock":
		return bedrock.New(ctx, name, endpoint, modelName)
	case "gemini":
		return gemini.New(name, apiKey), nil
	case "anthropic", "":
		return anthropic.New(name, apiKey), nil
	default:
		return nil, fmt.Errorf("codingflow: unknown model provider %q", kind)
	}
}

// registerStages wires the six stage agents into orch in the dependency
// order §4 lays out: Procedure-Code runs off the raw case; Diagnosis-Code
// needs its final procedure list; Compliance needs both; Coverage-Policy and Modifier
// both need Compliance's output; Value-Unit needs the final, modified
// line items.
func registerStages(orch *engine.Orchestrator, refStore refstore.Store, vectorStore *vectorsearch.Store, embedder vectorsearch.Embedder, providers map[model.StageName]llm.StructuredProvider, cfg *config.Config) {
	unlistedCodes := map[string]bool{"49999": true, "64999": true}

	orch.Register(engine.StepConfig{
		Name: model.StageProcedureCode,
		Agent: procedurecode.New(procedurecode.Config{
			Provider:               providers[model.StageProcedureCode],
			VectorStore:            vectorStore,
			Embedder:               embedder,
			RefStore:               refStore,
			CandidatesPerProcedure: 8,
			UnlistedCodes:          unlistedCodes,
		}),
	})

	orch.Register(engine.StepConfig{
		Name: model.StageDiagnosisCode,
		Agent: diagnosiscode.New(diagnosiscode.Config{
			Provider:        providers[model.StageDiagnosisCode],
			RefStore:        refStore,
			PrefixFallbacks: cfg.DiagnosisPrefixFallbacks,
		}),
		DependsOn: []model.StageName{model.StageProcedureCode},
	})

	orch.Register(engine.StepConfig{
		Name: model.StageCompliance,
		Agent: compliance.New(compliance.Config{
			RefStore:      refStore,
			UnlistedCodes: unlistedCodes,
		}),
		DependsOn: []model.StageName{model.StageProcedureCode, model.StageDiagnosisCode},
	})

	orch.Register(engine.StepConfig{
		Name:      model.StageCoveragePolicy,
		Agent:     coveragepolicy.New(coveragepolicy.Config{RefStore: refStore}),
		DependsOn: []model.StageName{model.StageCompliance},
		Optional:  true,
	})

	orch.Register(engine.StepConfig{
		Name: model.StageModifier,
		Agent: modifier.New(modifier.Config{
			Provider:      providers[model.StageModifier],
			ModifierTable: defaultModifierTable(),
		}),
		DependsOn: []model.StageName{model.StageCompliance},
	})

	orch.Register(engine.StepConfig{
		Name:      model.StageValueUnit,
		Agent:     valueunit.New(valueunit.Config{RefStore: refStore}),
		DependsOn: []model.StageName{model.StageModifier, model.StageCoveragePolicy},
	})
}

// defaultModifierTable is the pre-vetted modifier reference §4.7.4
// requires every proposed code to appear in. A production deployment
// loads this from the Reference Data Store; the common CPT/HCPCS
// modifiers are hardcoded here as the floor a config overlay builds on.
func defaultModifierTable() map[string]model.Modifier {
	entries := []struct {
		code, description string
	}{
		{"22", "increased procedural services"},
		{"24", "unrelated E/M during postoperative period"},
		{"25", "significant, separately identifiable E/M service"},
		{"50", "bilateral procedure"},
		{"51", "multiple procedures"},
		{"57", "decision for surgery"},
		{"58", "staged or related procedure during postoperative period"},
		{"59", "distinct procedural service"},
		{"62", "two surgeons"},
		{"78", "unplanned return to operating room"},
		{"79", "unrelated procedure during postoperative period"},
		{"LT", "left side"},
		{"RT", "right side"},
		{"XE", "separate encounter"},
		{"XP", "separate practitioner"},
		{"XS", "separate structure"},
		{"XU", "unusual non-overlapping service"},
	}
	table := make(map[string]model.Modifier, len(entries))
	for _, e := range entries {
		table[e.code] = model.Modifier{Description: e.description}
	}
	return table
}
