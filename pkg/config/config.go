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

// Package config loads the process-wide configuration for the coding
// workflow from the environment, with an optional YAML overlay for
// stage-registration tuning (timeouts, retries, priorities) that
// operators can change without a redeploy.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oxkair/codingflow/pkg/model"
)

// EngineConfig controls the orchestrator's execution policy.
type EngineConfig struct {
	ErrorPolicy    model.ErrorPolicy
	Workers        int
	DefaultTimeout time.Duration
}

// BackendConfig configures the primary/fallback remote model backends
// (§11 "Backend Health Manager").
type BackendConfig struct {
	PrimaryEndpoint  string
	PrimaryAPIKey    string
	FallbackEndpoint string
	FallbackAPIKey   string
	APIVersion       string

	// PrimaryProvider/FallbackProvider select the concrete pkg/llm client
	// construction ("anthropic", "azure", "gemini", "bedrock").
	// PrimaryProvider defaults to "anthropic"; an empty FallbackProvider
	// makes endpoint B use PrimaryProvider's kind.
	PrimaryProvider  string
	FallbackProvider string

	// Model/FallbackModel name the model id each provider defaults to
	// when empty.
	Model         string
	FallbackModel string

	// Deployment/FallbackDeployment is the Azure OpenAI deployment name,
	// only consulted when the matching Provider is "azure".
	Deployment         string
	FallbackDeployment string

	RedisAddr string

	// FailureThreshold is the number of failures within WindowDuration
	// that flips a stage from primary to fallback.
	FailureThreshold int
	WindowDuration   time.Duration
}

// RefStoreConfig configures the reference-data store (§10).
type RefStoreConfig struct {
	Backend string // "s3", "gcs", "azblob", "postgres"
	Bucket  string
	Prefix  string

	// AccountURL is the Azure Storage account endpoint
	// ("https://<account>.blob.core.windows.net"), only read when
	// Backend is "azblob".
	AccountURL string

	// Region is the AWS region, only read when Backend is "s3".
	Region string

	PostgresDSN string
}

// VectorSearchConfig configures the sqlite-vec-backed candidate search
// (§9).
type VectorSearchConfig struct {
	DatabasePath string
	Dimensions   int
	TopK         int
}

// Config is the full process configuration.
type Config struct {
	Engine       EngineConfig
	Backend      BackendConfig
	RefStore     RefStoreConfig
	VectorSearch VectorSearchConfig

	// DiagnosisPrefixFallbacks lists ICD-10-CM category prefixes tried,
	// in order, when the Diagnosis-Code Agent's primary extraction
	// yields no candidates (Open Question (b); see DESIGN.md).
	DiagnosisPrefixFallbacks []string
}

// Load builds a Config from the process environment, per the teacher's
// getEnv-with-default idiom.
func Load() (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			ErrorPolicy:    model.ErrorPolicy(getEnv("ENGINE_ERROR_POLICY", string(model.ErrorPolicyContinue))),
			Workers:        getEnvInt("ENGINE_WORKERS", 4),
			DefaultTimeout: getEnvDuration("ENGINE_DEFAULT_TIMEOUT", 30*time.Second),
		},
		Backend: BackendConfig{
			PrimaryEndpoint:    os.Getenv("MODEL_ENDPOINT"),
			PrimaryAPIKey:      os.Getenv("MODEL_API_KEY"),
			FallbackEndpoint:   os.Getenv("MODEL_ENDPOINT_2"),
			FallbackAPIKey:     os.Getenv("MODEL_API_KEY_2"),
			APIVersion:         os.Getenv("MODEL_API_VERSION"),
			PrimaryProvider:    getEnv("MODEL_PROVIDER", "anthropic"),
			FallbackProvider:   getEnv("MODEL_PROVIDER_2", ""),
			Model:              os.Getenv("MODEL_NAME"),
			FallbackModel:      os.Getenv("MODEL_NAME_2"),
			Deployment:         os.Getenv("MODEL_DEPLOYMENT"),
			FallbackDeployment: os.Getenv("MODEL_DEPLOYMENT_2"),
			RedisAddr:          getEnv("BACKEND_REDIS_ADDR", "localhost:6379"),
			FailureThreshold:   getEnvInt("BACKEND_FAILURE_THRESHOLD", 3),
			WindowDuration:     getEnvDuration("BACKEND_WINDOW_DURATION", 5*time.Minute),
		},
		RefStore: RefStoreConfig{
			Backend:     getEnv("REFSTORE_BACKEND", "s3"),
			Bucket:      os.Getenv("REFSTORE_BUCKET"),
			Prefix:      os.Getenv("REFSTORE_PREFIX"),
			AccountURL:  os.Getenv("REFSTORE_AZURE_ACCOUNT_URL"),
			Region:      getEnv("REFSTORE_REGION", "us-east-1"),
			PostgresDSN: os.Getenv("REFSTORE_POSTGRES_DSN"),
		},
		VectorSearch: VectorSearchConfig{
			DatabasePath: getEnv("VECTORSEARCH_DB_PATH", "./data/vectors.db"),
			Dimensions:   getEnvInt("VECTORSEARCH_DIMENSIONS", 1536),
			TopK:         getEnvInt("VECTORSEARCH_TOP_K", 10),
		},
		DiagnosisPrefixFallbacks: []string{"R69", "Z00", "Z01"},
	}

	if cfg.Backend.PrimaryEndpoint == "" {
		return nil, fmt.Errorf("config: MODEL_ENDPOINT is required")
	}
	if cfg.Backend.PrimaryAPIKey == "" {
		return nil, fmt.Errorf("config: MODEL_API_KEY is required")
	}

	return cfg, nil
}

// StageOverride is one entry of the optional YAML overlay (§4.1
// "Configuration"), letting operators retune a registered stage's
// timeout/retries/priority without touching code.
type StageOverride struct {
	Name       model.StageName `yaml:"name"`
	TimeoutMs  int             `yaml:"timeout_ms"`
	MaxRetries int             `yaml:"max_retries"`
	Priority   int             `yaml:"priority"`
	Optional   bool            `yaml:"optional"`
}

// Overlay is the root of the YAML stage-registration overlay document.
type Overlay struct {
	APIVersion string          `yaml:"apiVersion"`
	Stages     []StageOverride `yaml:"stages"`
}

// LoadOverlay reads and parses a stage-overlay YAML file, mirroring the
// teacher's LoadAgentConfig/ParseAgentConfig split.
func LoadOverlay(path string) (*Overlay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read overlay %s: %w", path, err)
	}
	return ParseOverlay(data)
}

// ParseOverlay parses YAML overlay bytes.
func ParseOverlay(data []byte) (*Overlay, error) {
	var o Overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("config: failed to parse overlay YAML: %w", err)
	}
	return &o, nil
}

// Find returns the override entry for a stage, if the overlay has one.
func (o *Overlay) Find(stage model.StageName) (StageOverride, bool) {
	for _, s := range o.Stages {
		if s.Name == stage {
			return s, true
		}
	}
	return StageOverride{}, false
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
