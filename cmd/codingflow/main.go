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

// Command codingflow is the process entry point wiring the coding
// workflow's services together. It reads a single case off stdin,
// drives it through the registered stage agents, and writes the
// resulting WorkflowState to stdout -- the whole surface this
// repository exposes publicly is the engine itself, not a case-ingestion
// API (§14 Non-goals).
//
// Environment variables used (see pkg/config for the full set and
// defaults):
//   - MODEL_ENDPOINT, MODEL_API_KEY: primary Remote Model Service
//   - MODEL_ENDPOINT_2, MODEL_API_KEY_2: optional fallback
//   - MODEL_PROVIDER, MODEL_PROVIDER_2: "anthropic" (default), "azure",
//     "bedrock", "gemini"
//   - BACKEND_REDIS_ADDR: Backend Health Manager's Redis instance
//   - REFSTORE_BACKEND, REFSTORE_BUCKET, REFSTORE_PREFIX: Reference Data
//     Store location
//   - VECTORSEARCH_DB_PATH: sqlite-vec database path
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/oxkair/codingflow/pkg/config"
	"github.com/oxkair/codingflow/pkg/model"
)

// caseInput is the JSON document read from stdin: the three pieces
// model.NewWorkflowState needs to build an initial state (§4.1
// "Initialization").
type caseInput struct {
	Case         model.CaseMetadata `json:"case"`
	Demographics model.Demographics `json:"demographics"`
	Note         model.CaseNote     `json:"note"`
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("codingflow: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	svc, err := newServices(ctx, cfg)
	if err != nil {
		return err
	}

	var input caseInput
	if err := json.NewDecoder(os.Stdin).Decode(&input); err != nil {
		return err
	}

	initial := model.NewWorkflowState(input.Case, input.Demographics, input.Note)
	logger := svc.logger.WithCase(initial.Case.CaseID, initial.Case.CaseID)
	logger.Info("workflow run starting", nil)

	final, runErr := svc.orchestrator.Run(ctx, initial)
	if runErr != nil {
		logger.Error("workflow run failed", map[string]interface{}{"error": runErr.Error()})
	} else {
		logger.Info("workflow run completed", map[string]interface{}{"version": final.Version})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(final); encErr != nil {
		return encErr
	}

	return runErr
}
