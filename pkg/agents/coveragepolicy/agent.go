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

// Package coveragepolicy implements the Coverage-Policy Agent (§4.6).
// Per spec, CPA is specified only by its structural contract: state in,
// a coverage-policy result blob out, no invariant violations. The
// cross-reference logic against an actual coverage-policy index is
// explicitly out of scope; this package implements exactly the
// contract and nothing more.
package coveragepolicy

import (
	"context"
	"fmt"

	"github.com/oxkair/codingflow/pkg/agentapi"
	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/refstore"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

// Version is stamped into every AgentResult's metadata by the envelope.
const Version = "1.0.0"

// Lookup is the structural seam this agent calls to cross-reference a
// diagnosis/procedure pair against a coverage-policy index. Out-of-scope
// details of the index itself are not this package's concern; a caller
// not wiring a real index can leave Lookup nil, and every pair is
// reported uncovered with no policy reference.
type Lookup func(ctx context.Context, procedureCode, diagnosisCode string) (covered bool, policyRef string, err error)

// Config wires the Coverage-Policy Agent's dependencies.
type Config struct {
	RefStore refstore.Store
	Lookup   Lookup
}

// New builds the Coverage-Policy Agent's envelope.
func New(cfg Config) agentapi.Envelope {
	a := &agent{cfg: cfg}
	return agentapi.Envelope{
		Name:    model.StageCoveragePolicy,
		Version: Version,
		RequiredServices: []agentapi.ServiceCheck{
			{Name: "refstore", Ready: func() bool { return cfg.RefStore != nil }},
		},
		Logic: a.run,
	}
}

type agent struct{ cfg Config }

func (a *agent) run(ctx context.Context, state model.WorkflowState) (workflowstate.Mutation, error) {
	var findings []model.CoverageFinding
	for _, p := range state.FinalProcedures {
		for _, d := range p.LinkedDiagnoses {
			covered, policyRef, err := a.lookup(ctx, p.Code, d.Code)
			finding := model.CoverageFinding{
				ProcedureCode: p.Code,
				DiagnosisCode: d.Code,
				Covered:       covered,
				PolicyRef:     policyRef,
			}
			if err != nil {
				finding.Message = err.Error()
			}
			findings = append(findings, finding)
		}
	}

	result := &model.CoveragePolicyResult{
		Status:   "complete",
		Findings: findings,
	}

	return workflowstate.Mutation{
		Status:   model.StepSuccess,
		Coverage: result,
		Message:  fmt.Sprintf("checked %d diagnosis/procedure combination(s)", len(findings)),
		Result: model.AgentResult{
			Success: true,
			Data:    result,
		},
	}, nil
}

func (a *agent) lookup(ctx context.Context, procedureCode, diagnosisCode string) (bool, string, error) {
	if a.cfg.Lookup == nil {
		return false, "", nil
	}
	return a.cfg.Lookup(ctx, procedureCode, diagnosisCode)
}
