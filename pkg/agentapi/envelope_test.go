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

package agentapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/model"
	"github.com/oxkair/codingflow/pkg/workflowstate"
)

func emptyState() model.WorkflowState {
	return *model.NewWorkflowState(model.CaseMetadata{CaseID: "c1"}, model.Demographics{}, model.CaseNote{})
}

func TestEnvelope_MissingServiceIsCriticalAndSkipsLogic(t *testing.T) {
	called := false
	e := Envelope{
		Name: model.StageProcedureCode,
		RequiredServices: []ServiceCheck{
			{Name: "llm", Ready: func() bool { return false }},
		},
		Logic: func(ctx context.Context, s model.WorkflowState) (workflowstate.Mutation, error) {
			called = true
			return workflowstate.Mutation{}, nil
		},
	}

	_, err := e.Execute(context.Background(), emptyState())
	require.Error(t, err)
	assert.False(t, called)
	var pe *model.ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.SeverityCritical, pe.Severity)
}

func TestEnvelope_PanicNormalizesToCriticalError(t *testing.T) {
	e := Envelope{
		Name: model.StageModifier,
		Logic: func(ctx context.Context, s model.WorkflowState) (workflowstate.Mutation, error) {
			panic("boom")
		},
	}

	_, err := e.Execute(context.Background(), emptyState())
	require.Error(t, err)
	var pe *model.ProcessingError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, model.SeverityCritical, pe.Severity)
}

func TestEnvelope_PostValidationRejectsBadShape(t *testing.T) {
	e := Envelope{
		Name: model.StageCompliance,
		Logic: func(ctx context.Context, s model.WorkflowState) (workflowstate.Mutation, error) {
			return workflowstate.Mutation{}, nil
		},
		Validate: func(m workflowstate.Mutation) error {
			return errors.New("compliance result missing summary")
		},
	}

	mut, err := e.Execute(context.Background(), emptyState())
	require.Error(t, err)
	assert.Equal(t, model.StepFailure, mut.Status)
}

func TestEnvelope_StampsExecutionMetadata(t *testing.T) {
	e := Envelope{
		Name:    model.StageValueUnit,
		Version: "v1",
		Logic: func(ctx context.Context, s model.WorkflowState) (workflowstate.Mutation, error) {
			return workflowstate.Mutation{}, nil
		},
	}

	mut, err := e.Execute(context.Background(), emptyState())
	require.NoError(t, err)
	assert.Equal(t, model.StageValueUnit, mut.Result.Metadata.AgentName)
	assert.Equal(t, "v1", mut.Result.Metadata.Version)
	assert.GreaterOrEqual(t, mut.Result.Metadata.ExecutionTime.Nanoseconds(), int64(0))
	assert.Equal(t, model.StepSuccess, mut.Status)
}
