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

package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxkair/codingflow/pkg/backend"
	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/model"
)

type stubProvider struct {
	name    string
	content string
	err     error
	calls   int
}

func (s *stubProvider) Name() string          { return s.name }
func (s *stubProvider) Type() llm.ProviderType { return llm.ProviderTypeAnthropic }
func (s *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llm.CompletionResponse{Content: s.content}, nil
}
func (s *stubProvider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) { return nil, nil }
func (s *stubProvider) Capabilities() []llm.Capability                                 { return nil }
func (s *stubProvider) SupportsStreaming() bool                                        { return false }
func (s *stubProvider) EstimateCost(req llm.CompletionRequest) *llm.CostEstimate       { return nil }

func newTestManager(t *testing.T) *backend.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return backend.New(client, 3, 5*time.Minute)
}

func TestComplete_UsesPrimaryWhenHealthy(t *testing.T) {
	primary := &stubProvider{name: "primary", content: "ok"}
	r := &Router{Primary: primary, PrimaryEndpoint: "p", Health: newTestManager(t)}

	resp, err := r.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, primary.calls)
}

func TestComplete_FailsOverOnPrimaryError(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("boom")}
	fallback := &stubProvider{name: "fallback", content: "fallback-ok"}
	r := &Router{Primary: primary, PrimaryEndpoint: "p", Fallback: fallback, FallbackEndpoint: "f", Health: newTestManager(t)}

	resp, err := r.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fallback-ok", resp.Content)
}

func TestComplete_NoFallbackPropagatesError(t *testing.T) {
	primary := &stubProvider{name: "primary", err: errors.New("boom")}
	r := &Router{Primary: primary, PrimaryEndpoint: "p", Health: newTestManager(t)}

	_, err := r.Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
}

func TestComplete_SkipsPrimaryWhenHealthManagerMarksItUnhealthy(t *testing.T) {
	primary := &stubProvider{name: "primary", content: "should-not-be-called"}
	fallback := &stubProvider{name: "fallback", content: "fallback-ok"}
	mgr := newTestManager(t)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _ = mgr.RecordFailure(ctx, "p")
	}

	r := &Router{Primary: primary, PrimaryEndpoint: "p", Fallback: fallback, FallbackEndpoint: "f", Health: mgr}
	resp, err := r.Complete(ctx, llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "fallback-ok", resp.Content)
	assert.Equal(t, 0, primary.calls)
}

func newAssignedTestManager(t *testing.T, threshold int, endpointA, endpointB llm.Provider) *backend.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mgr := backend.New(client, threshold, 5*time.Minute)

	endpoints := map[string]backend.Endpoint{"A": {ID: "A", Client: endpointA}}
	if endpointB != nil {
		endpoints["B"] = backend.Endpoint{ID: "B", Client: endpointB}
	}
	mgr.Configure(backend.AssignmentTable{
		model.StageProcedureCode: {EndpointID: "A", Deployment: "coding"},
	}, endpoints)
	return mgr
}

func TestComplete_StageAssignmentUsesAssignedEndpoint(t *testing.T) {
	a := &stubProvider{name: "a", content: "a-ok"}
	b := &stubProvider{name: "b", content: "b-ok"}
	mgr := newAssignedTestManager(t, 1, a, b)

	r := &Router{Primary: a, Health: mgr, Stage: model.StageProcedureCode}
	resp, err := r.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "a-ok", resp.Content)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 0, b.calls)
}

func TestComplete_StageAssignmentFailsOverOnError(t *testing.T) {
	a := &stubProvider{name: "a", err: errors.New("boom")}
	b := &stubProvider{name: "b", content: "b-ok"}
	mgr := newAssignedTestManager(t, 1, a, b)

	r := &Router{Primary: a, Health: mgr, Stage: model.StageProcedureCode}
	resp, err := r.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "b-ok", resp.Content)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}

func TestComplete_StageAssignmentNoFallbackPropagatesError(t *testing.T) {
	a := &stubProvider{name: "a", err: errors.New("boom")}
	mgr := newAssignedTestManager(t, 1, a, nil)

	r := &Router{Primary: a, Health: mgr, Stage: model.StageProcedureCode}
	_, err := r.Complete(context.Background(), llm.CompletionRequest{})
	assert.Error(t, err)
	assert.Equal(t, 1, a.calls)
}

func TestComplete_StageAssignmentIsolatesFailuresPerStage(t *testing.T) {
	a := &stubProvider{name: "a", err: errors.New("boom")}
	b := &stubProvider{name: "b", content: "b-ok"}
	mgr := newAssignedTestManager(t, 1, a, b)
	mgr.Configure(backend.AssignmentTable{
		model.StageProcedureCode: {EndpointID: "A", Deployment: "coding"},
		model.StageDiagnosisCode: {EndpointID: "A", Deployment: "coding"},
	}, map[string]backend.Endpoint{
		"A": {ID: "A", Client: a},
		"B": {ID: "B", Client: b},
	})

	rProc := &Router{Primary: a, Health: mgr, Stage: model.StageProcedureCode}
	_, err := rProc.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err, "should fail over to B and succeed")

	status, err := mgr.GetAssignmentStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status[model.StageProcedureCode].FailureCount)
	assert.Equal(t, 0, status[model.StageDiagnosisCode].FailureCount, "diagnosis-code's window must stay untouched by procedure-code's failure")
}
