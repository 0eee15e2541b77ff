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

// Package backend implements the Backend Health Manager (§4.9 "Backend
// Failover"): a Redis sorted-set sliding window of recent failures per
// model endpoint. Once FailureThreshold failures land inside
// WindowDuration, the manager flips that endpoint to unhealthy so
// callers can route to a fallback; a single success resets it.
//
// On top of that per-key primitive, the manager also implements §4.9's
// stage-assignment contract: a static table pins each stage to a
// primary endpoint id ("A" or "B") and deployment, failures are
// tracked per stage (not per endpoint, so a flaky compliance call
// never throttles the procedure-code stage sharing the same physical
// endpoint), and GetAssignedBackend resolves a stage to its currently
// healthy endpoint on every call.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oxkair/codingflow/pkg/llm"
	"github.com/oxkair/codingflow/pkg/model"
)

// Manager tracks endpoint health via a Redis sliding window.
type Manager struct {
	client           *redis.Client
	failureThreshold int
	windowDuration   time.Duration

	assignments AssignmentTable
	endpoints   map[string]Endpoint
}

// New builds a Manager. failureThreshold <= 0 defaults to 3;
// windowDuration <= 0 defaults to 5 minutes.
func New(client *redis.Client, failureThreshold int, windowDuration time.Duration) *Manager {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if windowDuration <= 0 {
		windowDuration = 5 * time.Minute
	}
	return &Manager{client: client, failureThreshold: failureThreshold, windowDuration: windowDuration}
}

// Endpoint is one of the manager's configured remote-model endpoints,
// identified by the "A"/"B" id the assignment table references.
type Endpoint struct {
	ID     string
	URL    string
	Client llm.Provider
}

// Assignment pins a stage to a primary endpoint id and a model
// deployment name (§4.9 "Assignment rules").
type Assignment struct {
	EndpointID string
	Deployment string
}

// AssignmentTable maps a stage name to its primary assignment. A stage
// absent from the table falls back to DefaultAssignment.
type AssignmentTable map[model.StageName]Assignment

// DefaultAssignment is what an unregistered stage resolves to: "an
// unknown stage maps to A/default" (§4.9).
var DefaultAssignment = Assignment{EndpointID: "A", Deployment: "default"}

// DefaultAssignmentTable is the static stage→endpoint table wired in by
// default: the three upstream coding stages (procedure code, diagnosis
// code, compliance) share endpoint A, while the downstream pricing and
// policy stages that tolerate more latency run against endpoint B.
func DefaultAssignmentTable() AssignmentTable {
	return AssignmentTable{
		model.StageProcedureCode:  {EndpointID: "A", Deployment: "gpt-4-coding"},
		model.StageDiagnosisCode:  {EndpointID: "A", Deployment: "gpt-4-coding"},
		model.StageCompliance:     {EndpointID: "A", Deployment: "gpt-4-coding"},
		model.StageModifier:       {EndpointID: "A", Deployment: "gpt-4-modifier"},
		model.StageCoveragePolicy: {EndpointID: "B", Deployment: "gpt-4-policy"},
		model.StageValueUnit:      {EndpointID: "B", Deployment: "gpt-4-value"},
	}
}

// Backend is what GetAssignedBackend resolves a stage to (§4.9
// contract: "getAssignedBackend(stage) -> {endpoint, deployment,
// client, endpointUrl}").
type Backend struct {
	Endpoint    string
	Deployment  string
	Client      llm.Provider
	EndpointURL string
}

// Configure installs the stage-assignment table and the endpoint pool
// GetAssignedBackend resolves against. Must be called once before the
// stage-assignment contract (GetAssignedBackend, GetAssignmentStatus,
// GetHealthSummary, ResetAllFailures) is used; the plain per-key
// RecordFailure/RecordSuccess/IsHealthy/FailureCount primitives don't
// require it.
func (m *Manager) Configure(assignments AssignmentTable, endpoints map[string]Endpoint) {
	m.assignments = assignments
	m.endpoints = endpoints
}

func (m *Manager) assignmentFor(stage model.StageName) Assignment {
	if a, ok := m.assignments[stage]; ok {
		return a
	}
	return DefaultAssignment
}

func otherEndpointID(id string) string {
	switch id {
	case "A":
		return "B"
	case "B":
		return "A"
	default:
		return ""
	}
}

func stageFailureKey(stage model.StageName) string {
	return "stage:" + string(stage)
}

// GetAssignedBackend resolves stage to its currently healthy endpoint
// (§4.9). A stage flips to its fallback once its sliding window has
// crossed the failure threshold, and back once a success on the
// primary resets that window.
func (m *Manager) GetAssignedBackend(ctx context.Context, stage model.StageName) (Backend, error) {
	assignment := m.assignmentFor(stage)
	endpointID := assignment.EndpointID

	healthy, err := m.IsHealthy(ctx, stageFailureKey(stage))
	if err != nil {
		return Backend{}, err
	}
	if !healthy {
		if fb := otherEndpointID(endpointID); fb != "" {
			if _, ok := m.endpoints[fb]; ok {
				endpointID = fb
			}
		}
	}

	ep, ok := m.endpoints[endpointID]
	if !ok {
		return Backend{}, fmt.Errorf("backend: no endpoint configured for id %q (stage %q)", endpointID, stage)
	}
	return Backend{Endpoint: ep.ID, Deployment: assignment.Deployment, Client: ep.Client, EndpointURL: ep.URL}, nil
}

// RecordStageSuccess resets stage's failure window, but only when
// endpointID is the stage's assigned primary -- "a success on the
// primary endpoint resets the window for that stage" (§4.9); a success
// on the fallback leaves the window alone so the stage keeps failing
// over until the primary itself recovers.
func (m *Manager) RecordStageSuccess(ctx context.Context, stage model.StageName, endpointID string) error {
	if endpointID != m.assignmentFor(stage).EndpointID {
		return nil
	}
	return m.RecordSuccess(ctx, stageFailureKey(stage))
}

// RecordStageFailure appends a failure to stage's sliding window. cause
// is accepted to match §4.9's recordFailure(stage, error) contract;
// the window itself only needs the timestamp.
func (m *Manager) RecordStageFailure(ctx context.Context, stage model.StageName, cause error) (unhealthy bool, err error) {
	return m.RecordFailure(ctx, stageFailureKey(stage))
}

// AssignmentStatus is one stage's entry in GetAssignmentStatus's
// result.
type AssignmentStatus struct {
	Stage        model.StageName
	PrimaryID    string
	ActiveID     string
	Deployment   string
	Healthy      bool
	FailureCount int
}

// GetAssignmentStatus reports every registered stage's primary
// assignment, its currently active endpoint (which may be the
// fallback), and its failure-window state (§4.9 contract).
func (m *Manager) GetAssignmentStatus(ctx context.Context) (map[model.StageName]AssignmentStatus, error) {
	out := make(map[model.StageName]AssignmentStatus, len(m.assignments))
	for stage, assignment := range m.assignments {
		healthy, err := m.IsHealthy(ctx, stageFailureKey(stage))
		if err != nil {
			return nil, err
		}
		count, err := m.FailureCount(ctx, stageFailureKey(stage))
		if err != nil {
			return nil, err
		}
		active := assignment.EndpointID
		if !healthy {
			if fb := otherEndpointID(active); fb != "" {
				if _, ok := m.endpoints[fb]; ok {
					active = fb
				}
			}
		}
		out[stage] = AssignmentStatus{
			Stage:        stage,
			PrimaryID:    assignment.EndpointID,
			ActiveID:     active,
			Deployment:   assignment.Deployment,
			Healthy:      healthy,
			FailureCount: count,
		}
	}
	return out, nil
}

// EndpointHealthSummary aggregates the health of every stage currently
// assigned to one endpoint id.
type EndpointHealthSummary struct {
	EndpointID     string
	Healthy        bool
	FailureCount   int
	StagesAssigned []model.StageName
}

// GetHealthSummary reports, per configured endpoint, whether every
// stage assigned to it is within the failure threshold and the total
// failure count across those stages (§4.9 contract).
func (m *Manager) GetHealthSummary(ctx context.Context) (map[string]EndpointHealthSummary, error) {
	summaries := make(map[string]EndpointHealthSummary, len(m.endpoints))
	for id := range m.endpoints {
		summaries[id] = EndpointHealthSummary{EndpointID: id, Healthy: true}
	}

	for stage, assignment := range m.assignments {
		healthy, err := m.IsHealthy(ctx, stageFailureKey(stage))
		if err != nil {
			return nil, err
		}
		count, err := m.FailureCount(ctx, stageFailureKey(stage))
		if err != nil {
			return nil, err
		}
		s := summaries[assignment.EndpointID]
		s.EndpointID = assignment.EndpointID
		s.StagesAssigned = append(s.StagesAssigned, stage)
		s.FailureCount += count
		if !healthy {
			s.Healthy = false
		}
		summaries[assignment.EndpointID] = s
	}
	return summaries, nil
}

// ResetAllFailures clears every registered stage's failure window
// (§4.9 contract).
func (m *Manager) ResetAllFailures(ctx context.Context) error {
	for stage := range m.assignments {
		if err := m.RecordSuccess(ctx, stageFailureKey(stage)); err != nil {
			return err
		}
	}
	return nil
}

func failureKey(endpoint string) string {
	return fmt.Sprintf("backend:failures:%s", endpoint)
}

// RecordFailure appends a failure timestamp to endpoint's sliding
// window, pruning entries older than the window, and reports whether
// the endpoint has now crossed the failure threshold.
func (m *Manager) RecordFailure(ctx context.Context, endpoint string) (unhealthy bool, err error) {
	now := time.Now()
	key := failureKey(endpoint)

	pipe := m.client.Pipeline()
	minScore := now.Add(-m.windowDuration).Unix()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", minScore))
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(now.Unix()), Member: fmt.Sprintf("%d", now.UnixNano())})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, 2*m.windowDuration)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("backend: failed to record failure for %s: %w", endpoint, err)
	}

	count := card.Val()
	return count >= int64(m.failureThreshold), nil
}

// RecordSuccess clears endpoint's failure window, resetting it to
// healthy.
func (m *Manager) RecordSuccess(ctx context.Context, endpoint string) error {
	if err := m.client.Del(ctx, failureKey(endpoint)).Err(); err != nil {
		return fmt.Errorf("backend: failed to reset failures for %s: %w", endpoint, err)
	}
	return nil
}

// IsHealthy reports whether endpoint is currently below the failure
// threshold within the sliding window.
func (m *Manager) IsHealthy(ctx context.Context, endpoint string) (bool, error) {
	now := time.Now()
	minScore := now.Add(-m.windowDuration).Unix()
	count, err := m.client.ZCount(ctx, failureKey(endpoint), fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		return false, fmt.Errorf("backend: failed to check health for %s: %w", endpoint, err)
	}
	return count < int64(m.failureThreshold), nil
}

// FailureCount returns the number of failures currently inside
// endpoint's sliding window.
func (m *Manager) FailureCount(ctx context.Context, endpoint string) (int, error) {
	now := time.Now()
	minScore := now.Add(-m.windowDuration).Unix()
	count, err := m.client.ZCount(ctx, failureKey(endpoint), fmt.Sprintf("%d", minScore), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("backend: failed to count failures for %s: %w", endpoint, err)
	}
	return int(count), nil
}
