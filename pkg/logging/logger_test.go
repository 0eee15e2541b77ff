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

package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/oxkair/codingflow/pkg/model"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		instanceID     string
		expectedInstID string
	}{
		{name: "with instance ID set", instanceID: "instance-123", expectedInstID: "instance-123"},
		{name: "without instance ID", instanceID: "", expectedInstID: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				if err := os.Setenv("INSTANCE_ID", tt.instanceID); err != nil {
					t.Fatalf("failed to set INSTANCE_ID: %v", err)
				}
				defer os.Unsetenv("INSTANCE_ID")
			} else {
				os.Unsetenv("INSTANCE_ID")
			}

			logger := New("test-component")

			if logger.Component != "test-component" {
				t.Errorf("expected component %q, got %q", "test-component", logger.Component)
			}
			if logger.InstanceID != tt.expectedInstID {
				t.Errorf("expected instance ID %q, got %q", tt.expectedInstID, logger.InstanceID)
			}
			if logger.Container == "" {
				t.Error("expected container to be set from hostname")
			}
		})
	}
}

func captureLogLine(t *testing.T, fn func()) Entry {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	fn()

	output := buf.String()
	jsonStart := strings.Index(output, "{")
	if jsonStart == -1 {
		t.Fatalf("no JSON found in log output: %s", output)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(output[jsonStart:])), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\noutput: %s", err, output)
	}
	return entry
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, map[string]interface{})
		level   Level
	}{
		{name: "Info", logFunc: (*Logger).Info, level: INFO},
		{name: "Warn", logFunc: (*Logger).Warn, level: WARN},
		{name: "Error", logFunc: (*Logger).Error, level: ERROR},
		{name: "Debug", logFunc: (*Logger).Debug, level: DEBUG},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-component").WithCase("case-1", "corr-1")

			entry := captureLogLine(t, func() {
				tt.logFunc(logger, "test message", map[string]interface{}{"key": "value"})
			})

			if entry.Level != tt.level {
				t.Errorf("expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.Message != "test message" {
				t.Errorf("expected message %q, got %q", "test message", entry.Message)
			}
			if entry.CaseID != "case-1" || entry.CorrelationID != "corr-1" {
				t.Errorf("expected case/correlation IDs to carry through, got %q/%q", entry.CaseID, entry.CorrelationID)
			}
			if entry.Fields["key"] != "value" {
				t.Errorf("expected fields to round-trip, got %v", entry.Fields)
			}
			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("invalid timestamp format: %s", entry.Timestamp)
			}
		})
	}
}

func TestWithCase_DoesNotMutateParent(t *testing.T) {
	parent := New("test-component")
	child := parent.WithCase("case-1", "corr-1")

	if parent.caseID != "" || parent.correlationID != "" {
		t.Error("expected WithCase to leave the receiver unmodified")
	}
	if child.caseID != "case-1" || child.correlationID != "corr-1" {
		t.Error("expected the returned clone to carry the bound IDs")
	}
}

func TestStageStart(t *testing.T) {
	logger := New("test-component")
	entry := captureLogLine(t, func() {
		logger.StageStart(model.StageProcedureCode)
	})

	if entry.Message != "stage started" {
		t.Errorf("expected %q, got %q", "stage started", entry.Message)
	}
	if entry.Fields["stage"] != string(model.StageProcedureCode) {
		t.Errorf("expected stage field %q, got %v", model.StageProcedureCode, entry.Fields["stage"])
	}
}

func TestStageEnd(t *testing.T) {
	logger := New("test-component")
	entry := captureLogLine(t, func() {
		logger.StageEnd(model.StageModifier, model.StepSuccess, 250*time.Millisecond)
	})

	if entry.Fields["status"] != string(model.StepSuccess) {
		t.Errorf("expected status field %q, got %v", model.StepSuccess, entry.Fields["status"])
	}
	if entry.Fields["duration_ms"].(float64) != 250 {
		t.Errorf("expected duration_ms 250, got %v", entry.Fields["duration_ms"])
	}
}

func TestAPICall_LogsWarnOnError(t *testing.T) {
	logger := New("test-component")
	entry := captureLogLine(t, func() {
		logger.APICall(model.StageDiagnosisCode, "anthropic", 10*time.Millisecond, errAPI)
	})

	if entry.Level != WARN {
		t.Errorf("expected a failed API call to log at WARN, got %s", entry.Level)
	}
	if entry.Fields["error"] != errAPI.Error() {
		t.Errorf("expected error field to carry the error text, got %v", entry.Fields["error"])
	}
}

func TestAPICall_LogsDebugOnSuccess(t *testing.T) {
	logger := New("test-component")
	entry := captureLogLine(t, func() {
		logger.APICall(model.StageDiagnosisCode, "anthropic", 10*time.Millisecond, nil)
	})

	if entry.Level != DEBUG {
		t.Errorf("expected a successful API call to log at DEBUG, got %s", entry.Level)
	}
	if _, ok := entry.Fields["error"]; ok {
		t.Error("expected no error field on a successful call")
	}
}

func TestStateTransition(t *testing.T) {
	logger := New("test-component")
	entry := captureLogLine(t, func() {
		logger.StateTransition(model.StageProcedureCode, model.StageDiagnosisCode, 3)
	})

	if entry.Fields["from"] != string(model.StageProcedureCode) || entry.Fields["to"] != string(model.StageDiagnosisCode) {
		t.Errorf("expected from/to stage fields, got %v", entry.Fields)
	}
	if entry.Fields["version"].(float64) != 3 {
		t.Errorf("expected version 3, got %v", entry.Fields["version"])
	}
}

var errAPI = &testError{"backend unavailable"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
