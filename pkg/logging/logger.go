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

// Package logging provides the structured, stage-aware logger every
// workflow component writes through: one JSON line per event, carrying
// the case and correlation IDs so a single case's log lines can be
// reassembled from a shared stdout stream (§6 "Workflow Logger Context").
package logging

import (
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/oxkair/codingflow/pkg/model"
)

// Level is the severity of a log entry.
type Level string

const (
	DEBUG Level = "DEBUG"
	INFO  Level = "INFO"
	WARN  Level = "WARN"
	ERROR Level = "ERROR"
)

// Entry is the JSON shape written to stdout for every log call.
type Entry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         Level                  `json:"level"`
	Component     string                 `json:"component"`
	InstanceID    string                 `json:"instance_id"`
	Container     string                 `json:"container"`
	CaseID        string                 `json:"case_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Message       string                 `json:"message"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// Logger is a structured, component-scoped logger. A Logger is cheap to
// construct; WithCase binds it to one case's IDs for the duration of a
// workflow run.
type Logger struct {
	Component  string
	InstanceID string
	Container  string

	caseID        string
	correlationID string
}

// New creates a Logger for the named component, reading INSTANCE_ID from
// the environment and the container name from the hostname -- identical
// to the teacher's shared/logger.New.
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}
	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}
	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// WithCase returns a copy of the logger bound to caseID/correlationID,
// so every subsequent log line from it carries both without the caller
// repeating them.
func (l *Logger) WithCase(caseID, correlationID string) *Logger {
	clone := *l
	clone.caseID = caseID
	clone.correlationID = correlationID
	return &clone
}

// Log writes one structured entry to stdout.
func (l *Logger) Log(level Level, message string, fields map[string]interface{}) {
	entry := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Level:         level,
		Component:     l.Component,
		InstanceID:    l.InstanceID,
		Container:     l.Container,
		CaseID:        l.caseID,
		CorrelationID: l.correlationID,
		Message:       message,
		Fields:        fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}
	log.Println(string(jsonBytes))
}

func (l *Logger) Debug(message string, fields map[string]interface{}) { l.Log(DEBUG, message, fields) }
func (l *Logger) Info(message string, fields map[string]interface{})  { l.Log(INFO, message, fields) }
func (l *Logger) Warn(message string, fields map[string]interface{})  { l.Log(WARN, message, fields) }
func (l *Logger) Error(message string, fields map[string]interface{}) { l.Log(ERROR, message, fields) }

// StageStart logs the beginning of a stage agent's execution.
func (l *Logger) StageStart(stage model.StageName) {
	l.Info("stage started", map[string]interface{}{"stage": string(stage)})
}

// StageEnd logs the completion of a stage agent's execution, including
// its duration and outcome (§6 "Performance metrics").
func (l *Logger) StageEnd(stage model.StageName, status model.StepStatus, duration time.Duration) {
	l.Info("stage completed", map[string]interface{}{
		"stage":       string(stage),
		"status":      string(status),
		"duration_ms": duration.Milliseconds(),
	})
}

// APICall logs one outbound call to a remote model or backend service,
// correlating it back to the stage that issued it (§6 "API-call
// correlation").
func (l *Logger) APICall(stage model.StageName, provider string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"stage":       string(stage),
		"provider":    provider,
		"duration_ms": duration.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("api call failed", fields)
		return
	}
	l.Debug("api call completed", fields)
}

// StateTransition logs a CompletedSteps/CurrentStep change on the shared
// WorkflowState (§6 "State transitions").
func (l *Logger) StateTransition(from, to model.StageName, version int) {
	l.Debug("state transition", map[string]interface{}{
		"from":    string(from),
		"to":      string(to),
		"version": version,
	})
}
