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

package model

import "time"

// Evidence is a verbatim quote (or several) from the notes supporting an
// agent's assertion, plus rationale and confidence (§3).
type Evidence struct {
	Quotes       []string `json:"quotes"`
	Rationale    string   `json:"rationale"`
	SourceAgent  StageName `json:"source_agent,omitempty"`
	SourceNote   NoteKind  `json:"source_note,omitempty"`
	Confidence   float64   `json:"confidence"`
	Content      any       `json:"content,omitempty"`
}

// ClampConfidence clamps Confidence into [0, 1], enforcing the invariant
// of §3 "confidence is clamped to [0, 1]".
func (e *Evidence) ClampConfidence() {
	if e.Confidence < 0 {
		e.Confidence = 0
	}
	if e.Confidence > 1 {
		e.Confidence = 1
	}
}

// ProcessingError is a single recorded error, per §3 and the taxonomy of
// §7.
type ProcessingError struct {
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Kind      ErrorKind      `json:"kind,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Context   map[string]any `json:"context,omitempty"`
}

func (e *ProcessingError) Error() string {
	if e.Source != "" {
		return e.Source + ": " + e.Message
	}
	return e.Message
}

// Retryable reports whether the orchestrator's retry policy may consider
// this error eligible (§4.1 "Retry", §7 "Propagation"). Critical errors
// are never retried.
func (e *ProcessingError) Retryable() bool {
	if e.Severity == SeverityCritical {
		return false
	}
	switch e.Kind {
	case ErrorKindExternalAPI, ErrorKindTimeout:
		return true
	default:
		return e.Severity == SeverityMedium
	}
}

// NewProcessingError builds a ProcessingError stamped with the current
// time, mirroring the teacher's NewProviderError constructor idiom.
func NewProcessingError(source string, kind ErrorKind, severity Severity, message string) *ProcessingError {
	return &ProcessingError{
		Message:   message,
		Severity:  severity,
		Kind:      kind,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}
