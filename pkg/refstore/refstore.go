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

// Package refstore provides the Reference Data Store (§7 "Reference
// Data Store") used by the Compliance, Coverage Policy, and Value
// Unit agents to look up NCCI edits, LCD/NCD policy text, and RVU
// tables. A Store is content-addressed by file name within a logical
// prefix; concrete backends live in pkg/refstore/blob and
// pkg/refstore/postgres.
package refstore

import "context"

// Store is the reference-data lookup contract every concrete backend
// implements.
type Store interface {
	// FileExists reports whether name exists under the store's prefix.
	FileExists(ctx context.Context, name string) (bool, error)

	// GetFileContent returns the raw bytes of name.
	GetFileContent(ctx context.Context, name string) ([]byte, error)

	// ListFilesByName returns every file whose name contains substr.
	ListFilesByName(ctx context.Context, substr string) ([]string, error)
}

// ErrNotFound is returned by GetFileContent when name does not exist.
type ErrNotFound struct {
	Name string
}

func (e *ErrNotFound) Error() string {
	return "refstore: file not found: " + e.Name
}
