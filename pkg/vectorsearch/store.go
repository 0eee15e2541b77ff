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

// Package vectorsearch provides nearest-neighbor retrieval of candidate
// procedure codes over a SQLite vec0 virtual table (§7 "Code
// Candidate Retrieval"). Embeddings are written and queried as
// little-endian float32 blobs via sqlite-vec's vec_distance_cosine.
package vectorsearch

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ProcedureCandidate is a single nearest-neighbor hit against the
// procedure code corpus.
type ProcedureCandidate struct {
	Code        string
	Description string
	Category    string
	Similarity  float64
	Rank        int
}

// Store wraps a SQLite database holding a vec0 virtual table of
// procedure-code embeddings.
type Store struct {
	db         *sql.DB
	dimensions int
	topK       int
}

// Open opens (or creates) the vector database at path and ensures the
// vec_procedures virtual table exists for the given embedding
// dimensionality. defaultTopK is used by Search when callers pass
// topK <= 0.
func Open(path string, dimensions, defaultTopK int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("vectorsearch: dimensions must be positive, got %d", dimensions)
	}
	if defaultTopK <= 0 {
		defaultTopK = 10
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("vectorsearch: failed to open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("vectorsearch: failed to ping %s: %w", path, err)
	}

	s := &Store{db: db, dimensions: dimensions, topK: defaultTopK}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	query := fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS vec_procedures USING vec0(
			embedding float[%d],
			code TEXT,
			description TEXT,
			category TEXT
		)
	`, s.dimensions)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("vectorsearch: failed to create vec_procedures table (is sqlite-vec loaded?): %w", err)
	}
	return nil
}

// Index upserts a procedure code's embedding into the corpus.
func (s *Store) Index(code, description, category string, embedding []float32) error {
	if len(embedding) != s.dimensions {
		return fmt.Errorf("vectorsearch: embedding has %d dimensions, want %d", len(embedding), s.dimensions)
	}
	blob := encodeFloat32SliceToBlob(embedding)
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO vec_procedures (embedding, code, description, category) VALUES (?, ?, ?, ?)",
		blob, code, description, category,
	)
	if err != nil {
		return fmt.Errorf("vectorsearch: failed to index %s: %w", code, err)
	}
	return nil
}

// Search returns the topK nearest procedure codes to queryEmbedding by
// cosine distance. topK <= 0 uses the store's configured default.
func (s *Store) Search(queryEmbedding []float32, topK int) ([]ProcedureCandidate, error) {
	if len(queryEmbedding) != s.dimensions {
		return nil, fmt.Errorf("vectorsearch: query embedding has %d dimensions, want %d", len(queryEmbedding), s.dimensions)
	}
	if topK <= 0 {
		topK = s.topK
	}

	queryBlob := encodeFloat32SliceToBlob(queryEmbedding)
	rows, err := s.db.Query(`
		SELECT code, description, category, vec_distance_cosine(embedding, ?) AS distance
		FROM vec_procedures
		ORDER BY distance ASC
		LIMIT ?
	`, queryBlob, topK)
	if err != nil {
		return nil, fmt.Errorf("vectorsearch: search failed: %w", err)
	}
	defer rows.Close()

	var results []ProcedureCandidate
	rank := 1
	for rows.Next() {
		var c ProcedureCandidate
		var distance float64
		if err := rows.Scan(&c.Code, &c.Description, &c.Category, &distance); err != nil {
			continue
		}
		c.Similarity = 1.0 - distance
		c.Rank = rank
		rank++
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vectorsearch: error iterating results: %w", err)
	}
	return results, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// encodeFloat32SliceToBlob encodes a float32 slice as a little-endian
// binary blob, the format sqlite-vec expects for its float[N] columns.
func encodeFloat32SliceToBlob(vec []float32) []byte {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil
	}
	return buf.Bytes()
}
