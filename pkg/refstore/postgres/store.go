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

// Package postgres implements refstore.Store over a Postgres table,
// for deployments that keep reference data (NCCI edits, LCD/NCD
// policies, RVU tables) in a managed database rather than object
// storage.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/oxkair/codingflow/pkg/refstore"
)

const defaultTable = "reference_files"

// Store is a refstore.Store backed by a Postgres table of the shape:
//
//	CREATE TABLE reference_files (
//	    name    TEXT PRIMARY KEY,
//	    content BYTEA NOT NULL
//	);
type Store struct {
	db    *sql.DB
	table string
}

// Open connects to dsn and returns a Store using the default table
// name ("reference_files").
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("refstore/postgres: failed to open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("refstore/postgres: failed to ping: %w", err)
	}
	return &Store{db: db, table: defaultTable}, nil
}

// New wraps an already-open *sql.DB, optionally overriding the table
// name.
func New(db *sql.DB, table string) *Store {
	if table == "" {
		table = defaultTable
	}
	return &Store{db: db, table: table}
}

func (s *Store) FileExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE name = $1)", s.table)
	if err := s.db.QueryRowContext(ctx, query, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("refstore/postgres: exists %s: %w", name, err)
	}
	return exists, nil
}

func (s *Store) GetFileContent(ctx context.Context, name string) ([]byte, error) {
	var content []byte
	query := fmt.Sprintf("SELECT content FROM %s WHERE name = $1", s.table)
	err := s.db.QueryRowContext(ctx, query, name).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &refstore.ErrNotFound{Name: name}
	}
	if err != nil {
		return nil, fmt.Errorf("refstore/postgres: get %s: %w", name, err)
	}
	return content, nil
}

func (s *Store) ListFilesByName(ctx context.Context, substr string) ([]string, error) {
	query := fmt.Sprintf("SELECT name FROM %s WHERE name LIKE $1 ORDER BY name", s.table)
	rows, err := s.db.QueryContext(ctx, query, "%"+substr+"%")
	if err != nil {
		return nil, fmt.Errorf("refstore/postgres: list %q: %w", substr, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("refstore/postgres: scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ refstore.Store = (*Store)(nil)
