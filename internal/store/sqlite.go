// Copyright 2025 Tom Barlow
//
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

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/pkg/errors"
)

// SQLite is a file-backed store for deployments that need blobs and cached
// results to survive restarts.
type SQLite struct {
	db *sql.DB
}

var (
	_ Store       = (*SQLite)(nil)
	_ ActionCache = (*SQLite)(nil)
)

// SQLiteConfig contains SQLite connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLite opens or creates a SQLite-backed store.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "failed to open database")
	}

	// SQLite serializes writes, so only 1 connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "failed to connect to database")
	}

	s := &SQLite{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "failed to execute %s", pragma)
		}
	}
	return nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS blobs (
			instance TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			data BLOB NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (instance, hash, size)
		)`,
		`CREATE TABLE IF NOT EXISTS action_results (
			instance TEXT NOT NULL,
			hash TEXT NOT NULL,
			size INTEGER NOT NULL,
			result TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (instance, hash, size)
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "failed to run migration")
		}
	}
	return nil
}

// Has reports whether the blob exists.
func (s *SQLite) Has(ctx context.Context, instance string, d action.Digest) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM blobs WHERE instance = ? AND hash = ? AND size = ?`,
		instance, d.HashString(), d.SizeBytes).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.WrapWithCode(err, errors.CodeUnavailable, "blob existence check failed")
	}
	return true, nil
}

// Get returns the blob content, or NotFound.
func (s *SQLite) Get(ctx context.Context, instance string, d action.Digest) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM blobs WHERE instance = ? AND hash = ? AND size = ?`,
		instance, d.HashString(), d.SizeBytes).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, "blob %s not found in instance %q", d, instance)
	}
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "blob read failed")
	}
	return data, nil
}

// Put stores a blob after checking the content length against the digest.
// Re-storing an existing blob is a no-op.
func (s *SQLite) Put(ctx context.Context, instance string, d action.Digest, data []byte) error {
	if int64(len(data)) != d.SizeBytes {
		return errors.New(errors.CodeInvalidArgument,
			"blob size mismatch: digest says %d bytes, got %d", d.SizeBytes, len(data))
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blobs (instance, hash, size, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		instance, d.HashString(), d.SizeBytes, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "blob write failed")
	}
	return nil
}

// FindMissing returns the digests not present, preserving input order.
func (s *SQLite) FindMissing(ctx context.Context, instance string, digests []action.Digest) ([]action.Digest, error) {
	var missing []action.Digest
	for _, d := range digests {
		ok, err := s.Has(ctx, instance, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// GetResult returns the cached result for an action digest.
func (s *SQLite) GetResult(ctx context.Context, instance string, d action.Digest) (*action.Result, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM action_results WHERE instance = ? AND hash = ? AND size = ?`,
		instance, d.HashString(), d.SizeBytes).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapWithCode(err, errors.CodeUnavailable, "action result read failed")
	}
	var r action.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, errors.WrapWithCode(err, errors.CodeInternal, "stored action result is corrupt")
	}
	return &r, true, nil
}

// PutResult caches a result under an action digest, replacing any previous
// entry.
func (s *SQLite) PutResult(ctx context.Context, instance string, d action.Digest, r *action.Result) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeInternal, "failed to encode action result")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO action_results (instance, hash, size, result, created_at) VALUES (?, ?, ?, ?, ?)`,
		instance, d.HashString(), d.SizeBytes, raw, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "action result write failed")
	}
	return nil
}
