// Copyright 2025 UMH Systems GmbH
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

// Package basic implements persistence.Store on SQLite for single-node deployments.
//
// The database is opened with a single connection: write transactions are
// serialized by the pool, which also gives the per-entity lock and the
// in-order visibility of change_ids required by persistence.Store for free.
package basic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_entities (
		owner_id    TEXT    NOT NULL,
		entity_type TEXT    NOT NULL,
		entity_id   TEXT    NOT NULL,
		record      BLOB,
		version     INTEGER NOT NULL,
		deleted     INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (owner_id, entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_changes (
		owner_id    TEXT    NOT NULL,
		change_id   INTEGER NOT NULL,
		entity_type TEXT    NOT NULL,
		entity_id   TEXT    NOT NULL,
		change_type TEXT    NOT NULL,
		record      BLOB,
		version     INTEGER NOT NULL,
		client_ts   INTEGER,
		device_id   TEXT    NOT NULL DEFAULT '',
		op_id       TEXT    NOT NULL,
		server_ts   INTEGER NOT NULL,
		PRIMARY KEY (owner_id, change_id),
		UNIQUE (owner_id, op_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_sequences (
		owner_id       TEXT    PRIMARY KEY,
		next_change_id INTEGER NOT NULL
	)`,
}

const changeColumns = `change_id, owner_id, entity_type, entity_id, change_type, record, version, client_ts, device_id, op_id, server_ts`

// SQLiteStore implements persistence.Store.
type SQLiteStore struct {
	db     *sql.DB
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", buildConnectionString(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func buildConnectionString(dbPath string) string {
	baseParams := "?cache=shared&mode=rwc&_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_cache_size=-64000"

	if runtime.GOOS == "darwin" {
		baseParams += "&_fullfsync=1"
	}

	return dbPath + baseParams
}

func (s *SQLiteStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (persistence.EntityState, error) {
	var (
		state     persistence.EntityState
		record    []byte
		deleted   int
		updatedAt int64
	)

	err := row.Scan(&state.Key.OwnerID, &state.Key.EntityType, &state.Key.EntityID, &record, &state.Version, &deleted, &updatedAt)
	if err != nil {
		return persistence.EntityState{}, err
	}

	if state.Record, err = persistence.UnmarshalRecord(record); err != nil {
		return persistence.EntityState{}, err
	}

	state.Deleted = deleted != 0
	state.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return state, nil
}

func scanChange(row rowScanner) (persistence.ChangeRecord, error) {
	var (
		rec        persistence.ChangeRecord
		changeType string
		record     []byte
		clientTS   sql.NullInt64
		serverTS   int64
	)

	err := row.Scan(&rec.ChangeID, &rec.OwnerID, &rec.EntityType, &rec.EntityID, &changeType, &record, &rec.Version, &clientTS, &rec.DeviceID, &rec.OpID, &serverTS)
	if err != nil {
		return persistence.ChangeRecord{}, err
	}

	if rec.Record, err = persistence.UnmarshalRecord(record); err != nil {
		return persistence.ChangeRecord{}, err
	}

	rec.ChangeType = persistence.ChangeType(changeType)
	rec.ServerTS = time.Unix(0, serverTS).UTC()

	if clientTS.Valid {
		ts := time.Unix(0, clientTS.Int64).UTC()
		rec.ClientTS = &ts
	}

	return rec, nil
}

// querier is implemented by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getEntity(ctx context.Context, q querier, key persistence.EntityKey) (persistence.EntityState, error) {
	row := q.QueryRowContext(ctx,
		`SELECT owner_id, entity_type, entity_id, record, version, deleted, updated_at
		   FROM sync_entities WHERE owner_id = ? AND entity_type = ? AND entity_id = ?`,
		key.OwnerID, key.EntityType, key.EntityID)

	state, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.EntityState{}, persistence.ErrNotFound
	}

	if err != nil {
		return persistence.EntityState{}, fmt.Errorf("failed to get entity %s: %w", key, err)
	}

	return state, nil
}

func findChange(ctx context.Context, q querier, ownerID, opID string) (persistence.ChangeRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM sync_changes WHERE owner_id = ? AND op_id = ?`, ownerID, opID)

	rec, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ChangeRecord{}, persistence.ErrNotFound
	}

	if err != nil {
		return persistence.ChangeRecord{}, fmt.Errorf("failed to find change for op %s: %w", opID, err)
	}

	return rec, nil
}

func (s *SQLiteStore) BeginTx(ctx context.Context) (persistence.Tx, error) {
	if s.isClosed() {
		return nil, persistence.ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelDefault})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTx{tx: tx, store: s}, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, key persistence.EntityKey) (persistence.EntityState, error) {
	if s.isClosed() {
		return persistence.EntityState{}, persistence.ErrClosed
	}

	return getEntity(ctx, s.db, key)
}

func (s *SQLiteStore) ListEntities(ctx context.Context, ownerID, entityType string, includeDeleted bool) ([]persistence.EntityState, error) {
	if s.isClosed() {
		return nil, persistence.ErrClosed
	}

	query := `SELECT owner_id, entity_type, entity_id, record, version, deleted, updated_at
	            FROM sync_entities WHERE owner_id = ? AND entity_type = ?`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY entity_id`, ownerID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []persistence.EntityState

	for rows.Next() {
		state, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}

		out = append(out, state)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) ChangesSince(ctx context.Context, ownerID string, since int64, limit int) ([]persistence.ChangeRecord, error) {
	if s.isClosed() {
		return nil, persistence.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM sync_changes
		  WHERE owner_id = ? AND change_id > ? ORDER BY change_id ASC LIMIT ?`, ownerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]persistence.ChangeRecord, 0, limit)

	for rows.Next() {
		rec, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

func (s *SQLiteStore) LatestChangeID(ctx context.Context, ownerID string) (int64, error) {
	if s.isClosed() {
		return 0, persistence.ErrClosed
	}

	var latest sql.NullInt64

	err := s.db.QueryRowContext(ctx, `SELECT MAX(change_id) FROM sync_changes WHERE owner_id = ?`, ownerID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest change: %w", err)
	}

	return latest.Int64, nil
}

func (s *SQLiteStore) FindChangeByOpID(ctx context.Context, ownerID, opID string) (persistence.ChangeRecord, error) {
	if s.isClosed() {
		return persistence.ChangeRecord{}, persistence.ErrClosed
	}

	return findChange(ctx, s.db, ownerID, opID)
}

// Close closes the database. Closing twice is a no-op.
func (s *SQLiteStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Ping checks that the database answers, used by readiness checks.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return persistence.ErrClosed
	}

	return s.db.PingContext(ctx)
}

type sqliteTx struct {
	tx     *sql.Tx
	store  *SQLiteStore
	guard  persistence.PairingGuard
	closed bool
}

// LockEntity reads the entity inside the transaction. The single connection
// already excludes every other writer.
func (t *sqliteTx) LockEntity(ctx context.Context, key persistence.EntityKey) (persistence.EntityState, error) {
	if t.closed {
		return persistence.EntityState{}, persistence.ErrTxDone
	}

	return getEntity(ctx, t.tx, key)
}

func (t *sqliteTx) FindChangeByOpID(ctx context.Context, ownerID, opID string) (persistence.ChangeRecord, error) {
	if t.closed {
		return persistence.ChangeRecord{}, persistence.ErrTxDone
	}

	return findChange(ctx, t.tx, ownerID, opID)
}

func (t *sqliteTx) PutEntity(ctx context.Context, state persistence.EntityState) error {
	if t.closed {
		return persistence.ErrTxDone
	}

	record, err := persistence.MarshalRecord(state.Record)
	if err != nil {
		return err
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = t.store.now()
	}

	deleted := 0
	if state.Deleted {
		deleted = 1
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO sync_entities (owner_id, entity_type, entity_id, record, version, deleted, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (owner_id, entity_type, entity_id) DO UPDATE SET
		   record = excluded.record, version = excluded.version,
		   deleted = excluded.deleted, updated_at = excluded.updated_at`,
		state.Key.OwnerID, state.Key.EntityType, state.Key.EntityID, record, state.Version, deleted, updatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write entity %s: %w", state.Key, err)
	}

	t.guard.EntityWritten()

	return nil
}

// AppendChange allocates the next change_id from sync_sequences and inserts the record.
func (t *sqliteTx) AppendChange(ctx context.Context, rec *persistence.ChangeRecord) error {
	if t.closed {
		return persistence.ErrTxDone
	}

	var changeID int64

	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO sync_sequences (owner_id, next_change_id) VALUES (?, 2)
		 ON CONFLICT (owner_id) DO UPDATE SET next_change_id = next_change_id + 1
		 RETURNING next_change_id - 1`, rec.OwnerID).Scan(&changeID)
	if err != nil {
		return fmt.Errorf("failed to allocate change id: %w", err)
	}

	record, err := persistence.MarshalRecord(rec.Record)
	if err != nil {
		return err
	}

	serverTS := rec.ServerTS
	if serverTS.IsZero() {
		serverTS = t.store.now().UTC()
	}

	var clientTS sql.NullInt64
	if rec.ClientTS != nil {
		clientTS = sql.NullInt64{Int64: rec.ClientTS.UTC().UnixNano(), Valid: true}
	}

	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO sync_changes (`+changeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		changeID, rec.OwnerID, rec.EntityType, rec.EntityID, string(rec.ChangeType), record, rec.Version,
		clientTS, rec.DeviceID, rec.OpID, serverTS.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return persistence.ErrDuplicateOp
		}

		return fmt.Errorf("failed to append change: %w", err)
	}

	rec.ChangeID = changeID
	rec.ServerTS = serverTS
	t.guard.ChangeAppended()

	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if t.closed {
		return persistence.ErrTxDone
	}

	if err := t.guard.Check(); err != nil {
		_ = t.Rollback(ctx)

		return err
	}

	t.closed = true
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}

	t.closed = true
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}

	return false
}
