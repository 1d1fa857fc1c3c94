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

// Package postgres implements persistence.Store on PostgreSQL using a pgx pool.
//
// Locking:
//   - entities are locked with a transaction scoped advisory lock on the entity
//     key, so a never-seen entity can be locked before its row exists
//   - change_ids come from sync_sequences; the UPSERT keeps the owner's row
//     locked until commit, which makes commits of one owner visible in
//     change_id order
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"

	opIDConstraint = "sync_changes_owner_op_id_key"
)

// Schema is applied by Migrate. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS sync_entities (
		owner_id    TEXT        NOT NULL,
		entity_type TEXT        NOT NULL,
		entity_id   TEXT        NOT NULL,
		record      JSONB,
		version     BIGINT      NOT NULL,
		deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
		updated_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner_id, entity_type, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_changes (
		owner_id    TEXT        NOT NULL,
		change_id   BIGINT      NOT NULL,
		entity_type TEXT        NOT NULL,
		entity_id   TEXT        NOT NULL,
		change_type TEXT        NOT NULL CHECK (change_type IN ('upsert', 'delete')),
		record      JSONB,
		version     BIGINT      NOT NULL,
		client_ts   TIMESTAMPTZ,
		device_id   TEXT        NOT NULL DEFAULT '',
		op_id       TEXT        NOT NULL,
		server_ts   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (owner_id, change_id),
		CONSTRAINT ` + opIDConstraint + ` UNIQUE (owner_id, op_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_sequences (
		owner_id       TEXT   PRIMARY KEY,
		next_change_id BIGINT NOT NULL
	)`,
}

const (
	entityColumns = `owner_id, entity_type, entity_id, record, version, deleted, updated_at`
	changeColumns = `change_id, owner_id, entity_type, entity_id, change_type, record, version, client_ts, device_id, op_id, server_ts`
)

// PgxIface is the subset of *pgxpool.Pool used by the store. pgxmock pools implement it as well.
type PgxIface interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store implements persistence.Store.
type Store struct {
	db     PgxIface
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// New connects to connString and applies the schema.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection to postgres database: %w", err)
	}

	s := NewWithPool(pool)

	if err := s.Ping(ctx); err != nil {
		pool.Close()

		return nil, err
	}

	if err := s.Migrate(ctx); err != nil {
		pool.Close()

		return nil, err
	}

	return s, nil
}

// NewWithPool wraps an existing pool without touching the schema.
func NewWithPool(db PgxIface) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return nil
}

// Ping checks that the database answers, used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.isClosed() {
		return persistence.ErrClosed
	}

	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	return nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.closed
}

// querier is implemented by the pool and by pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanEntity(row pgx.Row) (persistence.EntityState, error) {
	var (
		state  persistence.EntityState
		record []byte
	)

	err := row.Scan(&state.Key.OwnerID, &state.Key.EntityType, &state.Key.EntityID, &record, &state.Version, &state.Deleted, &state.UpdatedAt)
	if err != nil {
		return persistence.EntityState{}, err
	}

	if state.Record, err = persistence.UnmarshalRecord(record); err != nil {
		return persistence.EntityState{}, err
	}

	state.UpdatedAt = state.UpdatedAt.UTC()

	return state, nil
}

func scanChange(row pgx.Row) (persistence.ChangeRecord, error) {
	var (
		rec        persistence.ChangeRecord
		changeType string
		record     []byte
	)

	err := row.Scan(&rec.ChangeID, &rec.OwnerID, &rec.EntityType, &rec.EntityID, &changeType, &record, &rec.Version, &rec.ClientTS, &rec.DeviceID, &rec.OpID, &rec.ServerTS)
	if err != nil {
		return persistence.ChangeRecord{}, err
	}

	if rec.Record, err = persistence.UnmarshalRecord(record); err != nil {
		return persistence.ChangeRecord{}, err
	}

	rec.ChangeType = persistence.ChangeType(changeType)
	rec.ServerTS = rec.ServerTS.UTC()

	return rec, nil
}

func getEntity(ctx context.Context, q querier, key persistence.EntityKey) (persistence.EntityState, error) {
	state, err := scanEntity(q.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM sync_entities WHERE owner_id = $1 AND entity_type = $2 AND entity_id = $3`,
		key.OwnerID, key.EntityType, key.EntityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.EntityState{}, persistence.ErrNotFound
	}

	if err != nil {
		return persistence.EntityState{}, fmt.Errorf("failed to get entity %s: %w", key, translate(err))
	}

	return state, nil
}

func findChange(ctx context.Context, q querier, ownerID, opID string) (persistence.ChangeRecord, error) {
	rec, err := scanChange(q.QueryRow(ctx,
		`SELECT `+changeColumns+` FROM sync_changes WHERE owner_id = $1 AND op_id = $2`, ownerID, opID))
	if errors.Is(err, pgx.ErrNoRows) {
		return persistence.ChangeRecord{}, persistence.ErrNotFound
	}

	if err != nil {
		return persistence.ChangeRecord{}, fmt.Errorf("failed to find change for op %s: %w", opID, translate(err))
	}

	return rec, nil
}

func (s *Store) BeginTx(ctx context.Context) (persistence.Tx, error) {
	if s.isClosed() {
		return nil, persistence.ErrClosed
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &pgTx{tx: tx, store: s}, nil
}

func (s *Store) GetEntity(ctx context.Context, key persistence.EntityKey) (persistence.EntityState, error) {
	if s.isClosed() {
		return persistence.EntityState{}, persistence.ErrClosed
	}

	return getEntity(ctx, s.db, key)
}

func (s *Store) ListEntities(ctx context.Context, ownerID, entityType string, includeDeleted bool) ([]persistence.EntityState, error) {
	if s.isClosed() {
		return nil, persistence.ErrClosed
	}

	query := `SELECT ` + entityColumns + ` FROM sync_entities WHERE owner_id = $1 AND entity_type = $2`
	if !includeDeleted {
		query += ` AND NOT deleted`
	}

	rows, err := s.db.Query(ctx, query+` ORDER BY entity_id`, ownerID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

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

func (s *Store) ChangesSince(ctx context.Context, ownerID string, since int64, limit int) ([]persistence.ChangeRecord, error) {
	if s.isClosed() {
		return nil, persistence.ErrClosed
	}

	rows, err := s.db.Query(ctx,
		`SELECT `+changeColumns+` FROM sync_changes WHERE owner_id = $1 AND change_id > $2 ORDER BY change_id ASC LIMIT $3`,
		ownerID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer rows.Close()

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

func (s *Store) LatestChangeID(ctx context.Context, ownerID string) (int64, error) {
	if s.isClosed() {
		return 0, persistence.ErrClosed
	}

	var latest *int64

	err := s.db.QueryRow(ctx, `SELECT MAX(change_id) FROM sync_changes WHERE owner_id = $1`, ownerID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest change: %w", err)
	}

	if latest == nil {
		return 0, nil
	}

	return *latest, nil
}

func (s *Store) FindChangeByOpID(ctx context.Context, ownerID, opID string) (persistence.ChangeRecord, error) {
	if s.isClosed() {
		return persistence.ChangeRecord{}, persistence.ErrClosed
	}

	return findChange(ctx, s.db, ownerID, opID)
}

// Close closes the pool. Closing twice is a no-op.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.db.Close()

	return nil
}

type pgTx struct {
	tx     pgx.Tx
	store  *Store
	guard  persistence.PairingGuard
	closed bool
}

func (t *pgTx) LockEntity(ctx context.Context, key persistence.EntityKey) (persistence.EntityState, error) {
	if t.closed {
		return persistence.EntityState{}, persistence.ErrTxDone
	}

	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key.String()); err != nil {
		return persistence.EntityState{}, fmt.Errorf("failed to lock entity %s: %w", key, translate(err))
	}

	return getEntity(ctx, t.tx, key)
}

func (t *pgTx) FindChangeByOpID(ctx context.Context, ownerID, opID string) (persistence.ChangeRecord, error) {
	if t.closed {
		return persistence.ChangeRecord{}, persistence.ErrTxDone
	}

	return findChange(ctx, t.tx, ownerID, opID)
}

func (t *pgTx) PutEntity(ctx context.Context, state persistence.EntityState) error {
	if t.closed {
		return persistence.ErrTxDone
	}

	record, err := persistence.MarshalRecord(state.Record)
	if err != nil {
		return err
	}

	updatedAt := state.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = t.store.now().UTC()
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO sync_entities (`+entityColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (owner_id, entity_type, entity_id) DO UPDATE SET
		   record = EXCLUDED.record, version = EXCLUDED.version,
		   deleted = EXCLUDED.deleted, updated_at = EXCLUDED.updated_at`,
		state.Key.OwnerID, state.Key.EntityType, state.Key.EntityID, record, state.Version, state.Deleted, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to write entity %s: %w", state.Key, translate(err))
	}

	t.guard.EntityWritten()

	return nil
}

func (t *pgTx) AppendChange(ctx context.Context, rec *persistence.ChangeRecord) error {
	if t.closed {
		return persistence.ErrTxDone
	}

	var changeID int64

	err := t.tx.QueryRow(ctx,
		`INSERT INTO sync_sequences (owner_id, next_change_id) VALUES ($1, 2)
		 ON CONFLICT (owner_id) DO UPDATE SET next_change_id = sync_sequences.next_change_id + 1
		 RETURNING next_change_id - 1`, rec.OwnerID).Scan(&changeID)
	if err != nil {
		return fmt.Errorf("failed to allocate change id: %w", translate(err))
	}

	record, err := persistence.MarshalRecord(rec.Record)
	if err != nil {
		return err
	}

	serverTS := rec.ServerTS
	if serverTS.IsZero() {
		serverTS = t.store.now().UTC()
	}

	_, err = t.tx.Exec(ctx,
		`INSERT INTO sync_changes (`+changeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		changeID, rec.OwnerID, rec.EntityType, rec.EntityID, string(rec.ChangeType), record, rec.Version,
		rec.ClientTS, rec.DeviceID, rec.OpID, serverTS)
	if err != nil {
		if err = translate(err); errors.Is(err, persistence.ErrDuplicateOp) {
			return err
		}

		return fmt.Errorf("failed to append change: %w", err)
	}

	rec.ChangeID = changeID
	rec.ServerTS = serverTS
	t.guard.ChangeAppended()

	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if t.closed {
		return persistence.ErrTxDone
	}

	if err := t.guard.Check(); err != nil {
		_ = t.Rollback(ctx)

		return err
	}

	t.closed = true
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", translate(err))
	}

	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}

	t.closed = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to rollback transaction: %w", err)
	}

	return nil
}

// translate maps PostgreSQL error codes onto persistence errors.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case uniqueViolation:
		if pgErr.ConstraintName == opIDConstraint {
			return persistence.ErrDuplicateOp
		}

		return fmt.Errorf("%w: %s", persistence.ErrConflict, pgErr.Message)
	case serializationFailure, deadlockDetected:
		return fmt.Errorf("%w: %s", persistence.ErrConflict, pgErr.Message)
	default:
		return err
	}
}
