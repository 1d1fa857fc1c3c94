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

// Package persistence defines the storage contract of the sync engine: the
// Entity Store holding the current state of every entity, and the Change
// Ledger recording every accepted mutation per owner.
//
// Backends:
//   - memory: in-process maps, used by tests and local development
//   - basic: SQLite (single node)
//   - postgres: pgx connection pool (production)
//
// All backends share the contract exercised by the storetest package.
package persistence

import (
	"context"
	"fmt"
	"time"
)

// ChangeType is the kind of mutation recorded in the ledger.
type ChangeType string

const (
	ChangeUpsert ChangeType = "upsert"
	ChangeDelete ChangeType = "delete"
)

// Valid reports whether c is one of the known change types.
func (c ChangeType) Valid() bool {
	return c == ChangeUpsert || c == ChangeDelete
}

// Record is the JSON object snapshot of an entity. It is opaque to the store.
type Record map[string]interface{}

// EntityKey identifies one entity of one owner. Version counters, conflict
// detection and locking are all scoped to an EntityKey.
type EntityKey struct {
	OwnerID    string
	EntityType string
	EntityID   string
}

func (k EntityKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.OwnerID, k.EntityType, k.EntityID)
}

// EntityState is the authoritative current state of an entity.
//
// A deleted entity keeps its row as a tombstone: Deleted is true, Record is nil
// and Version is the version of the delete. Recreating the entity continues
// counting from there.
type EntityState struct {
	Key       EntityKey
	Record    Record
	Version   int64
	Deleted   bool
	UpdatedAt time.Time
}

// ChangeRecord is one immutable entry of the Change Ledger.
//
// ChangeID is allocated by the store when the record is appended and is
// strictly increasing per owner; it is the cursor of the pull protocol.
// ClientTS and DeviceID are informational only.
type ChangeRecord struct {
	ChangeID   int64      `json:"change_id"`
	OwnerID    string     `json:"owner_id"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	ChangeType ChangeType `json:"change_type"`
	Record     Record     `json:"record"`
	Version    int64      `json:"version"`
	ClientTS   *time.Time `json:"client_ts,omitempty"`
	DeviceID   string     `json:"device_id,omitempty"`
	OpID       string     `json:"op_id"`
	ServerTS   time.Time  `json:"server_ts"`
}

// Key returns the entity the change belongs to.
func (c ChangeRecord) Key() EntityKey {
	return EntityKey{OwnerID: c.OwnerID, EntityType: c.EntityType, EntityID: c.EntityID}
}

// Store gives read access to entities and the ledger and opens write transactions.
//
// DESIGN DECISION: There is no entity write outside of a Tx.
// Every entity write is paired with a ledger append in the same transaction
// (see Tx.Commit), so the ledger cannot miss a mutation.
//
// Concurrency: All methods are safe for concurrent use.
//
// Error Handling:
//   - ErrNotFound: entity or change does not exist
//   - ErrClosed: the store was closed
//   - context errors are returned unwrapped or wrapped with %w
type Store interface {
	// BeginTx starts a write transaction.
	//
	// Example:
	//
	//	tx, err := store.BeginTx(ctx)
	//	if err != nil {
	//	    return err
	//	}
	//	defer tx.Rollback(ctx) // no-op after Commit
	//
	//	state, err := tx.LockEntity(ctx, key)
	//	...
	//	return tx.Commit(ctx)
	BeginTx(ctx context.Context) (Tx, error)

	// GetEntity returns the current state of an entity, tombstones included.
	// Returns ErrNotFound if the entity was never written.
	GetEntity(ctx context.Context, key EntityKey) (EntityState, error)

	// ListEntities returns the entities of one owner and type ordered by id.
	ListEntities(ctx context.Context, ownerID, entityType string, includeDeleted bool) ([]EntityState, error)

	// ChangesSince returns up to limit ledger records of ownerID with
	// change_id > since, ascending by change_id.
	//
	// Only committed changes are returned, and a change never becomes visible
	// after a change with a higher change_id of the same owner. A cursor taken
	// from a page is therefore never skipped over by a later commit.
	ChangesSince(ctx context.Context, ownerID string, since int64, limit int) ([]ChangeRecord, error)

	// LatestChangeID returns the highest committed change_id of ownerID, or 0.
	LatestChangeID(ctx context.Context, ownerID string) (int64, error)

	// FindChangeByOpID returns the ledger record created by opID.
	// Returns ErrNotFound if the op was never applied.
	FindChangeByOpID(ctx context.Context, ownerID, opID string) (ChangeRecord, error)

	// Close releases all resources. Further calls return ErrClosed.
	Close(ctx context.Context) error
}

// Tx is a write transaction scoped to mutations of entities.
//
// Lifecycle:
//  1. LockEntity for every entity the transaction will write
//  2. FindChangeByOpID to detect replays
//  3. PutEntity and AppendChange, always in pairs
//  4. Commit, or Rollback to discard
//
// A Tx is not safe for concurrent use.
type Tx interface {
	// LockEntity takes the write lock of key until the transaction ends and
	// returns the current state. Returns ErrNotFound (with a zero state) when
	// the entity was never written; the lock is held either way.
	LockEntity(ctx context.Context, key EntityKey) (EntityState, error)

	// FindChangeByOpID sees committed changes and changes appended in this transaction.
	FindChangeByOpID(ctx context.Context, ownerID, opID string) (ChangeRecord, error)

	// PutEntity writes the new state of a locked entity.
	PutEntity(ctx context.Context, state EntityState) error

	// AppendChange appends rec to the ledger and allocates its change_id.
	// rec.ChangeID is set once the id is known, at the latest after Commit.
	// Returns ErrDuplicateOp if rec.OpID already exists for the owner,
	// either immediately or from Commit.
	AppendChange(ctx context.Context, rec *ChangeRecord) error

	// Commit makes all changes permanent. It fails with ErrUnpairedWrite when
	// the number of entity writes and ledger appends differ.
	Commit(ctx context.Context) error

	// Rollback discards all changes. It is idempotent and a no-op after Commit.
	Rollback(ctx context.Context) error
}

// PairingGuard counts entity writes and ledger appends of one transaction.
// Backends embed it and call Check before committing.
type PairingGuard struct {
	entityWrites  int
	ledgerAppends int
}

func (g *PairingGuard) EntityWritten() { g.entityWrites++ }

func (g *PairingGuard) ChangeAppended() { g.ledgerAppends++ }

// Check returns ErrUnpairedWrite unless every entity write has its ledger record.
func (g *PairingGuard) Check() error {
	if g.entityWrites != g.ledgerAppends {
		return fmt.Errorf("%w: %d entity writes, %d ledger appends", ErrUnpairedWrite, g.entityWrites, g.ledgerAppends)
	}

	return nil
}
