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

// Package memory provides an in-memory implementation of persistence.Store.
//
// It is used by tests and local development. Nothing survives a restart.
//
// # Thread Safety
//
// InMemoryStore uses a sync.RWMutex to protect entities and the ledger.
// Reads take the read lock; Commit takes the write lock once and applies the
// whole transaction.
//
// # Entity Locks
//
// LockEntity takes a per-entity context mutex (ctxmutex.KeyedMutex) that is
// held until Commit or Rollback. Transactions on different entities never wait
// for each other.
//
// # Change IDs
//
// change_ids are allocated during Commit while the write lock is held. Commits
// therefore become visible in change_id order, which keeps pull cursors exact.
//
// # Data Isolation
//
// Records are deep-copied on read and write, so callers cannot modify stored data.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/united-manufacturing-hub/petsync/pkg/ctxutil/ctxmutex"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

func validateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context cannot be nil")
	}

	return ctx.Err()
}

func copyRecord(r persistence.Record) (persistence.Record, error) {
	if r == nil {
		return nil, nil
	}

	var out persistence.Record
	if err := deepcopy.Copy(&out, r); err != nil {
		return nil, err
	}

	return out, nil
}

func copyState(s persistence.EntityState) (persistence.EntityState, error) {
	rec, err := copyRecord(s.Record)
	if err != nil {
		return persistence.EntityState{}, err
	}

	s.Record = rec

	return s, nil
}

func copyChange(c persistence.ChangeRecord) (persistence.ChangeRecord, error) {
	rec, err := copyRecord(c.Record)
	if err != nil {
		return persistence.ChangeRecord{}, err
	}

	c.Record = rec
	if c.ClientTS != nil {
		ts := *c.ClientTS
		c.ClientTS = &ts
	}

	return c, nil
}

// ownerLedger is the ledger of a single owner. changes is ascending by ChangeID.
type ownerLedger struct {
	changes []persistence.ChangeRecord
	byOpID  map[string]int
	// next is the sequence counter; it starts at 1.
	next int64
}

// InMemoryStore is a thread-safe in-memory implementation of persistence.Store.
type InMemoryStore struct {
	entities map[persistence.EntityKey]persistence.EntityState
	ledgers  map[string]*ownerLedger
	locks    *ctxmutex.KeyedMutex
	now      func() time.Time
	mu       sync.RWMutex
	closed   bool
}

// Option configures an InMemoryStore.
type Option func(*InMemoryStore)

// WithClock replaces time.Now, used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		entities: make(map[persistence.EntityKey]persistence.EntityState),
		ledgers:  make(map[string]*ownerLedger),
		locks:    ctxmutex.NewKeyedMutex(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// BeginTx starts a transaction that buffers its writes until Commit.
func (s *InMemoryStore) BeginTx(ctx context.Context) (persistence.Tx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	return &inMemoryTx{
		store:    s,
		unlocks:  make(map[persistence.EntityKey]func()),
		entities: make(map[persistence.EntityKey]persistence.EntityState),
	}, nil
}

func (s *InMemoryStore) GetEntity(ctx context.Context, key persistence.EntityKey) (persistence.EntityState, error) {
	if err := validateContext(ctx); err != nil {
		return persistence.EntityState{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return persistence.EntityState{}, persistence.ErrClosed
	}

	state, ok := s.entities[key]
	if !ok {
		return persistence.EntityState{}, persistence.ErrNotFound
	}

	return copyState(state)
}

func (s *InMemoryStore) ListEntities(ctx context.Context, ownerID, entityType string, includeDeleted bool) ([]persistence.EntityState, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	var out []persistence.EntityState

	for key, state := range s.entities {
		if key.OwnerID != ownerID || key.EntityType != entityType {
			continue
		}

		if state.Deleted && !includeDeleted {
			continue
		}

		copied, err := copyState(state)
		if err != nil {
			return nil, err
		}

		out = append(out, copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.EntityID < out[j].Key.EntityID })

	return out, nil
}

func (s *InMemoryStore) ChangesSince(ctx context.Context, ownerID string, since int64, limit int) ([]persistence.ChangeRecord, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, persistence.ErrClosed
	}

	ledger, ok := s.ledgers[ownerID]
	if !ok || limit <= 0 {
		return []persistence.ChangeRecord{}, nil
	}

	start := sort.Search(len(ledger.changes), func(i int) bool {
		return ledger.changes[i].ChangeID > since
	})

	end := min(start+limit, len(ledger.changes))
	out := make([]persistence.ChangeRecord, 0, end-start)

	for _, c := range ledger.changes[start:end] {
		copied, err := copyChange(c)
		if err != nil {
			return nil, err
		}

		out = append(out, copied)
	}

	return out, nil
}

func (s *InMemoryStore) LatestChangeID(ctx context.Context, ownerID string) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, persistence.ErrClosed
	}

	ledger, ok := s.ledgers[ownerID]
	if !ok || len(ledger.changes) == 0 {
		return 0, nil
	}

	return ledger.changes[len(ledger.changes)-1].ChangeID, nil
}

func (s *InMemoryStore) FindChangeByOpID(ctx context.Context, ownerID, opID string) (persistence.ChangeRecord, error) {
	if err := validateContext(ctx); err != nil {
		return persistence.ChangeRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return persistence.ChangeRecord{}, persistence.ErrClosed
	}

	return s.findChangeLocked(ownerID, opID)
}

func (s *InMemoryStore) findChangeLocked(ownerID, opID string) (persistence.ChangeRecord, error) {
	ledger, ok := s.ledgers[ownerID]
	if !ok {
		return persistence.ChangeRecord{}, persistence.ErrNotFound
	}

	idx, ok := ledger.byOpID[opID]
	if !ok {
		return persistence.ChangeRecord{}, persistence.ErrNotFound
	}

	return copyChange(ledger.changes[idx])
}

// Close marks the store closed; later calls return persistence.ErrClosed.
func (s *InMemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}

// inMemoryTx buffers entity writes and ledger appends until Commit.
type inMemoryTx struct {
	store    *InMemoryStore
	unlocks  map[persistence.EntityKey]func()
	entities map[persistence.EntityKey]persistence.EntityState
	changes  []*persistence.ChangeRecord
	guard    persistence.PairingGuard
	done     bool
}

func (tx *inMemoryTx) LockEntity(ctx context.Context, key persistence.EntityKey) (persistence.EntityState, error) {
	if err := validateContext(ctx); err != nil {
		return persistence.EntityState{}, err
	}

	if tx.done {
		return persistence.EntityState{}, persistence.ErrTxDone
	}

	if _, held := tx.unlocks[key]; !held {
		unlock, err := tx.store.locks.Lock(ctx, key.String())
		if err != nil {
			return persistence.EntityState{}, err
		}

		tx.unlocks[key] = unlock
	}

	if state, ok := tx.entities[key]; ok {
		return copyState(state)
	}

	return tx.store.GetEntity(ctx, key)
}

func (tx *inMemoryTx) FindChangeByOpID(ctx context.Context, ownerID, opID string) (persistence.ChangeRecord, error) {
	if tx.done {
		return persistence.ChangeRecord{}, persistence.ErrTxDone
	}

	for _, c := range tx.changes {
		if c.OwnerID == ownerID && c.OpID == opID {
			return copyChange(*c)
		}
	}

	return tx.store.FindChangeByOpID(ctx, ownerID, opID)
}

func (tx *inMemoryTx) PutEntity(ctx context.Context, state persistence.EntityState) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	if tx.done {
		return persistence.ErrTxDone
	}

	if _, held := tx.unlocks[state.Key]; !held {
		return errors.New("entity must be locked before it is written")
	}

	copied, err := copyState(state)
	if err != nil {
		return err
	}

	tx.entities[state.Key] = copied
	tx.guard.EntityWritten()

	return nil
}

func (tx *inMemoryTx) AppendChange(ctx context.Context, rec *persistence.ChangeRecord) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	if tx.done {
		return persistence.ErrTxDone
	}

	for _, c := range tx.changes {
		if c.OwnerID == rec.OwnerID && c.OpID == rec.OpID {
			return persistence.ErrDuplicateOp
		}
	}

	tx.changes = append(tx.changes, rec)
	tx.guard.ChangeAppended()

	return nil
}

// Commit checks pairing and op_id uniqueness, allocates change_ids and applies
// all writes under a single store lock.
func (tx *inMemoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return persistence.ErrTxDone
	}

	defer tx.finish()

	if err := validateContext(ctx); err != nil {
		return err
	}

	if err := tx.guard.Check(); err != nil {
		return err
	}

	s := tx.store

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return persistence.ErrClosed
	}

	for _, c := range tx.changes {
		if ledger, ok := s.ledgers[c.OwnerID]; ok {
			if _, dup := ledger.byOpID[c.OpID]; dup {
				return persistence.ErrDuplicateOp
			}
		}
	}

	now := s.now().UTC()

	for _, c := range tx.changes {
		ledger, ok := s.ledgers[c.OwnerID]
		if !ok {
			ledger = &ownerLedger{byOpID: make(map[string]int), next: 1}
			s.ledgers[c.OwnerID] = ledger
		}

		c.ChangeID = ledger.next
		ledger.next++

		if c.ServerTS.IsZero() {
			c.ServerTS = now
		}

		stored, err := copyChange(*c)
		if err != nil {
			return err
		}

		ledger.byOpID[c.OpID] = len(ledger.changes)
		ledger.changes = append(ledger.changes, stored)
	}

	for key, state := range tx.entities {
		if state.UpdatedAt.IsZero() {
			state.UpdatedAt = now
		}

		s.entities[key] = state
	}

	return nil
}

func (tx *inMemoryTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}

	tx.finish()

	return nil
}

func (tx *inMemoryTx) finish() {
	tx.done = true

	for _, unlock := range tx.unlocks {
		unlock()
	}

	tx.unlocks = nil
	tx.entities = nil
	tx.changes = nil
}
