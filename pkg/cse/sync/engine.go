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

// Package sync implements the server side of the offline-first sync protocol.
//
// # Write path
//
// Every accepted mutation goes through Engine.Mutate, which runs one short
// transaction per operation:
//  1. lock the entity (per-entity lock, different entities never block each other)
//  2. look up the op_id in the ledger: a known op_id is a replay and accepted
//     without writing anything
//  3. ask the entity type's conflict policy whether the base version is acceptable
//  4. write the entity with version current+1 and append the ledger record
//  5. commit; a unique violation on op_id during commit is treated as a replay
//
// Push runs Mutate for each operation of a batch. Operations on the same
// entity run in submission order, different entities run in parallel.
//
// # Read path
//
// Pull pages through the ledger of one owner by change_id. It takes no locks
// and holds no state between calls.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/conflict"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/registry"
	"github.com/united-manufacturing-hub/petsync/pkg/logger"
	"github.com/united-manufacturing-hub/petsync/pkg/metrics"
	"github.com/united-manufacturing-hub/petsync/pkg/opcache"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
	"github.com/united-manufacturing-hub/petsync/pkg/sentry"
)

// Config tunes the engine. Zero values are replaced by the defaults.
type Config struct {
	PullDefaultLimit int
	PullMaxLimit     int
	// PushParallelism bounds how many entities of one batch are written concurrently.
	PushParallelism int
	// CommitRetries is how often a transaction failing with a retryable
	// storage conflict is retried.
	CommitRetries int
	// RetryInterval is the first backoff interval between retries.
	RetryInterval time.Duration
}

const (
	DefaultPullLimit       = 100
	DefaultPullMaxLimit    = 500
	DefaultPushParallelism = 8
	DefaultCommitRetries   = 3
	DefaultRetryInterval   = 20 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.PullMaxLimit <= 0 {
		c.PullMaxLimit = DefaultPullMaxLimit
	}

	if c.PullDefaultLimit <= 0 {
		c.PullDefaultLimit = DefaultPullLimit
	}

	if c.PullDefaultLimit > c.PullMaxLimit {
		c.PullDefaultLimit = c.PullMaxLimit
	}

	if c.PushParallelism <= 0 {
		c.PushParallelism = DefaultPushParallelism
	}

	if c.CommitRetries < 0 {
		c.CommitRetries = 0
	} else if c.CommitRetries == 0 {
		c.CommitRetries = DefaultCommitRetries
	}

	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}

	return c
}

// Option configures optional collaborators of the engine.
type Option func(*Engine)

// WithOpCache answers replays of known op_ids without a transaction.
func WithOpCache(c opcache.Cache) Option {
	return func(e *Engine) {
		e.cache = c
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	store    persistence.Store
	registry *registry.Registry
	cache    opcache.Cache
	cfg      Config

	log     *zap.SugaredLogger
	pushLog *zap.SugaredLogger
	pullLog *zap.SugaredLogger
}

// NewEngine creates an engine writing to store. store and reg are required.
func NewEngine(store persistence.Store, reg *registry.Registry, cfg Config, opts ...Option) *Engine {
	if store == nil {
		panic("store must not be nil")
	}

	if reg == nil {
		panic("registry must not be nil")
	}

	e := &Engine{
		store:    store,
		registry: reg,
		cfg:      cfg.withDefaults(),
		log:      logger.For(logger.ComponentSyncEngine),
		pushLog:  logger.For(logger.ComponentPushProcessor),
		pullLog:  logger.For(logger.ComponentPullProcessor),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Outcome describes an applied or replayed mutation.
type Outcome struct {
	// Change is the ledger record of the op. It is nil when a replay was
	// answered from the op cache.
	Change *persistence.ChangeRecord
	// Replayed is true when the op_id was already applied earlier.
	Replayed bool
	// Conflict is true when a stale write was accepted by a last-write-wins policy.
	Conflict bool
}

// Mutate applies one mutation. Every failure is a *RejectError; storage
// failures that survive the retries carry protocol.ReasonServerError.
func (e *Engine) Mutate(ctx context.Context, m Mutation) (Outcome, error) {
	et, rej := e.validate(m)
	if rej != nil {
		metrics.RecordOp(m.Key.EntityType, metrics.OutcomeRejected, string(rej.Reason))

		return Outcome{}, rej
	}

	if e.cache != nil && e.cache.Seen(ctx, m.Key.OwnerID, m.OpID) {
		metrics.RecordOp(et.Name, metrics.OutcomeReplayed, "")

		return Outcome{Replayed: true}, nil
	}

	out, err := e.applyWithRetry(ctx, m, et)
	if err != nil {
		if !errors.As(err, &rej) {
			sentry.ReportSyncError(e.log, m.Key.OwnerID, et.Name, string(m.ChangeType),
				fmt.Errorf("op %s on %s: %w", m.OpID, m.Key, err))
			metrics.IncErrorCount(metrics.ComponentMutate, et.Name)

			rej = &RejectError{Reason: protocol.ReasonServerError, Err: err}
		}

		if rej.Reason == protocol.ReasonConflict {
			metrics.RecordConflict(et.Name, string(et.Policy().Name()))
		}

		metrics.RecordOp(et.Name, metrics.OutcomeRejected, string(rej.Reason))

		return Outcome{}, rej
	}

	if e.cache != nil {
		e.cache.Remember(ctx, m.Key.OwnerID, m.OpID)
	}

	if out.Replayed {
		metrics.RecordOp(et.Name, metrics.OutcomeReplayed, "")

		return out, nil
	}

	if out.Conflict {
		e.log.Warnw("Accepted stale write",
			"owner_id", m.Key.OwnerID, "entity", m.Key.String(), "op_id", m.OpID,
			"base_version", *m.BaseVersion, "version", out.Change.Version, "policy", et.Policy().Name())
		metrics.RecordConflict(et.Name, string(et.Policy().Name()))
	}

	metrics.RecordOp(et.Name, metrics.OutcomeAccepted, "")

	return out, nil
}

func (e *Engine) applyWithRetry(ctx context.Context, m Mutation, et registry.EntityType) (Outcome, error) {
	var (
		out      Outcome
		applyErr error
		attempts int
	)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInterval
	policy.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(e.cfg.CommitRetries)), ctx)

	err := backoff.Retry(func() error {
		attempts++
		if attempts > 1 {
			metrics.RecordCommitRetry(et.Name)
			e.log.Debugf("Retrying %s after storage conflict (attempt %d)", m.Key, attempts)
		}

		out, applyErr = e.apply(ctx, m, et)
		if applyErr != nil && persistence.IsRetryable(applyErr) {
			return applyErr
		}

		// done, the outcome is in out and applyErr
		return nil
	}, b)
	if err != nil {
		return Outcome{}, fmt.Errorf("giving up after %d attempts: %w", attempts, err)
	}

	return out, applyErr
}

// apply runs one transaction for m.
func (e *Engine) apply(ctx context.Context, m Mutation, et registry.EntityType) (Outcome, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// no-op after commit
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	current, err := tx.LockEntity(ctx, m.Key)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return Outcome{}, fmt.Errorf("failed to lock %s: %w", m.Key, err)
	}

	prior, err := tx.FindChangeByOpID(ctx, m.Key.OwnerID, m.OpID)
	if err == nil {
		return Outcome{Change: &prior, Replayed: true}, nil
	}

	if !errors.Is(err, persistence.ErrNotFound) {
		return Outcome{}, fmt.Errorf("failed to look up op_id: %w", err)
	}

	decision := et.Policy().Resolve(m.BaseVersion, current.Version)
	if !decision.Accept {
		version := current.Version

		return Outcome{}, &RejectError{
			Reason:         protocol.ReasonConflict,
			CurrentVersion: &version,
			Err:            &conflict.VersionMismatchError{Expected: *m.BaseVersion, Actual: version},
		}
	}

	record := m.Record
	if m.Patch {
		var base persistence.Record
		if !current.Deleted {
			base = current.Record
		}

		if record, err = et.Apply(base, m.Record); err != nil {
			return Outcome{}, &RejectError{Reason: protocol.ReasonInvalidOp, Err: err}
		}

		if err := et.Check(record); err != nil {
			return Outcome{}, &RejectError{Reason: protocol.ReasonInvalidOp, Err: err}
		}
	}

	// tombstones keep their version, a recreated entity continues from it
	next := current.Version + 1
	deleted := m.ChangeType == persistence.ChangeDelete

	if deleted {
		record = nil
	}

	state := persistence.EntityState{
		Key:     m.Key,
		Record:  record,
		Version: next,
		Deleted: deleted,
	}
	if err := tx.PutEntity(ctx, state); err != nil {
		return Outcome{}, fmt.Errorf("failed to write %s: %w", m.Key, err)
	}

	change := &persistence.ChangeRecord{
		OwnerID:    m.Key.OwnerID,
		EntityType: m.Key.EntityType,
		EntityID:   m.Key.EntityID,
		ChangeType: m.ChangeType,
		Record:     record,
		Version:    next,
		ClientTS:   m.ClientTS,
		DeviceID:   m.DeviceID,
		OpID:       m.OpID,
	}

	err = tx.AppendChange(ctx, change)
	if err == nil {
		err = tx.Commit(ctx)
	}

	if errors.Is(err, persistence.ErrDuplicateOp) {
		// a concurrent transaction committed the same op_id first
		_ = tx.Rollback(ctx)

		return e.replayed(ctx, m)
	}

	if err != nil {
		return Outcome{}, fmt.Errorf("failed to commit %s: %w", m.Key, err)
	}

	return Outcome{Change: change, Conflict: decision.Conflict}, nil
}

// replayed loads the ledger record of an op_id that lost a commit race. It
// must run after the transaction ended.
func (e *Engine) replayed(ctx context.Context, m Mutation) (Outcome, error) {
	prior, err := e.store.FindChangeByOpID(ctx, m.Key.OwnerID, m.OpID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load replayed op_id %s: %w", m.OpID, err)
	}

	return Outcome{Change: &prior, Replayed: true}, nil
}
