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

package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/metrics"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

// Pull returns the changes of ownerID after the cursor since. limit <= 0
// selects the default page size; larger limits are capped.
//
// HasMore is true whenever the page is full. The next call may then return an
// empty page, which is the cheaper trade than counting the rest.
func (e *Engine) Pull(ctx context.Context, ownerID string, since int64, limit int) (protocol.PullResult, error) {
	start := time.Now()
	defer func() { metrics.ObserveRequestTime(metrics.ComponentPullProcessor, time.Since(start)) }()

	if since < 0 {
		since = 0
	}

	limit = e.clampLimit(limit)

	changes, err := e.store.ChangesSince(ctx, ownerID, since, limit)
	if err != nil {
		metrics.IncErrorCountAndLog(metrics.ComponentPullProcessor, "changes_since", err, e.pullLog)

		return protocol.PullResult{}, fmt.Errorf("failed to read changes since %d: %w", since, err)
	}

	if changes == nil {
		changes = []persistence.ChangeRecord{}
	}

	next := since
	if len(changes) > 0 {
		next = changes[len(changes)-1].ChangeID
	}

	metrics.ObservePullPage(len(changes))
	e.pullLog.Debugw("Pull served", "owner_id", ownerID, "since", since, "limit", limit, "changes", len(changes))

	return protocol.PullResult{
		NextCursor: next,
		HasMore:    len(changes) == limit,
		Changes:    changes,
	}, nil
}

func (e *Engine) clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return e.cfg.PullDefaultLimit
	case limit > e.cfg.PullMaxLimit:
		return e.cfg.PullMaxLimit
	default:
		return limit
	}
}

// Status returns the latest cursor of ownerID.
func (e *Engine) Status(ctx context.Context, ownerID string) (protocol.StatusResult, error) {
	latest, err := e.store.LatestChangeID(ctx, ownerID)
	if err != nil {
		return protocol.StatusResult{}, fmt.Errorf("failed to read latest change id: %w", err)
	}

	return protocol.StatusResult{LatestCursor: latest, ServerTime: time.Now().UTC()}, nil
}

// Get returns the current state of one entity, tombstones included.
func (e *Engine) Get(ctx context.Context, key persistence.EntityKey) (persistence.EntityState, error) {
	if _, err := e.registry.Lookup(key.EntityType); err != nil {
		return persistence.EntityState{}, &RejectError{Reason: protocol.ReasonUnsupportedEntityType, Err: err}
	}

	if !protocol.ValidIdentifier(key.EntityID) {
		return persistence.EntityState{}, reject(protocol.ReasonInvalidEntityID, "invalid entity_id %q", key.EntityID)
	}

	return e.store.GetEntity(ctx, key)
}

// List returns the entities of one owner and type ordered by id.
func (e *Engine) List(ctx context.Context, ownerID, entityType string, includeDeleted bool) ([]persistence.EntityState, error) {
	if _, err := e.registry.Lookup(entityType); err != nil {
		return nil, &RejectError{Reason: protocol.ReasonUnsupportedEntityType, Err: err}
	}

	return e.store.ListEntities(ctx, ownerID, entityType, includeDeleted)
}
