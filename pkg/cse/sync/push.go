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
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/metrics"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

// Push applies a batch of operations for ownerID and reports per op whether
// it was accepted. A failing op never affects its siblings.
//
// Ops are grouped by entity. Groups run concurrently, bounded by
// Config.PushParallelism; ops of one group run in submission order, so a
// client editing the same entity twice offline gets both edits applied in
// the order it made them.
func (e *Engine) Push(ctx context.Context, ownerID, deviceID string, ops []protocol.Operation) protocol.PushResult {
	start := time.Now()
	defer func() { metrics.ObserveRequestTime(metrics.ComponentPushProcessor, time.Since(start)) }()

	mutations := make([]Mutation, len(ops))
	outcomes := make([]error, len(ops))

	var order []persistence.EntityKey

	groups := make(map[persistence.EntityKey][]int)

	for i, op := range ops {
		mutations[i] = FromOperation(ownerID, deviceID, op)

		key := mutations[i].Key
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}

		groups[key] = append(groups[key], i)
	}

	var g errgroup.Group

	g.SetLimit(e.cfg.PushParallelism)

	for _, key := range order {
		indices := groups[key]

		g.Go(func() error {
			for _, i := range indices {
				_, outcomes[i] = e.Mutate(ctx, mutations[i])
			}

			return nil
		})
	}

	_ = g.Wait()

	result := protocol.PushResult{
		Accepted: make([]string, 0, len(ops)),
		Rejected: make([]protocol.Rejection, 0),
	}

	for i, err := range outcomes {
		if err == nil {
			result.Accepted = append(result.Accepted, mutations[i].OpID)

			continue
		}

		rejection := protocol.Rejection{OpID: mutations[i].OpID, Reason: protocol.ReasonServerError}

		var rej *RejectError
		if errors.As(err, &rej) {
			rejection.Reason = rej.Reason
			rejection.CurrentVersion = rej.CurrentVersion

			if rej.Reason != protocol.ReasonServerError && rej.Err != nil {
				rejection.Message = rej.Err.Error()
			}
		}

		result.Rejected = append(result.Rejected, rejection)
	}

	e.pushLog.Debugw("Push processed",
		"owner_id", ownerID, "device_id", deviceID,
		"ops", len(ops), "accepted", len(result.Accepted), "rejected", len(result.Rejected))

	return result
}
