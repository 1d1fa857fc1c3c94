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

// Package conflict decides what happens when a client writes an entity from a
// version that is no longer current.
package conflict

import "fmt"

// PolicyName identifies a conflict policy in the entity type registry.
type PolicyName string

const (
	// Strict rejects stale writes with the current version (optimistic concurrency).
	Strict PolicyName = "strict"
	// LastWriteWins accepts stale writes and overwrites the current record.
	LastWriteWins PolicyName = "last_write_wins"
)

// Decision is the outcome of Policy.Resolve.
type Decision struct {
	// Conflict is true when the client's base version differs from the current version.
	Conflict bool
	// Accept is false when the write must be rejected.
	Accept bool
}

// Policy resolves version conflicts for one entity type.
type Policy interface {
	Name() PolicyName
	// Resolve compares the client's base version (nil when the client sent
	// none) with the current version of the entity (0 when never written).
	Resolve(baseVersion *int64, currentVersion int64) Decision
}

// VersionMismatchError is returned for rejected stale writes.
type VersionMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("version mismatch: based on %d, current is %d", e.Expected, e.Actual)
}

func isStale(baseVersion *int64, currentVersion int64) bool {
	return baseVersion != nil && *baseVersion != currentVersion
}

type strictPolicy struct{}

func (strictPolicy) Name() PolicyName { return Strict }

// Resolve rejects any write whose base version is not the current one. A base
// version ahead of the server counts as stale too: the client's state did not
// come from this server.
func (strictPolicy) Resolve(baseVersion *int64, currentVersion int64) Decision {
	if isStale(baseVersion, currentVersion) {
		return Decision{Conflict: true, Accept: false}
	}

	return Decision{Accept: true}
}

type lastWriteWinsPolicy struct{}

func (lastWriteWinsPolicy) Name() PolicyName { return LastWriteWins }

func (lastWriteWinsPolicy) Resolve(baseVersion *int64, currentVersion int64) Decision {
	return Decision{Conflict: isStale(baseVersion, currentVersion), Accept: true}
}

// ForName returns the policy registered under name. An empty name selects Strict.
func ForName(name PolicyName) (Policy, error) {
	switch name {
	case Strict, "":
		return strictPolicy{}, nil
	case LastWriteWins:
		return lastWriteWinsPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict policy %q", name)
	}
}
