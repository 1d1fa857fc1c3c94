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
	"errors"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/registry"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

// Mutation is a validated-on-use write request. Push builds one per operation
// with FromOperation; direct entity writes build it themselves.
type Mutation struct {
	Key        persistence.EntityKey
	OpID       string
	ChangeType persistence.ChangeType

	// Record is the full snapshot, or the patch when Patch is true. Nil for deletes.
	Record persistence.Record
	Patch  bool

	// BaseVersion is nil for blind writes.
	BaseVersion *int64
	ClientTS    *time.Time
	DeviceID    string

	// malformed is set when the wire operation could not be turned into a record.
	malformed error
}

// FromOperation converts a wire operation of ownerID. The op's own device_id
// wins over the batch device_id.
func FromOperation(ownerID, batchDeviceID string, op protocol.Operation) Mutation {
	m := Mutation{
		Key: persistence.EntityKey{
			OwnerID:    ownerID,
			EntityType: op.EntityType,
			EntityID:   op.EntityID,
		},
		OpID:        op.OpID,
		ChangeType:  op.ChangeType,
		BaseVersion: op.BaseVersion,
		ClientTS:    op.ClientTS,
		DeviceID:    op.DeviceID,
	}

	if m.DeviceID == "" {
		m.DeviceID = batchDeviceID
	}

	if op.DecodeErr != nil {
		m.malformed = op.DecodeErr

		return m
	}

	hasRecord := !protocol.IsNull(op.Record)
	hasPatch := !protocol.IsNull(op.Patch)

	switch {
	case hasRecord && hasPatch:
		m.malformed = errors.New("record and patch are mutually exclusive")
	case hasRecord:
		m.Record, m.malformed = decodeObject(op.Record)
	case hasPatch:
		m.Record, m.malformed = decodeObject(op.Patch)
		m.Patch = true
	}

	return m
}

func decodeObject(raw []byte) (persistence.Record, error) {
	rec, err := persistence.UnmarshalRecord(raw)
	if err != nil {
		return nil, errors.New("record must be a JSON object")
	}

	return rec, nil
}

// RejectError is returned by Engine.Mutate for every operation that was not
// applied. Reason is what the client sees.
type RejectError struct {
	Reason protocol.Reason
	// CurrentVersion is set for conflicts only.
	CurrentVersion *int64
	Err            error
}

func (e *RejectError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}

	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

func reject(reason protocol.Reason, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// validate checks everything that can be checked without touching the store.
// Checks run in the order clients see reasons: identifiers, then registry,
// then the shape of the record.
func (e *Engine) validate(m Mutation) (registry.EntityType, *RejectError) {
	if m.malformed != nil {
		return registry.EntityType{}, &RejectError{Reason: protocol.ReasonInvalidOp, Err: m.malformed}
	}

	if m.Key.OwnerID == "" {
		return registry.EntityType{}, reject(protocol.ReasonInvalidOp, "missing owner")
	}

	if !protocol.ValidIdentifier(m.OpID) {
		return registry.EntityType{}, reject(protocol.ReasonInvalidOpID, "invalid op_id %q", m.OpID)
	}

	if !protocol.ValidIdentifier(m.Key.EntityID) {
		return registry.EntityType{}, reject(protocol.ReasonInvalidEntityID, "invalid entity_id %q", m.Key.EntityID)
	}

	et, err := e.registry.Resolve(m.Key.EntityType, m.ChangeType)
	switch {
	case errors.Is(err, registry.ErrUnsupportedEntityType):
		return registry.EntityType{}, &RejectError{Reason: protocol.ReasonUnsupportedEntityType, Err: err}
	case err != nil:
		return registry.EntityType{}, &RejectError{Reason: protocol.ReasonUnsupportedChangeType, Err: err}
	}

	if m.BaseVersion != nil && *m.BaseVersion < 0 {
		return registry.EntityType{}, reject(protocol.ReasonInvalidOp, "negative base_version %d", *m.BaseVersion)
	}

	switch m.ChangeType {
	case persistence.ChangeDelete:
		if m.Record != nil {
			return registry.EntityType{}, reject(protocol.ReasonInvalidOp, "delete must not carry a record")
		}
	case persistence.ChangeUpsert:
		if m.Record == nil {
			return registry.EntityType{}, reject(protocol.ReasonInvalidOp, "upsert requires a record")
		}

		if m.Patch && !et.AcceptsPatches() {
			return registry.EntityType{}, reject(protocol.ReasonInvalidOp, "entity type %q does not accept patches", et.Name)
		}

		// patches are checked once merged
		if !m.Patch {
			if err := et.Check(m.Record); err != nil {
				return registry.EntityType{}, &RejectError{Reason: protocol.ReasonInvalidOp, Err: err}
			}
		}
	}

	return et, nil
}
