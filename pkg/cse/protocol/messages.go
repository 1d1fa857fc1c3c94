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

// Package protocol defines the wire messages of the push/pull sync protocol.
//
// # Push
//
// A client sends the operations it recorded while offline:
//
//	POST /api/v1/sync/push
//	{"device_id": "phone-1", "ops": [{"op_id": "...", "entity_type": "pet", ...}]}
//
// and receives the op_ids that are now reflected in the server state plus the
// rejected ones with a reason code:
//
//	{"accepted": ["..."], "rejected": [{"op_id": "...", "reason": "conflict", "current_version": 2}]}
//
// Every operation is judged on its own. A malformed operation is rejected with
// invalid_op, its siblings are still applied.
//
// # Pull
//
// A client asks for all changes after its cursor:
//
//	GET /api/v1/sync/pull?since=41&limit=100
//	{"next_cursor": 57, "has_more": false, "changes": [...]}
//
// Changes are ascending by change_id. The client stores next_cursor and asks
// again while has_more is true.
package protocol

import (
	"bytes"
	"fmt"
	"regexp"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/petsync/pkg/logger"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

// Reason is the machine readable cause of a rejected operation.
type Reason string

const (
	ReasonInvalidOp             Reason = "invalid_op"
	ReasonInvalidOpID           Reason = "invalid_op_id"
	ReasonInvalidEntityID       Reason = "invalid_entity_id"
	ReasonUnsupportedEntityType Reason = "unsupported_entity_type"
	ReasonUnsupportedChangeType Reason = "unsupported_change_type"
	// ReasonConflict carries the current version of the entity.
	ReasonConflict Reason = "conflict"
	// ReasonServerError is a storage failure after retries. The client may
	// resend the same op_id later.
	ReasonServerError Reason = "server_error"
)

// identifierPattern applies to op_id and entity_id.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidIdentifier reports whether s is a well formed op_id or entity_id.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// PushRequest is the body of a push call.
type PushRequest struct {
	// DeviceID is the default for every op that does not carry its own.
	DeviceID string `json:"device_id,omitempty"`

	// Ops are kept raw so a single malformed op does not fail the batch.
	Ops []json.RawMessage `json:"ops"`
}

// Operation is one client mutation as sent over the wire.
type Operation struct {
	OpID       string                 `json:"op_id"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	ChangeType persistence.ChangeType `json:"change_type"`

	// Record is the full snapshot for upserts. Must be absent or null for deletes.
	Record json.RawMessage `json:"record,omitempty"`

	// Patch is merged over the current record. Only for entity types using merge_patch.
	Patch json.RawMessage `json:"patch,omitempty"`

	// BaseVersion is the version the client edited. Absent means a blind write.
	BaseVersion *int64 `json:"base_version,omitempty"`

	// ClientTS is informational and never used for conflict decisions. It is
	// decoded by UnmarshalJSON, see parseClientTS.
	ClientTS *time.Time `json:"-"`
	DeviceID string     `json:"device_id,omitempty"`

	// DecodeErr is set by DecodeOperations when the op could not be decoded.
	DecodeErr error `json:"-"`
}

// UnmarshalJSON decodes an op. client_ts never fails the op: a value that is
// neither RFC 3339 nor epoch milliseconds is dropped.
func (o *Operation) UnmarshalJSON(data []byte) error {
	type plain Operation
	if err := json.Unmarshal(data, (*plain)(o)); err != nil {
		return err
	}

	var ts struct {
		ClientTS json.RawMessage `json:"client_ts"`
	}

	if err := json.Unmarshal(data, &ts); err != nil {
		return err
	}

	o.ClientTS = parseClientTS(ts.ClientTS)
	if o.ClientTS == nil && !IsNull(ts.ClientTS) {
		logger.For(logger.ComponentPushProcessor).Debugw("Dropping unparseable client_ts",
			"op_id", o.OpID, "client_ts", string(ts.ClientTS))
	}

	return nil
}

// parseClientTS accepts an RFC 3339 string or a number of milliseconds since
// the Unix epoch (what Date.now() produces).
func parseClientTS(raw json.RawMessage) *time.Time {
	if IsNull(raw) {
		return nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil
		}

		return &t
	}

	var millis float64
	if err := json.Unmarshal(raw, &millis); err != nil {
		return nil
	}

	t := time.UnixMilli(int64(millis)).UTC()

	return &t
}

// DecodeOperations decodes each raw op on its own. Ops that fail to decode are
// returned with DecodeErr set and, where it could be recovered, their op_id.
func DecodeOperations(raw []json.RawMessage) []Operation {
	ops := make([]Operation, len(raw))

	for i, r := range raw {
		if err := json.Unmarshal(r, &ops[i]); err != nil {
			var probe struct {
				OpID interface{} `json:"op_id"`
			}

			_ = json.Unmarshal(r, &probe)

			opID, _ := probe.OpID.(string)
			ops[i] = Operation{OpID: opID, DecodeErr: fmt.Errorf("malformed operation: %w", err)}
		}
	}

	return ops
}

// IsNull reports whether a raw JSON value is absent or null.
func IsNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)

	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// Rejection explains why an operation was not applied.
type Rejection struct {
	OpID   string `json:"op_id"`
	Reason Reason `json:"reason"`
	// CurrentVersion is only set for conflicts.
	CurrentVersion *int64 `json:"current_version,omitempty"`
	// Message is a human readable detail, never needed by clients to act.
	Message string `json:"message,omitempty"`
}

// PushResult is the response to a push. Accepted op_ids keep submission order,
// as do rejections.
type PushResult struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
}

// PullResult is the response to a pull.
type PullResult struct {
	// NextCursor is the change_id of the last returned change, or the request
	// cursor when no change was returned.
	NextCursor int64                      `json:"next_cursor"`
	HasMore    bool                       `json:"has_more"`
	Changes    []persistence.ChangeRecord `json:"changes"`
}

// StatusResult tells a client where the ledger of its owner currently ends.
type StatusResult struct {
	LatestCursor int64     `json:"latest_cursor"`
	ServerTime   time.Time `json:"server_time"`
}
