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

package persistence

import "errors"

// Common errors returned by Store implementations.
// These can be checked using errors.Is(err, persistence.ErrNotFound).
var (
	// ErrNotFound indicates an entity or ledger record was not found.
	ErrNotFound = &storeError{msg: "not found"}

	// ErrConflict indicates a concurrent write to the same row, typically
	// two transactions creating the same entity. Retrying the transaction
	// resolves it.
	ErrConflict = &storeError{msg: "write conflict"}

	// ErrDuplicateOp indicates the op_id already has a ledger record.
	ErrDuplicateOp = &storeError{msg: "duplicate op_id"}

	// ErrUnpairedWrite indicates a transaction wrote an entity without a
	// matching ledger record, or the other way round.
	ErrUnpairedWrite = &storeError{msg: "entity write without ledger record"}

	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = &storeError{msg: "store closed"}

	// ErrTxDone is returned by operations on a committed or rolled back transaction.
	ErrTxDone = &storeError{msg: "transaction already finished"}
)

type storeError struct {
	msg string
}

func (e *storeError) Error() string {
	return e.msg
}

// IsRetryable reports whether a failed transaction may succeed when retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}
