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

import (
	"fmt"

	"github.com/goccy/go-json"
)

// MarshalRecord encodes a record for a JSON column. A nil record encodes as nil.
func MarshalRecord(r Record) ([]byte, error) {
	if r == nil {
		return nil, nil
	}

	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	return b, nil
}

// UnmarshalRecord decodes a JSON column. Empty input and JSON null decode to nil.
func UnmarshalRecord(b []byte) (Record, error) {
	if len(b) == 0 {
		return nil, nil
	}

	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	return r, nil
}
