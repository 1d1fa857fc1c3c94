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

// Package registry maps entity types to the change types they accept, the
// conflict policy applied to them and how incoming records are merged.
//
// Unknown entity types and unsupported change types are rejected before any
// side effect.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"gopkg.in/yaml.v3"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/conflict"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

var (
	ErrUnsupportedEntityType = errors.New("unsupported entity type")
	ErrUnsupportedChangeType = errors.New("unsupported change type")
	ErrInvalidRecord         = errors.New("invalid record")
)

// MergeStrategy defines how an upsert is combined with the current record.
type MergeStrategy string

const (
	// MergeReplace stores the incoming record as the full snapshot.
	MergeReplace MergeStrategy = "replace"
	// MergeDeep merges a patch into the current record: nested objects are
	// merged key by key, every other value is replaced.
	MergeDeep MergeStrategy = "merge_patch"
)

// RecordValidator checks business fields of a record before it is stored.
type RecordValidator func(record persistence.Record) error

// EntityType describes one registered entity type.
type EntityType struct {
	Name           string                   `yaml:"name"`
	ChangeTypes    []persistence.ChangeType `yaml:"change_types"`
	ConflictPolicy conflict.PolicyName      `yaml:"conflict_policy"`
	Merge          MergeStrategy            `yaml:"merge"`
	RequiredFields []string                 `yaml:"required_fields"`

	// Validate runs after RequiredFields. Set in code, never loaded from YAML.
	Validate RecordValidator `yaml:"-"`

	policy conflict.Policy
}

// Allows reports whether the entity type accepts the change type.
func (t EntityType) Allows(ct persistence.ChangeType) bool {
	for _, allowed := range t.ChangeTypes {
		if allowed == ct {
			return true
		}
	}

	return false
}

// Policy returns the conflict policy of the entity type.
func (t EntityType) Policy() conflict.Policy {
	return t.policy
}

// AcceptsPatches reports whether upserts may carry a patch instead of a full record.
func (t EntityType) AcceptsPatches() bool {
	return t.Merge == MergeDeep
}

// Apply computes the record to store for an upsert. For MergeReplace the
// incoming record is returned as is. For MergeDeep it is applied over current
// as a JSON merge patch (RFC 7386): null removes a key and any non-object
// value replaces what is stored. A missing current record patches {}.
func (t EntityType) Apply(current, incoming persistence.Record) (persistence.Record, error) {
	if t.Merge != MergeDeep {
		return incoming, nil
	}

	doc := []byte("{}")
	if current != nil {
		var err error
		if doc, err = persistence.MarshalRecord(current); err != nil {
			return nil, err
		}
	}

	patch, err := persistence.MarshalRecord(incoming)
	if err != nil {
		return nil, err
	}

	if patch == nil {
		patch = []byte("{}")
	}

	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	record, err := persistence.UnmarshalRecord(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	if record == nil {
		record = persistence.Record{}
	}

	return record, nil
}

// Check runs the record validation of the entity type.
func (t EntityType) Check(record persistence.Record) error {
	for _, field := range t.RequiredFields {
		if v, ok := record[field]; !ok || v == nil {
			return fmt.Errorf("%w: field %q is required for %s", ErrInvalidRecord, field, t.Name)
		}
	}

	if t.Validate != nil {
		if err := t.Validate(record); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
	}

	return nil
}

// Registry is immutable after construction and safe for concurrent use.
type Registry struct {
	types map[string]EntityType
}

// New validates the given entity types and builds a registry.
func New(types ...EntityType) (*Registry, error) {
	r := &Registry{types: make(map[string]EntityType, len(types))}

	for _, t := range types {
		if t.Name == "" {
			return nil, errors.New("entity type without name")
		}

		if _, dup := r.types[t.Name]; dup {
			return nil, fmt.Errorf("entity type %q registered twice", t.Name)
		}

		if len(t.ChangeTypes) == 0 {
			t.ChangeTypes = []persistence.ChangeType{persistence.ChangeUpsert, persistence.ChangeDelete}
		}

		for _, ct := range t.ChangeTypes {
			if !ct.Valid() {
				return nil, fmt.Errorf("entity type %q: unknown change type %q", t.Name, ct)
			}
		}

		switch t.Merge {
		case "":
			t.Merge = MergeReplace
		case MergeReplace, MergeDeep:
		default:
			return nil, fmt.Errorf("entity type %q: unknown merge strategy %q", t.Name, t.Merge)
		}

		policy, err := conflict.ForName(t.ConflictPolicy)
		if err != nil {
			return nil, fmt.Errorf("entity type %q: %w", t.Name, err)
		}

		t.policy = policy
		t.ConflictPolicy = policy.Name()
		r.types[t.Name] = t
	}

	return r, nil
}

// Default registers pet and document, both accepting upserts and deletes
// under the strict policy.
func Default() *Registry {
	r, err := New(
		EntityType{Name: "pet", RequiredFields: []string{"name"}},
		EntityType{Name: "document"},
	)
	if err != nil {
		panic(err)
	}

	return r
}

type fileFormat struct {
	EntityTypes []EntityType `yaml:"entity_types"`
}

// Parse builds a registry from YAML:
//
//	entity_types:
//	  - name: pet
//	    change_types: [upsert, delete]
//	    conflict_policy: strict
//	    merge: replace
//	    required_fields: [name]
func Parse(data []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse entity registry: %w", err)
	}

	if len(f.EntityTypes) == 0 {
		return nil, errors.New("entity registry defines no entity types")
	}

	return New(f.EntityTypes...)
}

// LoadFile reads a registry from a YAML file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity registry %s: %w", path, err)
	}

	return Parse(data)
}

// Lookup returns the entity type or ErrUnsupportedEntityType.
func (r *Registry) Lookup(name string) (EntityType, error) {
	t, ok := r.types[name]
	if !ok {
		return EntityType{}, fmt.Errorf("entity type %q not registered: %w", name, ErrUnsupportedEntityType)
	}

	return t, nil
}

// Resolve looks up the entity type and checks that it accepts the change type.
func (r *Registry) Resolve(name string, ct persistence.ChangeType) (EntityType, error) {
	t, err := r.Lookup(name)
	if err != nil {
		return EntityType{}, err
	}

	if !t.Allows(ct) {
		return EntityType{}, fmt.Errorf("entity type %q does not accept %q: %w", name, ct, ErrUnsupportedChangeType)
	}

	return t, nil
}

// Names returns the registered entity type names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
