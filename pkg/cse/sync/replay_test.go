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

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/conflict"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/registry"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

// foldChanges rebuilds entity state from the ledger the way a client does:
// the last change of an entity wins and a delete leaves a tombstone.
func foldChanges(changes []persistence.ChangeRecord) map[persistence.EntityKey]persistence.EntityState {
	states := map[persistence.EntityKey]persistence.EntityState{}

	for _, c := range changes {
		states[c.Key()] = persistence.EntityState{
			Key:     c.Key(),
			Record:  c.Record,
			Version: c.Version,
			Deleted: c.ChangeType == persistence.ChangeDelete,
		}
	}

	return states
}

func document(opID, entityID, record string, base *int64) protocol.Operation {
	return protocol.Operation{
		OpID:        opID,
		EntityType:  "document",
		EntityID:    entityID,
		ChangeType:  persistence.ChangeUpsert,
		Record:      json.RawMessage(record),
		BaseVersion: base,
	}
}

var _ = Describe("Ledger replay", func() {
	for _, backend := range backends {
		It("reproduces the entity store on "+backend.name, func() {
			ctx := context.Background()
			store := backend.newStore(ctx)
			DeferCleanup(func() { _ = store.Close(context.Background()) })

			reg, err := registry.New(
				registry.EntityType{Name: "pet", ConflictPolicy: conflict.LastWriteWins},
				registry.EntityType{Name: "document"},
			)
			Expect(err).ToNot(HaveOccurred())

			engine := NewEngine(store, reg, Config{})

			created := []protocol.Operation{
				upsert("create-fido", "fido", `{"name":"Fido","weight":10}`, nil),
				upsert("create-rex", "rex", `{"name":"Rex"}`, nil),
				upsert("create-mia", "mia", `{"name":"Mia"}`, nil),
				document("create-notes", "notes", `{"title":"Vet visits"}`, ver(0)),
			}
			Expect(engine.Push(ctx, "owner-1", "device-a", created).Rejected).To(BeEmpty())

			// both devices edited fido at version 1 while offline
			offline := []protocol.Operation{
				upsert("a-fido", "fido", `{"name":"Fido","weight":11}`, ver(1)),
				upsert("b-fido", "fido", `{"name":"Fido","weight":12}`, ver(1)),
				remove("a-rex", "rex", ver(1)),
				remove("a-ghost", "ghost", nil),
				upsert("b-mia", "mia", `{"name":"Mia","age":2}`, ver(1)),
				document("b-notes", "notes", `{"title":"Stale"}`, ver(5)),
			}
			res := engine.Push(ctx, "owner-1", "device-b", offline)
			Expect(res.Rejected).To(HaveLen(1))
			Expect(res.Rejected[0].OpID).To(Equal("b-notes"))

			recreated := []protocol.Operation{
				upsert("a-rex-again", "rex", `{"name":"Rex II"}`, nil),
				remove("a-mia", "mia", ver(2)),
				document("a-notes", "notes", `{"title":"Vet visits 2025"}`, ver(1)),
			}
			Expect(engine.Push(ctx, "owner-1", "device-a", recreated).Rejected).To(BeEmpty())

			// retries of already applied batches
			Expect(engine.Push(ctx, "owner-1", "device-a", created).Accepted).To(HaveLen(4))
			Expect(engine.Push(ctx, "owner-1", "device-b", offline[:5]).Accepted).To(HaveLen(5))

			changes := pullAll(ctx, engine, "owner-1", 2)
			Expect(changes).To(HaveLen(12))

			folded := foldChanges(changes)

			var stored []persistence.EntityState
			for _, entityType := range []string{"document", "pet"} {
				states, err := store.ListEntities(ctx, "owner-1", entityType, true)
				Expect(err).ToNot(HaveOccurred())
				stored = append(stored, states...)
			}

			Expect(stored).To(HaveLen(len(folded)))

			for _, state := range stored {
				Expect(folded).To(HaveKey(state.Key))

				replayed := folded[state.Key]
				Expect(replayed.Version).To(Equal(state.Version), state.Key.String())
				Expect(replayed.Deleted).To(Equal(state.Deleted), state.Key.String())
				Expect(replayed.Record).To(Equal(state.Record), state.Key.String())
			}

			fido := folded[persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"}]
			Expect(fido.Version).To(Equal(int64(3)))
			Expect(fido.Record).To(HaveKeyWithValue("weight", float64(12)))

			rex := folded[persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "rex"}]
			Expect(rex.Version).To(Equal(int64(3)))
			Expect(rex.Deleted).To(BeFalse())
		})
	}
})
