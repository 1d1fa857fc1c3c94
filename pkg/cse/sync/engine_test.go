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
	"fmt"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/conflict"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/registry"
	"github.com/united-manufacturing-hub/petsync/pkg/opcache"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence/memory"
)

var _ = Describe("Engine", func() {
	for _, backend := range backends {
		Describe(backend.name, func() {
			var (
				ctx    context.Context
				store  persistence.Store
				engine *Engine
			)

			BeforeEach(func() {
				ctx = context.Background()
				store = backend.newStore(ctx)
				engine = NewEngine(store, registry.Default(), Config{})

				DeferCleanup(func() { _ = store.Close(context.Background()) })
			})

			withPolicy := func(policy conflict.PolicyName) {
				reg, err := registry.New(registry.EntityType{Name: "pet", ConflictPolicy: policy})
				Expect(err).ToNot(HaveOccurred())

				engine = NewEngine(store, reg, Config{})
			}

			Describe("two devices editing the same pet", func() {
				// Device A and B both synced Fido at version 1, then edited offline.
				BeforeEach(func() {
					res := engine.Push(ctx, "owner-1", "device-a", []protocol.Operation{
						upsert("create-fido", "fido", `{"name":"Fido","weight":10}`, nil),
					})
					Expect(res.Accepted).To(Equal([]string{"create-fido"}))
				})

				It("rejects the second edit under the strict policy", func() {
					res := engine.Push(ctx, "owner-1", "device-a", []protocol.Operation{
						upsert("a-1", "fido", `{"name":"Fido","weight":11}`, ver(1)),
					})
					Expect(res.Accepted).To(Equal([]string{"a-1"}))

					res = engine.Push(ctx, "owner-1", "device-b", []protocol.Operation{
						upsert("b-1", "fido", `{"name":"Fido","weight":12}`, ver(1)),
					})
					Expect(res.Accepted).To(BeEmpty())
					Expect(res.Rejected).To(HaveLen(1))
					Expect(res.Rejected[0].OpID).To(Equal("b-1"))
					Expect(res.Rejected[0].Reason).To(Equal(protocol.ReasonConflict))
					Expect(*res.Rejected[0].CurrentVersion).To(Equal(int64(2)))

					state, err := store.GetEntity(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"})
					Expect(err).ToNot(HaveOccurred())
					Expect(state.Version).To(Equal(int64(2)))
					Expect(state.Record).To(HaveKeyWithValue("weight", float64(11)))

					Expect(pullAll(ctx, engine, "owner-1", 10)).To(HaveLen(2))
				})

				It("lets the later edit win under last write wins", func() {
					withPolicy(conflict.LastWriteWins)

					res := engine.Push(ctx, "owner-1", "device-a", []protocol.Operation{
						upsert("a-1", "fido", `{"name":"Fido","weight":11}`, ver(1)),
					})
					Expect(res.Accepted).To(Equal([]string{"a-1"}))

					res = engine.Push(ctx, "owner-1", "device-b", []protocol.Operation{
						upsert("b-1", "fido", `{"name":"Fido","weight":12}`, ver(1)),
					})
					Expect(res.Accepted).To(Equal([]string{"b-1"}))
					Expect(res.Rejected).To(BeEmpty())

					state, err := store.GetEntity(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"})
					Expect(err).ToNot(HaveOccurred())
					Expect(state.Version).To(Equal(int64(3)))
					Expect(state.Record).To(HaveKeyWithValue("weight", float64(12)))

					changes := pullAll(ctx, engine, "owner-1", 10)
					Expect(changes).To(HaveLen(3))
					Expect(changes[2].DeviceID).To(Equal("device-b"))
				})

				It("reports stale writes through Mutate", func() {
					withPolicy(conflict.LastWriteWins)

					out, err := engine.Mutate(ctx, Mutation{
						Key:         persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"},
						OpID:        "lww-1",
						ChangeType:  persistence.ChangeUpsert,
						Record:      persistence.Record{"name": "Fido"},
						BaseVersion: ver(0),
					})
					Expect(err).ToNot(HaveOccurred())
					Expect(out.Conflict).To(BeTrue())
					Expect(out.Change.Version).To(Equal(int64(2)))
				})
			})

			Describe("replay", func() {
				It("applies a batch once no matter how often it is sent", func() {
					batch := []protocol.Operation{
						upsert("op-1", "fido", `{"name":"Fido"}`, nil),
						upsert("op-2", "fido", `{"name":"Fido II"}`, ver(1)),
						upsert("op-3", "rex", `{"name":"Rex"}`, nil),
						remove("op-4", "rex", ver(1)),
					}

					first := engine.Push(ctx, "owner-1", "d", batch)
					Expect(first.Accepted).To(Equal([]string{"op-1", "op-2", "op-3", "op-4"}))

					before := pullAll(ctx, engine, "owner-1", 100)

					for i := 0; i < 3; i++ {
						again := engine.Push(ctx, "owner-1", "d", batch)
						Expect(again).To(Equal(first))
					}

					Expect(pullAll(ctx, engine, "owner-1", 100)).To(Equal(before))
				})

				It("returns the original ledger record", func() {
					m := Mutation{
						Key:        persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"},
						OpID:       "op-1",
						ChangeType: persistence.ChangeUpsert,
						Record:     persistence.Record{"name": "Fido"},
					}

					first, err := engine.Mutate(ctx, m)
					Expect(err).ToNot(HaveOccurred())
					Expect(first.Replayed).To(BeFalse())

					m.Record = persistence.Record{"name": "Not Fido"}
					second, err := engine.Mutate(ctx, m)
					Expect(err).ToNot(HaveOccurred())
					Expect(second.Replayed).To(BeTrue())
					Expect(second.Change.ChangeID).To(Equal(first.Change.ChangeID))
					Expect(second.Change.Record).To(HaveKeyWithValue("name", "Fido"))
				})

				It("accepts an op_id that lost a commit race", func() {
					Expect(engine.Push(ctx, "owner-1", "d", []protocol.Operation{
						upsert("op-1", "fido", `{"name":"Fido"}`, nil),
					}).Accepted).To(HaveLen(1))

					blind := NewEngine(&blindStore{Store: store}, registry.Default(), Config{})

					out, err := blind.Mutate(ctx, Mutation{
						Key:        persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"},
						OpID:       "op-1",
						ChangeType: persistence.ChangeUpsert,
						Record:     persistence.Record{"name": "Fido"},
					})
					Expect(err).ToNot(HaveOccurred())
					Expect(out.Replayed).To(BeTrue())
					Expect(out.Change.Version).To(Equal(int64(1)))

					Expect(pullAll(ctx, engine, "owner-1", 10)).To(HaveLen(1))
				})
			})

			Describe("versions", func() {
				It("are gapless for a chain of edits in one batch", func() {
					var batch []protocol.Operation
					for i := 0; i < 5; i++ {
						batch = append(batch, upsert(fmt.Sprintf("op-%d", i), "fido", fmt.Sprintf(`{"name":"Fido","n":%d}`, i), ver(int64(i))))
					}

					res := engine.Push(ctx, "owner-1", "d", batch)
					Expect(res.Rejected).To(BeEmpty())

					changes := pullAll(ctx, engine, "owner-1", 2)
					Expect(changes).To(HaveLen(5))

					for i, c := range changes {
						Expect(c.Version).To(Equal(int64(i + 1)))
						Expect(c.OpID).To(Equal(fmt.Sprintf("op-%d", i)))
					}
				})

				It("continue past a tombstone when the entity is recreated", func() {
					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{
						upsert("op-1", "fido", `{"name":"Fido"}`, nil),
						remove("op-2", "fido", ver(1)),
						upsert("op-3", "fido", `{"name":"Fido again"}`, ver(2)),
					})
					Expect(res.Accepted).To(HaveLen(3))

					changes := pullAll(ctx, engine, "owner-1", 10)
					Expect(changes).To(HaveLen(3))
					Expect(changes[1].ChangeType).To(Equal(persistence.ChangeDelete))
					Expect(changes[1].Record).To(BeNil())
					Expect(changes[1].Version).To(Equal(int64(2)))
					Expect(changes[2].Version).To(Equal(int64(3)))

					state, err := store.GetEntity(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"})
					Expect(err).ToNot(HaveOccurred())
					Expect(state.Deleted).To(BeFalse())
					Expect(state.Version).To(Equal(int64(3)))
				})

				It("accept a delete of an entity the server never saw", func() {
					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{remove("op-1", "ghost", nil)})
					Expect(res.Accepted).To(Equal([]string{"op-1"}))

					state, err := store.GetEntity(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "ghost"})
					Expect(err).ToNot(HaveOccurred())
					Expect(state.Deleted).To(BeTrue())
					Expect(state.Version).To(Equal(int64(1)))
				})

				It("treat a base version ahead of the server as a conflict", func() {
					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{
						upsert("op-1", "fido", `{"name":"Fido"}`, ver(4)),
					})
					Expect(res.Rejected).To(HaveLen(1))
					Expect(res.Rejected[0].Reason).To(Equal(protocol.ReasonConflict))
					Expect(*res.Rejected[0].CurrentVersion).To(Equal(int64(0)))
				})
			})

			Describe("validation", func() {
				DescribeTable("rejects without side effects",
					func(op protocol.Operation, reason protocol.Reason) {
						res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{op})
						Expect(res.Accepted).To(BeEmpty())
						Expect(res.Rejected).To(HaveLen(1))
						Expect(res.Rejected[0].Reason).To(Equal(reason))
						Expect(res.Rejected[0].CurrentVersion).To(BeNil())

						latest, err := store.LatestChangeID(ctx, "owner-1")
						Expect(err).ToNot(HaveOccurred())
						Expect(latest).To(BeZero())

						entities, err := store.ListEntities(ctx, "owner-1", "pet", true)
						Expect(err).ToNot(HaveOccurred())
						Expect(entities).To(BeEmpty())
					},
					Entry("malformed op", protocol.Operation{OpID: "x", DecodeErr: errors.New("bad json")}, protocol.ReasonInvalidOp),
					Entry("bad op_id", upsert("no spaces", "fido", `{"name":"Fido"}`, nil), protocol.ReasonInvalidOpID),
					Entry("empty op_id", upsert("", "fido", `{"name":"Fido"}`, nil), protocol.ReasonInvalidOpID),
					Entry("bad entity_id", upsert("op-1", "../etc", `{"name":"Fido"}`, nil), protocol.ReasonInvalidEntityID),
					Entry("unknown entity type", protocol.Operation{
						OpID: "op-1", EntityType: "invoice", EntityID: "i1", ChangeType: persistence.ChangeUpsert, Record: json.RawMessage(`{}`),
					}, protocol.ReasonUnsupportedEntityType),
					Entry("unknown change type", protocol.Operation{
						OpID: "op-1", EntityType: "pet", EntityID: "fido", ChangeType: "rename", Record: json.RawMessage(`{}`),
					}, protocol.ReasonUnsupportedChangeType),
					Entry("upsert without record", upsert("op-1", "fido", ``, nil), protocol.ReasonInvalidOp),
					Entry("upsert with null record", upsert("op-1", "fido", `null`, nil), protocol.ReasonInvalidOp),
					Entry("record is an array", upsert("op-1", "fido", `[1,2]`, nil), protocol.ReasonInvalidOp),
					Entry("missing required field", upsert("op-1", "fido", `{"weight":3}`, nil), protocol.ReasonInvalidOp),
					Entry("negative base version", upsert("op-1", "fido", `{"name":"Fido"}`, ver(-1)), protocol.ReasonInvalidOp),
					Entry("delete with record", protocol.Operation{
						OpID: "op-1", EntityType: "pet", EntityID: "fido", ChangeType: persistence.ChangeDelete, Record: json.RawMessage(`{"name":"Fido"}`),
					}, protocol.ReasonInvalidOp),
					Entry("patch for a replace type", protocol.Operation{
						OpID: "op-1", EntityType: "pet", EntityID: "fido", ChangeType: persistence.ChangeUpsert, Patch: json.RawMessage(`{"name":"Fido"}`),
					}, protocol.ReasonInvalidOp),
					Entry("record and patch", protocol.Operation{
						OpID: "op-1", EntityType: "pet", EntityID: "fido", ChangeType: persistence.ChangeUpsert,
						Record: json.RawMessage(`{"name":"Fido"}`), Patch: json.RawMessage(`{"name":"Fido"}`),
					}, protocol.ReasonInvalidOp),
				)

				It("rejects change types the entity type does not accept", func() {
					reg, err := registry.New(registry.EntityType{
						Name:        "pet",
						ChangeTypes: []persistence.ChangeType{persistence.ChangeUpsert},
					})
					Expect(err).ToNot(HaveOccurred())

					engine = NewEngine(store, reg, Config{})

					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{remove("op-1", "fido", nil)})
					Expect(res.Rejected).To(HaveLen(1))
					Expect(res.Rejected[0].Reason).To(Equal(protocol.ReasonUnsupportedChangeType))
				})

				It("keeps valid siblings of invalid ops", func() {
					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{
						upsert("op-1", "fido", `{"name":"Fido"}`, nil),
						upsert("op 2", "rex", `{"name":"Rex"}`, nil),
						upsert("op-3", "rex", `{"name":"Rex"}`, nil),
					})
					Expect(res.Accepted).To(Equal([]string{"op-1", "op-3"}))
					Expect(res.Rejected).To(HaveLen(1))
					Expect(res.Rejected[0].OpID).To(Equal("op 2"))
				})
			})

			Describe("merge patches", func() {
				BeforeEach(func() {
					reg, err := registry.New(registry.EntityType{Name: "pet", Merge: registry.MergeDeep, RequiredFields: []string{"name"}})
					Expect(err).ToNot(HaveOccurred())

					engine = NewEngine(store, reg, Config{})
				})

				It("merges the patch over the current record", func() {
					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{
						upsert("op-1", "fido", `{"name":"Fido","vet":{"name":"Dr. A","phone":"1"}}`, nil),
						{
							OpID: "op-2", EntityType: "pet", EntityID: "fido", ChangeType: persistence.ChangeUpsert,
							Patch: json.RawMessage(`{"vet":{"phone":"2"}}`), BaseVersion: ver(1),
						},
					})
					Expect(res.Rejected).To(BeEmpty())

					changes := pullAll(ctx, engine, "owner-1", 10)
					Expect(changes[1].Record).To(HaveKeyWithValue("name", "Fido"))
					Expect(changes[1].Record).To(HaveKeyWithValue("vet", map[string]interface{}{"name": "Dr. A", "phone": "2"}))
				})

				It("removes fields and nested objects patched with null", func() {
					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{
						upsert("op-1", "fido", `{"name":"Fido","tag":"A1","vet":{"name":"Dr. A"}}`, nil),
						{
							OpID: "op-2", EntityType: "pet", EntityID: "fido", ChangeType: persistence.ChangeUpsert,
							Patch: json.RawMessage(`{"tag":null}`), BaseVersion: ver(1),
						},
						{
							OpID: "op-3", EntityType: "pet", EntityID: "fido", ChangeType: persistence.ChangeUpsert,
							Patch: json.RawMessage(`{"vet":null}`), BaseVersion: ver(2),
						},
					})
					Expect(res.Rejected).To(BeEmpty())
					Expect(res.Accepted).To(Equal([]string{"op-1", "op-2", "op-3"}))

					changes := pullAll(ctx, engine, "owner-1", 10)
					Expect(changes).To(HaveLen(3))
					Expect(changes[1].Record).To(Equal(persistence.Record{"name": "Fido", "vet": map[string]interface{}{"name": "Dr. A"}}))
					Expect(changes[2].Record).To(Equal(persistence.Record{"name": "Fido"}))

					state, err := store.GetEntity(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "fido"})
					Expect(err).ToNot(HaveOccurred())
					Expect(state.Version).To(Equal(int64(3)))
					Expect(state.Record).To(Equal(persistence.Record{"name": "Fido"}))
				})

				It("rejects a patch whose result misses required fields", func() {
					res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{{
						OpID: "op-1", EntityType: "pet", EntityID: "fido", ChangeType: persistence.ChangeUpsert,
						Patch: json.RawMessage(`{"weight":3}`),
					}})
					Expect(res.Rejected).To(HaveLen(1))
					Expect(res.Rejected[0].Reason).To(Equal(protocol.ReasonInvalidOp))

					latest, err := store.LatestChangeID(ctx, "owner-1")
					Expect(err).ToNot(HaveOccurred())
					Expect(latest).To(BeZero())
				})
			})

			It("scopes everything to the owner", func() {
				engine.Push(ctx, "owner-1", "d", []protocol.Operation{upsert("op-1", "fido", `{"name":"Fido"}`, nil)})

				res := engine.Push(ctx, "owner-2", "d", []protocol.Operation{upsert("op-1", "fido", `{"name":"Other Fido"}`, ver(0))})
				Expect(res.Accepted).To(Equal([]string{"op-1"}))

				page, err := engine.Pull(ctx, "owner-2", 0, 10)
				Expect(err).ToNot(HaveOccurred())
				Expect(page.Changes).To(HaveLen(1))
				Expect(page.Changes[0].ChangeID).To(Equal(int64(1)))
				Expect(page.Changes[0].Record).To(HaveKeyWithValue("name", "Other Fido"))
			})

			It("records the op's device_id over the batch device_id", func() {
				op := upsert("op-1", "fido", `{"name":"Fido"}`, nil)
				op.DeviceID = "tablet"

				engine.Push(ctx, "owner-1", "phone", []protocol.Operation{op, upsert("op-2", "rex", `{"name":"Rex"}`, nil)})

				changes := pullAll(ctx, engine, "owner-1", 10)
				Expect(changes).To(HaveLen(2))
				Expect(changes[0].DeviceID).To(Equal("tablet"))
				Expect(changes[1].DeviceID).To(Equal("phone"))
			})

			It("writes many entities of one batch concurrently without gaps", func() {
				var batch []protocol.Operation
				for i := 0; i < 60; i++ {
					batch = append(batch, upsert(fmt.Sprintf("op-%d", i), fmt.Sprintf("pet-%d", i), `{"name":"P"}`, nil))
				}

				res := engine.Push(ctx, "owner-1", "d", batch)
				Expect(res.Accepted).To(HaveLen(60))
				Expect(res.Accepted[0]).To(Equal("op-0"))
				Expect(res.Accepted[59]).To(Equal("op-59"))

				changes := pullAll(ctx, engine, "owner-1", 7)
				Expect(changes).To(HaveLen(60))

				for i, c := range changes {
					Expect(c.ChangeID).To(Equal(int64(i + 1)))
					Expect(c.Version).To(Equal(int64(1)))
				}
			})
		})
	}

	Describe("storage failures", func() {
		var ctx context.Context

		BeforeEach(func() {
			ctx = context.Background()
		})

		It("retries retryable commit conflicts", func() {
			store := &flakyStore{Store: memory.NewInMemoryStore()}
			store.failures.Store(2)

			engine := NewEngine(store, registry.Default(), Config{CommitRetries: 3})

			res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{upsert("op-1", "fido", `{"name":"Fido"}`, nil)})
			Expect(res.Accepted).To(Equal([]string{"op-1"}))
			Expect(store.commits.Load()).To(Equal(int32(3)))
		})

		It("reports a server error once retries are exhausted", func() {
			store := &flakyStore{Store: memory.NewInMemoryStore()}
			store.failures.Store(100)

			engine := NewEngine(store, registry.Default(), Config{CommitRetries: 2})

			res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{
				upsert("op-1", "fido", `{"name":"Fido"}`, nil),
			})
			Expect(res.Rejected).To(HaveLen(1))
			Expect(res.Rejected[0].Reason).To(Equal(protocol.ReasonServerError))
			Expect(res.Rejected[0].Message).To(BeEmpty())
			Expect(store.commits.Load()).To(Equal(int32(3)))

			latest, err := store.LatestChangeID(ctx, "owner-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(latest).To(BeZero())
		})

		It("fails only the affected op when the store is gone", func() {
			store := memory.NewInMemoryStore()
			Expect(store.Close(ctx)).To(Succeed())

			engine := NewEngine(store, registry.Default(), Config{})

			res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{
				upsert("op-1", "fido", `{"name":"Fido"}`, nil),
				upsert("bad op", "fido", `{"name":"Fido"}`, nil),
			})
			Expect(res.Rejected).To(HaveLen(2))
			Expect(res.Rejected[0].Reason).To(Equal(protocol.ReasonServerError))
			Expect(res.Rejected[1].Reason).To(Equal(protocol.ReasonInvalidOpID))
		})

		It("answers cached replays without the store", func() {
			store := memory.NewInMemoryStore()
			cache, err := opcache.NewLocal(128)
			Expect(err).ToNot(HaveOccurred())

			engine := NewEngine(store, registry.Default(), Config{}, WithOpCache(cache))

			op := upsert("op-1", "fido", `{"name":"Fido"}`, nil)
			Expect(engine.Push(ctx, "owner-1", "d", []protocol.Operation{op}).Accepted).To(HaveLen(1))
			Expect(store.Close(ctx)).To(Succeed())

			res := engine.Push(ctx, "owner-1", "d", []protocol.Operation{op})
			Expect(res.Accepted).To(Equal([]string{"op-1"}))

			res = engine.Push(ctx, "owner-1", "d", []protocol.Operation{upsert("op-2", "fido", `{"name":"Fido"}`, nil)})
			Expect(res.Rejected).To(HaveLen(1))
		})
	})

	Describe("NewEngine", func() {
		It("panics without a store or registry", func() {
			Expect(func() { NewEngine(nil, registry.Default(), Config{}) }).To(Panic())
			Expect(func() { NewEngine(memory.NewInMemoryStore(), nil, Config{}) }).To(Panic())
		})

		It("fills in defaults", func() {
			cfg := Config{PullDefaultLimit: 1000, CommitRetries: -1}.withDefaults()
			Expect(cfg.PullMaxLimit).To(Equal(DefaultPullMaxLimit))
			Expect(cfg.PullDefaultLimit).To(Equal(DefaultPullMaxLimit))
			Expect(cfg.CommitRetries).To(BeZero())
			Expect(cfg.PushParallelism).To(Equal(DefaultPushParallelism))
		})
	})
})
