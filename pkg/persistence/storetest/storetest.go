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

// Package storetest holds the behaviour every persistence.Store backend must
// show. Backend test suites register it with DescribeContract.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

// Factory returns a fresh, empty store.
type Factory func() persistence.Store

// Write performs one paired entity write and ledger append in its own
// transaction, the way the sync engine does.
func Write(ctx context.Context, store persistence.Store, key persistence.EntityKey, changeType persistence.ChangeType, record persistence.Record, opID string) (*persistence.ChangeRecord, error) {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	current, err := tx.LockEntity(ctx, key)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, err
	}

	next := current.Version + 1
	state := persistence.EntityState{Key: key, Record: record, Version: next, Deleted: changeType == persistence.ChangeDelete}

	if state.Deleted {
		state.Record = nil
	}

	if err := tx.PutEntity(ctx, state); err != nil {
		return nil, err
	}

	rec := &persistence.ChangeRecord{
		OwnerID:    key.OwnerID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		ChangeType: changeType,
		Record:     state.Record,
		Version:    next,
		OpID:       opID,
		DeviceID:   "test-device",
	}

	if err := tx.AppendChange(ctx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return rec, nil
}

// DescribeContract registers the store contract specs under name.
func DescribeContract(name string, newStore Factory) bool {
	return Describe(name+" store contract", func() {
		var (
			ctx   context.Context
			store persistence.Store
			fido  persistence.EntityKey
		)

		BeforeEach(func() {
			ctx = context.Background()
			store = newStore()
			fido = persistence.EntityKey{OwnerID: "o1", EntityType: "pet", EntityID: "p1"}
		})

		AfterEach(func() {
			Expect(store.Close(ctx)).To(Succeed())
		})

		Describe("entities", func() {
			It("reports unknown entities as not found, even under lock", func() {
				_, err := store.GetEntity(ctx, fido)
				Expect(err).To(MatchError(persistence.ErrNotFound))

				tx, err := store.BeginTx(ctx)
				Expect(err).ToNot(HaveOccurred())
				defer func() { _ = tx.Rollback(ctx) }()

				state, err := tx.LockEntity(ctx, fido)
				Expect(err).To(MatchError(persistence.ErrNotFound))
				Expect(state.Version).To(BeZero())
			})

			It("stores the record and version of a committed write", func() {
				_, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{"name": "Fido", "age": float64(3)}, "op-1")
				Expect(err).ToNot(HaveOccurred())

				state, err := store.GetEntity(ctx, fido)
				Expect(err).ToNot(HaveOccurred())
				Expect(state.Version).To(Equal(int64(1)))
				Expect(state.Deleted).To(BeFalse())
				Expect(state.Record).To(HaveKeyWithValue("name", "Fido"))
				Expect(state.Record).To(HaveKeyWithValue("age", float64(3)))
				Expect(state.UpdatedAt).ToNot(BeZero())
			})

			It("keeps deleted entities as tombstones", func() {
				_, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{"name": "Fido"}, "op-1")
				Expect(err).ToNot(HaveOccurred())
				_, err = Write(ctx, store, fido, persistence.ChangeDelete, nil, "op-2")
				Expect(err).ToNot(HaveOccurred())

				state, err := store.GetEntity(ctx, fido)
				Expect(err).ToNot(HaveOccurred())
				Expect(state.Deleted).To(BeTrue())
				Expect(state.Record).To(BeNil())
				Expect(state.Version).To(Equal(int64(2)))

				live, err := store.ListEntities(ctx, "o1", "pet", false)
				Expect(err).ToNot(HaveOccurred())
				Expect(live).To(BeEmpty())

				all, err := store.ListEntities(ctx, "o1", "pet", true)
				Expect(err).ToNot(HaveOccurred())
				Expect(all).To(HaveLen(1))
			})

			It("lists entities of one owner and type ordered by id", func() {
				for _, id := range []string{"p3", "p1", "p2"} {
					_, err := Write(ctx, store, persistence.EntityKey{OwnerID: "o1", EntityType: "pet", EntityID: id}, persistence.ChangeUpsert, persistence.Record{"id": id}, "op-"+id)
					Expect(err).ToNot(HaveOccurred())
				}

				_, err := Write(ctx, store, persistence.EntityKey{OwnerID: "o2", EntityType: "pet", EntityID: "p9"}, persistence.ChangeUpsert, persistence.Record{}, "op-p9")
				Expect(err).ToNot(HaveOccurred())
				_, err = Write(ctx, store, persistence.EntityKey{OwnerID: "o1", EntityType: "document", EntityID: "d1"}, persistence.ChangeUpsert, persistence.Record{}, "op-d1")
				Expect(err).ToNot(HaveOccurred())

				list, err := store.ListEntities(ctx, "o1", "pet", false)
				Expect(err).ToNot(HaveOccurred())
				Expect(list).To(HaveLen(3))
				Expect([]string{list[0].Key.EntityID, list[1].Key.EntityID, list[2].Key.EntityID}).To(Equal([]string{"p1", "p2", "p3"}))
			})
		})

		Describe("ledger", func() {
			It("allocates change ids per owner starting at 1", func() {
				first, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{"name": "Fido"}, "op-1")
				Expect(err).ToNot(HaveOccurred())
				other, err := Write(ctx, store, persistence.EntityKey{OwnerID: "o2", EntityType: "pet", EntityID: "p1"}, persistence.ChangeUpsert, persistence.Record{}, "op-1")
				Expect(err).ToNot(HaveOccurred())
				second, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{"name": "Fido II"}, "op-2")
				Expect(err).ToNot(HaveOccurred())

				Expect(first.ChangeID).To(Equal(int64(1)))
				Expect(other.ChangeID).To(Equal(int64(1)))
				Expect(second.ChangeID).To(Equal(int64(2)))

				latest, err := store.LatestChangeID(ctx, "o1")
				Expect(err).ToNot(HaveOccurred())
				Expect(latest).To(Equal(int64(2)))

				latest, err = store.LatestChangeID(ctx, "nobody")
				Expect(err).ToNot(HaveOccurred())
				Expect(latest).To(BeZero())
			})

			It("pages through changes ascending by change id", func() {
				for i := range 5 {
					_, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{"n": float64(i)}, fmt.Sprintf("op-%d", i))
					Expect(err).ToNot(HaveOccurred())
				}

				page, err := store.ChangesSince(ctx, "o1", 0, 2)
				Expect(err).ToNot(HaveOccurred())
				Expect(page).To(HaveLen(2))
				Expect(page[0].ChangeID).To(Equal(int64(1)))
				Expect(page[1].ChangeID).To(Equal(int64(2)))
				Expect(page[1].Version).To(Equal(int64(2)))
				Expect(page[1].DeviceID).To(Equal("test-device"))
				Expect(page[1].ServerTS).ToNot(BeZero())

				page, err = store.ChangesSince(ctx, "o1", 2, 10)
				Expect(err).ToNot(HaveOccurred())
				Expect(page).To(HaveLen(3))
				Expect(page[2].ChangeID).To(Equal(int64(5)))
				Expect(page[2].Record).To(HaveKeyWithValue("n", float64(4)))

				page, err = store.ChangesSince(ctx, "o1", 5, 10)
				Expect(err).ToNot(HaveOccurred())
				Expect(page).To(BeEmpty())

				page, err = store.ChangesSince(ctx, "o2", 0, 10)
				Expect(err).ToNot(HaveOccurred())
				Expect(page).To(BeEmpty())
			})

			It("records deletes with a null record", func() {
				_, err := Write(ctx, store, fido, persistence.ChangeDelete, nil, "op-1")
				Expect(err).ToNot(HaveOccurred())

				page, err := store.ChangesSince(ctx, "o1", 0, 10)
				Expect(err).ToNot(HaveOccurred())
				Expect(page).To(HaveLen(1))
				Expect(page[0].ChangeType).To(Equal(persistence.ChangeDelete))
				Expect(page[0].Record).To(BeNil())
			})

			It("finds changes by op id", func() {
				written, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{"name": "Fido"}, "op-1")
				Expect(err).ToNot(HaveOccurred())

				found, err := store.FindChangeByOpID(ctx, "o1", "op-1")
				Expect(err).ToNot(HaveOccurred())
				Expect(found.ChangeID).To(Equal(written.ChangeID))
				Expect(found.Key()).To(Equal(fido))

				_, err = store.FindChangeByOpID(ctx, "o2", "op-1")
				Expect(err).To(MatchError(persistence.ErrNotFound))
			})

			It("rejects a second record for the same op id and keeps the first", func() {
				_, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{"name": "Fido"}, "op-1")
				Expect(err).ToNot(HaveOccurred())

				other := persistence.EntityKey{OwnerID: "o1", EntityType: "pet", EntityID: "p2"}
				_, err = Write(ctx, store, other, persistence.ChangeUpsert, persistence.Record{"name": "Rex"}, "op-1")
				Expect(err).To(MatchError(persistence.ErrDuplicateOp))

				_, err = store.GetEntity(ctx, other)
				Expect(err).To(MatchError(persistence.ErrNotFound))

				page, err := store.ChangesSince(ctx, "o1", 0, 10)
				Expect(err).ToNot(HaveOccurred())
				Expect(page).To(HaveLen(1))
			})
		})

		Describe("transactions", func() {
			It("refuses to commit an entity write without a ledger record", func() {
				tx, err := store.BeginTx(ctx)
				Expect(err).ToNot(HaveOccurred())
				defer func() { _ = tx.Rollback(ctx) }()

				_, err = tx.LockEntity(ctx, fido)
				Expect(err).To(MatchError(persistence.ErrNotFound))
				Expect(tx.PutEntity(ctx, persistence.EntityState{Key: fido, Record: persistence.Record{}, Version: 1})).To(Succeed())

				Expect(tx.Commit(ctx)).To(MatchError(persistence.ErrUnpairedWrite))

				_, err = store.GetEntity(ctx, fido)
				Expect(err).To(MatchError(persistence.ErrNotFound))
			})

			It("discards everything on rollback", func() {
				tx, err := store.BeginTx(ctx)
				Expect(err).ToNot(HaveOccurred())

				_, _ = tx.LockEntity(ctx, fido)
				Expect(tx.PutEntity(ctx, persistence.EntityState{Key: fido, Record: persistence.Record{}, Version: 1})).To(Succeed())
				Expect(tx.AppendChange(ctx, &persistence.ChangeRecord{
					OwnerID: "o1", EntityType: "pet", EntityID: "p1", ChangeType: persistence.ChangeUpsert,
					Record: persistence.Record{}, Version: 1, OpID: "op-1",
				})).To(Succeed())

				Expect(tx.Rollback(ctx)).To(Succeed())
				Expect(tx.Rollback(ctx)).To(Succeed())

				_, err = store.GetEntity(ctx, fido)
				Expect(err).To(MatchError(persistence.ErrNotFound))

				_, err = store.FindChangeByOpID(ctx, "o1", "op-1")
				Expect(err).To(MatchError(persistence.ErrNotFound))
			})

			It("sees its own appended changes", func() {
				tx, err := store.BeginTx(ctx)
				Expect(err).ToNot(HaveOccurred())
				defer func() { _ = tx.Rollback(ctx) }()

				_, _ = tx.LockEntity(ctx, fido)
				Expect(tx.PutEntity(ctx, persistence.EntityState{Key: fido, Record: persistence.Record{}, Version: 1})).To(Succeed())
				Expect(tx.AppendChange(ctx, &persistence.ChangeRecord{
					OwnerID: "o1", EntityType: "pet", EntityID: "p1", ChangeType: persistence.ChangeUpsert,
					Record: persistence.Record{}, Version: 1, OpID: "op-1",
				})).To(Succeed())

				found, err := tx.FindChangeByOpID(ctx, "o1", "op-1")
				Expect(err).ToNot(HaveOccurred())
				Expect(found.Version).To(Equal(int64(1)))
			})

			It("cannot be used after commit", func() {
				_, err := Write(ctx, store, fido, persistence.ChangeUpsert, persistence.Record{}, "op-1")
				Expect(err).ToNot(HaveOccurred())

				tx, err := store.BeginTx(ctx)
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Commit(ctx)).To(Succeed())
				Expect(tx.Rollback(ctx)).To(Succeed())

				_, err = tx.LockEntity(ctx, fido)
				Expect(err).To(MatchError(persistence.ErrTxDone))
			})

			It("keeps versions and change ids gapless under concurrent writers", func() {
				const writers = 8
				const perWriter = 5

				var wg sync.WaitGroup

				for w := range writers {
					wg.Add(1)

					go func() {
						defer GinkgoRecover()
						defer wg.Done()

						key := persistence.EntityKey{OwnerID: "o1", EntityType: "pet", EntityID: fmt.Sprintf("p%d", w%2)}
						for i := range perWriter {
							Eventually(func() error {
								_, err := Write(ctx, store, key, persistence.ChangeUpsert, persistence.Record{"w": float64(w)}, fmt.Sprintf("op-%d-%d", w, i))

								return err
							}).Should(Succeed())
						}
					}()
				}

				wg.Wait()

				page, err := store.ChangesSince(ctx, "o1", 0, writers*perWriter+1)
				Expect(err).ToNot(HaveOccurred())
				Expect(page).To(HaveLen(writers * perWriter))

				versions := map[string]int64{}
				for i, c := range page {
					Expect(c.ChangeID).To(Equal(int64(i + 1)))
					Expect(c.Version).To(Equal(versions[c.EntityID] + 1))
					versions[c.EntityID] = c.Version
				}
			})
		})

		It("fails every call after Close", func() {
			Expect(store.Close(ctx)).To(Succeed())

			_, err := store.BeginTx(ctx)
			Expect(err).To(MatchError(persistence.ErrClosed))

			_, err = store.ChangesSince(ctx, "o1", 0, 10)
			Expect(err).To(MatchError(persistence.ErrClosed))
		})
	})
}
