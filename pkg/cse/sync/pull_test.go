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
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/cse/registry"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence/memory"
)

var _ = Describe("Pull", func() {
	var (
		ctx    context.Context
		engine *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		engine = NewEngine(memory.NewInMemoryStore(), registry.Default(), Config{PullDefaultLimit: 5, PullMaxLimit: 8})

		var batch []protocol.Operation
		for i := 0; i < 20; i++ {
			// four pets, five edits each
			pet := fmt.Sprintf("pet-%d", i%4)
			batch = append(batch, upsert(fmt.Sprintf("op-%02d", i), pet, fmt.Sprintf(`{"name":"%s","edit":%d}`, pet, i/4), nil))
		}

		Expect(engine.Push(ctx, "owner-1", "d", batch).Rejected).To(BeEmpty())
	})

	DescribeTable("returns every change exactly once for any page size",
		func(pageSize int) {
			changes := pullAll(ctx, engine, "owner-1", pageSize)
			Expect(changes).To(HaveLen(20))

			for i, c := range changes {
				Expect(c.ChangeID).To(Equal(int64(i + 1)))
			}
		},
		Entry("1", 1),
		Entry("3", 3),
		Entry("4", 4),
		Entry("7", 7),
		Entry("default", 0),
		Entry("above the cap", 1000),
	)

	It("keeps versions per entity ascending in ledger order", func() {
		last := map[string]int64{}

		for _, c := range pullAll(ctx, engine, "owner-1", 3) {
			Expect(c.Version).To(Equal(last[c.EntityID] + 1))
			last[c.EntityID] = c.Version
		}

		Expect(last).To(HaveLen(4))
	})

	It("reports has_more for a full page and an empty page at the end", func() {
		page, err := engine.Pull(ctx, "owner-1", 15, 5)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Changes).To(HaveLen(5))
		Expect(page.HasMore).To(BeTrue())
		Expect(page.NextCursor).To(Equal(int64(20)))

		page, err = engine.Pull(ctx, "owner-1", page.NextCursor, 5)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Changes).To(BeEmpty())
		Expect(page.Changes).ToNot(BeNil())
		Expect(page.HasMore).To(BeFalse())
		Expect(page.NextCursor).To(Equal(int64(20)))
	})

	It("applies the default and the cap", func() {
		page, err := engine.Pull(ctx, "owner-1", 0, 0)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Changes).To(HaveLen(5))

		page, err = engine.Pull(ctx, "owner-1", 0, 50)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Changes).To(HaveLen(8))
		Expect(page.HasMore).To(BeTrue())
	})

	It("treats a negative cursor as the beginning", func() {
		page, err := engine.Pull(ctx, "owner-1", -3, 2)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Changes[0].ChangeID).To(Equal(int64(1)))
	})

	It("returns an empty page for an unknown owner", func() {
		page, err := engine.Pull(ctx, "nobody", 0, 5)
		Expect(err).ToNot(HaveOccurred())
		Expect(page.Changes).To(BeEmpty())
		Expect(page.NextCursor).To(BeZero())
		Expect(page.HasMore).To(BeFalse())
	})

	It("sees changes committed after the cursor was taken", func() {
		page, err := engine.Pull(ctx, "owner-1", 0, 8)
		Expect(err).ToNot(HaveOccurred())
		cursor := page.NextCursor

		Expect(engine.Push(ctx, "owner-1", "d", []protocol.Operation{
			upsert("late", "pet-9", `{"name":"Late"}`, nil),
		}).Accepted).To(HaveLen(1))

		rest := []persistence.ChangeRecord{}
		for {
			page, err = engine.Pull(ctx, "owner-1", cursor, 8)
			Expect(err).ToNot(HaveOccurred())
			rest = append(rest, page.Changes...)
			cursor = page.NextCursor

			if !page.HasMore {
				break
			}
		}

		Expect(rest).To(HaveLen(13))
		Expect(rest[12].OpID).To(Equal("late"))
	})

	It("fails when the store fails", func() {
		store := memory.NewInMemoryStore()
		Expect(store.Close(ctx)).To(Succeed())

		_, err := NewEngine(store, registry.Default(), Config{}).Pull(ctx, "owner-1", 0, 10)
		Expect(err).To(MatchError(persistence.ErrClosed))
	})

	Describe("Status", func() {
		It("returns the latest cursor of the owner", func() {
			status, err := engine.Status(ctx, "owner-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(status.LatestCursor).To(Equal(int64(20)))

			status, err = engine.Status(ctx, "owner-2")
			Expect(err).ToNot(HaveOccurred())
			Expect(status.LatestCursor).To(BeZero())
		})
	})

	Describe("Get and List", func() {
		It("reads entities of registered types", func() {
			state, err := engine.Get(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "pet-1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(state.Version).To(Equal(int64(5)))

			list, err := engine.List(ctx, "owner-1", "pet", false)
			Expect(err).ToNot(HaveOccurred())
			Expect(list).To(HaveLen(4))
		})

		It("rejects unknown types and ids", func() {
			_, err := engine.Get(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "invoice", EntityID: "x"})

			var rej *RejectError
			Expect(err).To(BeAssignableToTypeOf(rej))
			Expect(err.(*RejectError).Reason).To(Equal(protocol.ReasonUnsupportedEntityType))

			_, err = engine.Get(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "a b"})
			Expect(err.(*RejectError).Reason).To(Equal(protocol.ReasonInvalidEntityID))

			_, err = engine.List(ctx, "owner-1", "invoice", false)
			Expect(err).To(HaveOccurred())
		})

		It("returns ErrNotFound for unknown entities", func() {
			_, err := engine.Get(ctx, persistence.EntityKey{OwnerID: "owner-1", EntityType: "pet", EntityID: "nobody"})
			Expect(err).To(MatchError(persistence.ErrNotFound))
		})
	})
})
