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

package protocol_test

import (
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/petsync/pkg/cse/protocol"
	"github.com/united-manufacturing-hub/petsync/pkg/persistence"
)

func TestProtocol(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Protocol Suite")
}

func ptrTime(t time.Time) *time.Time {
	return &t
}

var _ = Describe("Protocol", func() {
	DescribeTable("ValidIdentifier",
		func(id string, valid bool) {
			Expect(protocol.ValidIdentifier(id)).To(Equal(valid))
		},
		Entry("uuid", "5f0c7a52-3b6e-4d8e-9a55-0e0c2b7f1e11", true),
		Entry("dotted", "pet.1:a_b", true),
		Entry("single char", "a", true),
		Entry("empty", "", false),
		Entry("leading dash", "-abc", false),
		Entry("slash", "a/b", false),
		Entry("space", "a b", false),
		Entry("too long", strings.Repeat("a", 129), false),
		Entry("max length", strings.Repeat("a", 128), true),
	)

	Describe("DecodeOperations", func() {
		It("decodes well formed ops and isolates malformed ones", func() {
			var req protocol.PushRequest
			Expect(json.Unmarshal([]byte(`{
				"device_id": "phone-1",
				"ops": [
					{"op_id": "a", "entity_type": "pet", "entity_id": "p1", "change_type": "upsert",
					 "record": {"name": "Fido"}, "base_version": 1, "client_ts": "2024-05-01T10:00:00Z"},
					{"op_id": "b", "entity_type": "pet", "entity_id": 7},
					"not an op",
					{"op_id": "c", "entity_type": "pet", "entity_id": "p2", "change_type": "delete", "record": null}
				]
			}`), &req)).To(Succeed())
			Expect(req.DeviceID).To(Equal("phone-1"))

			ops := protocol.DecodeOperations(req.Ops)
			Expect(ops).To(HaveLen(4))

			Expect(ops[0].DecodeErr).ToNot(HaveOccurred())
			Expect(ops[0].ChangeType).To(Equal(persistence.ChangeUpsert))
			Expect(*ops[0].BaseVersion).To(Equal(int64(1)))
			Expect(ops[0].ClientTS).ToNot(BeNil())
			Expect(protocol.IsNull(ops[0].Record)).To(BeFalse())

			Expect(ops[1].DecodeErr).To(HaveOccurred())
			Expect(ops[1].OpID).To(Equal("b"))

			Expect(ops[2].DecodeErr).To(HaveOccurred())
			Expect(ops[2].OpID).To(BeEmpty())

			Expect(ops[3].DecodeErr).ToNot(HaveOccurred())
			Expect(ops[3].BaseVersion).To(BeNil())
			Expect(protocol.IsNull(ops[3].Record)).To(BeTrue())
		})

		DescribeTable("never fails an op because of its client_ts",
			func(clientTS string, expected *time.Time) {
				raw := `{"op_id": "a", "entity_type": "pet", "entity_id": "p1", "change_type": "upsert",
					"record": {"name": "Fido"}, "client_ts": ` + clientTS + `}`

				ops := protocol.DecodeOperations([]json.RawMessage{json.RawMessage(raw)})
				Expect(ops[0].DecodeErr).ToNot(HaveOccurred())
				Expect(ops[0].OpID).To(Equal("a"))

				if expected == nil {
					Expect(ops[0].ClientTS).To(BeNil())
				} else {
					Expect(ops[0].ClientTS).ToNot(BeNil())
					Expect(ops[0].ClientTS.Equal(*expected)).To(BeTrue())
				}
			},
			Entry("RFC 3339", `"2024-05-01T10:00:00.5Z"`, ptrTime(time.Date(2024, 5, 1, 10, 0, 0, 500000000, time.UTC))),
			Entry("epoch milliseconds", `1714557600500`, ptrTime(time.Date(2024, 5, 1, 10, 0, 0, 500000000, time.UTC))),
			Entry("null", `null`, (*time.Time)(nil)),
			Entry("unparseable string", `"yesterday"`, (*time.Time)(nil)),
			Entry("object", `{"at": 1}`, (*time.Time)(nil)),
		)
	})

	It("omits current_version for non-conflict rejections", func() {
		out, err := json.Marshal(protocol.Rejection{OpID: "a", Reason: protocol.ReasonInvalidOp})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal(`{"op_id":"a","reason":"invalid_op"}`))

		v := int64(0)
		out, err = json.Marshal(protocol.Rejection{OpID: "a", Reason: protocol.ReasonConflict, CurrentVersion: &v})
		Expect(err).ToNot(HaveOccurred())
		Expect(string(out)).To(Equal(`{"op_id":"a","reason":"conflict","current_version":0}`))
	})
})
