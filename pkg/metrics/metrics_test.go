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

package metrics

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

var _ = Describe("sync metrics", func() {
	It("counts operations by outcome and reason", func() {
		before := testutil.ToFloat64(opsTotal.WithLabelValues("pet", OutcomeRejected, "conflict"))

		RecordOp("pet", OutcomeRejected, "conflict")
		RecordOp("pet", OutcomeRejected, "conflict")

		Expect(testutil.ToFloat64(opsTotal.WithLabelValues("pet", OutcomeRejected, "conflict"))).To(Equal(before + 2))
	})

	It("counts conflicts per policy", func() {
		before := testutil.ToFloat64(conflictsTotal.WithLabelValues("document", "last_write_wins"))

		RecordConflict("document", "last_write_wins")

		Expect(testutil.ToFloat64(conflictsTotal.WithLabelValues("document", "last_write_wins"))).To(Equal(before + 1))
	})

	It("splits op cache lookups into hits and misses", func() {
		hits := testutil.ToFloat64(opCacheLookups.WithLabelValues(OutcomeCacheHit))
		misses := testutil.ToFloat64(opCacheLookups.WithLabelValues(OutcomeCacheMiss))

		RecordOpCacheLookup(true)
		RecordOpCacheLookup(false)
		RecordOpCacheLookup(false)

		Expect(testutil.ToFloat64(opCacheLookups.WithLabelValues(OutcomeCacheHit))).To(Equal(hits + 1))
		Expect(testutil.ToFloat64(opCacheLookups.WithLabelValues(OutcomeCacheMiss))).To(Equal(misses + 2))
	})
})
