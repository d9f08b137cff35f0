// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sampling

import (
	"math"
	"sort"

	"github.com/grailbio/hts/sam"
)

// Schedule apportions a total read budget across references in proportion to
// their lengths.  Construction is a pure function of (lengths, total): the
// same inputs always produce the same quotas.
type Schedule struct {
	quotas  []int
	lengths []int64
}

// RefQuotas splits total across lengths proportionally, using the
// largest-remainder method so the quotas sum to exactly total.  Remainder
// ties go to the lower index.
func RefQuotas(lengths []int64, total int) []int {
	quotas := make([]int, len(lengths))
	var totalLen int64
	for _, l := range lengths {
		totalLen += l
	}
	if totalLen == 0 || total <= 0 {
		return quotas
	}
	type remainder struct {
		idx  int
		frac float64
	}
	remainders := make([]remainder, len(lengths))
	assigned := 0
	for i, l := range lengths {
		exact := float64(total) * float64(l) / float64(totalLen)
		quotas[i] = int(exact)
		assigned += quotas[i]
		remainders[i] = remainder{idx: i, frac: exact - float64(quotas[i])}
	}
	sort.SliceStable(remainders, func(i, j int) bool {
		return remainders[i].frac > remainders[j].frac
	})
	for i := 0; i < total-assigned; i++ {
		quotas[remainders[i%len(remainders)].idx]++
	}
	return quotas
}

// NewSchedule builds the per-reference schedule for total sampled reads.
func NewSchedule(refs []*sam.Reference, total int) *Schedule {
	lengths := make([]int64, len(refs))
	for i, ref := range refs {
		lengths[i] = int64(ref.Len())
	}
	return &Schedule{quotas: RefQuotas(lengths, total), lengths: lengths}
}

// RefQuota returns the read budget of one reference.
func (s *Schedule) RefQuota(refID int) int64 {
	if refID < 0 || refID >= len(s.quotas) {
		return 0
	}
	return int64(s.quotas[refID])
}

// WindowQuota splits a reference's budget onto the window [start, end),
// proportional to the window's share of the reference, rounded up.  Window
// quotas within a reference may therefore sum to slightly more than the
// reference quota; the excess is bounded by the window count.
func (s *Schedule) WindowQuota(refID, start, end int) int64 {
	quota := s.RefQuota(refID)
	if quota == 0 {
		return 0
	}
	refLen := s.lengths[refID]
	if refLen == 0 {
		return 0
	}
	share := float64(quota) * float64(end-start) / float64(refLen)
	return int64(math.Ceil(share))
}
