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

// Package sampling selects a representative subset of reads and estimates
// per-base calling thresholds from the modification probabilities those reads
// carry.
package sampling

import (
	"math/rand"
)

// Indicator is RecordSampler's per-record decision.
type Indicator int8

const (
	// UseRecord: consume the record.
	UseRecord Indicator = iota
	// SkipRecord: pass over the record but keep going.
	SkipRecord
	// Done: the sampler's quota is exhausted; stop iterating.
	Done
)

// RecordSampler decides which records of a stream to sample.  It operates in
// one of three modes: passthrough (use everything), fraction (use each record
// with probability p, seeded and deterministic), or quota (use the first n
// offered records).  Ask does not commit a record; call RecordUsed once the
// record has actually been consumed, since a record offered for use can still
// fail to decode.  Thread compatible.
type RecordSampler struct {
	rng   *rand.Rand
	frac  float64
	quota int64 // <0: unlimited
	used  int64
}

// NewPassthroughSampler returns a sampler that uses every record.
func NewPassthroughSampler() *RecordSampler {
	return &RecordSampler{quota: -1}
}

// NewFractionSampler returns a sampler that uses each record with probability
// frac.  The same seed always yields the same decision sequence.
func NewFractionSampler(frac float64, seed int64) *RecordSampler {
	return &RecordSampler{
		rng:   rand.New(rand.NewSource(seed)),
		frac:  frac,
		quota: -1,
	}
}

// NewQuotaSampler returns a sampler that uses the first quota records
// offered.
func NewQuotaSampler(quota int64) *RecordSampler {
	return &RecordSampler{quota: quota}
}

// Ask returns the decision for the next record.
func (s *RecordSampler) Ask() Indicator {
	if s.quota >= 0 && s.used >= s.quota {
		return Done
	}
	if s.rng != nil && s.rng.Float64() >= s.frac {
		return SkipRecord
	}
	return UseRecord
}

// RecordUsed commits one record against the quota.
func (s *RecordSampler) RecordUsed() {
	s.used++
}

// Used returns the number of committed records.
func (s *RecordSampler) Used() int64 {
	return s.used
}
