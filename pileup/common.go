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
package pileup

import (
	"math"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
)

// Common pileup components.

// flagExclude removes records that must never contribute to a pileup column:
// secondary, supplementary, and duplicate alignments, and unmapped records.
const flagExclude = sam.Secondary | sam.Supplementary | sam.Duplicate | sam.Unmapped

// RecordEligible reports whether a record participates in pileup counting.
func RecordEligible(rec *sam.Record) bool {
	return rec.Flags&flagExclude == 0
}

// RecordStrand returns the strand the record itself aligned to.  Modification
// calls are made on the sequenced strand, so the single-read alignment strand
// is the one that matters, not pair orientation.
func RecordStrand(rec *sam.Record) basemod.Strand {
	if rec.Flags&sam.Reverse != 0 {
		return basemod.StrandRev
	}
	return basemod.StrandFwd
}

// queryDeleted marks a reference position covered by a deletion in the
// refToQuery alignment map.
const queryDeleted = int32(-1)

// alignmentMap maps each reference position covered by the record to its
// stored-sequence (query) offset, or queryDeleted under a deletion.
// Reference positions under a CigarSkip (intron) are absent.
func alignmentMap(rec *sam.Record) map[int]int32 {
	out := make(map[int]int32, rec.Len())
	refPos := rec.Pos
	queryPos := int32(0)
	for _, op := range rec.Cigar {
		length := op.Len()
		switch op.Type() {
		case sam.CigarMatch, sam.CigarEqual, sam.CigarMismatch:
			for i := 0; i < length; i++ {
				out[refPos+i] = queryPos + int32(i)
			}
			refPos += length
			queryPos += int32(length)
		case sam.CigarDeletion:
			for i := 0; i < length; i++ {
				out[refPos+i] = queryDeleted
			}
			refPos += length
		case sam.CigarSkipped:
			refPos += length
		case sam.CigarInsertion, sam.CigarSoftClipped:
			queryPos += int32(length)
		}
	}
	return out
}

// satIncr increments a saturating counter.
func satIncr(c *uint32) {
	if *c != math.MaxUint32 {
		*c++
	}
}
