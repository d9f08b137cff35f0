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
	"fmt"

	"github.com/grailbio/modbase/basemod"
	"v.io/x/lib/vlog"
)

// CodeTable assigns counter slots to a fixed set of modification codes and
// groups them into canonical-base families.  It is built once per run and
// read-only afterwards.
type CodeTable struct {
	codes  []basemod.ModCode
	slots  map[basemod.ModCode]int
	family []basemod.DnaBase
	// familySlots[base] lists the slot indices of the base's codes, in
	// canonical code order.
	familySlots [basemod.NBase][]int
}

// NewCodeTable registers codes for counting.  Duplicates are merged; codes
// with no known base family are an error.
func NewCodeTable(codes []basemod.ModCode) (*CodeTable, error) {
	deduped := make([]basemod.ModCode, 0, len(codes))
	seen := make(map[basemod.ModCode]bool, len(codes))
	for _, code := range codes {
		if code.IsCanonical() {
			return nil, fmt.Errorf("pileup.NewCodeTable: %v is a canonical code", code)
		}
		if !seen[code] {
			seen[code] = true
			deduped = append(deduped, code)
		}
	}
	basemod.SortModCodes(deduped)
	t := &CodeTable{
		codes:  deduped,
		slots:  make(map[basemod.ModCode]int, len(deduped)),
		family: make([]basemod.DnaBase, len(deduped)),
	}
	for i, code := range deduped {
		base, ok := code.CanonicalBase()
		if !ok {
			return nil, fmt.Errorf("pileup.NewCodeTable: code %v has no known base family", code)
		}
		t.slots[code] = i
		t.family[i] = base
		t.familySlots[base] = append(t.familySlots[base], i)
	}
	return t, nil
}

// DefaultCodeTable registers every code basemod knows about.
func DefaultCodeTable() *CodeTable {
	t, err := NewCodeTable(basemod.KnownModCodes())
	if err != nil {
		vlog.Fatalf("pileup.DefaultCodeTable: %v", err)
	}
	return t
}

// Codes returns the registered codes in canonical order.
func (t *CodeTable) Codes() []basemod.ModCode {
	return t.codes
}

// Contains reports whether code is registered.
func (t *CodeTable) Contains(code basemod.ModCode) bool {
	_, ok := t.slots[code]
	return ok
}

// FeatureKind tags a per-read, per-position observation.
type FeatureKind int8

const (
	// FeatureDelete: the read has a deletion at this reference position.
	FeatureDelete FeatureKind = iota
	// FeatureFiltered: the winning call fell below its threshold.
	FeatureFiltered
	// FeatureNoCall: the read base carries no modification information.
	FeatureNoCall
	// FeatureModCall: a thresholded canonical or modified call.  Canonical
	// calls carry the base's canonical code.
	FeatureModCall
)

// Feature is one read's observation at one reference position.
type Feature struct {
	Kind FeatureKind
	// Base is the read base; meaningful for FeatureNoCall.
	Base basemod.DnaBase
	// Code is the called code; meaningful for FeatureModCall.
	Code basemod.ModCode
}

// Per-strand slot layout of a FeatureVector:
//
//	[0]                     deletions
//	[1]                     filtered calls
//	[2,        2+NBase)     no-calls, by read base
//	[2+NBase,  2+2*NBase)   canonical calls, by read base
//	[2+2*NBase, width)      modified calls, by CodeTable slot
const (
	slotDelete    = 0
	slotFiltered  = 1
	slotNoCall    = 2
	slotCanonical = slotNoCall + basemod.NBase
	slotMod       = slotCanonical + basemod.NBase
)

// FeatureVector accumulates the per-read observations of a single pileup
// column into saturating uint32 counters, one block per strand.  A vector is
// reused across positions via Reset; it never allocates after construction.
type FeatureVector struct {
	table  *CodeTable
	width  int
	counts []uint32
}

// NewFeatureVector returns an empty vector over table's codes.
func NewFeatureVector(table *CodeTable) *FeatureVector {
	width := slotMod + len(table.codes)
	return &FeatureVector{
		table:  table,
		width:  width,
		counts: make([]uint32, basemod.NStrand*width),
	}
}

// Reset zeroes the counters for reuse at the next position.
func (v *FeatureVector) Reset() {
	for i := range v.counts {
		v.counts[i] = 0
	}
}

func (v *FeatureVector) strandCounts(strand basemod.Strand) []uint32 {
	base := int(strand) * v.width
	return v.counts[base : base+v.width]
}

// AddFeature counts one observation.  ModCall features must carry either a
// canonical code or a code registered in the table; anything else is a
// programmer error upstream (the decode path rejects unknown codes).
func (v *FeatureVector) AddFeature(strand basemod.Strand, f Feature) {
	counts := v.strandCounts(strand)
	switch f.Kind {
	case FeatureDelete:
		satIncr(&counts[slotDelete])
	case FeatureFiltered:
		satIncr(&counts[slotFiltered])
	case FeatureNoCall:
		satIncr(&counts[slotNoCall+int(f.Base)])
	case FeatureModCall:
		if f.Code.IsCanonical() {
			base, err := basemod.ParseBase(f.Code.String()[0])
			if err != nil {
				vlog.Fatalf("pileup.AddFeature: %v", err)
			}
			satIncr(&counts[slotCanonical+int(base)])
			return
		}
		slot, ok := v.table.slots[f.Code]
		if !ok {
			vlog.Fatalf("pileup.AddFeature: unregistered code %v", f.Code)
		}
		satIncr(&counts[slotMod+slot])
	}
}

// NumericMode selects how sibling codes of one family are reported.
type NumericMode int8

const (
	// ModePassthrough reports each observed code as its own row.
	ModePassthrough NumericMode = iota
	// ModeCombine merges a family's codes into one row labeled by the
	// family's canonical code.
	ModeCombine
)

// FeatureCounts is one output row: the counts of one (strand, code) pair at
// one pileup column.
type FeatureCounts struct {
	Strand basemod.Strand
	// Code is the modification code the row reports; under ModeCombine it is
	// the family's canonical code.
	Code basemod.ModCode
	// FilteredCoverage is the thresholded read depth the fraction is
	// computed over: canonical calls plus all of the family's modified
	// calls.
	FilteredCoverage uint32
	// FractionModified is NModified / FilteredCoverage, or 0 at zero
	// coverage.
	FractionModified float32
	NCanonical       uint32
	NModified        uint32
	// NOtherModified counts the family's sibling codes.
	NOtherModified uint32
	NDelete        uint32
	NFiltered      uint32
	// NDiff counts same-strand observations belonging to other base
	// families.
	NDiff   uint32
	NNoCall uint32
}

// Decode converts the accumulated counters into output rows.  Rows are
// emitted per strand (forward first) and per base family in base order, and
// only for families with at least one code in observed and nonzero filtered
// coverage; a family's rows share its filtered coverage.  The caller owns
// observed; codes not in the table are ignored.
func (v *FeatureVector) Decode(observed map[basemod.ModCode]bool, mode NumericMode) []FeatureCounts {
	var rows []FeatureCounts
	for strand := basemod.StrandFwd; strand <= basemod.StrandRev; strand++ {
		counts := v.strandCounts(strand)
		var strandTotal uint32
		for base := basemod.DnaBase(0); base < basemod.NBase; base++ {
			strandTotal += counts[slotNoCall+int(base)] + counts[slotCanonical+int(base)]
		}
		for slot := range v.table.codes {
			strandTotal += counts[slotMod+slot]
		}
		for base := basemod.DnaBase(0); base < basemod.NBase; base++ {
			familySlots := v.table.familySlots[base]
			var emitted []int
			var familySum uint32
			for _, slot := range familySlots {
				familySum += counts[slotMod+slot]
				if observed[v.table.codes[slot]] {
					emitted = append(emitted, slot)
				}
			}
			if len(emitted) == 0 {
				continue
			}
			nCanonical := counts[slotCanonical+int(base)]
			validCov := nCanonical + familySum
			if validCov == 0 {
				continue
			}
			nDiff := strandTotal - validCov - counts[slotNoCall+int(base)]
			common := FeatureCounts{
				Strand:           strand,
				FilteredCoverage: validCov,
				NCanonical:       nCanonical,
				NDelete:          counts[slotDelete],
				NFiltered:        counts[slotFiltered],
				NDiff:            nDiff,
				NNoCall:          counts[slotNoCall+int(base)],
			}
			if mode == ModeCombine {
				row := common
				row.Code = base.CanonicalCode()
				row.NModified = familySum
				row.FractionModified = fraction(familySum, validCov)
				rows = append(rows, row)
				continue
			}
			for _, slot := range emitted {
				row := common
				row.Code = v.table.codes[slot]
				row.NModified = counts[slotMod+slot]
				row.NOtherModified = familySum - row.NModified
				row.FractionModified = fraction(row.NModified, validCov)
				rows = append(rows, row)
			}
		}
	}
	return rows
}

func fraction(num, denom uint32) float32 {
	if denom == 0 {
		return 0
	}
	return float32(num) / float32(denom)
}
