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

// Package basemod defines the base-modification probability model shared by
// the pileup and sampling packages: canonical DNA bases, modification codes,
// per-base probability vectors, and the canonical-vs-modified call decision.
package basemod

import (
	"fmt"
	"sort"
)

// DnaBase is one of the four canonical DNA bases.
type DnaBase byte

const (
	// BaseA represents an A base.
	BaseA DnaBase = iota
	// BaseC represents a C base.
	BaseC
	// BaseG represents a G base.
	BaseG
	// BaseT represents a T base.
	BaseT
)

// NBase is the number of canonical base types.
const NBase = 4

var baseToASCIITable = [...]byte{'A', 'C', 'G', 'T'}
var baseComplementTable = [...]DnaBase{BaseT, BaseG, BaseC, BaseA}

// ParseBase converts an ASCII base character (upper- or lowercase) to a
// DnaBase.
func ParseBase(c byte) (DnaBase, error) {
	switch c {
	case 'A', 'a':
		return BaseA, nil
	case 'C', 'c':
		return BaseC, nil
	case 'G', 'g':
		return BaseG, nil
	case 'T', 't':
		return BaseT, nil
	}
	return 0, fmt.Errorf("basemod.ParseBase: unrecognized base %q", c)
}

// Char returns the ASCII representation of b.
func (b DnaBase) Char() byte {
	return baseToASCIITable[b]
}

// Complement returns the Watson-Crick complement of b.
func (b DnaBase) Complement() DnaBase {
	return baseComplementTable[b]
}

// CanonicalCode returns the ModCode denoting the unmodified state of b.
func (b DnaBase) CanonicalCode() ModCode {
	return CharCode(b.Char())
}

// Strand describes which reference strand an observation belongs to.
type Strand int8

const (
	// StrandFwd is the forward (+) strand.
	StrandFwd Strand = iota
	// StrandRev is the reverse (-) strand.
	StrandRev
)

// NStrand is the number of strands.
const NStrand = 2

var strandToASCIITable = [...]byte{'+', '-'}

// Char returns '+' or '-'.
func (s Strand) Char() byte {
	return strandToASCIITable[s]
}

// Opposite returns the other strand.
func (s Strand) Opposite() Strand {
	return 1 - s
}

// ParseStrand converts '+' or '-' to a Strand.
func ParseStrand(c byte) (Strand, error) {
	switch c {
	case '+':
		return StrandFwd, nil
	case '-':
		return StrandRev, nil
	}
	return 0, fmt.Errorf("basemod.ParseStrand: unrecognized strand %q", c)
}

// ModCode identifies a base modification, as either a single printable
// character (e.g. 'm' for 5mC) or a numeric ChEBI accession.  The canonical
// (unmodified) state of each base is itself represented by the uppercase base
// character, mirroring the MM tag convention.  The zero value is not a valid
// code.
//
// ModCode is comparable and can be used as a map key; equality is by code
// value.
type ModCode struct {
	char  byte
	chebi int32
}

// CharCode returns the ModCode for a single-character modification code.
func CharCode(c byte) ModCode {
	return ModCode{char: c}
}

// ChEBICode returns the ModCode for a numeric ChEBI accession.
func ChEBICode(id int32) ModCode {
	return ModCode{chebi: id}
}

// IsCanonical distinguishes the unmodified state from a true modification.
func (m ModCode) IsCanonical() bool {
	switch m.char {
	case 'A', 'C', 'G', 'T':
		return true
	}
	return false
}

// String renders the code the way it appears in an MM tag.
func (m ModCode) String() string {
	if m.char != 0 {
		return string([]byte{m.char})
	}
	return fmt.Sprintf("%d", m.chebi)
}

// less defines the canonical iteration order over modification codes: all
// character codes in byte order, then all ChEBI codes in numeric order.
// Anything that iterates code sets (argmax tie-breaks in particular) must use
// this order so that outputs do not depend on map iteration order.
func (m ModCode) less(other ModCode) bool {
	if (m.char != 0) != (other.char != 0) {
		return m.char != 0
	}
	if m.char != 0 {
		return m.char < other.char
	}
	return m.chebi < other.chebi
}

// canonicalBaseTable maps known single-character modification codes to the
// canonical base they modify, per the SAMtags specification.
var canonicalBaseTable = map[byte]DnaBase{
	'a': BaseA, // 6mA
	'h': BaseC, // 5hmC
	'm': BaseC, // 5mC
	'f': BaseC, // 5fC
	'c': BaseC, // 5caC
	'C': BaseC,
	'A': BaseA,
	'g': BaseT, // 5hmU
	'e': BaseT, // 5fU
	'b': BaseT, // 5caU
	'T': BaseT,
	'o': BaseG, // 8oxoG
	'G': BaseG,
}

// chebiBaseTable covers the numeric accessions in common use.
var chebiBaseTable = map[int32]DnaBase{
	76792: BaseG, // 8-oxoguanine
	16964: BaseC,
	76794: BaseC,
}

// CanonicalBase returns the canonical base family a modification code belongs
// to.  ok is false for codes with no known family.
func (m ModCode) CanonicalBase() (base DnaBase, ok bool) {
	if m.char != 0 {
		base, ok = canonicalBaseTable[m.char]
		return
	}
	base, ok = chebiBaseTable[m.chebi]
	return
}

// KnownModCodes returns every modification code with a registered base
// family, in canonical sorted order.  This is the default code registry for
// pileup counting.
func KnownModCodes() []ModCode {
	var codes []ModCode
	for c := range canonicalBaseTable {
		code := CharCode(c)
		if !code.IsCanonical() {
			codes = append(codes, code)
		}
	}
	for id := range chebiBaseTable {
		codes = append(codes, ChEBICode(id))
	}
	SortModCodes(codes)
	return codes
}

// SortModCodes sorts codes in the canonical iteration order, in place.
func SortModCodes(codes []ModCode) {
	sort.Slice(codes, func(i, j int) bool { return codes[i].less(codes[j]) })
}

// BaseModProbs holds, for one base of one read, the probability of each
// modification code called at that base.  Probabilities need not sum to 1;
// the canonical probability is implied as 1 - sum(modified).  An empty
// BaseModProbs is legal and denotes "no explicit call, assume canonical".
//
// Inferred marks probability vectors that were synthesized from the tag's
// skip mode rather than explicitly present in the source data.
type BaseModProbs struct {
	probs    map[ModCode]float32
	Inferred bool
}

// NewBaseModProbs returns an empty probability vector.
func NewBaseModProbs() *BaseModProbs {
	return &BaseModProbs{probs: make(map[ModCode]float32)}
}

// Add accumulates probability mass for code.  Repeated Adds for the same code
// sum, preserving the at-most-one-entry-per-code invariant.
func (p *BaseModProbs) Add(code ModCode, prob float32) {
	if p.probs == nil {
		p.probs = make(map[ModCode]float32)
	}
	p.probs[code] += prob
}

// Prob returns the probability recorded for code, and whether an entry
// exists.
func (p *BaseModProbs) Prob(code ModCode) (float32, bool) {
	prob, ok := p.probs[code]
	return prob, ok
}

// Len returns the number of explicit modification entries.
func (p *BaseModProbs) Len() int {
	if p == nil {
		return 0
	}
	return len(p.probs)
}

// Codes returns the explicit modification codes in canonical order.
func (p *BaseModProbs) Codes() []ModCode {
	codes := make([]ModCode, 0, len(p.probs))
	for code := range p.probs {
		codes = append(codes, code)
	}
	SortModCodes(codes)
	return codes
}

// CanonicalProb returns the implied probability of the unmodified state.
func (p *BaseModProbs) CanonicalProb() float32 {
	var sum float32
	for _, prob := range p.probs {
		sum += prob
	}
	return 1 - sum
}

// Collapse removes code from the vector and redistributes its probability
// mass equally across the remaining codes, including the implied canonical
// state.  The result is a new vector; the receiver is unchanged.  Collapsing
// a set of codes yields the same result, up to floating-point rounding,
// regardless of the order the codes are removed in.
func (p *BaseModProbs) Collapse(code ModCode) *BaseModProbs {
	removed, ok := p.probs[code]
	if !ok {
		out := NewBaseModProbs()
		out.Inferred = p.Inferred
		for c, prob := range p.probs {
			out.probs[c] = prob
		}
		return out
	}
	// Remaining shares: every surviving explicit code, plus canonical.
	nShares := float32(len(p.probs)) // (len - 1 survivors) + 1 canonical
	out := NewBaseModProbs()
	out.Inferred = p.Inferred
	for c, prob := range p.probs {
		if c == code {
			continue
		}
		out.probs[c] = prob + removed/nShares
	}
	return out
}

// CallKind tags a BaseModCall variant.
type CallKind int8

const (
	// CallCanonical means the unmodified state won.
	CallCanonical CallKind = iota
	// CallModified means a modification code won.
	CallModified
	// CallFiltered means the winning probability fell below the calling
	// threshold.  Filtered is terminal: it is never itself the input to
	// another calling decision.
	CallFiltered
)

// BaseModCall is the outcome of applying a caller to a BaseModProbs.
type BaseModCall struct {
	Kind CallKind
	// Prob is the winning probability.  Zero for CallFiltered.
	Prob float32
	// Code is the winning modification code.  Only meaningful for
	// CallModified.
	Code ModCode
}

// ArgmaxCall selects the most probable state (including the implied canonical
// state) with no thresholding.  It never returns a Filtered call.  Ties are
// broken in favor of the canonical state, then by the canonical sorted code
// order, so the result is deterministic.
//
// An empty (or nil) vector yields Canonical with probability 1.
func ArgmaxCall(p *BaseModProbs) BaseModCall {
	if p.Len() == 0 {
		return BaseModCall{Kind: CallCanonical, Prob: 1.0}
	}
	best := BaseModCall{Kind: CallCanonical, Prob: p.CanonicalProb()}
	for _, code := range p.Codes() {
		prob := p.probs[code]
		if prob > best.Prob {
			best = BaseModCall{Kind: CallModified, Prob: prob, Code: code}
		}
	}
	return best
}
