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
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func modRecord(t *testing.T, name string, pos int, seq string, flags sam.Flags, mm string, ml []byte) *sam.Record {
	rec := &sam.Record{
		Name:  name,
		Pos:   pos,
		MapQ:  60,
		Flags: flags,
		Cigar: []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, len(seq))},
		Seq:   sam.NewSeq([]byte(seq)),
	}
	if mm != "" {
		mmAux, err := sam.NewAux(sam.NewTag("MM"), mm)
		assert.NoError(t, err)
		mlAux, err := sam.NewAux(sam.NewTag("ML"), ml)
		assert.NoError(t, err)
		rec.AuxFields = sam.AuxFields{mmAux, mlAux}
	}
	return rec
}

func expectNear(t *testing.T, got, want float32) {
	expect.True(t, math.Abs(float64(got-want)) < 1e-6, "got %v, want %v", got, want)
}

func TestReadCacheDecode(t *testing.T) {
	caller := basemod.NewCaller(0.5, nil, nil)
	cache := NewReadCache(caller, DefaultCodeTable(), nil)
	// C occurrences at query 1, 4, 5, 8; deltas 1,1 select 4 and 8.
	rec := modRecord(t, "read1", 100, "ACGTCCAGCT", 0, "C+m?,1,1;", []byte{230, 20})

	entry, err := cache.Decode(rec)
	assert.NoError(t, err)
	assert.EQ(t, len(entry.probs), 2)
	expect.EQ(t, entry.fwdPos[104], 4)
	expect.EQ(t, entry.fwdPos[108], 8)
	expect.True(t, entry.codes[basemod.CharCode('m')])

	call, ok := cache.ModCall(rec, 104, basemod.BaseC)
	assert.True(t, ok)
	expect.EQ(t, call.Kind, basemod.CallModified)
	expect.EQ(t, call.Code, basemod.CharCode('m'))
	expectNear(t, call.Prob, 230.5/256.0)

	// The 20/256 modification loses to canonical (prob ~0.92).
	call, ok = cache.ModCall(rec, 108, basemod.BaseC)
	assert.True(t, ok)
	expect.EQ(t, call.Kind, basemod.CallCanonical)

	// The skipped C at 105 carries no information under '?' mode.
	_, ok = cache.ModCall(rec, 105, basemod.BaseC)
	expect.False(t, ok)
}

func TestReadCacheReverseRead(t *testing.T) {
	cache := NewReadCache(basemod.NewCaller(0.5, nil, nil), DefaultCodeTable(), nil)
	// Forward sequence is the reverse complement AGCTGGACGT, with C at forward
	// positions 2 and 7.  Forward 2 maps to stored query 7, reference 503.
	rec := modRecord(t, "rev1", 496, "ACGTCCAGCT", sam.Reverse, "C+m?,0;", []byte{230})

	entry, err := cache.Decode(rec)
	assert.NoError(t, err)
	assert.EQ(t, len(entry.probs), 1)
	expect.EQ(t, entry.fwdPos[503], 2)
	call, ok := cache.ModCall(rec, 503, basemod.BaseC)
	assert.True(t, ok)
	expect.EQ(t, call.Kind, basemod.CallModified)
	expectNear(t, call.Prob, 230.5/256.0)
}

func TestReadCacheMemoization(t *testing.T) {
	cache := NewReadCache(basemod.NewPassthroughCaller(), DefaultCodeTable(), nil)
	rec := modRecord(t, "read1", 100, "CCCC", 0, "C+m?,0;", []byte{200})

	first, err := cache.Decode(rec)
	assert.NoError(t, err)
	second, err := cache.Decode(rec)
	assert.NoError(t, err)
	expect.True(t, first == second)
	expect.EQ(t, cache.Len(), 1)

	// A mate sharing the QNAME at a different position is a distinct entry.
	mate := modRecord(t, "read1", 300, "CCCC", 0, "C+m?,0;", []byte{200})
	_, err = cache.Decode(mate)
	assert.NoError(t, err)
	expect.EQ(t, cache.Len(), 2)
}

func TestReadCacheEviction(t *testing.T) {
	cache := NewReadCache(basemod.NewPassthroughCaller(), DefaultCodeTable(), nil)
	rec := modRecord(t, "read1", 100, "CCCC", 0, "C+m?,0;", []byte{200})
	_, err := cache.Decode(rec)
	assert.NoError(t, err)

	cache.EvictBefore(rec.End() - 1)
	expect.EQ(t, cache.Len(), 1)
	cache.EvictBefore(rec.End())
	expect.EQ(t, cache.Len(), 0)
}

func TestReadCacheUnknownCode(t *testing.T) {
	table, err := NewCodeTable([]basemod.ModCode{basemod.CharCode('m')})
	assert.NoError(t, err)
	cache := NewReadCache(basemod.NewPassthroughCaller(), table, nil)
	rec := modRecord(t, "read1", 100, "CCCC", 0, "C+h?,0;", []byte{200})

	_, err = cache.Decode(rec)
	assert.NotNil(t, err)
	ucErr, ok := err.(*UnknownCodeError)
	assert.True(t, ok)
	expect.EQ(t, ucErr.Read, "read1")
	expect.EQ(t, ucErr.Code, basemod.CharCode('h'))
	expect.EQ(t, cache.Len(), 0)
}

func TestReadCacheIgnoreCodes(t *testing.T) {
	h := basemod.CharCode('h')
	m := basemod.CharCode('m')
	cache := NewReadCache(basemod.NewPassthroughCaller(), DefaultCodeTable(), []basemod.ModCode{h})
	rec := modRecord(t, "read1", 100, "CCCC", 0, "C+hm?,0;", []byte{100, 100})

	entry, err := cache.Decode(rec)
	assert.NoError(t, err)
	probs := entry.probs[100]
	assert.True(t, probs != nil)
	assert.EQ(t, probs.Len(), 1)
	_, ok := probs.Prob(h)
	expect.False(t, ok)
	// h's mass splits evenly between m and canonical.
	p, ok := probs.Prob(m)
	assert.True(t, ok)
	expectNear(t, p, 1.5*100.5/256.0)
}

func TestAlignmentMap(t *testing.T) {
	rec := &sam.Record{
		Name: "gapped",
		Pos:  100,
		Cigar: []sam.CigarOp{
			sam.NewCigarOp(sam.CigarSoftClipped, 2),
			sam.NewCigarOp(sam.CigarMatch, 3),
			sam.NewCigarOp(sam.CigarDeletion, 2),
			sam.NewCigarOp(sam.CigarMatch, 1),
			sam.NewCigarOp(sam.CigarInsertion, 2),
			sam.NewCigarOp(sam.CigarSkipped, 10),
			sam.NewCigarOp(sam.CigarMatch, 1),
		},
	}
	got := alignmentMap(rec)
	want := map[int]int32{
		100: 2, 101: 3, 102: 4, // 3M after the soft clip
		103: queryDeleted, 104: queryDeleted,
		105: 5,
		// 106..115 intronic, absent
		116: 8, // insertion advanced the query
	}
	assert.EQ(t, got, want)
}
