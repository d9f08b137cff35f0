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

package pileup_test

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/modbase/encoding/bamprovider"
	"github.com/grailbio/modbase/interval"
	"github.com/grailbio/modbase/pileup"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func newTestHeader(t *testing.T) *sam.Header {
	chr1, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	assert.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1})
	assert.NoError(t, err)
	return header
}

func makeRead(t *testing.T, ref *sam.Reference, name string, pos int, seq string, flags sam.Flags, mm string, ml []byte) *sam.Record {
	rec := &sam.Record{
		Name:  name,
		Ref:   ref,
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

// collectWriter flattens window results into one position list.
type collectWriter struct {
	positions []pileup.PositionCounts
	starts    []int
}

func (w *collectWriter) Write(res *pileup.Result) error {
	w.starts = append(w.starts, res.Start)
	w.positions = append(w.positions, res.Positions...)
	return nil
}

func (w *collectWriter) rowsAt(pos int) []pileup.FeatureCounts {
	for _, pc := range w.positions {
		if pc.Pos == pos {
			return pc.Rows
		}
	}
	return nil
}

func expectNear(t *testing.T, got, want float32) {
	expect.True(t, math.Abs(float64(got-want)) < 1e-6, "got %v, want %v", got, want)
}

func TestPileup(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	m := basemod.CharCode('m')
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		// Implicit skip mode: query 1 carries an explicit low probability, the
		// other Cs become inferred canonical calls.
		makeRead(t, chr1, "fwd1", 100, "CCCC", 0, "C+m,1;", []byte{20}),
		// Reverse read: forward position 2 (stored query 7) maps to reference
		// 503 with a modification probability of ~0.9.
		makeRead(t, chr1, "rev1", 496, "ACGTCCAGCT", sam.Reverse, "C+m?,0;", []byte{230}),
	})
	w := &collectWriter{}
	summary, err := pileup.Pileup(context.Background(), provider, w, &pileup.Opts{
		Caller: basemod.NewCaller(0.5, nil, nil),
	})
	assert.NoError(t, err)
	expect.EQ(t, summary.UsedReads, int64(2))
	expect.EQ(t, summary.Windows, int64(1))
	expect.EQ(t, summary.FailedWindows, int64(0))

	// fwd1 contributes canonical rows at 100..103; rev1 only at 503 (its other
	// positions carry no information under '?' skip mode).
	assert.EQ(t, len(w.positions), 5)
	for _, pos := range []int{100, 101, 102, 103} {
		rows := w.rowsAt(pos)
		assert.EQ(t, len(rows), 1, "pos=%d", pos)
		expect.EQ(t, rows[0].Strand, basemod.StrandFwd)
		expect.EQ(t, rows[0].Code, m)
		expect.EQ(t, rows[0].NCanonical, uint32(1))
		expect.EQ(t, rows[0].NModified, uint32(0))
		expect.EQ(t, rows[0].FilteredCoverage, uint32(1))
	}
	rows := w.rowsAt(503)
	assert.EQ(t, len(rows), 1)
	expect.EQ(t, rows[0].Strand, basemod.StrandRev)
	expect.EQ(t, rows[0].Code, m)
	expect.EQ(t, rows[0].NModified, uint32(1))
	expect.EQ(t, rows[0].NCanonical, uint32(0))
	expect.EQ(t, rows[0].FilteredCoverage, uint32(1))
	expectNear(t, rows[0].FractionModified, 1.0)
}

func TestPileupThresholdSplit(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		// ~0.80: passes the 0.6 threshold.
		makeRead(t, chr1, "hi", 100, "CCCC", 0, "C+m?,0;", []byte{204}),
		// ~0.51: the winning call is filtered out.
		makeRead(t, chr1, "lo", 100, "CCCC", 0, "C+m?,0;", []byte{130}),
	})
	w := &collectWriter{}
	_, err := pileup.Pileup(context.Background(), provider, w, &pileup.Opts{
		Caller: basemod.NewCaller(0.6, nil, nil),
	})
	assert.NoError(t, err)
	rows := w.rowsAt(100)
	assert.EQ(t, len(rows), 1)
	expect.EQ(t, rows[0].NModified, uint32(1))
	expect.EQ(t, rows[0].NFiltered, uint32(1))
	expect.EQ(t, rows[0].FilteredCoverage, uint32(1))
	expectNear(t, rows[0].FractionModified, 1.0)
}

func TestPileupCombineMode(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	recs := []*sam.Record{
		makeRead(t, chr1, "read1", 100, "CCCC", 0, "C+hm?,0;", []byte{100, 120}),
	}
	opts := pileup.Opts{Caller: basemod.NewCaller(0.25, nil, nil)}

	w := &collectWriter{}
	_, err := pileup.Pileup(context.Background(), bamprovider.NewFakeProvider(header, recs), w, &opts)
	assert.NoError(t, err)
	rows := w.rowsAt(100)
	// Both codes were observed, so passthrough emits an h row and an m row.
	assert.EQ(t, len(rows), 2)
	expect.EQ(t, rows[0].Code, basemod.CharCode('h'))
	expect.EQ(t, rows[0].NModified, uint32(0))
	expect.EQ(t, rows[0].NOtherModified, uint32(1))
	expect.EQ(t, rows[1].Code, basemod.CharCode('m'))
	expect.EQ(t, rows[1].NModified, uint32(1))

	opts.Mode = pileup.ModeCombine
	w = &collectWriter{}
	_, err = pileup.Pileup(context.Background(), bamprovider.NewFakeProvider(header, recs), w, &opts)
	assert.NoError(t, err)
	rows = w.rowsAt(100)
	assert.EQ(t, len(rows), 1)
	expect.EQ(t, rows[0].Code, basemod.CharCode('C'))
	expect.EQ(t, rows[0].NModified, uint32(1))
	expect.EQ(t, rows[0].FilteredCoverage, uint32(1))
}

func TestPileupIncludeExclude(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	recs := []*sam.Record{
		makeRead(t, chr1, "fwd1", 100, "CCCC", 0, "C+m,1;", []byte{20}),
	}
	bed := "chr1\t101\t102\tsite\t0\t+\n"

	include, err := interval.NewStrandedPositionFilter(strings.NewReader(bed), header)
	assert.NoError(t, err)
	w := &collectWriter{}
	_, err = pileup.Pileup(context.Background(), bamprovider.NewFakeProvider(header, recs), w, &pileup.Opts{
		Caller:  basemod.NewCaller(0.5, nil, nil),
		Include: include,
	})
	assert.NoError(t, err)
	assert.EQ(t, len(w.positions), 1)
	expect.EQ(t, w.positions[0].Pos, 101)

	exclude, err := interval.NewStrandedPositionFilter(strings.NewReader(bed), header)
	assert.NoError(t, err)
	w = &collectWriter{}
	_, err = pileup.Pileup(context.Background(), bamprovider.NewFakeProvider(header, recs), w, &pileup.Opts{
		Caller:  basemod.NewCaller(0.5, nil, nil),
		Exclude: exclude,
	})
	assert.NoError(t, err)
	assert.EQ(t, len(w.positions), 3)
	expect.True(t, w.rowsAt(101) == nil)
}

func TestPileupCounters(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		makeRead(t, chr1, "good", 100, "CCCC", 0, "C+m?,0;", []byte{200}),
		makeRead(t, chr1, "secondary", 200, "CCCC", sam.Secondary, "C+m?,0;", []byte{200}),
		// Delta overruns the sequence.
		makeRead(t, chr1, "broken", 300, "CCCC", 0, "C+m?,9;", []byte{200}),
	})
	w := &collectWriter{}
	summary, err := pileup.Pileup(context.Background(), provider, w, &pileup.Opts{})
	assert.NoError(t, err)
	expect.EQ(t, summary.UsedReads, int64(1))
	expect.EQ(t, summary.SkippedReads, int64(1))
	expect.EQ(t, summary.FailedReads, int64(1))
}

func TestPileupWindowOrder(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	// The read spans the 100 window boundary: fetched by both windows, tallied
	// once, positions split between them.
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		makeRead(t, chr1, "spanning", 95, "CCCCCCCCCC", 0, "C+m,0;", []byte{250}),
	})
	w := &collectWriter{}
	summary, err := pileup.Pileup(context.Background(), provider, w, &pileup.Opts{
		Caller:      basemod.NewCaller(0.5, nil, nil),
		ChunkSize:   50,
		Parallelism: 4,
	})
	assert.NoError(t, err)
	expect.EQ(t, summary.UsedReads, int64(1))
	expect.EQ(t, summary.Windows, int64(20))
	for i := 1; i < len(w.starts); i++ {
		expect.True(t, w.starts[i-1] < w.starts[i])
	}
	assert.EQ(t, len(w.positions), 10)
	for i, pc := range w.positions {
		expect.EQ(t, pc.Pos, 95+i)
	}
}

func TestPileupRegion(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	recs := []*sam.Record{
		makeRead(t, chr1, "fwd1", 100, "CCCC", 0, "C+m,1;", []byte{20}),
	}
	w := &collectWriter{}
	region := interval.Region{ChrName: "chr1", Start: 101, End: 103}
	_, err := pileup.Pileup(context.Background(), bamprovider.NewFakeProvider(header, recs), w, &pileup.Opts{
		Caller: basemod.NewCaller(0.5, nil, nil),
		Region: &region,
	})
	assert.NoError(t, err)
	assert.EQ(t, len(w.positions), 2)
	expect.EQ(t, w.positions[0].Pos, 101)
	expect.EQ(t, w.positions[1].Pos, 102)

	region = interval.Region{ChrName: "chrX", Start: 0, End: 100}
	_, err = pileup.Pileup(context.Background(), bamprovider.NewFakeProvider(header, recs), w, &pileup.Opts{
		Region: &region,
	})
	expect.NotNil(t, err)
}
