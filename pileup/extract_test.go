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
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/modbase/encoding/bamprovider"
	"github.com/grailbio/modbase/pileup"
	"github.com/grailbio/modbase/sampling"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

type collectProfileWriter struct {
	rows []pileup.ProfileRow
}

func (w *collectProfileWriter) WriteProfile(rows []pileup.ProfileRow) error {
	w.rows = append(w.rows, rows...)
	return nil
}

func TestExtract(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	m := basemod.CharCode('m')
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		makeRead(t, chr1, "fwd1", 100, "ACGTCCAGCT", 0, "C+m?,1,1;", []byte{230, 20}),
	})
	w := &collectProfileWriter{}
	summary, err := pileup.Extract(context.Background(), provider, w, &pileup.ExtractOpts{})
	assert.NoError(t, err)
	expect.EQ(t, summary.UsedReads, int64(1))

	assert.EQ(t, len(w.rows), 2)
	expect.EQ(t, w.rows[0].ReadID, "fwd1")
	expect.EQ(t, w.rows[0].RefPos, 104)
	expect.EQ(t, w.rows[0].FwdPos, 4)
	expect.EQ(t, w.rows[0].Strand, basemod.StrandFwd)
	expect.EQ(t, w.rows[0].Code, m)
	expectNear(t, w.rows[0].Prob, 230.5/256.0)
	expect.False(t, w.rows[0].Inferred)
	expect.EQ(t, w.rows[1].RefPos, 108)
	expectNear(t, w.rows[1].Prob, 20.5/256.0)
}

func TestExtractInferred(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		makeRead(t, chr1, "fwd1", 100, "CCCC", 0, "C+m,1;", []byte{20}),
	})
	w := &collectProfileWriter{}
	_, err := pileup.Extract(context.Background(), provider, w, &pileup.ExtractOpts{})
	assert.NoError(t, err)

	// Every C is reported: explicit at 101, inferred canonical elsewhere.
	assert.EQ(t, len(w.rows), 4)
	for i, row := range w.rows {
		expect.EQ(t, row.RefPos, 100+i)
	}
	expect.False(t, w.rows[1].Inferred)
	expect.EQ(t, w.rows[1].Code, basemod.CharCode('m'))
	for _, i := range []int{0, 2, 3} {
		expect.True(t, w.rows[i].Inferred, "row=%d", i)
		expect.EQ(t, w.rows[i].Code, basemod.CharCode('C'))
		expectNear(t, w.rows[i].Prob, 1.0)
	}
}

func TestExtractReverseRead(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		makeRead(t, chr1, "rev1", 496, "ACGTCCAGCT", sam.Reverse, "C+m?,0;", []byte{230}),
	})
	w := &collectProfileWriter{}
	_, err := pileup.Extract(context.Background(), provider, w, &pileup.ExtractOpts{})
	assert.NoError(t, err)
	assert.EQ(t, len(w.rows), 1)
	expect.EQ(t, w.rows[0].RefPos, 503)
	expect.EQ(t, w.rows[0].FwdPos, 2)
	expect.EQ(t, w.rows[0].Strand, basemod.StrandRev)
	expectNear(t, w.rows[0].Prob, 230.5/256.0)
}

func TestExtractQuota(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		makeRead(t, chr1, "read1", 100, "CCCC", 0, "C+m?,0;", []byte{200}),
		makeRead(t, chr1, "read2", 200, "CCCC", 0, "C+m?,0;", []byte{200}),
	})
	w := &collectProfileWriter{}
	summary, err := pileup.Extract(context.Background(), provider, w, &pileup.ExtractOpts{
		Sampler: sampling.NewQuotaSampler(1),
	})
	assert.NoError(t, err)
	expect.EQ(t, summary.UsedReads, int64(1))
	assert.EQ(t, len(w.rows), 1)
	expect.EQ(t, w.rows[0].ReadID, "read1")
}

func TestExtractUndecodable(t *testing.T) {
	header := newTestHeader(t)
	chr1 := header.Refs()[0]
	provider := bamprovider.NewFakeProvider(header, []*sam.Record{
		makeRead(t, chr1, "broken", 100, "CCCC", 0, "C+m?,9;", []byte{200}),
	})
	w := &collectProfileWriter{}
	summary, err := pileup.Extract(context.Background(), provider, w, &pileup.ExtractOpts{})
	assert.NoError(t, err)
	expect.EQ(t, summary.UsedReads, int64(0))
	expect.EQ(t, summary.FailedReads, int64(1))
	expect.EQ(t, len(w.rows), 0)
}
