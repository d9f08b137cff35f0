package interval

import (
	"strings"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func makeTestHeader(t *testing.T) *sam.Header {
	chr1, err := sam.NewReference("chr1", "", "", 10000, nil, nil)
	assert.NoError(t, err)
	chr2, err := sam.NewReference("chr2", "", "", 10000, nil, nil)
	assert.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	assert.NoError(t, err)
	return header
}

func TestStrandedPositionFilter(t *testing.T) {
	bed := strings.Join([]string{
		"chr1\t100\t200\tr1\t0\t+",
		"chr1\t150\t300\tr2\t0\t+", // overlaps r1; merged
		"chr1\t400\t500\tr3\t0\t-",
		"chr2\t10\t20\tr4\t0\t.", // both strands
	}, "\n")
	filter, err := NewStrandedPositionFilter(strings.NewReader(bed), makeTestHeader(t))
	assert.NoError(t, err)

	expect.True(t, filter.Contains(0, 100, basemod.StrandFwd))
	expect.True(t, filter.Contains(0, 250, basemod.StrandFwd)) // inside merged region
	expect.False(t, filter.Contains(0, 300, basemod.StrandFwd))
	expect.False(t, filter.Contains(0, 99, basemod.StrandFwd))
	expect.False(t, filter.Contains(0, 100, basemod.StrandRev))
	expect.True(t, filter.Contains(0, 400, basemod.StrandRev))
	expect.True(t, filter.Contains(1, 15, basemod.StrandFwd))
	expect.True(t, filter.Contains(1, 15, basemod.StrandRev))
	// Absent reference ID.
	expect.False(t, filter.Contains(7, 15, basemod.StrandFwd))

	expect.True(t, filter.ContainsInterval(0, 0, 150, basemod.StrandFwd))
	expect.False(t, filter.ContainsInterval(0, 0, 100, basemod.StrandFwd))
}

func TestStrandedPositionFilterSkipsUnknownChrom(t *testing.T) {
	bed := "chrUn\t0\t100\tr1\t0\t+\nchr1\t5\t6\tr2\t0\t+\n"
	filter, err := NewStrandedPositionFilter(strings.NewReader(bed), makeTestHeader(t))
	assert.NoError(t, err)
	expect.True(t, filter.Contains(0, 5, basemod.StrandFwd))
}

func TestStrandedPositionFilterErrors(t *testing.T) {
	header := makeTestHeader(t)
	for _, bed := range []string{
		"chr1\t100\t200",                       // too few columns
		"chr1\t100\t200\tr\t0\tx",              // bad strand
		"chr1\tabc\t200\tr\t0\t+",              // bad start
		"chr1\t300\t200\tr\t0\t+",              // end < start
		"chr1\t300\t400\tr\t0\t+\nchr1\t100\t200\tr\t0\t+", // unsorted
	} {
		_, err := NewStrandedPositionFilter(strings.NewReader(bed), header)
		expect.NotNil(t, err, "bed=%q", bed)
	}
}

func TestChunks(t *testing.T) {
	chunks := NewChunks(0, 250, 100)
	expect.EQ(t, chunks.Len(), 3)
	type window struct{ start, end int }
	var got []window
	for {
		start, end, ok := chunks.Next()
		if !ok {
			break
		}
		got = append(got, window{start, end})
	}
	expect.EQ(t, got, []window{{0, 100}, {100, 200}, {200, 250}})

	// Restartable.
	chunks.Reset()
	start, end, ok := chunks.Next()
	expect.True(t, ok)
	expect.EQ(t, start, 0)
	expect.EQ(t, end, 100)

	// Exact multiple, and empty range.
	expect.EQ(t, NewChunks(10, 210, 100).Len(), 2)
	empty := NewChunks(5, 5, 100)
	expect.EQ(t, empty.Len(), 0)
	_, _, ok = empty.Next()
	expect.False(t, ok)
}

func TestParseRegion(t *testing.T) {
	r, err := ParseRegion("chr1")
	assert.NoError(t, err)
	expect.EQ(t, r, Region{ChrName: "chr1", Start: 0, End: regionPosMax})

	r, err = ParseRegion("chr1:500")
	assert.NoError(t, err)
	expect.EQ(t, r, Region{ChrName: "chr1", Start: 499, End: 500})

	r, err = ParseRegion("chr1:1000-2000")
	assert.NoError(t, err)
	expect.EQ(t, r, Region{ChrName: "chr1", Start: 999, End: 2000})

	for _, s := range []string{"", ":100-200", "chr1:0-10", "chr1:x-10", "chr1:200-100", "chr1:100-x"} {
		_, err = ParseRegion(s)
		expect.NotNil(t, err, "region=%q", s)
	}
}
