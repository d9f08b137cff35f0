package interval

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// regionPosMax caps the end coordinate of an unbounded region; BAM positions
// are limited to int32.
const regionPosMax = math.MaxInt32 - 1

// Region is a single reference interval with 0-based half-open coordinates.
type Region struct {
	ChrName string
	Start   int
	End     int
}

// ParseRegion parses a region string of one of the forms
//   [contig ID]:[1-based first pos]-[last pos]
//   [contig ID]:[1-based pos]
//   [contig ID]
// returning a contig name and 0-based half-open interval boundaries.  The
// interval [0, 2^31-1) is returned when there is no positional restriction.
func ParseRegion(region string) (result Region, err error) {
	result.End = regionPosMax
	colonIdx := strings.LastIndexByte(region, ':')
	if colonIdx == -1 {
		if region == "" {
			err = fmt.Errorf("interval.ParseRegion: empty region")
			return
		}
		result.ChrName = region
		return
	}
	result.ChrName = region[:colonIdx]
	if result.ChrName == "" {
		err = fmt.Errorf("interval.ParseRegion: %q has no contig ID", region)
		return
	}
	rangeStr := region[colonIdx+1:]
	dashIdx := strings.IndexByte(rangeStr, '-')
	startStr := rangeStr
	endStr := ""
	if dashIdx != -1 {
		startStr = rangeStr[:dashIdx]
		endStr = rangeStr[dashIdx+1:]
	}
	var start1 int
	if start1, err = strconv.Atoi(startStr); err != nil {
		err = fmt.Errorf("interval.ParseRegion: invalid start in %q", region)
		return
	}
	if start1 < 1 {
		err = fmt.Errorf("interval.ParseRegion: start must be 1-based in %q", region)
		return
	}
	result.Start = start1 - 1
	if dashIdx == -1 {
		// Single-position region.
		result.End = start1
		return
	}
	if result.End, err = strconv.Atoi(endStr); err != nil {
		err = fmt.Errorf("interval.ParseRegion: invalid end in %q", region)
		return
	}
	if result.End <= result.Start {
		err = fmt.Errorf("interval.ParseRegion: empty interval in %q", region)
		return
	}
	return
}
