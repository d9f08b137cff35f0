package interval

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/biogo/store/interval"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/klauspost/compress/gzip"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// posInterval is a [start, end) half-open interval node for
// biogo/store/interval trees.
type posInterval struct {
	start, end int
	id         uintptr
}

func (iv posInterval) Overlap(b interval.IntRange) bool {
	return iv.end > b.Start && iv.start < b.End
}

func (iv posInterval) ID() uintptr { return iv.id }

func (iv posInterval) Range() interval.IntRange {
	return interval.IntRange{Start: iv.start, End: iv.end}
}

// StrandedPositionFilter answers "is reference position p on strand s
// included?" queries against a set of BED intervals.  Each strand carries its
// own per-reference interval tree; a BED line with strand '.' populates both.
// The filter is read-only after construction and safe for concurrent use.
type StrandedPositionFilter struct {
	// trees[strand] maps sam.Header reference ID to the merged interval tree
	// for that strand.
	trees [basemod.NStrand]map[int]*interval.IntTree
}

// Contains reports whether position pos of reference refID is covered on
// strand.  References absent from the BED always report false.
func (f *StrandedPositionFilter) Contains(refID int, pos int, strand basemod.Strand) bool {
	tree, ok := f.trees[strand][refID]
	if !ok {
		return false
	}
	return len(tree.Get(posInterval{start: pos, end: pos + 1})) > 0
}

// ContainsInterval reports whether any part of [start, end) of reference
// refID is covered on strand.
func (f *StrandedPositionFilter) ContainsInterval(refID, start, end int, strand basemod.Strand) bool {
	tree, ok := f.trees[strand][refID]
	if !ok {
		return false
	}
	return len(tree.Get(posInterval{start: start, end: end})) > 0
}

// rawInterval accumulates unmerged BED intervals before tree construction.
type rawInterval struct {
	start, end int
}

// scanStrandedBED reads 6-column BED lines, resolving chromosome names
// against header and bucketing intervals per (strand, refID).  Lines naming
// chromosomes absent from the header are skipped; one warning is logged per
// such chromosome.
func scanStrandedBED(scanner *bufio.Scanner, header *sam.Header) (raw [basemod.NStrand]map[int][]rawInterval, err error) {
	for s := range raw {
		raw[s] = make(map[int][]rawInterval)
	}
	refIDs := make(map[string]int)
	for _, ref := range header.Refs() {
		refIDs[ref.Name()] = ref.ID()
	}
	warned := make(map[string]bool)
	var tokens [6][]byte
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		curLine := scanner.Bytes()
		nToken := getTokens(tokens[:], curLine)
		if nToken == 0 {
			continue
		}
		first := string(tokens[0])
		if first == "track" || first == "browser" || first[0] == '#' {
			continue
		}
		if nToken < 6 {
			err = fmt.Errorf("interval.scanStrandedBED: line %d: a stranded BED needs 6+ columns", lineIdx)
			return
		}
		refID, known := refIDs[first]
		if !known {
			if !warned[first] {
				warned[first] = true
				log.Printf("BED names chromosome %s, absent from the BAM header; skipping its lines", first)
			}
			continue
		}
		var start, end int
		if start, err = strconv.Atoi(string(tokens[1])); err != nil {
			err = fmt.Errorf("interval.scanStrandedBED: line %d: bad start: %v", lineIdx, err)
			return
		}
		if end, err = strconv.Atoi(string(tokens[2])); err != nil {
			err = fmt.Errorf("interval.scanStrandedBED: line %d: bad end: %v", lineIdx, err)
			return
		}
		if start < 0 || end < start {
			err = fmt.Errorf("interval.scanStrandedBED: line %d: invalid interval [%d, %d)", lineIdx, start, end)
			return
		}
		if end == start {
			continue
		}
		switch tokens[5][0] {
		case '+':
			raw[basemod.StrandFwd][refID] = append(raw[basemod.StrandFwd][refID], rawInterval{start, end})
		case '-':
			raw[basemod.StrandRev][refID] = append(raw[basemod.StrandRev][refID], rawInterval{start, end})
		case '.':
			raw[basemod.StrandFwd][refID] = append(raw[basemod.StrandFwd][refID], rawInterval{start, end})
			raw[basemod.StrandRev][refID] = append(raw[basemod.StrandRev][refID], rawInterval{start, end})
		default:
			err = fmt.Errorf("interval.scanStrandedBED: line %d: bad strand %q", lineIdx, tokens[5][0])
			return
		}
	}
	err = scanner.Err()
	return
}

// buildTree merges overlapping/touching intervals, then freezes them into an
// interval tree.  Merging first keeps the tree minimal and makes coverage
// queries single-node lookups.  The input must be sorted by caller.
func buildTree(intervals []rawInterval, nextID *uintptr) *interval.IntTree {
	tree := &interval.IntTree{}
	prev := rawInterval{start: -1, end: -1}
	insert := func(iv rawInterval) {
		_ = tree.Insert(posInterval{start: iv.start, end: iv.end, id: *nextID}, true)
		*nextID++
	}
	for _, iv := range intervals {
		if prev.end < 0 {
			prev = iv
			continue
		}
		if iv.start > prev.end {
			insert(prev)
			prev = iv
		} else if iv.end > prev.end {
			prev.end = iv.end
		}
	}
	if prev.end >= 0 {
		insert(prev)
	}
	tree.AdjustRanges()
	return tree
}

// NewStrandedPositionFilter builds a filter from 6-column BED text.  Input
// intervals must be position-sorted within each chromosome (the usual state
// of a BED file); overlapping and abutting intervals are merged.
func NewStrandedPositionFilter(reader io.Reader, header *sam.Header) (filter *StrandedPositionFilter, err error) {
	scanner := bufio.NewScanner(reader)
	var raw [basemod.NStrand]map[int][]rawInterval
	if raw, err = scanStrandedBED(scanner, header); err != nil {
		return
	}
	filter = &StrandedPositionFilter{}
	var nextID uintptr
	nPos := 0
	for s := range raw {
		filter.trees[s] = make(map[int]*interval.IntTree)
		for refID, intervals := range raw[s] {
			for i := 1; i < len(intervals); i++ {
				if intervals[i].start < intervals[i-1].start {
					err = fmt.Errorf("interval.NewStrandedPositionFilter: unsorted input for reference ID %d", refID)
					return
				}
			}
			tree := buildTree(intervals, &nextID)
			filter.trees[s][refID] = tree
			tree.Do(func(e interval.IntInterface) bool {
				r := e.Range()
				nPos += r.End - r.Start
				return false
			})
		}
	}
	log.Debug.Printf("stranded BED loaded, %d stranded position(s) covered", nPos)
	return
}

// NewStrandedPositionFilterFromPath is a wrapper for NewStrandedPositionFilter
// that takes a path instead of an io.Reader, with transparent gzip support.
func NewStrandedPositionFilterFromPath(path string, header *sam.Header) (filter *StrandedPositionFilter, err error) {
	ctx := vcontext.Background()
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	return NewStrandedPositionFilter(reader, header)
}
