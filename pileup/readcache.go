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
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/modbase/encoding/modtags"
)

// readKey identifies a cached record.  Name alone is not unique (mates share
// their QNAME), so the alignment start disambiguates.
type readKey struct {
	name string
	pos  int
}

// readEntry is the decoded modification state of one record: its tag decode
// translated into reference coordinates, performed exactly once per record.
type readEntry struct {
	// probs maps reference position to the merged probability vector of the
	// read base aligned there.  Positions absent from the map carry no
	// modification information.
	probs map[int]*basemod.BaseModProbs
	// fwdPos maps the same reference positions back to forward-sequence
	// positions, for per-read reporting.
	fwdPos map[int]int
	// refToQuery is the record's alignment map (see alignmentMap).
	refToQuery map[int]int32
	// codes are the modification codes the record's tags mention.
	codes map[basemod.ModCode]bool
	// end is the record's aligned end; the entry is evictable once the
	// traversal passes it.
	end int
}

// ReadCache memoizes per-record tag decoding for the duration of a window
// traversal.  Each record is decoded once; entries are evicted as soon as the
// traversal passes the record's aligned end, so the cache never holds more
// than the reads overlapping the active column.  Thread compatible: each
// worker owns its own cache.
type ReadCache struct {
	caller *basemod.Caller
	ignore []basemod.ModCode
	table  *CodeTable

	entries map[readKey]*readEntry
}

// NewReadCache returns an empty cache.  Calls are thresholded by caller;
// ignore codes are collapsed out of every decoded probability vector before
// calling.
func NewReadCache(caller *basemod.Caller, table *CodeTable, ignore []basemod.ModCode) *ReadCache {
	return &ReadCache{
		caller:  caller,
		ignore:  ignore,
		table:   table,
		entries: make(map[readKey]*readEntry),
	}
}

// Decode returns the cached entry for rec, decoding its tags on first use.
// Decode errors are not cached: a failed record should be dropped from the
// traversal by the caller.
func (rc *ReadCache) Decode(rec *sam.Record) (*readEntry, error) {
	key := readKey{name: rec.Name, pos: rec.Pos}
	if entry, ok := rc.entries[key]; ok {
		return entry, nil
	}
	entry, err := rc.decode(rec)
	if err != nil {
		return nil, err
	}
	rc.entries[key] = entry
	return entry, nil
}

func (rc *ReadCache) decode(rec *sam.Record) (*readEntry, error) {
	info, err := modtags.FromRecord(rec)
	if err != nil {
		return nil, err
	}
	entry := &readEntry{
		probs:      make(map[int]*basemod.BaseModProbs),
		fwdPos:     make(map[int]int),
		refToQuery: alignmentMap(rec),
		codes:      info.ModCodes(),
		end:        rec.End(),
	}
	for code := range entry.codes {
		if !rc.table.Contains(code) {
			return nil, errorUnknownCode(rec, code)
		}
	}
	if len(info.Groups) == 0 {
		return entry, nil
	}
	fwdSeq := modtags.ForwardSeq(rec)

	// Merge the groups into one forward-position map.  Distinct groups of the
	// same base (e.g. C+h and C+m written separately) contribute to the same
	// vector.
	merged := make(map[int]*basemod.BaseModProbs)
	for i := range info.Groups {
		group := &info.Groups[i]
		group.Probs.AddImplicitCalls(fwdSeq, group.CanonicalBase)
		for pos, probs := range group.Probs.Probs {
			dst, ok := merged[pos]
			if !ok {
				dst = basemod.NewBaseModProbs()
				dst.Inferred = probs.Inferred
				merged[pos] = dst
			}
			if !probs.Inferred {
				dst.Inferred = false
			}
			for _, code := range probs.Codes() {
				p, _ := probs.Prob(code)
				dst.Add(code, p)
			}
		}
	}
	for pos := range merged {
		for _, code := range rc.ignore {
			merged[pos] = merged[pos].Collapse(code)
		}
	}

	// Translate forward positions into reference positions through the
	// alignment.
	reverse := rec.Flags&sam.Reverse != 0
	seqLen := rec.Seq.Length
	for refPos, queryPos := range entry.refToQuery {
		if queryPos == queryDeleted {
			continue
		}
		fwd := int(queryPos)
		if reverse {
			fwd = seqLen - 1 - int(queryPos)
		}
		if probs, ok := merged[fwd]; ok {
			entry.probs[refPos] = probs
			entry.fwdPos[refPos] = fwd
		}
	}
	return entry, nil
}

// ModCodesForRecord returns the codes rec's tags mention, decoding if
// needed.
func (rc *ReadCache) ModCodesForRecord(rec *sam.Record) (map[basemod.ModCode]bool, error) {
	entry, err := rc.Decode(rec)
	if err != nil {
		return nil, err
	}
	return entry.codes, nil
}

// ModCall returns the thresholded call of rec's base at refPos.  ok is false
// when the read carries no modification information there (a no-call).
func (rc *ReadCache) ModCall(rec *sam.Record, refPos int, readBase basemod.DnaBase) (call basemod.BaseModCall, ok bool) {
	entry, err := rc.Decode(rec)
	if err != nil {
		return basemod.BaseModCall{}, false
	}
	probs, ok := entry.probs[refPos]
	if !ok {
		return basemod.BaseModCall{}, false
	}
	return rc.caller.Call(readBase, probs), true
}

// EvictBefore drops every entry whose record ends at or before pos.
func (rc *ReadCache) EvictBefore(pos int) {
	for key, entry := range rc.entries {
		if entry.end <= pos {
			delete(rc.entries, key)
		}
	}
}

// Len returns the number of cached entries.
func (rc *ReadCache) Len() int {
	return len(rc.entries)
}

func errorUnknownCode(rec *sam.Record, code basemod.ModCode) error {
	return &UnknownCodeError{Read: rec.Name, Code: code}
}

// UnknownCodeError reports a record whose tags mention a modification code
// absent from the run's code table.
type UnknownCodeError struct {
	Read string
	Code basemod.ModCode
}

func (e *UnknownCodeError) Error() string {
	return "pileup: read " + e.Read + " carries unregistered modification code " + e.Code.String()
}
