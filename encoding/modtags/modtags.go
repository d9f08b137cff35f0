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

// Package modtags decodes the MM and ML auxiliary tags carrying base
// modification probabilities, as defined in the SAMtags specification.  The
// decoded form maps forward-sequence positions (positions in the read as
// sequenced, before any reverse-complementing by the aligner) to
// basemod.BaseModProbs.
package modtags

import (
	"strconv"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/pkg/errors"
)

var (
	mmTag    = sam.NewTag("MM")
	mlTag    = sam.NewTag("ML")
	mmTagOld = sam.NewTag("Mm")
	mlTagOld = sam.NewTag("Ml")
)

// SkipMode describes how bases absent from an MM group are to be
// interpreted.
type SkipMode int8

const (
	// SkipImplicit (no flag character, or '.') means unmentioned bases carry
	// an implicit canonical call.
	SkipImplicit SkipMode = iota
	// SkipAmbiguous ('?') means nothing is known about unmentioned bases.
	SkipAmbiguous
)

// SeqPosModProbs maps forward-sequence positions to modification probability
// vectors for one MM group.
type SeqPosModProbs struct {
	SkipMode SkipMode
	Probs    map[int]*basemod.BaseModProbs
}

// AddImplicitCalls synthesizes Inferred canonical probability vectors for
// every occurrence of base in fwdSeq that the group did not mention.  It is a
// no-op under SkipAmbiguous.
func (s *SeqPosModProbs) AddImplicitCalls(fwdSeq []byte, base byte) {
	if s.SkipMode != SkipImplicit {
		return
	}
	for pos, c := range fwdSeq {
		if c != base && base != 'N' {
			continue
		}
		if _, ok := s.Probs[pos]; ok {
			continue
		}
		probs := basemod.NewBaseModProbs()
		probs.Inferred = true
		s.Probs[pos] = probs
	}
}

// BaseModData is the decoded form of one MM group: probabilities for one
// (canonical base, modification strand) pair.
type BaseModData struct {
	// CanonicalBase is the base character the group applies to, as it appears
	// in the forward sequence ('A', 'C', 'G', 'T', or 'N' for any).
	CanonicalBase byte
	// ModStrand is '+' when the modification is on the sequenced strand, '-'
	// for the opposite strand (duplex calls).
	ModStrand byte
	// Codes lists the group's modification codes in tag order.
	Codes []basemod.ModCode
	Probs SeqPosModProbs
}

// ModBaseInfo is the decoded modification content of one record.
type ModBaseInfo struct {
	Groups []BaseModData
}

// ModCodes returns the set of modification codes present across all groups.
func (m *ModBaseInfo) ModCodes() map[basemod.ModCode]bool {
	codes := make(map[basemod.ModCode]bool)
	for i := range m.Groups {
		for _, code := range m.Groups[i].Codes {
			codes[code] = true
		}
	}
	return codes
}

// HasTags reports whether rec carries an MM tag (current- or old-style).
func HasTags(rec *sam.Record) bool {
	return rec.AuxFields.Get(mmTag) != nil || rec.AuxFields.Get(mmTagOld) != nil
}

// ForwardSeq returns the read sequence in sequencing orientation: the stored
// sequence reverse-complemented when the record is reverse-strand aligned.
func ForwardSeq(rec *sam.Record) []byte {
	seq := rec.Seq.Expand()
	if rec.Flags&sam.Reverse == 0 {
		return seq
	}
	out := make([]byte, len(seq))
	for i, c := range seq {
		out[len(seq)-1-i] = complementChar(c)
	}
	return out
}

func complementChar(c byte) byte {
	switch c {
	case 'A', 'a':
		return 'T'
	case 'C', 'c':
		return 'G'
	case 'G', 'g':
		return 'C'
	case 'T', 't':
		return 'A'
	}
	return 'N'
}

// mmGroup is one unparsed MM group header plus its delta list.
type mmGroup struct {
	base     byte
	strand   byte
	codes    []basemod.ModCode
	skipMode SkipMode
	deltas   []int
}

// parseMM splits the MM tag value (e.g. "C+h?,5,2,0;A+a.,0;") into groups.
func parseMM(value string) (groups []mmGroup, err error) {
	for len(value) > 0 {
		semiIdx := -1
		for i := 0; i < len(value); i++ {
			if value[i] == ';' {
				semiIdx = i
				break
			}
		}
		if semiIdx == -1 {
			return nil, errors.Errorf("modtags: MM group %q not ';'-terminated", value)
		}
		groupStr := value[:semiIdx]
		value = value[semiIdx+1:]
		if groupStr == "" {
			continue
		}
		var group mmGroup
		if group, err = parseMMGroup(groupStr); err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func parseMMGroup(groupStr string) (group mmGroup, err error) {
	if len(groupStr) < 3 {
		return group, errors.Errorf("modtags: truncated MM group %q", groupStr)
	}
	switch groupStr[0] {
	case 'A', 'C', 'G', 'T', 'N':
		group.base = groupStr[0]
	default:
		return group, errors.Errorf("modtags: bad fundamental base in MM group %q", groupStr)
	}
	switch groupStr[1] {
	case '+', '-':
		group.strand = groupStr[1]
	default:
		return group, errors.Errorf("modtags: bad strand in MM group %q", groupStr)
	}
	// The code run extends to the first ',', with an optional trailing '?' or
	// '.'.  A run of digits is a single ChEBI accession; otherwise each
	// character is a code.
	commaIdx := len(groupStr)
	for i := 2; i < len(groupStr); i++ {
		if groupStr[i] == ',' {
			commaIdx = i
			break
		}
	}
	codeStr := groupStr[2:commaIdx]
	group.skipMode = SkipImplicit
	if n := len(codeStr); n > 0 {
		switch codeStr[n-1] {
		case '?':
			group.skipMode = SkipAmbiguous
			codeStr = codeStr[:n-1]
		case '.':
			codeStr = codeStr[:n-1]
		}
	}
	if codeStr == "" {
		return group, errors.Errorf("modtags: no modification codes in MM group %q", groupStr)
	}
	allDigits := true
	for i := 0; i < len(codeStr); i++ {
		if codeStr[i] < '0' || codeStr[i] > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		id, convErr := strconv.ParseInt(codeStr, 10, 32)
		if convErr != nil {
			return group, errors.Wrapf(convErr, "modtags: bad ChEBI code in MM group %q", groupStr)
		}
		group.codes = []basemod.ModCode{basemod.ChEBICode(int32(id))}
	} else {
		for i := 0; i < len(codeStr); i++ {
			group.codes = append(group.codes, basemod.CharCode(codeStr[i]))
		}
	}
	for commaIdx < len(groupStr) {
		next := len(groupStr)
		for i := commaIdx + 1; i < len(groupStr); i++ {
			if groupStr[i] == ',' {
				next = i
				break
			}
		}
		delta, convErr := strconv.Atoi(groupStr[commaIdx+1 : next])
		if convErr != nil || delta < 0 {
			return group, errors.Errorf("modtags: bad delta in MM group %q", groupStr)
		}
		group.deltas = append(group.deltas, delta)
		commaIdx = next
	}
	return group, nil
}

// mlValues extracts the ML probability byte array.
func mlValues(rec *sam.Record) ([]byte, error) {
	aux := rec.AuxFields.Get(mlTag)
	if aux == nil {
		if aux = rec.AuxFields.Get(mlTagOld); aux == nil {
			return nil, errors.New("modtags: MM tag without ML tag")
		}
	}
	switch v := aux.Value().(type) {
	case []uint8:
		return v, nil
	}
	return nil, errors.Errorf("modtags: ML tag of %s is not a uint8 array", rec.Name)
}

// FromRecord decodes a record's MM/ML tags.  The returned positions index the
// forward sequence.  Records with no MM tag return an empty ModBaseInfo.
// Malformed tags, delta runs past the end of the sequence, and ML length
// mismatches are errors; the caller is expected to treat them as bad input
// and skip the record.
func FromRecord(rec *sam.Record) (info *ModBaseInfo, err error) {
	info = &ModBaseInfo{}
	aux := rec.AuxFields.Get(mmTag)
	if aux == nil {
		if aux = rec.AuxFields.Get(mmTagOld); aux == nil {
			return info, nil
		}
	}
	mmValue, ok := aux.Value().(string)
	if !ok {
		return nil, errors.Errorf("modtags: MM tag of %s is not a string", rec.Name)
	}
	var groups []mmGroup
	if groups, err = parseMM(mmValue); err != nil {
		return nil, errors.Wrapf(err, "record %s", rec.Name)
	}
	if len(groups) == 0 {
		return info, nil
	}
	if rec.Seq.Length == 0 {
		return nil, errors.Errorf("modtags: record %s has MM tag but no sequence", rec.Name)
	}
	var ml []byte
	if ml, err = mlValues(rec); err != nil {
		return nil, err
	}
	fwdSeq := ForwardSeq(rec)
	mlIdx := 0
	for _, group := range groups {
		data := BaseModData{
			CanonicalBase: group.base,
			ModStrand:     group.strand,
			Codes:         group.codes,
			Probs: SeqPosModProbs{
				SkipMode: group.skipMode,
				Probs:    make(map[int]*basemod.BaseModProbs, len(group.deltas)),
			},
		}
		seqPos := 0
		for _, delta := range group.deltas {
			// Advance past delta occurrences of the fundamental base, then
			// land on the next one.
			toSkip := delta
			found := -1
			for ; seqPos < len(fwdSeq); seqPos++ {
				if group.base != 'N' && fwdSeq[seqPos] != group.base {
					continue
				}
				if toSkip == 0 {
					found = seqPos
					seqPos++
					break
				}
				toSkip--
			}
			if found == -1 {
				return nil, errors.Errorf("modtags: record %s: MM delta overruns the sequence", rec.Name)
			}
			if mlIdx+len(group.codes) > len(ml) {
				return nil, errors.Errorf("modtags: record %s: ML tag too short", rec.Name)
			}
			probs := basemod.NewBaseModProbs()
			for _, code := range group.codes {
				probs.Add(code, quantizedProb(ml[mlIdx]))
				mlIdx++
			}
			data.Probs.Probs[found] = probs
		}
		info.Groups = append(info.Groups, data)
	}
	if mlIdx != len(ml) {
		return nil, errors.Errorf("modtags: record %s: ML tag has %d unconsumed value(s)", rec.Name, len(ml)-mlIdx)
	}
	return info, nil
}

// quantizedProb maps an ML byte to the midpoint of its probability bucket.
func quantizedProb(v byte) float32 {
	return (float32(v) + 0.5) / 256.0
}
