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
	"context"
	"sort"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/modbase/encoding/bamprovider"
	"github.com/grailbio/modbase/interval"
	"github.com/grailbio/modbase/sampling"
)

// ProfileRow is one (read, position, code) modification probability.
type ProfileRow struct {
	ReadID   string
	Ref      *sam.Reference
	RefPos   int
	FwdPos   int
	Strand   basemod.Strand
	Code     basemod.ModCode
	Prob     float32
	Inferred bool
}

// ProfileWriter consumes per-read rows.  WriteProfile is called from a
// single goroutine, one call per read, rows sorted by reference position.
type ProfileWriter interface {
	WriteProfile(rows []ProfileRow) error
}

// ExtractOpts configures Extract.
type ExtractOpts struct {
	// Table registers the countable codes; nil means DefaultCodeTable.
	Table *CodeTable
	// IgnoreCodes are collapsed out before reporting.
	IgnoreCodes []basemod.ModCode
	// Sampler optionally subsamples the reads; nil means use every read.
	Sampler *sampling.RecordSampler
	// ChunkSize is the scan window width.
	ChunkSize int
	// Region restricts extraction to one reference interval.
	Region *interval.Region
}

// Extract walks the reads of provider and reports every per-read
// modification probability, including calls inferred from the tag's skip
// mode.  The decode path is the pileup's own: one ReadCache decode per read,
// reference positions resolved through the alignment map.
func Extract(ctx context.Context, provider bamprovider.Provider, w ProfileWriter, opts *ExtractOpts) (summary Summary, err error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultOpts.ChunkSize
	}
	table := opts.Table
	if table == nil {
		table = DefaultCodeTable()
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = sampling.NewPassthroughSampler()
	}

	var shards []bamprovider.Shard
	if shards, err = provider.GenerateShards(bamprovider.GenerateShardsOpts{
		BasesPerShard: chunkSize,
		Region:        opts.Region,
	}); err != nil {
		return
	}

	count := &counters{}
	cache := NewReadCache(basemod.NewPassthroughCaller(), table, opts.IgnoreCodes)
scan:
	for _, shard := range shards {
		if err = ctx.Err(); err != nil {
			return
		}
		iter := provider.NewIterator(shard)
		for iter.Scan() {
			rec := iter.Record()
			if rec.Pos < shard.Start {
				continue // owned by the previous window
			}
			if !RecordEligible(rec) {
				atomic.AddInt64(&count.skipped, 1)
				continue
			}
			switch sampler.Ask() {
			case sampling.Done:
				if err = iter.Close(); err != nil {
					return
				}
				break scan
			case sampling.SkipRecord:
				continue
			}
			entry, decodeErr := cache.Decode(rec)
			if decodeErr != nil {
				atomic.AddInt64(&count.failed, 1)
				log.Debug.Printf("extract: dropping read: %v", decodeErr)
				continue
			}
			rows := profileRows(rec, entry)
			cache.EvictBefore(rec.End())
			if len(rows) == 0 {
				continue
			}
			sampler.RecordUsed()
			atomic.AddInt64(&count.used, 1)
			if err = w.WriteProfile(rows); err != nil {
				_ = iter.Close()
				return
			}
		}
		if err = iter.Close(); err != nil {
			return
		}
		summary.Windows++
	}
	summary.UsedReads = count.used
	summary.SkippedReads = count.skipped
	summary.FailedReads = count.failed
	return
}

// profileRows flattens one decoded read into output rows sorted by reference
// position, codes in canonical order within a position.
func profileRows(rec *sam.Record, entry *readEntry) []ProfileRow {
	positions := make([]int, 0, len(entry.probs))
	for refPos := range entry.probs {
		positions = append(positions, refPos)
	}
	sort.Ints(positions)
	strand := RecordStrand(rec)
	seq := rec.Seq.Expand()
	var rows []ProfileRow
	for _, refPos := range positions {
		probs := entry.probs[refPos]
		if probs.Len() == 0 {
			// An inferred canonical call has no explicit entries; report the
			// implied canonical state.
			base, err := basemod.ParseBase(baseAt(rec, entry, seq, refPos))
			if err != nil {
				continue
			}
			rows = append(rows, ProfileRow{
				ReadID:   rec.Name,
				Ref:      rec.Ref,
				RefPos:   refPos,
				FwdPos:   entry.fwdPos[refPos],
				Strand:   strand,
				Code:     base.CanonicalCode(),
				Prob:     probs.CanonicalProb(),
				Inferred: probs.Inferred,
			})
			continue
		}
		for _, code := range probs.Codes() {
			p, _ := probs.Prob(code)
			rows = append(rows, ProfileRow{
				ReadID:   rec.Name,
				Ref:      rec.Ref,
				RefPos:   refPos,
				FwdPos:   entry.fwdPos[refPos],
				Strand:   strand,
				Code:     code,
				Prob:     p,
				Inferred: probs.Inferred,
			})
		}
	}
	return rows
}

// baseAt returns the sequenced-strand base aligned to refPos.
func baseAt(rec *sam.Record, entry *readEntry, seq []byte, refPos int) byte {
	queryPos, ok := entry.refToQuery[refPos]
	if !ok || queryPos == queryDeleted {
		return 'N'
	}
	c := seq[queryPos]
	if rec.Flags&sam.Reverse != 0 {
		c = complementASCII(c)
	}
	return c
}
