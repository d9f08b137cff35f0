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

// Package pileup aggregates base-modification calls across the reads
// covering each reference position, producing per-position, per-strand,
// per-code counts suitable for bedMethyl output.
package pileup

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/modbase/encoding/bamprovider"
	"github.com/grailbio/modbase/interval"
)

/*
Pileup traversal strategy:

1. The mapped genome (or the requested region) is split into fixed-width
   windows, each on a single reference.  Windows are the unit of work
   distribution.

2. A fixed pool of workers consumes windows in order.  Each worker opens its
   own provider iterator, so there is no contention on reader state.  The
   iterator yields every record overlapping the window, including records
   starting before it; a record's tags are decoded at most once per window by
   the worker's ReadCache, and evicted as soon as the traversal passes the
   record's aligned end.

3. Within a window the worker sweeps positions left to right, maintaining the
   set of reads covering the current column.  Each covering read contributes
   exactly one feature to the column's FeatureVector (delete / filtered /
   no-call / thresholded call); the vector is a flat counter block reused
   across positions.  Decoding the vector against the column's observed code
   set yields the output rows.

4. Results flow through a bounded queue of single-use channels.  The producer
   enqueues a channel per window before dispatching the window, so the
   consumer receives results strictly in window order while the queue bound
   backpressures the workers.  A window failure travels as an error result:
   it is logged and counted, never fatal to the run.
*/

// Opts is the engine configuration.
type Opts struct {
	// Caller thresholds every per-read call.  nil means a pass-through
	// caller.
	Caller *basemod.Caller
	// Include restricts counting to covered (position, strand) pairs.
	Include *interval.StrandedPositionFilter
	// Exclude suppresses counting on covered (position, strand) pairs.
	Exclude *interval.StrandedPositionFilter
	// Region restricts the pileup to one reference interval.
	Region *interval.Region
	// Table registers the countable modification codes; nil means
	// DefaultCodeTable.
	Table *CodeTable
	// Mode selects per-code or per-family output rows.
	Mode NumericMode
	// IgnoreCodes are collapsed out of every probability vector before
	// calling.
	IgnoreCodes []basemod.ModCode
	// ChunkSize is the window width.
	ChunkSize int
	// Parallelism caps the worker count; 0 = runtime.NumCPU().
	Parallelism int
	// ResultQueueDepth bounds the in-flight window results.
	ResultQueueDepth int
}

// DefaultOpts holds the default engine configuration.
var DefaultOpts = Opts{
	ChunkSize:        100000,
	ResultQueueDepth: 1024,
}

// Summary reports what a run consumed and produced.
type Summary struct {
	// UsedReads counts reads that contributed to at least one window.
	UsedReads int64
	// SkippedReads counts secondary/supplementary/duplicate/unmapped
	// records.
	SkippedReads int64
	// FailedReads counts records dropped for undecodable tags.
	FailedReads int64
	Windows     int64
	// FailedWindows counts windows that produced an error instead of rows.
	FailedWindows int64
}

// PositionCounts is the decoded rows of one pileup column.
type PositionCounts struct {
	Pos  int
	Rows []FeatureCounts
}

// Result is the output of one window, delivered to the ResultWriter in
// genomic order.
type Result struct {
	Ref        *sam.Reference
	Start, End int
	// Positions is sorted by position; zero-coverage columns are absent.
	Positions []PositionCounts
	// Err is set when the window failed; Positions is then empty.
	Err error
}

// ResultWriter consumes window results in order.  Write is called from a
// single goroutine.
type ResultWriter interface {
	Write(res *Result) error
}

// counters are the shared per-read tallies, updated atomically by workers.
type counters struct {
	used    int64
	skipped int64
	failed  int64
}

// pileupContext is the per-run immutable state shared by all workers.
type pileupContext struct {
	caller  *basemod.Caller
	table   *CodeTable
	include *interval.StrandedPositionFilter
	exclude *interval.StrandedPositionFilter
	mode    NumericMode
	ignore  []basemod.ModCode
	count   *counters
}

// activeRead is one record while its span overlaps the sweep position.
type activeRead struct {
	rec     *sam.Record
	entry   *readEntry
	codes   map[basemod.ModCode]bool
	strand  basemod.Strand
	seq     []byte
	reverse bool
	end     int
}

// processShard computes one window's rows.
func (pCtx *pileupContext) processShard(iter bamprovider.Iterator, shard bamprovider.Shard) *Result {
	res := &Result{Ref: shard.Ref, Start: shard.Start, End: shard.End}
	refID := shard.Ref.ID()
	cache := NewReadCache(pCtx.caller, pCtx.table, pCtx.ignore)

	// Gather the window's reads up front; windows are narrow enough that the
	// overlapping read set fits comfortably in memory.
	var pending []*activeRead
	for iter.Scan() {
		rec := iter.Record()
		tally := rec.Pos >= shard.Start // spanning reads were tallied by the previous window
		if !RecordEligible(rec) {
			if tally {
				atomic.AddInt64(&pCtx.count.skipped, 1)
			}
			continue
		}
		codes, err := cache.ModCodesForRecord(rec)
		if err != nil {
			if tally {
				atomic.AddInt64(&pCtx.count.failed, 1)
				log.Debug.Printf("pileup: dropping read: %v", err)
			}
			continue
		}
		if tally {
			atomic.AddInt64(&pCtx.count.used, 1)
		}
		entry, _ := cache.Decode(rec) // memoized by the codes lookup above
		pending = append(pending, &activeRead{
			rec:     rec,
			entry:   entry,
			codes:   codes,
			strand:  RecordStrand(rec),
			seq:     rec.Seq.Expand(),
			reverse: rec.Flags&sam.Reverse != 0,
			end:     rec.End(),
		})
	}
	if err := iter.Err(); err != nil {
		res.Err = err
		return res
	}

	fv := NewFeatureVector(pCtx.table)
	observed := make(map[basemod.ModCode]bool)
	var active []*activeRead
	idx := 0
	for pos := shard.Start; pos < shard.End; pos++ {
		for idx < len(pending) && pending[idx].rec.Pos <= pos {
			active = append(active, pending[idx])
			idx++
		}
		// Compact out the reads the sweep has passed.
		n := 0
		for _, ar := range active {
			if ar.end > pos {
				active[n] = ar
				n++
			}
		}
		active = active[:n]
		cache.EvictBefore(pos)
		if len(active) == 0 {
			if idx == len(pending) {
				break
			}
			// Jump the sweep to the next covered position.
			pos = pending[idx].rec.Pos - 1
			continue
		}

		fv.Reset()
		for code := range observed {
			delete(observed, code)
		}
		nContrib := 0
		for _, ar := range active {
			queryPos, covered := ar.entry.refToQuery[pos]
			if !covered {
				continue
			}
			if pCtx.include != nil && !pCtx.include.Contains(refID, pos, ar.strand) {
				continue
			}
			if pCtx.exclude != nil && pCtx.exclude.Contains(refID, pos, ar.strand) {
				continue
			}
			nContrib++
			for code := range ar.codes {
				observed[code] = true
			}
			if queryPos == queryDeleted {
				fv.AddFeature(ar.strand, Feature{Kind: FeatureDelete})
				continue
			}
			baseChar := ar.seq[queryPos]
			if ar.reverse {
				baseChar = complementASCII(baseChar)
			}
			base, err := basemod.ParseBase(baseChar)
			if err != nil {
				// Ambiguity codes carry no callable base.
				continue
			}
			call, hasInfo := cache.ModCall(ar.rec, pos, base)
			if !hasInfo {
				fv.AddFeature(ar.strand, Feature{Kind: FeatureNoCall, Base: base})
				continue
			}
			switch call.Kind {
			case basemod.CallFiltered:
				fv.AddFeature(ar.strand, Feature{Kind: FeatureFiltered})
			case basemod.CallCanonical:
				fv.AddFeature(ar.strand, Feature{Kind: FeatureModCall, Code: base.CanonicalCode()})
			case basemod.CallModified:
				fv.AddFeature(ar.strand, Feature{Kind: FeatureModCall, Code: call.Code})
			}
		}
		if nContrib == 0 {
			continue
		}
		if rows := fv.Decode(observed, pCtx.mode); len(rows) > 0 {
			res.Positions = append(res.Positions, PositionCounts{Pos: pos, Rows: rows})
		}
	}
	return res
}

func complementASCII(c byte) byte {
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

type pileupJob struct {
	shard bamprovider.Shard
	out   chan *Result
}

// Pileup runs the engine over provider and streams window results to w in
// genomic order.  Setup problems (bad region, unreadable input) are returned
// as errors; per-window failures are logged, counted in the summary, and do
// not stop the run.
func Pileup(ctx context.Context, provider bamprovider.Provider, w ResultWriter, opts *Opts) (summary Summary, err error) {
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultOpts.ChunkSize
	}
	queueDepth := opts.ResultQueueDepth
	if queueDepth <= 0 {
		queueDepth = DefaultOpts.ResultQueueDepth
	}
	caller := opts.Caller
	if caller == nil {
		caller = basemod.NewPassthroughCaller()
	}
	table := opts.Table
	if table == nil {
		table = DefaultCodeTable()
	}

	var shards []bamprovider.Shard
	if shards, err = provider.GenerateShards(bamprovider.GenerateShardsOpts{
		BasesPerShard: chunkSize,
		Region:        opts.Region,
	}); err != nil {
		return
	}
	if opts.Region != nil && len(shards) == 0 {
		err = fmt.Errorf("pileup: region %s matches no reference", opts.Region.ChrName)
		return
	}

	nShard := len(shards)
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > nShard {
		parallelism = nShard
	}
	if nShard == 0 {
		return
	}

	pCtx := &pileupContext{
		caller:  caller,
		table:   table,
		include: opts.Include,
		exclude: opts.Exclude,
		mode:    opts.Mode,
		ignore:  opts.IgnoreCodes,
		count:   &counters{},
	}

	log.Printf("pileup: %d window(s), %d worker(s)", nShard, parallelism)
	jobs := make(chan pileupJob, parallelism)
	queue := make(chan chan *Result, queueDepth)
	go func() {
		for _, shard := range shards {
			if ctx.Err() != nil {
				break
			}
			out := make(chan *Result, 1)
			queue <- out
			jobs <- pileupJob{shard: shard, out: out}
		}
		close(jobs)
		close(queue)
	}()

	workersDone := make(chan error, 1)
	go func() {
		workersDone <- traverse.Each(parallelism, func(jobIdx int) error {
			for job := range jobs {
				iter := provider.NewIterator(job.shard)
				res := pCtx.processShard(iter, job.shard)
				if cerr := iter.Close(); cerr != nil && res.Err == nil {
					res.Err = cerr
				}
				job.out <- res
			}
			return nil
		})
	}()

	for out := range queue {
		res := <-out
		summary.Windows++
		if res.Err != nil {
			summary.FailedWindows++
			log.Error.Printf("pileup: window %s:%d-%d failed: %v",
				res.Ref.Name(), res.Start+1, res.End, res.Err)
			continue
		}
		if err == nil && len(res.Positions) > 0 {
			err = w.Write(res)
		}
	}
	if werr := <-workersDone; werr != nil && err == nil {
		err = werr
	}
	if cerr := ctx.Err(); cerr != nil && err == nil {
		err = cerr
	}

	summary.UsedReads = atomic.LoadInt64(&pCtx.count.used)
	summary.SkippedReads = atomic.LoadInt64(&pCtx.count.skipped)
	summary.FailedReads = atomic.LoadInt64(&pCtx.count.failed)
	log.Printf("pileup: done; used %d read(s), skipped %d, failed %d; %d window(s), %d failed",
		summary.UsedReads, summary.SkippedReads, summary.FailedReads, summary.Windows, summary.FailedWindows)
	return
}
