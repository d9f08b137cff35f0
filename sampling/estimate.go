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

package sampling

import (
	"runtime"
	"sync"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/modbase/encoding/bamprovider"
	"github.com/grailbio/modbase/encoding/modtags"
	"github.com/grailbio/modbase/interval"
	"github.com/pkg/errors"
)

// Opts controls read sampling.
type Opts struct {
	// Fraction, if positive, samples each eligible record with this
	// probability.
	Fraction float64
	// NumReads, if positive and Fraction is zero, caps the total sampled
	// records, spread across references by a Schedule.
	NumReads int
	// NoSampling uses every eligible record.
	NoSampling bool
	// Seed makes fraction sampling reproducible.
	Seed int64
	// Region restricts sampling to one reference interval.
	Region *interval.Region
	// BasesPerShard is the sampling shard width; 0 uses the provider
	// default.
	BasesPerShard int
	// Parallelism caps concurrent shard scans; 0 = runtime.NumCPU().
	Parallelism int
}

// ProbSamples buckets winning call probabilities by canonical base and by
// modification code.
type ProbSamples struct {
	PerBase map[basemod.DnaBase][]float32
	PerCode map[basemod.ModCode][]float32

	nRecords int64
	nFailed  int64
}

// NewProbSamples returns an empty sample set.
func NewProbSamples() *ProbSamples {
	return &ProbSamples{
		PerBase: make(map[basemod.DnaBase][]float32),
		PerCode: make(map[basemod.ModCode][]float32),
	}
}

// NumRecords returns the number of records whose probabilities were
// accumulated.
func (p *ProbSamples) NumRecords() int64 {
	return p.nRecords
}

// NumFailed returns the number of records rejected for undecodable tags.
func (p *ProbSamples) NumFailed() int64 {
	return p.nFailed
}

// AddRecord decodes rec's modification tags and buckets the argmax
// probability of every explicitly-called base.  Thresholds must be estimated
// from unfiltered calls, so this never filters.
func (p *ProbSamples) AddRecord(rec *sam.Record) error {
	info, err := modtags.FromRecord(rec)
	if err != nil {
		return err
	}
	for i := range info.Groups {
		group := &info.Groups[i]
		base, baseErr := groupBase(group)
		if baseErr != nil {
			return baseErr
		}
		for _, probs := range group.Probs.Probs {
			call := basemod.ArgmaxCall(probs)
			p.PerBase[base] = append(p.PerBase[base], call.Prob)
			if call.Kind == basemod.CallModified {
				p.PerCode[call.Code] = append(p.PerCode[call.Code], call.Prob)
			}
		}
	}
	p.nRecords++
	return nil
}

// Merge folds other into p.
func (p *ProbSamples) Merge(other *ProbSamples) {
	for base, probs := range other.PerBase {
		p.PerBase[base] = append(p.PerBase[base], probs...)
	}
	for code, probs := range other.PerCode {
		p.PerCode[code] = append(p.PerCode[code], probs...)
	}
	p.nRecords += other.nRecords
	p.nFailed += other.nFailed
}

// groupBase maps an MM group to the canonical base its probabilities are
// bucketed under.  'N' groups fall back to the code's base family.
func groupBase(group *modtags.BaseModData) (basemod.DnaBase, error) {
	if group.CanonicalBase != 'N' {
		return basemod.ParseBase(group.CanonicalBase)
	}
	for _, code := range group.Codes {
		if base, ok := code.CanonicalBase(); ok {
			return base, nil
		}
	}
	return 0, errors.Errorf("sampling: cannot infer base family of MM group with codes %v", group.Codes)
}

// eligible mirrors the pileup's record intake filter: secondary,
// supplementary, duplicate, and unmapped records never contribute.
func eligible(rec *sam.Record) bool {
	const excluded = sam.Secondary | sam.Supplementary | sam.Duplicate | sam.Unmapped
	return rec.Flags&excluded == 0
}

// shardSampler builds the per-shard sampler for the configured mode.
func shardSampler(opts *Opts, schedule *Schedule, shard bamprovider.Shard) *RecordSampler {
	switch {
	case opts.NoSampling:
		return NewPassthroughSampler()
	case opts.Fraction > 0:
		// Offset the seed per shard so shards draw independent sequences
		// while the whole run stays reproducible.
		return NewFractionSampler(opts.Fraction, opts.Seed+int64(shard.ShardIdx))
	default:
		return NewQuotaSampler(schedule.WindowQuota(shard.Ref.ID(), shard.Start, shard.End))
	}
}

// sampleShard scans one shard, offering its eligible tagged records to
// sampler and accumulating the used ones into dst.
func sampleShard(provider bamprovider.Provider, shard bamprovider.Shard, sampler *RecordSampler, dst *ProbSamples) error {
	iter := provider.NewIterator(shard)
	for iter.Scan() {
		rec := iter.Record()
		// Only records starting inside the shard count, so a read spanning a
		// shard boundary is offered exactly once.
		if rec.Pos < shard.Start || !eligible(rec) || !modtags.HasTags(rec) {
			continue
		}
		indicator := sampler.Ask()
		if indicator == Done {
			break
		}
		if indicator == SkipRecord {
			continue
		}
		if err := dst.AddRecord(rec); err != nil {
			dst.nFailed++
			log.Debug.Printf("sampling: %v", err)
			continue
		}
		sampler.RecordUsed()
	}
	return iter.Close()
}

// CollectProbs samples reads from provider per opts and accumulates their
// call probabilities.  Sampled records are those starting inside a shard, so
// no record is counted twice.
func CollectProbs(provider bamprovider.Provider, opts *Opts) (*ProbSamples, error) {
	header, err := provider.GetHeader()
	if err != nil {
		return nil, err
	}
	shards, err := provider.GenerateShards(bamprovider.GenerateShardsOpts{
		BasesPerShard: opts.BasesPerShard,
		Region:        opts.Region,
	})
	if err != nil {
		return nil, err
	}
	schedule := NewSchedule(header.Refs(), opts.NumReads)

	nShard := len(shards)
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > nShard {
		parallelism = nShard
	}
	result := NewProbSamples()
	var mu sync.Mutex
	err = traverse.Each(parallelism, func(jobIdx int) error {
		startIdx := (jobIdx * nShard) / parallelism
		endIdx := ((jobIdx + 1) * nShard) / parallelism
		local := NewProbSamples()
		for _, shard := range shards[startIdx:endIdx] {
			sampler := shardSampler(opts, schedule, shard)
			if scanErr := sampleShard(provider, shard, sampler, local); scanErr != nil {
				return scanErr
			}
		}
		mu.Lock()
		result.Merge(local)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("sampled %d record(s), %d undecodable", result.NumRecords(), result.NumFailed())
	return result, nil
}

// EstimateThresholds derives a per-base pass threshold as the given
// percentile of each base's sampled probability distribution.  bases selects
// which canonical bases need a threshold; an empty slice means every base
// with samples.  A requested base with zero samples is an error naming the
// base.
func EstimateThresholds(samples *ProbSamples, percentile float64, bases []basemod.DnaBase) (map[basemod.DnaBase]float32, error) {
	if len(bases) == 0 {
		for base := range samples.PerBase {
			bases = append(bases, base)
		}
	}
	perBase := make(map[basemod.DnaBase]float32, len(bases))
	for _, base := range bases {
		probs := samples.PerBase[base]
		if len(probs) == 0 {
			return nil, errors.Errorf("sampling: no probabilities sampled for base %c; cannot estimate its threshold", base.Char())
		}
		pcts, err := ComputePercentiles(probs, []float64{percentile})
		if err != nil {
			return nil, errors.Wrapf(err, "estimating threshold for base %c", base.Char())
		}
		perBase[base] = float32(pcts[0].Value)
		log.Printf("estimated threshold for %c: %.4f (from %d sample(s))", base.Char(), pcts[0].Value, len(probs))
	}
	return perBase, nil
}
