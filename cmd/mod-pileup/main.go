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
package main

/*
mod-pileup aggregates the MM/ML base-modification tags of a BAM into
per-position, per-strand modification counts (bedMethyl output), or extracts
the per-read modification probabilities as TSV.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/basemod"
	"github.com/grailbio/modbase/encoding/bamprovider"
	"github.com/grailbio/modbase/interval"
	"github.com/grailbio/modbase/pileup"
	"github.com/grailbio/modbase/sampling"
	"github.com/grailbio/modbase/writers"
)

var (
	bamIndexPath = flag.String("index", "", "Input BAM index path. Defaults to bampath + .bai")
	outPath      = flag.String("out", "mod-pileup.bed", "Output path")
	format       = flag.String("format", "bedmethyl", "Output format; 'bedmethyl', 'bedmethyl-bgz', 'profile', and 'profile-bgz' supported. The profile formats report per-read probabilities instead of per-position counts")
	region       = flag.String("region", "", "Restrict processing to the specified region. Format as <contig ID>:<1-based first pos>-<last pos>, <contig ID>:<1-based pos>, or just <contig ID>")
	includeBed   = flag.String("include-bed", "", "Stranded BED path; only covered (position, strand) pairs are counted")
	excludeBed   = flag.String("exclude-bed", "", "Stranded BED path; covered (position, strand) pairs are not counted")
	chunkSize    = flag.Int("chunk-size", pileup.DefaultOpts.ChunkSize, "Genomic window width processed as one unit")
	parallelism  = flag.Int("parallelism", 0, "Maximum number of simultaneous pileup jobs to launch; 0 = runtime.NumCPU()")

	combineMods = flag.Bool("combine-mods", false, "Merge counts of a base's modification codes into one row labeled with the canonical base")
	ignoreMods  = flag.String("ignore", "", "Comma-separated modification codes to remove before calling, redistributing their probability (e.g. 'h')")

	noFiltering      = flag.Bool("no-filtering", false, "Count every call regardless of probability")
	filterThresholds = flag.String("filter-threshold", "", "Comma-separated pass thresholds: a bare value sets the global default, <base>:<value> overrides one base (e.g. '0.75,A:0.8'). Bases without an explicit or default threshold get an estimated one")
	modThresholds    = flag.String("mod-threshold", "", "Comma-separated per-code pass thresholds of the form <code>:<value> (e.g. 'm:0.8,76792:0.9')")
	filterPercentile = flag.Float64("filter-percentile", 0.1, "Percentile of sampled call probabilities used to estimate missing thresholds")

	samplingFrac = flag.Float64("sampling-frac", 0, "Sample each read with this probability during threshold estimation (and profile output when given)")
	numReads     = flag.Int("num-reads", 10042, "Approximate number of reads sampled for threshold estimation. Caps profile output only when given explicitly; profile formats report every read by default")
	noSampling   = flag.Bool("no-sampling", false, "Use every read for threshold estimation")
	seed         = flag.Int64("seed", 0, "Seed for -sampling-frac reproducibility")
)

func modPileupUsage() {
	fmt.Printf("Usage: %s [OPTIONS] bampath\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

// parseModCodes parses a comma-separated list of modification codes, each a
// single character or a ChEBI accession.
func parseModCodes(s string) ([]basemod.ModCode, error) {
	if s == "" {
		return nil, nil
	}
	var codes []basemod.ModCode
	for _, token := range strings.Split(s, ",") {
		if len(token) == 1 {
			code := basemod.CharCode(token[0])
			if code.IsCanonical() {
				return nil, fmt.Errorf("%q denotes a canonical base, not a modification", token)
			}
			codes = append(codes, code)
			continue
		}
		id, err := strconv.ParseInt(token, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%q is not a modification code or ChEBI accession", token)
		}
		codes = append(codes, basemod.ChEBICode(int32(id)))
	}
	return codes, nil
}

func splitTokens(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// buildCaller resolves the calling thresholds: explicit flags first, then
// estimation from sampled call probabilities for any base left uncovered.
func buildCaller(provider bamprovider.Provider, reg *interval.Region) (*basemod.Caller, error) {
	if *noFiltering {
		return basemod.NewPassthroughCaller(), nil
	}
	defaultThreshold, haveDefault, perBase, err := basemod.ParseThresholds(splitTokens(*filterThresholds))
	if err != nil {
		return nil, err
	}
	perMod, err := basemod.ParseModThresholds(splitTokens(*modThresholds))
	if err != nil {
		return nil, err
	}
	if haveDefault {
		return basemod.NewCaller(defaultThreshold, perBase, perMod), nil
	}

	// No global default: estimate per-base thresholds from a read sample,
	// keeping any explicit per-base overrides.
	samples, err := sampling.CollectProbs(provider, &sampling.Opts{
		Fraction:    *samplingFrac,
		NumReads:    *numReads,
		NoSampling:  *noSampling,
		Seed:        *seed,
		Region:      reg,
		Parallelism: *parallelism,
	})
	if err != nil {
		return nil, err
	}
	log.Printf("sampled %d read(s) for threshold estimation (%d undecodable)",
		samples.NumRecords(), samples.NumFailed())
	estimated, err := sampling.EstimateThresholds(samples, *filterPercentile, nil)
	if err != nil {
		return nil, err
	}
	for base, t := range perBase {
		estimated[base] = t
	}
	return basemod.NewCaller(0, estimated, perMod), nil
}

func run(bamPath string) (err error) {
	ctx := vcontext.Background()

	indexPath := *bamIndexPath
	if indexPath == "" {
		indexPath = bamPath + ".bai"
	}
	provider := bamprovider.NewProvider(bamPath, indexPath)
	defer func() {
		if e := provider.Close(); e != nil && err == nil {
			err = e
		}
	}()

	var reg *interval.Region
	if *region != "" {
		var parsed interval.Region
		if parsed, err = interval.ParseRegion(*region); err != nil {
			return err
		}
		reg = &parsed
	}

	bgzip := false
	profile := false
	switch *format {
	case "bedmethyl":
	case "bedmethyl-bgz":
		bgzip = true
	case "profile":
		profile = true
	case "profile-bgz":
		profile, bgzip = true, true
	default:
		return fmt.Errorf("unsupported -format %q", *format)
	}

	mode := pileup.ModePassthrough
	if *combineMods {
		mode = pileup.ModeCombine
	}

	ignore, err := parseModCodes(*ignoreMods)
	if err != nil {
		return err
	}

	if profile {
		return runProfile(ctx, provider, reg, ignore, bgzip)
	}

	var header *sam.Header
	if header, err = provider.GetHeader(); err != nil {
		return err
	}
	var include, exclude *interval.StrandedPositionFilter
	if *includeBed != "" {
		if include, err = interval.NewStrandedPositionFilterFromPath(*includeBed, header); err != nil {
			return err
		}
	}
	if *excludeBed != "" {
		if exclude, err = interval.NewStrandedPositionFilterFromPath(*excludeBed, header); err != nil {
			return err
		}
	}

	caller, err := buildCaller(provider, reg)
	if err != nil {
		return err
	}

	w, err := writers.CreateBedMethyl(ctx, *outPath, bgzip, *parallelism)
	if err != nil {
		return err
	}
	defer func() {
		if e := w.Close(); e != nil && err == nil {
			err = e
		}
	}()
	summary, err := pileup.Pileup(ctx, provider, w, &pileup.Opts{
		Caller:      caller,
		Include:     include,
		Exclude:     exclude,
		Region:      reg,
		Mode:        mode,
		IgnoreCodes: ignore,
		ChunkSize:   *chunkSize,
		Parallelism: *parallelism,
	})
	if err != nil {
		return err
	}
	if summary.FailedWindows > 0 {
		return fmt.Errorf("%d of %d window(s) failed", summary.FailedWindows, summary.Windows)
	}
	return nil
}

// profileSampler selects the read sampler for profile output.  Unlike
// threshold estimation, profile output reports every read unless the user
// explicitly asks for a subset, so the -num-reads default does not apply.
func profileSampler(noSampling bool, frac float64, seed int64, numReads int, numReadsSet bool) *sampling.RecordSampler {
	switch {
	case noSampling:
		return nil
	case frac > 0:
		return sampling.NewFractionSampler(frac, seed)
	case numReadsSet && numReads > 0:
		return sampling.NewQuotaSampler(int64(numReads))
	}
	return nil
}

// flagWasSet reports whether the named flag was given on the command line.
func flagWasSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func runProfile(ctx context.Context, provider bamprovider.Provider, reg *interval.Region, ignore []basemod.ModCode, bgzip bool) (err error) {
	sampler := profileSampler(*noSampling, *samplingFrac, *seed, *numReads, flagWasSet("num-reads"))

	w, err := writers.CreateProfileTSV(ctx, *outPath, bgzip, *parallelism)
	if err != nil {
		return err
	}
	defer func() {
		if e := w.Close(); e != nil && err == nil {
			err = e
		}
	}()
	_, err = pileup.Extract(ctx, provider, w, &pileup.ExtractOpts{
		IgnoreCodes: ignore,
		Sampler:     sampler,
		ChunkSize:   *chunkSize,
		Region:      reg,
	})
	return err
}

func main() {
	flag.Usage = modPileupUsage
	shutdown := grail.Init()
	defer shutdown()

	if flag.NArg() != 1 {
		if flag.NArg() < 1 {
			log.Fatalf("Missing positional argument (bampath required); please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
		} else {
			log.Fatalf("Too many positional arguments (only bampath expected); please check flag syntax: '%s'", strings.Join(flag.Args(), " "))
		}
	}
	if err := run(flag.Arg(0)); err != nil {
		log.Panicf("%v", err)
	}
	log.Debug.Printf("exiting")
}
