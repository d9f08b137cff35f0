package bamprovider

import (
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/modbase/interval"
)

// DefaultBasesPerShard is the default genomic width of a generated shard.
const DefaultBasesPerShard = 100000

// Shard is a half-open genomic interval [Start, End) on a single reference.
// Shards are the unit of work distribution; they are contiguous,
// non-overlapping, and ordered within a reference.
type Shard struct {
	Ref   *sam.Reference
	Start int
	End   int
	// ShardIdx is a sequence number useful for result ordering.
	ShardIdx int
}

// GenerateShardsOpts defines behavior of Provider.GenerateShards.
type GenerateShardsOpts struct {
	// BasesPerShard is the genomic width of each shard.  0 means
	// DefaultBasesPerShard.
	BasesPerShard int
	// Region, if non-nil, restricts the shards to one reference interval.
	Region *interval.Region
}

// Provider allows reading an indexed BAM file in parallel.  Thread safe.
type Provider interface {
	// GetHeader returns the header for the provided BAM data.  The callee
	// must not modify the returned header object.
	//
	// REQUIRES: Close has not been called.
	GetHeader() (*sam.Header, error)

	// GenerateShards splits the mapped genome into contiguous,
	// non-overlapping intervals, optionally restricted to a region.  Use
	// NewIterator to read the records of a shard.
	//
	// REQUIRES: Close has not been called.
	GenerateShards(opts GenerateShardsOpts) ([]Shard, error)

	// NewIterator returns an iterator over the records overlapping the
	// shard interval.  The "shard" parameter is usually produced by
	// GenerateShards, but the caller may also manually construct it.
	//
	// REQUIRES: Close has not been called.
	NewIterator(shard Shard) Iterator

	// Close must be called exactly once. It returns any error encountered
	// by the provider, or any iterator created by the provider.
	//
	// REQUIRES: All the iterators created by NewIterator have been closed.
	Close() error
}

// Iterator iterates over the sam.Records overlapping a genomic range, in
// coordinate order.  Unlike a padding-based shard reader, an iterator yields
// every record whose alignment overlaps [Start, End), including records whose
// start position precedes the range.  Thread compatible.
type Iterator interface {
	// Scan returns whether there are any records remaining in the iterator,
	// and if so, advances the iterator to the next record.  If an error
	// occurs, Scan returns false and the error can be retrieved by calling
	// Err.
	//
	// REQUIRES: Close has not been called.
	Scan() bool

	// Record returns the current record in the iterator. This must be
	// called only after a call to Scan() returns true.
	//
	// REQUIRES: Close has not been called.
	Record() *sam.Record

	// Err returns the error encountered during iteration, or nil if no
	// error occurred.  An io.EOF error is translated to nil.
	Err() error

	// Close must be called exactly once. It returns the value of Err().
	Close() error
}

// generateShards is the GenerateShards implementation shared by the BAM and
// fake providers.
func generateShards(header *sam.Header, opts GenerateShardsOpts) ([]Shard, error) {
	basesPerShard := opts.BasesPerShard
	if basesPerShard <= 0 {
		basesPerShard = DefaultBasesPerShard
	}
	var shards []Shard
	shardIdx := 0
	for _, ref := range header.Refs() {
		start, limit := 0, ref.Len()
		if opts.Region != nil {
			if ref.Name() != opts.Region.ChrName {
				continue
			}
			start = opts.Region.Start
			if opts.Region.End < limit {
				limit = opts.Region.End
			}
			if start >= limit {
				break
			}
		}
		chunks := interval.NewChunks(start, limit, basesPerShard)
		for {
			chunkStart, chunkEnd, ok := chunks.Next()
			if !ok {
				break
			}
			shards = append(shards, Shard{Ref: ref, Start: chunkStart, End: chunkEnd, ShardIdx: shardIdx})
			shardIdx++
		}
	}
	return shards, nil
}
