// Package bamprovider provides utilities for scanning an indexed BAM file in
// parallel.
//
// The Provider hands out per-worker Iterators; each iterator owns its own
// file handle and index, so workers never contend on reader state.
package bamprovider
