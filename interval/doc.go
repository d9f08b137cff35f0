/*Package interval implements the genomic-interval machinery used by the
  pileup engine: strand-aware position filters built from BED files
  (overlapping intervals are merged, not tracked separately), fixed-width
  chunking of references into work windows, and samtools-style region string
  parsing.
*/
package interval
