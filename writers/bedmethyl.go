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

// Package writers renders pileup and extraction results as text output:
// bedMethyl for per-position counts and TSV for per-read probabilities.
package writers

import (
	"context"
	"io"
	"runtime"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/modbase/pileup"
)

// bedMethyl item color, fixed by convention.
const itemColor = "255,0,0"

// maxBedScore caps the BED score column.
const maxBedScore = 1000

// BedMethylWriter renders pileup rows as bedMethyl lines: nine tab-separated
// BED9 columns followed by one space-separated count field
// (valid_coverage percent_modified n_mod n_canonical n_other n_delete
// n_filtered n_diff n_nocall).  Positions are written 0-based half-open, BED
// style.  Not safe for concurrent use; the pileup engine writes from a single
// goroutine.
type BedMethylWriter struct {
	tsvw *tsv.Writer
	// closers are flushed and closed by Close, output-side first.
	closers []io.Closer
	buf     []byte
}

// NewBedMethylWriter writes bedMethyl lines to w.  The caller owns w; Close
// only flushes.
func NewBedMethylWriter(w io.Writer) *BedMethylWriter {
	return &BedMethylWriter{tsvw: tsv.NewWriter(w)}
}

// CreateBedMethyl creates path (any scheme grailbio/base/file supports) and
// returns a writer to it.  With bgzip set the body is BGZF-compressed with the
// given compressor parallelism.
func CreateBedMethyl(ctx context.Context, path string, bgzip bool, parallelism int) (*BedMethylWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := &BedMethylWriter{}
	body := io.Writer(out.Writer(ctx))
	w.closers = append(w.closers, fileCloser{ctx, out})
	if bgzip {
		if parallelism <= 0 {
			parallelism = runtime.NumCPU()
		}
		bgzfw := bgzf.NewWriter(body, parallelism)
		// Prepend: the BGZF stream must be closed before the file.
		w.closers = append([]io.Closer{bgzfw}, w.closers...)
		body = bgzfw
	}
	w.tsvw = tsv.NewWriter(body)
	return w, nil
}

// Write implements pileup.ResultWriter.
func (w *BedMethylWriter) Write(res *pileup.Result) error {
	refName := res.Ref.Name()
	for _, pc := range res.Positions {
		for i := range pc.Rows {
			if err := w.writeRow(refName, pc.Pos, &pc.Rows[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *BedMethylWriter) writeRow(refName string, pos int, row *pileup.FeatureCounts) error {
	w.tsvw.WriteString(refName)
	w.tsvw.WriteUint32(uint32(pos))
	w.tsvw.WriteUint32(uint32(pos + 1))
	w.tsvw.WriteString(row.Code.String())
	score := row.FilteredCoverage
	if score > maxBedScore {
		score = maxBedScore
	}
	w.tsvw.WriteUint32(score)
	w.tsvw.WriteByte(row.Strand.Char())
	w.tsvw.WriteUint32(uint32(pos))
	w.tsvw.WriteUint32(uint32(pos + 1))
	w.tsvw.WriteString(itemColor)

	buf := w.buf[:0]
	buf = strconv.AppendUint(buf, uint64(row.FilteredCoverage), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendFloat(buf, float64(row.FractionModified)*100, 'f', 2, 32)
	for _, c := range []uint32{
		row.NModified, row.NCanonical, row.NOtherModified,
		row.NDelete, row.NFiltered, row.NDiff, row.NNoCall,
	} {
		buf = append(buf, ' ')
		buf = strconv.AppendUint(buf, uint64(c), 10)
	}
	w.buf = buf
	w.tsvw.WriteString(string(buf))
	return w.tsvw.EndLine()
}

// Close flushes buffered output and closes any underlying file.
func (w *BedMethylWriter) Close() (err error) {
	err = w.tsvw.Flush()
	for _, c := range w.closers {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	return
}

// fileCloser adapts file.File's context-taking Close to io.Closer.
type fileCloser struct {
	ctx context.Context
	f   file.File
}

func (c fileCloser) Close() error {
	return c.f.Close(c.ctx)
}
