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

// ProfileTSVWriter renders per-read modification probabilities as TSV, one
// row per (read, position, code), with a leading header line.
type ProfileTSVWriter struct {
	tsvw        *tsv.Writer
	closers     []io.Closer
	wroteHeader bool
}

// NewProfileTSVWriter writes profile rows to w.  The caller owns w; Close
// only flushes.
func NewProfileTSVWriter(w io.Writer) *ProfileTSVWriter {
	return &ProfileTSVWriter{tsvw: tsv.NewWriter(w)}
}

// CreateProfileTSV creates path and returns a writer to it, BGZF-compressing
// the body when bgzip is set.
func CreateProfileTSV(ctx context.Context, path string, bgzip bool, parallelism int) (*ProfileTSVWriter, error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := &ProfileTSVWriter{}
	body := io.Writer(out.Writer(ctx))
	w.closers = append(w.closers, fileCloser{ctx, out})
	if bgzip {
		if parallelism <= 0 {
			parallelism = runtime.NumCPU()
		}
		bgzfw := bgzf.NewWriter(body, parallelism)
		w.closers = append([]io.Closer{bgzfw}, w.closers...)
		body = bgzfw
	}
	w.tsvw = tsv.NewWriter(body)
	return w, nil
}

func (w *ProfileTSVWriter) writeHeader() error {
	w.wroteHeader = true
	w.tsvw.WriteString("read_id\tchrom\tref_position\tforward_read_position\tstrand\tmod_code\tprobability\tinferred")
	return w.tsvw.EndLine()
}

// WriteProfile implements pileup.ProfileWriter.
func (w *ProfileTSVWriter) WriteProfile(rows []pileup.ProfileRow) error {
	if !w.wroteHeader {
		if err := w.writeHeader(); err != nil {
			return err
		}
	}
	for i := range rows {
		row := &rows[i]
		w.tsvw.WriteString(row.ReadID)
		w.tsvw.WriteString(row.Ref.Name())
		w.tsvw.WriteUint32(uint32(row.RefPos))
		w.tsvw.WriteUint32(uint32(row.FwdPos))
		w.tsvw.WriteByte(row.Strand.Char())
		w.tsvw.WriteString(row.Code.String())
		w.tsvw.WriteString(strconv.FormatFloat(float64(row.Prob), 'f', 5, 32))
		if row.Inferred {
			w.tsvw.WriteString("true")
		} else {
			w.tsvw.WriteString("false")
		}
		if err := w.tsvw.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes buffered output and closes any underlying file.  An empty
// run still produces the header line.
func (w *ProfileTSVWriter) Close() (err error) {
	if !w.wroteHeader {
		err = w.writeHeader()
	}
	if e := w.tsvw.Flush(); e != nil && err == nil {
		err = e
	}
	for _, c := range w.closers {
		if e := c.Close(); e != nil && err == nil {
			err = e
		}
	}
	return
}
