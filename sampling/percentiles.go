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
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// ErrEmptySample is returned when a percentile is requested of zero samples.
var ErrEmptySample = errors.New("sampling: empty sample")

// InvalidQuantileError reports a quantile outside [0, 1].
type InvalidQuantileError float64

func (e InvalidQuantileError) Error() string {
	return fmt.Sprintf("sampling: quantile %g outside [0, 1]", float64(e))
}

// QuantileValue is one (quantile, value) pair.
type QuantileValue struct {
	Quantile float64
	Value    float64
}

// Percentiles is an ordered set of quantile cut points over one sample set.
type Percentiles []QuantileValue

// String renders the percentiles as a short human-readable table row, for
// summary logging.
func (p Percentiles) String() string {
	var sb strings.Builder
	for i, qv := range p {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "q%g=%.4f", qv.Quantile*100, qv.Value)
	}
	return sb.String()
}

// ComputePercentiles returns the requested quantiles of samples using linear
// interpolation between order statistics.  Quantile 0 is the minimum and
// quantile 1 the maximum.  An empty sample set yields ErrEmptySample; a
// quantile outside [0, 1] yields an InvalidQuantileError.
func ComputePercentiles(samples []float32, quantiles []float64) (Percentiles, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySample
	}
	for _, q := range quantiles {
		if q < 0 || q > 1 {
			return nil, InvalidQuantileError(q)
		}
	}
	sorted := make([]float64, len(samples))
	for i, v := range samples {
		sorted[i] = float64(v)
	}
	sort.Float64s(sorted)
	result := make(Percentiles, 0, len(quantiles))
	for _, q := range quantiles {
		var value float64
		switch q {
		case 0:
			value = sorted[0]
		case 1:
			value = sorted[len(sorted)-1]
		default:
			value = stat.Quantile(q, stat.LinInterp, sorted, nil)
		}
		result = append(result, QuantileValue{Quantile: q, Value: value})
	}
	return result, nil
}
