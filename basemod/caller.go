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

package basemod

import (
	"fmt"
	"strconv"
	"strings"
)

// Caller decides, for one base of one read, whether the base is canonical,
// carries a specific modification, or should be excluded from counting
// because the winning probability is too low.
//
// Thresholds resolve most-specific-first: a per-modification-code override,
// then a per-canonical-base override, then the global default.  A Caller is
// read-only after construction and safe for concurrent use.
type Caller struct {
	defaultThreshold float32
	perBase          map[DnaBase]float32
	perMod           map[ModCode]float32
}

// NewCaller builds a Caller from a global default threshold and optional
// per-base and per-code overrides.  Either override map may be nil.
func NewCaller(defaultThreshold float32, perBase map[DnaBase]float32, perMod map[ModCode]float32) *Caller {
	c := &Caller{
		defaultThreshold: defaultThreshold,
		perBase:          make(map[DnaBase]float32),
		perMod:           make(map[ModCode]float32),
	}
	for base, t := range perBase {
		c.perBase[base] = t
	}
	for code, t := range perMod {
		c.perMod[code] = t
	}
	return c
}

// NewPassthroughCaller returns a Caller with every threshold at zero: no call
// is ever filtered.
func NewPassthroughCaller() *Caller {
	return NewCaller(0, nil, nil)
}

// ResolveThreshold returns the threshold that applies to a call of code on a
// read base of the given canonical type.  Pass the base's canonical code for
// canonical calls.
func (c *Caller) ResolveThreshold(base DnaBase, code ModCode) float32 {
	if !code.IsCanonical() {
		if t, ok := c.perMod[code]; ok {
			return t
		}
	}
	if t, ok := c.perBase[base]; ok {
		return t
	}
	return c.defaultThreshold
}

// Call applies argmax-then-threshold to probs for a read base of canonical
// type base.  An empty or nil probs yields Canonical with probability 1
// (which can still be filtered by a threshold above 1).  The winning
// probability is compared against the resolved threshold; a strictly lower
// probability yields a Filtered call.
func (c *Caller) Call(base DnaBase, probs *BaseModProbs) BaseModCall {
	call := ArgmaxCall(probs)
	code := base.CanonicalCode()
	if call.Kind == CallModified {
		code = call.Code
	}
	if call.Prob < c.ResolveThreshold(base, code) {
		return BaseModCall{Kind: CallFiltered}
	}
	return call
}

// ParseError reports malformed threshold syntax from user-provided flags.
type ParseError struct {
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("basemod: invalid threshold: %s", e.Reason)
	}
	return fmt.Sprintf("basemod: invalid threshold %q: %s", e.Token, e.Reason)
}

func parseThresholdValue(token, s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, &ParseError{Token: token, Reason: "value is not a number"}
	}
	if v < 0 || v > 1 {
		return 0, &ParseError{Token: token, Reason: "value outside [0.0, 1.0]"}
	}
	return float32(v), nil
}

// ParseThresholds parses repeated -filter-threshold values of the form
// "<base>:<value>" (e.g. "C:0.75") or a bare "<value>" setting the global
// default.  At most one bare value is accepted; a second is ambiguous and
// rejected.  haveDefault reports whether a bare value was seen.
func ParseThresholds(tokens []string) (defaultThreshold float32, haveDefault bool, perBase map[DnaBase]float32, err error) {
	perBase = make(map[DnaBase]float32)
	for _, token := range tokens {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) == 1 {
			if haveDefault {
				err = &ParseError{Token: token, Reason: "more than one default threshold"}
				return
			}
			if defaultThreshold, err = parseThresholdValue(token, parts[0]); err != nil {
				return
			}
			haveDefault = true
			continue
		}
		if len(parts[0]) != 1 {
			err = &ParseError{Token: token, Reason: "base must be one of A, C, G, T"}
			return
		}
		var base DnaBase
		if base, err = ParseBase(parts[0][0]); err != nil {
			err = &ParseError{Token: token, Reason: "base must be one of A, C, G, T"}
			return
		}
		if _, dup := perBase[base]; dup {
			err = &ParseError{Token: token, Reason: "duplicate threshold for base"}
			return
		}
		if perBase[base], err = parseThresholdValue(token, parts[1]); err != nil {
			return
		}
	}
	return
}

// ParseModThresholds parses repeated -mod-threshold values of the form
// "<code>:<value>" where code is a single modification character (e.g.
// "m:0.8") or a numeric ChEBI accession (e.g. "76792:0.8").
func ParseModThresholds(tokens []string) (perMod map[ModCode]float32, err error) {
	perMod = make(map[ModCode]float32)
	for _, token := range tokens {
		parts := strings.SplitN(token, ":", 2)
		if len(parts) != 2 {
			err = &ParseError{Token: token, Reason: "expected <code>:<value>"}
			return
		}
		var code ModCode
		if len(parts[0]) == 1 {
			code = CharCode(parts[0][0])
			if code.IsCanonical() {
				err = &ParseError{Token: token, Reason: "code denotes a canonical base"}
				return
			}
		} else {
			id, convErr := strconv.ParseInt(parts[0], 10, 32)
			if convErr != nil {
				err = &ParseError{Token: token, Reason: "code must be one character or a ChEBI number"}
				return
			}
			code = ChEBICode(int32(id))
		}
		if _, dup := perMod[code]; dup {
			err = &ParseError{Token: token, Reason: "duplicate threshold for code"}
			return
		}
		if perMod[code], err = parseThresholdValue(token, parts[1]); err != nil {
			return
		}
	}
	return
}
