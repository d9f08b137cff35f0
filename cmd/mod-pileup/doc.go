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

/*
Given a BAM carrying MM/ML base-modification tags, mod-pileup aggregates the
per-read modification calls of every covered reference position into
per-position, per-strand, per-code counts, written as bedMethyl.  This command
is similar to "modkit pileup".

Per-read calls are argmax-then-threshold: the most probable state of each base
wins, and wins below the pass threshold are excluded from the counts.
Thresholds can be given explicitly (-filter-threshold, -mod-threshold) or are
estimated from a sample of the input's call probabilities.

The profile output formats instead report every per-read modification
probability as TSV, one row per (read, position, code), similar to
"modkit extract".

Sample usage:
mod-pileup \
    --region chr20 \
    --out chr20.bed \
    my.bam
*/
package main
