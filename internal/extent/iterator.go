// Copyright 2016 CoreOS, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package extent implements the BlockIterator value type spec.md §9 calls
// for in place of the original's repeated-field-holding helper class: an
// explicit index into a flat list of extents, never borrowing its source
// slice past the lifetime of a single operation.
package extent

import "github.com/coreos/updatecore/internal/metadata"

// BlockIterator walks a list of extents one block at a time, flattening the
// extent boundaries the way spec.md §4.2 requires ("An iterator abstraction
// yields blocks in declared order, flattening the extent list").
type BlockIterator struct {
	extents   []metadata.Extent
	extentIdx int
	blockOff  uint64 // offset within extents[extentIdx]
}

// New returns a BlockIterator over extents, copying nothing: the caller
// retains ownership of extents and must not mutate it while the iterator is
// in use.
func New(extents []metadata.Extent) *BlockIterator {
	return &BlockIterator{extents: extents}
}

// Next returns the next block number and true, or (0, false) once every
// block in every extent has been consumed.
func (b *BlockIterator) Next() (uint64, bool) {
	for b.extentIdx < len(b.extents) {
		e := b.extents[b.extentIdx]
		if b.blockOff < e.NumBlocks {
			block := e.StartBlock + b.blockOff
			b.blockOff++
			return block, true
		}
		b.extentIdx++
		b.blockOff = 0
	}
	return 0, false
}

// Remaining returns the number of blocks not yet consumed.
func (b *BlockIterator) Remaining() uint64 {
	var total uint64
	if b.extentIdx < len(b.extents) {
		total += b.extents[b.extentIdx].NumBlocks - b.blockOff
		for _, e := range b.extents[b.extentIdx+1:] {
			total += e.NumBlocks
		}
	}
	return total
}

// Zip walks two BlockIterators in lockstep, calling fn with corresponding
// (a, b) block pairs until either is exhausted. It reports an error if the
// two iterators don't have the same total length, matching spec.md's
// SOURCE_COPY invariant that src and dst extents name equal block counts.
func Zip(a, b *BlockIterator, fn func(aBlock, bBlock uint64) error) error {
	for {
		av, aok := a.Next()
		bv, bok := b.Next()
		if aok != bok {
			return errMismatchedLength
		}
		if !aok {
			return nil
		}
		if err := fn(av, bv); err != nil {
			return err
		}
	}
}

var errMismatchedLength = mismatchedLengthError{}

type mismatchedLengthError struct{}

func (mismatchedLengthError) Error() string {
	return "extent: source and destination iterators have different total block counts"
}
