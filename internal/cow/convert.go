// Copyright (C) 2020 The Android Open Source Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cow implements spec.md §4.3's CoW operation converter: turning a
// partition's SOURCE_COPY operations plus its pre-computed merge_operations
// into the ordered list of CowCopy/CowReplace block transforms a
// Virtual-A/B snapshot writer actually executes.
//
// Grounded on original_source/common/cow_operation_convert.cc's
// ConvertToCowOperations, translated from its ExtentRanges/BlockIterator
// C++ types to this repo's internal/extent.BlockIterator and a plain
// map[uint64]bool for the merge-extent membership test.
package cow

import (
	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/extent"
	"github.com/coreos/updatecore/internal/metadata"
)

// OpKind distinguishes the two block transforms a CoW writer executes.
type OpKind int

const (
	CowCopy OpKind = iota
	CowReplace
)

// Op is one converted block-level transform, always exactly one block wide:
// the converter flattens every source extent down to block granularity so
// the writer never has to reason about partial-extent overlap.
type Op struct {
	Kind     OpKind
	SrcBlock uint64
	DstBlock uint64
}

// Convert builds the ordered CowCopy/CowReplace list for one partition's
// operations, per spec.md §4.3's two invariants: every COW_COPY merge
// record is emitted before any CowReplace, and COW_COPY blocks are emitted
// in reverse per-extent order, so that when a merge's destination overlaps
// its own source at higher block numbers, every source block is copied
// before a lower-numbered copy overwrites it.
//
// CowMergeXor records are rejected with OperationExecutionError: this repo
// has no byte-diff engine that can reconstruct the XOR source, so seeding a
// partition whose merge operations name one fails rather than silently
// falling back to a full replace (see internal/metadata's CowMergeOpType
// doc comment).
func Convert(ops []metadata.InstallOperation, merges []metadata.CowMergeOperation) ([]Op, error) {
	mergedDst := make(map[uint64]bool)
	var converted []Op

	for _, merge := range merges {
		if merge.Type == metadata.CowMergeXor {
			return nil, errorcode.Newf(errorcode.OperationExecutionError,
				"COW_XOR merge operation unsupported (src=%d dst=%d)",
				merge.SrcExtent.StartBlock, merge.DstExtent.StartBlock)
		}
		if merge.SrcExtent.NumBlocks != merge.DstExtent.NumBlocks {
			return nil, errorcode.Newf(errorcode.OperationExecutionError,
				"merge operation src/dst block count mismatch (%d != %d)",
				merge.SrcExtent.NumBlocks, merge.DstExtent.NumBlocks)
		}

		for k := merge.SrcExtent.NumBlocks; k > 0; k-- {
			i := k - 1
			srcBlock := merge.SrcExtent.StartBlock + i
			dstBlock := merge.DstExtent.StartBlock + i
			converted = append(converted, Op{Kind: CowCopy, SrcBlock: srcBlock, DstBlock: dstBlock})
			mergedDst[dstBlock] = true
		}
	}

	for _, op := range ops {
		if op.Type != metadata.OpSourceCopy {
			continue
		}
		srcIt := extent.New(op.SrcExtents)
		dstIt := extent.New(op.DstExtents)
		err := extent.Zip(srcIt, dstIt, func(srcBlock, dstBlock uint64) error {
			if !mergedDst[dstBlock] {
				converted = append(converted, Op{Kind: CowReplace, SrcBlock: srcBlock, DstBlock: dstBlock})
			}
			return nil
		})
		if err != nil {
			return nil, errorcode.New(errorcode.OperationExecutionError, err)
		}
	}

	return converted, nil
}
