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

package cow

import (
	"testing"

	"github.com/coreos/updatecore/internal/metadata"
)

func ext(start, num uint64) metadata.Extent {
	return metadata.Extent{StartBlock: start, NumBlocks: num}
}

func sourceCopy(src, dst metadata.Extent) metadata.InstallOperation {
	return metadata.InstallOperation{
		Type:       metadata.OpSourceCopy,
		SrcExtents: []metadata.Extent{src},
		DstExtents: []metadata.Extent{dst},
	}
}

func cowCopyMerge(src, dst metadata.Extent) metadata.CowMergeOperation {
	return metadata.CowMergeOperation{Type: metadata.CowMergeCopy, SrcExtent: src, DstExtent: dst}
}

func countKind(ops []Op, kind OpKind) int {
	n := 0
	for _, o := range ops {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

func TestConvertNoConflict(t *testing.T) {
	ops := []metadata.InstallOperation{
		sourceCopy(ext(20, 1), ext(30, 1)),
		sourceCopy(ext(10, 1), ext(20, 1)),
		sourceCopy(ext(0, 1), ext(10, 1)),
	}
	merges := []metadata.CowMergeOperation{
		cowCopyMerge(ext(20, 1), ext(30, 1)),
		cowCopyMerge(ext(10, 1), ext(20, 1)),
		cowCopyMerge(ext(0, 1), ext(10, 1)),
	}

	converted, err := Convert(ops, merges)
	if err != nil {
		t.Fatal(err)
	}
	if len(converted) != 3 {
		t.Fatalf("got %d ops, want 3", len(converted))
	}
	if countKind(converted, CowCopy) != 3 {
		t.Fatalf("expected all 3 ops to be CowCopy: %+v", converted)
	}
}

func TestConvertCowReplaceFallback(t *testing.T) {
	// The block {30,1} -> {0,1} SOURCE_COPY has no matching merge op, so it
	// must fall back to CowReplace.
	ops := []metadata.InstallOperation{
		sourceCopy(ext(30, 1), ext(0, 1)),
		sourceCopy(ext(20, 1), ext(30, 1)),
		sourceCopy(ext(10, 1), ext(20, 1)),
		sourceCopy(ext(0, 1), ext(10, 1)),
	}
	merges := []metadata.CowMergeOperation{
		cowCopyMerge(ext(20, 1), ext(30, 1)),
		cowCopyMerge(ext(10, 1), ext(20, 1)),
		cowCopyMerge(ext(0, 1), ext(10, 1)),
	}

	converted, err := Convert(ops, merges)
	if err != nil {
		t.Fatal(err)
	}
	if len(converted) != 4 {
		t.Fatalf("got %d ops, want 4", len(converted))
	}
	if got := countKind(converted, CowCopy); got != 3 {
		t.Fatalf("CowCopy count = %d, want 3", got)
	}
	if got := countKind(converted, CowReplace); got != 1 {
		t.Fatalf("CowReplace count = %d, want 1", got)
	}
}

func TestConvertSelfOverlappingReverseOrder(t *testing.T) {
	ops := []metadata.InstallOperation{
		sourceCopy(ext(20, 10), ext(25, 10)),
	}
	merges := []metadata.CowMergeOperation{
		cowCopyMerge(ext(20, 10), ext(25, 10)),
	}

	converted, err := Convert(ops, merges)
	if err != nil {
		t.Fatal(err)
	}
	if len(converted) != 10 {
		t.Fatalf("got %d ops, want 10", len(converted))
	}
	for i, op := range converted {
		if op.Kind != CowCopy {
			t.Fatalf("op %d: expected CowCopy, got %v", i, op.Kind)
		}
	}

	// Self-overlapping src=[20,30) dst=[25,35) must be walked highest-block
	// first, or copying dst=25 from src=20 would clobber src=25 before it is
	// itself read as a source for a later block.
	first := converted[0]
	if first.SrcBlock != 29 || first.DstBlock != 34 {
		t.Fatalf("expected reverse order to start at (29,34), got (%d,%d)", first.SrcBlock, first.DstBlock)
	}
	last := converted[len(converted)-1]
	if last.SrcBlock != 20 || last.DstBlock != 25 {
		t.Fatalf("expected reverse order to end at (20,25), got (%d,%d)", last.SrcBlock, last.DstBlock)
	}
}

func TestConvertRejectsCowXor(t *testing.T) {
	merges := []metadata.CowMergeOperation{
		{Type: metadata.CowMergeXor, SrcExtent: ext(0, 1), DstExtent: ext(1, 1)},
	}
	if _, err := Convert(nil, merges); err == nil {
		t.Fatal("expected COW_XOR to be rejected")
	}
}
