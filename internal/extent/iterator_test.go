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

package extent

import (
	"testing"

	"github.com/coreos/updatecore/internal/metadata"
)

func ext(start, num uint64) metadata.Extent {
	return metadata.Extent{StartBlock: start, NumBlocks: num}
}

func drain(b *BlockIterator) []uint64 {
	var got []uint64
	for {
		block, ok := b.Next()
		if !ok {
			return got
		}
		got = append(got, block)
	}
}

func TestBlockIteratorFlattensExtents(t *testing.T) {
	it := New([]metadata.Extent{ext(10, 2), ext(100, 3), ext(0, 1)})
	want := []uint64{10, 11, 100, 101, 102, 0}
	got := drain(it)
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("block %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBlockIteratorEmpty(t *testing.T) {
	it := New(nil)
	if _, ok := it.Next(); ok {
		t.Fatal("expected no blocks from an empty extent list")
	}
}

func TestBlockIteratorZeroLengthExtentSkipped(t *testing.T) {
	it := New([]metadata.Extent{ext(5, 0), ext(7, 1)})
	got := drain(it)
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("got %v, want [7]", got)
	}
}

func TestBlockIteratorRemaining(t *testing.T) {
	it := New([]metadata.Extent{ext(0, 2), ext(10, 3)})
	if r := it.Remaining(); r != 5 {
		t.Fatalf("Remaining() = %d, want 5", r)
	}
	it.Next()
	if r := it.Remaining(); r != 4 {
		t.Fatalf("Remaining() after one Next = %d, want 4", r)
	}
	drain(it)
	if r := it.Remaining(); r != 0 {
		t.Fatalf("Remaining() after drain = %d, want 0", r)
	}
}

func TestZipMatchedLength(t *testing.T) {
	a := New([]metadata.Extent{ext(0, 2), ext(10, 1)})
	b := New([]metadata.Extent{ext(100, 3)})

	var pairs [][2]uint64
	err := Zip(a, b, func(av, bv uint64) error {
		pairs = append(pairs, [2]uint64{av, bv})
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := [][2]uint64{{0, 100}, {1, 101}, {10, 102}}
	if len(pairs) != len(want) {
		t.Fatalf("got %v, want %v", pairs, want)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d: got %v, want %v", i, pairs[i], want[i])
		}
	}
}

func TestZipRejectsMismatchedLength(t *testing.T) {
	a := New([]metadata.Extent{ext(0, 2)})
	b := New([]metadata.Extent{ext(100, 1)})

	err := Zip(a, b, func(aBlock, bBlock uint64) error { return nil })
	if err == nil {
		t.Fatal("expected a length-mismatch error")
	}
}

func TestZipPropagatesCallbackError(t *testing.T) {
	a := New([]metadata.Extent{ext(0, 2)})
	b := New([]metadata.Extent{ext(100, 2)})

	boom := mismatchedLengthError{}
	err := Zip(a, b, func(aBlock, bBlock uint64) error {
		if aBlock == 1 {
			return boom
		}
		return nil
	})
	if err != boom {
		t.Fatalf("got %v, want the callback's own error", err)
	}
}
