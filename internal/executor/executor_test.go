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

package executor

import (
	"crypto/sha256"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/journal"
	"github.com/coreos/updatecore/internal/metadata"
	"github.com/coreos/updatecore/internal/payload"
	"github.com/coreos/updatecore/internal/wire"
)

// fakeWriter is an in-memory PartitionWriter for exercising the executor
// without real block devices.
type fakeWriter struct {
	seeded    bool
	seedOps   []metadata.InstallOperation
	seedMerge []metadata.CowMergeOperation

	replaced map[uint64][]byte // dst_block -> data, per-block
	zeroed   map[uint64]bool
	copied   bool

	blockSize uint32
	closed    bool
	flushed   bool
	checked   uint64
}

func newFakeWriter(blockSize uint32) *fakeWriter {
	return &fakeWriter{blockSize: blockSize, replaced: make(map[uint64][]byte), zeroed: make(map[uint64]bool)}
}

func (f *fakeWriter) Seed(ops []metadata.InstallOperation, merges []metadata.CowMergeOperation) error {
	f.seeded = true
	f.seedOps = ops
	f.seedMerge = merges
	return nil
}

func (f *fakeWriter) PerformReplace(op metadata.InstallOperation, data []byte) error {
	off := 0
	for _, e := range op.DstExtents {
		for i := uint64(0); i < e.NumBlocks; i++ {
			block := e.StartBlock + i
			f.replaced[block] = append([]byte(nil), data[off:off+int(f.blockSize)]...)
			off += int(f.blockSize)
		}
	}
	return nil
}

func (f *fakeWriter) PerformZeroOrDiscard(op metadata.InstallOperation) error {
	for _, e := range op.DstExtents {
		for i := uint64(0); i < e.NumBlocks; i++ {
			f.zeroed[e.StartBlock+i] = true
		}
	}
	return nil
}

func (f *fakeWriter) PerformSourceCopy(op metadata.InstallOperation) error {
	f.copied = true
	return nil
}

func (f *fakeWriter) PerformSourceBSDiff(op metadata.InstallOperation, patched []byte) error {
	return f.PerformReplace(op, patched)
}

func (f *fakeWriter) PerformPuffDiff(op metadata.InstallOperation, patched []byte) error {
	return f.PerformReplace(op, patched)
}

func (f *fakeWriter) ReadSourceExtents(extents []metadata.Extent) ([]byte, error) {
	return make([]byte, metadata.TotalBlocks(extents)*uint64(f.blockSize)), nil
}

func (f *fakeWriter) Flush() error                      { f.flushed = true; return nil }
func (f *fakeWriter) Checkpoint(nextOpIndex uint64)      { f.checked = nextOpIndex }
func (f *fakeWriter) Close() error                       { f.closed = true; return nil }
func (f *fakeWriter) RecoveredReads() uint64             { return 0 }

// buildManifestStream wraps a manifest in an unsigned major-version-1
// header, the simplest stream payload.Verifier accepts with no metadata
// signature stage to satisfy.
func buildManifestStream(m *metadata.Manifest) []byte {
	body := wire.MarshalManifest(m)
	header := make([]byte, 20)
	copy(header[0:4], metadata.Magic)
	binary.BigEndian.PutUint64(header[4:12], metadata.MajorVersion1)
	binary.BigEndian.PutUint64(header[12:20], uint64(len(body)))
	return append(header, body...)
}

// openVerifier feeds stream into a fresh Verifier until it reaches
// StageOperations, returning the parsed manifest.
func openVerifier(t *testing.T, stream []byte) (*payload.Verifier, *metadata.Manifest) {
	t.Helper()
	v := payload.New(nil)
	n, err := v.Feed(stream)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if n != len(stream) {
		t.Fatalf("Feed consumed %d of %d bytes", n, len(stream))
	}
	if v.Stage() != payload.StageOperations {
		t.Fatalf("stage = %v, want StageOperations", v.Stage())
	}
	return v, v.Manifest
}

func oneReplaceManifest() (*metadata.Manifest, []byte) {
	data := []byte("0123456789abcdef") // exactly one 16-byte block
	sum := sha256.Sum256(data)
	m := &metadata.Manifest{
		BlockSize: 16,
		Partitions: []metadata.PartitionUpdate{
			{
				PartitionName: "rootfs",
				NewInfo:       &metadata.PartitionInfo{Size: 16},
				Operations: []metadata.InstallOperation{
					{
						Type:           metadata.OpReplace,
						DstExtents:     []metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
						DataLength:     uint64(len(data)),
						DataSha256Hash: sum[:],
					},
				},
			},
		},
	}
	return m, data
}

func TestFeedAppliesReplaceAndCheckpoints(t *testing.T) {
	m, data := oneReplaceManifest()
	stream := buildManifestStream(m)
	v, manifest := openVerifier(t, stream)

	jpath := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(jpath)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	var fw *fakeWriter
	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		fw = newFakeWriter(manifest.BlockSize)
		return fw, nil
	}

	e, err := New(manifest, v, j, "boot-1", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, _, err := e.Feed(data)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res != ResultDone {
		t.Fatalf("res = %v, want ResultDone", res)
	}
	if string(fw.replaced[0]) != string(data) {
		t.Fatalf("block 0 = %q, want %q", fw.replaced[0], data)
	}
	if !fw.flushed {
		t.Fatal("writer was not flushed on completion")
	}

	progress, ok, err := j.LoadProgress()
	if err != nil || !ok {
		t.Fatalf("LoadProgress: ok=%v err=%v", ok, err)
	}
	if progress.NextOperation != 1 {
		t.Fatalf("NextOperation = %d, want 1", progress.NextOperation)
	}
}

func TestFeedNeedsMoreBeforeFullBlob(t *testing.T) {
	m, data := oneReplaceManifest()
	stream := buildManifestStream(m)
	v, manifest := openVerifier(t, stream)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		return newFakeWriter(manifest.BlockSize), nil
	}
	e, err := New(manifest, v, j, "boot-1", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, _, err := e.Feed(data[:len(data)-1])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res != ResultNeedMore {
		t.Fatalf("res = %v, want ResultNeedMore", res)
	}

	res, _, err = e.Feed(data[len(data)-1:])
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res != ResultDone {
		t.Fatalf("res = %v, want ResultDone", res)
	}
}

func TestFeedRejectsOperationHashMismatch(t *testing.T) {
	m, data := oneReplaceManifest()
	m.Partitions[0].Operations[0].DataSha256Hash = []byte("not-the-right-hash-at-all-32byte")
	stream := buildManifestStream(m)
	v, manifest := openVerifier(t, stream)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		return newFakeWriter(manifest.BlockSize), nil
	}
	e, err := New(manifest, v, j, "boot-1", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = e.Feed(data)
	if !errorcode.Is(err, errorcode.OperationHashMismatch) {
		t.Fatalf("err = %v, want OperationHashMismatch", err)
	}
}

func TestFeedZeroOperationSkipsDataBuffering(t *testing.T) {
	m := &metadata.Manifest{
		BlockSize: 16,
		Partitions: []metadata.PartitionUpdate{
			{
				PartitionName: "rootfs",
				NewInfo:       &metadata.PartitionInfo{Size: 16},
				Operations: []metadata.InstallOperation{
					{Type: metadata.OpZero, DstExtents: []metadata.Extent{{StartBlock: 2, NumBlocks: 1}}},
				},
			},
		},
	}
	stream := buildManifestStream(m)
	v, manifest := openVerifier(t, stream)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	var fw *fakeWriter
	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		fw = newFakeWriter(manifest.BlockSize)
		return fw, nil
	}
	e, err := New(manifest, v, j, "boot-1", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, _, err := e.Feed(nil)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res != ResultDone {
		t.Fatalf("res = %v, want ResultDone", res)
	}
	if !fw.zeroed[2] {
		t.Fatal("block 2 was not zeroed")
	}
}

func TestResumeRestartsOnBootIDMismatch(t *testing.T) {
	m, data := oneReplaceManifest()
	stream := buildManifestStream(m)
	v, manifest := openVerifier(t, stream)

	jpath := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(jpath)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		return newFakeWriter(manifest.BlockSize), nil
	}

	e, err := New(manifest, v, j, "boot-1", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e.Feed(data); err != nil {
		t.Fatalf("Feed: %v", err)
	}

	v2 := payload.New(nil)
	if _, err := v2.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	_, ok, err := Resume(manifest, v2, j, "boot-2", wf)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ok {
		t.Fatal("Resume reported ok=true across a boot id mismatch")
	}
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	data0 := []byte("0123456789abcdef")
	data1 := []byte("fedcba9876543210")
	sum0 := sha256.Sum256(data0)
	sum1 := sha256.Sum256(data1)
	m := &metadata.Manifest{
		BlockSize: 16,
		Partitions: []metadata.PartitionUpdate{
			{
				PartitionName: "rootfs",
				NewInfo:       &metadata.PartitionInfo{Size: 32},
				Operations: []metadata.InstallOperation{
					{Type: metadata.OpReplace, DstExtents: []metadata.Extent{{StartBlock: 0, NumBlocks: 1}}, DataLength: 16, DataSha256Hash: sum0[:]},
					{Type: metadata.OpReplace, DstExtents: []metadata.Extent{{StartBlock: 1, NumBlocks: 1}}, DataLength: 16, DataSha256Hash: sum1[:]},
				},
			},
		},
	}
	stream := buildManifestStream(m)
	v, manifest := openVerifier(t, stream)

	jpath := filepath.Join(t.TempDir(), "journal.db")
	j, err := journal.Open(jpath)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	var fw1 *fakeWriter
	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		fw1 = newFakeWriter(manifest.BlockSize)
		return fw1, nil
	}
	e, err := New(manifest, v, j, "boot-1", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, _, err := e.Feed(data0)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res != ResultNeedMore {
		t.Fatalf("res after first op = %v, want ResultNeedMore", res)
	}

	v2 := payload.New(nil)
	if _, err := v2.Feed(stream); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	var fw2 *fakeWriter
	wf2 := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		fw2 = newFakeWriter(manifest.BlockSize)
		return fw2, nil
	}
	resumed, ok, err := Resume(manifest, v2, j, "boot-1", wf2)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !ok {
		t.Fatal("Resume reported ok=false for a matching boot id")
	}

	res, _, err = resumed.Feed(data1)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if res != ResultDone {
		t.Fatalf("res = %v, want ResultDone", res)
	}
	if string(fw2.replaced[1]) != string(data1) {
		t.Fatalf("block 1 = %q, want %q", fw2.replaced[1], data1)
	}
	if _, ok := fw2.replaced[0]; ok {
		t.Fatal("resumed executor replayed an already-checkpointed operation")
	}
}

func TestAbortClosesOpenWriters(t *testing.T) {
	m, data := oneReplaceManifest()
	stream := buildManifestStream(m)
	v, manifest := openVerifier(t, stream)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()

	var fw *fakeWriter
	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error) {
		fw = newFakeWriter(manifest.BlockSize)
		return fw, nil
	}
	e, err := New(manifest, v, j, "boot-1", wf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := e.Feed(data[:4]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := e.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !fw.closed {
		t.Fatal("Abort did not close the partition writer")
	}
}
