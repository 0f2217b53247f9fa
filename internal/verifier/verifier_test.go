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

package verifier

import (
	"context"
	"crypto/sha256"
	"os"
	"testing"

	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/metadata"
)

func tempDevice(t *testing.T, data []byte) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "partition")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestVerifyPartitionMatch(t *testing.T) {
	data := make([]byte, 3*chunkSize+17)
	for i := range data {
		data[i] = byte(i)
	}
	sum := sha256.Sum256(data)
	f := tempDevice(t, data)

	var lastDone uint64
	err := VerifyPartition(context.Background(), f, &metadata.PartitionInfo{Size: uint64(len(data)), Hash: sum[:]}, func(done, total uint64) {
		lastDone = done
	})
	if err != nil {
		t.Fatalf("VerifyPartition: %v", err)
	}
	if lastDone != uint64(len(data)) {
		t.Fatalf("final progress = %d, want %d", lastDone, len(data))
	}
}

func TestVerifyPartitionMismatch(t *testing.T) {
	data := []byte("hello world")
	f := tempDevice(t, data)

	err := VerifyPartition(context.Background(), f, &metadata.PartitionInfo{Size: uint64(len(data)), Hash: []byte("not-a-hash")}, nil)
	if err == nil {
		t.Fatal("expected mismatch error, got nil")
	}
	if !errorcode.Is(err, errorcode.FilesystemVerifierError) {
		t.Fatalf("err = %v, want FilesystemVerifierError", err)
	}
}

func TestVerifyPartitionCancelled(t *testing.T) {
	data := make([]byte, 4*chunkSize)
	f := tempDevice(t, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := VerifyPartition(ctx, f, &metadata.PartitionInfo{Size: uint64(len(data))}, nil)
	if err == nil {
		t.Fatal("expected cancellation error, got nil")
	}
}

func TestVerifyTargetThenSourceTargetOK(t *testing.T) {
	data := []byte("the quick brown fox")
	sum := sha256.Sum256(data)
	target := tempDevice(t, data)

	err := VerifyTargetThenSource(context.Background(),
		target, &metadata.PartitionInfo{Size: uint64(len(data)), Hash: sum[:]},
		nil, nil,
		errorcode.NewRootfsVerificationError, errorcode.SourceHashMismatch, nil)
	if err != nil {
		t.Fatalf("VerifyTargetThenSource: %v", err)
	}
}

func TestVerifyTargetThenSourceFallsBackToSource(t *testing.T) {
	targetData := []byte("corrupted target contents")
	sourceData := []byte("original source contents!!")
	sourceSum := sha256.Sum256(sourceData)

	target := tempDevice(t, targetData)
	source := tempDevice(t, sourceData)

	err := VerifyTargetThenSource(context.Background(),
		target, &metadata.PartitionInfo{Size: uint64(len(targetData)), Hash: []byte("wrong")},
		source, &metadata.PartitionInfo{Size: uint64(len(sourceData)), Hash: sourceSum[:]},
		errorcode.NewRootfsVerificationError, errorcode.SourceHashMismatch, nil)
	if !errorcode.Is(err, errorcode.SourceHashMismatch) {
		t.Fatalf("err = %v, want SourceHashMismatch", err)
	}
}

func TestVerifyTargetThenSourceBothFail(t *testing.T) {
	targetData := []byte("corrupted target contents")
	sourceData := []byte("also corrupted source!!!!!")

	target := tempDevice(t, targetData)
	source := tempDevice(t, sourceData)

	err := VerifyTargetThenSource(context.Background(),
		target, &metadata.PartitionInfo{Size: uint64(len(targetData)), Hash: []byte("wrong")},
		source, &metadata.PartitionInfo{Size: uint64(len(sourceData)), Hash: []byte("also wrong")},
		errorcode.NewRootfsVerificationError, errorcode.SourceHashMismatch, nil)
	if !errorcode.Is(err, errorcode.DownloadStateInitializationError) {
		t.Fatalf("err = %v, want DownloadStateInitializationError", err)
	}
}

func TestWriteVerityTrailerNil(t *testing.T) {
	f := tempDevice(t, []byte("data"))
	if err := WriteVerityTrailer(f, nil, 4096, 4); err != nil {
		t.Fatalf("WriteVerityTrailer with nil VerityInfo: %v", err)
	}
}

func TestWriteVerityTrailerWritesTree(t *testing.T) {
	blockSize := uint32(64)
	data := make([]byte, 3*blockSize)
	for i := range data {
		data[i] = byte(i)
	}
	// leave room after the data region for the hash tree
	buf := append(data, make([]byte, 1024)...)
	f := tempDevice(t, buf)

	v := &metadata.VerityInfo{
		HashTreeExtent:    metadata.Extent{StartBlock: 3, NumBlocks: 1},
		HashTreeAlgorithm: "sha256",
		HashTreeSalt:      []byte("salt"),
	}
	if err := WriteVerityTrailer(f, v, blockSize, uint64(len(data))); err != nil {
		t.Fatalf("WriteVerityTrailer: %v", err)
	}

	tree := make([]byte, sha256.Size)
	if _, err := f.ReadAt(tree, int64(v.HashTreeExtent.StartBlock)*int64(blockSize)); err != nil {
		t.Fatalf("read back tree: %v", err)
	}
	var zero [sha256.Size]byte
	if string(tree) == string(zero[:]) {
		t.Fatal("hash tree region was not written")
	}
}

func TestWriteVerityTrailerRejectsUnknownAlgorithm(t *testing.T) {
	f := tempDevice(t, make([]byte, 256))
	v := &metadata.VerityInfo{HashTreeAlgorithm: "sha3-512"}
	err := WriteVerityTrailer(f, v, 64, 128)
	if !errorcode.Is(err, errorcode.FilesystemVerifierError) {
		t.Fatalf("err = %v, want FilesystemVerifierError", err)
	}
}
