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

// Package verifier implements spec.md §4.6's filesystem verifier: a
// streamed, cancellable re-read of a partition that checks its SHA-256
// against new_partition_info.hash, with a source-hash fallback stage to
// diagnose pre-existing corruption from write corruption.
//
// Grounded on update/updater.go's VerifyInfo (io.CopyN into a sha256.Hash,
// final bytes.Equal), generalized to (a) report progress as it streams,
// (b) support context cancellation mid-read, and (c) a two-stage contract
// instead of one unconditional check.
package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"hash"
	"io"
	"os"

	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/metadata"
)

// chunkSize bounds a single read so progress can be reported and
// cancellation observed between reads, rather than blocking on one huge
// io.CopyN the way update/updater.go's VerifyInfo does.
const chunkSize = 1 << 20 // 1 MiB

// ProgressFunc is called after each chunk with the cumulative byte count
// verified so far.
type ProgressFunc func(bytesDone, bytesTotal uint64)

// VerifyPartition seeks device to offset 0, streams it, and checks its
// SHA-256 over info.Size bytes against info.Hash.
// Cancelling ctx mid-read aborts with errorcode.FilesystemVerifierError.
func VerifyPartition(ctx context.Context, device *os.File, info *metadata.PartitionInfo, onProgress ProgressFunc) error {
	if _, err := device.Seek(0, io.SeekStart); err != nil {
		return errorcode.New(errorcode.FilesystemVerifierError, err)
	}

	h := sha256.New()
	var done uint64
	remaining := info.Size
	buf := make([]byte, chunkSize)

	for remaining > 0 {
		select {
		case <-ctx.Done():
			return errorcode.New(errorcode.FilesystemVerifierError, ctx.Err())
		default:
		}

		n := uint64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(device, buf[:n])
		if err != nil {
			return errorcode.New(errorcode.FilesystemVerifierError, err)
		}
		h.Write(buf[:read])
		done += uint64(read)
		remaining -= uint64(read)
		if onProgress != nil {
			onProgress(done, info.Size)
		}
	}

	sum := h.Sum(nil)
	if !bytes.Equal(sum, info.Hash) {
		return errorcode.Newf(errorcode.FilesystemVerifierError,
			"partition hash mismatch: got %x, want %x", sum, info.Hash)
	}
	return nil
}

// VerifyTargetThenSource runs the two-stage contract spec.md §4.6
// describes: if the target hash matches, success. If it doesn't, check the
// source partition's hash too, to distinguish write corruption (source
// still matches its old hash) from pre-existing source corruption (source
// no longer matches either).
func VerifyTargetThenSource(
	ctx context.Context,
	target *os.File, targetInfo *metadata.PartitionInfo,
	source *os.File, sourceInfo *metadata.PartitionInfo,
	targetErrorCode, sourceErrorCode errorcode.Code,
	onProgress ProgressFunc,
) error {
	targetErr := VerifyPartition(ctx, target, targetInfo, onProgress)
	if targetErr == nil {
		return nil
	}
	if source == nil || sourceInfo == nil {
		return errorcode.New(targetErrorCode, targetErr)
	}

	sourceErr := VerifyPartition(ctx, source, sourceInfo, nil)
	if sourceErr != nil {
		// Both target and source fail: this predates the update.
		return errorcode.Newf(errorcode.DownloadStateInitializationError,
			"source partition corruption detected during target verification failure: %v", sourceErr)
	}
	return errorcode.New(sourceErrorCode, targetErr)
}

// WriteVerityTrailer computes a partition's dm-verity hash tree over its
// verified contents and writes it to the trailing extent v.HashTreeExtent
// describes (the payload only carries the data blocks; the hash tree is
// derived locally from what was actually written). No FEC data is computed,
// and v.FECExtent is not written.
//
// The hash tree itself uses the partition's declared HashTreeAlgorithm over
// fixed blockSize leaves, salted with HashTreeSalt, folded bottom-up into a
// single root per level until one block remains — the same shape
// original_source/verity_writer_android.cc builds, minus its forward FEC
// interleaving.
func WriteVerityTrailer(target *os.File, v *metadata.VerityInfo, blockSize uint32, dataSize uint64) error {
	if v == nil {
		return nil
	}

	tree, err := buildHashTree(target, v, blockSize, dataSize)
	if err != nil {
		return errorcode.New(errorcode.FilesystemVerifierError, err)
	}
	off := int64(v.HashTreeExtent.StartBlock) * int64(blockSize)
	if _, err := target.WriteAt(tree, off); err != nil {
		return errorcode.New(errorcode.FilesystemVerifierError, err)
	}
	return nil
}

// buildHashTree reads dataSize bytes of already-written partition contents
// and folds them into a dm-verity style Merkle tree, one leaf hash per
// blockSize-sized data block, salted and concatenated level by level.
func buildHashTree(target *os.File, v *metadata.VerityInfo, blockSize uint32, dataSize uint64) ([]byte, error) {
	newHash, err := verityHasher(v.HashTreeAlgorithm)
	if err != nil {
		return nil, err
	}

	numBlocks := (dataSize + uint64(blockSize) - 1) / uint64(blockSize)
	level := make([][]byte, 0, numBlocks)
	buf := make([]byte, blockSize)
	for i := uint64(0); i < numBlocks; i++ {
		n, rerr := target.ReadAt(buf, int64(i)*int64(blockSize))
		if rerr != nil && rerr != io.EOF {
			return nil, rerr
		}
		h := newHash()
		h.Write(v.HashTreeSalt)
		h.Write(buf[:n])
		if n < len(buf) {
			h.Write(make([]byte, len(buf)-n))
		}
		level = append(level, h.Sum(nil))
	}

	hashesPerBlock := blockPerLevel(blockSize, newHash().Size())
	var out bytes.Buffer
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+hashesPerBlock-1)/hashesPerBlock)
		for i := 0; i < len(level); i += hashesPerBlock {
			end := i + hashesPerBlock
			if end > len(level) {
				end = len(level)
			}
			h := newHash()
			h.Write(v.HashTreeSalt)
			for _, leaf := range level[i:end] {
				h.Write(leaf)
			}
			next = append(next, h.Sum(nil))
		}
		for _, leaf := range level {
			out.Write(leaf)
		}
		level = next
	}
	if len(level) == 1 {
		out.Write(level[0])
	}
	return out.Bytes(), nil
}

func blockPerLevel(blockSize uint32, hashSize int) int {
	n := int(blockSize) / hashSize
	if n < 1 {
		n = 1
	}
	return n
}

func verityHasher(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256", "":
		return sha256.New, nil
	default:
		return nil, errorcode.Newf(errorcode.FilesystemVerifierError,
			"verifier: unsupported hash tree algorithm %q", algorithm)
	}
}
