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

// Package ecc implements spec.md §4.4's ChooseSourceFD recovery path: one
// bounded attempt to re-read a source block run through forward error
// correction after a SHA-256 mismatch, before giving up and failing the
// operation.
//
// No pack repo implements FEC-backed block recovery (original_source's
// dynamic_partition_control_android.h describes the platform's FEC device
// but it has no Go binding). github.com/klauspost/reedsolomon stands in for
// the platform decoder, bounded by a single retry via
// github.com/sethvargo/go-retry so a transient read error on the parity
// device doesn't turn into an unbounded loop.
package ecc

import (
	"context"
	"os"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/sethvargo/go-retry"

	"github.com/coreos/updatecore/internal/errorcode"
)

// Reader recovers a byte span of a source device using its FEC parity data,
// satisfying internal/writer/raw.SourceReader.
type Reader struct {
	// DataShards and ParityShards describe the Reed-Solomon layout of the
	// FEC device attached to the partition this Reader was built for.
	DataShards   int
	ParityShards int

	// FECDevice is the path to the partition's forward-error-correction
	// data, as named by the manifest's VerityInfo.FECDataExtent.
	FECDevice string

	// RecoveredCount is incremented on every successful recovery. The
	// pipeline's telemetry counter is fed from the writers' RecoveredReads,
	// not from this field.
	RecoveredCount uint64
}

// ReadCorrected re-reads length bytes starting at byteOffset on device,
// reconstructing any corrupted shards from FECDevice's parity data. It
// retries the underlying reads once on a transient I/O error, per spec.md
// §5's "bounded spin on a single source-hash recovery attempt".
func (r *Reader) ReadCorrected(device string, byteOffset int64, length int) ([]byte, error) {
	enc, err := reedsolomon.New(r.DataShards, r.ParityShards)
	if err != nil {
		return nil, errorcode.New(errorcode.OperationExecutionError, err)
	}

	shardSize := (length + r.DataShards - 1) / r.DataShards
	shards := make([][]byte, r.DataShards+r.ParityShards)

	b, err := retry.NewConstant(50 * time.Millisecond)
	if err != nil {
		return nil, errorcode.New(errorcode.OperationExecutionError, err)
	}
	b = retry.WithMaxRetries(1, b)

	err = retry.Do(context.Background(), b, func(ctx context.Context) error {
		dataFile, err := os.Open(device)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer dataFile.Close()

		parityFile, err := os.Open(r.FECDevice)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer parityFile.Close()

		for i := 0; i < r.DataShards; i++ {
			shards[i] = make([]byte, shardSize)
			if _, rerr := dataFile.ReadAt(shards[i], byteOffset+int64(i*shardSize)); rerr != nil {
				shards[i] = nil // mark missing; reconstructed below
			}
		}
		for i := 0; i < r.ParityShards; i++ {
			shards[r.DataShards+i] = make([]byte, shardSize)
			if _, rerr := parityFile.ReadAt(shards[r.DataShards+i], int64(i*shardSize)); rerr != nil {
				shards[r.DataShards+i] = nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errorcode.New(errorcode.OperationExecutionError, err)
	}

	if err := enc.Reconstruct(shards); err != nil {
		return nil, errorcode.New(errorcode.OperationExecutionError, err)
	}

	out := make([]byte, 0, length)
	for i := 0; i < r.DataShards && len(out) < length; i++ {
		out = append(out, shards[i]...)
	}
	if len(out) > length {
		out = out[:length]
	}
	r.RecoveredCount++
	return out, nil
}
