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

// Package cow implements spec.md §4.5's Virtual-A/B (VABC) partition
// writer: install operations staged into a dm-snapshot CoW overlay instead
// of the live target device.
//
// Grounded on original_source/payload_consumer/vabc_partition_writer.cc's
// Init (convert operations via cow_operation_convert, then AddCopy/
// AddRawBlocks the result before any other writes) and
// snapshot_extent_writer.cc (AddRawBlocks per extent, zero-fill via
// AddZeroBlocks). libsnapshot's CowWriter itself is Android platform code
// with no Go binding, so CowDevice below is the narrow capability this core
// needs from it; the only implementation is the overlay-file fileCowDevice
// in device.go, used in production and tests alike.
package cow

import (
	"os"

	cowconvert "github.com/coreos/updatecore/internal/cow"
	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/metadata"
	"github.com/coreos/updatecore/internal/platform"
)

// InstallPlan mirrors internal/writer.InstallPlan field-for-field.
type InstallPlan struct {
	PartitionName   string
	BlockSize       uint32
	TargetDevice    string
	SourceDevice    string
	EstimateCowSize uint64
}

// CowDevice is the narrow slice of libsnapshot's CowWriter this package
// needs: append-only block operations plus a finalize/merge handoff.
type CowDevice interface {
	AddCopy(dstBlock, srcBlock uint64) error
	AddRawBlocks(dstBlock uint64, data []byte) error
	AddZeroBlocks(dstBlock, numBlocks uint64) error
	Finalize() error
}

// Writer is the CoW (VABC) partition writer.
type Writer struct {
	plan   InstallPlan
	snap   platform.SnapshotWriter
	slot   platform.Slot
	device CowDevice
	source *os.File

	checkpointed uint64
}

// New returns an unopened CoW Writer. The caller supplies the platform's
// snapshot manager so this package never imports an exec/dmsetup layer
// directly.
func New(snap platform.SnapshotWriter, slot platform.Slot) *Writer {
	return &Writer{snap: snap, slot: slot}
}

// Init opens the CoW device for the partition and a read-only handle to
// the source. It issues no CoW operations itself: Seed, called right after
// Init, issues the sequence computed by internal/cow.Convert before any
// other destination write, matching VABCPartitionWriter::Init's ordering
// guarantee.
func (w *Writer) Init(plan InstallPlan, sourceMayExist bool) error {
	w.plan = plan

	path, err := w.snap.CreateSnapshot(plan.PartitionName, w.slot, plan.EstimateCowSize)
	if err != nil {
		return errorcode.New(errorcode.InstallDeviceOpenError, err)
	}

	if sourceMayExist && plan.SourceDevice != "" {
		source, err := os.Open(plan.SourceDevice)
		if err != nil {
			return errorcode.New(errorcode.InstallDeviceOpenError, err)
		}
		w.source = source
	}

	device, err := openCowDevice(path, plan.BlockSize, w.source)
	if err != nil {
		return errorcode.New(errorcode.InstallDeviceOpenError, err)
	}
	w.device = device
	return nil
}

// Seed issues the CoW operation sequence for a partition's SOURCE_COPY
// operations and merge_operations. Called once by internal/executor right
// after Init, not on every feed() call.
func (w *Writer) Seed(ops []metadata.InstallOperation, merges []metadata.CowMergeOperation) error {
	converted, err := cowconvert.Convert(ops, merges)
	if err != nil {
		return err
	}

	buf := make([]byte, w.plan.BlockSize)
	for _, op := range converted {
		switch op.Kind {
		case cowconvert.CowCopy:
			if err := w.device.AddCopy(op.DstBlock, op.SrcBlock); err != nil {
				return errorcode.New(errorcode.OperationExecutionError, err)
			}
		case cowconvert.CowReplace:
			off := int64(op.SrcBlock) * int64(w.plan.BlockSize)
			if _, err := w.source.ReadAt(buf, off); err != nil {
				return errorcode.New(errorcode.OperationExecutionError, err)
			}
			if err := w.device.AddRawBlocks(op.DstBlock, buf); err != nil {
				return errorcode.New(errorcode.OperationExecutionError, err)
			}
		}
	}
	return nil
}

// ReadSourceExtents materializes the source bytes spanning extents, for
// internal/patch to apply a SOURCE_BSDIFF/PUFFDIFF patch before the result
// is staged via PerformReplace.
func (w *Writer) ReadSourceExtents(extents []metadata.Extent) ([]byte, error) {
	buf := make([]byte, metadata.TotalBlocks(extents)*uint64(w.plan.BlockSize))
	pos := 0
	for _, e := range extents {
		n := int(e.NumBlocks) * int(w.plan.BlockSize)
		off := int64(e.StartBlock) * int64(w.plan.BlockSize)
		if _, err := w.source.ReadAt(buf[pos:pos+n], off); err != nil {
			return nil, errorcode.New(errorcode.OperationExecutionError, err)
		}
		pos += n
	}
	return buf, nil
}

// PerformReplace writes data (already decompressed) across dst_extents in
// order, rejecting a length mismatch before issuing any write.
func (w *Writer) PerformReplace(op metadata.InstallOperation, data []byte) error {
	want := int(metadata.TotalBlocks(op.DstExtents)) * int(w.plan.BlockSize)
	if len(data) != want {
		return errorcode.Newf(errorcode.OperationExecutionError,
			"replace data is %d bytes, want %d", len(data), want)
	}
	off := 0
	for _, e := range op.DstExtents {
		for i := uint64(0); i < e.NumBlocks; i++ {
			block := data[off : off+int(w.plan.BlockSize)]
			off += int(w.plan.BlockSize)
			if err := w.device.AddRawBlocks(e.StartBlock+i, block); err != nil {
				return errorcode.New(errorcode.DownloadWriteError, err)
			}
		}
	}
	return nil
}

// PerformZeroOrDiscard emits AddZeroBlocks for each destination extent, per
// VABCPartitionWriter::PerformZeroOrDiscardOperation.
func (w *Writer) PerformZeroOrDiscard(op metadata.InstallOperation) error {
	for _, e := range op.DstExtents {
		if err := w.device.AddZeroBlocks(e.StartBlock, e.NumBlocks); err != nil {
			return errorcode.New(errorcode.DownloadWriteError, err)
		}
	}
	return nil
}

// Checkpoint is a no-op for the CoW writer: the CowDevice flushes every
// operation as it's added, matching Flush's comment in the original
// ("CowWriter automatically flushes every OP added").
func (w *Writer) Checkpoint(nextOpIndex uint64) {
	w.checkpointed = nextOpIndex
}

func (w *Writer) Flush() error { return nil }

// Close finalizes the CoW device, handing it to the external merge
// collaborator. A finalize failure is reported but, per spec.md §4.5,
// never retroactively fails operations already applied.
func (w *Writer) Close() error {
	var err error
	if w.source != nil {
		if cerr := w.source.Close(); cerr != nil {
			err = cerr
		}
	}
	if w.device != nil {
		if ferr := w.device.Finalize(); ferr != nil {
			err = ferr
		}
	}
	return err
}
