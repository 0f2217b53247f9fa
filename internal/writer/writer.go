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

// Package writer implements spec.md §4.4/§4.5's two partition writers behind
// one closed sum type, per spec.md §9's design note: a raw writer and a
// CoW/VABC writer are the only two variants that will ever exist, so this
// models them as a tagged union dispatching on a Kind field rather than as
// an interface with two implementations — there is no third caller that
// needs to supply its own Writer, so polymorphism would only hide which
// concrete behaviors exist.
package writer

import (
	"github.com/coreos/updatecore/internal/metadata"
	"github.com/coreos/updatecore/internal/platform"
	"github.com/coreos/updatecore/internal/writer/cow"
	"github.com/coreos/updatecore/internal/writer/raw"
)

// Kind selects which variant a Writer holds.
type Kind int

const (
	KindRaw Kind = iota
	KindCow
)

// InstallPlan is the subset of per-partition configuration a writer needs
// to open its target and source devices, mirroring the fields
// update/updater.go's Updater keeps on itself (SrcPartition/DstPartition)
// generalized to every partition named in a manifest instead of one
// hardcoded pair.
type InstallPlan struct {
	PartitionName   string
	BlockSize       uint32
	TargetDevice    string
	SourceDevice    string
	EstimateCowSize uint64
}

// Writer applies install operations to one partition's target device,
// either directly (KindRaw) or through a CoW snapshot overlay (KindCow).
type Writer struct {
	kind Kind
	raw  *raw.Writer
	cow  *cow.Writer
}

// NewRaw returns a Writer that writes directly to the target block device.
// recovery may be nil; when set, a SOURCE_COPY source-hash mismatch is
// retried once through it before the operation fails outright. Source
// reads for SOURCE_BSDIFF/PUFFDIFF are not hash-checked and not retried.
func NewRaw(recovery raw.SourceReader) *Writer {
	w := raw.New()
	if recovery != nil {
		w = w.WithRecovery(recovery)
	}
	return &Writer{kind: KindRaw, raw: w}
}

// NewCow returns a Writer that stages writes into a Virtual-A/B snapshot.
func NewCow(snap platform.SnapshotWriter, slot platform.Slot) *Writer {
	return &Writer{kind: KindCow, cow: cow.New(snap, slot)}
}

func (w *Writer) Init(plan InstallPlan, sourceMayExist bool) error {
	switch w.kind {
	case KindRaw:
		return w.raw.Init(raw.InstallPlan(plan), sourceMayExist)
	case KindCow:
		return w.cow.Init(cow.InstallPlan(plan), sourceMayExist)
	default:
		panic("writer: unknown kind")
	}
}

// Seed issues the CoW copy/replace sequence for a partition's SOURCE_COPY
// operations, per spec.md §4.5's "before any destination writes" ordering.
// It is a no-op for KindRaw, which has no equivalent staging phase.
func (w *Writer) Seed(ops []metadata.InstallOperation, merges []metadata.CowMergeOperation) error {
	if w.kind == KindCow {
		return w.cow.Seed(ops, merges)
	}
	return nil
}

func (w *Writer) PerformReplace(op metadata.InstallOperation, data []byte) error {
	switch w.kind {
	case KindRaw:
		return w.raw.PerformReplace(op, data)
	case KindCow:
		return w.cow.PerformReplace(op, data)
	default:
		panic("writer: unknown kind")
	}
}

func (w *Writer) PerformZeroOrDiscard(op metadata.InstallOperation) error {
	switch w.kind {
	case KindRaw:
		return w.raw.PerformZeroOrDiscard(op)
	case KindCow:
		return w.cow.PerformZeroOrDiscard(op)
	default:
		panic("writer: unknown kind")
	}
}

func (w *Writer) PerformSourceCopy(op metadata.InstallOperation) error {
	switch w.kind {
	case KindRaw:
		return w.raw.PerformSourceCopy(op)
	case KindCow:
		// Already expressed by the CoW sequence issued by Seed; a no-op
		// here, per spec.md §4.5's "SOURCE_COPY is a no-op" contract.
		return nil
	default:
		panic("writer: unknown kind")
	}
}

func (w *Writer) PerformSourceBSDiff(op metadata.InstallOperation, patched []byte) error {
	switch w.kind {
	case KindRaw:
		return w.raw.PerformPatched(op, patched)
	case KindCow:
		return w.cow.PerformReplace(op, patched)
	default:
		panic("writer: unknown kind")
	}
}

func (w *Writer) PerformPuffDiff(op metadata.InstallOperation, patched []byte) error {
	return w.PerformSourceBSDiff(op, patched)
}

// ReadSourceExtents materializes source bytes for a SOURCE_BSDIFF/PUFFDIFF
// patch, regardless of which variant is staging the result.
func (w *Writer) ReadSourceExtents(extents []metadata.Extent) ([]byte, error) {
	switch w.kind {
	case KindRaw:
		return w.raw.ReadSourceExtents(extents)
	case KindCow:
		return w.cow.ReadSourceExtents(extents)
	default:
		panic("writer: unknown kind")
	}
}

func (w *Writer) Flush() error {
	switch w.kind {
	case KindRaw:
		return w.raw.Flush()
	case KindCow:
		return w.cow.Flush()
	default:
		panic("writer: unknown kind")
	}
}

// Checkpoint is informational; only the CoW writer records the index, and
// neither variant flushes anything on it.
func (w *Writer) Checkpoint(nextOpIndex uint64) {
	if w.kind == KindCow {
		w.cow.Checkpoint(nextOpIndex)
	}
}

// Close finalizes the writer. For KindCow this hands the snapshot off to
// the external merge collaborator; failure here is logged by the caller but
// must not retroactively fail an already-successful apply, per spec.md
// §4.5's destruction contract.
func (w *Writer) Close() error {
	switch w.kind {
	case KindRaw:
		return w.raw.Close()
	case KindCow:
		return w.cow.Close()
	default:
		panic("writer: unknown kind")
	}
}

// RecoveredReads reports how many SOURCE_COPY operations had their source
// re-read through an error-correcting path for this writer's partition
// (always 0 for KindCow; spec.md §4.4's
// ChooseSourceFD policy counter).
func (w *Writer) RecoveredReads() uint64 {
	if w.kind == KindRaw {
		return w.raw.RecoveredReads()
	}
	return 0
}
