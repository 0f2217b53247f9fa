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

// Package executor implements spec.md §4.2: the install-operation executor
// that drives a manifest's operations in order, feeding data blobs to the
// matching partition writer and advancing the resume journal.
//
// Grounded on update/operation.go's Operation.Verify/Operation.Apply (the
// switch over REPLACE/REPLACE_BZ/MOVE/BSDIFF, and the per-operation SHA-256
// check before Apply) and update/updater.go's Updater.Update (the top-level
// loop that reads one operation at a time and calls Apply), generalized from
// a blocking io.Reader pull loop into the push-based feed() state machine
// spec.md's executor requires, and from "two hardcoded partitions" to every
// partition a manifest names, each dispatched to its own writer.Writer.
package executor

import (
	"bytes"
	"compress/bzip2"
	"crypto/sha256"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/journal"
	"github.com/coreos/updatecore/internal/metadata"
	"github.com/coreos/updatecore/internal/patch"
	"github.com/coreos/updatecore/internal/payload"
)

// Result is what Feed returns after consuming as much of its input as it
// can, per spec.md §4.2's feed(bytes) -> {NeedMore | Done | Error} contract.
type Result int

const (
	ResultNeedMore Result = iota
	ResultDone
)

// PartitionWriter is the exact operation surface spec.md §4.2 lists as
// "Operations it consumes from writers": perform_replace/
// perform_zero_or_discard/perform_source_copy/perform_source_bsdiff/
// perform_puff_diff/flush/checkpoint, plus the source-materializing helper
// SOURCE_BSDIFF/PUFFDIFF need. writer.Writer's raw/cow sum type satisfies
// this; declaring it as an interface here (rather than depending on
// *writer.Writer directly) keeps the executor testable against a fake.
type PartitionWriter interface {
	Seed(ops []metadata.InstallOperation, merges []metadata.CowMergeOperation) error
	PerformReplace(op metadata.InstallOperation, data []byte) error
	PerformZeroOrDiscard(op metadata.InstallOperation) error
	PerformSourceCopy(op metadata.InstallOperation) error
	PerformSourceBSDiff(op metadata.InstallOperation, patched []byte) error
	PerformPuffDiff(op metadata.InstallOperation, patched []byte) error
	ReadSourceExtents(extents []metadata.Extent) ([]byte, error)
	Flush() error
	Checkpoint(nextOpIndex uint64)
	Close() error
	RecoveredReads() uint64
}

// WriterFactory opens and Inits a Writer for a partition the first time the
// executor reaches one of its operations. sourceMayExist is true unless the
// partition has no old_partition_info (a from-scratch partition on a full
// update).
type WriterFactory func(partition *metadata.PartitionUpdate, sourceMayExist bool) (PartitionWriter, error)

// flatOp is one (partition, operation) pair in the flat index space
// spec.md §3 describes for update_state_next_operation: "a flat index
// across all partitions in manifest order".
type flatOp struct {
	partition *metadata.PartitionUpdate
	op        *metadata.InstallOperation
}

// Executor drives a manifest's operations against per-partition writers,
// checkpointing the journal after each one.
type Executor struct {
	manifest *metadata.Manifest
	verifier *payload.Verifier
	journal  *journal.Journal
	newWriter WriterFactory
	bootID   string

	flat []flatOp

	writers map[string]PartitionWriter
	seeded  map[string]bool

	nextOperation uint64
	buf           []byte
	done          bool
}

// New builds an Executor for manifest starting from operation 0. v must
// already be at payload.StageOperations (its Feed has consumed the header,
// manifest, and metadata signature). currentBootID is recorded in the
// journal so a later restart can detect a reboot mid-update.
func New(manifest *metadata.Manifest, v *payload.Verifier, j *journal.Journal, currentBootID string, wf WriterFactory) (*Executor, error) {
	e := &Executor{
		manifest:  manifest,
		verifier:  v,
		journal:   j,
		newWriter: wf,
		bootID:    currentBootID,
		flat:      flatten(manifest),
		writers:   make(map[string]PartitionWriter),
		seeded:    make(map[string]bool),
	}
	if err := j.Put(journal.KeyBootID, []byte(currentBootID)); err != nil {
		return nil, errorcode.New(errorcode.DownloadWriteError, err)
	}
	return e, nil
}

// Resume rebuilds an Executor from journal state left by a prior run. ok is
// false when there is no usable progress (a fresh install) or the recorded
// boot id doesn't match currentBootID, in which case the caller must clear
// the journal (per spec.md §4.2's "discards the journal and restarts from
// operation 0") and call New instead.
func Resume(manifest *metadata.Manifest, v *payload.Verifier, j *journal.Journal, currentBootID string, wf WriterFactory) (*Executor, bool, error) {
	e := &Executor{
		manifest:  manifest,
		verifier:  v,
		journal:   j,
		newWriter: wf,
		bootID:    currentBootID,
		flat:      flatten(manifest),
		writers:   make(map[string]PartitionWriter),
		seeded:    make(map[string]bool),
	}

	progress, ok, err := j.LoadProgress()
	if err != nil {
		return nil, false, errorcode.New(errorcode.DownloadStateInitializationError, err)
	}
	if !ok {
		return e, false, nil
	}

	recordedBootID, _, err := j.Get(journal.KeyBootID)
	if err != nil {
		return nil, false, errorcode.New(errorcode.DownloadStateInitializationError, err)
	}
	if string(recordedBootID) != currentBootID {
		return e, false, nil
	}
	if progress.NextOperation > uint64(len(e.flat)) {
		return e, false, nil
	}

	if err := v.RestoreHashState(progress.Sha256Context, e.streamOffsetAt(progress.NextOperation)); err != nil {
		return e, false, nil
	}
	v.RestoreSignedHashState(progress.SignedSha256Context)
	e.nextOperation = progress.NextOperation

	if err := j.Put(journal.KeyBootID, []byte(currentBootID)); err != nil {
		return nil, false, errorcode.New(errorcode.DownloadWriteError, err)
	}
	return e, true, nil
}

func flatten(m *metadata.Manifest) []flatOp {
	var flat []flatOp
	for i := range m.Partitions {
		p := &m.Partitions[i]
		for j := range p.Operations {
			flat = append(flat, flatOp{partition: p, op: &p.Operations[j]})
		}
	}
	return flat
}

// streamOffsetAt sums the data_length of every operation with a data blob
// before flat index idx, i.e. how many operation-stream bytes a verifier
// would have Observe()'d by the time next_operation reaches idx. The
// manifest is immutable and identical across runs, so this is recomputed
// rather than persisted.
func (e *Executor) streamOffsetAt(idx uint64) int64 {
	var total int64
	for i := uint64(0); i < idx && i < uint64(len(e.flat)); i++ {
		op := e.flat[i].op
		if op.Type.HasDataBlob() {
			total += int64(op.DataLength)
		}
	}
	return total
}

// Feed accepts a chunk of operation-stream bytes (the metadata verifier has
// already consumed the header/manifest/signature by this point) and
// advances as far as it can, per spec.md §4.2's per-byte-chunk algorithm. It
// returns how many leading bytes of data it actually consumed; once Result
// is ResultDone, data[n:] belongs to the trailing payload signature, not to
// any operation, and the caller (internal/pipeline) must stop routing bytes
// through Feed and read the signature itself.
func (e *Executor) Feed(data []byte) (Result, int, error) {
	if e.done {
		return ResultDone, 0, nil
	}

	pos := 0
	for {
		fop, ok := e.current()
		if !ok {
			if err := e.finalize(); err != nil {
				return ResultNeedMore, pos, err
			}
			e.done = true
			return ResultDone, pos, nil
		}

		w, err := e.writerFor(fop.partition)
		if err != nil {
			return ResultNeedMore, pos, err
		}

		if !fop.op.Type.HasDataBlob() {
			if err := e.dispatch(w, *fop.op, nil); err != nil {
				return ResultNeedMore, pos, err
			}
			if err := e.checkpoint(w); err != nil {
				return ResultNeedMore, pos, err
			}
			continue
		}

		if pos >= len(data) && uint64(len(e.buf)) < fop.op.DataLength {
			return ResultNeedMore, pos, nil
		}

		need := int(fop.op.DataLength) - len(e.buf)
		take := len(data) - pos
		if take > need {
			take = need
		}
		if take > 0 {
			chunk := data[pos : pos+take]
			e.buf = append(e.buf, chunk...)
			if err := e.verifier.Observe(chunk); err != nil {
				return ResultNeedMore, pos, errorcode.New(errorcode.DownloadStateInitializationError, err)
			}
			pos += take
		}
		if uint64(len(e.buf)) < fop.op.DataLength {
			return ResultNeedMore, pos, nil
		}

		blob := e.buf
		if len(fop.op.DataSha256Hash) != 0 {
			sum := sha256.Sum256(blob)
			if !bytes.Equal(sum[:], fop.op.DataSha256Hash) {
				return ResultNeedMore, pos, errorcode.Newf(errorcode.OperationHashMismatch,
					"partition %q operation %d: data hash mismatch", fop.partition.PartitionName, e.nextOperation)
			}
		}

		if err := e.dispatch(w, *fop.op, blob); err != nil {
			return ResultNeedMore, pos, err
		}
		e.buf = e.buf[:0]
		if err := e.checkpoint(w); err != nil {
			return ResultNeedMore, pos, err
		}
	}
}

func (e *Executor) current() (flatOp, bool) {
	if e.nextOperation >= uint64(len(e.flat)) {
		return flatOp{}, false
	}
	return e.flat[e.nextOperation], true
}

// writerFor returns the partition's writer, opening and Seed()ing it on
// first use. Writers are created lazily so a partition with no operations
// left to apply (already fully resumed past) never opens its devices.
func (e *Executor) writerFor(p *metadata.PartitionUpdate) (PartitionWriter, error) {
	if w, ok := e.writers[p.PartitionName]; ok {
		return w, nil
	}

	sourceMayExist := p.OldInfo != nil
	w, err := e.newWriter(p, sourceMayExist)
	if err != nil {
		return nil, errorcode.New(errorcode.InstallDeviceOpenError, err)
	}
	e.writers[p.PartitionName] = w

	if !e.seeded[p.PartitionName] {
		if err := w.Seed(p.Operations, p.MergeOperations); err != nil {
			return nil, err
		}
		e.seeded[p.PartitionName] = true
	}
	return w, nil
}

// dispatch applies one operation to w, decompressing or patching data as
// op.Type requires, per spec.md §4.2 step 4.
func (e *Executor) dispatch(w PartitionWriter, op metadata.InstallOperation, data []byte) error {
	switch op.Type {
	case metadata.OpReplace:
		return w.PerformReplace(op, data)

	case metadata.OpReplaceBZ:
		plain, err := decompressBZ(data)
		if err != nil {
			return errorcode.New(errorcode.OperationExecutionError, err)
		}
		return w.PerformReplace(op, plain)

	case metadata.OpReplaceXZ:
		plain, err := decompressXZ(data)
		if err != nil {
			return errorcode.New(errorcode.OperationExecutionError, err)
		}
		return w.PerformReplace(op, plain)

	case metadata.OpZero, metadata.OpDiscard:
		return w.PerformZeroOrDiscard(op)

	case metadata.OpSourceCopy:
		return w.PerformSourceCopy(op)

	case metadata.OpSourceBSDiff, metadata.OpBrotliBSDiff, metadata.OpPuffDiff:
		source, err := w.ReadSourceExtents(op.SrcExtents)
		if err != nil {
			return err
		}
		patched, err := patch.Apply(op.Type, source, data)
		if err != nil {
			return err
		}
		if op.Type == metadata.OpPuffDiff {
			return w.PerformPuffDiff(op, patched)
		}
		return w.PerformSourceBSDiff(op, patched)

	default:
		return errorcode.Newf(errorcode.OperationExecutionError, "executor: unknown operation type %s", op.Type)
	}
}

func decompressBZ(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if _, err := io.Copy(&out, bzip2.NewReader(bytes.NewReader(data))); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decompressXZ(data []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if _, err := io.Copy(&out, r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// checkpoint advances next_operation and durably records it, per spec.md
// §4.2 step 5's "fsync-then-write-then-fsync" ordering: the writer's own
// write already landed (and for the raw writer, the device itself is
// opened for unbuffered I/O), so all that remains here is the journal
// commit, which bbolt fsyncs on every Update transaction.
func (e *Executor) checkpoint(w PartitionWriter) error {
	e.nextOperation++
	w.Checkpoint(e.nextOperation)

	hashState, err := e.verifier.SnapshotHashState()
	if err != nil {
		return errorcode.New(errorcode.DownloadStateInitializationError, err)
	}

	p := journal.Progress{
		NextOperation:       e.nextOperation,
		NextDataOffset:      0,
		NextDataLength:      0,
		Sha256Context:       hashState,
		SignedSha256Context: e.verifier.SignedHashState(),
	}
	if err := e.journal.SaveProgress(p); err != nil {
		return errorcode.New(errorcode.DownloadWriteError, err)
	}
	return nil
}

// finalize flushes every writer touched, per spec.md §4.2 step 6. It checks
// no hashes itself: each partition's final hash is checked against
// new_partition_info.hash by the filesystem verifier's re-read from the
// block device (internal/verifier), and finalize only makes the writers'
// data durable before that re-read happens.
func (e *Executor) finalize() error {
	for _, p := range e.manifest.Partitions {
		w, ok := e.writers[p.PartitionName]
		if !ok {
			continue
		}
		if err := w.Flush(); err != nil {
			return errorcode.New(errorcode.DownloadWriteError, err)
		}
	}
	return nil
}

// Abort releases every writer's resources, leaving the journal at its last
// checkpoint, per spec.md §4.2's abort() contract: no further writes are
// attempted and already-checkpointed progress is preserved for a future
// Resume.
func (e *Executor) Abort() error {
	var firstErr error
	for _, w := range e.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Writers exposes the per-partition writers touched so far, for the caller
// (internal/pipeline) to read RecoveredReads counters or Close them after a
// successful Feed loop reaches ResultDone.
func (e *Executor) Writers() map[string]PartitionWriter {
	return e.writers
}
