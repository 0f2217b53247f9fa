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

// Package pipeline implements spec.md §4.7's fixed action pipeline:
// FilesystemVerifier(source) -> Downloader+Executor -> FilesystemVerifier
// (target) -> Finalize(boot-slot-swap request), each stage either advancing
// or terminating the attempt with an error code, reporting on_progress/
// on_stage_change/on_complete per §6's callback surface.
//
// Grounded on update/updater.go's Updater.Update: a single top-level method
// that opens the payload, walks every partition's operations, and finally
// verifies the payload signature. This package generalizes that one
// blocking call into the composition root wiring internal/payload,
// internal/executor, internal/verifier, and internal/platform together, and
// adds the pre-apply source check, post-apply target check, and slot
// finalize steps spec.md's pipeline names that the teacher never had (the
// teacher has exactly one A/B pair hardcoded and no Finalize stage at all).
package pipeline

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"os"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/executor"
	"github.com/coreos/updatecore/internal/journal"
	"github.com/coreos/updatecore/internal/metadata"
	"github.com/coreos/updatecore/internal/payload"
	"github.com/coreos/updatecore/internal/platform"
	"github.com/coreos/updatecore/internal/verifier"
	"github.com/coreos/updatecore/internal/writer"
	"github.com/coreos/updatecore/internal/writer/raw"
)

var log = logrus.WithField("pkg", "pipeline")

// readChunk bounds a single pull from the fetcher, matching
// internal/verifier's chunkSize so progress granularity is consistent
// across the download and verify stages.
const readChunk = 1 << 20

// Stage is one step of the fixed linear pipeline, per spec.md §6's
// on_stage_change(stage) contract.
type Stage int

const (
	StageVerifyingSource Stage = iota
	StageDownloading
	StageVerifyingTarget
	StageFinalizing
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageVerifyingSource:
		return "Verifying"
	case StageDownloading:
		return "Downloading"
	case StageVerifyingTarget:
		return "Verifying"
	case StageFinalizing:
		return "Finalizing"
	case StageDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Callbacks is spec.md §6's "Callback surface (from core to caller)".
// Every field may be nil.
type Callbacks struct {
	OnProgress    func(fraction float64)
	OnStageChange func(stage Stage)
	OnComplete    func(err error)
}

func (c Callbacks) progress(f float64) {
	if c.OnProgress != nil {
		c.OnProgress(f)
	}
}

func (c Callbacks) stageChange(s Stage) {
	if c.OnStageChange != nil {
		c.OnStageChange(s)
	}
}

func (c Callbacks) complete(err error) {
	if c.OnComplete != nil {
		c.OnComplete(err)
	}
}

// InstallPlan is spec.md §6's "Install-plan input (from the scheduler to
// the core)", generalized from a single target/source pair to every
// partition a manifest names.
type InstallPlan struct {
	// Fetcher delivers payload bytes; Read may block, mirroring
	// update/updater.go's io.Reader-driven UsePayload. Unlike
	// internal/payload.Verifier and internal/executor.Executor, which are
	// push-based so a non-blocking fetcher can drive them, Pipeline owns
	// the blocking pull loop itself — it is the one layer in this core
	// allowed to do so.
	Fetcher platform.Reader

	KeySet []*rsa.PublicKey

	Journal *journal.Journal
	BootID  string

	// UpdateID identifies the update being applied (spec.md §6's
	// update-check-response-hash). If it doesn't match the journal's
	// recorded identity, prior progress belongs to a different update and
	// is discarded before resuming.
	UpdateID string

	CurrentSlot platform.Slot
	TargetSlot  platform.Slot

	Slots     platform.BootSlots
	Devices   platform.BlockDevices
	Snapshots platform.SnapshotWriter // required when Mode == writer.KindCow

	// Recovery is an optional FEC-corrected source re-read path, wired
	// into every raw writer this pipeline opens. Unused in CoW mode.
	Recovery raw.SourceReader

	Mode writer.Kind

	// Interactive marks a user-initiated update (spec.md §6). Run does not
	// read it: progress is reported after every chunk either way, and
	// interactive callers may just choose to render it more eagerly.
	Interactive bool
}

// Metrics are the package-level Prometheus collectors spec.md's
// supplemented-features section calls for: per-stage duration histograms
// and the FEC-recovery counter, registered once at package init the way
// cuemby-warren/pkg/metrics does it.
var (
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "updatecore_pipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	operationsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updatecore_operations_applied_total",
			Help: "Install operations successfully applied, by partition.",
		},
		[]string{"partition"},
	)

	eccRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "updatecore_source_ecc_recovered_operations_total",
			Help: "Source reads recovered via forward error correction after a hash mismatch.",
		},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updatecore_pipeline_attempts_total",
			Help: "Pipeline attempts, by terminal error code (empty for success).",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(operationsApplied)
	prometheus.MustRegister(eccRecoveredTotal)
	prometheus.MustRegister(attemptsTotal)
}

// Run drives one update attempt through all four pipeline stages. It blocks
// until the attempt succeeds or fails; cancelling ctx aborts at the next
// suspension point. At a fetcher chunk boundary the error is
// errorcode.Cancelled; a block-device read in a verification stage stops
// with errorcode.FilesystemVerifierError, which that stage then reports
// under the error code it assigns to a failed verification.
func Run(ctx context.Context, plan InstallPlan, cb Callbacks) (err error) {
	defer func() {
		code := ""
		if ce, ok := err.(*errorcode.CodedError); ok {
			code = string(ce.Code)
		}
		attemptsTotal.WithLabelValues(code).Inc()
		cb.complete(err)
	}()

	cb.stageChange(StageDownloading)
	v := payload.New(plan.KeySet)
	manifest, consumedTail, err := readManifest(ctx, plan.Fetcher, v)
	if err != nil {
		return err
	}

	wf := func(p *metadata.PartitionUpdate, sourceMayExist bool) (executor.PartitionWriter, error) {
		return openWriter(plan, manifest.BlockSize, p, sourceMayExist)
	}

	// Prior progress only resumes this same update; a different UpdateID
	// means the scheduler switched payloads, so the journal's leftover
	// next-operation/hash state belongs to an attempt that no longer
	// applies and must be discarded before Resume ever sees it.
	if recordedID, ok, idErr := plan.Journal.Get(journal.KeyCheckResponseHash); idErr == nil && ok && string(recordedID) != plan.UpdateID {
		if err := plan.Journal.ClearProgress(); err != nil {
			return errorcode.New(errorcode.DownloadStateInitializationError, err)
		}
	}

	exec, resumed, err := executor.Resume(manifest, v, plan.Journal, plan.BootID, wf)
	if err != nil {
		return err
	}
	if !resumed {
		if err := plan.Journal.ClearProgress(); err != nil {
			return errorcode.New(errorcode.DownloadStateInitializationError, err)
		}
		exec, err = executor.New(manifest, v, plan.Journal, plan.BootID, wf)
		if err != nil {
			return err
		}
		if err := plan.Journal.Put(journal.KeyCheckResponseHash, []byte(plan.UpdateID)); err != nil {
			return errorcode.New(errorcode.DownloadWriteError, err)
		}
	}

	if !resumed {
		cb.stageChange(StageVerifyingSource)
		if err := verifySourcePartitions(ctx, plan, manifest); err != nil {
			return err
		}
	}

	cb.stageChange(StageDownloading)
	sigBytes, err := runExecutor(ctx, plan, v, exec, manifest, cb, consumedTail)
	if err != nil {
		_ = exec.Abort()
		return err
	}
	if err := v.VerifyPayloadSignature(sigBytes); err != nil {
		_ = exec.Abort()
		if errorcode.StateCorrupting(errorcode.Code(codeOf(err))) {
			_ = plan.Journal.ClearProgress()
		}
		return err
	}

	for name, w := range exec.Writers() {
		eccRecoveredTotal.Add(float64(w.RecoveredReads()))
		if p := manifest.PartitionByName(name); p != nil {
			operationsApplied.WithLabelValues(name).Add(float64(len(p.Operations)))
		}
		if err := w.Close(); err != nil {
			log.WithField("partition", name).WithError(err).Warn("writer close failed")
		}
	}

	cb.stageChange(StageVerifyingTarget)
	if err := verifyTargetPartitions(ctx, plan, manifest); err != nil {
		return err
	}

	cb.stageChange(StageFinalizing)
	if err := finalize(plan); err != nil {
		return err
	}

	if err := plan.Journal.ClearProgress(); err != nil {
		return errorcode.New(errorcode.DownloadWriteError, err)
	}

	cb.stageChange(StageDone)
	cb.progress(1)
	return nil
}

func codeOf(err error) string {
	if ce, ok := err.(*errorcode.CodedError); ok {
		return string(ce.Code)
	}
	return ""
}

// readManifest pulls from fetcher until v reaches payload.StageOperations,
// returning any bytes already read past the manifest/metadata-signature
// boundary that belong to the operation stream (so the caller doesn't
// re-request them).
func readManifest(ctx context.Context, fetcher platform.Reader, v *payload.Verifier) (*metadata.Manifest, []byte, error) {
	buf := make([]byte, readChunk)
	var tail []byte
	for v.Stage() != payload.StageOperations {
		if err := checkCancel(ctx); err != nil {
			return nil, nil, err
		}
		n, rerr := fetcher.Read(buf)
		if n > 0 {
			consumed, err := v.Feed(buf[:n])
			if err != nil {
				return nil, nil, err
			}
			if v.Stage() == payload.StageOperations && consumed < n {
				tail = append([]byte(nil), buf[consumed:n]...)
			}
		}
		if rerr != nil {
			if rerr == io.EOF && v.Stage() == payload.StageOperations {
				break
			}
			return nil, nil, errorcode.New(errorcode.DownloadManifestParseError, rerr)
		}
	}
	if v.Manifest == nil {
		return nil, nil, errorcode.Newf(errorcode.DownloadManifestParseError, "stream ended before manifest was read")
	}
	return v.Manifest, tail, nil
}

// runExecutor drains the operation stream through exec, returning the
// payload signature bytes read immediately after the last operation blob.
func runExecutor(ctx context.Context, plan InstallPlan, v *payload.Verifier, exec *executor.Executor, manifest *metadata.Manifest, cb Callbacks, leftover []byte) ([]byte, error) {
	total := manifest.SignaturesOffset + manifest.SignaturesSize
	var sig []byte
	buf := make([]byte, readChunk)

	feed := func(chunk []byte) (bool, error) {
		for len(chunk) > 0 {
			res, n, err := exec.Feed(chunk)
			if err != nil {
				return false, err
			}
			chunk = chunk[n:]
			if total > 0 {
				cb.progress(float64(v.Offset()) / float64(total))
			}
			if res == executor.ResultDone {
				sig = append(sig, chunk...)
				return true, nil
			}
		}
		return false, nil
	}

	done, err := feed(leftover)
	if err != nil {
		return nil, err
	}

	for !done {
		if err := checkCancel(ctx); err != nil {
			return nil, err
		}
		n, rerr := plan.Fetcher.Read(buf)
		if n > 0 {
			var ferr error
			done, ferr = feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return nil, errorcode.New(errorcode.DownloadWriteError, rerr)
		}
	}

	need := int(manifest.SignaturesSize) - len(sig)
	for need > 0 {
		if err := checkCancel(ctx); err != nil {
			return nil, err
		}
		n, rerr := plan.Fetcher.Read(buf[:min(len(buf), need)])
		if n > 0 {
			sig = append(sig, buf[:n]...)
			need -= n
		}
		if rerr != nil {
			return nil, errorcode.New(errorcode.DownloadWriteError, rerr)
		}
	}
	return sig, nil
}

func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return errorcode.New(errorcode.Cancelled, ctx.Err())
	default:
		return nil
	}
}

// verifySourcePartitions runs the FilesystemVerifier(source) stage: every
// partition carrying old_partition_info must still match it before any
// writer touches the source slot, per spec.md §4.4's ChooseSourceFD
// precondition.
func verifySourcePartitions(ctx context.Context, plan InstallPlan, manifest *metadata.Manifest) error {
	for i := range manifest.Partitions {
		p := &manifest.Partitions[i]
		if p.OldInfo == nil {
			continue
		}
		timer := prometheus.NewTimer(stageDuration.WithLabelValues("verify_source"))
		path, err := plan.Devices.DevicePath(p.PartitionName, plan.CurrentSlot)
		if err != nil {
			timer.ObserveDuration()
			return errorcode.New(errorcode.InstallDeviceOpenError, err)
		}
		f, err := os.Open(path)
		if err != nil {
			timer.ObserveDuration()
			return errorcode.New(errorcode.InstallDeviceOpenError, err)
		}
		err = verifier.VerifyPartition(ctx, f, p.OldInfo, nil)
		f.Close()
		timer.ObserveDuration()
		if err != nil {
			return errorcode.New(errorcode.SourceHashMismatch, err)
		}
	}
	return nil
}

// verifyTargetPartitions runs the FilesystemVerifier(target) stage.
func verifyTargetPartitions(ctx context.Context, plan InstallPlan, manifest *metadata.Manifest) error {
	for i := range manifest.Partitions {
		p := &manifest.Partitions[i]
		if p.NewInfo == nil {
			continue
		}
		timer := prometheus.NewTimer(stageDuration.WithLabelValues("verify_target"))

		targetPath, err := plan.Devices.DevicePath(p.PartitionName, plan.TargetSlot)
		if err != nil {
			timer.ObserveDuration()
			return errorcode.New(errorcode.InstallDeviceOpenError, err)
		}
		target, err := os.OpenFile(targetPath, os.O_RDWR, 0)
		if err != nil {
			timer.ObserveDuration()
			return errorcode.New(errorcode.InstallDeviceOpenError, err)
		}

		var source *os.File
		if p.OldInfo != nil {
			if sourcePath, serr := plan.Devices.DevicePath(p.PartitionName, plan.CurrentSlot); serr == nil {
				if f, ferr := os.Open(sourcePath); ferr == nil {
					source = f
				}
			}
		}

		targetErrCode := errorcode.NewRootfsVerificationError
		if p.PartitionName == "kernel" || p.PartitionName == "boot" {
			targetErrCode = errorcode.NewKernelVerificationError
		}

		err = verifier.VerifyTargetThenSource(ctx, target, p.NewInfo, source, p.OldInfo,
			targetErrCode, errorcode.SourceHashMismatch, nil)
		if err == nil && p.Verity != nil {
			err = verifier.WriteVerityTrailer(target, p.Verity, manifest.BlockSize, p.NewInfo.Size)
		}

		target.Close()
		if source != nil {
			source.Close()
		}
		timer.ObserveDuration()
		if err != nil {
			return err
		}
	}
	return nil
}

// finalize marks the target slot bootable, notifies a supervising init
// system that this instance is done with the update (spec.md's "boot-slot-
// swap request"), and returns.
func finalize(plan InstallPlan) error {
	timer := prometheus.NewTimer(stageDuration.WithLabelValues("finalize"))
	defer timer.ObserveDuration()

	if err := plan.Slots.MarkBootable(plan.TargetSlot); err != nil {
		return errorcode.New(errorcode.DownloadWriteError, err)
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Warn("systemd readiness notification failed")
	}
	return nil
}

func openWriter(plan InstallPlan, blockSize uint32, p *metadata.PartitionUpdate, sourceMayExist bool) (executor.PartitionWriter, error) {
	targetPath, err := plan.Devices.DevicePath(p.PartitionName, plan.TargetSlot)
	if err != nil {
		return nil, errorcode.New(errorcode.InstallDeviceOpenError, err)
	}
	var sourcePath string
	if sourceMayExist {
		sourcePath, err = plan.Devices.DevicePath(p.PartitionName, plan.CurrentSlot)
		if err != nil {
			return nil, errorcode.New(errorcode.InstallDeviceOpenError, err)
		}
	}

	ip := writer.InstallPlan{
		PartitionName:   p.PartitionName,
		BlockSize:       blockSize,
		TargetDevice:    targetPath,
		SourceDevice:    sourcePath,
		EstimateCowSize: p.EstimateCowSize,
	}

	var w *writer.Writer
	switch plan.Mode {
	case writer.KindRaw:
		w = writer.NewRaw(plan.Recovery)
	case writer.KindCow:
		if plan.Snapshots == nil {
			return nil, errorcode.Newf(errorcode.InstallDeviceOpenError, "cow mode requires a SnapshotWriter")
		}
		w = writer.NewCow(plan.Snapshots, plan.TargetSlot)
	default:
		return nil, fmt.Errorf("pipeline: unknown writer mode %d", plan.Mode)
	}

	if err := w.Init(ip, sourceMayExist); err != nil {
		return nil, err
	}
	return w, nil
}
