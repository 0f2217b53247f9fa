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

// Package payload implements spec.md §4.1: the incremental header/manifest/
// signature verifier. It generalizes update/payload.go's NewPayloadFrom/
// readHeader/readManifest/VerifySignature — which block on a blocking
// io.Reader and hash every byte as an io.TeeReader would — into a push-based
// Feed() state machine, since spec.md's executor must be able to suspend
// with NeedMore rather than block a goroutine on the network fetcher.
package payload

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/coreos/go-semver/semver"
	"github.com/sirupsen/logrus"

	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/metadata"
	"github.com/coreos/updatecore/internal/wire"
)

var log = logrus.WithField("pkg", "payload")

// Stage is a state in the metadata verifier's state machine, per spec.md
// §4.1: "Header → Manifest → MetadataSignature → Operations →
// PayloadSignature → Done".
type Stage int

const (
	StageHeader Stage = iota
	StageManifest
	StageMetadataSignature
	StageOperations
	StagePayloadSignature
	StageDone
)

// Verifier is spec.md §4.1's metadata verifier. Bytes are pushed in via
// Feed while in the header/manifest/metadata-signature stages; once it
// reaches StageOperations the executor takes over feeding raw bytes to its
// own per-operation buffer and instead calls Observe for each chunk, so the
// running hash and offset stay in sync with what the executor consumes.
type Verifier struct {
	stage Stage
	buf   []byte

	header       metadata.Header
	manifestSize uint64
	metaSigSize  uint32

	Manifest *metadata.Manifest

	hash   hash.Hash
	offset int64 // relative to the end of the metadata signature (the start of the operation data), per spec.md §3

	metadataHashSum []byte
	signedHashSum   []byte // frozen once offset reaches SignaturesOffset

	keySet []*rsa.PublicKey
}

// New returns a Verifier that checks metadata and payload signatures
// against any key in keySet.
func New(keySet []*rsa.PublicKey) *Verifier {
	return &Verifier{hash: sha256.New(), keySet: keySet}
}

// Stage reports the verifier's current state.
func (v *Verifier) Stage() Stage { return v.stage }

// Offset reports operation-data bytes Observe()'d since the metadata
// signature ended (spec.md §3).
func (v *Verifier) Offset() int64 { return v.offset }

// Feed appends data to the internal accumulator and advances the state
// machine as far as possible. It returns the number of bytes of data it
// consumed for header/manifest/metadata-signature parsing; once Stage()
// reports StageOperations, Feed no longer consumes anything and the caller
// must switch to its own per-operation buffering, calling Observe for each
// byte it reads off the stream.
func (v *Verifier) Feed(data []byte) (int, error) {
	consumed := 0
	for v.stage != StageOperations && v.stage != StageDone {
		n, done, err := v.step(data[consumed:])
		consumed += n
		if err != nil {
			return consumed, err
		}
		if !done {
			break
		}
	}
	return consumed, nil
}

// step tries to complete the current stage from data. It returns the number
// of bytes consumed, whether the stage completed, and any error.
func (v *Verifier) step(data []byte) (int, bool, error) {
	switch v.stage {
	case StageHeader:
		return v.stepHeader(data)
	case StageManifest:
		return v.stepManifest(data)
	case StageMetadataSignature:
		return v.stepMetadataSignature(data)
	default:
		return 0, false, nil
	}
}

func (v *Verifier) stepHeader(data []byte) (int, bool, error) {
	// We don't know the major version until we've read 12 bytes, and we
	// don't know whether a 4th metadata-sig-size field is present until
	// we know the major version. Buffer the common 20-byte prefix (magic,
	// major version, manifest size) first.
	const commonPrefix = 4 + 8 + 8
	v.buf = append(v.buf, data...)
	if len(v.buf) < commonPrefix {
		return len(data), false, nil
	}

	major := binary.BigEndian.Uint64(v.buf[4:12])
	fixed := metadata.FixedSize(major)
	if len(v.buf) < fixed {
		return len(data), false, nil
	}

	used := fixed - (len(v.buf) - len(data)) // bytes of this call actually needed
	if used < 0 {
		used = 0
	}
	if used > len(data) {
		used = len(data)
	}

	copy(v.header.Magic[:], v.buf[0:4])
	if string(v.header.Magic[:]) != metadata.Magic {
		return used, false, errorcode.New(errorcode.InvalidMetadataMagic,
			fmt.Errorf("got magic %q", v.header.Magic[:]))
	}

	v.header.MajorVersion = major
	if major != metadata.MajorVersion1 && major != metadata.MajorVersion2 {
		return used, false, errorcode.New(errorcode.UnsupportedMajorPayloadVersion,
			fmt.Errorf("major version %d", major))
	}

	v.manifestSize = binary.BigEndian.Uint64(v.buf[12:20])
	if v.manifestSize == 0 {
		return used, false, errorcode.New(errorcode.InvalidMetadataSize,
			fmt.Errorf("manifest size is zero"))
	}

	if major >= metadata.MajorVersion2 {
		v.metaSigSize = binary.BigEndian.Uint32(v.buf[20:24])
	}

	if _, err := v.hash.Write(v.buf[:fixed]); err != nil {
		return used, false, err
	}

	v.buf = nil
	v.stage = StageManifest
	return used, true, nil
}

func (v *Verifier) stepManifest(data []byte) (int, bool, error) {
	v.buf = append(v.buf, data...)
	need := int(v.manifestSize)
	if len(v.buf) < need {
		consumed := len(data)
		return consumed, false, nil
	}

	manifestBytes := v.buf[:need]
	m, err := wire.UnmarshalManifest(manifestBytes)
	if err != nil {
		return len(data), false, errorcode.New(errorcode.DownloadManifestParseError, err)
	}
	if err := validateManifest(m); err != nil {
		return len(data), false, err
	}
	v.Manifest = m

	if _, err := v.hash.Write(manifestBytes); err != nil {
		return len(data), false, err
	}
	v.metadataHashSum = v.hash.Sum(nil)

	consumedHere := need - (len(v.buf) - len(data))
	if consumedHere < 0 {
		consumedHere = 0
	}
	v.buf = nil
	v.stage = StageMetadataSignature
	return consumedHere, true, nil
}

func validateManifest(m *metadata.Manifest) error {
	if !compatibleProtocol(maxSupportedMinorVersion, m.MinorVersion) {
		return errorcode.Newf(errorcode.UnsupportedMinorPayloadVersion,
			"minor version %d exceeds the newest supported minor version %d",
			m.MinorVersion, maxSupportedMinorVersion.Minor)
	}

	seen := make(map[string]bool, len(m.Partitions))
	for _, p := range m.Partitions {
		if seen[p.PartitionName] {
			return errorcode.Newf(errorcode.DownloadManifestParseError,
				"duplicate partition name %q", p.PartitionName)
		}
		seen[p.PartitionName] = true

		for _, op := range p.Operations {
			if isSourceOp(op.Type) && !MinorVersionAllowsSourceOps(m.MinorVersion) {
				return errorcode.Newf(errorcode.UnsupportedMinorPayloadVersion,
					"partition %q: %s requires minor_version >= %d, manifest has %d",
					p.PartitionName, op.Type, metadata.MinorVersionSourceOps, m.MinorVersion)
			}
			if op.Type == metadata.OpSourceCopy &&
				metadata.TotalBlocks(op.SrcExtents) != metadata.TotalBlocks(op.DstExtents) {
				return errorcode.Newf(errorcode.OperationExecutionError,
					"partition %q: SOURCE_COPY src/dst block count mismatch (%d != %d)",
					p.PartitionName, metadata.TotalBlocks(op.SrcExtents), metadata.TotalBlocks(op.DstExtents))
			}
			if op.Type.HasDataBlob() && len(op.DataSha256Hash) == 0 {
				return errorcode.Newf(errorcode.OperationHashMissing,
					"partition %q: operation missing data_sha256_hash", p.PartitionName)
			}
		}
	}
	return nil
}

// isSourceOp reports whether t is one of the SOURCE_* operation types gated
// by MinorVersionSourceOps.
func isSourceOp(t metadata.OperationType) bool {
	switch t {
	case metadata.OpSourceCopy, metadata.OpSourceBSDiff:
		return true
	default:
		return false
	}
}

func (v *Verifier) stepMetadataSignature(data []byte) (int, bool, error) {
	if v.header.MajorVersion >= metadata.MajorVersion2 && v.metaSigSize == 0 {
		return 0, false, errorcode.New(errorcode.MetadataSignatureMissing,
			fmt.Errorf("signed major version with metadata_signature_size == 0"))
	}

	v.buf = append(v.buf, data...)
	need := int(v.metaSigSize)
	if len(v.buf) < need {
		return len(data), false, nil
	}

	sigBytes := v.buf[:need]
	if need > 0 {
		sigs, err := wire.UnmarshalSignatures(sigBytes)
		if err != nil {
			return len(data), false, errorcode.New(errorcode.DownloadManifestParseError, err)
		}
		if err := v.verifySignatures(v.metadataHashSum, sigs); err != nil {
			return len(data), false, errorcode.New(errorcode.MetadataSignatureMismatch, err)
		}
		log.Debug("metadata signature verified")

		if _, err := v.hash.Write(sigBytes); err != nil {
			return len(data), false, err
		}
	}

	consumedHere := need - (len(v.buf) - len(data))
	if consumedHere < 0 {
		consumedHere = 0
	}
	v.buf = nil
	v.offset = 0
	v.stage = StageOperations
	return consumedHere, true, nil
}

// Observe feeds operation-stream bytes into the running hash and offset
// counter without buffering them; the executor owns buffering once Stage()
// reaches StageOperations. It also freezes SignedHashSum the instant offset
// reaches the manifest's SignaturesOffset, matching the
// update-state-signed-sha256-context resume-journal key.
func (v *Verifier) Observe(data []byte) error {
	if _, err := v.hash.Write(data); err != nil {
		return err
	}
	v.offset += int64(len(data))
	if v.signedHashSum == nil && v.Manifest != nil && v.offset == int64(v.Manifest.SignaturesOffset) {
		v.signedHashSum = v.hash.Sum(nil)
	}
	return nil
}

// VerifyPayloadSignature checks the trailing payload signature blob against
// SignedHashSum, per spec.md §4.1's verify_payload_signature. Call once all
// operation bytes have been Observe()'d and the signature blob itself has
// been read off the stream (but NOT passed to Observe: signature bytes are
// never hashed).
func (v *Verifier) VerifyPayloadSignature(sigBytes []byte) error {
	if v.signedHashSum == nil {
		return errorcode.Newf(errorcode.DownloadStateInitializationError,
			"payload signature requested before reaching signatures_offset")
	}
	sigs, err := wire.UnmarshalSignatures(sigBytes)
	if err != nil {
		return errorcode.New(errorcode.DownloadManifestParseError, err)
	}
	if err := v.verifySignatures(v.signedHashSum, sigs); err != nil {
		return errorcode.New(errorcode.PayloadPubKeyVerificationFailed, err)
	}
	v.stage = StageDone
	return nil
}

func (v *Verifier) verifySignatures(sum []byte, sigs *metadata.Signatures) error {
	if len(v.keySet) == 0 {
		return fmt.Errorf("no trusted keys configured")
	}
	for _, sig := range sigs.Signatures {
		for _, key := range v.keySet {
			if err := verifyOne(key, sum, sig.Data); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no valid signature found among %d candidate(s)", len(sigs.Signatures))
}

func verifyOne(key *rsa.PublicKey, sum, sig []byte) error {
	return rsa.VerifyPKCS1v15(key, 0, sum, sig)
}

// SnapshotHashState serializes the running hash's internal state, resolving
// spec.md §9's open question on sha256_context serialization: crypto/sha256's
// digest type implements encoding.BinaryMarshaler/BinaryUnmarshaler, so the
// stdlib already gives us a round-tripping context blob without inventing
// our own format.
func (v *Verifier) SnapshotHashState() ([]byte, error) {
	m, ok := v.hash.(encoding.BinaryMarshaler)
	if !ok {
		return nil, fmt.Errorf("hash implementation does not support state snapshot")
	}
	return m.MarshalBinary()
}

// RestoreHashState restores a running hash previously captured with
// SnapshotHashState, along with the stream offset it was captured at.
func (v *Verifier) RestoreHashState(state []byte, offset int64) error {
	u, ok := v.hash.(encoding.BinaryUnmarshaler)
	if !ok {
		return fmt.Errorf("hash implementation does not support state restore")
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return err
	}
	v.offset = offset
	v.stage = StageOperations
	return nil
}

// SignedHashState returns the frozen signed hash sum if Observe has already
// reached the manifest's SignaturesOffset, or nil if not yet reached. The
// executor persists this alongside the running hash snapshot at every
// checkpoint so a resume that restarts past the offset doesn't need to
// replay bytes it already Observed.
func (v *Verifier) SignedHashState() []byte {
	return v.signedHashSum
}

// RestoreSignedHashState reinstates an already-frozen signed hash sum from a
// prior run's update-state-signed-sha256-context key. Unlike the running
// hash, this value is frozen the instant Observe() sees the manifest's
// SignaturesOffset and never changes again, so a resume past that point
// restores it directly instead of replaying Observe up to the same offset.
func (v *Verifier) RestoreSignedHashState(sum []byte) {
	if len(sum) != 0 {
		v.signedHashSum = append([]byte(nil), sum...)
	}
}

// MinorVersionAllowsSourceOps reports whether the manifest's minor_version
// permits SOURCE_* operation types, per spec.md §3 ("minor_version: selects
// which operation types are permitted").
func MinorVersionAllowsSourceOps(minor uint32) bool {
	return minor >= metadata.MinorVersionSourceOps
}

// maxSupportedMinorVersion is the newest protocol minor version this core
// knows how to execute, expressed as a semver-style major.minor pair.
// Grounded on github.com/coreos/go-semver, the teacher's direct dependency
// for version comparisons. validateManifest rejects any manifest whose
// minor_version is newer than this with UnsupportedMinorPayloadVersion,
// rather than risk silently skipping operation types it doesn't know about.
var maxSupportedMinorVersion = &semver.Version{
	Major: metadata.MajorVersion2,
	Minor: int64(metadata.MinorVersionVirtualAB),
}

// compatibleProtocol reports whether supported, read as a semver-style
// major.minor pair, is new enough for a manifest's minor version.
func compatibleProtocol(supported *semver.Version, minor uint32) bool {
	return supported.Minor >= int64(minor)
}
