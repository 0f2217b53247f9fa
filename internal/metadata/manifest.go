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

// Package metadata holds the Go types for the payload wire format described
// in spec.md §3: the fixed header, the DeltaArchiveManifest, and the
// InstallOperation/Extent/CowMergeOperation records it carries. It
// generalizes mantle/update/metadata's v1 DeltaArchiveHeader (magic,
// version, manifest size only) to the v2 Android A/B layout: an optional
// metadata-signature-size field, per-partition operations instead of one
// flat procedure list, and CoW merge operations.
package metadata

// Magic is the first four bytes of every payload, unchanged since the v1
// format mantle/update/metadata/update_metadata.go defined it.
const Magic = "CrAU"

// Major versions this core understands. Version 1 never carried a metadata
// signature size field; version 2 always does.
const (
	MajorVersion1 = 1
	MajorVersion2 = 2
)

// Minor versions gate which operation types a manifest may use. Full
// payloads (minor 0) may not reference SOURCE_* operations; delta payloads
// require at least MinorVersionSourceOps for them to be legal.
const (
	MinorVersionFull           = 0
	MinorVersionSourceOps      = 2
	MinorVersionPuffdiff       = 5
	MinorVersionVirtualAB      = 6
)

// Header is the fixed-size prefix described in spec.md §6.
type Header struct {
	Magic               [4]byte
	MajorVersion        uint64
	ManifestSize        uint64
	MetadataSigSize      uint32 // only present (on the wire) when MajorVersion >= 2
	hasMetadataSigSize   bool
}

// HasMetadataSigSize reports whether the header carried the v2 field.
func (h Header) HasMetadataSigSize() bool { return h.hasMetadataSigSize }

// FixedSize returns the number of header bytes the given major version puts
// on the wire, before the manifest begins.
func FixedSize(majorVersion uint64) int {
	if majorVersion >= MajorVersion2 {
		return 4 + 8 + 8 + 4
	}
	return 4 + 8 + 8
}

// OperationType enumerates the transform an InstallOperation performs,
// mirroring spec.md §3.
type OperationType int32

const (
	OpReplace OperationType = iota
	OpReplaceBZ
	OpReplaceXZ
	OpSourceCopy
	OpSourceBSDiff
	OpBrotliBSDiff
	OpPuffDiff
	OpZero
	OpDiscard
)

func (t OperationType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBZ:
		return "REPLACE_BZ"
	case OpReplaceXZ:
		return "REPLACE_XZ"
	case OpSourceCopy:
		return "SOURCE_COPY"
	case OpSourceBSDiff:
		return "SOURCE_BSDIFF"
	case OpBrotliBSDiff:
		return "BROTLI_BSDIFF"
	case OpPuffDiff:
		return "PUFFDIFF"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	default:
		return "UNKNOWN"
	}
}

// HasDataBlob reports whether an operation of this type carries a data blob
// in the payload stream (§4.2 step 1: SOURCE_COPY does not).
func (t OperationType) HasDataBlob() bool {
	switch t {
	case OpSourceCopy, OpZero, OpDiscard:
		return false
	default:
		return true
	}
}

// Extent is a contiguous run of blocks, per the GLOSSARY.
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// TotalBlocks sums the block counts of a list of extents.
func TotalBlocks(extents []Extent) uint64 {
	var total uint64
	for _, e := range extents {
		total += e.NumBlocks
	}
	return total
}

// InstallOperation is one typed per-partition transform, per spec.md §3.
type InstallOperation struct {
	Type           OperationType
	SrcExtents     []Extent
	DstExtents     []Extent
	DataOffset     uint64
	DataLength     uint64
	DataSha256Hash []byte
	SrcSha256Hash  []byte
}

// CowMergeOpType distinguishes the two merge-record shapes spec.md §3
// describes for Virtual-A/B. This core only ever emits COW_COPY records
// (COW_XOR requires a source byte-diff engine outside the teacher's and
// pack's domain dependencies). Manifest parsing accepts COW_XOR records;
// internal/cow.Convert rejects them with OperationExecutionError when a CoW
// writer is seeded, and the raw writer ignores merge operations entirely.
type CowMergeOpType int32

const (
	CowMergeCopy CowMergeOpType = iota
	CowMergeXor
)

// CowMergeOperation supplies a pre-computed conflict-free merge order for a
// SOURCE_COPY operation under CoW, per spec.md §3.
type CowMergeOperation struct {
	Type       CowMergeOpType
	SrcExtent  Extent
	DstExtent  Extent
}

// PartitionInfo describes the expected size/hash of a partition before or
// after operations apply.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

// VerityInfo carries the dm-verity trailing-data parameters spec.md §4.6 and
// §3 mention as optional per-partition metadata.
type VerityInfo struct {
	HashTreeDataExtent Extent
	HashTreeExtent     Extent
	HashTreeAlgorithm  string
	HashTreeSalt       []byte
	FECDataExtent      Extent
	FECExtent          Extent
	FECRoots           uint32
}

// PartitionUpdate is the per-partition section of a manifest, per spec.md §3.
type PartitionUpdate struct {
	PartitionName    string
	OldInfo          *PartitionInfo
	NewInfo          *PartitionInfo
	Operations       []InstallOperation
	MergeOperations  []CowMergeOperation
	EstimateCowSize  uint64
	Verity           *VerityInfo
}

// Manifest is the structured description of an update, per spec.md §3.
type Manifest struct {
	BlockSize        uint32
	MinorVersion     uint32
	Partitions       []PartitionUpdate
	SignaturesOffset uint64
	SignaturesSize   uint64
}

// PartitionByName returns the partition with the given name, or nil.
func (m *Manifest) PartitionByName(name string) *PartitionUpdate {
	for i := range m.Partitions {
		if m.Partitions[i].PartitionName == name {
			return &m.Partitions[i]
		}
	}
	return nil
}

// Signature is one candidate signature over the payload or its metadata.
type Signature struct {
	Version uint32
	Data    []byte
}

// Signatures is a set of candidate signatures; verification succeeds if any
// one of them checks out against the trusted key set (spec.md §4.1).
type Signatures struct {
	Signatures []Signature
}
