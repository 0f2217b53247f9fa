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

// Package wire encodes and decodes the manifest and signature records of
// internal/metadata using raw protobuf wire primitives. update/generator/
// generator.go in the teacher drives a fully codegen'd proto.Message
// (proto.Marshal/proto.Unmarshal/proto.Size) produced from a .proto file by
// protoc; no protoc step is available in this environment, so this package
// talks to the same wire format one layer down, via
// google.golang.org/protobuf/encoding/protowire's tag/varint/bytes
// primitives. Field numbers below are this repo's own assignment, not a
// transcription of the real update_metadata.proto.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/coreos/updatecore/internal/metadata"
)

// Field numbers, grouped by message.
const (
	fManifestBlockSize        = 1
	fManifestMinorVersion     = 2
	fManifestPartitions       = 3
	fManifestSignaturesOffset = 4
	fManifestSignaturesSize   = 5

	fPartitionName       = 1
	fPartitionOldInfo    = 2
	fPartitionNewInfo    = 3
	fPartitionOps        = 4
	fPartitionMergeOps   = 5
	fPartitionEstCowSize = 6
	fPartitionVerity     = 7

	fInfoSize = 1
	fInfoHash = 2

	fOpType       = 1
	fOpSrcExtents = 2
	fOpDstExtents = 3
	fOpDataOffset = 4
	fOpDataLength = 5
	fOpDataHash   = 6
	fOpSrcHash    = 7

	fExtentStart = 1
	fExtentNum   = 2

	fMergeType  = 1
	fMergeSrc   = 2
	fMergeDst   = 3

	fVerityHashDataExtent = 1
	fVerityHashExtent     = 2
	fVerityAlgorithm      = 3
	fVeritySalt           = 4
	fVerityFECDataExtent  = 5
	fVerityFECExtent      = 6
	fVerityFECRoots       = 7

	fSignaturesList  = 1
	fSignatureVersion = 1
	fSignatureData    = 2
)

// MarshalManifest encodes a Manifest to its wire bytes.
func MarshalManifest(m *metadata.Manifest) []byte {
	var b []byte
	b = protowire.AppendTag(b, fManifestBlockSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.BlockSize))
	b = protowire.AppendTag(b, fManifestMinorVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.MinorVersion))
	for _, p := range m.Partitions {
		b = protowire.AppendTag(b, fManifestPartitions, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalPartition(&p))
	}
	b = protowire.AppendTag(b, fManifestSignaturesOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SignaturesOffset)
	b = protowire.AppendTag(b, fManifestSignaturesSize, protowire.VarintType)
	b = protowire.AppendVarint(b, m.SignaturesSize)
	return b
}

func marshalPartition(p *metadata.PartitionUpdate) []byte {
	var b []byte
	b = protowire.AppendTag(b, fPartitionName, protowire.BytesType)
	b = protowire.AppendString(b, p.PartitionName)
	if p.OldInfo != nil {
		b = protowire.AppendTag(b, fPartitionOldInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInfo(p.OldInfo))
	}
	if p.NewInfo != nil {
		b = protowire.AppendTag(b, fPartitionNewInfo, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInfo(p.NewInfo))
	}
	for _, op := range p.Operations {
		b = protowire.AppendTag(b, fPartitionOps, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOp(&op))
	}
	for _, mo := range p.MergeOperations {
		b = protowire.AppendTag(b, fPartitionMergeOps, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalMerge(&mo))
	}
	b = protowire.AppendTag(b, fPartitionEstCowSize, protowire.VarintType)
	b = protowire.AppendVarint(b, p.EstimateCowSize)
	if p.Verity != nil {
		b = protowire.AppendTag(b, fPartitionVerity, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalVerity(p.Verity))
	}
	return b
}

func marshalInfo(i *metadata.PartitionInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fInfoSize, protowire.VarintType)
	b = protowire.AppendVarint(b, i.Size)
	b = protowire.AppendTag(b, fInfoHash, protowire.BytesType)
	b = protowire.AppendBytes(b, i.Hash)
	return b
}

func marshalExtent(e metadata.Extent) []byte {
	var b []byte
	b = protowire.AppendTag(b, fExtentStart, protowire.VarintType)
	b = protowire.AppendVarint(b, e.StartBlock)
	b = protowire.AppendTag(b, fExtentNum, protowire.VarintType)
	b = protowire.AppendVarint(b, e.NumBlocks)
	return b
}

func marshalOp(op *metadata.InstallOperation) []byte {
	var b []byte
	b = protowire.AppendTag(b, fOpType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Type))
	for _, e := range op.SrcExtents {
		b = protowire.AppendTag(b, fOpSrcExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	for _, e := range op.DstExtents {
		b = protowire.AppendTag(b, fOpDstExtents, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalExtent(e))
	}
	b = protowire.AppendTag(b, fOpDataOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataOffset)
	b = protowire.AppendTag(b, fOpDataLength, protowire.VarintType)
	b = protowire.AppendVarint(b, op.DataLength)
	if len(op.DataSha256Hash) > 0 {
		b = protowire.AppendTag(b, fOpDataHash, protowire.BytesType)
		b = protowire.AppendBytes(b, op.DataSha256Hash)
	}
	if len(op.SrcSha256Hash) > 0 {
		b = protowire.AppendTag(b, fOpSrcHash, protowire.BytesType)
		b = protowire.AppendBytes(b, op.SrcSha256Hash)
	}
	return b
}

func marshalMerge(mo *metadata.CowMergeOperation) []byte {
	var b []byte
	b = protowire.AppendTag(b, fMergeType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(mo.Type))
	b = protowire.AppendTag(b, fMergeSrc, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalExtent(mo.SrcExtent))
	b = protowire.AppendTag(b, fMergeDst, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalExtent(mo.DstExtent))
	return b
}

func marshalVerity(v *metadata.VerityInfo) []byte {
	var b []byte
	b = protowire.AppendTag(b, fVerityHashDataExtent, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalExtent(v.HashTreeDataExtent))
	b = protowire.AppendTag(b, fVerityHashExtent, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalExtent(v.HashTreeExtent))
	b = protowire.AppendTag(b, fVerityAlgorithm, protowire.BytesType)
	b = protowire.AppendString(b, v.HashTreeAlgorithm)
	b = protowire.AppendTag(b, fVeritySalt, protowire.BytesType)
	b = protowire.AppendBytes(b, v.HashTreeSalt)
	b = protowire.AppendTag(b, fVerityFECDataExtent, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalExtent(v.FECDataExtent))
	b = protowire.AppendTag(b, fVerityFECExtent, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalExtent(v.FECExtent))
	b = protowire.AppendTag(b, fVerityFECRoots, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(v.FECRoots))
	return b
}

// MarshalSignatures encodes a Signatures record to its wire bytes.
func MarshalSignatures(s *metadata.Signatures) []byte {
	var b []byte
	for _, sig := range s.Signatures {
		var sb []byte
		sb = protowire.AppendTag(sb, fSignatureVersion, protowire.VarintType)
		sb = protowire.AppendVarint(sb, uint64(sig.Version))
		sb = protowire.AppendTag(sb, fSignatureData, protowire.BytesType)
		sb = protowire.AppendBytes(sb, sig.Data)

		b = protowire.AppendTag(b, fSignaturesList, protowire.BytesType)
		b = protowire.AppendBytes(b, sb)
	}
	return b
}

// UnmarshalManifest decodes wire bytes produced by MarshalManifest.
func UnmarshalManifest(data []byte) (*metadata.Manifest, error) {
	m := &metadata.Manifest{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("manifest: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fManifestBlockSize:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("manifest.block_size: %w", err)
			}
			m.BlockSize = uint32(v)
			data = data[n:]
		case fManifestMinorVersion:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("manifest.minor_version: %w", err)
			}
			m.MinorVersion = uint32(v)
			data = data[n:]
		case fManifestPartitions:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("manifest.partitions: %w", err)
			}
			p, err := unmarshalPartition(buf)
			if err != nil {
				return nil, err
			}
			m.Partitions = append(m.Partitions, *p)
			data = data[n:]
		case fManifestSignaturesOffset:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("manifest.signatures_offset: %w", err)
			}
			m.SignaturesOffset = v
			data = data[n:]
		case fManifestSignaturesSize:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("manifest.signatures_size: %w", err)
			}
			m.SignaturesSize = v
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return m, nil
}

func unmarshalPartition(data []byte) (*metadata.PartitionUpdate, error) {
	p := &metadata.PartitionUpdate{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("partition: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fPartitionName:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return nil, fmt.Errorf("partition.partition_name: %w", err)
			}
			p.PartitionName = s
			data = data[n:]
		case fPartitionOldInfo:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("partition.old_info: %w", err)
			}
			info, err := unmarshalInfo(buf)
			if err != nil {
				return nil, err
			}
			p.OldInfo = info
			data = data[n:]
		case fPartitionNewInfo:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("partition.new_info: %w", err)
			}
			info, err := unmarshalInfo(buf)
			if err != nil {
				return nil, err
			}
			p.NewInfo = info
			data = data[n:]
		case fPartitionOps:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("partition.operations: %w", err)
			}
			op, err := unmarshalOp(buf)
			if err != nil {
				return nil, err
			}
			p.Operations = append(p.Operations, *op)
			data = data[n:]
		case fPartitionMergeOps:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("partition.merge_operations: %w", err)
			}
			mo, err := unmarshalMerge(buf)
			if err != nil {
				return nil, err
			}
			p.MergeOperations = append(p.MergeOperations, *mo)
			data = data[n:]
		case fPartitionEstCowSize:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, fmt.Errorf("partition.estimate_cow_size: %w", err)
			}
			p.EstimateCowSize = v
			data = data[n:]
		case fPartitionVerity:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, fmt.Errorf("partition.verity: %w", err)
			}
			v, err := unmarshalVerity(buf)
			if err != nil {
				return nil, err
			}
			p.Verity = v
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return p, nil
}

func unmarshalInfo(data []byte) (*metadata.PartitionInfo, error) {
	i := &metadata.PartitionInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("info: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fInfoSize:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			i.Size = v
			data = data[n:]
		case fInfoHash:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			i.Hash = append([]byte(nil), b...)
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return i, nil
}

func unmarshalExtent(data []byte) (metadata.Extent, error) {
	var e metadata.Extent
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, fmt.Errorf("extent: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fExtentStart:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return e, err
			}
			e.StartBlock = v
			data = data[n:]
		case fExtentNum:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return e, err
			}
			e.NumBlocks = v
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return e, err
			}
			data = data[n:]
		}
	}
	return e, nil
}

func unmarshalOp(data []byte) (*metadata.InstallOperation, error) {
	op := &metadata.InstallOperation{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("operation: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fOpType:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			op.Type = metadata.OperationType(v)
			data = data[n:]
		case fOpSrcExtents:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			op.SrcExtents = append(op.SrcExtents, e)
			data = data[n:]
		case fOpDstExtents:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			op.DstExtents = append(op.DstExtents, e)
			data = data[n:]
		case fOpDataOffset:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			op.DataOffset = v
			data = data[n:]
		case fOpDataLength:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			op.DataLength = v
			data = data[n:]
		case fOpDataHash:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			op.DataSha256Hash = append([]byte(nil), b...)
			data = data[n:]
		case fOpSrcHash:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			op.SrcSha256Hash = append([]byte(nil), b...)
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return op, nil
}

func unmarshalMerge(data []byte) (*metadata.CowMergeOperation, error) {
	mo := &metadata.CowMergeOperation{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("merge_operation: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fMergeType:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			mo.Type = metadata.CowMergeOpType(v)
			data = data[n:]
		case fMergeSrc:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			mo.SrcExtent = e
			data = data[n:]
		case fMergeDst:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			mo.DstExtent = e
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return mo, nil
}

func unmarshalVerity(data []byte) (*metadata.VerityInfo, error) {
	v := &metadata.VerityInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("verity: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fVerityHashDataExtent:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			v.HashTreeDataExtent = e
			data = data[n:]
		case fVerityHashExtent:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			v.HashTreeExtent = e
			data = data[n:]
		case fVerityAlgorithm:
			s, n, err := consumeString(data, typ)
			if err != nil {
				return nil, err
			}
			v.HashTreeAlgorithm = s
			data = data[n:]
		case fVeritySalt:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			v.HashTreeSalt = append([]byte(nil), b...)
			data = data[n:]
		case fVerityFECDataExtent:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			v.FECDataExtent = e
			data = data[n:]
		case fVerityFECExtent:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			e, err := unmarshalExtent(buf)
			if err != nil {
				return nil, err
			}
			v.FECExtent = e
			data = data[n:]
		case fVerityFECRoots:
			n64, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			v.FECRoots = uint32(n64)
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return v, nil
}

// UnmarshalSignatures decodes wire bytes produced by MarshalSignatures.
func UnmarshalSignatures(data []byte) (*metadata.Signatures, error) {
	s := &metadata.Signatures{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("signatures: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fSignaturesList:
			buf, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			sig, err := unmarshalSignature(buf)
			if err != nil {
				return nil, err
			}
			s.Signatures = append(s.Signatures, *sig)
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return s, nil
}

func unmarshalSignature(data []byte) (*metadata.Signature, error) {
	sig := &metadata.Signature{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("signature: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fSignatureVersion:
			v, n, err := consumeVarint(data, typ)
			if err != nil {
				return nil, err
			}
			sig.Version = uint32(v)
			data = data[n:]
		case fSignatureData:
			b, n, err := consumeBytes(data, typ)
			if err != nil {
				return nil, err
			}
			sig.Data = append([]byte(nil), b...)
			data = data[n:]
		default:
			n, err := skipField(data, typ)
			if err != nil {
				return nil, err
			}
			data = data[n:]
		}
	}
	return sig, nil
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("expected varint, got wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("expected bytes, got wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("expected bytes, got wire type %d", typ)
	}
	v, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func skipField(data []byte, typ protowire.Type) (int, error) {
	n := protowire.ConsumeFieldValue(0, typ, data)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}
