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

package payload

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/coreos/updatecore/internal/errorcode"
	"github.com/coreos/updatecore/internal/metadata"
	"github.com/coreos/updatecore/internal/wire"
)

func testManifest() *metadata.Manifest {
	return &metadata.Manifest{
		BlockSize:        4096,
		MinorVersion:     metadata.MinorVersionFull,
		SignaturesOffset: 4096,
		Partitions: []metadata.PartitionUpdate{
			{
				PartitionName: "root",
				NewInfo:       &metadata.PartitionInfo{Size: 4096},
				Operations: []metadata.InstallOperation{
					{
						Type:           metadata.OpReplace,
						DstExtents:     []metadata.Extent{{StartBlock: 0, NumBlocks: 1}},
						DataLength:     4096,
						DataSha256Hash: make([]byte, 32),
					},
				},
			},
		},
	}
}

func signSum(t *testing.T, key *rsa.PrivateKey, sum []byte) []byte {
	t.Helper()
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, 0, sum)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func buildSignedPayload(t *testing.T, key *rsa.PrivateKey, opData []byte) []byte {
	t.Helper()

	manifestBytes := wire.MarshalManifest(testManifest())

	header := make([]byte, 24)
	copy(header[0:4], metadata.Magic)
	binary.BigEndian.PutUint64(header[4:12], metadata.MajorVersion2)
	binary.BigEndian.PutUint64(header[12:20], uint64(len(manifestBytes)))
	// The metadata signature covers the header including its own size
	// field, so fill that field in first from a same-length placeholder
	// (an RSA signature's length depends only on the key size).
	placeholder := wire.MarshalSignatures(&metadata.Signatures{
		Signatures: []metadata.Signature{{Version: 1, Data: make([]byte, key.Size())}},
	})
	binary.BigEndian.PutUint32(header[20:24], uint32(len(placeholder)))

	h := sha256.New()
	h.Write(header)
	h.Write(manifestBytes)
	metaSum := h.Sum(nil)
	metaSig := wire.MarshalSignatures(&metadata.Signatures{
		Signatures: []metadata.Signature{{Version: 1, Data: signSum(t, key, metaSum)}},
	})

	h.Write(metaSig)
	h.Write(opData)
	payloadSum := h.Sum(nil)
	payloadSig := wire.MarshalSignatures(&metadata.Signatures{
		Signatures: []metadata.Signature{{Version: 1, Data: signSum(t, key, payloadSum)}},
	})

	var buf bytes.Buffer
	buf.Write(header)
	buf.Write(manifestBytes)
	buf.Write(metaSig)
	buf.Write(opData)
	buf.Write(payloadSig)
	return buf.Bytes()
}

func TestVerifierHappyPath(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	opData := bytes.Repeat([]byte{0xAB}, 4096)
	full := buildSignedPayload(t, key, opData)

	v := New([]*rsa.PublicKey{&key.PublicKey})

	// Feed one byte at a time through the header/manifest/metadata-signature
	// stages to exercise partial reads, the way a network fetcher would
	// deliver bytes.
	var i int
	for i < len(full) && v.Stage() != StageOperations {
		n, err := v.Feed(full[i : i+1])
		if err != nil {
			t.Fatalf("Feed at byte %d: %v", i, err)
		}
		i += n
	}
	if v.Stage() != StageOperations {
		t.Fatalf("expected StageOperations, got %v", v.Stage())
	}
	if v.Manifest == nil || len(v.Manifest.Partitions) != 1 {
		t.Fatalf("manifest not parsed correctly: %+v", v.Manifest)
	}

	remaining := full[i:]
	opBytes := remaining[:len(opData)]
	sigBytes := remaining[len(opData):]

	if err := v.Observe(opBytes); err != nil {
		t.Fatal(err)
	}
	if err := v.VerifyPayloadSignature(sigBytes); err != nil {
		t.Fatalf("VerifyPayloadSignature: %v", err)
	}
	if v.Stage() != StageDone {
		t.Fatalf("expected StageDone, got %v", v.Stage())
	}
}

func TestVerifierRejectsBadMagic(t *testing.T) {
	v := New(nil)
	bad := make([]byte, 24)
	copy(bad[0:4], "XXXX")
	if _, err := v.Feed(bad); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestVerifierRejectsTamperedSignature(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	opData := bytes.Repeat([]byte{0xCD}, 4096)
	full := buildSignedPayload(t, key, opData)
	full[len(full)-1] ^= 0xFF // corrupt the last byte of the payload signature

	v := New([]*rsa.PublicKey{&key.PublicKey})
	n, err := v.Feed(full)
	if err != nil {
		t.Fatalf("header/manifest/metadata-signature stage: %v", err)
	}

	remaining := full[n:]
	opBytes := remaining[:len(opData)]
	sigBytes := remaining[len(opData):]

	if err := v.Observe(opBytes); err != nil {
		t.Fatal(err)
	}
	if err := v.VerifyPayloadSignature(sigBytes); err == nil {
		t.Fatal("expected tampered payload signature to fail verification")
	}
}

func TestValidateManifestRejectsUnsupportedMinorVersion(t *testing.T) {
	m := testManifest()
	m.MinorVersion = metadata.MinorVersionVirtualAB + 1

	err := validateManifest(m)
	if !errorcode.Is(err, errorcode.UnsupportedMinorPayloadVersion) {
		t.Fatalf("got %v, want UnsupportedMinorPayloadVersion", err)
	}
}

func TestValidateManifestRejectsSourceOpsBelowMinorVersion(t *testing.T) {
	m := testManifest()
	m.MinorVersion = metadata.MinorVersionFull
	m.Partitions[0].Operations = append(m.Partitions[0].Operations, metadata.InstallOperation{
		Type:       metadata.OpSourceCopy,
		SrcExtents: []metadata.Extent{{StartBlock: 1, NumBlocks: 1}},
		DstExtents: []metadata.Extent{{StartBlock: 1, NumBlocks: 1}},
	})

	err := validateManifest(m)
	if !errorcode.Is(err, errorcode.UnsupportedMinorPayloadVersion) {
		t.Fatalf("got %v, want UnsupportedMinorPayloadVersion", err)
	}
}

func TestValidateManifestAllowsSourceOpsAtRequiredMinorVersion(t *testing.T) {
	m := testManifest()
	m.MinorVersion = metadata.MinorVersionSourceOps
	m.Partitions[0].Operations = append(m.Partitions[0].Operations, metadata.InstallOperation{
		Type:       metadata.OpSourceCopy,
		SrcExtents: []metadata.Extent{{StartBlock: 1, NumBlocks: 1}},
		DstExtents: []metadata.Extent{{StartBlock: 1, NumBlocks: 1}},
	})

	if err := validateManifest(m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestHashStateRoundTrip(t *testing.T) {
	v := New(nil)
	v.hash.Write([]byte("some payload bytes"))

	state, err := v.SnapshotHashState()
	if err != nil {
		t.Fatal(err)
	}

	v2 := New(nil)
	if err := v2.RestoreHashState(state, 42); err != nil {
		t.Fatal(err)
	}
	if v2.Offset() != 42 {
		t.Fatalf("offset = %d, want 42", v2.Offset())
	}
	if !bytes.Equal(v.hash.Sum(nil), v2.hash.Sum(nil)) {
		t.Fatal("restored hash state does not match original")
	}
}
