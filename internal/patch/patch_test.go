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

package patch

import (
	"bytes"
	"testing"

	"github.com/andybalholm/brotli"
	bsdiff "github.com/gabstv/go-bsdiff"

	"github.com/coreos/updatecore/internal/metadata"
)

func buildBsdiffPatch(t *testing.T, source, dest []byte) []byte {
	t.Helper()
	p, err := bsdiff.Bytes(source, dest)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestApplySourceBSDiff(t *testing.T) {
	source := bytes.Repeat([]byte{0x11}, 512)
	dest := append(append([]byte{}, source...), 0xAA, 0xBB)
	p := buildBsdiffPatch(t, source, dest)

	got, err := Apply(metadata.OpSourceBSDiff, source, p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, dest) {
		t.Fatalf("got %x, want %x", got, dest)
	}
}

func TestApplyPuffDiffUsesSameBsdiffCodec(t *testing.T) {
	source := bytes.Repeat([]byte{0x22}, 256)
	dest := bytes.Repeat([]byte{0x22}, 200)
	p := buildBsdiffPatch(t, source, dest)

	got, err := Apply(metadata.OpPuffDiff, source, p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, dest) {
		t.Fatalf("got %x, want %x", got, dest)
	}
}

func TestApplyBrotliBSDiffUnwrapsBeforePatching(t *testing.T) {
	source := bytes.Repeat([]byte{0x33}, 1024)
	dest := append(append([]byte{}, source...), bytes.Repeat([]byte{0x44}, 64)...)
	raw := buildBsdiffPatch(t, source, dest)

	var wrapped bytes.Buffer
	w := brotli.NewWriter(&wrapped)
	if _, err := w.Write(raw); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := Apply(metadata.OpBrotliBSDiff, source, wrapped.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, dest) {
		t.Fatalf("got %x, want %x", got, dest)
	}
}

func TestApplyRejectsUnsupportedOperation(t *testing.T) {
	if _, err := Apply(metadata.OpReplace, nil, nil); err == nil {
		t.Fatal("expected an error for a non-patch operation type")
	}
}

func TestApplyRejectsCorruptPatch(t *testing.T) {
	source := bytes.Repeat([]byte{0x55}, 64)
	if _, err := Apply(metadata.OpSourceBSDiff, source, []byte("not a bsdiff patch")); err == nil {
		t.Fatal("expected an error for a corrupt patch blob")
	}
}
