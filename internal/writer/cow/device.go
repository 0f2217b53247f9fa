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

package cow

import (
	"os"

	fibmap "github.com/frostschutz/go-fibmap"
)

// fileCowDevice is the default CowDevice: a plain overlay file addressed by
// destination block number. libsnapshot's real CowWriter is Android
// platform C++ with no Go binding; Writer.Init always opens this device
// over the path platform.SnapshotWriter.CreateSnapshot returns, and there
// is no hook for plugging in a different CowDevice. It punches holes with
// go-fibmap for zero blocks; the raw writer has no hole-punching path and
// writes explicit zeros instead.
type fileCowDevice struct {
	overlay   *os.File
	source    *os.File
	blockSize uint32
}

func openCowDevice(path string, blockSize uint32, source *os.File) (*fileCowDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	return &fileCowDevice{overlay: f, source: source, blockSize: blockSize}, nil
}

func (d *fileCowDevice) AddCopy(dstBlock, srcBlock uint64) error {
	buf := make([]byte, d.blockSize)
	if _, err := d.source.ReadAt(buf, int64(srcBlock)*int64(d.blockSize)); err != nil {
		return err
	}
	_, err := d.overlay.WriteAt(buf, int64(dstBlock)*int64(d.blockSize))
	return err
}

func (d *fileCowDevice) AddRawBlocks(dstBlock uint64, data []byte) error {
	_, err := d.overlay.WriteAt(data, int64(dstBlock)*int64(d.blockSize))
	return err
}

func (d *fileCowDevice) AddZeroBlocks(dstBlock, numBlocks uint64) error {
	zero := make([]byte, int64(numBlocks)*int64(d.blockSize))
	off := int64(dstBlock) * int64(d.blockSize)
	// Best-effort: punch a hole first so the overlay file doesn't
	// materialize zero pages on disk, then write through to guarantee the
	// visible-zero semantics spec.md requires regardless of whether the
	// hole punch was honored.
	_ = fibmap.NewFibmapFile(d.overlay).PunchHole(off, int64(len(zero)))
	_, err := d.overlay.WriteAt(zero, off)
	return err
}

func (d *fileCowDevice) Finalize() error {
	if err := d.overlay.Sync(); err != nil {
		return err
	}
	return d.overlay.Close()
}
