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

// Package platform declares the narrow capability interfaces spec.md §9
// calls for in place of the original's single object graph with back-
// pointers: BootSlots, BlockDevices, and SnapshotWriter are each injected
// into the packages that need them rather than referenced through a
// singleton, the way mantle/platform.Machine/Cluster/Flight are each a
// small interface implemented per-provider and injected into test code
// rather than reached through a global.
package platform

import "io"

// Slot identifies one A/B boot slot, e.g. "a" or "b".
type Slot string

// BootSlots is the device's dual-slot bookkeeping: which slot is currently
// running, which slot an update should target, and how to mark a newly
// written slot bootable. Real implementations shell out to a bootloader
// control tool (e.g. cgpt, fw_setenv); a fake in tests just flips a field.
type BootSlots interface {
	// Current returns the slot the running system booted from.
	Current() (Slot, error)

	// Target returns the slot an update should write to: the inactive slot.
	Target() (Slot, error)

	// MarkBootable sets a slot as the one to try on next boot, per spec.md
	// §4.7's Finalize stage. It does not reboot the device.
	MarkBootable(slot Slot) error

	// MarkSuccessful records that the currently running slot booted and
	// stayed up long enough to be considered good, clearing any boot
	// fallback counter the bootloader maintains.
	MarkSuccessful(slot Slot) error
}

// BlockDevices resolves a (partition name, slot) pair to the backing device
// node an executor or writer should open, keeping partition-naming
// conventions (e.g. "_a"/"_b" suffixes on Android, numbered slots elsewhere)
// out of every other package.
type BlockDevices interface {
	// DevicePath returns the block device node to write partition on slot.
	DevicePath(partition string, slot Slot) (string, error)

	// Size returns the current size in bytes of partition on slot.
	Size(partition string, slot Slot) (uint64, error)
}

// SnapshotWriter is the subset of dm-snapshot/Virtual-A/B control this core
// needs: creating a CoW device for a target partition before any writer
// opens it, and merging the snapshot into the base device once verification
// has passed. Concrete implementations shell out to snapshotctl/dmsetup;
// this interface exists so internal/writer and internal/pipeline never
// import an exec package directly.
type SnapshotWriter interface {
	// CreateSnapshot prepares a CoW-backed device for partition on slot,
	// sized to hold at least estimateCowSize bytes of CoW metadata and
	// returns the path a Writer should open.
	CreateSnapshot(partition string, slot Slot, estimateCowSize uint64) (string, error)

	// Merge starts merging a previously created snapshot back into its base
	// device. It does not block until the merge completes.
	Merge(partition string, slot Slot) error

	// MergeStatus reports whether a snapshot's merge has completed.
	MergeStatus(partition string, slot Slot) (done bool, err error)
}

// Reader is satisfied by any fetcher delivering payload bytes to the
// executor; kept here, rather than importing net/http anywhere in this
// core, so the payload consumer never assumes a transport.
type Reader interface {
	io.Reader
}
