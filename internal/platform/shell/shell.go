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

// Package shell implements internal/platform's three capability interfaces
// against the command-line tools a CoreOS-family host actually ships:
// cgpt for GPT slot priority/successful flags and dmsetup for CoW snapshot
// staging, run through os/exec directly the way
// kola/tests/misc/update.go's prioritizeUsr drives cgpt over SSH.
package shell

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/coreos/updatecore/internal/platform"
)

// PartLabelDevices resolves partitions to GPT-partlabel device nodes named
// "<PARTITION>-<SLOT>" (upper-cased slot), mirroring the "USR-A"/"USR-B"
// convention kola/tests/misc/update.go exercises against cgpt and udev.
type PartLabelDevices struct {
	// Root, when set, replaces "/dev/disk/by-partlabel" as the directory
	// searched, for tests; production callers leave it empty.
	Root string
}

func (d PartLabelDevices) devDir() string {
	if d.Root != "" {
		return d.Root
	}
	return "/dev/disk/by-partlabel"
}

func (d PartLabelDevices) partlabel(partition string, slot platform.Slot) string {
	return fmt.Sprintf("%s-%s", strings.ToUpper(partition), strings.ToUpper(string(slot)))
}

func (d PartLabelDevices) DevicePath(partition string, slot platform.Slot) (string, error) {
	link := d.devDir() + "/" + d.partlabel(partition, slot)
	out, err := exec.Command("readlink", "-f", link).Output()
	if err != nil {
		return "", fmt.Errorf("shell: resolve %s: %w", link, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (d PartLabelDevices) Size(partition string, slot platform.Slot) (uint64, error) {
	path, err := d.DevicePath(partition, slot)
	if err != nil {
		return 0, err
	}
	out, err := exec.Command("blockdev", "--getsize64", path).Output()
	if err != nil {
		return 0, fmt.Errorf("shell: size of %s: %w", path, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("shell: parse size of %s: %w", path, err)
	}
	return n, nil
}

// CgptBootSlots tracks the active/bootable slot through cgpt's priority,
// tries, and successful flags on a kernel (or "usr") partition pair, the
// same three flags prioritizeUsr sets via "cgpt add -S -T" and
// "cgpt prioritize".
type CgptBootSlots struct {
	Devices platform.BlockDevices

	// Partition is the partition cgpt's flags are read/written on, e.g.
	// "USR" on a CoreOS-family disk layout.
	Partition string

	// RootSource, when set, is used by Current instead of inspecting the
	// mounted root device; tests set it to a fake slot.
	RootSource func() (string, error)
}

func (b CgptBootSlots) Current() (platform.Slot, error) {
	var root string
	var err error
	if b.RootSource != nil {
		root, err = b.RootSource()
	} else {
		root, err = currentRootDevice()
	}
	if err != nil {
		return "", err
	}
	for _, slot := range []platform.Slot{"a", "b"} {
		path, derr := b.Devices.DevicePath(b.Partition, slot)
		if derr != nil {
			continue
		}
		if path == root {
			return slot, nil
		}
	}
	return "", fmt.Errorf("shell: no slot's %s partition matches the running root device %s", b.Partition, root)
}

func currentRootDevice() (string, error) {
	out, err := exec.Command("findmnt", "-n", "-o", "SOURCE", "/").Output()
	if err != nil {
		return "", fmt.Errorf("shell: resolve running root device: %w", err)
	}
	root := strings.TrimSpace(string(out))
	resolved, err := exec.Command("readlink", "-f", root).Output()
	if err != nil {
		return root, nil
	}
	return strings.TrimSpace(string(resolved)), nil
}

func (b CgptBootSlots) other(slot platform.Slot) platform.Slot {
	if slot == "a" {
		return "b"
	}
	return "a"
}

func (b CgptBootSlots) Target() (platform.Slot, error) {
	current, err := b.Current()
	if err != nil {
		return "", err
	}
	return b.other(current), nil
}

// MarkBootable gives slot the highest GPT priority and one boot try, per
// spec.md §4.7's Finalize stage, the same "add -S0 -T1" then "prioritize"
// sequence prioritizeUsr runs.
func (b CgptBootSlots) MarkBootable(slot platform.Slot) error {
	path, err := b.Devices.DevicePath(b.Partition, slot)
	if err != nil {
		return err
	}
	if err := runCgpt("repair", path); err != nil {
		return err
	}
	if err := runCgpt("add", "-S0", "-T1", path); err != nil {
		return err
	}
	return runCgpt("prioritize", path)
}

// MarkSuccessful clears slot's retry counter and sets its successful flag,
// the steady-state bookkeeping a healthy boot performs once it decides not
// to roll back.
func (b CgptBootSlots) MarkSuccessful(slot platform.Slot) error {
	path, err := b.Devices.DevicePath(b.Partition, slot)
	if err != nil {
		return err
	}
	return runCgpt("add", "-S1", "-T0", path)
}

func runCgpt(args ...string) error {
	var stderr bytes.Buffer
	cmd := exec.Command("cgpt", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("shell: cgpt %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return nil
}

// DmSnapshotWriter stages Virtual-A/B writes into a dm-snapshot CoW device
// via dmsetup, standing in for the Android original's libsnapshot/device-
// mapper ioctls: no pack repo binds those ioctls from Go, so this shells
// out to the same dmsetup CLI libsnapshot itself wraps.
type DmSnapshotWriter struct {
	Devices platform.BlockDevices

	// CowDir is where per-partition CoW backing files are created; defaults
	// to /var/lib/updatecore/cow.
	CowDir string
}

func (s DmSnapshotWriter) cowDir() string {
	if s.CowDir != "" {
		return s.CowDir
	}
	return "/var/lib/updatecore/cow"
}

func (s DmSnapshotWriter) dmName(partition string, slot platform.Slot) string {
	return fmt.Sprintf("updatecore-%s-%s", partition, slot)
}

func (s DmSnapshotWriter) CreateSnapshot(partition string, slot platform.Slot, estimateCowSize uint64) (string, error) {
	base, err := s.Devices.DevicePath(partition, slot)
	if err != nil {
		return "", err
	}
	cowFile := fmt.Sprintf("%s/%s-%s.cow", s.cowDir(), partition, slot)
	if err := exec.Command("fallocate", "-l", strconv.FormatUint(estimateCowSize, 10), cowFile).Run(); err != nil {
		return "", fmt.Errorf("shell: allocate cow file %s: %w", cowFile, err)
	}
	loop, err := exec.Command("losetup", "--show", "-f", cowFile).Output()
	if err != nil {
		return "", fmt.Errorf("shell: attach loop device for %s: %w", cowFile, err)
	}
	loopDev := strings.TrimSpace(string(loop))

	name := s.dmName(partition, slot)
	table := fmt.Sprintf("0 %d snapshot %s %s p 8", estimateCowSize/512, base, loopDev)
	if err := exec.Command("dmsetup", "create", name, "--table", table).Run(); err != nil {
		return "", fmt.Errorf("shell: dmsetup create %s: %w", name, err)
	}
	return "/dev/mapper/" + name, nil
}

func (s DmSnapshotWriter) Merge(partition string, slot platform.Slot) error {
	name := s.dmName(partition, slot)
	if err := exec.Command("dmsetup", "suspend", name).Run(); err != nil {
		return fmt.Errorf("shell: dmsetup suspend %s: %w", name, err)
	}
	if err := exec.Command("dmsetup", "reload", name, "--table",
		fmt.Sprintf("0 1 snapshot-merge %s", name)).Run(); err != nil {
		return fmt.Errorf("shell: dmsetup reload %s for merge: %w", name, err)
	}
	return exec.Command("dmsetup", "resume", name).Run()
}

func (s DmSnapshotWriter) MergeStatus(partition string, slot platform.Slot) (bool, error) {
	name := s.dmName(partition, slot)
	out, err := exec.Command("dmsetup", "status", name).Output()
	if err != nil {
		return false, fmt.Errorf("shell: dmsetup status %s: %w", name, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) < 2 {
		return false, fmt.Errorf("shell: unexpected dmsetup status output for %s: %q", name, out)
	}
	// snapshot-merge reports "<sectors written> <total sectors>" once the
	// target has switched from "snapshot" to "snapshot-merge" status
	// fields; a merge that has consumed every sector of CoW data is done.
	remaining := fields[len(fields)-1]
	return remaining == "0/0" || remaining == "0", nil
}
