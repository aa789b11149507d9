// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package platform

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// FreezerState mirrors the kernel's freezer-cgroup attribute values.
type FreezerState string

const (
	Thawed FreezerState = "THAWED"
	Frozen FreezerState = "FROZEN"
)

// freezerStateFile is the kernel-defined attribute file spec.md §6 refers to
// generically as "state in the kernel-defined attribute file".
const freezerStateFile = "freezer.state"

// FreezerBackend manages freezer cgroups directly through the cgroupfs,
// matching spec.md §6's layout
// "<freezer-dir>/linux/<pid>_<name>/{cgroup.procs,freezer.state}". There is
// no freezer-subsystem API in github.com/coreos/go-systemd/v22 (its dbus
// package manages systemd units/scopes, not raw cgroup attributes) so this
// one operation is implemented directly against the cgroupfs, as the
// original platform proxy does.
type FreezerBackend struct {
	Root string
}

// NewFreezerBackend roots freezer cgroups at root (spec.md §6 "<freezer-dir>").
func NewFreezerBackend(root string) *FreezerBackend {
	return &FreezerBackend{Root: root}
}

func (f *FreezerBackend) cgroupDir(pid int, name string) string {
	return filepath.Join(f.Root, "linux", fmt.Sprintf("%d_%s", pid, name))
}

// Freeze moves pid into name's freezer cgroup and sets it to FROZEN.
func (f *FreezerBackend) Freeze(pid int, name string) error {
	dir := f.cgroupDir(pid, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "mkdir %s: %v", dir, err)
	}
	if err := f.writeProcs(dir, pid); err != nil {
		return err
	}
	return f.writeState(dir, Frozen)
}

// Thaw resumes a previously frozen workload (spec.md §4.F: invoked for
// pre-sync state THAWED).
func (f *FreezerBackend) Thaw(desc ThawDesc) error {
	dir := f.cgroupDir(desc.PID, desc.Name)
	return f.writeState(dir, Thawed)
}

func (f *FreezerBackend) writeProcs(dir string, pid int) error {
	path := filepath.Join(dir, "cgroup.procs")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0644); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "write %s: %v", path, err)
	}
	return nil
}

func (f *FreezerBackend) writeState(dir string, state FreezerState) error {
	path := filepath.Join(dir, freezerStateFile)
	if err := os.WriteFile(path, []byte(state), 0644); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "write %s: %v", path, err)
	}
	return nil
}

// State reads back the cgroup's current freezer state.
func (f *FreezerBackend) State(pid int, name string) (FreezerState, error) {
	path := filepath.Join(f.cgroupDir(pid, name), freezerStateFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "read %s: %v", path, err)
	}
	return FreezerState(raw), nil
}
