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

// Package platform defines the narrow interface the Synchronization Manager
// and Power Monitor drive to enforce resource assignments and power settings
// on the real operating system (spec.md §1: "per-platform cgroup/CRIU
// back-ends beyond the operations they must expose" are out of scope; we
// specify and consume only this interface). It also ships one in-memory mock
// implementation for tests and a Linux implementation backed by CRIU
// checkpoint/restore and raw freezer-cgroup file I/O.
//
// Grounded on original_source/bbque/pp/linux_platform_proxy.cc (MapResources/
// ReclaimResources/Release/governor & frequency setters) and
// original_source/bbque/pp/linux_io_platform_proxy.cc's image/freezer
// directory layout (spec.md §6 "Persisted state").
package platform

import (
	"github.com/bbque/rtrm/pkg/raccount"
)

// Governor selects a CPU frequency-scaling governor.
type Governor string

const (
	GovernorPerformance Governor = "performance"
	GovernorPowersave   Governor = "powersave"
	GovernorOndemand    Governor = "ondemand"
)

// PowerSettings bundles the optional power actuation fields carried by a
// ResourceAssignment (spec.md §3).
type PowerSettings struct {
	Governor  Governor
	FreqKHz   uint64
	PerfState int
	On        bool
}

// Backend is the platform back-end interface the Synchronization Manager and
// the control loop's power-actuation step drive.
type Backend interface {
	// MapResources enforces assignments for uid on the real platform
	// (cgroup cpuset/quota updates, NIC shaping, ...), used for sync
	// sub-states STARTING/RECONF/MIGREC/MIGRATE.
	MapResources(uid string, assignments raccount.AssignmentMap) error
	// ReclaimResources withdraws a uid's enforcement without fully
	// releasing it, used for sync sub-state BLOCKED.
	ReclaimResources(uid string) error
	// Release tears down every platform-side resource held by uid, used
	// for sync sub-state DISABLED and for disable-with-release.
	Release(uid string) error
	// Restore reconstructs pid/name from its last checkpoint image,
	// invoked for EXCs whose pre-sync state is RESTORING.
	Restore(pid int, name string) error
	// Thaw resumes a previously frozen workload described by desc.
	Thaw(desc ThawDesc) error
	// Freeze suspends pid/name via the freezer cgroup.
	Freeze(pid int, name string) error
	// Checkpoint snapshots pid/name to its image directory.
	Checkpoint(pid int, name string) error
	// SetPower applies governor/frequency/perf-state/on-off settings to a
	// resource, used by the control loop's power-actuation step.
	SetPower(resourcePath string, settings PowerSettings) error
}

// ThawDesc carries what Thaw needs to resume a previously frozen workload.
type ThawDesc struct {
	PID  int
	Name string
}
