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

	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// LinuxBackend enforces resource assignments through cgroup cpuset/cpu.cfs_*
// files and the sysfs cpufreq governor knobs, mirroring
// original_source/bbque/pp/linux_platform_proxy.cc. It embeds FreezerBackend
// for Freeze/Thaw.
type LinuxBackend struct {
	*FreezerBackend

	CgroupRoot string // e.g. /sys/fs/cgroup/rtrm
	CpufreqRoot string // e.g. /sys/devices/system/cpu
}

// NewLinuxBackend roots cgroup management under cgroupRoot and freezer
// management under freezerRoot, applying CPU frequency governor changes
// under cpufreqRoot.
func NewLinuxBackend(cgroupRoot, freezerRoot, cpufreqRoot string) *LinuxBackend {
	return &LinuxBackend{
		FreezerBackend: NewFreezerBackend(freezerRoot),
		CgroupRoot:     cgroupRoot,
		CpufreqRoot:    cpufreqRoot,
	}
}

func (l *LinuxBackend) cgroupDir(uid string) string {
	return filepath.Join(l.CgroupRoot, uid)
}

// MapResources writes assignments' bound PE/memory quantities into uid's
// cgroup (cpu.cfs_quota_us / memory.limit_in_bytes; cpuset.cpus is not
// written, and other resource types are skipped), matching
// spec.md §4.F "enforce the resource assignment through the platform
// back-end".
func (l *LinuxBackend) MapResources(uid string, assignments raccount.AssignmentMap) error {
	dir := l.cgroupDir(uid)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformMappingFailed, "mkdir %s: %v", dir, err)
	}

	for key, assign := range assignments {
		total := uint64(0)
		for _, qty := range assign.Bound {
			total += qty
		}
		file, value := cgroupFileFor(key, total)
		if file == "" {
			continue
		}
		path := filepath.Join(dir, file)
		if err := os.WriteFile(path, []byte(value), 0644); err != nil {
			return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformMappingFailed, "write %s: %v", path, err)
		}
	}
	return nil
}

// cgroupFileFor maps a requested resource path's type to the cgroup knob
// enforcing it, and formats its bound quantity for that knob.
func cgroupFileFor(pathKey string, qty uint64) (file, value string) {
	switch {
	case containsToken(pathKey, "pe"):
		// CPU share in 1-percent units (spec.md §4.B numeric semantics) maps
		// onto cfs_quota_us against a 100ms period.
		period := uint64(100000)
		quota := qty * period / 100
		return "cpu.cfs_quota_us", strconv.FormatUint(quota, 10)
	case containsToken(pathKey, "mem"):
		return "memory.limit_in_bytes", strconv.FormatUint(qty, 10)
	default:
		return "", ""
	}
}

func containsToken(s, token string) bool {
	for i := 0; i+len(token) <= len(s); i++ {
		if s[i:i+len(token)] == token {
			return true
		}
	}
	return false
}

// ReclaimResources zeroes uid's cgroup quota without removing the cgroup,
// used for sync sub-state BLOCKED.
func (l *LinuxBackend) ReclaimResources(uid string) error {
	dir := l.cgroupDir(uid)
	path := filepath.Join(dir, "cpu.cfs_quota_us")
	if err := os.WriteFile(path, []byte("0"), 0644); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformMappingFailed, "write %s: %v", path, err)
	}
	return nil
}

// Release removes uid's cgroup entirely.
func (l *LinuxBackend) Release(uid string) error {
	dir := l.cgroupDir(uid)
	if err := os.RemoveAll(dir); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformMappingFailed, "rmdir %s: %v", dir, err)
	}
	return nil
}

// Checkpoint is not implemented by the plain Linux backend; wrap it in
// CRIUBackend for checkpoint/restore support.
func (l *LinuxBackend) Checkpoint(pid int, name string) error {
	return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "checkpoint not supported by LinuxBackend; wrap in CRIUBackend")
}

// Restore is not implemented by the plain Linux backend; wrap it in
// CRIUBackend for checkpoint/restore support.
func (l *LinuxBackend) Restore(pid int, name string) error {
	return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "restore not supported by LinuxBackend; wrap in CRIUBackend")
}

// SetPower writes the CPU frequency-scaling governor for the package/core
// addressed by resourcePath (spec.md §4.H "Actuate power management
// (governor / frequency / perf-state changes on dequeued resources)").
func (l *LinuxBackend) SetPower(resourcePath string, settings PowerSettings) error {
	if settings.Governor == "" {
		return nil
	}
	path := filepath.Join(l.CpufreqRoot, resourcePath, "cpufreq", "scaling_governor")
	if err := os.WriteFile(path, []byte(settings.Governor), 0644); err != nil {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformPowerSettingError, "write %s: %v", path, err)
	}
	if settings.FreqKHz > 0 {
		freqPath := filepath.Join(l.CpufreqRoot, resourcePath, "cpufreq", "scaling_setspeed")
		if err := os.WriteFile(freqPath, []byte(fmt.Sprintf("%d", settings.FreqKHz)), 0644); err != nil {
			return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformPowerSettingError, "write %s: %v", freqPath, err)
		}
	}
	return nil
}

var (
	_ Backend = (*CRIUBackend)(nil)
	_ Backend = (*LinuxBackend)(nil)
	_ Backend = (*Mock)(nil)
)
