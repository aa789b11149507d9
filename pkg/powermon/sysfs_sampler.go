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

package powermon

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bbque/rtrm/pkg/respath"
)

// SysfsSampler reads CPU frequency and temperature samples from Linux sysfs
// (cpufreq scaling_cur_freq, hwmon temp1_input), the non-GPU counterpart to
// NVMLSampler. Every other info type reports !ok. Grounded on
// original_source/bbque/pp/linux_platform_proxy.cc's sysfs path layout.
type SysfsSampler struct {
	// CpufreqDir defaults to /sys/devices/system/cpu/cpu<N>/cpufreq.
	CpufreqDir func(cpuID int) string
	// HwmonDir defaults to /sys/class/hwmon/hwmon<N>.
	HwmonDir func(sensor int) string
}

// NewSysfsSampler creates a SysfsSampler with the standard Linux paths.
func NewSysfsSampler() *SysfsSampler {
	return &SysfsSampler{
		CpufreqDir: func(cpuID int) string {
			return filepath.Join("/sys/devices/system/cpu", "cpu"+strconv.Itoa(cpuID), "cpufreq")
		},
		HwmonDir: func(sensor int) string {
			return filepath.Join("/sys/class/hwmon", "hwmon"+strconv.Itoa(sensor))
		},
	}
}

// Sample reads one info type for a CPU/ProcElement resource at path.
func (s *SysfsSampler) Sample(path respath.Path, info respath.InfoType) (float64, bool, error) {
	switch path.Type() {
	case respath.CPU, respath.ProcElement:
	default:
		return 0, false, nil
	}
	cpuID := int(path.GetID(respath.CPU))
	if cpuID < 0 {
		return 0, false, nil
	}

	switch info {
	case respath.Frequency:
		return readUintFile(filepath.Join(s.CpufreqDir(cpuID), "scaling_cur_freq"))
	case respath.Temperature:
		raw, ok, err := readUintFile(filepath.Join(s.HwmonDir(0), "temp1_input"))
		return raw / 1000, ok, err // millidegree -> degree
	default:
		return 0, false, nil
	}
}

func readUintFile(path string) (float64, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, false, err
	}
	return float64(v), true, nil
}

// RAPLEnergyReader reads Intel RAPL-style powercap energy counters
// (/sys/class/powercap/intel-rapl:<zone>/energy_uj).
type RAPLEnergyReader struct {
	// ZoneDir maps a resource path to its powercap zone directory.
	ZoneDir func(path respath.Path) string
}

// NewRAPLEnergyReader creates a RAPLEnergyReader keyed by CPU package id.
func NewRAPLEnergyReader() *RAPLEnergyReader {
	return &RAPLEnergyReader{
		ZoneDir: func(path respath.Path) string {
			zone := int(path.GetID(respath.CPU))
			if zone < 0 {
				zone = 0
			}
			return filepath.Join("/sys/class/powercap", "intel-rapl:"+strconv.Itoa(zone))
		},
	}
}

// ReadEnergyUJ reads the cumulative microjoule counter for path's RAPL zone.
func (r *RAPLEnergyReader) ReadEnergyUJ(path respath.Path) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(r.ZoneDir(path), "energy_uj"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}
