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
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// NVMLSampler reads ACCELERATOR resource samples from the NVIDIA Management
// Library. The resource path's ACCELERATOR id is used as the NVML device
// index. Grounded on herb-duan-koordinator's go.mod dependency on
// github.com/NVIDIA/go-nvml for GPU telemetry.
type NVMLSampler struct {
	mu   sync.Mutex
	init bool
}

// NewNVMLSampler creates an NVMLSampler. Init is deferred to the first
// Sample call so a daemon with no GPUs present never pays nvml.Init's cost.
func NewNVMLSampler() *NVMLSampler {
	return &NVMLSampler{}
}

func (s *NVMLSampler) ensureInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init {
		return nil
	}
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return rtrmerr.Wrap("powermon", rtrmerr.ErrPlatformInitFailed, "nvml.Init: %v", nvml.ErrorString(ret))
	}
	s.init = true
	return nil
}

// Shutdown releases the NVML library handle.
func (s *NVMLSampler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.init {
		nvml.Shutdown()
		s.init = false
	}
}

// CompositeSampler tries each Sampler in order, returning the result of the
// first one that reports ok or an error. It lets the daemon combine NVMLSampler's GPU readings with a
// SysfsSampler's CPU readings under one Monitor.
type CompositeSampler struct {
	Samplers []Sampler
}

// Sample implements Sampler by delegating to the first member that answers
// (ok) or fails (err).
func (c CompositeSampler) Sample(path respath.Path, info respath.InfoType) (float64, bool, error) {
	for _, s := range c.Samplers {
		v, ok, err := s.Sample(path, info)
		if err != nil || ok {
			return v, ok, err
		}
	}
	return 0, false, nil
}

// Sample reads one info type for the ACCELERATOR resource at path.
func (s *NVMLSampler) Sample(path respath.Path, info respath.InfoType) (float64, bool, error) {
	if path.Type() != respath.Accelerator {
		return 0, false, nil
	}
	if err := s.ensureInit(); err != nil {
		return 0, false, err
	}

	accID := path.GetID(respath.Accelerator)
	if accID == respath.Unset {
		return 0, false, nil
	}
	device, ret := nvml.DeviceGetHandleByIndex(int(accID))
	if ret != nvml.SUCCESS {
		return 0, false, rtrmerr.Wrap("powermon", rtrmerr.ErrPlatformPowerSettingError, "nvml device %d: %v", int(accID), nvml.ErrorString(ret))
	}

	switch info {
	case respath.Power:
		mw, ret := device.GetPowerUsage()
		if ret != nvml.SUCCESS {
			return 0, false, nil
		}
		return float64(mw), true, nil
	case respath.Temperature:
		c, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
		if ret != nvml.SUCCESS {
			return 0, false, nil
		}
		return float64(c), true, nil
	case respath.Load:
		util, ret := device.GetUtilizationRates()
		if ret != nvml.SUCCESS {
			return 0, false, nil
		}
		return float64(util.Gpu), true, nil
	case respath.Frequency:
		khz, ret := device.GetClockInfo(nvml.CLOCK_GRAPHICS)
		if ret != nvml.SUCCESS {
			return 0, false, nil
		}
		return float64(khz) * 1000, true, nil
	case respath.Fan:
		pct, ret := device.GetFanSpeed()
		if ret != nvml.SUCCESS {
			return 0, false, nil
		}
		return float64(pct), true, nil
	default:
		return 0, false, nil
	}
}
