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

package respath

import "sync"

// InfoType is the kind of run-time power/thermal sample a Resource can carry,
// mirroring original_source/include/bbque/res/resources.h's PowerProfile_t
// field set and spec.md §4.G's nine enabled info types.
type InfoType int

const (
	// Load is the percentage of the resource's capacity currently in use.
	Load InfoType = iota
	// Temperature is the instantaneous temperature in degrees Celsius.
	Temperature
	// Frequency is the instantaneous clock frequency in kHz.
	Frequency
	// Fan is the fan speed as a percentage of maximum.
	Fan
	// Voltage is the instantaneous supply voltage in millivolts.
	Voltage
	// PerfState is the ACPI-style performance state index (P-state).
	PerfState
	// PowerState is the ACPI-style power state index (C-state/D-state).
	PowerState
	// Power is the instantaneous power draw in milliwatts.
	Power
	// Energy is the cumulative energy counter in microjoules.
	Energy

	numInfoTypes
)

func (t InfoType) String() string {
	switch t {
	case Load:
		return "load"
	case Temperature:
		return "temperature"
	case Frequency:
		return "frequency"
	case Fan:
		return "fan"
	case Voltage:
		return "voltage"
	case PerfState:
		return "perf_state"
	case PowerState:
		return "power_state"
	case Power:
		return "power"
	case Energy:
		return "energy"
	default:
		return "unknown"
	}
}

// PowerProfile holds the per-Resource exponential-moving-average sample
// series pkg/powermon maintains. Resource only stores it; sampling and
// threshold evaluation live in pkg/powermon.
type PowerProfile struct {
	mu      sync.Mutex
	last    [numInfoTypes]float64
	mean    [numInfoTypes]float64
	enabled bool
}

// Enable marks the profile as actively sampled.
func (p *PowerProfile) Enable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = true
}

// Enabled reports whether the profile is actively sampled.
func (p *PowerProfile) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Update records a fresh sample and its updated exponential moving average
// for the given info type.
func (p *PowerProfile) Update(t InfoType, sample, mean float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[t] = sample
	p.mean[t] = mean
}

// Last returns the most recent raw sample for t.
func (p *PowerProfile) Last(t InfoType) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last[t]
}

// Mean returns the exponential moving average for t.
func (p *PowerProfile) Mean(t InfoType) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mean[t]
}
