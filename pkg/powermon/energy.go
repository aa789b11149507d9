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

	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// EnergyReader reads a monotonic microjoule energy counter for path (e.g. an
// Intel RAPL-style powercap sysfs file). Grounded on
// original_source/bbque/energy_monitor.cc's range-measurement bracket.
type EnergyReader interface {
	ReadEnergyUJ(path respath.Path) (uint64, error)
}

// EnergyMonitor implements the bracketed Start/Stop energy-range
// measurement. Concurrent Start/Stop calls are serialized by mu; a Start or
// Stop first waits (via waitIdle, typically Monitor.WaitIdle) for any
// in-flight periodic sampling round so neither reader races the other over
// the same sysfs file.
type EnergyMonitor struct {
	mu       sync.Mutex
	reader   EnergyReader
	waitIdle func()
	brackets map[string]uint64
}

// NewEnergyMonitor creates an EnergyMonitor reading through reader. waitIdle
// may be nil if no periodic Monitor shares the same counters.
func NewEnergyMonitor(reader EnergyReader, waitIdle func()) *EnergyMonitor {
	return &EnergyMonitor{reader: reader, waitIdle: waitIdle, brackets: make(map[string]uint64)}
}

// Start opens an energy-measurement bracket for path.
func (e *EnergyMonitor) Start(path respath.Path) error {
	if e.waitIdle != nil {
		e.waitIdle()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	reading, err := e.reader.ReadEnergyUJ(path)
	if err != nil {
		return rtrmerr.Wrap("powermon", rtrmerr.ErrPlatformPowerSettingError, "start %s: %v", path, err)
	}
	e.brackets[path.String()] = reading
	return nil
}

// Stop closes the bracket opened by Start and returns the energy consumed,
// in microjoules, since then.
func (e *EnergyMonitor) Stop(path respath.Path) (uint64, error) {
	if e.waitIdle != nil {
		e.waitIdle()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	start, ok := e.brackets[path.String()]
	if !ok {
		return 0, rtrmerr.Wrap("powermon", rtrmerr.ErrInvalidState, "no energy bracket open for %s", path)
	}
	end, err := e.reader.ReadEnergyUJ(path)
	if err != nil {
		return 0, rtrmerr.Wrap("powermon", rtrmerr.ErrPlatformPowerSettingError, "stop %s: %v", path, err)
	}
	delete(e.brackets, path.String())
	if end < start {
		// The RAPL counter wrapped during the bracket; without the
		// hardware's wrap period we can't recover the true delta, so we
		// report zero rather than a negative or overflowed value.
		return 0, nil
	}
	return end - start, nil
}
