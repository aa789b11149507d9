// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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

package log

import (
	"os"
	"os/signal"
)

var toggleSignals chan os.Signal

// SetupDebugToggleSignal arranges for sig to flip SetDebugAll(true/false).
func SetupDebugToggleSignal(sig os.Signal) {
	mu.Lock()
	clearDebugToggleSignalLocked()
	toggleSignals = make(chan os.Signal, 1)
	signal.Notify(toggleSignals, sig)
	ch := toggleSignals
	mu.Unlock()

	go func(ch <-chan os.Signal) {
		forced := false
		state := map[bool]string{false: "off", true: "on"}
		for {
			if _, ok := <-ch; !ok {
				return
			}
			forced = !forced
			SetDebugAll(forced)
			defLogger.Warn("forced full debugging is now %s...", state[forced])
		}
	}(ch)
}

// ClearDebugToggleSignal removes any debug-toggle signal handler.
func ClearDebugToggleSignal() {
	mu.Lock()
	defer mu.Unlock()
	clearDebugToggleSignalLocked()
}

func clearDebugToggleSignalLocked() {
	if toggleSignals != nil {
		signal.Stop(toggleSignals)
		close(toggleSignals)
		toggleSignals = nil
	}
}
