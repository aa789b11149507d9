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

// Package deferrable implements coalescing deferred execution: a function
// scheduled to run after a delay, where a second Schedule call before the
// first fires reschedules to the new delay instead of queuing a second run.
//
// Grounded on original_source/include/bbque/utils/deferrable.h ("on each
// time, the most recent future execution request is executed, discarding
// all the older ones").
package deferrable

import (
	"sync"
	"time"
)

// Deferrable coalesces repeated Schedule calls into a single pending timer.
type Deferrable struct {
	mu    sync.Mutex
	fn    func()
	timer *time.Timer
	period time.Duration // 0 means on-demand only
}

// New creates an on-demand deferrable that runs fn when Schedule fires.
func New(fn func()) *Deferrable {
	return &Deferrable{fn: fn}
}

// NewPeriodic creates a deferrable that, once scheduled, keeps re-arming
// itself every period until Stop is called.
func NewPeriodic(fn func(), period time.Duration) *Deferrable {
	return &Deferrable{fn: fn, period: period}
}

// Schedule arms (or re-arms) the deferrable to fire after delay, discarding
// any earlier pending request.
func (d *Deferrable) Schedule(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, d.fire)
}

func (d *Deferrable) fire() {
	d.fn()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.period > 0 {
		d.timer = time.AfterFunc(d.period, d.fire)
	}
}

// Stop cancels any pending execution.
func (d *Deferrable) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
