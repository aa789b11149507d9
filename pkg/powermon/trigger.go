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

import "sync"

// Trigger is an armed predicate over a sampled signal. Evaluate reports
// whether this sample crosses the trigger and, if so, fires its callback.
//
// Grounded on original_source/include/bbque/trig/trigger.h (base Trigger)
// and trigger_over_threshold.h / trigger_under_threshold.h (the two
// concrete crossing directions, each with a margin-scaled high/low pair).
type Trigger interface {
	Evaluate(sample float64) bool
}

// OverThresholdTrigger fires at most once per crossing of High*(1-Margin)
// from below, and does not re-arm until the sample drops below
// Low*(1-Margin) (spec.md §8, "Ordering of triggers").
type OverThresholdTrigger struct {
	mu       sync.Mutex
	High     float64
	Low      float64
	Margin   float64
	armed    bool
	Callback func()
}

// NewOverThresholdTrigger creates an armed OverThresholdTrigger.
func NewOverThresholdTrigger(high, low, margin float64, callback func()) *OverThresholdTrigger {
	return &OverThresholdTrigger{High: high, Low: low, Margin: margin, armed: true, Callback: callback}
}

// Evaluate reports whether sample fired the trigger on this call.
func (t *OverThresholdTrigger) Evaluate(sample float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed && sample > t.High*(1-t.Margin) {
		t.armed = false
		if t.Callback != nil {
			t.Callback()
		}
		return true
	}
	if !t.armed && sample < t.Low*(1-t.Margin) {
		t.armed = true
	}
	return false
}

// UnderThresholdTrigger mirrors OverThresholdTrigger: it fires at most once
// per crossing of Low*(1+Margin) from above, and does not re-arm until the
// sample rises back above High*(1+Margin).
type UnderThresholdTrigger struct {
	mu       sync.Mutex
	High     float64
	Low      float64
	Margin   float64
	armed    bool
	Callback func()
}

// NewUnderThresholdTrigger creates an armed UnderThresholdTrigger.
func NewUnderThresholdTrigger(high, low, margin float64, callback func()) *UnderThresholdTrigger {
	return &UnderThresholdTrigger{High: high, Low: low, Margin: margin, armed: true, Callback: callback}
}

// Evaluate reports whether sample fired the trigger on this call.
func (t *UnderThresholdTrigger) Evaluate(sample float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed && sample < t.Low*(1+t.Margin) {
		t.armed = false
		if t.Callback != nil {
			t.Callback()
		}
		return true
	}
	if !t.armed && sample > t.High*(1+t.Margin) {
		t.armed = true
	}
	return false
}
