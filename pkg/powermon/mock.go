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
)

// MockSampler returns a scripted sequence of samples per (path, info) pair,
// used by tests that need deterministic, hand-picked readings.
type MockSampler struct {
	mu   sync.Mutex
	next map[string]int
	data map[string][]float64
}

// NewMockSampler creates an empty MockSampler.
func NewMockSampler() *MockSampler {
	return &MockSampler{next: make(map[string]int), data: make(map[string][]float64)}
}

// Script queues the sample sequence values for (path, info); each Sample
// call consumes the next value, and the last value repeats once exhausted.
func (m *MockSampler) Script(path respath.Path, info respath.InfoType, values ...float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[triggerKey(path, info)] = values
}

// Sample returns the next scripted value for (path, info), or !ok if no
// script was registered.
func (m *MockSampler) Sample(path respath.Path, info respath.InfoType) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := triggerKey(path, info)
	values, ok := m.data[key]
	if !ok || len(values) == 0 {
		return 0, false, nil
	}
	i := m.next[key]
	if i >= len(values) {
		i = len(values) - 1
	}
	v := values[i]
	m.next[key] = i + 1
	return v, true, nil
}
