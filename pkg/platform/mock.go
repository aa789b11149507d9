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
	"sync"

	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// Mock is an in-memory Backend used by tests and by the daemon when no real
// platform proxy is configured. It records every call so tests can assert on
// ordering (e.g. scenario 5: Restore before MapResources).
type Mock struct {
	mu sync.Mutex

	Calls []string

	FailMapResources   map[string]bool
	FailRestore        map[string]bool
	FailChunk          bool
	mapped             map[string]raccount.AssignmentMap
	frozen             map[string]bool
}

// NewMock creates an empty Mock backend.
func NewMock() *Mock {
	return &Mock{
		FailMapResources: make(map[string]bool),
		FailRestore:      make(map[string]bool),
		mapped:           make(map[string]raccount.AssignmentMap),
		frozen:           make(map[string]bool),
	}
}

func (m *Mock) record(call string) {
	m.Calls = append(m.Calls, call)
}

// MapResources records the mapping and fails when uid is in FailMapResources.
func (m *Mock) MapResources(uid string, assignments raccount.AssignmentMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MapResources:" + uid)
	if m.FailMapResources[uid] {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformMappingFailed, "uid %s", uid)
	}
	m.mapped[uid] = assignments
	return nil
}

// ReclaimResources records the reclaim.
func (m *Mock) ReclaimResources(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ReclaimResources:" + uid)
	delete(m.mapped, uid)
	return nil
}

// Release records the release.
func (m *Mock) Release(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Release:" + uid)
	delete(m.mapped, uid)
	return nil
}

// Restore records the restore and fails when pid/name is in FailRestore.
func (m *Mock) Restore(pid int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Restore:" + name)
	if m.FailRestore[name] {
		return rtrmerr.Wrap("platform", rtrmerr.ErrPlatformReliabilityFailed, "restore %s", name)
	}
	delete(m.frozen, name)
	return nil
}

// Thaw records the thaw.
func (m *Mock) Thaw(desc ThawDesc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Thaw:" + desc.Name)
	delete(m.frozen, desc.Name)
	return nil
}

// Freeze records the freeze.
func (m *Mock) Freeze(pid int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Freeze:" + name)
	m.frozen[name] = true
	return nil
}

// Checkpoint records the checkpoint.
func (m *Mock) Checkpoint(pid int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Checkpoint:" + name)
	return nil
}

// SetPower records the power setting.
func (m *Mock) SetPower(resourcePath string, settings PowerSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetPower:" + resourcePath)
	return nil
}

// Mapped returns the assignments currently recorded as mapped for uid, for
// test assertions.
func (m *Mock) Mapped(uid string) (raccount.AssignmentMap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	am, ok := m.mapped[uid]
	return am, ok
}
