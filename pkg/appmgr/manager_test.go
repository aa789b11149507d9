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

package appmgr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bbque/rtrm/pkg/sched"
)

func TestCreateLookupAndDuplicateRejected(t *testing.T) {
	m := NewManager(nil)

	s, err := m.Create(100, 0, "u1", "workload", sched.Native, 0)
	require.NoError(t, err)
	require.Equal(t, "u1", s.UID())

	_, ok := m.Lookup("u1")
	require.True(t, ok)

	_, err = m.Create(100, 0, "u1", "workload", sched.Native, 0)
	require.Error(t, err)
}

func TestLookupByPIDReturnsAllExcs(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(100, 0, "u1", "exc0", sched.Native, 0)
	require.NoError(t, err)
	_, err = m.Create(100, 1, "u2", "exc1", sched.Native, 0)
	require.NoError(t, err)

	excs := m.LookupByPID(100)
	require.Len(t, excs, 2)
}

func TestEnableMovesToReadyIndex(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(100, 0, "u1", "workload", sched.Native, 0)
	require.NoError(t, err)

	require.Empty(t, m.SnapshotByState(sched.Ready))
	require.Len(t, m.SnapshotByState(sched.New), 1)

	require.NoError(t, m.Enable("u1"))

	require.Empty(t, m.SnapshotByState(sched.New))
	require.Len(t, m.SnapshotByState(sched.Ready), 1)
}

func TestDisableWithReleaseInvokesReleaseFunc(t *testing.T) {
	var released []string
	m := NewManager(func(uid string) { released = append(released, uid) })

	_, err := m.Create(100, 0, "u1", "workload", sched.Native, 0)
	require.NoError(t, err)
	require.NoError(t, m.Enable("u1"))

	require.NoError(t, m.Disable("u1", true))
	require.Equal(t, []string{"u1"}, released)

	s, ok := m.Lookup("u1")
	require.True(t, ok)
	stable, sub := s.State()
	require.Equal(t, sched.Sync, stable)
	require.Equal(t, sched.Disabled, sub)
}

func TestCleanupExcRemovesFromEveryIndex(t *testing.T) {
	var released []string
	m := NewManager(func(uid string) { released = append(released, uid) })

	_, err := m.Create(100, 0, "u1", "workload", sched.Native, 1)
	require.NoError(t, err)
	require.NoError(t, m.Enable("u1"))

	m.CleanupExc("u1")

	_, ok := m.Lookup("u1")
	require.False(t, ok)
	require.Empty(t, m.SnapshotByState(sched.Ready))
	require.Empty(t, m.SnapshotByPriority(1))
	require.Equal(t, []string{"u1"}, released)
}

func TestCheckActiveExcsDisablesDeadProcesses(t *testing.T) {
	var released []string
	m := NewManager(func(uid string) { released = append(released, uid) })

	_, err := m.Create(404, 0, "dead", "workload", sched.Native, 0)
	require.NoError(t, err)
	require.NoError(t, m.Enable("dead"))

	m.CheckActiveExcs(func(pid int) bool { return false })

	s, ok := m.Lookup("dead")
	require.True(t, ok)
	stable, sub := s.State()
	require.Equal(t, sched.Sync, stable)
	require.Equal(t, sched.Disabled, sub)
	require.Equal(t, []string{"dead"}, released)
}

func TestCheckActiveExcsLeavesLiveProcessesAlone(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(1, 0, "alive", "workload", sched.Native, 0)
	require.NoError(t, err)
	require.NoError(t, m.Enable("alive"))

	m.CheckActiveExcs(func(pid int) bool { return true })

	s, ok := m.Lookup("alive")
	require.True(t, ok)
	stable, _ := s.State()
	require.Equal(t, sched.Ready, stable)
}

func TestSnapshotAllReturnsEveryRegisteredSchedulable(t *testing.T) {
	m := NewManager(nil)
	_, err := m.Create(1, 0, "u1", "a", sched.Native, 0)
	require.NoError(t, err)
	_, err = m.Create(2, 0, "u2", "b", sched.Native, 0)
	require.NoError(t, err)

	require.Len(t, m.SnapshotAll(), 2)
}
