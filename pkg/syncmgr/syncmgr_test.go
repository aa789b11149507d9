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

package syncmgr

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bbque/rtrm/pkg/appmgr"
	"github.com/bbque/rtrm/pkg/platform"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/sched"
)

// fakeNotifier records every call it sees and lets tests inject a per-uid
// failure.
type fakeNotifier struct {
	mu        sync.Mutex
	preCalls  []string
	syncCalls []string
	doCalls   []string
	failPre   map[string]bool
	latency   map[string]int
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{failPre: map[string]bool{}, latency: map[string]int{}}
}

func (f *fakeNotifier) PreChange(uid string, next *sched.WorkingMode) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preCalls = append(f.preCalls, uid)
	if f.failPre[uid] {
		return 0, errors.New("injected PreChange failure")
	}
	return f.latency[uid], nil
}

func (f *fakeNotifier) SyncChange(uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls = append(f.syncCalls, uid)
	return nil
}

func (f *fakeNotifier) DoChange(uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doCalls = append(f.doCalls, uid)
	return nil
}

func newTestTree(t *testing.T) *respath.Tree {
	t.Helper()
	tree := respath.NewTree()
	for i := 0; i < 2; i++ {
		p := respath.MustNew("sys0.cpu0.pe" + string(rune('0'+i)))
		_, err := tree.Register(p, "100", "pe")
		require.NoError(t, err)
	}
	return tree
}

func setup(t *testing.T) (*raccount.Accounter, *appmgr.Manager) {
	t.Helper()
	acc := raccount.NewAccounter(newTestTree(t))
	appMgr := appmgr.NewManager(nil)
	return acc, appMgr
}

func scheduleOneExc(t *testing.T, acc *raccount.Accounter, appMgr *appmgr.Manager, uid string) (*sched.Schedulable, raccount.ViewToken) {
	t.Helper()
	s, err := appMgr.Create(100, 0, uid, "workload", sched.Native, 0)
	require.NoError(t, err)
	require.NoError(t, appMgr.Enable(uid))

	awm := &sched.WorkingMode{ID: 0, Value: 1.0}
	path := respath.MustNew("sys0.cpu0.pe0")
	assignments := raccount.AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 50, Policy: raccount.Sequential, Candidates: []respath.Path{path}},
	}

	view := acc.GetView("scheduling")
	res, err := appMgr.ScheduleRequest(uid, awm, assignments, acc, view)
	require.NoError(t, err)
	require.Equal(t, sched.Accepted, res)
	return s, view
}

func TestSyncScheduleHappyPath(t *testing.T) {
	acc, appMgr := setup(t)
	_, view := scheduleOneExc(t, acc, appMgr, "app1")

	backend := platform.NewMock()
	notifier := newFakeNotifier()
	mgr := NewManager(acc, appMgr, backend, notifier, DefaultConfig())

	err := mgr.SyncSchedule(view)
	require.NoError(t, err)

	s, ok := appMgr.Lookup("app1")
	require.True(t, ok)
	stable, _ := s.State()
	require.Equal(t, sched.Running, stable)
	require.NotNil(t, s.CurrentAWM())

	_, mapped := backend.Mapped("app1")
	require.True(t, mapped)

	require.Contains(t, notifier.preCalls, "app1")
}

func TestSyncScheduleEagerSkipsRTLibRoundTrip(t *testing.T) {
	acc, appMgr := setup(t)
	_, view := scheduleOneExc(t, acc, appMgr, "app1")

	backend := platform.NewMock()
	notifier := newFakeNotifier()
	cfg := DefaultConfig()
	cfg.Ordering = Eager
	mgr := NewManager(acc, appMgr, backend, notifier, cfg)

	require.NoError(t, mgr.SyncSchedule(view))

	s, ok := appMgr.Lookup("app1")
	require.True(t, ok)
	stable, _ := s.State()
	require.Equal(t, sched.Running, stable)
	require.Contains(t, notifier.preCalls, "app1")
	require.Empty(t, notifier.syncCalls)
	require.Empty(t, notifier.doCalls)
}

func TestSyncScheduleNoopWithNothingPending(t *testing.T) {
	acc, appMgr := setup(t)
	backend := platform.NewMock()
	notifier := newFakeNotifier()
	mgr := NewManager(acc, appMgr, backend, notifier, DefaultConfig())

	view := acc.GetView("empty")
	require.NoError(t, mgr.SyncSchedule(view))
}

func TestIsReshuffleFalseWithoutAWMs(t *testing.T) {
	s := sched.NewSchedulable(1, 0, "u1", "w", sched.Native, 0)
	require.False(t, isReshuffle(s))
}

// TestSyncPlatformRestoresBeforeMapping covers spec.md scenario 5: an EXC
// whose pre-sync state is RESTORING must have Restore called before
// MapResources.
func TestSyncPlatformRestoresBeforeMapping(t *testing.T) {
	acc, appMgr := setup(t)
	s, view := scheduleOneExc(t, acc, appMgr, "app1")
	s.SetRestoring()
	s.RequestSync(sched.Starting)

	backend := platform.NewMock()
	notifier := newFakeNotifier()
	mgr := NewManager(acc, appMgr, backend, notifier, DefaultConfig())

	require.NoError(t, mgr.SyncSchedule(view))

	restoreIdx, mapIdx := -1, -1
	for i, c := range backend.Calls {
		if c == "Restore:workload" {
			restoreIdx = i
		}
		if c == "MapResources:app1" {
			mapIdx = i
		}
	}
	require.NotEqual(t, -1, restoreIdx)
	require.NotEqual(t, -1, mapIdx)
	require.Less(t, restoreIdx, mapIdx)
}

// TestSyncPlatformRestoreFailureSkipsMapping asserts a failing Restore call
// keeps MapResources from running for that EXC.
func TestSyncPlatformRestoreFailureSkipsMapping(t *testing.T) {
	acc, appMgr := setup(t)
	_, view := scheduleOneExc(t, acc, appMgr, "app1")

	backend := platform.NewMock()
	backend.FailRestore["workload"] = true
	notifier := newFakeNotifier()
	mgr := NewManager(acc, appMgr, backend, notifier, DefaultConfig())

	s, _ := appMgr.Lookup("app1")
	s.SetRestoring()
	s.RequestSync(sched.Starting)

	_ = mgr.SyncSchedule(view)
	for _, c := range backend.Calls {
		require.NotEqual(t, "MapResources:app1", c)
	}
}
