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

package resmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bbque/rtrm/pkg/appmgr"
	"github.com/bbque/rtrm/pkg/platform"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/sched"
	"github.com/bbque/rtrm/pkg/schedmgr"
	"github.com/bbque/rtrm/pkg/syncmgr"
)

// fakePolicy is a no-op scheduling policy: by default it leaves every
// Schedulable untouched, but tests may set bookings to have it book
// resources into outView the way a real policy would.
type fakePolicy struct {
	calls    int32
	bookings map[string]raccount.AssignmentMap
	mu       sync.Mutex
}

func (p *fakePolicy) Name() string { return "fake" }
func (p *fakePolicy) Schedule(acc *raccount.Accounter, appMgr *appmgr.Manager, systemView, outView raccount.ViewToken) error {
	p.mu.Lock()
	p.calls++
	bookings := p.bookings
	p.mu.Unlock()
	for uid, assignments := range bookings {
		if err := acc.BookResources(uid, assignments, outView); err != nil {
			return err
		}
	}
	return nil
}

func (p *fakePolicy) Calls() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeNotifier struct{}

func (fakeNotifier) PreChange(uid string, next *sched.WorkingMode) (int, error) { return 0, nil }
func (fakeNotifier) SyncChange(uid string) error                                { return nil }
func (fakeNotifier) DoChange(uid string) error                                  { return nil }

func newTestManager(t *testing.T, policy *fakePolicy) (*Manager, *appmgr.Manager, *platform.Mock) {
	t.Helper()
	tree := respath.NewTree()
	acc := raccount.NewAccounter(tree)
	appMgr := appmgr.NewManager(func(string) {})
	schedMgr := schedmgr.NewManager(acc, appMgr, policy, func(int) bool { return true })
	backend := platform.NewMock()
	syncMgr := syncmgr.NewManager(acc, appMgr, backend, fakeNotifier{}, syncmgr.DefaultConfig())

	m := NewManager(Config{
		Tree:     tree,
		Acc:      acc,
		AppMgr:   appMgr,
		SchedMgr: schedMgr,
		SyncMgr:  syncMgr,
		Backend:  backend,
	})
	return m, appMgr, backend
}

func TestEventPriorityOrdering(t *testing.T) {
	m, _, _ := newTestManager(t, &fakePolicy{})

	m.NotifyEvent(EvExcStart)
	m.NotifyEvent(EvUsr1)
	m.NotifyEvent(EvAbort)
	m.NotifyEvent(EvOpts)

	var order []Event
	for {
		ev, ok := m.popHighestPriority()
		if !ok {
			break
		}
		order = append(order, ev)
	}

	require.Equal(t, []Event{EvAbort, EvUsr1, EvOpts, EvExcStart}, order)
}

func TestOptimizeSkipsAppDrivenWithNothingSchedulable(t *testing.T) {
	policy := &fakePolicy{}
	m, _, _ := newTestManager(t, policy)

	m.mu.Lock()
	m.lastAppDriven = true
	m.mu.Unlock()

	m.Optimize()

	require.Equal(t, int32(0), policy.Calls())
	require.Equal(t, Ready, m.State())
}

func TestOptimizeRunsSchedulingRoundForPlatformEvent(t *testing.T) {
	policy := &fakePolicy{}
	m, _, _ := newTestManager(t, policy)

	m.mu.Lock()
	m.lastAppDriven = false
	m.mu.Unlock()

	m.Optimize()

	require.Equal(t, int32(1), policy.Calls())
	_, ok := m.schedMgr.ScheduledView()
	require.True(t, ok)
}

func TestOptimizeActuatesPowerForTouchedResources(t *testing.T) {
	path := respath.MustNew("sys0.cpu0")
	assignments := raccount.AssignmentMap{
		"sys0.cpu0": {Amount: 10, Candidates: []respath.Path{path}},
	}
	policy := &fakePolicy{bookings: map[string]raccount.AssignmentMap{"app1": assignments}}
	m, appMgr, backend := newTestManager(t, policy)

	_, err := m.tree.Register(path, "100", "cpu")
	require.NoError(t, err)

	s, err := appMgr.Create(1, 1, "app1", "app1", sched.Native, 0)
	require.NoError(t, err)
	require.NotNil(t, s)

	m.Optimize()

	found := false
	for _, call := range backend.Calls {
		if call == "SetPower:sys0.cpu0" {
			found = true
		}
	}
	require.True(t, found, "expected a SetPower call for the touched resource, got %v", backend.Calls)
}

func TestRunDispatchesNotifiedEventsAndExitsOnAbort(t *testing.T) {
	m, _, _ := newTestManager(t, &fakePolicy{})
	m.Run()
	m.NotifyEvent(EvAbort)

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("control loop did not exit after BBQ_ABORT")
	}
}
