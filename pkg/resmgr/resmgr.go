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

// Package resmgr implements the Resource Manager control loop: it
// aggregates events into a priority bitset, drains them in priority order,
// and composes the core pipeline (prune, schedule, synchronize, actuate
// power) behind a debounced Optimize().
//
// Grounded on teacher pkg/cri/resource-manager/resource-manager.go and
// events.go (event channel + mutex/condvar + dedicated goroutine) and
// original_source/bbque/resource_manager.cc for the event-priority/
// deferred-dispatch semantics and the Optimize() pipeline (spec.md §4.H).
// Tracing spans follow teacher pkg/instrumentation's go.opencensus.io usage.
package resmgr

import (
	"context"
	"sync"
	"time"

	"go.opencensus.io/trace"
	"go.uber.org/atomic"

	"github.com/bbque/rtrm/pkg/appmgr"
	"github.com/bbque/rtrm/pkg/deferrable"
	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/platform"
	"github.com/bbque/rtrm/pkg/powermon"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/schedmgr"
	"github.com/bbque/rtrm/pkg/sched"
	"github.com/bbque/rtrm/pkg/syncmgr"
)

var logger = log.NewLogger("resmgr")

// Event is one control-loop event kind. Ordering is priority order: when
// several bits are pending, the lowest-valued Event dispatches first
// (spec.md §4.H: "Event kinds with priority (highest wins when multiple
// pending)").
type Event int

const (
	EvAbort Event = iota
	EvExit
	EvUsr2 // dump metrics
	EvUsr1 // dump status
	EvOpts // application-driven optimize
	EvPlat // platform-driven optimize
	EvExcStop
	EvExcStart

	numEvents
)

func (e Event) String() string {
	switch e {
	case EvAbort:
		return "BBQ_ABORT"
	case EvExit:
		return "BBQ_EXIT"
	case EvUsr2:
		return "BBQ_USR2"
	case EvUsr1:
		return "BBQ_USR1"
	case EvOpts:
		return "BBQ_OPTS"
	case EvPlat:
		return "BBQ_PLAT"
	case EvExcStop:
		return "EXC_STOP"
	case EvExcStart:
		return "EXC_START"
	default:
		return "UNKNOWN"
	}
}

// State is the control loop's own exposed lifecycle state.
type State int

const (
	Ready State = iota
	Optimizing
)

// eventDelay is the deferred-dispatch delay for each event kind that drives
// Optimize (spec.md §4.H).
var eventDelay = map[Event]time.Duration{
	EvExcStart: 100 * time.Millisecond,
	EvExcStop:  100 * time.Millisecond,
	EvOpts:     50 * time.Millisecond,
	EvPlat:     0,
}

// Manager is the Resource Manager control loop.
type Manager struct {
	tree     *respath.Tree
	acc      *raccount.Accounter
	appMgr   *appmgr.Manager
	schedMgr *schedmgr.Manager
	syncMgr  *syncmgr.Manager
	backend  platform.Backend
	powerMon *powermon.Monitor

	statusDumper  func()
	metricsDumper func()

	mu    sync.Mutex
	cond  *sync.Cond
	bits  atomic.Uint64
	state State

	lastAppDriven bool
	optimizeDef   *deferrable.Deferrable

	wg sync.WaitGroup
}

// Config bundles everything the control loop needs to drive one platform.
type Config struct {
	Tree          *respath.Tree
	Acc           *raccount.Accounter
	AppMgr        *appmgr.Manager
	SchedMgr      *schedmgr.Manager
	SyncMgr       *syncmgr.Manager
	Backend       platform.Backend
	PowerMon      *powermon.Monitor // optional
	StatusDumper  func()            // optional, BBQ_USR1
	MetricsDumper func()            // optional, BBQ_USR2
}

// NewManager creates a Manager from cfg.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		tree:          cfg.Tree,
		acc:           cfg.Acc,
		appMgr:        cfg.AppMgr,
		schedMgr:      cfg.SchedMgr,
		syncMgr:       cfg.SyncMgr,
		backend:       cfg.Backend,
		powerMon:      cfg.PowerMon,
		statusDumper:  cfg.StatusDumper,
		metricsDumper: cfg.MetricsDumper,
	}
	m.cond = sync.NewCond(&m.mu)
	m.optimizeDef = deferrable.New(m.Optimize)
	return m
}

// NotifyEvent sets ev's bit and wakes the loop.
func (m *Manager) NotifyEvent(ev Event) {
	m.mu.Lock()
	m.bits.Store(m.bits.Load() | (1 << uint(ev)))
	m.mu.Unlock()
	m.cond.Broadcast()
}

// State reports the control loop's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitForReady blocks until the loop returns to Ready (i.e. no Optimize is
// in flight).
func (m *Manager) WaitForReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state != Ready {
		m.cond.Wait()
	}
}

// Run launches the event loop in a background goroutine and returns at once;
// the loop goroutine ends once BBQ_EXIT or BBQ_ABORT has been handled.
func (m *Manager) Run() {
	m.wg.Add(1)
	go m.loop()
}

// Wait blocks until the loop goroutine launched by Run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for m.bits.Load() == 0 {
			m.cond.Wait()
		}
		m.mu.Unlock()

		for {
			ev, ok := m.popHighestPriority()
			if !ok {
				break
			}
			if m.dispatch(ev) {
				return
			}
		}
	}
}

// popHighestPriority clears and returns the lowest-valued (highest-priority)
// pending event bit, if any.
func (m *Manager) popHighestPriority() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.bits.Load()
	for ev := Event(0); ev < numEvents; ev++ {
		bit := uint64(1) << uint(ev)
		if cur&bit != 0 {
			m.bits.Store(cur &^ bit)
			return ev, true
		}
	}
	return 0, false
}

// dispatch handles one event, returning true if the control loop should
// terminate.
func (m *Manager) dispatch(ev Event) bool {
	logger.Debug("dispatching %s", ev)
	switch ev {
	case EvAbort:
		logger.Error("BBQ_ABORT: draining workloads before exit")
		m.drainWorkloads()
		return true
	case EvExit:
		m.shutdown()
		return true
	case EvUsr2:
		if m.metricsDumper != nil {
			m.metricsDumper()
		}
	case EvUsr1:
		if m.statusDumper != nil {
			m.statusDumper()
		}
	case EvOpts:
		m.scheduleOptimize(ev, true)
	case EvPlat, EvExcStop, EvExcStart:
		m.scheduleOptimize(ev, false)
	}
	return false
}

// scheduleOptimize arms the deferred Optimize with ev's eventDelay entry.
func (m *Manager) scheduleOptimize(ev Event, appDriven bool) {
	m.mu.Lock()
	m.lastAppDriven = appDriven
	m.mu.Unlock()
	m.optimizeDef.Schedule(eventDelay[ev])
}

// anySchedulable reports whether any workload is in a state a policy could
// act on (READY or RUNNING).
func (m *Manager) anySchedulable() bool {
	return len(m.appMgr.SnapshotByState(sched.Ready)) > 0 || len(m.appMgr.SnapshotByState(sched.Running)) > 0
}

// anyPendingSync reports whether any workload is currently in SYNC.
func (m *Manager) anyPendingSync() bool {
	return len(m.appMgr.SnapshotByState(sched.Sync)) > 0
}

// Optimize composes the core pipeline (spec.md §4.H): prune, schedule,
// restore implicitly-online resources, synchronize, actuate power.
func (m *Manager) Optimize() {
	ctx, span := trace.StartSpan(context.Background(), "resmgr.Optimize")
	defer span.End()

	m.mu.Lock()
	m.state = Optimizing
	appDriven := m.lastAppDriven
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state = Ready
		m.cond.Broadcast()
		m.mu.Unlock()
		if m.powerMon != nil {
			m.powerMon.ClearPending()
		}
	}()

	if appDriven && !m.anySchedulable() {
		logger.Debug("optimize: nothing schedulable for an application-driven trigger")
		return
	}

	result, err := m.schedMgr.Schedule()
	if err != nil || result != schedmgr.Done {
		logger.Warn("optimize: scheduling round returned %v (%v)", result, err)
		return
	}

	m.restoreImplicitlyOnline(ctx)

	if m.anyPendingSync() {
		view, ok := m.schedMgr.ScheduledView()
		if !ok {
			view = raccount.SystemView
		}
		if err := m.syncMgr.SyncSchedule(view); err != nil {
			logger.Warn("optimize: synchronization failed: %v", err)
		}
	}

	m.actuatePower()
}

// restoreImplicitlyOnline brings back online any resource the just-published
// scheduled view touched while it was marked offline (spec.md §4.H step 3).
func (m *Manager) restoreImplicitlyOnline(_ context.Context) {
	view, ok := m.schedMgr.ScheduledView()
	if !ok {
		return
	}
	touched, err := m.acc.TouchedResources(view)
	if err != nil {
		return
	}
	for _, key := range touched {
		path, err := respath.New(key)
		if err != nil {
			continue
		}
		r, err := m.tree.Find(path, respath.Exact)
		if err != nil || r.Online() {
			continue
		}
		logger.Info("%s: implicitly brought back online by the new schedule", key)
		_ = m.tree.SetOnline(path)
	}
}

// actuatePower nudges the governor of every resource touched by the last
// scheduling round toward ondemand, giving the frequency scaling driver
// headroom to react to whatever load the new schedule just introduced
// (spec.md §4.H step 5). Every touched resource gets the same setting; no
// per-recipe power hints are applied.
func (m *Manager) actuatePower() {
	view, ok := m.schedMgr.ScheduledView()
	if !ok || m.backend == nil {
		return
	}
	touched, err := m.acc.TouchedResources(view)
	if err != nil {
		return
	}
	for _, key := range touched {
		settings := platform.PowerSettings{Governor: platform.GovernorOndemand, On: true}
		if err := m.backend.SetPower(key, settings); err != nil {
			logger.Warn("actuatePower: %s: %v", key, err)
		}
	}
}

func (m *Manager) drainWorkloads() {
	for _, s := range m.appMgr.SnapshotAll() {
		_ = m.appMgr.Disable(s.UID(), true)
	}
}

// shutdown stops every worker with a 30ms grace timeout, stops every
// workload, and releases platform state (spec.md §4.H: "The loop ends on
// BBQ_EXIT").
func (m *Manager) shutdown() {
	logger.Info("BBQ_EXIT: stopping control loop")
	m.optimizeDef.Stop()

	done := make(chan struct{})
	go func() {
		m.drainWorkloads()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Millisecond):
		logger.Warn("shutdown: workload drain exceeded grace timeout")
	}

	if m.powerMon != nil {
		m.powerMon.Stop()
	}
}
