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

// Package schedmgr implements the Scheduler Manager: it owns one loaded
// scheduling policy and drives it over a fresh resource view each round.
//
// The Backend/CreateFn/Register registry shape is grounded on teacher
// pkg/cri/resource-manager/policy/policy.go; the five-step run sequence
// (prune dead EXCs, bump session counter, delegate to policy, SyncContinue
// untouched RUNNING EXCs, publish the scheduled view) is grounded on
// original_source/bbque/scheduler_manager.cc.
package schedmgr

import (
	"sort"
	"sync"

	"go.uber.org/atomic"

	"github.com/bbque/rtrm/pkg/appmgr"
	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/rtrmerr"
	"github.com/bbque/rtrm/pkg/sched"
)

var logger = log.NewLogger("schedmgr")

// Result is the outcome of one Policy.Schedule invocation.
type Result int

const (
	Done Result = iota
	Failed
	Delayed
	MissingPolicy
)

func (r Result) String() string {
	switch r {
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	case Delayed:
		return "Delayed"
	default:
		return "MissingPolicy"
	}
}

// State is the Scheduler Manager's own exposed lifecycle state.
type State int

const (
	Ready State = iota
	Scheduling
)

// Policy is the narrow contract every scheduling policy plugin satisfies
// (spec.md §4.E). The plugin loader and the algorithm itself are out of
// scope (spec.md §1); only this interface and its invocation sequence are
// specified here.
type Policy interface {
	// Name is the policy's registered name.
	Name() string
	// Schedule runs one scheduling round: it reads the system view (token
	// systemView) and may freely mutate appMgr's Schedulables and book
	// resources into outView via acc.
	Schedule(acc *raccount.Accounter, appMgr *appmgr.Manager, systemView, outView raccount.ViewToken) error
}

// CreateFn builds a Policy instance.
type CreateFn func() Policy

var (
	registryMu sync.Mutex
	registry   = make(map[string]CreateFn)
)

// Register registers a policy backend under name, mirroring teacher
// pkg/cri/resource-manager/policy/policy.go's Register.
func Register(name string, create CreateFn) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		return rtrmerr.Wrap("schedmgr", rtrmerr.ErrPolicyFailed, "policy %s already registered", name)
	}
	registry[name] = create
	logger.Info("registered policy %q", name)
	return nil
}

// Lookup instantiates the named registered policy.
func Lookup(name string) (Policy, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	create, ok := registry[name]
	if !ok {
		return nil, false
	}
	return create(), true
}

// Available lists every registered policy name, for `--list-policies`.
func Available() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LivenessChecker is re-exported from appmgr for callers that only import
// schedmgr.
type LivenessChecker = appmgr.LivenessChecker

// Manager is the Scheduler Manager.
type Manager struct {
	acc    *raccount.Accounter
	appMgr *appmgr.Manager
	policy Policy

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	sessionCount  atomic.Uint64
	scheduledView raccount.ViewToken
	haveScheduled bool

	isAlive LivenessChecker
}

// NewManager creates a Manager bound to acc/appMgr, running policy each
// round, and probing liveness with isAlive (see appmgr.CheckActiveExcs).
func NewManager(acc *raccount.Accounter, appMgr *appmgr.Manager, policy Policy, isAlive LivenessChecker) *Manager {
	m := &Manager{
		acc:     acc,
		appMgr:  appMgr,
		policy:  policy,
		isAlive: isAlive,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetPolicy swaps the active policy, only while Ready.
func (m *Manager) SetPolicy(p Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready {
		return rtrmerr.Wrap("schedmgr", rtrmerr.ErrPolicyFailed, "cannot swap policy while scheduling")
	}
	m.policy = p
	return nil
}

// WaitForReady blocks callers until the manager returns to Ready.
func (m *Manager) WaitForReady() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.state != Ready {
		m.cond.Wait()
	}
}

// State reports the manager's current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionCount returns the monotonic count of started scheduling rounds; it
// is bumped before the policy runs, so rounds whose policy failed count too.
func (m *Manager) SessionCount() uint64 { return m.sessionCount.Load() }

// ScheduledView returns the last view published by a successful Schedule
// call, and whether one exists yet.
func (m *Manager) ScheduledView() (raccount.ViewToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduledView, m.haveScheduled
}

// Schedule runs one scheduling round (spec.md §4.E steps 1-6).
func (m *Manager) Schedule() (Result, error) {
	m.mu.Lock()
	if m.policy == nil {
		m.mu.Unlock()
		return MissingPolicy, rtrmerr.Wrap("schedmgr", rtrmerr.ErrMissingPolicy, "no policy loaded")
	}
	m.state = Scheduling
	policy := m.policy
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.state = Ready
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	// Step 1: prune dead workloads.
	m.appMgr.CheckActiveExcs(m.isAlive)

	// Step 2: bump the session counter.
	m.sessionCount.Inc()

	// Step 3: delegate to the policy over a fresh view.
	outView := m.acc.GetView("scheduling")
	err := policy.Schedule(m.acc, m.appMgr, raccount.SystemView, outView)
	if err != nil {
		_ = m.acc.PutView(outView)
		logger.Warn("policy %q failed: %v", policy.Name(), err)
		return Failed, err
	}

	// Step 4: RUNNING EXCs the policy didn't touch keep their current
	// allocation through the coming sync round.
	for _, s := range m.appMgr.SnapshotByState(sched.Running) {
		if s.NextAWM() == nil {
			if err := m.appMgr.NoSchedule(s.UID()); err != nil {
				logger.Debug("uid %s: SyncContinue skipped: %v", s.UID(), err)
			}
		}
	}

	// Step 5: publish the scheduled view, dropping the previous one.
	m.mu.Lock()
	if m.haveScheduled && m.scheduledView != raccount.SystemView {
		_ = m.acc.PutView(m.scheduledView)
	}
	m.scheduledView = outView
	m.haveScheduled = true
	m.mu.Unlock()

	return Done, nil
}
