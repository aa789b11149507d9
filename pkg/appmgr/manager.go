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

// Package appmgr implements the Application/Process Manager: the indexed
// registry of every live Schedulable.
//
// Grounded on teacher pkg/cri/resource-manager/cache/cache.go (single
// lockable struct, id-keyed maps, full-scan Get* accessors) and
// original_source/bbque/application_manager.cc (multi-index registry,
// CleanupExc deferred destroy, CheckActiveExcs liveness sweep). The
// original's "retained iterator" — an iterator object registered with the
// index so concurrent removals skip past it — is replaced here with
// copy-on-read snapshots: callers take a Snapshot() copy of the index
// they want to walk and iterate it free of the live map, at the cost of
// working from a point-in-time view instead of a live one.
package appmgr

import (
	"sync"
	"time"

	"github.com/bbque/rtrm/pkg/deferrable"
	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/rtrmerr"
	"github.com/bbque/rtrm/pkg/sched"
)

var logger = log.NewLogger("appmgr")

// LivenessChecker reports whether the process owning pid is still alive
// (e.g. a zero-signal kill(2) probe). Injected so tests don't depend on the
// real process table.
type LivenessChecker func(pid int) bool

// ReleaseFunc is invoked when a Schedulable is destroyed or
// disabled-with-release, to drop its platform-side resources.
type ReleaseFunc func(uid string)

// index is one secondary index: a set of uids keyed by an arbitrary key type.
type index[K comparable] struct {
	mu   sync.RWMutex
	sets map[K]map[string]bool
}

func newIndex[K comparable]() *index[K] {
	return &index[K]{sets: make(map[K]map[string]bool)}
}

func (idx *index[K]) add(key K, uid string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.sets[key] == nil {
		idx.sets[key] = make(map[string]bool)
	}
	idx.sets[key][uid] = true
}

func (idx *index[K]) remove(key K, uid string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if s, ok := idx.sets[key]; ok {
		delete(s, uid)
		if len(s) == 0 {
			delete(idx.sets, key)
		}
	}
}

func (idx *index[K]) move(from, to K, uid string) {
	idx.remove(from, uid)
	idx.add(to, uid)
}

// snapshot returns a copy of every uid currently indexed under key.
func (idx *index[K]) snapshot(key K) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	s := idx.sets[key]
	out := make([]string, 0, len(s))
	for uid := range s {
		out = append(out, uid)
	}
	return out
}

// snapshotAll returns a copy of every uid indexed under any key.
func (idx *index[K]) snapshotAll() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []string
	for _, s := range idx.sets {
		for uid := range s {
			out = append(out, uid)
		}
	}
	return out
}

// Manager is the indexed registry of Schedulables.
type Manager struct {
	mu     sync.RWMutex
	byUID  map[string]*sched.Schedulable
	byPID  map[int]map[string]bool

	byPriority   *index[int]
	byState      *index[sched.StableState]
	bySyncState  *index[sched.SyncState]
	byLanguage   *index[sched.Language]

	cleanup *deferrable.Deferrable
	pending map[string]bool
	pendMu  sync.Mutex

	release ReleaseFunc
}

// NewManager creates an empty Manager. release is called to drop a
// Schedulable's platform-side resources on destroy or disable-with-release.
func NewManager(release ReleaseFunc) *Manager {
	m := &Manager{
		byUID:       make(map[string]*sched.Schedulable),
		byPID:       make(map[int]map[string]bool),
		byPriority:  newIndex[int](),
		byState:     newIndex[sched.StableState](),
		bySyncState: newIndex[sched.SyncState](),
		byLanguage:  newIndex[sched.Language](),
		pending:     make(map[string]bool),
		release:     release,
	}
	m.cleanup = deferrable.New(m.runCleanup)
	return m
}

// Create registers a new NEW-state Schedulable.
func (m *Manager) Create(pid, excID int, uid, name string, language sched.Language, priority int) (*sched.Schedulable, error) {
	m.mu.Lock()
	if _, exists := m.byUID[uid]; exists {
		m.mu.Unlock()
		return nil, rtrmerr.Wrap("appmgr", rtrmerr.ErrAppAlreadyHoldsResources, "uid %s already registered", uid)
	}
	s := sched.NewSchedulable(pid, excID, uid, name, language, priority)
	m.byUID[uid] = s
	if m.byPID[pid] == nil {
		m.byPID[pid] = make(map[string]bool)
	}
	m.byPID[pid][uid] = true
	m.mu.Unlock()

	m.byPriority.add(priority, uid)
	m.byState.add(sched.New, uid)
	m.byLanguage.add(language, uid)
	return s, nil
}

// Lookup returns the Schedulable registered under uid.
func (m *Manager) Lookup(uid string) (*sched.Schedulable, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byUID[uid]
	return s, ok
}

// LookupByPID returns every Schedulable owned by pid (a process may own many
// EXCs).
func (m *Manager) LookupByPID(pid int) []*sched.Schedulable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uids := m.byPID[pid]
	out := make([]*sched.Schedulable, 0, len(uids))
	for uid := range uids {
		out = append(out, m.byUID[uid])
	}
	return out
}

// SnapshotByState returns every Schedulable currently in stable state st.
func (m *Manager) SnapshotByState(st sched.StableState) []*sched.Schedulable {
	return m.resolve(m.byState.snapshot(st))
}

// SnapshotBySyncState returns every Schedulable currently in sync sub-state ss.
func (m *Manager) SnapshotBySyncState(ss sched.SyncState) []*sched.Schedulable {
	return m.resolve(m.bySyncState.snapshot(ss))
}

// SnapshotByPriority returns every Schedulable at priority p.
func (m *Manager) SnapshotByPriority(p int) []*sched.Schedulable {
	return m.resolve(m.byPriority.snapshot(p))
}

// SnapshotAll returns every registered Schedulable.
func (m *Manager) SnapshotAll() []*sched.Schedulable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*sched.Schedulable, 0, len(m.byUID))
	for _, s := range m.byUID {
		out = append(out, s)
	}
	return out
}

func (m *Manager) resolve(uids []string) []*sched.Schedulable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*sched.Schedulable, 0, len(uids))
	for _, uid := range uids {
		if s, ok := m.byUID[uid]; ok {
			out = append(out, s)
		}
	}
	return out
}

// moveState updates the state index after a Schedulable's stable state
// (and, implicitly, sync sub-state) changed from (oldSt, oldSub).
func (m *Manager) moveState(uid string, oldSt, newSt sched.StableState, oldSub, newSub sched.SyncState) {
	if oldSt != newSt {
		m.byState.move(oldSt, newSt, uid)
	}
	if oldSub != newSub {
		m.bySyncState.move(oldSub, newSub, uid)
	}
}

// Enable transitions a NEW Schedulable to READY.
func (m *Manager) Enable(uid string) error {
	s, ok := m.Lookup(uid)
	if !ok {
		return rtrmerr.Wrap("appmgr", rtrmerr.ErrAppNotFound, "uid %s", uid)
	}
	oldSt, oldSub := s.State()
	s.SetReady()
	newSt, newSub := s.State()
	m.moveState(uid, oldSt, newSt, oldSub, newSub)
	return nil
}

// Disable moves a Schedulable to SYNC(DISABLED); release also drops its
// platform-side resources immediately via the manager's ReleaseFunc.
func (m *Manager) Disable(uid string, release bool) error {
	s, ok := m.Lookup(uid)
	if !ok {
		return rtrmerr.Wrap("appmgr", rtrmerr.ErrAppNotFound, "uid %s", uid)
	}
	oldSt, oldSub := s.State()
	s.RequestSync(sched.Disabled)
	newSt, newSub := s.State()
	m.moveState(uid, oldSt, newSt, oldSub, newSub)

	if release && m.release != nil {
		m.release(uid)
	}
	return nil
}

// Destroy schedules uid for coalescing deferred cleanup.
func (m *Manager) Destroy(uid string) {
	m.pendMu.Lock()
	m.pending[uid] = true
	m.pendMu.Unlock()
	m.cleanup.Schedule(50 * time.Millisecond)
}

func (m *Manager) runCleanup() {
	m.pendMu.Lock()
	uids := make([]string, 0, len(m.pending))
	for uid := range m.pending {
		uids = append(uids, uid)
	}
	m.pending = make(map[string]bool)
	m.pendMu.Unlock()

	for _, uid := range uids {
		m.CleanupExc(uid)
	}
}

// CleanupExc removes uid from every index and releases its platform data.
func (m *Manager) CleanupExc(uid string) {
	s, ok := m.Lookup(uid)
	if !ok {
		return
	}
	st, sub := s.State()

	m.mu.Lock()
	delete(m.byUID, uid)
	if set, ok := m.byPID[s.PID()]; ok {
		delete(set, uid)
		if len(set) == 0 {
			delete(m.byPID, s.PID())
		}
	}
	m.mu.Unlock()

	m.byPriority.remove(s.Priority(), uid)
	m.byState.remove(st, uid)
	m.bySyncState.remove(sub, uid)
	m.byLanguage.remove(s.Language(), uid)

	if m.release != nil {
		m.release(uid)
	}
	logger.Debug("uid %s cleaned up", uid)
}

// ScheduleRequest wraps Schedulable.ScheduleRequest, updating the sync index.
func (m *Manager) ScheduleRequest(uid string, awm *sched.WorkingMode, assignments raccount.AssignmentMap, acc *raccount.Accounter, view raccount.ViewToken) (sched.ScheduleResult, error) {
	s, ok := m.Lookup(uid)
	if !ok {
		return sched.Rejected, rtrmerr.Wrap("appmgr", rtrmerr.ErrAppNotFound, "uid %s", uid)
	}
	oldSt, oldSub := s.State()
	res, err := s.ScheduleRequest(awm, assignments, acc, view)
	newSt, newSub := s.State()
	m.moveState(uid, oldSt, newSt, oldSub, newSub)
	return res, err
}

// Unschedule wraps Schedulable.Unschedule, updating the sync index.
func (m *Manager) Unschedule(uid string) (sched.UnscheduleResult, error) {
	s, ok := m.Lookup(uid)
	if !ok {
		return sched.UnscheduleRejected, rtrmerr.Wrap("appmgr", rtrmerr.ErrAppNotFound, "uid %s", uid)
	}
	oldSt, oldSub := s.State()
	res, err := s.Unschedule()
	newSt, newSub := s.State()
	m.moveState(uid, oldSt, newSt, oldSub, newSub)
	return res, err
}

// NoSchedule wraps Schedulable.ScheduleContinue: leaves a RUNNING EXC
// untouched through the coming sync round by committing "no change".
func (m *Manager) NoSchedule(uid string) error {
	s, ok := m.Lookup(uid)
	if !ok {
		return rtrmerr.Wrap("appmgr", rtrmerr.ErrAppNotFound, "uid %s", uid)
	}
	oldSt, oldSub := s.State()
	err := s.ScheduleContinue()
	newSt, newSub := s.State()
	m.moveState(uid, oldSt, newSt, oldSub, newSub)
	return err
}

// SetForSynchronization transitions uid into SYNC with sub explicitly,
// updating the sync index atomically with the state change.
func (m *Manager) SetForSynchronization(uid string, sub sched.SyncState) error {
	s, ok := m.Lookup(uid)
	if !ok {
		return rtrmerr.Wrap("appmgr", rtrmerr.ErrAppNotFound, "uid %s", uid)
	}
	oldSt, oldSub := s.State()
	s.RequestSync(sub)
	newSt, newSub := s.State()
	m.moveState(uid, oldSt, newSt, oldSub, newSub)
	return nil
}

// CheckActiveExcs probes every READY and RUNNING workload with isAlive;
// dead ones are force-disabled-with-release, FINISHED ones are destroyed.
func (m *Manager) CheckActiveExcs(isAlive LivenessChecker) {
	ready := m.SnapshotByState(sched.Ready)
	running := m.SnapshotByState(sched.Running)
	finished := m.SnapshotByState(sched.Finished)

	for _, s := range append(ready, running...) {
		if !isAlive(s.PID()) {
			logger.Warn("uid %s: process %d no longer alive, disabling with release", s.UID(), s.PID())
			_ = m.Disable(s.UID(), true)
		}
	}
	for _, s := range finished {
		m.Destroy(s.UID())
	}
}
