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

// Package sched implements the Schedulable: the per-workload descriptor
// shared by application execution contexts and generic processes.
//
// Grounded on original_source/include/bbque/app/application.h and
// bbque/app/application.cc for the state machine and the
// ScheduleRequest/Unschedule/ScheduleCommit/ScheduleAbort/ScheduleContinue
// operations; the getter/setter texture and per-object field layout follow
// the teacher's pkg/cri/resource-manager/cache/container.go. Unlike the
// original's re-entrant lock, every exported method here that touches
// mutable state acquires the lock exactly once (UID/PID/ExcID/Language/Name
// read immutable fields without it) and delegates to unexported *Locked helpers, since nothing in
// this module needs a Schedulable to call back into itself mid-transition.
package sched

import (
	"sync"

	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

var logger = log.NewLogger("sched")

// StableState is one of a Schedulable's long-lived states.
type StableState int

const (
	New StableState = iota
	Ready
	Sync
	Running
	Finished
	Thawed
	Restoring
)

func (s StableState) String() string {
	switch s {
	case New:
		return "NEW"
	case Ready:
		return "READY"
	case Sync:
		return "SYNC"
	case Running:
		return "RUNNING"
	case Finished:
		return "FINISHED"
	case Thawed:
		return "THAWED"
	case Restoring:
		return "RESTORING"
	default:
		return "UNKNOWN"
	}
}

// SyncState is the sync sub-state, valid only while Stable == Sync.
type SyncState int

const (
	SyncNone SyncState = iota
	Starting
	Reconf
	Migrec
	Migrate
	Blocked
	Disabled
)

func (s SyncState) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Reconf:
		return "RECONF"
	case Migrec:
		return "MIGREC"
	case Migrate:
		return "MIGRATE"
	case Blocked:
		return "BLOCKED"
	case Disabled:
		return "DISABLED"
	default:
		return "SYNC_NONE"
	}
}

// Language is the workload's runtime binding.
type Language int

const (
	Native Language = iota
	OpenCL
	OpenMP
)

// ConstraintType selects how a constraint bounds a value.
type ConstraintType int

const (
	Lower ConstraintType = iota
	Upper
	Exact
)

// ScheduleResult is the outcome of ScheduleRequest.
type ScheduleResult int

const (
	Accepted ScheduleResult = iota
	Rejected
	DisabledResult
)

// UnscheduleResult is the outcome of Unschedule.
type UnscheduleResult int

const (
	UnscheduleOk UnscheduleResult = iota
	UnscheduleRejected
)

// ResourceConstraint bounds the availability of one resource template as
// seen by a Schedulable's own policy evaluation.
type ResourceConstraint struct {
	Lower uint64
	Upper uint64
}

// WorkingMode (AWM) is a named point in a Schedulable's configuration space.
type WorkingMode struct {
	ID        int
	Value     float64
	Requested raccount.AssignmentMap
	Hidden    bool

	// SchedBindings holds one binding per accepted ScheduleRequest against
	// this AWM, indexed by scheduling reference number and kept across
	// rounds; ScheduleRequest appends to it and plucks the new entry into
	// SyncBindings.
	SchedBindings []raccount.AssignmentMap

	// SyncBindings is the single accepted binding, set on ScheduleRequest.
	SyncBindings raccount.AssignmentMap

	// bindingMasks holds, per resource type, the current/previous/changed
	// bound-id sets as of the last ScheduleRequest against this AWM.
	bindingMasks map[respath.Type]*TypeBindingMask
	// pathIDs interns concrete resource path strings into the small, stable
	// integers the Bitset machinery above operates on; a leaf id alone
	// (e.g. "pe0") is reused across different parents (cpu0.pe0, cpu1.pe0),
	// so the full path is the real identity.
	pathIDs map[string]respath.ID
}

// TypeBindingMask is one resource type's current/previous/changed bound-id
// sets on a WorkingMode, mirroring original_source's
// bbque/app/working_mode.cc BindingInfo (per r_type binding_masks entry).
type TypeBindingMask struct {
	Current  *respath.Bitset
	Previous *respath.Bitset
	Changed  *respath.Bitset
}

// CurrentSet returns the bound-id set of type t as of the most recent
// accepted ScheduleRequest against this AWM, whether or not it has been
// committed yet.
func (w *WorkingMode) CurrentSet(t respath.Type) *respath.Bitset {
	if m := w.bindingMasks[t]; m != nil {
		return m.Current
	}
	return respath.NewBitset()
}

// PreviousSet returns the bound-id set of type t before the most recent
// ScheduleRequest.
func (w *WorkingMode) PreviousSet(t respath.Type) *respath.Bitset {
	if m := w.bindingMasks[t]; m != nil {
		return m.Previous
	}
	return respath.NewBitset()
}

// ChangedSet returns the ids of type t whose membership differs between the
// current and previous binding.
func (w *WorkingMode) ChangedSet(t respath.Type) *respath.Bitset {
	if m := w.bindingMasks[t]; m != nil {
		return m.Changed
	}
	return respath.NewBitset()
}

// ClustersChanged reports whether any resource type's bound-id set differs
// from what it was before the most recent ScheduleRequest, mirroring
// original_source's Application::ClustersChanged/SyncRequired MIGRATE check.
func (w *WorkingMode) ClustersChanged() bool {
	for _, m := range w.bindingMasks {
		if !m.Changed.Empty() {
			return true
		}
	}
	return false
}

// updateBindingMasks refreshes w's per-type current/previous/changed
// bound-id sets given the binding it held before the one just accepted,
// grounded on original_source's WorkingMode::UpdateBindingInfo (shift
// current to previous, derive the new current from the fresh binding).
func (w *WorkingMode) updateBindingMasks(previous raccount.AssignmentMap) {
	next := w.bindingIDsByType(w.SyncBindings)
	prev := w.bindingIDsByType(previous)

	if w.bindingMasks == nil {
		w.bindingMasks = make(map[respath.Type]*TypeBindingMask)
	}
	seen := make(map[respath.Type]bool, len(next)+len(prev))
	for t := range next {
		seen[t] = true
	}
	for t := range prev {
		seen[t] = true
	}

	for t := range seen {
		cur := next[t]
		if cur == nil {
			cur = respath.NewBitset()
		}
		old := prev[t]
		if old == nil {
			old = respath.NewBitset()
		}
		w.bindingMasks[t] = &TypeBindingMask{
			Current:  cur,
			Previous: old,
			Changed:  cur.Or(old).AndNot(cur.And(old)),
		}
	}
}

// bindingIDsByType groups am's bound concrete resource ids by resource type,
// interning each full path through w.pathIDs so that siblings sharing a leaf
// id under different parents (cpu0.pe0 vs cpu1.pe0) are tracked as distinct
// members of the set.
func (w *WorkingMode) bindingIDsByType(am raccount.AssignmentMap) map[respath.Type]*respath.Bitset {
	out := make(map[respath.Type]*respath.Bitset)
	for _, assign := range am {
		for key := range assign.Bound {
			p, err := respath.New(key)
			if err != nil {
				continue
			}
			t := p.Type()
			if out[t] == nil {
				out[t] = respath.NewBitset()
			}
			out[t].Set(w.internResourceID(key))
		}
	}
	return out
}

// internResourceID assigns a stable small integer to a concrete resource
// path string, reusing the same id across calls so that current/previous
// Bitset comparisons remain meaningful for the lifetime of this AWM.
func (w *WorkingMode) internResourceID(key string) respath.ID {
	if w.pathIDs == nil {
		w.pathIDs = make(map[string]respath.ID)
	}
	if id, ok := w.pathIDs[key]; ok {
		return id
	}
	id := respath.ID(len(w.pathIDs))
	w.pathIDs[key] = id
	return id
}

// Recipe is the static, immutable description a Schedulable is built from.
type Recipe struct {
	Name               string
	AWMs               []*WorkingMode
	ResourceConstraints map[string]ResourceConstraint
	PluginData         map[string]string
}

// RuntimeProfile carries the self-reported execution statistics an EXC sends
// over RTLib EXC_RTNOTIFY messages.
type RuntimeProfile struct {
	GoalGapPercent int
	CPUUsagePerc   int
	CycleTimeMs    float64
	CycleCount     uint64
}

// Schedulable is the union of Application EXCs and generic Processes.
type Schedulable struct {
	mu sync.Mutex

	pid      int
	excID    int
	uid      string
	name     string
	language Language
	priority int

	recipe *Recipe

	currentAWM *WorkingMode
	nextAWM    *WorkingMode

	stable       StableState
	preSync      StableState
	syncSubState SyncState

	enabledAWMs         []*WorkingMode
	resourceConstraints map[string]ResourceConstraint

	runtime RuntimeProfile

	schedulingCount uint64
}

// NewSchedulable creates a NEW Schedulable identified by (pid, excID).
func NewSchedulable(pid, excID int, uid, name string, language Language, priority int) *Schedulable {
	return &Schedulable{
		pid:                 pid,
		excID:               excID,
		uid:                 uid,
		name:                name,
		language:            language,
		priority:            priority,
		stable:              New,
		resourceConstraints: make(map[string]ResourceConstraint),
	}
}

// UID returns the schedulable's unique identifier (f(pid, excID)).
func (s *Schedulable) UID() string { return s.uid }

// PID returns the owning process id.
func (s *Schedulable) PID() int { return s.pid }

// ExcID returns the execution-context id.
func (s *Schedulable) ExcID() int { return s.excID }

// Language returns the workload's runtime binding.
func (s *Schedulable) Language() Language { return s.language }

// Name returns the workload's display name.
func (s *Schedulable) Name() string { return s.name }

// Priority returns the scheduling priority (0 = highest).
func (s *Schedulable) Priority() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// State returns the current stable state and, if Stable == Sync, the sync
// sub-state.
func (s *Schedulable) State() (StableState, SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stable, s.syncSubState
}

// PreSyncState returns the stable state this Schedulable held immediately
// before entering SYNC, used by the synchronization manager to detect a
// pending RESTORING or THAWED transition ahead of platform enforcement.
func (s *Schedulable) PreSyncState() StableState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preSync
}

// CurrentAWM returns the currently bound working mode, or nil.
func (s *Schedulable) CurrentAWM() *WorkingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentAWM
}

// NextAWM returns the pending working mode, or nil.
func (s *Schedulable) NextAWM() *WorkingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextAWM
}

// SetRuntimeProfile records the latest self-reported runtime statistics.
func (s *Schedulable) SetRuntimeProfile(p RuntimeProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtime = p
}

// RuntimeProfile returns the latest recorded runtime statistics.
func (s *Schedulable) RuntimeProfile() RuntimeProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// SetRecipe initializes the working-mode catalogue, resource constraints,
// and plugin attributes from recipe.
func (s *Schedulable) SetRecipe(recipe *Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recipe = recipe
	for k, v := range recipe.ResourceConstraints {
		s.resourceConstraints[k] = v
	}
	s.rebuildEnabledAWMsLocked()
	return nil
}

func (s *Schedulable) rebuildEnabledAWMsLocked() {
	if s.recipe == nil {
		return
	}
	enabled := make([]*WorkingMode, 0, len(s.recipe.AWMs))
	for _, awm := range s.recipe.AWMs {
		if s.withinResourceConstraintsLocked(awm) {
			enabled = append(enabled, awm)
		}
	}
	sortByValueAscending(enabled)
	s.enabledAWMs = enabled
}

func (s *Schedulable) withinResourceConstraintsLocked(awm *WorkingMode) bool {
	for key, assign := range awm.Requested {
		c, ok := s.resourceConstraints[key]
		if !ok {
			continue
		}
		if c.Lower > 0 && assign.Amount < c.Lower {
			return false
		}
		if c.Upper > 0 && assign.Amount > c.Upper {
			return false
		}
	}
	return true
}

func sortByValueAscending(awms []*WorkingMode) {
	for i := 1; i < len(awms); i++ {
		for j := i; j > 0 && awms[j-1].Value > awms[j].Value; j-- {
			awms[j-1], awms[j] = awms[j], awms[j-1]
		}
	}
}

// ScheduleRequest is invoked by the policy to assign awm to this Schedulable
// within view.
func (s *Schedulable) ScheduleRequest(awm *WorkingMode, assignments raccount.AssignmentMap, acc *raccount.Accounter, view raccount.ViewToken) (ScheduleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stable == Sync && s.syncSubState == Blocked {
		s.stable = s.preSync
		s.syncSubState = SyncNone
	}
	if s.stable == Sync && s.syncSubState == Disabled {
		return DisabledResult, rtrmerr.Wrap("sched", rtrmerr.ErrAppDisabled, "uid %s", s.uid)
	}

	if err := acc.BookResources(s.uid, assignments, view); err != nil {
		s.unscheduleLocked()
		return Rejected, err
	}

	previous := awm.SyncBindings
	refn := len(awm.SchedBindings)
	awm.SchedBindings = append(awm.SchedBindings, assignments)
	awm.SyncBindings = awm.SchedBindings[refn]
	awm.updateBindingMasks(previous)

	sub := s.computeSyncSubStateLocked(awm)

	s.preSync = s.stable
	s.stable = Sync
	s.syncSubState = sub
	s.nextAWM = awm
	s.schedulingCount++

	return Accepted, nil
}

func (s *Schedulable) computeSyncSubStateLocked(next *WorkingMode) SyncState {
	if s.stable == Ready || s.currentAWM == nil {
		return Starting
	}
	sameAWM := s.currentAWM.ID == next.ID
	if sameAWM {
		// s.currentAWM and next are the same catalogue entry when a policy
		// reselects an AWM it already committed; ClustersChanged (derived
		// from the previous-vs-new binding captured by updateBindingMasks)
		// is the only reliable signal at this point, since next.SyncBindings
		// has already been overwritten with the newly accepted binding.
		if next.ClustersChanged() {
			return Migrate
		}
		return SyncNone
	}

	if bindingFootprintEqual(s.currentAWM.SyncBindings, next.SyncBindings) {
		return Reconf
	}
	return Migrec
}

func bindingFootprintEqual(a, b raccount.AssignmentMap) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok || len(av.Bound) != len(bv.Bound) {
			return false
		}
		for path, qty := range av.Bound {
			if bv.Bound[path] != qty {
				return false
			}
		}
	}
	return true
}

// Unschedule retracts a prior candidate, transitioning RUNNING -> SYNC(BLOCKED).
func (s *Schedulable) Unschedule() (UnscheduleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unscheduleLocked(), nil
}

func (s *Schedulable) unscheduleLocked() UnscheduleResult {
	if s.stable == Ready || (s.stable == Sync && s.syncSubState == Blocked) {
		return UnscheduleOk
	}
	s.preSync = s.stable
	s.stable = Sync
	s.syncSubState = Blocked
	return UnscheduleOk
}

// ScheduleCommit is called by the synchronization manager to finalize a
// pending transition.
func (s *Schedulable) ScheduleCommit() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stable == Finished {
		return
	}
	if s.stable != Sync {
		return
	}

	switch s.syncSubState {
	case Starting, Reconf, Migrec, Migrate, SyncNone:
		s.currentAWM = s.nextAWM
		s.nextAWM = nil
		s.stable = Running
	case Blocked:
		s.currentAWM = nil
		s.nextAWM = nil
		s.stable = Ready
	case Disabled:
		// Left to the caller: Disable() moves this to Finished explicitly.
	}
	s.syncSubState = SyncNone
}

// ScheduleAbort clears the pending AWM and returns to the pre-sync state.
func (s *Schedulable) ScheduleAbort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAWM = nil
	s.stable = s.preSync
	s.syncSubState = SyncNone
}

// ScheduleContinue commits "no change"; valid only when current == next AWM.
func (s *Schedulable) ScheduleContinue() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextAWM != nil && s.currentAWM != nil && s.nextAWM.ID != s.currentAWM.ID {
		return rtrmerr.Wrap("sched", rtrmerr.ErrInvalidState, "uid %s: current and next AWM differ", s.uid)
	}
	s.nextAWM = nil
	s.syncSubState = SyncNone
	if s.stable == Sync {
		s.stable = Running
	}
	return nil
}

// SetWorkingModeConstraint re-derives the enabled-AWM set from the recipe
// and the current resource constraints. ctype and awmID are only logged:
// they do not narrow or widen the set. It fails with ErrInvalidState when no
// recipe is loaded.
func (s *Schedulable) SetWorkingModeConstraint(ctype ConstraintType, awmID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recipe == nil {
		return rtrmerr.Wrap("sched", rtrmerr.ErrInvalidState, "uid %s: no recipe loaded", s.uid)
	}
	s.rebuildEnabledAWMsLocked()
	logger.Debug("uid %s: working-mode constraint type=%d awm=%d applied", s.uid, ctype, awmID)
	return nil
}

// SetResourceConstraint tightens or widens availability as seen by policies
// evaluating this Schedulable.
func (s *Schedulable) SetResourceConstraint(path respath.Path, bound ConstraintType, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := path.String()
	c := s.resourceConstraints[key]
	switch bound {
	case Lower:
		c.Lower = value
	case Upper:
		c.Upper = value
	case Exact:
		c.Lower, c.Upper = value, value
	}
	s.resourceConstraints[key] = c
	s.rebuildEnabledAWMsLocked()
	return nil
}

// RequestSync transitions into SYNC with the given sub-state, recording the
// prior stable state for later abort/commit.
func (s *Schedulable) RequestSync(sub SyncState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stable != Sync {
		s.preSync = s.stable
	}
	s.stable = Sync
	s.syncSubState = sub
}

// SetRunning forces the stable state to RUNNING (used when the sync manager
// commits outside of ScheduleCommit's normal path, e.g. after a reshuffle).
func (s *Schedulable) SetRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stable = Running
	s.syncSubState = SyncNone
}

// SetBlocked forces a transition into SYNC(BLOCKED).
func (s *Schedulable) SetBlocked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preSync = s.stable
	s.stable = Sync
	s.syncSubState = Blocked
}

// SetRestoring forces the stable state to RESTORING, used by the process
// manager when a checkpointed workload is reconstructed ahead of its next
// sync round (spec.md scenario 5).
func (s *Schedulable) SetRestoring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stable = Restoring
	s.syncSubState = SyncNone
}

// SetThawed forces the stable state to THAWED, used by the process manager
// when a frozen workload is about to be resumed ahead of its next sync
// round.
func (s *Schedulable) SetThawed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stable = Thawed
	s.syncSubState = SyncNone
}

// SetReady forces a direct transition to READY, used by the process manager
// on Enable (NEW -> READY) and after a disable-with-release is undone.
func (s *Schedulable) SetReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentAWM = nil
	s.nextAWM = nil
	s.stable = Ready
	s.syncSubState = SyncNone
}

// SetFinished marks the schedulable terminal.
func (s *Schedulable) SetFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stable = Finished
	s.syncSubState = SyncNone
}

// EnabledAWMs returns the current enabled-AWM catalogue, sorted by value
// ascending.
func (s *Schedulable) EnabledAWMs() []*WorkingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WorkingMode, len(s.enabledAWMs))
	copy(out, s.enabledAWMs)
	return out
}
