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

// Package raccount implements the resource accounter: the versioned ledger
// of resource bookings layered on top of a pkg/respath.Tree.
//
// Grounded on original_source/bbque/resource_accounter.cc and
// include/bbque/res/resource_accounter_status.h (Total/Available/Used,
// view tokens, state machine); the versioned-map-under-RWMutex shape
// follows the teacher's pkg/cri/resource-manager/cache/cache.go.
package raccount

import (
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bbque/rtrm/pkg/log"
	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// newViewToken mints an opaque, collision-free ViewToken from a random UUID
// (SPEC_FULL.md §4.J), folding its 128 bits down to the uint64 the rest of
// this package keys views by.
func newViewToken() ViewToken {
	id := uuid.New()
	return ViewToken(binary.BigEndian.Uint64(id[:8]))
}

var logger = log.NewLogger("raccount")

// State is the accounter's own lifecycle state.
type State int

const (
	// NotReady means the platform has not completed (re)discovery.
	NotReady State = iota
	// Ready means queries and booking are allowed.
	Ready
	// Sync means a synchronization session owns the module-wide lock.
	Sync
)

// ViewToken identifies one resource view.
type ViewToken uint64

// SystemView is the authoritative view token; it always exists.
const SystemView ViewToken = 0

// FillPolicy selects how an Assignment's amount is spread across its
// candidate resource list.
type FillPolicy int

const (
	// Sequential consumes one candidate resource fully before the next.
	Sequential FillPolicy = iota
	// Balanced splits amount/remaining-count across each bound resource,
	// with the last one absorbing the rounding remainder.
	Balanced
)

// Assignment is a request (or, once BookResources returns, a granted
// allocation) against a list of candidate resources of one path template.
type Assignment struct {
	Amount     uint64
	Policy     FillPolicy
	Candidates []respath.Path

	// Bound is populated by BookResources: concrete resource path string to
	// the quantity taken from it.
	Bound map[string]uint64
}

// AssignmentMap is a per-workload allocation request or vector, keyed by the
// string form of the requested resource path/template.
type AssignmentMap map[string]*Assignment

type viewState struct {
	apps    map[string]AssignmentMap // uid -> assignment map
	used    map[string]uint64        // resource path string -> total used
	touched map[string]bool          // resource path string -> touched in this view
}

func newViewState() *viewState {
	return &viewState{
		apps:    make(map[string]AssignmentMap),
		used:    make(map[string]uint64),
		touched: make(map[string]bool),
	}
}

func (v *viewState) clone() *viewState {
	out := newViewState()
	for uid, am := range v.apps {
		out.apps[uid] = am
	}
	for k, u := range v.used {
		out.used[k] = u
	}
	for k := range v.touched {
		out.touched[k] = true
	}
	return out
}

// Accounter is the Resource Accounter: the versioned ledger of bookings atop
// a Tree of registered resources.
type Accounter struct {
	tree *respath.Tree

	mu    sync.RWMutex
	views map[ViewToken]*viewState
	order map[ViewToken]uint64 // monotonic creation order, for diagnostics

	stateMu sync.Mutex
	state   State
	cond    *sync.Cond

	syncMu    sync.Mutex
	syncToken ViewToken
	syncing   bool

	lastPromoted ViewToken

	usedGauge *prometheus.GaugeVec
}

// NewAccounter creates an Accounter over tree, with the system view (token 0)
// pre-created and empty.
func NewAccounter(tree *respath.Tree) *Accounter {
	a := &Accounter{
		tree:  tree,
		views: map[ViewToken]*viewState{SystemView: newViewState()},
		order: map[ViewToken]uint64{SystemView: 0},
		state: NotReady,
		usedGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rtrm",
			Subsystem: "raccount",
			Name:      "resource_used",
			Help:      "Resource quantity booked in the system view, by path.",
		}, []string{"path"}),
	}
	a.cond = sync.NewCond(&a.stateMu)
	return a
}

// Collector exposes the accounter's resource-used gauge for Prometheus
// registration (teacher pkg/metrics/metrics.go convention).
func (a *Accounter) Collector() prometheus.Collector { return a.usedGauge }

// SetPlatformReady transitions NotReady<->Ready as reported by the platform
// discovery layer.
func (a *Accounter) SetPlatformReady(ready bool) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if ready {
		a.state = Ready
	} else {
		a.state = NotReady
	}
	a.cond.Broadcast()
}

// WaitForPlatformReady blocks until the accounter reaches Ready.
func (a *Accounter) WaitForPlatformReady() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	for a.state != Ready {
		a.cond.Wait()
	}
}

// SyncWait blocks until any in-flight synchronization session ends.
func (a *Accounter) SyncWait() {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	for a.state == Sync {
		a.cond.Wait()
	}
}

func (a *Accounter) waitReadyLocked() {
	for a.state != Ready {
		a.cond.Wait()
	}
}

// GetView creates a fresh, empty view and returns its token. tag is an
// opaque diagnostic label (e.g. "scheduling", "sync").
func (a *Accounter) GetView(tag string) ViewToken {
	token := newViewToken()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.views[token] = newViewState()
	a.order[token] = uint64(len(a.order))
	logger.Debug("view %d created (%s)", token, tag)
	return token
}

// PutView discards a view. The system view cannot be put directly.
func (a *Accounter) PutView(token ViewToken) error {
	if token == SystemView {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrUnauthorizedViewOp, "cannot put the system view")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.views[token]; !ok {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrUnknownView, "token %d", token)
	}
	delete(a.views, token)
	delete(a.order, token)
	return nil
}

// SetView promotes token to be the system view, returning the token that was
// the system view immediately before this call (it is put automatically).
func (a *Accounter) SetView(token ViewToken) (ViewToken, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	view, ok := a.views[token]
	if !ok {
		return 0, rtrmerr.Wrap("raccount", rtrmerr.ErrUnknownView, "token %d", token)
	}

	prev := a.lastPromoted

	a.views[SystemView] = view
	if token != SystemView {
		delete(a.views, token)
		delete(a.order, token)
	}
	a.lastPromoted = token
	a.publishMetrics(view)
	return prev, nil
}

func (a *Accounter) publishMetrics(view *viewState) {
	a.usedGauge.Reset()
	for path, used := range view.used {
		a.usedGauge.WithLabelValues(path).Set(float64(used))
	}
}

func (a *Accounter) viewLocked(token ViewToken) (*viewState, error) {
	v, ok := a.views[token]
	if !ok {
		return nil, rtrmerr.Wrap("raccount", rtrmerr.ErrUnknownView, "token %d", token)
	}
	return v, nil
}

// Total returns the resource's registered effective capacity.
func (a *Accounter) Total(path respath.Path) (uint64, error) {
	r, err := a.tree.Find(path, respath.Exact)
	if err != nil {
		return 0, err
	}
	return r.Total(), nil
}

// Used returns how much of path is booked in view.
func (a *Accounter) Used(path respath.Path, view ViewToken) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, err := a.viewLocked(view)
	if err != nil {
		return 0, err
	}
	return v.used[path.String()], nil
}

// Available returns the free capacity of path in view, crediting uid's own
// existing holdings back (an applicant "sees" its own holdings as still
// available).
func (a *Accounter) Available(path respath.Path, view ViewToken, uid string) (uint64, error) {
	r, err := a.tree.Find(path, respath.Exact)
	if err != nil {
		return 0, err
	}
	if !r.Online() {
		return 0, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	v, err := a.viewLocked(view)
	if err != nil {
		return 0, err
	}

	unreserved := r.Unreserved()
	used := v.used[path.String()]
	var own uint64
	for _, assign := range v.apps[uid] {
		own += assign.Bound[path.String()]
	}

	avail := unreserved
	if used > avail {
		return own, nil
	}
	avail -= used
	return avail + own, nil
}

func (a *Accounter) availableAcrossLocked(candidates []respath.Path, view ViewToken, uid string) uint64 {
	var total uint64
	for _, c := range candidates {
		// availableLocked mirrors Available but assumes a.mu is already held.
		r, err := a.tree.Find(c, respath.Exact)
		if err != nil || !r.Online() {
			continue
		}
		v := a.views[view]
		unreserved := r.Unreserved()
		used := v.used[c.String()]
		var own uint64
		for _, assign := range v.apps[uid] {
			own += assign.Bound[c.String()]
		}
		if used > unreserved {
			total += own
			continue
		}
		total += (unreserved - used) + own
	}
	return total
}

// CheckAvailability verifies that every entry of assignments can be
// satisfied in view by uid, without booking anything.
func (a *Accounter) CheckAvailability(assignments AssignmentMap, view ViewToken, uid string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, err := a.viewLocked(view); err != nil {
		return err
	}
	return a.checkAvailabilityLocked(assignments, view, uid)
}

func (a *Accounter) checkAvailabilityLocked(assignments AssignmentMap, view ViewToken, uid string) error {
	for key, assign := range assignments {
		got := a.availableAcrossLocked(assign.Candidates, view, uid)
		if got < assign.Amount {
			return rtrmerr.Wrap("raccount", rtrmerr.ErrUsageExceeded,
				"%s: requested %d, available %d", key, assign.Amount, got)
		}
	}
	return nil
}

// BookResources checks availability atomically and, on success, records
// assignments against uid in view, distributing each entry's amount over its
// candidate list per its FillPolicy.
func (a *Accounter) BookResources(uid string, assignments AssignmentMap, view ViewToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, err := a.viewLocked(view)
	if err != nil {
		return err
	}
	if _, exists := v.apps[uid]; exists {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrAppAlreadyHoldsResources, "uid %s, view %d", uid, view)
	}
	if err := a.checkAvailabilityLocked(assignments, view, uid); err != nil {
		return err
	}

	for _, assign := range assignments {
		assign.Bound = make(map[string]uint64)
		a.fillLocked(assign, v)
	}
	v.apps[uid] = assignments
	return nil
}

func (a *Accounter) fillLocked(assign *Assignment, v *viewState) {
	remaining := assign.Amount
	n := len(assign.Candidates)

	switch assign.Policy {
	case Sequential:
		for _, c := range assign.Candidates {
			if remaining == 0 {
				break
			}
			key := c.String()
			r, err := a.tree.Find(c, respath.Exact)
			if err != nil {
				continue
			}
			free := r.Unreserved()
			if used := v.used[key]; used < free {
				free -= used
			} else {
				free = 0
			}
			take := remaining
			if take > free {
				take = free
			}
			assign.Bound[key] += take
			v.used[key] += take
			v.touched[key] = true
			remaining -= take
		}
	case Balanced:
		for i, c := range assign.Candidates {
			if remaining == 0 {
				break
			}
			key := c.String()
			left := n - i
			share := remaining / uint64(left)
			if i == n-1 {
				share = remaining
			}
			assign.Bound[key] += share
			v.used[key] += share
			v.touched[key] = true
			remaining -= share
		}
	}
}

// ReleaseResources removes uid's booking from view and decrements the
// per-resource used counters it contributed.
func (a *Accounter) ReleaseResources(uid string, view ViewToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	v, err := a.viewLocked(view)
	if err != nil {
		return err
	}
	am, ok := v.apps[uid]
	if !ok {
		return nil
	}
	for _, assign := range am {
		for key, qty := range assign.Bound {
			if v.used[key] > qty {
				v.used[key] -= qty
			} else {
				v.used[key] = 0
			}
		}
	}
	delete(v.apps, uid)
	return nil
}

// SyncAcquireResources copies uid's already-granted booking from sourceView
// into targetView, without re-checking availability (the booking was
// already validated when it was first granted). It is the synchronization
// manager's PostChange step materializing a committed EXC's allocation into
// the in-flight sync view (spec.md §4.F step 5).
func (a *Accounter) SyncAcquireResources(uid string, sourceView, targetView ViewToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	src, err := a.viewLocked(sourceView)
	if err != nil {
		return err
	}
	dst, err := a.viewLocked(targetView)
	if err != nil {
		return err
	}

	am, ok := src.apps[uid]
	if !ok {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrUsageExceeded, "uid %s has no booking in source view %d", uid, sourceView)
	}
	if _, exists := dst.apps[uid]; exists {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrAppAlreadyHoldsResources, "uid %s, view %d", uid, targetView)
	}

	dst.apps[uid] = am
	for _, assign := range am {
		for key, qty := range assign.Bound {
			dst.used[key] += qty
			dst.touched[key] = true
		}
	}
	return nil
}

// SyncStart acquires the module-wide synchronization session, transitioning
// Ready -> Sync, and returns a fresh view cloned from the current system
// view for the synchronization manager to mutate.
func (a *Accounter) SyncStart() (ViewToken, error) {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()

	a.stateMu.Lock()
	if a.state != Ready {
		a.stateMu.Unlock()
		return 0, rtrmerr.Wrap("raccount", rtrmerr.ErrSyncInitFailed, "accounter not ready")
	}
	a.state = Sync
	a.stateMu.Unlock()

	a.mu.Lock()
	sys, _ := a.viewLocked(SystemView)
	token := newViewToken()
	a.views[token] = sys.clone()
	a.order[token] = uint64(len(a.order))
	a.mu.Unlock()

	a.syncToken = token
	a.syncing = true
	return token, nil
}

// SyncCommit promotes the sync view (token) to the system view and
// transitions Sync -> Ready.
func (a *Accounter) SyncCommit(token ViewToken) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if !a.syncing || token != a.syncToken {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrSyncViewError, "no matching sync session for token %d", token)
	}
	if _, err := a.SetView(token); err != nil {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrSyncViewError, "%v", err)
	}
	a.syncing = false

	a.stateMu.Lock()
	a.state = Ready
	a.cond.Broadcast()
	a.stateMu.Unlock()
	return nil
}

// SyncAbort discards the sync view and transitions Sync -> Ready without
// touching the system view.
func (a *Accounter) SyncAbort(token ViewToken) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if !a.syncing || token != a.syncToken {
		return rtrmerr.Wrap("raccount", rtrmerr.ErrSyncViewError, "no matching sync session for token %d", token)
	}
	a.mu.Lock()
	delete(a.views, token)
	delete(a.order, token)
	a.mu.Unlock()
	a.syncing = false

	a.stateMu.Lock()
	a.state = Ready
	a.cond.Broadcast()
	a.stateMu.Unlock()
	return nil
}

// ClusteringFactor returns the fraction (0..1) of uid's bound candidates
// under path's template that fall within a single parent resource (e.g. a
// single CPU package), used by accelerator/NUMA-aware policies to favor
// tightly clustered bindings. It mirrors
// original_source/include/bbque/res/resource_accounter_status.h's
// ClusteringFactor.
func (a *Accounter) ClusteringFactor(uid string, path respath.Path, view ViewToken) (float64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, err := a.viewLocked(view)
	if err != nil {
		return 0, err
	}
	am, ok := v.apps[uid]
	if !ok {
		return 0, nil
	}
	assign, ok := am[path.String()]
	if !ok || len(assign.Bound) == 0 {
		return 0, nil
	}

	parents := make(map[respath.Type]map[respath.ID]uint64)
	for key := range assign.Bound {
		p, err := respath.New(key)
		if err != nil {
			continue
		}
		parentType := p.ParentType(p.Type())
		parentID := p.GetID(parentType)
		if parents[parentType] == nil {
			parents[parentType] = make(map[respath.ID]uint64)
		}
		parents[parentType][parentID] += assign.Bound[key]
	}

	var maxInOneParent uint64
	for _, byID := range parents {
		for _, qty := range byID {
			if qty > maxInOneParent {
				maxInOneParent = qty
			}
		}
	}
	return float64(maxInOneParent) / float64(assign.Amount), nil
}

// AppUsingPE reports whether uid currently holds any amount of the given
// processing-element path in view.
func (a *Accounter) AppUsingPE(uid string, pe respath.Path, view ViewToken) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, err := a.viewLocked(view)
	if err != nil {
		return false, err
	}
	am, ok := v.apps[uid]
	if !ok {
		return false, nil
	}
	for _, assign := range am {
		if assign.Bound[pe.String()] > 0 {
			return true, nil
		}
	}
	return false, nil
}

// TouchedResources returns the path strings of every resource that has been
// booked at least once in view by BookResources or SyncAcquireResources
// (ReleaseResources neither marks nor unmarks a path), letting callers (e.g. the
// control loop's post-schedule online-restore step) avoid scanning the
// whole tree.
func (a *Accounter) TouchedResources(view ViewToken) ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, err := a.viewLocked(view)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(v.touched))
	for key := range v.touched {
		out = append(out, key)
	}
	return out, nil
}

// CountResources reports how many concrete resources match template (e.g.
// how many "sys.cpu.pe" instances exist), mirroring original_source's
// GetTotalNumOfResources. Ambient convenience only — not wired into any
// invariant.
func (a *Accounter) CountResources(template respath.Path) int {
	return len(a.tree.FindList(template, respath.Template))
}

// PrintStatusReport renders a human-readable dump of view's bookings,
// mirroring original_source/bbque/resource_accounter.cc's PrintStatusReport.
func (a *Accounter) PrintStatusReport(view ViewToken) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, err := a.viewLocked(view)
	if err != nil {
		return "", err
	}

	report := "resource accounter status (view " + strconv.FormatUint(uint64(view), 10) + "):\n"
	for _, r := range a.tree.All() {
		key := r.Path().String()
		report += "  " + key + ": total=" + strconv.FormatUint(r.Total(), 10) +
			" reserved=" + strconv.FormatUint(r.Reserved(), 10) +
			" used=" + strconv.FormatUint(v.used[key], 10) + "\n"
	}
	return report, nil
}
