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

package respath

import (
	"sync"

	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// Resource is a single node of the tree, uniquely identified by its Path.
//
// Resource carries only the static/slow-changing attributes;
// the dynamic, per-view usage accounting lives in pkg/raccount, which treats
// Resource as read-mostly input.
type Resource struct {
	mu sync.Mutex

	path            Path
	registeredTotal uint64 // nominal capacity, fixed at Register time
	total           uint64 // current effective capacity, <= registeredTotal
	reserved        uint64
	online          bool
	model           string

	// Power is the optional exponential-moving-average power/thermal
	// profile maintained by pkg/powermon.
	Power *PowerProfile
}

// Path returns the resource's identifying path.
func (r *Resource) Path() Path { return r.path }

// Model returns the resource's model string.
func (r *Resource) Model() string { return r.model }

// Online reports whether the resource currently accepts allocations.
func (r *Resource) Online() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online
}

// Total returns the current effective capacity.
func (r *Resource) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Reserved returns the amount withheld from allocation.
func (r *Resource) Reserved() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reserved
}

// Unreserved returns Total - Reserved, clamped at zero.
func (r *Resource) Unreserved() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reserved >= r.total {
		return 0
	}
	return r.total - r.reserved
}

// Tree is the append-only (modulo online/offline/reserve) hierarchy of
// Resources, addressable by Path.
type Tree struct {
	mu    sync.RWMutex
	byKey map[string]*Resource
	order []Path
}

// NewTree creates an empty resource tree.
func NewTree() *Tree {
	return &Tree{byKey: make(map[string]*Resource)}
}

// Register inserts a resource at path with the given amount (e.g. "4G") and
// model, converting the K/M/G suffix into a canonical scalar. Duplicate
// registration with the same amount is idempotent and returns the existing
// Resource; a duplicate path with a different amount re-registers the
// nominal total (as if Update had been called with a fresh ceiling).
func (t *Tree) Register(path Path, amount string, model string) (*Resource, error) {
	total, err := ParseAmount(amount)
	if err != nil {
		return nil, err
	}

	key := path.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.byKey[key]; ok {
		r.mu.Lock()
		if r.registeredTotal == total {
			r.mu.Unlock()
			return r, nil
		}
		r.registeredTotal = total
		r.total = total
		r.model = model
		r.mu.Unlock()
		return r, nil
	}

	r := &Resource{
		path:            path,
		registeredTotal: total,
		total:           total,
		online:          true,
		model:           model,
		Power:           &PowerProfile{},
	}
	t.byKey[key] = r
	t.order = append(t.order, path)
	return r, nil
}

// Update changes the current effective capacity of a live resource. If the
// new total is below used (the caller's current view usage for this
// resource), the shortfall is folded into Reserved instead of evicting any
// holder. It fails with ErrOverflow if total exceeds the resource's
// originally registered ceiling.
func (t *Tree) Update(path Path, total uint64, used uint64) error {
	r, err := t.find(path, Exact)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if total > r.registeredTotal {
		return rtrmerr.Wrap("respath", rtrmerr.ErrOverflow,
			"%s: new total %d exceeds registered total %d", path, total, r.registeredTotal)
	}

	r.total = total
	if used > total {
		r.reserved = used - total
	}
	return nil
}

// SetOnline marks a resource online.
func (t *Tree) SetOnline(path Path) error { return t.setOnline(path, true) }

// SetOffline marks a resource offline. Offline resources stay in the tree
// but report zero availability to policies (enforced by pkg/raccount).
func (t *Tree) SetOffline(path Path) error { return t.setOnline(path, false) }

func (t *Tree) setOnline(path Path, online bool) error {
	r, err := t.find(path, Exact)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.online = online
	r.mu.Unlock()
	return nil
}

// Reserve clamps the amount of free capacity withheld from allocation.
// Repeated calls overwrite rather than accumulate.
func (t *Tree) Reserve(path Path, amount uint64) error {
	r, err := t.find(path, Exact)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.reserved = amount
	r.mu.Unlock()
	return nil
}

// Find looks up a single resource matching query under mode. Exact and
// Mixed/FirstMatch all require the query to resolve to one or more concrete
// resources; Find returns the first (insertion-order) match.
func (t *Tree) Find(query Path, mode MatchMode) (*Resource, error) {
	return t.find(query, mode)
}

func (t *Tree) find(query Path, mode MatchMode) (*Resource, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if mode == Exact {
		if r, ok := t.byKey[query.String()]; ok {
			return r, nil
		}
		return nil, rtrmerr.Wrap("respath", rtrmerr.ErrNoSuchResource, "%s", query)
	}

	for _, p := range t.order {
		if p.Matches(query, mode) {
			return t.byKey[p.String()], nil
		}
	}
	return nil, rtrmerr.Wrap("respath", rtrmerr.ErrNoSuchResource, "%s", query)
}

// FindList returns every resource whose path matches query under mode, in
// registration order. A template query fans out across every concrete
// resource of that type sequence.
func (t *Tree) FindList(query Path, mode MatchMode) []*Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Resource
	for _, p := range t.order {
		if p.Matches(query, mode) {
			out = append(out, t.byKey[p.String()])
		}
	}
	return out
}

// All returns every resource in the tree, in registration order.
func (t *Tree) All() []*Resource {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Resource, 0, len(t.order))
	for _, p := range t.order {
		out = append(out, t.byKey[p.String()])
	}
	return out
}
