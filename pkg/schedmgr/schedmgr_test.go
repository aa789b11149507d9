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

package schedmgr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bbque/rtrm/pkg/appmgr"
	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/sched"
)

type countingPolicy struct {
	name  string
	err   error
	touch func(acc *raccount.Accounter, appMgr *appmgr.Manager, systemView, outView raccount.ViewToken) error
	calls int
}

func (p *countingPolicy) Name() string { return p.name }
func (p *countingPolicy) Schedule(acc *raccount.Accounter, appMgr *appmgr.Manager, systemView, outView raccount.ViewToken) error {
	p.calls++
	if p.touch != nil {
		return p.touch(acc, appMgr, systemView, outView)
	}
	return p.err
}

func newTestTree(t *testing.T) *respath.Tree {
	t.Helper()
	tree := respath.NewTree()
	_, err := tree.Register(respath.MustNew("sys0.cpu0"), "100", "cpu")
	require.NoError(t, err)
	return tree
}

func TestScheduleRunsRegisteredPolicyAndPublishesView(t *testing.T) {
	tree := newTestTree(t)
	acc := raccount.NewAccounter(tree)
	appMgr := appmgr.NewManager(func(string) {})
	policy := &countingPolicy{name: "fake"}
	m := NewManager(acc, appMgr, policy, func(int) bool { return true })

	result, err := m.Schedule()
	require.NoError(t, err)
	require.Equal(t, Done, result)
	require.Equal(t, 1, policy.calls)
	require.Equal(t, uint64(1), m.SessionCount())

	view, ok := m.ScheduledView()
	require.True(t, ok)
	require.NotEqual(t, raccount.SystemView, view)
}

func TestScheduleWithoutPolicyFails(t *testing.T) {
	tree := newTestTree(t)
	acc := raccount.NewAccounter(tree)
	appMgr := appmgr.NewManager(func(string) {})
	m := NewManager(acc, appMgr, nil, func(int) bool { return true })

	result, err := m.Schedule()
	require.Error(t, err)
	require.Equal(t, MissingPolicy, result)
}

func TestSchedulePolicyFailureDropsView(t *testing.T) {
	tree := newTestTree(t)
	acc := raccount.NewAccounter(tree)
	appMgr := appmgr.NewManager(func(string) {})
	policy := &countingPolicy{name: "fake", err: errors.New("boom")}
	m := NewManager(acc, appMgr, policy, func(int) bool { return true })

	result, err := m.Schedule()
	require.Error(t, err)
	require.Equal(t, Failed, result)
	_, ok := m.ScheduledView()
	require.False(t, ok)
}

func TestScheduleLeavesUntouchedRunningExcsOnNoSchedule(t *testing.T) {
	tree := newTestTree(t)
	acc := raccount.NewAccounter(tree)
	appMgr := appmgr.NewManager(func(string) {})

	s, err := appMgr.Create(1, 1, "app1", "app1", sched.Native, 0)
	require.NoError(t, err)
	s.SetRunning()

	policy := &countingPolicy{name: "fake"}
	m := NewManager(acc, appMgr, policy, func(int) bool { return true })

	_, err = m.Schedule()
	require.NoError(t, err)

	stable, _ := s.State()
	require.Equal(t, sched.Running, stable)
}

func TestRegisterAndLookup(t *testing.T) {
	name := "test-policy-register"
	require.NoError(t, Register(name, func() Policy { return &countingPolicy{name: name} }))
	defer func() {
		registryMu.Lock()
		delete(registry, name)
		registryMu.Unlock()
	}()

	err := Register(name, func() Policy { return &countingPolicy{name: name} })
	require.Error(t, err)

	p, ok := Lookup(name)
	require.True(t, ok)
	require.Equal(t, name, p.Name())

	_, ok = Lookup("does-not-exist")
	require.False(t, ok)
}
