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

package raccount

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bbque/rtrm/pkg/respath"
	"github.com/bbque/rtrm/pkg/rtrmerr"
)

func newTestTree(t *testing.T) *respath.Tree {
	t.Helper()
	tree := respath.NewTree()
	for i := 0; i < 4; i++ {
		p := respath.MustNew("sys0.cpu0.pe" + itoa(i))
		_, err := tree.Register(p, "100", "pe")
		require.NoError(t, err)
	}
	return tree
}

func itoa(n int) string { return string(rune('0' + n)) }

func TestAvailableCreditsOwnHoldings(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)

	p0 := respath.MustNew("sys0.cpu0.pe0")
	av, err := acc.Available(p0, SystemView, "app1")
	require.NoError(t, err)
	require.Equal(t, uint64(100), av)

	assignments := AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 60, Policy: Sequential, Candidates: []respath.Path{p0}},
	}
	require.NoError(t, acc.BookResources("app1", assignments, SystemView))

	av, err = acc.Available(p0, SystemView, "app1")
	require.NoError(t, err)
	require.Equal(t, uint64(100), av)

	av, err = acc.Available(p0, SystemView, "app2")
	require.NoError(t, err)
	require.Equal(t, uint64(40), av)
}

func TestBookResourcesUsageExceeded(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	p0 := respath.MustNew("sys0.cpu0.pe0")

	assignments := AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 150, Policy: Sequential, Candidates: []respath.Path{p0}},
	}
	err := acc.BookResources("app1", assignments, SystemView)
	require.Error(t, err)
	require.True(t, errors.Is(err, rtrmerr.ErrUsageExceeded))
}

func TestBookResourcesAlreadyHolds(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	p0 := respath.MustNew("sys0.cpu0.pe0")

	assignments := AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 10, Policy: Sequential, Candidates: []respath.Path{p0}},
	}
	require.NoError(t, acc.BookResources("app1", assignments, SystemView))
	err := acc.BookResources("app1", assignments, SystemView)
	require.Error(t, err)
	require.True(t, errors.Is(err, rtrmerr.ErrAppAlreadyHoldsResources))
}

func TestBookResourcesSequentialFillOrder(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	p0 := respath.MustNew("sys0.cpu0.pe0")
	p1 := respath.MustNew("sys0.cpu0.pe1")

	assignments := AssignmentMap{
		"req": {Amount: 150, Policy: Sequential, Candidates: []respath.Path{p0, p1}},
	}
	require.NoError(t, acc.BookResources("app1", assignments, SystemView))

	used0, err := acc.Used(p0, SystemView)
	require.NoError(t, err)
	used1, err := acc.Used(p1, SystemView)
	require.NoError(t, err)
	require.Equal(t, uint64(100), used0)
	require.Equal(t, uint64(50), used1)
}

func TestBookResourcesBalancedSplit(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	p0 := respath.MustNew("sys0.cpu0.pe0")
	p1 := respath.MustNew("sys0.cpu0.pe1")
	p2 := respath.MustNew("sys0.cpu0.pe2")

	assignments := AssignmentMap{
		"req": {Amount: 100, Policy: Balanced, Candidates: []respath.Path{p0, p1, p2}},
	}
	require.NoError(t, acc.BookResources("app1", assignments, SystemView))

	u0, _ := acc.Used(p0, SystemView)
	u1, _ := acc.Used(p1, SystemView)
	u2, _ := acc.Used(p2, SystemView)
	require.Equal(t, uint64(33), u0)
	require.Equal(t, uint64(33), u1)
	require.Equal(t, uint64(34), u2) // last candidate absorbs the rounding remainder
}

func TestReleaseResources(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	p0 := respath.MustNew("sys0.cpu0.pe0")

	assignments := AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 60, Policy: Sequential, Candidates: []respath.Path{p0}},
	}
	require.NoError(t, acc.BookResources("app1", assignments, SystemView))
	require.NoError(t, acc.ReleaseResources("app1", SystemView))

	used, err := acc.Used(p0, SystemView)
	require.NoError(t, err)
	require.Equal(t, uint64(0), used)
}

func TestGetPutView(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)

	token := acc.GetView("scheduling")
	require.NotEqual(t, SystemView, token)

	require.NoError(t, acc.PutView(token))
	err := acc.PutView(token)
	require.Error(t, err)
	require.True(t, errors.Is(err, rtrmerr.ErrUnknownView))
}

func TestPutSystemViewRejected(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	err := acc.PutView(SystemView)
	require.Error(t, err)
	require.True(t, errors.Is(err, rtrmerr.ErrUnauthorizedViewOp))
}

func TestSetViewCommitsAndQueriesNewData(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	p0 := respath.MustNew("sys0.cpu0.pe0")

	token := acc.GetView("scheduling")
	assignments := AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 60, Policy: Sequential, Candidates: []respath.Path{p0}},
	}
	require.NoError(t, acc.BookResources("app1", assignments, token))

	_, err := acc.SetView(token)
	require.NoError(t, err)

	used, err := acc.Used(p0, SystemView)
	require.NoError(t, err)
	require.Equal(t, uint64(60), used)
}

func TestSyncStartCommitPromotesView(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	acc.SetPlatformReady(true)

	token, err := acc.SyncStart()
	require.NoError(t, err)

	p0 := respath.MustNew("sys0.cpu0.pe0")
	assignments := AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 10, Policy: Sequential, Candidates: []respath.Path{p0}},
	}
	require.NoError(t, acc.BookResources("app1", assignments, token))
	require.NoError(t, acc.SyncCommit(token))

	used, err := acc.Used(p0, SystemView)
	require.NoError(t, err)
	require.Equal(t, uint64(10), used)
}

func TestSyncAbortDropsView(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)
	acc.SetPlatformReady(true)

	token, err := acc.SyncStart()
	require.NoError(t, err)
	require.NoError(t, acc.SyncAbort(token))

	p0 := respath.MustNew("sys0.cpu0.pe0")
	used, err := acc.Used(p0, SystemView)
	require.NoError(t, err)
	require.Equal(t, uint64(0), used)
}

func TestWaitForPlatformReady(t *testing.T) {
	tree := newTestTree(t)
	acc := NewAccounter(tree)

	done := make(chan struct{})
	go func() {
		acc.WaitForPlatformReady()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForPlatformReady returned before platform became ready")
	case <-time.After(20 * time.Millisecond):
	}

	acc.SetPlatformReady(true)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForPlatformReady did not unblock after platform became ready")
	}
}
