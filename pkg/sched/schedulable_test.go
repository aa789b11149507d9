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

package sched

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/bbque/rtrm/pkg/raccount"
	"github.com/bbque/rtrm/pkg/respath"
)

func newTestAccounter(t *testing.T) (*raccount.Accounter, respath.Path) {
	t.Helper()
	tree := respath.NewTree()
	p := respath.MustNew("sys0.cpu0.pe0")
	_, err := tree.Register(p, "100", "pe")
	require.NoError(t, err)
	return raccount.NewAccounter(tree), p
}

func TestReadyToRunningOnScheduleRequest(t *testing.T) {
	acc, p := newTestAccounter(t)
	s := NewSchedulable(100, 0, "100:0", "bq-task", Native, 0)
	require.Equal(t, New, s.stable) // sanity only within package

	awm := &WorkingMode{ID: 1, Value: 1}
	assignments := raccount.AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 50, Policy: raccount.Sequential, Candidates: []respath.Path{p}},
	}

	s.stable = Ready
	res, err := s.ScheduleRequest(awm, assignments, acc, raccount.SystemView)
	require.NoError(t, err)
	require.Equal(t, Accepted, res)

	stable, sub := s.State()
	require.Equal(t, Sync, stable)
	require.Equal(t, Starting, sub)

	s.ScheduleCommit()
	stable, _ = s.State()
	require.Equal(t, Running, stable)
	require.Equal(t, awm, s.CurrentAWM())
}

func TestScheduleRequestRejectedOnUsageExceeded(t *testing.T) {
	acc, p := newTestAccounter(t)
	s := NewSchedulable(100, 0, "100:0", "bq-task", Native, 0)
	s.stable = Ready

	awm := &WorkingMode{ID: 1, Value: 1}
	assignments := raccount.AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 500, Policy: raccount.Sequential, Candidates: []respath.Path{p}},
	}

	res, err := s.ScheduleRequest(awm, assignments, acc, raccount.SystemView)
	require.Error(t, err)
	require.Equal(t, Rejected, res)
}

func TestUnscheduleFromRunning(t *testing.T) {
	s := NewSchedulable(100, 0, "100:0", "bq-task", Native, 0)
	s.stable = Running

	res, err := s.Unschedule()
	require.NoError(t, err)
	require.Equal(t, UnscheduleOk, res)

	stable, sub := s.State()
	require.Equal(t, Sync, stable)
	require.Equal(t, Blocked, sub)
}

func TestUnscheduleNoopFromReady(t *testing.T) {
	s := NewSchedulable(100, 0, "100:0", "bq-task", Native, 0)
	s.stable = Ready

	_, err := s.Unschedule()
	require.NoError(t, err)
	stable, _ := s.State()
	require.Equal(t, Ready, stable)
}

func TestScheduleAbortReturnsToPreSync(t *testing.T) {
	acc, p := newTestAccounter(t)
	s := NewSchedulable(100, 0, "100:0", "bq-task", Native, 0)
	s.stable = Ready

	awm := &WorkingMode{ID: 1, Value: 1}
	assignments := raccount.AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 50, Policy: raccount.Sequential, Candidates: []respath.Path{p}},
	}
	_, err := s.ScheduleRequest(awm, assignments, acc, raccount.SystemView)
	require.NoError(t, err)

	s.ScheduleAbort()
	stable, sub := s.State()
	require.Equal(t, Ready, stable)
	require.Equal(t, SyncNone, sub)
	require.Nil(t, s.NextAWM())
}

// TestScheduleRequestMigrationClustersChanged exercises the migration
// scenario: the same AWM id is rebound from cpu0.pe0 onto cpu1.pe0 across two
// scheduling rounds. It must report MIGRATE and ClustersChanged() == true,
// with current_awm.ID == next_awm.ID while the bound set differs.
func TestScheduleRequestMigrationClustersChanged(t *testing.T) {
	tree := respath.NewTree()
	pe0 := respath.MustNew("sys0.cpu0.pe0")
	pe1 := respath.MustNew("sys0.cpu1.pe0")
	_, err := tree.Register(pe0, "100", "pe")
	require.NoError(t, err)
	_, err = tree.Register(pe1, "100", "pe")
	require.NoError(t, err)
	acc := raccount.NewAccounter(tree)

	s := NewSchedulable(100, 0, "100:0", "bq-task", Native, 0)
	s.stable = Ready
	awm := &WorkingMode{ID: 1, Value: 1}

	firstView := acc.GetView("round-1")
	first := raccount.AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 50, Policy: raccount.Sequential, Candidates: []respath.Path{pe0}},
	}
	res, err := s.ScheduleRequest(awm, first, acc, firstView)
	require.NoError(t, err)
	require.Equal(t, Accepted, res)
	s.ScheduleCommit()

	stable, _ := s.State()
	require.Equal(t, Running, stable)
	require.Len(t, awm.SchedBindings, 1)

	secondView := acc.GetView("round-2")
	second := raccount.AssignmentMap{
		"sys0.cpu1.pe0": {Amount: 50, Policy: raccount.Sequential, Candidates: []respath.Path{pe1}},
	}
	res, err = s.ScheduleRequest(awm, second, acc, secondView)
	require.NoError(t, err)
	require.Equal(t, Accepted, res)

	stable, sub := s.State()
	require.Equal(t, Sync, stable)
	require.Equal(t, Migrate, sub)
	require.True(t, awm.ClustersChanged())
	require.Equal(t, s.CurrentAWM().ID, s.NextAWM().ID)
	require.Len(t, awm.SchedBindings, 2, "each scheduling round's candidate binding is retained")

	// pe0 and pe1 share a leaf id ("pe0") under different cpu parents, so the
	// mask must distinguish them by full path identity, not by GetID alone:
	// exactly one id should have left the current set and one should have
	// entered it.
	peType := pe0.Type()
	if diff := cmp.Diff(1, awm.PreviousSet(peType).Count()); diff != "" {
		t.Errorf("previous bound set size mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, awm.CurrentSet(peType).Count()); diff != "" {
		t.Errorf("current bound set size mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 2, awm.ChangedSet(peType).Count(), "both the vacated and newly bound id are flagged changed")
	require.NotEqual(t, awm.PreviousSet(peType).IDs(), awm.CurrentSet(peType).IDs())

	s.ScheduleCommit()
	stable, _ = s.State()
	require.Equal(t, Running, stable)
	require.Equal(t, awm, s.CurrentAWM())
}

func TestSetResourceConstraintFiltersAWMs(t *testing.T) {
	s := NewSchedulable(100, 0, "100:0", "bq-task", Native, 0)
	p := respath.MustNew("sys0.cpu0.pe0")

	awmLow := &WorkingMode{ID: 1, Value: 1, Requested: raccount.AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 10},
	}}
	awmHigh := &WorkingMode{ID: 2, Value: 2, Requested: raccount.AssignmentMap{
		"sys0.cpu0.pe0": {Amount: 90},
	}}

	recipe := &Recipe{
		AWMs:                []*WorkingMode{awmHigh, awmLow},
		ResourceConstraints: map[string]ResourceConstraint{},
	}
	require.NoError(t, s.SetRecipe(recipe))
	require.Len(t, s.EnabledAWMs(), 2)
	require.Equal(t, 1, s.EnabledAWMs()[0].ID) // sorted by value ascending

	require.NoError(t, s.SetResourceConstraint(p, Upper, 50))
	enabled := s.EnabledAWMs()
	require.Len(t, enabled, 1)
	require.Equal(t, 1, enabled[0].ID)
}
