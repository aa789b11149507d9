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
	"errors"
	"testing"

	"github.com/bbque/rtrm/pkg/rtrmerr"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	tree := NewTree()
	p := MustNew("sys0.cpu1.pe2")

	r1, err := tree.Register(p, "4", "genericPE")
	require.NoError(t, err)
	require.Equal(t, uint64(4), r1.Total())

	r2, err := tree.Register(p, "4", "genericPE")
	require.NoError(t, err)
	require.Same(t, r1, r2)
}

func TestRegisterRepeatDifferentAmountRebinds(t *testing.T) {
	tree := NewTree()
	p := MustNew("sys0.mem0")

	r, err := tree.Register(p, "4G", "ddr4")
	require.NoError(t, err)
	require.Equal(t, uint64(4_000_000_000), r.Total())

	r2, err := tree.Register(p, "8G", "ddr4")
	require.NoError(t, err)
	require.Equal(t, uint64(8_000_000_000), r2.Total())
}

func TestUpdateOverflow(t *testing.T) {
	tree := NewTree()
	p := MustNew("sys0.cpu1")
	_, err := tree.Register(p, "100", "cpu")
	require.NoError(t, err)

	err = tree.Update(p, 200, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, rtrmerr.ErrOverflow))
}

func TestUpdateBelowUsedReserves(t *testing.T) {
	tree := NewTree()
	p := MustNew("sys0.cpu1")
	r, err := tree.Register(p, "100", "cpu")
	require.NoError(t, err)

	err = tree.Update(p, 40, 60)
	require.NoError(t, err)
	require.Equal(t, uint64(40), r.Total())
	require.Equal(t, uint64(20), r.Reserved())
}

func TestSetOnlineOffline(t *testing.T) {
	tree := NewTree()
	p := MustNew("sys0.cpu1")
	r, err := tree.Register(p, "100", "cpu")
	require.NoError(t, err)
	require.True(t, r.Online())

	require.NoError(t, tree.SetOffline(p))
	require.False(t, r.Online())

	require.NoError(t, tree.SetOnline(p))
	require.True(t, r.Online())
}

func TestReserveOverwrites(t *testing.T) {
	tree := NewTree()
	p := MustNew("sys0.cpu1")
	r, err := tree.Register(p, "100", "cpu")
	require.NoError(t, err)

	require.NoError(t, tree.Reserve(p, 30))
	require.Equal(t, uint64(30), r.Reserved())
	require.Equal(t, uint64(70), r.Unreserved())

	require.NoError(t, tree.Reserve(p, 10))
	require.Equal(t, uint64(10), r.Reserved())
}

func TestFindExactMissing(t *testing.T) {
	tree := NewTree()
	_, err := tree.Find(MustNew("sys0.cpu1"), Exact)
	require.Error(t, err)
	require.True(t, errors.Is(err, rtrmerr.ErrNoSuchResource))
}

func TestFindListTemplate(t *testing.T) {
	tree := NewTree()
	for i := 0; i < 3; i++ {
		p := MustNew("sys0.cpu" + itoaTest(i) + ".pe0")
		_, err := tree.Register(p, "1", "pe")
		require.NoError(t, err)
	}

	list := tree.FindList(MustNew("sys.cpu.pe"), Template)
	require.Len(t, list, 3)
}

func itoaTest(n int) string {
	return string(rune('0' + n))
}
