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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndString(t *testing.T) {
	p, err := New("sys0.cpu1.pe2")
	require.NoError(t, err)
	require.Equal(t, "sys0.cpu1.pe2", p.String())
	require.Equal(t, 3, p.NumLevels())
	require.Equal(t, ProcElement, p.Type())
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New("sys0.foo1")
	require.Error(t, err)
}

func TestNewRejectsDuplicateType(t *testing.T) {
	_, err := New("sys0.cpu1.cpu2")
	require.Error(t, err)
}

func TestTemplateAndMixed(t *testing.T) {
	tmpl := MustNew("sys.cpu.pe")
	require.True(t, tmpl.IsTemplate())
	require.False(t, tmpl.IsMixed())

	mixed := MustNew("sys0.cpu.pe2")
	require.False(t, mixed.IsTemplate())
	require.True(t, mixed.IsMixed())
}

func TestCompare(t *testing.T) {
	a := MustNew("sys0.cpu1.pe2")
	b := MustNew("sys0.cpu1.pe2")
	c := MustNew("sys0.cpu1.pe3")
	d := MustNew("sys0.cpu1")

	require.Equal(t, Equal, a.Compare(b))
	require.Equal(t, EqualTypes, a.Compare(c))
	require.Equal(t, NotEqual, a.Compare(d))
}

func TestMatches(t *testing.T) {
	concrete := MustNew("sys0.cpu1.pe2")

	require.True(t, concrete.Matches(MustNew("sys0.cpu1.pe2"), Exact))
	require.False(t, concrete.Matches(MustNew("sys0.cpu1.pe3"), Exact))

	require.True(t, concrete.Matches(MustNew("sys.cpu1.pe"), Mixed))
	require.False(t, concrete.Matches(MustNew("sys.cpu2.pe"), Mixed))

	require.True(t, concrete.Matches(MustNew("sys.cpu.pe"), Template))
}

func TestGetIDAndParentType(t *testing.T) {
	p := MustNew("sys0.cpu1.pe2")
	require.Equal(t, ID(1), p.GetID(CPU))
	require.Equal(t, Unset, p.GetID(Memory))
	require.Equal(t, CPU, p.ParentType(ProcElement))
	require.Equal(t, System, p.ParentType(CPU))
}

func TestParseAmount(t *testing.T) {
	cases := map[string]uint64{
		"100":  100,
		"4G":   4_000_000_000,
		"16M":  16_000_000,
		"2k":   2000,
		"0":    0,
	}
	for in, want := range cases {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestParseAmountInvalid(t *testing.T) {
	_, err := ParseAmount("")
	require.Error(t, err)
	_, err = ParseAmount("abc")
	require.Error(t, err)
}
