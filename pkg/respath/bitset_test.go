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

func TestBitsetSetClearTest(t *testing.T) {
	b := NewBitset()
	require.True(t, b.Empty())

	b.Set(3)
	b.Set(65)
	require.True(t, b.Test(3))
	require.True(t, b.Test(65))
	require.False(t, b.Test(4))
	require.Equal(t, 2, b.Count())

	b.Clear(3)
	require.False(t, b.Test(3))
	require.Equal(t, 1, b.Count())
}

func TestBitsetFromIDsAndIDs(t *testing.T) {
	b := BitsetFromIDs(0, 2, 4)
	require.Equal(t, []ID{0, 2, 4}, b.IDs())
}

func TestBitsetAndOrAndNot(t *testing.T) {
	a := BitsetFromIDs(0, 1, 2)
	b := BitsetFromIDs(1, 2, 3)

	require.Equal(t, []ID{1, 2}, a.And(b).IDs())
	require.Equal(t, []ID{0, 1, 2, 3}, a.Or(b).IDs())
	require.Equal(t, []ID{0}, a.AndNot(b).IDs())
}

func TestBitsetString(t *testing.T) {
	b := BitsetFromIDs(0, 1, 4)
	require.Equal(t, "0,1,4", b.String())
}
