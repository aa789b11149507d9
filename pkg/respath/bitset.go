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
	"math/bits"
	"strconv"
	"strings"
)

// wordBits is the width of one Bitset word.
const wordBits = 64

// Bitset is a growable set of non-negative resource ids, used to bind a
// schedulable to specific processing elements or to mask out ids a policy
// should not consider. It mirrors the role of the teacher-language
// ResourceBitset used for PE bindings (original_source/bbque/app/working_mode.cc,
// original_source/bbque/pp/linux_platform_proxy.cc).
type Bitset struct {
	words []uint64
}

// NewBitset creates an empty bitset.
func NewBitset() *Bitset { return &Bitset{} }

// BitsetFromIDs creates a bitset with exactly the given ids set.
func BitsetFromIDs(ids ...ID) *Bitset {
	b := NewBitset()
	for _, id := range ids {
		b.Set(id)
	}
	return b
}

func (b *Bitset) ensure(word int) {
	for len(b.words) <= word {
		b.words = append(b.words, 0)
	}
}

// Set marks id as present.
func (b *Bitset) Set(id ID) {
	if id < 0 {
		return
	}
	w, bit := int(id)/wordBits, uint(int(id)%wordBits)
	b.ensure(w)
	b.words[w] |= 1 << bit
}

// Clear marks id as absent.
func (b *Bitset) Clear(id ID) {
	if id < 0 || int(id)/wordBits >= len(b.words) {
		return
	}
	w, bit := int(id)/wordBits, uint(int(id)%wordBits)
	b.words[w] &^= 1 << bit
}

// Test reports whether id is present.
func (b *Bitset) Test(id ID) bool {
	if id < 0 {
		return false
	}
	w := int(id) / wordBits
	if w >= len(b.words) {
		return false
	}
	bit := uint(int(id) % wordBits)
	return b.words[w]&(1<<bit) != 0
}

// Count returns the number of ids present.
func (b *Bitset) Count() int {
	n := 0
	for _, w := range b.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// IDs returns the present ids in ascending order.
func (b *Bitset) IDs() []ID {
	var out []ID
	for wi, w := range b.words {
		for w != 0 {
			tz := bits.TrailingZeros64(w)
			out = append(out, ID(wi*wordBits+tz))
			w &^= 1 << uint(tz)
		}
	}
	return out
}

// And returns the intersection of b and other.
func (b *Bitset) And(other *Bitset) *Bitset {
	n := len(b.words)
	if len(other.words) < n {
		n = len(other.words)
	}
	out := NewBitset()
	out.ensure(n - 1)
	for i := 0; i < n; i++ {
		out.words[i] = b.words[i] & other.words[i]
	}
	return out
}

// Or returns the union of b and other.
func (b *Bitset) Or(other *Bitset) *Bitset {
	n := len(b.words)
	if len(other.words) > n {
		n = len(other.words)
	}
	out := NewBitset()
	out.ensure(n - 1)
	for i := range out.words {
		var x, y uint64
		if i < len(b.words) {
			x = b.words[i]
		}
		if i < len(other.words) {
			y = other.words[i]
		}
		out.words[i] = x | y
	}
	return out
}

// AndNot returns the ids in b that are not in other.
func (b *Bitset) AndNot(other *Bitset) *Bitset {
	out := NewBitset()
	out.ensure(len(b.words) - 1)
	for i, w := range b.words {
		var y uint64
		if i < len(other.words) {
			y = other.words[i]
		}
		out.words[i] = w &^ y
	}
	return out
}

// Empty reports whether no id is present.
func (b *Bitset) Empty() bool { return b.Count() == 0 }

// String renders the set as a comma-separated list of ids, e.g. "0,1,4".
func (b *Bitset) String() string {
	ids := b.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(int(id))
	}
	return strings.Join(parts, ",")
}
