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

// Package respath implements the resource tree and path namespace: a
// hierarchical namespace of physical resources addressed by
// dot-separated paths such as "sys0.cpu1.pe2", and the append-only tree of
// Resource nodes those paths address.
//
// The path algebra is grounded on original_source/include/bbque/res/resource_path.h
// (Append/Concat/Compare/IsTemplate/GetID/ParentType); the tree and
// online/offline/reserve operations generalize the discovery-tree shape of
// the teacher's pkg/topology onto the spec's closed resource-type set.
package respath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// Type is one of the closed set of resource kinds a path level can name.
type Type int

const (
	// System is the root resource type.
	System Type = iota
	// CPU identifies a CPU package/socket.
	CPU
	// ProcElement identifies a single processing element (core/thread) of a CPU.
	ProcElement
	// Memory identifies system or per-tile memory.
	Memory
	// NetworkIF identifies a network interface.
	NetworkIF
	// Storage identifies a storage device.
	Storage
	// Accelerator identifies an accelerator device (e.g. a GPU).
	Accelerator

	numTypes
)

var typeNames = map[Type]string{
	System:      "sys",
	CPU:         "cpu",
	ProcElement: "pe",
	Memory:      "mem",
	NetworkIF:   "net",
	Storage:     "stor",
	Accelerator: "acc",
}

var namesToType = func() map[string]Type {
	m := make(map[string]Type, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	return m
}()

// String returns the canonical token used in path strings for t.
func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ID is the numeric identifier at one path level; -1 (Unset) means "no id".
type ID int32

// Unset marks a template level: a type without a concrete id.
const Unset ID = -1

// Elem is one (type, id) level of a Path.
type Elem struct {
	Type Type
	ID   ID
}

// Path is an ordered, value-typed sequence of Elem. Paths are cheap to copy.
type Path struct {
	elems []Elem
}

// CompareResult is the result of comparing two paths.
type CompareResult int

const (
	// Equal means both type sequence and ids match exactly.
	Equal CompareResult = iota
	// EqualTypes means the type sequence matches but at least one id differs.
	EqualTypes
	// NotEqual means the type sequences themselves differ.
	NotEqual
)

// MatchMode selects how Find/FindList compare a query path against the tree.
type MatchMode int

const (
	// Exact requires type and id equality at every level.
	Exact MatchMode = iota
	// Mixed requires id equality only at levels where the query path has an id.
	Mixed
	// Template matches on type sequence only, ignoring all ids.
	Template
	// FirstMatch compares like Mixed (same length, ids checked only where the
	// query sets them) and returns the first matching tree entry.
	FirstMatch
)

// New parses a dot-separated resource path string, e.g. "sys0.cpu1.pe2" or
// the template form "sys.cpu.pe". It fails with ErrInvalidPath on malformed
// strings (unknown type token, or a type repeated within the same path).
func New(str string) (Path, error) {
	var p Path
	if str == "" {
		return p, rtrmerr.Wrap("respath", rtrmerr.ErrInvalidPath, "empty path")
	}
	for _, tok := range strings.Split(str, ".") {
		if err := p.appendToken(tok); err != nil {
			return Path{}, err
		}
	}
	return p, nil
}

// MustNew is New but panics on error; intended for static paths in tests and
// constant tables, never for user/wire input.
func MustNew(str string) Path {
	p, err := New(str)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Path) appendToken(tok string) error {
	typeStr := tok
	idStr := ""
	for i, r := range tok {
		if r >= '0' && r <= '9' {
			typeStr, idStr = tok[:i], tok[i:]
			break
		}
	}

	t, ok := namesToType[typeStr]
	if !ok {
		return rtrmerr.Wrap("respath", rtrmerr.ErrInvalidPath, "unknown resource type %q", typeStr)
	}
	for _, e := range p.elems {
		if e.Type == t {
			return rtrmerr.Wrap("respath", rtrmerr.ErrInvalidPath, "type %q repeated in path", typeStr)
		}
	}

	id := Unset
	if idStr != "" {
		n, err := strconv.Atoi(idStr)
		if err != nil {
			return rtrmerr.Wrap("respath", rtrmerr.ErrInvalidPath, "invalid id in %q: %v", tok, err)
		}
		id = ID(n)
	}

	p.elems = append(p.elems, Elem{Type: t, ID: id})
	return nil
}

// Append adds one (type, id) level, returning ErrInvalidPath if the type
// already appears in the path.
func (p *Path) Append(t Type, id ID) error {
	for _, e := range p.elems {
		if e.Type == t {
			return rtrmerr.Wrap("respath", rtrmerr.ErrInvalidPath, "type %q repeated in path", t)
		}
	}
	p.elems = append(p.elems, Elem{Type: t, ID: id})
	return nil
}

// Concat appends all of other's levels that aren't already present in p.
func (p *Path) Concat(other Path) {
	have := map[Type]bool{}
	for _, e := range p.elems {
		have[e.Type] = true
	}
	for _, e := range other.elems {
		if !have[e.Type] {
			p.elems = append(p.elems, e)
			have[e.Type] = true
		}
	}
}

// NumLevels returns the number of levels in the path.
func (p Path) NumLevels() int { return len(p.elems) }

// Elems returns a copy of the path's levels.
func (p Path) Elems() []Elem {
	out := make([]Elem, len(p.elems))
	copy(out, p.elems)
	return out
}

// Type returns the type of the last (most specific) level, the "global type".
func (p Path) Type() Type {
	if len(p.elems) == 0 {
		return System
	}
	return p.elems[len(p.elems)-1].Type
}

// ParentType returns the type of the level preceding r_type, or System if
// r_type is the first level or not present.
func (p Path) ParentType(t Type) Type {
	for i, e := range p.elems {
		if e.Type == t {
			if i == 0 {
				return System
			}
			return p.elems[i-1].Type
		}
	}
	return System
}

// GetID returns the id bound to type t in the path, or Unset if t isn't present.
func (p Path) GetID(t Type) ID {
	for _, e := range p.elems {
		if e.Type == t {
			return e.ID
		}
	}
	return Unset
}

// GetLevel returns the zero-based depth of type t in the path, or -1.
func (p Path) GetLevel(t Type) int {
	for i, e := range p.elems {
		if e.Type == t {
			return i
		}
	}
	return -1
}

// IsTemplate reports whether every level in the path is id-less.
func (p Path) IsTemplate() bool {
	for _, e := range p.elems {
		if e.ID != Unset {
			return false
		}
	}
	return true
}

// IsMixed reports whether some but not all levels carry an id.
func (p Path) IsMixed() bool {
	hasID, hasUnset := false, false
	for _, e := range p.elems {
		if e.ID == Unset {
			hasUnset = true
		} else {
			hasID = true
		}
	}
	return hasID && hasUnset
}

// String renders the path in canonical dot-separated form.
func (p Path) String() string {
	parts := make([]string, len(p.elems))
	for i, e := range p.elems {
		if e.ID == Unset {
			parts[i] = e.Type.String()
		} else {
			parts[i] = fmt.Sprintf("%s%d", e.Type, e.ID)
		}
	}
	return strings.Join(parts, ".")
}

// Compare compares p against other level by level.
func (p Path) Compare(other Path) CompareResult {
	if len(p.elems) != len(other.elems) {
		return NotEqual
	}
	idsEqual := true
	for i, e := range p.elems {
		if e.Type != other.elems[i].Type {
			return NotEqual
		}
		if e.ID != other.elems[i].ID {
			idsEqual = false
		}
	}
	if idsEqual {
		return Equal
	}
	return EqualTypes
}

// Equal reports whether p and other are identical, type and id.
func (p Path) Equal(other Path) bool { return p.Compare(other) == Equal }

// Matches reports whether p satisfies other as a query, under mode.
//
//   - Exact: every level's type and id must match.
//   - Mixed: types must match; ids must match wherever the query (other) has one.
//   - Template: only the type sequence must match.
//   - FirstMatch: same as Mixed, used by callers that only want the first hit.
func (p Path) Matches(query Path, mode MatchMode) bool {
	if len(p.elems) != len(query.elems) {
		return false
	}
	for i, e := range p.elems {
		q := query.elems[i]
		if e.Type != q.Type {
			return false
		}
		switch mode {
		case Template:
			continue
		case Exact:
			if e.ID != q.ID {
				return false
			}
		case Mixed, FirstMatch:
			if q.ID != Unset && e.ID != q.ID {
				return false
			}
		}
	}
	return true
}

// Less provides a total order over paths, for use as a map/sort key.
func (p Path) Less(other Path) bool {
	n := len(p.elems)
	if len(other.elems) < n {
		n = len(other.elems)
	}
	for i := 0; i < n; i++ {
		if p.elems[i].Type != other.elems[i].Type {
			return p.elems[i].Type < other.elems[i].Type
		}
		if p.elems[i].ID != other.elems[i].ID {
			return p.elems[i].ID < other.elems[i].ID
		}
	}
	return len(p.elems) < len(other.elems)
}

// Canonical path-template shorthands (SPEC_FULL.md §4.K), adapted from
// original_source/include/bbque/res/resource_accounter_status.h's
// RSRC_SYS_MEM/RSRC_CLUST_PE path-template macros onto this package's flat
// (no tile/cluster level) type set, so policies can refer to "the system
// memory template" or "a processing element template" without spelling out
// the dotted string each time.
var (
	// TemplateSystemMemory is the template path for system-wide memory.
	TemplateSystemMemory = MustNew("sys.mem")
	// TemplateProcElement is the template path for any CPU's processing
	// elements, the closest equivalent of RSRC_CLUST_PE once tile/cluster
	// levels collapse into a single CPU level.
	TemplateProcElement = MustNew("sys.cpu.pe")
)
