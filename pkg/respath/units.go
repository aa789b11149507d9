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
	"strconv"
	"strings"

	"github.com/bbque/rtrm/pkg/rtrmerr"
)

// unitScale mirrors original_source/include/bbque/res/resource_utils.h's
// K/M/G amount suffixes, converted into a canonical scalar multiplier.
var unitScale = map[string]uint64{
	"":  1,
	"k": 1000,
	"K": 1000,
	"m": 1000 * 1000,
	"M": 1000 * 1000,
	"g": 1000 * 1000 * 1000,
	"G": 1000 * 1000 * 1000,
}

// ParseAmount converts a numeric string with an optional K/M/G suffix into
// its canonical scalar value (spec.md §4.A Register: "converting units into
// a canonical scalar").
func ParseAmount(value string) (uint64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, rtrmerr.Wrap("respath", rtrmerr.ErrInvalidPath, "empty amount")
	}

	suffix := value[len(value)-1:]
	scale, hasSuffix := unitScale[suffix]
	numPart := value
	if hasSuffix && suffix != "" {
		numPart = value[:len(value)-1]
	} else {
		scale = 1
	}

	n, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, rtrmerr.Wrap("respath", rtrmerr.ErrInvalidPath, "invalid amount %q: %v", value, err)
	}
	return n * scale, nil
}
