// Copyright The Quo-Vadis Authors. All Rights Reserved.
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

// Package cpuset carries the bitmap type used for all logical-processor
// sets in quo-vadis. Sets are immutable value types; any receiver that
// needs one beyond the caller's lifetime can retain it as-is.
package cpuset

import (
	"fmt"
	"strings"

	"k8s.io/utils/cpuset"
)

// CPUSet is an alias for k8s.io/utils/cpuset.CPUSet.
type CPUSet = cpuset.CPUSet

var (
	// New is an alias for cpuset.New.
	New = cpuset.New
	// Parse is an alias for cpuset.Parse.
	Parse = cpuset.Parse
)

// MustParse panics if parsing the given cpuset string fails.
func MustParse(s string) cpuset.CPUSet {
	cset, err := cpuset.Parse(s)
	if err != nil {
		panic(fmt.Errorf("failed to parse CPUSet %s: %w", s, err))
	}
	return cset
}

// ListString renders the set in list form, e.g. "0-3,8".
func ListString(c CPUSet) string {
	return c.String()
}

// MaskString renders the set as a hexadecimal bitmask, e.g. "0xf".
func MaskString(c CPUSet) string {
	if c.Size() == 0 {
		return "0x0"
	}
	ids := c.List()
	nwords := ids[len(ids)-1]/64 + 1
	words := make([]uint64, nwords)
	for _, id := range ids {
		words[id/64] |= uint64(1) << (uint(id) % 64)
	}
	var sb strings.Builder
	sb.WriteString("0x")
	fmt.Fprintf(&sb, "%x", words[nwords-1])
	for i := nwords - 2; i >= 0; i-- {
		fmt.Fprintf(&sb, "%016x", words[i])
	}
	return sb.String()
}
