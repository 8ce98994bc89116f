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

package scope

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
	"github.com/lanl/quo-vadis-go/pkg/hwpool"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// splitRoot is the rank that computes every split plan. Rank 0 always
// exists.
const splitRoot = 0

// Split carves the scope into npieces child scopes. A non-negative color
// requests a user-defined split: callers passing the same color share a
// child. The SplitAffinityPreserving sentinel requests a split that
// respects the tasks' current CPU bindings. Split is collective.
func (s *Scope) Split(npieces, color int) (*Scope, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if npieces < 1 {
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad piece count %d", npieces)
	}
	colorp, pool, err := s.splitHardwareResources(npieces, color)
	if err != nil {
		return nil, err
	}
	child, err := s.group.Split(colorp, s.group.ID())
	if err != nil {
		// A transport failure mid-collective leaves the scope in an
		// unknown state across the group.
		s.invalid = true
		return nil, err
	}
	return New(s.rmi, child, pool), nil
}

// splitHardwareResources runs the collective split protocol: gather task
// ids, colors, and pools at the root; compute the plan there; broadcast
// the plan's return code; scatter the per-task color and pool.
func (s *Scope) splitHardwareResources(npieces, color int) (int, *hwpool.Pool, error) {
	g := s.group

	taskids, err := gatherInt64s(g, splitRoot, g.TaskID())
	if err != nil {
		return 0, nil, err
	}
	colors, err := gatherInts(g, splitRoot, color)
	if err != nil {
		return 0, nil, err
	}
	pools, err := gatherPools(g, splitRoot, s.pool)
	if err != nil {
		return 0, nil, err
	}

	rc := qverr.Success
	if g.ID() == splitRoot {
		if err := s.splitDispatch(npieces, colors, taskids, pools); err != nil {
			log.Error("split plan failed: %v", err)
			rc = qverr.CodeOf(err)
			if rc == qverr.Success {
				rc = qverr.ErrSplit
			}
		}
	}
	// Share the plan's return code so no participant hangs in a
	// failing split.
	shared, err := bcastInt(g, splitRoot, int(rc))
	if err != nil {
		return 0, nil, err
	}
	if rc := qverr.Code(shared); rc != qverr.Success {
		return 0, nil, rc
	}

	colorp, err := scatterInts(g, splitRoot, colors)
	if err != nil {
		return 0, nil, err
	}
	pool, err := scatterPools(g, splitRoot, pools)
	if err != nil {
		return 0, nil, err
	}
	return colorp, pool, nil
}

// splitDispatch validates the gathered colors and selects the split
// algorithm. Non-negative colors are an explicit coloring; negative
// values are reserved for automatic coloring sentinels and must be
// uniform across the group.
func (s *Scope) splitDispatch(npieces int, colors []int, taskids []int64, pools []*hwpool.Pool) error {
	sorted := append([]int(nil), colors...)
	sort.Ints(sorted)
	if sorted[0] < 0 {
		if sorted[0] != sorted[len(sorted)-1] {
			return errors.Wrap(qverr.ErrInvalidArg, "mixed automatic and explicit colors")
		}
		switch colors[0] {
		case SplitAffinityPreserving:
			return s.splitAffinityPreserving(npieces, colors, taskids, pools)
		default:
			return errors.Wrapf(qverr.ErrInvalidArg, "unknown split sentinel %d", colors[0])
		}
	}
	return s.splitUserDefined(npieces, colors, pools)
}

// splitUserDefined subdivides the parent cpuset into one piece per
// distinct color, in first-appearance order and clipped to npieces.
// Callers keep the colors they asked for.
func (s *Scope) splitUserDefined(npieces int, colors []int, pools []*hwpool.Pool) error {
	distinct := distinctInOrder(colors)
	if len(distinct) > npieces {
		distinct = distinct[:npieces]
	}
	ncuts := len(distinct)
	piece := map[int]int{}
	for i, c := range distinct {
		piece[c] = i
	}

	for i, color := range colors {
		idx, ok := piece[color]
		if !ok {
			// The color was clipped away; fold it onto the pieces.
			idx = indexOf(distinctInOrder(colors), color) % ncuts
		}
		cs, err := s.rmi.SplitCpusetByColor(s.pool.Cpuset(), ncuts, idx)
		if err != nil {
			return err
		}
		pools[i].Init(cs)
	}
	return s.splitDevicesBasic(npieces, colors, pools)
}

// splitAffinityPreserving maps tasks to pieces of the parent cpuset based
// on how their current CPU bindings overlap the pieces.
func (s *Scope) splitAffinityPreserving(npieces int, colors []int, taskids []int64, pools []*hwpool.Pool) error {
	size := len(pools)

	// Cache the current affinity of every task in the parent group.
	affinities := make([]cpuset.CPUSet, size)
	for i, tid := range taskids {
		cur, err := s.rmi.GetCpubind(tid)
		if err != nil {
			return err
		}
		affinities[i] = cur
	}
	// Straightforward subdivision of the parent cpuset, one piece per
	// color.
	cpusets := make([]cpuset.CPUSet, npieces)
	for color := 0; color < npieces; color++ {
		cs, err := s.rmi.SplitCpusetByColor(s.pool.Cpuset(), npieces, color)
		if err != nil {
			return err
		}
		cpusets[color] = cs
	}
	// Determine which tasks share affinity with each piece.
	camap := map[int]map[int]bool{}
	for color := 0; color < npieces; color++ {
		for tid := 0; tid < size; tid++ {
			if affinities[tid].Intersection(cpusets[color]).Size() > 0 {
				if camap[color] == nil {
					camap[color] = map[int]bool{}
				}
				camap[color][tid] = true
			}
		}
	}
	intersection := kSetIntersection(camap)

	mapped := map[int]bool{}
	switch len(intersection) {
	case 0:
		// Fully disjoint affinities.
		if err := mapDisjointAffinity(pools, npieces, colors, cpusets, camap, mapped); err != nil {
			return err
		}
	case size:
		// Every task overlaps every piece; typical for unbound runs.
		if err := mapPacked(pools, npieces, colors, cpusets, mapped); err != nil {
			return err
		}
	default:
		// A strict subset of tasks share resources: break the sharing,
		// map what has a home, pack the rest.
		makeAffinityMapDisjoint(camap, intersection)
		if err := mapDisjointAffinity(pools, npieces, colors, cpusets, camap, mapped); err != nil {
			return err
		}
		if err := mapPacked(pools, npieces, colors, cpusets, mapped); err != nil {
			return err
		}
	}
	if len(mapped) != size {
		return errors.Wrapf(qverr.ErrInternal,
			"mapped %d of %d tasks", len(mapped), size)
	}
	return s.splitDevicesBasic(npieces, colors, pools)
}

// splitDevicesBasic redistributes the parent pool's devices round-robin
// across the distinct colors chosen by the plan.
func (s *Scope) splitDevicesBasic(npieces int, colors []int, pools []*hwpool.Pool) error {
	// Distinct chosen colors, ascending, clipped to the requested
	// number of pieces.
	chosen := distinctSorted(colors)
	if len(chosen) > npieces {
		chosen = chosen[:npieces]
	}
	// Devices are redistributed from scratch.
	for _, p := range pools {
		p.ReleaseDevices()
	}
	for _, devt := range hwloc.SupportedDeviceTypes() {
		devs := s.pool.DevicesOfType(devt)
		buckets := map[int][]*hwpool.DeviceInfo{}
		devi := 0
		for devi < len(devs) {
			for _, c := range chosen {
				if devi >= len(devs) {
					break
				}
				buckets[c] = append(buckets[c], devs[devi])
				devi++
			}
		}
		for i, color := range colors {
			for _, d := range buckets[color] {
				pools[i].AddDeviceInfo(d)
			}
		}
	}
	return nil
}

// mapDisjointAffinity assigns tasks to the pieces their affinity
// intersects, in color order. Tasks already placed by another mapper are
// left alone.
func mapDisjointAffinity(pools []*hwpool.Pool, npieces int, colors []int, cpusets []cpuset.CPUSet, camap map[int]map[int]bool, mapped map[int]bool) error {
	for color := 0; color < npieces; color++ {
		if len(mapped) == len(pools) {
			break
		}
		for _, tid := range sortedKeys(camap[color]) {
			if mapped[tid] {
				continue
			}
			colors[tid] = color
			pools[tid].Init(cpusets[color])
			if err := markMapped(mapped, tid); err != nil {
				return err
			}
		}
	}
	return nil
}

// mapPacked distributes the still-unmapped tasks contiguously, at most
// ceil(ntasks/npieces) per piece, in rank order.
func mapPacked(pools []*hwpool.Pool, npieces int, colors []int, cpusets []cpuset.CPUSet, mapped map[int]bool) error {
	size := len(pools)
	maxPerColor := (size + npieces - 1) / npieces
	tid := 0
	for color := 0; color < npieces && tid < size; color++ {
		for n := 0; n < maxPerColor && tid < size; tid++ {
			if mapped[tid] {
				continue
			}
			colors[tid] = color
			pools[tid].Init(cpusets[color])
			if err := markMapped(mapped, tid); err != nil {
				return err
			}
			n++
		}
	}
	return nil
}

// markMapped records a task placement. Placing a task twice is an
// internal bug.
func markMapped(mapped map[int]bool, tid int) error {
	if mapped[tid] {
		return errors.Wrapf(qverr.ErrInternal, "task %d mapped twice", tid)
	}
	mapped[tid] = true
	return nil
}

// kSetIntersection returns the task ids present in every non-empty entry
// of the color-affinity map.
func kSetIntersection(camap map[int]map[int]bool) map[int]bool {
	result := map[int]bool{}
	first := true
	for _, color := range sortedKeys(boolKeys(camap)) {
		ids := camap[color]
		if len(ids) == 0 {
			continue
		}
		if first {
			for tid := range ids {
				result[tid] = true
			}
			first = false
			continue
		}
		for tid := range result {
			if !ids[tid] {
				delete(result, tid)
			}
		}
	}
	return result
}

// makeAffinityMapDisjoint removes affinity sharing from the map: task ids
// in the intersection are dealt round-robin to the colors that contained
// them, at most ceil(|intersection|/ncolors) per color; unshared ids stay
// in place.
func makeAffinityMapDisjoint(camap map[int]map[int]bool, intersection map[int]bool) {
	ncolors := len(camap)
	if ncolors == 0 || len(intersection) == 0 {
		return
	}
	maxPerColor := (len(intersection) + ncolors - 1) / ncolors

	remaining := map[int]bool{}
	for tid := range intersection {
		remaining[tid] = true
	}
	for _, color := range sortedKeys(boolKeys(camap)) {
		ids := camap[color]
		disjoint := map[int]bool{}
		for tid := range ids {
			if !intersection[tid] {
				disjoint[tid] = true
			}
		}
		taken := 0
		for _, tid := range sortedKeys(ids) {
			if !remaining[tid] {
				continue
			}
			disjoint[tid] = true
			delete(remaining, tid)
			taken++
			if taken == maxPerColor || len(remaining) == 0 {
				break
			}
		}
		camap[color] = disjoint
	}
}

// distinctInOrder returns the distinct values in first-appearance order.
func distinctInOrder(values []int) []int {
	seen := map[int]bool{}
	distinct := []int{}
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			distinct = append(distinct, v)
		}
	}
	return distinct
}

// distinctSorted returns the distinct values in ascending order.
func distinctSorted(values []int) []int {
	distinct := distinctInOrder(values)
	sort.Ints(distinct)
	return distinct
}

func indexOf(values []int, v int) int {
	for i, x := range values {
		if x == v {
			return i
		}
	}
	return -1
}

// sortedKeys returns the keys of a set in ascending order.
func sortedKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// boolKeys views the color-affinity map as a set of its colors.
func boolKeys(camap map[int]map[int]bool) map[int]bool {
	set := map[int]bool{}
	for c := range camap {
		set[c] = true
	}
	return set
}
