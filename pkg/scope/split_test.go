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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/group"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
	"github.com/lanl/quo-vadis-go/pkg/hwpool"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// stubRMI serves scope inquiries from in-memory state: task affinities
// keyed by task id, PU-granularity object counts, and the same balanced
// lexicographic cpuset subdivision the daemon uses.
type stubRMI struct {
	mu         sync.Mutex
	affinities map[int64]cpuset.CPUSet
	splitter   *hwloc.Topology
}

func newStubRMI() *stubRMI {
	return &stubRMI{
		affinities: map[int64]cpuset.CPUSet{},
		splitter:   hwloc.New(),
	}
}

func (s *stubRMI) setAffinity(taskid int64, cs string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinities[taskid] = cpuset.MustParse(cs)
}

func (s *stubRMI) GetCpubind(taskid int64) (cpuset.CPUSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.affinities[taskid]
	if !ok {
		return cpuset.New(), qverr.ErrNotFound
	}
	return cs, nil
}

func (s *stubRMI) SetCpubind(taskid int64, cs cpuset.CPUSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affinities[taskid] = cs
	return nil
}

func (s *stubRMI) GetIntrinsicHwpool(taskid int64, kind Intrinsic) (*hwpool.Pool, error) {
	cs, err := s.GetCpubind(taskid)
	if err != nil {
		return nil, err
	}
	return hwpool.NewWithCpuset(cs), nil
}

func (s *stubRMI) GetNobjsInCpuset(typ hwloc.ObjType, cs cpuset.CPUSet) (int, error) {
	return cs.Size(), nil
}

func (s *stubRMI) SplitCpusetByColor(cs cpuset.CPUSet, ncolors, color int) (cpuset.CPUSet, error) {
	return s.splitter.SplitCpusetByColor(cs, ncolors, color)
}

func (s *stubRMI) GetCpusetForNobjs(cs cpuset.CPUSet, typ hwloc.ObjType, n int) (cpuset.CPUSet, error) {
	ids := cs.List()
	if n > len(ids) {
		return cpuset.New(), qverr.ResUnavailable
	}
	return cpuset.New(ids[:n]...), nil
}

func (s *stubRMI) GetDeviceAffinity(typ hwloc.ObjType, devid int) (cpuset.CPUSet, error) {
	return cpuset.New(), qverr.ErrNotFound
}

var _ RMI = (*stubRMI)(nil)

// poolSpec describes the parent pool; build returns one member's copy.
type poolSpec struct {
	cpus string
	gpus int
}

func (ps poolSpec) build() *hwpool.Pool {
	p := hwpool.NewWithCpuset(cpuset.MustParse(ps.cpus))
	for i := 0; i < ps.gpus; i++ {
		p.AddDevice(hwloc.ObjGPU, i,
			fmt.Sprintf("0000:%02x:00.0", 3+i),
			fmt.Sprintf("GPU-%04d", i),
			cpuset.MustParse(ps.cpus))
	}
	return p
}

// memberResult captures one member's view of a completed split.
type memberResult struct {
	err    error
	child  *Scope
	cpuset string
	ntasks int
	gpus   []int
}

// runSplit runs fn once per member over a fresh thread group and
// returns the per-rank results.
func runSplit(t *testing.T, rmi RMI, size int, spec poolSpec, fn func(s *Scope) (*Scope, error)) []memberResult {
	t.Helper()
	tg, err := group.NewThreadGroup(size)
	require.NoError(t, err)

	results := make([]memberResult, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		g, err := tg.Member(rank, int64(1000+rank))
		require.NoError(t, err)
		wg.Add(1)
		go func(rank int, g group.Group) {
			defer wg.Done()
			parent := New(rmi, g, spec.build())
			child, err := fn(parent)
			res := memberResult{err: err, child: child}
			if err == nil {
				res.cpuset = child.Cpuset().String()
				res.ntasks = child.Group().Size()
				for _, d := range child.Pool().DevicesOfType(hwloc.ObjGPU) {
					res.gpus = append(res.gpus, d.ID)
				}
			}
			results[rank] = res
		}(rank, g)
	}
	wg.Wait()
	return results
}

// requireSplitOK asserts that every member succeeded and that the child
// cpusets obey the partition law against the parent.
func requireSplitOK(t *testing.T, results []memberResult, parent string) {
	t.Helper()
	union := cpuset.New()
	for rank, res := range results {
		require.NoError(t, res.err, "rank %d", rank)
		union = union.Union(cpuset.MustParse(res.cpuset))
	}
	assert.Equal(t, parent, union.String(), "children do not cover the parent")
}

func TestSplitUserDefinedEven(t *testing.T) {
	// Parent cpuset 0-7, group of 4, colors [0,0,1,1], two pieces.
	colors := []int{0, 0, 1, 1}
	results := runSplit(t, newStubRMI(), 4, poolSpec{cpus: "0-7"},
		func(s *Scope) (*Scope, error) {
			rank, _ := s.TaskID()
			return s.Split(2, colors[rank])
		})
	requireSplitOK(t, results, "0-7")

	assert.Equal(t, "0-3", results[0].cpuset)
	assert.Equal(t, "0-3", results[1].cpuset)
	assert.Equal(t, "4-7", results[2].cpuset)
	assert.Equal(t, "4-7", results[3].cpuset)
	for rank, res := range results {
		assert.Equal(t, 2, res.ntasks, "rank %d", rank)
	}
}

func TestSplitAffinityPreservingDisjoint(t *testing.T) {
	rmi := newStubRMI()
	rmi.setAffinity(1000, "0-3")
	rmi.setAffinity(1001, "4-7")

	results := runSplit(t, rmi, 2, poolSpec{cpus: "0-7"},
		func(s *Scope) (*Scope, error) {
			return s.Split(2, SplitAffinityPreserving)
		})
	requireSplitOK(t, results, "0-7")

	// Each task keeps the piece its binding lives on.
	assert.Equal(t, "0-3", results[0].cpuset)
	assert.Equal(t, "4-7", results[1].cpuset)
}

func TestSplitAffinityPreservingUnbound(t *testing.T) {
	// Every task is bound to the whole parent: packed in rank order.
	rmi := newStubRMI()
	for rank := 0; rank < 4; rank++ {
		rmi.setAffinity(int64(1000+rank), "0-7")
	}

	results := runSplit(t, rmi, 4, poolSpec{cpus: "0-7"},
		func(s *Scope) (*Scope, error) {
			return s.Split(4, SplitAffinityPreserving)
		})
	requireSplitOK(t, results, "0-7")

	for rank, res := range results {
		want := cpuset.New(2*rank, 2*rank+1).String()
		assert.Equal(t, want, res.cpuset, "rank %d", rank)
	}
}

func TestSplitAffinityPreservingSubsetOverlap(t *testing.T) {
	// Tasks 0 and 1 are bound to disjoint halves; task 2 overlaps both.
	rmi := newStubRMI()
	rmi.setAffinity(1000, "0-3")
	rmi.setAffinity(1001, "4-7")
	rmi.setAffinity(1002, "0-7")

	results := runSplit(t, rmi, 3, poolSpec{cpus: "0-7"},
		func(s *Scope) (*Scope, error) {
			return s.Split(2, SplitAffinityPreserving)
		})
	requireSplitOK(t, results, "0-7")

	assert.Equal(t, "0-3", results[0].cpuset)
	assert.Equal(t, "4-7", results[1].cpuset)
	// The shared task is dealt to the first piece round robin.
	assert.Equal(t, "0-3", results[2].cpuset)
	assert.Equal(t, 2, results[0].ntasks)
	assert.Equal(t, 1, results[1].ntasks)
}

func TestSplitDeviceDistribution(t *testing.T) {
	// Four GPUs split two ways: round robin over the colors.
	colors := []int{0, 1}
	results := runSplit(t, newStubRMI(), 2, poolSpec{cpus: "0-7", gpus: 4},
		func(s *Scope) (*Scope, error) {
			rank, _ := s.TaskID()
			return s.Split(2, colors[rank])
		})
	requireSplitOK(t, results, "0-7")

	assert.Equal(t, []int{0, 2}, results[0].gpus)
	assert.Equal(t, []int{1, 3}, results[1].gpus)
}

func TestSplitDeviceConservation(t *testing.T) {
	colors := []int{0, 1, 1}
	results := runSplit(t, newStubRMI(), 3, poolSpec{cpus: "0-5", gpus: 5},
		func(s *Scope) (*Scope, error) {
			rank, _ := s.TaskID()
			return s.Split(2, colors[rank])
		})
	requireSplitOK(t, results, "0-5")

	// The multiset union of child devices covers the parent's devices:
	// every ordinal lands in exactly one color.
	seen := map[int]int{}
	for _, d := range results[0].gpus {
		seen[d]++
	}
	for _, d := range results[1].gpus {
		seen[d]++
	}
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1, 3: 1, 4: 1}, seen)
	// Members of one color hold identical device sets.
	assert.Equal(t, results[1].gpus, results[2].gpus)
}

func TestSplitMixedColorsFail(t *testing.T) {
	colors := []int{SplitAffinityPreserving, 1}
	rmi := newStubRMI()
	rmi.setAffinity(1000, "0-7")
	rmi.setAffinity(1001, "0-7")

	results := runSplit(t, rmi, 2, poolSpec{cpus: "0-7"},
		func(s *Scope) (*Scope, error) {
			rank, _ := s.TaskID()
			return s.Split(2, colors[rank])
		})
	// Every participant converges on the same error code.
	for rank, res := range results {
		require.Error(t, res.err, "rank %d", rank)
		assert.Equal(t, qverr.ErrInvalidArg, qverr.CodeOf(res.err), "rank %d", rank)
	}
}

func TestSplitDeterminism(t *testing.T) {
	colors := []int{0, 1, 0, 1}
	run := func() [][]byte {
		results := runSplit(t, newStubRMI(), 4, poolSpec{cpus: "0-7", gpus: 2},
			func(s *Scope) (*Scope, error) {
				rank, _ := s.TaskID()
				return s.Split(2, colors[rank])
			})
		encodings := make([][]byte, len(results))
		for rank, res := range results {
			require.NoError(t, res.err)
			buf := bbuff.New()
			require.NoError(t, res.child.Pool().Pack(buf))
			encodings[rank] = buf.Data()
		}
		return encodings
	}
	assert.Equal(t, run(), run())
}

func TestSplitAt(t *testing.T) {
	// The stub counts at PU granularity, so splitting at PU on an
	// all-same-color group collapses into a single piece.
	results := runSplit(t, newStubRMI(), 2, poolSpec{cpus: "0-7"},
		func(s *Scope) (*Scope, error) {
			return s.SplitAt(hwloc.ObjPU, 0)
		})
	requireSplitOK(t, results, "0-7")
	assert.Equal(t, "0-7", results[0].cpuset)
	assert.Equal(t, 2, results[0].ntasks)
}

func TestScopeCreate(t *testing.T) {
	rmi := newStubRMI()
	parent := New(rmi, group.NewProcess(), poolSpec{cpus: "0-7"}.build())

	child, err := parent.Create(hwloc.ObjPU, 2, CreateHintNone)
	require.NoError(t, err)
	assert.Equal(t, "0-1", child.Cpuset().String())

	n, err := child.NTasks()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = parent.Create(hwloc.ObjPU, 99, CreateHintNone)
	require.Error(t, err)
	assert.Equal(t, qverr.ResUnavailable, qverr.CodeOf(err))
}

func TestScopeFreeIdempotent(t *testing.T) {
	parent := New(newStubRMI(), group.NewProcess(), poolSpec{cpus: "0-7"}.build())
	require.NoError(t, parent.Free())
	require.NoError(t, parent.Free())

	_, err := parent.NTasks()
	require.Error(t, err)
	assert.Equal(t, qverr.ErrInternal, qverr.CodeOf(err))
}

func TestScopeDeviceID(t *testing.T) {
	parent := New(newStubRMI(), group.NewProcess(), poolSpec{cpus: "0-7", gpus: 2}.build())

	id, err := parent.DeviceID(hwloc.ObjGPU, 0, DeviceIDUUID)
	require.NoError(t, err)
	assert.Equal(t, "GPU-0000", id)

	id, err = parent.DeviceID(hwloc.ObjGPU, 1, DeviceIDPCIBusID)
	require.NoError(t, err)
	assert.Equal(t, "0000:04:00.0", id)

	id, err = parent.DeviceID(hwloc.ObjGPU, 1, DeviceIDOrdinal)
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	_, err = parent.DeviceID(hwloc.ObjGPU, 5, DeviceIDUUID)
	require.Error(t, err)
	assert.Equal(t, qverr.ErrNotFound, qverr.CodeOf(err))
}
