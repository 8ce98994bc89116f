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

package group

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// collective synchronizes one in-process group. A round accepts one
// contribution per member, computes a per-member result once everyone has
// arrived, and admits the next round only after every member has read its
// result.
type collective struct {
	mu       sync.Mutex
	cond     *sync.Cond
	size     int
	gen      uint64
	arrived  int
	departed int
	draining bool
	slots    []interface{}
	results  []interface{}
}

func newCollective(size int) *collective {
	c := &collective{
		size:  size,
		slots: make([]interface{}, size),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// exchange deposits the caller's contribution and returns its share of
// the round result. compute runs exactly once per round, on the last
// arriver, with the rank-indexed contributions.
func (c *collective) exchange(rank int, in interface{}, compute func([]interface{}) []interface{}) interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.draining {
		c.cond.Wait()
	}
	myGen := c.gen
	c.slots[rank] = in
	c.arrived++
	if c.arrived == c.size {
		c.results = compute(c.slots)
		c.arrived = 0
		c.draining = true
		c.gen++
		c.cond.Broadcast()
	} else {
		for c.gen == myGen {
			c.cond.Wait()
		}
	}

	var out interface{}
	if c.results != nil {
		out = c.results[rank]
	}
	c.departed++
	if c.departed == c.size {
		c.departed = 0
		c.draining = false
		c.slots = make([]interface{}, c.size)
		c.results = nil
		c.cond.Broadcast()
	}
	return out
}

// ThreadGroup is the shared state of an in-process group whose members
// run on separate threads of one process.
type ThreadGroup struct {
	size int
	coll *collective
}

// NewThreadGroup creates the shared state for an in-process group of the
// given size.
func NewThreadGroup(size int) (*ThreadGroup, error) {
	if size < 1 {
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad group size %d", size)
	}
	return &ThreadGroup{size: size, coll: newCollective(size)}, nil
}

// Member returns the group handle of the given rank. Each rank must be
// claimed by exactly one task; taskid is the task's identifier (for OS
// threads, typically the TID).
func (tg *ThreadGroup) Member(rank int, taskid int64) (Group, error) {
	if rank < 0 || rank >= tg.size {
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad rank %d of %d", rank, tg.size)
	}
	return &threadMember{shared: tg, rank: rank, taskid: taskid}, nil
}

// threadMember is one member's handle on a ThreadGroup.
type threadMember struct {
	shared *ThreadGroup
	rank   int
	taskid int64
}

func (m *threadMember) ID() int {
	return m.rank
}

func (m *threadMember) Size() int {
	return m.shared.size
}

func (m *threadMember) TaskID() int64 {
	return m.taskid
}

func (m *threadMember) Barrier() error {
	m.shared.coll.exchange(m.rank, nil, func([]interface{}) []interface{} {
		return nil
	})
	return nil
}

func (m *threadMember) Gather(tx *bbuff.Buffer, root int) ([]*bbuff.Buffer, error) {
	if root < 0 || root >= m.shared.size {
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad root %d", root)
	}
	out := m.shared.coll.exchange(m.rank, tx, func(slots []interface{}) []interface{} {
		all := make([]*bbuff.Buffer, len(slots))
		for i, s := range slots {
			all[i], _ = s.(*bbuff.Buffer)
		}
		results := make([]interface{}, len(slots))
		results[root] = all
		return results
	})
	if out == nil {
		return nil, nil
	}
	return out.([]*bbuff.Buffer), nil
}

func (m *threadMember) Scatter(tx []*bbuff.Buffer, root int) (*bbuff.Buffer, error) {
	if root < 0 || root >= m.shared.size {
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad root %d", root)
	}
	if m.rank == root && len(tx) != m.shared.size {
		return nil, errors.Wrapf(qverr.ErrInvalidArg,
			"scatter of %d buffers to %d members", len(tx), m.shared.size)
	}
	var in interface{}
	if m.rank == root {
		in = tx
	}
	out := m.shared.coll.exchange(m.rank, in, func(slots []interface{}) []interface{} {
		bufs, ok := slots[root].([]*bbuff.Buffer)
		results := make([]interface{}, len(slots))
		if !ok {
			return results
		}
		for i := range results {
			results[i] = bufs[i]
		}
		return results
	})
	buf, _ := out.(*bbuff.Buffer)
	if buf == nil {
		return nil, errors.Wrap(qverr.ErrInternal, "scatter produced no buffer")
	}
	return buf, nil
}

// splitEntry is one member's contribution to a collective split.
type splitEntry struct {
	color, key, rank int
	taskid           int64
}

// splitResult is one member's share of a completed split.
type splitResult struct {
	shared *ThreadGroup
	rank   int
}

func (m *threadMember) Split(color, key int) (Group, error) {
	in := splitEntry{color: color, key: key, rank: m.rank, taskid: m.taskid}
	out := m.shared.coll.exchange(m.rank, in, func(slots []interface{}) []interface{} {
		entries := make([]splitEntry, len(slots))
		for i, s := range slots {
			entries[i] = s.(splitEntry)
		}
		// Partition by color; order each child by ascending (key, rank).
		byColor := map[int][]splitEntry{}
		for _, e := range entries {
			byColor[e.color] = append(byColor[e.color], e)
		}
		results := make([]interface{}, len(slots))
		for _, members := range byColor {
			sort.Slice(members, func(i, j int) bool {
				if members[i].key != members[j].key {
					return members[i].key < members[j].key
				}
				return members[i].rank < members[j].rank
			})
			child := &ThreadGroup{
				size: len(members),
				coll: newCollective(len(members)),
			}
			for newRank, e := range members {
				results[e.rank] = splitResult{shared: child, rank: newRank}
			}
		}
		return results
	})
	res, ok := out.(splitResult)
	if !ok {
		return nil, errors.Wrap(qverr.ErrInternal, "split produced no child")
	}
	return &threadMember{shared: res.shared, rank: res.rank, taskid: m.taskid}, nil
}

func (m *threadMember) Self() (Group, error) {
	return newSelf(m.taskid), nil
}
