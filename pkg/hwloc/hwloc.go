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

// Package hwloc models the hardware topology of a compute node. The
// topology is discovered from sysfs or imported from a previously exported
// XML file, and is read-only once loaded. It provides the object and
// device lookups, bitmap algebra, and CPU-binding primitives the rest of
// quo-vadis is built on.
package hwloc

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	logger "github.com/lanl/quo-vadis-go/pkg/log"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

var log = logger.Get("hwloc")

// Topology is the in-memory hardware topology of a node. It is read-only
// after a successful Load, LoadXML, or DiscoverAt and safe for concurrent
// readers.
type Topology struct {
	logger.Logger
	loaded  bool
	machine cpuset.CPUSet
	objs    map[ObjType][]*Object
	devices []*Device
}

// New returns a new, unloaded Topology.
func New() *Topology {
	return &Topology{
		Logger: log,
		objs:   make(map[ObjType][]*Object),
	}
}

// Load discovers the topology of the running system.
func (t *Topology) Load() error {
	return t.DiscoverAt("")
}

// Loaded reports whether the topology has been loaded.
func (t *Topology) Loaded() bool {
	return t.loaded
}

func (t *Topology) requireLoaded() error {
	if !t.loaded {
		return errors.Wrap(qverr.ErrHwloc, "topology not loaded")
	}
	return nil
}

// Machine returns the cpuset spanning the whole node.
func (t *Topology) Machine() cpuset.CPUSet {
	return t.machine
}

// Devices returns the discovered devices of the given type, ordered by
// PCI bus id.
func (t *Topology) Devices(typ ObjType) []*Device {
	devs := []*Device{}
	for _, d := range t.devices {
		if d.Type == typ {
			devs = append(devs, d)
		}
	}
	return devs
}

// ObjTypeDepth returns the fixed tree depth of a CPU-side object type.
func (t *Topology) ObjTypeDepth(typ ObjType) (int, error) {
	d, ok := objTypeDepths[typ]
	if !ok {
		return 0, errors.Wrapf(qverr.ErrInvalidArg, "type %v has no depth", typ)
	}
	return d, nil
}

// objsAtDepth returns the objects of the type living at the given depth.
func (t *Topology) objsAtDepth(depth int) ([]*Object, error) {
	for typ, d := range objTypeDepths {
		if d == depth {
			return t.objs[typ], nil
		}
	}
	return nil, errors.Wrapf(qverr.ErrInvalidArg, "no objects at depth %d", depth)
}

// NObjsByType returns the number of objects of the given type in the
// whole topology.
func (t *Topology) NObjsByType(typ ObjType) (int, error) {
	if err := t.requireLoaded(); err != nil {
		return 0, err
	}
	if typ.IsDevice() {
		return len(t.Devices(typ)), nil
	}
	if _, ok := objTypeDepths[typ]; !ok {
		return 0, errors.Wrapf(qverr.ErrInvalidArg, "bad object type %d", typ)
	}
	return len(t.objs[typ]), nil
}

// NObjsInCpuset returns the number of objects of the given CPU-side type
// fully contained in the given cpuset.
func (t *Topology) NObjsInCpuset(typ ObjType, cs cpuset.CPUSet) (int, error) {
	if err := t.requireLoaded(); err != nil {
		return 0, err
	}
	if _, ok := objTypeDepths[typ]; !ok {
		return 0, errors.Wrapf(qverr.ErrInvalidArg, "bad object type %d", typ)
	}
	n := 0
	for _, obj := range t.objs[typ] {
		if obj.CPUs.Size() > 0 && obj.CPUs.IsSubsetOf(cs) {
			n++
		}
	}
	return n, nil
}

// ObjInCpusetByDepth returns the cpuset of the index-th object at the
// given depth that is fully contained in cs.
func (t *Topology) ObjInCpusetByDepth(cs cpuset.CPUSet, depth, index int) (cpuset.CPUSet, error) {
	if err := t.requireLoaded(); err != nil {
		return cpuset.New(), err
	}
	objs, err := t.objsAtDepth(depth)
	if err != nil {
		return cpuset.New(), err
	}
	i := 0
	for _, obj := range objs {
		if obj.CPUs.Size() == 0 || !obj.CPUs.IsSubsetOf(cs) {
			continue
		}
		if i == index {
			return obj.CPUs, nil
		}
		i++
	}
	return cpuset.New(), errors.Wrapf(qverr.ErrNotFound,
		"no object %d at depth %d in %v", index, depth, cs)
}

// SplitCpusetByColor returns the color-th piece of a deterministic,
// balanced, lexicographic subdivision of cs into ncolors pieces. Earlier
// pieces take the remainder when the subdivision is uneven.
func (t *Topology) SplitCpusetByColor(cs cpuset.CPUSet, ncolors, color int) (cpuset.CPUSet, error) {
	if ncolors < 1 || color < 0 || color >= ncolors {
		return cpuset.New(), errors.Wrapf(qverr.ErrInvalidArg,
			"bad color %d of %d", color, ncolors)
	}
	ids := cs.List()
	n := len(ids)
	base := n / ncolors
	extra := n % ncolors
	start := color * base
	if color < extra {
		start += color
	} else {
		start += extra
	}
	size := base
	if color < extra {
		size++
	}
	return cpuset.New(ids[start : start+size]...), nil
}

// GetCpusetForNobjs returns a cpuset backing exactly nobjs objects of the
// given type within the given cpuset.
func (t *Topology) GetCpusetForNobjs(within cpuset.CPUSet, typ ObjType, nobjs int) (cpuset.CPUSet, error) {
	if err := t.requireLoaded(); err != nil {
		return cpuset.New(), err
	}
	if nobjs < 1 {
		return cpuset.New(), errors.Wrapf(qverr.ErrInvalidArg, "bad object count %d", nobjs)
	}
	if _, ok := objTypeDepths[typ]; !ok {
		return cpuset.New(), errors.Wrapf(qverr.ErrInvalidArg, "bad object type %d", typ)
	}
	result := cpuset.New()
	n := 0
	for _, obj := range t.objs[typ] {
		if n == nobjs {
			break
		}
		if obj.CPUs.Size() == 0 || !obj.CPUs.IsSubsetOf(within) {
			continue
		}
		result = result.Union(obj.CPUs)
		n++
	}
	if n < nobjs {
		return cpuset.New(), errors.Wrapf(qverr.ResUnavailable,
			"only %d of %d %v objects in %v", n, nobjs, typ, within)
	}
	return result, nil
}

// DeviceAffinity returns the CPU affinity of the device of the given type
// with the given visible ordinal.
func (t *Topology) DeviceAffinity(typ ObjType, devid int) (cpuset.CPUSet, error) {
	if err := t.requireLoaded(); err != nil {
		return cpuset.New(), err
	}
	for _, d := range t.Devices(typ) {
		if d.ID == devid {
			return d.Affinity, nil
		}
	}
	return cpuset.New(), errors.Wrapf(qverr.ErrNotFound, "no %v device %d", typ, devid)
}

// sortObjects orders every object list lexicographically by first CPU.
func (t *Topology) sortObjects() {
	for _, objs := range t.objs {
		sort.Slice(objs, func(i, j int) bool {
			ii, jj := objs[i].CPUs.List(), objs[j].CPUs.List()
			switch {
			case len(ii) == 0:
				return true
			case len(jj) == 0:
				return false
			default:
				return ii[0] < jj[0]
			}
		})
	}
}
