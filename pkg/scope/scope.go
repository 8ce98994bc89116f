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

// Package scope implements scopes, the user-facing handles pairing a task
// group with a hardware pool, and the split engine that carves child
// scopes out of parents.
package scope

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/group"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
	"github.com/lanl/quo-vadis-go/pkg/hwpool"
	logger "github.com/lanl/quo-vadis-go/pkg/log"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

var log = logger.Get("scope")

// Intrinsic names a system-provided starting scope. Values cross the RMI
// wire as int32; append only.
type Intrinsic int32

const (
	// IntrinsicSystem spans all node resources.
	IntrinsicSystem Intrinsic = iota
	// IntrinsicUser spans the resources available to the user.
	IntrinsicUser
	// IntrinsicJob spans the resources granted to the job.
	IntrinsicJob
	// IntrinsicProcess spans the calling process's current binding.
	IntrinsicProcess
)

// String returns the name of the intrinsic scope kind.
func (i Intrinsic) String() string {
	switch i {
	case IntrinsicSystem:
		return "system"
	case IntrinsicUser:
		return "user"
	case IntrinsicJob:
		return "job"
	case IntrinsicProcess:
		return "process"
	}
	return "unknown"
}

// DeviceIDType selects the identifier form returned by DeviceID.
type DeviceIDType int

const (
	// DeviceIDUUID selects the device UUID.
	DeviceIDUUID DeviceIDType = iota
	// DeviceIDPCIBusID selects the PCI bus id.
	DeviceIDPCIBusID
	// DeviceIDOrdinal selects the visible device ordinal.
	DeviceIDOrdinal
)

// CreateHint carries opaque scope-creation hints. Hints are reserved for
// future admission and isolation policies.
type CreateHint uint32

const (
	// CreateHintNone requests no special treatment.
	CreateHintNone CreateHint = 0
)

// SplitAffinityPreserving is the color sentinel requesting an
// affinity-preserving split.
const SplitAffinityPreserving = -1

// RMI is the inquiry surface a scope needs from the resource daemon. The
// rmi package's Client is the production implementation.
type RMI interface {
	// GetCpubind returns the current CPU binding of a task.
	GetCpubind(taskid int64) (cpuset.CPUSet, error)
	// SetCpubind sets the CPU binding of a task.
	SetCpubind(taskid int64, cs cpuset.CPUSet) error
	// GetIntrinsicHwpool returns the hardware pool of an intrinsic
	// scope for a task.
	GetIntrinsicHwpool(taskid int64, kind Intrinsic) (*hwpool.Pool, error)
	// GetNobjsInCpuset counts objects of a type inside a cpuset.
	GetNobjsInCpuset(typ hwloc.ObjType, cs cpuset.CPUSet) (int, error)
	// SplitCpusetByColor returns one piece of a balanced lexicographic
	// subdivision of a cpuset.
	SplitCpusetByColor(cs cpuset.CPUSet, ncolors, color int) (cpuset.CPUSet, error)
	// GetCpusetForNobjs returns a cpuset backing exactly n objects of a
	// type within a cpuset.
	GetCpusetForNobjs(cs cpuset.CPUSet, typ hwloc.ObjType, n int) (cpuset.CPUSet, error)
	// GetDeviceAffinity returns the CPU affinity of a device.
	GetDeviceAffinity(typ hwloc.ObjType, devid int) (cpuset.CPUSet, error)
}

// Scope pairs a task group with a hardware pool.
type Scope struct {
	rmi   RMI
	group group.Group
	pool  *hwpool.Pool
	freed bool
	// invalid marks scopes whose group transport failed mid-collective.
	invalid bool
}

// New pairs an existing group and pool into a scope.
func New(rmi RMI, g group.Group, pool *hwpool.Pool) *Scope {
	return &Scope{rmi: rmi, group: g, pool: pool}
}

// Get returns the intrinsic scope of the given kind for the calling task.
func Get(g group.Group, rmi RMI, kind Intrinsic) (*Scope, error) {
	pool, err := rmi.GetIntrinsicHwpool(g.TaskID(), kind)
	if err != nil {
		return nil, err
	}
	return New(rmi, g, pool), nil
}

func (s *Scope) check() error {
	if s.freed || s.invalid {
		return errors.Wrap(qverr.ErrInternal, "operation on dead scope")
	}
	return nil
}

// Cpuset returns the scope's compute cpuset.
func (s *Scope) Cpuset() cpuset.CPUSet {
	return s.pool.Cpuset()
}

// Pool returns the scope's hardware pool.
func (s *Scope) Pool() *hwpool.Pool {
	return s.pool
}

// Group returns the scope's task group.
func (s *Scope) Group() group.Group {
	return s.group
}

// TaskID returns the caller's rank within the scope.
func (s *Scope) TaskID() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.group.ID(), nil
}

// NTasks returns the number of tasks sharing the scope.
func (s *Scope) NTasks() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.group.Size(), nil
}

// Barrier blocks until every task in the scope has called it.
func (s *Scope) Barrier() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.group.Barrier()
}

// NObjs counts the objects of the given type in the scope. Devices are
// counted from the local pool; CPU-side objects are counted by the
// daemon.
func (s *Scope) NObjs(typ hwloc.ObjType) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if typ.IsDevice() {
		return s.pool.NDevices(typ), nil
	}
	return s.rmi.GetNobjsInCpuset(typ, s.pool.Cpuset())
}

// DeviceID returns the requested identifier of the i-th device of the
// given type in the scope.
func (s *Scope) DeviceID(typ hwloc.ObjType, i int, idType DeviceIDType) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	devs := s.pool.DevicesOfType(typ)
	if i < 0 || i >= len(devs) {
		return "", errors.Wrapf(qverr.ErrNotFound, "no %v device %d in scope", typ, i)
	}
	d := devs[i]
	switch idType {
	case DeviceIDUUID:
		return d.UUID, nil
	case DeviceIDPCIBusID:
		return d.PCIBusID, nil
	case DeviceIDOrdinal:
		return strconv.Itoa(d.ID), nil
	}
	return "", errors.Wrapf(qverr.ErrInvalidArg, "bad device id type %d", idType)
}

// Free releases the scope's resources. Free is collective and idempotent
// after the first successful call.
func (s *Scope) Free() error {
	if s.freed {
		return nil
	}
	s.freed = true
	s.pool = hwpool.New()
	return nil
}

// SplitAt splits the scope into one piece per object of the given type.
func (s *Scope) SplitAt(typ hwloc.ObjType, groupID int) (*Scope, error) {
	nobjs, err := s.NObjs(typ)
	if err != nil {
		return nil, err
	}
	return s.Split(nobjs, groupID)
}

// Create carves a child scope backed by exactly nobjs objects of the
// given type out of the parent, with a singleton group. Hints are carried
// opaquely and reserved.
func (s *Scope) Create(typ hwloc.ObjType, nobjs int, hint CreateHint) (*Scope, error) {
	_ = hint
	if err := s.check(); err != nil {
		return nil, err
	}
	cs, err := s.rmi.GetCpusetForNobjs(s.pool.Cpuset(), typ, nobjs)
	if err != nil {
		return nil, err
	}
	g, err := s.group.Self()
	if err != nil {
		return nil, err
	}
	return New(s.rmi, g, hwpool.NewWithCpuset(cs)), nil
}
