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

// Package hwpool implements hardware pools: an owned slice of node
// resources consisting of a compute cpuset plus device records. A pool is
// exclusively owned by one scope at a time; splits always produce fresh
// pools.
package hwpool

import (
	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
)

// DeviceInfo is a device record held by a pool. Records are immutable and
// may be shared across pools during splits.
type DeviceInfo struct {
	// Type is the device type.
	Type hwloc.ObjType
	// ID is the visible device ordinal.
	ID int
	// PCIBusID is the bus id in dddd:bb:dd.f form.
	PCIBusID string
	// UUID identifies the device across processes.
	UUID string
	// Affinity is the device's CPU affinity. It may exceed the pool's
	// cpuset for pools produced by a split.
	Affinity cpuset.CPUSet
}

// Pool is a hardware resource pool.
type Pool struct {
	cpus cpuset.CPUSet
	devs []*DeviceInfo
}

// New returns a new, empty pool.
func New() *Pool {
	return &Pool{cpus: cpuset.New()}
}

// NewWithCpuset returns a new pool initialized with the given cpuset.
func NewWithCpuset(cs cpuset.CPUSet) *Pool {
	p := New()
	p.Init(cs)
	return p
}

// Init sets the pool's compute slice, replacing any previous cpuset. A
// pool may be reinitialized during splits; its devices are unaffected.
func (p *Pool) Init(cs cpuset.CPUSet) {
	p.cpus = cpuset.New(cs.List()...)
}

// Cpuset returns the pool's compute slice.
func (p *Pool) Cpuset() cpuset.CPUSet {
	return p.cpus
}

// ReleaseDevices drops all device records from the pool.
func (p *Pool) ReleaseDevices() {
	p.devs = nil
}

// AddDevice appends a device record to the pool.
func (p *Pool) AddDevice(typ hwloc.ObjType, id int, pciBusID, uuid string, affinity cpuset.CPUSet) {
	p.devs = append(p.devs, &DeviceInfo{
		Type:     typ,
		ID:       id,
		PCIBusID: pciBusID,
		UUID:     uuid,
		Affinity: affinity,
	})
}

// AddDeviceInfo appends an existing device record to the pool.
func (p *Pool) AddDeviceInfo(d *DeviceInfo) {
	p.devs = append(p.devs, d)
}

// Devices returns the pool's device records in insertion order.
func (p *Pool) Devices() []*DeviceInfo {
	return p.devs
}

// DevicesOfType returns the pool's devices of the given type in insertion
// order.
func (p *Pool) DevicesOfType(typ hwloc.ObjType) []*DeviceInfo {
	devs := []*DeviceInfo{}
	for _, d := range p.devs {
		if d.Type == typ {
			devs = append(devs, d)
		}
	}
	return devs
}

// NDevices returns the number of devices of the given type in the pool.
func (p *Pool) NDevices(typ hwloc.ObjType) int {
	return len(p.DevicesOfType(typ))
}

// Equal reports whether two pools are structurally equal: same cpuset and
// the same device records in the same order.
func (p *Pool) Equal(o *Pool) bool {
	if o == nil || !p.cpus.Equals(o.cpus) || len(p.devs) != len(o.devs) {
		return false
	}
	for i, d := range p.devs {
		od := o.devs[i]
		if d.Type != od.Type || d.ID != od.ID ||
			d.PCIBusID != od.PCIBusID || d.UUID != od.UUID ||
			!d.Affinity.Equals(od.Affinity) {
			return false
		}
	}
	return true
}

// Pack encodes the pool into the given buffer. The encoding is fully
// self-describing: the cpuset followed by a count-prefixed sequence of
// device records.
func (p *Pool) Pack(buf *bbuff.Buffer) error {
	bbuff.PutBitmap(buf, p.cpus)
	bbuff.PutInt32(buf, int32(len(p.devs)))
	for _, d := range p.devs {
		bbuff.PutInt32(buf, int32(d.Type))
		bbuff.PutInt32(buf, int32(d.ID))
		bbuff.PutString(buf, d.PCIBusID)
		bbuff.PutString(buf, d.UUID)
		bbuff.PutBitmap(buf, d.Affinity)
	}
	return nil
}

// Unpack decodes a pool previously encoded by Pack, replacing the pool's
// contents. The result is structurally equal to the packed pool.
func (p *Pool) Unpack(r *bbuff.Reader) error {
	cpus, err := r.Bitmap()
	if err != nil {
		return err
	}
	ndevs, err := r.Int32()
	if err != nil {
		return err
	}
	devs := make([]*DeviceInfo, 0, ndevs)
	for i := int32(0); i < ndevs; i++ {
		d := &DeviceInfo{}
		typ, err := r.Int32()
		if err != nil {
			return err
		}
		id, err := r.Int32()
		if err != nil {
			return err
		}
		if d.PCIBusID, err = r.String(); err != nil {
			return err
		}
		if d.UUID, err = r.String(); err != nil {
			return err
		}
		if d.Affinity, err = r.Bitmap(); err != nil {
			return err
		}
		d.Type = hwloc.ObjType(typ)
		d.ID = int(id)
		devs = append(devs, d)
	}
	p.cpus = cpus
	p.devs = devs
	return nil
}

var _ bbuff.Packable = (*Pool)(nil)
