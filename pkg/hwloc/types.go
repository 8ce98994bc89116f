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

package hwloc

import (
	idset "github.com/intel/goresctrl/pkg/utils"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// ObjType identifies a class of hardware object in the topology. Values
// cross the RMI wire as int32, so existing entries must never be
// renumbered; append only.
type ObjType int32

const (
	// ObjMachine is the root object spanning the whole node.
	ObjMachine ObjType = iota
	// ObjPackage is a physical processor package (socket).
	ObjPackage
	// ObjNUMANode is a NUMA memory node.
	ObjNUMANode
	// ObjL3Cache is a level-3 data or unified cache.
	ObjL3Cache
	// ObjL2Cache is a level-2 data or unified cache.
	ObjL2Cache
	// ObjL1Cache is a level-1 data or unified cache.
	ObjL1Cache
	// ObjCore is a physical CPU core.
	ObjCore
	// ObjPU is a logical processor (hardware thread).
	ObjPU
	// ObjGPU is a general-purpose graphics accelerator.
	ObjGPU
	// ObjInvisible marks a device that is hidden from the caller.
	ObjInvisible
)

// objTypeDepths maps CPU-side object types to their fixed tree depth.
var objTypeDepths = map[ObjType]int{
	ObjMachine:  0,
	ObjPackage:  1,
	ObjNUMANode: 2,
	ObjL3Cache:  3,
	ObjL2Cache:  4,
	ObjL1Cache:  5,
	ObjCore:     6,
	ObjPU:       7,
}

// numDepths is the number of levels in the object tree.
const numDepths = 8

// String returns the name of the object type.
func (t ObjType) String() string {
	switch t {
	case ObjMachine:
		return "machine"
	case ObjPackage:
		return "package"
	case ObjNUMANode:
		return "numanode"
	case ObjL3Cache:
		return "l3cache"
	case ObjL2Cache:
		return "l2cache"
	case ObjL1Cache:
		return "l1cache"
	case ObjCore:
		return "core"
	case ObjPU:
		return "pu"
	case ObjGPU:
		return "gpu"
	case ObjInvisible:
		return "invisible"
	}
	return "unknown"
}

// objTypeFromString is the inverse of ObjType.String.
func objTypeFromString(s string) (ObjType, error) {
	for _, t := range []ObjType{
		ObjMachine, ObjPackage, ObjNUMANode, ObjL3Cache, ObjL2Cache,
		ObjL1Cache, ObjCore, ObjPU, ObjGPU, ObjInvisible,
	} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, qverr.ErrInvalidArg
}

// IsDevice reports whether t names a device type rather than a CPU-side
// object.
func (t ObjType) IsDevice() bool {
	return t == ObjGPU || t == ObjInvisible
}

// VendorID identifies a device vendor by its PCI vendor id.
type VendorID int32

const (
	// VendorNVIDIA is the PCI vendor id of NVIDIA Corporation.
	VendorNVIDIA VendorID = 0x10de
	// VendorAMD is the PCI vendor id of Advanced Micro Devices.
	VendorAMD VendorID = 0x1002
	// VendorIntel is the PCI vendor id of Intel Corporation.
	VendorIntel VendorID = 0x8086
)

// String returns the vendor name.
func (v VendorID) String() string {
	switch v {
	case VendorNVIDIA:
		return "NVIDIA"
	case VendorAMD:
		return "AMD"
	case VendorIntel:
		return "Intel"
	}
	return "unknown"
}

// Device describes a discovered hardware device. Devices are immutable
// after discovery and may be shared by reference across hardware pools.
type Device struct {
	// Type is the device type; ObjInvisible when hidden.
	Type ObjType
	// Vendor is the PCI vendor id.
	Vendor VendorID
	// SMI is the per-vendor system-management index.
	SMI int
	// ID is the visible device ordinal.
	ID int
	// Name is the human-readable device name.
	Name string
	// PCIBusID is the bus id in dddd:bb:dd.f form.
	PCIBusID string
	// UUID is the vendor-provided or synthesized device UUID.
	UUID string
	// Affinity is the set of logical processors local to the device.
	Affinity cpuset.CPUSet
}

// Object is a CPU-side topology object: a package, node, cache, core, or
// logical processor.
type Object struct {
	// Type is the object type.
	Type ObjType
	// ID is the OS index of the object.
	ID idset.ID
	// CPUs is the set of logical processors the object spans.
	CPUs cpuset.CPUSet
}

// SupportedDeviceTypes returns the device types quo-vadis distributes
// across scopes.
func SupportedDeviceTypes() []ObjType {
	return []ObjType{ObjGPU}
}
