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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

const (
	// sysfs devices/cpu subdirectory path
	sysfsCPUPath = "sys/devices/system/cpu"
	// sysfs devices/node subdirectory path
	sysfsNumaNodePath = "sys/devices/system/node"
	// sysfs PCI device subdirectory path
	sysfsPCIPath = "sys/bus/pci/devices"
)

// DiscoverAt discovers the topology from a sysfs tree rooted at the given
// directory. An empty root reads the running system.
func (t *Topology) DiscoverAt(root string) error {
	t.objs = make(map[ObjType][]*Object)
	t.devices = nil
	t.loaded = false

	if err := t.discoverCPUs(root); err != nil {
		return err
	}
	if err := t.discoverNodes(root); err != nil {
		return err
	}
	if err := t.discoverDevices(root); err != nil {
		return err
	}
	t.sortObjects()
	t.loaded = true

	t.Debug("discovered topology: %s, %d package(s), %d core(s), %d gpu(s)",
		t.machine, len(t.objs[ObjPackage]), len(t.objs[ObjCore]),
		len(t.Devices(ObjGPU)))
	return nil
}

// cacheKey identifies a distinct CPU cache by level and span.
type cacheKey struct {
	level int
	cpus  string
}

// discoverCPUs reads the CPU topology: the machine cpuset, packages,
// cores, caches, and logical processors.
func (t *Topology) discoverCPUs(root string) error {
	cpuDir := filepath.Join(root, "/", sysfsCPUPath)

	machine, err := readCpulist(filepath.Join(cpuDir, "online"))
	if err != nil {
		// Fall back to the present list; some restricted trees only
		// carry one of the two.
		machine, err = readCpulist(filepath.Join(cpuDir, "present"))
	}
	if err != nil {
		return errors.Wrapf(qverr.ErrHwloc, "cannot read cpu list: %v", err)
	}
	t.machine = machine
	t.objs[ObjMachine] = []*Object{{Type: ObjMachine, ID: 0, CPUs: machine}}

	pkgCPUs := map[idset.ID][]int{}
	coreCPUs := map[string][]int{}
	coreIDs := map[string]idset.ID{}
	cacheCPUs := map[cacheKey]cpuset.CPUSet{}

	for _, cpu := range machine.List() {
		base := filepath.Join(cpuDir, fmt.Sprintf("cpu%d", cpu))

		pkg, err := readInt(filepath.Join(base, "topology", "physical_package_id"))
		if err != nil {
			return errors.Wrapf(qverr.ErrHwloc, "cpu%d: %v", cpu, err)
		}
		core, err := readInt(filepath.Join(base, "topology", "core_id"))
		if err != nil {
			return errors.Wrapf(qverr.ErrHwloc, "cpu%d: %v", cpu, err)
		}

		pkgCPUs[idset.ID(pkg)] = append(pkgCPUs[idset.ID(pkg)], cpu)
		ck := fmt.Sprintf("%d:%d", pkg, core)
		coreCPUs[ck] = append(coreCPUs[ck], cpu)
		coreIDs[ck] = idset.ID(core)

		t.objs[ObjPU] = append(t.objs[ObjPU], &Object{
			Type: ObjPU,
			ID:   idset.ID(cpu),
			CPUs: cpuset.New(cpu),
		})

		if err := t.discoverCaches(base, cpu, cacheCPUs); err != nil {
			return err
		}
	}

	pkgIDs := idset.NewIDSet()
	for id := range pkgCPUs {
		pkgIDs.Add(id)
	}
	for _, id := range pkgIDs.SortedMembers() {
		t.objs[ObjPackage] = append(t.objs[ObjPackage], &Object{
			Type: ObjPackage,
			ID:   id,
			CPUs: cpuset.New(pkgCPUs[id]...),
		})
	}
	for ck, cpus := range coreCPUs {
		t.objs[ObjCore] = append(t.objs[ObjCore], &Object{
			Type: ObjCore,
			ID:   coreIDs[ck],
			CPUs: cpuset.New(cpus...),
		})
	}
	for key, cpus := range cacheCPUs {
		var typ ObjType
		switch key.level {
		case 1:
			typ = ObjL1Cache
		case 2:
			typ = ObjL2Cache
		case 3:
			typ = ObjL3Cache
		default:
			continue
		}
		t.objs[typ] = append(t.objs[typ], &Object{
			Type: typ,
			ID:   idset.ID(len(t.objs[typ])),
			CPUs: cpus,
		})
	}
	return nil
}

// discoverCaches records the data and unified caches of one CPU.
func (t *Topology) discoverCaches(cpuBase string, cpu int, caches map[cacheKey]cpuset.CPUSet) error {
	entries, err := filepath.Glob(filepath.Join(cpuBase, "cache", "index*"))
	if err != nil || len(entries) == 0 {
		// Trees without cache information are acceptable.
		return nil
	}
	for _, dir := range entries {
		ctype, err := readString(filepath.Join(dir, "type"))
		if err != nil || ctype == "Instruction" {
			continue
		}
		level, err := readInt(filepath.Join(dir, "level"))
		if err != nil {
			continue
		}
		shared, err := readCpulist(filepath.Join(dir, "shared_cpu_list"))
		if err != nil {
			shared = cpuset.New(cpu)
		}
		caches[cacheKey{level: level, cpus: shared.String()}] = shared
	}
	return nil
}

// discoverNodes reads the NUMA node topology.
func (t *Topology) discoverNodes(root string) error {
	nodeDirs, err := filepath.Glob(filepath.Join(root, "/", sysfsNumaNodePath, "node[0-9]*"))
	if err != nil || len(nodeDirs) == 0 {
		// Non-NUMA tree: the machine is one node.
		t.objs[ObjNUMANode] = []*Object{{Type: ObjNUMANode, ID: 0, CPUs: t.machine}}
		return nil
	}
	for _, dir := range nodeDirs {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(dir), "node"))
		if err != nil {
			continue
		}
		cpus, err := readCpulist(filepath.Join(dir, "cpulist"))
		if err != nil {
			return errors.Wrapf(qverr.ErrHwloc, "node%d: %v", id, err)
		}
		t.objs[ObjNUMANode] = append(t.objs[ObjNUMANode], &Object{
			Type: ObjNUMANode,
			ID:   idset.ID(id),
			CPUs: cpus.Intersection(t.machine),
		})
	}
	return nil
}

// discoverDevices walks the PCI bus and records display-class devices of
// known GPU vendors. Device affinity comes from the local_cpulist of the
// device or its nearest ancestor carrying one.
func (t *Topology) discoverDevices(root string) error {
	devDirs, err := filepath.Glob(filepath.Join(root, "/", sysfsPCIPath, "*"))
	if err != nil || len(devDirs) == 0 {
		return nil
	}
	sort.Strings(devDirs)

	smi := map[VendorID]int{}
	for _, dir := range devDirs {
		class, err := readHex(filepath.Join(dir, "class"))
		if err != nil {
			continue
		}
		// Display controllers: PCI class 0x03xxxx.
		if class>>16 != 0x03 {
			continue
		}
		vendor, err := readHex(filepath.Join(dir, "vendor"))
		if err != nil {
			continue
		}
		vid := VendorID(vendor)
		switch vid {
		case VendorNVIDIA, VendorAMD, VendorIntel:
		default:
			continue
		}

		busID := normalizePCIBusID(filepath.Base(dir))
		affinity := t.deviceAffinityAt(dir)
		uuid, err := readString(filepath.Join(dir, "uuid"))
		if err != nil || uuid == "" {
			uuid = synthesizeUUID(busID)
		}
		name, err := readString(filepath.Join(dir, "label"))
		if err != nil || name == "" {
			devid, _ := readHex(filepath.Join(dir, "device"))
			name = fmt.Sprintf("%s GPU [%04x]", vid, devid)
		}

		dev := &Device{
			Type:     ObjGPU,
			Vendor:   vid,
			SMI:      smi[vid],
			ID:       len(t.devices),
			Name:     name,
			PCIBusID: busID,
			UUID:     uuid,
			Affinity: affinity,
		}
		smi[vid]++
		t.devices = append(t.devices, dev)
		t.Debug("discovered device %s (%s, affinity %s)", dev.Name, busID, affinity)
	}
	return nil
}

// deviceAffinityAt resolves the CPU affinity of a device directory by
// checking its affinity hint files and then those of its ancestors. The
// machine cpuset is the fallback for devices with no locality.
func (t *Topology) deviceAffinityAt(dir string) cpuset.CPUSet {
	for p := dir; p != "/" && p != "."; p = filepath.Dir(p) {
		for _, hint := range []string{"local_cpulist", "cpulistaffinity"} {
			cpus, err := readCpulist(filepath.Join(p, hint))
			if err == nil && cpus.Size() > 0 {
				return cpus.Intersection(t.machine)
			}
		}
	}
	return t.machine
}

// normalizePCIBusID renders a PCI address in dddd:bb:dd.f form.
func normalizePCIBusID(addr string) string {
	if len(strings.SplitN(addr, ":", 3)) == 3 {
		return addr
	}
	return "0000:" + addr
}

// readString reads a sysfs attribute as a trimmed string.
func readString(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// readInt reads a sysfs attribute as a decimal integer.
func readInt(path string) (int, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// readHex reads a sysfs attribute as a hexadecimal integer.
func readHex(path string) (int64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64)
}

// readCpulist reads a sysfs attribute as a list-form cpuset.
func readCpulist(path string) (cpuset.CPUSet, error) {
	s, err := readString(path)
	if err != nil {
		return cpuset.New(), err
	}
	return cpuset.Parse(s)
}
