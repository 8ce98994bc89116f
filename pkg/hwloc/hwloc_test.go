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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// writeSysfs populates a fake sysfs tree under root.
func writeSysfs(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(root, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content+"\n"), 0o644))
	}
}

// sampleSysfs builds a 2-package, 2-node, 8-CPU tree with one L3 per
// package and two GPUs.
func sampleSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"sys/devices/system/cpu/online":      "0-7",
		"sys/devices/system/node/node0/cpulist": "0-3",
		"sys/devices/system/node/node1/cpulist": "4-7",

		"sys/bus/pci/devices/0000:03:00.0/class":         "0x030200",
		"sys/bus/pci/devices/0000:03:00.0/vendor":        "0x10de",
		"sys/bus/pci/devices/0000:03:00.0/device":        "0x20b0",
		"sys/bus/pci/devices/0000:03:00.0/local_cpulist": "0-3",

		"sys/bus/pci/devices/0000:83:00.0/class":         "0x030000",
		"sys/bus/pci/devices/0000:83:00.0/vendor":        "0x1002",
		"sys/bus/pci/devices/0000:83:00.0/device":        "0x740f",
		"sys/bus/pci/devices/0000:83:00.0/local_cpulist": "4-7",

		// A non-display device that must be ignored.
		"sys/bus/pci/devices/0000:00:1f.0/class":  "0x060100",
		"sys/bus/pci/devices/0000:00:1f.0/vendor": "0x8086",
	}
	for cpu := 0; cpu < 8; cpu++ {
		base := fmt.Sprintf("sys/devices/system/cpu/cpu%d", cpu)
		files[base+"/topology/physical_package_id"] = fmt.Sprintf("%d", cpu/4)
		files[base+"/topology/core_id"] = fmt.Sprintf("%d", cpu%4)
		files[base+"/cache/index0/type"] = "Unified"
		files[base+"/cache/index0/level"] = "3"
		if cpu < 4 {
			files[base+"/cache/index0/shared_cpu_list"] = "0-3"
		} else {
			files[base+"/cache/index0/shared_cpu_list"] = "4-7"
		}
	}
	writeSysfs(t, root, files)
	return root
}

func discoverSample(t *testing.T) *Topology {
	t.Helper()
	topo := New()
	require.NoError(t, topo.DiscoverAt(sampleSysfs(t)))
	return topo
}

func TestDiscoverCounts(t *testing.T) {
	topo := discoverSample(t)
	assert.Equal(t, "0-7", topo.Machine().String())

	tcs := []struct {
		typ  ObjType
		want int
	}{
		{ObjMachine, 1},
		{ObjPackage, 2},
		{ObjNUMANode, 2},
		{ObjL3Cache, 2},
		{ObjCore, 8},
		{ObjPU, 8},
		{ObjGPU, 2},
	}
	for _, tc := range tcs {
		n, err := topo.NObjsByType(tc.typ)
		require.NoError(t, err, "type %v", tc.typ)
		assert.Equal(t, tc.want, n, "type %v", tc.typ)
	}
}

func TestNotLoaded(t *testing.T) {
	topo := New()
	_, err := topo.NObjsByType(ObjPU)
	require.Error(t, err)
	assert.Equal(t, qverr.ErrHwloc, qverr.CodeOf(err))
}

func TestNObjsInCpuset(t *testing.T) {
	topo := discoverSample(t)
	tcs := []struct {
		typ  ObjType
		cs   string
		want int
	}{
		{ObjPU, "0-7", 8},
		{ObjPU, "0-3", 4},
		{ObjPackage, "0-3", 1},
		{ObjPackage, "0-5", 1},
		{ObjNUMANode, "4-7", 1},
		{ObjL3Cache, "1-3", 0},
	}
	for _, tc := range tcs {
		n, err := topo.NObjsInCpuset(tc.typ, cpuset.MustParse(tc.cs))
		require.NoError(t, err)
		assert.Equal(t, tc.want, n, "%v in %s", tc.typ, tc.cs)
	}

	_, err := topo.NObjsInCpuset(ObjGPU, cpuset.MustParse("0-7"))
	require.Error(t, err)
	assert.Equal(t, qverr.ErrInvalidArg, qverr.CodeOf(err))
}

func TestSplitCpusetByColor(t *testing.T) {
	topo := New()
	tcs := []struct {
		description string
		cs          string
		ncolors     int
		want        []string
	}{
		{
			description: "even split in four",
			cs:          "0-7",
			ncolors:     4,
			want:        []string{"0-1", "2-3", "4-5", "6-7"},
		},
		{
			description: "even split in two",
			cs:          "0-7",
			ncolors:     2,
			want:        []string{"0-3", "4-7"},
		},
		{
			description: "uneven split takes remainder first",
			cs:          "0-6",
			ncolors:     3,
			want:        []string{"0-2", "3-4", "5-6"},
		},
		{
			description: "sparse set splits lexicographically",
			cs:          "1,3,5,7",
			ncolors:     2,
			want:        []string{"1,3", "5,7"},
		},
	}
	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			got := []string{}
			union := cpuset.New()
			for color := 0; color < tc.ncolors; color++ {
				piece, err := topo.SplitCpusetByColor(cpuset.MustParse(tc.cs), tc.ncolors, color)
				require.NoError(t, err)
				got = append(got, piece.String())
				assert.Equal(t, 0, piece.Intersection(union).Size(), "pieces overlap")
				union = union.Union(piece)
			}
			assert.Empty(t, cmp.Diff(tc.want, got))
			assert.Equal(t, tc.cs, union.String(), "pieces do not cover the parent")
		})
	}

	_, err := topo.SplitCpusetByColor(cpuset.MustParse("0-7"), 2, 2)
	require.Error(t, err)
	assert.Equal(t, qverr.ErrInvalidArg, qverr.CodeOf(err))
}

func TestGetCpusetForNobjs(t *testing.T) {
	topo := discoverSample(t)

	cs, err := topo.GetCpusetForNobjs(cpuset.MustParse("0-7"), ObjCore, 2)
	require.NoError(t, err)
	assert.Equal(t, "0-1", cs.String())

	cs, err = topo.GetCpusetForNobjs(cpuset.MustParse("4-7"), ObjNUMANode, 1)
	require.NoError(t, err)
	assert.Equal(t, "4-7", cs.String())

	_, err = topo.GetCpusetForNobjs(cpuset.MustParse("0-3"), ObjPackage, 2)
	require.Error(t, err)
	assert.Equal(t, qverr.ResUnavailable, qverr.CodeOf(err))
}

func TestObjInCpusetByDepth(t *testing.T) {
	topo := discoverSample(t)
	depth, err := topo.ObjTypeDepth(ObjNUMANode)
	require.NoError(t, err)

	cs, err := topo.ObjInCpusetByDepth(cpuset.MustParse("0-7"), depth, 1)
	require.NoError(t, err)
	assert.Equal(t, "4-7", cs.String())

	_, err = topo.ObjInCpusetByDepth(cpuset.MustParse("0-3"), depth, 1)
	require.Error(t, err)
	assert.Equal(t, qverr.ErrNotFound, qverr.CodeOf(err))
}

func TestDeviceDiscovery(t *testing.T) {
	topo := discoverSample(t)
	devs := topo.Devices(ObjGPU)
	require.Len(t, devs, 2)

	// Devices are ordered by PCI bus id.
	assert.Equal(t, "0000:03:00.0", devs[0].PCIBusID)
	assert.Equal(t, VendorNVIDIA, devs[0].Vendor)
	assert.Equal(t, "0-3", devs[0].Affinity.String())
	assert.Equal(t, 0, devs[0].ID)

	assert.Equal(t, "0000:83:00.0", devs[1].PCIBusID)
	assert.Equal(t, VendorAMD, devs[1].Vendor)
	assert.Equal(t, "4-7", devs[1].Affinity.String())
	assert.Equal(t, 1, devs[1].ID)

	// Synthesized UUIDs are present and distinct.
	assert.NotEmpty(t, devs[0].UUID)
	assert.NotEqual(t, devs[0].UUID, devs[1].UUID)

	affinity, err := topo.DeviceAffinity(ObjGPU, 1)
	require.NoError(t, err)
	assert.Equal(t, "4-7", affinity.String())

	_, err = topo.DeviceAffinity(ObjGPU, 7)
	require.Error(t, err)
	assert.Equal(t, qverr.ErrNotFound, qverr.CodeOf(err))
}

func TestExportImportRoundTrip(t *testing.T) {
	topo := discoverSample(t)
	dir := t.TempDir()

	path, err := topo.Export(dir)
	require.NoError(t, err)
	assert.Contains(t, filepath.Base(path), fmt.Sprintf("qv-hwtopo-%d-", os.Getpid()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	imported := New()
	require.NoError(t, imported.LoadXML(path))
	assert.Equal(t, topo.Machine().String(), imported.Machine().String())

	for _, typ := range []ObjType{ObjPackage, ObjNUMANode, ObjL3Cache, ObjCore, ObjPU, ObjGPU} {
		want, err := topo.NObjsByType(typ)
		require.NoError(t, err)
		got, err := imported.NObjsByType(typ)
		require.NoError(t, err)
		assert.Equal(t, want, got, "type %v", typ)
	}

	wantDevs := topo.Devices(ObjGPU)
	gotDevs := imported.Devices(ObjGPU)
	require.Len(t, gotDevs, len(wantDevs))
	for i := range wantDevs {
		assert.Empty(t, cmp.Diff(wantDevs[i].UUID, gotDevs[i].UUID))
		assert.Equal(t, wantDevs[i].PCIBusID, gotDevs[i].PCIBusID)
		assert.True(t, wantDevs[i].Affinity.Equals(gotDevs[i].Affinity))
	}
}

func TestTaskCpubindRoundTrip(t *testing.T) {
	pid := os.Getpid()
	orig, err := TaskGetCpubind(pid)
	require.NoError(t, err)
	require.Greater(t, orig.Size(), 0)

	// Narrow to one CPU of the original binding and restore.
	one := cpuset.New(orig.List()[0])
	require.NoError(t, TaskSetCpubind(pid, one))
	cur, err := TaskGetCpubind(pid)
	require.NoError(t, err)
	assert.True(t, one.Equals(cur))

	require.NoError(t, TaskSetCpubind(pid, orig))
	cur, err = TaskGetCpubind(pid)
	require.NoError(t, err)
	assert.True(t, orig.Equals(cur))
}
