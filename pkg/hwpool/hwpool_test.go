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

package hwpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
)

func samplePool() *Pool {
	p := NewWithCpuset(cpuset.MustParse("0-7"))
	p.AddDevice(hwloc.ObjGPU, 0, "0000:03:00.0", "GPU-aaaa", cpuset.MustParse("0-3"))
	p.AddDevice(hwloc.ObjGPU, 1, "0000:83:00.0", "GPU-bbbb", cpuset.MustParse("4-7"))
	return p
}

func TestPoolInit(t *testing.T) {
	p := New()
	assert.Equal(t, 0, p.Cpuset().Size())

	p.Init(cpuset.MustParse("0-3"))
	assert.Equal(t, "0-3", p.Cpuset().String())

	// Reinitialization replaces the previous cpuset.
	p.Init(cpuset.MustParse("4-7"))
	assert.Equal(t, "4-7", p.Cpuset().String())
}

func TestPoolDevices(t *testing.T) {
	p := samplePool()
	require.Equal(t, 2, p.NDevices(hwloc.ObjGPU))

	// Insertion order is preserved per type.
	devs := p.DevicesOfType(hwloc.ObjGPU)
	assert.Equal(t, 0, devs[0].ID)
	assert.Equal(t, 1, devs[1].ID)

	p.ReleaseDevices()
	assert.Equal(t, 0, p.NDevices(hwloc.ObjGPU))
	// The cpuset survives a device release.
	assert.Equal(t, "0-7", p.Cpuset().String())
}

func TestPoolPackUnpackRoundTrip(t *testing.T) {
	tcs := []struct {
		description string
		pool        *Pool
	}{
		{
			description: "empty pool",
			pool:        New(),
		},
		{
			description: "cpuset only",
			pool:        NewWithCpuset(cpuset.MustParse("0-63")),
		},
		{
			description: "cpuset and devices",
			pool:        samplePool(),
		},
	}
	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			buf := bbuff.New()
			require.NoError(t, tc.pool.Pack(buf))

			got := New()
			require.NoError(t, got.Unpack(bbuff.NewReader(buf.Data())))
			assert.True(t, tc.pool.Equal(got))

			// Re-packing the unpacked pool reproduces the encoding.
			rebuf := bbuff.New()
			require.NoError(t, got.Pack(rebuf))
			assert.Equal(t, buf.Data(), rebuf.Data())
		})
	}
}

func TestPoolPackDeterminism(t *testing.T) {
	a, b := bbuff.New(), bbuff.New()
	require.NoError(t, samplePool().Pack(a))
	require.NoError(t, samplePool().Pack(b))
	assert.Equal(t, a.Data(), b.Data())
}

func TestPoolEqual(t *testing.T) {
	a, b := samplePool(), samplePool()
	assert.True(t, a.Equal(b))

	b.Init(cpuset.MustParse("0-3"))
	assert.False(t, a.Equal(b))

	c := samplePool()
	c.ReleaseDevices()
	assert.False(t, a.Equal(c))
}
