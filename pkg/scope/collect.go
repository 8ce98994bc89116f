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

// Typed collectives over group byte buffers. Splitting happens in an
// SPMD-like setting, so the plan is computed once at the root from
// gathered state and the results are scattered back.

import (
	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/group"
	"github.com/lanl/quo-vadis-go/pkg/hwpool"
)

// gatherInts gathers one int per member to root. Non-root callers receive
// nil.
func gatherInts(g group.Group, root, value int) ([]int, error) {
	tx := bbuff.New()
	if err := bbuff.Sprintf(tx, "i", value); err != nil {
		return nil, err
	}
	rx, err := g.Gather(tx, root)
	if err != nil || rx == nil {
		return nil, err
	}
	values := make([]int, len(rx))
	for i, buf := range rx {
		if err := bbuff.Sscanf(buf.Data(), "i", &values[i]); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// gatherInt64s gathers one int64 per member to root.
func gatherInt64s(g group.Group, root int, value int64) ([]int64, error) {
	tx := bbuff.New()
	if err := bbuff.Sprintf(tx, "i", value); err != nil {
		return nil, err
	}
	rx, err := g.Gather(tx, root)
	if err != nil || rx == nil {
		return nil, err
	}
	values := make([]int64, len(rx))
	for i, buf := range rx {
		if err := bbuff.Sscanf(buf.Data(), "i", &values[i]); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// gatherPools gathers one hardware pool per member to root. The gathered
// pools are unpacked copies, so the root may modify them freely.
func gatherPools(g group.Group, root int, pool *hwpool.Pool) ([]*hwpool.Pool, error) {
	tx := bbuff.New()
	if err := bbuff.Sprintf(tx, "p", pool); err != nil {
		return nil, err
	}
	rx, err := g.Gather(tx, root)
	if err != nil || rx == nil {
		return nil, err
	}
	pools := make([]*hwpool.Pool, len(rx))
	for i, buf := range rx {
		pools[i] = hwpool.New()
		if err := bbuff.Sscanf(buf.Data(), "p", pools[i]); err != nil {
			return nil, err
		}
	}
	return pools, nil
}

// scatterInts scatters one int per member from root.
func scatterInts(g group.Group, root int, values []int) (int, error) {
	var tx []*bbuff.Buffer
	if g.ID() == root {
		tx = make([]*bbuff.Buffer, len(values))
		for i, v := range values {
			tx[i] = bbuff.New()
			if err := bbuff.Sprintf(tx[i], "i", v); err != nil {
				return 0, err
			}
		}
	}
	rx, err := g.Scatter(tx, root)
	if err != nil {
		return 0, err
	}
	var value int
	if err := bbuff.Sscanf(rx.Data(), "i", &value); err != nil {
		return 0, err
	}
	return value, nil
}

// scatterPools scatters one hardware pool per member from root.
func scatterPools(g group.Group, root int, pools []*hwpool.Pool) (*hwpool.Pool, error) {
	var tx []*bbuff.Buffer
	if g.ID() == root {
		tx = make([]*bbuff.Buffer, len(pools))
		for i, p := range pools {
			tx[i] = bbuff.New()
			if err := bbuff.Sprintf(tx[i], "p", p); err != nil {
				return nil, err
			}
		}
	}
	rx, err := g.Scatter(tx, root)
	if err != nil {
		return nil, err
	}
	pool := hwpool.New()
	if err := bbuff.Sscanf(rx.Data(), "p", pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// bcastInt broadcasts one int from root, built on scatter.
func bcastInt(g group.Group, root, value int) (int, error) {
	var values []int
	if g.ID() == root {
		values = make([]int, g.Size())
		for i := range values {
			values[i] = value
		}
	}
	return scatterInts(g, root, values)
}
