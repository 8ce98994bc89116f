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
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// maxCPUs bounds the logical-processor indices considered when converting
// kernel CPU masks.
const maxCPUs = 1024

// TaskGetCpubind returns the current CPU binding of the given task. The
// returned cpuset is freshly allocated and owned by the caller.
func TaskGetCpubind(pid int) (cpuset.CPUSet, error) {
	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(pid, &mask); err != nil {
		return cpuset.New(), errors.Wrapf(qverr.ErrSys,
			"sched_getaffinity(%d): %v", pid, err)
	}
	ids := []int{}
	for i := 0; i < maxCPUs; i++ {
		if mask.IsSet(i) {
			ids = append(ids, i)
		}
	}
	return cpuset.New(ids...), nil
}

// TaskSetCpubind sets the CPU binding of the given task.
func TaskSetCpubind(pid int, cs cpuset.CPUSet) error {
	if cs.Size() == 0 {
		return errors.Wrap(qverr.ErrInvalidArg, "empty binding")
	}
	var mask unix.CPUSet
	for _, id := range cs.List() {
		mask.Set(id)
	}
	if err := unix.SchedSetaffinity(pid, &mask); err != nil {
		return errors.Wrapf(qverr.ErrSys,
			"sched_setaffinity(%d, %s): %v", pid, cs, err)
	}
	return nil
}
