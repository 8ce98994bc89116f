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
	"os"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// process is the singleton group of one OS process. Every collective is
// trivially complete.
type process struct {
	taskid int64
}

// NewProcess returns the singleton group of the calling process.
func NewProcess() Group {
	return &process{taskid: int64(os.Getpid())}
}

// newSelf returns a singleton group for an arbitrary task id.
func newSelf(taskid int64) Group {
	return &process{taskid: taskid}
}

func (p *process) ID() int {
	return 0
}

func (p *process) Size() int {
	return 1
}

func (p *process) TaskID() int64 {
	return p.taskid
}

func (p *process) Barrier() error {
	return nil
}

func (p *process) Gather(tx *bbuff.Buffer, root int) ([]*bbuff.Buffer, error) {
	if root != 0 {
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad root %d", root)
	}
	return []*bbuff.Buffer{tx}, nil
}

func (p *process) Scatter(tx []*bbuff.Buffer, root int) (*bbuff.Buffer, error) {
	if root != 0 || len(tx) != 1 {
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad scatter from root %d", root)
	}
	return tx[0], nil
}

func (p *process) Split(color, key int) (Group, error) {
	return newSelf(p.taskid), nil
}

func (p *process) Self() (Group, error) {
	return newSelf(p.taskid), nil
}
