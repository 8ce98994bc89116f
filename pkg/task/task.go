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

// Package task carries the per-task state of a quo-vadis context: the
// task identity and its CPU-binding stack. The stack holds owned cpuset
// snapshots only; it never references a live scope.
package task

import (
	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// Binder reads and writes a task's CPU binding. The RMI client is the
// production implementation.
type Binder interface {
	GetCpubind(taskid int64) (cpuset.CPUSet, error)
	SetCpubind(taskid int64, cs cpuset.CPUSet) error
}

// BindStringFormat selects the rendering of a binding.
type BindStringFormat int

const (
	// BindStringAsList renders the binding in list form, e.g. "0-3".
	BindStringAsList BindStringFormat = iota
	// BindStringAsMask renders the binding as a hexadecimal mask.
	BindStringAsMask
)

// Task is one participating task: an identity plus its bind stack.
type Task struct {
	id     int64
	binder Binder
	stack  []cpuset.CPUSet
}

// New returns a task with the given identity and binder.
func New(id int64, binder Binder) *Task {
	return &Task{id: id, binder: binder}
}

// ID returns the task identifier.
func (t *Task) ID() int64 {
	return t.id
}

// BindPush sets the task's CPU binding to the given cpuset, pushing the
// previous binding for a later BindPop.
func (t *Task) BindPush(cs cpuset.CPUSet) error {
	prev, err := t.binder.GetCpubind(t.id)
	if err != nil {
		return err
	}
	if err := t.binder.SetCpubind(t.id, cs); err != nil {
		return err
	}
	t.stack = append(t.stack, prev)
	return nil
}

// BindPop restores the binding saved by the matching BindPush. Popping an
// empty stack fails with ErrPop.
func (t *Task) BindPop() error {
	if len(t.stack) == 0 {
		return errors.Wrap(qverr.ErrPop, "bind stack is empty")
	}
	prev := t.stack[len(t.stack)-1]
	if err := t.binder.SetCpubind(t.id, prev); err != nil {
		return err
	}
	t.stack = t.stack[:len(t.stack)-1]
	return nil
}

// BindString renders the task's current CPU binding.
func (t *Task) BindString(format BindStringFormat) (string, error) {
	cur, err := t.binder.GetCpubind(t.id)
	if err != nil {
		return "", err
	}
	switch format {
	case BindStringAsList:
		return cpuset.ListString(cur), nil
	case BindStringAsMask:
		return cpuset.MaskString(cur), nil
	}
	return "", errors.Wrapf(qverr.ErrInvalidArg, "bad bind string format %d", format)
}

// BindDepth returns the number of pushed bindings.
func (t *Task) BindDepth() int {
	return len(t.stack)
}
