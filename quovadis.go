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

// Package quovadis is the public surface of the quo-vadis node-local
// runtime. A Context pairs a task group with a connection to the
// quo-vadisd daemon; scopes obtained from it partition the node's
// hardware among the group's tasks.
package quovadis

import (
	"golang.org/x/sys/unix"

	"github.com/lanl/quo-vadis-go/pkg/config"
	"github.com/lanl/quo-vadis-go/pkg/group"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
	"github.com/lanl/quo-vadis-go/pkg/rmi"
	"github.com/lanl/quo-vadis-go/pkg/scope"
	"github.com/lanl/quo-vadis-go/pkg/task"
)

// Re-exported handle and constant types, so most applications only need
// this package.
type (
	// Scope is a (group, hardware pool) pair.
	Scope = scope.Scope
	// Intrinsic names a system-provided starting scope.
	Intrinsic = scope.Intrinsic
	// DeviceIDType selects a device identifier form.
	DeviceIDType = scope.DeviceIDType
	// CreateHint carries opaque scope-creation hints.
	CreateHint = scope.CreateHint
	// BindStringFormat selects a binding rendering.
	BindStringFormat = task.BindStringFormat
)

const (
	ScopeSystem  = scope.IntrinsicSystem
	ScopeUser    = scope.IntrinsicUser
	ScopeJob     = scope.IntrinsicJob
	ScopeProcess = scope.IntrinsicProcess

	DeviceIDUUID     = scope.DeviceIDUUID
	DeviceIDPCIBusID = scope.DeviceIDPCIBusID
	DeviceIDOrdinal  = scope.DeviceIDOrdinal

	BindStringAsList = task.BindStringAsList
	BindStringAsMask = task.BindStringAsMask

	// ScopeSplitAffinityPreserving requests an affinity-preserving
	// split.
	ScopeSplitAffinityPreserving = scope.SplitAffinityPreserving
)

// Context is the per-task entry point to quo-vadis.
type Context struct {
	group  group.Group
	client *rmi.Client
	task   *task.Task
	freed  bool
}

// NewProcessContext creates a context whose group is the calling process
// alone, connected to the daemon at the given URL. An empty URL uses the
// default daemon address.
func NewProcessContext(url string) (*Context, error) {
	return newContext(group.NewProcess(), url)
}

// NewThreadContext creates a context for one member of an in-process
// thread group. Call it from the participating thread, with the OS
// thread locked, so the task identity is the calling thread.
func NewThreadContext(tg *group.ThreadGroup, rank int, url string) (*Context, error) {
	g, err := tg.Member(rank, int64(unix.Gettid()))
	if err != nil {
		return nil, err
	}
	return newContext(g, url)
}

func newContext(g group.Group, url string) (*Context, error) {
	if url == "" {
		url = config.Default().URL
	}
	client := rmi.NewClient()
	if err := client.Connect(url); err != nil {
		return nil, err
	}
	return &Context{
		group:  g,
		client: client,
		task:   task.New(g.TaskID(), client),
	}, nil
}

// Free releases the context's resources. Free is collective across the
// context's group and idempotent.
func (c *Context) Free() error {
	if c.freed {
		return nil
	}
	c.freed = true
	return c.client.Disconnect()
}

// Barrier blocks until every task in the context's group has called it.
func (c *Context) Barrier() error {
	if err := c.check(); err != nil {
		return err
	}
	return c.group.Barrier()
}

func (c *Context) check() error {
	if c.freed {
		return qverr.ErrCallBeforeInit
	}
	return nil
}

// GetScope returns the intrinsic scope of the given kind.
func (c *Context) GetScope(kind Intrinsic) (*Scope, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	return scope.Get(c.group, c.client, kind)
}

// BindPush binds the calling task to the scope's cpuset, pushing the
// previous binding.
func (c *Context) BindPush(s *Scope) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.task.BindPush(s.Cpuset())
}

// BindPop restores the binding saved by the matching BindPush.
func (c *Context) BindPop() error {
	if err := c.check(); err != nil {
		return err
	}
	return c.task.BindPop()
}

// BindString renders the calling task's current CPU binding.
func (c *Context) BindString(format BindStringFormat) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	return c.task.BindString(format)
}

// Strerr returns the human-readable description of a status code.
func Strerr(c qverr.Code) string {
	return qverr.Strerr(c)
}
