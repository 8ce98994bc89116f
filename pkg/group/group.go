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

// Package group defines the task-group abstraction scopes are built on: a
// set of cooperating tasks with a common barrier and collective transport.
// The process and thread implementations live here; transports with
// external runtimes (MPI) plug in through the same interface.
package group

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// Group is a set of cooperating tasks. All collective operations must be
// called by every member; gather and scatter are rank-ordered.
type Group interface {
	// ID returns the caller's rank in [0, Size()).
	ID() int
	// Size returns the number of members, at least 1.
	Size() int
	// TaskID returns the caller's opaque 64-bit task identifier.
	TaskID() int64
	// Barrier blocks until every member has called it.
	Barrier() error
	// Gather collects every member's buffer at root, in rank order.
	// Non-root callers receive nil.
	Gather(tx *bbuff.Buffer, root int) ([]*bbuff.Buffer, error)
	// Scatter distributes root's buffers to the members by rank. Only
	// root's tx is consulted.
	Scatter(tx []*bbuff.Buffer, root int) (*bbuff.Buffer, error)
	// Split partitions the group: members passing the same color land
	// in the same child group, ranked by ascending (key, rank).
	Split(color, key int) (Group, error)
	// Self returns a singleton group containing only the caller.
	Self() (Group, error)
}

// Reserved group-table identifiers.
const (
	// IDNull is the invalid group id.
	IDNull int64 = iota
	// IDSelf is the reserved id of the caller's singleton group.
	IDSelf
	// IDNode is the reserved id of the node-wide group.
	IDNode
	// IDWorld is the reserved id of the world group.
	IDWorld

	// idBase is the first allocatable group-table id.
	idBase
)

var nextGroupID int64 = idBase - 1

// NextID returns a fresh group-table id. IDs are strictly increasing per
// process and never recycled; exhausting the 64-bit space fails with
// ErrOOR.
func NextID() (int64, error) {
	id := atomic.AddInt64(&nextGroupID, 1)
	if id < idBase {
		return IDNull, errors.Wrap(qverr.ErrOOR, "group id space exhausted")
	}
	return id, nil
}
