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

package rmi

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
	"github.com/lanl/quo-vadis-go/pkg/hwpool"
	logger "github.com/lanl/quo-vadis-go/pkg/log"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
	"github.com/lanl/quo-vadis-go/pkg/scope"
)

// Client is the task-side handle on the RMI daemon. All operations are
// synchronous blocking RPCs over one socket; an optional per-call timeout
// surfaces as ErrMsg. A Client serializes its own calls and caches the
// topology imported during Connect until Disconnect.
type Client struct {
	logger.Logger
	mu         sync.Mutex
	conn       net.Conn
	url        string
	timeout    time.Duration
	caps       string
	hwtopoPath string
	topo       *hwloc.Topology
}

// NewClient returns a disconnected client.
func NewClient() *Client {
	return &Client{Logger: logger.Get("rmi-client")}
}

// Connect opens the socket, performs the hello exchange, and imports the
// topology the server exported.
func (c *Client) Connect(url string) error {
	network, addr, err := parseURL(url)
	if err != nil {
		return err
	}
	conn, err := net.Dial(network, addr)
	if err != nil {
		return errors.Wrapf(qverr.ErrMsg, "connect %s: %v", url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.url = url
	c.mu.Unlock()

	if err := c.hello(); err != nil {
		c.Disconnect()
		return err
	}
	topo := hwloc.New()
	if err := topo.LoadXML(c.hwtopoPath); err != nil {
		c.Disconnect()
		return err
	}
	c.mu.Lock()
	c.topo = topo
	c.mu.Unlock()
	c.Debug("connected to %s (%s)", url, c.caps)
	return nil
}

// Connected reports whether the client holds an open connection.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SetTimeout sets the per-call timeout. Zero restores the default of
// blocking indefinitely.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Disconnect closes the connection and invalidates the cached topology.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.topo = nil
	c.hwtopoPath = ""
	if err != nil {
		return errors.Wrapf(qverr.ErrMsg, "disconnect: %v", err)
	}
	return nil
}

// Topology returns the topology imported from the server, or nil before
// Connect.
func (c *Client) Topology() *hwloc.Topology {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topo
}

// HwtopoPath returns the server's exported topology path.
func (c *Client) HwtopoPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hwtopoPath
}

// call performs one request/response exchange. reqPic describes the
// request payload; respPic describes the response fields following the
// leading status code.
func (c *Client) call(funid FunID, reqPic string, args []interface{}, respPic string, dsts ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.Wrap(qverr.ErrCallBeforeInit, "client not connected")
	}

	req := bbuff.New()
	if err := bbuff.Sprintf(req, reqPic, args...); err != nil {
		return err
	}
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return errors.Wrapf(qverr.ErrMsg, "deadline: %v", err)
		}
		defer c.conn.SetDeadline(time.Time{})
	}
	hdr := header{funid: funid, argv: packArgv(reqPic)}
	if err := writeMsg(c.conn, hdr, req.Data()); err != nil {
		return err
	}
	rhdr, payload, err := readMsg(c.conn)
	if err != nil {
		return errors.Wrapf(qverr.ErrMsg, "reply receive: %v", err)
	}
	if rhdr.funid != funid {
		return errors.Wrapf(qverr.ErrMsg, "reply for %v to a %v request", rhdr.funid, funid)
	}

	r := bbuff.NewReader(payload)
	status, err := r.Int32()
	if err != nil {
		return err
	}
	if rc := qverr.Code(status); rc != qverr.Success {
		return errors.Wrapf(rc, "%v failed remotely", funid)
	}
	return bbuff.Sscanf(payload[4:], respPic, dsts...)
}

// hello performs the session handshake.
func (c *Client) hello() error {
	var caps, path string
	err := c.call(FunHello, "i", []interface{}{int64(os.Getpid())}, "ss", &caps, &path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.caps = caps
	c.hwtopoPath = path
	c.mu.Unlock()
	return nil
}

// GetCpubind returns the current CPU binding of the given task. The
// returned cpuset is freshly allocated.
func (c *Client) GetCpubind(taskid int64) (cpuset.CPUSet, error) {
	var cs cpuset.CPUSet
	err := c.call(FunTaskGetCpubind, "i", []interface{}{taskid}, "b", &cs)
	return cs, err
}

// SetCpubind sets the CPU binding of the given task.
func (c *Client) SetCpubind(taskid int64, cs cpuset.CPUSet) error {
	return c.call(FunTaskSetCpubind, "ib", []interface{}{taskid, cs}, "")
}

// GetIntrinsicHwpool returns the hardware pool of an intrinsic scope for
// the given task.
func (c *Client) GetIntrinsicHwpool(taskid int64, kind scope.Intrinsic) (*hwpool.Pool, error) {
	pool := hwpool.New()
	err := c.call(FunScopeGetIntrinsicHwpool, "ii",
		[]interface{}{taskid, int(kind)}, "p", pool)
	if err != nil {
		return nil, err
	}
	return pool, nil
}

// GetNobjsInCpuset counts objects of the given type inside the cpuset.
func (c *Client) GetNobjsInCpuset(typ hwloc.ObjType, cs cpuset.CPUSet) (int, error) {
	var n int
	err := c.call(FunGetNobjsInCpuset, "ib", []interface{}{int(typ), cs}, "i", &n)
	return n, err
}

// SplitCpusetByColor returns the color-th piece of a balanced
// lexicographic subdivision of the cpuset.
func (c *Client) SplitCpusetByColor(cs cpuset.CPUSet, ncolors, color int) (cpuset.CPUSet, error) {
	var piece cpuset.CPUSet
	err := c.call(FunSplitCpusetByColor, "bii",
		[]interface{}{cs, ncolors, color}, "b", &piece)
	return piece, err
}

// GetCpusetForNobjs returns a cpuset backing exactly nobjs objects of
// the given type within cs.
func (c *Client) GetCpusetForNobjs(cs cpuset.CPUSet, typ hwloc.ObjType, nobjs int) (cpuset.CPUSet, error) {
	var result cpuset.CPUSet
	err := c.call(FunGetCpusetForNobjs, "bii",
		[]interface{}{cs, int(typ), nobjs}, "b", &result)
	return result, err
}

// GetDeviceAffinity returns the CPU affinity of the given device.
func (c *Client) GetDeviceAffinity(typ hwloc.ObjType, devid int) (cpuset.CPUSet, error) {
	var affinity cpuset.CPUSet
	err := c.call(FunGetDeviceAffinity, "ii",
		[]interface{}{int(typ), devid}, "b", &affinity)
	return affinity, err
}

// The client is the production implementation of the scope and task
// inquiry surfaces.
var _ scope.RMI = (*Client)(nil)
