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
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lanl/quo-vadis-go/pkg/bbuff"
	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/hwloc"
	"github.com/lanl/quo-vadis-go/pkg/hwpool"
	logger "github.com/lanl/quo-vadis-go/pkg/log"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
	"github.com/lanl/quo-vadis-go/pkg/scope"
)

// DefaultQueueDepth is the default size of the server's worker pool.
const DefaultQueueDepth = 64

// ServerConfig parameterizes an RMI server.
type ServerConfig struct {
	// URL is the listen address, tcp://host:port or unix://path.
	URL string
	// TmpDir is the directory the topology XML is exported under.
	TmpDir string
	// QueueDepth is the worker pool size; 0 means DefaultQueueDepth.
	QueueDepth int
}

// Server owns the authoritative node topology and serves binding queries
// and resource inquiries over a local socket. The topology is read-only
// after Start; resource reservation is left as a scheduler hook.
type Server struct {
	logger.Logger
	cfg        ServerConfig
	topo       *hwloc.Topology
	hwtopoPath string
	lis        net.Listener
	conns      chan net.Conn
	done       chan struct{}
	wg         sync.WaitGroup
	started    bool

	// mu guards the set of connections being served, so shutdown can
	// unblock workers parked in a receive.
	mu     sync.Mutex
	active map[net.Conn]struct{}

	registry *prometheus.Registry
	rpcs     *prometheus.CounterVec
}

// NewServer returns a server for the given loaded topology.
func NewServer(cfg ServerConfig, topo *hwloc.Topology) (*Server, error) {
	if topo == nil || !topo.Loaded() {
		return nil, errors.Wrap(qverr.ErrCallBeforeInit, "server needs a loaded topology")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	s := &Server{
		Logger:   logger.Get("rmi-server"),
		cfg:      cfg,
		topo:     topo,
		done:     make(chan struct{}),
		active:   map[net.Conn]struct{}{},
		registry: prometheus.NewRegistry(),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quo_vadis_rmi_rpcs_total",
			Help: "RMI calls served, by function and status code.",
		}, []string{"fun", "status"}),
	}
	s.registry.MustRegister(s.rpcs)
	return s, nil
}

// Gatherer exposes the server's metrics registry.
func (s *Server) Gatherer() prometheus.Gatherer {
	return s.registry
}

// HwtopoPath returns the path of the exported topology XML. Valid after
// Start.
func (s *Server) HwtopoPath() string {
	return s.hwtopoPath
}

// URL returns the server's listen URL. For tcp://host:0 configurations
// it carries the bound port after Start.
func (s *Server) URL() string {
	if s.lis == nil {
		return s.cfg.URL
	}
	network, _, _ := parseURL(s.cfg.URL)
	switch network {
	case "tcp":
		return "tcp://" + s.lis.Addr().String()
	case "unix":
		return s.cfg.URL
	}
	return s.cfg.URL
}

// Start exports the topology, binds the socket, and launches the worker
// pool.
func (s *Server) Start() error {
	if s.started {
		return qverr.SuccessAlreadyDone
	}
	path, err := s.topo.Export(s.cfg.TmpDir)
	if err != nil {
		return err
	}
	s.hwtopoPath = path

	network, addr, err := parseURL(s.cfg.URL)
	if err != nil {
		os.Remove(path)
		s.hwtopoPath = ""
		return err
	}
	lis, err := net.Listen(network, addr)
	if err != nil {
		os.Remove(path)
		s.hwtopoPath = ""
		return errors.Wrapf(qverr.ErrSys, "listen %s: %v", s.cfg.URL, err)
	}
	s.lis = lis
	s.conns = make(chan net.Conn, s.cfg.QueueDepth)

	for i := 0; i < s.cfg.QueueDepth; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	s.wg.Add(1)
	go s.accept()

	s.started = true
	s.Info("serving on %s (queue depth %d, topology %s)",
		s.URL(), s.cfg.QueueDepth, s.hwtopoPath)
	return nil
}

// Stop shuts the server down: stops accepting, drains the workers,
// closes the socket, and unlinks the exported topology.
func (s *Server) Stop() error {
	if !s.started {
		return nil
	}
	s.started = false
	var result *multierror.Error

	close(s.done)
	if err := s.lis.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.mu.Lock()
	for conn := range s.active {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	close(s.conns)
	for conn := range s.conns {
		conn.Close()
	}
	if s.hwtopoPath != "" {
		if err := os.Remove(s.hwtopoPath); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, err)
		}
	}
	s.Info("stopped")
	return result.ErrorOrNil()
}

// accept queues incoming connections for the worker pool.
func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				s.Error("accept failed: %v", err)
				return
			}
		}
		select {
		case s.conns <- conn:
		case <-s.done:
			conn.Close()
			return
		}
	}
}

// worker serves queued connections until shutdown.
func (s *Server) worker() {
	defer s.wg.Done()
	for {
		select {
		case conn := <-s.conns:
			s.serveConn(conn)
		case <-s.done:
			return
		}
	}
}

// connState tracks a worker's per-connection state machine.
type connState int

const (
	stateRecv connState = iota
	stateSend
)

// serveConn runs the request/response state machine for one connection.
// A receive error (including the peer closing) drops the in-flight
// message and ends the connection, and the worker goes back to the queue.
// A send error discards the response and the connection returns to
// receiving. Shutdown is checked between messages.
func (s *Server) serveConn(conn net.Conn) {
	s.mu.Lock()
	s.active[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	state := stateRecv
	for {
		select {
		case <-s.done:
			return
		default:
		}
		switch state {
		case stateRecv:
			hdr, payload, err := readMsg(conn)
			if err != nil {
				if err != io.EOF {
					s.Debug("dropping connection: %v", err)
				}
				return
			}
			resp := s.dispatch(hdr, payload)
			state = stateSend
			if err := writeMsg(conn, hdr, resp); err != nil {
				s.Debug("discarding response: %v", err)
			}
			state = stateRecv
		}
	}
}

// dispatch invokes the handler for the message's function id. All
// internal failures convert into a single-code response.
func (s *Server) dispatch(hdr header, payload []byte) []byte {
	var (
		resp *bbuff.Buffer
		err  error
	)
	switch hdr.funid {
	case FunHello:
		resp, err = s.rpcHello(payload)
	case FunTaskGetCpubind:
		resp, err = s.rpcTaskGetCpubind(payload)
	case FunTaskSetCpubind:
		resp, err = s.rpcTaskSetCpubind(payload)
	case FunScopeGetIntrinsicHwpool:
		resp, err = s.rpcScopeGetIntrinsicHwpool(payload)
	case FunGetNobjsInCpuset:
		resp, err = s.rpcGetNobjsInCpuset(payload)
	case FunSplitCpusetByColor:
		resp, err = s.rpcSplitCpusetByColor(payload)
	case FunGetCpusetForNobjs:
		resp, err = s.rpcGetCpusetForNobjs(payload)
	case FunGetDeviceAffinity:
		resp, err = s.rpcGetDeviceAffinity(payload)
	default:
		err = errors.Wrapf(qverr.ErrRPC, "unknown function id %d", hdr.funid)
	}
	status := qverr.CodeOf(err)
	if err != nil {
		s.Error("%v failed: %v", hdr.funid, err)
		if status == qverr.Success {
			status = qverr.ErrRPC
		}
		resp = bbuff.New()
		bbuff.PutInt32(resp, int32(status))
	}
	s.rpcs.WithLabelValues(hdr.funid.String(), fmt.Sprintf("%d", status)).Inc()
	return resp.Data()
}

func (s *Server) rpcHello(payload []byte) (*bbuff.Buffer, error) {
	var taskid int64
	if err := bbuff.Sscanf(payload, "i", &taskid); err != nil {
		return nil, err
	}
	s.Debug("hello from task %d", taskid)
	caps := fmt.Sprintf("qdepth=%d", s.cfg.QueueDepth)
	resp := bbuff.New()
	err := bbuff.Sprintf(resp, "iss", int32(qverr.Success), caps, s.hwtopoPath)
	return resp, err
}

func (s *Server) rpcTaskGetCpubind(payload []byte) (*bbuff.Buffer, error) {
	var taskid int64
	if err := bbuff.Sscanf(payload, "i", &taskid); err != nil {
		return nil, err
	}
	cur, err := hwloc.TaskGetCpubind(int(taskid))
	if err != nil {
		return nil, err
	}
	resp := bbuff.New()
	err = bbuff.Sprintf(resp, "ib", int32(qverr.Success), cur)
	return resp, err
}

func (s *Server) rpcTaskSetCpubind(payload []byte) (*bbuff.Buffer, error) {
	var taskid int64
	var cs cpuset.CPUSet
	if err := bbuff.Sscanf(payload, "ib", &taskid, &cs); err != nil {
		return nil, err
	}
	if err := hwloc.TaskSetCpubind(int(taskid), cs); err != nil {
		return nil, err
	}
	resp := bbuff.New()
	err := bbuff.Sprintf(resp, "i", int32(qverr.Success))
	return resp, err
}

func (s *Server) rpcScopeGetIntrinsicHwpool(payload []byte) (*bbuff.Buffer, error) {
	var taskid int64
	var kind int
	if err := bbuff.Sscanf(payload, "ii", &taskid, &kind); err != nil {
		return nil, err
	}
	pool, err := s.intrinsicPool(taskid, scope.Intrinsic(kind))
	if err != nil {
		return nil, err
	}
	resp := bbuff.New()
	err = bbuff.Sprintf(resp, "ip", int32(qverr.Success), pool)
	return resp, err
}

func (s *Server) rpcGetNobjsInCpuset(payload []byte) (*bbuff.Buffer, error) {
	var typ int
	var cs cpuset.CPUSet
	if err := bbuff.Sscanf(payload, "ib", &typ, &cs); err != nil {
		return nil, err
	}
	n, err := s.topo.NObjsInCpuset(hwloc.ObjType(typ), cs)
	if err != nil {
		return nil, err
	}
	resp := bbuff.New()
	err = bbuff.Sprintf(resp, "ii", int32(qverr.Success), n)
	return resp, err
}

func (s *Server) rpcSplitCpusetByColor(payload []byte) (*bbuff.Buffer, error) {
	var cs cpuset.CPUSet
	var ncolors, color int
	if err := bbuff.Sscanf(payload, "bii", &cs, &ncolors, &color); err != nil {
		return nil, err
	}
	piece, err := s.topo.SplitCpusetByColor(cs, ncolors, color)
	if err != nil {
		return nil, err
	}
	resp := bbuff.New()
	err = bbuff.Sprintf(resp, "ib", int32(qverr.Success), piece)
	return resp, err
}

func (s *Server) rpcGetCpusetForNobjs(payload []byte) (*bbuff.Buffer, error) {
	var cs cpuset.CPUSet
	var typ, nobjs int
	if err := bbuff.Sscanf(payload, "bii", &cs, &typ, &nobjs); err != nil {
		return nil, err
	}
	result, err := s.topo.GetCpusetForNobjs(cs, hwloc.ObjType(typ), nobjs)
	if err != nil {
		return nil, err
	}
	resp := bbuff.New()
	err = bbuff.Sprintf(resp, "ib", int32(qverr.Success), result)
	return resp, err
}

func (s *Server) rpcGetDeviceAffinity(payload []byte) (*bbuff.Buffer, error) {
	var typ, devid int
	if err := bbuff.Sscanf(payload, "ii", &typ, &devid); err != nil {
		return nil, err
	}
	affinity, err := s.topo.DeviceAffinity(hwloc.ObjType(typ), devid)
	if err != nil {
		return nil, err
	}
	resp := bbuff.New()
	err = bbuff.Sprintf(resp, "ib", int32(qverr.Success), affinity)
	return resp, err
}

// intrinsicPool builds the hardware pool backing an intrinsic scope.
// SYSTEM and USER span the whole machine and all devices; JOB matches
// USER until an external scheduler narrows it; PROCESS is narrowed to
// the task's binding at request time.
func (s *Server) intrinsicPool(taskid int64, kind scope.Intrinsic) (*hwpool.Pool, error) {
	pool := hwpool.New()
	switch kind {
	case scope.IntrinsicSystem, scope.IntrinsicUser, scope.IntrinsicJob:
		pool.Init(s.topo.Machine())
		for _, d := range s.topo.Devices(hwloc.ObjGPU) {
			pool.AddDevice(d.Type, d.ID, d.PCIBusID, d.UUID, d.Affinity)
		}
	case scope.IntrinsicProcess:
		cur, err := hwloc.TaskGetCpubind(int(taskid))
		if err != nil {
			return nil, err
		}
		pool.Init(cur)
		for _, d := range s.topo.Devices(hwloc.ObjGPU) {
			if d.Affinity.Intersection(cur).Size() > 0 {
				pool.AddDevice(d.Type, d.ID, d.PCIBusID, d.UUID, d.Affinity)
			}
		}
	default:
		return nil, errors.Wrapf(qverr.ErrInvalidArg, "bad intrinsic %d", kind)
	}
	return pool, nil
}
