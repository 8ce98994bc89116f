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

// Package rmi implements Resource Management and Inquiry: the wire
// protocol, the daemon-side server that owns the authoritative topology,
// and the client library that marshals typed calls to it.
package rmi

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// FunID identifies a remote procedure. Values are wire-stable; append
// only.
type FunID uint32

const (
	// FunInvalid is the invalid function id.
	FunInvalid FunID = iota
	// FunHello starts a session and returns the server capabilities and
	// the exported topology path.
	FunHello
	// FunTaskGetCpubind returns a task's current CPU binding.
	FunTaskGetCpubind
	// FunTaskSetCpubind sets a task's CPU binding from a cpuset.
	FunTaskSetCpubind
	// FunScopeGetIntrinsicHwpool returns the hardware pool of an
	// intrinsic scope.
	FunScopeGetIntrinsicHwpool
	// FunGetNobjsInCpuset counts objects of a type inside a cpuset.
	FunGetNobjsInCpuset
	// FunSplitCpusetByColor returns one piece of a balanced subdivision
	// of a cpuset.
	FunSplitCpusetByColor
	// FunGetCpusetForNobjs returns a cpuset backing a number of objects.
	FunGetCpusetForNobjs
	// FunGetDeviceAffinity returns the CPU affinity of a device.
	FunGetDeviceAffinity
)

// String returns the name of the function id.
func (f FunID) String() string {
	switch f {
	case FunHello:
		return "hello"
	case FunTaskGetCpubind:
		return "task-get-cpubind"
	case FunTaskSetCpubind:
		return "task-set-cpubind"
	case FunScopeGetIntrinsicHwpool:
		return "scope-get-intrinsic-hwpool"
	case FunGetNobjsInCpuset:
		return "get-nobjs-in-cpuset"
	case FunSplitCpusetByColor:
		return "split-cpuset-by-color"
	case FunGetCpusetForNobjs:
		return "get-cpuset-for-nobjs"
	case FunGetDeviceAffinity:
		return "get-device-affinity"
	}
	return "invalid"
}

// Argument type tags packed into the header's argv field, four bits per
// argument; typeNone terminates the sequence. The argv field describes
// the request payload; responses echo the request header.
const (
	typeNone   uint64 = 0
	typeInt    uint64 = 1
	typeCstr   uint64 = 2
	typeBitmap uint64 = 3

	argvTypeBits = 4
	argvMaxArgs  = 16
)

// packArgv encodes a request picture string into an argv field.
// Unsupported request picture codes are programmer errors.
func packArgv(picture string) uint64 {
	if len(picture) > argvMaxArgs {
		panic(fmt.Sprintf("rmi: picture %q exceeds %d args", picture, argvMaxArgs))
	}
	var argv uint64
	shift := 0
	for _, code := range picture {
		var tag uint64
		switch code {
		case 'i':
			tag = typeInt
		case 's':
			tag = typeCstr
		case 'b':
			tag = typeBitmap
		default:
			panic(fmt.Sprintf("rmi: picture code %q not allowed in requests", code))
		}
		argv |= tag << shift
		shift += argvTypeBits
	}
	return argv
}

// header is the fixed 16-byte wire message header.
type header struct {
	funid    FunID
	argv     uint64
	reserved uint32
}

const (
	headerSize = 16
	// maxPayload bounds a single message payload.
	maxPayload = 16 << 20
)

// writeMsg frames and writes one message: a little-endian u32 payload
// length, the 16-byte header, and the payload.
func writeMsg(w io.Writer, hdr header, payload []byte) error {
	if len(payload) > maxPayload {
		return errors.Wrapf(qverr.ErrMsg, "oversized payload (%d bytes)", len(payload))
	}
	frame := make([]byte, 4+headerSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:], uint32(hdr.funid))
	binary.LittleEndian.PutUint64(frame[8:], hdr.argv)
	binary.LittleEndian.PutUint32(frame[16:], hdr.reserved)
	copy(frame[4+headerSize:], payload)
	if _, err := w.Write(frame); err != nil {
		return errors.Wrapf(qverr.ErrMsg, "message send: %v", err)
	}
	return nil
}

// readMsg reads one framed message.
func readMsg(r io.Reader) (header, []byte, error) {
	var hdr header
	raw := make([]byte, 4+headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		if err == io.EOF {
			return hdr, nil, io.EOF
		}
		return hdr, nil, errors.Wrapf(qverr.ErrMsg, "message header receive: %v", err)
	}
	plen := binary.LittleEndian.Uint32(raw[0:])
	if plen > maxPayload {
		return hdr, nil, errors.Wrapf(qverr.ErrMsg, "oversized payload (%d bytes)", plen)
	}
	hdr.funid = FunID(binary.LittleEndian.Uint32(raw[4:]))
	hdr.argv = binary.LittleEndian.Uint64(raw[8:])
	hdr.reserved = binary.LittleEndian.Uint32(raw[16:])
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, errors.Wrapf(qverr.ErrMsg, "message payload receive: %v", err)
	}
	return hdr, payload, nil
}

// parseURL splits an RMI URL into a network and an address for net.Dial
// and net.Listen. Supported schemes are tcp:// and unix://.
func parseURL(url string) (string, string, error) {
	switch {
	case strings.HasPrefix(url, "tcp://"):
		return "tcp", strings.TrimPrefix(url, "tcp://"), nil
	case strings.HasPrefix(url, "unix://"):
		return "unix", strings.TrimPrefix(url, "unix://"), nil
	}
	return "", "", errors.Wrapf(qverr.ErrInvalidArg, "bad RMI url %q", url)
}
