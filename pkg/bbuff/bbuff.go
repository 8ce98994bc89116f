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

// Package bbuff implements the append-only byte buffers that quo-vadis
// collectives and the RMI layer move data in, along with the
// picture-string codec that gives the payloads their types.
package bbuff

// minCapacity is the initial allocation of a non-empty Buffer.
const minCapacity = 64

// Buffer is an append-only, length-tracked byte buffer with geometric
// growth.
type Buffer struct {
	data []byte
}

// New returns a new, empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// NewFromData returns a Buffer seeded with a copy of the given bytes.
func NewFromData(data []byte) *Buffer {
	b := New()
	b.Append(data)
	return b
}

// Append appends the given bytes to the buffer.
func (b *Buffer) Append(p []byte) {
	b.grow(len(p))
	b.data = append(b.data, p...)
}

// AppendByte appends a single byte to the buffer.
func (b *Buffer) AppendByte(c byte) {
	b.grow(1)
	b.data = append(b.data, c)
}

// Data returns the buffer contents. The returned slice is owned by the
// buffer and remains valid only until the next append.
func (b *Buffer) Data() []byte {
	return b.data
}

// Size returns the number of bytes stored in the buffer.
func (b *Buffer) Size() int {
	return len(b.data)
}

// grow ensures capacity for n more bytes, doubling as needed.
func (b *Buffer) grow(n int) {
	need := len(b.data) + n
	if need <= cap(b.data) {
		return
	}
	newcap := cap(b.data)
	if newcap < minCapacity {
		newcap = minCapacity
	}
	for newcap < need {
		newcap *= 2
	}
	ndata := make([]byte, len(b.data), newcap)
	copy(ndata, b.data)
	b.data = ndata
}
