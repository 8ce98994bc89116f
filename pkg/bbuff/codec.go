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

package bbuff

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/lanl/quo-vadis-go/pkg/cpuset"
	"github.com/lanl/quo-vadis-go/pkg/qverr"
)

// A picture string names the payload layout of an encoded buffer. Each
// character is a type code:
//
//	i  integer, little-endian: int and int32 values take 4 bytes, int64
//	   values take 8; the decoding destination must have the same width
//	s  NUL-terminated UTF-8 string
//	b  bitmap, transported as its list-form string
//	p  a Packable (e.g. a hardware pool), recursively encoded
//
// Bitmaps travel as list-form strings so the wire format stays decoupled
// from any native bitmap representation. Malformed pictures are programmer
// errors and panic.

// Packable is implemented by types that encode themselves into a Buffer
// and decode themselves from a Reader. The 'p' picture code dispatches
// through this interface.
type Packable interface {
	Pack(*Buffer) error
	Unpack(*Reader) error
}

// Sprintf appends the given values to buf according to the picture string.
func Sprintf(buf *Buffer, picture string, args ...interface{}) error {
	if len(picture) != len(args) {
		panic(fmt.Sprintf("bbuff: picture %q wants %d args, got %d",
			picture, len(picture), len(args)))
	}
	for i, code := range picture {
		switch code {
		case 'i':
			switch v := args[i].(type) {
			case int:
				PutInt32(buf, int32(v))
			case int32:
				PutInt32(buf, v)
			case int64:
				PutInt64(buf, v)
			default:
				panic(fmt.Sprintf("bbuff: picture 'i' got %T", args[i]))
			}
		case 's':
			s, ok := args[i].(string)
			if !ok {
				panic(fmt.Sprintf("bbuff: picture 's' got %T", args[i]))
			}
			PutString(buf, s)
		case 'b':
			c, ok := args[i].(cpuset.CPUSet)
			if !ok {
				panic(fmt.Sprintf("bbuff: picture 'b' got %T", args[i]))
			}
			PutBitmap(buf, c)
		case 'p':
			p, ok := args[i].(Packable)
			if !ok {
				panic(fmt.Sprintf("bbuff: picture 'p' got %T", args[i]))
			}
			if err := p.Pack(buf); err != nil {
				return err
			}
		default:
			panic(fmt.Sprintf("bbuff: unknown picture code %q", code))
		}
	}
	return nil
}

// Sscanf decodes data according to the picture string, storing results
// through the given destinations.
func Sscanf(data []byte, picture string, dsts ...interface{}) error {
	if len(picture) != len(dsts) {
		panic(fmt.Sprintf("bbuff: picture %q wants %d dsts, got %d",
			picture, len(picture), len(dsts)))
	}
	r := NewReader(data)
	for i, code := range picture {
		switch code {
		case 'i':
			switch dst := dsts[i].(type) {
			case *int:
				v, err := r.Int32()
				if err != nil {
					return err
				}
				*dst = int(v)
			case *int32:
				v, err := r.Int32()
				if err != nil {
					return err
				}
				*dst = v
			case *int64:
				v, err := r.Int64()
				if err != nil {
					return err
				}
				*dst = v
			default:
				panic(fmt.Sprintf("bbuff: picture 'i' got %T", dsts[i]))
			}
		case 's':
			dst, ok := dsts[i].(*string)
			if !ok {
				panic(fmt.Sprintf("bbuff: picture 's' got %T", dsts[i]))
			}
			v, err := r.String()
			if err != nil {
				return err
			}
			*dst = v
		case 'b':
			dst, ok := dsts[i].(*cpuset.CPUSet)
			if !ok {
				panic(fmt.Sprintf("bbuff: picture 'b' got %T", dsts[i]))
			}
			v, err := r.Bitmap()
			if err != nil {
				return err
			}
			*dst = v
		case 'p':
			dst, ok := dsts[i].(Packable)
			if !ok {
				panic(fmt.Sprintf("bbuff: picture 'p' got %T", dsts[i]))
			}
			if err := dst.Unpack(r); err != nil {
				return err
			}
		default:
			panic(fmt.Sprintf("bbuff: unknown picture code %q", code))
		}
	}
	return nil
}

// PutInt32 appends a little-endian int32.
func PutInt32(b *Buffer, v int32) {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(v))
	b.Append(raw[:])
}

// PutInt64 appends a little-endian int64.
func PutInt64(b *Buffer, v int64) {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], uint64(v))
	b.Append(raw[:])
}

// PutString appends a NUL-terminated string.
func PutString(b *Buffer, s string) {
	b.Append([]byte(s))
	b.AppendByte(0)
}

// PutBitmap appends a bitmap in its list-form string encoding.
func PutBitmap(b *Buffer, c cpuset.CPUSet) {
	PutString(b, c.String())
}

// Reader decodes typed fields from an encoded byte slice.
type Reader struct {
	data []byte
	off  int
}

// NewReader returns a Reader over the given bytes.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Int32 decodes a little-endian int32.
func (r *Reader) Int32() (int32, error) {
	if r.Remaining() < 4 {
		return 0, errors.Wrap(qverr.ErrMsg, "truncated int32")
	}
	v := int32(binary.LittleEndian.Uint32(r.data[r.off:]))
	r.off += 4
	return v, nil
}

// Int64 decodes a little-endian int64.
func (r *Reader) Int64() (int64, error) {
	if r.Remaining() < 8 {
		return 0, errors.Wrap(qverr.ErrMsg, "truncated int64")
	}
	v := int64(binary.LittleEndian.Uint64(r.data[r.off:]))
	r.off += 8
	return v, nil
}

// String decodes a NUL-terminated string.
func (r *Reader) String() (string, error) {
	for i := r.off; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.off:i])
			r.off = i + 1
			return s, nil
		}
	}
	return "", errors.Wrap(qverr.ErrMsg, "unterminated string")
}

// Bitmap decodes a bitmap from its list-form string encoding.
func (r *Reader) Bitmap() (cpuset.CPUSet, error) {
	s, err := r.String()
	if err != nil {
		return cpuset.New(), err
	}
	c, err := cpuset.Parse(s)
	if err != nil {
		return cpuset.New(), errors.Wrapf(qverr.ErrMsg, "bad bitmap %q", s)
	}
	return c, nil
}
