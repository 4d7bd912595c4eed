/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utils

import (
	"github.com/bytedance/gopkg/lang/dirtmake"
)

const (
	_CowSlack = 64
)

// CowBuffer rebuilds a byte sequence from a source slice. It borrows the
// source until the first edit, then owns a private copy.
//
// Edits are addressed by source offsets and must be issued in ascending
// order; source bytes between edits are carried over verbatim.
type CowBuffer struct {
	src []byte
	buf []byte
	pos int
}

func NewCowBuffer(src []byte) *CowBuffer {
	return &CowBuffer{src: src}
}

// Owned reports whether the buffer has been promoted to a private copy.
func (self *CowBuffer) Owned() bool {
	return self.buf != nil
}

// Len returns the length of the rebuilt sequence.
func (self *CowBuffer) Len() int {
	return len(self.buf) + len(self.src) - self.pos
}

func (self *CowBuffer) promote() {
	if self.buf == nil {
		self.buf = dirtmake.Bytes(0, len(self.src)+_CowSlack)
	}
}

// CopyUpTo carries source bytes over until source offset off, returning the
// output offset matching off.
func (self *CowBuffer) CopyUpTo(off int) int {
	if off < self.pos || off > len(self.src) {
		panic("cowbuf: copy offset out of order")
	}

	/* carry the pending source bytes */
	self.promote()
	self.buf = append(self.buf, self.src[self.pos:off]...)
	self.pos = off
	return len(self.buf)
}

// Insert places b before source offset off, returning its output offset.
func (self *CowBuffer) Insert(off int, b []byte) int {
	ret := self.CopyUpTo(off)
	self.buf = append(self.buf, b...)
	return ret
}

// Replace substitutes the n source bytes at off with b, returning the output
// offset of b.
func (self *CowBuffer) Replace(off int, n int, b []byte) int {
	if off+n > len(self.src) {
		panic("cowbuf: replace range out of bounds")
	}

	/* drop the replaced source range */
	ret := self.Insert(off, b)
	self.pos += n
	return ret
}

// Append adds b after every source byte, returning its output offset.
func (self *CowBuffer) Append(b ...byte) int {
	ret := self.CopyUpTo(len(self.src))
	self.buf = append(self.buf, b...)
	return ret
}

// Patch overwrites already emitted output bytes.
func (self *CowBuffer) Patch(off int, b []byte) {
	if !self.Owned() || off+len(b) > len(self.buf) {
		panic("cowbuf: patch outside of emitted bytes")
	}
	copy(self.buf[off:], b)
}

// Bytes finishes the sequence. A buffer that was never edited returns the
// source slice itself.
func (self *CowBuffer) Bytes() []byte {
	if self.buf == nil {
		return self.src
	} else {
		self.CopyUpTo(len(self.src))
		return self.buf
	}
}
