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

package reloc

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cloudwego/thunkjit/internal/utils"
)

// loadFunc encodes the instruction at output offset at so that it loads the
// pool entry at output offset slot.
type loadFunc func(at int, slot int) ([]byte, error)

type poolRef struct {
	at   int
	addr uint64
	load loadFunc
}

// literalPool collects absolute addresses that rewritten instructions load
// from. Entries are appended after the template tail, aligned to the entry
// size relative to the patch slot.
type literalPool struct {
	size int
	refs []poolRef
}

func newLiteralPool(size int) *literalPool {
	return &literalPool{size: size}
}

func (self *literalPool) add(at int, addr uint64, load loadFunc) {
	self.refs = append(self.refs, poolRef{
		at:   at,
		addr: addr,
		load: load,
	})
}

func (self *literalPool) empty() bool {
	return len(self.refs) == 0
}

// emit appends the pool and resolves every reference. mk is the output
// offset of the patch slot, which the materializer aligns to the entry size.
func (self *literalPool) emit(arch string, buf *utils.CowBuffer, mk int) error {
	if self.empty() {
		return nil
	}

	/* align the pool relative to the patch slot */
	if pad := utils.Mod(mk-buf.Len(), self.size); pad != 0 {
		buf.Append(make([]byte, pad)...)
	}

	/* one entry per reference */
	for _, ref := range self.refs {
		ent := make([]byte, self.size)
		if self.size == 8 {
			binary.LittleEndian.PutUint64(ent, ref.addr)
		} else {
			binary.LittleEndian.PutUint32(ent, uint32(ref.addr))
		}

		/* place the entry, then point the reference at it */
		slot := buf.Append(ent...)
		ins, err := ref.load(ref.at, slot)
		if err != nil {
			return utils.EEncoding(arch, ref.at, err)
		}
		buf.Patch(ref.at, ins)
	}

	/* statistics */
	atomic.AddUint64(&PoolEntries, uint64(len(self.refs)))
	return nil
}
