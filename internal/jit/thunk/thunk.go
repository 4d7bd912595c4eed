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

// Package thunk materializes thunk templates into freshly allocated
// executable memory.
package thunk

import (
	"encoding/binary"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cloudwego/thunkjit/internal/jit/loader"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/jit/reloc"
	"github.com/cloudwego/thunkjit/internal/logs"
	"github.com/cloudwego/thunkjit/internal/opts"
	"github.com/cloudwego/thunkjit/internal/rt"
	"github.com/cloudwego/thunkjit/internal/utils"
)

var (
	ThunkCount  uint64
	SharedCount uint64
	LiveCount   int64
)

// Thunk is a materialized template.
//
// A thunk without an allocator shares the template itself and owns nothing.
// The entry point stays valid until Release is called.
type Thunk struct {
	entry    uintptr
	block    uintptr
	size     int
	alloc    loader.Allocator
	released uint32
}

// Entry returns the callable address, with the mode tag of the instruction
// set applied.
func (self *Thunk) Entry() uintptr {
	return self.entry
}

// Size returns the number of bytes written, or zero for a shared template.
func (self *Thunk) Size() int {
	return self.size
}

// Owned reports whether the thunk holds a block of JIT memory.
func (self *Thunk) Owned() bool {
	return self.alloc != nil
}

// Release gives the block back to its allocator. Only the first call has an
// effect, and allocator failures are logged, not returned.
func (self *Thunk) Release() {
	if !atomic.CompareAndSwapUint32(&self.released, 0, 1) || self.alloc == nil {
		return
	}

	/* the entry point dangles from here on */
	atomic.AddInt64(&LiveCount, -1)
	if err := self.alloc.Release(self.block); err != nil {
		logs.Logger().Warn("cannot release thunk memory", zap.Uintptr("block", self.block), zap.Error(err))
	}
}

// Materializer copies templates of one instruction set.
type Materializer struct {
	Proto     marker.Protocol
	Engine    reloc.Engine
	Alloc     loader.Allocator
	ScanLimit int
}

func (self *Materializer) scanLimit() int {
	if self.ScanLimit <= 0 {
		return opts.MaxTemplateSize
	} else {
		return self.ScanLimit
	}
}

// Materialize makes a copy of the template at template whose patch slot holds
// payload. A zero payloadSize returns the template itself, since every copy
// would be identical.
func (self *Materializer) Materialize(template uintptr, payload uintptr, payloadSize uintptr) (*Thunk, error) {
	if payloadSize == 0 {
		atomic.AddUint64(&SharedCount, 1)
		return &Thunk{entry: template}, nil
	}

	/* find the patch slot, it fixes the template length */
	base := self.Proto.Untag(template)
	mk, err := self.Proto.Scan(base, self.scanLimit())
	if err != nil {
		return nil, err
	}

	/* rewrite the prefix for its new address */
	size := self.Proto.TemplateSize(mk)
	res, err := reloc.Relocate(self.Engine, rt.View(base, size), uint64(base), mk)
	if err != nil {
		return nil, err
	}

	/* leave room to align the slot */
	nb := len(res.Code)
	ps := uintptr(self.Proto.PtrSize)
	exec, write, err := self.Alloc.Alloc(uintptr(nb) + ps - 1)
	if err != nil {
		return nil, err
	}

	/* write the copy, give the block back on failure */
	sub := utils.AlignPad(exec+uintptr(res.Marker), ps)
	if err = self.emit(exec+sub, write+sub, res, self.Proto.ReturnAddress(base, mk), payload); err != nil {
		if rerr := self.Alloc.Release(exec); rerr != nil {
			logs.Logger().Warn("cannot release thunk memory", zap.Uintptr("block", exec), zap.Error(rerr))
		}
		return nil, err
	}

	/* record statistics */
	atomic.AddUint64(&ThunkCount, 1)
	atomic.AddInt64(&LiveCount, 1)
	if ce := logs.Logger().Check(zap.DebugLevel, "materialized thunk"); ce != nil {
		ce.Write(
			zap.Stringer("arch", self.Proto.Arch),
			zap.Uintptr("template", base),
			zap.String("symbol", rt.FuncName(base)),
			zap.Uintptr("entry", exec+sub),
			zap.Int("size", nb),
			zap.Bool("relocated", !res.Borrowed),
		)
	}

	/* the entry keeps the mode of the template */
	return &Thunk{
		entry: self.Proto.Tag(exec + sub),
		block: exec,
		size:  nb,
		alloc: self.Alloc,
	}, nil
}

func (self *Materializer) emit(exec uintptr, write uintptr, res reloc.Result, ret uintptr, payload uintptr) error {
	nb := len(res.Code)
	ps := self.Proto.PtrSize

	/* open the block for writing */
	if err := self.Alloc.SetAccess(exec, uintptr(nb), loader.ReadWrite); err != nil {
		return err
	}

	/* the code, then the payload in the slot */
	buf := rt.View(write, nb)
	copy(buf, res.Code)
	putWord(buf[res.Marker:], payload, ps)

	/* the word after the slot jumps back into the template */
	if self.Proto.WritesReturn {
		putWord(buf[res.Marker+ps:], ret, ps)
	}

	/* seal it, then make the new code visible */
	if err := self.Alloc.SetAccess(exec, uintptr(nb), loader.ReadExecute); err != nil {
		return err
	}
	self.Alloc.FlushInstructionCache(exec, uintptr(nb))
	return nil
}

func putWord(buf []byte, v uintptr, size int) {
	if size == 8 {
		binary.LittleEndian.PutUint64(buf, uint64(v))
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(v))
	}
}
