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

// Package thunkjit copies pre-built thunk templates into executable memory,
// patching a payload pointer into each copy.
//
// A template is machine code that loads a pointer from a marker slot right
// after its address-dependent prefix. Materializing a template relocates that
// prefix for the new address, or proves that it needs none, and then fills
// the slot of the copy.
package thunkjit

import (
	"unsafe"

	"go.uber.org/zap"

	"github.com/cloudwego/thunkjit/internal/jit/loader"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/jit/reloc"
	"github.com/cloudwego/thunkjit/internal/jit/thunk"
	"github.com/cloudwego/thunkjit/internal/logs"
	"github.com/cloudwego/thunkjit/internal/rt"
)

// Arch is an instruction set a template may be compiled for.
type Arch = marker.Arch

const (
	X86_64 = marker.X86_64
	X86    = marker.X86
	Arm64  = marker.Arm64
	Arm    = marker.Arm
	Thumb  = marker.Thumb
)

// NativeArch returns the instruction set of the build target.
func NativeArch() Arch {
	return marker.Native.Arch
}

// Allocator hands out JIT memory, see the loader contract.
type Allocator = loader.Allocator

// Access is the protection of a range of JIT memory.
type Access = loader.Access

const (
	ReadWrite   = loader.ReadWrite
	ReadExecute = loader.ReadExecute
)

// Arena is a fixed-capacity allocator carved out of another one.
type Arena = loader.Arena

// NewArena takes capacity bytes from parent for an arena.
func NewArena(parent Allocator, capacity uintptr) (*Arena, error) {
	return loader.NewArena(parent, capacity)
}

// GlobalAllocator returns the process-wide allocator.
func GlobalAllocator() (Allocator, error) {
	return loader.Global()
}

// UseAllocator runs fn with a as the allocator of every materialization made
// by the calling goroutine that does not pass WithAllocator.
func UseAllocator(a Allocator, fn func()) {
	loader.Use(a, fn)
}

// SetLogger sets the logger for diagnostics. It should be called before the
// first thunk is materialized.
func SetLogger(l *zap.Logger) {
	logs.SetLogger(l)
}

// Thunk is a materialized template.
type Thunk struct {
	t *thunk.Thunk
}

// Entry returns the address to call. On Thumb the lowest bit is set.
func (self *Thunk) Entry() unsafe.Pointer {
	return rt.Mkptr(self.t.Entry())
}

// Owned reports whether the thunk holds JIT memory, which is not the case for
// templates materialized with an empty payload.
func (self *Thunk) Owned() bool {
	return self.t.Owned()
}

// Release frees the memory of the thunk. The entry point must not be called
// afterwards, and calls still running through it are not waited for.
// Releasing more than once does nothing.
func (self *Thunk) Release() {
	self.t.Release()
}

// Materialize copies the template at template so that the copy loads payload
// from its marker slot. payloadSize is the size of the object payload points
// to; an empty payload makes all copies alike, so the template itself is
// returned without allocating.
func Materialize(template unsafe.Pointer, payload unsafe.Pointer, payloadSize uintptr, opts ...Option) (*Thunk, error) {
	o := newOptions(opts)
	m := thunk.Materializer{
		Proto:     marker.ForArch(o.arch),
		ScanLimit: o.ScanLimit(),
	}

	/* empty payloads share the template, which needs neither an engine nor
	 * an allocator */
	if payloadSize != 0 {
		if err := o.prepare(&m); err != nil {
			return nil, err
		}
	}

	/* copy and patch */
	t, err := m.Materialize(uintptr(template), uintptr(payload), payloadSize)
	if err != nil {
		return nil, err
	} else {
		return &Thunk{t}, nil
	}
}

// Relocate rewrites code, loaded at pc with its marker slot at offset mk,
// so that it keeps working at any other address. It returns the new code and
// the new offset of the slot. The returned slice aliases code when nothing
// needed rewriting.
func Relocate(code []byte, pc uintptr, mk int, opts ...Option) ([]byte, int, error) {
	o := newOptions(opts)
	e, err := o.engine()
	if err != nil {
		return nil, 0, err
	}
	ret, err := reloc.Relocate(e, code, uint64(pc), mk)
	return ret.Code, ret.Marker, err
}
