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


package thunkjit

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heapAlloc struct {
	mu       sync.Mutex
	blocks   map[uintptr][]byte
	released int
}

func (self *heapAlloc) Alloc(size uintptr) (uintptr, uintptr, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.blocks == nil {
		self.blocks = make(map[uintptr][]byte)
	}
	buf := make([]byte, size)
	p := uintptr(unsafe.Pointer(&buf[0]))
	self.blocks[p] = buf
	return p, p, nil
}

func (self *heapAlloc) Release(exec uintptr) error {
	self.mu.Lock()
	defer self.mu.Unlock()
	if _, ok := self.blocks[exec]; !ok {
		return errors.New("unknown block")
	}
	delete(self.blocks, exec)
	self.released++
	return nil
}

func (self *heapAlloc) SetAccess(uintptr, uintptr, Access) error { return nil }
func (self *heapAlloc) FlushInstructionCache(uintptr, uintptr)   {}

func (self *heapAlloc) live() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.blocks)
}

func a64Words(ins ...uint32) []byte {
	var buf []byte
	for _, w := range ins {
		buf = binary.LittleEndian.AppendUint32(buf, w)
	}
	buf = binary.LittleEndian.AppendUint64(buf, 0x0000dead0000dead)
	buf = binary.LittleEndian.AppendUint64(buf, 0)
	return buf
}

// testPayload lives outside any goroutine stack, so its address stays fixed.
var testPayload [16]byte

var (
	// nop; ldr x9, slot; ldr x10, slot+8; br x10
	testPlain = a64Words(0xd503201f, 0x58000069, 0x5800008a, 0xd61f0140)

	// adr x1, .; ldr x9, slot; ldr x10, slot+8; br x10
	testAdr = a64Words(0x10000001, 0x58000069, 0x5800008a, 0xd61f0140)

	// ret; ldr x9, slot; ldr x10, slot+8; br x10
	testRet = a64Words(0xd65f03c0, 0x58000069, 0x5800008a, 0xd61f0140)
)

// pin copies a template into a buffer that outlives the test, with room for
// the marker scan to overshoot.
func pin(t *testing.T, code []byte) unsafe.Pointer {
	buf := make([]byte, len(code)+4096)
	copy(buf, code)
	t.Cleanup(func() { _ = buf[0] })
	return unsafe.Pointer(&buf[0])
}

func TestOptions_Validation(t *testing.T) {
	assert.Panics(t, func() { WithMaxTemplateSize(8) })
	assert.Panics(t, func() { WithArch(Arch(0)) })
	assert.Panics(t, func() { WithAllocator(nil) })
	assert.NotPanics(t, func() { WithArch(Thumb) })

	/* the global default round-trips */
	old := SetMaxTemplateSize(1024)
	assert.Equal(t, 1024, SetMaxTemplateSize(old))
	assert.Panics(t, func() { SetMaxTemplateSize(0) })
}

func TestRelocate_Borrowed(t *testing.T) {
	code, mk, err := Relocate(testPlain, 0x400000, 16, WithArch(Arm64))
	require.NoError(t, err)
	assert.Equal(t, 16, mk)
	assert.True(t, &code[0] == &testPlain[0])
}

func TestRelocate_Rewrites(t *testing.T) {
	code, mk, err := Relocate(testAdr, 0x400000, 16, WithArch(Arm64))
	require.NoError(t, err)
	assert.Equal(t, 16, mk)
	assert.Greater(t, len(code), len(testAdr))
	assert.Equal(t, uint64(0x400000), binary.LittleEndian.Uint64(code[len(code)-8:]))
}

func TestRelocate_Errors(t *testing.T) {
	_, _, err := Relocate(testRet, 0x400000, 16, WithArch(Arm64))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedControlFlow))
	assert.False(t, errors.Is(err, ErrUnsupportedInstruction))

	/* the error carries where it happened */
	var re RelocError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 0, re.Offset)
	assert.Equal(t, "aarch64", re.Arch)
}

func TestMaterialize_EmptyPayload(t *testing.T) {
	a := new(heapAlloc)
	tpl := pin(t, testPlain)
	th, err := Materialize(tpl, nil, 0, WithAllocator(a), WithArch(Arm64))
	require.NoError(t, err)
	assert.Equal(t, tpl, th.Entry())
	assert.False(t, th.Owned())
	th.Release()
	assert.Zero(t, a.live())
	assert.Zero(t, a.released)
}

func TestMaterialize_PatchesPayload(t *testing.T) {
	a := new(heapAlloc)
	tpl := pin(t, testPlain)

	/* the copy holds the payload and the way back */
	th, err := Materialize(tpl, unsafe.Pointer(&testPayload), unsafe.Sizeof(testPayload), WithAllocator(a), WithArch(Arm64), WithMaxTemplateSize(64))
	require.NoError(t, err)
	require.True(t, th.Owned())
	assert.NotEqual(t, tpl, th.Entry())
	assert.Equal(t, uint64(uintptr(unsafe.Pointer(&testPayload))), *(*uint64)(unsafe.Add(th.Entry(), 16)))
	assert.Equal(t, uint64(uintptr(tpl))+32, *(*uint64)(unsafe.Add(th.Entry(), 24)))
	assert.Equal(t, 1, a.live())

	/* only the first release counts */
	th.Release()
	th.Release()
	assert.Zero(t, a.live())
	assert.Equal(t, 1, a.released)
}

func TestMaterialize_Failure(t *testing.T) {
	a := new(heapAlloc)
	_, err := Materialize(pin(t, testRet), unsafe.Pointer(&testPayload), unsafe.Sizeof(testPayload), WithAllocator(a), WithArch(Arm64))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedControlFlow))
	assert.Zero(t, a.live())
}

func TestUseAllocator(t *testing.T) {
	a := new(heapAlloc)
	tpl := pin(t, testPlain)

	/* materializations inside the scope use the scoped allocator */
	UseAllocator(a, func() {
		th, err := Materialize(tpl, unsafe.Pointer(&testPayload), unsafe.Sizeof(testPayload), WithArch(Arm64))
		require.NoError(t, err)
		assert.Equal(t, 1, a.live())
		th.Release()
	})
	assert.Equal(t, 1, a.released)
}

func TestNewArena(t *testing.T) {
	a := new(heapAlloc)
	ar, err := NewArena(a, 4096)
	require.NoError(t, err)
	assert.Equal(t, 1, a.live())

	/* thunks come out of the arena */
	th, err := Materialize(pin(t, testPlain), unsafe.Pointer(&testPayload), unsafe.Sizeof(testPayload), WithAllocator(ar), WithArch(Arm64))
	require.NoError(t, err)
	assert.Equal(t, 1, a.live())
	th.Release()

	/* closing gives the whole arena back */
	require.NoError(t, ar.Close())
	assert.Zero(t, a.live())
}

// withoutEngine selects an instruction set that has no relocation engine.
func withoutEngine() Option {
	return func(o *options) { o.arch = Arch(0) }
}

func TestMaterialize_NoEngine(t *testing.T) {
	a := new(heapAlloc)
	tpl := pin(t, testPlain)

	/* the shared template needs no engine */
	th, err := Materialize(tpl, nil, 0, WithAllocator(a), withoutEngine())
	require.NoError(t, err)
	assert.Equal(t, tpl, th.Entry())
	assert.False(t, th.Owned())

	/* a copy does */
	_, err = Materialize(tpl, unsafe.Pointer(&testPayload), unsafe.Sizeof(testPayload), WithAllocator(a), withoutEngine())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedInstruction))
	assert.Zero(t, a.live())
	_, _, err = Relocate(testPlain, 0x400000, 16, withoutEngine())
	assert.True(t, errors.Is(err, ErrUnsupportedInstruction))
}
