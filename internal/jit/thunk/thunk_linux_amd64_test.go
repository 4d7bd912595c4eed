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

package thunk

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/thunkjit/internal/jit/loader"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/jit/reloc"
	"github.com/cloudwego/thunkjit/internal/rt"
)

// addTemplate returns the payload plus a constant stored next to the
// template:
//
//	mov  rcx, [rip+data]
//	mov  rax, [rip+slot]
//	jmp  [rip+slot+8]
//	slot: .quad magic, 0
//	      add rax, rcx
//	      ret
//	data: .quad 1000
func addTemplate() []byte {
	code := []byte{
		0x48, 0x8b, 0x0d, 41, 0, 0, 0,
		0x48, 0x8b, 0x05, 10, 0, 0, 0,
		0xff, 0x25, 12, 0, 0, 0,
		0x90, 0x90, 0x90, 0x90,
	}
	code = binary.LittleEndian.AppendUint64(code, marker.ProtoX86_64.Magic)
	code = binary.LittleEndian.AppendUint64(code, 0)
	code = append(code, 0x48, 0x01, 0xc8, 0xc3, 0xcc, 0xcc, 0xcc, 0xcc)
	return binary.LittleEndian.AppendUint64(code, 1000)
}

// load places the template in executable memory of its own.
func load(t *testing.T, code []byte) uintptr {
	a, err := loader.NewPaged()
	require.NoError(t, err)
	x, w, err := a.Alloc(uintptr(len(code)))
	require.NoError(t, err)
	copy(rt.View(w, len(code)), code)
	require.NoError(t, a.SetAccess(x, uintptr(len(code)), loader.ReadExecute))
	t.Cleanup(func() { _ = a.Release(x) })
	return x
}

func call(entry uintptr) int {
	fp := unsafe.Pointer(&entry)
	return (*(*func() int)(unsafe.Pointer(&fp)))()
}

func TestMaterialize_CallsRelocatedCode(t *testing.T) {
	tpl := load(t, addTemplate())
	for _, kind := range []string{"dual", "paged"} {
		t.Run(kind, func(t *testing.T) {
			var a loader.Allocator
			if kind == "dual" {
				d, err := loader.NewDualMapped(0)
				if err != nil {
					t.Skipf("dual-mapped memory is unavailable: %v", err)
				}
				defer func() { assert.NoError(t, d.Close()) }()
				a = d
			} else {
				p, err := loader.NewPaged()
				require.NoError(t, err)
				a = p
			}

			/* the template works in place, and so do its copies */
			m := &Materializer{Proto: marker.ProtoX86_64, Engine: reloc.X86_64{}, Alloc: a}
			t1, err := m.Materialize(tpl, 234, 8)
			require.NoError(t, err)
			t2, err := m.Materialize(tpl, 4000, 8)
			require.NoError(t, err)
			assert.Equal(t, 1234, call(t1.Entry()))
			assert.Equal(t, 5000, call(t2.Entry()))

			/* releasing one leaves the other intact */
			t1.Release()
			assert.Equal(t, 5000, call(t2.Entry()))
			t2.Release()
		})
	}
}
