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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/utils"
)

const (
	thumbPC = uint64(0x00020000)
)

// thumbTemplate builds "<prefix>; ldr r4, slot; nop" followed by the slot and
// the return address. Wide instructions are given as two halfwords.
func thumbTemplate(prefix ...uint16) ([]byte, int) {
	code := make([]byte, 0, len(prefix)*2+16)
	for _, hw := range prefix {
		code = binary.LittleEndian.AppendUint16(code, hw)
	}

	/* the slot load sits on a word boundary */
	for len(code)%4 != 0 {
		code = binary.LittleEndian.AppendUint16(code, t16Nop)
	}

	/* ldr r4, [pc, #0] reaches the word after the nop */
	mk := len(code) + 4
	code = binary.LittleEndian.AppendUint16(code, 0x4c00)
	code = binary.LittleEndian.AppendUint16(code, t16Nop)
	code = binary.LittleEndian.AppendUint32(code, uint32(marker.ProtoThumb.Magic))
	code = binary.LittleEndian.AppendUint32(code, 0)
	return code, mk
}

// thumbPoolEntry follows the LDR.W (literal) at off, given the output offset
// of the slot, and returns the destination and the pool entry.
func thumbPoolEntry(t *testing.T, code []byte, off int, nmk int) (int64, uint32) {
	t.Helper()
	w := u32(code, off)
	require.True(t, t32Load.Match(w), t32Load.Dump(w))
	require.Equal(t, int64(tPC), t32Load.Get(w, "rn"))
	require.Equal(t, int64(t32SizeWord), t32Load.Get(w, "size"))

	/* PC is aligned as if the slot were */
	imm := t32Load.Get(w, "imm12")
	if t32Load.Get(w, "u") == 0 {
		imm = -imm
	}
	base := off + 4 - utils.Mod(off+4-nmk, 4)
	return t32Load.Get(w, "rt"), binary.LittleEndian.Uint32(code[base+int(imm):])
}

func TestThumb_Borrowed(t *testing.T) {
	code, mk := thumbTemplate(0x1c40, 0x4611, t16Nop, 0xf3af, 0x8000)
	res, err := Thumb{}.Relocate(code, thumbPC, mk)
	require.NoError(t, err)
	assert.True(t, res.Borrowed)
	assert.Equal(t, mk, res.Marker)
	assert.True(t, &code[0] == &res.Code[0])
}

func TestThumb_NarrowLiteralLoad(t *testing.T) {
	code, mk := thumbTemplate(t16Nop, 0x4802)
	res, err := Thumb{}.Relocate(code, thumbPC, mk)
	require.NoError(t, err)
	assert.Equal(t, mk+4, res.Marker)

	/* ldr.w r0, =addr; ldr r0, [r0] */
	rt, addr := thumbPoolEntry(t, res.Code, 2, res.Marker)
	assert.Equal(t, int64(0), rt)
	assert.Equal(t, uint32(thumbPC)+4+8, addr)
	assert.Equal(t, uint64(0x6800), u16(res.Code, 6))

	/* the tail is carried over unchanged */
	assert.Equal(t, code[4:], res.Code[8:len(code)+4])
}

func TestThumb_NarrowAdrWidens(t *testing.T) {
	code, mk := thumbTemplate(0xa104)
	res, err := Thumb{}.Relocate(code, thumbPC, mk)
	require.NoError(t, err)
	assert.Equal(t, mk+2, res.Marker)

	/* ldr.w r1, =addr */
	rt, addr := thumbPoolEntry(t, res.Code, 0, res.Marker)
	assert.Equal(t, int64(1), rt)
	assert.Equal(t, uint32(thumbPC)+4+16, addr)
}

func TestThumb_WideLiteralLoad(t *testing.T) {
	tests := []struct {
		name string
		ins  [2]uint16
		rt   int64
		want uint32
		load uint64
	}{
		{"ldr.w backward", [2]uint16{0xf85f, 0x8010}, 8, uint32(thumbPC) + 8 - 16, 0x8000f8d8},
		{"ldrh.w forward", [2]uint16{0xf8bf, 0x1020}, 1, uint32(thumbPC) + 8 + 0x20, 0x1000f8b1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, mk := thumbTemplate(t16Nop, t16Nop, tc.ins[0], tc.ins[1])
			res, err := Thumb{}.Relocate(code, thumbPC, mk)
			require.NoError(t, err)
			assert.Equal(t, mk+4, res.Marker)

			/* ldr.w rt, =addr; ldr rt, [rt] */
			rt, addr := thumbPoolEntry(t, res.Code, 4, res.Marker)
			assert.Equal(t, tc.rt, rt)
			assert.Equal(t, tc.want, addr)
			assert.Equal(t, tc.load, u32(res.Code, 8))
		})
	}
}

func TestThumb_WideAdr(t *testing.T) {
	tests := []struct {
		name string
		hw1  uint16
		want uint32
	}{
		{"addw", 0xf20f, uint32(thumbPC) + 4 + 0x212},
		{"subw", 0xf2af, uint32(thumbPC) + 4 - 0x212},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, mk := thumbTemplate(tc.hw1, 0x2212)
			res, err := Thumb{}.Relocate(code, thumbPC, mk)
			require.NoError(t, err)
			assert.Equal(t, mk, res.Marker)

			/* replaced in place */
			rt, addr := thumbPoolEntry(t, res.Code, 0, res.Marker)
			assert.Equal(t, int64(2), rt)
			assert.Equal(t, tc.want, addr)
		})
	}
}

func TestThumb_PreloadBecomesNop(t *testing.T) {
	code, mk := thumbTemplate(0xf89f, 0xf020)
	res, err := Thumb{}.Relocate(code, thumbPC, mk)
	require.NoError(t, err)
	assert.False(t, res.Borrowed)
	assert.Equal(t, mk, res.Marker)
	assert.Equal(t, uint64(t32Nop), u32(res.Code, 0))
	assert.Equal(t, code[4:], res.Code[4:])
}

func TestThumb_ForwardBranchOverFiller(t *testing.T) {
	plain, mk0 := thumbTemplate(0x4803)
	jump, mk1 := thumbTemplate(0xe002, 0xde00, 0xde00, 0xde00, 0x4803)

	/* both relocate */
	r0, err := Thumb{}.Relocate(plain, thumbPC, mk0)
	require.NoError(t, err)
	r1, err := Thumb{}.Relocate(jump, thumbPC, mk1)
	require.NoError(t, err)
	require.False(t, r0.Borrowed)
	require.False(t, r1.Borrowed)

	/* the skipped halfwords are carried over, the instructions are identical */
	n := len(r0.Code) - 4
	require.Equal(t, len(r0.Code)+8, len(r1.Code))
	assert.Equal(t, jump[:8], r1.Code[:8])
	assert.Equal(t, r0.Code[:n], r1.Code[8:8+n])
	assert.Equal(t, r0.Marker+8, r1.Marker)

	/* each pool entry holds the address its own load pointed at */
	rt0, addr0 := thumbPoolEntry(t, r0.Code, 0, r0.Marker)
	rt1, addr1 := thumbPoolEntry(t, r1.Code, 8, r1.Marker)
	assert.Equal(t, int64(0), rt0)
	assert.Equal(t, int64(0), rt1)
	assert.Equal(t, uint32(thumbPC)+16, addr0)
	assert.Equal(t, uint32(thumbPC)+24, addr1)
	assert.Equal(t, addr0, binary.LittleEndian.Uint32(r0.Code[n:]))
	assert.Equal(t, addr1, binary.LittleEndian.Uint32(r1.Code[8+n:]))
}

func TestThumb_WideForwardBranch(t *testing.T) {
	code, mk := thumbTemplate(0xf000, 0xb804, 0xde00, 0xde00, 0xde00, 0xde00, 0x1c40)
	res, err := Thumb{}.Relocate(code, thumbPC, mk)
	require.NoError(t, err)
	assert.True(t, res.Borrowed)
	assert.Equal(t, int64(8), thumbBranchOffset(0xb804f000))
	assert.Equal(t, int64(-4), thumbBranchOffset(0xbffef7ff))
}

func TestThumb_Rejects(t *testing.T) {
	tests := []struct {
		name string
		ins  []uint16
		kind utils.ErrorKind
	}{
		{"backward branch", []uint16{0xe7fe}, utils.UnsupportedControlFlow},
		{"wide backward branch", []uint16{0xf7ff, 0xbffe}, utils.UnsupportedControlFlow},
		{"branch past slot", []uint16{0xe010}, utils.UnsupportedControlFlow},
		{"conditional branch", []uint16{0xd000}, utils.UnsupportedControlFlow},
		{"cbz", []uint16{0xb100}, utils.UnsupportedControlFlow},
		{"bx lr", []uint16{0x4770}, utils.UnsupportedControlFlow},
		{"pop pc", []uint16{0xbd00}, utils.UnsupportedControlFlow},
		{"mov pc", []uint16{0x4687}, utils.UnsupportedControlFlow},
		{"bl", []uint16{0xf000, 0xf800}, utils.UnsupportedControlFlow},
		{"ldr.w pc literal", []uint16{0xf8df, 0xf010}, utils.UnsupportedControlFlow},
		{"tbb", []uint16{0xe8df, 0xf000}, utils.UnsupportedControlFlow},
		{"pop.w pc", []uint16{0xe8bd, 0x8010}, utils.UnsupportedControlFlow},
		{"pop.w single pc", []uint16{0xf85d, 0xfb04}, utils.UnsupportedControlFlow},
		{"ldr.w pc immediate", []uint16{0xf8d0, 0xf004}, utils.UnsupportedControlFlow},
		{"ldr.w pc register", []uint16{0xf850, 0xf001}, utils.UnsupportedControlFlow},
		{"adr.w pc", []uint16{0xf20f, 0x0f00}, utils.UnsupportedControlFlow},
		{"svc", []uint16{0xdf00}, utils.UnsupportedInstruction},
		{"bkpt", []uint16{0xbe00}, utils.UnsupportedInstruction},
		{"it", []uint16{0xbf08}, utils.UnsupportedInstruction},
		{"mov from pc", []uint16{0x4678}, utils.UnsupportedInstruction},
		{"ldrd writeback", []uint16{0xe9ff, 0x2302}, utils.UnsupportedInstruction},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, mk := thumbTemplate(tc.ins...)
			_, err := Thumb{}.Relocate(code, thumbPC, mk)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), "%v", err)
		})
	}
}

func TestThumb_NoSlotLoad(t *testing.T) {
	code := make([]byte, 16)
	binary.LittleEndian.PutUint16(code[0:], t16Nop)
	binary.LittleEndian.PutUint16(code[2:], t16Nop)
	binary.LittleEndian.PutUint16(code[4:], 0xf8df)
	binary.LittleEndian.PutUint32(code[8:], uint32(marker.ProtoThumb.Magic))
	_, err := Thumb{}.Relocate(code, thumbPC, 6)
	assert.True(t, errors.Is(err, utils.NoThunkAsm))
}

func TestThumb_ErrorNamesOperands(t *testing.T) {
	code, mk := thumbTemplate(0xf8df, 0xf010)
	_, err := Thumb{}.Relocate(code, thumbPC, mk)
	var re utils.RelocError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 0, re.Offset)
	assert.Contains(t, re.Inst, "rt=15")
	assert.Contains(t, re.Inst, "rn=15")

	/* the narrow load rewrite reads through its own register */
	assert.Equal(t, uint64(0x6800), t16RegLoad(0))
	assert.Equal(t, uint64(0x683f), t16RegLoad(7))
}
