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
	"fmt"

	"github.com/cloudwego/thunkjit/internal/bitfield"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/utils"
)

const (
	t16Nop = 0xbf00
	t32Nop = 0x8000f3af
	tPC    = 15
)

var t16LdrLit = bitfield.Format{
	Name:  "LDR (literal) T1",
	Fixed: []bitfield.Const{bitfield.Fix(11, 16, 0b01001)},
	Fields: []bitfield.Field{
		bitfield.U("rt", 8, 11),
		bitfield.U("imm8", 0, 8),
	},
}

var t16LdrImm = bitfield.Format{
	Name:  "LDR (immediate) T1",
	Fixed: []bitfield.Const{bitfield.Fix(11, 16, 0b01101)},
	Fields: []bitfield.Field{
		bitfield.U("imm5", 6, 11),
		bitfield.U("rn", 3, 6),
		bitfield.U("rt", 0, 3),
	},
}

var t16Adr = bitfield.Format{
	Name:  "ADR T1",
	Fixed: []bitfield.Const{bitfield.Fix(11, 16, 0b10100)},
	Fields: []bitfield.Field{
		bitfield.U("rd", 8, 11),
		bitfield.U("imm8", 0, 8),
	},
}

var t16B = bitfield.Format{
	Name:   "B T2",
	Fixed:  []bitfield.Const{bitfield.Fix(11, 16, 0b11100)},
	Fields: []bitfield.Field{bitfield.S("imm11", 0, 11)},
}

// 32-bit encodings are held as hw1 | hw2 << 16.

var t32Load = bitfield.Format{
	Name:  "LDR{B,H,SB,SH}.W",
	Fixed: []bitfield.Const{bitfield.Fix(9, 16, 0b1111100), bitfield.Fix(4, 5, 1)},
	Fields: []bitfield.Field{
		bitfield.U("s", 8, 9),
		bitfield.U("u", 7, 8),
		bitfield.U("size", 5, 7),
		bitfield.U("rn", 0, 4),
		bitfield.U("rt", 28, 32),
		bitfield.U("imm12", 16, 28),
	},
}

var t32Ldrd = bitfield.Format{
	Name: "LDRD",
	Fixed: []bitfield.Const{
		bitfield.Fix(9, 16, 0b1110100),
		bitfield.Fix(6, 7, 1),
		bitfield.Fix(4, 5, 1),
	},
	Fields: []bitfield.Field{
		bitfield.U("p", 8, 9),
		bitfield.U("u", 7, 8),
		bitfield.U("w", 5, 6),
		bitfield.U("rn", 0, 4),
		bitfield.U("rt", 28, 32),
		bitfield.U("rt2", 24, 28),
		bitfield.U("imm8", 16, 24),
	},
}

var t32Adr = bitfield.Format{
	Name: "ADR.W",
	Fixed: []bitfield.Const{
		bitfield.Fix(11, 16, 0b11110),
		bitfield.Fix(9, 10, 1),
		bitfield.Fix(4, 5, 0),
		bitfield.Fix(0, 4, 0b1111),
		bitfield.Fix(31, 32, 0),
	},
	Fields: []bitfield.Field{
		bitfield.U("i", 10, 11),
		bitfield.U("op", 5, 9),
		bitfield.U("imm3", 28, 31),
		bitfield.U("rd", 24, 28),
		bitfield.U("imm8", 16, 24),
	},
}

var t32BW = bitfield.Format{
	Name: "B.W",
	Fixed: []bitfield.Const{
		bitfield.Fix(11, 16, 0b11110),
		bitfield.Fix(30, 32, 0b10),
		bitfield.Fix(28, 29, 1),
	},
	Fields: []bitfield.Field{
		bitfield.U("s", 10, 11),
		bitfield.U("imm10", 0, 10),
		bitfield.U("j1", 29, 30),
		bitfield.U("j2", 27, 28),
		bitfield.U("imm11", 16, 27),
	},
}

// ADR.W opcodes
const (
	t32OpAdd = 0b0000
	t32OpSub = 0b0101
)

// LDR.W access sizes
const (
	t32SizeByte = 0
	t32SizeHalf = 1
	t32SizeWord = 2
)

// Thumb relocates Thumb-2 templates.
//
// Every PC-relative address computation or load is replaced by an LDR.W from
// the literal pool, followed by a load through the destination register when
// the original instruction loaded data. The literal pool is aligned relative
// to the patch slot, which the materializer places at a word boundary.
type Thumb struct{}

func (Thumb) Arch() marker.Arch {
	return marker.Thumb
}

func (self Thumb) Relocate(code []byte, pc uint64, mk int) (Result, error) {
	var nmk int
	var buf *utils.CowBuffer
	var pool = newLiteralPool(4)

	/* the marker must lie within the template */
	arch := self.Arch().String()
	if err := checkMarker(self.Arch(), code, mk); err != nil {
		return Result{}, err
	}

	/* promote the buffer on the first edit */
	edit := func() *utils.CowBuffer {
		if buf == nil {
			buf = utils.NewCowBuffer(code)
		}
		return buf
	}

	/* "ldr.w rt, =addr", placed relative to the shifted slot */
	ldrw := func(rt int64) loadFunc {
		return func(at int, slot int) ([]byte, error) {
			return thumbPoolLoad(rt, at, slot, nmk)
		}
	}

	/* load the address and read through it */
	rebase := func(off int, n int, rt int64, addr uint64, load []byte) {
		at := edit().Insert(off, le32t(t32Nop))
		buf.Replace(off, n, load)
		pool.add(at, addr, ldrw(rt))
	}

scan:
	for off := 0; ; {
		if off+2 > mk {
			return Result{}, utils.ENoThunkAsm(arch, off)
		}

		/* reads of PC see the instruction address plus 4, word aligned */
		hw := u16(code, off)
		base := uint32Wrap((pc + uint64(off) + 4) &^ 3)

		/* 16-bit instructions */
		if !thumbIsWide(hw) {
			switch {
			case t16LdrLit.Match(hw):
				rt := t16LdrLit.Get(hw, "rt")
				addr := uint32Wrap(base + uint64(t16LdrLit.Get(hw, "imm8")*4))

				/* the load of the patch slot ends the prefix */
				if addr == uint32Wrap(pc+uint64(mk)) {
					break scan
				}

				/* "ldr rt, [rt]" */
				rebase(off, 2, rt, addr, le16(t16RegLoad(rt)))

			case t16Adr.Match(hw):
				rd := t16Adr.Get(hw, "rd")
				addr := uint32Wrap(base + uint64(t16Adr.Get(hw, "imm8")*4))

				/* the wide load takes two more bytes */
				at := edit().Replace(off, 2, le32t(t32Nop))
				pool.add(at, addr, ldrw(rd))

			case t16B.Match(hw):
				dst := off + 4 + int(t16B.Get(hw, "imm11")*2)
				if dst <= off || dst >= mk {
					return Result{}, utils.EControlFlow(arch, off, thumbText(&t16B, hw), "branch target out of range")
				} else {
					off = dst
					continue scan
				}

			default:
				if err := t16Check(arch, off, hw); err != nil {
					return Result{}, err
				}
			}

			/* next instruction */
			off += 2
			continue scan
		}

		/* 32-bit instructions */
		if off+4 > mk {
			return Result{}, utils.ENoThunkAsm(arch, off)
		}

		/* match the address dependent encodings */
		w := hw | u16(code, off+2)<<16
		switch {
		case t32Load.Match(w) && t32Load.Get(w, "rn") == tPC:
			rt := t32Load.Get(w, "rt")
			size := t32Load.Get(w, "size")
			addr := a32Offset(base, t32Load.Get(w, "u"), t32Load.Get(w, "imm12"))

			/* the load of the patch slot ends the prefix */
			if addr == uint32Wrap(pc+uint64(mk)) {
				break scan
			}

			/* classify by destination and size */
			switch {
			case size > t32SizeWord:
				return Result{}, utils.EUnsupported(arch, off, thumbText(&t32Load, w))
			case rt == tPC && size == t32SizeWord:
				return Result{}, utils.EControlFlow(arch, off, thumbText(&t32Load, w), "load into pc")
			case rt == tPC:
				edit().Replace(off, 4, le32t(t32Nop))
			default:
				w = t32Load.Lookup("rn").Set(w, rt)
				w = t32Load.Lookup("u").Set(w, 1)
				w = t32Load.Lookup("imm12").Set(w, 0)
				rebase(off, 4, rt, addr, le32t(w))
			}

		case t32Ldrd.Match(w) && t32Ldrd.Get(w, "rn") == tPC && t32Ldrd.Get(w, "p")|t32Ldrd.Get(w, "w") != 0:
			rt := t32Ldrd.Get(w, "rt")
			addr := a32Offset(base, t32Ldrd.Get(w, "u"), t32Ldrd.Get(w, "imm8")*4)

			/* only the plain offset form is a literal load */
			switch {
			case t32Ldrd.Get(w, "p") != 1 || t32Ldrd.Get(w, "w") != 0:
				return Result{}, utils.EUnsupported(arch, off, thumbText(&t32Ldrd, w))
			case rt == tPC || t32Ldrd.Get(w, "rt2") == tPC:
				return Result{}, utils.EControlFlow(arch, off, thumbText(&t32Ldrd, w), "load into pc")
			}

			/* "ldrd rt, rt2, [rt]" */
			w = t32Ldrd.Lookup("rn").Set(w, rt)
			w = t32Ldrd.Lookup("u").Set(w, 1)
			w = t32Ldrd.Lookup("imm8").Set(w, 0)
			rebase(off, 4, rt, addr, le32t(w))

		case t32Adr.Match(w) && (t32Adr.Get(w, "op") == t32OpAdd || t32Adr.Get(w, "op") == t32OpSub):
			rd := t32Adr.Get(w, "rd")
			imm := t32Adr.Get(w, "i")<<11 | t32Adr.Get(w, "imm3")<<8 | t32Adr.Get(w, "imm8")

			/* "adr pc, x" is a jump */
			if rd == tPC {
				return Result{}, utils.EControlFlow(arch, off, thumbText(&t32Adr, w), "adr into pc")
			}

			/* ADDW adds, SUBW subtracts */
			up := int64(1)
			if t32Adr.Get(w, "op") == t32OpSub {
				up = 0
			}

			/* replace in place */
			at := edit().Replace(off, 4, le32t(t32Nop))
			pool.add(at, a32Offset(base, up, imm), ldrw(rd))

		case t32BW.Match(w):
			dst := off + 4 + int(thumbBranchOffset(w))
			if dst <= off || dst >= mk {
				return Result{}, utils.EControlFlow(arch, off, thumbText(&t32BW, w), "branch target out of range")
			} else {
				off = dst
				continue scan
			}

		default:
			if err := t32Check(arch, off, w); err != nil {
				return Result{}, err
			}
		}

		/* next instruction */
		off += 4
	}

	/* nothing depends on the load address */
	if buf == nil {
		return borrowed(code, mk), nil
	}

	/* locate the shifted slot, then lay out the pool */
	nmk = buf.CopyUpTo(mk)
	if err := pool.emit(arch, buf, nmk); err != nil {
		return Result{}, err
	}
	return Result{Code: buf.Bytes(), Marker: nmk}, nil
}

// thumbIsWide reports whether hw is the first half of a 32-bit instruction.
func thumbIsWide(hw uint64) bool {
	switch hw >> 11 {
	case 0b11101, 0b11110, 0b11111:
		return true
	default:
		return false
	}
}

// thumbBranchOffset decodes the offset of B.W, where I1 = NOT(J1 xor S) and
// I2 = NOT(J2 xor S).
func thumbBranchOffset(w uint64) int64 {
	s := t32BW.Get(w, "s")
	i1 := ^(t32BW.Get(w, "j1") ^ s) & 1
	i2 := ^(t32BW.Get(w, "j2") ^ s) & 1

	/* S:I1:I2:imm10:imm11:0 */
	v := s<<24 | i1<<23 | i2<<22 | t32BW.Get(w, "imm10")<<12 | t32BW.Get(w, "imm11")<<1
	return bitfield.S("imm25", 0, 25).Get(uint64(v))
}

// thumbPoolLoad encodes "ldr.w rt, [pc, #±disp]" at output offset at. The
// copy is placed so that the slot at nmk is word aligned, which fixes the
// alignment of every other offset.
func thumbPoolLoad(rt int64, at int, slot int, nmk int) ([]byte, error) {
	up := int64(1)
	base := at + 4 - utils.Mod(at+4-nmk, 4)
	disp := int64(slot - base)

	/* the offset is a magnitude */
	if disp < 0 {
		up, disp = 0, -disp
	}

	/* encode the load */
	w, err := t32Load.Encode(0, up, t32SizeWord, tPC, rt, disp)
	return le32t(w), err
}

// t16Check rejects 16-bit instructions that branch or read the PC.
func t16Check(arch string, off int, hw uint64) error {
	switch {
	case hw&0xf000 == 0xd000:
		if cond := (hw >> 8) & 0xf; cond >= 0xe {
			return utils.EUnsupported(arch, off, t16Text(hw))
		} else {
			return utils.EControlFlow(arch, off, t16Text(hw), "conditional branch")
		}
	case hw&0xff00 == 0x4700:
		return utils.EControlFlow(arch, off, t16Text(hw), "bx")
	case hw&0xfc00 == 0x4400:
		return t16CheckHiReg(arch, off, hw)
	case hw&0xf500 == 0xb100:
		return utils.EControlFlow(arch, off, t16Text(hw), "cbz")
	case hw&0xff00 == 0xbd00:
		return utils.EControlFlow(arch, off, t16Text(hw), "pops pc")
	case hw&0xff00 == 0xbe00:
		return utils.EUnsupported(arch, off, t16Text(hw))
	case hw&0xff00 == 0xbf00 && hw&0xf != 0:
		return utils.EUnsupported(arch, off, t16Text(hw))
	default:
		return nil
	}
}

// t16CheckHiReg handles ADD, CMP and MOV on high registers.
func t16CheckHiReg(arch string, off int, hw uint64) error {
	rm := (hw >> 3) & 0xf
	rd := (hw>>4)&0x8 | hw&0x7

	/* CMP only reads its operands */
	if rd == tPC && (hw>>8)&3 != 0b01 {
		return utils.EControlFlow(arch, off, t16Text(hw), "writes pc")
	} else if rd == tPC || rm == tPC {
		return utils.EUnsupported(arch, off, t16Text(hw))
	} else {
		return nil
	}
}

// t16RegLoad encodes "ldr rt, [rt]".
func t16RegLoad(rt int64) uint64 {
	w, err := t16LdrImm.Encode(0, rt, rt)
	if err != nil {
		panic(err)
	}
	return w
}

// t32Check rejects 32-bit instructions that branch or read the PC.
func t32Check(arch string, off int, w uint64) error {
	hw1 := w & 0xffff
	hw2 := w >> 16

	/* branches and miscellaneous control */
	if hw1&0xf800 == 0xf000 && hw2&0x8000 != 0 {
		return t32CheckBranch(arch, off, w)
	}

	/* everything else that reaches PC */
	switch {
	case hw1&0xfff0 == 0xe8d0 && hw2&0xffe0 == 0xf000:
		return utils.EControlFlow(arch, off, t32Text(w), "table branch")
	case hw1&0xff70 == 0xf850 && hw2>>12 == tPC:
		return utils.EControlFlow(arch, off, t32Text(w), "load into pc")
	case hw1&0xfe50 == 0xe810 && hw2&0x8000 != 0:
		return utils.EControlFlow(arch, off, t32Text(w), "pops pc")
	case hw1&0xee10 == 0xec10 && hw1&0xf == tPC:
		return utils.EUnsupported(arch, off, t32Text(w))
	default:
		return nil
	}
}

func t32CheckBranch(arch string, off int, w uint64) error {
	hw1 := w & 0xffff
	hw2 := w >> 16

	/* BL and BLX */
	if hw2&0x4000 != 0 {
		return utils.EControlFlow(arch, off, t32Text(w), "call")
	}

	/* B.cond */
	if (hw1>>6)&0xe != 0xe {
		return utils.EControlFlow(arch, off, t32Text(w), "conditional branch")
	}

	/* hints, barriers and status register moves are fine */
	switch hw1 & 0xfff0 {
	case 0xf380, 0xf390, 0xf3b0, 0xf3e0, 0xf3f0:
		return nil
	case 0xf3a0:
		if hw2&0x0700 == 0 {
			return nil
		} else {
			return utils.EUnsupported(arch, off, t32Text(w))
		}
	case 0xf3c0, 0xf3d0:
		return utils.EControlFlow(arch, off, t32Text(w), "")
	default:
		return utils.EUnsupported(arch, off, t32Text(w))
	}
}

func t16Text(hw uint64) string {
	return fmt.Sprintf(".short %#04x", hw)
}

func t32Text(w uint64) string {
	return fmt.Sprintf(".short %#04x, %#04x", w&0xffff, w>>16)
}

// thumbText names the operands of an instruction that matched f.
func thumbText(f *bitfield.Format, w uint64) string {
	if w > 0xffff {
		return t32Text(w) + " " + f.Dump(w)
	} else {
		return t16Text(w) + " " + f.Dump(w)
	}
}
