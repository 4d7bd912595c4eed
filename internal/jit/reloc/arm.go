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
	"math/bits"
	"strings"

	"golang.org/x/arch/arm/armasm"

	"github.com/cloudwego/thunkjit/internal/bitfield"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/utils"
)

const (
	a32Nop    = 0xe320f000
	a32Always = 0b1110
	a32Uncond = 0b1111
	a32PC     = 15
)

var a32LdrImm = bitfield.Format{
	Name:  "LDR (immediate)",
	Fixed: []bitfield.Const{bitfield.Fix(25, 28, 0b010), bitfield.Fix(20, 21, 1)},
	Fields: []bitfield.Field{
		bitfield.U("cond", 28, 32),
		bitfield.U("p", 24, 25),
		bitfield.U("u", 23, 24),
		bitfield.U("b", 22, 23),
		bitfield.U("w", 21, 22),
		bitfield.U("rn", 16, 20),
		bitfield.U("rt", 12, 16),
		bitfield.U("imm12", 0, 12),
	},
}

var a32LdrExtra = bitfield.Format{
	Name: "LDRH/LDRSB/LDRSH/LDRD (immediate)",
	Fixed: []bitfield.Const{
		bitfield.Fix(25, 28, 0),
		bitfield.Fix(22, 23, 1),
		bitfield.Fix(7, 8, 1),
		bitfield.Fix(4, 5, 1),
	},
	Fields: []bitfield.Field{
		bitfield.U("cond", 28, 32),
		bitfield.U("p", 24, 25),
		bitfield.U("u", 23, 24),
		bitfield.U("w", 21, 22),
		bitfield.U("l", 20, 21),
		bitfield.U("rn", 16, 20),
		bitfield.U("rt", 12, 16),
		bitfield.U("immh", 8, 12),
		bitfield.U("op2", 5, 7),
		bitfield.U("imml", 0, 4),
	},
}

var a32Adr = bitfield.Format{
	Name: "ADR",
	Fixed: []bitfield.Const{
		bitfield.Fix(25, 28, 0b001),
		bitfield.Fix(20, 21, 0),
		bitfield.Fix(16, 20, 0b1111),
	},
	Fields: []bitfield.Field{
		bitfield.U("cond", 28, 32),
		bitfield.U("op", 21, 25),
		bitfield.U("rd", 12, 16),
		bitfield.U("rot", 8, 12),
		bitfield.U("imm8", 0, 8),
	},
}

var a32B = bitfield.Format{
	Name:  "B",
	Fixed: []bitfield.Const{bitfield.Fix(24, 28, 0b1010)},
	Fields: []bitfield.Field{
		bitfield.U("cond", 28, 32),
		bitfield.S("imm24", 0, 24),
	},
}

// data processing opcodes of ADR
const (
	a32OpSub = 0b0010
	a32OpAdd = 0b0100
)

// Arm relocates A32 templates.
//
// ADR becomes a literal load of the address it computes. PC-relative loads of
// data become a load of the data address from the literal pool followed by a
// load through it, both under the original condition.
type Arm struct{}

func (Arm) Arch() marker.Arch {
	return marker.Arm
}

func (self Arm) Relocate(code []byte, pc uint64, mk int) (Result, error) {
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

scan:
	for off := 0; ; off += 4 {
		if off+4 > mk {
			return Result{}, utils.ENoThunkAsm(arch, off)
		}

		/* reads of PC see the instruction address plus 8 */
		w := u32(code, off)
		base := (pc + uint64(off) + 8) &^ 3

		/* match the address dependent encodings */
		switch {
		case a32B.Match(w):
			cond := a32B.Get(w, "cond")
			dst := off + 8 + int(a32B.Get(w, "imm24")*4)

			/* only unconditional forward skips are followed */
			switch {
			case cond == a32Uncond:
				return Result{}, utils.EControlFlow(arch, off, a32Text(code, off), "blx")
			case cond != a32Always:
				return Result{}, utils.EControlFlow(arch, off, a32Text(code, off), "conditional branch")
			case dst <= off || dst >= mk:
				return Result{}, utils.EControlFlow(arch, off, a32Text(code, off), "branch target out of range")
			default:
				off = dst - 4
			}

		case a32LdrImm.Match(w) && a32LdrImm.Get(w, "rn") == a32PC:
			imm := a32LdrImm.Get(w, "imm12")
			addr := a32Offset(base, a32LdrImm.Get(w, "u"), imm)

			/* the load of the patch slot ends the prefix */
			if addr == uint32Wrap(pc+uint64(mk)) {
				break scan
			}

			/* PLD and PLI have no effect on the result */
			if a32LdrImm.Get(w, "cond") == a32Uncond {
				edit().Replace(off, 4, le32(a32Nop))
				continue scan
			}

			/* rebase the load on its own destination */
			rw, err := a32Rebase(arch, code, off, &a32LdrImm, w, "imm12")
			if err != nil {
				return Result{}, err
			}

			/* "ldr rt, =addr" then "ldr rt, [rt]" */
			at := edit().Insert(off, le32(a32Nop))
			buf.Replace(off, 4, le32(rw))
			pool.add(at, addr, a32PoolLoad(a32LdrImm.Get(w, "cond"), a32LdrImm.Get(w, "rt")))

		case a32LdrExtra.Match(w) && a32LdrExtra.Get(w, "op2") != 0 && a32LdrExtra.Get(w, "rn") == a32PC:
			l := a32LdrExtra.Get(w, "l")
			op2 := a32LdrExtra.Get(w, "op2")
			imm := a32LdrExtra.Get(w, "immh")<<4 | a32LdrExtra.Get(w, "imml")

			/* STRH and STRD relative to PC are not loads */
			if l == 0 && op2 != 0b10 {
				return Result{}, utils.EUnsupported(arch, off, a32Text(code, off))
			}

			/* rebase the load on its own destination */
			rw, err := a32Rebase(arch, code, off, &a32LdrExtra, w, "immh", "imml")
			if err != nil {
				return Result{}, err
			}

			/* "ldr rt, =addr" then "ldrh rt, [rt]" and friends */
			at := edit().Insert(off, le32(a32Nop))
			buf.Replace(off, 4, le32(rw))
			pool.add(at, a32Offset(base, a32LdrExtra.Get(w, "u"), imm), a32PoolLoad(a32LdrExtra.Get(w, "cond"), a32LdrExtra.Get(w, "rt")))

		case a32Adr.Match(w) && (a32Adr.Get(w, "op") == a32OpAdd || a32Adr.Get(w, "op") == a32OpSub):
			rd := a32Adr.Get(w, "rd")
			imm := int64(bits.RotateLeft32(uint32(a32Adr.Get(w, "imm8")), -2*int(a32Adr.Get(w, "rot"))))

			/* "adr pc, x" is a jump */
			if rd == a32PC {
				return Result{}, utils.EControlFlow(arch, off, a32Text(code, off), "adr into pc")
			}

			/* "ldr rd, =addr" */
			up := int64(0)
			if a32Adr.Get(w, "op") == a32OpAdd {
				up = 1
			}

			/* replace in place */
			at := edit().Replace(off, 4, le32(a32Nop))
			pool.add(at, a32Offset(base, up, imm), a32PoolLoad(a32Adr.Get(w, "cond"), rd))

		default:
			if err := a32Check(arch, code, off); err != nil {
				return Result{}, err
			}
		}
	}

	/* nothing depends on the load address */
	if buf == nil {
		return borrowed(code, mk), nil
	}

	/* locate the shifted slot, then lay out the pool */
	nmk := buf.CopyUpTo(mk)
	if err := pool.emit(arch, buf, nmk); err != nil {
		return Result{}, err
	}
	return Result{Code: buf.Bytes(), Marker: nmk}, nil
}

func a32Offset(base uint64, up int64, imm int64) uint64 {
	if up != 0 {
		return uint32Wrap(base + uint64(imm))
	} else {
		return uint32Wrap(base - uint64(imm))
	}
}

func uint32Wrap(v uint64) uint64 {
	return uint64(uint32(v))
}

// a32Rebase turns a literal load into an offset-free load based on its own
// destination register.
func a32Rebase(arch string, code []byte, off int, f *bitfield.Format, w uint64, imms ...string) (uint64, error) {
	rt := f.Get(w, "rt")

	/* loading PC from a literal is a jump table */
	if rt == a32PC {
		return 0, utils.EControlFlow(arch, off, a32Text(code, off), "load into pc")
	}

	/* writeback forms are not literal loads */
	if f.Get(w, "p") != 1 || f.Get(w, "w") != 0 {
		return 0, utils.EUnsupported(arch, off, a32Text(code, off))
	}

	/* [rt, #0] */
	w = f.Lookup("rn").Set(w, rt)
	w = f.Lookup("u").Set(w, 1)
	for _, name := range imms {
		w = f.Lookup(name).Set(w, 0)
	}
	return w, nil
}

// a32PoolLoad encodes "ldr<cond> rt, [pc, #±disp]".
func a32PoolLoad(cond int64, rt int64) loadFunc {
	return func(at int, slot int) ([]byte, error) {
		up := int64(1)
		disp := int64(slot - (at + 8))

		/* the offset is a magnitude */
		if disp < 0 {
			up, disp = 0, -disp
		}

		/* encode the load */
		w, err := a32LdrImm.Encode(cond, 1, up, 0, 0, a32PC, rt, disp)
		return le32(w), err
	}
}

// a32Check rejects instructions that branch or read the PC.
func a32Check(arch string, code []byte, off int) error {
	ins, err := armasm.Decode(code[off:off+4], armasm.ModeARM)
	if err != nil {
		return utils.EInvalid(arch, off, err.Error())
	}

	/* classify by opcode, ignoring the condition */
	op, _, _ := strings.Cut(ins.Op.String(), ".")
	text := ins.String()
	switch op {
	case "B", "BL", "BLX", "BX", "BXJ":
		return utils.EControlFlow(arch, off, text, "")
	case "SVC", "BKPT", "SMC", "HVC", "ERET", "RFE", "SRS", "CPS", "UDF":
		return utils.EUnsupported(arch, off, text)
	}

	/* look for PC among the operands */
	for i, a := range ins.Args {
		switch v := a.(type) {
		case nil:
			return nil
		case armasm.Reg:
			if v == armasm.PC && i == 0 {
				return utils.EControlFlow(arch, off, text, "writes pc")
			} else if v == armasm.PC {
				return utils.EUnsupported(arch, off, text)
			}
		case armasm.Mem:
			if v.Base == armasm.PC || (v.Sign != 0 && v.Index == armasm.PC) {
				return utils.EUnsupported(arch, off, text)
			}
		case armasm.RegShift:
			if v.Reg == armasm.PC {
				return utils.EUnsupported(arch, off, text)
			}
		case armasm.RegShiftReg:
			if v.Reg == armasm.PC || v.RegCount == armasm.PC {
				return utils.EUnsupported(arch, off, text)
			}
		case armasm.PCRel:
			return utils.EUnsupported(arch, off, text)
		case armasm.RegList:
			if v&(1<<a32PC) == 0 {
				break
			} else if op == "POP" || strings.HasPrefix(op, "LDM") {
				return utils.EControlFlow(arch, off, text, "pops pc")
			} else {
				return utils.EUnsupported(arch, off, text)
			}
		}
	}
	return nil
}

func a32Text(code []byte, off int) string {
	if ins, err := armasm.Decode(code[off:off+4], armasm.ModeARM); err != nil {
		return ""
	} else {
		return ins.String()
	}
}
