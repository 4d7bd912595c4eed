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
	"golang.org/x/arch/arm64/arm64asm"

	"github.com/cloudwego/thunkjit/internal/bitfield"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/utils"
)

const (
	a64Nop = 0xd503201f
)

var a64LdrLit = bitfield.Format{
	Name:  "LDR (literal)",
	Fixed: []bitfield.Const{bitfield.Fix(24, 30, 0b011000)},
	Fields: []bitfield.Field{
		bitfield.U("opc", 30, 32),
		bitfield.U("rt", 0, 5),
		bitfield.S("imm19", 5, 24),
	},
}

var a64LdrUoff = bitfield.Format{
	Name:  "LDR (unsigned offset)",
	Fixed: []bitfield.Const{bitfield.Fix(24, 30, 0b111001)},
	Fields: []bitfield.Field{
		bitfield.U("size", 30, 32),
		bitfield.U("opc", 22, 24),
		bitfield.U("imm12", 10, 22),
		bitfield.U("rn", 5, 10),
		bitfield.U("rt", 0, 5),
	},
}

var a64Adr = bitfield.Format{
	Name:  "ADR",
	Fixed: []bitfield.Const{bitfield.Fix(24, 29, 0b10000)},
	Fields: []bitfield.Field{
		bitfield.U("op", 31, 32),
		bitfield.U("immlo", 29, 31),
		bitfield.S("immhi", 5, 24),
		bitfield.U("rd", 0, 5),
	},
}

var a64B = bitfield.Format{
	Name:   "B",
	Fixed:  []bitfield.Const{bitfield.Fix(26, 32, 0b000101)},
	Fields: []bitfield.Field{bitfield.S("imm26", 0, 26)},
}

// LDR (literal) opc values
const (
	a64LoadW  = 0
	a64LoadX  = 1
	a64LoadSW = 2
	a64Prfm   = 3
)

// size and opc of the register form for every literal load
var a64RegLoads = [...][2]int64{
	a64LoadW:  {2, 1},
	a64LoadX:  {3, 1},
	a64LoadSW: {2, 2},
}

var a64ControlFlow = map[arm64asm.Op]bool{
	arm64asm.B:    true,
	arm64asm.BL:   true,
	arm64asm.BR:   true,
	arm64asm.BLR:  true,
	arm64asm.RET:  true,
	arm64asm.CBZ:  true,
	arm64asm.CBNZ: true,
	arm64asm.TBZ:  true,
	arm64asm.TBNZ: true,
}

var a64Unsupported = map[arm64asm.Op]bool{
	arm64asm.SVC:   true,
	arm64asm.HVC:   true,
	arm64asm.SMC:   true,
	arm64asm.BRK:   true,
	arm64asm.HLT:   true,
	arm64asm.ERET:  true,
	arm64asm.DCPS1: true,
	arm64asm.DCPS2: true,
	arm64asm.DCPS3: true,
	arm64asm.DRPS:  true,
}

// Arm64 relocates AArch64 templates.
//
// ADR and ADRP become literal loads of the address they compute. Literal
// loads of data become a load of the data address from the literal pool
// followed by a register load through it.
type Arm64 struct{}

func (Arm64) Arch() marker.Arch {
	return marker.Arm64
}

func (self Arm64) Relocate(code []byte, pc uint64, mk int) (Result, error) {
	var buf *utils.CowBuffer
	var pool = newLiteralPool(8)

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

		/* instruction address */
		w := u32(code, off)
		ip := pc + uint64(off)

		/* match the address dependent encodings */
		switch {
		case a64LdrLit.Match(w):
			imm := a64LdrLit.Get(w, "imm19") * 4
			opc := a64LdrLit.Get(w, "opc")
			rt := a64LdrLit.Get(w, "rt")

			/* the load of the patch slot ends the prefix */
			if off+int(imm) == mk {
				break scan
			}

			/* prefetches have no effect on the result */
			if opc == a64Prfm {
				edit().Replace(off, 4, le32(a64Nop))
				continue scan
			}

			/* XZR cannot be used as a base register */
			if rt == 31 {
				return Result{}, utils.EUnsupported(arch, off, a64Text(code, off))
			}

			/* "ldr xt, =addr" then "ldr rt, [xt]" */
			at := edit().Insert(off, le32(a64Nop))
			buf.Replace(off, 4, le32(a64RegLoad(opc, rt)))
			pool.add(at, ip+uint64(imm), a64PoolLoad(rt))

		case a64Adr.Match(w):
			rd := a64Adr.Get(w, "rd")
			imm := a64Adr.Get(w, "immhi")<<2 | a64Adr.Get(w, "immlo")

			/* ADRP works on 4KiB pages */
			addr := ip + uint64(imm)
			if a64Adr.Get(w, "op") == 1 {
				addr = (ip &^ 0xfff) + uint64(imm<<12)
			}

			/* "ldr xd, =addr" */
			at := edit().Replace(off, 4, le32(a64Nop))
			pool.add(at, addr, a64PoolLoad(rd))

		case a64B.Match(w):
			dst := off + int(a64B.Get(w, "imm26")*4)

			/* forward skips inside the prefix are followed */
			if dst <= off || dst >= mk {
				return Result{}, utils.EControlFlow(arch, off, a64Text(code, off), "branch target out of range")
			} else {
				off = dst - 4
			}

		default:
			if err := a64Check(arch, code, off); err != nil {
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

// a64Check rejects instructions that branch or read the PC.
func a64Check(arch string, code []byte, off int) error {
	ins, err := arm64asm.Decode(code[off : off+4])
	if err != nil {
		return utils.EInvalid(arch, off, err.Error())
	}

	/* classify by opcode */
	switch {
	case a64ControlFlow[ins.Op]:
		return utils.EControlFlow(arch, off, ins.String(), "")
	case a64Unsupported[ins.Op]:
		return utils.EUnsupported(arch, off, ins.String())
	}

	/* any other PC-relative operand */
	for _, a := range ins.Args {
		if a == nil {
			break
		}
		if _, ok := a.(arm64asm.PCRel); ok {
			return utils.EUnsupported(arch, off, ins.String())
		}
	}
	return nil
}

func a64Text(code []byte, off int) string {
	if ins, err := arm64asm.Decode(code[off : off+4]); err != nil {
		return ""
	} else {
		return ins.String()
	}
}

// a64RegLoad encodes "ldr rt, [xt]" for a literal load of kind opc.
func a64RegLoad(opc int64, rt int64) uint64 {
	v := a64RegLoads[opc]
	w, err := a64LdrUoff.Encode(v[0], v[1], 0, rt, rt)
	if err != nil {
		panic(err)
	}
	return w
}

// a64PoolLoad encodes "ldr xt, <slot>".
func a64PoolLoad(rt int64) loadFunc {
	return func(at int, slot int) ([]byte, error) {
		w, err := a64LdrLit.Encode(a64LoadX, rt, int64(slot-at)/4)
		return le32(w), err
	}
}
