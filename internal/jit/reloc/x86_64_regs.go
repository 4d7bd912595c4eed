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
	"golang.org/x/arch/x86/x86asm"

	"github.com/cloudwego/thunkjit/internal/jit/liveness"
)

const (
	_RAX = 0
	_RCX = 1
	_RDX = 2
	_RBX = 3
	_RSP = 4
	_RBP = 5
	_RSI = 6
	_RDI = 7
)

// gpr describes a general purpose register operand.
type gpr struct {
	num  int
	bits int
	high bool
}

func x86GPR(r x86asm.Reg) (gpr, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return gpr{num: int(r - x86asm.AL), bits: 8}, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return gpr{num: int(r - x86asm.AH), bits: 8, high: true}, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return gpr{num: int(r-x86asm.SPB) + 4, bits: 8}, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return gpr{num: int(r - x86asm.AX), bits: 16}, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return gpr{num: int(r - x86asm.EAX), bits: 32}, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return gpr{num: int(r - x86asm.RAX), bits: 64}, true
	default:
		return gpr{}, false
	}
}

// ops whose first operand is written without being read, provided the
// destination is a full (32 or 64 bit) register
var x86WriteOnly = map[x86asm.Op]bool{
	x86asm.MOV:       true,
	x86asm.MOVZX:     true,
	x86asm.MOVSX:     true,
	x86asm.MOVSXD:    true,
	x86asm.LEA:       true,
	x86asm.POP:       true,
	x86asm.MOVD:      true,
	x86asm.MOVQ:      true,
	x86asm.MOVBE:     true,
	x86asm.POPCNT:    true,
	x86asm.LZCNT:     true,
	x86asm.TZCNT:     true,
	x86asm.RDRAND:    true,
	x86asm.MOVMSKPS:  true,
	x86asm.MOVMSKPD:  true,
	x86asm.PMOVMSKB:  true,
	x86asm.CVTSD2SI:  true,
	x86asm.CVTTSD2SI: true,
	x86asm.CVTSS2SI:  true,
	x86asm.CVTTSS2SI: true,
	x86asm.PEXTRB:    true,
	x86asm.PEXTRW:    true,
	x86asm.PEXTRD:    true,
	x86asm.PEXTRQ:    true,
	x86asm.EXTRACTPS: true,
}

// registers touched without being named in the operand list
var x86Implicit = map[x86asm.Op][]int{
	x86asm.CBW:        {_RAX},
	x86asm.CWDE:       {_RAX},
	x86asm.CDQE:       {_RAX},
	x86asm.CWD:        {_RAX, _RDX},
	x86asm.CDQ:        {_RAX, _RDX},
	x86asm.CQO:        {_RAX, _RDX},
	x86asm.MUL:        {_RAX, _RDX},
	x86asm.DIV:        {_RAX, _RDX},
	x86asm.IDIV:       {_RAX, _RDX},
	x86asm.CPUID:      {_RAX, _RBX, _RCX, _RDX},
	x86asm.RDTSC:      {_RAX, _RDX},
	x86asm.RDTSCP:     {_RAX, _RCX, _RDX},
	x86asm.RDPMC:      {_RAX, _RCX, _RDX},
	x86asm.XGETBV:     {_RAX, _RCX, _RDX},
	x86asm.CMPXCHG:    {_RAX},
	x86asm.CMPXCHG8B:  {_RAX, _RBX, _RCX, _RDX},
	x86asm.CMPXCHG16B: {_RAX, _RBX, _RCX, _RDX},
	x86asm.PUSH:       {_RSP},
	x86asm.POP:        {_RSP},
	x86asm.PUSHF:      {_RSP},
	x86asm.PUSHFQ:     {_RSP},
	x86asm.POPF:       {_RSP},
	x86asm.POPFQ:      {_RSP},
	x86asm.LEAVE:      {_RBP, _RSP},
	x86asm.ENTER:      {_RBP, _RSP},
	x86asm.XLATB:      {_RAX, _RBX},
	x86asm.IN:         {_RAX, _RDX},
	x86asm.OUT:        {_RAX, _RDX},
	x86asm.LAHF:       {_RAX},
	x86asm.SAHF:       {_RAX},
	x86asm.MASKMOVQ:   {_RDI},
	x86asm.MASKMOVDQU: {_RDI},
	x86asm.PCMPESTRI:  {_RAX, _RCX, _RDX},
	x86asm.PCMPESTRM:  {_RAX, _RDX},
	x86asm.PCMPISTRI:  {_RCX},
	x86asm.MOVSB:      {_RSI, _RDI, _RCX},
	x86asm.MOVSW:      {_RSI, _RDI, _RCX},
	x86asm.MOVSD:      {_RSI, _RDI, _RCX},
	x86asm.MOVSQ:      {_RSI, _RDI, _RCX},
	x86asm.CMPSB:      {_RSI, _RDI, _RCX},
	x86asm.CMPSW:      {_RSI, _RDI, _RCX},
	x86asm.CMPSD:      {_RSI, _RDI, _RCX},
	x86asm.CMPSQ:      {_RSI, _RDI, _RCX},
	x86asm.STOSB:      {_RAX, _RDI, _RCX},
	x86asm.STOSW:      {_RAX, _RDI, _RCX},
	x86asm.STOSD:      {_RAX, _RDI, _RCX},
	x86asm.STOSQ:      {_RAX, _RDI, _RCX},
	x86asm.SCASB:      {_RAX, _RDI, _RCX},
	x86asm.SCASW:      {_RAX, _RDI, _RCX},
	x86asm.SCASD:      {_RAX, _RDI, _RCX},
	x86asm.SCASQ:      {_RAX, _RDI, _RCX},
	x86asm.LODSB:      {_RAX, _RSI, _RCX},
	x86asm.LODSW:      {_RAX, _RSI, _RCX},
	x86asm.LODSD:      {_RAX, _RSI, _RCX},
	x86asm.LODSQ:      {_RAX, _RSI, _RCX},
	x86asm.INSB:       {_RDX, _RDI, _RCX},
	x86asm.INSW:       {_RDX, _RDI, _RCX},
	x86asm.INSD:       {_RDX, _RDI, _RCX},
	x86asm.OUTSB:      {_RDX, _RSI, _RCX},
	x86asm.OUTSW:      {_RDX, _RSI, _RCX},
	x86asm.OUTSD:      {_RDX, _RSI, _RCX},
}

// x86Footprint computes the register footprint of one instruction. Registers
// are conservatively reported as read unless the instruction provably
// replaces their whole value.
func x86Footprint(ins *x86asm.Inst) liveness.Insn {
	var ret liveness.Insn
	var wr = -1

	/* full-width destination of a write-only op */
	if x86WriteOnly[ins.Op] {
		if r, ok := ins.Args[0].(x86asm.Reg); ok {
			if g, ok := x86GPR(r); ok && g.bits >= 32 {
				wr = g.num
			}
		}
	}

	/* "xor r, r" and "sub r, r" clear the register without reading it */
	if ins.Op == x86asm.XOR || ins.Op == x86asm.SUB {
		if a, ok := ins.Args[0].(x86asm.Reg); ok && ins.Args[1] == a {
			if g, ok := x86GPR(a); ok && g.bits >= 32 {
				ret.Uses = append(ret.Uses, liveness.Use{Reg: g.num, Access: liveness.Write})
				return ret
			}
		}
	}

	/* explicit operands */
	for i, a := range ins.Args {
		switch v := a.(type) {
		case nil:
			break
		case x86asm.Reg:
			if g, ok := x86GPR(v); !ok {
				break
			} else if i == 0 && g.num == wr {
				ret.Uses = append(ret.Uses, liveness.Use{Reg: g.num, Access: liveness.Write})
			} else {
				ret.Uses = append(ret.Uses, liveness.Use{Reg: g.num, Access: liveness.Read})
			}
		case x86asm.Mem:
			for _, r := range []x86asm.Reg{v.Base, v.Index} {
				if g, ok := x86GPR(r); ok {
					ret.Uses = append(ret.Uses, liveness.Use{Reg: g.num, Access: liveness.Read})
				}
			}
		}
	}

	/* single operand IMUL uses RDX:RAX */
	if ins.Op == x86asm.IMUL && ins.Args[1] == nil {
		ret.Uses = append(ret.Uses, x86Reads(_RAX, _RDX)...)
	}

	/* REP and REPNE count with RCX */
	for _, p := range ins.Prefix {
		if p == 0 {
			break
		}
		if p&0xff == x86asm.PrefixREP || p&0xff == x86asm.PrefixREPN {
			ret.Uses = append(ret.Uses, x86Reads(_RCX)...)
		}
	}

	/* implicit operands */
	ret.Uses = append(ret.Uses, x86Reads(x86Implicit[ins.Op]...)...)
	return ret
}

func x86Reads(regs ...int) []liveness.Use {
	ret := make([]liveness.Use, len(regs))
	for i, r := range regs {
		ret[i] = liveness.Use{Reg: r, Access: liveness.Read}
	}
	return ret
}
