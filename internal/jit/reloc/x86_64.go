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
	"errors"
	"strings"

	"github.com/cloudwego/iasm/x86_64"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cloudwego/thunkjit/internal/jit/liveness"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/utils"
)

var (
	errHighByteREX = errors.New("cannot add a REX prefix to an instruction using AH, CH, DH or BH")
)

var x86ControlFlow = map[x86asm.Op]bool{
	x86asm.CALL:   true,
	x86asm.LCALL:  true,
	x86asm.LJMP:   true,
	x86asm.RET:    true,
	x86asm.LRET:   true,
	x86asm.IRET:   true,
	x86asm.IRETD:  true,
	x86asm.IRETQ:  true,
	x86asm.LOOP:   true,
	x86asm.LOOPE:  true,
	x86asm.LOOPNE: true,
	x86asm.JCXZ:   true,
	x86asm.JECXZ:  true,
	x86asm.JRCXZ:  true,
}

var x86Unsupported = map[x86asm.Op]bool{
	x86asm.INT:      true,
	x86asm.INTO:     true,
	x86asm.HLT:      true,
	x86asm.UD0:      true,
	x86asm.UD1:      true,
	x86asm.UD2:      true,
	x86asm.SYSCALL:  true,
	x86asm.SYSENTER: true,
	x86asm.SYSEXIT:  true,
	x86asm.SYSRET:   true,
	x86asm.LGDT:     true,
	x86asm.LIDT:     true,
	x86asm.LLDT:     true,
	x86asm.LTR:      true,
	x86asm.LMSW:     true,
	x86asm.CLTS:     true,
	x86asm.INVD:     true,
	x86asm.WBINVD:   true,
	x86asm.INVLPG:   true,
	x86asm.RDMSR:    true,
	x86asm.WRMSR:    true,
	x86asm.IN:       true,
	x86asm.OUT:      true,
	x86asm.INSB:     true,
	x86asm.INSW:     true,
	x86asm.INSD:     true,
	x86asm.OUTSB:    true,
	x86asm.OUTSW:    true,
	x86asm.OUTSD:    true,
	x86asm.CLI:      true,
	x86asm.STI:      true,
	x86asm.SWAPGS:   true,
	x86asm.XSETBV:   true,
}

// legacy prefixes that may precede REX or VEX
var x86Legacy = [256]bool{
	0xf0: true,
	0xf2: true,
	0xf3: true,
	0x2e: true,
	0x36: true,
	0x3e: true,
	0x26: true,
	0x64: true,
	0x65: true,
	0x66: true,
	0x67: true,
}

type x86SiteKind uint8

const (
	x86SiteScratch x86SiteKind = iota
	x86SiteDirect
)

// x86Site is a RIP-relative instruction that must be rewritten.
type x86Site struct {
	kind x86SiteKind
	off  int
	seq  int
	reg  int
	addr uint64
	ins  x86asm.Inst
}

// X86_64 relocates x86-64 templates.
//
// A "lea r64, [rip+x]" is replaced by "mov r64, imm". Any other RIP-relative
// operand is rebased on a scratch register, proved dead by a backward
// liveness scan and loaded with the absolute address right before the
// instruction.
type X86_64 struct{}

func (X86_64) Arch() marker.Arch {
	return marker.X86_64
}

func (self X86_64) Relocate(code []byte, pc uint64, mk int) (Result, error) {
	var off int
	var dead liveness.RegSet
	var seq []liveness.Insn
	var sites []x86Site

	/* the marker must lie within the template */
	arch := self.Arch().String()
	if err := checkMarker(self.Arch(), code, mk); err != nil {
		return Result{}, err
	}

scan:
	for {
		if off >= mk {
			return Result{}, utils.ENoThunkAsm(arch, off)
		}

		/* decode the next instruction */
		ins, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return Result{}, utils.EInvalid(arch, off, err.Error())
		}

		/* classify the instruction */
		next := off + ins.Len
		if err = x86Classify(arch, &ins, off, pc); err != nil {
			return Result{}, err
		}

		/* forward jumps over filler are followed */
		if ins.Op == x86asm.JMP {
			if dst, err := x86Follow(arch, &ins, off, next, mk, pc); err != nil {
				return Result{}, err
			} else {
				seq = append(seq, liveness.Insn{})
				off = dst
				continue scan
			}
		}

		/* instructions without a RIP operand are kept as is */
		mem, ok := x86RIPOperand(&ins)
		if !ok {
			seq = append(seq, x86Footprint(&ins))
			off = next
			continue scan
		}

		/* only 64-bit RIP addressing can be rebased */
		if mem.Base != x86asm.RIP || ins.PCRel != 4 {
			return Result{}, utils.EUnsupported(arch, off, x86Text(&ins, off, pc))
		}

		/* the load of the patch slot ends the prefix */
		fp := x86Footprint(&ins)
		if next+int(mem.Disp) == mk {
			for _, u := range fp.Uses {
				if u.Access == liveness.Write {
					dead = dead.Add(u.Reg)
				}
			}
			break scan
		}

		/* the absolute address the operand refers to */
		site := x86Site{
			off:  off,
			seq:  len(seq),
			addr: pc + uint64(int64(next)+mem.Disp),
			ins:  ins,
		}

		/* "lea r64, [rip+x]" just produces the address */
		if r, ok := x86LeaDest(&ins); ok {
			site.kind = x86SiteDirect
			site.reg = r
		} else {
			fp.Scratch = true
		}

		/* record the site */
		seq = append(seq, fp)
		sites = append(sites, site)
		off = next
	}

	/* nothing depends on the load address */
	if len(sites) == 0 {
		return borrowed(code, mk), nil
	}

	/* pick the scratch registers */
	if err := self.assign(arch, code, pc, sites, seq, dead); err != nil {
		return Result{}, err
	}

	/* rebuild the template */
	buf := utils.NewCowBuffer(code)
	for _, s := range sites {
		if err := x86Rewrite(arch, buf, code, &s); err != nil {
			return Result{}, err
		}
	}

	/* locate the shifted slot */
	nmk := buf.CopyUpTo(mk)
	return Result{Code: buf.Bytes(), Marker: nmk}, nil
}

func (self X86_64) assign(arch string, code []byte, pc uint64, sites []x86Site, seq []liveness.Insn, dead liveness.RegSet) error {
	var nr *liveness.NoRegisterError
	var an = liveness.Analysis{NumRegs: 16, Reserved: liveness.Set(_RSP)}

	/* run the analysis */
	regs, err := an.Choose(seq, dead)
	if errors.As(err, &nr) {
		for _, s := range sites {
			if s.seq == nr.Index {
				return utils.ENoRegister(arch, s.off, x86Text(&s.ins, s.off, pc))
			}
		}
	}

	/* should not happen, Choose fails only with NoRegisterError */
	if err != nil {
		return utils.ENoRegister(arch, 0, "")
	}

	/* registers come back in program order */
	for i, n := 0, 0; i < len(sites); i++ {
		if sites[i].kind == x86SiteScratch {
			sites[i].reg = regs[n]
			n++
		}
	}
	return nil
}

func x86Rewrite(arch string, buf *utils.CowBuffer, code []byte, s *x86Site) error {
	mov := x86MovAbs(s.reg, s.addr)
	raw := code[s.off : s.off+s.ins.Len]

	/* address producers become a plain move */
	if s.kind == x86SiteDirect {
		buf.Replace(s.off, len(raw), mov)
		return nil
	}

	/* rebase the operand on the scratch register */
	rep, err := x86RebaseRIP(raw, &s.ins, s.reg)
	if err != nil {
		return utils.EEncoding(arch, s.off, err)
	}

	/* load the address right before the instruction */
	buf.Insert(s.off, mov)
	buf.Replace(s.off, len(raw), rep)
	return nil
}

func x86Classify(arch string, ins *x86asm.Inst, off int, pc uint64) error {
	switch {
	case x86ControlFlow[ins.Op]:
		return utils.EControlFlow(arch, off, x86Text(ins, off, pc), "")
	case ins.Op != x86asm.JMP && strings.HasPrefix(ins.Op.String(), "J"):
		return utils.EControlFlow(arch, off, x86Text(ins, off, pc), "conditional branch")
	case x86Unsupported[ins.Op]:
		return utils.EUnsupported(arch, off, x86Text(ins, off, pc))
	}

	/* any other PC-relative immediate is a branch of some kind */
	for _, a := range ins.Args {
		if _, ok := a.(x86asm.Rel); ok && ins.Op != x86asm.JMP {
			return utils.EControlFlow(arch, off, x86Text(ins, off, pc), "")
		}
	}
	return nil
}

// x86Follow returns the target of an unconditional jump, which must be
// forward and before the patch slot.
func x86Follow(arch string, ins *x86asm.Inst, off int, next int, mk int, pc uint64) (int, error) {
	rel, ok := ins.Args[0].(x86asm.Rel)
	if !ok {
		return 0, utils.EControlFlow(arch, off, x86Text(ins, off, pc), "indirect jump")
	}

	/* only forward skips inside the prefix are allowed */
	if dst := next + int(rel); dst < next || dst >= mk {
		return 0, utils.EControlFlow(arch, off, x86Text(ins, off, pc), "jump target out of range")
	} else {
		return dst, nil
	}
}

func x86RIPOperand(ins *x86asm.Inst) (x86asm.Mem, bool) {
	for _, a := range ins.Args {
		if m, ok := a.(x86asm.Mem); ok && (m.Base == x86asm.RIP || m.Base == x86asm.EIP) {
			return m, true
		}
	}
	return x86asm.Mem{}, false
}

func x86LeaDest(ins *x86asm.Inst) (int, bool) {
	if ins.Op != x86asm.LEA {
		return 0, false
	} else if r, ok := ins.Args[0].(x86asm.Reg); !ok {
		return 0, false
	} else if g, ok := x86GPR(r); !ok || g.bits != 64 {
		return 0, false
	} else {
		return g.num, true
	}
}

func x86HasHighByte(ins *x86asm.Inst) bool {
	for _, a := range ins.Args {
		if r, ok := a.(x86asm.Reg); ok {
			if g, ok := x86GPR(r); ok && g.high {
				return true
			}
		}
	}
	return false
}

func x86Text(ins *x86asm.Inst, off int, pc uint64) string {
	return x86asm.IntelSyntax(*ins, pc+uint64(off), nil)
}

// x86MovAbs encodes "mov r64, imm".
func x86MovAbs(reg int, v uint64) []byte {
	p := x86_64.DefaultArch.CreateProgram()
	p.MOVQ(int64(v), x86_64.Register64(reg))

	/* assemble the instruction */
	defer p.Free()
	return p.Assemble(0)
}

// x86RebaseRIP rewrites "[rip+disp32]" in raw as "[reg]".
func x86RebaseRIP(raw []byte, ins *x86asm.Inst, reg int) ([]byte, error) {
	var i int
	var ext = byte(reg >> 3)
	var ret = make([]byte, 0, len(raw)+3)

	/* carry the legacy prefixes */
	for i < len(raw) && x86Legacy[raw[i]] {
		i++
	}

	/* extend the base register field */
	ret = append(ret, raw[:i]...)
	switch {
	case raw[i]&0xf0 == 0x40:
		ret = append(ret, raw[i]&^0x03|ext)
		i++
	case raw[i] == 0xc4:
		ret = append(ret, 0xc4, raw[i+1]&^0x60|0x40|(ext^1)<<5, raw[i+2])
		i += 3
	case raw[i] == 0xc5:
		ret = append(ret, 0xc4, raw[i+1]&0x80|0x40|(ext^1)<<5|0x01, raw[i+1]&0x7f)
		i += 2
	case ext != 0:
		if x86HasHighByte(ins) {
			return nil, errHighByteREX
		}
		ret = append(ret, 0x41)
	}

	/* opcode bytes, then the new ModRM */
	modrm := ins.PCRelOff - 1
	ret = append(ret, raw[i:modrm]...)
	op := raw[modrm]&0x38 | byte(reg&7)

	/* RSP and R12 need a SIB, RBP and R13 need a displacement */
	switch reg & 7 {
	case _RSP:
		ret = append(ret, op, 0x24)
	case _RBP:
		ret = append(ret, op|0x40, 0x00)
	default:
		ret = append(ret, op)
	}

	/* drop the old displacement, keep the immediate if any */
	return append(ret, raw[ins.PCRelOff+4:]...), nil
}
