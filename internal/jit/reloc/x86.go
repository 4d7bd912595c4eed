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
	"github.com/cloudwego/iasm/x86_64"
	"golang.org/x/arch/x86/x86asm"

	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/utils"
)

// X86 relocates 32-bit x86 templates.
//
// The patch slot is the immediate of a "mov r32, imm32", so the prefix ends at
// the instruction covering the slot. The only position dependent code
// accepted is the "call 1f; 1: pop r32" sequence, which becomes a move of the
// address the call would have pushed.
type X86 struct{}

func (X86) Arch() marker.Arch {
	return marker.X86
}

func (self X86) Relocate(code []byte, pc uint64, mk int) (Result, error) {
	var off int
	var buf *utils.CowBuffer

	/* the marker must lie within the template */
	arch := self.Arch().String()
	if err := checkMarker(self.Arch(), code, mk); err != nil {
		return Result{}, err
	}

	/* scan until the instruction holding the slot */
	for {
		if off >= mk {
			return Result{}, utils.ENoThunkAsm(arch, off)
		}

		/* decode the next instruction */
		ins, err := x86asm.Decode(code[off:], 32)
		if err != nil {
			return Result{}, utils.EInvalid(arch, off, err.Error())
		}

		/* the slot must be the immediate of a move */
		next := off + ins.Len
		if next > mk {
			if _, ok := ins.Args[1].(x86asm.Imm); ins.Op != x86asm.MOV || !ok {
				return Result{}, utils.EInvalid(arch, off, "patch slot is not a move immediate: "+x86Text(&ins, off, pc))
			}
			break
		}

		/* "call 1f; 1: pop r32" loads the current address */
		if x86IsCallNext(&ins) {
			end, reg, err := x86PopAfterCall(arch, code, off, next, mk, pc)
			if err != nil {
				return Result{}, err
			}

			/* replace the pair with a move */
			if buf == nil {
				buf = utils.NewCowBuffer(code)
			}

			/* the value is the return address the call pushes */
			buf.Replace(off, end-off, x86MovImm32(reg, uint32(pc)+uint32(next)))
			off = end
			continue
		}

		/* reject every other kind of control flow */
		if err = x86Classify(arch, &ins, off, pc); err != nil {
			return Result{}, err
		}

		/* forward jumps over filler are followed */
		if ins.Op != x86asm.JMP {
			off = next
		} else if off, err = x86Follow(arch, &ins, off, next, mk, pc); err != nil {
			return Result{}, err
		}
	}

	/* nothing depends on the load address */
	if buf == nil {
		return borrowed(code, mk), nil
	}

	/* locate the shifted slot */
	nmk := buf.CopyUpTo(mk)
	return Result{Code: buf.Bytes(), Marker: nmk}, nil
}

func x86IsCallNext(ins *x86asm.Inst) bool {
	rel, ok := ins.Args[0].(x86asm.Rel)
	return ins.Op == x86asm.CALL && ok && rel == 0
}

func x86PopAfterCall(arch string, code []byte, off int, next int, mk int, pc uint64) (int, int, error) {
	ins, err := x86asm.Decode(code[next:], 32)
	if err != nil {
		return 0, 0, utils.EInvalid(arch, next, err.Error())
	}

	/* must be "pop r32" and must end before the slot */
	if r, ok := ins.Args[0].(x86asm.Reg); ins.Op != x86asm.POP || !ok || r < x86asm.EAX || r > x86asm.EDI {
		return 0, 0, utils.EControlFlow(arch, off, "call", "call to the next instruction is not followed by pop")
	} else if next+ins.Len > mk {
		return 0, 0, utils.ENoThunkAsm(arch, next)
	} else {
		return next + ins.Len, int(r - x86asm.EAX), nil
	}
}

// x86MovImm32 encodes "mov r32, imm32".
func x86MovImm32(reg int, v uint32) []byte {
	p := x86_64.DefaultArch.CreateProgram()
	p.MOVL(int64(v), x86_64.Register32(reg))

	/* assemble the instruction */
	defer p.Free()
	return p.Assemble(0)
}
