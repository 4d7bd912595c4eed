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

// Package liveness finds registers that are free to clobber in a straight-line
// instruction sequence.
package liveness

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/oleiade/lane"
)

const (
	MaxRegs = 64
)

// Access is how an instruction touches a register.
type Access uint8

const (
	Read Access = 1 << iota
	Write
)

// Use is one register touched by an instruction. A Write use must overwrite
// the whole register; partial writes are reported as reads or not at all.
type Use struct {
	Reg    int
	Access Access
}

// Insn is the register footprint of one instruction.
type Insn struct {
	Uses    []Use
	Scratch bool
}

// RegSet is a set of register numbers.
type RegSet uint64

func (self RegSet) Has(r int) bool {
	return self&(1<<uint(r)) != 0
}

func (self RegSet) Add(r int) RegSet {
	return self | (1 << uint(r))
}

func (self RegSet) Remove(r int) RegSet {
	return self &^ (1 << uint(r))
}

func (self RegSet) Len() int {
	return bits.OnesCount64(uint64(self))
}

func (self RegSet) String() string {
	var rs []string
	for r := 0; r < MaxRegs; r++ {
		if self.Has(r) {
			rs = append(rs, fmt.Sprintf("r%d", r))
		}
	}
	return fmt.Sprintf("{%s}", strings.Join(rs, ", "))
}

// Set builds a RegSet from register numbers.
func Set(regs ...int) (rs RegSet) {
	for _, r := range regs {
		rs = rs.Add(r)
	}
	return
}

type stateKind uint8

const (
	live stateKind = iota
	readAt
	writtenAt
)

// state of one register, looking backward from the end of the sequence.
type state struct {
	kind stateKind
	at   int
}

// NoRegisterError is returned when no register is free around an
// instruction that needs one.
type NoRegisterError struct {
	Index int
}

func (self *NoRegisterError) Error() string {
	return fmt.Sprintf("liveness: no dead register at instruction %d", self.Index)
}

// Analysis picks scratch registers by a single backward scan.
type Analysis struct {
	NumRegs  int
	Reserved RegSet
}

// Choose returns one register for every instruction with Scratch set, in
// program order. dead lists the registers whose value is not needed after the
// last instruction; every other register is assumed live there.
//
// A register qualifies at instruction i when it is overwritten before being
// read, counting from i inclusive. Registers read by i itself never qualify.
func (self Analysis) Choose(ins []Insn, dead RegSet) ([]int, error) {
	st := self.seed(dead, len(ins))
	rs := lane.NewStack()

	/* live(i-1) = use(i) ∪ (live(i) - def(i)) */
	for i := len(ins) - 1; i >= 0; i-- {
		self.step(st, ins[i], i)

		/* pick the lowest free register if this instruction needs one */
		if ins[i].Scratch {
			if r := self.pick(st); r < 0 {
				return nil, &NoRegisterError{Index: i}
			} else {
				rs.Push(r)
			}
		}
	}

	/* the stack yields registers in program order */
	ret := make([]int, 0, rs.Size())
	for !rs.Empty() {
		ret = append(ret, rs.Pop().(int))
	}
	return ret, nil
}

func (self Analysis) seed(dead RegSet, n int) []state {
	st := make([]state, self.NumRegs)
	for r := range st {
		if dead.Has(r) {
			st[r] = state{kind: writtenAt, at: n}
		}
	}
	return st
}

func (self Analysis) step(st []state, in Insn, i int) {
	var rd RegSet
	var wr RegSet

	/* collect the footprint */
	for _, u := range in.Uses {
		if u.Access&Read != 0 {
			rd = rd.Add(u.Reg)
		}
		if u.Access&Write != 0 {
			wr = wr.Add(u.Reg)
		}
	}

	/* a register both read and written stays live */
	for r := range st {
		if rd.Has(r) {
			st[r] = state{kind: readAt, at: i}
		} else if wr.Has(r) {
			st[r] = state{kind: writtenAt, at: i}
		}
	}
}

func (self Analysis) pick(st []state) int {
	for r, s := range st {
		if s.kind == writtenAt && !self.Reserved.Has(r) {
			return r
		}
	}
	return -1
}
