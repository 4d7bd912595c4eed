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

// Package marker locates the patch slot of a thunk template.
package marker

import (
	"bytes"
	"encoding/binary"

	"github.com/cloudwego/thunkjit/internal/rt"
	"github.com/cloudwego/thunkjit/internal/utils"
)

// Arch is an instruction set a template may be compiled for.
type Arch uint8

const (
	Unknown Arch = iota
	X86_64
	X86
	Arm64
	Arm
	Thumb
)

var archNames = [...]string{
	Unknown: "unknown",
	X86_64:  "x86_64",
	X86:     "x86",
	Arm64:   "aarch64",
	Arm:     "arm",
	Thumb:   "thumb",
}

func (self Arch) String() string {
	if int(self) < len(archNames) {
		return archNames[self]
	} else {
		return archNames[Unknown]
	}
}

// Protocol describes how the patch slot is laid out on one architecture.
//
// The slot holds Magic in the template. Trailing bytes, counted from the start
// of the slot, belong to the fixed tail of the template that is copied but
// never disassembled. When WritesReturn is set, the word following the slot
// receives the address right after the template tail.
type Protocol struct {
	Arch         Arch
	Magic        uint64
	PtrSize      int
	Trailing     int
	WritesReturn bool
	ModeTag      uintptr
}

var (
	ProtoX86_64 = Protocol{Arch: X86_64, Magic: 0x0ebe4a8e072bdb2a, PtrSize: 8, Trailing: 16, WritesReturn: true}
	ProtoX86    = Protocol{Arch: X86, Magic: 0x072bdb2a, PtrSize: 4, Trailing: 4 + 5 + 2}
	ProtoArm64  = Protocol{Arch: Arm64, Magic: 0x0000dead0000dead, PtrSize: 8, Trailing: 16, WritesReturn: true}
	ProtoArm    = Protocol{Arch: Arm, Magic: 0x0000dead, PtrSize: 4, Trailing: 8, WritesReturn: true}
	ProtoThumb  = Protocol{Arch: Thumb, Magic: 0x0000dead, PtrSize: 4, Trailing: 8, WritesReturn: true, ModeTag: 1}
)

// ForArch returns the protocol of an architecture.
func ForArch(arch Arch) Protocol {
	switch arch {
	case X86_64:
		return ProtoX86_64
	case X86:
		return ProtoX86
	case Arm64:
		return ProtoArm64
	case Arm:
		return ProtoArm
	case Thumb:
		return ProtoThumb
	default:
		return Protocol{}
	}
}

// Supported reports whether the protocol describes a real architecture.
func (self Protocol) Supported() bool {
	return self.Arch != Unknown && self.PtrSize != 0
}

// Pattern returns the in-memory bytes of the magic value.
func (self Protocol) Pattern() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, self.Magic)
	return buf[:self.PtrSize]
}

// Untag clears the mode bit of a code pointer.
func (self Protocol) Untag(p uintptr) uintptr {
	return p &^ self.ModeTag
}

// Tag sets the mode bit of a code pointer.
func (self Protocol) Tag(p uintptr) uintptr {
	return p | self.ModeTag
}

// TemplateSize returns the length of a template whose slot is at marker.
func (self Protocol) TemplateSize(marker int) int {
	return marker + self.Trailing
}

// ReturnAddress is the address execution resumes at in the original
// template after the relocated copy finishes its prefix.
func (self Protocol) ReturnAddress(template uintptr, marker int) uintptr {
	return self.Tag(template + uintptr(self.TemplateSize(marker)))
}

// Scan finds the slot in the template at base, reading no further than limit
// bytes. Memory is read one slot at a time so the scan never runs past the
// slot it stops at.
func (self Protocol) Scan(base uintptr, limit int) (int, error) {
	pat := self.Pattern()
	off := int(utils.AlignPad(base, uintptr(self.PtrSize)))

	/* compare at every aligned address */
	for ; off+self.PtrSize <= limit; off += self.PtrSize {
		if bytes.Equal(rt.View(base+uintptr(off), self.PtrSize), pat) {
			return off, nil
		}
	}

	/* scan limit exceeded */
	return 0, utils.ENoThunkAsm(self.Arch.String(), limit)
}
