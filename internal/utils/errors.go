/*
 * Copyright 2022 CloudWeGo Authors
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

package utils

import (
	"fmt"
)

// ErrorKind classifies why a template could not be relocated.
type ErrorKind uint8

const (
	InvalidInstruction ErrorKind = iota + 1
	UnsupportedInstruction
	UnsupportedControlFlow
	NoAvailableRegister
	EncodingError
	NoThunkAsm
)

var kindNames = [...]string{
	InvalidInstruction:     "invalid instruction",
	UnsupportedInstruction: "unsupported instruction",
	UnsupportedControlFlow: "unsupported control flow",
	NoAvailableRegister:    "no available register",
	EncodingError:          "encoding error",
	NoThunkAsm:             "thunk asm marker not found",
}

func (self ErrorKind) String() string {
	if int(self) < len(kindNames) && kindNames[self] != "" {
		return kindNames[self]
	} else {
		return fmt.Sprintf("ErrorKind(%d)", self)
	}
}

// Error makes a bare kind usable as a sentinel with errors.Is.
func (self ErrorKind) Error() string {
	return self.String()
}

// RelocError occurs when a thunk template contains an instruction that
// cannot be proved position independent or rewritten.
type RelocError struct {
	Kind   ErrorKind
	Arch   string
	Offset int
	Inst   string
	Note   string
}

func (self RelocError) Error() string {
	var msg string
	var arch string

	/* architecture is optional */
	if arch = self.Arch; arch == "" {
		arch = "?"
	}

	/* instruction text is optional too */
	if msg = fmt.Sprintf("RelocError(%s) at offset %d: %s", arch, self.Offset, self.Kind); self.Inst != "" {
		msg += fmt.Sprintf(" [%s]", self.Inst)
	}

	/* append the note, if any */
	if self.Note != "" {
		return msg + ": " + self.Note
	} else {
		return msg
	}
}

// Is matches both RelocError values of the same kind and bare kinds.
func (self RelocError) Is(target error) bool {
	switch v := target.(type) {
	case ErrorKind:
		return v == self.Kind
	case RelocError:
		return v.Kind == self.Kind
	default:
		return false
	}
}

// AllocError occurs when the JIT allocator fails.
type AllocError struct {
	Op   string
	Size uintptr
	Err  error
}

func (self AllocError) Error() string {
	return fmt.Sprintf("AllocError(%s, %d bytes): %v", self.Op, self.Size, self.Err)
}

func (self AllocError) Unwrap() error {
	return self.Err
}

func ERelocate(kind ErrorKind, arch string, offset int, inst string, note string) RelocError {
	return RelocError{
		Kind:   kind,
		Arch:   arch,
		Offset: offset,
		Inst:   inst,
		Note:   note,
	}
}

func EInvalid(arch string, offset int, note string) RelocError {
	return ERelocate(InvalidInstruction, arch, offset, "", note)
}

func EUnsupported(arch string, offset int, inst string) RelocError {
	return ERelocate(UnsupportedInstruction, arch, offset, inst, "")
}

func EControlFlow(arch string, offset int, inst string, note string) RelocError {
	return ERelocate(UnsupportedControlFlow, arch, offset, inst, note)
}

func ENoRegister(arch string, offset int, inst string) RelocError {
	return ERelocate(NoAvailableRegister, arch, offset, inst, "no dead register to hold the relocated address")
}

func EEncoding(arch string, offset int, err error) RelocError {
	return ERelocate(EncodingError, arch, offset, "", err.Error())
}

func ENoThunkAsm(arch string, offset int) RelocError {
	return ERelocate(NoThunkAsm, arch, offset, "", "reached the marker slot without a load referencing it")
}

func EAlloc(op string, size uintptr, err error) AllocError {
	return AllocError{
		Op:   op,
		Size: size,
		Err:  err,
	}
}
