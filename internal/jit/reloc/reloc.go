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

// Package reloc rewrites the address-dependent prefix of a thunk template so
// that the template can be copied to another address.
package reloc

import (
	"encoding/binary"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/logs"
	"github.com/cloudwego/thunkjit/internal/utils"
)

// Result is a relocated template.
//
// Code aliases the input when Borrowed is set. Marker is the offset of the
// patch slot in Code.
type Result struct {
	Code     []byte
	Marker   int
	Borrowed bool
}

// Engine relocates templates of one instruction set.
//
// Relocate receives the template bytes, the address they were loaded at and
// the offset of the patch slot. It either proves the prefix before the slot
// position independent, rewrites it, or fails; it never returns a partially
// rewritten template.
type Engine interface {
	Arch() marker.Arch
	Relocate(code []byte, pc uint64, mk int) (Result, error)
}

var (
	RelocCount  uint64
	BorrowCount uint64
	FailCount   uint64
	PoolEntries uint64
)

// ForArch returns the engine of an architecture, or nil.
func ForArch(arch marker.Arch) Engine {
	switch arch {
	case marker.X86_64:
		return X86_64{}
	case marker.X86:
		return X86{}
	case marker.Arm64:
		return Arm64{}
	case marker.Arm:
		return Arm{}
	case marker.Thumb:
		return Thumb{}
	default:
		return nil
	}
}

// Native returns the engine of the build target, or nil.
func Native() Engine {
	return ForArch(marker.Native.Arch)
}

// Relocate runs an engine and records the outcome.
func Relocate(e Engine, code []byte, pc uint64, mk int) (Result, error) {
	ret, err := e.Relocate(code, pc, mk)

	/* failures are defects in the template, always worth a log line */
	if err != nil {
		atomic.AddUint64(&FailCount, 1)
		logs.Logger().Warn("cannot relocate thunk template",
			zap.Stringer("arch", e.Arch()),
			zap.Uint64("pc", pc),
			zap.Error(err))
		return Result{}, err
	}

	/* count borrowed and rewritten templates */
	if ret.Borrowed {
		atomic.AddUint64(&BorrowCount, 1)
	} else {
		atomic.AddUint64(&RelocCount, 1)
		logs.Logger().Debug("relocated thunk template",
			zap.Stringer("arch", e.Arch()),
			zap.Uint64("pc", pc),
			zap.Int("marker", mk),
			zap.Int("shifted", ret.Marker),
			zap.Int("size", len(ret.Code)))
	}
	return ret, nil
}

func borrowed(code []byte, mk int) Result {
	return Result{Code: code, Marker: mk, Borrowed: true}
}

func u16(b []byte, off int) uint64 {
	return uint64(binary.LittleEndian.Uint16(b[off:]))
}

func u32(b []byte, off int) uint64 {
	return uint64(binary.LittleEndian.Uint32(b[off:]))
}

func le16(w uint64) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(w))
	return buf
}

func le32(w uint64) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(w))
	return buf
}

// le32t stores a 32-bit Thumb instruction held as hw1 | hw2 << 16.
func le32t(w uint64) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(w))
	binary.LittleEndian.PutUint16(buf[2:], uint16(w>>16))
	return buf
}

// checkMarker validates the slot offset against the template.
func checkMarker(arch marker.Arch, code []byte, mk int) error {
	if mk < 0 || mk > len(code) {
		return utils.ENoThunkAsm(arch.String(), mk)
	} else {
		return nil
	}
}
