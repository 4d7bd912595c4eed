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

// Package loader provides executable memory for materialized thunks.
package loader

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jtolds/gls"
	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"

	"github.com/cloudwego/thunkjit/internal/logs"
	"github.com/cloudwego/thunkjit/internal/opts"
)

// Access is the protection of a range of JIT memory.
type Access uint8

const (
	ReadWrite Access = iota
	ReadExecute
)

func (self Access) String() string {
	switch self {
	case ReadWrite:
		return "rw"
	case ReadExecute:
		return "rx"
	default:
		return "?"
	}
}

// Allocator hands out JIT memory.
//
// Alloc returns two views of the same block: exec is where the code runs and
// write is where it is written. They are equal for providers that flip the
// protection of a single mapping. Before writing, callers switch the block to
// ReadWrite and switch it back to ReadExecute afterwards, then flush the
// instruction cache over the execute view.
type Allocator interface {
	Alloc(size uintptr) (exec uintptr, write uintptr, err error)
	Release(exec uintptr) error
	SetAccess(ptr uintptr, size uintptr, access Access) error
	FlushInstructionCache(ptr uintptr, size uintptr)
}

const (
	_MinGranule = 16
)

// Region is one block of JIT memory.
type Region struct {
	Exec  uintptr
	Write uintptr
	Size  uintptr
}

var (
	AllocCount   uint64
	AllocSize    uint64
	ReleaseCount uint64
	ChunkCount   uint64
	MappedSize   uint64
)

var (
	errNotSupported = errors.New("no JIT allocator on this platform")
	errUnknownBlock = errors.New("block was not allocated here")
	errZeroSize     = errors.New("empty allocation")
)

func recordAlloc(size uintptr) {
	atomic.AddUint64(&AllocCount, 1)
	atomic.AddUint64(&AllocSize, uint64(size))
}

func recordRelease() {
	atomic.AddUint64(&ReleaseCount, 1)
}

var (
	globalOnce  sync.Once
	globalAlloc Allocator
	globalError error
)

// Global returns the process-wide allocator, creating it on first use.
func Global() (Allocator, error) {
	globalOnce.Do(func() {
		globalAlloc, globalError = newPlatform(opts.AllocatorKind, uintptr(opts.ChunkSize))
		if globalError != nil {
			logs.Logger().Warn("no JIT allocator available", zap.Error(globalError))
		}
	})
	return globalAlloc, globalError
}

var (
	scopes   = gls.NewContextManager()
	scopeKey = gls.GenSym()
)

// Use runs fn with a as the current allocator of the calling goroutine.
// Scopes nest, the innermost one wins.
func Use(a Allocator, fn func()) {
	scopes.SetValues(gls.Values{scopeKey: a}, fn)
}

// Current returns the allocator installed by the innermost Use of the calling
// goroutine, or the global allocator.
func Current() (Allocator, error) {
	if v, ok := scopes.GetValue(scopeKey); ok && v != nil {
		return v.(Allocator), nil
	} else {
		return Global()
	}
}

// granule is the allocation unit of the sub-allocating providers.
func granule() uintptr {
	if n := cpuid.CPU.CacheLine; n >= _MinGranule {
		return uintptr(n)
	} else {
		return _MinGranule
	}
}
