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


// Package debug exposes runtime statistics of thunk materialization.
package debug

import (
	"sync/atomic"

	"github.com/cloudwego/thunkjit/internal/jit/loader"
	"github.com/cloudwego/thunkjit/internal/jit/reloc"
	"github.com/cloudwego/thunkjit/internal/jit/thunk"
)

// A Stats records statistics about thunk materialization.
type Stats struct {
	Memory MemStats
	Reloc  RelocStats
	Thunk  ThunkStats
}

// A MemStats records statistics about the JIT memory allocators.
type MemStats struct {
	Alloc   int
	Count   int
	Release int
	Chunks  int
	Mapped  int
}

// A RelocStats records the outcome of template relocations.
type RelocStats struct {
	Rewritten int
	Borrowed  int
	Failed    int
	Pool      int
}

// A ThunkStats records materialized thunks.
type ThunkStats struct {
	Count  int
	Shared int
	Live   int
}

// GetStats returns statistics of thunk materialization.
func GetStats() Stats {
	return Stats{
		Memory: MemStats{
			Alloc:   int(atomic.LoadUint64(&loader.AllocSize)),
			Count:   int(atomic.LoadUint64(&loader.AllocCount)),
			Release: int(atomic.LoadUint64(&loader.ReleaseCount)),
			Chunks:  int(atomic.LoadUint64(&loader.ChunkCount)),
			Mapped:  int(atomic.LoadUint64(&loader.MappedSize)),
		},
		Reloc: RelocStats{
			Rewritten: int(atomic.LoadUint64(&reloc.RelocCount)),
			Borrowed:  int(atomic.LoadUint64(&reloc.BorrowCount)),
			Failed:    int(atomic.LoadUint64(&reloc.FailCount)),
			Pool:      int(atomic.LoadUint64(&reloc.PoolEntries)),
		},
		Thunk: ThunkStats{
			Count:  int(atomic.LoadUint64(&thunk.ThunkCount)),
			Shared: int(atomic.LoadUint64(&thunk.SharedCount)),
			Live:   int(atomic.LoadInt64(&thunk.LiveCount)),
		},
	}
}
