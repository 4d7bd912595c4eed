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

package loader

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/thunkjit/internal/logs"
	"github.com/cloudwego/thunkjit/internal/opts"
	"github.com/cloudwego/thunkjit/internal/utils"
)

const (
	_SH = unix.MAP_SHARED
)

type dualChunk struct {
	exec  []byte
	write []byte
}

// spans are ordered by size first, so the first span not below a size is the
// best fit.
func spanLess(a Region, b Region) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	} else {
		return a.Exec < b.Exec
	}
}

// DualMapped maps one anonymous file twice, once writable and once
// executable, so no page is ever both. The file grows by whole chunks and
// blocks are carved out of the chunks in cache line granules.
type DualMapped struct {
	mu     sync.Mutex
	fd     int
	size   int64
	page   uintptr
	gran   uintptr
	chunk  uintptr
	chunks []dualChunk
	free   *btree.BTreeG[Region]
	used   map[uintptr]Region
}

func NewDualMapped(chunk uintptr) (*DualMapped, error) {
	fd, err := unix.MemfdCreate("thunkjit", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}

	/* chunks are whole pages */
	page := uintptr(unix.Getpagesize())
	ret := &DualMapped{
		fd:    fd,
		page:  page,
		gran:  granule(),
		chunk: utils.AlignUp(max(chunk, page), page),
		free:  btree.NewG[Region](8, spanLess),
		used:  make(map[uintptr]Region),
	}

	/* map the first chunk right away, executable shared mappings may be forbidden */
	if err = ret.grow(ret.chunk); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return ret, nil
}

func (self *DualMapped) grow(n uintptr) error {
	nb := max(self.chunk, utils.AlignUp(n, self.page))
	if err := unix.Ftruncate(self.fd, self.size+int64(nb)); err != nil {
		return fmt.Errorf("ftruncate: %w", err)
	}

	/* the writable view */
	wv, err := unix.Mmap(self.fd, self.size, int(nb), _RW, _SH)
	if err != nil {
		return fmt.Errorf("mmap rw: %w", err)
	}

	/* the executable view of the same pages */
	xv, err := unix.Mmap(self.fd, self.size, int(nb), _RX, _SH)
	if err != nil {
		return multierr.Append(fmt.Errorf("mmap rx: %w", err), unix.Munmap(wv))
	}

	/* the whole chunk is one free span */
	self.size += int64(nb)
	self.chunks = append(self.chunks, dualChunk{exec: xv, write: wv})
	self.free.ReplaceOrInsert(Region{
		Exec:  uintptr(unsafe.Pointer(&xv[0])),
		Write: uintptr(unsafe.Pointer(&wv[0])),
		Size:  nb,
	})

	/* record statistics */
	atomic.AddUint64(&ChunkCount, 1)
	atomic.AddUint64(&MappedSize, uint64(nb))
	logs.Logger().Debug("mapped JIT chunk", zap.Uintptr("size", nb), zap.Int64("total", self.size))
	return nil
}

func (self *DualMapped) fit(n uintptr) (Region, bool) {
	var ok bool
	var ret Region

	/* smallest span that holds n bytes */
	self.free.AscendGreaterOrEqual(Region{Size: n}, func(r Region) bool {
		ret, ok = r, true
		return false
	})
	return ret, ok
}

func (self *DualMapped) Alloc(size uintptr) (uintptr, uintptr, error) {
	if size == 0 {
		return 0, 0, utils.EAlloc("alloc", size, errZeroSize)
	}

	/* round up to granules */
	n := utils.AlignUp(size, self.gran)
	self.mu.Lock()
	defer self.mu.Unlock()

	/* find a span, growing the file when nothing fits */
	r, ok := self.fit(n)
	if !ok {
		if err := self.grow(n); err != nil {
			return 0, 0, utils.EAlloc("grow", n, err)
		} else {
			r, _ = self.fit(n)
		}
	}

	/* return the tail to the free list */
	self.free.Delete(r)
	if r.Size > n {
		self.free.ReplaceOrInsert(Region{
			Exec:  r.Exec + n,
			Write: r.Write + n,
			Size:  r.Size - n,
		})
	}

	/* record the block */
	r.Size = n
	self.used[r.Exec] = r
	recordAlloc(n)
	return r.Exec, r.Write, nil
}

func (self *DualMapped) Release(exec uintptr) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* only blocks handed out here can be freed */
	r, ok := self.used[exec]
	if !ok {
		return utils.EAlloc("release", 0, errUnknownBlock)
	}

	/* the block becomes a free span of its own size */
	delete(self.used, exec)
	self.free.ReplaceOrInsert(r)
	recordRelease()
	return nil
}

// SetAccess does nothing, both views keep their protection.
func (self *DualMapped) SetAccess(uintptr, uintptr, Access) error {
	return nil
}

func (self *DualMapped) FlushInstructionCache(ptr uintptr, size uintptr) {
	flushInstructionCache(ptr, size)
}

// Close unmaps every chunk. Blocks still in use become invalid.
func (self *DualMapped) Close() (err error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* unmap both views of every chunk */
	for _, c := range self.chunks {
		err = multierr.Append(err, unix.Munmap(c.exec))
		err = multierr.Append(err, unix.Munmap(c.write))
	}

	/* drop the backing file */
	err = multierr.Append(err, unix.Close(self.fd))
	self.chunks = nil
	self.free.Clear(false)
	self.used = map[uintptr]Region{}
	return
}

func newPlatform(kind string, chunk uintptr) (Allocator, error) {
	switch kind {
	case opts.AllocPaged:
		return NewPaged()
	case opts.AllocDual:
		return NewDualMapped(chunk)
	}

	/* prefer the dual mapping, fall back to flipping protections */
	ret, err := NewDualMapped(chunk)
	if err == nil {
		return ret, nil
	}

	/* the fallback still has to exist */
	logs.Logger().Warn("dual-mapped JIT memory is unavailable, using paged allocation", zap.Error(err))
	return NewPaged()
}
