//go:build unix

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
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/thunkjit/internal/rt"
	"github.com/cloudwego/thunkjit/internal/utils"
)

const (
	_AP = unix.MAP_ANON | unix.MAP_PRIVATE
	_RX = unix.PROT_READ | unix.PROT_EXEC
	_RW = unix.PROT_READ | unix.PROT_WRITE
)

// Paged maps every block separately and flips its protection between
// writing and executing. The execute and write views are the same address.
type Paged struct {
	mu   sync.Mutex
	page uintptr
	maps map[uintptr][]byte
}

func NewPaged() (*Paged, error) {
	return &Paged{
		page: uintptr(unix.Getpagesize()),
		maps: make(map[uintptr][]byte),
	}, nil
}

func (self *Paged) Alloc(size uintptr) (uintptr, uintptr, error) {
	if size == 0 {
		return 0, 0, utils.EAlloc("alloc", size, errZeroSize)
	}

	/* align the size to pages */
	nb := utils.AlignUp(size, self.page)
	mm, err := unix.Mmap(-1, 0, int(nb), _RW, _AP)
	if err != nil {
		return 0, 0, utils.EAlloc("mmap", nb, err)
	}

	/* remember the mapping for release */
	p := uintptr(unsafe.Pointer(&mm[0]))
	self.mu.Lock()
	self.maps[p] = mm
	self.mu.Unlock()

	/* record statistics */
	recordAlloc(nb)
	return p, p, nil
}

func (self *Paged) Release(exec uintptr) error {
	self.mu.Lock()
	mm, ok := self.maps[exec]
	delete(self.maps, exec)
	self.mu.Unlock()

	/* only blocks handed out here can be unmapped */
	if !ok {
		return utils.EAlloc("release", 0, errUnknownBlock)
	}

	/* unmap the whole block */
	if err := unix.Munmap(mm); err != nil {
		return utils.EAlloc("munmap", uintptr(len(mm)), err)
	}

	/* record statistics */
	recordRelease()
	return nil
}

func (self *Paged) SetAccess(ptr uintptr, size uintptr, access Access) error {
	prot := _RW
	if access == ReadExecute {
		prot = _RX
	}

	/* protection applies to whole pages */
	lo := ptr &^ (self.page - 1)
	hi := utils.AlignUp(ptr+size, self.page)
	if err := unix.Mprotect(rt.View(lo, int(hi-lo)), prot); err != nil {
		return utils.EAlloc("mprotect "+access.String(), hi-lo, err)
	} else {
		return nil
	}
}

func (self *Paged) FlushInstructionCache(ptr uintptr, size uintptr) {
	flushInstructionCache(ptr, size)
}
