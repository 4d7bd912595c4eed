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
	"errors"
	"sync"

	"github.com/cloudwego/thunkjit/internal/utils"
)

var (
	errArenaFull   = errors.New("arena is full")
	errArenaClosed = errors.New("arena is closed")
)

// Arena carves blocks out of one fixed region taken from a parent allocator.
// Releasing a block only counts it, the region goes back to the parent when
// the arena is closed.
//
// Protection changes are forwarded to the parent, so with a parent that flips
// protections every block sharing a page with the one being written stops
// being executable until the write is done.
type Arena struct {
	mu     sync.Mutex
	parent Allocator
	region Region
	gran   uintptr
	used   uintptr
	live   map[uintptr]struct{}
	closed bool
}

func NewArena(parent Allocator, capacity uintptr) (*Arena, error) {
	exec, write, err := parent.Alloc(capacity)
	if err != nil {
		return nil, err
	}

	/* the whole region belongs to the arena */
	return &Arena{
		parent: parent,
		region: Region{Exec: exec, Write: write, Size: capacity},
		gran:   granule(),
		live:   make(map[uintptr]struct{}),
	}, nil
}

// Live returns the number of blocks not yet released.
func (self *Arena) Live() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.live)
}

// Remaining returns the number of bytes left in the region.
func (self *Arena) Remaining() uintptr {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.region.Size - self.used
}

func (self *Arena) Alloc(size uintptr) (uintptr, uintptr, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* check for the state and the remaining room */
	n := utils.AlignUp(size, self.gran)
	switch {
	case self.closed:
		return 0, 0, utils.EAlloc("alloc", size, errArenaClosed)
	case size == 0:
		return 0, 0, utils.EAlloc("alloc", size, errZeroSize)
	case n > self.region.Size-self.used:
		return 0, 0, utils.EAlloc("alloc", size, errArenaFull)
	}

	/* bump the cursor */
	off := self.used
	self.used += n
	self.live[self.region.Exec+off] = struct{}{}
	recordAlloc(n)
	return self.region.Exec + off, self.region.Write + off, nil
}

func (self *Arena) Release(exec uintptr) error {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* only blocks handed out here can be released */
	if _, ok := self.live[exec]; !ok {
		return utils.EAlloc("release", 0, errUnknownBlock)
	}

	/* the memory stays in the arena */
	delete(self.live, exec)
	recordRelease()
	return nil
}

func (self *Arena) SetAccess(ptr uintptr, size uintptr, access Access) error {
	return self.parent.SetAccess(ptr, size, access)
}

func (self *Arena) FlushInstructionCache(ptr uintptr, size uintptr) {
	self.parent.FlushInstructionCache(ptr, size)
}

// Close returns the region to the parent. Closing twice does nothing.
func (self *Arena) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()

	/* already returned */
	if self.closed {
		return nil
	}

	/* every block goes away with the region */
	self.closed = true
	self.live = nil
	return self.parent.Release(self.region.Exec)
}
