//go:build arm && linux

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
	"golang.org/x/sys/unix"
)

const (
	_NR_cacheflush = 0x0f0002
)

// flushInstructionCache asks the kernel to synchronize the caches, user mode
// cannot maintain them on 32-bit ARM.
func flushInstructionCache(ptr uintptr, size uintptr) {
	_, _, _ = unix.Syscall(_NR_cacheflush, ptr, ptr+size, 0)
}
