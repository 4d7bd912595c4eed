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

package rt

import (
	"unsafe"
)

type GoSlice struct {
	Ptr unsafe.Pointer
	Len int
	Cap int
}

//go:nosplit
func Mkptr(m uintptr) unsafe.Pointer {
	return *(*unsafe.Pointer)(unsafe.Pointer(&m))
}

func BytesFrom(p unsafe.Pointer, n int, c int) (r []byte) {
	(*GoSlice)(unsafe.Pointer(&r)).Ptr = p
	(*GoSlice)(unsafe.Pointer(&r)).Len = n
	(*GoSlice)(unsafe.Pointer(&r)).Cap = c
	return
}

// View returns the n bytes of memory at address p.
func View(p uintptr, n int) []byte {
	return BytesFrom(Mkptr(p), n, n)
}
