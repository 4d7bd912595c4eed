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

const (
	_CTR_IDC = 1 << 28
	_CTR_DIC = 1 << 29
)

//go:noescape
func readCTR() uint32

//go:noescape
func cleanDataLine(addr uintptr)

//go:noescape
func invalidateInstructionLine(addr uintptr)

//go:noescape
func syncBarriers(isb bool)

var ctr = readCTR()

// flushInstructionCache cleans the data cache to the point of unification,
// then invalidates the instruction cache over the range, skipping either step
// when CTR_EL0 says the hardware keeps it coherent.
func flushInstructionCache(ptr uintptr, size uintptr) {
	end := ptr + size
	dline := uintptr(4) << ((ctr >> 16) & 0xf)
	iline := uintptr(4) << (ctr & 0xf)

	/* data cache to PoU */
	if ctr&_CTR_IDC == 0 {
		for p := ptr &^ (dline - 1); p < end; p += dline {
			cleanDataLine(p)
		}
	}

	/* wait for the cleaning to complete */
	syncBarriers(false)

	/* instruction cache */
	if ctr&_CTR_DIC == 0 {
		for p := ptr &^ (iline - 1); p < end; p += iline {
			invalidateInstructionLine(p)
		}
	}

	/* make the new instructions visible to this core */
	syncBarriers(true)
}
