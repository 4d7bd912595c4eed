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

package utils

// AlignUp rounds n up to a multiple of a, which must be a power of two.
func AlignUp(n uintptr, a uintptr) uintptr {
	return (n + a - 1) &^ (a - 1)
}

// AlignPad returns the number of bytes to add to p to make it a multiple of a.
func AlignPad(p uintptr, a uintptr) uintptr {
	return AlignUp(p, a) - p
}

// Mod returns x modulo m in [0, m) for any sign of x.
func Mod(x int, m int) int {
	if r := x % m; r < 0 {
		return r + m
	} else {
		return r
	}
}
