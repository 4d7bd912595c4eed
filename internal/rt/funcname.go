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


package rt

import (
	"fmt"
	"runtime"
)

// FuncName names the Go function containing pc, with the offset into it when
// pc is not its entry.
func FuncName(pc uintptr) string {
	if fn := runtime.FuncForPC(pc); fn == nil {
		return "???"
	} else if fp := fn.Entry(); fp == pc {
		return fn.Name()
	} else {
		return fmt.Sprintf("%s+%#x", fn.Name(), pc-fp)
	}
}
