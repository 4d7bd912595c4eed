//go:build unix && !linux

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
	"github.com/cloudwego/thunkjit/internal/opts"
)

// newPlatform has no anonymous files to map twice here, every block flips
// its protection instead.
func newPlatform(kind string, _ uintptr) (Allocator, error) {
	if kind == opts.AllocDual {
		return nil, errNotSupported
	} else {
		return NewPaged()
	}
}
