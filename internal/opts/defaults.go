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

package opts

import (
	"strconv"

	"github.com/docker/go-units"
	"github.com/xyproto/env/v2"
)

const (
	_DefaultMaxTemplateSize = 4096      // scan at most 4k for the marker
	_DefaultChunkSize       = 64 * 1024 // grow dual-mapped memory 64k at a time
)

const (
	AllocAuto  = "auto"
	AllocDual  = "dual"
	AllocPaged = "paged"
)

var (
	MaxTemplateSize = parseOrDefault("THUNKJIT_MAX_TEMPLATE_SIZE", _DefaultMaxTemplateSize, 16)
	ChunkSize       = parseSizeOrDefault("THUNKJIT_CHUNK_SIZE", _DefaultChunkSize, 4096)
	AllocatorKind   = parseAllocator("THUNKJIT_ALLOCATOR")
	EnableDebug     = env.Bool("THUNKJIT_DEBUG")
)

var lookup = func(key string) (string, bool) {
	if !env.Has(key) {
		return "", false
	} else {
		return env.Str(key), true
	}
}

func parseOrDefault(key string, def int, min int) int {
	if str, ok := lookup(key); !ok {
		return def
	} else if val, err := strconv.ParseUint(str, 0, 64); err != nil {
		panic("thunkjit: invalid value for " + key)
	} else if ret := int(val); ret < min {
		panic("thunkjit: value too small for " + key)
	} else {
		return ret
	}
}

func parseSizeOrDefault(key string, def int, min int) int {
	if str, ok := lookup(key); !ok {
		return def
	} else if val, err := units.RAMInBytes(str); err != nil {
		panic("thunkjit: invalid size for " + key)
	} else if ret := int(val); ret < min {
		panic("thunkjit: size too small for " + key)
	} else {
		return ret
	}
}

func parseAllocator(key string) string {
	val, ok := lookup(key)
	if !ok {
		return AllocAuto
	}

	/* only the known kinds are accepted */
	switch val {
	case AllocAuto, AllocDual, AllocPaged:
		return val
	default:
		panic("thunkjit: invalid allocator kind for " + key + ": " + val)
	}
}
