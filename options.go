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

package thunkjit

import (
	"fmt"

	"github.com/cloudwego/thunkjit/internal/jit/loader"
	"github.com/cloudwego/thunkjit/internal/jit/marker"
	"github.com/cloudwego/thunkjit/internal/jit/reloc"
	"github.com/cloudwego/thunkjit/internal/jit/thunk"
	"github.com/cloudwego/thunkjit/internal/opts"
	"github.com/cloudwego/thunkjit/internal/utils"
)

const (
	_MinTemplateSize = 16
)

type options struct {
	opts.Options
	arch  marker.Arch
	alloc loader.Allocator
}

func newOptions(fns []Option) options {
	ret := options{
		Options: opts.GetDefaultOptions(),
		arch:    marker.Native.Arch,
	}
	for _, fn := range fns {
		fn(&ret)
	}
	return ret
}

// allocator resolves the allocator of a call: the option, then the one the
// calling goroutine installed with UseAllocator, then the global one.
func (self *options) allocator() (loader.Allocator, error) {
	if self.alloc != nil {
		return self.alloc, nil
	} else {
		return loader.Current()
	}
}

func (self *options) engine() (reloc.Engine, error) {
	if e := reloc.ForArch(self.arch); e != nil {
		return e, nil
	} else {
		return nil, utils.ERelocate(utils.UnsupportedInstruction, self.arch.String(), 0, "", "no relocation engine for this architecture")
	}
}

func (self *options) prepare(m *thunk.Materializer) (err error) {
	if m.Engine, err = self.engine(); err != nil {
		return
	}
	m.Alloc, err = self.allocator()
	return
}

// Option is the property setter function for a single call.
type Option func(*options)

// WithAllocator makes the thunk use a instead of the current allocator.
func WithAllocator(a Allocator) Option {
	if a == nil {
		panic("thunkjit: nil allocator")
	} else {
		return func(o *options) { o.alloc = a }
	}
}

// WithArch selects the instruction set the template is compiled for. It is
// the build target by default; templates of other instruction sets can be
// relocated but never executed.
func WithArch(arch Arch) Option {
	if !marker.ForArch(arch).Supported() {
		panic(fmt.Sprintf("thunkjit: unsupported architecture: %s", arch))
	} else {
		return func(o *options) { o.arch = arch }
	}
}

// WithMaxTemplateSize limits how far the marker slot is searched for.
//
// The default value of this option is "4096".
func WithMaxTemplateSize(size int) Option {
	if size < _MinTemplateSize {
		panic(fmt.Sprintf("thunkjit: invalid template size: %d", size))
	} else {
		return func(o *options) { o.MaxTemplateSize = size }
	}
}

// SetMaxTemplateSize sets the default marker search limit for all calls from
// now on.
//
// This value can also be configured with the `THUNKJIT_MAX_TEMPLATE_SIZE`
// environment variable.
//
// Returns the old opts.MaxTemplateSize value.
func SetMaxTemplateSize(size int) int {
	if size < _MinTemplateSize {
		panic(fmt.Sprintf("thunkjit: invalid template size: %d", size))
	}
	size, opts.MaxTemplateSize = opts.MaxTemplateSize, size
	return size
}
