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
	"github.com/cloudwego/thunkjit/internal/utils"
)

// ErrorKind classifies relocation failures. Every kind is also an error
// usable with errors.Is.
type ErrorKind = utils.ErrorKind

// RelocError occurs when a template cannot be proved position independent
// or rewritten. It never comes with partially relocated code.
type RelocError = utils.RelocError

// AllocError occurs when JIT memory cannot be allocated or protected.
type AllocError = utils.AllocError

var (
	ErrInvalidInstruction     error = utils.InvalidInstruction
	ErrUnsupportedInstruction error = utils.UnsupportedInstruction
	ErrUnsupportedControlFlow error = utils.UnsupportedControlFlow
	ErrNoAvailableRegister    error = utils.NoAvailableRegister
	ErrEncoding               error = utils.EncodingError
	ErrNoThunkAsm             error = utils.NoThunkAsm
)
