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
	"reflect"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var viewWords [2]uint64

func TestView_AliasesMemory(t *testing.T) {
	p := uintptr(unsafe.Pointer(&viewWords[0]))
	v := View(p, 16)
	require.Len(t, v, 16)

	/* writes through the view land in the array and back */
	v[0] = 0x5a
	v[15] = 0xa5
	require.Equal(t, uint64(0x5a), viewWords[0])
	require.Equal(t, uint64(0xa5)<<56, viewWords[1])
	viewWords[1] = 0x1234
	require.Equal(t, byte(0x34), v[8])
}

func TestMkptr(t *testing.T) {
	p := unsafe.Pointer(&viewWords[1])
	assert.Equal(t, p, Mkptr(uintptr(p)))
	assert.Equal(t, []byte{1, 2}, BytesFrom(unsafe.Pointer(&[]byte{1, 2, 3}[0]), 2, 3))
}

func TestFuncName(t *testing.T) {
	pc := reflect.ValueOf(TestFuncName).Pointer()
	assert.True(t, strings.HasSuffix(FuncName(pc), "rt.TestFuncName"), FuncName(pc))
	assert.True(t, strings.HasSuffix(FuncName(pc+4), "rt.TestFuncName+0x4"), FuncName(pc+4))
	assert.Equal(t, "???", FuncName(0))
}
