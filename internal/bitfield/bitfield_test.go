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

package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLdrLit = Format{
	Name:  "LDR (literal)",
	Fixed: []Const{Fix(24, 30, 0b011000)},
	Fields: []Field{
		U("opc", 30, 32),
		U("rt", 0, 5),
		S("imm19", 5, 24),
	},
}

func TestField_GetSigned(t *testing.T) {
	f := S("imm", 4, 8)
	assert.Equal(t, int64(-1), f.Get(0xf0))
	assert.Equal(t, int64(-8), f.Get(0x80))
	assert.Equal(t, int64(7), f.Get(0x7f))
	assert.Equal(t, int64(7), U("imm", 4, 8).Get(0x7f))
	assert.Equal(t, int64(15), U("imm", 4, 8).Get(0xff))
}

func TestField_Fits(t *testing.T) {
	s := S("imm", 0, 4)
	u := U("imm", 0, 4)
	assert.True(t, s.Fits(-8))
	assert.True(t, s.Fits(7))
	assert.False(t, s.Fits(8))
	assert.False(t, s.Fits(-9))
	assert.True(t, u.Fits(15))
	assert.False(t, u.Fits(16))
	assert.False(t, u.Fits(-1))
}

func TestField_SetKeepsOtherBits(t *testing.T) {
	f := S("imm", 8, 16)
	w := f.Set(0xdead00ef, -2)
	assert.Equal(t, uint64(0xdeadfeef), w)
	assert.Equal(t, int64(-2), f.Get(w))
	_, ok := f.TrySet(w, 200)
	assert.False(t, ok)
	assert.Panics(t, func() { f.Set(w, 128) })
}

func TestFormat_LdrLiteralFixture(t *testing.T) {
	w, err := testLdrLit.Encode(1, 3, -4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x58ffff83), w)
	assert.True(t, testLdrLit.Match(w))
	assert.Equal(t, []int64{1, 3, -4}, testLdrLit.Decode(w))
	assert.Equal(t, "LDR (literal){opc=1 rt=3 imm19=-4}", testLdrLit.Dump(w))
}

func TestFormat_Overflow(t *testing.T) {
	_, err := testLdrLit.Encode(1, 3, 1<<18)
	require.Error(t, err)
	oe, ok := err.(*OverflowError)
	require.True(t, ok)
	assert.Equal(t, "imm19", oe.Field)
	assert.Panics(t, func() { _, _ = testLdrLit.Encode(1, 2) })
}

func TestFormat_Lookup(t *testing.T) {
	w := testLdrLit.Lookup("rt").Set(0x58ffff83, 9)
	assert.Equal(t, int64(9), testLdrLit.Get(w, "rt"))
	assert.Equal(t, int64(-4), testLdrLit.Get(w, "imm19"))
	_, ok := testLdrLit.Lookup("rt").TrySet(w, 32)
	assert.False(t, ok)
	assert.Panics(t, func() { testLdrLit.Lookup("rn") })
	assert.False(t, testLdrLit.Match(0x18000000|1<<29))
}
