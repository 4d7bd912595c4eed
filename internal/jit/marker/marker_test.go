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

package marker

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/thunkjit/internal/utils"
)

var allProtocols = []Protocol{
	ProtoX86_64,
	ProtoX86,
	ProtoArm64,
	ProtoArm,
	ProtoThumb,
}

func filler(f *gofakeit.Faker, n int, pat []byte) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = f.Uint8()
	}
	for bytes.Contains(buf, pat) {
		buf[bytes.Index(buf, pat)] ^= 0xff
	}
	return buf
}

func TestProtocol_ScanEveryAlignedOffset(t *testing.T) {
	f := gofakeit.New(1)
	for _, p := range allProtocols {
		pat := p.Pattern()
		require.Len(t, pat, p.PtrSize, p.Arch.String())
		for skew := 0; skew < p.PtrSize; skew++ {
			base := uintptr(0x10000 + skew)
			first := int(utils.AlignPad(base, uintptr(p.PtrSize)))
			for off := first; off <= first+4*p.PtrSize; off += p.PtrSize {
				code := filler(f, off+p.Trailing+p.PtrSize, pat)
				copy(code[off:], pat)
				got, err := p.scanBytes(code, base)
				require.NoError(t, err, "%s skew=%d off=%d", p.Arch, skew, off)
				require.Equal(t, off, got, "%s skew=%d", p.Arch, skew)
			}
		}
	}
}

func TestProtocol_ScanIgnoresMisalignedPattern(t *testing.T) {
	p := ProtoArm64
	code := make([]byte, 64)
	copy(code[4:], p.Pattern())
	_, err := p.scanBytes(code, 0x1000)
	require.True(t, errors.Is(err, utils.NoThunkAsm))
	copy(code[24:], p.Pattern())
	off, err := p.scanBytes(code, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, 24, off)
}

var scanWords [16]uint64

func TestProtocol_ScanMemory(t *testing.T) {
	scanWords[5] = ProtoX86_64.Magic
	base := uintptr(unsafe.Pointer(&scanWords[0]))
	off, err := ProtoX86_64.Scan(base, len(scanWords)*8)
	require.NoError(t, err)
	assert.Equal(t, 40, off)
	_, err = ProtoX86_64.Scan(base, 40)
	require.True(t, errors.Is(err, utils.NoThunkAsm))
}

func TestProtocol_Layout(t *testing.T) {
	assert.Equal(t, 16+16, ProtoX86_64.TemplateSize(16))
	assert.Equal(t, uintptr(0x1000+32), ProtoArm64.ReturnAddress(0x1000, 16))
	assert.Equal(t, uintptr(0x1000+20+1), ProtoThumb.ReturnAddress(0x1000, 12))
	assert.Equal(t, uintptr(0x1000), ProtoThumb.Untag(0x1001))
	assert.Equal(t, uintptr(0x1001), ProtoThumb.Tag(0x1000))
	assert.Equal(t, uintptr(0x1001), ProtoArm.Tag(0x1001))
	assert.Equal(t, []byte{0x2a, 0xdb, 0x2b, 0x07}, ProtoX86.Pattern())
	assert.Equal(t, []byte{0xad, 0xde, 0, 0, 0xad, 0xde, 0, 0}, ProtoArm64.Pattern())
	assert.Equal(t, ProtoArm, ForArch(Arm))
	assert.False(t, ForArch(Unknown).Supported())
	assert.Equal(t, "aarch64", Arm64.String())
	assert.Equal(t, "unknown", Arch(42).String())
}

// scanBytes finds the slot in a copy of the template that lives at base.
// Only offsets whose absolute address is pointer aligned are considered.
func (self Protocol) scanBytes(code []byte, base uintptr) (int, error) {
	pat := self.Pattern()
	off := int(utils.AlignPad(base, uintptr(self.PtrSize)))

	/* compare at every aligned offset */
	for ; off+self.PtrSize <= len(code); off += self.PtrSize {
		if bytes.Equal(code[off:off+self.PtrSize], pat) {
			return off, nil
		}
	}

	/* nothing found */
	return 0, utils.ENoThunkAsm(self.Arch.String(), len(code))
}
