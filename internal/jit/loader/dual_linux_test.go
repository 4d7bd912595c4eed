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
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/cloudwego/thunkjit/internal/rt"
	"github.com/cloudwego/thunkjit/internal/utils"
)

func newDual(t *testing.T, chunk uintptr) *DualMapped {
	t.Helper()
	a, err := NewDualMapped(chunk)
	if err != nil {
		t.Skipf("dual-mapped memory is unavailable: %v", err)
	}
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func TestDualMapped_ViewsAlias(t *testing.T) {
	a := newDual(t, 0)
	x, w, err := a.Alloc(64)
	require.NoError(t, err)
	assert.NotEqual(t, x, w)

	/* written through one view, read through the other */
	copy(rt.View(w, 4), []byte{0xde, 0xad, 0xbe, 0xef})
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, rt.View(x, 4))
	assert.NoError(t, a.SetAccess(x, 64, ReadWrite))
	assert.NoError(t, a.SetAccess(x, 64, ReadExecute))
}

func TestDualMapped_SplitsAndReuses(t *testing.T) {
	a := newDual(t, 0)
	x0, _, err := a.Alloc(100)
	require.NoError(t, err)
	x1, _, err := a.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, x0+utils.AlignUp(100, a.gran), x1)

	/* a freed block is the best fit for its own size */
	require.NoError(t, a.Release(x0))
	x2, _, err := a.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, x0, x2)
}

func TestDualMapped_Grows(t *testing.T) {
	a := newDual(t, 4096)
	n := atomic.LoadUint64(&ChunkCount)

	/* larger than a chunk */
	x, w, err := a.Alloc(3 * a.chunk)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, atomic.LoadUint64(&ChunkCount)-n, uint64(1))
	assert.Len(t, a.chunks, 2)

	/* the block is usable end to end */
	rt.View(w, int(3*a.chunk))[3*a.chunk-1] = 0x5a
	assert.Equal(t, byte(0x5a), rt.View(x, int(3*a.chunk))[3*a.chunk-1])
}

func TestDualMapped_Errors(t *testing.T) {
	a := newDual(t, 0)
	_, _, err := a.Alloc(0)
	assert.True(t, errors.Is(err, errZeroSize))

	/* unknown and double releases */
	x, _, err := a.Alloc(16)
	require.NoError(t, err)
	require.NoError(t, a.Release(x))
	err = a.Release(x)
	require.Error(t, err)
	var ae utils.AllocError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "release", ae.Op)
}

func TestDualMapped_Concurrent(t *testing.T) {
	var eg errgroup.Group
	var seen sync.Map
	a := newDual(t, 0)

	/* every live block is distinct and keeps its contents */
	for i := 0; i < 32; i++ {
		i := i
		eg.Go(func() error {
			for j := 0; j < 64; j++ {
				x, w, err := a.Alloc(uintptr(16 + i))
				if err != nil {
					return err
				}
				if _, dup := seen.LoadOrStore(x, i); dup {
					return errors.New("block handed out twice")
				}
				rt.View(w, 1)[0] = byte(i)
				if rt.View(x, 1)[0] != byte(i) {
					return errors.New("block overwritten")
				}
				seen.Delete(x)
				if err = a.Release(x); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestNewPlatform_Kinds(t *testing.T) {
	for _, kind := range []string{"auto", "dual", "paged"} {
		a, err := newPlatform(kind, 0)
		if kind == "dual" && err != nil {
			t.Skipf("dual-mapped memory is unavailable: %v", err)
		}
		require.NoError(t, err, kind)
		x, _, err := a.Alloc(32)
		require.NoError(t, err, kind)
		require.NoError(t, a.Release(x), kind)
		if c, ok := a.(*DualMapped); ok {
			require.NoError(t, c.Close())
		}
	}
}
