//go:build unix

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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/thunkjit/internal/rt"
)

func TestPaged_FlipsProtection(t *testing.T) {
	a, err := NewPaged()
	require.NoError(t, err)
	x, w, err := a.Alloc(100)
	require.NoError(t, err)
	assert.Equal(t, x, w)
	assert.Zero(t, x&(a.page-1))

	/* writable first, then readable as code */
	copy(rt.View(w, 3), "abc")
	require.NoError(t, a.SetAccess(x+10, 50, ReadExecute))
	assert.Equal(t, []byte("abc"), rt.View(x, 3))
	require.NoError(t, a.SetAccess(x, 100, ReadWrite))
	rt.View(w, 1)[0] = 'z'
	a.FlushInstructionCache(x, 100)

	/* unmapped once */
	require.NoError(t, a.Release(x))
	assert.True(t, errors.Is(a.Release(x), errUnknownBlock))
}

func TestPaged_ZeroSize(t *testing.T) {
	a, err := NewPaged()
	require.NoError(t, err)
	_, _, err = a.Alloc(0)
	assert.True(t, errors.Is(err, errZeroSize))
}
