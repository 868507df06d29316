// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package keys

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeclare(t *testing.T) {
	r := New("")
	shape := shapes.Make(dtypes.Float32, 3, 4)
	key, id, err := r.Declare("layer0.grad", shape)
	require.NoError(t, err)
	assert.Equal(t, Key("layer0.grad"), key)
	assert.Equal(t, 0, id)

	// Same name, same shape: same key and id.
	key, id, err = r.Declare("layer0.grad", shapes.Make(dtypes.Float32, 3, 4))
	require.NoError(t, err)
	assert.Equal(t, Key("layer0.grad"), key)
	assert.Equal(t, 0, id)

	_, id, err = r.Declare("layer1.grad", shape)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, _, err = r.Declare("", shape)
	require.Error(t, err)
}

func TestShapeMismatch(t *testing.T) {
	r := New("")
	_, _, err := r.Declare("w", shapes.Make(dtypes.Float32, 3, 4))
	require.NoError(t, err)
	_, _, err = r.Declare("w", shapes.Make(dtypes.Float32, 4, 3))
	require.True(t, errors.Is(err, ErrKeyShapeMismatch))
	_, _, err = r.Declare("w", shapes.Make(dtypes.Float64, 3, 4))
	require.True(t, errors.Is(err, ErrKeyShapeMismatch))

	// The first shape is kept.
	entry, found := r.Lookup("w")
	require.True(t, found)
	assert.True(t, entry.Shape.Equal(shapes.Make(dtypes.Float32, 3, 4)))
}

func TestSynthesize(t *testing.T) {
	r := New("")
	shape := shapes.Make(dtypes.Float32, 2)
	k0, id0, err := r.Synthesize(shape)
	require.NoError(t, err)
	k1, id1, err := r.Synthesize(shapes.Make(dtypes.Int64, 5))
	require.NoError(t, err)
	assert.Equal(t, Key(DefaultPrefix+"0"), k0)
	assert.Equal(t, Key(DefaultPrefix+"1"), k1)
	assert.Equal(t, []int{0, 1}, []int{id0, id1})
	assert.Equal(t, []Key{k0, k1}, r.Keys())
	assert.Equal(t, 2, r.Counter())
	entry, _ := r.Lookup(k1)
	assert.True(t, entry.Synthesized)

	// A user name colliding with a synthesized one is the same key.
	_, _, err = r.Declare(DefaultPrefix+"0", shapes.Make(dtypes.Float32, 3))
	require.True(t, errors.Is(err, ErrKeyShapeMismatch))

	r.Reset()
	assert.Equal(t, 0, r.Counter())
	assert.Empty(t, r.Keys())
	k, _, err := New("custom.").Synthesize(shape)
	require.NoError(t, err)
	assert.Equal(t, Key("custom.0"), k)
}

func TestSynthesizeConcurrent(t *testing.T) {
	r := New("")
	const numCalls = 1000
	shape := shapes.Make(dtypes.Float32, 1)
	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := make(map[Key]bool)
	for range numCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, _, err := r.Synthesize(shape)
			require.NoError(t, err)
			mu.Lock()
			seen[key] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, numCalls)
	assert.Equal(t, numCalls, r.Counter())
	for ii := range numCalls {
		assert.True(t, seen[Key(fmt.Sprintf("%s%d", DefaultPrefix, ii))])
	}
}
