// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	assert.True(t, s.Ok())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, uintptr(24), s.Memory())
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, "("+dtypes.Float32.String()+")[2 3]", s.String())

	assert.False(t, Invalid().Ok())
	assert.True(t, Scalar[float64]().IsScalar())
	assert.Equal(t, 1, Scalar[int32]().Size())

	require.Panics(t, func() { _ = Make(dtypes.Int8, 2, 0) })
	require.Panics(t, func() { _ = s.Dim(2) })
}

func TestEqual(t *testing.T) {
	s := Make(dtypes.Float32, 4, 5)
	assert.True(t, s.Equal(Make(dtypes.Float32, 4, 5)))
	assert.False(t, s.Equal(Make(dtypes.Float64, 4, 5)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 5, 4)))
	assert.False(t, s.Equal(Make(dtypes.Float32, 20)))

	clone := s.Clone()
	clone.Dimensions[0] = 7
	assert.Equal(t, 4, s.Dimensions[0])
}
