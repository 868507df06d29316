// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autograd

import (
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync"
	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/backends/local"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/keys"
	"github.com/gomlx/gradsync/pkg/gradsync/lifecycle"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// newSessions creates numWorkers initialized sessions sharing one aggregation store.
func newSessions(t *testing.T, numWorkers int) []*gradsync.Session {
	store := local.NewStore(numWorkers, 64)
	sessions := make([]*gradsync.Session, numWorkers)
	for ii := range sessions {
		s := gradsync.NewSession()
		err := s.Init(gradsync.Config{
			Lifecycle: lifecycle.Config{Rank: ii, Size: numWorkers},
			NewBackend: func() (backends.Backend, error) {
				return local.NewWithStore(store, local.Options{}), nil
			},
		})
		require.NoError(t, err)
		t.Cleanup(s.Shutdown)
		sessions[ii] = s
	}
	return sessions
}

func requireValue[T dtypes.Supported](t *testing.T, node *Node, want []T) {
	value, err := node.Value()
	require.NoError(t, err, "node %s", node)
	require.Equal(t, want, tensors.CopyFlatData[T](value), "node %s", node)
}

func TestPushPullAcrossWorkers(t *testing.T) {
	sessions := newSessions(t, 2)
	var results []*Node
	var graphs []*Graph
	for ii, s := range sessions {
		g := NewGraph(s)
		graphs = append(graphs, g)
		grad := Parameter(g, tensors.FromFlatDataAndDimensions([]float32{float32(ii + 1), 10}, 2))
		results = append(results, PushPull(grad, gradsync.WithName("layer0.grad"), gradsync.WithVersion(1)))
	}
	for _, node := range results {
		requireValue(t, node, []float32{3, 20})
		assert.Equal(t, OpTypePushPull, node.Type())
	}
	// Parameters are unchanged.
	requireValue(t, graphs[0].Nodes()[0], []float32{1, 10})
	for _, g := range graphs {
		require.NoError(t, g.Wait())
		g.Finalize()
	}
}

func TestUnnamedKeysFollowConstructionOrder(t *testing.T) {
	const numNodes = 64
	sessions := newSessions(t, 1)
	g := NewGraph(sessions[0])
	pushed := make([]*Node, numNodes)
	for ii := range pushed {
		pushed[ii] = Push(Parameter(g, tensors.FromShape(shapes.Make(dtypes.Float32, ii+1))))
	}
	require.NoError(t, g.Wait())
	for ii := range pushed {
		key := keys.Key(fmt.Sprintf("%s%d", keys.DefaultPrefix, ii))
		entry, found := sessions[0].Keys().Lookup(key)
		require.True(t, found, "key %q", key)
		assert.Equal(t, []int{ii + 1}, entry.Shape.Dimensions, "key %q", key)
	}
	g.Finalize()
}

func TestUnnamedPushPullAcrossWorkers(t *testing.T) {
	const numTensors = 16
	sessions := newSessions(t, 2)
	results := make([][]*Node, len(sessions))
	graphs := make([]*Graph, len(sessions))
	for ii, s := range sessions {
		g := NewGraph(s)
		graphs[ii] = g
		for jj := range numTensors {
			x := Parameter(g, tensors.FromScalarAndDimensions(int32(ii+1), jj+1))
			results[ii] = append(results[ii], PushPull(x))
		}
	}
	for _, nodes := range results {
		for jj, node := range nodes {
			requireValue(t, node, slices.Repeat([]int32{3}, jj+1))
		}
	}
	for _, g := range graphs {
		require.NoError(t, g.Wait())
		g.Finalize()
	}
}

func TestNonBlockingPull(t *testing.T) {
	// Group of 2 workers: only one of them pushes, so the pull can't complete.
	sessions := newSessions(t, 2)
	g := NewGraph(sessions[0])
	x := Parameter(g, tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 3))
	pushed := Push(x, gradsync.WithName("x"))
	pulled := Pull(pushed, gradsync.WithName("x"))
	sum := Add(pulled, x)
	require.NoError(t, pushed.Wait())
	select {
	case <-sum.Done():
		t.Fatal("Add of a pending pull should not be computed")
	case <-time.After(50 * time.Millisecond):
	}

	// Shutdown resolves the pending pull, and the error propagates to its consumers.
	sessions[0].Shutdown()
	require.True(t, errors.Is(pulled.Wait(), gradsync.ErrShutdownInProgress), "got %v", pulled.Wait())
	require.True(t, errors.Is(sum.Wait(), gradsync.ErrShutdownInProgress), "got %v", sum.Wait())
	g.Finalize()
}

func TestGradientThroughPull(t *testing.T) {
	sessions := newSessions(t, 1)
	g := NewGraph(sessions[0])
	xT := tensors.FromFlatDataAndDimensions([]float32{5, 7}, 2)
	x := Parameter(g, xT)
	unused := Parameter(g, tensors.FromFlatDataAndDimensions([]float32{1, 1, 1}, 3))
	pulled := Pull(Push(x, gradsync.WithName("w")), gradsync.WithName("w"))
	loss := Add(pulled, x)
	requireValue(t, loss, []float32{10, 14})

	grads, err := Gradient(loss, x, unused)
	require.NoError(t, err)
	require.Len(t, grads, 2)
	requireValue(t, grads[0], []float32{2, 2})
	requireValue(t, grads[1], []float32{0, 0, 0})

	g.Finalize()
	assert.True(t, xT.Ok(), "parameter tensors are owned by the caller")
	pulledT, _ := pulled.Value()
	assert.False(t, pulledT.Ok(), "tensors allocated by the graph are freed by Finalize")
}

func TestErrorPropagation(t *testing.T) {
	sessions := newSessions(t, 1)
	g := NewGraph(sessions[0])
	flags := Parameter(g, tensors.FromShape(shapes.Make(dtypes.Bool, 2)))
	pushed := Push(flags, gradsync.WithName("flags"))
	consumer := PushPull(pushed)
	require.True(t, errors.Is(pushed.Wait(), gradsync.ErrInvalidHandle), "got %v", pushed.Wait())
	_, err := consumer.Value()
	require.True(t, errors.Is(err, gradsync.ErrInvalidHandle), "got %v", err)
	require.Error(t, g.Wait())

	// Shape mismatch with a key already declared with another shape.
	a := Parameter(g, tensors.FromFlatDataAndDimensions([]int64{1, 2}, 2))
	b := Parameter(g, tensors.FromFlatDataAndDimensions([]int64{1, 2, 3}, 3))
	require.NoError(t, Push(a, gradsync.WithName("k")).Wait())
	require.True(t, errors.Is(Push(b, gradsync.WithName("k")).Wait(), gradsync.ErrKeyShapeMismatch))
	g.Finalize()
}

func TestParameterBorrowed(t *testing.T) {
	sessions := newSessions(t, 2)
	g := NewGraph(sessions[0])
	xT := tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2)
	x := Parameter(g, xT)
	pulled := Pull(x, gradsync.WithName("never"))
	// Both the pending Pull and the Add waiting on it hold x.
	sum := Add(x, pulled)
	require.Eventually(t, func() bool { return xT.NumBorrows() > 0 }, time.Second, time.Millisecond)

	xT.FinalizeAll()
	assert.False(t, xT.Ok())
	sessions[0].Shutdown()
	require.Error(t, sum.Wait())
	g.Finalize()
	xT.WaitReleased()
	assert.Equal(t, 0, xT.NumBorrows())
}

func TestGraphMisuse(t *testing.T) {
	sessions := newSessions(t, 1)
	g1, g2 := NewGraph(sessions[0]), NewGraph(sessions[0])
	a := Parameter(g1, tensors.FromScalarAndDimensions(float32(1), 2))
	b := Parameter(g2, tensors.FromScalarAndDimensions(float32(1), 2))
	c := Parameter(g1, tensors.FromScalarAndDimensions(float32(1), 3))
	require.Panics(t, func() { Add(a, b) })
	require.Panics(t, func() { Add(a, c) })
	require.Panics(t, func() { Parameter(g1, nil) })
	_, err := Gradient(a, b)
	require.Error(t, err)

	g1.Finalize()
	require.Panics(t, func() { OnesLike(a) })
	_, err = Gradient(a, a)
	require.Error(t, err)
	g2.Finalize()
}

func TestOnesZeros(t *testing.T) {
	sessions := newSessions(t, 1)
	g := NewGraph(sessions[0])
	x := Parameter(g, tensors.FromShape(shapes.Make(dtypes.Float16, 2)))
	ones, err := OnesLike(x).Value()
	require.NoError(t, err)
	onesFlat := tensors.CopyFlatData[float16.Float16](ones)
	require.Len(t, onesFlat, 2)
	assert.Equal(t, float32(1), onesFlat[0].Float32())
	assert.Equal(t, float32(1), onesFlat[1].Float32())
	requireValue(t, ZerosLike(Parameter(g, tensors.FromShape(shapes.Make(dtypes.Uint8, 3)))), []uint8{0, 0, 0})
	assert.Equal(t, "OnesLike", OpTypeOnesLike.String())
	assert.Equal(t, "OpType(100)", OpType(100).String())
	g.Finalize()
}
