// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/backends/local"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/lifecycle"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initializedService(t *testing.T) *lifecycle.Service {
	svc := lifecycle.New()
	require.NoError(t, svc.Init(lifecycle.Config{}))
	return svc
}

// newGroup creates numWorkers schedulers sharing one aggregation store.
func newGroup(t *testing.T, numWorkers int) ([]*Scheduler, []*local.Backend) {
	store := local.NewStore(numWorkers, local.DefaultRetainRounds)
	schedulers := make([]*Scheduler, numWorkers)
	workers := make([]*local.Backend, numWorkers)
	for ii := range numWorkers {
		workers[ii] = local.NewWithStore(store, local.Options{})
		schedulers[ii] = New(workers[ii], initializedService(t))
	}
	t.Cleanup(func() {
		for _, s := range schedulers {
			s.Drain()
		}
		store.Close()
	})
	return schedulers, workers
}

func TestNotInitialized(t *testing.T) {
	backend := local.NewWithStore(local.NewStore(1, 1), local.Options{})
	defer backend.Finalize()
	s := New(backend, lifecycle.New())
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	_, err := s.Push(x, "x", 0, 0, 0)
	require.True(t, errors.Is(err, lifecycle.ErrNotInitialized), "got %v", err)
	_, err = s.Pull(x, "x", 0, 0, 0)
	require.True(t, errors.Is(err, lifecycle.ErrNotInitialized), "got %v", err)
	assert.Equal(t, 0, s.NumPending())
	assert.Equal(t, 0, x.NumBorrows())
}

func TestInvalidHandle(t *testing.T) {
	schedulers, _ := newGroup(t, 1)
	s := schedulers[0]

	_, err := s.Push(nil, "x", 0, 0, 0)
	require.True(t, errors.Is(err, ErrInvalidHandle), "got %v", err)

	finalized := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	finalized.FinalizeAll()
	_, err = s.Push(finalized, "x", 0, 0, 0)
	require.True(t, errors.Is(err, ErrInvalidHandle), "got %v", err)

	boolTensor := tensors.FromShape(shapes.Make(dtypes.Bool, 3))
	_, err = s.Pull(boolTensor, "y", 1, 0, 0)
	require.True(t, errors.Is(err, ErrInvalidHandle), "got %v", err)
	assert.Equal(t, 0, s.NumPending())
}

func TestBackendUnavailable(t *testing.T) {
	backend := local.NewWithStore(local.NewStore(1, 1), local.Options{})
	backend.Finalize()
	s := New(backend, initializedService(t))
	x := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	_, err := s.Push(x, "x", 0, 0, 0)
	require.True(t, errors.Is(err, ErrBackendUnavailable), "got %v", err)
	assert.Equal(t, 0, s.NumPending())
	assert.Equal(t, 0, x.NumBorrows())
}

func TestPushPull(t *testing.T) {
	schedulers, _ := newGroup(t, 2)
	inputs := []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3),
		tensors.FromFlatDataAndDimensions([]float32{10, 20, 30}, 3),
	}
	outputs := make([]*tensors.Tensor, 2)
	var handles []*Handle
	for ii, s := range schedulers {
		outputs[ii] = tensors.FromShape(inputs[ii].Shape())
		// Pull submitted before the push: completion waits for the round anyway.
		pull, err := s.Pull(outputs[ii], "grad", 0, 7, 0)
		require.NoError(t, err)
		push, err := s.Push(inputs[ii], "grad", 0, 7, 0)
		require.NoError(t, err)
		handles = append(handles, pull, push)
	}
	for _, h := range handles {
		require.NoError(t, h.Wait())
		assert.True(t, h.Test())
		assert.NoError(t, h.Err())
		select {
		case <-h.Done():
		default:
			t.Fatal("Done() channel not closed after Wait()")
		}
	}
	for ii := range schedulers {
		assert.Equal(t, []float32{11, 22, 33}, tensors.CopyFlatData[float32](outputs[ii]))
		assert.Equal(t, 0, outputs[ii].NumBorrows())
		assert.Equal(t, 0, schedulers[ii].NumPending())
	}
	// Inputs are not modified by a push.
	assert.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](inputs[0]))

	op := handles[0].Op()
	assert.Equal(t, backends.Pull, op.Direction)
	assert.EqualValues(t, "grad", op.Key)
	assert.Equal(t, int64(7), op.Version)
	assert.Same(t, outputs[0], op.Tensor)
}

func TestPendingAndShutdown(t *testing.T) {
	// Two workers, but only one of them contributes: the pull can never complete.
	schedulers, _ := newGroup(t, 2)
	s := schedulers[0]
	x := tensors.FromFlatDataAndDimensions([]int64{1, 2}, 2)
	out := tensors.FromShape(x.Shape())
	pushH, err := s.Push(x, "x", 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, pushH.Wait())
	pullH, err := s.Pull(out, "x", 0, 0, 5)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pullH.WaitContext(ctx), context.DeadlineExceeded)
	assert.False(t, pullH.Test())
	assert.NoError(t, pullH.Err())
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, int32(5), pending[0].Priority)
	assert.Equal(t, 1, out.NumBorrows())

	// Finalizing the tensor while the pull is pending defers the release of its storage.
	out.FinalizeAll()
	assert.False(t, out.Ok())
	assert.Equal(t, 1, out.NumBorrows())

	s.Drain()
	require.True(t, errors.Is(pullH.Wait(), lifecycle.ErrShutdownInProgress), "got %v", pullH.Err())
	assert.Equal(t, 0, s.NumPending())
	assert.Equal(t, 0, out.NumBorrows())

	_, err = s.Push(x, "x", 0, 1, 0)
	require.True(t, errors.Is(err, lifecycle.ErrShutdownInProgress), "got %v", err)
	s.Drain() // Idempotent.
}

func TestShutdownHook(t *testing.T) {
	svc := initializedService(t)
	backend := local.NewWithStore(local.NewStore(2, 16), local.Options{})
	s := New(backend, svc)
	require.NoError(t, svc.OnShutdown(s.Drain))
	out := tensors.FromShape(shapes.Make(dtypes.Float64, 4))
	h, err := s.Pull(out, "never", 0, 0, 0)
	require.NoError(t, err)
	svc.Shutdown()
	require.True(t, errors.Is(h.Wait(), lifecycle.ErrShutdownInProgress), "got %v", h.Err())
	_, err = s.Pull(out, "never", 0, 0, 0)
	require.True(t, errors.Is(err, lifecycle.ErrNotInitialized), "got %v", err)
}

func TestFailurePropagation(t *testing.T) {
	schedulers, workers := newGroup(t, 1)
	injected := errors.New("link down")
	workers[0].SetFailure("broken", injected)
	x := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	h, err := schedulers[0].Push(x, "broken", 0, 0, 0)
	require.NoError(t, err)
	require.ErrorIs(t, h.Wait(), injected)
	assert.ErrorIs(t, h.Err(), injected)
	assert.Equal(t, 0, x.NumBorrows())

	// Other keys are not affected.
	h, err = schedulers[0].Push(x, "fine", 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h.Wait())
}

func TestKeyShapeMismatchAcrossWorkers(t *testing.T) {
	schedulers, _ := newGroup(t, 2)
	h0, err := schedulers[0].Push(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2), "k", 0, 0, 0)
	require.NoError(t, err)
	require.NoError(t, h0.Wait())
	h1, err := schedulers[1].Push(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3), "k", 0, 0, 0)
	require.NoError(t, err)
	require.ErrorIs(t, h1.Wait(), local.ErrShapeMismatch)
}

func TestPushPullChained(t *testing.T) {
	schedulers, _ := newGroup(t, 2)
	values := [][]float64{{1, -1}, {2, -2}}
	var handles []*Handle
	var ts []*tensors.Tensor
	for ii, s := range schedulers {
		x := tensors.FromFlatDataAndDimensions(values[ii], 2)
		h, err := s.PushPull(x, "w", 3, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, backends.Push, h.Op().Direction)
		handles = append(handles, h)
		ts = append(ts, x)
	}
	for ii, h := range handles {
		require.NoError(t, h.Wait())
		assert.Equal(t, []float64{3, -3}, tensors.CopyFlatData[float64](ts[ii]))
	}
}
