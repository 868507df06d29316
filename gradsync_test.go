// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradsync

import (
	"fmt"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/backends/local"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/keys"
	"github.com/gomlx/gradsync/pkg/gradsync/lifecycle"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withStore returns a Config whose backend is a worker of store.
func withStore(store *local.Store) Config {
	return Config{
		Lifecycle: lifecycle.Config{Size: store.NumWorkers()},
		NewBackend: func() (backends.Backend, error) {
			return local.NewWithStore(store, local.Options{}), nil
		},
	}
}

func newSession(t *testing.T) *Session {
	s := NewSession()
	require.NoError(t, s.Init(withStore(local.NewStore(1, 16))))
	t.Cleanup(s.Shutdown)
	return s
}

func TestPushThenPull(t *testing.T) {
	s := newSession(t)
	a := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := tensors.FromShape(a.Shape())
	push, err := s.Push(a, WithVersion(1), WithName("layer0.grad"))
	require.NoError(t, err)
	pull, err := s.Pull(b, WithVersion(1), WithName("layer0.grad"))
	require.NoError(t, err)
	require.NoError(t, push.Wait())
	require.NoError(t, pull.Wait())
	assert.Equal(t, []float32{1, 2, 3, 4}, tensors.CopyFlatData[float32](b))
	assert.Equal(t, []keys.Key{"layer0.grad"}, s.Keys().Keys())
	assert.Equal(t, 0, s.Keys().Counter())
}

func TestKeyShapeMismatch(t *testing.T) {
	s := newSession(t)
	_, err := s.Push(tensors.FromShape(shapes.Make(dtypes.Float32, 3)), WithName("w"))
	require.NoError(t, err)
	_, err = s.Push(tensors.FromShape(shapes.Make(dtypes.Float32, 4)), WithName("w"))
	require.True(t, errors.Is(err, ErrKeyShapeMismatch), "got %v", err)
	_, err = s.Pull(tensors.FromShape(shapes.Make(dtypes.Int32, 3)), WithName("w"))
	require.True(t, errors.Is(err, ErrKeyShapeMismatch), "got %v", err)
}

func TestNotInitialized(t *testing.T) {
	s := NewSession()
	x := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	_, err := s.Push(x)
	require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
	_, err = s.Pull(x, WithName("x"))
	require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
	_, err = s.PushPull(x)
	require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
	for _, query := range []func() (int, error){s.Size, s.Rank, s.LocalSize, s.LocalRank} {
		_, err = query()
		require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
	}
	assert.Nil(t, s.Keys())
	assert.Equal(t, 0, x.NumBorrows())
}

func TestOperationsDuringInit(t *testing.T) {
	s := NewSession()
	x := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	store := local.NewStore(1, 16)
	cfg := withStore(store)
	cfg.NewBackend = func() (backends.Backend, error) {
		_, err := s.Push(x, WithName("x"))
		require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
		_, err = s.ResolveKey(x.Shape())
		require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
		return local.NewWithStore(store, local.Options{}), nil
	}
	require.NoError(t, s.Init(cfg))
	defer s.Shutdown()
	h, err := s.Push(x, WithName("x"))
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	assert.Equal(t, 0, x.NumBorrows())
}

func TestDoubleInit(t *testing.T) {
	s := newSession(t)
	err := s.Init(withStore(local.NewStore(1, 16)))
	require.True(t, errors.Is(err, ErrInitialization), "got %v", err)

	// The first initialization is still in place.
	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestBackendCreationFailure(t *testing.T) {
	s := NewSession()
	err := s.Init(Config{Backend: "does_not_exist"})
	require.True(t, errors.Is(err, ErrInitialization), "got %v", err)
	_, err = s.Size()
	require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)
}

func TestUnnamedKeys(t *testing.T) {
	s := newSession(t)
	const numPushes = 10
	for range numPushes {
		h, err := s.Push(tensors.FromScalarAndDimensions(float32(1), 2))
		require.NoError(t, err)
		require.NoError(t, h.Wait())
	}
	registered := s.Keys().Keys()
	require.Len(t, registered, numPushes)
	seen := make(map[keys.Key]bool)
	for ii, key := range registered {
		assert.Equal(t, keys.Key(fmt.Sprintf("gradsync.Parameter.%d", ii)), key)
		seen[key] = true
	}
	assert.Len(t, seen, numPushes)
	assert.Equal(t, numPushes, s.Keys().Counter())
}

func TestUnnamedPushPullSequence(t *testing.T) {
	s := newSession(t)
	_, err := s.Push(tensors.FromScalarAndDimensions(int32(1), 3))
	require.NoError(t, err)
	_, err = s.Push(tensors.FromScalarAndDimensions(int32(1), 3))
	require.NoError(t, err)
	assert.Equal(t, []keys.Key{"gradsync.Parameter.0", "gradsync.Parameter.1"}, s.Keys().Keys())
}

func TestShutdownFailsPending(t *testing.T) {
	// Group of 2 workers, only one in this test: the pull never completes.
	s := NewSession()
	require.NoError(t, s.Init(withStore(local.NewStore(2, 16))))
	out := tensors.FromShape(shapes.Make(dtypes.Float32, 8))
	h, err := s.Pull(out, WithName("never"), WithPriority(3))
	require.NoError(t, err)
	assert.False(t, h.Test())
	assert.Equal(t, 1, s.Scheduler().NumPending())

	s.Shutdown()
	require.True(t, errors.Is(h.Wait(), ErrShutdownInProgress), "got %v", h.Err())
	assert.Equal(t, 0, out.NumBorrows())
	assert.Nil(t, s.Scheduler())
	_, err = s.Pull(out, WithName("never"))
	require.True(t, errors.Is(err, ErrNotInitialized), "got %v", err)

	// Can be initialized again, with a fresh name counter.
	require.NoError(t, s.Init(withStore(local.NewStore(1, 16))))
	defer s.Shutdown()
	_, err = s.Push(out)
	require.NoError(t, err)
	assert.Equal(t, []keys.Key{"gradsync.Parameter.0"}, s.Keys().Keys())
}

func TestMultipleWorkers(t *testing.T) {
	const numWorkers = 3
	store := local.NewStore(numWorkers, 16)
	sessions := make([]*Session, numWorkers)
	for ii := range sessions {
		sessions[ii] = NewSession()
		cfg := withStore(store)
		cfg.Lifecycle.Rank = ii
		require.NoError(t, sessions[ii].Init(cfg))
		defer sessions[ii].Shutdown()
	}
	for step := range int64(3) {
		var handles []*Handle
		var grads []*tensors.Tensor
		for ii, s := range sessions {
			grad := tensors.FromScalarAndDimensions(float64(ii+1)*float64(step+1), 2, 3)
			// Unnamed: same call order on every worker gives the same keys.
			h, err := s.PushPull(grad, WithVersion(step))
			require.NoError(t, err)
			handles = append(handles, h)
			grads = append(grads, grad)
		}
		for ii, h := range handles {
			require.NoError(t, h.Wait())
			want := 6 * float64(step+1)
			for _, v := range tensors.CopyFlatData[float64](grads[ii]) {
				require.Equal(t, want, v)
			}
		}
	}
	rank, err := sessions[2].Rank()
	require.NoError(t, err)
	assert.Equal(t, 2, rank)
	size, err := sessions[2].Size()
	require.NoError(t, err)
	assert.Equal(t, numWorkers, size)
}

func TestReusedDefaultVersion(t *testing.T) {
	for _, numWorkers := range []int{1, 3} {
		t.Run(fmt.Sprintf("workers=%d", numWorkers), func(t *testing.T) {
			store := local.NewStore(numWorkers, 16)
			sessions := make([]*Session, numWorkers)
			for ii := range sessions {
				sessions[ii] = NewSession()
				cfg := withStore(store)
				cfg.Lifecycle.Rank = ii
				require.NoError(t, sessions[ii].Init(cfg))
				defer sessions[ii].Shutdown()
			}
			// Every step uses the same key at the default version 0.
			for step := range 2 {
				var handles []*Handle
				var grads []*tensors.Tensor
				for ii, s := range sessions {
					grad := tensors.FromScalarAndDimensions(int64((ii+1)*(step+1)), 4)
					h, err := s.PushPull(grad, WithName("layer0.grad"))
					require.NoError(t, err)
					handles = append(handles, h)
					grads = append(grads, grad)
				}
				want := int64(numWorkers*(numWorkers+1)/2) * int64(step+1)
				for ii, h := range handles {
					require.NoError(t, h.Wait(), "step %d, worker %d", step, ii)
					assert.Equal(t, []int64{want, want, want, want}, tensors.CopyFlatData[int64](grads[ii]),
						"step %d, worker %d", step, ii)
				}
			}
		})
	}
}

func TestResolveKey(t *testing.T) {
	s := newSession(t)
	shape := shapes.Make(dtypes.Float32, 2)
	key, err := s.ResolveKey(shape)
	require.NoError(t, err)
	assert.Equal(t, keys.Key(keys.DefaultPrefix+"0"), key)
	key, err = s.ResolveKey(shape, WithName("bias"))
	require.NoError(t, err)
	assert.Equal(t, keys.Key("bias"), key)
	_, err = s.ResolveKey(shapes.Make(dtypes.Float32, 3), WithName("bias"))
	require.True(t, errors.Is(err, ErrKeyShapeMismatch), "got %v", err)
	_, err = s.ResolveKey(shapes.Make(dtypes.Bool, 2))
	require.True(t, errors.Is(err, ErrInvalidHandle), "got %v", err)

	// Operations using the resolved name don't synthesize a new one.
	h, err := s.PushPull(tensors.FromShape(shape), WithName(string(key)))
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	assert.Equal(t, 1, s.Keys().Counter())
}

func TestInvalidHandle(t *testing.T) {
	s := newSession(t)
	_, err := s.Push(nil)
	require.True(t, errors.Is(err, ErrInvalidHandle), "got %v", err)
	_, err = s.Pull(tensors.FromShape(shapes.Make(dtypes.Bool, 1)), WithName("flags"))
	require.True(t, errors.Is(err, ErrInvalidHandle), "got %v", err)
	// Invalid calls don't consume synthesized names.
	assert.Equal(t, 0, s.Keys().Counter())
}

func TestProcessWideSession(t *testing.T) {
	require.NoError(t, Init(Config{Backend: local.BackendName}))
	defer Shutdown()
	size, err := Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
	localSize, err := LocalSize()
	require.NoError(t, err)
	assert.Equal(t, 1, localSize)
	rank, err := Rank()
	require.NoError(t, err)
	assert.Equal(t, 0, rank)
	localRank, err := LocalRank()
	require.NoError(t, err)
	assert.Equal(t, 0, localRank)

	x := tensors.FromFlatDataAndDimensions([]int32{4, 5}, 2)
	h, err := PushPull(x, WithName("process.wide"), WithVersion(11))
	require.NoError(t, err)
	require.NoError(t, h.Wait())
	assert.Equal(t, []int32{4, 5}, tensors.CopyFlatData[int32](x))
	assert.Same(t, Default(), defaultSession)
}
