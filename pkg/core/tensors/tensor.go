// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, the handle to a caller-owned, mutable multidimensional
// buffer that is pushed to or pulled from the aggregation tier.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions) and its content, always
// stored as a flat slice of the Go type corresponding to the dtype. The shape never changes during
// the tensor's lifetime.
//
// Ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
// While a push or pull is in flight, the operation holds a Borrowed reference to the tensor.
// A borrowed tensor cannot be freed: Tensor.FinalizeAll is deferred until the last borrow is
// released, so the backend never writes into reclaimed memory.
package tensors

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrFinalized is returned when trying to borrow a tensor that was finalized, or whose
// finalization is pending.
var ErrFinalized = errors.New("tensor is finalized")

// Tensor represents a multidimensional array stored as a flat slice of values.
//
// All access to the flat data goes through the tensor's lock (see ConstFlatData and MutableFlatData),
// so concurrent reads by the caller and writes by a backend completing a pull are serialized.
type Tensor struct {
	// shape of the tensor, immutable until it is finalized.
	shape shapes.Shape

	// mu protects flat, borrows and finalizePending.
	mu   sync.Mutex
	cond *sync.Cond // Signaled whenever borrows decreases.
	flat any        // Slice of the Go type for the dtype of the given shape.

	// borrows counts in-flight operations holding a reference to flat.
	borrows int

	// finalizePending is set when FinalizeAll was called while borrowed.
	finalizePending bool
}

func newTensor(shape shapes.Shape) *Tensor {
	t := &Tensor{shape: shape}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if the shape is invalid.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	t := newTensor(shape.Clone())
	size := shape.Size()
	t.flat = reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied, the caller keeps ownership of `data`.
//
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%d values, shape=%s): shape requires %d values",
			len(data), shape, shape.Size())
	}
	t := newTensor(shape)
	t.flat = normalizeFlat(append([]T(nil), data...))
	return t
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the scalar value given.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	data := make([]T, shape.Size())
	for ii := range data {
		data[ii] = value
	}
	t := newTensor(shape)
	t.flat = normalizeFlat(data)
	return t
}

// normalizeFlat converts []int (mapped to dtypes.Int64) to []int64, so the flat slice always matches
// the Go type of the dtype.
func normalizeFlat(flat any) any {
	ints, ok := flat.([]int)
	if !ok {
		return flat
	}
	converted := make([]int64, len(ints))
	for ii, v := range ints {
		converted[ii] = int64(v)
	}
	return converted
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	if !t.Ok() {
		return "Tensor(finalized)"
	}
	return fmt.Sprintf("Tensor%s", t.shape)
}

// Ok returns whether the Tensor is in a valid state: it is not nil, and it hasn't been finalized.
func (t *Tensor) Ok() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lockedOk()
}

func (t *Tensor) lockedOk() bool {
	return t.shape.Ok() && t.flat != nil && !t.finalizePending
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType.
// It locks the Tensor until accessFn returns.
//
// The data should not be changed. It panics if the tensor was finalized.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flat == nil {
		exceptions.Panicf("Tensor(%s).ConstFlatData: tensor was finalized", t.shape)
	}
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flattened data, which can be changed in place.
// It locks the Tensor until accessFn returns.
//
// It panics if the tensor was finalized.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flat == nil {
		exceptions.Panicf("Tensor(%s).MutableFlatData: tensor was finalized", t.shape)
	}
	accessFn(t.flat)
}

// CopyFlatData returns a copy of the flat data of the tensor, as a []T.
//
// It panics if T doesn't match the tensor's dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var out []T
	t.ConstFlatData(func(flat any) {
		typed, ok := flat.([]T)
		if !ok {
			exceptions.Panicf("CopyFlatData[%T] is incompatible with Tensor's dtype %s", out, t.DType())
		}
		out = append([]T(nil), typed...)
	})
	return out
}

// LocalClone returns a new tensor with a copy of the values of t.
func (t *Tensor) LocalClone() *Tensor {
	clone := FromShape(t.shape)
	t.ConstFlatData(func(flat any) {
		clone.flat = CloneFlat(flat)
	})
	return clone
}

// FinalizeAll frees the associated data and leaves the Tensor in an invalid state.
//
// If the tensor is borrowed by in-flight operations, the data is only freed when the last
// one is released; the tensor reports !Ok() immediately, and can't be borrowed again.
func (t *Tensor) FinalizeAll() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.borrows > 0 {
		t.finalizePending = true
		return
	}
	t.lockedFree()
}

func (t *Tensor) lockedFree() {
	t.flat = nil
	t.finalizePending = false
	t.shape = shapes.Invalid()
}
