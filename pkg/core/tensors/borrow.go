// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Borrowed is a reference to a Tensor held by an in-flight operation.
//
// While at least one Borrowed reference is held, the tensor's storage is kept alive: FinalizeAll
// is deferred until Release. It must be released exactly once, extra calls are no-ops.
type Borrowed struct {
	t    *Tensor
	once sync.Once
}

// Borrow acquires a reference to the tensor storage for the duration of an in-flight operation.
//
// It returns ErrFinalized if the tensor was finalized (or its finalization is pending).
func (t *Tensor) Borrow() (*Borrowed, error) {
	if t == nil {
		return nil, errors.New("cannot borrow nil Tensor")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lockedOk() {
		return nil, errors.WithStack(ErrFinalized)
	}
	t.borrows++
	return &Borrowed{t: t}, nil
}

// Tensor returns the borrowed tensor.
func (b *Borrowed) Tensor() *Tensor { return b.t }

// ConstFlatData calls accessFn with the flat data of the borrowed tensor, with the tensor locked.
// Unlike Tensor.ConstFlatData it works even when finalization of the tensor is pending.
func (b *Borrowed) ConstFlatData(accessFn func(flat any)) {
	b.lockedAccess("ConstFlatData", accessFn)
}

// MutableFlatData calls accessFn with the flat data of the borrowed tensor, with the tensor locked,
// so it can be changed in place.
func (b *Borrowed) MutableFlatData(accessFn func(flat any)) {
	b.lockedAccess("MutableFlatData", accessFn)
}

func (b *Borrowed) lockedAccess(method string, accessFn func(flat any)) {
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.flat == nil {
		// Can only happen if the Borrowed is used after Release.
		exceptions.Panicf("Borrowed(%s).%s: storage already released", t.shape, method)
	}
	accessFn(t.flat)
}

// Release the borrowed reference. If this was the last reference and FinalizeAll was called in
// the meantime, the tensor storage is freed now.
func (b *Borrowed) Release() {
	b.once.Do(func() {
		t := b.t
		t.mu.Lock()
		defer t.mu.Unlock()
		t.borrows--
		if t.borrows == 0 && t.finalizePending {
			t.lockedFree()
		}
		t.cond.Broadcast()
	})
}

// NumBorrows returns the number of in-flight operations currently holding the tensor.
func (t *Tensor) NumBorrows() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.borrows
}

// WaitReleased blocks until no in-flight operation holds the tensor.
func (t *Tensor) WaitReleased() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.borrows > 0 {
		t.cond.Wait()
	}
}
