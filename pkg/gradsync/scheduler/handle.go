// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"context"

	"github.com/gomlx/gradsync/pkg/support/xsync"
)

// Handle to the completion of a push or pull.
type Handle struct {
	op   PendingOp
	done *xsync.LatchWithValue[error]
}

func newHandle(op PendingOp) *Handle {
	return &Handle{op: op, done: xsync.NewLatchWithValue[error]()}
}

// Op returns the description of the operation.
func (h *Handle) Op() PendingOp { return h.op }

// Wait blocks until the operation completes, and returns its error, if any.
//
// Once it returns the tensor is no longer held by the operation: for a pull it holds the aggregated value.
func (h *Handle) Wait() error { return h.done.Wait() }

// WaitContext is like Wait, but returns ctx.Err() if ctx is done first. The operation is not cancelled.
func (h *Handle) WaitContext(ctx context.Context) error {
	err, ctxErr := h.done.WaitContext(ctx)
	if ctxErr != nil {
		return ctxErr
	}
	return err
}

// Done returns a channel closed when the operation completes.
func (h *Handle) Done() <-chan struct{} { return h.done.WaitChan() }

// Test returns whether the operation completed, without blocking.
func (h *Handle) Test() bool { return h.done.Test() }

// Err returns the error of a completed operation. It returns nil if the operation is still pending.
func (h *Handle) Err() error {
	err, _ := h.done.Value()
	return err
}
