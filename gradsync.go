// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradsync synchronizes gradient tensors across the workers of a distributed training job,
// with a keyed asynchronous push/pull protocol.
//
// Each worker pushes its tensors (e.g. gradients) to the aggregation tier under a key (the name of the
// tensor) and a version (e.g. the training step), and pulls back the aggregated value:
//
//	if err := gradsync.Init(gradsync.Config{}); err != nil { ... }
//	defer gradsync.Shutdown()
//
//	push, err := gradsync.Push(grad, gradsync.WithName("layer0.grad"), gradsync.WithVersion(step))
//	...
//	pull, err := gradsync.Pull(aggregated, gradsync.WithName("layer0.grad"), gradsync.WithVersion(step))
//	...
//	err = pull.Wait()  // aggregated now holds the sum of the pushes of every worker.
//
// Push and Pull never wait for the network: they return a Handle that resolves when the backend
// completes the transfer. Until then the tensor is borrowed by the operation: it can't be freed
// (Tensor.FinalizeAll is deferred), and the caller should not change it.
//
// Operations on different keys are independent, and operations on the same key are not guaranteed
// to complete in submission order. Use versions, and wait on handles, to order them.
//
// The package functions use a process-wide Session. Use NewSession for separate instances.
// Use package autograd to build push and pull into an asynchronous computation graph.
package gradsync

import (
	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/keys"
	"github.com/gomlx/gradsync/pkg/gradsync/lifecycle"
	"github.com/gomlx/gradsync/pkg/gradsync/scheduler"
)

// Handle to the completion of a push or pull. See scheduler.Handle.
type Handle = scheduler.Handle

// Errors reported by gradsync. Test for them with errors.Is.
var (
	ErrNotInitialized     = lifecycle.ErrNotInitialized
	ErrInitialization     = lifecycle.ErrInitialization
	ErrShutdownInProgress = lifecycle.ErrShutdownInProgress
	ErrInvalidHandle      = scheduler.ErrInvalidHandle
	ErrBackendUnavailable = scheduler.ErrBackendUnavailable
	ErrKeyShapeMismatch   = keys.ErrKeyShapeMismatch
	ErrBackendFinalized   = backends.ErrFinalized
)

var defaultSession = NewSession()

// Default returns the process-wide Session used by the package functions.
func Default() *Session { return defaultSession }

// Init initializes the process-wide Session. See Session.Init.
func Init(cfg Config) error { return defaultSession.Init(cfg) }

// Shutdown the process-wide Session. See Session.Shutdown.
func Shutdown() { defaultSession.Shutdown() }

// Size returns the number of processes in the synchronization group.
func Size() (int, error) { return defaultSession.Size() }

// Rank returns the rank of this process in the synchronization group.
func Rank() (int, error) { return defaultSession.Rank() }

// LocalSize returns the number of processes of the synchronization group in this machine.
func LocalSize() (int, error) { return defaultSession.LocalSize() }

// LocalRank returns the rank of this process among the ones in this machine.
func LocalRank() (int, error) { return defaultSession.LocalRank() }

// Push t using the process-wide Session. See Session.Push.
func Push(t *tensors.Tensor, opts ...Option) (*Handle, error) { return defaultSession.Push(t, opts...) }

// Pull into t using the process-wide Session. See Session.Pull.
func Pull(t *tensors.Tensor, opts ...Option) (*Handle, error) { return defaultSession.Pull(t, opts...) }

// PushPull t using the process-wide Session. See Session.PushPull.
func PushPull(t *tensors.Tensor, opts ...Option) (*Handle, error) {
	return defaultSession.PushPull(t, opts...)
}
