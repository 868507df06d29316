// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler turns push and pull requests into pending operations handed to an execution
// backend, and tracks them until the backend reports their completion.
//
// Every accepted operation returns a Handle that resolves exactly once: with nil, with the backend's
// error, or with lifecycle.ErrShutdownInProgress if the scheduler is drained first.
//
// There is no ordering guarantee: operations on the same key (even on the same tensor) may complete
// in any order, and a pull is not serialized after an earlier push. Callers that need ordering must
// wait on the first Handle before submitting the next operation.
package scheduler

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/keys"
	"github.com/gomlx/gradsync/pkg/gradsync/lifecycle"
	"github.com/gomlx/gradsync/pkg/metrics"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidHandle is returned when the tensor given to a push or pull is nil, was finalized, or
	// has a dtype that can't be transferred.
	ErrInvalidHandle = errors.New("invalid tensor handle")

	// ErrBackendUnavailable is returned when the execution backend refuses a submission.
	ErrBackendUnavailable = errors.New("execution backend unavailable")
)

// Checker reports whether the service accepts new operations: it returns lifecycle.ErrNotInitialized
// or lifecycle.ErrShutdownInProgress otherwise. It is implemented by *lifecycle.Service.
type Checker interface {
	Check() error
}

// PendingOp describes one submitted push or pull.
type PendingOp struct {
	// ID is unique within the Scheduler, assigned in submission order.
	ID uint64

	Direction backends.Direction
	Key       keys.Key
	KeyID     int
	Version   int64
	Priority  int32

	// Tensor being pushed (read) or pulled (written) by the operation.
	Tensor *tensors.Tensor

	// Submitted is the time the operation was accepted.
	Submitted time.Time
}

// Scheduler submits operations to a backend and keeps the table of pending ones.
// It is safe for concurrent use.
type Scheduler struct {
	backend   backends.Backend
	lifecycle Checker

	mu       sync.Mutex
	nextID   uint64
	pending  map[uint64]*pendingEntry
	draining bool
}

type pendingEntry struct {
	handle   *Handle
	borrowed *tensors.Borrowed
}

// New creates a Scheduler submitting to backend. Operations are only accepted while lifecycle.Check
// returns nil.
func New(backend backends.Backend, lifecycle Checker) *Scheduler {
	return &Scheduler{
		backend:   backend,
		lifecycle: lifecycle,
		pending:   make(map[uint64]*pendingEntry),
	}
}

// Backend returns the execution backend used by the Scheduler.
func (s *Scheduler) Backend() backends.Backend { return s.backend }

// Push submits t to be pushed under key/version. It returns as soon as the operation is handed to
// the backend: t must not be changed until the returned Handle is done.
func (s *Scheduler) Push(t *tensors.Tensor, key keys.Key, keyID int, version int64, priority int32) (*Handle, error) {
	return s.submit(backends.Push, t, key, keyID, version, priority)
}

// Pull submits a pull of the aggregated value of key/version into t. It returns as soon as the
// operation is handed to the backend: t is only updated once the returned Handle is done.
func (s *Scheduler) Pull(t *tensors.Tensor, key keys.Key, keyID int, version int64, priority int32) (*Handle, error) {
	return s.submit(backends.Pull, t, key, keyID, version, priority)
}

// PushPull submits a push of t and, once it completes, a pull of the aggregated value of the same
// key/version back into t.
//
// The returned Handle resolves with the first error, or when the pull completes. Its Op describes the
// push. Errors of the push submission are returned immediately, the ones of the pull through the Handle.
func (s *Scheduler) PushPull(t *tensors.Tensor, key keys.Key, keyID int, version int64, priority int32) (*Handle, error) {
	pushHandle, err := s.Push(t, key, keyID, version, priority)
	if err != nil {
		return nil, err
	}
	h := newHandle(pushHandle.op)
	go func() {
		if err := pushHandle.Wait(); err != nil {
			h.done.Trigger(err)
			return
		}
		pullHandle, err := s.Pull(t, key, keyID, version, priority)
		if err != nil {
			h.done.Trigger(err)
			return
		}
		h.done.Trigger(pullHandle.Wait())
	}()
	return h, nil
}

// ValidateTensor returns ErrInvalidHandle (wrapped) if t can't be pushed or pulled.
func ValidateTensor(t *tensors.Tensor) error {
	if t == nil {
		return errors.Wrap(ErrInvalidHandle, "nil tensor")
	}
	if !t.Ok() {
		return errors.Wrap(ErrInvalidHandle, "tensor was finalized")
	}
	if !tensors.IsSupported(t.DType()) {
		return errors.Wrapf(ErrInvalidHandle, "dtype %s cannot be pushed or pulled", t.DType())
	}
	return nil
}

func (s *Scheduler) submit(direction backends.Direction, t *tensors.Tensor, key keys.Key, keyID int,
	version int64, priority int32) (*Handle, error) {
	if err := s.lifecycle.Check(); err != nil {
		return nil, err
	}
	if err := ValidateTensor(t); err != nil {
		return nil, err
	}
	borrowed, err := t.Borrow()
	if err != nil {
		// Finalized concurrently.
		return nil, errors.Wrapf(ErrInvalidHandle, "%v", err)
	}
	shape := t.Shape()

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		borrowed.Release()
		return nil, errors.WithStack(lifecycle.ErrShutdownInProgress)
	}
	op := PendingOp{
		ID:        s.nextID,
		Direction: direction,
		Key:       key,
		KeyID:     keyID,
		Version:   version,
		Priority:  priority,
		Tensor:    t,
		Submitted: time.Now(),
	}
	s.nextID++
	entry := &pendingEntry{handle: newHandle(op), borrowed: borrowed}
	s.pending[op.ID] = entry
	s.mu.Unlock()
	metrics.OperationSubmitted(direction.String())

	req := &backends.Request{
		Direction: direction,
		Key:       string(key),
		KeyID:     keyID,
		Version:   version,
		Priority:  priority,
		Shape:     shape,
		Buffer:    borrowed,
	}
	klog.V(2).Infof("Enqueue %s of tensor %q (version=%d, priority=%d, shape=%s)", direction, key, version, priority, shape)
	if err := s.backend.Submit(req, func(err error) { s.complete(op.ID, err) }); err != nil {
		submitErr := errors.Wrapf(ErrBackendUnavailable, "%s of %q refused by backend %q: %v", direction, key, s.backend.Name(), err)
		if !s.resolveID(op.ID, submitErr) {
			// Drain resolved it in the meantime.
			return nil, errors.WithStack(lifecycle.ErrShutdownInProgress)
		}
		return nil, submitErr
	}
	return entry.handle, nil
}

// complete is the backend callback for operation id.
func (s *Scheduler) complete(id uint64, err error) {
	if err != nil {
		s.mu.Lock()
		draining := s.draining
		s.mu.Unlock()
		if draining {
			err = errors.Wrapf(lifecycle.ErrShutdownInProgress, "interrupted: %v", err)
		}
	}
	if !s.resolveID(id, err) {
		klog.Warningf("scheduler: completion of operation #%d reported after it was resolved, ignored", id)
	}
}

// resolveID removes operation id from the table and resolves its handle. It returns false if the
// operation was no longer pending.
func (s *Scheduler) resolveID(id uint64, err error) bool {
	s.mu.Lock()
	entry, found := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !found {
		return false
	}
	s.resolve(entry, err)
	return true
}

func (s *Scheduler) resolve(entry *pendingEntry, err error) {
	op := entry.handle.op
	entry.borrowed.Release()
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeFailed
		if errors.Is(err, lifecycle.ErrShutdownInProgress) {
			outcome = metrics.OutcomeShutdown
		}
	}
	metrics.OperationCompleted(op.Direction.String(), outcome, op.Submitted)
	if err != nil {
		klog.V(2).Infof("Failed %s of tensor %q (version=%d): %v", op.Direction, op.Key, op.Version, err)
	} else {
		klog.V(2).Infof("Finish %s of tensor %q (version=%d) in %s", op.Direction, op.Key, op.Version, time.Since(op.Submitted))
	}
	entry.handle.done.Trigger(err)
}

// Drain stops the Scheduler: new operations are refused with lifecycle.ErrShutdownInProgress, the
// backend is finalized and every operation still pending is resolved with
// lifecycle.ErrShutdownInProgress.
//
// When Drain returns no pending operation holds a tensor anymore. It is meant to be registered as a
// lifecycle shutdown hook, and it is idempotent.
func (s *Scheduler) Drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	numPending := len(s.pending)
	s.mu.Unlock()
	klog.V(1).Infof("scheduler: draining %d pending operations", numPending)

	s.backend.Finalize()

	s.mu.Lock()
	remaining := make([]*pendingEntry, 0, len(s.pending))
	for _, entry := range s.pending {
		remaining = append(remaining, entry)
	}
	clear(s.pending)
	s.mu.Unlock()
	slices.SortFunc(remaining, func(a, b *pendingEntry) int {
		return cmp.Compare(a.handle.op.ID, b.handle.op.ID)
	})
	for _, entry := range remaining {
		s.resolve(entry, errors.Wrapf(lifecycle.ErrShutdownInProgress, "%s of %q still pending at shutdown",
			entry.handle.op.Direction, entry.handle.op.Key))
	}
}

// NumPending returns the number of operations not yet completed.
func (s *Scheduler) NumPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Pending returns a snapshot of the operations not yet completed, in submission order.
func (s *Scheduler) Pending() []PendingOp {
	s.mu.Lock()
	ops := make([]PendingOp, 0, len(s.pending))
	for _, entry := range s.pending {
		ops = append(ops, entry.handle.op)
	}
	s.mu.Unlock()
	slices.SortFunc(ops, func(a, b PendingOp) int { return cmp.Compare(a.ID, b.ID) })
	return ops
}
