// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradsync

import (
	"sync"

	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/keys"
	"github.com/gomlx/gradsync/pkg/gradsync/lifecycle"
	"github.com/gomlx/gradsync/pkg/gradsync/scheduler"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for Session.Init.
type Config struct {
	// Lifecycle configures the bootstrap and topology. See lifecycle.ConfigFromEnv.
	Lifecycle lifecycle.Config

	// Backend configuration, formatted as "<backend_name>:<backend_configuration>".
	// If empty, backends.New() picks the default.
	Backend string

	// NewBackend, if set, is used instead of Backend to create the execution backend.
	NewBackend func() (backends.Backend, error)

	// KeyPrefix is the prefix of synthesized key names. Defaults to keys.DefaultPrefix.
	KeyPrefix string
}

// ConfigFromEnv returns the Config defined by the environment: the lifecycle bootstrap variables
// (see lifecycle.ConfigFromEnv) and backends.GRADSYNC_BACKEND.
func ConfigFromEnv() (Config, error) {
	lcConfig, err := lifecycle.ConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	return Config{Lifecycle: lcConfig}, nil
}

// Session is one instance of the synchronization service: its lifecycle, key registry and
// operation scheduler.
//
// Most programs use the process-wide Session through the package functions (Init, Push, Pull, ...).
// Separate Sessions are useful to simulate several workers in one process.
type Session struct {
	lifecycle *lifecycle.Service

	mu        sync.RWMutex
	keys      *keys.Registry
	scheduler *scheduler.Scheduler
}

// NewSession returns an uninitialized Session.
func NewSession() *Session {
	return &Session{lifecycle: lifecycle.New()}
}

// Init initializes the Session: it establishes the topology and creates the execution backend.
//
// It fails with ErrInitialization if called twice without Shutdown in between, or if the bootstrap or
// the creation of the backend fail.
func (s *Session) Init(cfg Config) error {
	if err := s.lifecycle.Init(cfg.Lifecycle); err != nil {
		return err
	}
	var backend backends.Backend
	var err error
	switch {
	case cfg.NewBackend != nil:
		backend, err = cfg.NewBackend()
	case cfg.Backend != "":
		backend, err = backends.NewWithConfig(cfg.Backend)
	default:
		backend, err = backends.New()
	}
	if err != nil {
		s.lifecycle.Shutdown()
		return errors.Wrapf(ErrInitialization, "creating execution backend: %+v", err)
	}

	sched := scheduler.New(backend, s.lifecycle)
	registry := keys.New(cfg.KeyPrefix)
	s.mu.Lock()
	s.keys = registry
	s.scheduler = sched
	s.mu.Unlock()
	err = s.lifecycle.OnShutdown(func() {
		sched.Drain()
		s.mu.Lock()
		s.keys.Reset()
		s.scheduler = nil
		s.mu.Unlock()
	})
	if err != nil {
		// Only if Shutdown was called concurrently.
		sched.Drain()
		return errors.Wrapf(ErrInitialization, "%v", err)
	}
	klog.V(1).Infof("gradsync session using backend %q: %s", backend.Name(), backend.Description())
	return nil
}

// Shutdown finalizes the backend: operations still pending fail with ErrShutdownInProgress.
// The key registry and its name counter are reset, and the Session can be initialized again.
func (s *Session) Shutdown() {
	s.lifecycle.Shutdown()
}

// Size returns the number of processes in the synchronization group.
func (s *Session) Size() (int, error) { return s.lifecycle.Size() }

// Rank returns the rank of this process in the synchronization group.
func (s *Session) Rank() (int, error) { return s.lifecycle.Rank() }

// LocalSize returns the number of processes of the synchronization group in this machine.
func (s *Session) LocalSize() (int, error) { return s.lifecycle.LocalSize() }

// LocalRank returns the rank of this process among the ones in this machine.
func (s *Session) LocalRank() (int, error) { return s.lifecycle.LocalRank() }

// Keys returns the key registry. It returns nil if the Session is not initialized.
func (s *Session) Keys() *keys.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys
}

// Scheduler returns the operation scheduler. It returns nil if the Session is not initialized.
func (s *Session) Scheduler() *scheduler.Scheduler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheduler
}

// Push sends the value of t to the aggregation tier under the key and version given by the options.
//
// It doesn't wait for the transfer: t is borrowed until the returned Handle is done and must not be
// changed in the meantime.
//
// Errors detected at submission are returned immediately: ErrNotInitialized, ErrShutdownInProgress,
// ErrInvalidHandle, ErrKeyShapeMismatch or ErrBackendUnavailable. Transfer errors are reported by
// the Handle.
func (s *Session) Push(t *tensors.Tensor, opts ...Option) (*Handle, error) {
	return s.submit(backends.Push, t, opts)
}

// Pull retrieves into t the aggregated value of the key and version given by the options.
//
// It doesn't wait for the transfer: t holds the aggregated value once the returned Handle is done.
// Errors are the same as for Push.
func (s *Session) Pull(t *tensors.Tensor, opts ...Option) (*Handle, error) {
	return s.submit(backends.Pull, t, opts)
}

// PushPull pushes t and, once the push completes, pulls the aggregated value back into t, under the
// same key and version. The returned Handle is done when the pull completes.
//
// Unnamed calls synthesize a single key, used by both operations.
func (s *Session) PushPull(t *tensors.Tensor, opts ...Option) (*Handle, error) {
	o := makeCallOptions(opts)
	sched, key, keyID, err := s.resolve(t, o)
	if err != nil {
		return nil, err
	}
	return sched.PushPull(t, key, keyID, o.version, o.priority)
}

func (s *Session) submit(direction backends.Direction, t *tensors.Tensor, opts []Option) (*Handle, error) {
	o := makeCallOptions(opts)
	sched, key, keyID, err := s.resolve(t, o)
	if err != nil {
		return nil, err
	}
	if direction == backends.Push {
		return sched.Push(t, key, keyID, o.version, o.priority)
	}
	return sched.Pull(t, key, keyID, o.version, o.priority)
}

// ResolveKey returns the key of an operation on tensors of the given shape, as Push, Pull and
// PushPull resolve it: the name given with WithName is declared, otherwise one is synthesized from
// the counter.
//
// It allows taking synthesized names in a deterministic order (e.g. while building a graph) and
// submitting the operations later with WithName(string(key)).
func (s *Session) ResolveKey(shape shapes.Shape, opts ...Option) (keys.Key, error) {
	_, registry, err := s.components()
	if err != nil {
		return "", err
	}
	if !tensors.IsSupported(shape.DType) {
		return "", errors.Wrapf(ErrInvalidHandle, "dtype %s cannot be pushed or pulled", shape.DType)
	}
	key, _, err := resolveKey(registry, makeCallOptions(opts).name, shape)
	return key, err
}

// components returns the scheduler and key registry of an initialized Session.
func (s *Session) components() (*scheduler.Scheduler, *keys.Registry, error) {
	if err := s.lifecycle.Check(); err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	sched, registry := s.scheduler, s.keys
	s.mu.RUnlock()
	if sched == nil {
		// Init is still creating the backend.
		return nil, nil, errors.Wrap(ErrNotInitialized, "session initialization not complete")
	}
	return sched, registry, nil
}

// resolve checks the Session and the tensor and resolves the key for the operation.
func (s *Session) resolve(t *tensors.Tensor, o callOptions) (sched *scheduler.Scheduler, key keys.Key, keyID int, err error) {
	var registry *keys.Registry
	sched, registry, err = s.components()
	if err != nil {
		return
	}
	if err = scheduler.ValidateTensor(t); err != nil {
		return
	}
	key, keyID, err = resolveKey(registry, o.name, t.Shape())
	return
}

func resolveKey(registry *keys.Registry, name string, shape shapes.Shape) (keys.Key, int, error) {
	if name != "" {
		return registry.Declare(name, shape)
	}
	return registry.Synthesize(shape)
}
