// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements the process-wide initialization and shutdown of gradsync, and the
// queries of this process' place in the synchronization group: rank, local rank, size and local size.
//
// Init must be called exactly once before any push or pull, and again only after Shutdown.
package lifecycle

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrNotInitialized is returned when the Service is used before Init.
	ErrNotInitialized = errors.New("gradsync not initialized, call Init first")

	// ErrInitialization is returned when Init fails: double initialization, bootstrap failure or
	// an inconsistent topology.
	ErrInitialization = errors.New("gradsync initialization failed")

	// ErrShutdownInProgress is returned for operations submitted during teardown, and reported for
	// operations still pending when Shutdown is called.
	ErrShutdownInProgress = errors.New("gradsync shutdown in progress")
)

// Topology of the synchronization group, from this process' perspective.
type Topology struct {
	Rank, LocalRank, Size, LocalSize int
}

type state int

const (
	stateUninitialized state = iota
	stateRunning
	stateShuttingDown
)

// Service holds the lifecycle state. The zero value is not usable, use New.
type Service struct {
	mu       sync.RWMutex
	state    state
	topology Topology
	hooks    []func()
}

// New returns an uninitialized Service.
func New() *Service {
	return &Service{}
}

// Init establishes the topology, either from cfg (BootstrapInternal) or from the coordinator
// selected by cfg (BootstrapCoordinator).
//
// It fails with ErrInitialization if called twice without an intervening Shutdown, if the coordinator
// is not available or fails to initialize, or if the resulting topology is inconsistent.
func (s *Service) Init(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return errors.Wrap(ErrInitialization, "Init called twice without Shutdown")
	case stateShuttingDown:
		return errors.Wrap(ErrInitialization, "Init called during Shutdown")
	}

	var topology Topology
	var err error
	switch cfg.Bootstrap {
	case BootstrapInternal:
		topology = cfg.internalTopology()
	case BootstrapCoordinator:
		topology, err = coordinatorTopology(cfg.Coordinator)
		if err != nil {
			return errors.Wrapf(ErrInitialization, "coordinator bootstrap: %v", err)
		}
	default:
		return errors.Wrapf(ErrInitialization, "unknown bootstrap mode %s", cfg.Bootstrap)
	}
	if err = topology.validate(); err != nil {
		return errors.Wrapf(ErrInitialization, "%v", err)
	}
	s.topology = topology
	s.state = stateRunning
	klog.V(1).Infof("gradsync initialized (%s bootstrap): rank=%d/%d, local_rank=%d/%d",
		cfg.Bootstrap, topology.Rank, topology.Size, topology.LocalRank, topology.LocalSize)
	return nil
}

func (t Topology) validate() error {
	switch {
	case t.Size <= 0 || t.LocalSize <= 0:
		return errors.Errorf("size (%d) and local size (%d) must be positive", t.Size, t.LocalSize)
	case t.Rank < 0 || t.Rank >= t.Size:
		return errors.Errorf("rank %d out of range for size %d", t.Rank, t.Size)
	case t.LocalRank < 0 || t.LocalRank >= t.LocalSize:
		return errors.Errorf("local rank %d out of range for local size %d", t.LocalRank, t.LocalSize)
	case t.LocalSize > t.Size:
		return errors.Errorf("local size %d larger than size %d", t.LocalSize, t.Size)
	}
	return nil
}

// OnShutdown registers a hook to be called at Shutdown, while the Service reports ErrShutdownInProgress.
// Hooks run in reverse order of registration, and are discarded after Shutdown.
func (s *Service) OnShutdown(hook func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockedCheck(); err != nil {
		return err
	}
	s.hooks = append(s.hooks, hook)
	return nil
}

// Shutdown runs the shutdown hooks and returns the Service to the uninitialized state.
// Pending operations are failed with ErrShutdownInProgress by the hooks.
// It is a no-op if the Service is not initialized.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.state = stateShuttingDown
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	for ii := len(hooks) - 1; ii >= 0; ii-- {
		hooks[ii]()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateUninitialized
	s.topology = Topology{}
	klog.V(1).Infof("gradsync is shutdown")
}

// Check returns nil if the Service is initialized and not shutting down, ErrNotInitialized or
// ErrShutdownInProgress otherwise.
func (s *Service) Check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockedCheck()
}

func (s *Service) lockedCheck() error {
	switch s.state {
	case stateRunning:
		return nil
	case stateShuttingDown:
		return errors.WithStack(ErrShutdownInProgress)
	default:
		return errors.WithStack(ErrNotInitialized)
	}
}

// Topology returns the topology established by Init.
func (s *Service) Topology() (Topology, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == stateUninitialized {
		return Topology{}, errors.WithStack(ErrNotInitialized)
	}
	return s.topology, nil
}

// Size returns the number of processes in the synchronization group.
func (s *Service) Size() (int, error) {
	t, err := s.Topology()
	return t.Size, err
}

// Rank returns the rank of this process in the synchronization group.
func (s *Service) Rank() (int, error) {
	t, err := s.Topology()
	return t.Rank, err
}

// LocalSize returns the number of processes in the synchronization group running on this machine.
func (s *Service) LocalSize() (int, error) {
	t, err := s.Topology()
	return t.LocalSize, err
}

// LocalRank returns the rank of this process among the ones running on this machine.
func (s *Service) LocalRank() (int, error) {
	t, err := s.Topology()
	return t.LocalRank, err
}
