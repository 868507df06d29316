// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// BootstrapMode selects where Init gets the topology from.
type BootstrapMode int

const (
	// BootstrapInternal uses the values given in Config.
	BootstrapInternal BootstrapMode = iota

	// BootstrapCoordinator initializes a secondary coordination library (a registered Coordinator)
	// and imports its rank and size values.
	BootstrapCoordinator
)

// String implements fmt.Stringer.
func (m BootstrapMode) String() string {
	switch m {
	case BootstrapInternal:
		return "internal"
	case BootstrapCoordinator:
		return "coordinator"
	default:
		return fmt.Sprintf("BootstrapMode(%d)", int(m))
	}
}

// Config of the lifecycle Service. It is passed explicitly to Init, see ConfigFromEnv to build it
// from the environment.
type Config struct {
	// Rank, LocalRank, Size and LocalSize are used with BootstrapInternal.
	// If they are all zero, a synchronization group of one process is assumed.
	Rank, LocalRank, Size, LocalSize int

	Bootstrap BootstrapMode

	// Coordinator is the name of the registered Coordinator to use with BootstrapCoordinator.
	// If empty, the first registered one is used.
	Coordinator string
}

func (cfg Config) internalTopology() Topology {
	t := Topology{Rank: cfg.Rank, LocalRank: cfg.LocalRank, Size: cfg.Size, LocalSize: cfg.LocalSize}
	if t == (Topology{}) {
		return Topology{Size: 1, LocalSize: 1}
	}
	if t.LocalSize == 0 {
		// Assume a single machine.
		t.LocalSize = t.Size
		t.LocalRank = t.Rank
	}
	return t
}

// Environment variables read by ConfigFromEnv.
const (
	// EnvInitUsingCoordinator, if set to a true value, selects BootstrapCoordinator.
	EnvInitUsingCoordinator = "GRADSYNC_INIT_USING_COORDINATOR"
	EnvCoordinator          = "GRADSYNC_COORDINATOR"
	EnvRank                 = "GRADSYNC_RANK"
	EnvLocalRank            = "GRADSYNC_LOCAL_RANK"
	EnvSize                 = "GRADSYNC_SIZE"
	EnvLocalSize            = "GRADSYNC_LOCAL_SIZE"
)

// ConfigFromEnv builds a Config from the environment variables. It is the only place the environment
// is read: Init itself only uses the Config it is given.
func ConfigFromEnv() (cfg Config, err error) {
	if isTrue(os.Getenv(EnvInitUsingCoordinator)) {
		cfg.Bootstrap = BootstrapCoordinator
	}
	cfg.Coordinator = os.Getenv(EnvCoordinator)
	for _, v := range []struct {
		name  string
		value *int
	}{
		{EnvRank, &cfg.Rank},
		{EnvLocalRank, &cfg.LocalRank},
		{EnvSize, &cfg.Size},
		{EnvLocalSize, &cfg.LocalSize},
	} {
		str := os.Getenv(v.name)
		if str == "" {
			continue
		}
		*v.value, err = strconv.Atoi(str)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid value for environment variable %s=%q", v.name, str)
		}
	}
	return cfg, nil
}

// isTrue interprets a boolean-like environment value: "", "0", "false", "no" and "off" are false.
func isTrue(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

// Coordinator is a secondary coordination library that can provide the topology.
type Coordinator interface {
	// Init initializes the coordination library. It is called once per Service.Init.
	Init() error

	Rank() int
	LocalRank() int
	Size() int
	LocalSize() int
}

// CoordinatorConstructor returns a Coordinator, or an error if the library is unavailable.
type CoordinatorConstructor func() (Coordinator, error)

var (
	muCoordinators         sync.Mutex
	registeredCoordinators = make(map[string]CoordinatorConstructor)
	coordinatorsOrder      []string
)

// RegisterCoordinator registers a Coordinator constructor under the given name.
func RegisterCoordinator(name string, constructor CoordinatorConstructor) {
	muCoordinators.Lock()
	defer muCoordinators.Unlock()
	if _, found := registeredCoordinators[name]; !found {
		coordinatorsOrder = append(coordinatorsOrder, name)
	}
	registeredCoordinators[name] = constructor
}

// UnregisterCoordinator removes a registered Coordinator, if present.
func UnregisterCoordinator(name string) {
	muCoordinators.Lock()
	defer muCoordinators.Unlock()
	delete(registeredCoordinators, name)
	coordinatorsOrder = slices.DeleteFunc(coordinatorsOrder, func(n string) bool { return n == name })
}

// coordinatorTopology initializes the named (or first registered) coordinator and imports its topology.
func coordinatorTopology(name string) (Topology, error) {
	muCoordinators.Lock()
	if name == "" && len(coordinatorsOrder) > 0 {
		name = coordinatorsOrder[0]
	}
	constructor, found := registeredCoordinators[name]
	muCoordinators.Unlock()
	if !found {
		return Topology{}, errors.Errorf("coordinator %q is not available", name)
	}
	coordinator, err := constructor()
	if err != nil {
		return Topology{}, errors.WithMessagef(err, "coordinator %q unavailable", name)
	}
	if err = coordinator.Init(); err != nil {
		return Topology{}, errors.WithMessagef(err, "coordinator %q failed to initialize", name)
	}
	return Topology{
		Rank:      coordinator.Rank(),
		LocalRank: coordinator.LocalRank(),
		Size:      coordinator.Size(),
		LocalSize: coordinator.LocalSize(),
	}, nil
}
