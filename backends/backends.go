// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface to the execution backend: the system that physically moves
// tensor buffers to and from the aggregation tier and performs the reduction.
//
// A backend receives one Request per push or pull, and asynchronously reports its completion through a
// Callback. Backends are registered by name (see Register) and created with New or NewWithConfig.
//
// Ordering: a backend may complete requests in any order, including requests for the same key.
// Callers that need ordering across versions of a key must check versions themselves.
package backends

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer.
// It's up to the backend to interpret it, for now it is always 0.
type DeviceNum int

// Direction of a transfer.
type Direction int

const (
	// Push sends a local tensor's value toward the aggregation tier.
	Push Direction = iota

	// Pull retrieves the aggregated value into a local buffer.
	Pull
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Request is one push or pull handed to the backend.
type Request struct {
	Direction Direction
	Key       string

	// KeyID is the process-local declared id of the key, in order of first use.
	KeyID int

	Version  int64
	Priority int32
	Device   DeviceNum

	// Shape of the buffer, including its dtype.
	Shape shapes.Shape

	// Buffer is the borrowed tensor: read for Push, written in place for Pull.
	// The backend must not access it after calling the Callback, or after Finalize returns.
	Buffer *tensors.Borrowed
}

// Callback reports the completion of a Request. A nil error means success.
type Callback func(err error)

// ErrFinalized is reported for requests still pending when the backend is finalized, and returned
// by Submit afterward.
var ErrFinalized = errors.New("backend finalized")

// Backend is the API that needs to be implemented by an execution backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "local".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Submit hands the request to the backend. It must not block on network I/O.
	//
	// If it returns nil, done is called exactly once, from any goroutine, when the request completes.
	// If it returns an error, done is never called.
	Submit(req *Request, done Callback) error

	// Finalize fails every pending request with ErrFinalized and releases all resources.
	// When it returns, no request buffer is accessed anymore.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a constructor that takes as input a configuration string.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GRADSYNC_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
const GRADSYNC_BACKEND = "GRADSYNC_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment GRADSYNC_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(GRADSYNC_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "local") and
// "<backend_configuration>" is backend specific (e.g.: for the remote backend, the server address).
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends -- maybe import the local one with import _ "github.com/gomlx/gradsync/backends/local"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q", backendName)
	}
	return backend, nil
}
