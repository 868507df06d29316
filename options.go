// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradsync

// Option configures one Push, Pull or PushPull call.
type Option func(o *callOptions)

type callOptions struct {
	name     string
	version  int64
	priority int32
}

func makeCallOptions(opts []Option) callOptions {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithName sets the name of the key of the operation. The same name must always be used with tensors
// of the same shape and dtype, on every process.
//
// If not given, a name is synthesized from a per-process counter: see package keys for the
// hazards of implicit naming.
func WithName(name string) Option {
	return func(o *callOptions) {
		o.name = name
	}
}

// WithVersion sets the version of the operation, e.g. the training step. Default is 0.
func WithVersion(version int64) Option {
	return func(o *callOptions) {
		o.version = version
	}
}

// WithPriority sets the scheduling priority of the operation. Default is 0.
// For the local backend, higher priorities are started first.
func WithPriority(priority int32) Option {
	return func(o *callOptions) {
		o.priority = priority
	}
}
