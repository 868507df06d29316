// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package keys implements the Key Registry: it maps names to the keys identifying logical tensor
// streams (e.g. one layer's gradient), and synthesizes names for unnamed tensors.
//
// A key must denote tensors of identical dtype and shape on every process of the synchronization
// group. Mismatches across processes can't be detected locally, but the Registry caches the shape of
// each key and rejects local reuse with a different shape with ErrKeyShapeMismatch.
//
// Implicit naming hazard: synthesized names come from a per-process counter, incremented on every
// unnamed push or pull. They only correspond across processes if every process issues its unnamed
// pushes and pulls in exactly the same order. A divergent call order silently pairs unrelated tensors
// (or, with different shapes, fails remotely). Name tensors explicitly whenever the call order is not
// fully deterministic.
package keys

import (
	"fmt"
	"sync"

	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrKeyShapeMismatch is returned when a key is reused with a different shape or dtype in the same process.
var ErrKeyShapeMismatch = errors.New("key reused with a different shape or dtype")

// DefaultPrefix is the prefix of synthesized names, followed by the counter value.
const DefaultPrefix = "gradsync.Parameter."

// Key identifies one logical tensor exchanged across processes.
type Key string

// Entry is the information the Registry keeps about a Key.
type Entry struct {
	Key Key

	// ID is the declared id of the key: keys get consecutive ids, starting at 0, in order of first use.
	ID int

	// Shape last seen (and enforced) for the key.
	Shape shapes.Shape

	// Synthesized is true if the key name was generated from the counter.
	Synthesized bool
}

// Registry of keys. It is safe for concurrent use.
type Registry struct {
	prefix string

	mu      sync.Mutex
	counter int
	entries map[Key]*Entry
	order   []Key
}

// New creates a Registry that synthesizes names with the given prefix (DefaultPrefix if empty).
func New(prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{
		prefix:  prefix,
		entries: make(map[Key]*Entry),
	}
}

// Declare resolves the given name to its Key, interning it on first use.
//
// It returns the key and its declared id, or ErrKeyShapeMismatch if the name was previously used with
// a different shape.
func (r *Registry) Declare(name string, shape shapes.Shape) (Key, int, error) {
	if name == "" {
		return "", 0, errors.New("key name cannot be empty, use Synthesize for unnamed tensors")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, err := r.lockedDeclare(Key(name), shape, false)
	if err != nil {
		return "", 0, err
	}
	return entry.Key, entry.ID, nil
}

// Synthesize creates a key for an unnamed tensor, from the prefix and the counter, and increments the counter.
//
// The counter is incremented even if the declaration fails.
func (r *Registry) Synthesize(shape shapes.Shape) (Key, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key(fmt.Sprintf("%s%d", r.prefix, r.counter))
	r.counter++
	entry, err := r.lockedDeclare(key, shape, true)
	if err != nil {
		return "", 0, err
	}
	return entry.Key, entry.ID, nil
}

func (r *Registry) lockedDeclare(key Key, shape shapes.Shape, synthesized bool) (*Entry, error) {
	entry, found := r.entries[key]
	if !found {
		entry = &Entry{Key: key, ID: len(r.order), Shape: shape.Clone(), Synthesized: synthesized}
		r.entries[key] = entry
		r.order = append(r.order, key)
		klog.V(2).Infof("declared key %q (id=%d, shape=%s)", key, entry.ID, shape)
		return entry, nil
	}
	if !entry.Shape.Equal(shape) {
		return nil, errors.Wrapf(ErrKeyShapeMismatch, "key %q declared with shape %s, now used with shape %s",
			key, entry.Shape, shape)
	}
	return entry, nil
}

// Lookup returns the entry for the given key.
func (r *Registry) Lookup(key Key) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, found := r.entries[key]
	if !found {
		return Entry{}, false
	}
	return *entry, true
}

// Keys returns all keys in order of declaration.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Key(nil), r.order...)
}

// Counter returns the current value of the name counter: the number of keys synthesized so far.
func (r *Registry) Counter() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counter
}

// Reset forgets all keys and resets the counter. It should only be used on a full shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counter = 0
	r.entries = make(map[Key]*Entry)
	r.order = nil
}
