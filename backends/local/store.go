// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrStoreClosed is returned for operations on a closed Store, including pulls waiting for a round.
	ErrStoreClosed = errors.New("aggregation store closed")

	// ErrShapeMismatch is returned when workers push tensors of different shapes (or dtypes) under the same key.
	ErrShapeMismatch = errors.New("shape mismatch across workers")

	// ErrRoundComplete is returned when a push goes to a round that already received all contributions:
	// more workers than the Store was created for are pushing to the same (key, version).
	ErrRoundComplete = errors.New("round already complete")

	// ErrRoundEvicted is returned when pulling a completed round that is no longer retained.
	ErrRoundEvicted = errors.New("round no longer retained")
)

// DefaultRetainRounds is the default number of completed rounds a Store keeps available for pulling.
const DefaultRetainRounds = 1024

// streamKey identifies the sequence of rounds of one (key, version).
type streamKey struct {
	key     string
	version int64
}

// roundKey identifies one round: a generation of a (key, version) stream.
type roundKey struct {
	key        string
	version    int64
	generation int64
}

func (rk roundKey) String() string {
	return fmt.Sprintf("%q/v%d#%d", rk.key, rk.version, rk.generation)
}

// round of aggregation for one (key, version, generation).
type round struct {
	flat          any // Accumulated sum, immutable once done is closed.
	contributions int
	done          chan struct{}
}

// workerPosition of one worker in a stream: its n-th push contributes to generation base+n, and its
// n-th pull reads generation base+n.
type workerPosition struct {
	base, pushes, pulls int64
}

// stream of rounds of one (key, version). Reusing a (key, version), e.g. always pushing with the
// default version 0, opens a new generation for every step.
type stream struct {
	generations int64              // Number of generations created.
	open        map[int64]struct{} // Generations not yet complete.
	workers     map[string]*workerPosition
}

// oldestOpen returns the oldest generation not yet complete, or the next one to be created.
func (st *stream) oldestOpen() int64 {
	oldest := st.generations
	for gen := range st.open {
		oldest = min(oldest, gen)
	}
	return oldest
}

// position returns the position of worker, starting new workers at the oldest open generation.
func (st *stream) position(worker string) *workerPosition {
	pos, found := st.workers[worker]
	if !found {
		pos = &workerPosition{base: st.oldestOpen()}
		st.workers[worker] = pos
	}
	return pos
}

// Store is an in-process aggregation tier: it sums the tensors pushed by numWorkers workers for each
// (key, version) round, and serves the sum to pulls once every worker contributed.
//
// A (key, version) can be reused: each worker's n-th push to it contributes to the n-th round
// (generation) of the (key, version), and its n-th pull reads the n-th round. Workers are identified
// by an arbitrary string, e.g. a session id. A worker seen for the first time on a (key, version)
// starts at its oldest round not yet complete.
//
// It is safe for concurrent use. A Store can be shared by many local Backend instances (one per
// simulated worker) or served over the network by the remote package.
type Store struct {
	numWorkers int

	mu        sync.Mutex
	keyShapes map[string]shapes.Shape
	streams   *lru.Cache[streamKey, *stream]
	pending   map[roundKey]*round
	completed *lru.Cache[roundKey, *round]

	// evicted remembers recently evicted rounds, so late pulls fail instead of waiting forever.
	evicted *lru.Cache[roundKey, struct{}]

	closed    chan struct{}
	closeOnce sync.Once
}

// NewStore creates a Store that aggregates contributions from numWorkers workers, retaining up to
// retainRounds completed rounds (DefaultRetainRounds if <= 0).
func NewStore(numWorkers, retainRounds int) *Store {
	if numWorkers <= 0 {
		exceptions.Panicf("local.NewStore(numWorkers=%d): needs at least one worker", numWorkers)
	}
	if retainRounds <= 0 {
		retainRounds = DefaultRetainRounds
	}
	s := &Store{
		numWorkers: numWorkers,
		keyShapes:  make(map[string]shapes.Shape),
		pending:    make(map[roundKey]*round),
		closed:     make(chan struct{}),
	}
	var err error
	s.evicted, err = lru.New[roundKey, struct{}](evictedMemoryFactor * retainRounds)
	if err != nil {
		panic(errors.Wrapf(err, "failed to create cache of evicted rounds"))
	}
	s.completed, err = lru.NewWithEvict[roundKey, *round](retainRounds, func(rk roundKey, _ *round) {
		s.evicted.Add(rk, struct{}{})
		klog.V(3).Infof("aggregation round %s evicted", rk)
	})
	if err != nil {
		panic(errors.Wrapf(err, "failed to create cache of completed rounds"))
	}
	s.streams, err = lru.New[streamKey, *stream](evictedMemoryFactor * retainRounds)
	if err != nil {
		panic(errors.Wrapf(err, "failed to create cache of streams"))
	}
	return s
}

// evictedMemoryFactor is how many more evicted rounds are remembered than completed rounds retained.
const evictedMemoryFactor = 4

// NumWorkers returns the number of contributions needed to complete a round.
func (s *Store) NumWorkers() int { return s.numWorkers }

// NumPendingRounds returns the number of rounds still waiting for contributions.
func (s *Store) NumPendingRounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Store) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// lockedCheckShape validates that key is always used with the same shape.
func (s *Store) lockedCheckShape(key string, shape shapes.Shape) error {
	known, found := s.keyShapes[key]
	if !found {
		s.keyShapes[key] = shape.Clone()
		return nil
	}
	if !known.Equal(shape) {
		return errors.Wrapf(ErrShapeMismatch, "key %q used with shape %s and %s", key, known, shape)
	}
	return nil
}

// lockedStream returns the stream of (key, version), creating it if needed.
//
// A stream forgotten by the cache restarts after its last generation still remembered as complete.
func (s *Store) lockedStream(key string, version int64) *stream {
	sk := streamKey{key, version}
	st, found := s.streams.Get(sk)
	if found {
		return st
	}
	st = &stream{open: make(map[int64]struct{}), workers: make(map[string]*workerPosition)}
	for {
		rk := roundKey{key, version, st.generations}
		if _, pending := s.pending[rk]; pending {
			st.open[st.generations] = struct{}{}
		} else if !s.completed.Contains(rk) && !s.evicted.Contains(rk) {
			break
		}
		st.generations++
	}
	s.streams.Add(sk, st)
	return st
}

// lockedRound returns the round rk, creating it if needed. complete is true if the round already
// received all its contributions.
func (s *Store) lockedRound(rk roundKey) (r *round, complete bool, err error) {
	if done, found := s.completed.Get(rk); found {
		return done, true, nil
	}
	if s.evicted.Contains(rk) {
		return nil, true, errors.Wrapf(ErrRoundEvicted, "round %s", rk)
	}
	if r = s.pending[rk]; r != nil {
		return r, false, nil
	}
	st := s.lockedStream(rk.key, rk.version)
	r = &round{done: make(chan struct{})}
	s.pending[rk] = r
	st.open[rk.generation] = struct{}{}
	st.generations = max(st.generations, rk.generation+1)
	return r, false, nil
}

// Push contributes flat (a flat slice of shape's dtype) from worker to the next round of (key, version)
// of that worker. The values are copied, flat can be reused once Push returns.
func (s *Store) Push(worker, key string, version int64, shape shapes.Shape, flat any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return errors.WithStack(ErrStoreClosed)
	}
	if err := s.lockedCheckShape(key, shape); err != nil {
		return err
	}
	st := s.lockedStream(key, version)
	pos := st.position(worker)
	rk := roundKey{key, version, pos.base + pos.pushes}
	r, complete, err := s.lockedRound(rk)
	if err == nil && complete {
		err = errors.Wrapf(ErrRoundComplete, "push to key %q version %d by worker %q", key, version, worker)
	}
	if err != nil {
		return err
	}
	err = exceptions.TryCatch[error](func() {
		if r.flat == nil {
			r.flat = tensors.CloneFlat(flat)
		} else {
			tensors.AccumulateFlat(r.flat, flat)
		}
	})
	if err != nil {
		return errors.WithMessagef(err, "push to key %q version %d", key, version)
	}
	pos.pushes++
	r.contributions++
	if r.contributions == s.numWorkers {
		delete(s.pending, rk)
		delete(st.open, rk.generation)
		s.completed.Add(rk, r)
		close(r.done)
		klog.V(2).Infof("aggregation round %s complete (%d contributions)", rk, r.contributions)
	}
	return nil
}

// NextPull assigns to worker the round its next pull of (key, version) reads, and returns its generation.
// Use Aggregated to wait for it.
func (s *Store) NextPull(worker, key string, version int64, shape shapes.Shape) (generation int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return 0, errors.WithStack(ErrStoreClosed)
	}
	if err = s.lockedCheckShape(key, shape); err != nil {
		return 0, err
	}
	pos := s.lockedStream(key, version).position(worker)
	generation = pos.base + pos.pulls
	pos.pulls++
	return generation, nil
}

// Aggregated waits for the round (key, version, generation) to complete and returns the aggregated
// flat values. The returned slice must not be modified.
//
// It returns early with the context error if ctx is done, or ErrStoreClosed if the store is closed.
func (s *Store) Aggregated(ctx context.Context, key string, version, generation int64) (flat any, err error) {
	s.mu.Lock()
	if s.isClosed() {
		s.mu.Unlock()
		return nil, errors.WithStack(ErrStoreClosed)
	}
	r, _, err := s.lockedRound(roundKey{key, version, generation})
	s.mu.Unlock()
	if err != nil {
		return nil, errors.WithMessagef(err, "pull of key %q version %d", key, version)
	}

	select {
	case <-r.done:
		return r.flat, nil
	case <-s.closed:
		return nil, errors.WithStack(ErrStoreClosed)
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// Pull reads, for worker, the aggregated values of its next round of (key, version): it combines
// NextPull and Aggregated.
func (s *Store) Pull(ctx context.Context, worker, key string, version int64, shape shapes.Shape) (flat any, err error) {
	generation, err := s.NextPull(worker, key, version, shape)
	if err != nil {
		return nil, err
	}
	return s.Aggregated(ctx, key, version, generation)
}

// Close the store: pending and future operations fail with ErrStoreClosed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.closed)
	})
}
