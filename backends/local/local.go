// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package local implements an in-process execution backend: requests are aggregated by a Store living
// in the same process, so a full synchronization group of workers can be simulated without any network.
//
// Each Backend is one worker. Pushes and pulls go into two separate queues, ordered by priority (higher
// first, FIFO among equal priorities), each drained by its own loop goroutine onto a pool of workers.
// Completion order is not FIFO per key.
package local

import (
	"container/heap"
	"context"
	"strconv"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/backends"
	"github.com/gomlx/gradsync/internal/workerspool"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in GRADSYNC_BACKEND to specify this backend.
const BackendName = "local"

// Registers New() as the constructor for the "local" backend.
func init() {
	backends.Register(BackendName, New)
}

var (
	defaultStore     *Store
	defaultStoreOnce sync.Once
)

// DefaultStore returns the process-wide single-worker Store used by backends created with New.
func DefaultStore() *Store {
	defaultStoreOnce.Do(func() {
		defaultStore = NewStore(1, DefaultRetainRounds)
	})
	return defaultStore
}

// New constructs a local Backend attached to DefaultStore, that is, a synchronization group of one.
// The config, if given, is the maximum number of pushes transferred in parallel.
func New(config string) (backends.Backend, error) {
	opts := Options{}
	if config != "" {
		parallelism, err := strconv.Atoi(config)
		if err != nil {
			return nil, errors.Wrapf(err, "local backend configuration must be the push parallelism, got %q", config)
		}
		opts.PushParallelism = parallelism
	}
	return NewWithStore(DefaultStore(), opts), nil
}

// Options for a local Backend.
type Options struct {
	// PushParallelism is the maximum number of pushes transferred in parallel.
	// 0 means runtime.NumCPU(), negative means unlimited.
	PushParallelism int

	// PullParallelism is the maximum number of pulls in flight (most of them simply wait for their round).
	// 0 means unlimited.
	PullParallelism int

	// Worker identifies this worker to the Store. Defaults to a random UUID.
	Worker string
}

// Backend is one worker of a local synchronization group. It implements backends.Backend.
type Backend struct {
	store  *Store
	worker string
	pools  [2]*workerspool.Pool

	mu        sync.Mutex
	cond      *sync.Cond // Signaled when tasks are queued or the backend is finalized.
	queues    [2]taskQueue
	nextSeq   uint64
	finalized bool
	failures  map[string]error

	ctx       context.Context
	cancel    context.CancelFunc
	loopsDone sync.WaitGroup
}

// Compile-time check that local.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// NewWithStore creates a worker Backend that aggregates through store.
func NewWithStore(store *Store, opts Options) *Backend {
	pullParallelism := opts.PullParallelism
	if pullParallelism == 0 {
		pullParallelism = -1
	}
	b := &Backend{
		store:    store,
		worker:   opts.Worker,
		failures: make(map[string]error),
	}
	if b.worker == "" {
		b.worker = uuid.NewString()
	}
	b.pools[backends.Push] = workerspool.New(opts.PushParallelism)
	b.pools[backends.Pull] = workerspool.New(pullParallelism)
	b.cond = sync.NewCond(&b.mu)
	b.ctx, b.cancel = context.WithCancel(context.Background())
	for _, direction := range []backends.Direction{backends.Push, backends.Pull} {
		b.loopsDone.Add(1)
		go b.loop(direction)
	}
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "In-process aggregation (" + strconv.Itoa(b.store.NumWorkers()) + " workers)"
}

// Worker returns the identity of this worker in the Store.
func (b *Backend) Worker() string { return b.worker }

// Store returns the aggregation store used by the backend.
func (b *Backend) Store() *Store { return b.store }

// SetFailure makes every future request for key fail with err, without reaching the Store.
// A nil err removes the failure.
func (b *Backend) SetFailure(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, key)
		return
	}
	b.failures[key] = err
}

// Submit implements backends.Backend.
func (b *Backend) Submit(req *backends.Request, done backends.Callback) error {
	if req == nil || req.Buffer == nil || done == nil {
		return errors.New("local backend: request, buffer and callback must be given")
	}
	if req.Direction != backends.Push && req.Direction != backends.Pull {
		return errors.Errorf("local backend: invalid direction %s", req.Direction)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return errors.WithStack(backends.ErrFinalized)
	}
	tk := &task{req: req, done: done, seq: b.nextSeq}
	b.nextSeq++
	heap.Push(&b.queues[req.Direction], tk)
	b.cond.Broadcast()
	klog.V(3).Infof("local backend: queued %s of %q (version=%d, priority=%d)", req.Direction, req.Key, req.Version, req.Priority)
	return nil
}

// loop drains the queue of the given direction, highest priority first.
func (b *Backend) loop(direction backends.Direction) {
	defer b.loopsDone.Done()
	for {
		b.mu.Lock()
		for !b.finalized && b.queues[direction].Len() == 0 {
			b.cond.Wait()
		}
		if b.finalized {
			b.mu.Unlock()
			return
		}
		tk := heap.Pop(&b.queues[direction]).(*task)
		b.mu.Unlock()
		b.pools[direction].WaitToStart(func() { b.run(tk) })
	}
}

// run executes one task on a worker goroutine.
func (b *Backend) run(tk *task) {
	req := tk.req
	b.mu.Lock()
	err := b.failures[req.Key]
	b.mu.Unlock()
	if err == nil && b.ctx.Err() != nil {
		err = errors.Wrapf(backends.ErrFinalized, "%s of %q never started", req.Direction, req.Key)
	}
	if err == nil {
		var transferErr error
		err = exceptions.TryCatch[error](func() {
			if req.Direction == backends.Push {
				transferErr = b.push(req)
			} else {
				transferErr = b.pull(req)
			}
		})
		if err == nil {
			err = transferErr
		}
		if err != nil && b.ctx.Err() != nil {
			err = errors.Wrapf(backends.ErrFinalized, "%s of %q interrupted: %v", req.Direction, req.Key, err)
		}
	}
	if err == nil {
		klog.V(2).Infof("Finish %sing tensor: %s", req.Direction, req.Key)
	}
	tk.done(err)
}

func (b *Backend) push(req *backends.Request) (err error) {
	req.Buffer.ConstFlatData(func(flat any) {
		err = b.store.Push(b.worker, req.Key, req.Version, req.Shape, flat)
	})
	return
}

func (b *Backend) pull(req *backends.Request) error {
	aggregated, err := b.store.Pull(b.ctx, b.worker, req.Key, req.Version, req.Shape)
	if err != nil {
		return err
	}
	req.Buffer.MutableFlatData(func(flat any) {
		tensors.CopyFlat(flat, aggregated)
	})
	return nil
}

// NumQueued returns the number of requests waiting to be started, per direction.
func (b *Backend) NumQueued(direction backends.Direction) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[direction].Len()
}

// Finalize implements backends.Backend. It interrupts pulls still waiting for their rounds, waits for
// running transfers to stop and fails every queued request with backends.ErrFinalized.
// The Store is not closed, other workers may still be using it.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	b.cancel()
	b.cond.Broadcast()
	b.mu.Unlock()

	b.loopsDone.Wait()
	for _, pool := range b.pools {
		pool.Wait()
	}

	b.mu.Lock()
	var queued []*task
	for ii := range b.queues {
		queued = append(queued, b.queues[ii]...)
		b.queues[ii] = nil
	}
	b.mu.Unlock()
	for _, tk := range queued {
		tk.done(errors.Wrapf(backends.ErrFinalized, "%s of %q never started", tk.req.Direction, tk.req.Key))
	}
	klog.V(1).Infof("local backend finalized, %d queued requests failed", len(queued))
}

// task is one queued request.
type task struct {
	req  *backends.Request
	done backends.Callback
	seq  uint64
}

// taskQueue implements heap.Interface: highest priority first, then lowest sequence number.
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority > q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	tk := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return tk
}
