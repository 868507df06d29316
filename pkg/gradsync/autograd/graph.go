// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autograd embeds push and pull in an asynchronous computation graph.
//
// Nodes are created without blocking: each one computes its value in its own goroutine, as soon as
// its inputs are ready. So issuing a push or pull while building the graph (e.g. during the backward
// pass) never waits on the network, and nodes consuming the result of a pull are suspended until the
// pull completes.
//
// Gradients flow through Push, Pull and PushPull nodes like through any other node, see Gradient.
//
// Ownership: the graph owns the tensors it allocates (the results of Pull, PushPull, Add, OnesLike
// and ZerosLike), and every node holds a borrow of its inputs' values while it computes, so no
// buffer can be freed while an operation uses it. Graph.Finalize waits for every node to complete
// before freeing the owned tensors. Tensors given to Parameter remain owned by the caller.
package autograd

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
	"github.com/gomlx/gradsync/pkg/gradsync/keys"
	"github.com/gomlx/gradsync/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Syncer resolves the keys and submits the push and pull operations of the graph. It is implemented
// by *gradsync.Session.
type Syncer interface {
	ResolveKey(shape shapes.Shape, opts ...gradsync.Option) (keys.Key, error)
	Push(t *tensors.Tensor, opts ...gradsync.Option) (*gradsync.Handle, error)
	Pull(t *tensors.Tensor, opts ...gradsync.Option) (*gradsync.Handle, error)
	PushPull(t *tensors.Tensor, opts ...gradsync.Option) (*gradsync.Handle, error)
}

// Graph of asynchronously computed nodes. Nodes are appended in creation order, so every node's
// inputs have lower ids than the node itself.
type Graph struct {
	syncer Syncer

	mu        sync.Mutex
	nodes     []*Node
	finalized bool
}

// NewGraph creates an empty Graph whose push and pull nodes are submitted to syncer.
// Use gradsync.Default() for the process-wide Session.
func NewGraph(syncer Syncer) *Graph {
	return &Graph{syncer: syncer}
}

// Syncer used by the graph.
func (g *Graph) Syncer() Syncer { return g.syncer }

// NumNodes returns the number of nodes created so far.
func (g *Graph) NumNodes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Nodes returns a snapshot of the nodes of the graph, in creation order.
func (g *Graph) Nodes() []*Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Node(nil), g.nodes...)
}

// Wait for all nodes to complete, and return the first error in creation order.
func (g *Graph) Wait() error {
	for _, node := range g.Nodes() {
		if err := node.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Finalize waits for all nodes to complete, and then frees the tensors owned by the graph.
// The graph can't be used afterward, and values of its nodes are no longer valid.
//
// Notice it blocks while a pull is waiting for the aggregation, until it completes or the Session is
// shut down.
func (g *Graph) Finalize() {
	g.mu.Lock()
	if g.finalized {
		g.mu.Unlock()
		return
	}
	g.finalized = true
	nodes := g.nodes
	g.mu.Unlock()

	for _, node := range nodes {
		_ = node.Wait()
	}
	var numFreed int
	for _, node := range nodes {
		result, _ := node.result.Value()
		if result.owned && result.value != nil {
			result.value.FinalizeAll()
			numFreed++
		}
	}
	klog.V(2).Infof("autograd graph finalized: %d nodes, %d owned tensors freed", len(nodes), numFreed)
}

// computeFn calculates the value of a node given its borrowed inputs' values.
// If owned is true the returned tensor was allocated by the node, and is freed by Graph.Finalize.
type computeFn func(node *Node, inputs []*tensors.Borrowed) (value *tensors.Tensor, owned bool, err error)

type nodeResult struct {
	value *tensors.Tensor
	owned bool
	err   error
}

// Node of the graph: its value is computed asynchronously.
type Node struct {
	graph  *Graph
	id     int
	opType OpType
	shape  shapes.Shape
	inputs []*Node

	// opts of the push/pull operation, if any.
	opts []gradsync.Option

	result *xsync.LatchWithValue[nodeResult]
}

// newNode appends a node to the graph and starts its computation.
func (g *Graph) newNode(opType OpType, shape shapes.Shape, opts []gradsync.Option, compute computeFn, inputs ...*Node) *Node {
	for ii, input := range inputs {
		if input == nil {
			exceptions.Panicf("%s: input #%d is nil", opType, ii)
		}
		if input.graph != g {
			exceptions.Panicf("%s: input #%d (%s) belongs to a different graph", opType, ii, input)
		}
	}
	node := &Node{
		graph:  g,
		opType: opType,
		shape:  shape.Clone(),
		inputs: inputs,
		opts:   opts,
		result: xsync.NewLatchWithValue[nodeResult](),
	}
	g.mu.Lock()
	if g.finalized {
		g.mu.Unlock()
		exceptions.Panicf("%s: graph already finalized", opType)
	}
	node.id = len(g.nodes)
	g.nodes = append(g.nodes, node)
	g.mu.Unlock()
	go node.run(compute)
	return node
}

// checkOpen panics if the graph was finalized.
func (g *Graph) checkOpen(opType OpType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finalized {
		exceptions.Panicf("%s: graph already finalized", opType)
	}
}

// run waits for the inputs, borrows their values and computes the node.
func (n *Node) run(compute computeFn) {
	borrows := make([]*tensors.Borrowed, 0, len(n.inputs))
	releaseAll := func() {
		for _, b := range borrows {
			b.Release()
		}
	}
	for ii, input := range n.inputs {
		value, err := input.Value()
		if err == nil {
			var b *tensors.Borrowed
			b, err = value.Borrow()
			if err != nil {
				err = errors.Wrapf(gradsync.ErrInvalidHandle, "value of %s: %v", input, err)
			} else {
				borrows = append(borrows, b)
			}
		}
		if err != nil {
			releaseAll()
			n.result.Trigger(nodeResult{err: errors.WithMessagef(err, "input #%d of %s", ii, n)})
			return
		}
	}

	var result nodeResult
	err := exceptions.TryCatch[error](func() {
		result.value, result.owned, result.err = compute(n, borrows)
	})
	if err != nil {
		result = nodeResult{err: errors.WithMessagef(err, "computing %s", n)}
	}
	releaseAll()
	if result.err != nil && result.owned && result.value != nil {
		result.value.FinalizeAll()
		result.value = nil
	}
	if result.err != nil {
		klog.V(2).Infof("autograd: %s failed: %v", n, result.err)
	}
	n.result.Trigger(result)
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Id of the node: its position in the graph.
func (n *Node) Id() int { return n.id }

// Type of the node's operation.
func (n *Node) Type() OpType { return n.opType }

// Shape of the node's value, known when the node is created.
func (n *Node) Shape() shapes.Shape { return n.shape }

// Inputs of the node.
func (n *Node) Inputs() []*Node { return n.inputs }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("#%d %s%s", n.id, n.opType, n.shape)
}

// Value waits for the node to be computed, and returns its value or its error.
//
// The tensor must not be freed by the caller if owned by the graph, and it is only valid until Graph.Finalize.
func (n *Node) Value() (*tensors.Tensor, error) {
	result := n.result.Wait()
	return result.value, result.err
}

// Wait for the node to be computed, and return its error.
func (n *Node) Wait() error {
	return n.result.Wait().err
}

// Done returns a channel closed when the node is computed.
func (n *Node) Done() <-chan struct{} { return n.result.WaitChan() }
