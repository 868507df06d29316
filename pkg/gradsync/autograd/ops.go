// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autograd

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync"
	"github.com/gomlx/gradsync/pkg/core/shapes"
	"github.com/gomlx/gradsync/pkg/core/tensors"
)

// Parameter creates a node whose value is the caller's tensor t. The graph never frees t, but
// it can't be freed while a node is using it (FinalizeAll is deferred).
//
// It panics if t is nil or was finalized.
func Parameter(g *Graph, t *tensors.Tensor) *Node {
	if !t.Ok() {
		exceptions.Panicf("Parameter: tensor is nil or finalized")
	}
	return g.newNode(OpTypeParameter, t.Shape(), nil, func(_ *Node, _ []*tensors.Borrowed) (*tensors.Tensor, bool, error) {
		return t, false, nil
	})
}

// syncNode creates a push or pull node. Its key is resolved immediately, so unnamed nodes take their
// synthesized names in graph construction order: only the transfer waits for the input.
func syncNode(opType OpType, x *Node, opts []gradsync.Option, compute computeFn) *Node {
	g := x.graph
	g.checkOpen(opType)
	key, err := g.syncer.ResolveKey(x.shape, opts...)
	if err != nil {
		return g.newNode(opType, x.shape, nil, func(*Node, []*tensors.Borrowed) (*tensors.Tensor, bool, error) {
			return nil, false, err
		}, x)
	}
	opts = append(slices.Clone(opts), gradsync.WithName(string(key)))
	return g.newNode(opType, x.shape, opts, compute, x)
}

// Push the value of x to the aggregation tier, with the key and version given by opts.
// The value of the node is x's value, available once the push completes.
func Push(x *Node, opts ...gradsync.Option) *Node {
	return syncNode(OpTypePush, x, opts, pushCompute)
}

func pushCompute(node *Node, inputs []*tensors.Borrowed) (*tensors.Tensor, bool, error) {
	in := inputs[0].Tensor()
	handle, err := node.graph.syncer.Push(in, node.opts...)
	if err != nil {
		return nil, false, err
	}
	if err = handle.Wait(); err != nil {
		return nil, false, err
	}
	return in, false, nil
}

// Pull the aggregated value of the key and version given by opts into a new tensor shaped like x.
// The value of x is not used, only its shape, but the pull is only issued once x is computed.
func Pull(x *Node, opts ...gradsync.Option) *Node {
	return syncNode(OpTypePull, x, opts, pullCompute)
}

func pullCompute(node *Node, _ []*tensors.Borrowed) (*tensors.Tensor, bool, error) {
	out := tensors.FromShape(node.shape)
	handle, err := node.graph.syncer.Pull(out, node.opts...)
	if err == nil {
		err = handle.Wait()
	}
	return out, true, err
}

// PushPull pushes the value of x and pulls back the aggregated value, with the key and version given
// by opts. The value of x is not changed: the aggregated value goes into a new tensor.
func PushPull(x *Node, opts ...gradsync.Option) *Node {
	return syncNode(OpTypePushPull, x, opts, pushPullCompute)
}

func pushPullCompute(node *Node, inputs []*tensors.Borrowed) (*tensors.Tensor, bool, error) {
	out := inputs[0].Tensor().LocalClone()
	handle, err := node.graph.syncer.PushPull(out, node.opts...)
	if err == nil {
		err = handle.Wait()
	}
	return out, true, err
}

// Add returns the element-wise sum of a and b, which must have the same shape.
func Add(a, b *Node) *Node {
	if a.graph != b.graph {
		exceptions.Panicf("Add(%s, %s): nodes belong to different graphs", a, b)
	}
	if !a.shape.Equal(b.shape) {
		exceptions.Panicf("Add(%s, %s): shapes must match", a, b)
	}
	return a.graph.newNode(OpTypeAdd, a.shape, nil, addCompute, a, b)
}

func addCompute(_ *Node, inputs []*tensors.Borrowed) (*tensors.Tensor, bool, error) {
	out := inputs[0].Tensor().LocalClone()
	out.MutableFlatData(func(dst any) {
		inputs[1].ConstFlatData(func(src any) {
			tensors.AccumulateFlat(dst, src)
		})
	})
	return out, true, nil
}

// OnesLike returns a node filled with ones, with the shape of x. It doesn't depend on the value of x.
func OnesLike(x *Node) *Node {
	return constantLike(OpTypeOnesLike, x.graph, x.shape)
}

// ZerosLike returns a node filled with zeros, with the shape of x. It doesn't depend on the value of x.
func ZerosLike(x *Node) *Node {
	return constantLike(OpTypeZerosLike, x.graph, x.shape)
}

func constantLike(opType OpType, g *Graph, shape shapes.Shape) *Node {
	return g.newNode(opType, shape, nil, func(node *Node, _ []*tensors.Borrowed) (*tensors.Tensor, bool, error) {
		out := tensors.FromShape(node.shape)
		if opType == OpTypeOnesLike {
			out.MutableFlatData(func(flat any) {
				tensors.CopyFlat(flat, tensors.OnesFlat(node.shape.DType, node.shape.Size()))
			})
		}
		return out, true, nil
	})
}
