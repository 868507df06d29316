// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autograd

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// This file implements reverse-mode automatic differentiation using VJPs (Vector Jacobian Products).
//
// The gradient nodes are regular nodes, appended to the same graph: they compute asynchronously like
// the forward ones, and a VJP may itself push or pull (see VJPRegistration).

// VJP returns the adjoint of each input of node, given the adjoint v of node's output.
// A nil adjoint means no gradient flows to that input.
type VJP func(node, v *Node) []*Node

// VJPRegistration maps each op type to its VJP. It can be changed, e.g. to synchronize gradients
// flowing back through a Pull:
//
//	autograd.VJPRegistration[autograd.OpTypePull] = func(node, v *autograd.Node) []*autograd.Node {
//		return []*autograd.Node{autograd.PushPull(v, gradsync.WithName("pull.grad"))}
//	}
var VJPRegistration = map[OpType]VJP{
	OpTypeParameter: nilVJP,
	OpTypePush:      identityVJP,
	OpTypePull:      identityVJP,
	OpTypePushPull:  identityVJP,
	OpTypeAdd:       addVJP,
	OpTypeOnesLike:  nilVJP,
	OpTypeZerosLike: nilVJP,
}

func nilVJP(node, _ *Node) []*Node {
	return make([]*Node, len(node.inputs))
}

func identityVJP(_, v *Node) []*Node {
	return []*Node{v}
}

func addVJP(_, v *Node) []*Node {
	return []*Node{v, v}
}

// Gradient creates the nodes with the gradient of the sum of the elements of output with respect to
// each of the wrt nodes. Nodes with no path to output get a zero gradient.
//
// It returns an error if the nodes are not all from the same graph, or if a node in the path has no
// registered VJP.
func Gradient(output *Node, wrt ...*Node) (gradients []*Node, err error) {
	if output == nil {
		return nil, errors.New("Gradient: output node is nil")
	}
	g := output.graph
	for ii, node := range wrt {
		if node == nil || node.graph != g {
			return nil, errors.Errorf("Gradient: wrt node #%d is nil or belongs to a different graph", ii)
		}
	}
	err = exceptions.TryCatch[error](func() {
		gradients = gradient(g, output, wrt)
	})
	if err != nil {
		return nil, err
	}
	return gradients, nil
}

func gradient(g *Graph, output *Node, wrt []*Node) []*Node {
	// Only nodes up to output are relevant: later nodes can't be among its inputs.
	nodes := g.Nodes()[:output.id+1]

	// useful[id] is true if the node depends on one of the wrt nodes.
	useful := make([]bool, len(nodes))
	for _, node := range wrt {
		if node.id < len(useful) {
			useful[node.id] = true
		}
	}
	for _, node := range nodes {
		for _, input := range node.inputs {
			if useful[input.id] {
				useful[node.id] = true
				break
			}
		}
	}

	adjoints := make([]*Node, len(nodes))
	adjoints[output.id] = OnesLike(output)
	for id := output.id; id >= 0; id-- {
		node, v := nodes[id], adjoints[id]
		if v == nil || len(node.inputs) == 0 || !useful[id] {
			continue
		}
		vjpFn, found := VJPRegistration[node.opType]
		if !found {
			exceptions.Panicf("Gradient: no VJP registered for %s", node)
		}
		inputAdjoints := vjpFn(node, v)
		if len(inputAdjoints) != len(node.inputs) {
			exceptions.Panicf("Gradient: VJP of %s returned %d adjoints for %d inputs",
				node, len(inputAdjoints), len(node.inputs))
		}
		for ii, input := range node.inputs {
			adjoint := inputAdjoints[ii]
			if adjoint == nil || !useful[input.id] {
				continue
			}
			if !adjoint.shape.Equal(input.shape) {
				exceptions.Panicf("Gradient: VJP of %s returned adjoint shaped %s for input #%d shaped %s",
					node, adjoint.shape, ii, input.shape)
			}
			if adjoints[input.id] == nil {
				adjoints[input.id] = adjoint
			} else {
				adjoints[input.id] = Add(adjoints[input.id], adjoint)
			}
		}
	}

	gradients := make([]*Node, len(wrt))
	for ii, node := range wrt {
		if node.id < len(adjoints) && adjoints[node.id] != nil {
			gradients[ii] = adjoints[node.id]
		} else {
			gradients[ii] = ZerosLike(node)
		}
	}
	return gradients
}
