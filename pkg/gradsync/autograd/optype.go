// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autograd

import "fmt"

// OpType of a graph node.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeParameter
	OpTypePush
	OpTypePull
	OpTypePushPull
	OpTypeAdd
	OpTypeOnesLike
	OpTypeZerosLike
)

var opTypeNames = []string{
	OpTypeInvalid:   "Invalid",
	OpTypeParameter: "Parameter",
	OpTypePush:      "Push",
	OpTypePull:      "Pull",
	OpTypePushPull:  "PushPull",
	OpTypeAdd:       "Add",
	OpTypeOnesLike:  "OnesLike",
	OpTypeZerosLike: "ZerosLike",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || int(op) >= len(opTypeNames) {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}
