// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// NodeType identifies the operation of a Node.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota
	NodeTypeParameter
	NodeTypeConstant
	NodeTypeBatchSize
	NodeTypeIdentity

	// Element-wise binary operations.
	NodeTypeAdd
	NodeTypeSub
	NodeTypeMul
	NodeTypeDiv
	NodeTypePow
	NodeTypeMax
	NodeTypeGreaterOrEqual

	// Element-wise unary operations.
	NodeTypeNeg
	NodeTypeAbs
	NodeTypeSign
	NodeTypeExp
	NodeTypeLog
	NodeTypeSqrt
	NodeTypeSin
	NodeTypeCos
	NodeTypeTanh
	NodeTypeLogistic

	NodeTypeWhere
	NodeTypeReduceSum
	NodeTypeReduceMax
	NodeTypeReshape
	NodeTypeConcatenate
	NodeTypeSlice
	NodeTypePad
	NodeTypeBroadcast
	NodeTypeDot
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeInvalid:        "Invalid",
	NodeTypeParameter:      "Parameter",
	NodeTypeConstant:       "Constant",
	NodeTypeBatchSize:      "BatchSize",
	NodeTypeIdentity:       "Identity",
	NodeTypeAdd:            "Add",
	NodeTypeSub:            "Sub",
	NodeTypeMul:            "Mul",
	NodeTypeDiv:            "Div",
	NodeTypePow:            "Pow",
	NodeTypeMax:            "Max",
	NodeTypeGreaterOrEqual: "GreaterOrEqual",
	NodeTypeNeg:            "Neg",
	NodeTypeAbs:            "Abs",
	NodeTypeSign:           "Sign",
	NodeTypeExp:            "Exp",
	NodeTypeLog:            "Log",
	NodeTypeSqrt:           "Sqrt",
	NodeTypeSin:            "Sin",
	NodeTypeCos:            "Cos",
	NodeTypeTanh:           "Tanh",
	NodeTypeLogistic:       "Logistic",
	NodeTypeWhere:          "Where",
	NodeTypeReduceSum:      "ReduceSum",
	NodeTypeReduceMax:      "ReduceMax",
	NodeTypeReshape:        "Reshape",
	NodeTypeConcatenate:    "Concatenate",
	NodeTypeSlice:          "Slice",
	NodeTypePad:            "Pad",
	NodeTypeBroadcast:      "Broadcast",
	NodeTypeDot:            "Dot",
}

// String implements fmt.Stringer.
func (t NodeType) String() string {
	if name, found := nodeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}
