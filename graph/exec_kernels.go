// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/types/tensors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// parallelFor runs fn over [0, n), split among the executor workers if n is large enough.
func parallelFor(n int, fn func(start, end int)) {
	if n < 2*minParallelChunk {
		fn(0, n)
		return
	}
	executorPool.ParallelFor(n, minParallelChunk, fn)
}

// broadcastStep returns 1 if the operand has one value per output element, or 0 if it's a broadcast scalar.
func broadcastStep(operand, out []float64) int {
	if len(operand) == len(out) {
		return 1
	}
	return 0
}

func binaryFn(op NodeType) func(x, y float64) float64 {
	switch op {
	case NodeTypeAdd:
		return func(x, y float64) float64 { return x + y }
	case NodeTypeSub:
		return func(x, y float64) float64 { return x - y }
	case NodeTypeMul:
		return func(x, y float64) float64 { return x * y }
	case NodeTypeDiv:
		return func(x, y float64) float64 { return x / y }
	case NodeTypePow:
		return math.Pow
	case NodeTypeMax:
		return math.Max
	case NodeTypeGreaterOrEqual:
		return func(x, y float64) float64 {
			if x >= y {
				return 1
			}
			return 0
		}
	}
	exceptions.Panicf("no binary executor for %s", op)
	return nil
}

func execBinary(op NodeType, x, y, out *tensors.Tensor) {
	xFlat, yFlat, outFlat := x.Flat(), y.Flat(), out.Flat()
	if len(xFlat) == len(outFlat) && len(yFlat) == len(outFlat) {
		switch op {
		case NodeTypeAdd:
			floats.AddTo(outFlat, xFlat, yFlat)
			return
		case NodeTypeSub:
			floats.SubTo(outFlat, xFlat, yFlat)
			return
		case NodeTypeMul:
			floats.MulTo(outFlat, xFlat, yFlat)
			return
		case NodeTypeDiv:
			floats.DivTo(outFlat, xFlat, yFlat)
			return
		}
	}
	fn := binaryFn(op)
	xStep, yStep := broadcastStep(xFlat, outFlat), broadcastStep(yFlat, outFlat)
	parallelFor(len(outFlat), func(start, end int) {
		for ii := start; ii < end; ii++ {
			outFlat[ii] = fn(xFlat[ii*xStep], yFlat[ii*yStep])
		}
	})
}

func unaryFn(op NodeType) func(x float64) float64 {
	switch op {
	case NodeTypeNeg:
		return func(x float64) float64 { return -x }
	case NodeTypeAbs:
		return math.Abs
	case NodeTypeSign:
		return func(x float64) float64 {
			switch {
			case x > 0:
				return 1
			case x < 0:
				return -1
			}
			return 0
		}
	case NodeTypeExp:
		return math.Exp
	case NodeTypeLog:
		return math.Log
	case NodeTypeSqrt:
		return math.Sqrt
	case NodeTypeSin:
		return math.Sin
	case NodeTypeCos:
		return math.Cos
	case NodeTypeTanh:
		return math.Tanh
	case NodeTypeLogistic:
		return func(x float64) float64 {
			// Numerically stable for large |x|.
			if x >= 0 {
				return 1 / (1 + math.Exp(-x))
			}
			e := math.Exp(x)
			return e / (1 + e)
		}
	}
	exceptions.Panicf("no unary executor for %s", op)
	return nil
}

func execUnary(op NodeType, x, out *tensors.Tensor) {
	fn := unaryFn(op)
	xFlat, outFlat := x.Flat(), out.Flat()
	parallelFor(len(outFlat), func(start, end int) {
		for ii := start; ii < end; ii++ {
			outFlat[ii] = fn(xFlat[ii])
		}
	})
}

func execWhere(condition, onTrue, onFalse, out *tensors.Tensor) {
	condFlat, trueFlat, falseFlat, outFlat := condition.Flat(), onTrue.Flat(), onFalse.Flat(), out.Flat()
	trueStep, falseStep := broadcastStep(trueFlat, outFlat), broadcastStep(falseFlat, outFlat)
	for ii := range outFlat {
		if condFlat[ii] != 0 {
			outFlat[ii] = trueFlat[ii*trueStep]
		} else {
			outFlat[ii] = falseFlat[ii*falseStep]
		}
	}
}

// stridedOffsets returns, for each element (in row-major order) of a tensor with the given dimensions, the offset
// calculated with the given strides per axis. Strides of 0 repeat values.
func stridedOffsets(dimensions, strides []int) []int {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	offsets := make([]int, size)
	rank := len(dimensions)
	indices := make([]int, rank)
	offset := 0
	for flatIdx := range size {
		offsets[flatIdx] = offset
		for axis := rank - 1; axis >= 0; axis-- {
			indices[axis]++
			offset += strides[axis]
			if indices[axis] < dimensions[axis] {
				break
			}
			offset -= strides[axis] * dimensions[axis]
			indices[axis] = 0
		}
	}
	return offsets
}

func execReduce(op NodeType, x *tensors.Tensor, axes []int, out *tensors.Tensor) {
	xDims := x.Shape().Dimensions
	outStrides := out.Shape().Strides()
	mapStrides := make([]int, len(xDims))
	outAxis := 0
	for axis := range xDims {
		if containsInt(axes, axis) {
			continue
		}
		mapStrides[axis] = outStrides[outAxis]
		outAxis++
	}
	offsets := stridedOffsets(xDims, mapStrides)
	xFlat, outFlat := x.Flat(), out.Flat()
	switch op {
	case NodeTypeReduceSum:
		for ii, value := range xFlat {
			outFlat[offsets[ii]] += value
		}
	case NodeTypeReduceMax:
		for ii := range outFlat {
			outFlat[ii] = math.Inf(-1)
		}
		for ii, value := range xFlat {
			outFlat[offsets[ii]] = math.Max(outFlat[offsets[ii]], value)
		}
	default:
		exceptions.Panicf("no reduce executor for %s", op)
	}
}

func containsInt(values []int, value int) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// outerAndInnerSizes returns the product of the dimensions before and after the axis.
func outerAndInnerSizes(dimensions []int, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for ii, dim := range dimensions {
		if ii < axis {
			outer *= dim
		} else if ii > axis {
			inner *= dim
		}
	}
	return
}

func execConcatenate(operands []*tensors.Tensor, axis int, out *tensors.Tensor) {
	outDims := out.Shape().Dimensions
	outer, inner := outerAndInnerSizes(outDims, axis)
	outBlock := outDims[axis] * inner
	outFlat := out.Flat()
	offset := 0
	for _, operand := range operands {
		block := operand.Shape().Dimensions[axis] * inner
		flat := operand.Flat()
		for o := range outer {
			copy(outFlat[o*outBlock+offset:o*outBlock+offset+block], flat[o*block:(o+1)*block])
		}
		offset += block
	}
}

func execSlice(x *tensors.Tensor, axis, start int, out *tensors.Tensor) {
	xDims := x.Shape().Dimensions
	outer, inner := outerAndInnerSizes(xDims, axis)
	xBlock := xDims[axis] * inner
	outBlock := out.Shape().Dimensions[axis] * inner
	xFlat, outFlat := x.Flat(), out.Flat()
	for o := range outer {
		from := o*xBlock + start*inner
		copy(outFlat[o*outBlock:(o+1)*outBlock], xFlat[from:from+outBlock])
	}
}

func execPad(x *tensors.Tensor, axis, before int, out *tensors.Tensor) {
	outDims := out.Shape().Dimensions
	outer, inner := outerAndInnerSizes(outDims, axis)
	outBlock := outDims[axis] * inner
	xBlock := x.Shape().Dimensions[axis] * inner
	xFlat, outFlat := x.Flat(), out.Flat()
	for o := range outer {
		to := o*outBlock + before*inner
		copy(outFlat[to:to+xBlock], xFlat[o*xBlock:(o+1)*xBlock])
	}
}

func execBroadcast(x *tensors.Tensor, axes []int, out *tensors.Tensor) {
	xStrides := x.Shape().Strides()
	outDims := out.Shape().Dimensions
	mapStrides := make([]int, len(outDims))
	for ii, axis := range axes {
		mapStrides[axis] = xStrides[ii]
	}
	xFlat, outFlat := x.Flat(), out.Flat()
	if len(xFlat) == 1 {
		for ii := range outFlat {
			outFlat[ii] = xFlat[0]
		}
		return
	}
	for ii, offset := range stridedOffsets(outDims, mapStrides) {
		outFlat[ii] = xFlat[offset]
	}
}

func execDot(a, b *tensors.Tensor, transposeA, transposeB bool, out *tensors.Tensor) {
	aDims, bDims, outDims := a.Shape().Dimensions, b.Shape().Dimensions, out.Shape().Dimensions
	var aMat, bMat mat.Matrix = mat.NewDense(aDims[0], aDims[1], a.Flat()), mat.NewDense(bDims[0], bDims[1], b.Flat())
	if transposeA {
		aMat = aMat.T()
	}
	if transposeB {
		bMat = bMat.T()
	}
	outMat := mat.NewDense(outDims[0], outDims[1], out.Flat())
	outMat.Mul(aMat, bMat)
}
