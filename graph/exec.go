// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/internal/workerspool"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"k8s.io/klog/v2"
)

// executorPool is used to split large element-wise kernels.
var executorPool = workerspool.New()

// minParallelChunk is the minimum number of elements per chunk of an element-wise kernel run in parallel.
const minParallelChunk = 1 << 13

// SetMaxParallelism configures the maximum parallelism of the executor kernels: 0 disables parallelism and
// -1 makes it unlimited. The default is runtime.NumCPU(). It must not be changed while graphs are being executed.
func SetMaxParallelism(maxParallelism int) {
	executorPool.SetMaxParallelism(maxParallelism)
}

// Run executes the graph and returns the values of the outputs.
//
// params must hold a value for every parameter the outputs depend on. Parameters with the batch axis
// must all be fed with the same batch size, which is then used for all the nodes with the batch axis.
//
// Only the nodes needed to calculate the outputs are evaluated.
func (g *Graph) Run(params ParamsMap, outputs ...*Node) (results []*tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() { results = g.run(params, outputs) })
	return
}

// MustRun is like Run, but panics on error.
func (g *Graph) MustRun(params ParamsMap, outputs ...*Node) []*tensors.Tensor {
	return g.run(params, outputs)
}

func (g *Graph) run(params ParamsMap, outputs []*Node) []*tensors.Tensor {
	g.AssertValid()
	if len(outputs) == 0 {
		exceptions.Panicf("Graph(%q).Run(): no outputs requested", g.name)
	}
	for ii, output := range outputs {
		if output == nil {
			exceptions.Panicf("Graph(%q).Run(): output #%d is nil", g.name, ii)
		}
		if output.graph != g {
			exceptions.Panicf("Graph(%q).Run(): output #%d is part of a different graph (%q)", g.name, ii, output.graph.name)
		}
	}
	needed := g.markNeeded(outputs)

	// Feed parameters, resolving the batch size. All fed parameters count, also those the outputs
	// don't depend on: an output may have the batch axis without depending on any input (e.g. a zero gradient).
	values := make([]*tensors.Tensor, len(g.nodes))
	batchSize := -1
	for node, value := range params {
		if node == nil || node.graph != g || node.Type() != NodeTypeParameter {
			exceptions.Panicf("Graph(%q).Run(): fed value for %s, which is not a parameter of the graph", g.name, node)
		}
		t, err := tensors.ToTensor(value)
		if err != nil {
			panic(err)
		}
		if node.HasBatch() {
			if t.Rank() != node.Rank() || !shapes.Make(t.Shape().Dimensions[1:]...).Equal(node.shape.Item()) {
				exceptions.Panicf("Graph(%q).Run(): parameter %q has shape %s, fed value with incompatible shape %s",
					g.name, node.GetParameterName(), node.shape, t.Shape())
			}
			if batchSize >= 0 && t.BatchSize() != batchSize {
				exceptions.Panicf("Graph(%q).Run(): parameter %q fed with batch size %d, but other parameters have batch size %d",
					g.name, node.GetParameterName(), t.BatchSize(), batchSize)
			}
			batchSize = t.BatchSize()
		} else if !t.Shape().Equal(node.shape) {
			exceptions.Panicf("Graph(%q).Run(): parameter %q has shape %s, fed value with shape %s",
				g.name, node.GetParameterName(), node.shape, t.Shape())
		}
		values[node.id] = t
	}

	numEvaluated := 0
	for id, node := range g.nodes {
		if !needed[id] {
			continue
		}
		if node.Type() == NodeTypeParameter {
			if values[id] == nil {
				exceptions.Panicf("Graph(%q).Run(): parameter %q was not fed", g.name, node.GetParameterName())
			}
			continue
		}
		if batchSize < 0 && (node.HasBatch() || node.Type() == NodeTypeBatchSize) {
			exceptions.Panicf("Graph(%q).Run(): node %s requires the batch size, but no parameter with a batch axis was fed",
				g.name, node)
		}
		values[id] = evalNode(node, values, batchSize)
		numEvaluated++
	}
	if klog.V(3).Enabled() {
		klog.Infof("Graph(%q).Run(): evaluated %d out of %d nodes, batch size %d", g.name, numEvaluated, len(g.nodes), batchSize)
	}

	results := make([]*tensors.Tensor, len(outputs))
	for ii, output := range outputs {
		results[ii] = values[output.id]
	}
	return results
}

// markNeeded returns which nodes are needed to calculate the outputs.
func (g *Graph) markNeeded(outputs []*Node) []bool {
	needed := make([]bool, len(g.nodes))
	for _, output := range outputs {
		needed[output.id] = true
	}
	for id := len(g.nodes) - 1; id >= 0; id-- {
		if !needed[id] {
			continue
		}
		for _, input := range g.nodes[id].inputNodes {
			needed[input.id] = true
		}
	}
	return needed
}

// evalNode calculates the value of the node, given the values of its inputs.
func evalNode(node *Node, values []*tensors.Tensor, batchSize int) *tensors.Tensor {
	value := func(n *Node) *tensors.Tensor { return values[n.id] }
	shape := node.shape.Resolve(batchSize)
	switch ni := node.inputs.(type) {
	case *nodeInputsConstant:
		return ni.value
	case *nodeInputsBatchSize:
		return tensors.FromScalar(batchSize)
	case *nodeInputsIdentity:
		return value(ni.x)
	case *nodeInputsBinary:
		out := tensors.FromShape(shape)
		execBinary(ni.op, value(ni.x), value(ni.y), out)
		return out
	case *nodeInputsUnary:
		out := tensors.FromShape(shape)
		execUnary(ni.op, value(ni.x), out)
		return out
	case *nodeInputsWhere:
		out := tensors.FromShape(shape)
		execWhere(value(ni.condition), value(ni.onTrue), value(ni.onFalse), out)
		return out
	case *nodeInputsReduce:
		out := tensors.FromShape(shape)
		execReduce(ni.op, value(ni.x), ni.axes, out)
		return out
	case *nodeInputsReshape:
		return value(ni.x).Reshape(shape.Dimensions...)
	case *nodeInputsConcatenate:
		out := tensors.FromShape(shape)
		operands := make([]*tensors.Tensor, len(ni.operands))
		for ii, operand := range ni.operands {
			operands[ii] = value(operand)
		}
		execConcatenate(operands, ni.axis, out)
		return out
	case *nodeInputsSlice:
		out := tensors.FromShape(shape)
		execSlice(value(ni.x), ni.axis, ni.start, out)
		return out
	case *nodeInputsPad:
		out := tensors.FromShape(shape)
		execPad(value(ni.x), ni.axis, ni.before, out)
		return out
	case *nodeInputsBroadcast:
		out := tensors.FromShape(shape)
		execBroadcast(value(ni.x), ni.axes, out)
		return out
	case *nodeInputsDot:
		out := tensors.FromShape(shape)
		execDot(value(ni.a), value(ni.b), ni.transposeA, ni.transposeB, out)
		return out
	}
	exceptions.Panicf("no executor implemented for node %s", node)
	return nil
}
