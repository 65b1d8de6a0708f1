// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses have standard losses that implement the LossFn interface. They are used by the
// compiler for the residuals of the equations, and can also be called separately by custom losses.
package losses

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/types/shapes"
)

// LossFn takes as inputs the labels and predictions, and returns the loss.
//
// The losses of this package return one loss per example (shaped `[batch]`) when the inputs have the
// batch axis, and the scalar mean otherwise. Callers reduce it with graph.ReduceAllMean when they need a scalar.
//
// labels[0] and predictions[0] are the values compared, extra labels are interpreted by each loss.
type LossFn func(labels, predictions []*Node) (loss *Node)

var _ LossFn = MeanSquaredError

// MeanSquaredError returns the mean squared error between labels and predictions, per example.
//
// labels[0] and predictions[0] must have the same shape.
//
// If there is an extra element in labels, it is taken as the weights applied to the losses: it must
// have the shape of labels[0], or be shaped `[batch]`, with one weight per example.
func MeanSquaredError(labels, predictions []*Node) (loss *Node) {
	labels0, predictions0 := checkLabelsAndPredictions(labels, predictions)
	loss = Square(Sub(labels0, predictions0))
	return perExampleMean(applyWeights(loss, CheckLabelsForWeights(labels0.Shape(), labels)))
}

func checkLabelsAndPredictions(labels, predictions []*Node) (labels0, predictions0 *Node) {
	if len(labels) == 0 || len(predictions) == 0 {
		Panicf("MeanSquaredError(): labels and predictions can't be empty")
	}
	labels0, predictions0 = labels[0], predictions[0]
	if !labels0.Shape().Equal(predictions0.Shape()) {
		Panicf("MeanSquaredError(): labels[0] (%s) and predictions[0] (%s) must have same shape", labels0.Shape(), predictions0.Shape())
	}
	return
}

// CheckLabelsForWeights looks for weights in labels[1:] (labels[0] holds the actual labels).
//
// Weights have either labelsShape, or one weight per example (shape `[batch]`) if labelsShape has the batch axis.
// It returns nil if there are no weights, and panics on any other extra label.
func CheckLabelsForWeights(labelsShape shapes.Shape, labels []*Node) (weights *Node) {
	perExample := shapes.WithBatch(shapes.Scalar())
	for ii, extra := range labels[1:] {
		if weights == nil && (extra.Shape().Equal(labelsShape) || (labelsShape.HasBatch() && extra.Shape().Equal(perExample))) {
			weights = extra
			continue
		}
		Panicf("labels given to the loss function have extra tensors whose use is unknown: labels[%d].shape=%s, "+
			"weights shape would be %s or %s", ii+1, extra.Shape(), labelsShape, perExample)
	}
	return
}

// applyWeights multiplies the losses by the weights, broadcasting per-example weights.
func applyWeights(loss, weights *Node) *Node {
	if weights == nil {
		return loss
	}
	if weights.Rank() < loss.Rank() {
		weights = Broadcast(weights, loss.Shape(), 0)
	}
	return Mul(loss, weights)
}

// perExampleMean reduces all axes but the batch one with their mean.
func perExampleMean(loss *Node) *Node {
	if !loss.HasBatch() {
		return ReduceAllMean(loss)
	}
	if loss.Rank() == 1 {
		return loss
	}
	axes := make([]int, loss.Rank()-1)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return ReduceMean(loss, axes...)
}
