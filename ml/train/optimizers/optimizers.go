// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers used to train the networks of a system, by itself or by
// system.Trainer. They all implement optimizers.Interface.
package optimizers

import (
	"maps"
	"slices"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// UpdateGraph is the function called during computation graph building, it
	// calculates the updates to the variables (weights) of the model needed for one
	// training step.
	//
	// Variable values are updated in graph building time using Variable.SetValueGraph,
	// and context.Context.ExecRun will make sure these values are returned from the graph execution
	// and the materialized values used to update the variables (Variable.SetValue).
	//
	// ctx holds the variables to train (marked as trainable), the hyperparameters
	// used by the optimizer and non-trainable variables that the optimizer itself may create.
	//
	// loss must be a scalar value.
	UpdateGraph(ctx *context.Context, g *Graph, loss *Node)
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors.
	KnownOptimizers = map[string]func(ctx *context.Context) Interface{
		"sgd":    func(ctx *context.Context) Interface { return StochasticGradientDescent() },
		"adam":   func(ctx *context.Context) Interface { return Adam().FromContext(ctx).Done() },
		"adamax": func(ctx *context.Context) Interface { return Adam().Adamax().FromContext(ctx).Done() },
	}

	// ParamOptimizer is the context parameter with the name of the optimizer.
	// The default value is "adam", and the valid values are "sgd", "adam" and "adamax".
	ParamOptimizer = "optimizer"
)

const (
	// GlobalStepVariableName as stored in context.Context, usually in the root scope -- but depends on the
	// caller.
	GlobalStepVariableName = "global_step"

	// Scope reserved for optimizers.
	Scope = "optimizers"
)

// FromContext creates an optimizer from context hyperparameters.
// See [ParamOptimizer]. The default is "adam".
func FromContext(ctx *context.Context) Interface {
	optName := context.GetParamOr(ctx, ParamOptimizer, "adam")
	return ByName(ctx, optName)
}

// ByName returns an optimizer given the name, or panics if one does not exist.
// It uses KnownOptimizers.
func ByName(ctx *context.Context, optName string) Interface {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		Panicf("Unknown optimizer %q, valid values are %v.", optName, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return optBuilder(ctx)
}

// GetGlobalStepVar returns the global step counter.
// It creates it (initialized with 0) if not already there.
func GetGlobalStepVar(ctx *context.Context) *context.Variable {
	return ctx.Checked(false).VariableWithValue(GlobalStepVariableName, 0.0).SetTrainable(false)
}

// GetGlobalStep returns the current global step value.
// It creates the global step variable if it does not yet exist.
func GetGlobalStep(ctx *context.Context) int64 {
	return int64(GetGlobalStepVar(ctx).Value().Scalar())
}

// IncrementGlobalStepGraph creates (if not there yet) a global step counter, and
// returns it incremented -- its first returned value will be 1.
//
// It only builds the computation graph, no actual values are generated.
func IncrementGlobalStepGraph(ctx *context.Context, g *Graph) *Node {
	globalStepVar := GetGlobalStepVar(ctx)
	globalStep := AddScalar(globalStepVar.ValueGraph(g), 1)
	globalStepVar.SetValueGraph(globalStep)
	return globalStep
}

var (
	// ParamLearningRate is the context parameter name for the default value of learning rate.
	ParamLearningRate = "learning_rate"

	// ParamClipStepByValue is a clip scalar value for each individual value of the gradient step, after
	// being scaled by the learning rate and optimizer.
	// The step applied will be `Clip(step, -clip_step_by_value, +clip_step_by_value)`.
	// Defaults to no clipping.
	ParamClipStepByValue = "clip_step_by_value"
)

// LearningRateVar returns the learning rate variable.
//
// If variable doesn't exist yet, it will be created using the parameter ParamLearningRate, if it
// is set, or the provided defaultValue if not.
func LearningRateVar(ctx *context.Context, defaultValue float64) *context.Variable {
	lrValue := context.GetParamOr(ctx, ParamLearningRate, defaultValue)
	return LearningRateVarWithValue(ctx, lrValue)
}

// LearningRateVarWithValue creates (or reuses) variable for learning rate with the given value.
func LearningRateVarWithValue(ctx *context.Context, value float64) *context.Variable {
	ctx = ctx.Checked(false).In(Scope)
	return ctx.VariableWithValue(ParamLearningRate, value).SetTrainable(false)
}

// ClipStepByValue applies the [ParamClipStepByValue] hyperparameter if it is not 0.0 (the default).
func ClipStepByValue(ctx *context.Context, step *Node) *Node {
	clipByValue := context.GetParamOr(ctx, ParamClipStepByValue, 0.0)
	if clipByValue == 0 {
		return step
	}
	g := step.Graph()
	return Max(Neg(Max(Neg(step), Scalar(g, -clipByValue))), Scalar(g, -clipByValue))
}

// sgd is an empty struct that implements Interface for SGD.
type sgd struct{}

// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
const SgdDefaultLearningRate = 0.1

// StochasticGradientDescent creates an optimizer that performs SGD.
// It looks for "learning_rate" in Context.Params for the initial
// learning rate, otherwise it defaults to SgdDefaultLearningRate.
//
// It has a decay of learning rate given by: `learning_rate = initial_learning_rate / Sqrt(global_step)`
func StochasticGradientDescent() Interface {
	return &sgd{}
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (sgd *sgd) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	learningRate := LearningRateVar(ctx, SgdDefaultLearningRate).ValueGraph(g)
	globalStep := IncrementGlobalStepGraph(ctx, g)
	learningRate = Div(learningRate, Sqrt(globalStep)) // Factor global_step into the learning rate.
	addGradientsToVariablesGraph(ctx, loss, learningRate)
}

// addGradientsToVariablesGraph takes the gradients of the trainable variables, multiply by (-learningRate)
// and add to the current value of the variables.
func addGradientsToVariablesGraph(ctx *context.Context, loss, learningRate *Node) {
	g := loss.Graph()
	if !learningRate.Shape().IsScalar() {
		Panicf("addGradientsToVariablesGraph require scalar learningRate, instead got %s", learningRate.Shape())
	}
	trainable := ctx.TrainableVariablesInUse(g)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	for ii, v := range trainable {
		scaledGradient := Mul(grads[ii], learningRate)
		scaledGradient = ClipStepByValue(ctx, scaledGradient)
		v.SetValueGraph(Sub(v.ValueGraph(g), scaledGradient))
	}
}
