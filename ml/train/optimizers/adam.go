// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/context/initializers"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// AdamDefaultScope is the default scope name for moments and step used by Adam.
	AdamDefaultScope = "AdamOptimizer"

	// ParamAdamBeta1 and ParamAdamBeta2 are the context hyperparameters for the exponential decay of the
	// 1st and 2nd moments. See AdamConfig.FromContext.
	ParamAdamBeta1 = "adam_beta1"
	ParamAdamBeta2 = "adam_beta2"

	// ParamAdamEpsilon is the context hyperparameter for the Adam epsilon.
	ParamAdamEpsilon = "adam_epsilon"
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done, and it
// will return an optimizers.Interface.
func Adam() *AdamConfig {
	return &AdamConfig{
		scopeName:    AdamDefaultScope,
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam based optimizers.Interface.
type AdamConfig struct {
	scopeName    string
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool // Works as Adamax.
}

// Scope defines the top-level scope to use to store the 1st and 2nd order moments of the gradients and the step number
// used by Adam optimizer.
//
// It defaults to AdamDefaultScope.
func (c *AdamConfig) Scope(name string) *AdamConfig {
	c.scopeName = name
	return c
}

// LearningRate sets the base learning rate.
//
// Default is either the value of ParamLearningRate ("learning_rate") in Context if defined, or 0.001 if not.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use a L-infinity (== max, which gives the name) for
// the second moment, instead of L2, as described in the same Adam paper.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// FromContext reads the betas and epsilon from the context hyperparameters ParamAdamBeta1, ParamAdamBeta2
// and ParamAdamEpsilon, if they are set.
func (c *AdamConfig) FromContext(ctx *context.Context) *AdamConfig {
	c.beta1 = context.GetParamOr(ctx, ParamAdamBeta1, c.beta1)
	c.beta2 = context.GetParamOr(ctx, ParamAdamBeta2, c.beta2)
	c.epsilon = context.GetParamOr(ctx, ParamAdamEpsilon, c.epsilon)
	return c
}

// Done will finish the configuration and construct an optimizers.Interface that implements Adam.
func (c *AdamConfig) Done() Interface {
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 || c.epsilon <= 0 {
		Panicf("invalid Adam configuration: beta1=%g, beta2=%g (must be in [0, 1)), epsilon=%g (must be > 0)",
			c.beta1, c.beta2, c.epsilon)
	}
	return &adam{config: c}
}

// adam implements the Adam algorithm as an optimizers.Interface.
type adam struct {
	config *AdamConfig
}

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *adam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}

	// Set up learning-rate.
	lrValue := o.config.learningRate
	if lrValue < 0 {
		lrValue = context.GetParamOr(ctx, ParamLearningRate, AdamDefaultLearningRate)
	}
	learningRate := LearningRateVarWithValue(ctx, lrValue).ValueGraph(g)
	_ = IncrementGlobalStepGraph(ctx, g) // Not used by this optimizer, but updated.
	adamStep := IncrementGlobalStepGraph(ctx.In(o.config.scopeName), g)
	beta1 := Scalar(g, o.config.beta1)
	debiasTermBeta1 := Div(Scalar(g, 1), OneMinus(Pow(beta1, adamStep)))
	beta2 := Scalar(g, o.config.beta2)
	debiasTermBeta2 := Div(Scalar(g, 1), OneMinus(Pow(beta2, adamStep)))
	epsilon := Scalar(g, o.config.epsilon)

	trainable := ctx.TrainableVariablesInUse(g)
	if len(trainable) == 0 {
		Panicf("Adam optimizer: there are no trainable variables used in graph %q", g.Name())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	for ii, v := range trainable {
		o.applyAdamGraph(ctx, g, v, grads[ii], learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon)
	}
}

// applyAdamGraph calculates variable and its 1st and 2nd order moments updates.
// If adamax is set, we use instead moment2 to store the L-infinity (the max) of the gradient.
func (o *adam) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	learningRate, beta1, debiasTermBeta1, beta2, debiasTermBeta2, epsilon *Node) {
	m1Var, m2Var := o.getMomentVariables(ctx, v)
	moment1, moment2 := m1Var.ValueGraph(g), m2Var.ValueGraph(g)

	// Do gradient step with momentum.
	moment1 = Add(Mul(beta1, moment1), Mul(OneMinus(beta1), grad))
	m1Var.SetValueGraph(moment1)
	debiasedMoment1 := Mul(moment1, debiasTermBeta1)

	var denominator *Node
	if o.config.adamax {
		moment2 = Max(Mul(beta2, moment2), Abs(grad)) // L-infinity norm.
		m2Var.SetValueGraph(moment2)
		denominator = Add(moment2, epsilon)
	} else {
		moment2 = Add(Mul(beta2, moment2), Mul(OneMinus(beta2), Square(grad)))
		m2Var.SetValueGraph(moment2)
		debiasedMoment2 := Mul(moment2, debiasTermBeta2)
		denominator = Add(Sqrt(debiasedMoment2), epsilon)
	}
	step := Mul(learningRate, Div(debiasedMoment1, denominator))
	step = ClipStepByValue(ctx, step)
	v.SetValueGraph(Sub(v.ValueGraph(g), step))
}

// getMomentVariables returns the moment variables corresponding to the trainable variable given,
// creating them if needed.
func (o *adam) getMomentVariables(ctx *context.Context, trainable *context.Variable) (m1, m2 *context.Variable) {
	scopePath := context.JoinScope(context.ScopeSeparator, o.config.scopeName)
	if trainable.Scope() != context.ScopeSeparator {
		scopePath += trainable.Scope()
	}
	ctx = ctx.InAbsPath(scopePath).Checked(false).WithInitializer(initializers.Zero)
	shape := trainable.Shape()
	m1 = ctx.VariableWithShape(trainable.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = ctx.VariableWithShape(trainable.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}
