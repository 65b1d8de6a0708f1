// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package system ties together the variables of a system of equations, its compiled graphs and the training of
// its dependent variables.
//
// A typical use:
//
//	reg := variables.NewRegistry()
//	x := reg.Scalar("x", 0, 1)
//	u := reg.Dependent("u", []*variables.Variable{x}, fnn.L(32, "tanh"), fnn.L(fnn.ScalarUnits, "id"))
//	reg.Equation("u'=u", reg.Derivative(u, x), u)
//	reg.Equation("u(0)=1", ...)
//
//	sys := must.M1(system.New(reg))
//	trainer := must.M1(system.NewTrainer(sys, system.WithBatchSize(64)))
//	losses, err := trainer.Fit(ctx, 10_000)
//	uFn := must.M1(sys.Export(u))
//	values, err := uFn.Eval([]float64{0, 0.5, 1})
package system

import (
	"slices"

	"github.com/gomlx/puddle/compiler"
	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/samplers"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// System is a set of independent variables and the equations over them. The weights of its dependent
// variables are stored in its context.
type System struct {
	name string
	reg  *variables.Registry
	ctx  *context.Context

	independents, equations []*variables.Variable

	// compiled is the evaluation graph, created by Compile.
	compiled *compiler.CompiledGraph
}

// Option for New.
type Option func(s *System)

// WithIndependentVariables sets the independent variables of the system. The default is every Space declared
// in the registry.
func WithIndependentVariables(independents ...*variables.Variable) Option {
	return func(s *System) {
		s.independents = slices.Clone(independents)
	}
}

// WithEquations sets the equations of the system. The default is every equation declared in the registry.
func WithEquations(equations ...*variables.Variable) Option {
	return func(s *System) {
		s.equations = slices.Clone(equations)
	}
}

// WithContext sets the context holding the weights of the dependent variables, and the hyperparameters used
// for training. The default is a new context.
func WithContext(ctx *context.Context) Option {
	return func(s *System) {
		s.ctx = ctx
	}
}

// New creates a system with the variables declared in reg.
//
// Defaults for the independent variables and equations are taken from reg when New is called: variables
// declared later are not included.
func New(reg *variables.Registry, opts ...Option) (*System, error) {
	if reg == nil {
		return nil, errs.Configurationf("system.New(): nil registry")
	}
	s := &System{
		name:         "system_" + uuid.NewString(),
		reg:          reg,
		independents: reg.Sorted(reg.IndependentVariables()),
		equations:    reg.Sorted(reg.Equations()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ctx == nil {
		s.ctx = context.New()
	}
	if klog.V(1).Enabled() {
		klog.Infof("system.New(): %s with %d independent variables and %d equations", s.name, len(s.independents), len(s.equations))
	}
	return s, nil
}

// Name of the system, a unique identifier.
func (s *System) Name() string { return s.name }

// Registry of the variables of the system.
func (s *System) Registry() *variables.Registry { return s.reg }

// Context holding the weights of the dependent variables.
func (s *System) Context() *context.Context { return s.ctx }

// IndependentVariables of the system.
func (s *System) IndependentVariables() []*variables.Variable { return slices.Clone(s.independents) }

// Equations of the system.
func (s *System) Equations() []*variables.Variable { return slices.Clone(s.equations) }

// Compile returns the evaluation graph of the system. It's compiled on the first call and cached afterward.
//
// The graph shares the weights of the dependent variables with the training graph of a Trainer, but it
// doesn't update them.
func (s *System) Compile() (*compiler.CompiledGraph, error) {
	if s.compiled != nil {
		return s.compiled, nil
	}
	compiled, err := s.compile()
	if err != nil {
		return nil, err
	}
	s.compiled = compiled
	return compiled, nil
}

// compile a new graph of the system.
func (s *System) compile() (*compiler.CompiledGraph, error) {
	return compiler.CompileInContext(s.ctx, s.reg, s.independents, s.equations)
}

// Losses evaluates the per-item weighted loss of each equation (in the order of System.Equations) on a
// sample, with the current weights, without training.
func (s *System) Losses(sample *samplers.Sample) ([]*tensors.Tensor, error) {
	if sample == nil {
		return nil, errs.Configurationf("System.Losses(): nil sample")
	}
	compiled, err := s.Compile()
	if err != nil {
		return nil, err
	}
	if len(s.equations) == 0 {
		return nil, nil
	}
	return compiled.Run(sample.Values, sample.Weights, variables.IDs(s.equations), true)
}
