// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package system

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/puddle/compiler"
	"github.com/gomlx/puddle/errs"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/gomlx/puddle/variables"
	"github.com/pkg/errors"
)

// Exported is a variable of a system turned into a function of some of its independent variables.
//
// It's evaluated with the current weights of the system: training the system after exporting a variable
// changes the values it returns.
type Exported struct {
	v         *variables.Variable
	arguments []*variables.Variable
	compiled  *compiler.CompiledGraph
}

// Export returns a function that evaluates v given values for the arguments.
//
// If no arguments are given, they default to the arguments of v if it's a Dependent variable, or v
// itself if it's a Space. Arguments must be Space variables, and they must include every Space v depends on.
func (s *System) Export(v *variables.Variable, arguments ...*variables.Variable) (*Exported, error) {
	if v == nil {
		return nil, errs.Configurationf("System.Export(): nil variable")
	}
	if !s.reg.Owns(v) {
		return nil, errs.Configurationf("System.Export(%s): variable not declared in the registry of the system", v)
	}
	if len(arguments) == 0 {
		switch def := v.Definition().(type) {
		case *variables.Dependent:
			arguments = def.Arguments()
		case *variables.Space:
			arguments = []*variables.Variable{v}
		default:
			return nil, errs.Configurationf("System.Export(%s): arguments must be given for a variable of kind %s",
				v, v.Kind())
		}
	}
	compiled, err := compiler.CompileInContext(s.ctx, s.reg, arguments, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "System.Export(%s)", v)
	}
	if err = compiled.AddOutputs(v); err != nil {
		return nil, errors.WithMessagef(err, "System.Export(%s)", v)
	}
	return &Exported{
		v:         v,
		arguments: slices.Clone(arguments),
		compiled:  compiled,
	}, nil
}

// Variable returns the exported variable.
func (e *Exported) Variable() *variables.Variable { return e.v }

// Arguments of the function, in the order they are given to Call and Eval.
func (e *Exported) Arguments() []*variables.Variable { return slices.Clone(e.arguments) }

// String implements fmt.Stringer.
func (e *Exported) String() string {
	names := make([]string, len(e.arguments))
	for ii, arg := range e.arguments {
		names[ii] = arg.Name()
	}
	return fmt.Sprintf("%s(%s)", e.v.Name(), strings.Join(names, ", "))
}

// Call evaluates the function on a batch of values, one tensor per argument, each shaped `[batch]+shape` of
// the argument. It returns the value of the variable shaped `[batch]+shape`.
func (e *Exported) Call(inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	if len(inputs) != len(e.arguments) {
		return nil, errs.Configurationf("%s called with %d inputs, wanted %d", e, len(inputs), len(e.arguments))
	}
	values := make(map[variables.ID]*tensors.Tensor, len(inputs))
	for ii, arg := range e.arguments {
		values[arg.ID()] = inputs[ii]
	}
	results, err := e.compiled.Run(values, nil, []variables.ID{e.v.ID()}, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "calling %s", e)
	}
	return results[0], nil
}

// Eval is like Call, but takes each argument as a flat column of values: for an argument of size D, every
// D consecutive values are one item of the batch.
func (e *Exported) Eval(columns ...[]float64) (*tensors.Tensor, error) {
	if len(columns) != len(e.arguments) {
		return nil, errs.Configurationf("%s evaluated with %d columns, wanted %d", e, len(columns), len(e.arguments))
	}
	inputs := make([]*tensors.Tensor, len(columns))
	batchSize := -1
	for ii, arg := range e.arguments {
		size := arg.Size()
		column := columns[ii]
		if len(column) == 0 || len(column)%size != 0 {
			return nil, errs.Configurationf("%s: column #%d has %d values, wanted a positive multiple of %d",
				e, ii, len(column), size)
		}
		if batchSize >= 0 && len(column)/size != batchSize {
			return nil, errs.Configurationf("%s: column #%d has %d items, previous columns have %d items",
				e, ii, len(column)/size, batchSize)
		}
		batchSize = len(column) / size
		dims := append([]int{batchSize}, arg.Shape().Dimensions...)
		inputs[ii] = tensors.FromFlatDataAndDimensions(column, dims...)
	}
	return e.Call(inputs...)
}
