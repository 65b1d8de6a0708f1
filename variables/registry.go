// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package variables implements the variable graph of a system of differential equations, and the
// Registry that issues the identity of its variables.
//
// Variables are declared with the methods of a Registry (Scalar, Vector, Space, Constant, Dependent,
// Derivative, Equation) and the package-level operators (Add, Multiply, Index, ...). Every declaration
// registers the new Variable immediately, and returns it. Variables are immutable: a variable graph is a
// DAG built bottom-up, and it is compiled into a computation graph by package compiler.
//
// Example: the 1-D heat equation `u_t = u_xx`:
//
//	reg := variables.NewRegistry()
//	x := reg.Scalar("x", 0, 1)
//	t := reg.Scalar("t", 0, 1)
//	u := reg.Dependent("u", []*variables.Variable{x, t}, fnn.L(32, "tanh"), fnn.L(fnn.ScalarUnits, "id"))
//	uXX := reg.Derivative(reg.Derivative(u, x), x)
//	heat := reg.Equation("heat", reg.Derivative(u, t), uXX)
//
// Declarations panic with errors of kind errs.ErrConfiguration on invalid arguments, the same way graph
// building does: use exceptions.TryCatch[error] to recover them.
package variables

import (
	"slices"

	"github.com/gomlx/puddle/pkg/support/sets"
)

// ID is the identity of a Variable, issued by its Registry at registration. IDs are issued in increasing
// order, so they give a total and stable ordering of the variables of a Registry.
type ID int

// Registry holds every variable declared, partitioned into independent variables (spaces) and equations.
//
// It's not safe for concurrent use.
type Registry struct {
	// generation is incremented on Reset, so variables declared before it are not accepted anymore.
	generation int

	arena        []*Variable
	variables    sets.Set[ID]
	independents sets.Set[ID]
	equations    sets.Set[ID]
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		variables:    sets.Make[ID](),
		independents: sets.Make[ID](),
		equations:    sets.Make[ID](),
	}
}

// register the variable, issuing its ID. Registering the same variable twice is a no-op.
func (r *Registry) register(v *Variable, isIndependent, isEquation bool) {
	if v.registry == r && v.generation == r.generation && r.variables.Has(v.id) {
		return
	}
	v.registry = r
	v.generation = r.generation
	v.id = ID(len(r.arena))
	v.isIndependent = isIndependent
	v.isEquation = isEquation
	r.arena = append(r.arena, v)
	r.variables.Insert(v.id)
	if isIndependent {
		r.independents.Insert(v.id)
	}
	if isEquation {
		r.equations.Insert(v.id)
	}
}

// Reset clears the registry: all sets are emptied and IDs restart at 0.
// Variables declared before the reset are not accepted by this registry anymore.
func (r *Registry) Reset() {
	r.generation++
	r.arena = nil
	r.variables = sets.Make[ID]()
	r.independents = sets.Make[ID]()
	r.equations = sets.Make[ID]()
}

// Len returns the number of variables registered.
func (r *Registry) Len() int { return len(r.arena) }

// Variables returns the IDs of all registered variables. The returned set is a copy.
func (r *Registry) Variables() sets.Set[ID] { return r.variables.Clone() }

// IndependentVariables returns the IDs of the registered spaces. The returned set is a copy.
func (r *Registry) IndependentVariables() sets.Set[ID] { return r.independents.Clone() }

// Equations returns the IDs of the registered equations. The returned set is a copy.
func (r *Registry) Equations() sets.Set[ID] { return r.equations.Clone() }

// Lookup returns the variable with the given ID, or nil if there is none.
func (r *Registry) Lookup(id ID) *Variable {
	if id < 0 || int(id) >= len(r.arena) {
		return nil
	}
	return r.arena[id]
}

// Sorted returns the variables of the set ordered by ID. IDs not in the registry are skipped.
func (r *Registry) Sorted(ids sets.Set[ID]) []*Variable {
	result := make([]*Variable, 0, len(ids))
	for _, id := range sets.Sorted(ids) {
		if v := r.Lookup(id); v != nil {
			result = append(result, v)
		}
	}
	return result
}

// Owns returns whether v was declared in this registry (and not before its last Reset).
func (r *Registry) Owns(v *Variable) bool {
	return v != nil && v.registry == r && v.generation == r.generation
}

// IDs returns the IDs of the variables, in the same order.
func IDs(variables []*Variable) []ID {
	ids := make([]ID, len(variables))
	for ii, v := range variables {
		ids[ii] = v.ID()
	}
	return ids
}

// SortByID sorts the variables in place by their ID.
func SortByID(variables []*Variable) {
	slices.SortFunc(variables, func(a, b *Variable) int { return int(a.id - b.id) })
}
