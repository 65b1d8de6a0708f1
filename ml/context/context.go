// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package context defines the Context and Variable types: Context organizes the variables (the
// trainable weights of the networks) and the hyperparameters shared by the graph building functions.
package context

import (
	"fmt"
	"maps"
	"math/rand/v2"
	"reflect"
	"slices"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/graph"
	"github.com/gomlx/puddle/ml/context/initializers"
	"github.com/gomlx/puddle/types/shapes"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
)

// Context organizes information shared in a model: the variables (model weights) and the
// (hyper-)parameters used to build and train it. One model can spawn multiple computation graphs, e.g.:
// the compiled system graph (used for training) and the graph of an exported variable.
// All of them share the same variable values.
//
// Both variables and parameters are organized in "scopes". The Context object is a thin wrapper
// that contains the current scope (similar to a current directory) and a link to the actual data.
// One can change scopes with Context.In("new_scope"): it returns a new Context with the new scope set,
// but still pointing (sharing) all the data with the previous Context. E.g:
//
//	func Network(ctx *context.Context, x *Node) *Node {
//		{
//			ctx := ctx.In("output_layer") // Same data, different scope.
//			ctx.SetParam("activation", "id")
//			x = layers.Dense(ctx, x, true, 1)
//		}
//		return x
//	}
//
// Variable values can be saved and loaded with the checkpoints package.
type Context struct {
	// scope for currently created variables and registration.
	scope string

	// reuse of variables, if set to true.
	reuse bool

	// checked access to variables: whether to check for reuse if variable is new or not.
	// If set to false it makes reuse irrelevant.
	checked bool

	// initializer is used to initialize variable values for a given shape.
	initializer VariableInitializer

	// data is shared among all Context references.
	data *contextData
}

// scopedVariableMap name to variable within a scope.
type scopedVariableMap map[string]*Variable

// contextData stores all context information and is shared among various Context, which
// serve only as scoped references.
type contextData struct {
	// params holds a model's building (hyper)parameters. It's a scoped map of scope+key
	// to any type: values are interpreted by the various model components. E.g:
	//
	// * "learning_rate" -> float64: used by the optimizers.
	params *ScopedParams

	// variablesMap for this context organized per scope.
	variablesMap map[string]scopedVariableMap

	// variables is a plain list of all variables, in creation order.
	variables []*Variable

	// loader, if set, is called to check whether there is a previous value of the variable to use.
	loader Loader

	// needsInitialization indicates whether there are uninitialized variables in the context.
	needsInitialization bool

	// rng is used by the variable initializers.
	rng *rand.Rand
}

// VariableInitializer returns the initial value of a variable. See package initializers.
type VariableInitializer = initializers.VariableInitializer

// Loader can be implemented by any library providing loading of variables for
// Context. Loader implementations need to provide values on demand -- as variables are created,
// even if they load everything up-front.
//
// An example of a loader in ml/context/checkpoints.
type Loader interface {
	// LoadVariable tries to load the variable v, usually specified by its scope and name.
	// If it's not found, returns false, and initialization continues as usual.
	LoadVariable(ctx *Context, scope, name string) (value *tensors.Tensor, found bool)
}

// ScopeSeparator is used between levels of scope. Scope names cannot use this character.
const ScopeSeparator = "/"

// RootScope is the scope at the very root.
const RootScope = ScopeSeparator

// New constructs a new and empty context, with variables initialized by initializers.GlorotNormal.
func New() *Context {
	return &Context{
		scope:       RootScope,
		initializer: initializers.GlorotNormal,
		checked:     true,
		data: &contextData{
			params:       NewScopedParams(),
			variablesMap: make(map[string]scopedVariableMap),
			rng:          rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		},
	}
}

// copy creates a copy of the Context, but sharing the same "data" component.
func (ctx *Context) copy() *Context {
	ctx2 := &Context{}
	*ctx2 = *ctx
	return ctx2
}

// Scope returns the full scope path.
func (ctx *Context) Scope() string {
	return ctx.scope
}

// EscapeScopeName replaces ScopeSeparator in the string and replaces them by "_".
func EscapeScopeName(scopeName string) string {
	return strings.ReplaceAll(scopeName, ScopeSeparator, "_")
}

// JoinScope joins a scope path and a name.
func JoinScope(scope, name string) string {
	if scope == ScopeSeparator {
		return ScopeSeparator + name
	}
	return scope + ScopeSeparator + name
}

// In returns a new reference to the Context with the extra given scope. No ScopeSeparator ("/") is
// allowed in scope.
func (ctx *Context) In(scope string) *Context {
	if scope == "" {
		Panicf("context.In(): cannot use empty scope")
	}
	if strings.Contains(scope, ScopeSeparator) {
		Panicf("context.In(): cannot use separator %q in scope element %q", ScopeSeparator, scope)
	}
	return ctx.InAbsPath(JoinScope(ctx.scope, scope))
}

// InAbsPath returns a new reference to the Context with the given absolute scope path. It should start
// and have each element separated by ScopeSeparator.
func (ctx *Context) InAbsPath(scopePath string) *Context {
	if !strings.HasPrefix(scopePath, ScopeSeparator) {
		Panicf("context.InAbsPath(): absolute scope path must start with separator %q, instead got %q",
			ScopeSeparator, scopePath)
	}
	ctx2 := ctx.copy()
	ctx2.scope = scopePath
	return ctx2
}

// Reuse returns a new reference to the Context set to reuse of variables, if it is not already in reuse mode.
// Otherwise, returns itself.
// If checked is false, this setting is irrelevant.
func (ctx *Context) Reuse() *Context {
	if ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = true
	return ctx2
}

// Unique returns a new reference to the Context, set to only allow new variables.
// If checked is false, this setting is irrelevant.
func (ctx *Context) Unique() *Context {
	if !ctx.reuse {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.reuse = false
	return ctx2
}

// IsReuse returns whether Context is marked for reuse. This is irrelevant if IsChecked is false.
func (ctx *Context) IsReuse() bool { return ctx.reuse }

// Checked returns a new context with the checked flag set accordingly.
// If checked is true checks for reuse/uniqueness are checked according to IsReuse().
// If checked is false Variables are dynamically reused or created when needed, without any checks.
// Usually it is set to true when building models -- to prevent layers to overstepping on each other --
// and set to false for supporting variables (like optimizers).
func (ctx *Context) Checked(checked bool) *Context {
	if ctx.checked == checked {
		return ctx
	}
	ctx2 := ctx.copy()
	ctx2.checked = checked
	return ctx2
}

// IsChecked returns whether context is checking reuse rules.
func (ctx *Context) IsChecked() bool { return ctx.checked }

// WithInitializer returns a new reference to the Context, with the initializer set.
func (ctx *Context) WithInitializer(initializer VariableInitializer) *Context {
	if initializer == nil {
		Panicf("Context.WithInitializer passed a nil initializer")
	}
	ctx2 := ctx.copy()
	ctx2.initializer = initializer
	return ctx2
}

// SetRandomSeed resets the random number generator used to initialize variables, so initialization
// becomes deterministic.
func (ctx *Context) SetRandomSeed(seed uint64) {
	ctx.data.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// GetParam returns the value for the given param key, searching successively from
// the current scope back to the root scope ("/"), in case the key is not found.
//
// E.g: if current scope is "/a/b", it will search for the key in "/a/b" scope, then
// in "/a" and finally in "/", and return the first result found.
func (ctx *Context) GetParam(key string) (value any, found bool) {
	return ctx.data.params.Get(ctx.scope, key)
}

// SetParam sets the given param in the current scope. It will be visible (by GetParam)
// within this scope and descendant scopes (but not by other scopes).
func (ctx *Context) SetParam(key string, value any) {
	ctx.data.params.Set(ctx.scope, key, value)
}

// EnumerateParams enumerates all parameters for all scopes calls fn with their values.
func (ctx *Context) EnumerateParams(fn func(scope, key string, value any)) {
	ctx.data.params.Enumerate(fn)
}

// GetParamOr either returns the value for the given param key in the context `ctx`,
// searching successively from the current scope back to the root scope ("/"), or if the
// key is not found, returns the given default value.
//
// Numeric values are converted to T if needed (e.g.: an int set from the command line for a float64
// parameter). It panics if the value is of an incompatible type.
func GetParamOr[T any](ctx *Context, key string, defaultValue T) T {
	valueAny, found := ctx.GetParam(key)
	if !found {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	fromV := reflect.ValueOf(valueAny)
	toT := reflect.TypeOf(defaultValue)
	if fromV.IsValid() && toT != nil && isNumeric(fromV.Kind()) && isNumeric(toT.Kind()) {
		return fromV.Convert(toT).Interface().(T)
	}
	panic(errors.Errorf("Context.GetParamOr[%T](ctx, %q): scope %q has value %v of type %T",
		defaultValue, key, ctx.scope, valueAny, valueAny))
}

func isNumeric(kind reflect.Kind) bool {
	return (kind >= reflect.Int && kind <= reflect.Uint64) || kind == reflect.Float32 || kind == reflect.Float64
}

// SetLoader configures given loader to be used as the default Loader for this Context.
//
// Loader is used just after any new variable is created, either with VariableWithValue or VariableWithShape.
// If the Loader has a value of the variable created, it will override the value given in VariableWithValue,
// or skip the initializer for VariableWithShape.
func (ctx *Context) SetLoader(loader Loader) {
	ctx.data.loader = loader
}

// GetLoader returns the current configured Loader for this context. See SetLoader for details on how the
// Loader is used.
func (ctx *Context) GetLoader() Loader {
	return ctx.data.loader
}

// InspectVariable returns the variable with the given name for inspection. This shouldn't be used during
// building of models, since this bypass the Reuse checks. It returns nil if a variable with the given
// name hasn't been created.
func (ctx *Context) InspectVariable(scope, name string) *Variable {
	vars, found := ctx.data.variablesMap[scope]
	if !found {
		return nil
	}
	return vars[name]
}

// NumVariables return the number of variables in this Context.
func (ctx *Context) NumVariables() int {
	return len(ctx.data.variables)
}

// NumParameters returns the summed-up number of all variables values.
func (ctx *Context) NumParameters() int {
	total := 0
	for _, v := range ctx.data.variables {
		total += v.Shape().Size()
	}
	return total
}

// EnumerateVariables will call fn for each variable in the context, in creation order.
// Notice the order of visitation is deterministic.
func (ctx *Context) EnumerateVariables(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		fn(v)
	}
}

// EnumerateVariablesInScope is similar to EnumerateVariables, but enumerate only those under the current
// context scope.
func (ctx *Context) EnumerateVariablesInScope(fn func(v *Variable)) {
	for _, v := range ctx.data.variables {
		if v.Scope() == ctx.scope || strings.HasPrefix(v.Scope(), JoinScope(ctx.scope, "")) {
			fn(v)
		}
	}
}

// Scopes returns the sorted list of scopes holding variables.
func (ctx *Context) Scopes() []string {
	return slices.Sorted(maps.Keys(ctx.data.variablesMap))
}

// NeedsInitialization returns whether there are variables that needs initialization.
func (ctx *Context) NeedsInitialization() bool {
	return ctx.data.needsInitialization
}

// InitializeVariables initializes all variables in the Context that don't yet have a value.
// Variables created with VariableWithValue or for which values were loaded are not initialized.
func (ctx *Context) InitializeVariables() {
	if !ctx.data.needsInitialization {
		return
	}
	for _, v := range ctx.data.variables {
		if v.value != nil {
			continue
		}
		value := v.initializer(ctx.data.rng, v.shape)
		if !value.Shape().Equal(v.shape) {
			Panicf("initializer of variable %q returned shape %s, wanted %s", v.ParameterName(), value.Shape(), v.shape)
		}
		v.value = value
		v.initializer = nil
	}
	ctx.data.needsInitialization = false
}

func (ctx *Context) setVariableInScope(name string, v *Variable) {
	vars, found := ctx.data.variablesMap[ctx.scope]
	if !found {
		vars = make(scopedVariableMap)
		ctx.data.variablesMap[ctx.scope] = vars
	}
	vars[name] = v
	ctx.data.variables = append(ctx.data.variables, v)
}

// checkNewVariable applies the reuse rules and returns the existing variable, if any.
func (ctx *Context) checkNewVariable(name string) *Variable {
	if name == "" || strings.Contains(name, ScopeSeparator) {
		Panicf("invalid variable name %q: it must be non-empty and not contain %q", name, ScopeSeparator)
	}
	v := ctx.InspectVariable(ctx.scope, name)
	if v == nil && ctx.checked && ctx.reuse {
		Panicf("requested variable %q in scope %q with Context.Reuse set, but variable does not exist", name, ctx.scope)
	}
	if v != nil && ctx.checked && !ctx.reuse {
		Panicf("variable %q for scope %q already exists -- if this was deliberate, use Context.Reuse() or Context.Checked(false)",
			name, ctx.scope)
	}
	return v
}

// VariableWithShape creates or returns an existing variable with the given shape in the current scope.
// It is initialized with the current variable initializer set for the context.
// By default, variables are marked as trainable.
//
// If a Loader is configured (see SetLoader), and the value is available to load, it will override
// the initializer.
func (ctx *Context) VariableWithShape(name string, shape shapes.Shape) *Variable {
	if shape.HasBatch() {
		Panicf("variable %q in scope %q cannot have a batch axis: %s", name, ctx.scope, shape)
	}
	v := ctx.checkNewVariable(name)
	if v != nil {
		if !shape.Equal(v.shape) {
			Panicf("requested to reuse variable %q in scope %q, but with different shape from original: previous shape=%s, requested shape=%s",
				name, ctx.scope, v.shape, shape)
		}
		return v
	}

	v = newVariable(ctx, name, shape)
	ctx.setVariableInScope(name, v)
	if ctx.tryToLoad(v) {
		return v
	}
	v.initializer = ctx.initializer
	ctx.data.needsInitialization = true
	return v
}

// VariableWithValue creates a variable that is initialized with the given value in the current scope.
// By default, variables are marked as trainable. The value given must be concrete, that is a tensor
// or a normal Go value that can be converted to a tensor -- a graph *Node does not work here.
//
// If a Loader is configured (see SetLoader), and the value is available to load, it will override
// the value given here.
func (ctx *Context) VariableWithValue(name string, value any) *Variable {
	valueT := valueToTensor(value)
	v := ctx.checkNewVariable(name)
	if v != nil {
		if !valueT.Shape().Equal(v.shape) {
			Panicf("requested to reuse variable %q in scope %q, but with value with different shape from original: previous shape=%s, requested value shape=%s",
				name, ctx.scope, v.shape, valueT.Shape())
		}
		return v
	}
	v = newVariable(ctx, name, valueT.Shape())
	ctx.setVariableInScope(name, v)
	if !ctx.tryToLoad(v) {
		v.value = valueT
	}
	return v
}

// tryToLoad tries to load the variable from the loader. It returns true if it succeeded.
func (ctx *Context) tryToLoad(v *Variable) bool {
	loader := ctx.data.loader
	if loader == nil {
		return false
	}
	value, found := loader.LoadVariable(ctx, v.scope, v.name)
	if !found {
		return false
	}
	if !value.Shape().Equal(v.shape) {
		Panicf("loading of variable %q returned shape %s, but variable was created with shape %s -- did some "+
			"hyperparameter change since variable was saved that changed the variable shape?",
			v.ParameterName(), value.Shape(), v.shape)
	}
	v.value = value
	return true
}

func valueToTensor(value any) *tensors.Tensor {
	if node, ok := value.(*graph.Node); ok {
		Panicf("trying to use a computation graph node as a concrete variable value will not work, "+
			"you have to provide a Go value or a tensor here -- *Node provided: %s", node)
	}
	t, err := tensors.ToTensor(value)
	if err != nil {
		panic(errors.WithMessagef(err, "failed to convert value %v for variable", value))
	}
	return t
}

// String returns a summary of the variables in the context.
func (ctx *Context) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Context(scope=%q, %d variables, %d parameters)", ctx.scope, ctx.NumVariables(), ctx.NumParameters())
	for _, v := range ctx.data.variables {
		fmt.Fprintf(&sb, "\n\t%s: %s", v.ParameterName(), v.shape)
	}
	return sb.String()
}
