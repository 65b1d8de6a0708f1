// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of the trained weights
// and hyperparameters of a context.Context.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
// Once created, if a previous saved checkpoint exists, it will automatically load parameters into the
// Context, and variable values as the variables are created (or immediately, for variables that
// already exist).
// And as the model trains, one can call Handler.Save() at any time to save a new checkpoint --
// typically one will do that inside train.PeriodicCallback().
//
// Example:
//
//	ctx := context.New()
//	var checkpoint *checkpoints.Handler
//	if *flagCheckpoint != "" {
//		checkpoint = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(3).Done())
//	}
//	…
//	if checkpoint != nil {
//		const priority = 100  // Large number here, means it runs last.
//		train.PeriodicCallback(loop, time.Minute, true, "checkpointing", priority, checkpoint.OnStepFn)
//	}
//
// Each checkpoint is a single JSON file.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/puddle/ml/context"
	"github.com/gomlx/puddle/ml/train"
	"github.com/gomlx/puddle/ml/train/optimizers"
	"github.com/gomlx/puddle/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)
)

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	ctx *context.Context
	err error

	dir           string
	includeParams bool
	keep          int
}

// Build a configuration for building a checkpoints.Handler. After configuring the
// Config object returned, call `Done` to get the configured checkpoints.Handler.
func Build(ctx *context.Context) *Config {
	return &Config{
		ctx:           ctx,
		includeParams: true,
		keep:          1,
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints. It is created if it doesn't exist.
// A "~" prefix is replaced by the user's home directory.
//
// One must set either Dir or TempDir before building the checkpoints.Handler.
func (c *Config) Dir(dir string) *Config {
	if strings.HasPrefix(dir, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			c.setError(errors.Wrapf(err, "failed to find home directory to expand %q", dir))
			return c
		}
		dir = filepath.Join(home, dir[1:])
	}
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil {
		if !fi.IsDir() {
			c.setError(errors.Errorf("checkpoint path %q exists but is not a directory", dir))
		}
		return c
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "failed to create checkpoint directory %q", dir))
	}
	return c
}

// TempDir creates a new temporary directory under dir (or the default temporary directory, if empty)
// named with the given pattern (see os.MkdirTemp).
func (c *Config) TempDir(dir, pattern string) *Config {
	newDir, err := os.MkdirTemp(dir, pattern)
	if err != nil {
		c.setError(errors.Wrapf(err, "failed to create os.MkdirTemp(%q, %q)", dir, pattern))
		return c
	}
	c.dir = newDir
	return c
}

// ExcludeParams configures Handler to exclude the Context parameters (values usually
// read/written by Context.GetParam and context.SetParam).
//
// By default, Params are loaded and set into Context the moment Handler is created
// (when Done() is called), overriding values already present in the Context.
func (c *Config) ExcludeParams() *Config {
	c.includeParams = false
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid, or if it's missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	h := &Handler{config: c, variableValues: make(map[string]*tensors.Tensor)}
	checkpoints, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckpointCount(checkpoints) + 1
	if len(checkpoints) > 0 {
		if err = h.load(checkpoints[len(checkpoints)-1]); err != nil {
			return nil, err
		}
	}
	err = exceptions.TryCatch[error](func() { h.attachTo(c.ctx) })
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Handler handles saving and loading of checkpoints for a context.Context. See example in
// package documentation.
//
// Loading happens at its creation time, from the latest checkpoint. Parameters are immediately
// set in the context (if not Config.ExcludeParams), variables that already exist are set immediately,
// and the other loaded values are "consumed" one at a time, as the variables are created.
//
// Saving is explicit, by calling Handler.Save(). It saves all variables in the Context, along
// with any previously loaded values not yet consumed, and the params of all scopes.
type Handler struct {
	config            *Config
	ctx               *context.Context
	prevContextLoader context.Loader

	variableValues   map[string]*tensors.Tensor
	params           []serializedParam
	checkpointsCount int
}

// serializedData is how the checkpoint is written to storage.
type serializedData struct {
	GlobalStep int64
	Params     []serializedParam

	// Variables maps context.Variable.ParameterName() to its value.
	Variables map[string]*tensors.Tensor
}

// serializedParam represents a serialized context parameter.
// It includes the original ValueType, because the JSON decoder may
// not be capable of recovering the original type in anonymous (any) Value.
type serializedParam struct {
	Scope, Key string
	Value      any
	ValueType  string
}

// jsonDecodeTypeConvert converts the Value decoded by JSON into the original ValueType.
// E.g.: JSON decoder will decode all numbers to float64.
func (p *serializedParam) jsonDecodeTypeConvert() {
	switch value := p.Value.(type) {
	case float64:
		switch p.ValueType {
		case "int":
			p.Value = int(value)
		case "int32":
			p.Value = int32(value)
		case "int64":
			p.Value = int64(value)
		case "float32":
			p.Value = float32(value)
		}
	case []any:
		switch p.ValueType {
		case "[]int":
			p.Value = convertSlice(value, func(f float64) int { return int(f) })
		case "[]float64":
			p.Value = convertSlice(value, func(f float64) float64 { return f })
		case "[]string":
			p.Value = convertSlice(value, func(s string) string { return s })
		}
	}
}

func convertSlice[From, To any](values []any, fn func(From) To) []To {
	result := make([]To, 0, len(values))
	for _, v := range values {
		from, _ := v.(From)
		result = append(result, fn(from))
	}
	return result
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
)

// newCheckpointBaseName returns the base name for the checkpoint file.
func (h *Handler) newCheckpointBaseName(globalStep int64) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return baseName + "-initial"
}

// ListCheckpoints returns the base file name of the checkpoints in the directory in time order (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		fileName := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, jsonNameSuffix))
	}
	slices.Sort(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest count in the saved checkpoints, or -1 if there are none.
func maxCheckpointCount(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		if id, err := strconv.Atoi(matches[1]); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID
}

// load reads the checkpoint with the given base name.
func (h *Handler) load(baseName string) error {
	fileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	contents, err := os.ReadFile(fileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint", h)
	}
	var data serializedData
	if err = json.Unmarshal(contents, &data); err != nil {
		return errors.Wrapf(err, "%s: failed to parse checkpoint %q", h, fileName)
	}
	for ii := range data.Params {
		data.Params[ii].jsonDecodeTypeConvert()
	}
	h.params = data.Params
	for name, value := range data.Variables {
		h.variableValues[name] = value
	}
	klog.V(1).Infof("%s: loaded %q (global step %d, %d variables)", h, baseName, data.GlobalStep, len(data.Variables))
	return nil
}

// Save writes a new checkpoint, and removes the older ones in excess of Config.Keep.
func (h *Handler) Save() error {
	if h.ctx == nil {
		return errors.Errorf("%s not attached to a context.Context yet", h)
	}
	data := serializedData{
		GlobalStep: optimizers.GetGlobalStep(h.ctx),
		Variables:  make(map[string]*tensors.Tensor, h.ctx.NumVariables()+len(h.variableValues)),
	}
	if h.config.includeParams {
		h.ctx.EnumerateParams(func(scope, key string, value any) {
			data.Params = append(data.Params,
				serializedParam{Scope: scope, Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
		})
	}
	for name, value := range h.variableValues {
		data.Variables[name] = value
	}
	var err error
	h.ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Value() == nil {
			return
		}
		if v.Value().HasNaNOrInf() && err == nil {
			err = errors.Errorf("%s: variable %q has NaN or Inf values, checkpoint not saved", h, v.ParameterName())
		}
		data.Variables[v.ParameterName()] = v.Value()
	})
	if err != nil {
		return err
	}

	contents, err := json.MarshalIndent(&data, "", "\t")
	if err != nil {
		return errors.Wrapf(err, "%s: failed to serialize checkpoint", h)
	}
	baseName := h.newCheckpointBaseName(data.GlobalStep)
	h.checkpointsCount++
	fileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	if err = os.WriteFile(fileName, contents, 0o660); err != nil {
		return errors.Wrapf(err, "%s: failed to write checkpoint", h)
	}
	klog.V(1).Infof("%s: saved %q", h, baseName)
	return h.keepNCheckpoints()
}

// OnStepFn implements `train.OnStepFn`, and make it convenient to attach to a training loop.
// It simply calls Save.
func (h *Handler) OnStepFn(_ *train.Loop, _ []*tensors.Tensor) error {
	return h.Save()
}

// keepNCheckpoints removes the oldest checkpoints in excess of the configured number.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	if len(list) <= h.config.keep {
		return nil
	}
	for _, baseName := range list[:len(list)-h.config.keep] {
		fileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
		if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
		}
	}
	return nil
}

// attachTo attaches Handler to a context.Context: it sets the loaded params and values of
// existing variables, and installs itself as the context Loader.
func (h *Handler) attachTo(ctx *context.Context) {
	if h.ctx != nil {
		exceptions.Panicf("%s already attached to a Context, can not attach to another one", h)
	}
	h.ctx = ctx
	h.prevContextLoader = ctx.GetLoader()
	ctx.SetLoader(h)
	if h.config.includeParams {
		for _, p := range h.params {
			ctx.InAbsPath(p.Scope).SetParam(p.Key, p.Value)
		}
	}
	ctx.EnumerateVariables(func(v *context.Variable) {
		value, found := h.variableValues[v.ParameterName()]
		if !found {
			return
		}
		v.SetValue(value)
		delete(h.variableValues, v.ParameterName())
	})
}

// Dir returns the directory the Handler is configured to.
// It returns "" (empty) if the Handler is `nil`.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.config.dir
}

// LoadVariable implements context.Loader.
// Previously configured loaders take priority.
func (h *Handler) LoadVariable(ctx *context.Context, scope, name string) (value *tensors.Tensor, found bool) {
	if h.prevContextLoader != nil {
		value, found = h.prevContextLoader.LoadVariable(ctx, scope, name)
		if found {
			return
		}
	}
	parameterName := context.ParameterPrefix + context.JoinScope(scope, name)
	value, found = h.variableValues[parameterName]
	if found {
		// "Consume" value, meaning remove it from Handler.
		delete(h.variableValues, parameterName)
	}
	return
}

// LoadedVariables for inspection: values loaded but not yet consumed by the context.
// The Handler owns the returned map, don't change it.
func (h *Handler) LoadedVariables() map[string]*tensors.Tensor {
	return h.variableValues
}
