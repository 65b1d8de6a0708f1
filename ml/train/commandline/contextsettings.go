// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/puddle/ml/context"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseContextSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the context `ctx`. The default values are also used to set the type to which the
// string values will be parsed to.
//
// It updates `ctx` parameters accordingly, and returns an error in case a parameter
// is unknown or the parsing failed.
//
// Note, one can also provide a scope for the parameters: "pinn/learning_rate=0.1"
// will work, as long as a default "learning_rate" is defined in `ctx`.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000. Slices of int, float64 or string are given separated by ",".
//
// Example usage:
//
//	func main() {
//		ctx := createDefaultContext()
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		err := commandline.ParseContextSettings(ctx, *settings)
//		if err != nil { panic(err) }
//		fmt.Println(commandline.SprintContextSettings(ctx))
//		...
//	}
func ParseContextSettings(ctx *context.Context, settings string) error {
	for _, setting := range strings.Split(settings, ";") {
		if setting == "" {
			continue
		}
		parts := strings.Split(setting, "=")
		if len(parts) != 2 {
			return errors.Errorf("can't parse settings %q: each setting requires the format \"<param>=<value>\", got %q",
				settings, setting)
		}
		if err := setContextParam(ctx, parts[0], parts[1]); err != nil {
			return err
		}
	}
	return nil
}

// LoadContextSettingsFile reads a YAML file with a mapping of parameters to values, and sets them
// in the context, with the same rules as ParseContextSettings. Example of a file:
//
//	optimizer: adam
//	learning_rate: 0.01
//	pinn/batch_size: 1_024
//	fnn_layers: [32, 32, 1]
//
// Keys are applied in sorted order, so more specific scopes can be set after their parents.
func LoadContextSettingsFile(ctx *context.Context, filePath string) error {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read context settings from %q", filePath)
	}
	var settings map[string]yaml.Node
	if err = yaml.Unmarshal(contents, &settings); err != nil {
		return errors.Wrapf(err, "failed to parse YAML context settings from %q", filePath)
	}
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		node := settings[key]
		var valueStr string
		switch node.Kind {
		case yaml.ScalarNode:
			valueStr = node.Value
		case yaml.SequenceNode:
			values := make([]string, 0, len(node.Content))
			for _, item := range node.Content {
				if item.Kind != yaml.ScalarNode {
					return errors.Errorf("%q: parameter %q can only hold a list of scalar values (line %d)", filePath, key, item.Line)
				}
				values = append(values, item.Value)
			}
			valueStr = strings.Join(values, ",")
		default:
			return errors.Errorf("%q: parameter %q must be set to a scalar or a list of scalars (line %d)", filePath, key, node.Line)
		}
		if err = setContextParam(ctx, key, valueStr); err != nil {
			return errors.WithMessagef(err, "loading context settings from %q", filePath)
		}
	}
	return nil
}

// setContextParam parses valueStr to the type of the default value of the parameter and sets it
// in the scope given in paramPath.
func setContextParam(ctx *context.Context, paramPath, valueStr string) error {
	paramPathParts := strings.Split(paramPath, context.ScopeSeparator)
	key := paramPathParts[len(paramPathParts)-1]
	value, found := ctx.GetParam(key)
	if !found {
		return errors.Errorf("can't set parameter %q because the param %q is not known in the root context",
			paramPath, key)
	}

	// Set the new parameter in the selected scope.
	ctxInScope := ctx
	for _, part := range paramPathParts[:len(paramPathParts)-1] {
		if part == "" {
			continue
		}
		ctxInScope = ctxInScope.In(part)
	}

	newValue, err := parseValueAs(value, valueStr)
	if err != nil {
		return errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)", valueStr, paramPath, value)
	}
	ctxInScope.SetParam(key, newValue)
	return nil
}

// parseValueAs parses valueStr to a value of the same type as defaultValue.
func parseValueAs(defaultValue any, valueStr string) (any, error) {
	switch defaultValue.(type) {
	case string:
		return valueStr, nil
	case []string:
		if valueStr == "" {
			return []string{}, nil
		}
		return strings.Split(valueStr, ","), nil
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return parseScalarAs(reflect.TypeOf(defaultValue), valueStr)
	case []int, []float64:
		elemType := reflect.TypeOf(defaultValue).Elem()
		result := reflect.MakeSlice(reflect.TypeOf(defaultValue), 0, 0)
		if valueStr == "" {
			return result.Interface(), nil
		}
		for _, part := range strings.Split(valueStr, ",") {
			elem, err := parseScalarAs(elemType, strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			result = reflect.Append(result, reflect.ValueOf(elem))
		}
		return result.Interface(), nil
	default:
		return nil, fmt.Errorf("don't know how to parse type %T", defaultValue)
	}
}

func parseScalarAs(t reflect.Type, valueStr string) (any, error) {
	switch t.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	default:
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal([]byte(valueStr), ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// CreateContextSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current defined parameters in the context `ctx`.
//
// The flag should be created before the call to `flag.Parse()`.
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf(
		`Set context parameters defining the model. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`Scoped settings are allowed, by using %q to separated scopes. `+
			`Current available parameters that can be set:`,
		context.ScopeSeparator))
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintContextSettings pretty-print values for the current hyperparameters settings into a string.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	parts = append(parts, "Context hyperparameters:")
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			parts = append(parts, fmt.Sprintf("%q: (%T) %v", key, value, value))
		} else {
			parts = append(parts, fmt.Sprintf("%q / %q: (%T) %v", scope, key, value, value))
		}
	})
	return strings.Join(parts, "\n\t")
}
