package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/stanza-tools/stanza/pkg/engine"
)

// EnvConfigFunction is the Starlark function an env-config script must define.
const EnvConfigFunction = "env_config"

// StarlarkEvaluator executes Starlark scripts with a timeout.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &StarlarkEvaluator{
		timeout: timeout,
	}
}

// Call executes script and calls the named global function with args.
func (se *StarlarkEvaluator) Call(ctx context.Context, filename, script, function string, args ...interface{}) (interface{}, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  filename,
		Print: func(_ *starlark.Thread, _ string) {},
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := se.callSync(thread, filename, script, function, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-evalCtx.Done():
		thread.Cancel("timeout")
		return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case out := <-done:
		return out.value, out.err
	}
}

func (se *StarlarkEvaluator) callSync(thread *starlark.Thread, filename, script, function string, args []interface{}) (interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	fn, ok := globals[function].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s does not define function %s", filename, function)
	}

	sargs := make(starlark.Tuple, 0, len(args))
	for i, arg := range args {
		v, err := toStarlarkValue(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to convert argument %d: %w", i, err)
		}
		sargs = append(sargs, v)
	}

	result, err := starlark.Call(thread, fn, sargs, nil)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", function, err)
	}
	return fromStarlarkValue(result)
}

// EnvHook computes the compile-time define map of a bundle.
type EnvHook struct {
	evaluator *StarlarkEvaluator
	script    string
}

// NewEnvHook creates a hook. An empty script path yields the default defines.
func NewEnvHook(scriptPath string, timeout time.Duration) (*EnvHook, error) {
	h := &EnvHook{evaluator: NewStarlarkEvaluator(timeout)}
	if scriptPath == "" {
		return h, nil
	}

	data, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, engine.NewConfigurationError("failed to read env config script", err)
	}
	h.script = string(data)
	return h, nil
}

// DefaultDefines returns the defines every bundle is compiled with.
func DefaultDefines(d engine.BundleDescriptor, mode engine.Mode) map[string]string {
	isClient := d.Target.IsBrowser()
	return map[string]string{
		"process.env.NODE_ENV":  quote(string(mode)),
		"process.env.IS_CLIENT": fmt.Sprintf("%t", isClient),
		"process.env.IS_SERVER": fmt.Sprintf("%t", !isClient),
		"process.env.IS_NODE":   fmt.Sprintf("%t", !isClient),
	}
}

// Defines returns the define map for a bundle, passed through the env_config
// script when one is configured.
func (h *EnvHook) Defines(ctx context.Context, d engine.BundleDescriptor, mode engine.Mode) (map[string]string, error) {
	defines := DefaultDefines(d, mode)
	if h == nil || h.script == "" {
		return defines, nil
	}

	env := make(map[string]interface{}, len(defines))
	for k, v := range defines {
		env[k] = v
	}
	build := map[string]interface{}{
		"bundle": d.Name,
		"target": string(d.Target),
		"mode":   string(mode),
	}

	out, err := h.evaluator.Call(ctx, "env_config.star", h.script, EnvConfigFunction, env, build)
	if err != nil {
		return nil, engine.NewConfigurationError("env config hook failed", err).WithBundle(d.Name)
	}

	result, ok := out.(map[string]interface{})
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("%s must return a dict, got %T", EnvConfigFunction, out), nil).WithBundle(d.Name)
	}

	defines = make(map[string]string, len(result))
	for k, raw := range result {
		switch v := raw.(type) {
		case string:
			defines[k] = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, engine.NewConfigurationError(
					fmt.Sprintf("define %s is not serializable", k), err).WithBundle(d.Name)
			}
			defines[k] = string(encoded)
		}
	}
	return defines, nil
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, v := range val {
			starlarkVal, err := toStarlarkValue(v)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
