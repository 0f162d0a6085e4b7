package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/stackprobe/stackprobe/pkg/processor"
)

// StarlarkResult represents the result of Starlark execution.
type StarlarkResult struct {
	// Output is the exported global bindings from the script.
	Output map[string]interface{} `json:"output,omitempty"`

	// ExecutionTime is how long the script took to execute.
	ExecutionTime time.Duration `json:"execution_time"`
}

// StarlarkEvaluator executes Starlark scripts with a wall-clock bound.
// Run selectors are the main consumer: a script defines select(arch) and
// decides per architecture whether this run should process it.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes a script with the given input bindings and returns its
// exported globals. Names starting with an underscore stay private.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	globals, err := se.run(ctx, script, input)
	if err != nil {
		return nil, err
	}

	output := make(map[string]interface{})
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		goVal, err := fromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		ExecutionTime: time.Since(start),
	}, nil
}

// SelectArchitectures runs a selector script against each architecture and
// returns the IDs it accepts. The script must define select(arch); arch is
// a dict with id, name, description, and services.
func (se *StarlarkEvaluator) SelectArchitectures(ctx context.Context, script string, archs []processor.Architecture) ([]string, error) {
	globals, err := se.run(ctx, script, nil)
	if err != nil {
		return nil, err
	}

	selectFn, ok := globals["select"]
	if !ok {
		return nil, fmt.Errorf("selector script must define select(arch)")
	}
	callable, ok := selectFn.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("select is not callable")
	}

	thread := se.newThread()
	selected := make([]string, 0, len(archs))

	for _, arch := range archs {
		services := make([]starlark.Value, len(arch.Services))
		for i, svc := range arch.Services {
			services[i] = starlark.String(svc)
		}

		dict := starlark.NewDict(4)
		_ = dict.SetKey(starlark.String("id"), starlark.String(arch.ID))
		_ = dict.SetKey(starlark.String("name"), starlark.String(arch.Name))
		_ = dict.SetKey(starlark.String("description"), starlark.String(arch.Description))
		_ = dict.SetKey(starlark.String("services"), starlark.NewList(services))

		result, err := starlark.Call(thread, callable, starlark.Tuple{dict}, nil)
		if err != nil {
			return nil, fmt.Errorf("select(%s) failed: %w", arch.ID, err)
		}

		if bool(result.Truth()) {
			selected = append(selected, arch.ID)
		}
	}

	return selected, nil
}

// run executes a script and returns its globals, bounded by the evaluator
// timeout.
func (se *StarlarkEvaluator) run(ctx context.Context, script string, input map[string]interface{}) (starlark.StringDict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	type outcome struct {
		globals starlark.StringDict
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		predeclared := starlark.StringDict{}
		for key, val := range input {
			sval, err := toStarlarkValue(val)
			if err != nil {
				done <- outcome{err: fmt.Errorf("failed to convert input %s: %w", key, err)}
				return
			}
			predeclared[key] = sval
		}

		globals, err := starlark.ExecFile(se.newThread(), "selector.star", script, predeclared)
		if err != nil {
			done <- outcome{err: fmt.Errorf("starlark execution failed: %w", err)}
			return
		}
		done <- outcome{globals: globals}
	}()

	select {
	case <-evalCtx.Done():
		return nil, fmt.Errorf("starlark execution timeout after %v", se.timeout)
	case out := <-done:
		return out.globals, out.err
	}
}

func (se *StarlarkEvaluator) newThread() *starlark.Thread {
	return &starlark.Thread{
		Name: "stackprobe",
		Print: func(_ *starlark.Thread, msg string) {
			// Scripts have no stdout.
		},
	}
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
			sval, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sval
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sval, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sval); err != nil {
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
	case starlark.Callable:
		return nil, fmt.Errorf("functions cannot be exported")
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
