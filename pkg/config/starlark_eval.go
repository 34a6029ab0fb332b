package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// DefaultMaxSteps bounds a variables script so a runaway loop cannot hang a deployment.
const DefaultMaxSteps = 10_000_000

// StarlarkEvaluator runs variables scripts in a sandbox without load() or I/O.
//
// Values cross the boundary as JSON in both directions, so inputs and
// results are limited to what JSON can express: None, bools, numbers,
// strings, lists, tuples, string-keyed dicts and structs.
type StarlarkEvaluator struct {
	timeout  time.Duration
	maxSteps uint64
	logger   zerolog.Logger
}

// NewStarlarkEvaluator creates an evaluator. A zero timeout means 30s.
func NewStarlarkEvaluator(timeout time.Duration, logger zerolog.Logger) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{
		timeout:  timeout,
		maxSteps: DefaultMaxSteps,
		logger:   logger.With().Str("component", "starlark").Logger(),
	}
}

// Evaluate executes script with input bound as predeclared names and returns
// its public globals. Names starting with "_" and functions are dropped.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	start := time.Now()

	thread := &starlark.Thread{
		Name: filename,
		Print: func(_ *starlark.Thread, msg string) {
			se.logger.Debug().Str("script", filename).Msg(msg)
		},
	}

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
	}
	if err := bindInput(thread, predeclared, input); err != nil {
		return nil, err
	}

	// Conversion above is not charged to the script.
	thread.SetMaxExecutionSteps(se.maxSteps)
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() { thread.Cancel(evalCtx.Err().Error()) })
	defer stop()

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		if evalErr, ok := err.(*starlark.EvalError); ok {
			return nil, fmt.Errorf("variables script failed: %s", evalErr.Backtrace())
		}
		return nil, fmt.Errorf("variables script failed: %w", err)
	}
	steps := thread.ExecutionSteps()

	export := &starlark.Thread{Name: filename + ":export"}
	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		if _, isFunc := val.(starlark.Callable); isFunc {
			continue
		}
		goVal, err := exportValue(export, val)
		if err != nil {
			return nil, fmt.Errorf("global %s: %w", name, err)
		}
		output[name] = goVal
	}

	return &StarlarkResult{
		Output:        output,
		Steps:         steps,
		ExecutionTime: time.Since(start),
	}, nil
}

// bindInput decodes input through Starlark's own json.decode and adds each
// entry to predeclared.
func bindInput(thread *starlark.Thread, predeclared starlark.StringDict, input map[string]interface{}) error {
	if len(input) == 0 {
		return nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("variables cannot be passed to the script: %w", err)
	}

	decoded, err := starlark.Call(thread, starjson.Module.Members["decode"], starlark.Tuple{starlark.String(data)}, nil)
	if err != nil {
		return fmt.Errorf("variables cannot be passed to the script: %w", err)
	}
	for _, item := range decoded.(*starlark.Dict).Items() {
		predeclared[string(item[0].(starlark.String))] = item[1]
	}
	return nil
}

// exportValue converts a Starlark value to plain Go data. Integers come back
// as int64, other numbers as float64.
func exportValue(thread *starlark.Thread, v starlark.Value) (interface{}, error) {
	encoded, err := starlark.Call(thread, starjson.Module.Members["encode"], starlark.Tuple{v}, nil)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(strings.NewReader(string(encoded.(starlark.String))))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return normalizeNumbers(out), nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		f, _ := val.Float64()
		return f
	case []interface{}:
		for i := range val {
			val[i] = normalizeNumbers(val[i])
		}
	case map[string]interface{}:
		for k := range val {
			val[k] = normalizeNumbers(val[k])
		}
	}
	return v
}
