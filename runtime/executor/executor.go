// Package executor runs tool calls resolved through the tool registry. Tool
// failure is always a value, never a Go error: unknown tools, argument schema
// violations, handler errors and panics all become failed results so one bad
// call never aborts a batch or a run.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"goa.design/agentflow/runtime/telemetry"
	"goa.design/agentflow/runtime/tools"
)

type (
	// Strategy selects how batches of tool calls are composed.
	Strategy string

	// Engine dispatches tool executions.
	Engine struct {
		reg    *tools.Registry
		logger telemetry.Logger
	}

	// Option configures an Engine.
	Option func(*Engine)

	// Execution pairs a call with its result, preserving input order in
	// batch APIs.
	Execution struct {
		Call   tools.Call
		Result tools.Result
	}
)

const (
	// StrategySequential processes calls in input order, one at a time.
	StrategySequential Strategy = "sequential"

	// StrategyParallel launches all calls concurrently and awaits all.
	StrategyParallel Strategy = "parallel"
)

// WithLogger configures the engine logger. Nil keeps the no-op default.
func WithLogger(logger telemetry.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New returns an engine resolving calls through the given registry.
func New(reg *tools.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		logger: telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Execute runs a single call. It never returns an error: every failure mode
// is reported through the result.
func (e *Engine) Execute(ctx context.Context, call tools.Call) (res tools.Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "tool panicked", "tool", call.FunctionName, "panic", r)
			res = tools.Fail(fmt.Sprintf("Error executing tool: %v", r))
		}
	}()

	registration, ok := e.reg.Lookup(call.FunctionName)
	if !ok {
		e.logger.Warn(ctx, "tool not found", "tool", call.FunctionName)
		return tools.Fail(fmt.Sprintf("Tool function %q not found", call.FunctionName))
	}

	args := normalizeArguments(call.Arguments)
	if err := e.reg.Validate(call.FunctionName, args); err != nil {
		e.logger.Warn(ctx, "tool arguments rejected", "tool", call.FunctionName, "err", err)
		return tools.Fail(fmt.Sprintf("Invalid arguments: %v", err))
	}

	e.logger.Debug(ctx, "executing tool", "tool", call.FunctionName, "call_id", call.ID)
	result, err := registration.Handler(ctx, args)
	if err != nil {
		e.logger.Error(ctx, "tool failed", "tool", call.FunctionName, "err", err)
		return tools.Fail(fmt.Sprintf("Error executing tool: %v", err))
	}
	return result
}

// ExecuteMany runs the calls under the given strategy and returns (call,
// result) pairs in input order. Unknown strategies fall back to sequential.
func (e *Engine) ExecuteMany(ctx context.Context, calls []tools.Call, strategy Strategy) []Execution {
	if len(calls) == 0 {
		return nil
	}
	switch strategy {
	case StrategyParallel:
		return e.executeParallel(ctx, calls)
	case StrategySequential:
		return e.executeSequential(ctx, calls)
	default:
		e.logger.Warn(ctx, "unknown execution strategy, using sequential", "strategy", string(strategy))
		return e.executeSequential(ctx, calls)
	}
}

func (e *Engine) executeSequential(ctx context.Context, calls []tools.Call) []Execution {
	out := make([]Execution, 0, len(calls))
	for _, call := range calls {
		out = append(out, Execution{Call: call, Result: e.Execute(ctx, call)})
	}
	return out
}

func (e *Engine) executeParallel(ctx context.Context, calls []tools.Call) []Execution {
	out := make([]Execution, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call tools.Call) {
			defer wg.Done()
			out[i] = Execution{Call: call, Result: e.Execute(ctx, call)}
		}(i, call)
	}
	wg.Wait()
	return out
}

// normalizeArguments ensures handlers always receive a parameter map.
// Arguments that arrived as a raw string (for example a malformed structured
// fragment) are first parsed as JSON and otherwise wrapped as {"text": value}.
func normalizeArguments(args map[string]any) map[string]any {
	if raw, ok := args["__raw"].(string); ok && len(args) == 1 {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return parsed
		}
		return map[string]any{"text": raw}
	}
	if args == nil {
		return map[string]any{}
	}
	return args
}

// RawArguments wraps an unparsed argument string in the shape Execute expects
// for later normalization.
func RawArguments(raw string) map[string]any {
	return map[string]any{"__raw": raw}
}
