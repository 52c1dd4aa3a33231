// Package tools defines the tool call and result types shared by the parsers,
// the execution engine, and the processors, together with the registry that
// maps function names and markup tags to executable tools.
package tools

import "context"

type (
	// Call is a single requested tool invocation, produced by either the
	// structured accumulator or the markup parser.
	Call struct {
		// ID identifies the call. Provider-assigned for structured calls,
		// synthesized for markup calls.
		ID string

		// FunctionName is the canonical name of the callable.
		FunctionName string

		// XMLTagName is the original markup tag when the call originated
		// from markup. Empty for structured calls.
		XMLTagName string

		// Arguments maps parameter names to values. For structured calls
		// this is the parsed argument JSON; for markup calls it is the
		// extracted parameter map.
		Arguments map[string]any
	}

	// Result is the outcome of one execution attempt. Every attempt yields
	// exactly one Result, including on panic or unknown tool.
	Result struct {
		// Success reports whether the tool completed without error.
		Success bool

		// Output is the tool's output on success or the error message on
		// failure. Structured outputs are JSON-encoded by String.
		Output any
	}

	// Handler executes a tool with its parsed arguments. Returning an error
	// is equivalent to returning a failed Result; the execution engine
	// converts between the two.
	Handler func(ctx context.Context, args map[string]any) (Result, error)
)

// Markup reports whether the call originated from a markup block.
func (c Call) Markup() bool { return c.XMLTagName != "" }
