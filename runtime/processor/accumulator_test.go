package processor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentflow/runtime/model"
)

func TestAccumulatorAssemblesFragments(t *testing.T) {
	a := newAccumulator()

	_, ok := a.add(model.ToolCallDelta{Index: 0, ID: "call_1", Name: "lookup"})
	require.False(t, ok, "arguments still missing")

	_, ok = a.add(model.ToolCallDelta{Index: 0, Arguments: `{"query":`})
	require.False(t, ok, "arguments not yet valid JSON")

	call, ok := a.add(model.ToolCallDelta{Index: 0, Arguments: `"docs"}`})
	require.True(t, ok)
	require.Equal(t, "call_1", call.ID)
	require.Equal(t, "lookup", call.FunctionName)
	require.Equal(t, map[string]any{"query": "docs"}, call.Arguments)

	// Completion is announced exactly once.
	_, ok = a.add(model.ToolCallDelta{Index: 0, Arguments: ""})
	require.False(t, ok)
}

func TestAccumulatorOverwritesNeverClears(t *testing.T) {
	a := newAccumulator()
	a.add(model.ToolCallDelta{Index: 2, ID: "call_a", Name: "first"})
	// A later delta without id or name must not clear the recorded ones.
	a.add(model.ToolCallDelta{Index: 2, Arguments: `{}`})

	calls := a.completeCalls()
	require.Len(t, calls, 1)
	require.Equal(t, "call_a", calls[0].ID)
	require.Equal(t, "first", calls[0].Function.Name)
	require.Equal(t, `{}`, calls[0].Function.Arguments)
}

func TestAccumulatorDistinctIndexes(t *testing.T) {
	a := newAccumulator()
	a.add(model.ToolCallDelta{Index: 1, ID: "call_b", Name: "second", Arguments: `{"n":2}`})
	a.add(model.ToolCallDelta{Index: 0, ID: "call_a", Name: "first", Arguments: `{"n":1}`})

	calls := a.completeCalls()
	require.Len(t, calls, 2)
	require.Equal(t, "call_a", calls[0].ID, "complete calls are ordered by index")
	require.Equal(t, "call_b", calls[1].ID)

	exec := a.calls()
	require.Len(t, exec, 2)
	require.Equal(t, "first", exec[0].FunctionName)
	require.Equal(t, "second", exec[1].FunctionName)
}

func TestAccumulatorIncompleteDropped(t *testing.T) {
	a := newAccumulator()
	a.add(model.ToolCallDelta{Index: 0, ID: "call_a", Name: "first", Arguments: `{"ok":true}`})
	a.add(model.ToolCallDelta{Index: 1, Name: "never_finished", Arguments: `{"broken":`})

	require.Equal(t, 1, a.incompleteCount())
	require.Len(t, a.completeCalls(), 1)
	require.Len(t, a.calls(), 1)
}
