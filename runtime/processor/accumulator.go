package processor

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"goa.design/agentflow/runtime/model"
	"goa.design/agentflow/runtime/tools"
)

type (
	// accumulator reassembles structured tool calls delivered as indexed
	// fragments across streaming chunks.
	accumulator struct {
		records map[int]*partialCall
	}

	// partialCall is one in-flight structured call.
	partialCall struct {
		id        string
		name      string
		arguments strings.Builder
		announced bool
	}
)

func newAccumulator() *accumulator {
	return &accumulator{records: make(map[int]*partialCall)}
}

// add folds a delta into the buffer. ID and name overwrite when provided and
// never clear; argument text appends. It returns the assembled call the first
// time the record becomes complete: id, name and arguments all present and
// the arguments parse as JSON. Later deltas for an announced record keep
// accumulating but do not re-announce, so mid-stream dispatch stays
// at-most-once per call.
func (a *accumulator) add(delta model.ToolCallDelta) (tools.Call, bool) {
	rec, ok := a.records[delta.Index]
	if !ok {
		rec = &partialCall{id: uuid.NewString()}
		a.records[delta.Index] = rec
	}
	if delta.ID != "" {
		rec.id = delta.ID
	}
	if delta.Name != "" {
		rec.name = delta.Name
	}
	rec.arguments.WriteString(delta.Arguments)

	if rec.announced {
		return tools.Call{}, false
	}
	call, complete := rec.complete()
	if !complete {
		return tools.Call{}, false
	}
	rec.announced = true
	return call, true
}

// complete reports whether the record is complete and, if so, returns it as a
// call with parsed arguments.
func (r *partialCall) complete() (tools.Call, bool) {
	if r.id == "" || r.name == "" || r.arguments.Len() == 0 {
		return tools.Call{}, false
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(r.arguments.String()), &args); err != nil {
		return tools.Call{}, false
	}
	return tools.Call{ID: r.id, FunctionName: r.name, Arguments: args}, true
}

// completeCalls returns every complete record in index order, in the
// provider's native shape, for assistant message persistence.
func (a *accumulator) completeCalls() []model.ToolCall {
	indexes := make([]int, 0, len(a.records))
	for idx := range a.records {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var out []model.ToolCall
	for _, idx := range indexes {
		rec := a.records[idx]
		if _, ok := rec.complete(); !ok {
			continue
		}
		out = append(out, model.ToolCall{
			ID:   rec.id,
			Type: "function",
			Function: model.FunctionCall{
				Name:      rec.name,
				Arguments: rec.arguments.String(),
			},
		})
	}
	return out
}

// incompleteCount reports how many records never became complete, for the
// stream-end warning.
func (a *accumulator) incompleteCount() int {
	n := 0
	for _, rec := range a.records {
		if _, ok := rec.complete(); !ok {
			n++
		}
	}
	return n
}

// calls returns every complete record as an executable call, in index order.
// Used for deferred execution when nothing was dispatched mid-stream.
func (a *accumulator) calls() []tools.Call {
	indexes := make([]int, 0, len(a.records))
	for idx := range a.records {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	var out []tools.Call
	for _, idx := range indexes {
		if call, ok := a.records[idx].complete(); ok {
			out = append(out, call)
		}
	}
	return out
}
