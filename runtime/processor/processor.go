// Package processor drives model completion output through tool detection,
// execution scheduling and event emission. The streaming processor consumes a
// chunk stream incrementally, extracting markup blocks and structured
// tool-call fragments as they arrive; the non-streaming processor applies the
// same contract to a single complete response.
//
// Both processors multiplex parser output, execution status and execution
// results into one event stream delivered through a stream.Sink, and persist
// the authoritative record through the thread store: the assistant message
// always lands before any tool result message that cites it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/agentflow/runtime/executor"
	"goa.design/agentflow/runtime/markup"
	"goa.design/agentflow/runtime/model"
	"goa.design/agentflow/runtime/stream"
	"goa.design/agentflow/runtime/telemetry"
	"goa.design/agentflow/runtime/thread"
	"goa.design/agentflow/runtime/tools"
)

type (
	// Processor extracts and executes tool calls from model responses.
	Processor struct {
		reg     *tools.Registry
		threads thread.Store
		engine  *executor.Engine
		logger  telemetry.Logger
	}

	// Option configures a Processor.
	Option func(*Processor)

	// pendingExec tracks one in-flight mid-stream execution.
	pendingExec struct {
		call  tools.Call
		index int
		done  chan tools.Result
	}

	// completedExec records a finished execution for end-of-stream
	// persistence.
	completedExec struct {
		call   tools.Call
		result tools.Result
	}

	// responseState is the per-response mutable state of the streaming
	// processor.
	responseState struct {
		cfg          Config
		threadID     string
		sink         stream.Sink
		content      strings.Builder
		parser       *markup.Parser
		accum        *accumulator
		pending      []pendingExec
		results      []completedExec
		deferred     []tools.Call
		toolIndex    int
		markupCount  int
		finishReason string
	}
)

// WithLogger configures the processor logger. Nil keeps the no-op default.
func WithLogger(logger telemetry.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a processor resolving tools through reg, executing them with
// engine and persisting messages through threads.
func New(reg *tools.Registry, threads thread.Store, engine *executor.Engine, opts ...Option) *Processor {
	p := &Processor{
		reg:     reg,
		threads: threads,
		engine:  engine,
		logger:  telemetry.NewNoopLogger(),
	}
	for _, o := range opts {
		if o != nil {
			o(p)
		}
	}
	return p
}

// ProcessStream consumes the model chunk stream, emitting events to sink and
// persisting the response to the thread. A fatal processing failure emits a
// terminal error event and is returned to the caller; parse and per-tool
// failures are contained.
func (p *Processor) ProcessStream(ctx context.Context, threadID string, llm model.Streamer, sink stream.Sink, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("processor config: %w", err)
	}
	defer llm.Close()

	st := &responseState{
		cfg:      cfg,
		threadID: threadID,
		sink:     sink,
		parser:   markup.NewParser(p.reg),
		accum:    newAccumulator(),
	}

	if err := p.consumeStream(ctx, llm, st); err != nil {
		p.logger.Error(ctx, "streaming response processing failed", "thread_id", threadID, "err", err)
		_ = sink.Send(ctx, stream.NewError(err.Error()))
		return err
	}
	if err := p.finalize(ctx, st); err != nil {
		p.logger.Error(ctx, "response finalization failed", "thread_id", threadID, "err", err)
		_ = sink.Send(ctx, stream.NewError(err.Error()))
		return err
	}
	return nil
}

// consumeStream drains the chunk source, dispatching mid-stream work and
// polling completions between chunks. It returns when the source is exhausted
// or the markup cap stops the response.
func (p *Processor) consumeStream(ctx context.Context, llm model.Streamer, st *responseState) error {
	for {
		chunk, err := llm.Recv(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("receive model chunk: %w", err)
		}

		if chunk.FinishReason != "" {
			st.finishReason = chunk.FinishReason
		}

		if chunk.Content != "" {
			if err := p.handleContent(ctx, st, chunk.Content); err != nil {
				return err
			}
		}

		if st.cfg.StructuredToolCalling {
			for _, delta := range chunk.ToolCallDeltas {
				if err := p.handleToolCallDelta(ctx, st, delta); err != nil {
					return err
				}
			}
		}

		if err := p.pollCompleted(ctx, st); err != nil {
			return err
		}

		if st.finishReason == FinishReasonMarkupLimit {
			p.logger.Info(ctx, "markup tool call limit reached, stopping stream",
				"thread_id", st.threadID, "limit", st.cfg.MaxMarkupToolCalls)
			return nil
		}
	}
}

// handleContent appends a text delta, emits the content event and drains any
// complete markup blocks.
func (p *Processor) handleContent(ctx context.Context, st *responseState, delta string) error {
	st.content.WriteString(delta)
	st.parser.Feed(delta)

	if err := st.sink.Send(ctx, stream.NewContent(delta)); err != nil {
		return fmt.Errorf("emit content event: %w", err)
	}

	if !st.cfg.MarkupToolCalling || st.capReached() {
		return nil
	}
	for _, block := range st.parser.Drain() {
		call, err := markup.ParseBlock(p.reg, block)
		if err != nil {
			p.logger.Warn(ctx, "dropping malformed markup block", "thread_id", st.threadID, "err", err)
			continue
		}
		st.markupCount++
		if st.cfg.ExecuteTools {
			if st.cfg.ExecuteOnStream {
				if err := p.dispatch(ctx, st, call); err != nil {
					return err
				}
			} else {
				st.deferred = append(st.deferred, call)
			}
		}
		if st.capReached() {
			st.finishReason = FinishReasonMarkupLimit
			break
		}
	}
	return nil
}

// handleToolCallDelta forwards the raw fragment to observers, folds it into
// the accumulator and dispatches the call when it completes mid-stream.
func (p *Processor) handleToolCallDelta(ctx context.Context, st *responseState, delta model.ToolCallDelta) error {
	frag := stream.ToolCallFragment{
		ID:       delta.ID,
		Index:    delta.Index,
		CallType: "function",
		Function: stream.FragmentFunction{
			Name:      delta.Name,
			Arguments: delta.Arguments,
		},
	}
	if err := st.sink.Send(ctx, stream.NewFragment(frag)); err != nil {
		return fmt.Errorf("emit tool call fragment: %w", err)
	}

	call, complete := st.accum.add(delta)
	if complete && st.cfg.ExecuteTools && st.cfg.ExecuteOnStream {
		return p.dispatch(ctx, st, call)
	}
	return nil
}

// dispatch assigns the call the next tool index, emits the started status and
// launches the execution concurrently with ongoing stream consumption.
func (p *Processor) dispatch(ctx context.Context, st *responseState, call tools.Call) error {
	index := st.toolIndex
	st.toolIndex++

	if err := st.sink.Send(ctx, startedEvent(call, index)); err != nil {
		return fmt.Errorf("emit tool started event: %w", err)
	}

	pe := pendingExec{call: call, index: index, done: make(chan tools.Result, 1)}
	st.pending = append(st.pending, pe)
	go func() {
		pe.done <- p.engine.Execute(ctx, call)
	}()
	return nil
}

// pollCompleted drains finished pending executions without blocking, emitting
// status and result events as they resolve.
func (p *Processor) pollCompleted(ctx context.Context, st *responseState) error {
	remaining := st.pending[:0]
	for _, pe := range st.pending {
		select {
		case result := <-pe.done:
			if err := p.reportExecution(ctx, st, pe, result); err != nil {
				return err
			}
		default:
			remaining = append(remaining, pe)
		}
	}
	st.pending = remaining
	return nil
}

// awaitPending blocks until every pending execution resolves.
func (p *Processor) awaitPending(ctx context.Context, st *responseState) error {
	for _, pe := range st.pending {
		result := <-pe.done
		if err := p.reportExecution(ctx, st, pe, result); err != nil {
			return err
		}
	}
	st.pending = nil
	return nil
}

// reportExecution emits the completion status and result events for a
// finished execution and records it for persistence.
func (p *Processor) reportExecution(ctx context.Context, st *responseState, pe pendingExec, result tools.Result) error {
	if err := st.sink.Send(ctx, completedEvent(pe.call, result, pe.index)); err != nil {
		return fmt.Errorf("emit tool status event: %w", err)
	}
	if err := st.sink.Send(ctx, resultEvent(pe.call, result, pe.index)); err != nil {
		return fmt.Errorf("emit tool result event: %w", err)
	}
	st.results = append(st.results, completedExec{call: pe.call, result: result})
	return nil
}

// finalize runs once the chunk source is exhausted or the cap stopped it:
// await in-flight work, persist the assistant message, execute deferred
// calls, persist results and emit the finish event.
func (p *Processor) finalize(ctx context.Context, st *responseState) error {
	if err := p.awaitPending(ctx, st); err != nil {
		return err
	}

	if n := st.accum.incompleteCount(); n > 0 {
		p.logger.Warn(ctx, "dropping incomplete structured tool calls at stream end",
			"thread_id", st.threadID, "count", n)
	}

	capped := st.finishReason == FinishReasonMarkupLimit

	// Persist the assistant message before any tool result that cites it.
	var structured []model.ToolCall
	if st.cfg.StructuredToolCalling {
		structured = st.accum.completeCalls()
	}
	if st.content.Len() > 0 || len(structured) > 0 {
		msg := thread.Message{
			Role:      thread.RoleAssistant,
			Content:   st.content.String(),
			ToolCalls: structured,
		}
		if err := p.threads.AppendMessage(ctx, st.threadID, msg); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
	}

	// Results of on-stream executions were already reported as events; they
	// still need their thread messages, in completion order.
	for _, done := range st.results {
		if err := p.persistResult(ctx, st, done.call, done.result); err != nil {
			return err
		}
	}

	// Deferred execution under the configured strategy. When the cap stopped
	// the stream only the calls parsed within the cap are present; blocks
	// past the cap stay in the content unexecuted.
	if st.cfg.ExecuteTools && !st.cfg.ExecuteOnStream {
		calls := st.deferred
		if st.cfg.StructuredToolCalling {
			calls = append(st.accum.calls(), calls...)
		}
		for _, done := range p.engine.ExecuteMany(ctx, calls, st.cfg.ToolExecutionStrategy) {
			index := st.toolIndex
			st.toolIndex++
			if err := p.persistResult(ctx, st, done.Call, done.Result); err != nil {
				return err
			}
			if err := st.sink.Send(ctx, resultEvent(done.Call, done.Result, index)); err != nil {
				return fmt.Errorf("emit tool result event: %w", err)
			}
		}
	}

	if capped {
		st.finishReason = FinishReasonMarkupLimit
	}
	if st.finishReason != "" {
		if err := st.sink.Send(ctx, stream.NewFinish(st.finishReason)); err != nil {
			return fmt.Errorf("emit finish event: %w", err)
		}
	}
	return nil
}

// persistResult writes one tool result message. Structured-origin results are
// tool-role messages keyed by tool_call_id; markup-origin results follow the
// configured placement wrapped in the originating tag.
func (p *Processor) persistResult(ctx context.Context, st *responseState, call tools.Call, result tools.Result) error {
	var msg thread.Message
	if call.Markup() {
		role := thread.RoleAssistant
		if st.cfg.MarkupResultPlacement == PlacementUserMessage {
			role = thread.RoleUser
		}
		msg = thread.Message{
			Role:    role,
			Content: formatMarkupResult(call, result),
		}
	} else {
		msg = thread.Message{
			Role:       thread.RoleTool,
			ToolCallID: call.ID,
			Name:       call.FunctionName,
			Content:    resultContent(result),
		}
	}
	if err := p.threads.AppendMessage(ctx, st.threadID, msg); err != nil {
		return fmt.Errorf("persist tool result message: %w", err)
	}
	return nil
}

// capReached reports whether the markup call cap is active and met.
func (st *responseState) capReached() bool {
	return st.cfg.MaxMarkupToolCalls > 0 && st.markupCount >= st.cfg.MaxMarkupToolCalls
}

// resultContent renders a result for persistence. Failures are prefixed so
// the model observes them as such.
func resultContent(result tools.Result) string {
	if result.Success {
		return result.String()
	}
	return "Tool execution failed: " + result.String()
}

// formatMarkupResult wraps a markup-origin result in its originating tag.
func formatMarkupResult(call tools.Call, result tools.Result) string {
	return fmt.Sprintf("<%s> %s </%s>", call.XMLTagName, resultContent(result), call.XMLTagName)
}

// startedEvent builds the started status for a dispatched call.
func startedEvent(call tools.Call, index int) stream.ToolStatus {
	name := call.FunctionName
	if call.Markup() {
		name = call.XMLTagName
	}
	return stream.ToolStatus{
		Type:         stream.EventToolStatus,
		Status:       stream.StatusStarted,
		FunctionName: call.FunctionName,
		XMLTagName:   call.XMLTagName,
		Message:      fmt.Sprintf("Starting execution of %s", name),
		ToolIndex:    index,
	}
}

// completedEvent builds the completed or failed status for a finished call.
func completedEvent(call tools.Call, result tools.Result, index int) stream.ToolStatus {
	name := call.FunctionName
	if call.Markup() {
		name = call.XMLTagName
	}
	status := stream.StatusCompleted
	msg := fmt.Sprintf("Tool %s completed successfully", name)
	if !result.Success {
		status = stream.StatusFailed
		msg = fmt.Sprintf("Tool %s failed", name)
	}
	return stream.ToolStatus{
		Type:         stream.EventToolStatus,
		Status:       status,
		FunctionName: call.FunctionName,
		XMLTagName:   call.XMLTagName,
		Message:      msg,
		ToolIndex:    index,
	}
}

// resultEvent builds the result event for a finished call. Markup-origin
// results carry the tag-wrapped form observers render inline.
func resultEvent(call tools.Call, result tools.Result, index int) stream.ToolResult {
	rendered := resultContent(result)
	if call.Markup() {
		rendered = formatMarkupResult(call, result)
	}
	return stream.ToolResult{
		Type:         stream.EventToolResult,
		FunctionName: call.FunctionName,
		XMLTagName:   call.XMLTagName,
		Result:       rendered,
		ToolIndex:    index,
	}
}
