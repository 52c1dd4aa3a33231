package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"goa.design/agentflow/runtime/executor"
	"goa.design/agentflow/runtime/markup"
	"goa.design/agentflow/runtime/model"
	"goa.design/agentflow/runtime/stream"
	"goa.design/agentflow/runtime/thread"
	"goa.design/agentflow/runtime/tools"
)

// ProcessResponse applies the streaming contract to a single complete
// response: extract content and both kinds of tool calls, truncate markup
// calls to the configured cap, persist the assistant message, execute tools
// under the configured strategy and emit the same event schema as the
// streaming path.
func (p *Processor) ProcessResponse(ctx context.Context, threadID string, resp model.Response, sink stream.Sink, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("processor config: %w", err)
	}
	if err := p.processResponse(ctx, threadID, resp, sink, cfg); err != nil {
		p.logger.Error(ctx, "response processing failed", "thread_id", threadID, "err", err)
		_ = sink.Send(ctx, stream.NewError(err.Error()))
		return err
	}
	return nil
}

func (p *Processor) processResponse(ctx context.Context, threadID string, resp model.Response, sink stream.Sink, cfg Config) error {
	finishReason := resp.FinishReason

	var calls []tools.Call
	if cfg.MarkupToolCalling {
		blocks := markup.Extract(p.reg, resp.Content)
		if cfg.MaxMarkupToolCalls > 0 && len(blocks) > cfg.MaxMarkupToolCalls {
			p.logger.Info(ctx, "truncating markup tool calls to cap",
				"thread_id", threadID, "found", len(blocks), "cap", cfg.MaxMarkupToolCalls)
			blocks = blocks[:cfg.MaxMarkupToolCalls]
			finishReason = FinishReasonMarkupLimit
		}
		for _, block := range blocks {
			call, err := markup.ParseBlock(p.reg, block)
			if err != nil {
				p.logger.Warn(ctx, "dropping malformed markup block", "thread_id", threadID, "err", err)
				continue
			}
			calls = append(calls, call)
		}
	}
	if cfg.StructuredToolCalling {
		for _, tc := range resp.ToolCalls {
			calls = append(calls, structuredCall(tc))
		}
	}

	msg := thread.Message{
		Role:    thread.RoleAssistant,
		Content: resp.Content,
	}
	if cfg.StructuredToolCalling && len(resp.ToolCalls) > 0 {
		msg.ToolCalls = resp.ToolCalls
	}
	if err := p.threads.AppendMessage(ctx, threadID, msg); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}

	if err := sink.Send(ctx, stream.NewContent(resp.Content)); err != nil {
		return fmt.Errorf("emit content event: %w", err)
	}

	if cfg.ExecuteTools && len(calls) > 0 {
		st := &responseState{cfg: cfg, threadID: threadID, sink: sink}
		for index, done := range p.engine.ExecuteMany(ctx, calls, cfg.ToolExecutionStrategy) {
			if err := p.persistResult(ctx, st, done.Call, done.Result); err != nil {
				return err
			}
			if err := sink.Send(ctx, resultEvent(done.Call, done.Result, index)); err != nil {
				return fmt.Errorf("emit tool result event: %w", err)
			}
		}
	}

	if finishReason != "" {
		if err := sink.Send(ctx, stream.NewFinish(finishReason)); err != nil {
			return fmt.Errorf("emit finish event: %w", err)
		}
	}
	return nil
}

// structuredCall converts a native-shape tool call into an executable call.
// Arguments that do not parse as a JSON object are carried raw and wrapped by
// the execution engine.
func structuredCall(tc model.ToolCall) tools.Call {
	id := tc.ID
	if id == "" {
		id = uuid.NewString()
	}
	call := tools.Call{ID: id, FunctionName: tc.Function.Name}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err == nil {
		call.Arguments = args
	} else {
		call.Arguments = executor.RawArguments(tc.Function.Arguments)
	}
	return call
}
