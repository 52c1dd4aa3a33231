package processor

import (
	"errors"
	"fmt"

	"goa.design/agentflow/runtime/executor"
)

type (
	// Placement selects how markup-origin tool results are persisted.
	Placement string

	// Config controls how model responses are processed: which tool calling
	// formats are detected, when executions are dispatched, how batches are
	// composed, and how results land in the thread.
	Config struct {
		// MarkupToolCalling enables detection of markup tool blocks in
		// prose.
		MarkupToolCalling bool

		// StructuredToolCalling enables the provider's function-call
		// format.
		StructuredToolCalling bool

		// ExecuteTools enables execution of detected calls.
		ExecuteTools bool

		// ExecuteOnStream dispatches executions as soon as a complete call
		// is parsed mid-stream instead of deferring to stream end.
		ExecuteOnStream bool

		// ToolExecutionStrategy composes deferred batch execution.
		ToolExecutionStrategy executor.Strategy

		// MarkupResultPlacement selects the persisted role for
		// markup-origin tool results.
		MarkupResultPlacement Placement

		// MaxMarkupToolCalls caps markup calls per response. Zero means no
		// limit.
		MaxMarkupToolCalls int
	}
)

const (
	// PlacementAssistantMessage persists markup results as assistant
	// messages wrapped in the originating tag.
	PlacementAssistantMessage Placement = "assistant_message"

	// PlacementUserMessage persists markup results as user messages, for
	// models that must observe results as external input.
	PlacementUserMessage Placement = "user_message"

	// PlacementInlineEdit is reserved. It behaves as
	// PlacementAssistantMessage until a host implements inline editing.
	PlacementInlineEdit Placement = "inline_edit"
)

// FinishReasonMarkupLimit is the finish reason reported when the markup tool
// call cap stops a response.
const FinishReasonMarkupLimit = "markup_tool_limit_reached"

// DefaultConfig returns the default processing configuration: markup calling
// on, structured calling off, deferred sequential execution, assistant-message
// result placement, no cap.
func DefaultConfig() Config {
	return Config{
		MarkupToolCalling:     true,
		StructuredToolCalling: false,
		ExecuteTools:          true,
		ExecuteOnStream:       false,
		ToolExecutionStrategy: executor.StrategySequential,
		MarkupResultPlacement: PlacementAssistantMessage,
		MaxMarkupToolCalls:    0,
	}
}

// Validate rejects configurations that cannot work.
func (c Config) Validate() error {
	if c.ExecuteTools && !c.MarkupToolCalling && !c.StructuredToolCalling {
		return errors.New("at least one tool calling format must be enabled when execute_tools is set")
	}
	switch c.MarkupResultPlacement {
	case PlacementAssistantMessage, PlacementUserMessage, PlacementInlineEdit:
	default:
		return fmt.Errorf("invalid markup result placement %q", c.MarkupResultPlacement)
	}
	if c.MaxMarkupToolCalls < 0 {
		return fmt.Errorf("max markup tool calls must be non-negative, got %d", c.MaxMarkupToolCalls)
	}
	switch c.ToolExecutionStrategy {
	case executor.StrategySequential, executor.StrategyParallel:
	default:
		return fmt.Errorf("invalid tool execution strategy %q", c.ToolExecutionStrategy)
	}
	return nil
}
