package openai

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func TestTranslateChunkContent(t *testing.T) {
	chunk := TranslateChunk(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{Content: "hello"},
		}},
	})
	require.Equal(t, "hello", chunk.Content)
	require.Empty(t, chunk.ToolCallDeltas)
	require.Empty(t, chunk.FinishReason)
}

func TestTranslateChunkToolCallDeltas(t *testing.T) {
	idx := 1
	chunk := TranslateChunk(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta: openai.ChatCompletionStreamChoiceDelta{
				ToolCalls: []openai.ToolCall{{
					Index:    &idx,
					ID:       "call_1",
					Function: openai.FunctionCall{Name: "lookup", Arguments: `{"q":`},
				}},
			},
		}},
	})
	require.Len(t, chunk.ToolCallDeltas, 1)
	delta := chunk.ToolCallDeltas[0]
	require.Equal(t, 1, delta.Index)
	require.Equal(t, "call_1", delta.ID)
	require.Equal(t, "lookup", delta.Name)
	require.Equal(t, `{"q":`, delta.Arguments)
}

func TestTranslateChunkFinishReason(t *testing.T) {
	chunk := TranslateChunk(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{{
			FinishReason: openai.FinishReasonToolCalls,
		}},
	})
	require.Equal(t, "tool_calls", chunk.FinishReason)
}

func TestTranslateResponse(t *testing.T) {
	resp := TranslateResponse(openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Content: "using a tool",
				ToolCalls: []openai.ToolCall{{
					ID:       "call_9",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "lookup", Arguments: `{"q":"x"}`},
				}},
			},
			FinishReason: openai.FinishReasonStop,
		}},
	})
	require.Equal(t, "using a tool", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call_9", resp.ToolCalls[0].ID)
	require.Equal(t, "function", resp.ToolCalls[0].Type)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	_, err = NewFromAPIKey("", "gpt-4o")
	require.Error(t, err)
	_, err = NewFromAPIKey("sk-test", "")
	require.Error(t, err)
}
