// Package openai adapts the OpenAI Chat Completions API to the runtime's
// provider-agnostic completion types using github.com/sashabaranov/go-openai.
// The structured tool-call delta format consumed by the streaming processor
// is exactly this provider's wire shape, so translation is mechanical.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/agentflow/runtime/model"
)

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Options configures the OpenAI adapter.
	Options struct {
		// Client is the go-openai client. Required.
		Client ChatClient

		// DefaultModel is used when a request does not name one. Required.
		DefaultModel string
	}

	// Client translates completions and completion streams.
	Client struct {
		chat  ChatClient
		model string
	}

	// streamer adapts the provider's SSE stream to model.Streamer.
	streamer struct {
		stream *openai.ChatCompletionStream
	}
)

// New builds an OpenAI-backed adapter from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := strings.TrimSpace(opts.DefaultModel)
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req openai.ChatCompletionRequest) (model.Response, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	resp, err := c.chat.CreateChatCompletion(ctx, req)
	if err != nil {
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return TranslateResponse(resp), nil
}

// Stream opens a streaming chat completion and adapts it to model.Streamer.
func (c *Client) Stream(ctx context.Context, req openai.ChatCompletionRequest) (model.Streamer, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	req.Stream = true
	s, err := c.chat.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	return &streamer{stream: s}, nil
}

// Recv implements model.Streamer. io.EOF from the provider passes through as
// the clean end-of-stream marker.
func (s *streamer) Recv(_ context.Context) (model.Chunk, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return model.Chunk{}, err
	}
	return TranslateChunk(resp), nil
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	return s.stream.Close()
}

// TranslateChunk maps one provider streaming response onto the generic chunk
// shape.
func TranslateChunk(resp openai.ChatCompletionStreamResponse) model.Chunk {
	var chunk model.Chunk
	if len(resp.Choices) == 0 {
		return chunk
	}
	choice := resp.Choices[0]
	chunk.Content = choice.Delta.Content
	chunk.FinishReason = string(choice.FinishReason)
	for _, tc := range choice.Delta.ToolCalls {
		delta := model.ToolCallDelta{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		}
		if tc.Index != nil {
			delta.Index = *tc.Index
		}
		chunk.ToolCallDeltas = append(chunk.ToolCallDeltas, delta)
	}
	return chunk
}

// TranslateResponse maps a complete provider response onto the generic
// response shape.
func TranslateResponse(resp openai.ChatCompletionResponse) model.Response {
	var out model.Response
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	out.FinishReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: model.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}
