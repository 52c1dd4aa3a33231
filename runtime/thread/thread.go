// Package thread defines the conversation thread model and the store contract
// through which the runtime persists assistant and tool messages. Threads are
// only ever mutated through a Store implementation; the repair routine is the
// mechanism that restores the tool-call pairing invariant after interrupted
// runs.
package thread

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/agentflow/runtime/model"
)

type (
	// Role identifies the speaker of a message.
	Role string

	// Message is a single thread entry. Content is either a plain string or
	// an ordered list of parts; the custom JSON codec preserves whichever
	// form the message carries.
	Message struct {
		// Role identifies the speaker.
		Role Role

		// Content is the plain-text content when Parts is empty.
		Content string

		// Parts is the multi-part content when the message mixes text and
		// images. Takes precedence over Content when non-nil.
		Parts []ContentPart

		// ToolCalls lists structured tool calls. Only set on assistant
		// messages.
		ToolCalls []model.ToolCall

		// ToolCallID references the assistant tool call this message
		// answers. Only set on tool messages.
		ToolCallID string

		// Name is the function name answered by a tool message.
		Name string
	}

	// ContentPart is one element of multi-part message content.
	ContentPart struct {
		// Type is "text" or "image_url".
		Type string `json:"type"`

		// Text carries the content of text parts.
		Text string `json:"text,omitempty"`

		// ImageURL carries the inline image reference of image parts.
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	// ImageURL is an inline image reference encoded as a data URL.
	ImageURL struct {
		URL    string `json:"url"`
		Detail string `json:"detail,omitempty"`
	}

	// Image is a raw attachment normalized into an image part on append.
	Image struct {
		// ContentType is the MIME type (for example "image/png").
		ContentType string

		// Base64 is the base64-encoded payload.
		Base64 string
	}

	// ListFilter narrows ListMessages results.
	ListFilter struct {
		// HideTools excludes tool messages and strips tool_calls from
		// assistant messages.
		HideTools bool

		// LatestAssistantOnly returns only the most recent assistant
		// message.
		LatestAssistantOnly bool
	}

	// Store persists threads. Implementations must invoke the repair routine
	// before appending a user message so the pairing invariant holds when
	// the model next reads the thread.
	Store interface {
		// CreateThread creates an empty thread owned by the given project
		// and returns its id.
		CreateThread(ctx context.Context, projectID string) (string, error)

		// ProjectID resolves the project owning a thread.
		ProjectID(ctx context.Context, threadID string) (string, error)

		// AppendMessage appends a message, running the repair routine first
		// when the message is a user message.
		AppendMessage(ctx context.Context, threadID string, msg Message) error

		// UpdateLastAssistant replaces the most recent assistant message.
		UpdateLastAssistant(ctx context.Context, threadID string, msg Message) error

		// ListMessages returns the thread's messages, filtered.
		ListMessages(ctx context.Context, threadID string, filter ListFilter) ([]Message, error)

		// RepairIncompleteToolCalls synthesizes placeholder tool responses
		// for dangling tool calls. Returns true when a repair was applied.
		RepairIncompleteToolCalls(ctx context.Context, threadID string) (bool, error)
	}
)

const (
	// RoleSystem is the role of system messages.
	RoleSystem Role = "system"

	// RoleUser is the role of user messages.
	RoleUser Role = "user"

	// RoleAssistant is the role of assistant messages.
	RoleAssistant Role = "assistant"

	// RoleTool is the role of tool response messages.
	RoleTool Role = "tool"
)

// InterruptedToolContent is the placeholder content of synthesized tool
// responses inserted by the repair routine.
const InterruptedToolContent = "Tool execution interrupted: session was stopped before the tool completed."

// ErrNotFound indicates that no thread exists for the given identifier.
var ErrNotFound = errors.New("thread not found")

// wireMessage is the persisted JSON shape of a message.
type wireMessage struct {
	Role       Role             `json:"role"`
	Content    json.RawMessage  `json:"content"`
	ToolCalls  []model.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

// MarshalJSON encodes Content as a plain string unless the message carries
// parts, in which case the part list is emitted.
func (m Message) MarshalJSON() ([]byte, error) {
	var content json.RawMessage
	var err error
	if m.Parts != nil {
		content, err = json.Marshal(m.Parts)
	} else {
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		Role:       m.Role,
		Content:    content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
	})
}

// UnmarshalJSON decodes both content forms.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.ToolCalls = w.ToolCalls
	m.ToolCallID = w.ToolCallID
	m.Name = w.Name
	m.Content = ""
	m.Parts = nil
	if len(w.Content) == 0 {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &m.Parts)
	}
	return json.Unmarshal(w.Content, &m.Content)
}

// NormalizeImages converts a message with raw image attachments into the
// multi-part form: string content becomes a leading text part and each image
// becomes an inline data-URL part with high detail.
func NormalizeImages(msg Message, images []Image) Message {
	if len(images) == 0 {
		return msg
	}
	if msg.Parts == nil {
		msg.Parts = []ContentPart{}
		if msg.Content != "" {
			msg.Parts = append(msg.Parts, ContentPart{Type: "text", Text: msg.Content})
		}
		msg.Content = ""
	}
	for _, img := range images {
		msg.Parts = append(msg.Parts, ContentPart{
			Type: "image_url",
			ImageURL: &ImageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", img.ContentType, img.Base64),
				Detail: "high",
			},
		})
	}
	return msg
}

// Repair restores the tool-call pairing invariant on a message sequence: for
// the last assistant message carrying tool calls, every call id without a
// subsequent tool response gets a synthesized placeholder inserted after the
// assistant message and its existing responses. Returns the (possibly new)
// slice and whether a repair was applied.
func Repair(msgs []Message) ([]Message, bool) {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			last = i
			break
		}
	}
	if last < 0 {
		return msgs, false
	}

	answered := make(map[string]bool)
	insertAt := last + 1
	for i := last + 1; i < len(msgs); i++ {
		if msgs[i].Role != RoleTool {
			continue
		}
		answered[msgs[i].ToolCallID] = true
		if i == insertAt {
			insertAt = i + 1
		}
	}

	var synthesized []Message
	for _, call := range msgs[last].ToolCalls {
		if answered[call.ID] {
			continue
		}
		synthesized = append(synthesized, Message{
			Role:       RoleTool,
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Content:    InterruptedToolContent,
		})
	}
	if len(synthesized) == 0 {
		return msgs, false
	}

	out := make([]Message, 0, len(msgs)+len(synthesized))
	out = append(out, msgs[:insertAt]...)
	out = append(out, synthesized...)
	out = append(out, msgs[insertAt:]...)
	return out, true
}

// ApplyFilter narrows a message list per the filter. Shared by store
// implementations.
func ApplyFilter(msgs []Message, filter ListFilter) []Message {
	if filter.LatestAssistantOnly {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == RoleAssistant {
				return []Message{msgs[i]}
			}
		}
		return nil
	}
	if !filter.HideTools {
		return msgs
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleTool {
			continue
		}
		m.ToolCalls = nil
		out = append(out, m)
	}
	return out
}
