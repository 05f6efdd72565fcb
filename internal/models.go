package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles accepted on the chat-completions surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content part kinds. The variant set is closed: new kinds are added
// here and matched exhaustively, never probed dynamically.
const (
	PartText     = "text"
	PartImageURL = "image_url"
)

// ImageURL carries the url of an image content part.
type ImageURL struct {
	URL string `json:"url"`
}

// ContentPart is one element of a multimodal message body.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// MessageContent holds either a plain string body or an ordered list of
// content parts, mirroring the two shapes the OpenAI API accepts.
type MessageContent struct {
	Str   string
	Parts []ContentPart
	Multi bool
}

// TextContent wraps a plain string body.
func TextContent(s string) MessageContent {
	return MessageContent{Str: s}
}

// PartsContent wraps an ordered list of content parts.
func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts, Multi: true}
}

// UnmarshalJSON accepts a JSON string or an array of content parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = MessageContent{Str: s}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		*c = MessageContent{Parts: parts, Multi: true}
		return nil
	}
	return errors.New("content must be a string or an array of content parts")
}

// MarshalJSON emits the same shape the content arrived in.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Multi {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Str)
}

// PlainText flattens the content to text. Image parts are skipped;
// text parts join with newlines.
func (c MessageContent) PlainText() string {
	if !c.Multi {
		return c.Str
	}
	var texts []string
	for _, part := range c.Parts {
		if part.Type == PartText {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Message is one conversational turn. Immutable once parsed.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ChatCompletionRequest is the inbound chat-completions body.
type ChatCompletionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

// Validate rejects requests the relay cannot serve.
func (r *ChatCompletionRequest) Validate() error {
	if r.Model == "" {
		return errors.New("model must not be empty")
	}
	if len(r.Messages) == 0 {
		return errors.New("messages list must not be empty")
	}
	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d has unsupported role %q", i, msg.Role)
		}
	}
	return nil
}

// Choice is one completion alternative (the relay always returns one).
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

// NewChatCompletionResponse builds a single-choice response.
func NewChatCompletionResponse(model, content string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: RoleAssistant, Content: TextContent(content)},
			FinishReason: "stop",
		}},
	}
}

// ChunkDelta is the incremental payload of a streaming chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// ChunkChoice wraps a delta in the streaming response shape.
type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE event body in a streamed response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// NewChatCompletionChunk builds a single-delta chunk.
func NewChatCompletionChunk(id string, created int64, model, content string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []ChunkChoice{{Index: 0, Delta: ChunkDelta{Content: content}}},
	}
}

// NewCompletionID returns a fresh chatcmpl-prefixed request id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}

// Model describes one selectable model on the /v1/models surface.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Name    string `json:"name,omitempty"`
}

// NewModel builds a model entry with the standard object tag.
func NewModel(id, ownedBy, name string) Model {
	return Model{
		ID:      id,
		Object:  "model",
		Created: time.Now().Unix(),
		OwnedBy: ownedBy,
		Name:    name,
	}
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
