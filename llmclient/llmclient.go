// Package llmclient provides the two external-service contracts the query
// core treats as collaborators: Embed(text) → vector and
// Chat(messages, params) → {text | stream of tokens}.
package llmclient

import "context"

// Role identifies a chat message's speaker.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat-completion input message.
type Message struct {
	Role    Role
	Content string
}

// ResponseFormat mirrors the OpenAI-style response_format parameter;
// GlobalSearch's map calls and DRIFT's primer decomposition calls set
// Type="json_object".
type ResponseFormat struct {
	Type string // "text" or "json_object"
}

// ChatParams configures a single Chat call.
type ChatParams struct {
	MaxTokens      int
	Temperature    float64
	TopP           float64
	ResponseFormat *ResponseFormat
	Stream         bool
}

// Delta is one streamed token (or final) chunk.
type Delta struct {
	Content string
	Done    bool
	Err     error
}

// ChatModel is the Chat external capability.
type ChatModel interface {
	// Chat performs a single non-streaming completion.
	Chat(ctx context.Context, messages []Message, params ChatParams) (string, error)

	// ChatStream performs a streaming completion, delivering token deltas
	// on the returned channel in order; the channel is closed after a
	// Delta with Done=true (or an error) is sent.
	ChatStream(ctx context.Context, messages []Message, params ChatParams) (<-chan Delta, error)
}

// Embedder is the Embed external capability.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}
