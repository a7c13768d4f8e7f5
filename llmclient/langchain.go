package llmclient

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// LangchainChatModel adapts any github.com/tmc/langchaingo llms.Model into
// a ChatModel. Useful when the caller already has a langchaingo-backed
// model (Anthropic, Ollama, etc.) rather than a raw go-openai client.
type LangchainChatModel struct {
	model llms.Model
}

// NewLangchainChatModel wraps an existing langchaingo model.
func NewLangchainChatModel(model llms.Model) *LangchainChatModel {
	return &LangchainChatModel{model: model}
}

func toLangchainOptions(params ChatParams) []llms.CallOption {
	var opts []llms.CallOption
	if params.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(params.Temperature))
	}
	if params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(params.MaxTokens))
	}
	if params.TopP > 0 {
		opts = append(opts, llms.WithTopP(params.TopP))
	}
	if params.ResponseFormat != nil && params.ResponseFormat.Type == "json_object" {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

func toLangchainContent(messages []Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var t schema.ChatMessageType
		switch m.Role {
		case RoleSystem:
			t = schema.ChatMessageTypeSystem
		case RoleAssistant:
			t = schema.ChatMessageTypeAI
		default:
			t = schema.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(t, m.Content))
	}
	return out
}

// Chat implements ChatModel via llms.Model.GenerateContent.
func (m *LangchainChatModel) Chat(ctx context.Context, messages []Message, params ChatParams) (string, error) {
	resp, err := m.model.GenerateContent(ctx, toLangchainContent(messages), toLangchainOptions(params)...)
	if err != nil {
		return "", fmt.Errorf("langchain generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Content, nil
}

// ChatStream implements ChatModel using langchaingo's WithStreamingFunc
// callback, re-expressed as a Delta channel so callers see the same
// interface regardless of backend.
func (m *LangchainChatModel) ChatStream(ctx context.Context, messages []Message, params ChatParams) (<-chan Delta, error) {
	out := make(chan Delta)
	opts := toLangchainOptions(params)
	opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		select {
		case out <- Delta{Content: string(chunk)}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}))

	go func() {
		defer close(out)
		_, err := m.model.GenerateContent(ctx, toLangchainContent(messages), opts...)
		if err != nil {
			select {
			case out <- Delta{Err: err, Done: true}:
			case <-ctx.Done():
			}
			return
		}
		out <- Delta{Done: true}
	}()
	return out, nil
}
