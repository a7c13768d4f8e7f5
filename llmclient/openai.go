package llmclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIChatModel implements ChatModel against github.com/sashabaranov/go-openai.
type OpenAIChatModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIChatModel builds a ChatModel for the given model name using an
// already-constructed go-openai client (so callers can point it at
// Azure/compatible endpoints via openai.NewClientWithConfig).
func NewOpenAIChatModel(client *openai.Client, model string) *OpenAIChatModel {
	return &OpenAIChatModel{client: client, model: model}
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
	}
	return out
}

func toOpenAIRequest(model string, messages []Message, params ChatParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   params.MaxTokens,
		Temperature: float32(params.Temperature),
		TopP:        float32(params.TopP),
	}
	if params.ResponseFormat != nil && params.ResponseFormat.Type == "json_object" {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// Chat implements ChatModel.
func (m *OpenAIChatModel) Chat(ctx context.Context, messages []Message, params ChatParams) (string, error) {
	resp, err := m.client.CreateChatCompletion(ctx, toOpenAIRequest(m.model, messages, params))
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements ChatModel. Deltas are emitted strictly in arrival
// order.
func (m *OpenAIChatModel) ChatStream(ctx context.Context, messages []Message, params ChatParams) (<-chan Delta, error) {
	req := toOpenAIRequest(m.model, messages, params)
	req.Stream = true

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}

	out := make(chan Delta)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Delta{Done: true}
				return
			}
			if err != nil {
				select {
				case out <- Delta{Err: err, Done: true}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			select {
			case out <- Delta{Content: content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// OpenAIEmbedder implements Embedder via the Embeddings API, with
// exponential-jitter retry on transient failures (default 20 attempts).
type OpenAIEmbedder struct {
	client      *openai.Client
	model       openai.EmbeddingModel
	maxAttempts int
	baseDelay   time.Duration
}

// NewOpenAIEmbedder builds an Embedder for the given embedding model.
func NewOpenAIEmbedder(client *openai.Client, model openai.EmbeddingModel) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:      client,
		model:       model,
		maxAttempts: 20,
		baseDelay:   200 * time.Millisecond,
	}
}

// WithRetry overrides the default retry policy.
func (e *OpenAIEmbedder) WithRetry(maxAttempts int, baseDelay time.Duration) *OpenAIEmbedder {
	e.maxAttempts = maxAttempts
	e.baseDelay = baseDelay
	return e
}

// EmbedQuery implements Embedder.
func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	delay := e.baseDelay
	for attempt := 0; attempt < max(e.maxAttempts, 1); attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) + 1))
			wait := delay + jitter
			log.Printf("embed retry attempt %d/%d after %v", attempt, e.maxAttempts, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: e.model,
		})
		if err == nil {
			if len(resp.Data) == 0 {
				return nil, fmt.Errorf("openai embeddings: empty response")
			}
			return resp.Data[0].Embedding, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("openai embeddings: exhausted %d attempts: %w", e.maxAttempts, lastErr)
}
