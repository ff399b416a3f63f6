package provider

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

const (
	// DefaultEmbeddingModel is used when no embedding model is configured.
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimensions matches text-embedding-3-small.
	DefaultEmbeddingDimensions = 1536
	// DefaultChatModel is used when no chat model is configured.
	DefaultChatModel = "gpt-4o-mini"
)

// OpenAIOptions configures both OpenAI-backed providers. BaseURL may point
// at any OpenAI-compatible endpoint.
type OpenAIOptions struct {
	APIKey         string
	BaseURL        string
	EmbeddingModel string
	ChatModel      string
	Dimensions     int
}

func newClient(opts OpenAIOptions) openai.Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return openai.NewClient(reqOpts...)
}

// OpenAIEmbedder implements Embedder over the embeddings endpoint.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dim    int
}

// NewOpenAIEmbedder builds an embedder from options, applying defaults.
func NewOpenAIEmbedder(opts OpenAIOptions) *OpenAIEmbedder {
	model := opts.EmbeddingModel
	if model == "" {
		model = DefaultEmbeddingModel
	}
	dim := opts.Dimensions
	if dim == 0 {
		dim = DefaultEmbeddingDimensions
	}
	return &OpenAIEmbedder{client: newClient(opts), model: model, dim: dim}
}

// Dimensions returns the configured output dimension.
func (e *OpenAIEmbedder) Dimensions() int { return e.dim }

// Embed requests a single embedding for text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: embedding request: %v", ErrExternal, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: embedding response is empty", ErrExternal)
	}
	raw := resp.Data[0].Embedding
	if len(raw) != e.dim {
		return nil, fmt.Errorf("%w: embedding has dimension %d, expected %d", ErrExternal, len(raw), e.dim)
	}
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = float32(v)
	}
	return out, nil
}

// OpenAIChatter implements Chatter over the chat completions endpoint.
type OpenAIChatter struct {
	client openai.Client
	model  string
}

// NewOpenAIChatter builds a chatter from options, applying defaults.
func NewOpenAIChatter(opts OpenAIOptions) *OpenAIChatter {
	model := opts.ChatModel
	if model == "" {
		model = DefaultChatModel
	}
	return &OpenAIChatter{client: newClient(opts), model: model}
}

// Chat performs a non-streaming completion with an optional system message.
func (c *OpenAIChatter) Chat(ctx context.Context, user, system string, jsonMode bool) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
	}
	if jsonMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%w: chat request: %v", ErrExternal, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: chat response has no choices", ErrExternal)
	}
	return resp.Choices[0].Message.Content, nil
}
