// Package provider defines the embedding and chat capabilities the memory
// engines consume, plus OpenAI-compatible implementations of both.
package provider

import (
	"context"
	"errors"
)

// ErrExternal wraps embedder/LLM failures. The recall path treats it as
// recoverable and degrades to an empty result; reflection retries it.
var ErrExternal = errors.New("external provider failure")

// Embedder turns text into a fixed-dimension float vector. The same embedder
// must serve both writes and queries for a given index.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Chatter produces a chat completion. With jsonMode set the reply is
// requested as a JSON object, though it may still arrive wrapped in a
// Markdown fence — callers strip it.
type Chatter interface {
	Chat(ctx context.Context, user, system string, jsonMode bool) (string, error)
}
