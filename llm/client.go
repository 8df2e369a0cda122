package llm

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/tools"
)

// Reply is the classified outcome of one model request: final text, or
// one or more tool calls. Text accompanying tool calls is preserved so
// the transcript stays faithful, but the reply counts as a tool-call
// reply whenever ToolCalls is non-empty.
type Reply struct {
	Text      string
	ToolCalls []conversation.ToolCall
}

// IsToolCall reports whether the model asked for tools to be invoked.
func (r *Reply) IsToolCall() bool { return len(r.ToolCalls) > 0 }

// Chunk is one unit of a streamed reply: a text delta, or one complete
// tool call. Partial tool-call payloads never cross the channel;
// clients buffer them until the provider marks the call complete.
type Chunk struct {
	TextDelta string
	ToolCall  *conversation.ToolCall
}

// Client is the boundary to a remote model provider.
//
// ChatStream delivers the reply incrementally on ch and returns when
// the reply is finished or the context is cancelled. Implementations
// must not close ch; the caller owns its lifecycle. Sends must honor
// ctx so a departed consumer does not wedge the producer.
type Client interface {
	Chat(ctx context.Context, messages []conversation.Message, schemas []tools.Schema) (*Reply, error)
	ChatStream(ctx context.Context, messages []conversation.Message, schemas []tools.Schema, ch chan<- Chunk) error
}

// New builds the client for the configured provider.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Client, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(cfg, logger)
	case "anthropic":
		return NewAnthropicClient(cfg, logger)
	case "gemini":
		return NewGeminiClient(ctx, cfg, logger)
	case "bedrock":
		return NewBedrockClient(ctx, cfg, logger)
	default:
		return nil, errors.New("unknown provider %q (expected openai, anthropic, gemini or bedrock)", cfg.Provider)
	}
}

func sendChunk(ctx context.Context, ch chan<- Chunk, chunk Chunk) error {
	select {
	case ch <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
