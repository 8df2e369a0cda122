package llm

import (
	"context"
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/tools"
)

const anthropicMaxTokens = 4096

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client *anthropic.Client
	model  string
	logger zerolog.Logger
}

// NewAnthropicClient creates a new AnthropicClient from the loaded
// configuration.
func NewAnthropicClient(cfg *config.Config, logger zerolog.Logger) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Anthropic API key is not configured")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(cfg.APIKey),
	)
	return &AnthropicClient{
		client: &client,
		model:  cfg.Model,
		logger: logger.With().Str("provider", "anthropic").Logger(),
	}, nil
}

// Chat sends a chat request to the Anthropic API.
func (a *AnthropicClient) Chat(ctx context.Context, messages []conversation.Message, schemas []tools.Schema) (*Reply, error) {
	params := a.buildParams(messages, schemas)

	a.logger.Debug().Str("model", a.model).Int("messages", len(messages)).Msg("sending chat request")
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Anthropic")
	}
	reply, err := processAnthropicMessage(resp)
	if err != nil {
		return nil, err
	}
	a.logger.Debug().Int("tool_calls", len(reply.ToolCalls)).Msg("received reply")
	return reply, nil
}

// ChatStream streams a reply, forwarding text deltas as they arrive.
// Tool-use blocks accumulate inside the SDK message and are emitted
// once the stream ends, when their argument payloads are complete.
func (a *AnthropicClient) ChatStream(ctx context.Context, messages []conversation.Message, schemas []tools.Schema, ch chan<- Chunk) error {
	params := a.buildParams(messages, schemas)

	a.logger.Debug().Str("model", a.model).Int("messages", len(messages)).Msg("starting chat stream")
	stream := a.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return errors.Wrapf(err, "failed to accumulate Anthropic stream event")
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				if err := sendChunk(ctx, ch, Chunk{TextDelta: text.Text}); err != nil {
					return err
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return errors.Wrapf(err, "Anthropic stream failed")
	}
	a.logger.Debug().Int("blocks", len(acc.Content)).Msg("stream finished")

	for _, block := range acc.Content {
		toolUse, ok := block.AsAny().(anthropic.ToolUseBlock)
		if !ok {
			continue
		}
		var args map[string]interface{}
		if err := json.Unmarshal(toolUse.Input, &args); err != nil {
			return errors.Wrapf(err, "failed to unmarshal streamed tool use input from Anthropic")
		}
		call := &conversation.ToolCall{ID: toolUse.ID, Name: toolUse.Name, Args: args}
		if err := sendChunk(ctx, ch, Chunk{ToolCall: call}); err != nil {
			return err
		}
	}
	return nil
}

func (a *AnthropicClient) buildParams(messages []conversation.Message, schemas []tools.Schema) anthropic.MessageNewParams {
	anthropicMessages, systemPrompt := convertMessagesToAnthropic(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: anthropicMaxTokens,
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	for _, s := range schemas {
		toolParam := anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: convertSchemaToAnthropic(s),
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return params
}

func convertSchemaToAnthropic(s tools.Schema) anthropic.ToolInputSchemaParam {
	js := s.InputSchema()
	schema := anthropic.ToolInputSchemaParam{
		Properties: js["properties"],
	}
	if required, ok := js["required"].([]string); ok {
		schema.Required = required
	}
	return schema
}

// convertMessagesToAnthropic converts the transcript to Anthropic's
// format. The system prompt travels in a dedicated request field; the
// last system entry wins.
func convertMessagesToAnthropic(messages []conversation.Message) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case conversation.RoleSystem:
			systemPrompt = msg.Content
		case conversation.RoleUser:
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case conversation.RoleAssistant:
			var contentItems []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				})
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					continue
				}
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: argsBytes,
					},
				})
			}
			if len(contentItems) == 0 {
				continue
			}
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: contentItems,
			})
		case conversation.RoleTool:
			// Tool results ride in a user-role message.
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: msg.ToolCallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: msg.Content},
						}},
					},
				}},
			})
		}
	}

	return anthropicMessages, systemPrompt
}

// processAnthropicMessage converts an Anthropic API response into a Reply.
func processAnthropicMessage(resp *anthropic.Message) (*Reply, error) {
	reply := &Reply{}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			reply.Text += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal tool use input from Anthropic")
			}
			reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
				ID:   c.ID,
				Name: c.Name,
				Args: args,
			})
		}
	}
	return reply, nil
}
