package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/tools"
)

// OpenAIClient is a client for the OpenAI Chat Completion API.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger zerolog.Logger
}

// NewOpenAIClient creates a new OpenAIClient from the loaded
// configuration. OPENAI_BASE_URL is honored for custom API endpoints.
func NewOpenAIClient(cfg *config.Config, logger zerolog.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key is not configured")
	}

	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// The v2 SDK uses functional options for configuration.
	c := openai.NewClient(options...)
	return &OpenAIClient{
		client: &c,
		model:  cfg.Model,
		logger: logger.With().Str("provider", "openai").Logger(),
	}, nil
}

// Chat sends a chat request to OpenAI and classifies the response.
func (o *OpenAIClient) Chat(ctx context.Context, messages []conversation.Message, schemas []tools.Schema) (*Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(messages),
		Tools:    convertSchemasToOpenAI(schemas),
	}

	o.logger.Debug().Str("model", o.model).Int("messages", len(messages)).Msg("sending chat request")
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to OpenAI")
	}
	reply, err := processOpenAIResponse(resp)
	if err != nil {
		return nil, err
	}
	o.logger.Debug().Int("tool_calls", len(reply.ToolCalls)).Msg("received reply")
	return reply, nil
}

// ChatStream streams a chat completion, forwarding text deltas as they
// arrive and buffering tool calls until the stream completes.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []conversation.Message, schemas []tools.Schema, ch chan<- Chunk) error {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenAI(messages),
		Tools:    convertSchemasToOpenAI(schemas),
	}

	o.logger.Debug().Str("model", o.model).Int("messages", len(messages)).Msg("starting chat stream")
	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if err := sendChunk(ctx, ch, Chunk{TextDelta: chunk.Choices[0].Delta.Content}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return errors.Wrapf(err, "OpenAI stream failed")
	}

	if len(acc.Choices) == 0 {
		return nil
	}
	o.logger.Debug().Int("tool_calls", len(acc.Choices[0].Message.ToolCalls)).Msg("stream finished")
	for _, tc := range acc.Choices[0].Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return errors.Wrapf(err, "failed to unmarshal streamed tool call arguments from OpenAI")
		}
		call := &conversation.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
		if err := sendChunk(ctx, ch, Chunk{ToolCall: call}); err != nil {
			return err
		}
	}
	return nil
}

// processOpenAIResponse converts an OpenAI API response into a Reply.
func processOpenAIResponse(resp *openai.ChatCompletion) (*Reply, error) {
	if len(resp.Choices) == 0 {
		return &Reply{}, nil
	}

	choice := resp.Choices[0].Message
	reply := &Reply{Text: choice.Content}

	for _, tc := range choice.ToolCalls {
		var args map[string]interface{}
		// Arguments are a JSON string; we expect a flat map of arguments.
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal tool call arguments from OpenAI")
		}
		reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return reply, nil
}

// convertMessagesToOpenAI converts the transcript to OpenAI's format.
func convertMessagesToOpenAI(messages []conversation.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case conversation.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case conversation.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						continue
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case conversation.RoleTool:
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case conversation.RoleUser:
			fallthrough
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// convertSchemasToOpenAI converts tool schemas to the OpenAI tool format.
func convertSchemasToOpenAI(schemas []tools.Schema) []openai.ChatCompletionToolUnionParam {
	if len(schemas) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, s := range schemas {
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  openai.FunctionParameters(s.InputSchema()),
		}))
	}
	return openAITools
}
