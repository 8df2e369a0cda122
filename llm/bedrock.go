package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/tools"
)

// BedrockClient is a client for Anthropic models served through AWS
// Bedrock. It requires AWS credentials to be configured in the
// environment.
type BedrockClient struct {
	client  *bedrockruntime.Client
	modelID string
	logger  zerolog.Logger
}

// NewBedrockClient creates a new BedrockClient.
func NewBedrockClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*BedrockClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	return &BedrockClient{
		client:  bedrockruntime.NewFromConfig(awsCfg),
		modelID: cfg.Model,
		logger:  logger.With().Str("provider", "bedrock").Logger(),
	}, nil
}

// Chat sends a chat request to the model via AWS Bedrock.
func (b *BedrockClient) Chat(ctx context.Context, messages []conversation.Message, schemas []tools.Schema) (*Reply, error) {
	bedrockMessages, systemPrompt := convertMessagesToBedrock(messages)

	requestBody, err := createBedrockRequest(bedrockMessages, systemPrompt, schemas)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Bedrock request")
	}

	b.logger.Debug().Str("model", b.modelID).Int("messages", len(messages)).Msg("invoking model")
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to invoke Bedrock model")
	}

	reply, err := processBedrockResponse(resp.Body)
	if err != nil {
		return nil, err
	}
	b.logger.Debug().Int("tool_calls", len(reply.ToolCalls)).Msg("received reply")
	return reply, nil
}

// ChatStream delivers the reply over ch in one piece. Bedrock is
// invoked atomically here; the text arrives as a single chunk followed
// by any tool calls.
func (b *BedrockClient) ChatStream(ctx context.Context, messages []conversation.Message, schemas []tools.Schema, ch chan<- Chunk) error {
	reply, err := b.Chat(ctx, messages, schemas)
	if err != nil {
		return err
	}
	if reply.Text != "" {
		if err := sendChunk(ctx, ch, Chunk{TextDelta: reply.Text}); err != nil {
			return err
		}
	}
	for i := range reply.ToolCalls {
		if err := sendChunk(ctx, ch, Chunk{ToolCall: &reply.ToolCalls[i]}); err != nil {
			return err
		}
	}
	return nil
}

// convertMessagesToBedrock converts the transcript to the Anthropic
// message shape Bedrock expects.
func convertMessagesToBedrock(messages []conversation.Message) ([]map[string]interface{}, string) {
	var bedrockMessages []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case conversation.RoleSystem:
			systemPrompt = msg.Content
		case conversation.RoleUser:
			bedrockMessages = append(bedrockMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{"type": "text", "text": msg.Content},
				},
			})
		case conversation.RoleAssistant:
			var blocks []map[string]interface{}
			if msg.Content != "" {
				blocks = append(blocks, map[string]interface{}{
					"type": "text", "text": msg.Content,
				})
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": tc.Args,
				})
			}
			if len(blocks) == 0 {
				continue
			}
			bedrockMessages = append(bedrockMessages, map[string]interface{}{
				"role":    "assistant",
				"content": blocks,
			})
		case conversation.RoleTool:
			bedrockMessages = append(bedrockMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	return bedrockMessages, systemPrompt
}

// createBedrockRequest creates the request body for Anthropic models on
// Bedrock.
func createBedrockRequest(messages []map[string]interface{}, systemPrompt string, schemas []tools.Schema) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        anthropicMaxTokens,
		"messages":          messages,
	}
	if systemPrompt != "" {
		request["system"] = systemPrompt
	}
	if len(schemas) > 0 {
		var toolDefs []map[string]interface{}
		for _, s := range schemas {
			toolDefs = append(toolDefs, map[string]interface{}{
				"name":         s.Name,
				"description":  s.Description,
				"input_schema": s.InputSchema(),
			})
		}
		request["tools"] = toolDefs
	}
	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock response body into a Reply.
func processBedrockResponse(body []byte) (*Reply, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}

	if errMsg, ok := response["error"]; ok {
		return nil, errors.New("Bedrock API error: %v", errMsg)
	}

	content, ok := response["content"]
	if !ok {
		return &Reply{}, nil
	}
	contentArray, ok := content.([]interface{})
	if !ok {
		return nil, errors.New("unexpected content format in Bedrock response")
	}

	reply := &Reply{}
	toolCallCounter := 0
	for _, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch itemMap["type"] {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				reply.Text += text
			}
		case "tool_use":
			name, ok := itemMap["name"].(string)
			if !ok {
				continue
			}
			input, ok := itemMap["input"].(map[string]interface{})
			if !ok {
				continue
			}
			id := fmt.Sprintf("call_%d_%s", toolCallCounter, name)
			if toolID, ok := itemMap["id"].(string); ok {
				id = toolID
			}
			reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
				ID:   id,
				Name: name,
				Args: input,
			})
			toolCallCounter++
		}
	}
	return reply, nil
}
