package llm

import (
	"context"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/tools"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiClient is a client for the Google Gemini API.
type GeminiClient struct {
	model  *genai.GenerativeModel
	logger zerolog.Logger
}

// NewGeminiClient creates a new GeminiClient from the loaded
// configuration.
func NewGeminiClient(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("Gemini API key is not configured")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiClient{
		model:  client.GenerativeModel(cfg.Model),
		logger: logger.With().Str("provider", "gemini").Logger(),
	}, nil
}

// Chat sends a chat request to the Gemini API.
func (g *GeminiClient) Chat(ctx context.Context, messages []conversation.Message, schemas []tools.Schema) (*Reply, error) {
	session, lastParts, err := g.prepareSession(messages, schemas)
	if err != nil {
		return nil, err
	}

	g.logger.Debug().Int("messages", len(messages)).Msg("sending chat request")
	resp, err := session.SendMessage(ctx, lastParts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to send message to Gemini")
	}
	reply := processGeminiResponse(resp)
	g.logger.Debug().Int("tool_calls", len(reply.ToolCalls)).Msg("received reply")
	return reply, nil
}

// ChatStream streams a reply, forwarding text deltas as they arrive.
// Function calls are buffered and emitted once the stream completes.
func (g *GeminiClient) ChatStream(ctx context.Context, messages []conversation.Message, schemas []tools.Schema, ch chan<- Chunk) error {
	session, lastParts, err := g.prepareSession(messages, schemas)
	if err != nil {
		return err
	}

	g.logger.Debug().Int("messages", len(messages)).Msg("starting chat stream")
	var calls []conversation.ToolCall
	iter := session.SendMessageStream(ctx, lastParts...)
	for {
		resp, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "Gemini stream failed")
		}
		partial := processGeminiResponse(resp)
		if partial.Text != "" {
			if err := sendChunk(ctx, ch, Chunk{TextDelta: partial.Text}); err != nil {
				return err
			}
		}
		calls = append(calls, partial.ToolCalls...)
	}

	g.logger.Debug().Int("tool_calls", len(calls)).Msg("stream finished")
	for i := range calls {
		if err := sendChunk(ctx, ch, Chunk{ToolCall: &calls[i]}); err != nil {
			return err
		}
	}
	return nil
}

// prepareSession converts the transcript into a chat session primed
// with everything but the final message, whose parts are returned for
// sending.
func (g *GeminiClient) prepareSession(messages []conversation.Message, schemas []tools.Schema) (*genai.ChatSession, []genai.Part, error) {
	g.model.Tools = convertSchemasToGemini(schemas)

	history := convertMessagesToGemini(messages, g.model)
	if len(history) == 0 {
		return nil, nil, errors.New("cannot send an empty conversation to Gemini")
	}

	session := g.model.StartChat()
	session.History = history[:len(history)-1]
	return session, history[len(history)-1].Parts, nil
}

// convertMessagesToGemini converts the transcript to Gemini contents.
// The system prompt becomes the model's system instruction. Gemini
// function calls carry no invocation ids, so tool results are matched
// back to their call by name via the id bookkeeping kept here.
func convertMessagesToGemini(messages []conversation.Message, model *genai.GenerativeModel) []*genai.Content {
	var contents []*genai.Content
	nameByID := map[string]string{}

	for _, msg := range messages {
		switch msg.Role {
		case conversation.RoleSystem:
			model.SystemInstruction = &genai.Content{
				Parts: []genai.Part{genai.Text(msg.Content)},
			}
		case conversation.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		case conversation.RoleAssistant:
			var parts []genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				nameByID[tc.ID] = tc.Name
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case conversation.RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     nameByID[msg.ToolCallID],
					Response: map[string]interface{}{"output": msg.Content},
				}},
			})
		}
	}
	return contents
}

// convertSchemasToGemini converts tool schemas to Gemini function
// declarations.
func convertSchemasToGemini(schemas []tools.Schema) []*genai.Tool {
	if len(schemas) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, s := range schemas {
		fd := &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
		}
		if len(s.Parameters) > 0 {
			properties := map[string]*genai.Schema{}
			var required []string
			for _, p := range s.Parameters {
				properties[p.Name] = &genai.Schema{
					Type:        geminiType(p.Type),
					Description: p.Description,
				}
				if p.Required {
					required = append(required, p.Name)
				}
			}
			fd.Parameters = &genai.Schema{
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   required,
			}
		}
		funcDecls = append(funcDecls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func geminiType(t string) genai.Type {
	switch t {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// processGeminiResponse converts a Gemini response (or stream element)
// into a Reply. Gemini does not assign invocation ids to function
// calls, so each call is minted one here.
func processGeminiResponse(resp *genai.GenerateContentResponse) *Reply {
	reply := &Reply{}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return reply
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			reply.Text += string(v)
		case genai.FunctionCall:
			reply.ToolCalls = append(reply.ToolCalls, conversation.ToolCall{
				ID:   uuid.NewString(),
				Name: v.Name,
				Args: v.Args,
			})
		}
	}
	return reply
}
