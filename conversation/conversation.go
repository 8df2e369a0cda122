// Package conversation owns the ordered transcript exchanged with the
// model: the system prompt, user and assistant turns, tool-call records
// and their results. It enforces the pairing between tool calls and
// tool results and keeps the transcript within the context budget when
// producing snapshots for a model request.
package conversation

import (
	"encoding/json"

	"github.com/turtleci/turtle/errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Message is a single transcript entry. Tool-result entries (RoleTool)
// carry the ToolCallID of the invocation they answer; assistant entries
// may carry the tool calls the model issued.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Budget is the token ceiling applied when producing snapshots, tagged
// with the model name the estimate is for. MaxTokens <= 0 disables
// trimming.
type Budget struct {
	MaxTokens int
	Model     string
}

// Conversation is the append-only transcript for one agent loop. It is
// not safe for concurrent use; one loop owns it for its lifetime.
type Conversation struct {
	budget   Budget
	messages []Message
	// open holds invocation ids awaiting a tool result; issued holds
	// every id seen since the last reset, so an answered id can never
	// be reissued and answered twice.
	open   map[string]bool
	issued map[string]bool
}

func New(budget Budget) *Conversation {
	return &Conversation{
		budget: budget,
		open:   make(map[string]bool),
		issued: make(map[string]bool),
	}
}

// SetSystem appends the system prompt. It must be the first entry and
// can be set at most once per reset cycle.
func (c *Conversation) SetSystem(text string) error {
	if len(c.messages) > 0 {
		return errors.New("system prompt must be the first message and may be set only once")
	}
	c.messages = append(c.messages, Message{Role: RoleSystem, Content: text})
	return nil
}

// Append adds a message to the tail of the transcript. Tool-result
// messages must answer a tool call that appeared earlier and has not
// been answered yet; violations fail with a dangling-tool-result error
// and leave the transcript unchanged.
func (c *Conversation) Append(msg Message) error {
	switch msg.Role {
	case RoleSystem:
		return c.SetSystem(msg.Content)
	case RoleTool:
		if msg.ToolCallID == "" {
			return errors.NewKind(errors.KindDanglingToolResult, "tool result without an invocation id")
		}
		if !c.open[msg.ToolCallID] {
			return errors.NewKind(errors.KindDanglingToolResult, "no open tool call with id %q", msg.ToolCallID)
		}
		delete(c.open, msg.ToolCallID)
	case RoleAssistant:
		seen := map[string]bool{}
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" {
				return errors.New("tool call from model has no invocation id")
			}
			if c.issued[tc.ID] || seen[tc.ID] {
				return errors.New("duplicate tool call id %q", tc.ID)
			}
			seen[tc.ID] = true
		}
		for _, tc := range msg.ToolCalls {
			c.open[tc.ID] = true
			c.issued[tc.ID] = true
		}
	case RoleUser:
	default:
		return errors.New("unknown message role %q", msg.Role)
	}
	c.messages = append(c.messages, msg)
	return nil
}

// Snapshot returns the transcript to send with the next model request,
// trimmed to the context budget. The system message is never evicted;
// other messages are evicted oldest-first, with an assistant tool-call
// entry and its tool results leaving as one unit. The stored transcript
// is not modified.
func (c *Conversation) Snapshot() []Message {
	msgs := c.Messages()
	if c.budget.MaxTokens <= 0 {
		return msgs
	}

	total := 0
	for _, m := range msgs {
		total += estimateMessage(m)
	}
	if total <= c.budget.MaxTokens {
		return msgs
	}

	var system []Message
	rest := msgs
	if len(msgs) > 0 && msgs[0].Role == RoleSystem {
		system = msgs[:1]
		rest = msgs[1:]
	}

	units := splitUnits(rest)
	// Evict oldest units until the estimate fits. The newest unit is
	// kept unconditionally; a request with no current turn is useless.
	i := 0
	for i < len(units)-1 && total > c.budget.MaxTokens {
		for _, m := range units[i] {
			total -= estimateMessage(m)
		}
		i++
	}

	trimmed := append([]Message{}, system...)
	for _, unit := range units[i:] {
		trimmed = append(trimmed, unit...)
	}
	return trimmed
}

// Messages returns a copy of the full transcript, untrimmed.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Conversation) Len() int { return len(c.messages) }

// Reset clears the transcript, optionally preserving the system
// message. This is the only entry point that removes messages.
func (c *Conversation) Reset(keepSystem bool) {
	if keepSystem && len(c.messages) > 0 && c.messages[0].Role == RoleSystem {
		c.messages = c.messages[:1]
	} else {
		c.messages = nil
	}
	c.open = make(map[string]bool)
	c.issued = make(map[string]bool)
}

// EstimateTokens returns the estimated token cost of the full
// transcript under the configured model tag.
func (c *Conversation) EstimateTokens() int {
	total := 0
	for _, m := range c.messages {
		total += estimateMessage(m)
	}
	return total
}

// splitUnits groups messages into eviction units: an assistant message
// carrying tool calls and the tool results that follow it form one
// unit, everything else stands alone.
func splitUnits(msgs []Message) [][]Message {
	var units [][]Message
	for i := 0; i < len(msgs); {
		if msgs[i].Role == RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			j := i + 1
			for j < len(msgs) && msgs[j].Role == RoleTool {
				j++
			}
			units = append(units, msgs[i:j])
			i = j
			continue
		}
		units = append(units, msgs[i:i+1])
		i++
	}
	return units
}

// estimateMessage approximates token cost as characters/4 plus a small
// per-message overhead. Coarse, but uniform across providers; exact
// tokenization belongs to the backends.
func estimateMessage(m Message) int {
	chars := len(m.Content)
	for _, tc := range m.ToolCalls {
		chars += len(tc.Name)
		if args, err := json.Marshal(tc.Args); err == nil {
			chars += len(args)
		}
	}
	return chars/4 + 4
}
