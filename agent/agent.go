// Package agent drives the tool-calling loop: send the transcript to
// the model, execute any tools it requests, feed the results back, and
// repeat until the model answers with plain text or the cycle ceiling
// is hit.
package agent

import (
	"context"
	"iter"

	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/llm"
	"github.com/turtleci/turtle/tools"
)

// Hooks are optional observation points on tool dispatch. They exist
// for UIs that want to show tool activity; the loop does not depend on
// them.
type Hooks struct {
	OnToolCall   func(name string, args map[string]interface{})
	OnToolResult func(name string, result string, err error)
}

// Agent runs the conversation loop against one model client and one
// tool registry. It is not safe for concurrent use; a single caller
// drives it turn by turn.
type Agent struct {
	client    llm.Client
	registry  *tools.Registry
	conv      *conversation.Conversation
	maxCycles int
	hooks     Hooks
	logger    zerolog.Logger
}

// New creates an agent. The conversation may already carry a system
// prompt and prior turns.
func New(client llm.Client, registry *tools.Registry, conv *conversation.Conversation, cfg *config.Config, logger zerolog.Logger) *Agent {
	maxCycles := cfg.MaxToolCycles
	if maxCycles <= 0 {
		maxCycles = config.DefaultMaxToolCycles
	}
	return &Agent{
		client:    client,
		registry:  registry,
		conv:      conv,
		maxCycles: maxCycles,
		logger:    logger,
	}
}

// SetHooks installs tool-dispatch observers. Call before Run; the loop
// reads hooks without locking.
func (a *Agent) SetHooks(h Hooks) { a.hooks = h }

// Conversation exposes the transcript the agent is driving.
func (a *Agent) Conversation() *conversation.Conversation { return a.conv }

// Reset clears the transcript for a fresh exchange, optionally keeping
// the system prompt.
func (a *Agent) Reset(keepSystem bool) { a.conv.Reset(keepSystem) }

// Run processes one user message to completion and returns the model's
// final text answer. Tool calls issued along the way are executed and
// their results (including failures) are fed back to the model; only a
// plain-text reply ends the loop. After maxCycles rounds of tool
// execution a further tool request fails the run with a
// tool-loop-exceeded error, leaving the transcript intact.
func (a *Agent) Run(ctx context.Context, text string) (string, error) {
	if err := a.conv.Append(conversation.Message{Role: conversation.RoleUser, Content: text}); err != nil {
		return "", err
	}

	schemas := a.registry.Schemas()
	cycles := 0
	for {
		reply, err := a.client.Chat(ctx, a.conv.Snapshot(), schemas)
		if err != nil {
			return "", errors.Wrapf(err, "model request failed (tool cycle %d)", cycles)
		}

		if err := a.conv.Append(conversation.Message{
			Role:      conversation.RoleAssistant,
			Content:   reply.Text,
			ToolCalls: reply.ToolCalls,
		}); err != nil {
			return "", err
		}

		if !reply.IsToolCall() {
			return reply.Text, nil
		}

		if cycles >= a.maxCycles {
			return "", errors.NewKind(errors.KindToolLoopExceeded,
				"model requested tools after %d tool cycles", cycles)
		}
		cycles++

		for _, tc := range reply.ToolCalls {
			result := a.dispatch(ctx, tc)
			if err := a.conv.Append(conversation.Message{
				Role:       conversation.RoleTool,
				Content:    result,
				ToolCallID: tc.ID,
			}); err != nil {
				return "", err
			}
			if err := ctx.Err(); err != nil {
				return "", errors.Wrapf(err, "interrupted after %d tool cycles", cycles)
			}
		}
	}
}

// RunStream processes one user message and returns the model's answer
// as a lazy sequence of text fragments. Nothing is sent to the model
// until the sequence is iterated. Fragments are forwarded as they
// arrive; tool dispatch between model replies produces no fragments.
// Abandoning the iteration cancels the in-flight request.
func (a *Agent) RunStream(ctx context.Context, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := a.conv.Append(conversation.Message{Role: conversation.RoleUser, Content: text}); err != nil {
			yield("", err)
			return
		}

		schemas := a.registry.Schemas()
		cycles := 0
		for {
			reply, done, err := a.streamOnce(ctx, schemas, yield)
			if err != nil {
				yield("", errors.Wrapf(err, "model request failed (tool cycle %d)", cycles))
				return
			}

			if appendErr := a.conv.Append(conversation.Message{
				Role:      conversation.RoleAssistant,
				Content:   reply.Text,
				ToolCalls: reply.ToolCalls,
			}); appendErr != nil {
				if done {
					return
				}
				yield("", appendErr)
				return
			}
			if done {
				// Consumer stopped iterating; the turn is recorded and
				// the loop ends here.
				return
			}

			if !reply.IsToolCall() {
				return
			}

			if cycles >= a.maxCycles {
				yield("", errors.NewKind(errors.KindToolLoopExceeded,
					"model requested tools after %d tool cycles", cycles))
				return
			}
			cycles++

			for _, tc := range reply.ToolCalls {
				result := a.dispatch(ctx, tc)
				if err := a.conv.Append(conversation.Message{
					Role:       conversation.RoleTool,
					Content:    result,
					ToolCallID: tc.ID,
				}); err != nil {
					yield("", err)
					return
				}
				if err := ctx.Err(); err != nil {
					yield("", errors.Wrapf(err, "interrupted after %d tool cycles", cycles))
					return
				}
			}
		}
	}
}

// streamOnce runs a single streamed model request, forwarding text
// deltas through yield and collecting tool calls. done reports that the
// consumer stopped accepting fragments.
func (a *Agent) streamOnce(ctx context.Context, schemas []tools.Schema, yield func(string, error) bool) (*llm.Reply, bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan llm.Chunk)
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.client.ChatStream(sctx, a.conv.Snapshot(), schemas, ch)
		close(ch)
	}()

	reply := &llm.Reply{}
	done := false
	for chunk := range ch {
		if chunk.ToolCall != nil {
			reply.ToolCalls = append(reply.ToolCalls, *chunk.ToolCall)
		}
		if chunk.TextDelta == "" {
			continue
		}
		reply.Text += chunk.TextDelta
		if !done && !yield(chunk.TextDelta, nil) {
			done = true
			cancel()
		}
	}

	err := <-errCh
	if done && err != nil {
		// The consumer already walked away; a cancellation error from
		// the producer is expected and not reported.
		err = nil
	}
	return reply, done, err
}

// dispatch executes one tool call and folds any failure into the
// result text so the model can react to it. Dispatch itself never
// fails the loop. The tool runs detached from the loop's cancellation:
// an interrupt lets the in-flight invocation finish and unwinds the
// loop afterwards, so a half-applied side effect never goes missing
// from the transcript.
func (a *Agent) dispatch(ctx context.Context, tc conversation.ToolCall) string {
	ctx = context.WithoutCancel(ctx)
	if a.hooks.OnToolCall != nil {
		a.hooks.OnToolCall(tc.Name, tc.Args)
	}
	a.logger.Debug().Str("tool", tc.Name).Str("id", tc.ID).Msg("executing tool")

	tool, err := a.registry.Lookup(tc.Name)
	if err != nil {
		result := "tool error: " + err.Error()
		if a.hooks.OnToolResult != nil {
			a.hooks.OnToolResult(tc.Name, result, err)
		}
		return result
	}

	out, err := tool.Execute(ctx, tc.Args)
	if err != nil {
		a.logger.Debug().Str("tool", tc.Name).Err(err).Msg("tool failed")
		result := "tool error: " + err.Error()
		if a.hooks.OnToolResult != nil {
			a.hooks.OnToolResult(tc.Name, result, err)
		}
		return result
	}

	if a.hooks.OnToolResult != nil {
		a.hooks.OnToolResult(tc.Name, out, nil)
	}
	return out
}
