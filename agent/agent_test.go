package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/conversation"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/llm"
	"github.com/turtleci/turtle/tools"
)

// scriptedClient replays a fixed list of replies and records the
// transcript snapshot it was handed for each request.
type scriptedClient struct {
	replies []llm.Reply
	errs    []error
	calls   int
	seen    [][]conversation.Message
}

func (s *scriptedClient) next() (*llm.Reply, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.replies) {
		// Scripts that run out keep asking for the same tool, which is
		// how the ceiling tests drive an endless loop.
		return &s.replies[len(s.replies)-1], nil
	}
	return &s.replies[i], nil
}

func (s *scriptedClient) Chat(ctx context.Context, messages []conversation.Message, schemas []tools.Schema) (*llm.Reply, error) {
	s.seen = append(s.seen, messages)
	return s.next()
}

func (s *scriptedClient) ChatStream(ctx context.Context, messages []conversation.Message, schemas []tools.Schema, ch chan<- llm.Chunk) error {
	s.seen = append(s.seen, messages)
	reply, err := s.next()
	if err != nil {
		return err
	}
	// Split the text so the consumer sees more than one fragment.
	if reply.Text != "" {
		half := len(reply.Text) / 2
		for _, part := range []string{reply.Text[:half], reply.Text[half:]} {
			if part == "" {
				continue
			}
			select {
			case ch <- llm.Chunk{TextDelta: part}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	for i := range reply.ToolCalls {
		select {
		case ch <- llm.Chunk{ToolCall: &reply.ToolCalls[i]}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

type fakeTool struct {
	name  string
	calls int
	fn    func(args map[string]interface{}) (string, error)
}

func (f *fakeTool) Name() string                  { return f.name }
func (f *fakeTool) Description() string           { return "test tool" }
func (f *fakeTool) Parameters() []tools.Parameter { return nil }

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	f.calls++
	return f.fn(args)
}

func newTestAgent(t *testing.T, client llm.Client, maxCycles int, extra ...tools.Tool) (*Agent, *conversation.Conversation) {
	t.Helper()
	reg, err := tools.NewRegistry(&config.Config{}, zerolog.Nop())
	require.NoError(t, err)
	for _, tool := range extra {
		require.NoError(t, reg.Register(tool))
	}
	conv := conversation.New(conversation.Budget{})
	ag := New(client, reg, conv, &config.Config{MaxToolCycles: maxCycles}, zerolog.Nop())
	return ag, conv
}

func echoCall(id string) conversation.ToolCall {
	return conversation.ToolCall{ID: id, Name: "echo", Args: map[string]interface{}{"text": "hi"}}
}

func TestRunSingleTextTurn(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{{Text: "hello there"}}}
	ag, conv := newTestAgent(t, client, 10)

	out, err := ag.Run(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
	assert.Equal(t, 1, client.calls)

	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hello there", msgs[1].Content)
}

func TestRunToolCycle(t *testing.T) {
	echo := &fakeTool{name: "echo", fn: func(args map[string]interface{}) (string, error) {
		return "echoed: " + args["text"].(string), nil
	}}
	client := &scriptedClient{replies: []llm.Reply{
		{Text: "checking", ToolCalls: []conversation.ToolCall{echoCall("call_1")}},
		{Text: "done"},
	}}
	ag, conv := newTestAgent(t, client, 10, echo)

	out, err := ag.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 1, echo.calls)

	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, conversation.RoleTool, msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.Equal(t, "echoed: hi", msgs[2].Content)
	assert.Equal(t, conversation.RoleAssistant, msgs[3].Role)

	// The second request must carry the tool result.
	require.Len(t, client.seen, 2)
	last := client.seen[1][len(client.seen[1])-1]
	assert.Equal(t, conversation.RoleTool, last.Role)
}

func TestRunMultipleToolCallsInOrder(t *testing.T) {
	var seen []string
	echo := &fakeTool{name: "echo", fn: func(args map[string]interface{}) (string, error) {
		seen = append(seen, args["n"].(string))
		return "ok " + args["n"].(string), nil
	}}
	client := &scriptedClient{replies: []llm.Reply{
		{ToolCalls: []conversation.ToolCall{
			{ID: "call_a", Name: "echo", Args: map[string]interface{}{"n": "first"}},
			{ID: "call_b", Name: "echo", Args: map[string]interface{}{"n": "second"}},
			{ID: "call_c", Name: "echo", Args: map[string]interface{}{"n": "third"}},
		}},
		{Text: "done"},
	}}
	ag, conv := newTestAgent(t, client, 10, echo)

	_, err := ag.Run(context.Background(), "go")
	require.NoError(t, err)

	// Tools execute in the order the model issued them, and each result
	// answers its own invocation id.
	assert.Equal(t, []string{"first", "second", "third"}, seen)
	msgs := conv.Messages()
	require.Len(t, msgs, 6)
	for i, id := range []string{"call_a", "call_b", "call_c"} {
		assert.Equal(t, conversation.RoleTool, msgs[2+i].Role)
		assert.Equal(t, id, msgs[2+i].ToolCallID)
	}
}

func TestRunMissingFileReadFolded(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{
		{ToolCalls: []conversation.ToolCall{{
			ID:   "call_1",
			Name: "read_file",
			Args: map[string]interface{}{"path": "/no/such/file/anywhere.txt"},
		}}},
		{Text: "that file does not exist"},
	}}
	ag, conv := newTestAgent(t, client, 10)

	out, err := ag.Run(context.Background(), "read it")
	require.NoError(t, err)
	assert.Equal(t, "that file does not exist", out)

	// The read failure lands in the transcript, and the loop went back
	// to the model for a second reply.
	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, conversation.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "tool error:")
	assert.Equal(t, 2, client.calls)
}

func TestRunToolFailureFoldedIntoResult(t *testing.T) {
	boom := &fakeTool{name: "echo", fn: func(map[string]interface{}) (string, error) {
		return "", errors.New("disk on fire")
	}}
	client := &scriptedClient{replies: []llm.Reply{
		{ToolCalls: []conversation.ToolCall{echoCall("call_1")}},
		{Text: "recovered"},
	}}
	ag, conv := newTestAgent(t, client, 10, boom)

	out, err := ag.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)

	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, conversation.RoleTool, msgs[2].Role)
	assert.Contains(t, msgs[2].Content, "tool error:")
	assert.Contains(t, msgs[2].Content, "disk on fire")
}

func TestRunUnknownToolFolded(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{
		{ToolCalls: []conversation.ToolCall{{ID: "call_1", Name: "no_such_tool"}}},
		{Text: "ok"},
	}}
	ag, conv := newTestAgent(t, client, 10)

	out, err := ag.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	msgs := conv.Messages()
	assert.Contains(t, msgs[2].Content, "no_such_tool")
	assert.Contains(t, msgs[2].Content, "tool error:")
}

func TestRunToolLoopExceeded(t *testing.T) {
	echo := &fakeTool{name: "echo", fn: func(map[string]interface{}) (string, error) {
		return "again", nil
	}}
	client := &scriptedClient{replies: []llm.Reply{
		{ToolCalls: []conversation.ToolCall{echoCall("call_1")}},
		{ToolCalls: []conversation.ToolCall{echoCall("call_2")}},
		{ToolCalls: []conversation.ToolCall{echoCall("call_3")}},
	}}
	ag, conv := newTestAgent(t, client, 2, echo)

	_, err := ag.Run(context.Background(), "go")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindToolLoopExceeded))

	// Two full tool cycles ran, then the third tool request tripped the
	// ceiling before dispatch.
	assert.Equal(t, 3, client.calls)
	assert.Equal(t, 2, echo.calls)

	msgs := conv.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, conversation.RoleAssistant, last.Role)
	require.Len(t, last.ToolCalls, 1)
}

func TestRunInterruptLetsToolFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	echo := &fakeTool{name: "echo", fn: func(map[string]interface{}) (string, error) {
		// Simulate an interrupt arriving mid-execution.
		cancel()
		return "finished anyway", nil
	}}
	client := &scriptedClient{replies: []llm.Reply{
		{ToolCalls: []conversation.ToolCall{echoCall("call_1")}},
		{Text: "never reached"},
	}}
	ag, conv := newTestAgent(t, client, 10, echo)

	_, err := ag.Run(ctx, "go")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// The tool completed and its result was committed before the loop
	// unwound; no second model request happened.
	msgs := conv.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, conversation.RoleTool, msgs[2].Role)
	assert.Equal(t, "finished anyway", msgs[2].Content)
	assert.Equal(t, 1, client.calls)
}

func TestRunModelErrorWrapped(t *testing.T) {
	client := &scriptedClient{
		replies: []llm.Reply{{}},
		errs:    []error{errors.New("rate limited")},
	}
	ag, _ := newTestAgent(t, client, 10)

	_, err := ag.Run(context.Background(), "go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Contains(t, err.Error(), "model request failed")
}

func TestRunStreamFragments(t *testing.T) {
	echo := &fakeTool{name: "echo", fn: func(map[string]interface{}) (string, error) {
		return "echoed", nil
	}}
	client := &scriptedClient{replies: []llm.Reply{
		{Text: "let me look", ToolCalls: []conversation.ToolCall{echoCall("call_1")}},
		{Text: "all done"},
	}}
	ag, conv := newTestAgent(t, client, 10, echo)

	var got string
	fragments := 0
	for frag, err := range ag.RunStream(context.Background(), "go") {
		require.NoError(t, err)
		got += frag
		fragments++
	}

	assert.Equal(t, "let me lookall done", got)
	assert.Greater(t, fragments, 1)
	assert.Equal(t, 1, echo.calls)

	msgs := conv.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "all done", msgs[3].Content)
}

func TestRunStreamMatchesSyncText(t *testing.T) {
	const text = "the answer is forty-two"

	syncAgent, _ := newTestAgent(t, &scriptedClient{replies: []llm.Reply{{Text: text}}}, 10)
	want, err := syncAgent.Run(context.Background(), "question")
	require.NoError(t, err)

	streamAgent, _ := newTestAgent(t, &scriptedClient{replies: []llm.Reply{{Text: text}}}, 10)
	var got string
	for frag, err := range streamAgent.RunStream(context.Background(), "question") {
		require.NoError(t, err)
		got += frag
	}

	assert.Equal(t, want, got)
}

func TestRunStreamIsLazy(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{{Text: "never"}}}
	ag, conv := newTestAgent(t, client, 10)

	_ = ag.RunStream(context.Background(), "go")

	assert.Equal(t, 0, client.calls)
	assert.Equal(t, 0, conv.Len())
}

func TestRunStreamError(t *testing.T) {
	client := &scriptedClient{
		replies: []llm.Reply{{}},
		errs:    []error{errors.New("bad gateway")},
	}
	ag, _ := newTestAgent(t, client, 10)

	var streamErr error
	for _, err := range ag.RunStream(context.Background(), "go") {
		if err != nil {
			streamErr = err
		}
	}
	require.Error(t, streamErr)
	assert.Contains(t, streamErr.Error(), "bad gateway")
}

func TestRunStreamEarlyStop(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{{Text: "a long reply"}}}
	ag, conv := newTestAgent(t, client, 10)

	for range ag.RunStream(context.Background(), "go") {
		break
	}

	// The turn is still recorded even though the consumer left early.
	// The producer may have been cancelled mid-reply, so only a prefix
	// of the text is guaranteed.
	msgs := conv.Messages()
	require.Len(t, msgs, 2)
	assert.NotEmpty(t, msgs[1].Content)
	assert.True(t, strings.HasPrefix("a long reply", msgs[1].Content))
}

func TestHooksObserveDispatch(t *testing.T) {
	echo := &fakeTool{name: "echo", fn: func(map[string]interface{}) (string, error) {
		return "echoed", nil
	}}
	client := &scriptedClient{replies: []llm.Reply{
		{ToolCalls: []conversation.ToolCall{echoCall("call_1")}},
		{Text: "done"},
	}}
	ag, _ := newTestAgent(t, client, 10, echo)

	var calls, results []string
	ag.SetHooks(Hooks{
		OnToolCall:   func(name string, args map[string]interface{}) { calls = append(calls, name) },
		OnToolResult: func(name, result string, err error) { results = append(results, result) },
	})

	_, err := ag.Run(context.Background(), "go")
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, calls)
	assert.Equal(t, []string{"echoed"}, results)
}

func TestResetKeepsSystem(t *testing.T) {
	client := &scriptedClient{replies: []llm.Reply{{Text: "ok"}}}
	ag, conv := newTestAgent(t, client, 10)
	require.NoError(t, conv.SetSystem("be terse"))

	_, err := ag.Run(context.Background(), "hi")
	require.NoError(t, err)
	require.Equal(t, 3, conv.Len())

	ag.Reset(true)
	msgs := conv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleSystem, msgs[0].Role)

	ag.Reset(false)
	assert.Equal(t, 0, conv.Len())
}
