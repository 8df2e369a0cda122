package conversation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtleci/turtle/errors"
)

func TestAppendOrdering(t *testing.T) {
	c := New(Budget{})
	require.NoError(t, c.SetSystem("you are a turtle"))
	require.NoError(t, c.Append(Message{Role: RoleUser, Content: "hi"}))
	require.NoError(t, c.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call-1", Name: "read_file", Args: map[string]interface{}{"path": "a.txt"}}},
	}))
	require.NoError(t, c.Append(Message{Role: RoleTool, Content: "contents", ToolCallID: "call-1"}))

	msgs := c.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "call-1", msgs[3].ToolCallID)
}

func TestDanglingToolResult(t *testing.T) {
	c := New(Budget{})

	err := c.Append(Message{Role: RoleTool, Content: "orphan", ToolCallID: "nope"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDanglingToolResult))
	assert.Zero(t, c.Len())
}

func TestToolResultAnsweredTwice(t *testing.T) {
	c := New(Budget{})
	require.NoError(t, c.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call-1", Name: "read_file"}},
	}))
	require.NoError(t, c.Append(Message{Role: RoleTool, Content: "one", ToolCallID: "call-1"}))

	err := c.Append(Message{Role: RoleTool, Content: "two", ToolCallID: "call-1"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDanglingToolResult))
	assert.Equal(t, 2, c.Len())
}

func TestToolCallIDNeverReissued(t *testing.T) {
	c := New(Budget{})
	require.NoError(t, c.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call-1", Name: "read_file"}},
	}))
	require.NoError(t, c.Append(Message{Role: RoleTool, Content: "one", ToolCallID: "call-1"}))

	// An already-answered id cannot come back in a later turn and be
	// answered a second time.
	err := c.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call-1", Name: "read_file"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate tool call id")
	assert.Equal(t, 2, c.Len())

	// A reset starts a fresh id space.
	c.Reset(false)
	require.NoError(t, c.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call-1", Name: "read_file"}},
	}))
}

func TestDuplicateToolCallIDsWithinMessage(t *testing.T) {
	c := New(Budget{})
	err := c.Append(Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{
			{ID: "call-1", Name: "read_file"},
			{ID: "call-1", Name: "list_directory"},
		},
	})
	require.Error(t, err)
	assert.Zero(t, c.Len())
}

func TestSystemSetOnce(t *testing.T) {
	c := New(Budget{})
	require.NoError(t, c.SetSystem("first"))
	assert.Error(t, c.SetSystem("second"))

	require.NoError(t, c.Append(Message{Role: RoleUser, Content: "hi"}))
	assert.Error(t, c.Append(Message{Role: RoleSystem, Content: "late"}))
}

func TestResetKeepSystem(t *testing.T) {
	c := New(Budget{})
	require.NoError(t, c.SetSystem("sys"))
	require.NoError(t, c.Append(Message{Role: RoleUser, Content: "hi"}))
	require.NoError(t, c.Append(Message{Role: RoleAssistant, Content: "hello"}))

	c.Reset(true)
	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, RoleSystem, msgs[0].Role)
	assert.Equal(t, "sys", msgs[0].Content)

	// The system prompt can be set again only after a full reset.
	assert.Error(t, c.SetSystem("again"))
}

func TestResetFull(t *testing.T) {
	c := New(Budget{})
	require.NoError(t, c.SetSystem("sys"))
	require.NoError(t, c.Append(Message{Role: RoleUser, Content: "hi"}))

	c.Reset(false)
	assert.Zero(t, c.Len())
	require.NoError(t, c.SetSystem("fresh"))
}

func TestResetClearsOpenCalls(t *testing.T) {
	c := New(Budget{})
	require.NoError(t, c.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "call-1", Name: "read_file"}},
	}))

	c.Reset(false)
	err := c.Append(Message{Role: RoleTool, Content: "late", ToolCallID: "call-1"})
	assert.True(t, errors.IsKind(err, errors.KindDanglingToolResult))
}

func TestSnapshotTrimsOldestFirst(t *testing.T) {
	// Budget that fits the system message, the last user message and a
	// couple more, but not ten long turns.
	c := New(Budget{MaxTokens: 200, Model: "gpt-4"})
	require.NoError(t, c.SetSystem("sys prompt"))

	filler := strings.Repeat("x", 200) // ~54 tokens per message
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Append(Message{Role: RoleUser, Content: filler}))
		require.NoError(t, c.Append(Message{Role: RoleAssistant, Content: filler}))
	}

	snap := c.Snapshot()
	require.NotEmpty(t, snap)
	assert.Equal(t, RoleSystem, snap[0].Role)
	assert.Less(t, len(snap), 21)

	// Newest entry always survives.
	assert.Equal(t, filler, snap[len(snap)-1].Content)
	// The stored transcript is untouched.
	assert.Equal(t, 21, c.Len())
}

func TestSnapshotKeepsToolPairsTogether(t *testing.T) {
	c := New(Budget{MaxTokens: 120, Model: "gpt-4"})
	require.NoError(t, c.SetSystem("sys"))

	big := strings.Repeat("y", 300)
	require.NoError(t, c.Append(Message{Role: RoleUser, Content: "do it"}))
	require.NoError(t, c.Append(Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "c1", Name: "read_file"}, {ID: "c2", Name: "list_directory"}},
	}))
	require.NoError(t, c.Append(Message{Role: RoleTool, Content: big, ToolCallID: "c1"}))
	require.NoError(t, c.Append(Message{Role: RoleTool, Content: big, ToolCallID: "c2"}))
	require.NoError(t, c.Append(Message{Role: RoleAssistant, Content: "done"}))
	require.NoError(t, c.Append(Message{Role: RoleUser, Content: "next"}))

	snap := c.Snapshot()
	// Either the whole call/result unit is present or none of it is.
	var hasCall, hasResult bool
	for _, m := range snap {
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			hasCall = true
		}
		if m.Role == RoleTool {
			hasResult = true
		}
	}
	assert.Equal(t, hasCall, hasResult)
	assert.Equal(t, RoleSystem, snap[0].Role)
}

func TestSnapshotNoTrimWithinBudget(t *testing.T) {
	c := New(Budget{MaxTokens: 100000, Model: "gpt-4"})
	require.NoError(t, c.Append(Message{Role: RoleUser, Content: "hello"}))
	assert.Len(t, c.Snapshot(), 1)
}

func TestEstimateTokens(t *testing.T) {
	c := New(Budget{MaxTokens: 1000, Model: "claude-3-opus"})
	require.NoError(t, c.Append(Message{Role: RoleUser, Content: strings.Repeat("a", 400)}))
	est := c.EstimateTokens()
	assert.Greater(t, est, 90)
	assert.Less(t, est, 120)
}
