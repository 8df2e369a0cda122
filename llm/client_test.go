package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtleci/turtle/conversation"
)

func TestReplyIsToolCall(t *testing.T) {
	assert.False(t, (&Reply{Text: "plain answer"}).IsToolCall())
	assert.True(t, (&Reply{
		Text:      "with commentary",
		ToolCalls: []conversation.ToolCall{{ID: "call_1", Name: "read_file"}},
	}).IsToolCall())
}

func TestProcessBedrockResponseText(t *testing.T) {
	body := []byte(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}`)

	reply, err := processBedrockResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", reply.Text)
	assert.False(t, reply.IsToolCall())
}

func TestProcessBedrockResponseToolUse(t *testing.T) {
	body := []byte(`{"content":[
		{"type":"text","text":"let me check"},
		{"type":"tool_use","id":"toolu_abc","name":"read_file","input":{"path":"main.go"}}
	]}`)

	reply, err := processBedrockResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "let me check", reply.Text)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "toolu_abc", reply.ToolCalls[0].ID)
	assert.Equal(t, "read_file", reply.ToolCalls[0].Name)
	assert.Equal(t, "main.go", reply.ToolCalls[0].Args["path"])
}

func TestProcessBedrockResponseError(t *testing.T) {
	_, err := processBedrockResponse([]byte(`{"error":"model not found"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestConvertMessagesToBedrock(t *testing.T) {
	messages := []conversation.Message{
		{Role: conversation.RoleSystem, Content: "be terse"},
		{Role: conversation.RoleUser, Content: "list files"},
		{Role: conversation.RoleAssistant, ToolCalls: []conversation.ToolCall{
			{ID: "call_1", Name: "list_directory", Args: map[string]interface{}{"path": "."}},
		}},
		{Role: conversation.RoleTool, Content: "main.go", ToolCallID: "call_1"},
		{Role: conversation.RoleAssistant, Content: "just main.go"},
	}

	converted, system := convertMessagesToBedrock(messages)
	assert.Equal(t, "be terse", system)
	require.Len(t, converted, 4)

	// The request body must round-trip through JSON the way the API
	// expects: the tool result rides in a user-role message.
	data, err := json.Marshal(converted)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tool_use_id":"call_1"`)
	assert.Equal(t, "user", converted[2]["role"])
}
