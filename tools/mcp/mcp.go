// Package mcp manages connections to Model Context Protocol servers
// whose tools are made available to the agent alongside the builtins.
package mcp

import (
	"context"
	"os"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/errors"
)

// Client manages the connection to a single MCP server subprocess.
type Client struct {
	Name   string
	cmd    *exec.Cmd
	conn   *mcpsdk.ClientSession
	tools  []*Tool
	logger zerolog.Logger
}

// NewClient starts the MCP server subprocess, connects to it and
// discovers the tools it provides.
func NewClient(name, command string, args []string, logger zerolog.Logger) (*Client, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr
	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "turtle", Version: "v1.0.0"}, nil)
	ctx := context.Background()
	conn, err := mcpClient.Connect(ctx, mcpsdk.NewCommandTransport(cmd))
	if err != nil {
		cmd.Process.Kill()
		return nil, errors.Wrapf(err, "failed to connect to MCP server %q", name)
	}

	client := &Client{
		Name:   name,
		cmd:    cmd,
		conn:   conn,
		logger: logger.With().Str("mcp_server", name).Logger(),
	}

	toolListParams := &mcpsdk.ListToolsParams{}
	for {
		toolList, err := conn.ListTools(ctx, toolListParams)
		if err != nil {
			cmd.Process.Kill()
			return nil, errors.Wrapf(err, "failed to list tools from MCP server %q", name)
		}
		for _, t := range toolList.Tools {
			client.tools = append(client.tools, &Tool{
				serverName:  name,
				toolName:    t.Name,
				description: t.Description,
				client:      client,
			})
		}
		if toolList.NextCursor == "" {
			break
		}
		toolListParams.Cursor = toolList.NextCursor
	}

	return client, nil
}

// Tools returns the tools discovered on this server.
func (c *Client) Tools() []*Tool {
	return c.tools
}

// Stop terminates the MCP server subprocess.
func (c *Client) Stop() error {
	if c.conn != nil {
		c.conn.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		c.logger.Debug().Msg("terminating MCP server")
		return c.cmd.Process.Kill()
	}
	return nil
}

// Tool is a single tool served by an MCP server.
type Tool struct {
	serverName  string
	toolName    string
	description string
	client      *Client
}

func (t *Tool) Name() string        { return t.toolName }
func (t *Tool) Description() string { return t.description }

// Call sends the invocation to the MCP server and concatenates the
// textual content of the result.
func (t *Tool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	result, err := t.client.conn.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.toolName,
		Arguments: args,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to call tool %q on MCP server %q", t.toolName, t.serverName)
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), nil
}
