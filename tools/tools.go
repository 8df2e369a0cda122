package tools

import (
	"context"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"github.com/turtleci/turtle/config"
	"github.com/turtleci/turtle/errors"
	"github.com/turtleci/turtle/tools/mcp"
)

// Parameter describes one accepted argument of a tool.
type Parameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Schema is the name/description/argument contract of a registered tool,
// as it is advertised to the model.
type Schema struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// InputSchema renders the parameters as a JSON-schema object of the
// shape the provider APIs accept.
func (s Schema) InputSchema() map[string]interface{} {
	properties := map[string]interface{}{}
	var required []string
	for _, p := range s.Parameters {
		properties[p.Name] = map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Tool defines the interface for any action the agent can take.
// Ordinary failures (missing file, rejected command) are returned as
// errors, never panics, so the loop can relay them to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() []Parameter
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds all available tools. It is populated once at startup
// and effectively immutable after the agent loop starts.
type Registry struct {
	tools      map[string]Tool
	order      []string
	mcpClients []*mcp.Client
}

// NewRegistry builds a registry with the builtin tools and any tools
// contributed by configured MCP servers.
func NewRegistry(cfg *config.Config, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}

	builtins := []Tool{
		&ReadFileTool{fsAccess: &cfg.FilesystemAccess},
		&WriteFileTool{fsAccess: &cfg.FilesystemAccess},
		&ListDirectoryTool{fsAccess: &cfg.FilesystemAccess},
		&ExecuteCommandTool{allowedCommands: cfg.AllowedCommands},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}

	for _, server := range cfg.MCPServers {
		client, err := mcp.NewClient(server.Name, server.Command, server.Args, logger)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "failed to start MCP server %q", server.Name)
		}
		r.mcpClients = append(r.mcpClients, client)
		for _, t := range client.Tools() {
			if err := r.Register(&mcpTool{t}); err != nil {
				r.Close()
				return nil, err
			}
		}
		logger.Info().Str("server", server.Name).Int("tools", len(client.Tools())).Msg("MCP server initialized")
	}

	return r, nil
}

// Register adds a tool. Registering a name twice is a caller bug and
// fails with a duplicate-tool error.
func (r *Registry) Register(t Tool) error {
	if _, exists := r.tools[t.Name()]; exists {
		return errors.NewKind(errors.KindDuplicateTool, "tool %q is already registered", t.Name())
	}
	r.tools[t.Name()] = t
	r.order = append(r.order, t.Name())
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, errors.NewKind(errors.KindUnknownTool, "no tool named %q", name)
	}
	return t, nil
}

// Schemas returns every registered tool's schema in registration order,
// so identical registrations produce identical model requests.
func (r *Registry) Schemas() []Schema {
	schemas := make([]Schema, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		schemas = append(schemas, Schema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}

// Close stops any MCP server subprocesses.
func (r *Registry) Close() error {
	var firstErr error
	for _, c := range r.mcpClients {
		if err := c.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mcpTool adapts an MCP-served tool to the Tool interface. MCP servers
// describe arguments with their own schema; those tools are advertised
// with a generic object schema and the server validates the payload.
type mcpTool struct {
	t *mcp.Tool
}

func (m *mcpTool) Name() string            { return m.t.Name() }
func (m *mcpTool) Description() string     { return m.t.Description() }
func (m *mcpTool) Parameters() []Parameter { return nil }

func (m *mcpTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	return m.t.Call(ctx, args)
}

// isPathRestricted checks if a path matches any of the glob patterns.
func isPathRestricted(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		match, err := doublestar.PathMatch(pattern, path)
		if err != nil {
			return false, errors.Wrapf(err, "invalid glob pattern %q", pattern)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// isCommandAllowed checks if a command is in the allowlist (with regex support).
func isCommandAllowed(command string, allowed []string) (bool, error) {
	if len(strings.Fields(command)) == 0 {
		return false, nil
	}
	for _, pattern := range allowed {
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Fall back to exact comparison when the pattern is not a
			// valid regex.
			if command == pattern {
				return true, nil
			}
			continue
		}
		if re.MatchString(command) {
			return true, nil
		}
	}
	return false, nil
}
