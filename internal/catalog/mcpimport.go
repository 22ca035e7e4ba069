package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mirefall/quartermaster/pkg/types"
)

// MCPTransport selects the connection mechanism for an external MCP server.
type MCPTransport string

const (
	// MCPTransportStdio spawns a subprocess and communicates over stdin/stdout.
	MCPTransportStdio MCPTransport = "stdio"

	// MCPTransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPTransportStdio || t == MCPTransportStreamableHTTP
}

// MCPServerConfig describes one external MCP server whose tools should be
// imported into the catalog. Tier and Prerequisites apply uniformly to every
// tool the server exports, since the MCP protocol carries no gating metadata.
type MCPServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	// Transport selects stdio or streamable-http.
	Transport MCPTransport

	// Command is the subprocess command line for stdio transport, split on
	// spaces into executable + args.
	Command string

	// Env holds additional environment variables for the subprocess.
	Env map[string]string

	// URL is the endpoint address for streamable-http transport.
	URL string

	// Tier is the capability level assigned to every imported tool.
	Tier int

	// Prerequisites are the capability identifiers gating every imported tool.
	Prerequisites []string
}

// MCPImporter connects to external MCP servers and registers their tools in a
// Catalog. It owns the server sessions; Close tears them down.
//
// All methods are safe for concurrent use.
type MCPImporter struct {
	mu       sync.Mutex
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPImporter creates an importer with a single shared MCP client. The
// official SDK allows one Client to manage multiple sessions concurrently.
func NewMCPImporter() *MCPImporter {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "quartermaster", Version: "1.0.0"},
		nil,
	)
	return &MCPImporter{
		client:   client,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Import connects to the MCP server described by cfg, lists its tools, and
// registers each one in cat with a handler that forwards calls to the live
// session. Returns the number of tools registered.
//
// A second Import for the same server name fails; reconnection is a restart
// concern, not a runtime one, because the catalog is sealed after start-up.
func (im *MCPImporter) Import(ctx context.Context, cat *Catalog, cfg MCPServerConfig) (int, error) {
	if cfg.Name == "" {
		return 0, fmt.Errorf("mcp import: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return 0, fmt.Errorf("mcp import: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	im.mu.Lock()
	if _, exists := im.sessions[cfg.Name]; exists {
		im.mu.Unlock()
		return 0, fmt.Errorf("mcp import: server %q already imported", cfg.Name)
	}
	im.mu.Unlock()

	var transport mcpsdk.Transport

	switch cfg.Transport {
	case MCPTransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return 0, fmt.Errorf("mcp import: stdio server %q requires a non-empty Command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return 0, fmt.Errorf("mcp import: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := im.client.Connect(ctx, transport, nil)
	if err != nil {
		return 0, fmt.Errorf("mcp import: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return 0, fmt.Errorf("mcp import: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	registered := 0
	for _, mcpTool := range discovered {
		desc := Descriptor{
			Definition: types.ToolDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  schemaToMap(mcpTool.InputSchema),
			},
			Tier:          cfg.Tier,
			Prerequisites: append([]string(nil), cfg.Prerequisites...),
		}
		if err := cat.Register(desc, forwardingHandler(session, mcpTool.Name)); err != nil {
			_ = session.Close()
			return registered, fmt.Errorf("mcp import: register tool %q from server %q: %w", mcpTool.Name, cfg.Name, err)
		}
		registered++
	}

	im.mu.Lock()
	im.sessions[cfg.Name] = session
	im.mu.Unlock()

	return registered, nil
}

// forwardingHandler builds a Handler that routes a call to the MCP session.
func forwardingHandler(session *mcpsdk.ClientSession, toolName string) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		// Engine-injected keys (underscore prefix) are local metadata; strict
		// MCP servers reject unknown properties, so strip them.
		forwarded := make(map[string]any, len(args))
		for k, v := range args {
			if strings.HasPrefix(k, "_") {
				continue
			}
			forwarded[k] = v
		}

		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: forwarded,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: mcp tool %q: %v", ErrUnavailable, toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return nil, fmt.Errorf("mcp tool %q reported an error: %s", toolName, sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down all server sessions. The importer must not be used again.
func (im *MCPImporter) Close() error {
	im.mu.Lock()
	defer im.mu.Unlock()

	var firstErr error
	for name, session := range im.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp import: close server %q: %w", name, err)
		}
		delete(im.sessions, name)
	}
	return firstErr
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
