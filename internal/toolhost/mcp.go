package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpConnector establishes provider sessions over the official MCP Go SDK.
// A single SDK client manages all sessions concurrently.
type mcpConnector struct {
	client *mcpsdk.Client
}

func newMCPConnector() *mcpConnector {
	return &mcpConnector{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "renfield-toolhost", Version: "1.0.0"},
			nil,
		),
	}
}

// connect implements connectFunc.
func (c *mcpConnector) connect(ctx context.Context, cfg ProviderConfig) (providerSession, error) {
	if !cfg.Transport.IsValid() {
		return nil, fmt.Errorf("toolhost: unknown transport %q for provider %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("toolhost: stdio provider %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("toolhost: http provider %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("toolhost: streamable-http provider %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("toolhost: connect to provider %q: %w", cfg.Name, err)
	}
	return &mcpSession{session: session}, nil
}

// mcpSession adapts an SDK ClientSession to providerSession.
type mcpSession struct {
	session *mcpsdk.ClientSession
}

// ListTools implements providerSession using the SDK's tool iterator.
func (s *mcpSession) ListTools(ctx context.Context) ([]RawTool, error) {
	var tools []RawTool
	for tool, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		tools = append(tools, RawTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}
	return tools, nil
}

// Call implements providerSession. Text content parts are concatenated; the
// result's IsError flag marks an application-level tool failure.
func (s *mcpSession) Call(ctx context.Context, tool string, args map[string]any) (CallOutput, error) {
	result, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      tool,
		Arguments: args,
	})
	if err != nil {
		return CallOutput{}, fmt.Errorf("toolhost: call %q: %w", tool, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return CallOutput{Content: sb.String(), IsError: result.IsError}, nil
}

func (s *mcpSession) Close() error {
	return s.session.Close()
}

// schemaToMap converts any schema value to a map[string]any via a JSON
// round-trip. Providers that omit a schema get a permissive object schema.
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

// splitCommand splits a command line into executable and arguments on
// whitespace. Quoting is not supported; configure complex invocations via a
// wrapper script.
func splitCommand(command string) (executable string, args []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
