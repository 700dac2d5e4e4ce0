package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes every tool registered with the invoker's registry
// over the Model Context Protocol. Tools registered later are not picked
// up; build the server after registration is complete.
func NewMCPServer(name, version, instructions string, iv *Invoker) *server.MCPServer {
	opts := []server.ServerOption{
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	}
	if instructions != "" {
		opts = append(opts, server.WithInstructions(instructions))
	}
	s := server.NewMCPServer(name, version, opts...)

	for _, t := range iv.Registry().List() {
		s.AddTool(mcp.NewToolWithRawSchema(t.Name, t.Description, t.InputSchema()), mcpHandler(iv, t.Name))
	}
	return s
}

func mcpHandler(iv *Invoker, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		result, err := iv.Invoke(ctx, name, args)
		if err != nil {
			// tool failures are reported in the result, not as protocol errors
			return mcp.NewToolResultError(err.Error()), nil
		}

		text, err := json.Marshal(result)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
		}
		return mcp.NewToolResultText(string(text)), nil
	}
}
