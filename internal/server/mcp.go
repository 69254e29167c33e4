package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cognitio/cognitio/internal/chat"
)

// NewMCPServer creates an MCP server exposing the chat daemon to agent
// clients: sending messages, reading the transcript, and model management.
func NewMCPServer(o *chat.Orchestrator) *server.MCPServer {
	s := server.NewMCPServer(
		"cognitio",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("cognitio is a local streaming chat daemon backed by an on-device language model."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a chat message and wait for the full streamed reply."),
			mcp.WithString("message", mcp.Description("The message text"), mcp.Required()),
		),
		mcpSendMessage(o),
	)

	s.AddTool(
		mcp.NewTool("get_transcript",
			mcp.WithDescription("Return the current conversation transcript as JSON."),
		),
		mcpGetTranscript(o),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List the models available for chat."),
		),
		mcpListModels(o),
	)

	s.AddTool(
		mcp.NewTool("switch_model",
			mcp.WithDescription("Switch the chat to a different model by id or display name."),
			mcp.WithString("model", mcp.Description("Model id or display name"), mcp.Required()),
		),
		mcpSwitchModel(o),
	)

	s.AddTool(
		mcp.NewTool("interrupt",
			mcp.WithDescription("Interrupt the reply currently being generated, if any."),
		),
		mcpInterrupt(o),
	)

	return s
}

// ServeMCPStdio runs the MCP server over stdio until ctx is canceled.
func ServeMCPStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s).Listen(ctx, in, out)
}

func mcpSendMessage(o *chat.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		if err := o.SendMessage(ctx, message); err != nil {
			switch {
			case errors.Is(err, chat.ErrEmptyMessage):
				return mcpError("message must not be empty"), nil
			case errors.Is(err, chat.ErrBusy):
				return mcpError("a reply is already being generated"), nil
			case errors.Is(err, chat.ErrNoSession):
				return mcpError("no active session"), nil
			default:
				return mcpError(fmt.Sprintf("send failed: %v", err)), nil
			}
		}

		tr := o.Transcript()
		if len(tr) == 0 {
			return mcpError("transcript empty after send"), nil
		}
		last := tr[len(tr)-1]
		return mcpText(last.Content), nil
	}
}

func mcpGetTranscript(o *chat.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(o.Transcript())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal transcript: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListModels(o *chat.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(o.AvailableModels())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal models: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSwitchModel(o *chat.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		model, err := req.RequireString("model")
		if err != nil {
			return mcpError("model is required"), nil
		}

		if err := o.SwitchModel(ctx, model); err != nil {
			return mcpError(fmt.Sprintf("switch failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Switched to %s", model)), nil
	}
}

func mcpInterrupt(o *chat.Orchestrator) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if o.Interrupt(ctx) {
			return mcpText("Interrupted the in-flight reply."), nil
		}
		return mcpText("Nothing to interrupt."), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
