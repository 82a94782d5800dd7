// Package mcpserver exposes the sandbox toolset over the Model Context
// Protocol on stdio, so agent frontends can drive sessions without going
// through the HTTP gateway.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/tools"
	"github.com/jkaninda/sanduku/internal/tools/sandbox"
)

// Server wraps an MCP stdio server around the sandbox toolset.
type Server struct {
	mcp     *server.MCPServer
	toolset *sandbox.Toolset
	logger  *slog.Logger
}

// toolDef describes one registered tool: its schema and the toolset call
// it dispatches to.
type toolDef struct {
	name        string
	description string
	required    []string
	properties  map[string]any
	handler     func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error)
}

// New builds the MCP server and registers every sandbox tool.
func New(toolset *sandbox.Toolset, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"sanduku",
			version,
			server.WithToolCapabilities(false),
			server.WithLogging(),
		),
		toolset: toolset,
		logger:  logger,
	}
	for _, def := range toolDefs {
		s.register(def)
	}
	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout until the client
// disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) register(def toolDef) {
	tool := mcp.Tool{
		Name:        def.name,
		Description: def.description,
		InputSchema: buildSchema(def),
	}
	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		result, err := def.handler(ctx, s, args)
		if err != nil {
			// Bad input and runtime failures alike surface as tool errors,
			// never as protocol errors, so the client can show them.
			s.logger.Debug("tool call failed",
				slog.String("tool", def.name), slog.String("error", err.Error()))
			return errorResult(err.Error()), nil
		}
		return toMCPResult(result), nil
	}
	s.mcp.AddTool(tool, handler)
}

func buildSchema(def toolDef) mcp.ToolInputSchema {
	properties := make(map[string]any, len(def.properties))
	for name, prop := range def.properties {
		properties[name] = prop
	}
	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: properties,
		Required:   def.required,
	}
}

// toMCPResult converts a toolset result into MCP content. Text items pass
// through as-is; structured items keep their JSON encoding.
func toMCPResult(result *tools.Result) *mcp.CallToolResult {
	content := make([]mcp.Content, 0, len(result.Content))
	for _, item := range result.Content {
		text := item.Text
		if text == "" && len(item.JSON) > 0 {
			text = string(item.JSON)
		}
		content = append(content, mcp.TextContent{Type: "text", Text: text})
	}
	if len(content) == 0 {
		content = append(content, mcp.TextContent{Type: "text", Text: "(no output)"})
	}
	return &mcp.CallToolResult{Content: content, IsError: result.IsError()}
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: message}},
		IsError: true,
	}
}

// Argument extraction. MCP arguments arrive as decoded JSON, so arrays are
// []any and objects are map[string]any.

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]any, key string) ([]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must contain only strings", key)
		}
		out = append(out, s)
	}
	return out, nil
}

func fileSpecsArg(args map[string]any, key string) ([]provider.FileSpec, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	// Round-trip through JSON rather than walking map[string]any by hand.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid JSON: %w", key, err)
	}
	var specs []provider.FileSpec
	if err := json.Unmarshal(encoded, &specs); err != nil {
		return nil, fmt.Errorf("%s must be an array of {path, content} objects: %w", key, err)
	}
	return specs, nil
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func stringArrayProp(description string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": description,
		"items":       map[string]any{"type": "string"},
	}
}

var toolDefs = []toolDef{
	{
		name:        "initSession",
		description: "Create a named sandbox session. Fails if the name is already registered.",
		required:    []string{"session"},
		properties: map[string]any{
			"session":     stringProp("Session name"),
			"description": stringProp("Optional human-readable purpose of the session"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			return s.toolset.InitSession(ctx, sandbox.InitSessionRequest{
				Session:     stringArg(args, "session"),
				Description: stringArg(args, "description"),
			})
		},
	},
	{
		name:        "listLocalSessions",
		description: "List sessions registered by this process, sorted by name.",
		properties:  map[string]any{},
		handler: func(ctx context.Context, s *Server, _ map[string]any) (*tools.Result, error) {
			return s.toolset.ListLocalSessions(ctx)
		},
	},
	{
		name:        "executeCode",
		description: "Run code inside a sandbox session. The session is created on demand.",
		required:    []string{"session", "code"},
		properties: map[string]any{
			"session":  stringProp("Session name"),
			"language": stringProp("Interpreter: python (default), sh, or bash"),
			"code":     stringProp("Source code to execute"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			return s.toolset.ExecuteCode(ctx, sandbox.ExecuteCodeRequest{
				Session:  stringArg(args, "session"),
				Language: stringArg(args, "language"),
				Code:     stringArg(args, "code"),
			})
		},
	},
	{
		name:        "executeCommand",
		description: "Run a shell command inside a sandbox session.",
		required:    []string{"session", "command"},
		properties: map[string]any{
			"session": stringProp("Session name"),
			"command": stringProp("Shell command line to execute"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			return s.toolset.ExecuteCommand(ctx, sandbox.ExecuteCommandRequest{
				Session: stringArg(args, "session"),
				Command: stringArg(args, "command"),
			})
		},
	},
	{
		name:        "readFiles",
		description: "Read one or more files from the sandbox filesystem.",
		required:    []string{"session", "paths"},
		properties: map[string]any{
			"session": stringProp("Session name"),
			"paths":   stringArrayProp("Sandbox file paths to read"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			paths, err := stringSliceArg(args, "paths")
			if err != nil {
				return nil, err
			}
			return s.toolset.ReadFiles(ctx, sandbox.FilePathsRequest{
				Session: stringArg(args, "session"),
				Paths:   paths,
			})
		},
	},
	{
		name:        "listFiles",
		description: "List directory contents in the sandbox. Defaults to the working directory.",
		required:    []string{"session"},
		properties: map[string]any{
			"session": stringProp("Session name"),
			"path":    stringProp("Directory to list (default: working directory)"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			return s.toolset.ListFiles(ctx, sandbox.ListFilesRequest{
				Session: stringArg(args, "session"),
				Path:    stringArg(args, "path"),
			})
		},
	},
	{
		name:        "writeFiles",
		description: "Write one or more files into the sandbox filesystem.",
		required:    []string{"session", "files"},
		properties: map[string]any{
			"session": stringProp("Session name"),
			"files": map[string]any{
				"type":        "array",
				"description": "Files to write",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"path", "content"},
				},
			},
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			files, err := fileSpecsArg(args, "files")
			if err != nil {
				return nil, err
			}
			return s.toolset.WriteFiles(ctx, sandbox.WriteFilesRequest{
				Session: stringArg(args, "session"),
				Files:   files,
			})
		},
	},
	{
		name:        "removeFiles",
		description: "Delete files from the sandbox filesystem.",
		required:    []string{"session", "paths"},
		properties: map[string]any{
			"session": stringProp("Session name"),
			"paths":   stringArrayProp("Sandbox file paths to delete"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			paths, err := stringSliceArg(args, "paths")
			if err != nil {
				return nil, err
			}
			return s.toolset.RemoveFiles(ctx, sandbox.FilePathsRequest{
				Session: stringArg(args, "session"),
				Paths:   paths,
			})
		},
	},
	{
		name:        "downloadFiles",
		description: "Copy files out of the sandbox onto the local filesystem.",
		required:    []string{"session", "sourcePaths", "destinationDir"},
		properties: map[string]any{
			"session":        stringProp("Session name"),
			"sourcePaths":    stringArrayProp("Sandbox file paths to download"),
			"destinationDir": stringProp("Absolute local directory to write into"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			sources, err := stringSliceArg(args, "sourcePaths")
			if err != nil {
				return nil, err
			}
			return s.toolset.DownloadFiles(ctx, sandbox.DownloadFilesRequest{
				Session:        stringArg(args, "session"),
				SourcePaths:    sources,
				DestinationDir: stringArg(args, "destinationDir"),
			})
		},
	},
	{
		name:        "stopSession",
		description: "Terminate a session's sandbox and forget it.",
		required:    []string{"session"},
		properties: map[string]any{
			"session": stringProp("Session name"),
		},
		handler: func(ctx context.Context, s *Server, args map[string]any) (*tools.Result, error) {
			return s.toolset.StopSession(ctx, stringArg(args, "session"))
		},
	},
	{
		name:        "cleanup",
		description: "Stop all sessions registered by this process.",
		properties:  map[string]any{},
		handler: func(ctx context.Context, s *Server, _ map[string]any) (*tools.Result, error) {
			return s.toolset.Cleanup(ctx)
		},
	},
}

// ToolNames returns the registered tool names, for startup logging.
func ToolNames() string {
	names := make([]string, 0, len(toolDefs))
	for _, def := range toolDefs {
		names = append(names, def.name)
	}
	return strings.Join(names, ", ")
}
