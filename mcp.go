package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"
)

// McpStdioServerConfig represents an MCP stdio server configuration.
type McpStdioServerConfig struct {
	Type    string            `json:"type,omitempty"` // "stdio" or empty
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (c *McpStdioServerConfig) mcpServerConfigType() string { return "stdio" }

// McpSSEServerConfig represents an MCP SSE server configuration.
type McpSSEServerConfig struct {
	Type    string            `json:"type"` // "sse"
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (c *McpSSEServerConfig) mcpServerConfigType() string { return "sse" }

// McpHTTPServerConfig represents an MCP HTTP server configuration.
type McpHTTPServerConfig struct {
	Type    string            `json:"type"` // "http"
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (c *McpHTTPServerConfig) mcpServerConfigType() string { return "http" }

// McpSdkServerConfig represents an SDK MCP server configuration.
type McpSdkServerConfig struct {
	Type     string     `json:"type"` // "sdk"
	Name     string     `json:"name"`
	Instance *McpServer `json:"-"` // Not serialized to JSON
}

func (c *McpSdkServerConfig) mcpServerConfigType() string { return "sdk" }

// McpServerConfig is a sealed interface for MCP server configurations.
type McpServerConfig interface {
	mcpServerConfigType() string
}

// MCPContent represents content in an MCP tool result.
type MCPContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// MCPToolResult represents the result from an MCP tool execution.
type MCPToolResult struct {
	Content []MCPContent `json:"content"`
	IsError bool         `json:"is_error,omitempty"`
}

// MCPToolHandler is the function signature for MCP tool handlers.
type MCPToolHandler func(ctx context.Context, args map[string]any) (MCPToolResult, error)

// MCPToolAnnotations represents optional tool annotations.
type MCPToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    *bool  `json:"readOnlyHint,omitempty"`
	DestructiveHint *bool  `json:"destructiveHint,omitempty"`
	IdempotentHint  *bool  `json:"idempotentHint,omitempty"`
	OpenWorldHint   *bool  `json:"openWorldHint,omitempty"`
}

// SdkMcpTool represents a tool definition for an SDK MCP server.
type SdkMcpTool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     MCPToolHandler
	Annotations *MCPToolAnnotations
}

// NewMCPTool creates a new SDK MCP tool definition.
func NewMCPTool(name, description string, inputSchema map[string]any, handler MCPToolHandler) *SdkMcpTool {
	return &SdkMcpTool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
		Handler:     handler,
	}
}

// ListPromptsFunc lists the prompts a server exposes.
type ListPromptsFunc func(ctx context.Context) ([]McpPrompt, error)

// GetPromptFunc resolves a single prompt by name into rendered messages.
type GetPromptFunc func(ctx context.Context, name string, args map[string]any) (McpPromptResult, error)

// ListResourcesFunc lists the resources a server exposes.
type ListResourcesFunc func(ctx context.Context) ([]McpResource, error)

// ReadResourceFunc reads the contents of a single resource by URI.
type ReadResourceFunc func(ctx context.Context, uri string) (McpResourceContents, error)

// McpPrompt describes a prompt entry returned by prompts/list.
type McpPrompt struct {
	Name        string
	Description string
	Arguments   []McpPromptArgument
}

// McpPromptArgument describes one argument a prompt accepts.
type McpPromptArgument struct {
	Name        string
	Description string
	Required    bool
}

// McpPromptMessage is one rendered message in a prompts/get result.
type McpPromptMessage struct {
	Role string
	Text string
}

// McpPromptResult is the rendered result of prompts/get.
type McpPromptResult struct {
	Description string
	Messages    []McpPromptMessage
}

// McpResource describes a resource entry returned by resources/list.
type McpResource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// McpResourceContents is the content of a single resource, returned by
// resources/read.
type McpResourceContents struct {
	URI      string
	MimeType string
	Text     string
}

// McpServer represents an in-process MCP server that handles tool calls.
type McpServer struct {
	Name    string
	Version string
	Tools   []*SdkMcpTool
	toolMap map[string]*SdkMcpTool

	// rejectedTools records tools dropped at registration time because their
	// InputSchema failed JSON-Schema validation. They are never advertised
	// via tools/list or reachable via tools/call.
	rejectedTools map[string]error

	ListPrompts   ListPromptsFunc
	GetPrompt     GetPromptFunc
	ListResources ListResourcesFunc
	ReadResource  ReadResourceFunc

	// mu serializes HandleRequest calls on this instance.
	mu sync.Mutex
}

// RejectionError reports why a tool was dropped at CreateSdkMcpServer time,
// or nil if the tool was registered.
func (s *McpServer) RejectionError(toolName string) error {
	return s.rejectedTools[toolName]
}

// RegisterPrompts wires prompts/list and prompts/get handlers into the
// server, returning s so it chains off CreateSdkMcpServer's Instance field:
//
//	cfg := CreateSdkMcpServer("docs", "1.0.0", tools...)
//	cfg.Instance.RegisterPrompts(listPrompts, getPrompt)
//
// Either argument may be nil to leave that method unsupported.
func (s *McpServer) RegisterPrompts(list ListPromptsFunc, get GetPromptFunc) *McpServer {
	s.ListPrompts = list
	s.GetPrompt = get
	return s
}

// RegisterResources wires resources/list and resources/read handlers into
// the server. Either argument may be nil to leave that method unsupported.
func (s *McpServer) RegisterResources(list ListResourcesFunc, read ReadResourceFunc) *McpServer {
	s.ListResources = list
	s.ReadResource = read
	return s
}

// HandleInitialize handles the MCP initialize request.
func (s *McpServer) HandleInitialize(id any) map[string]any {
	capabilities := map[string]any{
		"tools": map[string]any{},
	}
	if s.ListPrompts != nil || s.GetPrompt != nil {
		capabilities["prompts"] = map[string]any{}
	}
	if s.ListResources != nil || s.ReadResource != nil {
		capabilities["resources"] = map[string]any{}
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    capabilities,
			"serverInfo": map[string]any{
				"name":    s.Name,
				"version": s.Version,
			},
		},
	}
}

// HandleListTools handles the MCP tools/list request.
func (s *McpServer) HandleListTools(id any) map[string]any {
	tools := make([]map[string]any, 0, len(s.Tools))
	for _, t := range s.Tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		toolData := map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": schema,
		}
		if t.Annotations != nil {
			toolData["annotations"] = t.Annotations
		}
		tools = append(tools, toolData)
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]any{"tools": tools},
	}
}

// HandleCallTool handles the MCP tools/call request.
func (s *McpServer) HandleCallTool(ctx context.Context, id any, name string, arguments map[string]any) map[string]any {
	tool, ok := s.toolMap[name]
	if !ok {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error": map[string]any{
				"code":    -32601,
				"message": "Tool '" + name + "' not found",
			},
		}
	}

	result, err := tool.Handler(ctx, arguments)
	if err != nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error": map[string]any{
				"code":    -32603,
				"message": err.Error(),
			},
		}
	}

	content := make([]map[string]any, 0, len(result.Content))
	for _, item := range result.Content {
		switch item.Type {
		case "text":
			content = append(content, textContentMap(item.Text))
		case "image":
			content = append(content, map[string]any{
				"type":     "image",
				"data":     item.Data,
				"mimeType": item.MimeType,
			})
		default:
			content = append(content, map[string]any{"type": item.Type})
		}
	}

	responseData := map[string]any{"content": content}
	if result.IsError {
		responseData["is_error"] = true
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  responseData,
	}
}

// textContentMap marshals an mcp.TextContent through its real wire
// representation so text blocks match what a real MCP server emits, then
// folds the result back into this bridge's map[string]any content shape.
func textContentMap(text string) map[string]any {
	tc := mcp.TextContent{Type: "text", Text: text}
	data, err := json.Marshal(tc)
	if err != nil {
		return map[string]any{"type": "text", "text": text}
	}
	m := map[string]any{}
	_ = json.Unmarshal(data, &m)
	return m
}

// validateInputSchema parses raw as a JSON-Schema document and resolves it,
// rejecting structurally malformed schemas before a tool is ever advertised.
func validateInputSchema(raw map[string]any) error {
	if raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("input schema is not serializable: %w", err)
	}
	schema := new(jsonschema.Schema)
	if err := json.Unmarshal(data, schema); err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}
	if _, err := schema.Resolve(nil); err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}
	return nil
}

// HandleListPrompts handles the MCP prompts/list request. With no
// ListPrompts handler registered, it returns an empty list rather than an
// error, matching the tools/list empty-result contract.
func (s *McpServer) HandleListPrompts(ctx context.Context, id any) map[string]any {
	if s.ListPrompts == nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]any{"prompts": []map[string]any{}},
		}
	}
	prompts, err := s.ListPrompts(ctx)
	if err != nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32603, "message": err.Error()},
		}
	}
	out := make([]map[string]any, 0, len(prompts))
	for _, p := range prompts {
		args := make([]map[string]any, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, map[string]any{
				"name":        a.Name,
				"description": a.Description,
				"required":    a.Required,
			})
		}
		entry := map[string]any{"name": p.Name, "description": p.Description}
		if len(args) > 0 {
			entry["arguments"] = args
		}
		out = append(out, entry)
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]any{"prompts": out},
	}
}

// HandleGetPrompt handles the MCP prompts/get request.
func (s *McpServer) HandleGetPrompt(ctx context.Context, id any, name string, arguments map[string]any) map[string]any {
	if s.GetPrompt == nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32603, "message": "prompts are not supported by this server"},
		}
	}
	result, err := s.GetPrompt(ctx, name, arguments)
	if err != nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32603, "message": err.Error()},
		}
	}
	messages := make([]map[string]any, 0, len(result.Messages))
	for _, m := range result.Messages {
		messages = append(messages, map[string]any{
			"role":    m.Role,
			"content": textContentMap(m.Text),
		})
	}
	resultData := map[string]any{"messages": messages}
	if result.Description != "" {
		resultData["description"] = result.Description
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  resultData,
	}
}

// HandleListResources handles the MCP resources/list request. With no
// ListResources handler registered, it returns an empty list rather than an
// error, matching the tools/list empty-result contract.
func (s *McpServer) HandleListResources(ctx context.Context, id any) map[string]any {
	if s.ListResources == nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"result":  map[string]any{"resources": []map[string]any{}},
		}
	}
	resources, err := s.ListResources(ctx)
	if err != nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32603, "message": err.Error()},
		}
	}
	out := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entry := map[string]any{"uri": r.URI, "name": r.Name}
		if r.Description != "" {
			entry["description"] = r.Description
		}
		if r.MimeType != "" {
			entry["mimeType"] = r.MimeType
		}
		out = append(out, entry)
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]any{"resources": out},
	}
}

// HandleReadResource handles the MCP resources/read request.
func (s *McpServer) HandleReadResource(ctx context.Context, id any, uri string) map[string]any {
	if s.ReadResource == nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32603, "message": "resources are not supported by this server"},
		}
	}
	contents, err := s.ReadResource(ctx, uri)
	if err != nil {
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   map[string]any{"code": -32603, "message": err.Error()},
		}
	}
	entry := map[string]any{"uri": contents.URI, "text": contents.Text}
	if contents.MimeType != "" {
		entry["mimeType"] = contents.MimeType
	}
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  map[string]any{"contents": []map[string]any{entry}},
	}
}

// HandleRequest dispatches an MCP JSONRPC request to the appropriate handler.
func (s *McpServer) HandleRequest(ctx context.Context, message map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	method, _ := message["method"].(string)
	id := message["id"]
	params, _ := message["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	if strings.HasPrefix(method, "notifications/") {
		return map[string]any{"jsonrpc": "2.0", "result": map[string]any{}}
	}

	switch method {
	case "initialize":
		return s.HandleInitialize(id)
	case "tools/list":
		return s.HandleListTools(id)
	case "tools/call":
		name, _ := params["name"].(string)
		args, _ := params["arguments"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		return s.HandleCallTool(ctx, id, name, args)
	case "prompts/list":
		return s.HandleListPrompts(ctx, id)
	case "prompts/get":
		name, _ := params["name"].(string)
		args, _ := params["arguments"].(map[string]any)
		if args == nil {
			args = map[string]any{}
		}
		return s.HandleGetPrompt(ctx, id, name, args)
	case "resources/list":
		return s.HandleListResources(ctx, id)
	case "resources/read":
		uri, _ := params["uri"].(string)
		return s.HandleReadResource(ctx, id, uri)
	default:
		return map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error": map[string]any{
				"code":    -32601,
				"message": "Method '" + method + "' not found",
			},
		}
	}
}

// CreateSdkMcpServer creates an in-process MCP server configuration. Tools
// whose InputSchema fails JSON-Schema validation are dropped: they are
// never listed or callable, and their rejection reason is available via
// McpServer.RejectionError.
func CreateSdkMcpServer(name string, version string, tools ...*SdkMcpTool) *McpSdkServerConfig {
	server := &McpServer{
		Name:          name,
		Version:       version,
		toolMap:       make(map[string]*SdkMcpTool, len(tools)),
		rejectedTools: make(map[string]error),
	}
	for _, t := range tools {
		if err := validateInputSchema(t.InputSchema); err != nil {
			server.rejectedTools[t.Name] = err
			continue
		}
		server.Tools = append(server.Tools, t)
		server.toolMap[t.Name] = t
	}
	return &McpSdkServerConfig{
		Type:     "sdk",
		Name:     name,
		Instance: server,
	}
}
