package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
)

const demoReadmeURI = "demo://readme"

const demoReadme = `# mcpd demo server

A small built-in server used to exercise the protocol end to end.

Tools: echo, add, time. Resources: demo://readme. Prompts: greeting.
`

// NewDemoRuntime builds a runtime populated with the built-in demo
// collaborators: echo/add/time tools, a readme resource, a greeting
// prompt. The stdio demo command and the HTTP server default wiring both
// use it.
func NewDemoRuntime(version string, log *zap.Logger) *Runtime {
	rt := NewRuntime(Options{
		ServerInfo:   protocol.Implementation{Name: "mcpd-demo", Version: version},
		Instructions: "Demo server with echo, add and time tools.",
		Logger:       log,
	})
	RegisterDemo(rt)
	return rt
}

// RegisterDemo installs the demo collaborators on an existing runtime.
func RegisterDemo(rt *Runtime) {
	rt.Tools().Register(protocol.Tool{
		Name:        "echo",
		Description: "Echoes the provided text back unchanged.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"Text to echo back"}},"required":["text"]}`),
	}, echoTool)

	rt.Tools().Register(protocol.Tool{
		Name:        "add",
		Description: "Adds two numbers and returns the sum.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"},"b":{"type":"number"}},"required":["a","b"]}`),
	}, addTool)

	rt.Tools().Register(protocol.Tool{
		Name:        "time",
		Description: "Returns the current UTC time in RFC 3339 format.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}, timeTool)

	rt.Resources().Register(protocol.Resource{
		URI:      demoReadmeURI,
		Name:     "readme",
		MimeType: "text/markdown",
	}, readmeResource)

	rt.Resources().RegisterTemplate(protocol.ResourceTemplate{
		URITemplate: "demo://greetings/{name}",
		Name:        "greeting-card",
		Description: "A templated greeting for a given name.",
		MimeType:    "text/plain",
	})

	rt.Prompts().Register(protocol.Prompt{
		Name:        "greeting",
		Description: "Builds a short greeting request.",
		Arguments: []protocol.PromptArgument{
			{Name: "name", Description: "Name to greet (defaults to friend)"},
		},
	}, greetingPrompt)
}

func echoTool(_ context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("malformed arguments: %w", err)
	}
	return &protocol.CallToolResult{
		Content: []protocol.ContentBlock{protocol.NewTextContent(params.Text)},
	}, nil
}

func addTool(_ context.Context, args json.RawMessage) (*protocol.CallToolResult, error) {
	var params struct {
		A *float64 `json:"a"`
		B *float64 `json:"b"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("malformed arguments: %w", err)
	}
	if params.A == nil || params.B == nil {
		return nil, fmt.Errorf("both a and b are required")
	}
	sum := strconv.FormatFloat(*params.A+*params.B, 'f', -1, 64)
	return &protocol.CallToolResult{
		Content: []protocol.ContentBlock{protocol.NewTextContent(sum)},
	}, nil
}

func timeTool(_ context.Context, _ json.RawMessage) (*protocol.CallToolResult, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	return &protocol.CallToolResult{
		Content: []protocol.ContentBlock{protocol.NewTextContent(now)},
	}, nil
}

func readmeResource(_ context.Context, uri string) (*protocol.ReadResourceResult, error) {
	return &protocol.ReadResourceResult{
		Contents: []protocol.ResourceContents{
			{URI: uri, MimeType: "text/markdown", Text: demoReadme},
		},
	}, nil
}

func greetingPrompt(_ context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
	name := args["name"]
	if name == "" {
		name = "friend"
	}
	return &protocol.GetPromptResult{
		Description: "A greeting request",
		Messages: []protocol.PromptMessage{
			{Role: "user", Content: protocol.NewTextContent("Say hello to " + name + ".")},
		},
	}, nil
}
