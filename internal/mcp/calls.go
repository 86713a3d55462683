package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// cursorParams is the shared params shape of the paginated list methods.
type cursorParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// paginate drives a list method across pages, carrying nextCursor forward
// until the server omits it. Page order is preserved and nothing is
// deduplicated. A cursor seen twice means the server is looping; the walk
// stops with an invalid-params error.
func (c *Connector) paginate(ctx context.Context, method string, page func(json.RawMessage) (string, error)) error {
	cursor := ""
	seen := make(map[string]bool)
	for {
		var params any
		if cursor != "" {
			params = cursorParams{Cursor: cursor}
		}
		raw, err := c.SendRequest(ctx, method, params)
		if err != nil {
			return err
		}
		next, err := page(raw)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		if seen[next] {
			return protocol.ErrInvalidParams("cursor loop")
		}
		seen[next] = true
		cursor = next
	}
}

// ListTools retrieves the complete tool list, following pagination.
func (c *Connector) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	err := c.paginate(ctx, "tools/list", func(raw json.RawMessage) (string, error) {
		var result protocol.ListToolsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", fmt.Errorf("tools/list: unmarshal result: %w", err)
		}
		tools = append(tools, result.Tools...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// CallTool invokes a tool on the server.
func (c *Connector) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	params := protocol.CallToolParams{Name: name, Arguments: arguments}
	raw, err := c.SendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}
	var result protocol.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tools/call: unmarshal result: %w", err)
	}
	return &result, nil
}

// ListResources retrieves the complete resource list, following pagination.
func (c *Connector) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	var resources []protocol.Resource
	err := c.paginate(ctx, "resources/list", func(raw json.RawMessage) (string, error) {
		var result protocol.ListResourcesResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", fmt.Errorf("resources/list: unmarshal result: %w", err)
		}
		resources = append(resources, result.Resources...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// ListResourceTemplates retrieves the complete template list, following
// pagination.
func (c *Connector) ListResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error) {
	var templates []protocol.ResourceTemplate
	err := c.paginate(ctx, "resources/templates/list", func(raw json.RawMessage) (string, error) {
		var result protocol.ListResourceTemplatesResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", fmt.Errorf("resources/templates/list: unmarshal result: %w", err)
		}
		templates = append(templates, result.ResourceTemplates...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return templates, nil
}

// ReadResource reads one resource by URI.
func (c *Connector) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	raw, err := c.SendRequest(ctx, "resources/read", protocol.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, fmt.Errorf("resources/read: %w", err)
	}
	var result protocol.ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("resources/read: unmarshal result: %w", err)
	}
	return &result, nil
}

// SubscribeResource subscribes to update notifications for a resource URI.
func (c *Connector) SubscribeResource(ctx context.Context, uri string) error {
	if _, err := c.SendRequest(ctx, "resources/subscribe", protocol.SubscribeParams{URI: uri}); err != nil {
		return fmt.Errorf("resources/subscribe: %w", err)
	}
	return nil
}

// UnsubscribeResource removes a resource subscription.
func (c *Connector) UnsubscribeResource(ctx context.Context, uri string) error {
	if _, err := c.SendRequest(ctx, "resources/unsubscribe", protocol.UnsubscribeParams{URI: uri}); err != nil {
		return fmt.Errorf("resources/unsubscribe: %w", err)
	}
	return nil
}

// ListPrompts retrieves the complete prompt list, following pagination.
func (c *Connector) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	var prompts []protocol.Prompt
	err := c.paginate(ctx, "prompts/list", func(raw json.RawMessage) (string, error) {
		var result protocol.ListPromptsResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", fmt.Errorf("prompts/list: unmarshal result: %w", err)
		}
		prompts = append(prompts, result.Prompts...)
		return result.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return prompts, nil
}

// GetPrompt renders a prompt with the given arguments.
func (c *Connector) GetPrompt(ctx context.Context, name string, arguments map[string]string) (*protocol.GetPromptResult, error) {
	params := protocol.GetPromptParams{Name: name, Arguments: arguments}
	raw, err := c.SendRequest(ctx, "prompts/get", params)
	if err != nil {
		return nil, fmt.Errorf("prompts/get: %w", err)
	}
	var result protocol.GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("prompts/get: unmarshal result: %w", err)
	}
	return &result, nil
}

// SetLogLevel asks the server to adjust its log forwarding level.
func (c *Connector) SetLogLevel(ctx context.Context, level string) error {
	if _, err := c.SendRequest(ctx, "logging/setLevel", protocol.SetLevelParams{Level: level}); err != nil {
		return fmt.Errorf("logging/setLevel: %w", err)
	}
	return nil
}

// Ping checks liveness.
func (c *Connector) Ping(ctx context.Context) error {
	if _, err := c.SendRequest(ctx, "ping", nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
