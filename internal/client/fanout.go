package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// ServerTool is a tool tagged with its originating server.
type ServerTool struct {
	Server string `json:"server"`
	protocol.Tool
}

// ServerResource is a resource tagged with its originating server.
type ServerResource struct {
	Server string `json:"server"`
	protocol.Resource
}

// ServerTemplate is a resource template tagged with its originating
// server.
type ServerTemplate struct {
	Server string `json:"server"`
	protocol.ResourceTemplate
}

// ServerPrompt is a prompt tagged with its originating server.
type ServerPrompt struct {
	Server string `json:"server"`
	protocol.Prompt
}

// errAllServersFailed reports a fan-out where no connected server
// returned a result.
var errAllServersFailed = errors.New("all connected servers failed")

// fanOut runs fetch against every connected server in parallel and
// concatenates the results in registration order. Per-server failures are
// logged and elided; the call fails only when every connected server
// failed.
func fanOut[T any](c *Client, ctx context.Context, what string, fetch func(context.Context, *serverEntry) ([]T, error)) ([]T, error) {
	entries := c.connectedEntries()
	if len(entries) == 0 {
		return nil, nil
	}

	results := make([][]T, len(entries))
	errs := make([]error, len(entries))
	sem := make(chan struct{}, c.maxDiscovery)
	var wg sync.WaitGroup

	for i, entry := range entries {
		wg.Add(1)
		go func(i int, entry *serverEntry) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i], errs[i] = fetch(ctx, entry)
		}(i, entry)
	}
	wg.Wait()

	var out []T
	succeeded := false
	for i, entry := range entries {
		if errs[i] != nil {
			c.log.Error("fan-out failed",
				zap.String("operation", what),
				zap.String("server", entry.name),
				zap.Error(errs[i]))
			continue
		}
		succeeded = true
		out = append(out, results[i]...)
	}
	if !succeeded {
		return nil, fmt.Errorf("%s: %w", what, errAllServersFailed)
	}
	return out, nil
}

// ListAllTools lists tools from every connected server, tagged by server
// name. The cache is refreshed as a side effect.
func (c *Client) ListAllTools(ctx context.Context) ([]ServerTool, error) {
	return fanOut(c, ctx, "tools/list", func(ctx context.Context, entry *serverEntry) ([]ServerTool, error) {
		tools, err := entry.connector.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.setTools(entry.name, tools)
		if c.persister != nil {
			c.persister.Store(entry.name, tools)
		}
		out := make([]ServerTool, len(tools))
		for i, t := range tools {
			out[i] = ServerTool{Server: entry.name, Tool: t}
		}
		return out, nil
	})
}

// ListAllResources lists resources from every connected server.
func (c *Client) ListAllResources(ctx context.Context) ([]ServerResource, error) {
	return fanOut(c, ctx, "resources/list", func(ctx context.Context, entry *serverEntry) ([]ServerResource, error) {
		resources, err := entry.connector.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.setResources(entry.name, resources)
		out := make([]ServerResource, len(resources))
		for i, r := range resources {
			out[i] = ServerResource{Server: entry.name, Resource: r}
		}
		return out, nil
	})
}

// ListAllResourceTemplates lists resource templates from every connected
// server.
func (c *Client) ListAllResourceTemplates(ctx context.Context) ([]ServerTemplate, error) {
	return fanOut(c, ctx, "resources/templates/list", func(ctx context.Context, entry *serverEntry) ([]ServerTemplate, error) {
		templates, err := entry.connector.ListResourceTemplates(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.setTemplates(entry.name, templates)
		out := make([]ServerTemplate, len(templates))
		for i, t := range templates {
			out[i] = ServerTemplate{Server: entry.name, ResourceTemplate: t}
		}
		return out, nil
	})
}

// ListAllPrompts lists prompts from every connected server.
func (c *Client) ListAllPrompts(ctx context.Context) ([]ServerPrompt, error) {
	return fanOut(c, ctx, "prompts/list", func(ctx context.Context, entry *serverEntry) ([]ServerPrompt, error) {
		prompts, err := entry.connector.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.setPrompts(entry.name, prompts)
		out := make([]ServerPrompt, len(prompts))
		for i, p := range prompts {
			out[i] = ServerPrompt{Server: entry.name, Prompt: p}
		}
		return out, nil
	})
}

// CallTool invokes a tool on a specific server.
func (c *Client) CallTool(ctx context.Context, server, tool string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	entry, ok := c.entry(server)
	if !ok {
		return nil, fmt.Errorf("server %q not registered", server)
	}
	return entry.connector.CallTool(ctx, tool, arguments)
}

// ReadResource reads a resource. With an empty server the read is routed
// to the first server whose cached resource list claims the URI.
func (c *Client) ReadResource(ctx context.Context, server, uri string) (*protocol.ReadResourceResult, error) {
	if server == "" {
		owner, ok := c.cache.resourceOwner(c.Names(), uri)
		if !ok {
			return nil, fmt.Errorf("no server claims resource %q", uri)
		}
		server = owner
	}
	entry, ok := c.entry(server)
	if !ok {
		return nil, fmt.Errorf("server %q not registered", server)
	}
	return entry.connector.ReadResource(ctx, uri)
}

// SubscribeResource subscribes to updates for a resource, routed like
// ReadResource.
func (c *Client) SubscribeResource(ctx context.Context, server, uri string) error {
	if server == "" {
		owner, ok := c.cache.resourceOwner(c.Names(), uri)
		if !ok {
			return fmt.Errorf("no server claims resource %q", uri)
		}
		server = owner
	}
	entry, ok := c.entry(server)
	if !ok {
		return fmt.Errorf("server %q not registered", server)
	}
	return entry.connector.SubscribeResource(ctx, uri)
}

// UnsubscribeResource removes a resource subscription, routed like
// ReadResource.
func (c *Client) UnsubscribeResource(ctx context.Context, server, uri string) error {
	if server == "" {
		owner, ok := c.cache.resourceOwner(c.Names(), uri)
		if !ok {
			return fmt.Errorf("no server claims resource %q", uri)
		}
		server = owner
	}
	entry, ok := c.entry(server)
	if !ok {
		return fmt.Errorf("server %q not registered", server)
	}
	return entry.connector.UnsubscribeResource(ctx, uri)
}

// GetPrompt renders a prompt on a specific server.
func (c *Client) GetPrompt(ctx context.Context, server, name string, arguments map[string]string) (*protocol.GetPromptResult, error) {
	entry, ok := c.entry(server)
	if !ok {
		return nil, fmt.Errorf("server %q not registered", server)
	}
	return entry.connector.GetPrompt(ctx, name, arguments)
}
