// Package server implements the server-side protocol runtime: pluggable
// tool/resource/prompt registries, a transport-agnostic request handler,
// the stdio serve loop and the aggregating gateway.
package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// ToolHandler executes a tool call. Execution failures should be returned
// as an error; they surface to the caller as an isError result, not a
// protocol error.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*protocol.CallToolResult, error)

type registeredTool struct {
	tool    protocol.Tool
	handler ToolHandler
}

// ToolRegistry holds the tools a runtime exposes. Mutations fire the
// changed hook so the runtime can broadcast list_changed.
type ToolRegistry struct {
	mu        sync.RWMutex
	tools     map[string]registeredTool
	order     []string
	onChanged func()
}

// NewToolRegistry creates an empty tool registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]registeredTool)}
}

// Register adds or replaces a tool. Registration order is preserved for
// listing; re-registering keeps the original position.
func (r *ToolRegistry) Register(tool protocol.Tool, handler ToolHandler) {
	r.mu.Lock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = registeredTool{tool: tool, handler: handler}
	changed := r.onChanged
	r.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	_, exists := r.tools[name]
	if exists {
		delete(r.tools, name)
		for i, n := range r.order {
			if n == name {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	changed := r.onChanged
	r.mu.Unlock()

	if exists && changed != nil {
		changed()
	}
}

// List returns the registered tools in registration order.
func (r *ToolRegistry) List() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]protocol.Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].tool)
	}
	return tools
}

// Handler returns the handler for name, or nil if unregistered.
func (r *ToolRegistry) Handler(name string) ToolHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name].handler
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ResourceHandler reads a resource by URI.
type ResourceHandler func(ctx context.Context, uri string) (*protocol.ReadResourceResult, error)

type registeredResource struct {
	resource protocol.Resource
	handler  ResourceHandler
}

// ResourceRegistry holds concrete resources and resource templates.
type ResourceRegistry struct {
	mu        sync.RWMutex
	resources map[string]registeredResource
	order     []string
	templates []protocol.ResourceTemplate
	onChanged func()
}

// NewResourceRegistry creates an empty resource registry.
func NewResourceRegistry() *ResourceRegistry {
	return &ResourceRegistry{resources: make(map[string]registeredResource)}
}

// Register adds or replaces a resource keyed by URI.
func (r *ResourceRegistry) Register(res protocol.Resource, handler ResourceHandler) {
	r.mu.Lock()
	if _, exists := r.resources[res.URI]; !exists {
		r.order = append(r.order, res.URI)
	}
	r.resources[res.URI] = registeredResource{resource: res, handler: handler}
	changed := r.onChanged
	r.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// RegisterTemplate adds a resource template.
func (r *ResourceRegistry) RegisterTemplate(tmpl protocol.ResourceTemplate) {
	r.mu.Lock()
	r.templates = append(r.templates, tmpl)
	changed := r.onChanged
	r.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// List returns the registered resources in registration order.
func (r *ResourceRegistry) List() []protocol.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resources := make([]protocol.Resource, 0, len(r.order))
	for _, uri := range r.order {
		resources = append(resources, r.resources[uri].resource)
	}
	return resources
}

// Templates returns the registered resource templates.
func (r *ResourceRegistry) Templates() []protocol.ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ResourceTemplate, len(r.templates))
	copy(out, r.templates)
	return out
}

// Handler returns the read handler for uri, or nil if unregistered.
func (r *ResourceRegistry) Handler(uri string) ResourceHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resources[uri].handler
}

// Has reports whether uri is registered.
func (r *ResourceRegistry) Has(uri string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.resources[uri]
	return ok
}

// PromptHandler renders a prompt with the given arguments.
type PromptHandler func(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error)

type registeredPrompt struct {
	prompt  protocol.Prompt
	handler PromptHandler
}

// PromptRegistry holds the prompts a runtime exposes.
type PromptRegistry struct {
	mu        sync.RWMutex
	prompts   map[string]registeredPrompt
	order     []string
	onChanged func()
}

// NewPromptRegistry creates an empty prompt registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{prompts: make(map[string]registeredPrompt)}
}

// Register adds or replaces a prompt.
func (r *PromptRegistry) Register(prompt protocol.Prompt, handler PromptHandler) {
	r.mu.Lock()
	if _, exists := r.prompts[prompt.Name]; !exists {
		r.order = append(r.order, prompt.Name)
	}
	r.prompts[prompt.Name] = registeredPrompt{prompt: prompt, handler: handler}
	changed := r.onChanged
	r.mu.Unlock()

	if changed != nil {
		changed()
	}
}

// List returns the registered prompts in registration order.
func (r *PromptRegistry) List() []protocol.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prompts := make([]protocol.Prompt, 0, len(r.order))
	for _, name := range r.order {
		prompts = append(prompts, r.prompts[name].prompt)
	}
	return prompts
}

// Handler returns the handler for name, or nil if unregistered.
func (r *PromptRegistry) Handler(name string) PromptHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prompts[name].handler
}
