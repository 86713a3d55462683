package client

import (
	"sync"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// listCache holds the last known lists per server. Writes are
// last-write-wins; readers get copies.
type listCache struct {
	mu        sync.RWMutex
	tools     map[string][]protocol.Tool
	resources map[string][]protocol.Resource
	templates map[string][]protocol.ResourceTemplate
	prompts   map[string][]protocol.Prompt
}

func newListCache() *listCache {
	return &listCache{
		tools:     make(map[string][]protocol.Tool),
		resources: make(map[string][]protocol.Resource),
		templates: make(map[string][]protocol.ResourceTemplate),
		prompts:   make(map[string][]protocol.Prompt),
	}
}

func (lc *listCache) setTools(server string, tools []protocol.Tool) {
	lc.mu.Lock()
	lc.tools[server] = tools
	lc.mu.Unlock()
}

func (lc *listCache) getTools(server string) ([]protocol.Tool, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	tools, ok := lc.tools[server]
	if !ok {
		return nil, false
	}
	out := make([]protocol.Tool, len(tools))
	copy(out, tools)
	return out, true
}

func (lc *listCache) setResources(server string, resources []protocol.Resource) {
	lc.mu.Lock()
	lc.resources[server] = resources
	lc.mu.Unlock()
}

func (lc *listCache) getResources(server string) ([]protocol.Resource, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	resources, ok := lc.resources[server]
	if !ok {
		return nil, false
	}
	out := make([]protocol.Resource, len(resources))
	copy(out, resources)
	return out, true
}

func (lc *listCache) setTemplates(server string, templates []protocol.ResourceTemplate) {
	lc.mu.Lock()
	lc.templates[server] = templates
	lc.mu.Unlock()
}

func (lc *listCache) getTemplates(server string) ([]protocol.ResourceTemplate, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	templates, ok := lc.templates[server]
	if !ok {
		return nil, false
	}
	out := make([]protocol.ResourceTemplate, len(templates))
	copy(out, templates)
	return out, true
}

func (lc *listCache) setPrompts(server string, prompts []protocol.Prompt) {
	lc.mu.Lock()
	lc.prompts[server] = prompts
	lc.mu.Unlock()
}

func (lc *listCache) getPrompts(server string) ([]protocol.Prompt, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	prompts, ok := lc.prompts[server]
	if !ok {
		return nil, false
	}
	out := make([]protocol.Prompt, len(prompts))
	copy(out, prompts)
	return out, true
}

// resourceOwner returns the first server (in the given order) whose
// cached resource list contains uri.
func (lc *listCache) resourceOwner(order []string, uri string) (string, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	for _, server := range order {
		for _, res := range lc.resources[server] {
			if res.URI == uri {
				return server, true
			}
		}
	}
	return "", false
}

func (lc *listCache) drop(server string) {
	lc.mu.Lock()
	delete(lc.tools, server)
	delete(lc.resources, server)
	delete(lc.templates, server)
	delete(lc.prompts, server)
	lc.mu.Unlock()
}
