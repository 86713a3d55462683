package client

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Bigsy/mcpd/internal/protocol"
)

// rootSet is the URI-unique ordered set of workspace roots shared with
// every connected server.
type rootSet struct {
	client *Client

	mu    sync.Mutex
	roots []protocol.Root
}

func newRootSet(c *Client) *rootSet {
	return &rootSet{client: c}
}

// AddRoot adds a root. A duplicate URI returns false and broadcasts
// nothing.
func (c *Client) AddRoot(root protocol.Root) bool {
	c.roots.mu.Lock()
	for _, r := range c.roots.roots {
		if r.URI == root.URI {
			c.roots.mu.Unlock()
			return false
		}
	}
	c.roots.roots = append(c.roots.roots, root)
	c.roots.mu.Unlock()

	c.broadcastRootsChanged()
	return true
}

// RemoveRoot removes a root by URI. An unknown URI returns false and
// broadcasts nothing.
func (c *Client) RemoveRoot(uri string) bool {
	c.roots.mu.Lock()
	found := false
	for i, r := range c.roots.roots {
		if r.URI == uri {
			c.roots.roots = append(c.roots.roots[:i], c.roots.roots[i+1:]...)
			found = true
			break
		}
	}
	c.roots.mu.Unlock()

	if !found {
		return false
	}
	c.broadcastRootsChanged()
	return true
}

// Roots returns the current roots in insertion order.
func (c *Client) Roots() []protocol.Root {
	c.roots.mu.Lock()
	defer c.roots.mu.Unlock()
	out := make([]protocol.Root, len(c.roots.roots))
	copy(out, c.roots.roots)
	return out
}

// broadcastRootsChanged notifies every connected server in parallel.
func (c *Client) broadcastRootsChanged() {
	entries := c.connectedEntries()
	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *serverEntry) {
			defer wg.Done()
			if err := entry.connector.SendNotification(context.Background(), "notifications/roots/list_changed", nil); err != nil {
				c.log.Warn("roots broadcast failed",
					zap.String("server", entry.name), zap.Error(err))
			}
		}(entry)
	}
	wg.Wait()
}
