package objectclient

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/markdave123-py/sapling/internal/core"
)

var _ core.ObjectClient = (*MemoryClient)(nil)

// MemoryClient keeps objects in a map. Used by tests and local runs.
type MemoryClient struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{objects: make(map[string][]byte)}
}

func (c *MemoryClient) Upload(_ context.Context, key string, data io.Reader, _ string) (string, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = b
	return key, nil
}

func (c *MemoryClient) Download(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q not found", key)
	}
	return append([]byte(nil), b...), nil
}

func (c *MemoryClient) Remove(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.objects, k)
	}
	return nil
}

// Has reports whether key exists.
func (c *MemoryClient) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.objects[key]
	return ok
}
