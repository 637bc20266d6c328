package edge

import (
	"encoding/json"
	"sync"
	"time"
)

// modelsCache holds the most recent models listing so repeated GET
// /v1/models calls do not round-trip to a worker.
type modelsCache struct {
	mu        sync.Mutex
	payload   json.RawMessage
	expiresAt time.Time
}

func (c *modelsCache) Get() (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil || time.Now().After(c.expiresAt) {
		return nil, false
	}
	return c.payload, true
}

func (c *modelsCache) Set(payload json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.payload = payload
	c.expiresAt = time.Now().Add(ttl)
	c.mu.Unlock()
}
