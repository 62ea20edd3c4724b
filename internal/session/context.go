// Package session holds the fixed-field connection state for a WebSocket
// session: subscriptions, per-topic handles, and activity timestamps.
package session

import (
	"sync"
	"time"

	"github.com/vedacore/streamgateway/internal/topic"
)

// Context is one WebSocket connection's live state. The broker owns each
// Handle; Context only holds non-owning references plus the bookkeeping
// needed to unsubscribe everything on disconnect.
type Context struct {
	mu sync.Mutex

	ClientID  string
	TenantID  string
	Scopes    []string

	ConnectedAt    time.Time
	LastActivityAt time.Time

	subscriptions map[string]*topic.Handle // topic -> handle
}

// New creates a Context for a freshly accepted connection.
func New(clientID, tenantID string, scopes []string) *Context {
	now := time.Now()
	return &Context{
		ClientID:       clientID,
		TenantID:       tenantID,
		Scopes:         scopes,
		ConnectedAt:    now,
		LastActivityAt: now,
		subscriptions:  make(map[string]*topic.Handle),
	}
}

// Touch records activity for idle/heartbeat accounting.
func (c *Context) Touch() {
	c.mu.Lock()
	c.LastActivityAt = time.Now()
	c.mu.Unlock()
}

// AddSubscription records topicName -> h, replacing anything already
// subscribed under that name (callers are expected to Unsubscribe from
// the broker first if this would orphan a handle).
func (c *Context) AddSubscription(topicName string, h *topic.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topicName] = h
}

// RemoveSubscription deletes and returns the handle for topicName, if any.
func (c *Context) RemoveSubscription(topicName string) (*topic.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.subscriptions[topicName]
	if ok {
		delete(c.subscriptions, topicName)
	}
	return h, ok
}

// Handle returns the handle currently subscribed for topicName.
func (c *Context) Handle(topicName string) (*topic.Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.subscriptions[topicName]
	return h, ok
}

// Topics returns a snapshot of currently subscribed topic names.
func (c *Context) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

// DrainAll empties and returns every subscription, for use on disconnect
// when every handle must be unsubscribed from the broker.
func (c *Context) DrainAll() map[string]*topic.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.subscriptions
	c.subscriptions = make(map[string]*topic.Handle)
	return out
}
