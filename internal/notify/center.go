// Package notify fans user-facing notifications out to subscribers and
// expires them after a fixed lifetime. Rendering is the consumer's job.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kinds of notification.
const (
	KindInfo    = "info"
	KindSuccess = "success"
	KindWarning = "warning"
	KindError   = "error"
)

// Notification is one user-facing message.
type Notification struct {
	ID      string
	Kind    string
	Title   string
	Message string
	Time    time.Time
}

// Center collects notifications and fans them out.
type Center struct {
	lifetime time.Duration

	mu     sync.Mutex
	active []Notification
	nextID int
	subs   map[int]func(Notification)
}

// NewCenter creates a Center whose notifications expire after lifetime.
// A non-positive lifetime keeps notifications until removed explicitly.
func NewCenter(lifetime time.Duration) *Center {
	return &Center{
		lifetime: lifetime,
		subs:     make(map[int]func(Notification)),
	}
}

// Push adds a notification and delivers it to all subscribers.
func (c *Center) Push(kind, title, message string) string {
	n := Notification{
		ID:      uuid.NewString(),
		Kind:    kind,
		Title:   title,
		Message: message,
		Time:    time.Now(),
	}

	c.mu.Lock()
	c.active = append(c.active, n)
	fns := make([]func(Notification), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}

	if c.lifetime > 0 {
		time.AfterFunc(c.lifetime, func() { c.Remove(n.ID) })
	}
	return n.ID
}

// Subscribe registers a delivery callback and returns its unregistration
// handle.
func (c *Center) Subscribe(fn func(Notification)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Remove drops one notification by id.
func (c *Center) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.active {
		if n.ID == id {
			c.active = append(c.active[:i:i], c.active[i+1:]...)
			return
		}
	}
}

// Active returns the notifications not yet expired or removed.
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	active := make([]Notification, len(c.active))
	copy(active, c.active)
	return active
}

// Clear removes all notifications.
func (c *Center) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = nil
}
