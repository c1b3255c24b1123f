package debugtools

import (
	"sort"
	"sync"
	"time"
)

// Binding names the surface a debug client came in on.
type Binding string

const (
	BindingStdio Binding = "stdio"
	BindingMCP   Binding = "mcp"
	BindingREST  Binding = "rest"
	BindingTail  Binding = "tail"
)

// DefaultIdleTimeout is how long a client without a live connection counts
// as active after its last request.
const DefaultIdleTimeout = 2 * time.Minute

// DefaultSessionIdleTimeout bounds how long a network MCP session may stay
// silent. Streamable HTTP clients often exit without sending DELETE.
const DefaultSessionIdleTimeout = 30 * time.Minute

// CursorReleaser forgets a client's read position.
type CursorReleaser interface {
	ReleaseCursor(clientID string)
}

// Client is one known debug client.
type Client struct {
	ID          string    `json:"id"`
	Binding     Binding   `json:"binding"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	// Transient clients (plain REST callers) have no connection whose end
	// we observe, so they expire after the idle timeout.
	Transient bool `json:"transient"`
}

// Registry tracks active debug clients and releases their cursors when
// they go away.
type Registry struct {
	cursors     CursorReleaser
	idle        time.Duration
	sessionIdle time.Duration
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry(cursors CursorReleaser, idle time.Duration) *Registry {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &Registry{
		cursors:     cursors,
		idle:        idle,
		sessionIdle: max(idle, DefaultSessionIdleTimeout),
		now:         time.Now,
		clients:     make(map[string]*Client),
	}
}

// Register records a client whose connection end will be reported through
// Unregister.
func (r *Registry) Register(id string, binding Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if c, ok := r.clients[id]; ok {
		c.Binding = binding
		c.Transient = false
		c.LastSeen = now
		return
	}
	r.clients[id] = &Client{ID: id, Binding: binding, ConnectedAt: now, LastSeen: now}
}

// Touch marks activity. Unknown ids are added as transient clients.
func (r *Registry) Touch(id string, binding Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if c, ok := r.clients[id]; ok {
		c.LastSeen = now
		return
	}
	r.clients[id] = &Client{ID: id, Binding: binding, ConnectedAt: now, LastSeen: now, Transient: true}
}

// Unregister removes the client and releases its cursor.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.clients[id]
	delete(r.clients, id)
	r.mu.Unlock()
	if ok && r.cursors != nil {
		r.cursors.ReleaseCursor(id)
	}
}

// pruneLocked drops transient clients idle for longer than the timeout,
// and network MCP sessions idle for longer than the session timeout, and
// returns their ids. Stdio and live tails end only through Unregister.
// Callers hold r.mu.
func (r *Registry) pruneLocked() []string {
	now := r.now()
	cutoff := now.Add(-r.idle)
	sessionCutoff := now.Add(-r.sessionIdle)
	var expired []string
	for id, c := range r.clients {
		stale := c.Transient && c.LastSeen.Before(cutoff)
		if !c.Transient && c.Binding == BindingMCP {
			stale = c.LastSeen.Before(sessionCutoff)
		}
		if stale {
			delete(r.clients, id)
			expired = append(expired, id)
		}
	}
	return expired
}

func (r *Registry) release(ids []string) {
	if r.cursors == nil {
		return
	}
	for _, id := range ids {
		r.cursors.ReleaseCursor(id)
	}
}

// Count returns the number of active clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	expired := r.pruneLocked()
	n := len(r.clients)
	r.mu.Unlock()
	r.release(expired)
	return n
}

// List returns the active clients ordered by connect time.
func (r *Registry) List() []Client {
	r.mu.Lock()
	expired := r.pruneLocked()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	r.mu.Unlock()
	r.release(expired)

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}
