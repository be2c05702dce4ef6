package cerver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is an authenticated peer identity on the server side.
// One client may own several connections.
type Client struct {
	id        string // client's ID. it's a UUID
	sessionID string // empty unless sessions are enabled
	identity  interface{}
	admin     bool // authenticated with AUTH/ADMIN_AUTH
	createdAt time.Time

	mu          sync.RWMutex
	connections []*Connection
	removed     bool

	storage sync.Map
}

func newClient(identity interface{}) *Client {
	return &Client{
		id:        uuid.NewString(),
		identity:  identity,
		createdAt: time.Now(),
	}
}

// ID returns the client's ID.
func (c *Client) ID() string { return c.id }

// SessionID returns the session token handed out on authentication.
func (c *Client) SessionID() string { return c.sessionID }

// Identity returns what the Authenticator returned for the client.
func (c *Client) Identity() interface{} { return c.identity }

// IsAdmin reports whether the client authenticated as an admin.
func (c *Client) IsAdmin() bool { return c.admin }

// CreatedAt returns when the client was registered.
func (c *Client) CreatedAt() time.Time { return c.createdAt }

// Connections returns a snapshot of the client's live connections, oldest first.
func (c *Client) Connections() []*Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conns := make([]*Connection, len(c.connections))
	copy(conns, c.connections)
	return conns
}

// ConnectionCount returns the number of live connections.
func (c *Client) ConnectionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.connections)
}

// Send writes p on the oldest open connection of the client.
func (c *Client) Send(p *Packet) (int, error) {
	for _, conn := range c.Connections() {
		if conn.IsClosed() {
			continue
		}
		return conn.Send(p, false)
	}
	return 0, ErrConnectionClosed
}

// Get returns the value stored for key.
func (c *Client) Get(key string) (value interface{}, exists bool) {
	return c.storage.Load(key)
}

// Set stores value for key, visible from every connection of the client.
func (c *Client) Set(key string, value interface{}) {
	c.storage.Store(key, value)
}

func (c *Client) addConnection(conn *Connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return false
	}
	c.connections = append(c.connections, conn)
	return true
}

// removeConnection returns whether conn was found and how many connections are left.
func (c *Client) removeConnection(conn *Connection) (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cc := range c.connections {
		if cc == conn {
			c.connections = append(c.connections[:i], c.connections[i+1:]...)
			return true, len(c.connections)
		}
	}
	return false, len(c.connections)
}

// markRemoved detaches every connection and refuses new ones.
func (c *Client) markRemoved() []*Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
	conns := c.connections
	c.connections = nil
	return conns
}
